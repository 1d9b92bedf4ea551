package connection

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/backtesting-org/channel-settlement/pkg/logging"
)

type exponentialBackoffStrategy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	maxAttempts  int
	Multiplier   float64
}

// NewExponentialBackoffStrategy doubles the delay on every attempt:
// initial, 2*initial, 4*initial ... capped at maxDelay
func NewExponentialBackoffStrategy(initialDelay, maxDelay time.Duration, maxAttempts int) ReconnectionStrategy {
	return &exponentialBackoffStrategy{
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		maxAttempts:  maxAttempts,
		Multiplier:   2.0,
	}
}

func (ebs *exponentialBackoffStrategy) NextDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return ebs.InitialDelay
	}

	delay := float64(ebs.InitialDelay) * math.Pow(ebs.Multiplier, float64(attempt-1))

	if ebs.MaxDelay > 0 && delay > float64(ebs.MaxDelay) {
		delay = float64(ebs.MaxDelay)
	}

	return time.Duration(delay)
}

func (ebs *exponentialBackoffStrategy) MaxAttempts() int {
	return ebs.maxAttempts
}

type reconnectManager struct {
	connect  func(ctx context.Context) error
	strategy ReconnectionStrategy
	logger   logging.ApplicationLogger

	isReconnecting bool
	pendingRestart bool
	reconnectMutex sync.Mutex
	currentAttempt int
	stop           chan struct{}

	onReconnectStart     func(attempt int)
	onReconnectFail      func(attempt int, err error)
	onReconnectSuccess   func(attempt int)
	onReconnectExhausted func(attempts int)
}

// NewReconnectManager drives connect through the strategy's delays until it
// succeeds or MaxAttempts is exceeded.
func NewReconnectManager(
	connect func(ctx context.Context) error,
	strategy ReconnectionStrategy,
	logger logging.ApplicationLogger,
) ReconnectManager {
	return &reconnectManager{
		connect:  connect,
		strategy: strategy,
		logger:   logger,
	}
}

func (rm *reconnectManager) SetCallbacks(
	onStart func(int),
	onFail func(int, error),
	onSuccess func(int),
	onExhausted func(int),
) {
	rm.reconnectMutex.Lock()
	defer rm.reconnectMutex.Unlock()
	rm.onReconnectStart = onStart
	rm.onReconnectFail = onFail
	rm.onReconnectSuccess = onSuccess
	rm.onReconnectExhausted = onExhausted
}

func (rm *reconnectManager) StopReconnection() {
	rm.reconnectMutex.Lock()
	defer rm.reconnectMutex.Unlock()

	if rm.isReconnecting && rm.stop != nil {
		close(rm.stop)
		rm.stop = nil
	}
	rm.isReconnecting = false
}

func (rm *reconnectManager) StartReconnection(ctx context.Context) error {
	rm.reconnectMutex.Lock()
	defer rm.reconnectMutex.Unlock()

	if rm.isReconnecting {
		// A drop while the loop is finishing a successful attempt must not be lost
		rm.pendingRestart = true
		rm.logger.Debug("Reconnection already in progress")
		return nil
	}

	rm.isReconnecting = true
	rm.pendingRestart = false
	rm.currentAttempt = 0
	rm.stop = make(chan struct{})

	go rm.reconnectLoop(ctx, rm.stop)
	return nil
}

func (rm *reconnectManager) reconnectLoop(ctx context.Context, stop chan struct{}) {
	defer func() {
		rm.reconnectMutex.Lock()
		if rm.stop == stop {
			rm.isReconnecting = false
			rm.stop = nil
		}
		rm.reconnectMutex.Unlock()
	}()

	for {
		rm.reconnectMutex.Lock()
		rm.currentAttempt++
		attempt := rm.currentAttempt
		onStart, onFail, onSuccess, onExhausted := rm.onReconnectStart, rm.onReconnectFail, rm.onReconnectSuccess, rm.onReconnectExhausted
		rm.reconnectMutex.Unlock()

		if attempt > rm.strategy.MaxAttempts() {
			rm.logger.Error("Max reconnection attempts reached: %d", attempt-1)
			if onExhausted != nil {
				onExhausted(attempt - 1)
			}
			return
		}

		delay := rm.strategy.NextDelay(attempt)
		rm.logger.Info("Reconnection attempt %d in %v", attempt, delay)

		if onStart != nil {
			onStart(attempt)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			rm.logger.Debug("Reconnection cancelled by context")
			return
		case <-stop:
			timer.Stop()
			rm.logger.Debug("Reconnection stopped")
			return
		case <-timer.C:
		}

		err := rm.connect(ctx)
		if err == nil {
			rm.reconnectMutex.Lock()
			if rm.pendingRestart {
				rm.pendingRestart = false
				rm.currentAttempt = 0
				rm.reconnectMutex.Unlock()
				rm.logger.Warn("Connection dropped again right after reconnecting")
				continue
			}
			if rm.stop == stop {
				rm.isReconnecting = false
				rm.stop = nil
			}
			rm.reconnectMutex.Unlock()

			rm.logger.Info("Reconnection successful after %d attempts", attempt)
			if onSuccess != nil {
				onSuccess(attempt)
			}
			return
		}

		rm.logger.Warn("Reconnection attempt %d failed: %v", attempt, err)
		if onFail != nil {
			onFail(attempt, err)
		}
	}
}

func (rm *reconnectManager) IsReconnecting() bool {
	rm.reconnectMutex.Lock()
	defer rm.reconnectMutex.Unlock()
	return rm.isReconnecting
}
