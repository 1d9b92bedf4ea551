package performance

import (
	"errors"
	"sync"
	"time"

	"github.com/backtesting-org/channel-settlement/pkg/temporal"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreaker stops calling an upstream after repeated failures and lets a
// single probe through once the cooldown has passed
type CircuitBreaker interface {
	Execute(fn func() error) error
	GetState() string
}

type circuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	clock        temporal.TimeProvider

	mutex       sync.Mutex
	failures    int
	lastFailure time.Time
	state       string
	probing     bool
}

func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, clock temporal.TimeProvider) CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &circuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		clock:        clock,
		state:        StateClosed,
	}
}

// Execute runs fn unless the breaker is open. fn runs without the lock held.
func (cb *circuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err)
	return err
}

func (cb *circuitBreaker) before() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clock.Since(cb.lastFailure) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *circuitBreaker) after(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateHalfOpen {
		cb.probing = false
		if err != nil {
			cb.state = StateOpen
			cb.lastFailure = cb.clock.Now()
			return
		}
		cb.state = StateClosed
		cb.failures = 0
		return
	}

	if err == nil {
		cb.failures = 0
		return
	}
	cb.failures++
	cb.lastFailure = cb.clock.Now()
	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
	}
}

func (cb *circuitBreaker) GetState() string {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}
