package connection

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/performance"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/security"
	"github.com/gorilla/websocket"
)

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (cs ConnectionState) String() string {
	switch cs {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// connectionManager owns the single duplex connection to the clearnode.
// Writes are serialized by writeMutex; frames sent while the connection is
// not open wait in a FIFO queue that is flushed before OnOpen runs.
type connectionManager struct {
	config      Config
	dialer      WebSocketDialer
	validator   security.MessageValidator
	metrics     performance.Metrics
	logger      logging.ApplicationLogger
	reconnector ReconnectManager

	conn       WebSocketConn
	generation uint64
	state      ConnectionState
	stateMutex sync.RWMutex
	writeMutex sync.Mutex

	queue          [][]byte
	closeRequested bool
	exhausted      bool

	// ctx lives from Connect until Disconnect and bounds the reconnect loop
	ctx    context.Context
	cancel context.CancelFunc

	lastActivity  time.Time
	connectedAt   time.Time
	activityMutex sync.RWMutex

	callbacks     Callbacks
	callbackMutex sync.RWMutex
}

func NewConnectionManager(
	config Config,
	dialer WebSocketDialer,
	validator security.MessageValidator,
	metrics performance.Metrics,
	logger logging.ApplicationLogger,
) ConnectionManager {
	config.ApplyDefaults()
	if dialer == nil {
		dialer = NewGorillaDialer(config)
	}

	cm := &connectionManager{
		config:    config,
		dialer:    dialer,
		validator: validator,
		metrics:   metrics,
		logger:    logger,
		state:     StateDisconnected,
	}

	strategy := NewExponentialBackoffStrategy(config.ReconnectBaseDelay, config.ReconnectMaxDelay, config.MaxReconnects)
	cm.reconnector = NewReconnectManager(cm.dial, strategy, logger)
	cm.reconnector.SetCallbacks(
		nil,
		nil,
		func(attempt int) {
			if cm.metrics != nil {
				cm.metrics.IncrementReconnection()
			}
		},
		cm.handleExhausted,
	)

	return cm
}

func (cm *connectionManager) SetCallbacks(callbacks Callbacks) {
	cm.callbackMutex.Lock()
	defer cm.callbackMutex.Unlock()
	cm.callbacks = callbacks
}

func (cm *connectionManager) getCallbacks() Callbacks {
	cm.callbackMutex.RLock()
	defer cm.callbackMutex.RUnlock()
	return cm.callbacks
}

// Connect is a no-op while a connection exists or is being opened. A failed
// dial hands over to the backoff loop when reconnection is enabled.
func (cm *connectionManager) Connect(ctx context.Context) error {
	cm.stateMutex.Lock()
	cm.closeRequested = false
	cm.exhausted = false
	if cm.ctx == nil || cm.ctx.Err() != nil {
		cm.ctx, cm.cancel = context.WithCancel(context.Background())
	}
	runCtx := cm.ctx
	cm.stateMutex.Unlock()

	err := cm.dial(ctx)
	if err != nil && cm.config.EnableReconnect && !cm.isCloseRequested() {
		_ = cm.reconnector.StartReconnection(runCtx)
	}
	return err
}

func (cm *connectionManager) dial(ctx context.Context) error {
	cm.stateMutex.Lock()
	if cm.closeRequested {
		cm.stateMutex.Unlock()
		return fmt.Errorf("connection closed by caller")
	}
	if cm.conn != nil || cm.state == StateConnecting {
		cm.stateMutex.Unlock()
		return nil
	}
	cm.setState(StateConnecting)
	cm.stateMutex.Unlock()

	conn, err := cm.openConn(ctx)
	if err != nil {
		cm.stateMutex.Lock()
		cm.setState(StateDisconnected)
		cm.stateMutex.Unlock()

		if cm.metrics != nil {
			cm.metrics.IncrementConnectionError()
		}
		return err
	}

	// Holding writeMutex across the state change keeps concurrent senders
	// behind the queue flush.
	cm.writeMutex.Lock()
	cm.stateMutex.Lock()
	if cm.closeRequested {
		cm.setState(StateDisconnected)
		cm.stateMutex.Unlock()
		cm.writeMutex.Unlock()
		conn.Close()
		return fmt.Errorf("connection closed by caller")
	}
	cm.conn = conn
	cm.generation++
	generation := cm.generation
	cm.setState(StateConnected)
	queued := cm.queue
	cm.queue = nil
	runCtx := cm.ctx
	cm.stateMutex.Unlock()

	now := time.Now()
	cm.activityMutex.Lock()
	cm.lastActivity = now
	cm.connectedAt = now
	cm.activityMutex.Unlock()

	flushed := 0
	for i, frame := range queued {
		if err := cm.writeLocked(conn, frame); err != nil {
			cm.logger.Warn("Queue flush interrupted after %d frames: %v", flushed, err)
			cm.stateMutex.Lock()
			cm.queue = append(append([][]byte{}, queued[i:]...), cm.queue...)
			cm.stateMutex.Unlock()
			break
		}
		flushed++
	}
	cm.writeMutex.Unlock()

	go cm.readMessages(conn, generation)
	if cm.config.PingInterval > 0 {
		go cm.keepAlive(runCtx, conn, generation)
	}

	cm.logger.Info("WebSocket connected to %s (flushed %d queued frames)", cm.config.URL, flushed)

	if onOpen := cm.getCallbacks().OnOpen; onOpen != nil {
		onOpen()
	}
	return nil
}

func (cm *connectionManager) openConn(ctx context.Context) (WebSocketConn, error) {
	u, err := url.Parse(cm.config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid WebSocket URL: %w", err)
	}

	if cm.config.RequireSSL && u.Scheme != "wss" {
		return nil, fmt.Errorf("insecure WebSocket scheme: %s (must be wss)", u.Scheme)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cm.config.ConnectTimeout)
	defer cancel()

	conn, _, err := cm.dialer.DialContext(connectCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	conn.SetReadLimit(cm.config.MaxMessageSize)
	conn.SetPongHandler(func(string) error {
		cm.updateLastActivity()
		cm.extendReadDeadline(conn)
		return nil
	})

	return conn, nil
}

func (cm *connectionManager) Disconnect() error {
	cm.stateMutex.Lock()
	cm.closeRequested = true
	conn := cm.conn
	cm.conn = nil
	cm.generation++
	cm.queue = nil
	wasOpen := cm.state != StateDisconnected
	cm.setState(StateDisconnected)
	if cm.cancel != nil {
		cm.cancel()
	}
	cm.stateMutex.Unlock()

	cm.reconnector.StopReconnection()

	var err error
	if conn != nil {
		cm.writeMutex.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(cm.config.WriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = conn.Close()
		cm.writeMutex.Unlock()
	}

	if wasOpen {
		if onClose := cm.getCallbacks().OnClose; onClose != nil {
			onClose(nil)
		}
	}

	cm.logger.Info("WebSocket disconnected")
	return err
}

// Send writes immediately when the connection is open and queues otherwise
func (cm *connectionManager) Send(data []byte) error {
	cm.stateMutex.Lock()
	if cm.exhausted {
		cm.stateMutex.Unlock()
		return ErrReconnectExhausted
	}

	if cm.conn == nil || (cm.state != StateConnected && cm.state != StateAuthenticated) {
		if cm.config.MaxQueuedFrames > 0 && len(cm.queue) >= cm.config.MaxQueuedFrames {
			cm.stateMutex.Unlock()
			return ErrQueueFull
		}
		cm.queue = append(cm.queue, data)
		pending := len(cm.queue)
		cm.stateMutex.Unlock()

		if cm.metrics != nil {
			cm.metrics.IncrementQueued()
		}
		cm.logger.Debug("Connection not open, queued frame (%d pending)", pending)
		return nil
	}
	conn := cm.conn
	cm.stateMutex.Unlock()

	cm.writeMutex.Lock()
	defer cm.writeMutex.Unlock()
	return cm.writeLocked(conn, data)
}

// writeLocked requires writeMutex
func (cm *connectionManager) writeLocked(conn WebSocketConn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(cm.config.WriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	if cm.metrics != nil {
		cm.metrics.IncrementSent()
	}
	return nil
}

// MarkAuthenticated promotes an open connection once the handshake completes
func (cm *connectionManager) MarkAuthenticated() {
	cm.stateMutex.Lock()
	defer cm.stateMutex.Unlock()

	if cm.state == StateConnected {
		cm.setState(StateAuthenticated)
	}
}

func (cm *connectionManager) GetState() ConnectionState {
	cm.stateMutex.RLock()
	defer cm.stateMutex.RUnlock()
	return cm.state
}

func (cm *connectionManager) GetConnectionStats() map[string]interface{} {
	cm.stateMutex.RLock()
	state := cm.state
	queued := len(cm.queue)
	exhausted := cm.exhausted
	cm.stateMutex.RUnlock()

	cm.activityMutex.RLock()
	lastActivity := cm.lastActivity
	connectedAt := cm.connectedAt
	cm.activityMutex.RUnlock()

	stats := map[string]interface{}{
		"state":         state.String(),
		"connected":     state == StateConnected || state == StateAuthenticated,
		"authenticated": state == StateAuthenticated,
		"queued_frames": queued,
		"reconnecting":  cm.reconnector.IsReconnecting(),
		"exhausted":     exhausted,
		"last_activity": lastActivity,
		"connected_at":  connectedAt,
		"url":           cm.config.URL,
	}

	if cm.metrics != nil {
		for k, v := range cm.metrics.GetStats() {
			stats[k] = v
		}
	}

	return stats
}

func (cm *connectionManager) IsHealthy() bool {
	state := cm.GetState()
	if state != StateConnected && state != StateAuthenticated {
		return false
	}

	if cm.config.ReadTimeout <= 0 {
		return true
	}

	cm.activityMutex.RLock()
	lastActivity := cm.lastActivity
	cm.activityMutex.RUnlock()

	return time.Since(lastActivity) <= cm.config.ReadTimeout
}

func (cm *connectionManager) isCloseRequested() bool {
	cm.stateMutex.RLock()
	defer cm.stateMutex.RUnlock()
	return cm.closeRequested
}

// setState requires stateMutex
func (cm *connectionManager) setState(state ConnectionState) {
	cm.state = state
	cm.logger.Debug("Connection state changed to: %s", state.String())
}

func (cm *connectionManager) updateLastActivity() {
	cm.activityMutex.Lock()
	defer cm.activityMutex.Unlock()
	cm.lastActivity = time.Now()
}

func (cm *connectionManager) extendReadDeadline(conn WebSocketConn) {
	if cm.config.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(cm.config.ReadTimeout))
	}
}

func (cm *connectionManager) readMessages(conn WebSocketConn, generation uint64) {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("WebSocket read panic: %v", r)
			cm.handleClose(generation, fmt.Errorf("read loop panic: %v", r))
		}
	}()

	for {
		cm.extendReadDeadline(conn)

		_, message, err := conn.ReadMessage()
		if err != nil {
			cm.handleClose(generation, err)
			return
		}

		cm.updateLastActivity()
		if cm.metrics != nil {
			cm.metrics.IncrementReceived()
		}

		if cm.validator != nil {
			if err := cm.validator.ValidateMessage(message); err != nil {
				cm.logger.Warn("Dropping malformed frame: %v", err)
				if cm.metrics != nil {
					cm.metrics.IncrementDropped()
				}
				continue
			}
		}

		cm.dispatch(message)
	}
}

// dispatch isolates handler panics so one bad frame never kills the read loop
func (cm *connectionManager) dispatch(message []byte) {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("Frame handler panic: %v", r)
			if cm.metrics != nil {
				cm.metrics.IncrementDropped()
			}
		}
	}()

	if onMessage := cm.getCallbacks().OnMessage; onMessage != nil {
		onMessage(message)
	}
}

func (cm *connectionManager) keepAlive(ctx context.Context, conn WebSocketConn, generation uint64) {
	ticker := time.NewTicker(cm.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.stateMutex.RLock()
			current := cm.generation
			cm.stateMutex.RUnlock()
			if current != generation {
				return
			}

			cm.writeMutex.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(cm.config.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			cm.writeMutex.Unlock()

			if err != nil {
				cm.logger.Debug("Keep-alive ping failed: %v", err)
				return
			}
		}
	}
}

func (cm *connectionManager) handleClose(generation uint64, cause error) {
	cm.stateMutex.Lock()
	if generation != cm.generation {
		// Superseded by Disconnect or a newer connection
		cm.stateMutex.Unlock()
		return
	}
	conn := cm.conn
	cm.conn = nil
	cm.setState(StateDisconnected)
	requested := cm.closeRequested
	runCtx := cm.ctx
	cm.stateMutex.Unlock()

	if conn != nil {
		conn.Close()
	}

	if requested {
		return
	}

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		cm.logger.Info("WebSocket closed by server: %v", cause)
	} else {
		cm.logger.Error("WebSocket connection lost: %v", cause)
	}

	if cm.metrics != nil {
		cm.metrics.IncrementConnectionError()
	}

	if onClose := cm.getCallbacks().OnClose; onClose != nil {
		onClose(cause)
	}

	if cm.config.EnableReconnect && runCtx != nil {
		_ = cm.reconnector.StartReconnection(runCtx)
	}
}

func (cm *connectionManager) handleExhausted(attempts int) {
	cm.stateMutex.Lock()
	cm.exhausted = true
	dropped := len(cm.queue)
	cm.queue = nil
	cm.stateMutex.Unlock()

	err := fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, attempts)
	cm.logger.Error("Giving up on %s: %v (dropped %d queued frames)", cm.config.URL, err, dropped)

	if onExhausted := cm.getCallbacks().OnExhausted; onExhausted != nil {
		onExhausted(err)
	}
}
