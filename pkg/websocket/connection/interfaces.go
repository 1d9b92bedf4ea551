package connection

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrReconnectExhausted is returned once the backoff loop has given up.
	// It persists until the caller invokes Connect again.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrQueueFull          = errors.New("outbound queue full")
)

// Callbacks are invoked from the connection's own goroutines
type Callbacks struct {
	// OnOpen runs after the outbound queue has been flushed
	OnOpen func()
	// OnClose receives nil when the close was requested by the caller
	OnClose     func(err error)
	OnMessage   func(message []byte)
	OnExhausted func(err error)
}

// ConnectionManager Interface defines WebSocket connection operations
type ConnectionManager interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(data []byte) error
	SetCallbacks(callbacks Callbacks)
	MarkAuthenticated()
	GetState() ConnectionState
	GetConnectionStats() map[string]interface{}
	IsHealthy() bool
}

// ReconnectManager Interface defines reconnection strategy operations
type ReconnectManager interface {
	StartReconnection(ctx context.Context) error
	StopReconnection()
	IsReconnecting() bool
	SetCallbacks(onStart func(int), onFail func(int, error), onSuccess func(int), onExhausted func(int))
}

// ReconnectionStrategy Interface defines strategies for reconnection backoff
type ReconnectionStrategy interface {
	NextDelay(attempt int) time.Duration
	MaxAttempts() int
}
