package connection

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn abstracts the gorilla/websocket.Conn for testability
type WebSocketConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// WebSocketDialer abstracts websocket dialing for testability
type WebSocketDialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (WebSocketConn, *http.Response, error)
}

// gorillaWebSocketDialer adapts gorilla/websocket.Dialer to our interface.
// *websocket.Conn already satisfies WebSocketConn.
type gorillaWebSocketDialer struct {
	dialer *websocket.Dialer
}

// NewGorillaDialer creates a production WebSocket dialer using gorilla/websocket
func NewGorillaDialer(config Config) WebSocketDialer {
	return &gorillaWebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  config.HandshakeTimeout,
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			EnableCompression: config.EnableCompression,
		},
	}
}

func (g *gorillaWebSocketDialer) DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (WebSocketConn, *http.Response, error) {
	conn, resp, err := g.dialer.DialContext(ctx, urlStr, requestHeader)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}
