package connection_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/mock"

	"github.com/backtesting-org/channel-settlement/pkg/websocket/connection"
)

type mockDialer struct {
	mock.Mock
	dials atomic.Int32
}

func (m *mockDialer) DialContext(ctx context.Context, urlStr string, header http.Header) (connection.WebSocketConn, *http.Response, error) {
	m.dials.Add(1)
	args := m.Called(ctx, urlStr, header)

	var conn connection.WebSocketConn
	if c := args.Get(0); c != nil {
		conn = c.(connection.WebSocketConn)
	}
	return conn, nil, args.Error(2)
}

func (m *mockDialer) Dials() int {
	return int(m.dials.Load())
}

// fakeConn is an in-memory connection; Drop simulates the server going away
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.inbound:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}

	if messageType == websocket.TextMessage {
		c.mu.Lock()
		c.writes = append(c.writes, string(data))
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetReadLimit(int64)                        {}
func (c *fakeConn) SetPongHandler(func(appData string) error) {}

func (c *fakeConn) Push(frame string) {
	c.inbound <- []byte(frame)
}

func (c *fakeConn) Drop() {
	c.Close()
}

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}
