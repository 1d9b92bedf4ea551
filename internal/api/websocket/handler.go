package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/backtesting-org/channel-settlement/internal/services"
	"github.com/backtesting-org/channel-settlement/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

// Handler streams settlement events to websocket clients
type Handler struct {
	eventBus *services.EventBus
	upgrader websocket.Upgrader
	logger   logging.ApplicationLogger

	mu      sync.RWMutex
	clients map[*client]bool
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	handler *Handler
}

// NewHandler accepts upgrades from allowOrigin, or from anywhere when it is "*"
func NewHandler(eventBus *services.EventBus, allowOrigin string, logger logging.ApplicationLogger) *Handler {
	return &Handler{
		eventBus: eventBus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return allowOrigin == "" || allowOrigin == "*" || r.Header.Get("Origin") == allowOrigin
			},
		},
		logger:  logger,
		clients: make(map[*client]bool),
	}
}

// HandleConnection
// GET /ws/events
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade event stream: %v", err)
		return
	}

	cl := &client{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		handler: h,
	}

	h.mu.Lock()
	h.clients[cl] = true
	h.mu.Unlock()

	h.logger.Info("Event stream client connected from %s", conn.RemoteAddr())

	go cl.writePump()
	go cl.readPump()
}

// Broadcast sends event to every client. Slow clients are disconnected.
func (h *Handler) Broadcast(event services.Event) {
	message, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal %s event: %v", event.Type, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for cl := range h.clients {
		select {
		case cl.send <- message:
		default:
			h.logger.Warn("Event stream client too slow, disconnecting")
			go h.unregister(cl)
		}
	}
}

// Start forwards bus events until the bus closes
func (h *Handler) Start() {
	events := h.eventBus.SubscribeAll(sendBuffer)

	go func() {
		for event := range events {
			h.Broadcast(event)
		}
		h.closeAll()
	}()
}

func (h *Handler) unregister(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.clients[cl]; exists {
		delete(h.clients, cl)
		close(cl.send)
		h.logger.Debug("Event stream client disconnected")
	}
}

func (h *Handler) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for cl := range h.clients {
		delete(h.clients, cl)
		close(cl.send)
	}
}

// ClientCount returns the number of connected clients
func (h *Handler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump only watches for the peer going away
func (cl *client) readPump() {
	defer cl.handler.unregister(cl)

	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				cl.handler.logger.Debug("Event stream read error: %v", err)
			}
			return
		}
	}
}

func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case message, open := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
