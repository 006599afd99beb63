package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/treeline/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 54 * time.Second

	// Browsers only ever receive on this channel.
	maxMessageSize = 512
)

// Message is sent to every connected browser.
type Message struct {
	Type      string    `json:"type"`
	Paths     []string  `json:"paths,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// liveClient is one connected browser.
type liveClient struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans reload messages out to browsers.
type hub struct {
	logger logging.Logger

	mu      sync.Mutex
	clients map[*liveClient]struct{}
	closed  bool
}

func newHub(logger logging.Logger) *hub {
	return &hub{
		logger:  logger.WithComponent("live"),
		clients: make(map[*liveClient]struct{}),
	}
}

// ServeHTTP upgrades the request and keeps it open until the browser goes
// away. Origins other than the request host are rejected by Accept.
func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), err, "WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &liveClient{conn: conn, send: make(chan []byte, 16)}
	if !h.add(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(c)

	ctx := conn.CloseRead(r.Context())
	h.writePump(ctx, c)
}

func (h *hub) add(c *liveClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug(context.Background(), "Client connected", "total", len(h.clients))
	return true
}

func (h *hub) remove(c *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Debug(context.Background(), "Client disconnected", "total", len(h.clients))
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// writePump pumps messages to the websocket connection
func (h *hub) writePump(ctx context.Context, c *liveClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusGoingAway, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// broadcast queues msg for every client. Clients whose queue is full are
// dropped.
func (h *hub) broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error(context.Background(), err, "Failed to marshal message")
		data = []byte(`{"type":"reload"}`)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// close disconnects every client and refuses new ones.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
