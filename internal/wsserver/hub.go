package wsserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer
	maxMessageSize = 8192
)

// Message is a server-to-client control message
type Message struct {
	Type   string `json:"type"`
	WSPort int    `json:"wsPort,omitempty"`
}

const (
	// MessageTypeReload tells connected pages to reload themselves
	MessageTypeReload = "reload"
	// MessageTypePortUpdate tells connected pages the WebSocket port
	// moved and carries the new port
	MessageTypePortUpdate = "portUpdate"
)

// client is one connected preview page
type client struct {
	id   string
	hub  *hub
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// enqueue queues data for the write pump. The lock holds off a
// concurrent shutdown so the channel cannot close mid-send. It reports
// false when the buffer is full; a closed client swallows the message.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shutdown closes the send channel and the underlying connection once
func (c *client) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()

	c.conn.Close()
}

// readPump drains the connection so control frames are processed and
// disconnects are noticed. Payloads from the page are ignored.
func (c *client) readPump() {
	defer c.hub.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("WebSocket read error",
					zap.String("client_id", c.id),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// writePump forwards queued messages to the connection and keeps it
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// hub tracks the connected preview pages
type hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		logger:  logger,
		clients: make(map[string]*client),
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	if current, ok := h.clients[c.id]; !ok || current != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	h.mu.Unlock()

	c.shutdown()
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast sends msg to every connected page. Clients whose send
// buffer is full are dropped rather than allowed to stall the rest.
func (h *hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	snapshot := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		if !c.enqueue(data) {
			h.logger.Debug("Dropping slow preview client", zap.String("client_id", c.id))
			h.remove(c)
		}
	}
}

// closeAll disconnects every client
func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
}
