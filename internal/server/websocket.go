package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/dispatcher"
	"github.com/kubilitics/kubilitics-anomaly/internal/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4 * 1024

	sendBuffer = 256
)

var defaultAllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// StreamMessage is one classification pushed to stream subscribers.
type StreamMessage struct {
	Type           string                    `json:"type"`
	Classification dispatcher.Classification `json:"classification"`
	Timestamp      time.Time                 `json:"timestamp"`
}

// streamFilter narrows the classifications a client receives. Empty fields
// match everything.
type streamFilter struct {
	assetID      string
	attribute    string
	outliersOnly bool
}

func (f streamFilter) match(c dispatcher.Classification) bool {
	if f.assetID != "" && f.assetID != c.Ref.AssetID {
		return false
	}
	if f.attribute != "" && f.attribute != c.Ref.Name {
		return false
	}
	return !f.outliersOnly || c.Datapoint.AnomalyType.IsOutlier()
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	filter streamFilter
}

// Hub fans classifications out to websocket subscribers. It implements
// dispatcher.Sink and never blocks the classifying goroutine: when the hub
// or a client falls behind, messages are dropped.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan dispatcher.Classification
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a hub accepting websocket origins from allowedOrigins.
func NewHub(allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger,
		upgrader:   newUpgrader(allowedOrigins),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan dispatcher.Classification, sendBuffer),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// newUpgrader builds an upgrader that accepts requests without an Origin
// header and origins in allowed, compared case-insensitively. A nil list
// means the local development origins; "*" accepts any origin.
func newUpgrader(allowed []string) websocket.Upgrader {
	if allowed == nil {
		allowed = defaultAllowedOrigins
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowed {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			metrics.WebSocketConnectionsActive.Inc()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			h.mu.Unlock()

		case cl := <-h.broadcast:
			h.deliver(cl)
		}
	}
}

// drop removes c. Callers hold h.mu.
func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketConnectionsActive.Dec()
}

func (h *Hub) deliver(cl dispatcher.Classification) {
	data, err := json.Marshal(StreamMessage{Type: "classification", Classification: cl, Timestamp: time.Now().UTC()})
	if err != nil {
		h.logger.Warn("Failed to encode stream message", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.filter.match(cl) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// slow consumer
			h.drop(c)
			metrics.WebSocketMessagesDropped.Inc()
		}
	}
}

// Publish queues a classification for broadcast.
func (h *Hub) Publish(_ context.Context, c dispatcher.Classification) error {
	select {
	case h.broadcast <- c:
	default:
		metrics.WebSocketMessagesDropped.Inc()
	}
	return nil
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and subscribes the connection. Query
// parameters asset_id, attribute and outliers_only filter the stream.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	q := r.URL.Query()
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		filter: streamFilter{
			assetID:      q.Get("asset_id"),
			attribute:    q.Get("attribute"),
			outliersOnly: q.Get("outliers_only") == "true",
		},
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	h.logger.Debug("WebSocket client connected", zap.String("client_id", c.id))

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client input and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
		h.logger.Debug("WebSocket client disconnected", zap.String("client_id", c.id))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("WebSocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
