// Package realtime pushes escalation events and dashboard snapshots to
// websocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aegisshield/guarddog/internal/models"
	"github.com/aegisshield/guarddog/internal/scoring"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	sendBuffer     = 256
)

// MessageType represents the kind of a pushed message
type MessageType string

const (
	MessageSnapshot       MessageType = "snapshot"
	MessageAlert          MessageType = "alert"
	MessageClassification MessageType = "classification"
	MessageIncident       MessageType = "incident"
)

// Message is the envelope of every websocket frame
type Message struct {
	Type      MessageType `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Snapshot is the dashboard state pushed by the scheduler
type Snapshot struct {
	Score       *scoring.Result         `json:"score,omitempty"`
	Summary     *models.CrossAppSummary `json:"summary,omitempty"`
	GeneratedAt time.Time               `json:"generated_at"`
}

// ClientRecorder receives the connected client count
type ClientRecorder interface {
	SetWebsocketClients(n int)
}

type client struct {
	id     string
	userID string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
}

// Hub maintains the set of active connections and broadcasts messages
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	mu         sync.RWMutex

	lastMu   sync.RWMutex
	last     []byte
	cache    *SnapshotCache
	recorder ClientRecorder
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// Option configures a Hub
type Option func(*Hub)

// WithSnapshotCache shares the latest snapshot through redis
func WithSnapshotCache(c *SnapshotCache) Option {
	return func(h *Hub) { h.cache = c }
}

func WithRecorder(r ClientRecorder) Option {
	return func(h *Hub) { h.recorder = r }
}

// WithOriginCheck replaces the default allow-all origin policy
func WithOriginCheck(check func(r *http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = check }
}

func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run owns the client set until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	if h.cache != nil {
		if data, err := h.cache.Load(ctx); err != nil {
			h.logger.Warn("Failed to load cached snapshot", zap.Error(err))
		} else if data != nil {
			h.setLast(data)
		}
	}

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.recordClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			if last := h.lastSnapshot(); last != nil {
				c.send <- last
			}
			h.recordClients()
			h.logger.Info("Websocket client connected", zap.String("client_id", c.id), zap.String("user_id", c.userID))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.recordClients()
			h.logger.Info("Websocket client disconnected", zap.String("client_id", c.id))

		case data := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// slow consumer
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
			h.recordClients()
		}
	}
}

// HandleWebSocket upgrades the request and registers the connection
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket connection", zap.Error(err))
		return
	}

	userID := c.GetString("user_id")
	if userID == "" {
		userID = "anonymous"
	}
	cl := &client{
		id:     uuid.NewString(),
		userID: userID,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
	select {
	case h.register <- cl:
	case <-h.done:
		conn.Close()
		return
	}

	go cl.writePump()
	go cl.readPump()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for every client. A full queue drops the message.
func (h *Hub) Broadcast(t MessageType, payload interface{}) error {
	data, err := encode(t, payload)
	if err != nil {
		return err
	}
	return h.enqueue(data)
}

// BroadcastSnapshot remembers the snapshot for new clients, shares it through
// the cache and pushes it to everyone connected.
func (h *Hub) BroadcastSnapshot(ctx context.Context, snap *Snapshot) error {
	data, err := encode(MessageSnapshot, snap)
	if err != nil {
		return err
	}
	h.setLast(data)
	if h.cache != nil {
		if err := h.cache.Store(ctx, data); err != nil {
			h.logger.Warn("Failed to cache snapshot", zap.Error(err))
		}
	}
	return h.enqueue(data)
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) SendAlert(_ context.Context, a *models.Alert) error {
	return h.Broadcast(MessageAlert, a)
}

func (h *Hub) SendClassification(_ context.Context, c *models.Classification) error {
	return h.Broadcast(MessageClassification, c)
}

func (h *Hub) SendIncident(_ context.Context, i *models.Incident) error {
	return h.Broadcast(MessageIncident, i)
}

func (h *Hub) enqueue(data []byte) error {
	select {
	case h.broadcast <- data:
		return nil
	default:
		return fmt.Errorf("websocket broadcast queue full")
	}
}

func (h *Hub) setLast(data []byte) {
	h.lastMu.Lock()
	defer h.lastMu.Unlock()
	h.last = data
}

func (h *Hub) lastSnapshot() []byte {
	h.lastMu.RLock()
	defer h.lastMu.RUnlock()
	return h.last
}

func (h *Hub) recordClients() {
	if h.recorder != nil {
		h.recorder.SetWebsocketClients(h.ClientCount())
	}
}

func encode(t MessageType, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(Message{Type: t, Payload: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", t, err)
	}
	return data, nil
}

// readPump only services control frames; clients have nothing to say
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Websocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
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
