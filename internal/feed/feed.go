// Package feed broadcasts finalized usage records to websocket subscribers.
// Bodies never leave the process through the feed.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ongoingai/airelay/internal/ledger"
)

const (
	defaultClientBuffer = 64
	broadcastBuffer     = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Message is one websocket frame payload.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Record    *Entry    `json:"record,omitempty"`
}

const (
	MessageTypeUsage = "usage"
	MessageTypeHello = "hello"
)

// Entry is the subscriber view of a ledger record.
type Entry struct {
	ID                string `json:"id"`
	CorrelationID     string `json:"correlation_id,omitempty"`
	Provider          string `json:"provider"`
	Operation         string `json:"operation"`
	ModelID           string `json:"model_id,omitempty"`
	Streaming         bool   `json:"streaming"`
	Status            int    `json:"status"`
	PromptTokens      int    `json:"prompt_tokens"`
	CompletionTokens  int    `json:"completion_tokens"`
	TotalTokens       int    `json:"total_tokens"`
	DurationMS        int64  `json:"duration_ms"`
	TimeToFirstByteMS int64  `json:"time_to_first_byte_ms"`
	ErrorKind         string `json:"error_kind,omitempty"`
	Degraded          int    `json:"degraded,omitempty"`
}

func entryFromRecord(r *ledger.Record) *Entry {
	return &Entry{
		ID:                r.ID,
		CorrelationID:     r.CorrelationID,
		Provider:          r.Provider,
		Operation:         r.Operation,
		ModelID:           r.ModelID,
		Streaming:         r.Streaming,
		Status:            r.Status,
		PromptTokens:      r.PromptTokens,
		CompletionTokens:  r.CompletionTokens,
		TotalTokens:       r.TotalTokens,
		DurationMS:        r.DurationMS,
		TimeToFirstByteMS: r.TimeToFirstByteMS,
		ErrorKind:         r.ErrorKind,
		Degraded:          r.Degraded,
	}
}

// Options configures a Hub. Every field is optional.
type Options struct {
	ClientBuffer int
	Logger       *slog.Logger
	// OnClients reports the subscriber count after every change.
	OnClients func(n int)
	// OnDrop is called when a slow subscriber is disconnected.
	OnDrop func()
}

// Hub fans usage records out to connected subscribers. It implements
// ledger.Sink; Enqueue never blocks.
type Hub struct {
	options   Options
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	broadcast chan []byte

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub(options Options) *Hub {
	if options.ClientBuffer <= 0 {
		options.ClientBuffer = defaultClientBuffer
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		options:   options,
		logger:    logger,
		broadcast: make(chan []byte, broadcastBuffer),
		clients:   make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOrigin,
		},
	}
}

// Enqueue publishes a finalized record. It reports false when no subscriber
// is connected or the broadcast queue is full.
func (h *Hub) Enqueue(record *ledger.Record) bool {
	if record == nil || h.ClientCount() == 0 {
		return false
	}
	data, err := json.Marshal(Message{Type: MessageTypeUsage, Timestamp: record.Timestamp, Record: entryFromRecord(record)})
	if err != nil {
		h.logger.Error("failed to encode feed message", "error", err)
		return false
	}
	select {
	case h.broadcast <- data:
		return true
	default:
		return false
	}
}

// Run delivers queued messages until ctx ends, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case data := <-h.broadcast:
			h.deliver(data)
		}
	}
}

func (h *Hub) deliver(data []byte) {
	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		if h.remove(c) {
			h.logger.Warn("feed subscriber too slow, disconnecting", "remote_addr", c.conn.RemoteAddr().String())
			if h.options.OnDrop != nil {
				h.options.OnDrop()
			}
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("feed upgrade failed", "error", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, h.options.ClientBuffer)}
	hello, _ := json.Marshal(Message{Type: MessageTypeHello, Timestamp: time.Now().UTC()})
	c.send <- hello
	if !h.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.reportClients(n)
	return true
}

// remove reports whether c was still registered.
func (h *Hub) remove(c *client) bool {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()
	h.reportClients(n)
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.reportClients(0)
}

func (h *Hub) reportClients(n int) {
	if h.options.OnClients != nil {
		h.options.OnClients(n)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.remove(c)
				return
			}
		}
	}
}

// readPump discards inbound frames and unregisters on disconnect.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("feed subscriber error", "error", err)
			}
			return
		}
	}
}

// sameOrigin accepts non-browser clients and browsers on the serving host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
