package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/pulse/server/internal/api"
	"github.com/obsidianstack/pulse/server/internal/model"
)

const (
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	sendBufSize = 16

	// EventSummary is the event name of the periodic broadcast.
	EventSummary = "summary"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Source produces the periodic summary. *api.Handler implements it.
type Source interface {
	Summary(ctx context.Context) (api.HealthResponse, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (api.HealthResponse, error)

func (f SourceFunc) Summary(ctx context.Context) (api.HealthResponse, error) { return f(ctx) }

// Hub is safe for concurrent use.
type Hub struct {
	source   Source
	interval time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	// topics limits which domain events reach this client; empty means all.
	// Summaries are always sent.
	topics []string
}

// wants reports whether an event of type t matches one of the client's
// topics, either exactly or as its dotted family ("alert" matches
// "alert.routed").
func (c *client) wants(t string) bool {
	if t == EventSummary || len(c.topics) == 0 {
		return true
	}
	for _, topic := range c.topics {
		if t == topic || strings.HasPrefix(t, topic+".") {
			return true
		}
	}
	return false
}

func parseTopics(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// New creates a Hub that broadcasts source's summary every interval.
func New(source Source, interval time.Duration) *Hub {
	return &Hub{
		source:   source,
		interval: interval,
		clients:  make(map[*client]struct{}),
	}
}

// Run broadcasts on every tick until ctx is cancelled, then closes all
// connections.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-t.C:
			data, err := h.summary(ctx)
			if err != nil {
				slog.Warn("ws: build summary", "error", err)
				continue
			}
			h.broadcast(EventSummary, data)
		}
	}
}

// Publish forwards e to every connected client. It never blocks on a slow
// client; such clients are dropped.
func (h *Hub) Publish(_ context.Context, e model.Event) error {
	data, err := json.Marshal(Message{Event: string(e.Type), Data: e})
	if err != nil {
		return fmt.Errorf("ws: encode event: %w", err)
	}
	h.broadcast(string(e.Type), data)
	return nil
}

// ServeHTTP upgrades the connection, sends the current summary at once and
// then streams broadcasts until the client goes away. The optional events
// query parameter is a comma-separated list of event types or families the
// client wants, e.g. ?events=alert,delivery.dead_lettered.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		topics: parseTopics(r.URL.Query().Get("events")),
	}
	h.register(c)
	defer h.unregister(c)

	if data, err := h.summary(r.Context()); err == nil {
		select {
		case c.send <- data:
		default:
		}
	} else {
		slog.Warn("ws: build summary", "error", err)
	}

	go c.writePump()
	c.readPump()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) summary(ctx context.Context) ([]byte, error) {
	s, err := h.source.Summary(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: EventSummary, Data: s})
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// broadcast sends under the read lock so no channel is closed mid-send.
func (h *Hub) broadcast(event string, data []byte) {
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(event) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Debug("ws: dropping slow client", "remote", c.conn.RemoteAddr().String())
		h.unregister(c)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
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
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles control frames and detects disconnects. It blocks until
// the connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
