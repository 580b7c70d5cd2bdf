package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"alertrelay/relay"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// writePump forwards queued events to the socket until the hub closes the
// send channel or ctx ends.
func (c *client) writePump(ctx context.Context) {
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				_ = c.conn.Close(websocket.StatusNormalClosure, "event stream closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Hub fans orchestrator events out to every connected WebSocket client.
type Hub struct {
	logger    *slog.Logger
	sanitizer sanitizer

	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	done       chan struct{}
	count      atomic.Int64
}

// NewHub returns a hub. Start it with Run.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger,
		sanitizer:  newSanitizer(),
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run broadcasts events until the stream closes or ctx ends. Every client is
// disconnected on return.
func (h *Hub) Run(ctx context.Context, events <-chan relay.Event) {
	defer func() {
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.count.Store(0)
		close(h.done)
	}()

	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.count.Store(int64(len(h.clients)))

		case event, ok := <-events:
			if !ok {
				h.logger.Debug("event stream closed")
				return
			}
			h.broadcast(event)

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) broadcast(event relay.Event) {
	payload, err := json.Marshal(sanitizeEvent(h.sanitizer, event))
	if err != nil {
		h.logger.Error("encode event", "type", event.Type, "error", err)
		return
	}
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("skipping event for slow client", "type", event.Type)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

func (h *Hub) add(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
