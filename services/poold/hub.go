package poold

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"icopool/core/events"
)

const (
	wsWriteTimeout   = 10 * time.Second
	defaultHubBuffer = 64
)

// EventMessage is the JSON frame pushed to websocket subscribers.
type EventMessage struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type subscriber struct {
	ch     chan EventMessage
	filter string
}

// Hub fans pool events out to websocket subscribers. Slow subscribers drop
// messages instead of blocking the pool.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	dropped     uint64
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger.With(slog.String("component", "hub")),
		buffer:      defaultHubBuffer,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	msg := EventMessage{Type: evt.EventType()}
	if payload, ok := evt.(events.Payload); ok && payload.Event() != nil {
		msg.Attributes = payload.Event().Clone().Attributes
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		if sub.filter != "" && !strings.HasPrefix(msg.Type, sub.filter) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			h.dropped++
		}
	}
}

// Subscribe registers a listener for events whose type starts with filter.
// The returned function unsubscribes and closes the channel.
func (h *Hub) Subscribe(filter string) (<-chan EventMessage, func()) {
	sub := &subscriber{ch: make(chan EventMessage, h.buffer), filter: strings.TrimSpace(filter)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, sub)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Subscribers returns the number of active listeners.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Dropped returns how many messages were discarded for slow subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// ServeHTTP upgrades the request and streams events until either side
// closes. The optional "type" query parameter filters by type prefix.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.logger.Debug("websocket accept failed", slog.Any("error", err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := h.Subscribe(r.URL.Query().Get("type"))
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	if err := h.stream(ctx, conn, updates); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *Hub) stream(ctx context.Context, conn *websocket.Conn, updates <-chan EventMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeMessage(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg EventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

var _ events.Emitter = (*Hub)(nil)
