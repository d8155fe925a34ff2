package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/CMDESIGN8/lupiback/core"
)

// Filter narrows a subscription. Zero fields match everything.
type Filter struct {
	CharacterID core.CharacterID
	ClubID      core.ClubID
	Types       []core.EventType
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev core.Event) bool {
	if f.CharacterID != "" && ev.CharacterID != f.CharacterID {
		return false
	}
	if f.ClubID != "" && ev.ClubID != f.ClubID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, ev.Type) {
		return false
	}
	return true
}

type subscriber struct {
	ch     chan core.Event
	filter Filter
}

// Hub fans domain events out to buffered subscriber channels. Slow subscribers
// lose events rather than block publishers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewHub() *Hub { return &Hub{subs: map[int]subscriber{}, logger: slog.Default()} }

// WithLogger sets the logger used for drop warnings.
func (h *Hub) WithLogger(l *slog.Logger) *Hub {
	if l != nil {
		h.logger = l.With("component", "realtime")
	}
	return h
}

// Subscribe registers an unfiltered subscriber.
func (h *Hub) Subscribe(buffer int) (int, <-chan core.Event) {
	return h.SubscribeFiltered(buffer, Filter{})
}

// SubscribeFiltered registers a subscriber that only receives events matching f.
func (h *Hub) SubscribeFiltered(buffer int, f Filter) (int, <-chan core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	ch := make(chan core.Event, buffer)
	h.subs[id] = subscriber{ch: ch, filter: f}
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) Broadcast(_ context.Context, ev core.Event) {
	// sends happen under the read lock so Unsubscribe cannot close a channel mid-send
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, s := range h.subs {
		if !s.filter.Match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
			h.logger.Debug("subscriber buffer full, dropping event", "subscriber", id, "type", ev.Type)
		}
	}
}

// Source is anything that can deliver domain events to a handler.
type Source interface {
	SubscribeAll(handler func(context.Context, core.Event), types ...core.EventType) func()
}

// Bridge forwards every event from src to the hub until the returned func is called.
func (h *Hub) Bridge(src Source) func() {
	return src.SubscribeAll(h.Broadcast, core.AllEventTypes...)
}

// MarshalJSON is a helper to convert events to JSON bytes for WebSocket/SSE.
func MarshalJSON(ev core.Event) []byte {
	b, _ := json.Marshal(ev)
	return b
}
