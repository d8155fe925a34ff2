package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/CMDESIGN8/lupiback/core"
)

// DispatchMode selects how Publish delivers events.
type DispatchMode int

const (
	// DispatchSync runs handlers on the publishing goroutine.
	DispatchSync DispatchMode = iota
	// DispatchAsync queues events for a worker pool; a full queue drops the event.
	DispatchAsync
)

const (
	defaultQueueSize = 2048
	defaultWorkers   = 4
)

// Handler receives a published event.
type Handler func(context.Context, core.Event)

type subscription struct {
	id int64
	fn Handler
}

// BusOption tunes an EventBus.
type BusOption func(*EventBus)

// WithBusLogger sets the logger used for drops and handler panics.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(e *EventBus) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithQueueSize sets the async queue capacity.
func WithQueueSize(n int) BusOption {
	return func(e *EventBus) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithWorkers sets the number of async dispatch goroutines.
func WithWorkers(n int) BusOption {
	return func(e *EventBus) {
		if n > 0 {
			e.workers = n
		}
	}
}

// EventBus fans domain events out to subscribers.
// Events are notifications only; nothing in the settlement path depends on delivery.
type EventBus struct {
	mode      DispatchMode
	queueSize int
	workers   int
	logger    *slog.Logger

	mu     sync.RWMutex
	subs   map[core.EventType][]subscription
	nextID int64
	closed bool

	queue   chan core.Event
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// NewEventBus builds a bus; async mode starts its workers immediately.
func NewEventBus(mode DispatchMode, opts ...BusOption) *EventBus {
	e := &EventBus{
		mode:      mode,
		queueSize: defaultQueueSize,
		workers:   defaultWorkers,
		logger:    slog.Default(),
		subs:      make(map[core.EventType][]subscription),
	}
	for _, opt := range opts {
		opt(e)
	}
	if mode == DispatchAsync {
		e.queue = make(chan core.Event, e.queueSize)
		for i := 0; i < e.workers; i++ {
			e.wg.Add(1)
			go e.work()
		}
	}
	return e
}

func (e *EventBus) work() {
	defer e.wg.Done()
	for ev := range e.queue {
		e.dispatch(context.Background(), ev)
	}
}

// Close stops accepting events, delivers what is already queued and waits for the workers.
func (e *EventBus) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.queue != nil {
		close(e.queue)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Subscribe registers a handler for an event type. Returns unsubscribe func.
func (e *EventBus) Subscribe(typ core.EventType, handler Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.subs[typ] = append(e.subs[typ], subscription{id: id, fn: handler})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.subs[typ]
		i := sort.Search(len(subs), func(i int) bool { return subs[i].id >= id })
		if i < len(subs) && subs[i].id == id {
			e.subs[typ] = append(subs[:i:i], subs[i+1:]...)
		}
	}
}

// SubscribeAll registers handler for every listed type and returns one unsubscribe func.
func (e *EventBus) SubscribeAll(handler Handler, types ...core.EventType) func() {
	unsubs := make([]func(), 0, len(types))
	for _, typ := range types {
		unsubs = append(unsubs, e.Subscribe(typ, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish delivers ev to the handlers of its type. After Close it is a no-op.
func (e *EventBus) Publish(ctx context.Context, ev core.Event) {
	if e.mode != DispatchAsync {
		e.dispatch(ctx, ev)
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
		e.logger.Warn("event queue full, dropping event", "type", ev.Type, "character_id", ev.CharacterID)
	}
}

// Dropped reports how many events were discarded because the queue was full or closed.
func (e *EventBus) Dropped() uint64 { return e.dropped.Load() }

func (e *EventBus) dispatch(ctx context.Context, ev core.Event) {
	e.mu.RLock()
	// handlers run outside the lock, in subscription order
	handlers := make([]Handler, 0, len(e.subs[ev.Type]))
	for _, s := range e.subs[ev.Type] {
		handlers = append(handlers, s.fn)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		e.call(ctx, h, ev)
	}
}

func (e *EventBus) call(ctx context.Context, h Handler, ev core.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked", "type", ev.Type, "character_id", ev.CharacterID, "panic", r)
		}
	}()
	h(ctx, ev)
}
