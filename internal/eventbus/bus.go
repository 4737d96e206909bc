// Package eventbus implements the in-process typed publish/subscribe bus
// that connects the three agents.
//
// Delivery contract: within a single Publish, middlewares run sequentially
// in insertion order, then handlers run sequentially in subscription order.
// A middleware returning nil (or panicking) blocks the event before it is
// logged or dispatched. Handler panics are isolated: the failing handler is
// skipped and siblings still run.
package eventbus

import (
	"context"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/tracing"
)

// Handler consumes events of the type it subscribed to.
type Handler func(ctx context.Context, ev events.Event)

// Middleware transforms an event before dispatch. Returning nil blocks the
// event; an error is treated the same way and never reaches the publisher.
type Middleware func(ctx context.Context, ev events.Event) (events.Event, error)

const defaultAuditCapacity = 1024

// Bus is the in-process event bus. The zero value is not usable; construct
// with New.
type Bus struct {
	mu          sync.RWMutex
	logger      *zap.Logger
	handlers    map[string][]handlerEntry
	middlewares []Middleware
	audit       *ring
}

// handlerEntry pairs a handler with its function identity so Subscribe can
// be idempotent per (type, handler) and Unsubscribe can remove by handler.
type handlerEntry struct {
	key uintptr
	fn  Handler
}

// Option configures a Bus.
type Option func(*Bus)

// WithAuditCapacity bounds the in-memory audit ring.
func WithAuditCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.audit = newRing(n)
		}
	}
}

// New creates an event bus with a bounded audit log.
func New(logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		logger:   logger,
		handlers: make(map[string][]handlerEntry),
		audit:    newRing(defaultAuditCapacity),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for an event type. Registration is
// idempotent per (type, handler) pair; handlers run in subscription order.
func (b *Bus) Subscribe(eventType string, h Handler) {
	if h == nil {
		return
	}
	key := reflect.ValueOf(h).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range b.handlers[eventType] {
		if entry.key == key {
			return
		}
	}
	b.handlers[eventType] = append(b.handlers[eventType], handlerEntry{key: key, fn: h})
	subscriberCount.WithLabelValues(eventType).Set(float64(len(b.handlers[eventType])))
}

// Unsubscribe removes a previously registered handler. Returns true if the
// handler was found and removed.
func (b *Bus) Unsubscribe(eventType string, h Handler) bool {
	if h == nil {
		return false
	}
	key := reflect.ValueOf(h).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[eventType]
	for i, entry := range entries {
		if entry.key == key {
			b.handlers[eventType] = append(entries[:i:i], entries[i+1:]...)
			if len(b.handlers[eventType]) == 0 {
				delete(b.handlers, eventType)
			}
			subscriberCount.WithLabelValues(eventType).Set(float64(len(b.handlers[eventType])))
			return true
		}
	}
	return false
}

// AddMiddleware appends a middleware to the ordered chain.
func (b *Bus) AddMiddleware(m Middleware) {
	if m == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, m)
}

// Publish runs the event through the middleware chain, records it in the
// audit log, and dispatches it to every handler subscribed to its concrete
// type. It returns once synchronous dispatch completes. Middleware and
// handler failures never propagate to the publisher.
func (b *Bus) Publish(ctx context.Context, ev events.Event) {
	if ev == nil {
		return
	}
	ctx, span := tracing.StartPublish(ctx, ev.Type())
	defer span.End()
	start := time.Now()

	b.mu.RLock()
	chain := b.middlewares
	b.mu.RUnlock()

	for i, mw := range chain {
		out, blocked := b.runMiddleware(ctx, mw, ev, i)
		if blocked {
			eventsBlocked.WithLabelValues(ev.Type()).Inc()
			return
		}
		ev = out
	}

	b.mu.Lock()
	seq := b.audit.append(ev)
	entries := append([]handlerEntry(nil), b.handlers[ev.Type()]...)
	b.mu.Unlock()

	eventsPublished.WithLabelValues(ev.Type()).Inc()

	for i, entry := range entries {
		b.invoke(ctx, entry.fn, ev, i)
	}

	dispatchDuration.WithLabelValues(ev.Type()).Observe(time.Since(start).Seconds())
	b.logger.Debug("Event dispatched",
		zap.String("type", ev.Type()),
		zap.String("event_id", ev.Meta().ID),
		zap.Uint64("seq", seq),
		zap.Int("handlers", len(entries)),
	)
}

// runMiddleware executes one middleware, converting a panic or error into a
// blocked event.
func (b *Bus) runMiddleware(ctx context.Context, mw Middleware, ev events.Event, idx int) (out events.Event, blocked bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("Middleware panicked, event blocked",
				zap.String("type", ev.Type()),
				zap.Int("middleware_index", idx),
				zap.Any("panic", r),
			)
			out, blocked = nil, true
		}
	}()
	next, err := mw(ctx, ev)
	if err != nil {
		b.logger.Info("Middleware blocked event",
			zap.String("type", ev.Type()),
			zap.Int("middleware_index", idx),
			zap.Error(err),
		)
		return nil, true
	}
	if next == nil {
		b.logger.Debug("Middleware dropped event",
			zap.String("type", ev.Type()),
			zap.Int("middleware_index", idx),
		)
		return nil, true
	}
	return next, false
}

// invoke runs one handler with panic isolation.
func (b *Bus) invoke(ctx context.Context, h Handler, ev events.Event, idx int) {
	defer func() {
		if r := recover(); r != nil {
			handlerErrors.WithLabelValues(ev.Type()).Inc()
			b.logger.Error("Handler panicked",
				zap.String("type", ev.Type()),
				zap.Int("handler_index", idx),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, ev)
}

// SubscriberCount reports the number of handlers for an event type.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// LogEntry is an audit-log record for a dispatched event.
type LogEntry struct {
	Seq       uint64       `json:"seq"`
	Type      string       `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Event     events.Event `json:"event"`
}

// AuditLog returns a snapshot of the retained audit entries in order.
func (b *Bus) AuditLog() []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.audit.since(0)
}

// ReplaySince returns retained audit entries with Seq > since.
func (b *Bus) ReplaySince(since uint64) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.audit.since(since)
}

// ring is a fixed-capacity buffer of audit entries.
type ring struct {
	buf     []LogEntry
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]LogEntry, capacity), nextSeq: 1}
}

func (r *ring) append(ev events.Event) uint64 {
	seq := r.nextSeq
	r.nextSeq++
	entry := LogEntry{Seq: seq, Type: ev.Type(), Timestamp: ev.Meta().Timestamp, Event: ev}
	if len(r.buf) == 0 {
		return seq
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = entry
		r.count++
		return seq
	}
	// overwrite oldest
	r.buf[r.start] = entry
	r.start = (r.start + 1) % len(r.buf)
	return seq
}

func (r *ring) since(seq uint64) []LogEntry {
	if r.count == 0 {
		return nil
	}
	out := make([]LogEntry, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}
