// Package eventbus provides the kernel's bounded publish/subscribe bus.
//
// Events published from the coordinating goroutine are dispatched
// immediately. Events published from anywhere else are queued in a
// bounded FIFO and delivered when the coordinator calls Process. A full
// queue drops the event and counts it; Publish never blocks.
package eventbus

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/modkernel/internal/pattern"
)

// DefaultQueueSize is the queue capacity used when none is configured.
const DefaultQueueSize = 32

// Handler receives a dispatched event. A returned error is counted and
// logged but does not stop delivery to other subscribers.
type Handler func(ctx context.Context, event Event) error

// Handle identifies a subscription.
type Handle string

type subscription struct {
	handle  Handle
	pattern string
	handler Handler
}

type coordinatorKey struct{}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published       uint64        `json:"published"`
	Processed       uint64        `json:"processed"`
	Dropped         uint64        `json:"dropped"`
	Filtered        uint64        `json:"filtered"`
	HandlerErrors   uint64        `json:"handlerErrors"`
	QueueDepth      int           `json:"queueDepth"`
	PeakQueueDepth  int           `json:"peakQueueDepth"`
	QueueCapacity   int           `json:"queueCapacity"`
	Subscriptions   int           `json:"subscriptions"`
	AvgDispatchTime time.Duration `json:"avgDispatchTime"`
	Paused          bool          `json:"paused"`
}

// Bus is a bounded, loss-visible event bus.
type Bus struct {
	queue  chan Event
	wake   chan struct{}
	logger Logger
	now    func() time.Time

	mu     sync.RWMutex
	subs   []*subscription
	filter Filter

	paused        atomic.Bool
	published     atomic.Uint64
	processed     atomic.Uint64
	dropped       atomic.Uint64
	filtered      atomic.Uint64
	handlerErrors atomic.Uint64
	peakDepth     atomic.Int64

	avgMu       sync.Mutex
	avgDispatch time.Duration
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the queue capacity. Values below one are ignored.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan Event, n)
		}
	}
}

// WithLogger sets the logger for drops and handler failures.
func WithLogger(logger Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithFilter installs a global filter at construction.
func WithFilter(f Filter) Option {
	return func(b *Bus) { b.filter = f }
}

// WithClock replaces the time source used for timestamps and budgets.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		queue:  make(chan Event, DefaultQueueSize),
		wake:   make(chan struct{}, 1),
		logger: noopLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CoordinatorContext marks ctx as belonging to the coordinating goroutine
// of this bus. Publish calls made with the returned context dispatch
// synchronously instead of queueing.
func (b *Bus) CoordinatorContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, coordinatorKey{}, b)
}

// IsCoordinator reports whether ctx was produced by CoordinatorContext on b.
func (b *Bus) IsCoordinator(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(coordinatorKey{}).(*Bus)
	return owner == b
}

// Publish creates an event and delivers it. On the coordinator it is
// dispatched before Publish returns; elsewhere it is queued. ErrQueueFull
// is returned when the event had to be dropped.
func (b *Bus) Publish(ctx context.Context, eventType string, payload Payload, priority Priority) error {
	if eventType == "" {
		return ErrEmptyEventType
	}

	ev := newEvent(eventType, payload, priority, b.now())

	b.mu.RLock()
	filter := b.filter
	b.mu.RUnlock()
	if filter != nil && !filter(ev) {
		b.filtered.Add(1)
		return nil
	}

	b.published.Add(1)
	if b.IsCoordinator(ctx) {
		b.dispatch(ctx, ev)
		return nil
	}
	return b.enqueue(ev)
}

// PublishFromInterrupt queues an event without blocking and without
// consulting the filter. It reports whether a waiter on Wake was signalled.
func (b *Bus) PublishFromInterrupt(eventType string, payload Payload, priority Priority) (bool, error) {
	if eventType == "" {
		return false, ErrEmptyEventType
	}

	b.published.Add(1)
	if err := b.enqueue(newEvent(eventType, payload, priority, b.now())); err != nil {
		return false, err
	}

	select {
	case b.wake <- struct{}{}:
		return true, nil
	default:
		return false, nil
	}
}

// Wake delivers a signal whenever PublishFromInterrupt queues an event and
// no earlier signal is pending.
func (b *Bus) Wake() <-chan struct{} {
	return b.wake
}

func (b *Bus) enqueue(ev Event) error {
	select {
	case b.queue <- ev:
		depth := int64(len(b.queue))
		for {
			peak := b.peakDepth.Load()
			if depth <= peak || b.peakDepth.CompareAndSwap(peak, depth) {
				break
			}
		}
		return nil
	default:
		b.dropped.Add(1)
		b.logger.Warn("Event queue full, dropping event", "type", ev.Type, "capacity", cap(b.queue))
		return fmt.Errorf("%w: dropped %s", ErrQueueFull, ev.Type)
	}
}

// Subscribe registers handler for events whose type matches pattern.
func (b *Bus) Subscribe(pat string, handler Handler) (Handle, error) {
	if handler == nil {
		return "", ErrNilHandler
	}

	h := Handle(uuid.NewString())
	b.mu.Lock()
	b.subs = append(b.subs, &subscription{handle: h, pattern: pat, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("Subscribed to events", "pattern", pat, "handle", h)
	return h, nil
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(h Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.handle == h {
			b.subs = slices.Delete(b.subs, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, h)
}

// Process drains the queue until it is empty, the budget is spent or ctx
// is done, and returns the number of events dispatched. The budget is
// checked before each event, so a dispatch in progress always completes.
func (b *Bus) Process(ctx context.Context, budget time.Duration) int {
	if b.paused.Load() {
		return 0
	}

	start := b.now()
	n := 0
	for ctx.Err() == nil && b.now().Sub(start) < budget {
		select {
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
			n++
		default:
			return n
		}
	}
	return n
}

func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if pattern.Match(sub.pattern, ev.Type) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	start := b.now()
	for _, sub := range matched {
		if err := invoke(ctx, sub.handler, ev); err != nil {
			b.handlerErrors.Add(1)
			b.logger.Error("Event handler failed", "type", ev.Type, "pattern", sub.pattern, "error", err)
		}
	}
	b.processed.Add(1)

	elapsed := b.now().Sub(start)
	b.avgMu.Lock()
	if b.avgDispatch == 0 {
		b.avgDispatch = elapsed
	} else {
		b.avgDispatch = (b.avgDispatch + elapsed) / 2
	}
	b.avgMu.Unlock()
}

func invoke(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, ev)
}

// SetFilter installs the global filter, replacing any previous one.
func (b *Bus) SetFilter(f Filter) {
	b.mu.Lock()
	b.filter = f
	b.mu.Unlock()
}

// ClearFilter removes the global filter.
func (b *Bus) ClearFilter() {
	b.SetFilter(nil)
}

// Pause stops Process from dispatching. Publishing still queues.
func (b *Bus) Pause() { b.paused.Store(true) }

// Resume undoes Pause.
func (b *Bus) Resume() { b.paused.Store(false) }

// IsPaused reports whether the bus is paused.
func (b *Bus) IsPaused() bool { return b.paused.Load() }

// Clear discards all queued events and returns how many were discarded.
func (b *Bus) Clear() int {
	n := 0
	for {
		select {
		case <-b.queue:
			n++
		default:
			return n
		}
	}
}

// QueueLen returns the number of queued events.
func (b *Bus) QueueLen() int { return len(b.queue) }

// IsQueueFull reports whether the next queued publish would be dropped.
func (b *Bus) IsQueueFull() bool { return len(b.queue) == cap(b.queue) }

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.avgMu.Lock()
	avg := b.avgDispatch
	b.avgMu.Unlock()

	return Stats{
		Published:       b.published.Load(),
		Processed:       b.processed.Load(),
		Dropped:         b.dropped.Load(),
		Filtered:        b.filtered.Load(),
		HandlerErrors:   b.handlerErrors.Load(),
		QueueDepth:      len(b.queue),
		PeakQueueDepth:  int(b.peakDepth.Load()),
		QueueCapacity:   cap(b.queue),
		Subscriptions:   b.SubscriptionCount(),
		AvgDispatchTime: avg,
		Paused:          b.paused.Load(),
	}
}

// ResetStats zeroes all counters. Queue contents are untouched.
func (b *Bus) ResetStats() {
	b.published.Store(0)
	b.processed.Store(0)
	b.dropped.Store(0)
	b.filtered.Store(0)
	b.handlerErrors.Store(0)
	b.peakDepth.Store(int64(len(b.queue)))
	b.avgMu.Lock()
	b.avgDispatch = 0
	b.avgMu.Unlock()
}
