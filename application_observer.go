package modkernel

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

type observerEntry struct {
	observer Observer
	types    map[string]struct{}
	since    time.Time
}

func (e *observerEntry) wants(eventType string) bool {
	if len(e.types) == 0 {
		return true
	}
	_, ok := e.types[eventType]
	return ok
}

// observers fans CloudEvents out to registered Observers, one goroutine
// per delivery. pending lets Shutdown wait for deliveries in flight.
type observers struct {
	mu      sync.RWMutex
	byID    map[string]*observerEntry
	pending sync.WaitGroup
	logger  Logger
	now     func() time.Time
}

func newObservers(logger Logger) *observers {
	return &observers{byID: make(map[string]*observerEntry), logger: logger, now: time.Now}
}

// RegisterObserver subscribes observer to the given CloudEvent types, or
// to all of them when none are given. Registering the same ID again
// replaces the earlier filter.
func (o *observers) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrNilObserver
	}
	types := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}

	o.mu.Lock()
	o.byID[observer.ObserverID()] = &observerEntry{observer: observer, types: types, since: o.now()}
	o.mu.Unlock()

	o.logger.Debug("Observer registered", "observer", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

// UnregisterObserver removes observer. Unknown observers are ignored.
func (o *observers) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return ErrNilObserver
	}
	o.mu.Lock()
	_, ok := o.byID[observer.ObserverID()]
	delete(o.byID, observer.ObserverID())
	o.mu.Unlock()

	if ok {
		o.logger.Debug("Observer unregistered", "observer", observer.ObserverID())
	}
	return nil
}

// NotifyObservers delivers event to every interested observer without
// waiting for them. Observer errors and panics are logged.
func (o *observers) NotifyObservers(ctx context.Context, event CloudEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, entry := range o.byID {
		if !entry.wants(event.Type()) {
			continue
		}
		o.pending.Add(1)
		go o.deliver(ctx, entry.observer, event)
	}
	return nil
}

func (o *observers) deliver(ctx context.Context, observer Observer, event CloudEvent) {
	defer o.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Observer panicked", "observer", observer.ObserverID(), "event", event.Type(), "panic", r)
		}
	}()
	if err := observer.OnEvent(ctx, event); err != nil {
		o.logger.Warn("Observer failed", "observer", observer.ObserverID(), "event", event.Type(), "error", err)
	}
}

// GetObservers lists registrations ordered by observer ID.
func (o *observers) GetObservers() []ObserverInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]ObserverInfo, 0, len(o.byID))
	for _, id := range slices.Sorted(maps.Keys(o.byID)) {
		entry := o.byID[id]
		out = append(out, ObserverInfo{
			ID:           id,
			EventTypes:   slices.Sorted(maps.Keys(entry.types)),
			RegisteredAt: entry.since,
		})
	}
	return out
}

// emit builds a kernel CloudEvent and hands it to observers. Delivery
// outlives ctx cancellation so shutdown events still arrive.
func (o *observers) emit(ctx context.Context, eventType string, data any) {
	event, err := newKernelEvent(eventType, data, o.now())
	if err == nil {
		err = o.NotifyObservers(context.WithoutCancel(ctx), event)
	}
	if err != nil {
		o.logger.Error("Failed to notify observers", "event", eventType, "error", err)
	}
}

func (o *observers) wait() {
	o.pending.Wait()
}
