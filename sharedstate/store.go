// Package sharedstate provides the kernel blackboard: a bounded, lock
// protected key/value table with pattern based change notification and
// atomic numeric helpers.
//
// All reads and writes happen under the store lock. Change callbacks are
// collected while the lock is held and invoked after it is released, in
// the goroutine of the writer. Two concurrent writers to the same key may
// therefore deliver callbacks out of order relative to the stored value.
package sharedstate

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/modkernel/internal/pattern"
)

const (
	// DefaultCapacity is the number of keys a store holds unless configured otherwise.
	DefaultCapacity = 64
	// MaxKeyLength is the longest key accepted, in bytes.
	MaxKeyLength = 31
	// MaxSubscriptions bounds the number of concurrent change subscriptions.
	MaxSubscriptions = 32
)

// Value is anything the store can hold. Values are compared with
// reflect.DeepEqual for change detection.
type Value = any

// ChangeFunc is invoked after a key matching its pattern changes value.
// A returned error or a panic is counted in Stats.CallbackErrors.
type ChangeFunc func(key string, value Value) error

// Handle identifies a change subscription.
type Handle string

type entry struct {
	value     Value
	updatedAt time.Time
}

type subscription struct {
	handle  Handle
	pattern string
	fn      ChangeFunc
}

type notification struct {
	key   string
	value Value
	subs  []*subscription
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Capacity       int    `json:"capacity"`
	Used           int    `json:"used"`
	PeakUsed       int    `json:"peakUsed"`
	TotalSets      uint64 `json:"totalSets"`
	TotalGets      uint64 `json:"totalGets"`
	Subscriptions  int    `json:"subscriptions"`
	CallbackErrors uint64 `json:"callbackErrors"`
}

// Store is a fixed-capacity shared key/value table.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	subs     []*subscription
	capacity int
	maxSubs  int
	logger   Logger
	now      func() time.Time

	peakUsed       int
	totalSets      uint64
	totalGets      uint64
	callbackErrors uint64
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity sets the maximum number of keys. Values below one are ignored.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithLogger sets the logger used to report callback failures.
func WithLogger(logger Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxSubscriptions bounds the number of change subscriptions.
func WithMaxSubscriptions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSubs = n
		}
	}
}

// WithClock replaces the time source used for update timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		capacity: DefaultCapacity,
		maxSubs:  MaxSubscriptions,
		logger:   noopLogger{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.entries = make(map[string]*entry, s.capacity)
	return s
}

func validateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: %q is %d bytes, limit %d", ErrKeyTooLong, key, len(key), MaxKeyLength)
	}
	return nil
}

// Set stores value under key. Subscribers are notified only when the value
// differs from the one already stored. Adding a new key to a full store
// fails with ErrCapacityExceeded; nothing is evicted.
func (s *Store) Set(key string, value Value) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	n, err := s.setLocked(key, value)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(n)
	return nil
}

// setLocked writes the value and returns the pending notification, which
// is nil when nothing changed. The caller must hold s.mu.
func (s *Store) setLocked(key string, value Value) (*notification, error) {
	s.totalSets++

	e, exists := s.entries[key]
	if !exists {
		if len(s.entries) >= s.capacity {
			return nil, fmt.Errorf("%w: cannot add %q, capacity %d", ErrCapacityExceeded, key, s.capacity)
		}
		e = &entry{}
		s.entries[key] = e
		if len(s.entries) > s.peakUsed {
			s.peakUsed = len(s.entries)
		}
	} else if reflect.DeepEqual(e.value, value) {
		return nil, nil
	}

	e.value = value
	e.updatedAt = s.now()
	return s.collectLocked(key, value), nil
}

func (s *Store) collectLocked(key string, value Value) *notification {
	var matched []*subscription
	for _, sub := range s.subs {
		if pattern.Match(sub.pattern, key) {
			matched = append(matched, sub)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	return &notification{key: key, value: value, subs: matched}
}

// notify runs callbacks outside the lock. Each callback is isolated.
func (s *Store) notify(n *notification) {
	if n == nil {
		return
	}
	for _, sub := range n.subs {
		if err := s.invoke(sub, n.key, n.value); err != nil {
			s.mu.Lock()
			s.callbackErrors++
			s.mu.Unlock()
			s.logger.Error("State change callback failed", "key", n.key, "pattern", sub.pattern, "error", err)
		}
	}
}

func (s *Store) invoke(sub *subscription, key string, value Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return sub.fn(key, value)
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalGets++
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Exists reports whether key is present.
func (s *Store) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Remove deletes key. Subscribers are not notified of removals.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	delete(s.entries, key)
	return nil
}

// CompareAndSet replaces the value of an existing key only if it currently
// equals expected.
func (s *Store) CompareAndSet(key string, expected, value Value) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	if !reflect.DeepEqual(e.value, expected) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrValueMismatch, key)
	}
	n, err := s.setLocked(key, value)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(n)
	return nil
}

// Increment adds delta to the numeric value stored under key and returns
// the new value. A missing key is created with delta. The stored value is
// always a float64 afterwards.
func (s *Store) Increment(key string, delta float64) (float64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	next := delta
	if e, ok := s.entries[key]; ok {
		current, isNum := toFloat(e.value)
		if !isNum {
			s.mu.Unlock()
			return 0, fmt.Errorf("%w: %q holds %T", ErrNotNumeric, key, e.value)
		}
		next = current + delta
	}
	n, err := s.setLocked(key, next)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	s.notify(n)
	return next, nil
}

// Subscribe registers fn for changes to keys matching pattern.
func (s *Store) Subscribe(pat string, fn ChangeFunc) (Handle, error) {
	if fn == nil {
		return "", ErrNilCallback
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) >= s.maxSubs {
		return "", fmt.Errorf("%w: limit %d", ErrTooManySubscriptions, s.maxSubs)
	}
	h := Handle(uuid.NewString())
	s.subs = append(s.subs, &subscription{handle: h, pattern: pat, fn: fn})
	return h, nil
}

// Unsubscribe removes a subscription.
func (s *Store) Unsubscribe(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.handle == h {
			s.subs = slices.Delete(s.subs, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, h)
}

// HasChanged reports whether any key matching pattern changed after since.
func (s *Store) HasChanged(pat string, since time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if pattern.Match(pat, key) && e.updatedAt.After(since) {
			return true
		}
	}
	return false
}

// LastUpdate returns the time key last changed value, or the zero time if
// the key is absent.
func (s *Store) LastUpdate(key string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.updatedAt
	}
	return time.Time{}
}

// Keys returns the sorted keys matching pattern.
func (s *Store) Keys(pat string) []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		if pattern.Match(pat, key) {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// Snapshot copies the values of all keys matching pattern.
func (s *Store) Snapshot(pat string) map[string]Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Value)
	for key, e := range s.entries {
		if pattern.Match(pat, key) {
			out[key] = e.value
		}
	}
	return out
}

// Clear removes every key. Subscriptions are kept.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Capacity:       s.capacity,
		Used:           len(s.entries),
		PeakUsed:       s.peakUsed,
		TotalSets:      s.totalSets,
		TotalGets:      s.totalGets,
		Subscriptions:  len(s.subs),
		CallbackErrors: s.callbackErrors,
	}
}
