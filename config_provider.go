package modkernel

import (
	"context"
	"maps"
	"strings"
	"sync"
)

// ConfigChangeFunc is called with the dotted path and new value of a
// changed configuration entry.
type ConfigChangeFunc = func(path string, value any)

// ConfigStore is the persistent configuration collaborator consumed by
// the Application.
//
// Load is synchronous and is called exactly once, at boot, before
// asynchronous saving is enabled. Save is asynchronous at runtime; Flush
// writes synchronously and is used at shutdown.
type ConfigStore interface {
	Initialize(ctx context.Context) error
	Load(ctx context.Context) error
	GetAll() Config
	OnChange(fn ConfigChangeFunc)
	EnableAsyncSave(ctx context.Context) error
	Save(ctx context.Context) error
	Flush(ctx context.Context) error
	Close() error
}

// StaticConfigStore is an in-memory ConfigStore. It is useful for
// embedding the kernel without a configuration file and in tests.
type StaticConfigStore struct {
	mu        sync.RWMutex
	cfg       Config
	listeners []ConfigChangeFunc
	loaded    bool
	saves     int
	flushes   int
}

// NewStaticConfigStore creates a store serving cfg.
func NewStaticConfigStore(cfg Config) *StaticConfigStore {
	if cfg == nil {
		cfg = Config{}
	}
	return &StaticConfigStore{cfg: cfg}
}

func (s *StaticConfigStore) Initialize(context.Context) error { return nil }

func (s *StaticConfigStore) Load(context.Context) error {
	s.mu.Lock()
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// GetAll returns a shallow copy of the configuration.
func (s *StaticConfigStore) GetAll() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.cfg)
}

func (s *StaticConfigStore) OnChange(fn ConfigChangeFunc) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *StaticConfigStore) EnableAsyncSave(context.Context) error { return nil }

func (s *StaticConfigStore) Save(context.Context) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	return nil
}

func (s *StaticConfigStore) Flush(context.Context) error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

func (s *StaticConfigStore) Close() error { return nil }

// Set stores value at a dotted path, creating sections as needed, and
// notifies listeners.
func (s *StaticConfigStore) Set(path string, value any) {
	s.mu.Lock()
	parts := strings.Split(path, ".")
	node := s.cfg
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[p] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = value
	listeners := append([]ConfigChangeFunc(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(path, value)
	}
}

// Loaded reports whether Load was called.
func (s *StaticConfigStore) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Flushes returns how many times Flush was called.
func (s *StaticConfigStore) Flushes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flushes
}
