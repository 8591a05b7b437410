// Package configstore provides a file-backed configuration store. A
// store loads once, synchronously, at boot; runtime changes are written
// back asynchronously by a single writer goroutine and flushed
// synchronously at shutdown.
package configstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// ChangeFunc is called with the dotted path and new value of a changed
// entry.
type ChangeFunc = func(path string, value any)

// Option configures a FileStore.
type Option func(*FileStore)

// WithDefaults sets the tree the file is merged over.
func WithDefaults(defaults map[string]any) Option {
	return func(s *FileStore) { s.defaults = clone(defaults) }
}

// WithEnvPrefix enables environment overrides of the form
// PREFIX_SECTION__KEY=value.
func WithEnvPrefix(prefix string) Option {
	return func(s *FileStore) { s.envPrefix = prefix }
}

// WithLogger sets the store logger.
func WithLogger(logger Logger) Option {
	return func(s *FileStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAutosave queues a save on a cron schedule such as "@every 30s"
// once asynchronous saving is enabled.
func WithAutosave(spec string) Option {
	return func(s *FileStore) { s.autosave = spec }
}

// WithEnviron replaces os.Environ as the source of overrides.
func WithEnviron(environ func() []string) Option {
	return func(s *FileStore) { s.environ = environ }
}

// FileStore is a configuration store backed by a YAML, TOML or JSON file.
type FileStore struct {
	path      string
	format    Format
	defaults  map[string]any
	envPrefix string
	autosave  string
	environ   func() []string
	logger    Logger

	mu          sync.RWMutex
	file        map[string]any // file contents plus runtime changes
	effective   map[string]any // defaults, file, then environment
	listeners   []ChangeFunc
	initialized bool
	loaded      bool
	closed      bool
	async       bool
	version     uint64
	saved       uint64

	writeMu sync.Mutex
	saveCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cron    *cron.Cron
	watcher *fsnotify.Watcher
}

// New creates a store for path. The format follows the file extension.
func New(path string, opts ...Option) (*FileStore, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	s := &FileStore{
		path:      abs,
		format:    format,
		defaults:  map[string]any{},
		environ:   osEnviron,
		logger:    noopLogger{},
		file:      map[string]any{},
		effective: map[string]any{},
		saveCh:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the absolute file path.
func (s *FileStore) Path() string { return s.path }

// Initialize checks that the file's directory exists.
func (s *FileStore) Initialize(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	dir := filepath.Dir(s.path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("config directory %s is not usable: %w", dir, err)
	}
	s.initialized = true
	return nil
}

// Load reads the file once. A missing file leaves only defaults and
// environment overrides in effect.
func (s *FileStore) Load(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrStoreClosed
	case !s.initialized:
		return ErrNotInitialized
	case s.loaded:
		return ErrAlreadyLoaded
	}

	file, err := ReadFile(s.path)
	if err != nil {
		return err
	}
	s.file = file
	s.effective = s.build(file)
	s.loaded = true
	s.logger.Info("Configuration loaded", "path", s.path, "format", s.format)
	return nil
}

func (s *FileStore) build(file map[string]any) map[string]any {
	out := clone(s.defaults)
	merge(out, file)
	envOverrides(out, s.envPrefix, s.environ(), s.logger)
	return out
}

// GetAll returns a copy of the effective configuration.
func (s *FileStore) GetAll() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.effective)
}

// Get returns the value at a dotted path.
func (s *FileStore) Get(path string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := lookup(s.effective, path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	if sub, ok := v.(map[string]any); ok {
		return clone(sub), nil
	}
	return v, nil
}

// Set changes the value at a dotted path, notifies listeners and, once
// asynchronous saving is enabled, queues a save.
func (s *FileStore) Set(path string, value any) error {
	if path == "" {
		return ErrEmptyPath
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	assign(s.file, path, value)
	assign(s.effective, path, value)
	s.version++
	async := s.async
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	s.notify(listeners, path, value)
	if async {
		s.queueSave()
	}
	return nil
}

// OnChange registers fn for every changed entry.
func (s *FileStore) OnChange(fn ChangeFunc) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *FileStore) notify(listeners []ChangeFunc, path string, value any) {
	for _, fn := range listeners {
		fn(path, value)
	}
}

// EnableAsyncSave starts the writer goroutine and, when configured, the
// autosave schedule.
func (s *FileStore) EnableAsyncSave(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrStoreClosed
	case !s.loaded:
		return ErrNotInitialized
	case s.async:
		return nil
	}

	var schedule cron.Schedule
	if s.autosave != "" {
		sched, err := cron.ParseStandard(s.autosave)
		if err != nil {
			return fmt.Errorf("%w %q: %w", ErrInvalidSchedule, s.autosave, err)
		}
		schedule = sched
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.async = true
	s.wg.Add(1)
	go s.writer(wctx)

	if schedule != nil {
		c := cron.New()
		c.Schedule(schedule, cron.FuncJob(s.queueSave))
		c.Start()
		s.cron = c
	}
	return nil
}

func (s *FileStore) writer(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.saveCh:
			if err := s.write(); err != nil {
				s.logger.Error("Failed to save configuration", "path", s.path, "error", err)
			}
		}
	}
}

// queueSave requests a save without blocking. Requests made while one is
// pending are coalesced.
func (s *FileStore) queueSave() {
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

// Save writes pending changes. With asynchronous saving enabled it only
// queues the write.
func (s *FileStore) Save(context.Context) error {
	s.mu.RLock()
	closed, async := s.closed, s.async
	s.mu.RUnlock()
	if closed {
		return ErrStoreClosed
	}
	if async {
		s.queueSave()
		return nil
	}
	return s.write()
}

// Flush writes pending changes synchronously.
func (s *FileStore) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write()
}

// write persists the file tree when it changed since the last write.
func (s *FileStore) write() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	if s.version == s.saved {
		s.mu.RUnlock()
		return nil
	}
	version := s.version
	data, err := Encode(s.format, s.file)
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := writeFile(s.path, data); err != nil {
		return err
	}
	s.mu.Lock()
	s.saved = version
	s.mu.Unlock()
	s.logger.Debug("Configuration saved", "path", s.path)
	return nil
}

// Watch reloads the file when it is edited externally and notifies
// listeners of every changed entry. It stops with ctx or Close.
func (s *FileStore) Watch(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if s.watcher != nil {
		s.mu.Unlock()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		s.mu.Unlock()
		w.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	s.watcher = w
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != s.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := s.reload(); err != nil {
					s.logger.Warn("Ignoring unreadable config edit", "path", s.path, "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// reload re-reads the file and reports the entries that differ.
func (s *FileStore) reload() error {
	file, err := ReadFile(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	before := map[string]any{}
	flatten("", s.effective, before)
	s.file = file
	s.effective = s.build(file)
	after := map[string]any{}
	flatten("", s.effective, after)
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	paths := make([]string, 0, len(after))
	for path, v := range after {
		if old, ok := before[path]; !ok || !reflect.DeepEqual(old, v) {
			paths = append(paths, path)
		}
	}
	slices.Sort(paths)
	for _, path := range paths {
		s.notify(listeners, path, after[path])
	}
	if len(paths) > 0 {
		s.logger.Info("Configuration reloaded from disk", "path", s.path, "changed", len(paths))
	}
	return nil
}

// Close stops the writer, the autosave schedule and the watcher. Pending
// changes are not written; call Flush first.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, c, w := s.cancel, s.cron, s.watcher
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}
	var err error
	if w != nil {
		err = w.Close()
	}
	s.wg.Wait()
	return err
}
