// Package sensor is a reference module that samples measurement channels
// into shared state. It is meant to run on the secondary core, so its
// events are queued for the primary loop to dispatch.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/GoCodeAlone/modkernel"
	"github.com/GoCodeAlone/modkernel/eventbus"
	"github.com/GoCodeAlone/modkernel/sharedstate"
)

// Name is the module name; its configuration section is "sensor".
const Name = "SensorModule"

// Shared state keys and events.
const (
	KeyPrefix     = "sensor."
	KeySamples    = "sensor.samples"
	updatedSuffix = ".updated"
)

var (
	ErrReadFailed     = errors.New("sensor read failed")
	ErrUnknownChannel = errors.New("unknown sensor channel")
)

// Source reads the current value of a channel.
type Source interface {
	Read(ctx context.Context, channel string) (float64, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, channel string) (float64, error)

func (f SourceFunc) Read(ctx context.Context, channel string) (float64, error) { return f(ctx, channel) }

// Waveform is a deterministic synthetic source: a sine around Base with
// each channel phase-shifted by its position.
type Waveform struct {
	Base      float64
	Amplitude float64
	Period    time.Duration
	Now       func() time.Time
}

// Read returns the waveform value for channel at the current time.
func (w Waveform) Read(_ context.Context, channel string) (float64, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	period := w.Period
	if period <= 0 {
		period = time.Minute
	}
	phase := float64(len(channel)) / 4
	t := float64(now().UnixNano()%int64(period)) / float64(period)
	return w.Base + w.Amplitude*math.Sin(2*math.Pi*t+phase), nil
}

// Config is the decoded "sensor" section.
type Config struct {
	Channels     []string
	PollInterval time.Duration
	MaxFailures  int
}

// DefaultConfig samples one temperature channel every 100ms.
func DefaultConfig() Config {
	return Config{
		Channels:     []string{"temperature"},
		PollInterval: 100 * time.Millisecond,
		MaxFailures:  10,
	}
}

// Option configures the module.
type Option func(*Module)

// WithSource replaces the synthetic waveform.
func WithSource(s Source) Option {
	return func(m *Module) { m.source = s }
}

// WithClock replaces the time source used for polling.
func WithClock(now func() time.Time) Option {
	return func(m *Module) { m.now = now }
}

// Module samples channels into shared state.
type Module struct {
	modkernel.BaseModule

	source Source
	now    func() time.Time

	mu       sync.Mutex
	cfg      Config
	bus      *eventbus.Bus
	state    *sharedstate.Store
	logger   modkernel.Logger
	failures map[string]int
	lastPoll time.Time
}

// New creates the module.
func New(opts ...Option) *Module {
	m := &Module{
		source: Waveform{Base: 4, Amplitude: 2},
		now:    time.Now,
		cfg:    DefaultConfig(),
		logger: modkernel.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Name() string { return Name }

// Configure reads channels, poll_interval and max_failures.
func (m *Module) Configure(section modkernel.Section) error {
	cfg := DefaultConfig()
	r := modkernel.NewSectionReader(section)
	r.Strings("channels", &cfg.Channels)
	r.Duration("poll_interval", &cfg.PollInterval)
	r.Int("max_failures", &cfg.MaxFailures)
	if err := r.Err(); err != nil {
		return err
	}
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel is required", modkernel.ErrInvalidSection)
	}
	for _, ch := range cfg.Channels {
		if ch == "" || len(KeyPrefix+ch) > sharedstate.MaxKeyLength {
			return fmt.Errorf("%w: invalid channel name %q", modkernel.ErrInvalidSection, ch)
		}
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

func (m *Module) Init(svc modkernel.Services) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus = svc.Bus()
	m.state = svc.State()
	m.logger = svc.Logger()
	m.failures = make(map[string]int, len(m.cfg.Channels))
	m.lastPoll = time.Time{}
	m.logger.Info("Sensor module initialized", "channels", m.cfg.Channels, "pollInterval", m.cfg.PollInterval)
	return nil
}

// Update samples every channel once per poll interval. A failed read
// only degrades the module through HealthScore; Update returns an error
// once a channel has failed more than MaxFailures times in a row, so the
// kernel marks the module failed and the heartbeat reloads it.
func (m *Module) Update(ctx context.Context) error {
	m.mu.Lock()
	now := m.now()
	if !m.lastPoll.IsZero() && now.Sub(m.lastPoll) < m.cfg.PollInterval {
		m.mu.Unlock()
		return nil
	}
	m.lastPoll = now
	channels := m.cfg.Channels
	m.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := m.sample(ctx, ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Module) sample(ctx context.Context, ch string) error {
	v, err := m.source.Read(ctx, ch)
	m.mu.Lock()
	if err != nil {
		m.failures[ch]++
		failures, limit := m.failures[ch], m.cfg.MaxFailures
		m.mu.Unlock()
		m.logger.Warn("Sensor read failed", "channel", ch, "failures", failures, "error", err)
		if failures > limit {
			return fmt.Errorf("%w: %s failed %d times in a row: %w", ErrReadFailed, ch, failures, err)
		}
		return nil
	}
	m.failures[ch] = 0
	m.mu.Unlock()

	if err := m.state.Set(KeyPrefix+ch, v); err != nil {
		return fmt.Errorf("store %s: %w", ch, err)
	}
	if _, err := m.state.Increment(KeySamples, 1); err != nil {
		m.logger.Debug("Failed to count sample", "error", err)
	}

	payload := eventbus.Payload{"channel": ch, "value": v}
	if err := m.bus.Publish(ctx, KeyPrefix+ch+updatedSuffix, payload, eventbus.PriorityNormal); err != nil {
		m.logger.Debug("Sensor event not queued", "channel", ch, "error", err)
	}
	return nil
}

// IsHealthy reports false once any channel fails more than MaxFailures
// times in a row.
func (m *Module) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.failures {
		if n > m.cfg.MaxFailures {
			return false
		}
	}
	return true
}

// HealthScore is the share of channels whose last read succeeded.
func (m *Module) HealthScore() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cfg.Channels) == 0 {
		return 0
	}
	ok := 0
	for _, ch := range m.cfg.Channels {
		if m.failures[ch] == 0 {
			ok++
		}
	}
	return ok * 100 / len(m.cfg.Channels)
}

// RegisterRPC exposes sensor.read and sensor.channels.
func (m *Module) RegisterRPC(r modkernel.RPCRegistrar) error {
	if err := r.RegisterMethod("sensor.read", m.rpcRead, "Read the latest sample of a channel"); err != nil {
		return err
	}
	return r.RegisterMethod("sensor.channels", func(context.Context, modkernel.RPCParams) (any, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		return append([]string(nil), m.cfg.Channels...), nil
	}, "List configured channels")
}

func (m *Module) rpcRead(_ context.Context, p modkernel.RPCParams) (any, error) {
	ch, err := modkernel.StringParam(p, "channel")
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	known := false
	for _, c := range m.cfg.Channels {
		known = known || c == ch
	}
	failures := m.failures[ch]
	m.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("%w: %w: %s", modkernel.ErrInvalidRPCParams, ErrUnknownChannel, ch)
	}

	v, err := sharedstate.GetAs[float64](m.state, KeyPrefix+ch)
	if err != nil {
		return map[string]any{"channel": ch, "available": false, "failures": failures}, nil
	}
	return map[string]any{"channel": ch, "available": true, "value": v, "failures": failures}, nil
}
