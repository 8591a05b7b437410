// Package climate is a reference thermostat module. It reads a
// temperature from shared state and switches a compressor with
// hysteresis, publishing every transition.
package climate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/modkernel"
	"github.com/GoCodeAlone/modkernel/eventbus"
	"github.com/GoCodeAlone/modkernel/sharedstate"
)

// Name is the module name; its configuration section is "climate".
const Name = "ClimateModule"

// EventCompressorChanged is published when the compressor switches.
const EventCompressorChanged = "climate.compressor.changed"

// Setpoint limits in degrees Celsius.
const (
	MinSetpoint = -40.0
	MaxSetpoint = 60.0
)

var ErrInvalidMode = errors.New("invalid climate mode")

// Mode selects which side of the setpoint the compressor acts on.
type Mode string

const (
	ModeCooling Mode = "cooling"
	ModeHeating Mode = "heating"
)

// Config is the decoded "climate" section.
type Config struct {
	Setpoint    float64
	Hysteresis  float64
	Mode        Mode
	SensorKey   string
	ActuatorKey string
	StaleAfter  time.Duration
}

// DefaultConfig is a refrigerator: cool to 4°C ±0.5.
func DefaultConfig() Config {
	return Config{
		Setpoint:    4,
		Hysteresis:  0.5,
		Mode:        ModeCooling,
		SensorKey:   "sensor.temperature",
		ActuatorKey: "actuator.compressor",
		StaleAfter:  5 * time.Second,
	}
}

// Module is the thermostat.
type Module struct {
	modkernel.BaseModule

	now func() time.Time

	mu         sync.Mutex
	cfg        Config
	bus        *eventbus.Bus
	state      *sharedstate.Store
	logger     modkernel.Logger
	handle     eventbus.Handle
	compressor bool
	lastSeen   time.Time
	lastTemp   float64
	switches   uint64

	sensorUpdates atomic.Uint64
}

// Option configures the module.
type Option func(*Module)

// WithClock replaces the time source used for staleness.
func WithClock(now func() time.Time) Option {
	return func(m *Module) { m.now = now }
}

// New creates the module.
func New(opts ...Option) *Module {
	m := &Module{now: time.Now, cfg: DefaultConfig(), logger: modkernel.NopLogger()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Name() string { return Name }

// Configure reads setpoint, hysteresis, mode, sensor_key, actuator_key
// and stale_after.
func (m *Module) Configure(section modkernel.Section) error {
	cfg := DefaultConfig()
	var mode string
	r := modkernel.NewSectionReader(section)
	r.Float("setpoint", &cfg.Setpoint)
	r.Float("hysteresis", &cfg.Hysteresis)
	r.Text("mode", &mode)
	r.Text("sensor_key", &cfg.SensorKey)
	r.Text("actuator_key", &cfg.ActuatorKey)
	r.Duration("stale_after", &cfg.StaleAfter)
	if err := r.Err(); err != nil {
		return err
	}
	if mode != "" {
		cfg.Mode = Mode(mode)
	}

	switch {
	case cfg.Mode != ModeCooling && cfg.Mode != ModeHeating:
		return fmt.Errorf("%w: %w: %q", modkernel.ErrInvalidSection, ErrInvalidMode, cfg.Mode)
	case cfg.Setpoint < MinSetpoint || cfg.Setpoint > MaxSetpoint:
		return fmt.Errorf("%w: setpoint %.1f out of range", modkernel.ErrInvalidSection, cfg.Setpoint)
	case cfg.Hysteresis < 0:
		return fmt.Errorf("%w: hysteresis must not be negative", modkernel.ErrInvalidSection)
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Init starts counting sensor events and switches the compressor off.
func (m *Module) Init(svc modkernel.Services) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus = svc.Bus()
	m.state = svc.State()
	m.logger = svc.Logger()
	m.compressor = false
	m.lastSeen = time.Time{}

	h, err := m.bus.Subscribe("sensor.*", func(context.Context, eventbus.Event) error {
		m.sensorUpdates.Add(1)
		return nil
	})
	if err != nil {
		return err
	}
	m.handle = h

	if err := m.state.Set(m.cfg.ActuatorKey, false); err != nil {
		return err
	}
	m.logger.Info("Climate control initialized", "setpoint", m.cfg.Setpoint, "hysteresis", m.cfg.Hysteresis, "mode", m.cfg.Mode)
	return nil
}

// Update applies the hysteresis rule to the current temperature. No
// reading yet is not an error.
func (m *Module) Update(ctx context.Context) error {
	m.mu.Lock()
	temp, err := sharedstate.GetAs[float64](m.state, m.cfg.SensorKey)
	if errors.Is(err, sharedstate.ErrKeyNotFound) {
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.lastSeen = m.state.LastUpdate(m.cfg.SensorKey)
	m.lastTemp = temp

	next := m.compressor
	high, low := m.cfg.Setpoint+m.cfg.Hysteresis, m.cfg.Setpoint-m.cfg.Hysteresis
	switch m.cfg.Mode {
	case ModeCooling:
		if temp > high {
			next = true
		} else if temp < low {
			next = false
		}
	case ModeHeating:
		if temp < low {
			next = true
		} else if temp > high {
			next = false
		}
	}
	if next == m.compressor {
		m.mu.Unlock()
		return nil
	}
	m.compressor = next
	m.switches++
	setpoint, key := m.cfg.Setpoint, m.cfg.ActuatorKey
	m.mu.Unlock()

	if err := m.state.Set(key, next); err != nil {
		return err
	}
	m.logger.Info("Compressor switched", "on", next, "temperature", temp, "setpoint", setpoint)
	payload := eventbus.Payload{"on": next, "temperature": temp, "setpoint": setpoint}
	return m.bus.Publish(ctx, EventCompressorChanged, payload, eventbus.PriorityHigh)
}

func (m *Module) Stop(context.Context) error {
	m.mu.Lock()
	h := m.handle
	m.handle = ""
	bus := m.bus
	m.mu.Unlock()
	if h != "" && bus != nil {
		return bus.Unsubscribe(h)
	}
	return nil
}

// IsHealthy reports false once the temperature value has not changed
// for StaleAfter.
func (m *Module) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen.IsZero() || m.now().Sub(m.lastSeen) <= m.cfg.StaleAfter
}

// HealthScore is 100 while readings are fresh and 50 once stale.
func (m *Module) HealthScore() int {
	if m.IsHealthy() {
		return 100
	}
	return 50
}

// SensorUpdates is the number of sensor events seen.
func (m *Module) SensorUpdates() uint64 { return m.sensorUpdates.Load() }

// Compressor reports whether the compressor is on.
func (m *Module) Compressor() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compressor
}

// Setpoint returns the target temperature.
func (m *Module) Setpoint() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Setpoint
}

// SetSetpoint changes the target temperature.
func (m *Module) SetSetpoint(v float64) error {
	if v < MinSetpoint || v > MaxSetpoint {
		return fmt.Errorf("%w: setpoint %.1f outside [%.0f, %.0f]", modkernel.ErrInvalidRPCParams, v, MinSetpoint, MaxSetpoint)
	}
	m.mu.Lock()
	m.cfg.Setpoint = v
	m.mu.Unlock()
	m.logger.Info("Setpoint changed", "setpoint", v)
	return nil
}

// RegisterRPC exposes climate.get_setpoint and climate.set_setpoint.
func (m *Module) RegisterRPC(r modkernel.RPCRegistrar) error {
	if err := r.RegisterMethod("climate.get_setpoint", func(context.Context, modkernel.RPCParams) (any, error) {
		return m.status(), nil
	}, "Current setpoint and compressor state"); err != nil {
		return err
	}
	return r.RegisterMethod("climate.set_setpoint", func(_ context.Context, p modkernel.RPCParams) (any, error) {
		v, err := modkernel.FloatParam(p, "value")
		if err != nil {
			return nil, err
		}
		if err := m.SetSetpoint(v); err != nil {
			return nil, err
		}
		return m.status(), nil
	}, "Change the setpoint")
}

func (m *Module) status() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"setpoint":    m.cfg.Setpoint,
		"hysteresis":  m.cfg.Hysteresis,
		"mode":        string(m.cfg.Mode),
		"compressor":  m.compressor,
		"temperature": m.lastTemp,
		"switches":    m.switches,
	}
}
