package climate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/modkernel"
	"github.com/GoCodeAlone/modkernel/eventbus"
	"github.com/GoCodeAlone/modkernel/sharedstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type services struct {
	bus   *eventbus.Bus
	state *sharedstate.Store
}

func (s services) Bus() *eventbus.Bus        { return s.bus }
func (s services) State() *sharedstate.Store { return s.state }
func (s services) Logger() modkernel.Logger  { return modkernel.NopLogger() }

func setup(t *testing.T, section modkernel.Section) (*Module, services, *fakeClock, context.Context) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc := services{bus: eventbus.New(), state: sharedstate.New(sharedstate.WithClock(clock.Now))}
	m := New(WithClock(clock.Now))
	require.NoError(t, m.Configure(section))
	require.NoError(t, m.Init(svc))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m, svc, clock, svc.bus.CoordinatorContext(context.Background())
}

func TestConfigure(t *testing.T) {
	m := New()
	require.NoError(t, m.Configure(modkernel.Section{"setpoint": "21", "hysteresis": 1, "mode": "heating"}))
	assert.Equal(t, 21.0, m.Setpoint())

	assert.ErrorIs(t, m.Configure(modkernel.Section{"mode": "fan"}), ErrInvalidMode)
	assert.ErrorIs(t, m.Configure(modkernel.Section{"setpoint": 99}), modkernel.ErrInvalidSection)
	assert.ErrorIs(t, m.Configure(modkernel.Section{"hysteresis": -1}), modkernel.ErrInvalidSection)
	assert.ErrorIs(t, m.Configure(modkernel.Section{"setpoint": true}), modkernel.ErrInvalidSection)
}

func TestUpdate_CoolingHysteresis(t *testing.T) {
	m, svc, _, ctx := setup(t, modkernel.Section{"setpoint": 4.0, "hysteresis": 0.5})

	var mu sync.Mutex
	var changes []bool
	_, err := svc.bus.Subscribe(EventCompressorChanged, func(_ context.Context, e eventbus.Event) error {
		mu.Lock()
		changes = append(changes, e.Payload["on"].(bool))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	// No reading yet.
	require.NoError(t, m.Update(ctx))
	assert.False(t, m.Compressor())

	steps := []struct {
		temp float64
		want bool
	}{
		{4.4, false}, // inside the band
		{4.6, true},  // above setpoint+hysteresis
		{4.0, true},  // still inside the band
		{3.4, false}, // below setpoint-hysteresis
		{3.8, false},
	}
	for _, s := range steps {
		require.NoError(t, svc.state.Set("sensor.temperature", s.temp))
		require.NoError(t, m.Update(ctx))
		assert.Equal(t, s.want, m.Compressor(), "temp %.1f", s.temp)
	}

	on, err := sharedstate.GetAs[bool](svc.state, "actuator.compressor")
	require.NoError(t, err)
	assert.False(t, on)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, changes)
}

func TestUpdate_Heating(t *testing.T) {
	m, svc, _, ctx := setup(t, modkernel.Section{"setpoint": 20, "hysteresis": 1, "mode": "heating"})

	require.NoError(t, svc.state.Set("sensor.temperature", 18.5))
	require.NoError(t, m.Update(ctx))
	assert.True(t, m.Compressor())

	require.NoError(t, svc.state.Set("sensor.temperature", 21.5))
	require.NoError(t, m.Update(ctx))
	assert.False(t, m.Compressor())
}

func TestUpdate_NonNumericReading(t *testing.T) {
	m, svc, _, ctx := setup(t, nil)
	require.NoError(t, svc.state.Set("sensor.temperature", []int{1}))
	assert.ErrorIs(t, m.Update(ctx), sharedstate.ErrTypeMismatch)
}

func TestCountsSensorEvents(t *testing.T) {
	m, svc, _, ctx := setup(t, nil)

	require.NoError(t, svc.bus.Publish(context.Background(), "sensor.temperature.updated", nil, eventbus.PriorityNormal))
	require.NoError(t, svc.bus.Publish(context.Background(), "sensor.humidity.updated", nil, eventbus.PriorityNormal))
	require.NoError(t, svc.bus.Publish(context.Background(), "door.opened", nil, eventbus.PriorityNormal))
	svc.bus.Process(ctx, time.Second)

	assert.Equal(t, uint64(2), m.SensorUpdates())

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, 0, svc.bus.SubscriptionCount())
}

func TestHealthGoesStale(t *testing.T) {
	m, svc, clock, ctx := setup(t, modkernel.Section{"stale_after": "2s"})
	assert.True(t, m.IsHealthy())

	require.NoError(t, svc.state.Set("sensor.temperature", 4.0))
	require.NoError(t, m.Update(ctx))
	assert.Equal(t, 100, m.HealthScore())

	clock.Advance(3 * time.Second)
	assert.False(t, m.IsHealthy())
	assert.Equal(t, 50, m.HealthScore())

	require.NoError(t, svc.state.Set("sensor.temperature", 4.1))
	require.NoError(t, m.Update(ctx))
	assert.True(t, m.IsHealthy())
}

func TestRPC(t *testing.T) {
	m, _, _, _ := setup(t, nil)
	reg := modkernel.NewMethodRegistry(nil)
	require.NoError(t, m.RegisterRPC(reg))

	res, err := reg.Call(context.Background(), "climate.set_setpoint", modkernel.RPCParams{"value": 6.5})
	require.NoError(t, err)
	assert.Equal(t, 6.5, res.(map[string]any)["setpoint"])
	assert.Equal(t, 6.5, m.Setpoint())

	_, err = reg.Call(context.Background(), "climate.set_setpoint", modkernel.RPCParams{"value": 120.0})
	assert.ErrorIs(t, err, modkernel.ErrInvalidRPCParams)

	_, err = reg.Call(context.Background(), "climate.set_setpoint", nil)
	assert.ErrorIs(t, err, modkernel.ErrInvalidRPCParams)

	res, err = reg.Call(context.Background(), "climate.get_setpoint", nil)
	require.NoError(t, err)
	assert.Equal(t, "cooling", res.(map[string]any)["mode"])
}
