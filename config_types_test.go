package modkernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAppConfigIsValid(t *testing.T) {
	cfg := DefaultAppConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Millisecond, cfg.LoopPeriod)
	assert.Equal(t, cfg.LoopPeriod, cfg.ModuleBudget+cfg.EventBudget)
}

func TestAppConfigFromSection(t *testing.T) {
	cfg, err := AppConfigFromSection(DefaultAppConfig(), Section{
		"loop_period":           "20ms",
		"module_budget":         15,
		"event_budget":          5.0,
		"health_period":         "2s",
		"min_free_memory":       "2048",
		"emergency_free_memory": 1024,
		"min_system_health":     70,
		"heartbeat": map[string]any{
			"enabled":              "false",
			"critical_timeout":     "1s",
			"max_restart_attempts": 5,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 20*time.Millisecond, cfg.LoopPeriod)
	assert.Equal(t, 15*time.Millisecond, cfg.ModuleBudget)
	assert.Equal(t, 5*time.Millisecond, cfg.EventBudget)
	assert.Equal(t, 2*time.Second, cfg.HealthPeriod)
	assert.EqualValues(t, 2048, cfg.MinFreeMemory)
	assert.EqualValues(t, 1024, cfg.EmergencyFreeMemory)
	assert.Equal(t, 70, cfg.MinSystemHealth)
	assert.False(t, cfg.Heartbeat.Enabled)
	assert.Equal(t, time.Second, cfg.Heartbeat.CriticalTimeout)
	assert.Equal(t, 5, cfg.Heartbeat.MaxRestartAttempts)

	// Untouched settings keep the base value.
	assert.Equal(t, DefaultAppConfig().SecondaryPeriod, cfg.SecondaryPeriod)
	assert.True(t, cfg.Heartbeat.AutoRestart)
}

func TestAppConfigFromSection_Errors(t *testing.T) {
	base := DefaultAppConfig()
	tests := map[string]Section{
		"bad duration":      {"loop_period": "fast"},
		"negative uint":     {"min_free_memory": -1},
		"wrong type":        {"min_system_health": []any{1}},
		"budget overrun":    {"module_budget": "9ms", "event_budget": "2ms"},
		"zero period":       {"loop_period": 0},
		"secondary overrun": {"secondary_period": "10ms", "secondary_budget": "20ms"},
		"heartbeat not map": {"heartbeat": true},
		"heartbeat field":   {"heartbeat": map[string]any{"enabled": "maybe"}},
	}
	for name, section := range tests {
		t.Run(name, func(t *testing.T) {
			cfg, err := AppConfigFromSection(base, section)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidAppConfig)
			assert.Equal(t, base, cfg, "the base is returned unchanged on error")
		})
	}
}

func TestAppConfigFromSection_Nil(t *testing.T) {
	cfg, err := AppConfigFromSection(DefaultAppConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultAppConfig(), cfg)
}

func TestKernelConfigFromSection(t *testing.T) {
	cfg, err := KernelConfigFromSection(Section{"event_queue_size": 64, "state_capacity": "128"})
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.EventQueueSize)
	assert.Equal(t, 128, cfg.StateCapacity)

	_, err = KernelConfigFromSection(Section{"event_queue_size": "lots"})
	assert.ErrorIs(t, err, ErrInvalidAppConfig)

	cfg, err = KernelConfigFromSection(nil)
	require.NoError(t, err)
	assert.Zero(t, cfg)
}

func TestSectionReader(t *testing.T) {
	var (
		channels []string
		list     []string
		typed    []string
		name     string
		ratio    float64
		on       bool
		count    int
	)
	untouched := "keep"
	r := NewSectionReader(Section{
		"channels": "temperature, humidity,,",
		"list":     []any{"a", "b"},
		"typed":    []string{"x"},
		"name":     "probe",
		"ratio":    "0.25",
		"on":       "true",
		"count":    uint8(7),
	})
	r.Strings("channels", &channels)
	r.Strings("list", &list)
	r.Strings("typed", &typed)
	r.Text("name", &name)
	r.Float("ratio", &ratio)
	r.Bool("on", &on)
	r.Int("count", &count)
	r.Text("missing", &untouched)
	require.NoError(t, r.Err())

	assert.Equal(t, []string{"temperature", "humidity"}, channels)
	assert.Equal(t, []string{"a", "b"}, list)
	assert.Equal(t, []string{"x"}, typed)
	assert.Equal(t, "probe", name)
	assert.InDelta(t, 0.25, ratio, 1e-9)
	assert.True(t, on)
	assert.Equal(t, 7, count)
	assert.Equal(t, "keep", untouched)
}

func TestSectionReader_KeepsFirstError(t *testing.T) {
	var (
		name  string
		items []string
		n     int
	)
	r := NewSectionReader(Section{"name": 5, "items": []any{"ok", 3}, "n": "x"})
	r.Text("name", &name)
	r.Strings("items", &items)
	r.Int("n", &n)

	err := r.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSection)
	assert.Contains(t, err.Error(), "name")
	assert.Empty(t, items)
}
