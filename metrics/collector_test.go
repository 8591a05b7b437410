package metrics

import (
	"testing"
	"time"

	"github.com/GoCodeAlone/modkernel"
	"github.com/GoCodeAlone/modkernel/eventbus"
	"github.com/GoCodeAlone/modkernel/sharedstate"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	perf    modkernel.PerformanceMetrics
	modules []modkernel.ModuleStats
}

func (f fakeSource) PerformanceMetrics() modkernel.PerformanceMetrics { return f.perf }
func (f fakeSource) ModuleStats() []modkernel.ModuleStats            { return f.modules }

func newFakeSource() fakeSource {
	return fakeSource{
		perf: modkernel.PerformanceMetrics{
			Uptime:          90 * time.Second,
			Primary:         modkernel.CycleStats{Count: 100, Avg: 4 * time.Millisecond, Max: 12 * time.Millisecond, Overruns: 2},
			Secondary:       modkernel.CycleStats{Count: 10, MissedWakes: 1},
			SystemHealth:    85,
			HeartbeatHealth: 100,
			EmergencyMode:   true,
			ErrorCount:      3,
			FreeMemory:      1 << 20,
			Bus:             eventbus.Stats{Published: 20, Processed: 18, Dropped: 2, QueueDepth: 1},
			SharedState:     sharedstate.Stats{Capacity: 64, Used: 5, TotalSets: 40},
		},
		modules: []modkernel.ModuleStats{
			{Name: "ClimateModule", Priority: modkernel.PriorityHigh, Core: modkernel.CorePrimary, Enabled: true, Calls: 100, HealthScore: 90},
			{Name: "SensorModule", Priority: modkernel.PriorityStandard, Core: modkernel.CoreSecondary, Calls: 10, DeadlineMisses: 4, ErrorCount: 1, HealthScore: 60},
		},
	}
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func value(mf *dto.MetricFamily, labels map[string]string) (float64, bool) {
next:
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				continue next
			}
		}
		switch {
		case m.GetCounter() != nil:
			return m.GetCounter().GetValue(), true
		case m.GetGauge() != nil:
			return m.GetGauge().GetValue(), true
		}
	}
	return 0, false
}

func TestCollector_ExportsSnapshot(t *testing.T) {
	c := NewCollector(newFakeSource(), "")
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg, c))

	mfs := gather(t, reg)

	calls, ok := value(mfs["modkernel_module_calls_total"], map[string]string{"module": "SensorModule"})
	require.True(t, ok)
	assert.Equal(t, 10.0, calls)
	assert.Len(t, mfs["modkernel_module_calls_total"].GetMetric(), 2)

	misses, _ := value(mfs["modkernel_module_deadline_misses_total"], map[string]string{"module": "SensorModule"})
	assert.Equal(t, 4.0, misses)

	enabled, _ := value(mfs["modkernel_module_enabled"], map[string]string{"module": "SensorModule"})
	assert.Equal(t, 0.0, enabled)

	cycles, _ := value(mfs["modkernel_loop_cycles_total"], map[string]string{"loop": "primary"})
	assert.Equal(t, 100.0, cycles)
	maxCycle, _ := value(mfs["modkernel_loop_cycle_seconds"], map[string]string{"loop": "primary", "stat": "max"})
	assert.InDelta(t, 0.012, maxCycle, 1e-9)

	health, _ := value(mfs["modkernel_system_health_score"], nil)
	assert.Equal(t, 85.0, health)
	emergency, _ := value(mfs["modkernel_emergency_mode"], nil)
	assert.Equal(t, 1.0, emergency)

	dropped, _ := value(mfs["modkernel_events_total"], map[string]string{"outcome": "dropped"})
	assert.Equal(t, 2.0, dropped)
	keys, _ := value(mfs["modkernel_state_keys"], nil)
	assert.Equal(t, 5.0, keys)
}

func TestCollector_ObserveTick(t *testing.T) {
	c := NewCollector(newFakeSource(), "kernel")
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg, c))

	c.ObserveTick("ClimateModule", 300*time.Microsecond, false)
	c.ObserveTick("ClimateModule", 3*time.Millisecond, true)

	mfs := gather(t, reg)
	hist, ok := mfs["kernel_module_tick_seconds"]
	require.True(t, ok)
	require.Len(t, hist.GetMetric(), 2)
	for _, m := range hist.GetMetric() {
		assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
	}

	var perf modkernel.PerformanceFunc = c.ObserveTick
	assert.NotNil(t, perf)
}

func TestRegister_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	src := newFakeSource()

	require.NoError(t, Register(reg, NewCollector(src, "")))
	require.NoError(t, Register(reg, NewCollector(src, "")))

	mfs := gather(t, reg)
	assert.Len(t, mfs["modkernel_module_calls_total"].GetMetric(), 2)
}
