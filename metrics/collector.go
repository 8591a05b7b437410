// Package metrics exports kernel counters to Prometheus.
//
// Usage:
//
//	c := metrics.NewCollector(app, "")
//	app.Kernel().Modules().SetPerformanceCallback(c.ObserveTick)
//	_ = metrics.Register(prometheus.DefaultRegisterer, c)
package metrics

import (
	"errors"
	"time"

	"github.com/GoCodeAlone/modkernel"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "modkernel"

// Source supplies the snapshots exported on each scrape.
type Source interface {
	PerformanceMetrics() modkernel.PerformanceMetrics
	ModuleStats() []modkernel.ModuleStats
}

// Collector implements prometheus.Collector over a Source. Counters are
// emitted as ConstMetrics generated on scrape; tick durations are
// observed live through ObserveTick.
type Collector struct {
	source Source

	moduleCalls    *prometheus.Desc
	moduleMisses   *prometheus.Desc
	moduleErrors   *prometheus.Desc
	moduleHealth   *prometheus.Desc
	moduleEnabled  *prometheus.Desc
	moduleAvgTime  *prometheus.Desc
	moduleMaxTime  *prometheus.Desc
	loopCycles     *prometheus.Desc
	loopOverruns   *prometheus.Desc
	loopMissed     *prometheus.Desc
	loopCycleTime  *prometheus.Desc
	systemHealth   *prometheus.Desc
	heartbeat      *prometheus.Desc
	emergency      *prometheus.Desc
	errorsTotal    *prometheus.Desc
	freeMemory     *prometheus.Desc
	uptime         *prometheus.Desc
	budgetExhaust  *prometheus.Desc
	eventsTotal    *prometheus.Desc
	eventQueue     *prometheus.Desc
	stateKeys      *prometheus.Desc
	stateCapacity  *prometheus.Desc
	stateSets      *prometheus.Desc
	stateCallbacks *prometheus.Desc

	tickSeconds *prometheus.HistogramVec
}

// NewCollector creates a collector. An empty namespace uses
// DefaultNamespace.
func NewCollector(source Source, namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		source:         source,
		moduleCalls:    desc("module_calls_total", "Module update calls.", "module", "priority", "core"),
		moduleMisses:   desc("module_deadline_misses_total", "Module updates that exceeded their deadline.", "module"),
		moduleErrors:   desc("module_errors_total", "Module errors since the last successful reload.", "module"),
		moduleHealth:   desc("module_health_score", "Module health score, 0 to 100.", "module"),
		moduleEnabled:  desc("module_enabled", "1 when the module is scheduled.", "module"),
		moduleAvgTime:  desc("module_update_avg_seconds", "Average module update duration.", "module"),
		moduleMaxTime:  desc("module_update_max_seconds", "Longest module update duration.", "module"),
		loopCycles:     desc("loop_cycles_total", "Scheduling loop cycles.", "loop"),
		loopOverruns:   desc("loop_overruns_total", "Cycles that took longer than the loop period.", "loop"),
		loopMissed:     desc("loop_missed_wakes_total", "Wake-ups skipped after falling behind.", "loop"),
		loopCycleTime:  desc("loop_cycle_seconds", "Cycle duration statistics.", "loop", "stat"),
		systemHealth:   desc("system_health_score", "Mean module health score."),
		heartbeat:      desc("heartbeat_health_score", "Share of monitored modules found alive."),
		emergency:      desc("emergency_mode", "1 while low-memory load shedding is active."),
		errorsTotal:    desc("errors_total", "Errors reported to the application."),
		freeMemory:     desc("free_memory_bytes", "Free memory reported by the system probe."),
		uptime:         desc("uptime_seconds", "Time since initialization."),
		budgetExhaust:  desc("budget_exhaustions_total", "Cycles that ran out of module budget."),
		eventsTotal:    desc("events_total", "Event bus counters by outcome.", "outcome"),
		eventQueue:     desc("event_queue_depth", "Events waiting in the bus queue."),
		stateKeys:      desc("state_keys", "Keys held in shared state."),
		stateCapacity:  desc("state_capacity", "Maximum keys shared state can hold."),
		stateSets:      desc("state_sets_total", "Shared state writes."),
		stateCallbacks: desc("state_callback_errors_total", "Failed shared state change callbacks."),
		tickSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "module_tick_seconds",
			Help:      "Observed module update durations.",
			Buckets:   []float64{50e-6, 100e-6, 250e-6, 500e-6, 1e-3, 2e-3, 5e-3, 10e-3, 25e-3},
		}, []string{"module", "missed"}),
	}
}

// ObserveTick records one module update. Its signature matches
// modkernel.PerformanceFunc.
func (c *Collector) ObserveTick(name string, d time.Duration, missed bool) {
	label := "false"
	if missed {
		label = "true"
	}
	c.tickSeconds.WithLabelValues(name, label).Observe(d.Seconds())
}

// Describe sends metric descriptors.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.moduleCalls, c.moduleMisses, c.moduleErrors, c.moduleHealth, c.moduleEnabled,
		c.moduleAvgTime, c.moduleMaxTime, c.loopCycles, c.loopOverruns, c.loopMissed,
		c.loopCycleTime, c.systemHealth, c.heartbeat, c.emergency, c.errorsTotal,
		c.freeMemory, c.uptime, c.budgetExhaust, c.eventsTotal, c.eventQueue,
		c.stateKeys, c.stateCapacity, c.stateSets, c.stateCallbacks,
	} {
		ch <- d
	}
	c.tickSeconds.Describe(ch)
}

// Collect gathers current stats and emits ConstMetrics.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	for _, s := range c.source.ModuleStats() {
		counter(c.moduleCalls, float64(s.Calls), s.Name, s.Priority.String(), s.Core.String())
		counter(c.moduleMisses, float64(s.DeadlineMisses), s.Name)
		gauge(c.moduleErrors, float64(s.ErrorCount), s.Name)
		gauge(c.moduleHealth, float64(s.HealthScore), s.Name)
		gauge(c.moduleEnabled, boolValue(s.Enabled), s.Name)
		gauge(c.moduleAvgTime, s.AvgTime.Seconds(), s.Name)
		gauge(c.moduleMaxTime, s.MaxTime.Seconds(), s.Name)
	}

	m := c.source.PerformanceMetrics()
	for loop, s := range map[string]modkernel.CycleStats{"primary": m.Primary, "secondary": m.Secondary} {
		counter(c.loopCycles, float64(s.Count), loop)
		counter(c.loopOverruns, float64(s.Overruns), loop)
		counter(c.loopMissed, float64(s.MissedWakes), loop)
		gauge(c.loopCycleTime, s.Last.Seconds(), loop, "last")
		gauge(c.loopCycleTime, s.Avg.Seconds(), loop, "avg")
		gauge(c.loopCycleTime, s.Max.Seconds(), loop, "max")
	}

	gauge(c.systemHealth, float64(m.SystemHealth))
	gauge(c.heartbeat, float64(m.HeartbeatHealth))
	gauge(c.emergency, boolValue(m.EmergencyMode))
	counter(c.errorsTotal, float64(m.ErrorCount))
	gauge(c.freeMemory, float64(m.FreeMemory))
	gauge(c.uptime, m.Uptime.Seconds())
	counter(c.budgetExhaust, float64(m.BudgetExhaustions))

	counter(c.eventsTotal, float64(m.Bus.Published), "published")
	counter(c.eventsTotal, float64(m.Bus.Processed), "processed")
	counter(c.eventsTotal, float64(m.Bus.Dropped), "dropped")
	counter(c.eventsTotal, float64(m.Bus.Filtered), "filtered")
	counter(c.eventsTotal, float64(m.Bus.HandlerErrors), "handler_error")
	gauge(c.eventQueue, float64(m.Bus.QueueDepth))

	gauge(c.stateKeys, float64(m.SharedState.Used))
	gauge(c.stateCapacity, float64(m.SharedState.Capacity))
	counter(c.stateSets, float64(m.SharedState.TotalSets))
	counter(c.stateCallbacks, float64(m.SharedState.CallbackErrors))

	c.tickSeconds.Collect(ch)
}

// Register registers c with r. Registering an equal collector twice is
// not an error.
func Register(r prometheus.Registerer, c *Collector) error {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
