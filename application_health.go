package modkernel

import (
	"context"
	"time"

	"github.com/GoCodeAlone/modkernel/eventbus"
	"github.com/GoCodeAlone/modkernel/sharedstate"
)

// ReportError applies the error policy. Every report is logged and
// published as a system.error event. Critical moves the Application to
// Error, which stops module scheduling. Fatal also schedules a restart
// after the configured delay.
func (a *Application) ReportError(ctx context.Context, component string, err error, severity ErrorSeverity, message string) {
	a.errorCount.Add(1)

	code := ""
	if err != nil {
		code = err.Error()
	}
	args := []any{"component", component, "severity", severity, "message", message, "error", code}
	if severity == SeverityWarning {
		a.logger.Warn("System error reported", args...)
	} else {
		a.logger.Error("System error reported", args...)
	}

	payload := eventbus.Payload{
		"component":  component,
		"error_code": code,
		"severity":   severity.String(),
		"message":    message,
	}
	if pubErr := a.kernel.Bus().Publish(ctx, EventSystemError, payload, eventbus.PriorityHigh); pubErr != nil {
		a.logger.Warn("Failed to publish error event", "error", pubErr)
	}
	a.emit(ctx, EventTypeSystemError, payload)

	if severity >= SeverityCritical {
		a.transition(AppStateError, AppStateInit, AppStateRunning)
	}
	if severity == SeverityFatal {
		a.scheduleRestart(a.cfg.FatalRestartDelay)
	}
}

// CheckHealth compares free memory, stack headroom and the system health
// score against their thresholds and reports whether all pass. Memory
// below the emergency threshold enters emergency mode; it is left once
// free memory recovers to twice the normal minimum.
func (a *Application) CheckHealth(ctx context.Context) bool {
	free := a.probe.FreeMemory()
	stack := a.probe.StackHeadroom()
	score := a.kernel.Modules().SystemHealthScore()

	healthy := true
	if free < a.cfg.MinFreeMemory {
		healthy = false
		a.logger.Warn("Low free memory", "free", free, "minimum", a.cfg.MinFreeMemory)
	}
	if stack < a.cfg.MinStackHeadroom {
		healthy = false
		a.logger.Warn("Low stack headroom", "headroom", stack, "minimum", a.cfg.MinStackHeadroom)
	}
	if score < a.cfg.MinSystemHealth {
		healthy = false
		a.logger.Warn("System health score below threshold", "score", score, "minimum", a.cfg.MinSystemHealth)
	}

	switch {
	case free < a.cfg.EmergencyFreeMemory && !a.emergency.Load():
		a.setEmergencyMode(ctx, true, free)
	case a.emergency.Load() && free >= 2*a.cfg.MinFreeMemory:
		a.setEmergencyMode(ctx, false, free)
	}

	a.healthy.Store(healthy)
	a.recordHealth(healthy, score, free)
	return healthy
}

// IsHealthy returns the result of the most recent CheckHealth.
func (a *Application) IsHealthy() bool { return a.healthy.Load() }

func (a *Application) recordHealth(healthy bool, score int, free uint64) {
	st := a.kernel.State()
	for key, v := range map[string]any{
		StateKeyHealthy:     healthy,
		StateKeyHealthScore: score,
		StateKeyFreeMemory:  free,
		StateKeyUptime:      a.Uptime().Milliseconds(),
	} {
		if err := st.Set(key, v); err != nil {
			a.logger.Debug("Failed to record health value", "key", key, "error", err)
		}
	}
}

// setEmergencyMode sheds Low and Background modules while memory is
// critically low and restores them afterwards.
func (a *Application) setEmergencyMode(ctx context.Context, active bool, free uint64) {
	a.emergencyMu.Lock()
	defer a.emergencyMu.Unlock()
	if a.emergency.Load() == active {
		return
	}
	a.emergency.Store(active)

	mgr := a.kernel.Modules()
	if active {
		a.logger.Warn("Entering emergency mode", "freeMemory", free)
		for _, s := range mgr.AllStats() {
			if s.Enabled && s.Priority >= PriorityLow {
				if err := mgr.Disable(s.Name); err == nil {
					a.shedModules = append(a.shedModules, s.Name)
				}
			}
		}
	} else {
		a.logger.Info("Leaving emergency mode", "freeMemory", free)
		for _, name := range a.shedModules {
			if err := mgr.Enable(name); err != nil {
				a.logger.Error("Failed to re-enable module", "module", name, "error", err)
			}
		}
		a.shedModules = nil
	}

	if err := a.kernel.State().Set(StateKeyEmergencyMode, active); err != nil {
		a.logger.Warn("Failed to record emergency mode", "error", err)
	}
	payload := eventbus.Payload{"active": active, "free_memory": free}
	if err := a.kernel.Bus().Publish(ctx, EventSystemEmergency, payload, eventbus.PriorityCritical); err != nil {
		a.logger.Warn("Failed to publish emergency event", "error", err)
	}
	a.emit(ctx, EventTypeSystemEmergency, payload)
}

// PerformanceMetrics is a snapshot of kernel-wide counters.
type PerformanceMetrics struct {
	State             ApplicationState  `json:"state"`
	Uptime            time.Duration     `json:"uptime"`
	Primary           CycleStats        `json:"primary"`
	Secondary         CycleStats        `json:"secondary"`
	SystemHealth      int               `json:"systemHealth"`
	HeartbeatHealth   int               `json:"heartbeatHealth"`
	Healthy           bool              `json:"healthy"`
	EmergencyMode     bool              `json:"emergencyMode"`
	ErrorCount        uint64            `json:"errorCount"`
	FreeMemory        uint64            `json:"freeMemory"`
	StackHeadroom     uint64            `json:"stackHeadroom"`
	BudgetExhaustions uint64            `json:"budgetExhaustions"`
	Bus               eventbus.Stats    `json:"bus"`
	SharedState       sharedstate.Stats `json:"sharedState"`
}

// PerformanceMetrics collects the current metrics.
func (a *Application) PerformanceMetrics() PerformanceMetrics {
	hb := 100
	if a.heartbeat != nil {
		hb = a.heartbeat.HealthScore()
	}
	return PerformanceMetrics{
		State:             a.State(),
		Uptime:            a.Uptime(),
		Primary:           a.primary.snapshot(),
		Secondary:         a.secondary.snapshot(),
		SystemHealth:      a.kernel.Modules().SystemHealthScore(),
		HeartbeatHealth:   hb,
		Healthy:           a.healthy.Load(),
		EmergencyMode:     a.emergency.Load(),
		ErrorCount:        a.errorCount.Load(),
		FreeMemory:        a.probe.FreeMemory(),
		StackHeadroom:     a.probe.StackHeadroom(),
		BudgetExhaustions: a.kernel.Modules().BudgetExhaustions(),
		Bus:               a.kernel.Bus().Stats(),
		SharedState:       a.kernel.State().Stats(),
	}
}

// Diagnostics is a full JSON-serializable view of the running kernel.
type Diagnostics struct {
	Metrics    PerformanceMetrics `json:"metrics"`
	Health     SystemHealthReport `json:"health"`
	Modules    []ModuleStats      `json:"modules"`
	Heartbeats []HeartbeatStatus  `json:"heartbeats,omitempty"`
	RPCMethods []RPCMethodInfo    `json:"rpcMethods"`
}

// Diagnostics collects a full snapshot.
func (a *Application) Diagnostics() Diagnostics {
	d := Diagnostics{
		Metrics:    a.PerformanceMetrics(),
		Health:     a.kernel.Modules().HealthReport(),
		Modules:    a.kernel.Modules().AllStats(),
		RPCMethods: a.kernel.RPC().Methods(),
	}
	if a.heartbeat != nil {
		d.Heartbeats = a.heartbeat.Status(a.now())
	}
	return d
}

// ModuleStats returns the bookkeeping of every registered module.
func (a *Application) ModuleStats() []ModuleStats {
	return a.kernel.Modules().AllStats()
}
