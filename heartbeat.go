package modkernel

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// HeartbeatConfig controls liveness monitoring of modules.
type HeartbeatConfig struct {
	Enabled            bool          `json:"enabled"`
	AutoRestart        bool          `json:"auto_restart"`
	CheckInterval      time.Duration `json:"check_interval"`
	CriticalTimeout    time.Duration `json:"critical_timeout"`
	StandardTimeout    time.Duration `json:"standard_timeout"`
	BackgroundTimeout  time.Duration `json:"background_timeout"`
	MaxRestartAttempts int           `json:"max_restart_attempts"`
}

// DefaultHeartbeatConfig returns the standard liveness settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Enabled:            true,
		AutoRestart:        true,
		CheckInterval:      5 * time.Second,
		CriticalTimeout:    5 * time.Second,
		StandardTimeout:    30 * time.Second,
		BackgroundTimeout:  300 * time.Second,
		MaxRestartAttempts: 3,
	}
}

// timeoutFor returns how long a module of class p may stay silent.
// High is twice Critical and Low twice Standard.
func (c HeartbeatConfig) timeoutFor(p Priority) time.Duration {
	switch p {
	case PriorityCritical:
		return c.CriticalTimeout
	case PriorityHigh:
		return 2 * c.CriticalTimeout
	case PriorityStandard:
		return c.StandardTimeout
	case PriorityLow:
		return 2 * c.StandardTimeout
	default:
		return c.BackgroundTimeout
	}
}

// RestartFunc restarts one module and reports whether it came back.
type RestartFunc func(ctx context.Context, name string) error

// HeartbeatStatus is the liveness of one monitored module.
type HeartbeatStatus struct {
	Name     string        `json:"name"`
	Priority Priority      `json:"priority"`
	Active   bool          `json:"active"`
	Alive    bool          `json:"alive"`
	Silence  time.Duration `json:"silence"`
	Restarts int           `json:"restarts"`
}

// HeartbeatStats counts monitor activity.
type HeartbeatStats struct {
	Checks         uint64 `json:"checks"`
	Restarts       uint64 `json:"restarts"`
	FailedRestarts uint64 `json:"failedRestarts"`
	Deactivated    uint64 `json:"deactivated"`
}

type heartbeat struct {
	priority Priority
	last     time.Time
	active   bool
	restarts int
}

// HeartbeatMonitor watches for modules that stop completing ticks and
// restarts them, giving up after a bounded number of attempts.
type HeartbeatMonitor struct {
	mu        sync.Mutex
	cfg       HeartbeatConfig
	modules   map[string]*heartbeat
	restart   RestartFunc
	onGiveUp  func(name string)
	logger    Logger
	lastCheck time.Time
	score     int
	stats     HeartbeatStats
}

// NewHeartbeatMonitor creates a monitor. restart is invoked for silent
// modules; onGiveUp is called once a module exhausts its attempts.
func NewHeartbeatMonitor(cfg HeartbeatConfig, restart RestartFunc, onGiveUp func(string), logger Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		cfg:      cfg,
		modules:  make(map[string]*heartbeat),
		restart:  restart,
		onGiveUp: onGiveUp,
		logger:   loggerOrNop(logger),
		score:    100,
	}
}

// Register starts monitoring name. Registering a known module keeps its
// restart count so repeated reloads stay bounded.
func (h *HeartbeatMonitor) Register(name string, p Priority, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, ok := h.modules[name]
	hb := &heartbeat{priority: p, last: now, active: true}
	if ok {
		hb.restarts = prev.restarts
	}
	h.modules[name] = hb
}

// Unregister stops monitoring name.
func (h *HeartbeatMonitor) Unregister(name string) {
	h.mu.Lock()
	delete(h.modules, name)
	h.mu.Unlock()
}

// Beat records that name completed a tick.
func (h *HeartbeatMonitor) Beat(name string, now time.Time) {
	h.mu.Lock()
	if hb, ok := h.modules[name]; ok {
		hb.last = now
	}
	h.mu.Unlock()
}

// SetActive includes or excludes name from checks. Reactivating restarts
// its silence window.
func (h *HeartbeatMonitor) SetActive(name string, active bool, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hb, ok := h.modules[name]; ok {
		hb.active = active
		if active {
			hb.last = now
			hb.restarts = 0
		}
	}
}

// Check flags active modules whose silence exceeds their class timeout
// and, if enabled, restarts them. It does nothing when called again
// before the check interval has elapsed. The names of modules found
// silent are returned.
func (h *HeartbeatMonitor) Check(ctx context.Context, now time.Time) []string {
	h.mu.Lock()
	if !h.cfg.Enabled || (!h.lastCheck.IsZero() && now.Sub(h.lastCheck) < h.cfg.CheckInterval) {
		h.mu.Unlock()
		return nil
	}
	h.lastCheck = now
	h.stats.Checks++

	var silent []string
	active := 0
	for name, hb := range h.modules {
		if !hb.active {
			continue
		}
		active++
		if now.Sub(hb.last) > h.cfg.timeoutFor(hb.priority) {
			silent = append(silent, name)
		}
	}
	if active > 0 {
		h.score = (active - len(silent)) * 100 / active
	} else {
		h.score = 100
	}
	h.mu.Unlock()

	slices.Sort(silent)
	for _, name := range silent {
		h.handleSilent(ctx, name, now)
	}
	return silent
}

func (h *HeartbeatMonitor) handleSilent(ctx context.Context, name string, now time.Time) {
	h.mu.Lock()
	hb, ok := h.modules[name]
	if !ok {
		h.mu.Unlock()
		return
	}
	hb.restarts++
	attempt := hb.restarts
	silence := now.Sub(hb.last)
	canRestart := h.cfg.AutoRestart && h.restart != nil && attempt <= h.cfg.MaxRestartAttempts
	h.mu.Unlock()

	h.logger.Warn("Module unresponsive", "module", name, "silence", silence, "attempt", attempt)

	if !canRestart {
		if attempt > h.cfg.MaxRestartAttempts {
			h.giveUp(name)
		}
		return
	}

	err := h.restart(ctx, name)

	h.mu.Lock()
	if err == nil {
		h.stats.Restarts++
		if hb, ok := h.modules[name]; ok {
			hb.last = now
		}
	} else {
		h.stats.FailedRestarts++
	}
	h.mu.Unlock()

	if err != nil {
		h.logger.Error("Module restart failed", "module", name, "attempt", attempt, "error", err)
		if attempt >= h.cfg.MaxRestartAttempts {
			h.giveUp(name)
		}
		return
	}
	h.logger.Info("Module restarted", "module", name, "attempt", attempt)
}

func (h *HeartbeatMonitor) giveUp(name string) {
	h.mu.Lock()
	hb, ok := h.modules[name]
	if !ok || !hb.active {
		h.mu.Unlock()
		return
	}
	hb.active = false
	h.stats.Deactivated++
	h.mu.Unlock()

	h.logger.Error("Module deactivated after repeated restarts", "module", name, "limit", h.cfg.MaxRestartAttempts)
	if h.onGiveUp != nil {
		h.onGiveUp(name)
	}
}

// HealthScore is the share of active modules found alive at the last
// check, as 0..100.
func (h *HeartbeatMonitor) HealthScore() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.score
}

// Stats returns the monitor counters.
func (h *HeartbeatMonitor) Stats() HeartbeatStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Status returns the liveness of every monitored module, sorted by name.
func (h *HeartbeatMonitor) Status(now time.Time) []HeartbeatStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HeartbeatStatus, 0, len(h.modules))
	for name, hb := range h.modules {
		silence := now.Sub(hb.last)
		out = append(out, HeartbeatStatus{
			Name:     name,
			Priority: hb.priority,
			Active:   hb.active,
			Alive:    hb.active && silence <= h.cfg.timeoutFor(hb.priority),
			Silence:  silence,
			Restarts: hb.restarts,
		})
	}
	slices.SortFunc(out, func(a, b HeartbeatStatus) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}
