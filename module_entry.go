package modkernel

import (
	"sync"
	"sync/atomic"
	"time"
)

// ModuleStats is a snapshot of one module's bookkeeping.
type ModuleStats struct {
	Name           string        `json:"name"`
	Priority       Priority      `json:"priority"`
	Core           Core          `json:"core"`
	State          ModuleState   `json:"state"`
	Enabled        bool          `json:"enabled"`
	UpdateInterval time.Duration `json:"updateInterval"`
	Deadline       time.Duration `json:"deadline"`
	Calls          uint64        `json:"calls"`
	TotalTime      time.Duration `json:"totalTime"`
	MinTime        time.Duration `json:"minTime"`
	MaxTime        time.Duration `json:"maxTime"`
	AvgTime        time.Duration `json:"avgTime"`
	LastTime       time.Duration `json:"lastTime"`
	DeadlineMisses uint64        `json:"deadlineMisses"`
	ErrorCount     uint64        `json:"errorCount"`
	LastError      string        `json:"lastError,omitempty"`
	HealthScore    int           `json:"healthScore"`
	LastTick       time.Time     `json:"lastTick"`
}

// RegisterOption adjusts a module at registration.
type RegisterOption func(*moduleEntry)

// OnCore assigns the module to a scheduling context. The two contexts
// tick disjoint module sets, so a module is never updated concurrently.
func OnCore(c Core) RegisterOption {
	return func(e *moduleEntry) { e.core = c }
}

// WithUpdateInterval sets the minimum time between two ticks of the module.
func WithUpdateInterval(d time.Duration) RegisterOption {
	return func(e *moduleEntry) { e.interval = d }
}

// Disabled registers the module switched off.
func Disabled() RegisterOption {
	return func(e *moduleEntry) { e.enabled.Store(false) }
}

// moduleEntry owns one module. runMu serializes individual calls into the
// module, reloadMu serializes whole reloads and mu guards the bookkeeping
// fields.
type moduleEntry struct {
	module   Module
	name     string
	section  string
	priority Priority
	core     Core
	enabled  atomic.Bool

	runMu    sync.Mutex
	reloadMu sync.Mutex

	mu         sync.Mutex
	state      ModuleState
	started    bool
	config     Section
	interval   time.Duration
	lastRun    time.Time
	calls      uint64
	total      time.Duration
	minTime    time.Duration
	maxTime    time.Duration
	lastTime   time.Duration
	misses     uint64
	errorCount uint64
	lastErr    error
	health     int
}

func newModuleEntry(m Module, p Priority) *moduleEntry {
	e := &moduleEntry{
		module:   m,
		name:     m.Name(),
		section:  sectionNameFor(m),
		priority: p,
		state:    StateCreated,
		health:   100,
	}
	e.enabled.Store(true)
	return e
}

func (e *moduleEntry) currentState() ModuleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// due reports whether the minimum re-tick interval has elapsed and, if
// so, stamps now as the last run.
func (e *moduleEntry) due(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.interval > 0 && !e.lastRun.IsZero() && now.Sub(e.lastRun) < e.interval {
		return false
	}
	e.lastRun = now
	return true
}

func (e *moduleEntry) recordError(err error) {
	e.mu.Lock()
	e.errorCount++
	e.lastErr = err
	e.mu.Unlock()
}

// recordTick folds one update into the running counters and reports
// whether it missed its deadline.
func (e *moduleEntry) recordTick(d, deadline time.Duration, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls++
	e.total += d
	e.lastTime = d
	if e.calls == 1 || d < e.minTime {
		e.minTime = d
	}
	if d > e.maxTime {
		e.maxTime = d
	}
	missed := deadline > 0 && d > deadline
	if missed {
		e.misses++
	}
	if err != nil {
		e.errorCount++
		e.lastErr = err
		e.state = StateError
	}
	return missed
}

func (e *moduleEntry) selfHealth() (bool, int) {
	if hr, ok := e.module.(HealthReporter); ok {
		return hr.IsHealthy(), hr.HealthScore()
	}
	return true, 100
}

// refreshHealth recomputes and stores the health score.
func (e *moduleEntry) refreshHealth(p HealthPolicy) int {
	selfOK, selfScore := e.selfHealth()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.health = p.score(healthInputs{
		running:    e.state == StateInitialized,
		selfOK:     selfOK,
		selfScore:  selfScore,
		errorCount: e.errorCount,
		calls:      e.calls,
		misses:     e.misses,
	})
	return e.health
}

func (e *moduleEntry) snapshot(deadline time.Duration) ModuleStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := ModuleStats{
		Name:           e.name,
		Priority:       e.priority,
		Core:           e.core,
		State:          e.state,
		Enabled:        e.enabled.Load(),
		UpdateInterval: e.interval,
		Deadline:       deadline,
		Calls:          e.calls,
		TotalTime:      e.total,
		MinTime:        e.minTime,
		MaxTime:        e.maxTime,
		LastTime:       e.lastTime,
		DeadlineMisses: e.misses,
		ErrorCount:     e.errorCount,
		HealthScore:    e.health,
		LastTick:       e.lastRun,
	}
	if e.calls > 0 {
		s.AvgTime = e.total / time.Duration(e.calls)
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}
