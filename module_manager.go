package modkernel

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/modkernel/eventbus"
	"github.com/GoCodeAlone/modkernel/sharedstate"
)

// Bus events published by the manager.
const (
	EventModulesInitialized = "modules.initialized"
	EventModuleReloaded     = "modules.reloaded"
	EventModuleFailed       = "modules.failed"
)

// PerformanceFunc is called after every tick with the call duration and
// whether it missed its deadline.
type PerformanceFunc func(name string, d time.Duration, missed bool)

// TickResult describes one scheduling pass.
type TickResult struct {
	Ticked          int
	Failed          int
	NotDue          int
	BudgetExhausted bool
	Elapsed         time.Duration
}

// ManagerOption configures a ModuleManager.
type ManagerOption func(*ModuleManager)

// WithHealthPolicy replaces the health penalties.
func WithHealthPolicy(p HealthPolicy) ManagerOption {
	return func(m *ModuleManager) { m.health = p }
}

// WithDeadlinePolicy replaces the per-class deadlines.
func WithDeadlinePolicy(p DeadlinePolicy) ManagerOption {
	return func(m *ModuleManager) { m.deadlines = p }
}

// WithManagerClock replaces the time source used for budgets and timing.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *ModuleManager) {
		if now != nil {
			m.now = now
		}
	}
}

// ModuleManager owns the module registry and schedules module updates.
//
// Registration must finish before scheduling starts: the registry slice
// itself is not synchronized. Bookkeeping for each module is guarded
// per module, so statistics can be read from any goroutine.
type ModuleManager struct {
	entries   []*moduleEntry
	index     map[string]*moduleEntry
	bus       *eventbus.Bus
	services  Services
	logger    Logger
	health    HealthPolicy
	deadlines DeadlinePolicy
	now       func() time.Time
	heartbeat *HeartbeatMonitor

	perfMu   sync.RWMutex
	perfFunc PerformanceFunc

	budgetExhausted atomic.Uint64
}

// NewModuleManager creates an empty manager. bus may be nil, in which
// case lifecycle notifications are not published.
func NewModuleManager(bus *eventbus.Bus, logger Logger, opts ...ManagerOption) *ModuleManager {
	m := &ModuleManager{
		index:     make(map[string]*moduleEntry),
		bus:       bus,
		logger:    loggerOrNop(logger),
		health:    DefaultHealthPolicy(),
		deadlines: DefaultDeadlinePolicy(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a module. Names must be unique. The registry is kept
// sorted by priority; modules of equal priority keep registration order.
func (m *ModuleManager) Register(module Module, priority Priority, opts ...RegisterOption) error {
	if module == nil {
		return ErrNilModule
	}
	if module.Name() == "" {
		return ErrEmptyModuleName
	}
	if priority < PriorityCritical || priority > PriorityBackground {
		return fmt.Errorf("%w: %d", ErrUnknownPriority, int(priority))
	}
	if _, exists := m.index[module.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrModuleAlreadyRegistered, module.Name())
	}

	e := newModuleEntry(module, priority)
	for _, opt := range opts {
		opt(e)
	}

	m.entries = append(m.entries, e)
	m.index[e.name] = e
	slices.SortStableFunc(m.entries, func(a, b *moduleEntry) int {
		return cmp.Compare(a.priority, b.priority)
	})

	m.logger.Debug("Registered module", "module", e.name, "priority", priority, "core", e.core)
	return nil
}

// ConfigureAll hands every module its configuration section. A missing
// section configures the module with an empty one and logs a warning. A
// module whose Configure fails stays Created and is skipped by InitAll.
// The returned error joins all configuration failures; none are fatal.
func (m *ModuleManager) ConfigureAll(cfg Config) error {
	var errs []error
	for _, e := range m.entries {
		state := e.currentState()
		if state == StateInitialized {
			m.logger.Warn("Skipping configure of running module", "module", e.name)
			continue
		}

		section, err := lookupSection(cfg, e.section)
		if err != nil {
			e.recordError(err)
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrModuleConfigFailed, e.name, err))
			m.logger.Error("Invalid module configuration", "module", e.name, "section", e.section, "error", err)
			continue
		}
		if section == nil {
			m.logger.Warn("No configuration section for module, using defaults", "module", e.name, "section", e.section)
			section = Section{}
		}

		if err := m.configure(e, section); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func lookupSection(cfg Config, name string) (Section, error) {
	raw, ok := cfg[name]
	if !ok || raw == nil {
		return nil, nil
	}
	section, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T", ErrInvalidSection, name, raw)
	}
	return section, nil
}

func (m *ModuleManager) configure(e *moduleEntry, section Section) error {
	e.runMu.Lock()
	err := guard(e.name, func() error { return e.module.Configure(section) })
	e.runMu.Unlock()

	if err != nil {
		e.mu.Lock()
		e.state = StateCreated
		e.errorCount++
		e.lastErr = err
		e.mu.Unlock()
		m.logger.Error("Module configuration failed", "module", e.name, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrModuleConfigFailed, e.name, err)
	}

	e.mu.Lock()
	e.config = section
	e.state = StateConfigured
	e.mu.Unlock()
	m.logger.Debug("Module configured", "module", e.name, "section", e.section)
	return nil
}

// InitAll initializes configured modules in priority order. Every module
// is attempted. The result is an error only when a Critical module fails;
// failures in other classes leave the module in Error and are logged.
// A modules.initialized event summarizes the outcome.
func (m *ModuleManager) InitAll(ctx context.Context) error {
	var critical []error
	initialized := 0

	for _, e := range m.entries {
		if state := e.currentState(); state != StateConfigured {
			m.logger.Warn("Skipping init of unconfigured module", "module", e.name, "state", state)
			continue
		}

		if err := m.initialize(e); err != nil {
			if e.priority == PriorityCritical {
				critical = append(critical, err)
			}
			continue
		}
		initialized++
	}

	m.publish(ctx, EventModulesInitialized, eventbus.Payload{
		"total":           len(m.entries),
		"initialized":     initialized,
		"critical_failed": len(critical) > 0,
	}, eventbus.PriorityHigh)

	m.logger.Info("Modules initialized", "total", len(m.entries), "initialized", initialized, "criticalFailed", len(critical) > 0)

	if len(critical) > 0 {
		return fmt.Errorf("%w: %w", ErrCriticalModuleFailed, errors.Join(critical...))
	}
	return nil
}

func (m *ModuleManager) initialize(e *moduleEntry) error {
	svc := m.servicesFor(e)

	e.runMu.Lock()
	err := guard(e.name, func() error { return e.module.Init(svc) })
	e.runMu.Unlock()

	if err != nil {
		e.mu.Lock()
		e.state = StateError
		e.errorCount++
		e.lastErr = err
		e.mu.Unlock()
		m.logger.Error("Module initialization failed", "module", e.name, "priority", e.priority, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrModuleInitFailed, e.name, err)
	}

	e.mu.Lock()
	e.state = StateInitialized
	e.started = true
	e.lastRun = time.Time{}
	e.mu.Unlock()

	if m.heartbeat != nil {
		m.heartbeat.Register(e.name, e.priority, m.now())
	}
	m.logger.Debug("Module initialized", "module", e.name)
	return nil
}

// Tick runs one scheduling pass over the primary-core modules.
func (m *ModuleManager) Tick(ctx context.Context, budget time.Duration) TickResult {
	return m.TickCore(ctx, CorePrimary, budget)
}

// TickCore runs one scheduling pass over the modules assigned to core.
//
// Enabled, initialized modules are updated in priority order until the
// elapsed time reaches budget; a call already in progress is allowed to
// finish. A failing module is recorded and marked Error, and the pass
// continues with the next module.
func (m *ModuleManager) TickCore(ctx context.Context, core Core, budget time.Duration) (res TickResult) {
	start := m.now()
	defer func() { res.Elapsed = m.now().Sub(start) }()

	for _, e := range m.entries {
		if e.core != core || !e.enabled.Load() || e.currentState() != StateInitialized {
			continue
		}

		now := m.now()
		if now.Sub(start) >= budget {
			res.BudgetExhausted = true
			m.budgetExhausted.Add(1)
			m.logger.Debug("Module budget exhausted", "core", core, "budget", budget, "next", e.name)
			break
		}

		if !e.due(now) {
			res.NotDue++
			continue
		}

		d, ran, err := m.update(ctx, e)
		if !ran {
			continue
		}
		missed := e.recordTick(d, m.deadlineFor(e), err)
		e.refreshHealth(m.health)
		res.Ticked++

		if err != nil {
			res.Failed++
			m.logger.Error("Module update failed", "module", e.name, "error", err)
			m.publish(ctx, EventModuleFailed, eventbus.Payload{
				"module": e.name,
				"error":  err.Error(),
			}, eventbus.PriorityHigh)
		} else if m.heartbeat != nil {
			m.heartbeat.Beat(e.name, m.now())
		}

		if missed {
			m.logger.Debug("Module missed deadline", "module", e.name, "duration", d, "deadline", m.deadlineFor(e))
		}

		m.perfMu.RLock()
		fn := m.perfFunc
		m.perfMu.RUnlock()
		if fn != nil {
			fn(e.name, d, missed)
		}
	}
	return res
}

// update calls Update under runMu. The state is checked again after the
// lock is taken because a reload may have stopped the module in between;
// ran is false when the call was skipped.
func (m *ModuleManager) update(ctx context.Context, e *moduleEntry) (d time.Duration, ran bool, err error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.currentState() != StateInitialized {
		return 0, false, nil
	}

	start := m.now()
	err = guard(e.name, func() error { return e.module.Update(ctx) })
	d = m.now().Sub(start)
	if err != nil && !errors.Is(err, ErrModulePanic) {
		err = fmt.Errorf("%w: %s: %w", ErrModuleUpdateFailed, e.name, err)
	}
	return d, true, err
}

func (m *ModuleManager) deadlineFor(e *moduleEntry) time.Duration {
	if dp, ok := e.module.(DeadlineProvider); ok {
		if d := dp.MaxUpdateTime(); d > 0 {
			return d
		}
	}
	return m.deadlines.For(e.priority)
}

// ShutdownAll stops every started module in reverse priority order. Every
// module gets a stop attempt; failures are logged and joined into the
// returned error but never interrupt the sequence.
func (m *ModuleManager) ShutdownAll(ctx context.Context) error {
	var errs []error
	for _, e := range slices.Backward(m.entries) {
		if err := m.stop(ctx, e); err != nil {
			errs = append(errs, err)
		}
		if m.heartbeat != nil {
			m.heartbeat.Unregister(e.name)
		}
	}
	return errors.Join(errs...)
}

func (m *ModuleManager) stop(ctx context.Context, e *moduleEntry) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil
	}

	e.runMu.Lock()
	err := guard(e.name, func() error { return e.module.Stop(ctx) })
	e.runMu.Unlock()

	e.mu.Lock()
	e.started = false
	e.state = StateStopped
	e.mu.Unlock()

	if err != nil {
		e.recordError(err)
		m.logger.Error("Module stop failed", "module", e.name, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrModuleStopFailed, e.name, err)
	}
	m.logger.Debug("Module stopped", "module", e.name)
	return nil
}

// Reload stops, reconfigures and reinitializes one module. A nil section
// reuses the module's current configuration. Concurrent reloads of one
// module run one after the other. A tick that races a reload waits for
// the module call in progress and is skipped unless the module is
// Initialized by then, so Update never runs on a stopped module.
//
// Events published during the reload follow ctx: a coordinator context
// dispatches them, any other context queues them.
func (m *ModuleManager) Reload(ctx context.Context, name string, section Section) error {
	e, err := m.lookup(name)
	if err != nil {
		return err
	}
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	if err := m.stop(ctx, e); err != nil {
		m.logger.Warn("Continuing reload after stop failure", "module", name, "error", err)
	}

	if section == nil {
		e.mu.Lock()
		section = e.config
		e.mu.Unlock()
		if section == nil {
			section = Section{}
		}
	}
	if err := m.configure(e, section); err != nil {
		m.publishReload(ctx, name, false)
		return err
	}
	if err := m.initialize(e); err != nil {
		m.publishReload(ctx, name, false)
		return err
	}

	e.mu.Lock()
	e.errorCount = 0
	e.lastErr = nil
	e.mu.Unlock()
	e.refreshHealth(m.health)

	m.publishReload(ctx, name, true)
	m.logger.Info("Module reloaded", "module", name)
	return nil
}

func (m *ModuleManager) publishReload(ctx context.Context, name string, ok bool) {
	m.publish(ctx, EventModuleReloaded, eventbus.Payload{"module": name, "success": ok}, eventbus.PriorityNormal)
}

// Enable switches a module back on.
func (m *ModuleManager) Enable(name string) error {
	e, err := m.lookup(name)
	if err != nil {
		return err
	}
	e.enabled.Store(true)
	if m.heartbeat != nil {
		m.heartbeat.SetActive(name, true, m.now())
	}
	m.logger.Info("Module enabled", "module", name)
	return nil
}

// Disable stops scheduling a module without stopping it.
func (m *ModuleManager) Disable(name string) error {
	e, err := m.lookup(name)
	if err != nil {
		return err
	}
	e.enabled.Store(false)
	if m.heartbeat != nil {
		m.heartbeat.SetActive(name, false, m.now())
	}
	m.logger.Info("Module disabled", "module", name)
	return nil
}

// IsEnabled reports whether a module is scheduled.
func (m *ModuleManager) IsEnabled(name string) bool {
	e, err := m.lookup(name)
	return err == nil && e.enabled.Load()
}

// SetUpdateInterval sets the minimum time between ticks of a module.
func (m *ModuleManager) SetUpdateInterval(name string, d time.Duration) error {
	e, err := m.lookup(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.interval = d
	e.mu.Unlock()
	return nil
}

// SetPerformanceCallback installs fn as the per-tick callback; nil removes it.
func (m *ModuleManager) SetPerformanceCallback(fn PerformanceFunc) {
	m.perfMu.Lock()
	m.perfFunc = fn
	m.perfMu.Unlock()
}

// SetHeartbeatMonitor attaches a heartbeat monitor fed by successful ticks.
func (m *ModuleManager) SetHeartbeatMonitor(h *HeartbeatMonitor) {
	m.heartbeat = h
}

// RegisterAllRPC lets every RPCProvider module register its methods.
func (m *ModuleManager) RegisterAllRPC(registrar RPCRegistrar) error {
	var errs []error
	for _, e := range m.entries {
		p, ok := e.module.(RPCProvider)
		if !ok {
			continue
		}
		if err := guard(e.name, func() error { return p.RegisterRPC(registrar) }); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

// Find returns the module registered under name.
func (m *ModuleManager) Find(name string) (Module, bool) {
	e, ok := m.index[name]
	if !ok {
		return nil, false
	}
	return e.module, true
}

// ModuleState returns the lifecycle state of a module.
func (m *ModuleManager) ModuleState(name string) (ModuleState, error) {
	e, err := m.lookup(name)
	if err != nil {
		return StateError, err
	}
	return e.currentState(), nil
}

// ModulesByPriority returns the modules of one priority class in
// execution order.
func (m *ModuleManager) ModulesByPriority(p Priority) []Module {
	var out []Module
	for _, e := range m.entries {
		if e.priority == p {
			out = append(out, e.module)
		}
	}
	return out
}

// Names returns module names in execution order.
func (m *ModuleManager) Names() []string {
	names := make([]string, len(m.entries))
	for i, e := range m.entries {
		names[i] = e.name
	}
	return names
}

// Len returns the number of registered modules.
func (m *ModuleManager) Len() int { return len(m.entries) }

// BudgetExhaustions counts scheduling passes cut short by their budget.
func (m *ModuleManager) BudgetExhaustions() uint64 { return m.budgetExhausted.Load() }

// Stats returns the bookkeeping of one module.
func (m *ModuleManager) Stats(name string) (ModuleStats, error) {
	e, err := m.lookup(name)
	if err != nil {
		return ModuleStats{}, err
	}
	return e.snapshot(m.deadlineFor(e)), nil
}

// AllStats returns the bookkeeping of every module in execution order.
func (m *ModuleManager) AllStats() []ModuleStats {
	out := make([]ModuleStats, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.snapshot(m.deadlineFor(e))
	}
	return out
}

// HealthReport recomputes every module score and classifies the modules.
func (m *ModuleManager) HealthReport() SystemHealthReport {
	r := SystemHealthReport{Total: len(m.entries), Score: 100}
	if len(m.entries) == 0 {
		return r
	}

	sum := 0
	for _, e := range m.entries {
		score := e.refreshHealth(m.health)
		sum += score
		state := e.currentState()
		status := m.health.classify(e.enabled.Load(), state, score)
		switch status {
		case HealthStatusHealthy:
			r.Healthy++
		case HealthStatusDegraded:
			r.Degraded++
		case HealthStatusDisabled:
			r.Disabled++
		default:
			r.Unhealthy++
		}
		r.Modules = append(r.Modules, ModuleHealth{Name: e.name, Score: score, Status: status, State: state})
	}
	r.Score = sum / len(m.entries)
	return r
}

// SystemHealthScore is the mean module score, or 100 with no modules.
func (m *ModuleManager) SystemHealthScore() int {
	return m.HealthReport().Score
}

// Dump logs one line per module in execution order.
func (m *ModuleManager) Dump() {
	m.logger.Info("Module registry", "modules", len(m.entries))
	for i, s := range m.AllStats() {
		m.logger.Info("Module",
			"index", i,
			"module", s.Name,
			"priority", s.Priority,
			"core", s.Core,
			"state", s.State,
			"enabled", s.Enabled,
			"calls", s.Calls,
			"avg", s.AvgTime,
			"max", s.MaxTime,
			"misses", s.DeadlineMisses,
			"errors", s.ErrorCount,
			"health", s.HealthScore,
		)
	}
}

func (m *ModuleManager) lookup(name string) (*moduleEntry, error) {
	e, ok := m.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return e, nil
}

func (m *ModuleManager) publish(ctx context.Context, eventType string, payload eventbus.Payload, p eventbus.Priority) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, eventType, payload, p); err != nil {
		m.logger.Warn("Failed to publish lifecycle event", "type", eventType, "error", err)
	}
}

func (m *ModuleManager) servicesFor(e *moduleEntry) Services {
	base := m.services
	if base == nil {
		base = standaloneServices{bus: m.bus, logger: m.logger}
	}
	return scopedServices{Services: base, logger: NewModuleLogger(base.Logger(), e.name)}
}

type scopedServices struct {
	Services
	logger Logger
}

func (s scopedServices) Logger() Logger { return s.logger }

// standaloneServices backs a manager used without a Kernel.
type standaloneServices struct {
	bus    *eventbus.Bus
	state  *sharedstate.Store
	logger Logger
}

func (s standaloneServices) Bus() *eventbus.Bus        { return s.bus }
func (s standaloneServices) State() *sharedstate.Store { return s.state }
func (s standaloneServices) Logger() Logger            { return s.logger }

// guard runs fn and converts a panic into an ErrModulePanic error.
func guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrModulePanic, name, r)
		}
	}()
	return fn()
}
