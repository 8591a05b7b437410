package modkernel

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/modkernel/eventbus"
)

// Bus events published by the Application.
const (
	EventSystemStarted   = "system.started"
	EventSystemError     = "system.error"
	EventSystemEmergency = "system.emergency_mode"
	EventConfigChanged   = "config.changed"
)

// Shared state keys maintained by the Application.
const (
	StateKeyAppState      = "system.state"
	StateKeyEmergencyMode = "system.emergency_mode"
	StateKeyHealthy       = "system.healthy"
	StateKeyHealthScore   = "system.health_score"
	StateKeyFreeMemory    = "system.free_memory"
	StateKeyUptime        = "system.uptime_ms"
)

// ExitCodeRestart is the process exit status used by the default reset
// hook, telling a supervisor to start the process again.
const ExitCodeRestart = 3

// ResetFunc performs the hard reset that completes a restart.
type ResetFunc func(ctx context.Context) error

func exitReset(context.Context) error {
	os.Exit(ExitCodeRestart)
	return nil
}

// Application owns the kernel lifecycle: boot order, the scheduling
// loops, shutdown and restart, and the error and health policy.
type Application struct {
	*observers

	kernel    *Kernel
	logger    Logger
	store     ConfigStore
	probe     SystemProbe
	platform  Platform
	reset     ResetFunc
	now       func() time.Time
	heartbeat *HeartbeatMonitor

	cfg          AppConfig
	cfgOverrides []func(*AppConfig)
	customProbe  bool

	state      atomic.Int32
	startedAt  time.Time
	errorCount atomic.Uint64
	emergency  atomic.Bool
	restarting atomic.Bool
	healthy    atomic.Bool

	primary   cycleRecorder
	secondary cycleRecorder

	emergencyMu sync.Mutex
	shedModules []string

	runMu     sync.Mutex
	cancelRun context.CancelFunc
	runDone   chan struct{}

	background sync.WaitGroup
	busHandles []eventbus.Handle
}

// NewApplication creates an Application around k. Options are applied in
// order; configuration overrides given as options take precedence over
// the system section loaded at Initialize.
func NewApplication(k *Kernel, opts ...ApplicationOption) (*Application, error) {
	if k == nil {
		return nil, ErrNilKernel
	}

	a := &Application{
		kernel: k,
		logger: k.Logger(),
		store:  NewStaticConfigStore(nil),
		reset:  exitReset,
		now:    time.Now,
		cfg:    DefaultAppConfig(),
	}
	a.observers = newObservers(a.logger)

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("failed to apply application option: %w", err)
		}
	}
	for _, override := range a.cfgOverrides {
		override(&a.cfg)
	}
	a.observers.now = a.now
	if a.probe == nil {
		a.probe = RuntimeProbe{MemoryBudget: a.cfg.MemoryBudget, StackBudget: a.cfg.StackBudget}
	}
	return a, nil
}

// Kernel returns the kernel the Application drives.
func (a *Application) Kernel() *Kernel { return a.kernel }

// Config returns the effective timing and health settings.
func (a *Application) Config() AppConfig { return a.cfg }

// State returns the current lifecycle state.
func (a *Application) State() ApplicationState {
	return ApplicationState(a.state.Load())
}

// Uptime is the time since Initialize began.
func (a *Application) Uptime() time.Duration {
	if a.startedAt.IsZero() {
		return 0
	}
	return a.now().Sub(a.startedAt)
}

// ErrorCount is the number of errors reported through ReportError.
func (a *Application) ErrorCount() uint64 { return a.errorCount.Load() }

// InEmergencyMode reports whether low-memory load shedding is active.
func (a *Application) InEmergencyMode() bool { return a.emergency.Load() }

// Heartbeat returns the heartbeat monitor, or nil before Initialize.
func (a *Application) Heartbeat() *HeartbeatMonitor { return a.heartbeat }

// transition moves to next if the current state is one of from. An empty
// from allows any current state.
func (a *Application) transition(next ApplicationState, from ...ApplicationState) bool {
	for {
		cur := a.State()
		if cur == next {
			return false
		}
		if len(from) > 0 && !containsState(from, cur) {
			return false
		}
		if a.state.CompareAndSwap(int32(cur), int32(next)) {
			a.logger.Info("Application state changed", "from", cur, "to", next)
			if err := a.kernel.State().Set(StateKeyAppState, next.String()); err != nil {
				a.logger.Warn("Failed to record application state", "error", err)
			}
			a.emit(context.Background(), EventTypeStateChanged, map[string]any{"from": cur.String(), "to": next.String()})
			return true
		}
	}
}

func containsState(states []ApplicationState, s ApplicationState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

// Initialize boots the kernel in a fixed order: platform bring-up, config
// store initialization, a single synchronous configuration load, module
// configuration, then module initialization in priority order. A Critical
// module failing to initialize aborts startup and leaves the Application
// in Error. On success the Application is Running and a system.started
// event has been published.
func (a *Application) Initialize(ctx context.Context) error {
	if !a.transition(AppStateInit, AppStateBoot) {
		return fmt.Errorf("%w: state is %s", ErrAlreadyInitialized, a.State())
	}
	a.startedAt = a.now()
	ctx = a.kernel.Bus().CoordinatorContext(ctx)

	if err := a.boot(ctx); err != nil {
		a.transition(AppStateError)
		a.logger.Error("Application initialization failed", "error", err)
		return err
	}

	a.transition(AppStateRunning, AppStateInit)

	payload := eventbus.Payload{
		"uptime_ms":   a.Uptime().Milliseconds(),
		"free_memory": a.probe.FreeMemory(),
		"modules":     a.kernel.Modules().Len(),
	}
	if err := a.kernel.Bus().Publish(ctx, EventSystemStarted, payload, eventbus.PriorityHigh); err != nil {
		a.logger.Warn("Failed to publish startup event", "error", err)
	}
	a.emit(ctx, EventTypeSystemStarted, payload)
	a.logger.Info("Application started", "modules", a.kernel.Modules().Len(), "loopPeriod", a.cfg.LoopPeriod)
	return nil
}

func (a *Application) boot(ctx context.Context) error {
	if a.platform != nil {
		if err := a.platform.Init(ctx); err != nil {
			return fmt.Errorf("platform init: %w", err)
		}
	}

	if err := a.store.Initialize(ctx); err != nil {
		return fmt.Errorf("config store init: %w", err)
	}
	if err := a.store.Load(ctx); err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	cfg := a.store.GetAll()

	if err := a.applySystemSection(cfg); err != nil {
		return err
	}

	mgr := a.kernel.Modules()
	a.heartbeat = NewHeartbeatMonitor(a.cfg.Heartbeat,
		func(ctx context.Context, name string) error { return mgr.Reload(ctx, name, nil) },
		a.onHeartbeatGiveUp,
		a.logger,
	)
	mgr.SetHeartbeatMonitor(a.heartbeat)

	if err := mgr.ConfigureAll(cfg); err != nil {
		a.logger.Warn("Some modules failed to configure", "error", err)
	}

	initErr := mgr.InitAll(ctx)
	a.emitInitSummary(ctx, initErr != nil)
	if initErr != nil {
		return initErr
	}

	if err := a.registerBuiltinRPC(); err != nil {
		return fmt.Errorf("register rpc: %w", err)
	}
	if err := mgr.RegisterAllRPC(a.kernel.RPC()); err != nil {
		a.logger.Warn("Some module RPC methods failed to register", "error", err)
	}

	h, err := a.kernel.Bus().Subscribe(EventModuleReloaded, func(ctx context.Context, e eventbus.Event) error {
		a.emit(ctx, EventTypeModuleReloaded, e.Payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe reload events: %w", err)
	}
	a.busHandles = append(a.busHandles, h)

	a.store.OnChange(a.onConfigChange)
	if err := a.store.EnableAsyncSave(ctx); err != nil {
		return fmt.Errorf("enable async save: %w", err)
	}
	return nil
}

func (a *Application) applySystemSection(cfg Config) error {
	raw, ok := cfg[SystemSection]
	if !ok {
		return nil
	}
	section, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: %s section is %T", ErrInvalidAppConfig, SystemSection, raw)
	}
	next, err := AppConfigFromSection(a.cfg, section)
	if err != nil {
		return err
	}
	for _, override := range a.cfgOverrides {
		override(&next)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	a.cfg = next
	if !a.customProbe {
		a.probe = RuntimeProbe{MemoryBudget: a.cfg.MemoryBudget, StackBudget: a.cfg.StackBudget}
	}
	return nil
}

func (a *Application) emitInitSummary(ctx context.Context, criticalFailed bool) {
	initialized := 0
	stats := a.kernel.Modules().AllStats()
	for _, s := range stats {
		if s.State == StateInitialized {
			initialized++
		}
	}
	a.emit(ctx, EventTypeModulesInitialized, map[string]any{
		"total":           len(stats),
		"initialized":     initialized,
		"critical_failed": criticalFailed,
	})
}

func (a *Application) onConfigChange(path string, value any) {
	payload := eventbus.Payload{"path": path, "value": value}
	if err := a.kernel.Bus().Publish(context.Background(), EventConfigChanged, payload, eventbus.PriorityNormal); err != nil {
		a.logger.Warn("Failed to publish config change", "path", path, "error", err)
	}
	a.emit(context.Background(), EventTypeConfigChanged, payload)
}

func (a *Application) onHeartbeatGiveUp(name string) {
	if err := a.kernel.Modules().Disable(name); err != nil {
		a.logger.Error("Failed to disable unresponsive module", "module", name, "error", err)
	}
	a.ReportError(context.Background(), "heartbeat", fmt.Errorf("%w: %s", ErrModuleUnresponsive, name),
		SeverityError, "module disabled after repeated restart attempts")
}
