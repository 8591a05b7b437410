package modkernel

import (
	"github.com/GoCodeAlone/modkernel/eventbus"
	"github.com/GoCodeAlone/modkernel/sharedstate"
)

// KernelConfig sizes the kernel's bounded collections.
type KernelConfig struct {
	// EventQueueSize is the event bus queue capacity.
	EventQueueSize int
	// StateCapacity is the maximum number of shared state keys.
	StateCapacity int
	// Deadlines overrides the per-class update deadlines when set.
	Deadlines *DeadlinePolicy
	// Health overrides the health penalties when set.
	Health *HealthPolicy
}

// Kernel owns the event bus, the shared state store, the module registry
// and the RPC registry. It is the only place these collections live; the
// Application and every module reach them through it.
type Kernel struct {
	bus     *eventbus.Bus
	state   *sharedstate.Store
	modules *ModuleManager
	rpc     *MethodRegistry
	logger  Logger
}

// NewKernel creates the core services. Modules are registered on
// Modules() before the kernel is handed to an Application.
func NewKernel(cfg KernelConfig, logger Logger) *Kernel {
	logger = loggerOrNop(logger)

	busOpts := []eventbus.Option{eventbus.WithLogger(logger)}
	if cfg.EventQueueSize > 0 {
		busOpts = append(busOpts, eventbus.WithQueueSize(cfg.EventQueueSize))
	}
	stateOpts := []sharedstate.Option{sharedstate.WithLogger(logger)}
	if cfg.StateCapacity > 0 {
		stateOpts = append(stateOpts, sharedstate.WithCapacity(cfg.StateCapacity))
	}

	var mgrOpts []ManagerOption
	if cfg.Deadlines != nil {
		mgrOpts = append(mgrOpts, WithDeadlinePolicy(*cfg.Deadlines))
	}
	if cfg.Health != nil {
		mgrOpts = append(mgrOpts, WithHealthPolicy(*cfg.Health))
	}

	k := &Kernel{
		bus:    eventbus.New(busOpts...),
		state:  sharedstate.New(stateOpts...),
		rpc:    NewMethodRegistry(logger),
		logger: logger,
	}
	k.modules = NewModuleManager(k.bus, logger, mgrOpts...)
	k.modules.services = k
	return k
}

// Bus returns the event bus.
func (k *Kernel) Bus() *eventbus.Bus { return k.bus }

// State returns the shared state store.
func (k *Kernel) State() *sharedstate.Store { return k.state }

// Modules returns the module manager.
func (k *Kernel) Modules() *ModuleManager { return k.modules }

// RPC returns the RPC method registry.
func (k *Kernel) RPC() *MethodRegistry { return k.rpc }

// Logger returns the kernel logger.
func (k *Kernel) Logger() Logger { return k.logger }
