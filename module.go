// Package modkernel is a cooperative, priority-aware coordination kernel.
//
// Business logic lives in modules. A ModuleManager owns the modules, ticks
// them in priority order within a wall-clock budget, times every call and
// keeps a health score per module. Modules talk to each other through a
// bounded event bus and a fixed-capacity shared state store. An
// Application ties these together: it boots the kernel in a fixed order,
// drives a fixed-rate loop on a primary scheduling context plus a second
// loop for modules assigned to the secondary context, and applies the
// error and health policy.
//
// Basic usage:
//
//	k := modkernel.NewKernel(modkernel.KernelConfig{}, logger)
//	_ = k.Modules().Register(climate.New(), modkernel.PriorityHigh)
//	_ = k.Modules().Register(sensor.New(), modkernel.PriorityStandard, modkernel.OnCore(modkernel.CoreSecondary))
//	app, _ := modkernel.NewApplication(k, modkernel.WithConfigStore(store))
//	if err := app.Initialize(ctx); err != nil {
//		log.Fatal(err)
//	}
//	_ = app.Run(ctx)
package modkernel

import (
	"context"
	"time"

	"github.com/GoCodeAlone/modkernel/eventbus"
	"github.com/GoCodeAlone/modkernel/sharedstate"
)

// Config is the structured configuration tree handed to the kernel.
type Config = map[string]any

// Section is the part of the configuration addressed to one module.
type Section = map[string]any

// Module is an independently schedulable unit of business logic.
//
// The manager drives every module through Configure, Init, repeated
// Update calls and finally Stop. Update must return promptly: nothing
// interrupts a slow call, it is only detected afterwards as a deadline
// miss. An error returned from any method is recorded against the module;
// panics are recovered and treated the same way.
type Module interface {
	// Name returns the unique module name. The configuration section is
	// derived from it, see ConfigSectionName.
	Name() string

	// Configure receives the module's configuration section. It is
	// called before Init and again on Reload when a new section is given.
	Configure(section Section) error

	// Init prepares the module to be ticked. svc gives access to the
	// event bus, the shared state store and a module-scoped logger.
	Init(svc Services) error

	// Update performs one tick of work.
	Update(ctx context.Context) error

	// Stop releases whatever Init acquired.
	Stop(ctx context.Context) error
}

// HealthReporter is implemented by modules that report their own health.
// Modules without it are treated as healthy with a score of 100.
type HealthReporter interface {
	IsHealthy() bool
	// HealthScore returns 0..100.
	HealthScore() int
}

// DeadlineProvider overrides the per-call deadline of the module's
// priority class. A zero duration keeps the class default.
type DeadlineProvider interface {
	MaxUpdateTime() time.Duration
}

// RPCProvider is implemented by modules that expose RPC methods.
type RPCProvider interface {
	RegisterRPC(registrar RPCRegistrar) error
}

// ConfigSectionNamer overrides the naming convention used to find a
// module's configuration section.
type ConfigSectionNamer interface {
	ConfigSection() string
}

// Services is what the kernel hands to modules at Init.
type Services interface {
	Bus() *eventbus.Bus
	State() *sharedstate.Store
	Logger() Logger
}

// BaseModule provides no-op implementations of the optional parts of the
// module contract. Embed it and override what the module needs.
type BaseModule struct{}

// Configure accepts any section.
func (BaseModule) Configure(Section) error { return nil }

// Init does nothing.
func (BaseModule) Init(Services) error { return nil }

// Stop does nothing.
func (BaseModule) Stop(context.Context) error { return nil }

// IsHealthy always reports true.
func (BaseModule) IsHealthy() bool { return true }

// HealthScore always reports 100.
func (BaseModule) HealthScore() int { return 100 }

// MaxUpdateTime defers to the priority class.
func (BaseModule) MaxUpdateTime() time.Duration { return 0 }
