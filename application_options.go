package modkernel

import (
	"errors"
	"fmt"
	"time"
)

// ApplicationOption represents a configuration option for the application
type ApplicationOption func(*Application) error

// WithConfigStore sets where configuration is loaded from and saved to.
func WithConfigStore(store ConfigStore) ApplicationOption {
	return func(app *Application) error {
		if store == nil {
			return errors.New("config store cannot be nil")
		}
		app.store = store
		return nil
	}
}

// WithLogger replaces the kernel logger for Application messages.
func WithLogger(logger Logger) ApplicationOption {
	return func(app *Application) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		app.logger = logger
		app.observers.logger = logger
		return nil
	}
}

// WithSystemProbe replaces the runtime-based resource probe.
func WithSystemProbe(probe SystemProbe) ApplicationOption {
	return func(app *Application) error {
		if probe == nil {
			return errors.New("system probe cannot be nil")
		}
		app.probe = probe
		app.customProbe = true
		return nil
	}
}

// WithPlatform sets the hardware bring-up run first during Initialize.
func WithPlatform(p Platform) ApplicationOption {
	return func(app *Application) error {
		app.platform = p
		return nil
	}
}

// WithResetFunc replaces the hard reset performed at the end of Restart.
// The default exits the process with ExitCodeRestart.
func WithResetFunc(fn ResetFunc) ApplicationOption {
	return func(app *Application) error {
		if fn == nil {
			return errors.New("reset function cannot be nil")
		}
		app.reset = fn
		return nil
	}
}

// WithObserver registers an observer for Application CloudEvents.
func WithObserver(observer Observer, eventTypes ...string) ApplicationOption {
	return func(app *Application) error {
		return app.RegisterObserver(observer, eventTypes...)
	}
}

// WithClock replaces the time source used for uptime and scheduling.
func WithClock(now func() time.Time) ApplicationOption {
	return func(app *Application) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		app.now = now
		return nil
	}
}

// WithAppConfig replaces all timing and health settings. The system
// configuration section is ignored for any setting given by an option.
func WithAppConfig(cfg AppConfig) ApplicationOption {
	return func(app *Application) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		return override(app, func(c *AppConfig) { *c = cfg })
	}
}

// WithLoopPeriod sets the primary loop period and its two budgets.
func WithLoopPeriod(period, moduleBudget, eventBudget time.Duration) ApplicationOption {
	return func(app *Application) error {
		if period <= 0 || moduleBudget <= 0 || eventBudget <= 0 {
			return fmt.Errorf("%w: loop period and budgets must be positive", ErrInvalidAppConfig)
		}
		if moduleBudget+eventBudget > period {
			return fmt.Errorf("%w: budgets exceed loop period", ErrInvalidAppConfig)
		}
		return override(app, func(c *AppConfig) {
			c.LoopPeriod = period
			c.ModuleBudget = moduleBudget
			c.EventBudget = eventBudget
		})
	}
}

// WithHealthPeriod sets how often the primary loop checks system health.
func WithHealthPeriod(d time.Duration) ApplicationOption {
	return func(app *Application) error {
		return override(app, func(c *AppConfig) { c.HealthPeriod = d })
	}
}

// WithSecondaryLoop sets the secondary loop period and module budget.
func WithSecondaryLoop(period, budget time.Duration) ApplicationOption {
	return func(app *Application) error {
		if period <= 0 || budget <= 0 {
			return fmt.Errorf("%w: secondary period and budget must be positive", ErrInvalidAppConfig)
		}
		return override(app, func(c *AppConfig) {
			c.SecondaryPeriod = period
			c.SecondaryBudget = budget
		})
	}
}

// WithFatalRestartDelay sets the wait between shutdown and reset after a
// Fatal error report.
func WithFatalRestartDelay(d time.Duration) ApplicationOption {
	return func(app *Application) error {
		return override(app, func(c *AppConfig) { c.FatalRestartDelay = d })
	}
}

// WithHeartbeat sets the liveness monitor settings.
func WithHeartbeat(cfg HeartbeatConfig) ApplicationOption {
	return func(app *Application) error {
		return override(app, func(c *AppConfig) { c.Heartbeat = cfg })
	}
}

// WithHealthThresholds sets the limits CheckHealth compares against.
func WithHealthThresholds(minFree, emergencyFree, minStack uint64, minScore int) ApplicationOption {
	return func(app *Application) error {
		return override(app, func(c *AppConfig) {
			c.MinFreeMemory = minFree
			c.EmergencyFreeMemory = emergencyFree
			c.MinStackHeadroom = minStack
			c.MinSystemHealth = minScore
		})
	}
}

func override(app *Application, fn func(*AppConfig)) error {
	app.cfgOverrides = append(app.cfgOverrides, fn)
	return nil
}
