package modkernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run drives the scheduling loops until ctx is cancelled or Shutdown is
// called. The primary loop ticks primary-core modules and drains the event
// bus at a fixed rate; the secondary loop ticks secondary-core modules at
// its own rate. Both wake on absolute deadlines so timing does not drift.
func (a *Application) Run(ctx context.Context) error {
	if s := a.State(); s != AppStateRunning {
		return fmt.Errorf("%w: state is %s", ErrApplicationNotRunning, s)
	}

	a.runMu.Lock()
	if a.runDone != nil {
		a.runMu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancelRun = cancel
	a.runDone = done
	a.runMu.Unlock()

	defer func() {
		cancel()
		close(done)
	}()

	a.logger.Info("Scheduling loops started",
		"period", a.cfg.LoopPeriod,
		"moduleBudget", a.cfg.ModuleBudget,
		"eventBudget", a.cfg.EventBudget,
		"secondaryPeriod", a.cfg.SecondaryPeriod,
	)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return a.primaryLoop(gctx) })
	g.Go(func() error { return a.secondaryLoop(gctx) })

	err := g.Wait()
	a.logger.Info("Scheduling loops stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Application) primaryLoop(ctx context.Context) error {
	bus := a.kernel.Bus()
	mgr := a.kernel.Modules()
	coord := bus.CoordinatorContext(ctx)
	period := a.cfg.LoopPeriod

	next := a.now()
	lastHealth := next
	for {
		start := a.now()
		if a.State() == AppStateRunning {
			mgr.TickCore(coord, CorePrimary, a.cfg.ModuleBudget)
			bus.Process(coord, a.cfg.EventBudget)

			if start.Sub(lastHealth) >= a.cfg.HealthPeriod {
				lastHealth = start
				a.periodicHealthCheck(coord)
			}

			elapsed := a.now().Sub(start)
			if a.primary.record(elapsed, period) {
				a.logger.Warn("Main loop cycle overran its period", "elapsed", elapsed, "period", period)
			}
		}

		next = a.advance(next, period, &a.primary)
		if err := sleepUntil(ctx, next, a.now); err != nil {
			return nil
		}
	}
}

func (a *Application) secondaryLoop(ctx context.Context) error {
	mgr := a.kernel.Modules()
	period := a.cfg.SecondaryPeriod

	next := a.now()
	lastReport := next
	for {
		start := a.now()
		if a.State() == AppStateRunning {
			mgr.TickCore(ctx, CoreSecondary, a.cfg.SecondaryBudget)

			elapsed := a.now().Sub(start)
			if a.secondary.record(elapsed, period) {
				a.logger.Warn("Secondary loop cycle overran its period", "elapsed", elapsed, "period", period)
			}

			if a.cfg.SecondaryReportPeriod > 0 && start.Sub(lastReport) >= a.cfg.SecondaryReportPeriod {
				lastReport = start
				s := a.secondary.snapshot()
				a.logger.Info("Secondary loop stats", "cycles", s.Count, "avg", s.Avg, "max", s.Max, "overruns", s.Overruns)
			}
		}

		next = a.advance(next, period, &a.secondary)
		if err := sleepUntil(ctx, next, a.now); err != nil {
			return nil
		}
	}
}

// advance returns the next absolute wake time. When the loop has fallen
// more than a whole period behind, the skipped wakes are counted and the
// schedule jumps forward instead of running a burst of late cycles.
func (a *Application) advance(next time.Time, period time.Duration, rec *cycleRecorder) time.Time {
	next = next.Add(period)
	if behind := a.now().Sub(next); behind > period {
		skipped := behind / period
		next = next.Add(skipped * period)
		rec.missedWakes(uint64(skipped))
	}
	return next
}

func sleepUntil(ctx context.Context, t time.Time, now func() time.Time) error {
	d := t.Sub(now())
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (a *Application) periodicHealthCheck(ctx context.Context) {
	if a.heartbeat != nil {
		a.heartbeat.Check(ctx, a.now())
	}
	healthy := a.CheckHealth(ctx)

	p := a.primary.snapshot()
	a.logger.Debug("Main loop stats",
		"cycles", p.Count,
		"avg", p.Avg,
		"max", p.Max,
		"overruns", p.Overruns,
		"healthy", healthy,
	)
}

// Shutdown stops the scheduling loops, flushes configuration
// synchronously, stops modules in reverse priority order and releases the
// config store. Module stop failures are logged and returned joined, but
// every module is still stopped. Calling Shutdown again is a no-op.
func (a *Application) Shutdown(ctx context.Context) error {
	prev := a.State()
	if !a.transition(AppStateShutdown) {
		return nil
	}
	a.logger.Info("Application shutting down", "from", prev)

	a.runMu.Lock()
	cancel, done := a.cancelRun, a.runDone
	a.runMu.Unlock()
	if cancel != nil {
		cancel()
		// From inside a scheduling loop the loop cannot finish until we return.
		if !a.kernel.Bus().IsCoordinator(ctx) {
			select {
			case <-done:
			case <-ctx.Done():
				a.logger.Warn("Timed out waiting for scheduling loops", "error", ctx.Err())
			}
		}
	}

	var errs []error
	if err := a.store.Flush(ctx); err != nil {
		a.logger.Error("Failed to flush configuration", "error", err)
		errs = append(errs, fmt.Errorf("flush config: %w", err))
	}
	if err := a.kernel.Modules().ShutdownAll(ctx); err != nil {
		a.logger.Error("Some modules failed to stop", "error", err)
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close config store", "error", err)
		errs = append(errs, fmt.Errorf("close config: %w", err))
	}

	for _, h := range a.busHandles {
		_ = a.kernel.Bus().Unsubscribe(h)
	}
	a.busHandles = nil
	if n := a.kernel.Bus().Clear(); n > 0 {
		a.logger.Debug("Discarded queued events", "count", n)
	}

	a.emit(ctx, EventTypeSystemShutdown, map[string]any{"uptime_ms": a.Uptime().Milliseconds()})
	a.observers.wait()
	a.logger.Info("Application stopped")
	return errors.Join(errs...)
}

// Restart shuts down, waits delay, then invokes the reset hook.
func (a *Application) Restart(ctx context.Context, delay time.Duration) error {
	a.logger.Warn("Application restarting", "delay", delay)
	a.emit(ctx, EventTypeSystemRestart, map[string]any{"delay_ms": delay.Milliseconds()})

	if err := a.Shutdown(ctx); err != nil {
		a.logger.Error("Shutdown before restart reported errors", "error", err)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return a.reset(ctx)
}

// scheduleRestart restarts on a separate goroutine so it can be triggered
// from inside a scheduling loop. Only the first request counts.
func (a *Application) scheduleRestart(delay time.Duration) {
	if !a.restarting.CompareAndSwap(false, true) {
		return
	}
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		if err := a.Restart(context.Background(), delay); err != nil {
			a.logger.Error("Restart failed", "error", err)
		}
	}()
}

// Wait blocks until background work such as a scheduled restart finishes.
func (a *Application) Wait() {
	a.background.Wait()
}
