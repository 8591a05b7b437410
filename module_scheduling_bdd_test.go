package modkernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cucumber/godog"
)

// Static error variables for BDD steps
var (
	errUnexpectedOrder    = errors.New("modules ran in an unexpected order")
	errUnexpectedCount    = errors.New("unexpected number of module updates")
	errBudgetNotExhausted = errors.New("pass did not report budget exhaustion")
	errExpectedInitError  = errors.New("expected initialization to fail")
	errUnexpectedState    = errors.New("module is in an unexpected state")
	errUnexpectedErrors   = errors.New("module has an unexpected error count")
	errUnknownTestModule  = errors.New("no such test module")
)

type schedulingContext struct {
	clock   *fakeClock
	manager *ModuleManager
	log     *callLog
	modules map[string]*testModule
	broken  map[string]*atomic.Bool
	initErr error
	result  TickResult
}

func (c *schedulingContext) reset() {
	c.clock = newFakeClock()
	c.manager = NewModuleManager(nil, nil, WithManagerClock(c.clock.Now))
	c.log = &callLog{}
	c.modules = make(map[string]*testModule)
	c.broken = make(map[string]*atomic.Bool)
	c.initErr = nil
	c.result = TickResult{}
}

func (c *schedulingContext) aModuleManagerWithAControllableClock() error {
	return nil
}

func (c *schedulingContext) register(name, priority string) (*testModule, error) {
	p, err := ParsePriority(priority)
	if err != nil {
		return nil, err
	}
	mod := newTestModule(name, c.log)
	if err := c.manager.Register(mod, p); err != nil {
		return nil, err
	}
	c.modules[name] = mod
	return mod, nil
}

func (c *schedulingContext) aModuleWithPriority(name, priority string) error {
	_, err := c.register(name, priority)
	return err
}

func (c *schedulingContext) aModuleThatFailsEveryUpdate(name, priority string) error {
	mod, err := c.register(name, priority)
	if err != nil {
		return err
	}
	broken := &atomic.Bool{}
	broken.Store(true)
	c.broken[name] = broken
	mod.onUpdate = func(context.Context) error {
		if broken.Load() {
			return errors.New("actuator jammed")
		}
		return nil
	}
	return nil
}

func (c *schedulingContext) aModuleThatFailsToInitialize(name, priority string) error {
	mod, err := c.register(name, priority)
	if err != nil {
		return err
	}
	mod.initErr = errors.New("peripheral missing")
	return nil
}

func (c *schedulingContext) modulesThatEachTake(n int, priority, duration string) error {
	d, err := time.ParseDuration(duration)
	if err != nil {
		return err
	}
	for i := range n {
		mod, err := c.register(fmt.Sprintf("Worker%d", i), priority)
		if err != nil {
			return err
		}
		mod.onUpdate = func(context.Context) error {
			c.clock.Advance(d)
			return nil
		}
	}
	return nil
}

func (c *schedulingContext) theModulesAreInitialized() error {
	if err := c.manager.ConfigureAll(Config{}); err != nil {
		return err
	}
	c.initErr = c.manager.InitAll(context.Background())
	c.log.calls = nil
	return nil
}

func (c *schedulingContext) oneSchedulingPassRunsWithABudgetOf(budget string) error {
	d, err := time.ParseDuration(budget)
	if err != nil {
		return err
	}
	c.result = c.manager.Tick(context.Background(), d)
	return nil
}

func (c *schedulingContext) theModulesRanInTheOrder(order string) error {
	want := strings.Split(order, ", ")
	var got []string
	for _, call := range c.log.all() {
		if name, ok := strings.CutPrefix(call, "update:"); ok {
			got = append(got, name)
		}
	}
	if strings.Join(got, ", ") != strings.Join(want, ", ") {
		return fmt.Errorf("%w: got %v, want %v", errUnexpectedOrder, got, want)
	}
	return nil
}

func (c *schedulingContext) modulesRan(n int) error {
	if c.result.Ticked != n {
		return fmt.Errorf("%w: ticked %d, want %d", errUnexpectedCount, c.result.Ticked, n)
	}
	return nil
}

func (c *schedulingContext) thePassReportedTheBudgetAsExhausted() error {
	if !c.result.BudgetExhausted {
		return errBudgetNotExhausted
	}
	return nil
}

func (c *schedulingContext) module(name string) (*testModule, error) {
	mod, ok := c.modules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownTestModule, name)
	}
	return mod, nil
}

func (c *schedulingContext) moduleIsInState(name, state string) error {
	got, err := c.manager.ModuleState(name)
	if err != nil {
		return err
	}
	if got.String() != state {
		return fmt.Errorf("%w: %s is %s, want %s", errUnexpectedState, name, got, state)
	}
	return nil
}

func (c *schedulingContext) moduleRanTimes(name string, n int) error {
	mod, err := c.module(name)
	if err != nil {
		return err
	}
	if got := mod.updates.Load(); got != int64(n) {
		return fmt.Errorf("%w: %s ran %d times, want %d", errUnexpectedCount, name, got, n)
	}
	return nil
}

func (c *schedulingContext) initializationFailsBecauseACriticalModuleFailed() error {
	if !errors.Is(c.initErr, ErrCriticalModuleFailed) {
		return fmt.Errorf("%w: got %v", errExpectedInitError, c.initErr)
	}
	return nil
}

func (c *schedulingContext) moduleIsRepairedAndReloaded(name string) error {
	if broken, ok := c.broken[name]; ok {
		broken.Store(false)
	}
	return c.manager.Reload(context.Background(), name, nil)
}

func (c *schedulingContext) moduleHasErrors(name string, n int) error {
	s, err := c.manager.Stats(name)
	if err != nil {
		return err
	}
	if s.ErrorCount != uint64(n) {
		return fmt.Errorf("%w: %s has %d, want %d", errUnexpectedErrors, name, s.ErrorCount, n)
	}
	return nil
}

func (c *schedulingContext) moduleIsDisabled(name string) error {
	return c.manager.Disable(name)
}

// InitializeSchedulingScenario registers the scheduling steps
func InitializeSchedulingScenario(ctx *godog.ScenarioContext) {
	testCtx := &schedulingContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		testCtx.reset()
		return ctx, nil
	})

	ctx.Step(`^a module manager with a controllable clock$`, testCtx.aModuleManagerWithAControllableClock)

	// Registration steps
	ctx.Step(`^a "([^"]*)" module with priority "([^"]*)"$`, testCtx.aModuleWithPriority)
	ctx.Step(`^a "([^"]*)" module with priority "([^"]*)" that fails every update$`, testCtx.aModuleThatFailsEveryUpdate)
	ctx.Step(`^a "([^"]*)" module with priority "([^"]*)" that fails to initialize$`, testCtx.aModuleThatFailsToInitialize)
	ctx.Step(`^(\d+) "([^"]*)" modules that each take "([^"]*)"$`, testCtx.modulesThatEachTake)

	// Scheduling steps
	ctx.Step(`^the modules are initialized$`, testCtx.theModulesAreInitialized)
	ctx.Step(`^one scheduling pass runs with a budget of "([^"]*)"$`, testCtx.oneSchedulingPassRunsWithABudgetOf)
	ctx.Step(`^module "([^"]*)" is repaired and reloaded$`, testCtx.moduleIsRepairedAndReloaded)
	ctx.Step(`^module "([^"]*)" is disabled$`, testCtx.moduleIsDisabled)

	// Outcome steps
	ctx.Step(`^the modules ran in the order "([^"]*)"$`, testCtx.theModulesRanInTheOrder)
	ctx.Step(`^(\d+) modules ran$`, testCtx.modulesRan)
	ctx.Step(`^the pass reported the budget as exhausted$`, testCtx.thePassReportedTheBudgetAsExhausted)
	ctx.Step(`^module "([^"]*)" is in state "([^"]*)"$`, testCtx.moduleIsInState)
	ctx.Step(`^module "([^"]*)" ran (\d+) times$`, testCtx.moduleRanTimes)
	ctx.Step(`^initialization fails because a critical module failed$`, testCtx.initializationFailsBecauseACriticalModuleFailed)
	ctx.Step(`^module "([^"]*)" has (\d+) errors$`, testCtx.moduleHasErrors)
}

// TestModuleScheduling runs the BDD tests for module scheduling
func TestModuleScheduling(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeSchedulingScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/module_scheduling.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
