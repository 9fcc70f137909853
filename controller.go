package testctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testctl/report"
	"github.com/ethereum-optimism/infra/op-testctl/runner"
	"github.com/ethereum-optimism/infra/op-testctl/types"
)

// Callback receives serialized results. Operations may call it zero, one or
// many times.
type Callback func(payload string)

// Operations is what a driver can ask of a controller, local or remote
type Operations interface {
	Load(ctx context.Context, cb Callback) error
	Explore(ctx context.Context, filterText string, cb Callback) error
	Count(ctx context.Context, filterText string, cb Callback) error
	Run(ctx context.Context, filterText string, cb Callback) error
	RunAsync(ctx context.Context, filterText string, cb Callback) error
	StopRun(force bool)
}

// Controller loads a module's tests into a runner and drives them on behalf
// of a driver that only exchanges strings with it
type Controller struct {
	moduleRef string
	module    runner.Module
	idPrefix  string
	settings  types.Settings

	builder Builder
	runner  runner.TestRunner
	log     log.Logger

	closeOnce sync.Once
	trace     io.Closer
}

var _ Operations = (*Controller)(nil)

// New creates a controller for the Go module at moduleRef using the default
// engines
func New(moduleRef, idPrefix string, settings types.Settings) (*Controller, error) {
	return NewWithEngines(moduleRef, idPrefix, settings, GoTestBuilder, DefaultRunner)
}

// NewForModule creates a controller for a module that is already resolved.
// Load hands it straight to the runner.
func NewForModule(module runner.Module, idPrefix string, settings types.Settings) (*Controller, error) {
	return NewForModuleWithRunner(module, idPrefix, settings, DefaultRunner)
}

// NewForModuleWithRunner is NewForModule with the registered runner named runnerName
func NewForModuleWithRunner(module runner.Module, idPrefix string, settings types.Settings, runnerName string) (*Controller, error) {
	if module == nil {
		return nil, NewUsageError("new", errors.New("module is required"))
	}
	c, err := newController(module.Name(), idPrefix, settings)
	if err != nil {
		return nil, err
	}
	c.module = module
	if c.runner, err = newRunner(runnerName, c.log); err != nil {
		c.Close()
		return nil, NewUsageError("new", err)
	}
	return c, nil
}

// NewWithEngines creates a controller whose builder and runner are the
// registered engines named builderName and runnerName
func NewWithEngines(moduleRef, idPrefix string, settings types.Settings, builderName, runnerName string) (*Controller, error) {
	if moduleRef == "" {
		return nil, NewUsageError("new", errors.New("module reference is required"))
	}
	c, err := newController(moduleRef, idPrefix, settings)
	if err != nil {
		return nil, err
	}
	if c.builder, err = newBuilder(builderName, c.log); err != nil {
		c.Close()
		return nil, NewUsageError("new", err)
	}
	if c.runner, err = newRunner(runnerName, c.log); err != nil {
		c.Close()
		return nil, NewUsageError("new", err)
	}
	return c, nil
}

func newController(moduleRef, idPrefix string, settings types.Settings) (*Controller, error) {
	settings = settings.Copy()
	lgr, trace, err := newTraceLogger(settings, moduleRef)
	if err != nil {
		return nil, NewUsageError("new", err)
	}
	lgr = lgr.New("module", moduleRef)
	lgr.Debug("Creating controller", "idPrefix", idPrefix, "settings", len(settings))
	return &Controller{
		moduleRef: moduleRef,
		idPrefix:  idPrefix,
		settings:  settings,
		log:       lgr,
		trace:     trace,
	}, nil
}

// ModuleRef returns the module reference the controller was created for
func (c *Controller) ModuleRef() string { return c.moduleRef }

// IDPrefix returns the prefix of every test id this controller assigns
func (c *Controller) IDPrefix() string { return c.idPrefix }

// IsRunning reports whether a run is active
func (c *Controller) IsRunning() bool { return c.runner.IsRunning() }

// Load builds the module unless it was supplied resolved, loads it into the
// runner and delivers its structure. Loading again replaces the tree.
func (c *Controller) Load(ctx context.Context, cb Callback) error {
	if cb == nil {
		return NewUsageError("load", ErrNilCallback)
	}
	module := c.module
	if module == nil {
		built, err := c.builder.Build(ctx, c.moduleRef, c.settings)
		if err != nil {
			c.log.Error("Failed to build module", "err", err)
			return &LoadError{ModuleRef: c.moduleRef, Err: err}
		}
		module = built
	}
	tree, err := c.runner.Load(ctx, module, c.idPrefix, c.settings)
	if err != nil {
		c.log.Error("Failed to load module", "err", err)
		return &LoadError{ModuleRef: c.moduleRef, Err: err}
	}
	payload, err := report.EncodeStructure(tree)
	if err != nil {
		return NewRuntimeError(err)
	}
	cb(payload)
	return nil
}

// Explore delivers the loaded structure restricted to the cases filterText selects
func (c *Controller) Explore(ctx context.Context, filterText string, cb Callback) error {
	if err := c.check(ctx, "explore", filterText, cb); err != nil {
		return err
	}
	tree, err := c.runner.Explore(filterText)
	if err != nil {
		return classify("explore", err)
	}
	payload, err := report.EncodeStructure(tree)
	if err != nil {
		return NewRuntimeError(err)
	}
	cb(payload)
	return nil
}

// Count delivers the number of cases filterText selects as decimal text
func (c *Controller) Count(ctx context.Context, filterText string, cb Callback) error {
	if err := c.check(ctx, "count", filterText, cb); err != nil {
		return err
	}
	n, err := c.runner.Count(filterText)
	if err != nil {
		return classify("count", err)
	}
	cb(report.EncodeCount(n))
	return nil
}

// Run executes the selected cases. cb gets one progress message per finished
// case and then the final result tree, all before Run returns.
func (c *Controller) Run(ctx context.Context, filterText string, cb Callback) error {
	if err := c.check(ctx, "run", filterText, cb); err != nil {
		return err
	}
	defer c.runner.ResetExecutionContext()

	result, err := c.runner.Run(ctx, newProgressReporter(c.log, cb), filterText)
	if err != nil {
		return classify("run", err)
	}
	c.log.Info("Run completed", "run_id", result.RunID, "status", result.Status, "cancelled", result.Cancelled)
	return nil
}

// RunAsync starts the selected cases and returns. Progress and the final
// result reach cb from the runner's goroutine. The run outlives ctx; only
// StopRun ends it early.
func (c *Controller) RunAsync(ctx context.Context, filterText string, cb Callback) error {
	if err := c.check(ctx, "run-async", filterText, cb); err != nil {
		return err
	}
	if err := c.runner.RunAsync(ctx, newProgressReporter(c.log, cb), filterText); err != nil {
		return classify("run-async", err)
	}
	c.log.Info("Run started", "run_id", c.runner.RunID())
	return nil
}

// StopRun asks the active run to stop. Without force the in-flight case
// finishes first. It does nothing when idle.
func (c *Controller) StopRun(force bool) {
	if !c.runner.IsRunning() {
		c.log.Debug("Stop requested with no active run")
		return
	}
	c.runner.StopRun(force)
}

// Close releases the trace file, if one was opened
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.trace != nil {
			err = c.trace.Close()
		}
	})
	return err
}

// check validates the arguments in order: filter, callback, ctx, loaded state
func (c *Controller) check(ctx context.Context, op, filterText string, cb Callback) error {
	if filterText == "" {
		return NewUsageError(op, ErrNilFilter)
	}
	if cb == nil {
		return NewUsageError(op, ErrNilCallback)
	}
	if err := ctx.Err(); err != nil {
		return NewUsageError(op, fmt.Errorf("context done: %w", err))
	}
	if !c.runner.Loaded() {
		return NewUsageError(op, ErrNotLoaded)
	}
	return nil
}
