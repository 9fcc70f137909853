package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-testctl/filter"
	"github.com/ethereum-optimism/infra/op-testctl/metrics"
	"github.com/ethereum-optimism/infra/op-testctl/types"
)

var (
	// ErrNotLoaded is returned by every operation that needs a loaded tree
	ErrNotLoaded = errors.New("no tests loaded")
	// ErrRunInProgress is returned when a run is requested while another is active
	ErrRunInProgress = errors.New("a test run is already in progress")

	errForcedStop = errors.New("run stopped")
)

// Module is a loadable unit of tests together with the means to execute them
type Module interface {
	Name() string
	Tests(ctx context.Context) (*types.TestNode, error)
	Executor() Executor
}

// Listener receives run events. RunStarted comes first, TestFinished is
// called only for test cases, in execution order, and RunFinished exactly once
// per run, after all of them.
type Listener interface {
	RunStarted(runID string, testCases int)
	TestStarted(test *types.TestNode)
	TestFinished(result *types.TestResult)
	RunFinished(result *types.RunResult)
}

// TestRunner holds a loaded test tree and executes selections of it
type TestRunner interface {
	Load(ctx context.Context, module Module, idPrefix string, settings types.Settings) (*types.TestNode, error)
	Loaded() bool
	Explore(filterText string) (*types.TestNode, error)
	Count(filterText string) (int, error)
	Run(ctx context.Context, listener Listener, filterText string) (*types.RunResult, error)
	RunAsync(ctx context.Context, listener Listener, filterText string) error
	StopRun(force bool)
	IsRunning() bool
	// RunID returns the id of the active run. After a synchronous run it keeps
	// returning that run's id until ResetExecutionContext.
	RunID() string
	// ResetExecutionContext drops run-scoped state left behind by a
	// synchronous run. It is safe to call at any time.
	ResetExecutionContext()
}

// Config holds configuration for creating a new runner
type Config struct {
	Log log.Logger
}

// runScope is the run-scoped execution context. Sync runs leave it installed
// until ResetExecutionContext, async runs clear it when they finish.
type runScope struct {
	runID   string
	started time.Time
}

// runner struct implements TestRunner interface
type runner struct {
	log    log.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	module   Module
	tree     *types.TestNode
	settings types.Settings
	running  bool
	cancel   context.CancelCauseFunc
	scope    *runScope

	stopRequested atomic.Bool
}

var _ TestRunner = (*runner)(nil)

// NewTestRunner creates a new test runner instance
func NewTestRunner(cfg Config) TestRunner {
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	return &runner{
		log:    cfg.Log,
		tracer: otel.Tracer("test runner"),
	}
}

// Load discovers the module's tests and replaces any previously loaded tree
func (r *runner) Load(ctx context.Context, module Module, idPrefix string, settings types.Settings) (*types.TestNode, error) {
	if module == nil {
		return nil, fmt.Errorf("module is required")
	}
	if module.Executor() == nil {
		return nil, fmt.Errorf("module %s has no executor", module.Name())
	}
	tree, err := module.Tests(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests of %s: %w", module.Name(), err)
	}
	if tree == nil {
		return nil, fmt.Errorf("module %s returned no test tree", module.Name())
	}
	if err := tree.Validate(); err != nil {
		return nil, fmt.Errorf("invalid test tree for %s: %w", module.Name(), err)
	}
	tree = tree.Clone()
	tree.AssignIDs(idPrefix)

	r.mu.Lock()
	r.module = module
	r.tree = tree
	r.settings = settings.Copy()
	r.mu.Unlock()

	r.log.Info("Loaded tests", "module", module.Name(), "testCases", tree.CountTestCases(), "idPrefix", idPrefix)
	return tree.Clone(), nil
}

func (r *runner) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree != nil
}

// Explore returns the loaded tree restricted to the cases selected by filterText
func (r *runner) Explore(filterText string) (*types.TestNode, error) {
	r.mu.Lock()
	tree := r.tree
	r.mu.Unlock()
	if tree == nil {
		return nil, ErrNotLoaded
	}
	f, err := filter.Parse(filterText)
	if err != nil {
		return nil, err
	}
	return tree.Prune(f.Match), nil
}

// Count returns the number of cases selected by filterText
func (r *runner) Count(filterText string) (int, error) {
	selected, err := r.Explore(filterText)
	if err != nil {
		return 0, err
	}
	return selected.CountTestCases(), nil
}

func (r *runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Run executes the selected cases and returns once the listener has received
// the final result
func (r *runner) Run(ctx context.Context, listener Listener, filterText string) (*types.RunResult, error) {
	exec, err := r.begin(ctx, filterText)
	if err != nil {
		return nil, err
	}
	return r.execute(exec, listener), nil
}

// RunAsync starts the selected cases on a new goroutine. The run is detached
// from ctx cancellation; only StopRun ends it early.
func (r *runner) RunAsync(ctx context.Context, listener Listener, filterText string) error {
	exec, err := r.begin(context.WithoutCancel(ctx), filterText)
	if err != nil {
		return err
	}
	go func() {
		defer r.ResetExecutionContext()
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("Run panicked", "run_id", exec.runID, "panic", p, "stack", string(debug.Stack()))
				r.deliverPanic(exec, listener, p)
			}
		}()
		r.execute(exec, listener)
	}()
	return nil
}

// deliverPanic owes the listener a final result when the run goroutine
// panicked before handing one over
func (r *runner) deliverPanic(e *execution, listener Listener, p any) {
	if e.finalSent {
		return
	}
	e.finalSent = true
	end := time.Now()
	result := &types.RunResult{
		RunID:     e.runID,
		Status:    types.TestStatusError,
		Duration:  end.Sub(e.start),
		StartTime: e.start,
		EndTime:   end,
		Cancelled: e.ran < e.total,
		Error:     fmt.Sprintf("run panicked: %v", p),
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Listener panicked on final result", "run_id", e.runID, "panic", p)
		}
	}()
	listener.RunFinished(result)
}

// StopRun asks the active run to stop. force also cancels the in-flight case.
func (r *runner) StopRun(force bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.stopRequested.Store(true)
	r.log.Info("Stop requested", "force", force)
	if force && r.cancel != nil {
		r.cancel(errForcedStop)
	}
}

func (r *runner) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scope == nil {
		return ""
	}
	return r.scope.runID
}

func (r *runner) ResetExecutionContext() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.scope = nil
}

// execution is everything one run needs, captured under the lock at start
type execution struct {
	ctx         context.Context
	span        trace.Span
	runID       string
	selected    *types.TestNode
	total       int
	executor    Executor
	timeout     time.Duration
	stopOnError bool
	start       time.Time
	ran         int
	finalSent   bool
	finished    bool
}

func (r *runner) begin(ctx context.Context, filterText string) (*execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tree == nil {
		return nil, ErrNotLoaded
	}
	f, err := filter.Parse(filterText)
	if err != nil {
		return nil, err
	}
	if r.running {
		return nil, ErrRunInProgress
	}
	timeout, err := r.settings.Duration(types.SettingDefaultTimeout, 0)
	if err != nil {
		return nil, err
	}
	stopOnError, err := r.settings.Bool(types.SettingStopOnError, false)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	runCtx, cancel := context.WithCancelCause(ctx)
	runCtx, span := r.tracer.Start(runCtx, fmt.Sprintf("run %s", r.module.Name()))
	span.SetAttributes(attribute.String("run_id", runID))

	selected := r.tree.Prune(f.Match)
	r.running = true
	r.cancel = cancel
	r.scope = &runScope{runID: runID, started: time.Now()}
	r.stopRequested.Store(false)
	metrics.RecordRunStarted()

	r.log.Info("Starting run", "run_id", runID, "testCases", selected.CountTestCases(), "filter", f)
	return &execution{
		ctx:         runCtx,
		span:        span,
		runID:       runID,
		selected:    selected,
		total:       selected.CountTestCases(),
		executor:    r.module.Executor(),
		timeout:     timeout,
		stopOnError: stopOnError,
		start:       time.Now(),
	}, nil
}

// finish clears the running state of e. It runs at most once and also on
// panics out of the listener.
func (r *runner) finish(e *execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.finished {
		return
	}
	e.finished = true
	e.span.End()
	r.running = false
	r.cancel(nil)
	r.cancel = nil
}

func (r *runner) execute(e *execution, listener Listener) *types.RunResult {
	defer r.finish(e)
	listener.RunStarted(e.runID, e.total)
	root := r.runNode(e, e.selected, listener)
	if root == nil {
		root = types.NewTestResult(e.selected, types.TestStatusSkip)
	}

	end := time.Now()
	result := &types.RunResult{
		RunID:     e.runID,
		Status:    root.Status,
		Stats:     root.Stats,
		Duration:  end.Sub(e.start),
		StartTime: e.start,
		EndTime:   end,
		Cancelled: e.ran < e.total || root.Stats.Cancelled > 0,
		Root:      root,
	}
	if e.total == 0 {
		result.Status = types.TestStatusPass
	}

	if result.Cancelled {
		e.span.SetStatus(codes.Error, "cancelled")
	}
	// the listener sees an idle runner by the time the final result arrives
	r.finish(e)

	metrics.RecordRunFinished(result.Status, result.Cancelled, result.Duration)
	r.log.Info("Run finished", "run_id", e.runID, "status", result.Status,
		"total", result.Stats.Total, "passed", result.Stats.Passed, "failed", result.Stats.Failed,
		"cancelled", result.Cancelled, "duration", result.Duration)

	e.finalSent = true
	listener.RunFinished(result)
	return result
}

// runNode executes node and returns its result, or nil when nothing under it ran
func (r *runner) runNode(e *execution, node *types.TestNode, listener Listener) *types.TestResult {
	if node.IsTestCase() {
		if r.stopRequested.Load() || e.ctx.Err() != nil {
			return nil
		}
		listener.TestStarted(node)
		res := r.runTestCase(e, node)
		e.ran++
		res.Stats = types.ResultStats{}
		res.Stats.Add(res.Status)
		metrics.RecordTestCase(res.Status)
		listener.TestFinished(res)
		if e.stopOnError && (res.Status == types.TestStatusFail || res.Status == types.TestStatusError) {
			r.log.Info("Stopping after failure", "test", node.FullName)
			r.stopRequested.Store(true)
		}
		return res
	}

	res := types.NewTestResult(node, types.TestStatusPass)
	var statuses []types.TestStatus
	for _, c := range node.Children {
		cr := r.runNode(e, c, listener)
		if cr == nil {
			continue
		}
		if res.StartTime.IsZero() {
			res.StartTime = cr.StartTime
		}
		res.EndTime = cr.EndTime
		res.Children = append(res.Children, cr)
		res.Stats.Merge(cr.Stats)
		statuses = append(statuses, cr.Status)
	}
	if len(res.Children) == 0 && node != e.selected {
		return nil
	}
	res.Status = types.DetermineStatus(statuses)
	res.Duration = res.EndTime.Sub(res.StartTime)
	return res
}

func (r *runner) runTestCase(e *execution, node *types.TestNode) *types.TestResult {
	ctx, span := r.tracer.Start(e.ctx, fmt.Sprintf("test %s", node.Name))
	defer span.End()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout+timeoutGrace)
		defer cancel()
	}

	r.log.Info("Running test", "test", node.Name, "package", node.Package, "id", node.ID)
	start := time.Now()
	res := r.executeCase(ctx, e, node)
	finishResult(res, node, start)
	if res.Status == types.TestStatusFail || res.Status == types.TestStatusError {
		span.SetStatus(codes.Error, res.Message)
	}
	return res
}

type caseOutcome struct {
	res *types.TestResult
	err error
}

// executeCase runs node on the executor. A forced stop abandons an executor
// that does not return once its context is done.
func (r *runner) executeCase(ctx context.Context, e *execution, node *types.TestNode) *types.TestResult {
	done := make(chan caseOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("Test executor panicked", "test", node.FullName, "panic", p)
				res := types.NewTestResult(node, types.TestStatusError)
				res.Message = fmt.Sprintf("executor panic: %v", p)
				res.Output = string(debug.Stack())
				done <- caseOutcome{res: res}
			}
		}()
		res, err := e.executor.Execute(ctx, node)
		done <- caseOutcome{res: res, err: err}
	}()

	var out caseOutcome
	select {
	case out = <-done:
	case <-e.ctx.Done():
		select {
		case out = <-done:
		case <-time.After(abandonGrace):
			r.log.Warn("Abandoning test that ignored the stop", "test", node.FullName)
		}
	}

	res, err := out.res, out.err
	switch {
	case e.ctx.Err() != nil:
		// forced stop wins over whatever the executor reported
		res = types.NewTestResult(node, types.TestStatusCancelled)
		res.Message = context.Cause(e.ctx).Error()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		if res == nil {
			res = types.NewTestResult(node, types.TestStatusFail)
		}
		res.Status = types.TestStatusFail
		res.TimedOut = true
		res.Message = fmt.Sprintf("test timed out after %v", e.timeout)
	case err != nil:
		r.log.Error("Failed to execute test", "test", node.FullName, "err", err)
		metrics.RecordErrorDetails("execute", err)
		res = types.NewTestResult(node, types.TestStatusError)
		res.Message = err.Error()
	case res == nil:
		res = types.NewTestResult(node, types.TestStatusError)
		res.Message = "executor returned no result"
	}
	return res
}

// finishResult makes sure the identity and timing fields describe node
func finishResult(res *types.TestResult, node *types.TestNode, start time.Time) {
	res.ID = node.ID
	res.Name = node.Name
	res.FullName = node.FullName
	res.Type = node.Type
	res.Package = node.Package
	if !res.Status.IsValid() {
		res.Status = types.TestStatusError
	}
	if res.StartTime.IsZero() {
		res.StartTime = start
	}
	if res.EndTime.IsZero() {
		res.EndTime = time.Now()
	}
	if res.Duration == 0 {
		res.Duration = res.EndTime.Sub(res.StartTime)
	}
}
