package testctl

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testctl/builder"
	"github.com/ethereum-optimism/infra/op-testctl/filter"
	"github.com/ethereum-optimism/infra/op-testctl/report"
	"github.com/ethereum-optimism/infra/op-testctl/types"
)

const smokeFilter = "<filter><cat>smoke</cat></filter>"

func pass(context.Context) error { return nil }

// fiveCases has two cases in category smoke
func fiveCases() *builder.StaticModule {
	return builder.NewStaticModule("suite").
		Add("pkg/a", "TestOne", pass, "smoke").
		Add("pkg/a", "TestTwo", pass).
		Add("pkg/a", "TestThree", pass).
		Add("pkg/b", "TestFour", pass, "smoke").
		Add("pkg/b", "TestFive", pass)
}

// recorder collects callback payloads and signals the first final message
type recorder struct {
	mu       sync.Mutex
	payloads []string
	once     sync.Once
	final    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{final: make(chan struct{})}
}

func (r *recorder) callback(payload string) {
	r.mu.Lock()
	r.payloads = append(r.payloads, payload)
	r.mu.Unlock()
	if report.KindOf(payload) == report.KindTestRun {
		r.once.Do(func() { close(r.final) })
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func (r *recorder) kinds() []report.Kind {
	var kinds []report.Kind
	for _, p := range r.snapshot() {
		kinds = append(kinds, report.KindOf(p))
	}
	return kinds
}

func (r *recorder) last(t *testing.T) string {
	t.Helper()
	payloads := r.snapshot()
	require.NotEmpty(t, payloads)
	return payloads[len(payloads)-1]
}

func (r *recorder) waitFinal(t *testing.T) *types.RunResult {
	t.Helper()
	select {
	case <-r.final:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the final result")
	}
	result, err := report.DecodeTestRun(r.last(t))
	require.NoError(t, err)
	return result
}

func newLoaded(t *testing.T, module *builder.StaticModule) *Controller {
	t.Helper()
	c, err := NewForModule(module, "", types.Settings{types.SettingInternalTraceLevel: "Off"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	rec := newRecorder()
	require.NoError(t, c.Load(context.Background(), rec.callback))
	return c
}

func TestFiveCasesTwoMatch(t *testing.T) {
	ctx := context.Background()
	c, err := NewForModule(fiveCases(), "", nil)
	require.NoError(t, err)

	rec := newRecorder()
	require.NoError(t, c.Load(ctx, rec.callback))
	require.Len(t, rec.snapshot(), 1)
	structure, err := report.DecodeStructure(rec.last(t))
	require.NoError(t, err)
	assert.Equal(t, 5, structure.TestCaseCount)

	rec = newRecorder()
	require.NoError(t, c.Count(ctx, smokeFilter, rec.callback))
	assert.Equal(t, []string{"2"}, rec.snapshot())

	rec = newRecorder()
	require.NoError(t, c.Run(ctx, smokeFilter, rec.callback))
	assert.Equal(t, []report.Kind{report.KindTestCase, report.KindTestCase, report.KindTestRun}, rec.kinds())

	final := rec.waitFinal(t)
	assert.Equal(t, types.TestStatusPass, final.Status)
	assert.False(t, final.Cancelled)
	assert.Equal(t, 2, final.Stats.Total)
	assert.Equal(t, 2, final.Stats.Passed)
	require.NotNil(t, final.Root)
	assert.Len(t, final.Root.TestCases(), 2)

	payloads := rec.snapshot()
	for i, name := range []string{"TestOne", "TestFour"} {
		progress, err := report.DecodeTestCase(payloads[i])
		require.NoError(t, err)
		assert.Equal(t, i+1, progress.Seq)
		assert.Equal(t, final.RunID, progress.RunID)
		assert.Equal(t, name, progress.Test.Name)
	}
}

func TestCountMatchesExplore(t *testing.T) {
	ctx := context.Background()
	c := newLoaded(t, fiveCases())

	filters := []string{
		filter.Empty,
		smokeFilter,
		"<filter><package>pkg/b</package></filter>",
		"<filter><not><cat>smoke</cat></not></filter>",
		"<filter><name re=\"1\">^TestT</name></filter>",
		"<filter><name>TestNone</name></filter>",
	}
	for _, f := range filters {
		t.Run(f, func(t *testing.T) {
			explored := newRecorder()
			require.NoError(t, c.Explore(ctx, f, explored.callback))
			structure, err := report.DecodeStructure(explored.last(t))
			require.NoError(t, err)

			counted := newRecorder()
			require.NoError(t, c.Count(ctx, f, counted.callback))
			n, err := report.DecodeCount(counted.last(t))
			require.NoError(t, err)

			assert.Equal(t, structure.Root.CountTestCases(), n)
			assert.Equal(t, structure.TestCaseCount, n)
		})
	}
}

func TestExploreAppliesFilter(t *testing.T) {
	c := newLoaded(t, fiveCases())
	rec := newRecorder()
	require.NoError(t, c.Explore(context.Background(), smokeFilter, rec.callback))
	structure, err := report.DecodeStructure(rec.last(t))
	require.NoError(t, err)

	var names []string
	for _, tc := range structure.Root.TestCases() {
		names = append(names, tc.Name)
		assert.Equal(t, tc.Package, tc.Parent.Package)
	}
	assert.Equal(t, []string{"TestOne", "TestFour"}, names)
}

type operation func(c *Controller, f string, cb Callback) error

var filteredOps = map[string]operation{
	"explore": func(c *Controller, f string, cb Callback) error { return c.Explore(context.Background(), f, cb) },
	"count":   func(c *Controller, f string, cb Callback) error { return c.Count(context.Background(), f, cb) },
	"run":     func(c *Controller, f string, cb Callback) error { return c.Run(context.Background(), f, cb) },
	"run-async": func(c *Controller, f string, cb Callback) error {
		return c.RunAsync(context.Background(), f, cb)
	},
}

func TestNotLoaded(t *testing.T) {
	c, err := NewForModule(fiveCases(), "", nil)
	require.NoError(t, err)

	for name, op := range filteredOps {
		for _, f := range []string{filter.Empty, smokeFilter, "<filter><bogus/></filter>"} {
			rec := newRecorder()
			err := op(c, f, rec.callback)
			assert.ErrorIs(t, err, ErrNotLoaded, "%s %s", name, f)
			assert.True(t, IsUsageError(err), name)
			assert.Empty(t, rec.snapshot(), name)
		}
	}
}

func TestNilFilterRejected(t *testing.T) {
	unloaded, err := NewForModule(fiveCases(), "", nil)
	require.NoError(t, err)
	loaded := newLoaded(t, fiveCases())

	for _, c := range []*Controller{unloaded, loaded} {
		for name, op := range filteredOps {
			rec := newRecorder()
			err := op(c, "", rec.callback)
			assert.ErrorIs(t, err, ErrNilFilter, name)
			assert.True(t, IsUsageError(err), name)
			assert.Empty(t, rec.snapshot(), name)
		}
	}
}

func TestNilCallbackRejected(t *testing.T) {
	c := newLoaded(t, fiveCases())
	assert.ErrorIs(t, c.Load(context.Background(), nil), ErrNilCallback)
	for name, op := range filteredOps {
		assert.ErrorIs(t, op(c, filter.Empty, nil), ErrNilCallback, name)
	}
}

func TestInvalidFilterIsUsageError(t *testing.T) {
	c := newLoaded(t, fiveCases())
	for name, op := range filteredOps {
		rec := newRecorder()
		err := op(c, "<filter><bogus/></filter>", rec.callback)
		assert.ErrorIs(t, err, filter.ErrInvalidFilter, name)
		assert.True(t, IsUsageError(err), name)
		assert.Empty(t, rec.snapshot(), name)
	}
	assert.False(t, c.IsRunning())
}

func TestStopRunIdle(t *testing.T) {
	c := newLoaded(t, fiveCases())
	c.StopRun(false)
	c.StopRun(true)
	assert.NoError(t, Execute(context.Background(), c, StopRun(true), nil))

	// a stale stop does not leak into the next run
	rec := newRecorder()
	require.NoError(t, c.Run(context.Background(), filter.Empty, rec.callback))
	final := rec.waitFinal(t)
	assert.False(t, final.Cancelled)
	assert.Equal(t, 5, final.Stats.Passed)
}

func TestReloadReplacesTree(t *testing.T) {
	ctx := context.Background()
	module := fiveCases()
	c := newLoaded(t, module)

	module.Add("pkg/c", "TestSix", pass)
	rec := newRecorder()
	require.NoError(t, c.Load(ctx, rec.callback))

	rec = newRecorder()
	require.NoError(t, c.Count(ctx, filter.Empty, rec.callback))
	assert.Equal(t, []string{"6"}, rec.snapshot())
}

func TestIDPrefix(t *testing.T) {
	c, err := NewForModule(fiveCases(), "7-", nil)
	require.NoError(t, err)
	rec := newRecorder()
	require.NoError(t, c.Load(context.Background(), rec.callback))
	structure, err := report.DecodeStructure(rec.last(t))
	require.NoError(t, err)
	structure.Root.Walk(func(n *types.TestNode) bool {
		assert.Regexp(t, `^7-\d+$`, n.ID)
		return true
	})
	assert.Equal(t, "7-", c.IDPrefix())
	assert.Equal(t, "suite", c.ModuleRef())
}

func TestRunReportsFailuresInTree(t *testing.T) {
	module := builder.NewStaticModule("mixed").
		Add("pkg", "TestPass", pass).
		Add("pkg", "TestFail", func(context.Context) error { return errors.New("want 1, got 2") }).
		Add("pkg", "TestSkip", func(context.Context) error { return builder.Skip("later") })
	c := newLoaded(t, module)

	rec := newRecorder()
	require.NoError(t, c.Run(context.Background(), filter.Empty, rec.callback))
	final := rec.waitFinal(t)
	assert.Equal(t, types.TestStatusFail, final.Status)
	assert.Equal(t, types.ResultStats{Total: 3, Passed: 1, Failed: 1, Skipped: 1}, final.Stats)
	assert.Len(t, rec.snapshot(), 4)
}

func TestRunAsyncForcedStop(t *testing.T) {
	started := make(chan struct{}, 1)
	module := builder.NewStaticModule("slow").
		Add("pkg", "TestBlocks", func(ctx context.Context) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}).
		Add("pkg", "TestNeverRuns", pass)
	c := newLoaded(t, module)

	rec := newRecorder()
	require.NoError(t, c.RunAsync(context.Background(), filter.Empty, rec.callback))
	<-started
	assert.True(t, c.IsRunning())
	c.StopRun(true)

	final := rec.waitFinal(t)
	assert.True(t, final.Cancelled)
	assert.Equal(t, 1, final.Stats.Cancelled)
	require.Eventually(t, func() bool { return !c.IsRunning() }, 5*time.Second, 10*time.Millisecond)

	// nothing arrives after the final message
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []report.Kind{report.KindTestCase, report.KindTestRun}, rec.kinds())
}

func TestRunAsyncCooperativeStop(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	module := builder.NewStaticModule("slow").
		Add("pkg", "TestFirst", func(context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		}).
		Add("pkg", "TestSecond", pass)
	c := newLoaded(t, module)

	rec := newRecorder()
	require.NoError(t, c.RunAsync(context.Background(), filter.Empty, rec.callback))
	<-started
	c.StopRun(false)
	close(release)

	final := rec.waitFinal(t)
	assert.True(t, final.Cancelled)
	// the in-flight case finished normally
	assert.Equal(t, 1, final.Stats.Passed)
	assert.Equal(t, 1, final.Stats.Total)
}

func TestRunAsyncBusy(t *testing.T) {
	started := make(chan struct{}, 1)
	module := builder.NewStaticModule("slow").
		Add("pkg", "TestBlocks", func(ctx context.Context) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		})
	c := newLoaded(t, module)

	rec := newRecorder()
	require.NoError(t, c.RunAsync(context.Background(), filter.Empty, rec.callback))
	<-started

	other := newRecorder()
	err := c.RunAsync(context.Background(), filter.Empty, other.callback)
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, IsUsageError(err))
	err = c.Run(context.Background(), filter.Empty, other.callback)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Empty(t, other.snapshot())

	c.StopRun(true)
	rec.waitFinal(t)
}

func TestRunAsyncOutlivesContext(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	module := builder.NewStaticModule("slow").
		Add("pkg", "TestWaits", func(ctx context.Context) error {
			started <- struct{}{}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	c := newLoaded(t, module)

	ctx, cancel := context.WithCancel(context.Background())
	rec := newRecorder()
	require.NoError(t, c.RunAsync(ctx, filter.Empty, rec.callback))
	<-started
	cancel()
	close(release)

	final := rec.waitFinal(t)
	assert.False(t, final.Cancelled)
	assert.Equal(t, types.TestStatusPass, final.Status)
}

func TestRunResetsExecutionContext(t *testing.T) {
	c := newLoaded(t, fiveCases())
	rec := newRecorder()
	require.NoError(t, c.Run(context.Background(), filter.Empty, rec.callback))
	assert.Empty(t, c.runner.RunID())
}

func TestNewErrors(t *testing.T) {
	_, err := New("", "", nil)
	assert.True(t, IsUsageError(err))

	_, err = NewForModule(nil, "", nil)
	assert.True(t, IsUsageError(err))

	_, err = NewWithEngines(t.TempDir(), "", nil, "nope", DefaultRunner)
	assert.ErrorContains(t, err, "unknown builder")

	_, err = NewWithEngines(t.TempDir(), "", nil, GoTestBuilder, "nope")
	assert.ErrorContains(t, err, "unknown runner")

	_, err = NewForModuleWithRunner(fiveCases(), "", nil, "nope")
	assert.True(t, IsUsageError(err))

	_, err = New(t.TempDir(), "", types.Settings{types.SettingInternalTraceLevel: "Loud"})
	assert.ErrorContains(t, err, "unknown trace level")

	_, err = New(t.TempDir(), "", types.Settings{
		types.SettingInternalTraceLevel:  "Info",
		types.SettingInternalTraceWriter: "stdout",
	})
	assert.ErrorContains(t, err, "not a writer")
}

func TestLoadError(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	c, err := New(missing, "", nil)
	require.NoError(t, err)

	rec := newRecorder()
	err = c.Load(context.Background(), rec.callback)
	assert.True(t, IsLoadError(err))
	assert.Empty(t, rec.snapshot())

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, missing, loadErr.ModuleRef)
}

func TestPanickingCallbackLeavesControllerIdle(t *testing.T) {
	c := newLoaded(t, fiveCases())
	assert.PanicsWithValue(t, "driver bug", func() {
		_ = c.Run(context.Background(), filter.Empty, func(string) { panic("driver bug") })
	})
	assert.False(t, c.IsRunning())

	rec := newRecorder()
	require.NoError(t, c.Run(context.Background(), filter.Empty, rec.callback))
	final := rec.waitFinal(t)
	assert.Equal(t, 5, final.Stats.Passed)
}

func TestPanickingCallbackDuringRunAsync(t *testing.T) {
	c := newLoaded(t, fiveCases())
	rec := newRecorder()
	require.NoError(t, c.RunAsync(context.Background(), filter.Empty, func(payload string) {
		rec.callback(payload)
		if report.KindOf(payload) == report.KindTestCase {
			panic("driver bug")
		}
	}))

	final := rec.waitFinal(t)
	assert.Contains(t, final.Error, "driver bug")
	require.Eventually(t, func() bool { return !c.IsRunning() }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []report.Kind{report.KindTestCase, report.KindTestRun}, rec.kinds())

	rec = newRecorder()
	require.NoError(t, c.RunAsync(context.Background(), filter.Empty, rec.callback))
	assert.Equal(t, 5, rec.waitFinal(t).Stats.Passed)
}

func TestForcedStopRightAfterRunAsync(t *testing.T) {
	module := builder.NewStaticModule("slow").
		Add("pkg", "TestBlocks", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}).
		Add("pkg", "TestNeverRuns", pass)
	c := newLoaded(t, module)

	rec := newRecorder()
	require.NoError(t, c.RunAsync(context.Background(), filter.Empty, rec.callback))
	c.StopRun(true)

	final := rec.waitFinal(t)
	assert.True(t, final.Cancelled)
	assert.Equal(t, 0, final.Stats.Passed)
	require.Eventually(t, func() bool { return !c.IsRunning() }, 5*time.Second, 10*time.Millisecond)

	// at most the in-flight case reports, and the final message is last
	time.Sleep(50 * time.Millisecond)
	kinds := rec.kinds()
	require.LessOrEqual(t, len(kinds), 2)
	assert.Equal(t, report.KindTestRun, kinds[len(kinds)-1])
}
