package testctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testctl/builder"
	"github.com/ethereum-optimism/infra/op-testctl/filter"
	"github.com/ethereum-optimism/infra/op-testctl/report"
	"github.com/ethereum-optimism/infra/op-testctl/runner"
	"github.com/ethereum-optimism/infra/op-testctl/types"
)

func TestExecuteDispatch(t *testing.T) {
	ctx := context.Background()
	c, err := NewForModule(fiveCases(), "", nil)
	require.NoError(t, err)

	rec := newRecorder()
	require.NoError(t, Execute(ctx, c, LoadTests(), rec.callback))
	require.NoError(t, Execute(ctx, c, ExploreTests(smokeFilter), rec.callback))
	require.NoError(t, Execute(ctx, c, CountTests(smokeFilter), rec.callback))
	require.NoError(t, Execute(ctx, c, RunTests(smokeFilter), rec.callback))
	require.NoError(t, Execute(ctx, c, StopRun(false), rec.callback))
	assert.Equal(t, []report.Kind{
		report.KindStructure,
		report.KindStructure,
		report.KindCount,
		report.KindTestCase, report.KindTestCase, report.KindTestRun,
	}, rec.kinds())

	async := newRecorder()
	require.NoError(t, Execute(ctx, c, RunTestsAsync(AllTests), async.callback))
	final := async.waitFinal(t)
	assert.Equal(t, 5, final.Stats.Total)
}

func TestExecuteErrors(t *testing.T) {
	ctx := context.Background()
	err := Execute(ctx, nil, LoadTests(), func(string) {})
	assert.ErrorIs(t, err, ErrNilController)

	c, err := NewForModule(fiveCases(), "", nil)
	require.NoError(t, err)
	err = Execute(ctx, c, Action{Kind: "rerun"}, func(string) {})
	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.True(t, IsUsageError(err))

	err = Execute(ctx, c, CountTests(filter.Empty), func(string) {})
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestParseActionKind(t *testing.T) {
	for _, k := range ActionKinds {
		got, err := ParseActionKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseActionKind("Run")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestActionJSON(t *testing.T) {
	b, err := json.Marshal(StopRun(true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"stop-run","force":true}`, string(b))

	var a Action
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"count","filter":"<filter/>"}`), &a))
	assert.Equal(t, CountTests(filter.Empty), a)
	assert.Equal(t, "count(<filter/>)", a.String())
	assert.Equal(t, "stop-run(force=true)", StopRun(true).String())
	assert.Equal(t, "load", LoadTests().String())
}

// resetCounting wraps the default runner, optionally failing runs
type resetCounting struct {
	runner.TestRunner
	resets  int
	failRun error
}

func (r *resetCounting) Run(ctx context.Context, l runner.Listener, f string) (*types.RunResult, error) {
	if r.failRun != nil {
		return nil, r.failRun
	}
	return r.TestRunner.Run(ctx, l, f)
}

func (r *resetCounting) ResetExecutionContext() {
	r.resets++
	r.TestRunner.ResetExecutionContext()
}

func TestRegisteredEngines(t *testing.T) {
	module := fiveCases()
	wrapped := &resetCounting{}
	require.NoError(t, RegisterBuilder("static-test", func(log.Logger) Builder { return staticBuilder{module} }))
	require.NoError(t, RegisterRunner("counting-test", func(lgr log.Logger) runner.TestRunner {
		wrapped.TestRunner = runner.NewTestRunner(runner.Config{Log: lgr})
		return wrapped
	}))
	assert.Contains(t, Builders(), "static-test")
	assert.Contains(t, Builders(), ManifestBuilder)
	assert.Contains(t, Runners(), "counting-test")
	assert.Error(t, RegisterBuilder("", nil))
	assert.Error(t, RegisterRunner("x", nil))

	ctx := context.Background()
	c, err := NewWithEngines("anything", "", nil, "static-test", "counting-test")
	require.NoError(t, err)
	require.NoError(t, c.Load(ctx, func(string) {}))

	rec := newRecorder()
	require.NoError(t, c.Run(ctx, filter.Empty, rec.callback))
	assert.Equal(t, 1, wrapped.resets)

	// the execution context is reset on failure paths too
	wrapped.failRun = errors.New("runner crashed")
	err = c.Run(ctx, filter.Empty, rec.callback)
	assert.True(t, IsRuntimeError(err))
	assert.ErrorContains(t, err, "runner crashed")
	assert.Equal(t, 2, wrapped.resets)
}

type staticBuilder struct{ module *builder.StaticModule }

func (b staticBuilder) Build(context.Context, string, types.Settings) (runner.Module, error) {
	return b.module, nil
}

func TestTraceWriter(t *testing.T) {
	var buf bytes.Buffer
	c, err := NewForModule(fiveCases(), "", types.Settings{
		types.SettingInternalTraceLevel:  "info",
		types.SettingInternalTraceWriter: &buf,
	})
	require.NoError(t, err)
	require.NoError(t, c.Load(context.Background(), func(string) {}))
	assert.Contains(t, buf.String(), "Loaded tests")

	buf.Reset()
	c, err = NewForModule(fiveCases(), "", types.Settings{
		types.SettingInternalTraceLevel:  TraceError,
		types.SettingInternalTraceWriter: &buf,
	})
	require.NoError(t, err)
	require.NoError(t, c.Load(context.Background(), func(string) {}))
	assert.Empty(t, buf.String())
}

func TestTraceFile(t *testing.T) {
	dir := t.TempDir()
	c, err := NewForModule(fiveCases(), "", types.Settings{
		types.SettingInternalTraceLevel: "Verbose",
		types.SettingWorkDirectory:      dir,
	})
	require.NoError(t, err)
	require.NoError(t, c.Load(context.Background(), func(string) {}))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	data, err := os.ReadFile(TraceFileName(dir, "suite"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Loaded tests")

	// Off never opens a file
	off := t.TempDir()
	_, err = NewForModule(fiveCases(), "", types.Settings{
		types.SettingInternalTraceLevel: TraceOff,
		types.SettingWorkDirectory:      off,
	})
	require.NoError(t, err)
	entries, err := os.ReadDir(off)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTraceFileName(t *testing.T) {
	want := func(base string) string {
		return filepath.Join("/work", fmt.Sprintf(TraceFilePattern, os.Getpid(), base))
	}
	assert.Equal(t, want("mod"), TraceFileName("/work", "/src/mod/"))
	assert.Equal(t, want("mod"), TraceFileName("/work", "example.com/mod"))
	assert.Equal(t, want("module"), TraceFileName("/work", ""))
}
