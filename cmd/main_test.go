package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testctl "github.com/ethereum-optimism/infra/op-testctl"
	"github.com/ethereum-optimism/infra/op-testctl/builder"
	"github.com/ethereum-optimism/infra/op-testctl/exitcodes"
	"github.com/ethereum-optimism/infra/op-testctl/hosting"
	"github.com/ethereum-optimism/infra/op-testctl/report"
	"github.com/ethereum-optimism/infra/op-testctl/types"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitcodes.Success, exitCode(nil))
	assert.Equal(t, exitcodes.TestFailure, exitCode(testctl.NewTestFailureError("2 failed")))
	assert.Equal(t, exitcodes.RuntimeErr, exitCode(testctl.NewRuntimeError(errors.New("boom"))))
	assert.Equal(t, exitcodes.RuntimeErr, exitCode(testctl.NewUsageError("run", testctl.ErrNotLoaded)))
	assert.Equal(t, exitcodes.RuntimeErr, exitCode(&testctl.LoadError{ModuleRef: "./x", Err: errors.New("no go.mod")}))
	assert.Equal(t, exitcodes.RuntimeErr, exitCode(errors.New("unclassified")))
}

func TestLoadSettings(t *testing.T) {
	settings, err := loadSettings("")
	require.NoError(t, err)
	assert.Nil(t, settings)

	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("DefaultTimeout: 30s\nStopOnError: true\nCategories: [smoke, slow]\n"), 0o644))
	settings, err = loadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "30s", settings.String(types.SettingDefaultTimeout, ""))
	stop, err := settings.Bool(types.SettingStopOnError, false)
	require.NoError(t, err)
	assert.True(t, stop)
	assert.Equal(t, []string{"smoke", "slow"}, settings.Strings(types.SettingCategories))

	require.NoError(t, os.WriteFile(path, []byte("- not\n- a mapping\n"), 0o644))
	_, err = loadSettings(path)
	assert.Error(t, err)
}

func finalPayload(t *testing.T, res *types.RunResult) string {
	payload, err := report.EncodeTestRun(res)
	require.NoError(t, err)
	return payload
}

func TestProgressPrinterFinish(t *testing.T) {
	lgr := testlog.Logger(t, log.LevelInfo)
	root := &types.TestResult{Name: "suite", Type: types.NodeTypeModule}

	testCases := []struct {
		name   string
		result *types.RunResult
		check  func(error) bool
	}{
		{"pass", &types.RunResult{RunID: "r", Status: types.TestStatusPass, Root: root}, func(err error) bool { return err == nil }},
		{"skip", &types.RunResult{RunID: "r", Status: types.TestStatusSkip, Root: root}, func(err error) bool { return err == nil }},
		{"fail", &types.RunResult{RunID: "r", Status: types.TestStatusFail, Root: root}, testctl.IsTestFailureError},
		{"cancelled", &types.RunResult{RunID: "r", Status: types.TestStatusPass, Cancelled: true, Root: root}, testctl.IsTestFailureError},
		{"runner error", &types.RunResult{RunID: "r", Status: types.TestStatusError, Error: "executor died"}, testctl.IsRuntimeError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			p := newProgressPrinter(&out, lgr)
			p.callback(finalPayload(t, tc.result))
			<-p.done
			err := p.finish()
			assert.True(t, tc.check(err), "unexpected error %v", err)
		})
	}

	p := newProgressPrinter(&bytes.Buffer{}, lgr)
	assert.True(t, testctl.IsRuntimeError(p.finish()), "no final result is a runtime error")
}

func serveSuite(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	ipc := filepath.Join(t.TempDir(), "testctl.ipc")
	h, err := hosting.NewHost(hosting.Config{IPCPath: ipc, Log: testlog.Logger(t, log.LevelInfo)})
	require.NoError(t, err)
	pass := func(context.Context) error { return nil }
	h.RegisterModule("suite", builder.NewStaticModule("suite").
		Add("pkg/a", "TestOne", pass, "smoke").
		Add("pkg/a", "TestTwo", pass).
		Add("pkg/b", "TestThree", pass, "smoke"))
	require.NoError(t, h.Start(ctx))
	t.Cleanup(func() { _ = h.Stop(ctx) })
	return ipc
}

func runApp(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	argv := append([]string{"op-testctl", "--log.level", "error"}, args...)
	require.NoError(t, app.RunContext(context.Background(), argv))
	return out.String()
}

func TestDriverCommands(t *testing.T) {
	ipc := serveSuite(t)
	smoke := "<filter><cat>smoke</cat></filter>"

	out := runApp(t, "count", "--endpoint", ipc, "--module-name", "suite", "--filter", smoke)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, "2", lines[len(lines)-1])

	out = runApp(t, "explore", "--endpoint", ipc, "--module-name", "suite", "--filter", smoke, "--id-prefix", "x-")
	assert.Contains(t, out, "TestOne [x-")
	assert.Contains(t, out, "TestThree [x-")
	assert.NotContains(t, out, "TestTwo")
	assert.Contains(t, out, "2 test cases")

	out = runApp(t, "count", "--endpoint", ipc, "--module-name", "suite", "--package", "pkg/a", "--exclude-category", "smoke")
	lines = strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, "1", lines[len(lines)-1])

	for _, async := range []bool{false, true} {
		args := []string{"run", "--endpoint", ipc, "--module-name", "suite"}
		if async {
			args = append(args, "--async")
		}
		out = runApp(t, args...)
		assert.Contains(t, out, "✓ pkg/a.TestOne")
		assert.Contains(t, out, "TOTAL")
	}
}
