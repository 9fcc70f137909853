package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testctl/types"
)

var _ Executor = (*GoTestExecutor)(nil)

// Executor runs one test case. Failures of the test itself belong in the
// returned result; an error means the case could not be executed at all.
type Executor interface {
	Execute(ctx context.Context, test *types.TestNode) (*types.TestResult, error)
}

// ExecutorConfig configures a GoTestExecutor
type ExecutorConfig struct {
	WorkDir     string        // Module directory go test runs in
	GoBinary    string        // Path to the Go binary
	Timeout     time.Duration // Passed to go test -timeout when set
	Log         log.Logger
	EnvProvider func() []string // Child environment, defaults to os.Environ
	CmdBuilder  func(ctx context.Context, name string, arg ...string) *exec.Cmd
	Parser      OutputParser
}

// GoTestExecutor runs each test case as its own go test -json invocation
type GoTestExecutor struct {
	workDir     string
	goBinary    string
	timeout     time.Duration
	log         log.Logger
	envProvider func() []string
	cmdBuilder  func(ctx context.Context, name string, arg ...string) *exec.Cmd
	parser      OutputParser
}

// NewGoTestExecutor creates a new go test executor
func NewGoTestExecutor(cfg ExecutorConfig) (*GoTestExecutor, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work directory cannot be empty")
	}
	if cfg.GoBinary == "" {
		cfg.GoBinary = DefaultGoBinary
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.EnvProvider == nil {
		cfg.EnvProvider = os.Environ
	}
	if cfg.CmdBuilder == nil {
		cfg.CmdBuilder = exec.CommandContext
	}
	if cfg.Parser == nil {
		cfg.Parser = NewOutputParser()
	}
	return &GoTestExecutor{
		workDir:     cfg.WorkDir,
		goBinary:    cfg.GoBinary,
		timeout:     cfg.Timeout,
		log:         cfg.Log,
		envProvider: cfg.EnvProvider,
		cmdBuilder:  cfg.CmdBuilder,
		parser:      cfg.Parser,
	}, nil
}

// Execute runs a single test function with go test
func (e *GoTestExecutor) Execute(ctx context.Context, test *types.TestNode) (*types.TestResult, error) {
	if test == nil || !test.IsTestCase() {
		return nil, fmt.Errorf("can only execute test cases")
	}
	if test.Package == "" {
		return nil, fmt.Errorf("package cannot be empty for test %s", test.FullName)
	}

	args := e.buildTestArgs(test)
	cmd := e.cmdBuilder(ctx, e.goBinary, args...)
	cmd.Dir = e.workDir
	cmd.Env = telemetry.InstrumentEnvironment(ctx, e.envProvider())
	cmd.WaitDelay = waitDelay

	stdout := newTailBuffer(defaultStdoutTailBytes)
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	e.log.Debug("Running test command",
		"dir", cmd.Dir,
		"package", test.Package,
		"test", test.Name,
		"command", cmd.String(),
		"timeout", e.timeout)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)
	if stdout.Truncated() {
		e.log.Debug("Test output truncated", "test", test.FullName, "bytes", stdout.TotalBytes())
	}

	result := e.parser.Parse(stdout.Bytes(), test)
	if result.StartTime.IsZero() {
		result.StartTime = start
	}
	if result.Duration == 0 {
		result.Duration = duration
	}
	if e.timeout > 0 && duration >= e.timeout && result.Status != types.TestStatusPass {
		result.TimedOut = true
	}

	if runErr != nil {
		exitErr := &exec.ExitError{}
		switch {
		case errors.As(runErr, &exitErr) && exitErr.ExitCode() == 1 && result.Status != types.TestStatusPass:
			// Expected test failure
		case errors.As(runErr, &exitErr) && exitErr.ExitCode() == 2:
			result.Status = types.TestStatusFail
			result.Message = joinMessage("test compilation failed", stderr.String())
		case ctx.Err() != nil:
			// killed by the caller; the runner decides how to label it
			return result, ctx.Err()
		case errors.As(runErr, &exitErr):
			result.Status = types.TestStatusFail
			result.Message = joinMessage(fmt.Sprintf("test execution failed with exit code %d", exitErr.ExitCode()), stderr.String())
		default:
			return nil, fmt.Errorf("failed to run test: %w", runErr)
		}
	} else if stderr.Len() > 0 && result.Status != types.TestStatusPass {
		result.Message = joinMessage(result.Message, "stderr: "+stderr.String())
	}

	return result, nil
}

func (e *GoTestExecutor) buildTestArgs(test *types.TestNode) []string {
	args := []string{TestCommand, JSONFlag, VerboseFlag, CountFlag, DisableCacheCount}
	if e.timeout > 0 {
		args = append(args, TimeoutFlag, e.timeout.String())
	}
	return append(args, test.Package, RunFlag, fmt.Sprintf("^%s$", test.Name))
}

func joinMessage(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}
