package builder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-testctl/runner"
	"github.com/ethereum-optimism/infra/op-testctl/types"
)

// ErrSkip marks a StaticFunc outcome as skipped
var ErrSkip = errors.New("skipped")

// Skip returns an error that makes a StaticFunc report a skip with reason
func Skip(reason string) error {
	return fmt.Errorf("%w: %s", ErrSkip, reason)
}

// StaticFunc is an in-process test case. A nil error passes, an ErrSkip
// skips, anything else fails. A forced stop cancels ctx; a function that
// ignores it is left running in the background while the run reports the
// case cancelled.
type StaticFunc func(ctx context.Context) error

// StaticModule is a pre-resolved module whose cases run in-process. It is
// what embedders hand to a controller when they already hold their tests.
type StaticModule struct {
	name string

	mu    sync.RWMutex
	root  *types.TestNode
	pkgs  map[string]*types.TestNode
	funcs map[string]StaticFunc
}

var (
	_ runner.Module   = (*StaticModule)(nil)
	_ runner.Executor = (*StaticModule)(nil)
)

// NewStaticModule creates an empty module
func NewStaticModule(name string) *StaticModule {
	return &StaticModule{
		name:  name,
		root:  types.NewModuleNode(name, name),
		pkgs:  make(map[string]*types.TestNode),
		funcs: make(map[string]StaticFunc),
	}
}

// Add registers a test case under pkg. Cases run in the order added.
func (m *StaticModule) Add(pkg, name string, fn StaticFunc, categories ...string) *StaticModule {
	m.mu.Lock()
	defer m.mu.Unlock()
	pkgNode, ok := m.pkgs[pkg]
	if !ok {
		pkgNode = m.root.AddChild(types.NewPackageNode(pkg))
		m.pkgs[pkg] = pkgNode
	}
	test := pkgNode.AddChild(types.NewTestNode(pkg, name, categories...))
	m.funcs[test.FullName] = fn
	return m
}

func (m *StaticModule) Name() string { return m.name }

func (m *StaticModule) Tests(context.Context) (*types.TestNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root.Clone(), nil
}

func (m *StaticModule) Executor() runner.Executor { return m }

// Execute runs the registered function for test
func (m *StaticModule) Execute(ctx context.Context, test *types.TestNode) (res *types.TestResult, err error) {
	m.mu.RLock()
	fn, ok := m.funcs[test.FullName]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown test %s", test.FullName)
	}

	start := time.Now()
	res = types.NewTestResult(test, types.TestStatusPass)
	res.StartTime = start
	defer func() {
		if p := recover(); p != nil {
			res.Status = types.TestStatusFail
			res.Message = fmt.Sprintf("panic: %v", p)
		}
		res.EndTime = time.Now()
		res.Duration = res.EndTime.Sub(start)
	}()

	runErr := fn(ctx)
	switch {
	case runErr == nil:
	case errors.Is(runErr, ErrSkip):
		res.Status = types.TestStatusSkip
		res.Message = runErr.Error()
	case ctx.Err() != nil && errors.Is(runErr, ctx.Err()):
		return res, runErr
	default:
		res.Status = types.TestStatusFail
		res.Message = runErr.Error()
	}
	return res, nil
}
