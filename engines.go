package testctl

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testctl/builder"
	"github.com/ethereum-optimism/infra/op-testctl/runner"
	"github.com/ethereum-optimism/infra/op-testctl/types"
)

// Engine names registered by default
const (
	GoTestBuilder   = "gotest"
	ManifestBuilder = "manifest"
	DefaultRunner   = "default"
)

// Builder turns a module reference into a loadable module
type Builder interface {
	Build(ctx context.Context, ref string, settings types.Settings) (runner.Module, error)
}

// BuilderFactory creates a Builder that logs to lgr
type BuilderFactory func(lgr log.Logger) Builder

// RunnerFactory creates a TestRunner that logs to lgr
type RunnerFactory func(lgr log.Logger) runner.TestRunner

var engines = struct {
	mu       sync.RWMutex
	builders map[string]BuilderFactory
	runners  map[string]RunnerFactory
}{
	builders: map[string]BuilderFactory{
		GoTestBuilder:   func(lgr log.Logger) Builder { return builder.NewGoTestBuilder(lgr) },
		ManifestBuilder: func(lgr log.Logger) Builder { return builder.NewManifestBuilder(lgr) },
	},
	runners: map[string]RunnerFactory{
		DefaultRunner: func(lgr log.Logger) runner.TestRunner { return runner.NewTestRunner(runner.Config{Log: lgr}) },
	},
}

// RegisterBuilder makes a Builder available to NewWithEngines under name,
// replacing any earlier registration
func RegisterBuilder(name string, factory BuilderFactory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("builder name and factory are required")
	}
	engines.mu.Lock()
	defer engines.mu.Unlock()
	engines.builders[name] = factory
	return nil
}

// RegisterRunner makes a TestRunner available to NewWithEngines under name,
// replacing any earlier registration
func RegisterRunner(name string, factory RunnerFactory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("runner name and factory are required")
	}
	engines.mu.Lock()
	defer engines.mu.Unlock()
	engines.runners[name] = factory
	return nil
}

// Builders lists the registered builder names
func Builders() []string {
	engines.mu.RLock()
	defer engines.mu.RUnlock()
	return sortedKeys(engines.builders)
}

// Runners lists the registered runner names
func Runners() []string {
	engines.mu.RLock()
	defer engines.mu.RUnlock()
	return sortedKeys(engines.runners)
}

func newBuilder(name string, lgr log.Logger) (Builder, error) {
	engines.mu.RLock()
	factory, ok := engines.builders[name]
	engines.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown builder %q, have %v", name, Builders())
	}
	return factory(lgr), nil
}

func newRunner(name string, lgr log.Logger) (runner.TestRunner, error) {
	engines.mu.RLock()
	factory, ok := engines.runners[name]
	engines.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown runner %q, have %v", name, Runners())
	}
	return factory(lgr), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
