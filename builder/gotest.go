// Package builder contains the module builders: Go source discovery, YAML
// manifests, and in-process static modules.
package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testctl/runner"
	"github.com/ethereum-optimism/infra/op-testctl/types"
)

// GoTestBuilder builds modules from a directory holding a go.mod, discovering
// test functions from source and running them with go test
type GoTestBuilder struct {
	Log log.Logger
}

// NewGoTestBuilder creates a builder that logs to lgr
func NewGoTestBuilder(lgr log.Logger) *GoTestBuilder {
	if lgr == nil {
		lgr = log.Root()
	}
	return &GoTestBuilder{Log: lgr}
}

// Build resolves ref to a Go module directory
func (b *GoTestBuilder) Build(ctx context.Context, ref string, settings types.Settings) (runner.Module, error) {
	dir, err := moduleDir(ref)
	if err != nil {
		return nil, err
	}
	modulePath, err := ModulePath(dir)
	if err != nil {
		return nil, err
	}
	executor, err := newExecutor(dir, settings, b.Log)
	if err != nil {
		return nil, err
	}
	b.Log.Debug("Built go test module", "dir", dir, "module", modulePath)
	return &goModule{
		name:       modulePath,
		dir:        dir,
		executor:   executor,
		categories: settings.Strings(types.SettingCategories),
	}, nil
}

func moduleDir(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("module reference cannot be empty")
	}
	dir, err := filepath.Abs(ref)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", ref, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("module %s: %w", ref, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("module %s is not a directory", ref)
	}
	return dir, nil
}

func newExecutor(dir string, settings types.Settings, lgr log.Logger) (*runner.GoTestExecutor, error) {
	timeout, err := settings.Duration(types.SettingDefaultTimeout, 0)
	if err != nil {
		return nil, err
	}
	return runner.NewGoTestExecutor(runner.ExecutorConfig{
		WorkDir:  dir,
		GoBinary: settings.String(types.SettingGoBinary, runner.DefaultGoBinary),
		Timeout:  timeout,
		Log:      lgr,
	})
}

type goModule struct {
	name       string
	dir        string
	executor   runner.Executor
	categories []string
}

func (m *goModule) Name() string { return m.name }

func (m *goModule) Executor() runner.Executor { return m.executor }

// Tests rediscovers the module's tests so reloading picks up source changes
func (m *goModule) Tests(ctx context.Context) (*types.TestNode, error) {
	pkgs, err := DiscoverPackages(m.dir)
	if err != nil {
		return nil, err
	}
	root := types.NewModuleNode(filepath.Base(m.dir), m.dir)
	for _, pkg := range pkgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pkgNode := root.AddChild(types.NewPackageNode(pkg.ImportPath))
		for _, fn := range pkg.Tests {
			cats := append(append([]string(nil), m.categories...), fn.Categories...)
			pkgNode.AddChild(types.NewTestNode(pkg.ImportPath, fn.Name, cats...))
		}
	}
	return root, nil
}
