package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-testctl/runner"
	"github.com/ethereum-optimism/infra/op-testctl/types"
)

// Manifest selects tests of a Go module into gates. Every gate a test belongs
// to, directly or through inheritance, becomes one of its categories, as does
// "<gate>/<suite>" for suite members.
type Manifest struct {
	Module string       `yaml:"module,omitempty"` // Module directory, relative to the manifest file
	Gates  []GateConfig `yaml:"gates"`
}

// GateConfig represents a collection of tests and suites
type GateConfig struct {
	ID          string                 `yaml:"id"`
	Description string                 `yaml:"description,omitempty"`
	Inherits    []string               `yaml:"inherits,omitempty"`
	Tests       []TestConfig           `yaml:"tests,omitempty"`
	Suites      map[string]SuiteConfig `yaml:"suites,omitempty"`
}

// SuiteConfig groups tests inside a gate
type SuiteConfig struct {
	Description string       `yaml:"description,omitempty"`
	Tests       []TestConfig `yaml:"tests,omitempty"`
}

// TestConfig names a test function, or every test of a package when Name is empty
type TestConfig struct {
	Name       string   `yaml:"name,omitempty"`
	Package    string   `yaml:"package"`
	Categories []string `yaml:"categories,omitempty"`
}

// LoadManifest reads a manifest file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if len(m.Gates) == 0 {
		return nil, fmt.Errorf("manifest %s defines no gates", path)
	}
	return &m, nil
}

// ResolveInheritance returns, for every gate, the set of gate IDs whose tests
// it includes: itself and all its ancestors
func (m *Manifest) ResolveInheritance() (map[string][]string, error) {
	gates := make(map[string]GateConfig, len(m.Gates))
	for _, g := range m.Gates {
		if g.ID == "" {
			return nil, fmt.Errorf("gate without id")
		}
		if _, dup := gates[g.ID]; dup {
			return nil, fmt.Errorf("duplicate gate %q", g.ID)
		}
		gates[g.ID] = g
	}

	resolved := make(map[string][]string, len(gates))
	var resolve func(id string, visiting map[string]bool) ([]string, error)
	resolve = func(id string, visiting map[string]bool) ([]string, error) {
		if r, ok := resolved[id]; ok {
			return r, nil
		}
		if visiting[id] {
			return nil, fmt.Errorf("circular inheritance detected at gate %s", id)
		}
		visiting[id] = true
		defer delete(visiting, id)

		set := []string{id}
		for _, parent := range gates[id].Inherits {
			if _, ok := gates[parent]; !ok {
				return nil, fmt.Errorf("gate %s inherits from non-existent gate %s", id, parent)
			}
			ancestors, err := resolve(parent, visiting)
			if err != nil {
				return nil, err
			}
			for _, a := range ancestors {
				if !contains(set, a) {
					set = append(set, a)
				}
			}
		}
		resolved[id] = set
		return set, nil
	}
	for _, g := range m.Gates {
		if _, err := resolve(g.ID, make(map[string]bool)); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// ManifestBuilder builds modules from a manifest file reference
type ManifestBuilder struct {
	Log log.Logger
}

// NewManifestBuilder creates a manifest builder that logs to lgr
func NewManifestBuilder(lgr log.Logger) *ManifestBuilder {
	if lgr == nil {
		lgr = log.Root()
	}
	return &ManifestBuilder{Log: lgr}
}

// Build loads the manifest at ref
func (b *ManifestBuilder) Build(ctx context.Context, ref string, settings types.Settings) (runner.Module, error) {
	manifestPath, err := filepath.Abs(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", ref, err)
	}
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	if _, err := manifest.ResolveInheritance(); err != nil {
		return nil, fmt.Errorf("failed to resolve gate inheritance: %w", err)
	}

	dir := filepath.Dir(manifestPath)
	if manifest.Module != "" {
		dir = filepath.Join(dir, manifest.Module)
	}
	dir, err = moduleDir(dir)
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
	b.Log.Debug("Built manifest module", "manifest", manifestPath, "dir", dir, "gates", len(manifest.Gates))
	return &manifestModule{
		name:         strings.TrimSuffix(filepath.Base(manifestPath), filepath.Ext(manifestPath)),
		manifestPath: manifestPath,
		dir:          dir,
		modulePath:   modulePath,
		executor:     executor,
		categories:   settings.Strings(types.SettingCategories),
	}, nil
}

type manifestModule struct {
	name         string
	manifestPath string
	dir          string
	modulePath   string
	executor     runner.Executor
	categories   []string
}

func (m *manifestModule) Name() string { return m.name }

func (m *manifestModule) Executor() runner.Executor { return m.executor }

// entry accumulates the categories of one selected test
type entry struct {
	pkg, name  string
	categories []string
}

// Tests rereads the manifest and expands package entries from source
func (m *manifestModule) Tests(ctx context.Context) (*types.TestNode, error) {
	manifest, err := LoadManifest(m.manifestPath)
	if err != nil {
		return nil, err
	}
	inherited, err := manifest.ResolveInheritance()
	if err != nil {
		return nil, err
	}

	// a gate's own tests are tagged with every gate that includes it
	includedBy := make(map[string][]string)
	for gate, ancestors := range inherited {
		for _, a := range ancestors {
			includedBy[a] = append(includedBy[a], gate)
		}
	}

	var order []string
	entries := make(map[string]*entry)
	add := func(pkg, name string, cats []string) {
		key := pkg + "." + name
		e, ok := entries[key]
		if !ok {
			e = &entry{pkg: pkg, name: name, categories: append([]string(nil), m.categories...)}
			entries[key] = e
			order = append(order, key)
		}
		for _, c := range cats {
			if !contains(e.categories, c) {
				e.categories = append(e.categories, c)
			}
		}
	}
	expand := func(tc TestConfig, cats []string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		cats = append(append([]string(nil), cats...), tc.Categories...)
		pkgDir, err := PackageDir(m.dir, m.modulePath, tc.Package)
		if err != nil {
			return err
		}
		importPath, err := ImportPath(m.dir, m.modulePath, pkgDir)
		if err != nil {
			return err
		}
		if tc.Name != "" {
			add(importPath, tc.Name, cats)
			return nil
		}
		fns, err := FindTestFunctions(pkgDir)
		if err != nil {
			return err
		}
		for _, fn := range fns {
			add(importPath, fn.Name, append(append([]string(nil), cats...), fn.Categories...))
		}
		return nil
	}

	for _, gate := range manifest.Gates {
		gateCats := sortedCopy(includedBy[gate.ID])
		for _, tc := range gate.Tests {
			if err := expand(tc, gateCats); err != nil {
				return nil, fmt.Errorf("gate %s: %w", gate.ID, err)
			}
		}
		suiteIDs := make([]string, 0, len(gate.Suites))
		for id := range gate.Suites {
			suiteIDs = append(suiteIDs, id)
		}
		sort.Strings(suiteIDs)
		for _, id := range suiteIDs {
			cats := append(append([]string(nil), gateCats...), gate.ID+"/"+id)
			for _, tc := range gate.Suites[id].Tests {
				if err := expand(tc, cats); err != nil {
					return nil, fmt.Errorf("gate %s suite %s: %w", gate.ID, id, err)
				}
			}
		}
	}

	root := types.NewModuleNode(m.name, m.manifestPath)
	pkgNodes := make(map[string]*types.TestNode)
	for _, key := range order {
		e := entries[key]
		pkgNode, ok := pkgNodes[e.pkg]
		if !ok {
			pkgNode = root.AddChild(types.NewPackageNode(e.pkg))
			pkgNodes[e.pkg] = pkgNode
		}
		pkgNode.AddChild(types.NewTestNode(e.pkg, e.name, e.categories...))
	}
	return root, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedCopy(list []string) []string {
	cp := append([]string(nil), list...)
	sort.Strings(cp)
	return cp
}
