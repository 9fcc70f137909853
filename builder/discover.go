package builder

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/mod/modfile"
)

// CategoryDirective tags a test function with categories, e.g.
//
//	//testctl:category smoke,slow
//	func TestFoo(t *testing.T) {}
const CategoryDirective = "//testctl:category"

// TestFunc is a test function found in a package's _test.go files
type TestFunc struct {
	Name       string
	Categories []string
}

// ModulePath reads the module path from dir/go.mod
func ModulePath(dir string) (string, error) {
	goModPath := filepath.Join(dir, "go.mod")
	goModContent, err := os.ReadFile(goModPath)
	if err != nil {
		return "", fmt.Errorf("failed to read go.mod: %w", err)
	}

	modFile, err := modfile.Parse(goModPath, goModContent, nil)
	if err != nil {
		return "", fmt.Errorf("failed to parse go.mod: %w", err)
	}

	if modFile.Module == nil || modFile.Module.Mod.Path == "" {
		return "", fmt.Errorf("could not find module name in go.mod")
	}
	return modFile.Module.Mod.Path, nil
}

// PackageDir resolves an import path, or a ./relative path, to a directory
// inside the module rooted at moduleDir
func PackageDir(moduleDir, modulePath, pkgPath string) (string, error) {
	var relPath string
	switch {
	case strings.HasPrefix(pkgPath, "./"):
		relPath = strings.TrimPrefix(pkgPath, "./")
	case pkgPath == modulePath:
		relPath = "."
	case strings.HasPrefix(pkgPath, modulePath+"/"):
		relPath = strings.TrimPrefix(pkgPath, modulePath+"/")
	default:
		return "", fmt.Errorf("package %s is not in module %s", pkgPath, modulePath)
	}
	return filepath.Join(moduleDir, filepath.FromSlash(relPath)), nil
}

// ImportPath returns the import path of pkgDir inside the module
func ImportPath(moduleDir, modulePath, pkgDir string) (string, error) {
	rel, err := filepath.Rel(moduleDir, pkgDir)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return modulePath, nil
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside module %s", pkgDir, moduleDir)
	}
	return path.Join(modulePath, filepath.ToSlash(rel)), nil
}

// FindTestFunctions returns the test functions declared in pkgDir's
// _test.go files, in file then declaration order
func FindTestFunctions(pkgDir string) ([]TestFunc, error) {
	entries, err := os.ReadDir(pkgDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read package directory: %w", err)
	}

	var testFunctions []TestFunc
	fset := token.NewFileSet()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_test.go") {
			continue
		}

		filePath := filepath.Join(pkgDir, entry.Name())
		f, err := parser.ParseFile(fset, filePath, nil, parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}

		// Traverse top-level declarations in search of test functions
		for _, decl := range f.Decls {
			funcDecl, ok := decl.(*ast.FuncDecl)
			if !ok || funcDecl.Recv != nil {
				continue
			}
			if !isTestFunc(funcDecl) {
				continue
			}
			testFunctions = append(testFunctions, TestFunc{
				Name:       funcDecl.Name.Name,
				Categories: categories(funcDecl.Doc),
			})
		}
	}

	return testFunctions, nil
}

// DiscoveredPackage is a package holding at least one test function
type DiscoveredPackage struct {
	ImportPath string
	Dir        string
	Tests      []TestFunc
}

// DiscoverPackages walks the module rooted at moduleDir and returns every
// package with tests, sorted by import path. Nested modules, vendor and
// testdata directories, and directories starting with "." or "_" are skipped.
func DiscoverPackages(moduleDir string) ([]DiscoveredPackage, error) {
	modulePath, err := ModulePath(moduleDir)
	if err != nil {
		return nil, err
	}

	var pkgs []DiscoveredPackage
	err = filepath.WalkDir(moduleDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != moduleDir {
			name := d.Name()
			if name == "vendor" || name == "testdata" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
				return filepath.SkipDir
			}
			if _, err := os.Stat(filepath.Join(p, "go.mod")); err == nil {
				return filepath.SkipDir
			}
		}
		tests, err := FindTestFunctions(p)
		if err != nil {
			return err
		}
		if len(tests) == 0 {
			return nil
		}
		importPath, err := ImportPath(moduleDir, modulePath, p)
		if err != nil {
			return err
		}
		pkgs = append(pkgs, DiscoveredPackage{ImportPath: importPath, Dir: p, Tests: tests})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].ImportPath < pkgs[j].ImportPath })
	return pkgs, nil
}

// isTestFunc mirrors go test: TestXxx where Xxx does not start with a lower
// case letter, taking exactly one parameter, and not TestMain
func isTestFunc(fn *ast.FuncDecl) bool {
	name := fn.Name.Name
	if !strings.HasPrefix(name, "Test") || name == "TestMain" {
		return false
	}
	if len(name) > len("Test") {
		r, _ := utf8.DecodeRuneInString(name[len("Test"):])
		if unicode.IsLower(r) {
			return false
		}
	}
	params := fn.Type.Params
	if params == nil || len(params.List) != 1 || len(params.List[0].Names) > 1 {
		return false
	}
	star, ok := params.List[0].Type.(*ast.StarExpr)
	if !ok {
		return false
	}
	sel, ok := star.X.(*ast.SelectorExpr)
	return ok && sel.Sel.Name == "T"
}

func categories(doc *ast.CommentGroup) []string {
	if doc == nil {
		return nil
	}
	var cats []string
	for _, c := range doc.List {
		rest, ok := strings.CutPrefix(c.Text, CategoryDirective)
		if !ok {
			continue
		}
		for _, cat := range strings.FieldsFunc(rest, func(r rune) bool { return r == ',' || unicode.IsSpace(r) }) {
			cats = append(cats, cat)
		}
	}
	return cats
}
