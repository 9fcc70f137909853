package types

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeType defines the type of node in the test tree
type NodeType string

const (
	NodeTypeModule  NodeType = "module"  // Root container for one loadable module
	NodeTypePackage NodeType = "package" // Go package holding test functions
	NodeTypeTest    NodeType = "test"    // Individual test function (a test case)
	NodeTypeSubtest NodeType = "subtest" // Subtest reported while running a test case
)

// FirstNodeID is the sequence number given to the root node when IDs are assigned.
const FirstNodeID = 1000

// TestNode is a node in the structural test tree. It describes what can be
// run, never outcomes.
type TestNode struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	FullName   string      `json:"fullName"`
	Type       NodeType    `json:"type"`
	Package    string      `json:"package,omitempty"`
	Categories []string    `json:"categories,omitempty"`
	Children   []*TestNode `json:"children,omitempty"`

	Parent *TestNode `json:"-"`
}

// NewModuleNode creates the root node of a tree
func NewModuleNode(name, fullName string) *TestNode {
	return &TestNode{
		Name:     name,
		FullName: fullName,
		Type:     NodeTypeModule,
	}
}

// NewPackageNode creates a package container for the given import path
func NewPackageNode(importPath string) *TestNode {
	parts := strings.Split(importPath, "/")
	return &TestNode{
		Name:     parts[len(parts)-1],
		FullName: importPath,
		Type:     NodeTypePackage,
		Package:  importPath,
	}
}

// NewTestNode creates a test case node for a function in a package
func NewTestNode(importPath, funcName string, categories ...string) *TestNode {
	return &TestNode{
		Name:       funcName,
		FullName:   importPath + "." + funcName,
		Type:       NodeTypeTest,
		Package:    importPath,
		Categories: categories,
	}
}

// AddChild appends child and links it back to n
func (n *TestNode) AddChild(child *TestNode) *TestNode {
	child.Parent = n
	n.Children = append(n.Children, child)
	return child
}

// IsTestCase reports whether n is a runnable leaf
func (n *TestNode) IsTestCase() bool {
	return n.Type == NodeTypeTest
}

// Walk visits n and every descendant depth first, in child order.
// Returning false from fn skips the node's children.
func (n *TestNode) Walk(fn func(*TestNode) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// TestCases returns all test case leaves in execution order
func (n *TestNode) TestCases() []*TestNode {
	var cases []*TestNode
	n.Walk(func(node *TestNode) bool {
		if node.IsTestCase() {
			cases = append(cases, node)
		}
		return true
	})
	return cases
}

// CountTestCases returns the number of test case leaves under n
func (n *TestNode) CountTestCases() int {
	count := 0
	n.Walk(func(node *TestNode) bool {
		if node.IsTestCase() {
			count++
		}
		return true
	})
	return count
}

// Find returns the node with the given ID, or nil
func (n *TestNode) Find(id string) *TestNode {
	var found *TestNode
	n.Walk(func(node *TestNode) bool {
		if found != nil {
			return false
		}
		if node.ID == id {
			found = node
			return false
		}
		return true
	})
	return found
}

// Ancestors returns the chain of parents from the immediate parent up to the root
func (n *TestNode) Ancestors() []*TestNode {
	var chain []*TestNode
	for p := n.Parent; p != nil; p = p.Parent {
		chain = append(chain, p)
	}
	return chain
}

// Clone deep-copies the subtree rooted at n. The clone's root has no parent.
func (n *TestNode) Clone() *TestNode {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Parent = nil
	cp.Categories = append([]string(nil), n.Categories...)
	cp.Children = nil
	for _, c := range n.Children {
		cp.AddChild(c.Clone())
	}
	return &cp
}

// Prune returns a copy of the tree keeping only test cases accepted by keep and
// the containers leading to them. The root is always kept, even when empty.
func (n *TestNode) Prune(keep func(*TestNode) bool) *TestNode {
	root := n.shallowCopy()
	for _, c := range n.Children {
		if pc := c.prune(keep); pc != nil {
			root.AddChild(pc)
		}
	}
	return root
}

func (n *TestNode) prune(keep func(*TestNode) bool) *TestNode {
	if n.IsTestCase() {
		if keep(n) {
			return n.shallowCopy()
		}
		return nil
	}
	var kept []*TestNode
	for _, c := range n.Children {
		if pc := c.prune(keep); pc != nil {
			kept = append(kept, pc)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	cp := n.shallowCopy()
	for _, c := range kept {
		cp.AddChild(c)
	}
	return cp
}

func (n *TestNode) shallowCopy() *TestNode {
	cp := *n
	cp.Parent = nil
	cp.Children = nil
	cp.Categories = append([]string(nil), n.Categories...)
	return &cp
}

// AssignIDs numbers every node depth first, starting at FirstNodeID, and
// prepends prefix to each ID. Parent links are repaired along the way.
func (n *TestNode) AssignIDs(prefix string) {
	next := FirstNodeID
	var assign func(node, parent *TestNode)
	assign = func(node, parent *TestNode) {
		node.ID = prefix + strconv.Itoa(next)
		node.Parent = parent
		next++
		for _, c := range node.Children {
			assign(c, node)
		}
	}
	assign(n, nil)
}

// LinkParents restores parent links, e.g. after decoding a tree from JSON
func (n *TestNode) LinkParents() {
	for _, c := range n.Children {
		c.Parent = n
		c.LinkParents()
	}
}

// Validate checks the structural invariants of a tree built by a Builder:
// non-empty names, test cases only as leaves, and unique test case full names.
func (n *TestNode) Validate() error {
	seen := make(map[string]bool)
	var err error
	n.Walk(func(node *TestNode) bool {
		if err != nil {
			return false
		}
		if node.Name == "" {
			err = fmt.Errorf("node %q has an empty name", node.FullName)
			return false
		}
		if node.IsTestCase() && len(node.Children) > 0 {
			err = fmt.Errorf("test case %q cannot have children", node.FullName)
			return false
		}
		if node.IsTestCase() {
			if seen[node.FullName] {
				err = fmt.Errorf("duplicate test %q", node.FullName)
				return false
			}
			seen[node.FullName] = true
		}
		return true
	})
	return err
}
