package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTree() *TestNode {
	root := NewModuleNode("suite", "/work/suite")
	a := root.AddChild(NewPackageNode("example.com/suite/a"))
	a.AddChild(NewTestNode("example.com/suite/a", "TestOne", "smoke"))
	a.AddChild(NewTestNode("example.com/suite/a", "TestTwo"))
	b := root.AddChild(NewPackageNode("example.com/suite/b"))
	b.AddChild(NewTestNode("example.com/suite/b", "TestThree", "slow"))
	return root
}

func TestAssignIDs(t *testing.T) {
	root := sampleTree()
	root.AssignIDs("0-")

	var ids []string
	root.Walk(func(n *TestNode) bool {
		ids = append(ids, n.ID)
		return true
	})
	assert.Equal(t, []string{"0-1000", "0-1001", "0-1002", "0-1003", "0-1004", "0-1005"}, ids)
	assert.Nil(t, root.Parent)
	assert.Same(t, root, root.Children[0].Parent)
	assert.Equal(t, "0-1002", root.Find("0-1002").ID)
	assert.Nil(t, root.Find("missing"))
}

func TestTestCases(t *testing.T) {
	root := sampleTree()
	cases := root.TestCases()
	require.Len(t, cases, 3)
	assert.Equal(t, "example.com/suite/a.TestOne", cases[0].FullName)
	assert.Equal(t, "example.com/suite/b.TestThree", cases[2].FullName)
	assert.Equal(t, 3, root.CountTestCases())
	assert.Equal(t, 2, root.Children[0].CountTestCases())
}

func TestPrune(t *testing.T) {
	root := sampleTree()
	root.AssignIDs("")

	t.Run("keeps matching cases and their containers", func(t *testing.T) {
		pruned := root.Prune(func(n *TestNode) bool { return n.Name == "TestThree" })
		require.Len(t, pruned.Children, 1)
		assert.Equal(t, "b", pruned.Children[0].Name)
		assert.Equal(t, 1, pruned.CountTestCases())
		assert.Equal(t, root.ID, pruned.ID)
		// original untouched
		assert.Equal(t, 3, root.CountTestCases())
	})

	t.Run("root survives when nothing matches", func(t *testing.T) {
		pruned := root.Prune(func(*TestNode) bool { return false })
		assert.Equal(t, NodeTypeModule, pruned.Type)
		assert.Empty(t, pruned.Children)
		assert.Equal(t, 0, pruned.CountTestCases())
	})
}

func TestAncestorsAndClone(t *testing.T) {
	root := sampleTree()
	leaf := root.Children[1].Children[0]
	anc := leaf.Ancestors()
	require.Len(t, anc, 2)
	assert.Equal(t, "b", anc[0].Name)
	assert.Same(t, root, anc[1])

	cp := root.Clone()
	cp.Children[0].Children[0].Categories[0] = "changed"
	assert.Equal(t, "smoke", root.Children[0].Children[0].Categories[0])
	assert.Same(t, cp.Children[0], cp.Children[0].Children[0].Parent)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TestNode)
		wantErr string
	}{
		{
			name:   "valid tree",
			mutate: func(*TestNode) {},
		},
		{
			name: "duplicate test",
			mutate: func(root *TestNode) {
				root.Children[0].AddChild(NewTestNode("example.com/suite/a", "TestOne"))
			},
			wantErr: "duplicate test",
		},
		{
			name: "empty name",
			mutate: func(root *TestNode) {
				root.Children[1].Name = ""
			},
			wantErr: "empty name",
		},
		{
			name: "test case with children",
			mutate: func(root *TestNode) {
				root.Children[0].Children[0].AddChild(NewTestNode("x", "TestX"))
			},
			wantErr: "cannot have children",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := sampleTree()
			tt.mutate(root)
			err := root.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
