// Package ui renders test trees and result trees for terminal output.
package ui

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum-optimism/infra/op-testctl/types"
)

// Tree hierarchy symbols using box drawing characters
const (
	TreeBranch     = "├── "
	TreeLastBranch = "└── "
	TreeContinue   = "│   " // parent has more siblings
	TreeIndent     = "    " // parent was last

	BoxTopLeft     = "┌"
	BoxTopRight    = "┐"
	BoxBottomLeft  = "└"
	BoxBottomRight = "┘"
	BoxVertical    = "│"
	BoxHorizontal  = "─"
	BoxTeeRight    = "├"
	BoxTeeLeft     = "┤"
)

// BuildTreePrefix returns the connector for a node at depth. parentIsLast
// holds, per ancestor level below the root, whether that ancestor was the
// last of its siblings.
func BuildTreePrefix(depth int, isLast bool, parentIsLast []bool) string {
	if depth == 0 {
		return ""
	}

	var b strings.Builder
	for i := 0; i < depth-1; i++ {
		if i < len(parentIsLast) && parentIsLast[i] {
			b.WriteString(TreeIndent)
		} else {
			b.WriteString(TreeContinue)
		}
	}
	if isLast {
		b.WriteString(TreeLastBranch)
	} else {
		b.WriteString(TreeBranch)
	}
	return b.String()
}

// StatusIcon is a one-character marker for a status
func StatusIcon(s types.TestStatus) string {
	switch s {
	case types.TestStatusPass:
		return "✓"
	case types.TestStatusFail:
		return "✗"
	case types.TestStatusSkip:
		return "-"
	case types.TestStatusError:
		return "!"
	case types.TestStatusCancelled:
		return "○"
	default:
		return "?"
	}
}

// RenderStructure draws a test tree, one node per line
func RenderStructure(root *types.TestNode) string {
	if root == nil {
		return ""
	}
	var b strings.Builder
	var walk func(n *types.TestNode, depth int, isLast bool, parents []bool)
	walk = func(n *types.TestNode, depth int, isLast bool, parents []bool) {
		b.WriteString(BuildTreePrefix(depth, isLast, parents))
		b.WriteString(n.Name)
		if n.ID != "" {
			fmt.Fprintf(&b, " [%s]", n.ID)
		}
		if len(n.Categories) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(n.Categories, ", "))
		}
		b.WriteString("\n")
		for i, c := range n.Children {
			walk(c, depth+1, i == len(n.Children)-1, childParents(parents, depth, isLast))
		}
	}
	walk(root, 0, true, nil)
	return b.String()
}

// RenderResults draws a result tree with a status icon and duration per node.
// Failure messages are shown under the node that produced them.
func RenderResults(root *types.TestResult) string {
	if root == nil {
		return ""
	}
	var b strings.Builder
	var walk func(r *types.TestResult, depth int, isLast bool, parents []bool)
	walk = func(r *types.TestResult, depth int, isLast bool, parents []bool) {
		prefix := BuildTreePrefix(depth, isLast, parents)
		fmt.Fprintf(&b, "%s%s %s (%s)\n", prefix, StatusIcon(r.Status), r.Name, r.Duration.Round(time.Millisecond))
		next := childParents(parents, depth, isLast)
		if r.Message != "" && r.Status != types.TestStatusPass {
			indent := BuildTreePrefix(depth+1, true, next)
			fmt.Fprintf(&b, "%s%s\n", indent, firstLine(r.Message))
		}
		for i, c := range r.Children {
			walk(c, depth+1, i == len(r.Children)-1, next)
		}
	}
	walk(root, 0, true, nil)
	return b.String()
}

// childParents extends parents with the position of a node at depth. The
// root contributes nothing since it has no connector.
func childParents(parents []bool, depth int, isLast bool) []bool {
	if depth == 0 {
		return nil
	}
	next := make([]bool, len(parents), len(parents)+1)
	copy(next, parents)
	return append(next, isLast)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// BuildBoxHeader creates a box header with the given title and width
func BuildBoxHeader(title string, width int) string {
	titleLen := utf8.RuneCountInString(title)
	if width < titleLen+4 { // minimum space for borders and padding
		width = titleLen + 4
	}
	padding := width - 4 - titleLen

	header := BoxTopLeft + repeatString(BoxHorizontal, width-2) + BoxTopRight + "\n"
	header += BoxVertical + " " + title + repeatString(" ", padding+1) + BoxVertical + "\n"
	header += BoxTeeRight + repeatString(BoxHorizontal, width-2) + BoxTeeLeft + "\n"
	return header
}

// BuildBoxFooter creates a box footer with the given width
func BuildBoxFooter(width int) string {
	return BoxBottomLeft + repeatString(BoxHorizontal, width-2) + BoxBottomRight + "\n"
}

func repeatString(s string, n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat(s, n)
}
