// Package filter decodes the XML test selection predicates accepted by the
// runner and evaluates them against nodes of a loaded test tree.
//
// A filter document has a single <filter> root whose children are ANDed:
//
//	<filter>
//	  <or><cat>smoke</cat><test>example.com/pkg.TestFoo</test></or>
//	  <not><name re="1">^TestSlow</name></not>
//	</filter>
//
// <filter/> selects every test case.
package filter

import (
	"encoding/xml"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum-optimism/infra/op-testctl/types"
)

// Empty is the filter that selects every test case
const Empty = "<filter/>"

// ErrInvalidFilter is returned for text that is not a well formed filter document
var ErrInvalidFilter = errors.New("invalid filter")

type predicate func(*types.TestNode) bool

// Filter is a compiled test selection predicate
type Filter struct {
	text  string
	match predicate
	empty bool
}

type element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []element  `xml:",any"`
}

// Parse compiles filter text. The empty string is not a filter and is rejected.
func Parse(text string) (*Filter, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidFilter)
	}
	var root element
	if err := xml.Unmarshal([]byte(text), &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	if root.XMLName.Local != "filter" {
		return nil, fmt.Errorf("%w: root element must be <filter>, got <%s>", ErrInvalidFilter, root.XMLName.Local)
	}
	match, err := compileAll(root.Children)
	if err != nil {
		return nil, err
	}
	return &Filter{text: text, match: match, empty: len(root.Children) == 0}, nil
}

// MustParse is like Parse but panics on error
func MustParse(text string) *Filter {
	f, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return f
}

// Match reports whether the test case n is selected
func (f *Filter) Match(n *types.TestNode) bool {
	return f.match(n)
}

// IsEmpty reports whether f selects everything
func (f *Filter) IsEmpty() bool {
	return f.empty
}

func (f *Filter) String() string {
	return f.text
}

func compileAll(elems []element) (predicate, error) {
	preds := make([]predicate, 0, len(elems))
	for _, e := range elems {
		p, err := compile(e)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return and(preds), nil
}

func compile(e element) (predicate, error) {
	name := e.XMLName.Local
	switch name {
	case "and", "or":
		if len(e.Children) == 0 {
			return nil, fmt.Errorf("%w: <%s> needs at least one child", ErrInvalidFilter, name)
		}
		preds := make([]predicate, 0, len(e.Children))
		for _, c := range e.Children {
			p, err := compile(c)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		}
		if name == "or" {
			return or(preds), nil
		}
		return and(preds), nil
	case "not":
		if len(e.Children) != 1 {
			return nil, fmt.Errorf("%w: <not> needs exactly one child", ErrInvalidFilter)
		}
		p, err := compile(e.Children[0])
		if err != nil {
			return nil, err
		}
		return func(n *types.TestNode) bool { return !p(n) }, nil
	case "test", "name", "id", "cat", "package":
		if len(e.Children) > 0 {
			return nil, fmt.Errorf("%w: <%s> cannot have child elements", ErrInvalidFilter, name)
		}
		return compileLeaf(name, e)
	}
	return nil, fmt.Errorf("%w: unknown element <%s>", ErrInvalidFilter, name)
}

func compileLeaf(name string, e element) (predicate, error) {
	value := strings.TrimSpace(e.Text)
	if value == "" {
		return nil, fmt.Errorf("%w: <%s> has no value", ErrInvalidFilter, name)
	}
	matches, err := valueMatcher(value, isRegex(e.Attrs))
	if err != nil {
		return nil, fmt.Errorf("%w: <%s>: %v", ErrInvalidFilter, name, err)
	}

	switch name {
	case "test":
		return selfOrAncestor(func(n *types.TestNode) bool { return matches(n.FullName) }), nil
	case "id":
		return selfOrAncestor(func(n *types.TestNode) bool { return matches(n.ID) }), nil
	case "cat":
		return selfOrAncestor(func(n *types.TestNode) bool {
			for _, c := range n.Categories {
				if matches(c) {
					return true
				}
			}
			return false
		}), nil
	case "name":
		return func(n *types.TestNode) bool { return matches(n.Name) }, nil
	default: // package
		return func(n *types.TestNode) bool { return matches(n.Package) }, nil
	}
}

func isRegex(attrs []xml.Attr) bool {
	for _, a := range attrs {
		if a.Name.Local == "re" {
			return a.Value == "1" || strings.EqualFold(a.Value, "true")
		}
	}
	return false
}

func valueMatcher(value string, re bool) (func(string) bool, error) {
	if !re {
		return func(s string) bool { return s == value }, nil
	}
	rx, err := regexp.Compile(value)
	if err != nil {
		return nil, err
	}
	return rx.MatchString, nil
}

func selfOrAncestor(p predicate) predicate {
	return func(n *types.TestNode) bool {
		for cur := n; cur != nil; cur = cur.Parent {
			if p(cur) {
				return true
			}
		}
		return false
	}
}

func and(preds []predicate) predicate {
	return func(n *types.TestNode) bool {
		for _, p := range preds {
			if !p(n) {
				return false
			}
		}
		return true
	}
}

func or(preds []predicate) predicate {
	return func(n *types.TestNode) bool {
		for _, p := range preds {
			if p(n) {
				return true
			}
		}
		return false
	}
}
