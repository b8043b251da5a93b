// Package query implements a small path-expression grammar over a
// decoded/wired tree: `[@<slice>] (<sep><id>[<slice>])+`
// with separators `/` (direct child), `>` (any descendant) and `.`
// (attribute of owner).
package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/madpsy/bufrkit/pkg/tree"
)

// Separator is one of the three path-component relations.
type Separator byte

const (
	SepChild   Separator = '/'
	SepAttr    Separator = '.'
	SepDescend Separator = '>'
)

// Component is one `<sep><id>[<slice>]` segment of a parsed path.
type Component struct {
	Sep   Separator
	ID    string
	Index int // -1 means "match every occurrence" (a bare id with no index)
}

// Path is a fully parsed path expression.
type Path struct {
	SubsetIndex int // -1 means "not specified"; subset filtering is the caller's concern, see Find
	Components  []Component
}

// Parse parses a path expression. Only single-index slices ([N]) are
// supported, not start:stop:step ranges; a bare id with no brackets
// matches every occurrence at that position.
func Parse(expr string) (*Path, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("query: empty path expression")
	}

	p := &Path{SubsetIndex: -1}
	i := 0

	if expr[0] == '@' {
		end := strings.IndexAny(expr[1:], "/>.")
		var slicePart string
		if end < 0 {
			slicePart = expr[1:]
			i = len(expr)
		} else {
			slicePart = expr[1 : 1+end]
			i = 1 + end
		}
		idx, err := parseBracketedIndex(slicePart)
		if err != nil {
			return nil, fmt.Errorf("query: subset selector %q: %w", slicePart, err)
		}
		p.SubsetIndex = idx
	}

	if i >= len(expr) {
		return nil, fmt.Errorf("query: path expression has no components after subset selector")
	}

	for i < len(expr) {
		sep := Separator(expr[i])
		if sep != SepChild && sep != SepAttr && sep != SepDescend {
			return nil, fmt.Errorf("query: unexpected character %q at position %d", expr[i], i)
		}
		i++

		start := i
		for i < len(expr) && expr[i] != '/' && expr[i] != '>' && expr[i] != '.' && expr[i] != '[' {
			i++
		}
		id := strings.TrimSpace(expr[start:i])
		if id == "" {
			return nil, fmt.Errorf("query: empty descriptor id at position %d", start)
		}

		index := -1
		if i < len(expr) && expr[i] == '[' {
			end := strings.IndexByte(expr[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("query: unterminated '[' at position %d", i)
			}
			idx, err := parseBracketedIndex(expr[i : i+end+1])
			if err != nil {
				return nil, fmt.Errorf("query: index at position %d: %w", i, err)
			}
			index = idx
			i += end + 1
		}

		p.Components = append(p.Components, Component{Sep: sep, ID: id, Index: index})
	}

	return p, nil
}

// parseBracketedIndex parses "[N]" or a bare "N" into an integer, or
// returns -1 for an empty bracket ("[]"), meaning "match all".
func parseBracketedIndex(s string) (int, error) {
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	s = strings.TrimSpace(s)
	if s == "" {
		return -1, nil
	}
	return strconv.Atoi(s)
}

// Find resolves a path expression against root and returns the matching
// nodes. The subset selector is parsed but not applied: matched nodes
// carry every subset's value.
func Find(root *tree.Node, expr string) ([]*tree.Node, error) {
	path, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	nodes := []*tree.Node{root}
	for _, comp := range path.Components {
		nodes = stepInto(nodes, comp)
		if len(nodes) == 0 {
			break
		}
	}
	return nodes, nil
}

func stepInto(nodes []*tree.Node, comp Component) []*tree.Node {
	var out []*tree.Node
	for _, n := range nodes {
		switch comp.Sep {
		case SepChild:
			out = append(out, matchByID(n.Children, comp)...)
		case SepAttr:
			out = append(out, matchAttrs(n, comp)...)
		case SepDescend:
			out = append(out, matchDescendants(n, comp)...)
		}
	}
	return out
}

func matchByID(candidates []*tree.Node, comp Component) []*tree.Node {
	var matched []*tree.Node
	for _, c := range candidates {
		if c.Label() == comp.ID {
			matched = append(matched, c)
		}
	}
	return selectIndex(matched, comp.Index)
}

func matchAttrs(n *tree.Node, comp Component) []*tree.Node {
	var matched []*tree.Node
	for _, attr := range n.Attributes {
		if attr.Label() == comp.ID {
			matched = append(matched, attr)
		}
	}
	return selectIndex(matched, comp.Index)
}

// matchDescendants performs a depth-first search of n's children (and
// their attributes) for nodes whose Label() matches comp.ID,
// stopping the recursion at the first match along each branch, per
// the `>` separator selects.
func matchDescendants(n *tree.Node, comp Component) []*tree.Node {
	var matched []*tree.Node
	var walk func(node *tree.Node)
	walk = func(node *tree.Node) {
		for _, c := range node.Children {
			if c.Label() == comp.ID {
				matched = append(matched, c)
				continue
			}
			walk(c)
		}
		for _, a := range node.Attributes {
			if a.Label() == comp.ID {
				matched = append(matched, a)
			}
		}
	}
	walk(n)
	return selectIndex(matched, comp.Index)
}

func selectIndex(nodes []*tree.Node, index int) []*tree.Node {
	if index < 0 {
		return nodes
	}
	if index >= len(nodes) {
		return nil
	}
	return []*tree.Node{nodes[index]}
}
