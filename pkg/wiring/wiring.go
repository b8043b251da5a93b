// Package wiring implements the post-decode data wiring stage:
// re-attaching Associated and Marker nodes produced inline by the
// template engine to their owning element node, keyed by a closed
// attribute enum, without re-reading any bits.
package wiring

import (
	"fmt"

	"github.com/madpsy/bufrkit/pkg/descriptor"
	"github.com/madpsy/bufrkit/pkg/tree"
)

// Wire walks root's flat (template-order) children recursively and
// attaches every Associated/Marker node it finds to its owner's
// Attributes map. It does not remove the original nodes from their
// parent's Children slice: the same node is reachable both by a plain
// flat walk (so Encode can replay the exact pre-wiring bit order) and
// via Attributes (so callers like pkg/query see the hierarchical,
// attribute-bearing view).
func Wire(root *tree.Node) error {
	return wireChildren(root.Children)
}

func wireChildren(nodes []*tree.Node) error {
	for i, n := range nodes {
		switch n.Kind {
		case descriptor.KindAssociated:
			owner := nextElementSibling(nodes, i)
			if owner == nil {
				return fmt.Errorf("wiring: associated field for %s has no following element to attach to", n.DescriptorID)
			}
			owner.SetAttribute(tree.AttrAssociated, n)

		case descriptor.KindMarker:
			if n.Owner == nil {
				return fmt.Errorf("wiring: marker %s was not resolved to an owner during decode", n.DescriptorID)
			}
			n.Owner.SetAttribute(tree.AttrKindForMarker(n.MarkerKind), n)
		}

		if len(n.Children) > 0 {
			if err := wireChildren(n.Children); err != nil {
				return err
			}
		}
	}
	return nil
}

// nextElementSibling returns the first non-attribute-kind sibling after
// index i in the same Children slice: the element the preceding
// Associated node's bits logically belong to (the associated field is
// transmitted immediately before the element it describes).
func nextElementSibling(nodes []*tree.Node, i int) *tree.Node {
	for j := i + 1; j < len(nodes); j++ {
		switch nodes[j].Kind {
		case descriptor.KindAssociated, descriptor.KindMarker:
			continue
		default:
			return nodes[j]
		}
	}
	return nil
}
