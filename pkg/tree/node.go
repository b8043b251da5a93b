// Package tree is the output/input representation the template engine
// produces on decode and consumes on encode: an ordered tree of data
// nodes, one per descriptor actually visited during a walk.
package tree

import "github.com/madpsy/bufrkit/pkg/descriptor"

// AttrKind is the closed enum of attribute kinds Wiring attaches to a
// node; the enum is closed so renderers can rely on it.
type AttrKind int

const (
	AttrAssociated AttrKind = iota
	AttrQualityInfo
	AttrSubstitution
	AttrFirstOrder
	AttrDifference
	AttrReplacement
)

// Value is the sum type carried by a leaf node's value slot: exactly one
// of int64, float64, string, []byte or nil (BUFR's missing value).
type Value interface{}

// Node is one entry in the decoded/encoded tree.
type Node struct {
	DescriptorID ID
	Kind         descriptor.Kind

	// Element metadata reference, borrowed from the Tables store. Nil for
	// non-element kinds.
	Element *descriptor.Element

	// Values holds one entry per subset for a leaf node. In the compressed
	// case it also holds the resolved value for every subset (the minimum
	// and deltas are not kept), so callers never need to know the wire
	// layout.
	Values []Value

	// NBitsDelta records the delta width for a compressed numeric leaf (0
	// means "all subsets identical"); zero for uncompressed leaves.
	NBitsDelta int

	// Children holds ordered sub-nodes for Replication and Sequence kinds.
	// For Replication, children are the repeats in order, after the
	// delayed-count node when the replication is delayed.
	Children  []*Node
	GroupSize int // for Replication: number of descriptors per repeat group

	// Attributes holds attached attribute nodes, keyed by kind. Populated
	// by pkg/wiring after decode; encode ignores it and replays Children.
	Attributes map[AttrKind]*Node

	// Owner is set on Marker nodes to the class-0 element node they were
	// resolved against via bitmap, since a marker's position in the flat
	// list is unrelated to its owner's position.
	Owner *Node

	// MarkerKind records which bitmap produced a Marker node (substitution,
	// quality-info, first-order, difference, replacement), so Wire can
	// pick the right attribute slot on the owner.
	MarkerKind descriptor.MarkerKind

	// EffectiveNBits/Scale/Reference record the coder-state-adjusted
	// parameters this node was decoded/encoded with, for diagnostics and
	// template compilation.
	EffectiveNBits      int
	EffectiveScale      int
	EffectiveReference  int64

	// Meaning carries the decoded 031021 text for an Associated node,
	// set while walking the owning 204YYY session.
	Meaning string
}

// AttrKindForMarker maps a bitmap marker kind to the attribute slot
// Wiring attaches it under.
func AttrKindForMarker(k descriptor.MarkerKind) AttrKind {
	switch k {
	case descriptor.MarkerQualityInfo:
		return AttrQualityInfo
	case descriptor.MarkerSubstitution:
		return AttrSubstitution
	case descriptor.MarkerFirstOrderStat:
		return AttrFirstOrder
	case descriptor.MarkerDifferenceStat:
		return AttrDifference
	case descriptor.MarkerReplacement:
		return AttrReplacement
	default:
		return AttrAssociated
	}
}

// ID is a local alias so callers can write tree.ID without importing
// descriptor directly for simple cases.
type ID = descriptor.ID

// NewLeaf creates a leaf node with an empty value vector sized for
// nSubsets.
func NewLeaf(id ID, kind descriptor.Kind, elem *descriptor.Element, nSubsets int) *Node {
	return &Node{
		DescriptorID: id,
		Kind:         kind,
		Element:      elem,
		Values:       make([]Value, nSubsets),
	}
}

// NewBranch creates a Replication or Sequence node with no children yet.
func NewBranch(id ID, kind descriptor.Kind) *Node {
	return &Node{
		DescriptorID: id,
		Kind:         kind,
	}
}

// Label returns the node's display identity: the derived A/S/T/F/D/R
// name for Associated, SkippedLocal and Marker kinds, the plain
// six-digit id for everything else. Renderers and path queries match on
// this, so `.T33007` addresses a substitution marker while `033007`
// addresses the element itself.
func (n *Node) Label() string {
	switch n.Kind {
	case descriptor.KindAssociated:
		return descriptor.Associated{Owner: n.DescriptorID, NBits: n.EffectiveNBits, Meaning: n.Meaning}.String()
	case descriptor.KindSkippedLocal:
		return descriptor.SkippedLocal{Owner: n.DescriptorID, NBits: n.EffectiveNBits}.String()
	case descriptor.KindMarker:
		return descriptor.Marker{Owner: n.DescriptorID, Kind: n.MarkerKind}.String()
	default:
		return n.DescriptorID.String()
	}
}

// SetAttribute attaches an attribute node under the given kind.
func (n *Node) SetAttribute(kind AttrKind, attr *Node) {
	if n.Attributes == nil {
		n.Attributes = make(map[AttrKind]*Node)
	}
	n.Attributes[kind] = attr
}

// IsMissing reports whether the given subset's value is the BUFR missing
// value sentinel.
func (n *Node) IsMissing(subset int) bool {
	if subset < 0 || subset >= len(n.Values) {
		return true
	}
	return n.Values[subset] == nil
}

// Walk calls fn for this node and, recursively, every descendant in
// template (flat) order. Walk follows Children only, never Attributes;
// nodes that wiring attached as attributes stay in their parent's
// Children and are visited there.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Flatten returns every node in template order, matching the pre-wiring
// flat emission order that encoding must reproduce.
func (n *Node) Flatten() []*Node {
	var out []*Node
	n.Walk(func(m *Node) { out = append(out, m) })
	return out
}
