// Package compile implements optional template compilation: a dry-run
// leaf-action recorder plus a replay path that can skip descriptor
// lookup and operator interpretation for templates whose shape never
// varies between messages. The trace is plain data, no reflection.
package compile

import (
	"fmt"

	"github.com/madpsy/bufrkit/pkg/bitio"
	"github.com/madpsy/bufrkit/pkg/descriptor"
	"github.com/madpsy/bufrkit/pkg/tree"
)

// LeafKind distinguishes which bit-level primitive a recorded step used.
type LeafKind int

const (
	LeafNumeric LeafKind = iota
	LeafString
	LeafCodeFlag
)

// Step is one recorded leaf action: leaf kind, element id, and the
// effective width/scale/reference the walk resolved.
type Step struct {
	Kind         LeafKind
	DescriptorID descriptor.ID
	Element      *descriptor.Element
	NBits        int
	Scale        int
	Reference    int64
}

// Branch marks a replication node in the walk (fixed, delayed or a
// bitmap capture), a divergence point past which a Trace cannot be
// blindly replayed.
type Branch struct {
	StepIndex    int
	DescriptorID descriptor.ID
}

// Trace is the recorded action sequence for one template.
type Trace struct {
	Steps    []Step
	Branches []Branch
}

// Record flattens an already-decoded tree (the product of one ordinary
// interpreted walk) into the Steps/Branches sequence the engine took to
// produce it. It is a pure projection over the tree's Effective* fields;
// no bits are re-read. Call this once after the first decode of a
// template to build the trace a later message can try to replay.
func Record(root *tree.Node) *Trace {
	t := &Trace{}
	var walk func(n *tree.Node)
	walk = func(n *tree.Node) {
		switch n.Kind {
		case descriptor.KindElement:
			kind, ok := leafKindOf(n.Element)
			if !ok {
				return // synthetic inline-character or delayed-count node: not replayable
			}
			t.Steps = append(t.Steps, Step{
				Kind:         kind,
				DescriptorID: n.DescriptorID,
				Element:      n.Element,
				NBits:        n.EffectiveNBits,
				Scale:        n.EffectiveScale,
				Reference:    n.EffectiveReference,
			})
		case descriptor.KindReplication:
			t.Branches = append(t.Branches, Branch{StepIndex: len(t.Steps), DescriptorID: n.DescriptorID})
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)
	return t
}

func leafKindOf(elem *descriptor.Element) (LeafKind, bool) {
	if elem == nil {
		return 0, false
	}
	switch elem.Type {
	case descriptor.TypeString:
		return LeafString, true
	case descriptor.TypeCode, descriptor.TypeFlag:
		return LeafCodeFlag, true
	default:
		return LeafNumeric, true
	}
}

// Compatible reports whether this trace and other took identical
// delayed-replication / bitmap paths, i.e. whether a trace recorded from
// one message can be trusted to replay a later message of the same
// template. The engine computes `other` by recording a normal
// interpreted decode and compares; a mismatch means fall back to
// interpretation for that message.
func (t *Trace) Compatible(other *Trace) bool {
	if len(t.Branches) != len(other.Branches) || len(t.Steps) != len(other.Steps) {
		return false
	}
	for i := range t.Branches {
		if t.Branches[i] != other.Branches[i] {
			return false
		}
	}
	for i := range t.Steps {
		a, b := t.Steps[i], other.Steps[i]
		// Element pointers differ between recordings of the same template;
		// identity is the resolved leaf-action tuple
		if a.Kind != b.Kind || a.DescriptorID != b.DescriptorID ||
			a.NBits != b.NBits || a.Scale != b.Scale || a.Reference != b.Reference {
			return false
		}
	}
	return true
}

// Replayable reports whether t can be replayed without any dynamic
// branch re-interpretation: no replication of any kind (fixed, delayed
// or bitmap capture) anywhere in the template. Templates with branches always
// fall back to the interpreted walk in this implementation — the trace
// is still recorded and kept for Compatible-checking future decodes,
// but the accelerated bit-reading path in Replay only applies to
// branch-free templates, which cover most single-level synoptic and
// upper-air templates but not delayed-replication-heavy ones.
func (t *Trace) Replayable() bool {
	return len(t.Branches) == 0
}

// Replay re-runs a branch-free trace against a fresh bit stream, reading
// exactly the recorded widths in the recorded order with no table
// lookup and no operator interpretation. It returns one flat-leaf root per subset,
// mirroring what an interpreted walk over the same bytes would produce
// for the element nodes (container Sequence/Replication nodes are not
// reconstructed, since a branch-free trace has none).
func Replay(t *Trace, r *bitio.Reader, nSubsets int) (*tree.Node, error) {
	if !t.Replayable() {
		return nil, fmt.Errorf("compile: trace has %d dynamic branch point(s), cannot replay without interpretation", len(t.Branches))
	}
	root := tree.NewBranch(0, descriptor.KindSequence)
	for s := 0; s < nSubsets; s++ {
		subsetRoot := tree.NewBranch(0, descriptor.KindSequence)
		for _, step := range t.Steps {
			node, err := replayStep(step, r)
			if err != nil {
				return nil, err
			}
			subsetRoot.Children = append(subsetRoot.Children, node)
		}
		root.Children = append(root.Children, subsetRoot)
	}
	return root, nil
}

func replayStep(step Step, r *bitio.Reader) (*tree.Node, error) {
	node := tree.NewLeaf(step.DescriptorID, descriptor.KindElement, step.Element, 1)
	node.EffectiveNBits, node.EffectiveScale, node.EffectiveReference = step.NBits, step.Scale, step.Reference

	switch step.Kind {
	case LeafString:
		s, err := r.ReadString(step.NBits)
		if err != nil {
			return nil, err
		}
		if bitio.AllSpaces(s) {
			node.Values[0] = nil
		} else {
			node.Values[0] = s
		}
	case LeafCodeFlag:
		raw, err := r.ReadUint(step.NBits)
		if err != nil {
			return nil, err
		}
		if bitio.AllOnes(raw, step.NBits) {
			node.Values[0] = nil
		} else {
			node.Values[0] = int64(raw)
		}
	default: // LeafNumeric
		raw, err := r.ReadUint(step.NBits)
		if err != nil {
			return nil, err
		}
		if bitio.AllOnes(raw, step.NBits) {
			node.Values[0] = nil
		} else {
			node.Values[0] = physicalValue(int64(raw)+step.Reference, step.Scale)
		}
	}
	return node, nil
}

func physicalValue(raw int64, scale int) tree.Value {
	if scale == 0 {
		return raw
	}
	physical := float64(raw)
	for i := 0; i < scale; i++ {
		physical /= 10
	}
	for i := 0; i > scale; i-- {
		physical *= 10
	}
	return physical
}
