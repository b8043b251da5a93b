package engine

import (
	"fmt"
	"math"

	"github.com/madpsy/bufrkit/pkg/bitio"
	"github.com/madpsy/bufrkit/pkg/coder"
	"github.com/madpsy/bufrkit/pkg/descriptor"
	"github.com/madpsy/bufrkit/pkg/tables"
	"github.com/madpsy/bufrkit/pkg/tree"
)

// Decoder walks an unexpanded descriptor list against a bit stream,
// producing a data tree. It is the
// "decode" realisation of the shared template processing engine.
type Decoder struct {
	r         *bitio.Reader
	provider  tables.Provider
	compressed bool
	nSubsets  int
	trail     []string
}

// NewDecoder returns a Decoder reading from r against provider, for a
// message section 3 declaring compressed and nSubsets.
func NewDecoder(r *bitio.Reader, provider tables.Provider, compressed bool, nSubsets int) *Decoder {
	return &Decoder{r: r, provider: provider, compressed: compressed, nSubsets: nSubsets}
}

func (d *Decoder) push(id descriptor.ID) { d.trail = append(d.trail, id.String()) }
func (d *Decoder) pop()                  { d.trail = d.trail[:len(d.trail)-1] }

func (d *Decoder) err(kind Kind, format string, args ...interface{}) *Error {
	e := newErr(kind, d.r.BitPos(), d.trail, format, args...)
	return e
}

// Decode walks the full unexpanded descriptor list, one full pass per
// subset for uncompressed messages or a single compressed pass producing
// multi-subset leaves directly, and returns a single combined tree where
// every leaf's Values vector has length n_subsets.
func (d *Decoder) Decode(ids []descriptor.ID) (*tree.Node, error) {
	if d.compressed {
		state := coder.New(true)
		nodes, err := d.walkList(ids, state)
		if err != nil {
			return nil, err
		}
		root := tree.NewBranch(0, descriptor.KindSequence)
		root.Children = nodes
		return root, nil
	}

	roots := make([]*tree.Node, 0, d.nSubsets)
	for s := 0; s < d.nSubsets; s++ {
		state := coder.New(false)
		nodes, err := d.walkList(ids, state)
		if err != nil {
			return nil, err
		}
		root := tree.NewBranch(0, descriptor.KindSequence)
		root.Children = nodes
		roots = append(roots, root)
	}
	return MergeSubsets(roots)
}

// walkList is the recursive descriptor walker.
func (d *Decoder) walkList(ids []descriptor.ID, state *coder.State) ([]*tree.Node, error) {
	var out []*tree.Node
	idx := 0
	for idx < len(ids) {
		id := ids[idx]
		switch id.Kind() {
		case descriptor.KindElement:
			// A single template descriptor sitting immediately after a
			// resolved bitmap is read once per "present" bitmap entry
			// rather than once.
			if bm, ok := state.TopBitmap(); ok && state.MarkerMode != descriptor.MarkerNone && bm.Cursor < len(bm.Bits) {
				nodes, err := d.walkMarkerGroup(bm, id, state)
				if err != nil {
					return nil, err
				}
				out = append(out, nodes...)
				if bm.Cursor >= len(bm.Bits) {
					state.PopBitmap()
				}
				idx++
				continue
			}
			nodes, err := d.walkElement(id, state)
			if err != nil {
				return nil, err
			}
			out = append(out, nodes...)
			idx++

		case descriptor.KindOperator:
			d.push(id)
			node, err := applyOperator(state, id, &decodeLeaf{r: d.r})
			d.pop()
			if err != nil {
				return nil, err
			}
			if node != nil {
				out = append(out, node)
			}
			idx++

		case descriptor.KindReplication:
			rep, err := parseReplication(id, ids, idx)
			if err != nil {
				return nil, err
			}
			idx++
			// For delayed replication the class-31 count element sits
			// between the replication descriptor and the replicated group.
			var countID descriptor.ID
			if rep.IsDelay {
				countID = ids[idx]
				idx++
			}
			group := ids[idx : idx+rep.Count]
			idx += rep.Count

			// A bitmap-defining operator awaiting its class-31 block turns
			// this replication into a bitmap capture rather than an
			// ordinary repeated group: one bit per back-referenceable
			// previously emitted element.
			if state.PendingBitmapDefine && len(group) == 1 && group[0].IsClass31() {
				node, err := d.captureBitmap(rep, countID, group[0], state)
				if err != nil {
					return nil, err
				}
				out = append(out, node)
				continue
			}

			// A resolved bitmap awaiting marker values turns the next
			// single-descriptor "replication" into a marker readout
			// walked bitmap.NumZeros() times instead of rep.Times.
			if bm, ok := state.TopBitmap(); ok && state.MarkerMode != descriptor.MarkerNone && len(group) == 1 {
				declared := rep.Times
				var countNode *tree.Node
				if rep.IsDelay {
					n, node, err := d.readDelayedCount(countID)
					if err != nil {
						return nil, err
					}
					countNode = node
					declared = n
				}
				if declared != bm.NumZeros() {
					return nil, d.err(KindBitmapMismatch, "replication declares %d marker values, bitmap's %d present-bits require %d", declared, bm.NumZeros(), bm.NumZeros())
				}
				if countNode != nil {
					out = append(out, countNode)
				}
				nodes, err := d.walkMarkerGroup(bm, group[0], state)
				if err != nil {
					return nil, err
				}
				out = append(out, nodes...)
				state.PopBitmap()
				continue
			}

			repNode, err := d.walkReplication(rep, countID, group, state)
			if err != nil {
				return nil, err
			}
			out = append(out, repNode)

		case descriptor.KindSequence:
			d.push(id)
			children, err := d.provider.LookupSequence(id)
			if err != nil {
				d.pop()
				return nil, d.err(KindUnknownDescriptor, "sequence %s: %v", id, err)
			}
			childNodes, err := d.walkList(children, state)
			d.pop()
			if err != nil {
				return nil, err
			}
			seqNode := tree.NewBranch(id, descriptor.KindSequence)
			seqNode.Children = childNodes
			out = append(out, seqNode)
			idx++

		default:
			idx++
		}
	}
	return out, nil
}

// parseReplication decodes a 1XXYYY descriptor and validates it has
// enough following descriptors to replicate (plus the count element for
// the delayed form).
func parseReplication(id descriptor.ID, ids []descriptor.ID, idx int) (descriptor.Replication, error) {
	count := id.X()
	times := id.Y()
	need := idx + 1 + count
	if times == 0 {
		need++ // the class-31 count element
	}
	if need > len(ids) {
		return descriptor.Replication{}, &Error{Kind: KindMalformedHeader, Message: "replication descriptor references more descriptors than remain in the list"}
	}
	return descriptor.Replication{ID: id, Count: count, Times: times, IsDelay: times == 0}, nil
}

// readDelayedCount reads the delayed replication factor from the class-31
// element immediately following the replication descriptor. The engine
// reads it exactly once.
func (d *Decoder) readDelayedCount(countID descriptor.ID) (int, *tree.Node, error) {
	elem, err := d.provider.LookupElement(countID)
	if err != nil {
		return 0, nil, d.err(KindUnknownDescriptor, "delayed count element %s: %v", countID, err)
	}
	raw, err := d.r.ReadUint(elem.NBits)
	if err != nil {
		return 0, nil, d.err(KindInsufficientBits, "%v", err)
	}
	node := tree.NewLeaf(countID, descriptor.KindElement, elem, 1)
	node.Values[0] = int64(raw)
	node.EffectiveNBits = elem.NBits
	return int(raw), node, nil
}

// walkReplication determines the repeat count and walks the replicated
// group that many times.
func (d *Decoder) walkReplication(rep descriptor.Replication, countID descriptor.ID, group []descriptor.ID, state *coder.State) (*tree.Node, error) {
	times := rep.Times
	repNode := tree.NewBranch(rep.ID, descriptor.KindReplication)
	repNode.GroupSize = rep.Count

	if rep.IsDelay {
		n, countNode, err := d.readDelayedCount(countID)
		if err != nil {
			return nil, err
		}
		repNode.Children = append(repNode.Children, countNode)
		times = n
	}

	for t := 0; t < times; t++ {
		nodes, err := d.walkList(group, state)
		if err != nil {
			return nil, err
		}
		repNode.Children = append(repNode.Children, nodes...)
	}
	return repNode, nil
}

// captureBitmap resolves a class-31 bitmap-defining replication block into
// a coder.Bitmap and pushes it.
func (d *Decoder) captureBitmap(rep descriptor.Replication, countID, elemID descriptor.ID, state *coder.State) (*tree.Node, error) {
	times := rep.Times
	repNode := tree.NewBranch(rep.ID, descriptor.KindReplication)

	elem, err := d.provider.LookupElement(elemID)
	if err != nil {
		return nil, d.err(KindUnknownDescriptor, "bitmap element %s: %v", elemID, err)
	}

	if rep.IsDelay {
		n, countNode, err := d.readDelayedCount(countID)
		if err != nil {
			return nil, err
		}
		repNode.Children = append(repNode.Children, countNode)
		times = n
	}

	bits := make([]bool, 0, times)
	for i := 0; i < times; i++ {
		raw, err := d.r.ReadUint(elem.NBits)
		if err != nil {
			return nil, d.err(KindInsufficientBits, "%v", err)
		}
		bitNode := tree.NewLeaf(elemID, descriptor.KindElement, elem, 1)
		bitNode.Values[0] = int64(raw)
		repNode.Children = append(repNode.Children, bitNode)
		bits = append(bits, raw != 0)
	}

	if len(bits) != len(state.Candidates) {
		return nil, d.err(KindBitmapMismatch, "bitmap has %d entries but %d candidates are back-referenceable", len(bits), len(state.Candidates))
	}

	candidates := append([]*tree.Node(nil), state.Candidates...)

	bm := &coder.Bitmap{Bits: bits, Candidates: candidates, Kind: state.PendingBitmapKind}
	state.PendingBitmapDefine = false
	if state.PendingBitmapReusable {
		// 236000: defined for later 237000 passes, not consumed now
		state.PendingBitmapReusable = false
		def := *bm
		def.Defined = true
		state.DefinedBitmap = &def
		return repNode, nil
	}
	state.PushBitmap(bm)
	return repNode, nil
}

// walkMarkerGroup reads bitmap.NumZeros() marker values for descriptor id,
// one per "present" (0) bitmap entry, attaching each to its candidate via
// a Marker-kind node.
func (d *Decoder) walkMarkerGroup(bm *coder.Bitmap, id descriptor.ID, state *coder.State) ([]*tree.Node, error) {
	elem, err := d.provider.LookupElement(id)
	if err != nil {
		return nil, d.err(KindUnknownDescriptor, "marker element %s: %v", id, err)
	}
	var out []*tree.Node
	leaf := &decodeLeaf{r: d.r}
	for _, present := range bm.Bits {
		if present {
			bm.Cursor++
			continue // bit == 1 means NOT present: no marker value transmitted
		}
		owner := bm.Candidates[bm.Cursor]
		bm.Cursor++
		var values []tree.Value
		if d.compressed {
			var err error
			values, _, err = d.decodeCompressedValues(elem, state.EffectiveNBits(elem))
			if err != nil {
				return nil, err
			}
		} else {
			val, err := d.processElementValue(elem, leaf, state)
			if err != nil {
				return nil, d.err(KindInsufficientBits, "%v", err)
			}
			values = []tree.Value{val}
		}
		node := &tree.Node{DescriptorID: id, Kind: descriptor.KindMarker, Element: elem, Values: values, Owner: owner, MarkerKind: bm.Kind, EffectiveNBits: state.EffectiveNBits(elem), EffectiveScale: state.EffectiveScale(elem), EffectiveReference: state.EffectiveReference(elem)}
		out = append(out, node)
	}
	return out, nil
}

// walkElement processes a single element descriptor within one subset,
// applying every active coder-state override.
func (d *Decoder) walkElement(id descriptor.ID, state *coder.State) ([]*tree.Node, error) {
	d.push(id)
	defer d.pop()

	if state.DataNotPresent > 0 && id.EligibleForDataNotPresent() {
		elem, err := d.provider.LookupElement(id)
		if err != nil {
			return nil, d.err(KindUnknownDescriptor, "%v", err)
		}
		state.DataNotPresent--
		n := 1
		if d.compressed {
			n = d.nSubsets
		}
		node := tree.NewLeaf(id, descriptor.KindElement, elem, n)
		return []*tree.Node{node}, nil
	}

	if frame, active := state.TopAssoc(); active && !frame.SeenTag && id != id031021 {
		e := d.err(KindUnbalancedOperator, "204YYY session requires an immediate 031021 tag, got %s instead", id)
		e.Diagnostic = fmt.Sprintf("a 204%03d session is open; inserting 031021 before %s, or a 204 width matching %s's table entry, would make the message consistent", frame.NBits, id, id)
		return nil, e
	}

	// 206YYY replaces the next descriptor wholesale; skipped locals are by
	// definition absent from the negotiated tables, so no lookup happens.
	if state.LocalSkipNBits != nil {
		n := *state.LocalSkipNBits
		state.LocalSkipNBits = nil
		raw, err := (&decodeLeaf{r: d.r}).ProcessRaw(n)
		if err != nil {
			return nil, d.err(KindInsufficientBits, "%v", err)
		}
		skipNode := &tree.Node{DescriptorID: id, Kind: descriptor.KindSkippedLocal, Values: []tree.Value{raw}, EffectiveNBits: n}
		return []*tree.Node{skipNode}, nil
	}

	elem, err := d.provider.LookupElement(id)
	if err != nil {
		return nil, d.err(KindUnknownDescriptor, "%v", err)
	}

	var out []*tree.Node

	if frame, active := state.TopAssoc(); active && !id.IsClass31() {
		values, err := d.readAssociated(frame, state)
		if err != nil {
			return nil, err
		}
		assocNode := &tree.Node{DescriptorID: id, Kind: descriptor.KindAssociated, Values: values, EffectiveNBits: frame.NBits, Meaning: frame.Meaning}
		out = append(out, assocNode)
	}

	if state.CaptureActive && !id.IsClass31() {
		newRef, err := d.r.ReadInt(state.CaptureWidth)
		if err != nil {
			return nil, d.err(KindInsufficientBits, "%v", err)
		}
		state.NewRefVals[id] = newRef
		// Capturing a new reference value is an
		// alternative to (not additional to) the ordinary element read; the
		// node records the captured value so encode can replay it.
		refNode := &tree.Node{DescriptorID: id, Kind: descriptor.KindElement, Element: elem, Values: []tree.Value{newRef}, EffectiveNBits: state.CaptureWidth}
		out = append(out, refNode)
		return out, nil
	}

	nbits := state.EffectiveNBits(elem)
	if elem.Type == descriptor.TypeString && state.StringOverride != nil {
		state.StringOverride = nil // 208YYY applies to the next string element only
	}
	scale := state.EffectiveScale(elem)
	reference := state.EffectiveReference(elem)
	var (
		values     []tree.Value
		nbitsDelta int
	)
	if d.compressed {
		var err error
		values, nbitsDelta, err = d.decodeCompressedValues(elem, nbits)
		if err != nil {
			return nil, err
		}
	} else {
		leaf := &decodeLeaf{r: d.r}
		var val tree.Value
		var err error
		switch elementLeafKind(elem.Type) {
		case "string":
			val, err = leaf.ProcessString(nbits)
		case "codeflag":
			val, err = leaf.ProcessCodeFlag(nbits)
		default:
			val, err = leaf.ProcessNumeric(nbits, scale, reference)
		}
		if err != nil {
			return nil, d.err(KindInsufficientBits, "%v", err)
		}
		values = []tree.Value{val}
	}

	node := &tree.Node{
		DescriptorID:       id,
		Kind:               descriptor.KindElement,
		Element:            elem,
		Values:             values,
		NBitsDelta:         nbitsDelta,
		EffectiveNBits:     nbits,
		EffectiveScale:     scale,
		EffectiveReference: reference,
	}
	out = append(out, node)

	if frame, active := state.TopAssoc(); active && id == id031021 && !frame.SeenTag {
		if v, ok := node.Values[0].(int64); ok {
			node.Meaning = fmt.Sprintf("%d", v)
			frame.Meaning = node.Meaning
		}
		frame.SeenTag = true
	}

	if !id.IsClass31() {
		state.RecordCandidate(node)
	}

	return out, nil
}

// id031021 is the "meaning of associated field" descriptor a 204YYY
// session must be followed by immediately.
const id031021 = descriptor.ID(31021)

// processElementValue dispatches to the correct leaf primitive for elem's
// declared type at the coder-state-adjusted effective width, for the
// uncompressed bitmap marker readout, which processes exactly one
// subset's worth of data.
func (d *Decoder) processElementValue(elem *descriptor.Element, leaf LeafPolicy, state *coder.State) (tree.Value, error) {
	nbits := state.EffectiveNBits(elem)
	switch elementLeafKind(elem.Type) {
	case "string":
		return leaf.ProcessString(nbits)
	case "codeflag":
		return leaf.ProcessCodeFlag(nbits)
	default:
		return leaf.ProcessNumeric(nbits, state.EffectiveScale(elem), state.EffectiveReference(elem))
	}
}

// readAssociated reads the associated-field value(s) for the current
// subset (or all subsets at once, if compressed).
func (d *Decoder) readAssociated(frame *coder.AssocFrame, state *coder.State) ([]tree.Value, error) {
	if d.compressed {
		values, _, err := d.decodeCompressedValues(&descriptor.Element{NBits: frame.NBits, Type: descriptor.TypeNumeric}, frame.NBits)
		return values, err
	}
	raw, err := (&decodeLeaf{r: d.r}).ProcessRaw(frame.NBits)
	if err != nil {
		return nil, d.err(KindInsufficientBits, "%v", err)
	}
	var v uint64
	for _, b := range raw {
		v = (v << 8) | uint64(b)
	}
	return []tree.Value{int64(v)}, nil
}

// decodeCompressedValues reads the compressed min/delta wire layout.
func (d *Decoder) decodeCompressedValues(elem *descriptor.Element, nbits int) ([]tree.Value, int, error) {
	switch elementLeafKind(elem.Type) {
	case "string":
		common, err := d.r.ReadString(nbits)
		if err != nil {
			return nil, 0, d.err(KindInsufficientBits, "%v", err)
		}
		nbytesDelta, err := d.r.ReadUint(6)
		if err != nil {
			return nil, 0, d.err(KindInsufficientBits, "%v", err)
		}
		values := make([]tree.Value, d.nSubsets)
		if nbytesDelta == 0 {
			var v tree.Value
			if !bitio.AllSpaces(common) {
				v = common
			}
			for i := range values {
				values[i] = v
			}
			return values, 0, nil
		}
		for i := 0; i < d.nSubsets; i++ {
			s, err := d.r.ReadString(int(nbytesDelta) * 8)
			if err != nil {
				return nil, 0, d.err(KindInsufficientBits, "%v", err)
			}
			if bitio.AllSpaces(s) {
				values[i] = nil
			} else {
				values[i] = s
			}
		}
		return values, int(nbytesDelta), nil

	default:
		minRaw, err := d.r.ReadUint(nbits)
		if err != nil {
			return nil, 0, d.err(KindInsufficientBits, "%v", err)
		}
		values := make([]tree.Value, d.nSubsets)
		if bitio.AllOnes(minRaw, nbits) {
			return values, 0, nil // all-ones minimum => every subset missing
		}
		nbitsDelta, err := d.r.ReadUint(6)
		if err != nil {
			return nil, 0, d.err(KindInsufficientBits, "%v", err)
		}
		scale := elem.Scale
		reference := elem.Reference
		isRawField := elem.Type == 0 && elem.Name == "" && elem.Unit == "" // synthetic (associated field) marker
		for i := 0; i < d.nSubsets; i++ {
			if nbitsDelta == 0 {
				values[i] = compressedPhysical(minRaw, scale, reference, isRawField)
				continue
			}
			delta, err := d.r.ReadUint(int(nbitsDelta))
			if err != nil {
				return nil, 0, d.err(KindInsufficientBits, "%v", err)
			}
			if bitio.AllOnes(delta, int(nbitsDelta)) {
				values[i] = nil
				continue
			}
			values[i] = compressedPhysical(minRaw+delta, scale, reference, isRawField)
		}
		return values, int(nbitsDelta), nil
	}
}

func compressedPhysical(raw uint64, scale int, reference int64, isRawField bool) tree.Value {
	if isRawField {
		return int64(raw)
	}
	physical := float64(int64(raw)+reference) / math.Pow(10, float64(scale))
	if scale <= 0 && physical == math.Trunc(physical) {
		return int64(physical)
	}
	return physical
}
