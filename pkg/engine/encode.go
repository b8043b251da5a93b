package engine

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/madpsy/bufrkit/pkg/bitio"
	"github.com/madpsy/bufrkit/pkg/coder"
	"github.com/madpsy/bufrkit/pkg/descriptor"
	"github.com/madpsy/bufrkit/pkg/tables"
	"github.com/madpsy/bufrkit/pkg/tree"
)

// Encoder walks an unexpanded descriptor list against an existing data
// tree, writing bits. It is the "encode" realisation of the same template
// processing engine Decoder implements; the two share applyOperator
// verbatim and differ only in whether a leaf's bits come from the stream
// or from the tree.
type Encoder struct {
	w          *bitio.Writer
	provider   tables.Provider
	compressed bool
	nSubsets   int
	trail      []string
}

// NewEncoder returns an Encoder writing to w against provider.
func NewEncoder(w *bitio.Writer, provider tables.Provider, compressed bool, nSubsets int) *Encoder {
	return &Encoder{w: w, provider: provider, compressed: compressed, nSubsets: nSubsets}
}

func (e *Encoder) push(id descriptor.ID) { e.trail = append(e.trail, id.String()) }
func (e *Encoder) pop()                  { e.trail = e.trail[:len(e.trail)-1] }

func (e *Encoder) err(kind Kind, format string, args ...interface{}) *Error {
	return newErr(kind, e.w.BitLen(), e.trail, format, args...)
}

// cursor walks a []*tree.Node slice position by position, mirroring the
// unexpanded descriptor list it was produced from.
type cursor struct {
	nodes []*tree.Node
	pos   int
}

func (c *cursor) next() *tree.Node {
	if c.pos >= len(c.nodes) {
		return nil
	}
	n := c.nodes[c.pos]
	c.pos++
	return n
}

// Encode writes the full message body for root, one full subset pass for
// uncompressed messages or a single compressed pass, mirroring Decode.
func (e *Encoder) Encode(ids []descriptor.ID, root *tree.Node) error {
	if e.compressed {
		state := coder.New(true)
		c := &cursor{nodes: root.Children}
		return e.walkList(ids, state, c, 0)
	}
	for s := 0; s < e.nSubsets; s++ {
		state := coder.New(false)
		c := &cursor{nodes: root.Children}
		if err := e.walkList(ids, state, c, s); err != nil {
			return err
		}
	}
	return nil
}

// walkList mirrors Decoder.walkList, consuming pre-built nodes from c
// instead of constructing new ones, for subset index `subset` (ignored
// when e.compressed, since compressed leaves already carry every subset).
func (e *Encoder) walkList(ids []descriptor.ID, state *coder.State, c *cursor, subset int) error {
	idx := 0
	for idx < len(ids) {
		id := ids[idx]
		switch id.Kind() {
		case descriptor.KindElement:
			if bm, ok := state.TopBitmap(); ok && state.MarkerMode != descriptor.MarkerNone && bm.Cursor < len(bm.Bits) {
				if err := e.writeMarkerGroup(bm, id, state, c, subset); err != nil {
					return err
				}
				if bm.Cursor >= len(bm.Bits) {
					state.PopBitmap()
				}
				idx++
				continue
			}
			if err := e.writeElement(id, state, c, subset); err != nil {
				return err
			}
			idx++

		case descriptor.KindOperator:
			e.push(id)
			leaf := &encodeLeaf{w: e.w, subset: subset, pull: func() (tree.Value, error) {
				n := c.next()
				if n == nil || len(n.Values) <= subset {
					return nil, e.err(KindEncodeTypeMismatch, "missing inline-field node for operator %s", id)
				}
				return n.Values[subset], nil
			}, pullRaw: func() ([]byte, error) {
				n := c.next()
				if n == nil {
					return nil, e.err(KindEncodeTypeMismatch, "missing node for operator %s", id)
				}
				b, _ := n.Values[0].(string)
				return []byte(b), nil
			}}
			_, err := applyOperator(state, id, leaf)
			e.pop()
			if err != nil {
				return err
			}
			idx++

		case descriptor.KindReplication:
			rep, err := parseReplication(id, ids, idx)
			if err != nil {
				return err
			}
			idx++
			var countID descriptor.ID
			if rep.IsDelay {
				countID = ids[idx]
				idx++
			}
			group := ids[idx : idx+rep.Count]
			idx += rep.Count

			if state.PendingBitmapDefine && len(group) == 1 && group[0].IsClass31() {
				if err := e.writeBitmapCapture(rep, countID, group[0], state, c); err != nil {
					return err
				}
				continue
			}

			// A resolved bitmap awaiting marker values turns the next
			// single-descriptor "replication" into a marker write, mirroring
			// Decoder.walkList's matching branch.
			if bm, ok := state.TopBitmap(); ok && state.MarkerMode != descriptor.MarkerNone && len(group) == 1 {
				if rep.IsDelay {
					if err := e.writeDelayedCount(countID, c); err != nil {
						return err
					}
				}
				if err := e.writeMarkerGroup(bm, group[0], state, c, subset); err != nil {
					return err
				}
				state.PopBitmap()
				continue
			}

			if err := e.writeReplication(rep, countID, group, state, c, subset); err != nil {
				return err
			}

		case descriptor.KindSequence:
			e.push(id)
			children, err := e.provider.LookupSequence(id)
			if err != nil {
				e.pop()
				return e.err(KindUnknownDescriptor, "sequence %s: %v", id, err)
			}
			seqNode := c.next()
			if seqNode == nil {
				e.pop()
				return e.err(KindEncodeTypeMismatch, "missing sequence node for %s", id)
			}
			childCursor := &cursor{nodes: seqNode.Children}
			err = e.walkList(children, state, childCursor, subset)
			e.pop()
			if err != nil {
				return err
			}
			idx++

		default:
			idx++
		}
	}
	return nil
}

func (e *Encoder) writeElement(id descriptor.ID, state *coder.State, c *cursor, subset int) error {
	e.push(id)
	defer e.pop()

	if state.DataNotPresent > 0 && id.EligibleForDataNotPresent() {
		c.next() // the none-valued placeholder node; no bits written
		state.DataNotPresent--
		return nil
	}

	if frame, active := state.TopAssoc(); active && !frame.SeenTag && id != id031021 {
		err := e.err(KindUnbalancedOperator, "204YYY session requires an immediate 031021 tag, got %s instead", id)
		err.Diagnostic = fmt.Sprintf("a 204%03d session is open; inserting 031021 before %s would make the message consistent", frame.NBits, id)
		return err
	}

	if state.LocalSkipNBits != nil {
		n := *state.LocalSkipNBits
		state.LocalSkipNBits = nil
		node := c.next()
		if node == nil {
			return e.err(KindEncodeTypeMismatch, "missing skipped-local node for %s", id)
		}
		raw, _ := node.Values[0].([]byte)
		leaf := &encodeLeaf{w: e.w, pullRaw: func() ([]byte, error) { return raw, nil }}
		if _, err := leaf.ProcessRaw(n); err != nil {
			return err
		}
		return nil
	}

	elem, err := e.provider.LookupElement(id)
	if err != nil {
		return e.err(KindUnknownDescriptor, "%v", err)
	}

	if frame, active := state.TopAssoc(); active && !id.IsClass31() {
		assocNode := c.next()
		if assocNode == nil {
			return e.err(KindEncodeTypeMismatch, "missing associated-field node for %s", id)
		}
		if err := e.writeAssociated(frame, assocNode, subset); err != nil {
			return err
		}
	}

	if state.CaptureActive && !id.IsClass31() {
		node := c.next()
		if node == nil {
			return e.err(KindEncodeTypeMismatch, "missing reference-capture node for %s", id)
		}
		v, _ := node.Values[0].(int64)
		e.w.WriteInt(v, state.CaptureWidth)
		state.NewRefVals[id] = v
		return nil
	}

	node := c.next()
	if node == nil {
		return e.err(KindEncodeTypeMismatch, "missing element node for %s", id)
	}

	nbits := state.EffectiveNBits(elem)
	if elem.Type == descriptor.TypeString && state.StringOverride != nil {
		state.StringOverride = nil // 208YYY applies to the next string element only
	}
	scale := state.EffectiveScale(elem)
	reference := state.EffectiveReference(elem)

	if e.compressed {
		if err := e.writeCompressedLeaf(elem, nbits, scale, reference, node); err != nil {
			return err
		}
	} else {
		leaf := &encodeLeaf{w: e.w, subset: subset, pull: func() (tree.Value, error) {
			if subset >= len(node.Values) {
				return nil, nil
			}
			return node.Values[subset], nil
		}}
		var err error
		switch elementLeafKind(elem.Type) {
		case "string":
			_, err = leaf.ProcessString(nbits)
		case "codeflag":
			_, err = leaf.ProcessCodeFlag(nbits)
		default:
			_, err = leaf.ProcessNumeric(nbits, scale, reference)
		}
		if err != nil {
			return err
		}
	}

	if frame, active := state.TopAssoc(); active && id == id031021 && !frame.SeenTag {
		if v, ok := node.Values[0].(int64); ok {
			frame.Meaning = fmt.Sprintf("%d", v)
		}
		frame.SeenTag = true
	}

	if !id.IsClass31() {
		state.RecordCandidate(node)
	}
	return nil
}

func (e *Encoder) writeAssociated(frame *coder.AssocFrame, node *tree.Node, subset int) error {
	if e.compressed {
		return e.writeCompressedLeaf(&descriptor.Element{NBits: frame.NBits, Type: descriptor.TypeNumeric}, frame.NBits, 0, 0, node)
	}
	v, _ := node.Values[0].(int64)
	nbytes := (frame.NBits + 7) / 8
	raw := make([]byte, nbytes)
	uv := uint64(v)
	for i := nbytes - 1; i >= 0; i-- {
		raw[i] = byte(uv)
		uv >>= 8
	}
	leaf := &encodeLeaf{w: e.w, pullRaw: func() ([]byte, error) { return raw, nil }}
	_, err := leaf.ProcessRaw(frame.NBits)
	return err
}

// writeDelayedCount writes the class-31 count node the cursor is at.
func (e *Encoder) writeDelayedCount(countID descriptor.ID, c *cursor) error {
	countElem, err := e.provider.LookupElement(countID)
	if err != nil {
		return e.err(KindUnknownDescriptor, "%v", err)
	}
	countNode := c.next()
	if countNode == nil {
		return e.err(KindEncodeTypeMismatch, "missing delayed-count node for %s", countID)
	}
	v, _ := countNode.Values[0].(int64)
	e.w.WriteUint(uint64(v), countElem.NBits)
	return nil
}

func (e *Encoder) writeReplication(rep descriptor.Replication, countID descriptor.ID, group []descriptor.ID, state *coder.State, c *cursor, subset int) error {
	repNode := c.next()
	if repNode == nil {
		return e.err(KindEncodeTypeMismatch, "missing replication node for %s", rep.ID)
	}

	times := rep.Times
	childCursor := &cursor{nodes: repNode.Children}
	if rep.IsDelay {
		countElem, err := e.provider.LookupElement(countID)
		if err != nil {
			return e.err(KindUnknownDescriptor, "%v", err)
		}
		countNode := childCursor.next()
		if countNode == nil {
			return e.err(KindEncodeTypeMismatch, "missing delayed-count node for %s", rep.ID)
		}
		v, _ := countNode.Values[0].(int64)
		e.w.WriteUint(uint64(v), countElem.NBits)
		times = int(v)
	}

	for t := 0; t < times; t++ {
		if err := e.walkList(group, state, childCursor, subset); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) writeBitmapCapture(rep descriptor.Replication, countID, elemID descriptor.ID, state *coder.State, c *cursor) error {
	repNode := c.next()
	if repNode == nil {
		return e.err(KindEncodeTypeMismatch, "missing bitmap replication node for %s", rep.ID)
	}
	elem, err := e.provider.LookupElement(elemID)
	if err != nil {
		return e.err(KindUnknownDescriptor, "%v", err)
	}

	childCursor := &cursor{nodes: repNode.Children}
	if rep.IsDelay {
		if err := e.writeDelayedCount(countID, childCursor); err != nil {
			return err
		}
	}

	bits := make([]bool, 0, len(childCursor.nodes)-childCursor.pos)
	candidates := append([]*tree.Node(nil), state.Candidates...)
	for {
		bitNode := childCursor.next()
		if bitNode == nil {
			break
		}
		v, _ := bitNode.Values[0].(int64)
		e.w.WriteUint(uint64(v), elem.NBits)
		bits = append(bits, v != 0)
	}
	if len(bits) != len(candidates) {
		return e.err(KindBitmapMismatch, "bitmap has %d entries but %d candidates are back-referenceable", len(bits), len(candidates))
	}

	bm := &coder.Bitmap{Bits: bits, Candidates: candidates, Kind: state.PendingBitmapKind}
	state.PendingBitmapDefine = false
	if state.PendingBitmapReusable {
		state.PendingBitmapReusable = false
		def := *bm
		def.Defined = true
		state.DefinedBitmap = &def
		return nil
	}
	state.PushBitmap(bm)
	return nil
}

func (e *Encoder) writeMarkerGroup(bm *coder.Bitmap, id descriptor.ID, state *coder.State, c *cursor, subset int) error {
	elem, err := e.provider.LookupElement(id)
	if err != nil {
		return e.err(KindUnknownDescriptor, "marker element %s: %v", id, err)
	}
	nbits := state.EffectiveNBits(elem)
	for _, present := range bm.Bits {
		bm.Cursor++
		if present {
			continue
		}
		node := c.next()
		if node == nil {
			return e.err(KindEncodeTypeMismatch, "missing marker node for %s", id)
		}
		if e.compressed {
			if err := e.writeCompressedLeaf(elem, nbits, state.EffectiveScale(elem), state.EffectiveReference(elem), node); err != nil {
				return err
			}
			continue
		}
		leaf := &encodeLeaf{w: e.w, subset: subset, pull: func() (tree.Value, error) {
			if subset >= len(node.Values) {
				return nil, nil
			}
			return node.Values[subset], nil
		}}
		switch elementLeafKind(elem.Type) {
		case "string":
			_, err = leaf.ProcessString(nbits)
		case "codeflag":
			_, err = leaf.ProcessCodeFlag(nbits)
		default:
			_, err = leaf.ProcessNumeric(nbits, state.EffectiveScale(elem), state.EffectiveReference(elem))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeCompressedLeaf re-derives the min/delta compressed layout from a
// node's already-resolved per-subset Values, the reverse of
// Decoder.decodeCompressedValues.
func (e *Encoder) writeCompressedLeaf(elem *descriptor.Element, nbits, scale int, reference int64, node *tree.Node) error {
	if elementLeafKind(elem.Type) == "string" {
		return e.writeCompressedString(nbits, node)
	}

	raws := make([]uint64, e.nSubsets)
	missing := make([]bool, e.nSubsets)
	allMissing := true
	var min uint64 = math.MaxUint64
	for i := 0; i < e.nSubsets; i++ {
		v := node.Values[i]
		if v == nil {
			missing[i] = true
			continue
		}
		allMissing = false
		var physical float64
		switch t := v.(type) {
		case int64:
			physical = float64(t)
		case float64:
			physical = t
		}
		raw := uint64(int64(math.Round(physical*math.Pow(10, float64(scale)))) - reference)
		raws[i] = raw
		if raw < min {
			min = raw
		}
	}

	if allMissing {
		// an all-ones minimum stands alone: no delta-width field follows,
		// mirroring the decode side
		e.w.WriteUint((uint64(1)<<uint(nbits))-1, nbits)
		return nil
	}

	e.w.WriteUint(min, nbits)

	maxDelta := uint64(0)
	for i := 0; i < e.nSubsets; i++ {
		if missing[i] {
			continue
		}
		d := raws[i] - min
		if d > maxDelta {
			maxDelta = d
		}
	}
	nbitsDelta := 0
	if maxDelta > 0 {
		nbitsDelta = bits.Len64(maxDelta)
	}
	// reserve the all-ones pattern for a per-subset missing marker
	if anyMissingAmongPresent(missing) && nbitsDelta > 0 && maxDelta == (uint64(1)<<uint(nbitsDelta))-1 {
		nbitsDelta++
	}
	e.w.WriteUint(uint64(nbitsDelta), 6)
	if nbitsDelta == 0 {
		return nil
	}
	for i := 0; i < e.nSubsets; i++ {
		if missing[i] {
			e.w.WriteUint((uint64(1)<<uint(nbitsDelta))-1, nbitsDelta)
			continue
		}
		e.w.WriteUint(raws[i]-min, nbitsDelta)
	}
	return nil
}

func anyMissingAmongPresent(missing []bool) bool {
	for _, m := range missing {
		if m {
			return true
		}
	}
	return false
}

func (e *Encoder) writeCompressedString(nbits int, node *tree.Node) error {
	nbytes := nbits / 8
	first, _ := node.Values[0].(string)
	allSame := true
	for i := 1; i < e.nSubsets; i++ {
		s, _ := node.Values[i].(string)
		if s != first {
			allSame = false
			break
		}
	}
	if allSame {
		e.w.WriteString(first, nbits)
		e.w.WriteUint(0, 6)
		return nil
	}
	e.w.WriteString(first, nbits)
	maxLen := nbytes
	for i := 0; i < e.nSubsets; i++ {
		s, _ := node.Values[i].(string)
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	e.w.WriteUint(uint64(maxLen), 6)
	for i := 0; i < e.nSubsets; i++ {
		s, _ := node.Values[i].(string)
		e.w.WriteString(s, maxLen*8)
	}
	return nil
}
