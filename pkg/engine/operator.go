package engine

import (
	"github.com/madpsy/bufrkit/pkg/coder"
	"github.com/madpsy/bufrkit/pkg/descriptor"
	"github.com/madpsy/bufrkit/pkg/tree"
)

// applyOperator mutates state for a 2XXYYY descriptor and returns any node the
// operator itself emits (only 205's inline character field; 206 just
// arms the skip, and the walker emits the skipped-local node). It is shared verbatim between decode and
// encode: the only difference between the two directions is whether
// LeafPolicy reads or writes the bits.
func applyOperator(state *coder.State, id descriptor.ID, leaf LeafPolicy) (*tree.Node, error) {
	yyy := id.Y()
	switch id.X() {
	case 1: // 201YYY
		if yyy == 0 {
			state.NBitsOffset = 0
		} else {
			state.NBitsOffset = yyy - 128
		}
	case 2: // 202YYY
		if yyy == 0 {
			state.ScaleOffset = 0
		} else {
			state.ScaleOffset = yyy - 128
		}
	case 3: // 203YYY
		switch yyy {
		case 0:
			state.CaptureActive = false
			state.CaptureWidth = 0
			state.NewRefVals = make(map[descriptor.ID]int64)
		case 255:
			state.CaptureActive = false
		default:
			state.CaptureActive = true
			state.CaptureWidth = yyy
		}
	case 4: // 204YYY
		if yyy == 0 {
			if !state.PopAssoc() {
				return nil, &Error{Kind: KindUnbalancedOperator, Message: "204000 with no matching 204YYY"}
			}
		} else {
			state.PushAssoc(yyy)
		}
	case 5: // 205YYY inline character field
		raw, err := leaf.ProcessRaw(yyy * 8)
		if err != nil {
			return nil, err
		}
		node := &tree.Node{DescriptorID: id, Kind: descriptor.KindElement, Values: []tree.Value{string(raw)}}
		return node, nil
	case 6: // 206YYY
		n := yyy
		state.LocalSkipNBits = &n
	case 7: // 207YYY
		if yyy == 0 {
			state.ScaleOverride = nil
		} else {
			v := yyy
			state.ScaleOverride = &v
		}
	case 8: // 208YYY
		if yyy == 0 {
			state.StringOverride = nil
		} else {
			n := yyy * 8
			state.StringOverride = &n
		}
	case 21: // 221YYY
		state.DataNotPresent = yyy
	case 22: // 222000 quality info bitmap
		state.PendingBitmapDefine = true
		state.PendingBitmapKind = descriptor.MarkerQualityInfo
	case 23: // 223000 substitution bitmap
		state.PendingBitmapDefine = true
		state.PendingBitmapKind = descriptor.MarkerSubstitution
	case 24: // 224000 first-order stats bitmap
		state.PendingBitmapDefine = true
		state.PendingBitmapKind = descriptor.MarkerFirstOrderStat
	case 25: // 225000 difference stats bitmap
		state.PendingBitmapDefine = true
		state.PendingBitmapKind = descriptor.MarkerDifferenceStat
	case 32: // 232000 replacement/retain bitmap
		state.PendingBitmapDefine = true
		state.PendingBitmapKind = descriptor.MarkerReplacement
	case 35: // 235000 cancel all bitmap/backward-reference state
		state.ResetBitmapState()
	case 36: // 236000 define a reusable bitmap; kind comes from any 22X already pending
		state.PendingBitmapDefine = true
		state.PendingBitmapReusable = true
	case 37: // 237000 reuse last defined bitmap / 237255 cancel definition only
		if yyy == 255 {
			state.DefinedBitmap = nil
		} else if state.DefinedBitmap != nil {
			reused := *state.DefinedBitmap
			reused.Cursor = 0
			if state.PendingBitmapDefine {
				// a 22X operator preceded the reuse: its marker family
				// applies to this pass over the bitmap
				reused.Kind = state.PendingBitmapKind
				state.PendingBitmapDefine = false
			}
			state.PushBitmap(&reused)
		}
	}
	return nil, nil
}
