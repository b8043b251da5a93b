// Package coder holds the mutable bit-level overrides ("coder state") the
// template engine carries while walking a single subset.
package coder

import (
	"github.com/madpsy/bufrkit/pkg/descriptor"
	"github.com/madpsy/bufrkit/pkg/tree"
)

// AssocFrame is one entry on the associated-field stack pushed by 204YYY.
type AssocFrame struct {
	NBits   int
	Active  bool
	Meaning string // latest 031021 decoded value, metadata only
	SeenTag bool   // whether 031021 has been consumed for this session yet
}

// Bitmap is a resolved or in-progress data-present bitmap: an ordered list
// of booleans (false = present, true = NOT present) plus a cursor over the
// candidate list it was built against.
type Bitmap struct {
	Bits       []bool
	Cursor     int
	Candidates []*tree.Node // back-referenceable class-0 element nodes, in emission order
	Kind       descriptor.MarkerKind
	Defined    bool // true if produced by 236000 (reusable) rather than consumed immediately
}

// NumZeros returns how many bitmap entries are "present" (0), i.e. how
// many marker/attribute values the triggering operator must consume.
func (b *Bitmap) NumZeros() int {
	n := 0
	for _, v := range b.Bits {
		if !v {
			n++
		}
	}
	return n
}

// State is the mutable coder state active while decoding or encoding one
// subset. It must not be shared across subsets or messages.
type State struct {
	NBitsOffset    int
	ScaleOffset    int
	ScaleOverride  *int
	NewRefVals     map[descriptor.ID]int64
	CaptureActive  bool // true while a 203YYY session (not yet 203255'd) is open
	CaptureWidth   int  // YYY of the active 203YYY
	AssocStack     []AssocFrame
	LocalSkipNBits *int
	StringOverride *int
	DataNotPresent int
	BitmapStack    []*Bitmap
	DefinedBitmap  *Bitmap // last bitmap captured by 236000, reusable via 237000
	MarkerMode     descriptor.MarkerKind
	// PendingBitmapDefine is set by 222/223/224/225/232/236 and consumed by
	// the next class-31 replication block, which resolves it into a Bitmap
	// pushed onto BitmapStack. PendingBitmapReusable marks a 236000
	// capture: the resolved bitmap is stored in DefinedBitmap rather than
	// consumed immediately.
	PendingBitmapDefine   bool
	PendingBitmapReusable bool
	PendingBitmapKind     descriptor.MarkerKind
	Compression         bool
	// Candidates is the ordered list of back-referenceable class-0 element
	// nodes emitted so far in the current subset; reset on 235000.
	Candidates []*tree.Node
}

// New returns a fresh coder state for one subset.
func New(compressed bool) *State {
	return &State{
		NewRefVals:  make(map[descriptor.ID]int64),
		Compression: compressed,
	}
}

// EffectiveNBits computes the effective bit width for an element given the
// active overrides.
func (s *State) EffectiveNBits(elem *descriptor.Element) int {
	if s.StringOverride != nil && elem.Type == descriptor.TypeString {
		return *s.StringOverride
	}
	n := elem.NBits + s.NBitsOffset
	if s.ScaleOverride != nil && elem.Type == descriptor.TypeNumeric {
		n += scaleOverrideBitBump(*s.ScaleOverride)
	}
	return n
}

// scaleOverrideBitBump is the 207YYY bit-width bump FM-94 prescribes:
// floor(10*((10^YYY - 1)/7)) + 1.
func scaleOverrideBitBump(yyy int) int {
	pow := 1
	for i := 0; i < yyy; i++ {
		pow *= 10
	}
	return (10*(pow-1))/7 + 1
}

// EffectiveScale computes the effective scale for a numeric element.
func (s *State) EffectiveScale(elem *descriptor.Element) int {
	if s.ScaleOverride != nil {
		return *s.ScaleOverride
	}
	return elem.Scale + s.ScaleOffset
}

// EffectiveReference computes the effective reference value for an element.
func (s *State) EffectiveReference(elem *descriptor.Element) int64 {
	if v, ok := s.NewRefVals[elem.ID]; ok {
		return v
	}
	return elem.Reference
}

// TopAssoc returns the active associated-field frame, if any.
func (s *State) TopAssoc() (*AssocFrame, bool) {
	if len(s.AssocStack) == 0 {
		return nil, false
	}
	f := &s.AssocStack[len(s.AssocStack)-1]
	if !f.Active {
		return nil, false
	}
	return f, true
}

// PushAssoc pushes a new associated-field session (204YYY).
func (s *State) PushAssoc(nbits int) {
	s.AssocStack = append(s.AssocStack, AssocFrame{NBits: nbits, Active: true})
}

// PopAssoc pops the most recent associated-field session (204000).
func (s *State) PopAssoc() bool {
	if len(s.AssocStack) == 0 {
		return false
	}
	s.AssocStack = s.AssocStack[:len(s.AssocStack)-1]
	return true
}

// ResetBitmapState clears all bitmap and marker state, per 235000.
func (s *State) ResetBitmapState() {
	s.BitmapStack = nil
	s.DefinedBitmap = nil
	s.MarkerMode = descriptor.MarkerNone
	s.Candidates = nil
}

// RecordCandidate appends a newly emitted class-0 element node to the
// back-reference candidate list, unless data_not_present suppressed it.
func (s *State) RecordCandidate(node *tree.Node) {
	s.Candidates = append(s.Candidates, node)
}

// PushBitmap pushes a newly resolved bitmap and activates marker_mode for
// its target set.
func (s *State) PushBitmap(b *Bitmap) {
	s.BitmapStack = append(s.BitmapStack, b)
	s.MarkerMode = b.Kind
}

// TopBitmap returns the most recently pushed, not-yet-exhausted bitmap.
func (s *State) TopBitmap() (*Bitmap, bool) {
	if len(s.BitmapStack) == 0 {
		return nil, false
	}
	return s.BitmapStack[len(s.BitmapStack)-1], true
}

// PopBitmap removes the most recently pushed bitmap once its target set
// has been fully consumed.
func (s *State) PopBitmap() {
	if len(s.BitmapStack) == 0 {
		return
	}
	s.BitmapStack = s.BitmapStack[:len(s.BitmapStack)-1]
	s.MarkerMode = descriptor.MarkerNone
}
