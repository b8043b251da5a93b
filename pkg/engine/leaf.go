package engine

import (
	"math"

	"github.com/madpsy/bufrkit/pkg/bitio"
	"github.com/madpsy/bufrkit/pkg/descriptor"
	"github.com/madpsy/bufrkit/pkg/tree"
)

// LeafPolicy is the abstract leaf processing protocol: the engine's control flow (sequence expansion, operator interpretation,
// bitmap resolution) is identical for decode and encode; only these five
// leaf-level primitives differ.
type LeafPolicy interface {
	// ProcessNumeric reads or writes one numeric value at the given
	// effective width/scale/reference, returning the decoded physical
	// value (or nil for the missing-value sentinel).
	ProcessNumeric(nbits, scale int, reference int64) (tree.Value, error)
	// ProcessString reads or writes one CCITT IA5 string of nbits bits.
	ProcessString(nbits int) (tree.Value, error)
	// ProcessCodeFlag reads or writes one raw code/flag table value.
	ProcessCodeFlag(nbits int) (tree.Value, error)
	// ProcessRaw reads or writes nbits of opaque data (associated fields,
	// skipped-local descriptors, 205YYY inline character fields).
	ProcessRaw(nbits int) ([]byte, error)
	// ProcessBit reads or writes a single data-present bitmap bit; true
	// means "not present".
	ProcessBit() (bool, error)
}

// decodeLeaf implements LeafPolicy by reading from a bit stream.
type decodeLeaf struct {
	r *bitio.Reader
}

func (d *decodeLeaf) ProcessNumeric(nbits, scale int, reference int64) (tree.Value, error) {
	raw, err := d.r.ReadUint(nbits)
	if err != nil {
		return nil, err
	}
	if bitio.AllOnes(raw, nbits) {
		return nil, nil
	}
	physical := (float64(int64(raw)+reference)) / math.Pow(10, float64(scale))
	if scale <= 0 && physical == math.Trunc(physical) {
		return int64(physical), nil
	}
	return physical, nil
}

func (d *decodeLeaf) ProcessString(nbits int) (tree.Value, error) {
	s, err := d.r.ReadString(nbits)
	if err != nil {
		return nil, err
	}
	if bitio.AllSpaces(s) {
		return nil, nil
	}
	return s, nil
}

func (d *decodeLeaf) ProcessCodeFlag(nbits int) (tree.Value, error) {
	raw, err := d.r.ReadUint(nbits)
	if err != nil {
		return nil, err
	}
	if bitio.AllOnes(raw, nbits) {
		return nil, nil
	}
	return int64(raw), nil
}

func (d *decodeLeaf) ProcessRaw(nbits int) ([]byte, error) {
	if nbits%8 == 0 {
		return d.r.ReadBytes(nbits / 8)
	}
	raw, err := d.r.ReadUint(nbits)
	if err != nil {
		return nil, err
	}
	out := make([]byte, (nbits+7)/8)
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = byte(raw)
		raw >>= 8
	}
	return out, nil
}

func (d *decodeLeaf) ProcessBit() (bool, error) {
	v, err := d.r.ReadUint(1)
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

// encodeLeaf implements LeafPolicy by pulling values from a pre-built
// tree node's Values slot (indexed by subset) and writing to a bit stream.
type encodeLeaf struct {
	w       *bitio.Writer
	subset  int
	pull    func() (tree.Value, error) // returns the next value to encode
	pullRaw func() ([]byte, error)
}

func (e *encodeLeaf) ProcessNumeric(nbits, scale int, reference int64) (tree.Value, error) {
	v, err := e.pull()
	if err != nil {
		return nil, err
	}
	if v == nil {
		e.w.WriteUint((uint64(1)<<uint(nbits))-1, nbits)
		return nil, nil
	}
	var physical float64
	switch t := v.(type) {
	case int64:
		physical = float64(t)
	case float64:
		physical = t
	default:
		return nil, &Error{Kind: KindEncodeTypeMismatch, Message: "numeric element requires int64 or float64 value"}
	}
	raw := int64(math.Round(physical*math.Pow(10, float64(scale)))) - reference
	e.w.WriteUint(uint64(raw), nbits)
	return v, nil
}

func (e *encodeLeaf) ProcessString(nbits int) (tree.Value, error) {
	v, err := e.pull()
	if err != nil {
		return nil, err
	}
	if v == nil {
		e.w.WriteBytes(allSpaces(nbits / 8))
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, &Error{Kind: KindEncodeTypeMismatch, Message: "string element requires string value"}
	}
	e.w.WriteString(s, nbits)
	return v, nil
}

func (e *encodeLeaf) ProcessCodeFlag(nbits int) (tree.Value, error) {
	v, err := e.pull()
	if err != nil {
		return nil, err
	}
	if v == nil {
		e.w.WriteUint((uint64(1)<<uint(nbits))-1, nbits)
		return nil, nil
	}
	i, ok := v.(int64)
	if !ok {
		return nil, &Error{Kind: KindEncodeTypeMismatch, Message: "code/flag element requires int64 value"}
	}
	e.w.WriteUint(uint64(i), nbits)
	return v, nil
}

func (e *encodeLeaf) ProcessRaw(nbits int) ([]byte, error) {
	b, err := e.pullRaw()
	if err != nil {
		return nil, err
	}
	if nbits%8 == 0 {
		e.w.WriteBytes(b)
		return b, nil
	}
	var raw uint64
	for _, c := range b {
		raw = (raw << 8) | uint64(c)
	}
	e.w.WriteUint(raw, nbits)
	return b, nil
}

func (e *encodeLeaf) ProcessBit() (bool, error) {
	v, err := e.pull()
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	if b {
		e.w.WriteUint(1, 1)
	} else {
		e.w.WriteUint(0, 1)
	}
	return b, nil
}

func allSpaces(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	return b
}

// elementLeafKind maps an element's declared type to which primitive
// processes it.
func elementLeafKind(t descriptor.ElementType) string {
	switch t {
	case descriptor.TypeString:
		return "string"
	case descriptor.TypeCode, descriptor.TypeFlag:
		return "codeflag"
	default:
		return "numeric"
	}
}
