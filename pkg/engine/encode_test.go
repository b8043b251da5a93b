package engine

import (
	"bytes"
	"testing"

	"github.com/madpsy/bufrkit/pkg/bitio"
	"github.com/madpsy/bufrkit/pkg/descriptor"
)

// roundTrip decodes a built payload and re-encodes the resulting tree,
// requiring byte identity (both sides zero-pad to a byte boundary).
func roundTrip(t *testing.T, ids []descriptor.ID, build func(w *bitio.Writer), compressed bool, nSubsets int) {
	t.Helper()
	w := bitio.NewWriter()
	build(w)
	w.PadToByte()
	original := w.Bytes()

	dec := NewDecoder(bitio.NewReader(original), testProvider(), compressed, nSubsets)
	root, err := dec.Decode(ids)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	out := bitio.NewWriter()
	enc := NewEncoder(out, testProvider(), compressed, nSubsets)
	if err := enc.Encode(ids, root); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out.PadToByte()

	if !bytes.Equal(out.Bytes(), original) {
		t.Fatalf("round trip mismatch:\n got %08b\nwant %08b", out.Bytes(), original)
	}
}

func TestRoundTripElements(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(0, 1, 1), id(0, 1, 2)}, func(w *bitio.Writer) {
		w.WriteUint(2, 7)
		w.WriteUint(4, 7)
	}, false, 1)
}

func TestRoundTripMissingValue(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(0, 1, 1), id(0, 12, 1)}, func(w *bitio.Writer) {
		w.WriteUint(0x7f, 7)
		w.WriteUint(300, 12)
	}, false, 1)
}

func TestRoundTripString(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(0, 1, 15)}, func(w *bitio.Writer) {
		w.WriteBytes([]byte("LERWI"))
	}, false, 1)
}

func TestRoundTripAssociatedField(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(2, 4, 8), id(0, 31, 21), id(0, 12, 1), id(2, 4, 0)}, func(w *bitio.Writer) {
		w.WriteUint(0, 6)
		w.WriteUint(7, 8)
		w.WriteUint(291, 12)
	}, false, 1)
}

func TestRoundTripDelayedReplication(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(1, 1, 0), id(0, 31, 1), id(0, 8, 42)}, func(w *bitio.Writer) {
		w.WriteUint(3, 8)
		w.WriteUint(10, 8)
		w.WriteUint(20, 8)
		w.WriteUint(30, 8)
	}, false, 1)
}

func TestRoundTripFixedReplication(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(1, 2, 2), id(0, 1, 1), id(0, 1, 2)}, func(w *bitio.Writer) {
		for _, v := range []uint64{1, 2, 3, 4} {
			w.WriteUint(v, 7)
		}
	}, false, 1)
}

func TestRoundTripSequence(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(3, 1, 1)}, func(w *bitio.Writer) {
		w.WriteUint(2, 7)
		w.WriteUint(4, 7)
	}, false, 1)
}

func TestRoundTripOperators(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(2, 1, 130), id(0, 1, 1), id(2, 1, 0), id(0, 1, 1)}, func(w *bitio.Writer) {
		w.WriteUint(5, 9)
		w.WriteUint(6, 7)
	}, false, 1)
}

func TestRoundTripNewReferenceValues(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(2, 3, 8), id(0, 1, 1), id(2, 3, 255), id(0, 1, 1)}, func(w *bitio.Writer) {
		w.WriteInt(3, 8)
		w.WriteUint(2, 7)
	}, false, 1)
}

func TestRoundTripInlineCharacters(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(2, 5, 3)}, func(w *bitio.Writer) {
		w.WriteBytes([]byte("ABC"))
	}, false, 1)
}

func TestRoundTripSkippedLocal(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(2, 6, 4), id(0, 63, 250), id(0, 1, 1)}, func(w *bitio.Writer) {
		w.WriteUint(0xA, 4)
		w.WriteUint(2, 7)
	}, false, 1)
}

func TestRoundTripStringOverride(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(2, 8, 2), id(0, 1, 15), id(0, 1, 15)}, func(w *bitio.Writer) {
		w.WriteBytes([]byte("AB"))
		w.WriteBytes([]byte("LERWI"))
	}, false, 1)
}

func TestRoundTripDataNotPresent(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(2, 21, 2), id(0, 1, 1), id(0, 1, 2), id(0, 1, 1)}, func(w *bitio.Writer) {
		w.WriteUint(9, 7)
	}, false, 1)
}

func TestRoundTripBitmapMarkers(t *testing.T) {
	ids := []descriptor.ID{
		id(0, 1, 1), id(0, 1, 2), id(0, 12, 1),
		id(2, 22, 0),
		id(1, 1, 3), id(0, 31, 31),
		id(0, 33, 7),
	}
	roundTrip(t, ids, func(w *bitio.Writer) {
		w.WriteUint(1, 7)
		w.WriteUint(2, 7)
		w.WriteUint(300, 12)
		w.WriteUint(0, 1)
		w.WriteUint(1, 1)
		w.WriteUint(0, 1)
		w.WriteUint(90, 7)
		w.WriteUint(95, 7)
	}, false, 1)
}

func TestRoundTripMultiSubset(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(0, 1, 1), id(0, 12, 1)}, func(w *bitio.Writer) {
		w.WriteUint(11, 7)
		w.WriteUint(280, 12)
		w.WriteUint(22, 7)
		w.WriteUint(290, 12)
	}, false, 2)
}

func TestRoundTripCompressed(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(0, 1, 1)}, func(w *bitio.Writer) {
		w.WriteUint(1, 7) // minimum
		w.WriteUint(2, 6) // nbits_delta
		for _, d := range []uint64{0, 1, 2, 3} {
			w.WriteUint(d, 2)
		}
	}, true, 4)
}

func TestRoundTripCompressedIdentical(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(0, 1, 1)}, func(w *bitio.Writer) {
		w.WriteUint(9, 7)
		w.WriteUint(0, 6)
	}, true, 3)
}

func TestRoundTripCompressedAllMissing(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(0, 1, 1)}, func(w *bitio.Writer) {
		w.WriteUint(0x7f, 7)
	}, true, 2)
}

func TestRoundTripCompressedString(t *testing.T) {
	roundTrip(t, []descriptor.ID{id(0, 1, 15)}, func(w *bitio.Writer) {
		w.WriteBytes([]byte("LERWI")) // common value
		w.WriteUint(0, 6)             // all subsets identical
	}, true, 2)
}

// EncodeTypeMismatch: a string value in a numeric slot is rejected, not
// coerced.
func TestEncodeTypeMismatch(t *testing.T) {
	ids := []descriptor.ID{id(0, 1, 1)}
	root := decodeBits(t, ids, func(w *bitio.Writer) {
		w.WriteUint(2, 7)
	}, false, 1)
	root.Children[0].Values[0] = "not a number"

	out := bitio.NewWriter()
	enc := NewEncoder(out, testProvider(), false, 1)
	err := enc.Encode(ids, root)
	if e, ok := err.(*Error); !ok || e.Kind != KindEncodeTypeMismatch {
		t.Fatalf("err = %v, want EncodeTypeMismatch", err)
	}
}

// The same logical content decoded from compressed and
// uncompressed encodings yields equal value vectors.
func TestCompressionEquivalence(t *testing.T) {
	ids := []descriptor.ID{id(0, 1, 1)}

	uncompressed := decodeBits(t, ids, func(w *bitio.Writer) {
		w.WriteUint(1, 7)
		w.WriteUint(2, 7)
		w.WriteUint(3, 7)
		w.WriteUint(4, 7)
	}, false, 4)

	compressed := decodeBits(t, ids, func(w *bitio.Writer) {
		w.WriteUint(1, 7)
		w.WriteUint(2, 6)
		for _, d := range []uint64{0, 1, 2, 3} {
			w.WriteUint(d, 2)
		}
	}, true, 4)

	u, c := uncompressed.Children[0], compressed.Children[0]
	if len(u.Values) != len(c.Values) {
		t.Fatalf("value counts differ: %d vs %d", len(u.Values), len(c.Values))
	}
	for i := range u.Values {
		if u.Values[i] != c.Values[i] {
			t.Fatalf("subset %d: %v vs %v", i, u.Values[i], c.Values[i])
		}
	}
}

func TestRoundTripReusableBitmap(t *testing.T) {
	ids := []descriptor.ID{
		id(0, 1, 1), id(0, 1, 2),
		id(2, 22, 0), id(2, 36, 0),
		id(1, 1, 2), id(0, 31, 31),
		id(2, 22, 0), id(2, 37, 0),
		id(0, 33, 7),
	}
	roundTrip(t, ids, func(w *bitio.Writer) {
		w.WriteUint(1, 7)
		w.WriteUint(2, 7)
		w.WriteUint(0, 1)
		w.WriteUint(0, 1)
		w.WriteUint(90, 7)
		w.WriteUint(95, 7)
	}, false, 1)
}
