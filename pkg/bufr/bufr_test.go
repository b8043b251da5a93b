package bufr

import (
	"bytes"
	"io"
	"testing"

	"github.com/madpsy/bufrkit/pkg/bitio"
	"github.com/madpsy/bufrkit/pkg/descriptor"
	"github.com/madpsy/bufrkit/pkg/engine"
	"github.com/madpsy/bufrkit/pkg/tables"
)

func testProvider() *tables.InMemory {
	p := tables.NewInMemory()
	p.AddElement(&descriptor.Element{ID: descriptor.NewID(0, 1, 1), Name: "WMO block number", Unit: "Numeric", NBits: 7, Type: descriptor.TypeNumeric})
	p.AddElement(&descriptor.Element{ID: descriptor.NewID(0, 1, 2), Name: "WMO station number", Unit: "Numeric", NBits: 7, Type: descriptor.TypeNumeric})
	p.AddElement(&descriptor.Element{ID: descriptor.NewID(0, 31, 1), Name: "Delayed descriptor replication factor", Unit: "Numeric", NBits: 8, Type: descriptor.TypeNumeric})
	return p
}

// buildMessage assembles a canonical edition-4 message around payload.
func buildMessage(t *testing.T, descriptors []descriptor.ID, nSubsets int, compressed bool, payload []byte) []byte {
	t.Helper()
	msg := &Message{
		Section0: &Section0{Edition: 4},
		Section1: &Section1{
			Length:            22,
			OriginatingCentre: 74,
			MasterVersion:     29,
			Year:              2026, Month: 8, Day: 6, Hour: 12,
		},
		Section3: &Section3{
			NSubsets:    nSubsets,
			Observed:    true,
			Compressed:  compressed,
			Descriptors: descriptors,
		},
	}

	s1 := serializeSection1(msg.Section1, 4)
	s3 := serializeSection3(msg.Section3)
	s4len := len(payload) + 4
	total := 8 + len(s1) + len(s3) + s4len + 4

	out := make([]byte, 0, total)
	out = append(out, magicStart...)
	out = append(out, put24(total)...)
	out = append(out, 4)
	out = append(out, s1...)
	out = append(out, s3...)
	out = append(out, put24(s4len)...)
	out = append(out, 0)
	out = append(out, payload...)
	out = append(out, magicEnd...)
	return out
}

func simplePayload() []byte {
	w := bitio.NewWriter()
	w.WriteUint(2, 7)
	w.WriteUint(4, 7)
	w.PadToByte()
	return w.Bytes()
}

func simpleDescriptors() []descriptor.ID {
	return []descriptor.ID{descriptor.NewID(0, 1, 1), descriptor.NewID(0, 1, 2)}
}

func TestDecodeMessage(t *testing.T) {
	data := buildMessage(t, simpleDescriptors(), 1, false, simplePayload())
	msg, err := Decode(data, testProvider())
	if err != nil {
		t.Fatal(err)
	}
	if msg.Section0.Edition != 4 {
		t.Fatalf("edition = %d", msg.Section0.Edition)
	}
	if msg.Section1.OriginatingCentre != 74 || msg.Section1.MasterVersion != 29 {
		t.Fatalf("section 1 = %+v", msg.Section1)
	}
	if msg.Section3.NSubsets != 1 || msg.Section3.Compressed {
		t.Fatalf("section 3 = %+v", msg.Section3)
	}
	if len(msg.Root.Children) != 2 {
		t.Fatalf("%d data nodes", len(msg.Root.Children))
	}
	if msg.Root.Children[0].Values[0] != int64(2) || msg.Root.Children[1].Values[0] != int64(4) {
		t.Fatalf("values = %v, %v", msg.Root.Children[0].Values[0], msg.Root.Children[1].Values[0])
	}
}

// encode(decode(B)) must reproduce B byte for byte.
func TestRoundTripMessage(t *testing.T) {
	data := buildMessage(t, simpleDescriptors(), 1, false, simplePayload())
	msg, err := Decode(data, testProvider())
	if err != nil {
		t.Fatal(err)
	}
	out, err := Encode(msg, testProvider())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("round trip mismatch:\n got %x\nwant %x", out, data)
	}
}

func TestRoundTripDelayedReplicationMessage(t *testing.T) {
	descs := []descriptor.ID{descriptor.NewID(1, 1, 0), descriptor.NewID(0, 31, 1), descriptor.NewID(0, 1, 1)}
	w := bitio.NewWriter()
	w.WriteUint(2, 8)
	w.WriteUint(11, 7)
	w.WriteUint(22, 7)
	w.PadToByte()
	data := buildMessage(t, descs, 1, false, w.Bytes())

	msg, err := Decode(data, testProvider())
	if err != nil {
		t.Fatal(err)
	}
	out, err := Encode(msg, testProvider())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("round trip mismatch:\n got %x\nwant %x", out, data)
	}
}

// A corrupted terminator is a ValidationFailed, not a silent pass.
func TestTerminatorValidation(t *testing.T) {
	data := buildMessage(t, simpleDescriptors(), 1, false, simplePayload())
	data[len(data)-1] = '6' // "7777" -> "7776"
	_, err := Decode(data, testProvider())
	e, ok := err.(*engine.Error)
	if !ok || e.Kind != engine.KindValidationFailed {
		t.Fatalf("err = %v, want ValidationFailed", err)
	}
}

func TestBadMagic(t *testing.T) {
	data := buildMessage(t, simpleDescriptors(), 1, false, simplePayload())
	data[0] = 'X'
	_, err := Decode(data, testProvider())
	if e, ok := err.(*engine.Error); !ok || e.Kind != engine.KindValidationFailed {
		t.Fatalf("err = %v, want ValidationFailed", err)
	}
}

func TestTruncatedMessage(t *testing.T) {
	data := buildMessage(t, simpleDescriptors(), 1, false, simplePayload())
	_, err := Decode(data[:20], testProvider())
	if e, ok := err.(*engine.Error); !ok || e.Kind != engine.KindMalformedHeader {
		t.Fatalf("err = %v, want MalformedHeader", err)
	}
}

func TestExcessBits(t *testing.T) {
	payload := append(simplePayload(), 0xff) // a whole spurious byte
	data := buildMessage(t, simpleDescriptors(), 1, false, payload)
	_, err := Decode(data, testProvider())
	if e, ok := err.(*engine.Error); !ok || e.Kind != engine.KindExcessBits {
		t.Fatalf("err = %v, want ExcessBits", err)
	}
}

func TestNonZeroPadBits(t *testing.T) {
	w := bitio.NewWriter()
	w.WriteUint(2, 7)
	w.WriteUint(4, 7)
	w.WriteUint(0x3, 2) // non-zero bits in the pad region
	data := buildMessage(t, simpleDescriptors(), 1, false, w.Bytes())
	_, err := Decode(data, testProvider())
	if e, ok := err.(*engine.Error); !ok || e.Kind != engine.KindExcessBits {
		t.Fatalf("err = %v, want ExcessBits", err)
	}
}

func TestScannerMultipleMessages(t *testing.T) {
	one := buildMessage(t, simpleDescriptors(), 1, false, simplePayload())
	stream := append([]byte("GTS HEADER NOISE\r\n"), one...)
	stream = append(stream, []byte("noise between bulletins")...)
	stream = append(stream, one...)

	s := NewScanner(stream)
	count := 0
	for {
		raw, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if !bytes.Equal(raw, one) {
			t.Fatal("scanned message differs from original")
		}
		count++
	}
	if count != 2 {
		t.Fatalf("scanned %d messages, want 2", count)
	}
}

func TestScannerResyncsPastCorruptMessage(t *testing.T) {
	good := buildMessage(t, simpleDescriptors(), 1, false, simplePayload())
	bad := append([]byte(nil), good...)
	bad[len(bad)-1] = '6' // break the terminator

	stream := append(append([]byte(nil), bad...), good...)
	s := NewScanner(stream)

	_, err := s.Next()
	if err == nil || err == io.EOF {
		t.Fatalf("expected terminator error, got %v", err)
	}
	raw, err := s.Next()
	if err != nil {
		t.Fatalf("resync failed: %v", err)
	}
	if !bytes.Equal(raw, good) {
		t.Fatal("resynced message differs from original")
	}
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

// The codec's replayed decode equals the interpreted one.
func TestCodecReplayEquivalence(t *testing.T) {
	data := buildMessage(t, simpleDescriptors(), 1, false, simplePayload())
	codec := NewCodec(testProvider())

	first, err := codec.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	second, err := codec.Decode(data) // replayed from the recorded trace
	if err != nil {
		t.Fatal(err)
	}

	f, s := first.Root.Flatten(), second.Root.Flatten()
	var fv, sv []interface{}
	for _, n := range f {
		if len(n.Values) > 0 {
			fv = append(fv, n.Values[0])
		}
	}
	for _, n := range s {
		if len(n.Values) > 0 {
			sv = append(sv, n.Values[0])
		}
	}
	if len(fv) != len(sv) {
		t.Fatalf("value counts differ: %d vs %d", len(fv), len(sv))
	}
	for i := range fv {
		if fv[i] != sv[i] {
			t.Fatalf("value %d: %v vs %v", i, fv[i], sv[i])
		}
	}
}

func TestParseSectionsEdition3(t *testing.T) {
	// hand-built edition 3 header: section 1 is 18 octets
	var out []byte
	out = append(out, magicStart...)
	out = append(out, 0, 0, 0) // total, patched below
	out = append(out, 3)

	s1 := []byte{
		0, 0, 18, // length
		0,      // master table
		0, 74, // sub-centre, centre
		0,     // update sequence
		0,     // no section 2
		0, 0,  // category, sub-category
		13, 0, // master/local version
		26, 8, 6, 12, 0, // y m d h min
		0, // pad
	}
	out = append(out, s1...)

	s3 := serializeSection3(&Section3{NSubsets: 1, Observed: true, Descriptors: simpleDescriptors()})
	out = append(out, s3...)

	payload := simplePayload()
	out = append(out, put24(len(payload)+4)...)
	out = append(out, 0)
	out = append(out, payload...)
	out = append(out, magicEnd...)
	total := put24(len(out))
	copy(out[4:7], total)

	msg, err := ParseSections(out)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Section1.OriginatingCentre != 74 || msg.Section1.MasterVersion != 13 {
		t.Fatalf("section 1 = %+v", msg.Section1)
	}
	if msg.Section1.Year != 26 {
		t.Fatalf("year = %d", msg.Section1.Year)
	}
}
