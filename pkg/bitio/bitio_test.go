package bitio

import (
	"bytes"
	"testing"
)

func TestReadUintMSBFirst(t *testing.T) {
	r := NewReader([]byte{0b10110100, 0b01100000})
	cases := []struct {
		n    int
		want uint64
	}{
		{3, 0b101},
		{5, 0b10100},
		{4, 0b0110},
	}
	for i, c := range cases {
		got, err := r.ReadUint(c.n)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if got != c.want {
			t.Fatalf("case %d: got %b, want %b", i, got, c.want)
		}
	}
	if r.BitPos() != 12 {
		t.Fatalf("BitPos = %d, want 12", r.BitPos())
	}
}

func TestReadUintUnderrun(t *testing.T) {
	r := NewReader([]byte{0xff})
	if _, err := r.ReadUint(9); err == nil {
		t.Fatal("expected underrun error")
	}
}

func TestReadIntSignAndMagnitude(t *testing.T) {
	// 8-bit sign-and-magnitude: 0x85 = sign bit + 5
	r := NewReader([]byte{0x85, 0x05})
	v, err := r.ReadInt(8)
	if err != nil {
		t.Fatal(err)
	}
	if v != -5 {
		t.Fatalf("got %d, want -5", v)
	}
	v, err = r.ReadInt(8)
	if err != nil {
		t.Fatal(err)
	}
	if v != 5 {
		t.Fatalf("got %d, want 5", v)
	}
}

func TestReadBytesUnaligned(t *testing.T) {
	r := NewReader([]byte{0b11110000, 0b10101111})
	if _, err := r.ReadUint(4); err != nil {
		t.Fatal(err)
	}
	b, err := r.ReadBytes(1)
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != 0b00001010 {
		t.Fatalf("got %08b, want 00001010", b[0])
	}
}

func TestReadString(t *testing.T) {
	r := NewReader([]byte("UKMO"))
	s, err := r.ReadString(32)
	if err != nil {
		t.Fatal(err)
	}
	if s != "UKMO" {
		t.Fatalf("got %q", s)
	}
	if _, err := NewReader([]byte{0xff}).ReadString(7); err == nil {
		t.Fatal("expected error for non-byte-aligned string width")
	}
}

func TestAllOnes(t *testing.T) {
	if !AllOnes(0x7f, 7) {
		t.Fatal("0x7f should be all-ones at 7 bits")
	}
	if AllOnes(0x7e, 7) {
		t.Fatal("0x7e is not all-ones at 7 bits")
	}
	if AllOnes(0, 0) {
		t.Fatal("zero-width value is never all-ones")
	}
}

func TestAllSpaces(t *testing.T) {
	if !AllSpaces("    ") {
		t.Fatal("spaces should be detected")
	}
	if AllSpaces(" x  ") {
		t.Fatal("non-space should fail")
	}
	if AllSpaces("") {
		t.Fatal("empty string is not the missing sentinel")
	}
}

func TestWriterRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteUint(0b101, 3)
	w.WriteInt(-5, 8)
	w.WriteUint(0x1ff, 9)
	w.WriteString("AB", 24)
	pad := w.PadToByte()

	r := NewReader(w.Bytes())
	if v, _ := r.ReadUint(3); v != 0b101 {
		t.Fatalf("uint: got %b", v)
	}
	if v, _ := r.ReadInt(8); v != -5 {
		t.Fatalf("int: got %d", v)
	}
	if v, _ := r.ReadUint(9); v != 0x1ff {
		t.Fatalf("wide uint: got %x", v)
	}
	if s, _ := r.ReadString(24); s != "AB " {
		t.Fatalf("string: got %q", s)
	}
	if rem := r.BitsRemaining(); rem != pad {
		t.Fatalf("%d bits remain, want %d pad bits", rem, pad)
	}
}

func TestWriterByteAligned(t *testing.T) {
	w := NewWriter()
	w.WriteBytes([]byte{0xde, 0xad})
	if !bytes.Equal(w.Bytes(), []byte{0xde, 0xad}) {
		t.Fatalf("got %x", w.Bytes())
	}
	if w.BitLen() != 16 {
		t.Fatalf("BitLen = %d", w.BitLen())
	}
	if pad := w.PadToByte(); pad != 0 {
		t.Fatalf("aligned writer padded %d bits", pad)
	}
}

func TestAlignToByte(t *testing.T) {
	r := NewReader([]byte{0xff, 0x00})
	r.ReadUint(3)
	if pad := r.AlignToByte(); pad != 5 {
		t.Fatalf("pad = %d, want 5", pad)
	}
	if r.BitPos() != 8 {
		t.Fatalf("BitPos = %d, want 8", r.BitPos())
	}
	if pad := r.AlignToByte(); pad != 0 {
		t.Fatalf("aligned cursor padded %d bits", pad)
	}
}
