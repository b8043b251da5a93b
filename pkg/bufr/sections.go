// Package bufr implements the outer message framing of WMO FM-94 BUFR
// (sections 0-5) on top of the template processing engine: Decode walks a
// byte stream into a wired data tree, Encode writes a tree back to a
// byte-identical stream subject to canonical padding.
package bufr

import (
	"fmt"

	"github.com/madpsy/bufrkit/pkg/descriptor"
	"github.com/madpsy/bufrkit/pkg/engine"
	"github.com/madpsy/bufrkit/pkg/tables"
)

// Section0 is the 8-octet indicator section: "BUFR", total length, edition.
type Section0 struct {
	TotalLength int
	Edition     int
}

// Section1 is the identification section. Field widths differ between
// edition 3 and edition 4; both are supported and the edition on Section0
// selects the layout.
type Section1 struct {
	Length             int
	MasterTable        int
	OriginatingCentre  int
	OriginatingSubCentre int
	UpdateSequence     int
	HasSection2        bool
	DataCategory       int
	IntlSubCategory    int // edition 4 only
	LocalSubCategory   int
	MasterVersion      int
	LocalVersion       int
	Year               int
	Month              int
	Day                int
	Hour               int
	Minute             int
	Second             int // edition 4 only
	// LocalUse keeps any trailing octets beyond the fixed layout so a
	// round trip reproduces them bit-exactly.
	LocalUse []byte
}

// TableKey derives the table-snapshot key negotiated by this message's
// identification section.
func (s1 *Section1) TableKey() tables.Key {
	return tables.Key{
		MasterTable:       s1.MasterTable,
		OriginatingCentre: s1.OriginatingCentre,
		LocalTable:        0,
		MasterVersion:     s1.MasterVersion,
		LocalVersion:      s1.LocalVersion,
	}
}

// Section2 is the optional local-use section, carried opaque.
type Section2 struct {
	Length int
	Data   []byte
}

// Section3 is the data-description section: subset count, flags, and the
// unexpanded descriptor list as 16-bit (F:2, X:6, Y:8) tuples.
type Section3 struct {
	Length      int
	NSubsets    int
	Observed    bool
	Compressed  bool
	Descriptors []descriptor.ID
}

// Section4 is the binary-data section; Data excludes the 4-octet header.
type Section4 struct {
	Length int
	Data   []byte
}

const (
	magicStart = "BUFR"
	magicEnd   = "7777"
)

func be24(b []byte) int {
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2])
}

func be16(b []byte) int {
	return int(b[0])<<8 | int(b[1])
}

func put24(v int) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

func put16(v int) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func framingErr(kind engine.Kind, byteOffset int, format string, args ...interface{}) *engine.Error {
	return &engine.Error{Kind: kind, BitOffset: byteOffset * 8, Message: fmt.Sprintf(format, args...)}
}

// parseSection0 reads the indicator section and validates the magic.
func parseSection0(data []byte) (*Section0, error) {
	if len(data) < 8 {
		return nil, framingErr(engine.KindMalformedHeader, 0, "message shorter than section 0 (%d bytes)", len(data))
	}
	if string(data[0:4]) != magicStart {
		return nil, framingErr(engine.KindValidationFailed, 0, "expected %q signature, got %q", magicStart, string(data[0:4]))
	}
	return &Section0{TotalLength: be24(data[4:7]), Edition: int(data[7])}, nil
}

func parseSection1(data []byte, offset, edition int) (*Section1, int, error) {
	if len(data) < offset+3 {
		return nil, 0, framingErr(engine.KindMalformedHeader, offset, "truncated section 1 header")
	}
	length := be24(data[offset : offset+3])
	if length < 17 || len(data) < offset+length {
		return nil, 0, framingErr(engine.KindMalformedHeader, offset, "section 1 declares %d bytes, %d available", length, len(data)-offset)
	}
	b := data[offset : offset+length]
	s1 := &Section1{Length: length}

	switch edition {
	case 4:
		if length < 22 {
			return nil, 0, framingErr(engine.KindMalformedHeader, offset, "edition 4 section 1 requires 22 bytes, declares %d", length)
		}
		s1.MasterTable = int(b[3])
		s1.OriginatingCentre = be16(b[4:6])
		s1.OriginatingSubCentre = be16(b[6:8])
		s1.UpdateSequence = int(b[8])
		s1.HasSection2 = b[9]&0x80 != 0
		s1.DataCategory = int(b[10])
		s1.IntlSubCategory = int(b[11])
		s1.LocalSubCategory = int(b[12])
		s1.MasterVersion = int(b[13])
		s1.LocalVersion = int(b[14])
		s1.Year = be16(b[15:17])
		s1.Month = int(b[17])
		s1.Day = int(b[18])
		s1.Hour = int(b[19])
		s1.Minute = int(b[20])
		s1.Second = int(b[21])
		if length > 22 {
			s1.LocalUse = append([]byte(nil), b[22:]...)
		}
	default: // edition 3 layout, also used for earlier editions
		s1.MasterTable = int(b[3])
		s1.OriginatingSubCentre = int(b[4])
		s1.OriginatingCentre = int(b[5])
		s1.UpdateSequence = int(b[6])
		s1.HasSection2 = b[7]&0x80 != 0
		s1.DataCategory = int(b[8])
		s1.LocalSubCategory = int(b[9])
		s1.MasterVersion = int(b[10])
		s1.LocalVersion = int(b[11])
		s1.Year = int(b[12])
		s1.Month = int(b[13])
		s1.Day = int(b[14])
		s1.Hour = int(b[15])
		s1.Minute = int(b[16])
		if length > 17 {
			s1.LocalUse = append([]byte(nil), b[17:]...)
		}
	}
	return s1, offset + length, nil
}

func parseSection2(data []byte, offset int) (*Section2, int, error) {
	if len(data) < offset+4 {
		return nil, 0, framingErr(engine.KindMalformedHeader, offset, "truncated section 2 header")
	}
	length := be24(data[offset : offset+3])
	if length < 4 || len(data) < offset+length {
		return nil, 0, framingErr(engine.KindMalformedHeader, offset, "section 2 declares %d bytes, %d available", length, len(data)-offset)
	}
	return &Section2{Length: length, Data: append([]byte(nil), data[offset+4:offset+length]...)}, offset + length, nil
}

func parseSection3(data []byte, offset int) (*Section3, int, error) {
	if len(data) < offset+7 {
		return nil, 0, framingErr(engine.KindMalformedHeader, offset, "truncated section 3 header")
	}
	length := be24(data[offset : offset+3])
	if length < 7 || len(data) < offset+length {
		return nil, 0, framingErr(engine.KindMalformedHeader, offset, "section 3 declares %d bytes, %d available", length, len(data)-offset)
	}
	b := data[offset : offset+length]
	s3 := &Section3{
		Length:     length,
		NSubsets:   be16(b[4:6]),
		Observed:   b[6]&0x80 != 0,
		Compressed: b[6]&0x40 != 0,
	}
	for i := 7; i+1 < length; i += 2 {
		raw := be16(b[i : i+2])
		f := raw >> 14
		x := (raw >> 8) & 0x3f
		y := raw & 0xff
		s3.Descriptors = append(s3.Descriptors, descriptor.NewID(f, x, y))
	}
	return s3, offset + length, nil
}

func parseSection4(data []byte, offset int) (*Section4, int, error) {
	if len(data) < offset+4 {
		return nil, 0, framingErr(engine.KindMalformedHeader, offset, "truncated section 4 header")
	}
	length := be24(data[offset : offset+3])
	if length < 4 || len(data) < offset+length {
		return nil, 0, framingErr(engine.KindMalformedHeader, offset, "section 4 declares %d bytes, %d available", length, len(data)-offset)
	}
	return &Section4{Length: length, Data: data[offset+4 : offset+length]}, offset + length, nil
}

func checkSection5(data []byte, offset int) error {
	if len(data) < offset+4 {
		return framingErr(engine.KindMalformedHeader, offset, "truncated section 5")
	}
	if string(data[offset:offset+4]) != magicEnd {
		return framingErr(engine.KindValidationFailed, offset, "expected %q terminator, got %q", magicEnd, string(data[offset:offset+4]))
	}
	return nil
}

// serializeSection1 writes s1 back in the layout edition selects.
func serializeSection1(s1 *Section1, edition int) []byte {
	var body []byte
	switch edition {
	case 4:
		body = make([]byte, 0, 22+len(s1.LocalUse))
		body = append(body, byte(s1.MasterTable))
		body = append(body, put16(s1.OriginatingCentre)...)
		body = append(body, put16(s1.OriginatingSubCentre)...)
		body = append(body, byte(s1.UpdateSequence))
		body = append(body, section2Flag(s1.HasSection2))
		body = append(body, byte(s1.DataCategory), byte(s1.IntlSubCategory), byte(s1.LocalSubCategory))
		body = append(body, byte(s1.MasterVersion), byte(s1.LocalVersion))
		body = append(body, put16(s1.Year)...)
		body = append(body, byte(s1.Month), byte(s1.Day), byte(s1.Hour), byte(s1.Minute), byte(s1.Second))
	default:
		body = make([]byte, 0, 17+len(s1.LocalUse))
		body = append(body, byte(s1.MasterTable))
		body = append(body, byte(s1.OriginatingSubCentre), byte(s1.OriginatingCentre))
		body = append(body, byte(s1.UpdateSequence))
		body = append(body, section2Flag(s1.HasSection2))
		body = append(body, byte(s1.DataCategory), byte(s1.LocalSubCategory))
		body = append(body, byte(s1.MasterVersion), byte(s1.LocalVersion))
		body = append(body, byte(s1.Year), byte(s1.Month), byte(s1.Day), byte(s1.Hour), byte(s1.Minute))
	}
	body = append(body, s1.LocalUse...)
	out := put24(len(body) + 3)
	return append(out, body...)
}

func section2Flag(has bool) byte {
	if has {
		return 0x80
	}
	return 0
}

func serializeSection3(s3 *Section3) []byte {
	body := make([]byte, 0, 4+2*len(s3.Descriptors))
	body = append(body, 0) // reserved octet
	body = append(body, put16(s3.NSubsets)...)
	var flags byte
	if s3.Observed {
		flags |= 0x80
	}
	if s3.Compressed {
		flags |= 0x40
	}
	body = append(body, flags)
	for _, id := range s3.Descriptors {
		raw := id.F()<<14 | id.X()<<8 | id.Y()
		body = append(body, put16(raw)...)
	}
	// sections are padded to an even octet count
	if (len(body)+3)%2 != 0 {
		body = append(body, 0)
	}
	out := put24(len(body) + 3)
	return append(out, body...)
}
