package bufr

import (
	"bytes"
	"io"

	"github.com/madpsy/bufrkit/pkg/engine"
)

// Scanner walks a byte stream containing zero or more concatenated BUFR
// messages (a GTS bulletin file, a raw feed capture) and yields one raw
// message slice at a time. On a malformed message it reports the error
// and resynchronizes at the next "BUFR" magic, so a caller can keep
// draining a stream past a bad bulletin.
type Scanner struct {
	data []byte
	pos  int
}

// NewScanner wraps data for message-by-message scanning.
func NewScanner(data []byte) *Scanner {
	return &Scanner{data: data}
}

// Pos returns the byte offset the scanner has consumed up to.
func (s *Scanner) Pos() int { return s.pos }

// Next returns the next raw message, or io.EOF when the stream is
// exhausted. The returned slice aliases the scanner's buffer. A non-nil
// error other than io.EOF describes a malformed message; the scanner has
// already advanced past it, so calling Next again continues the stream.
func (s *Scanner) Next() ([]byte, error) {
	start := bytes.Index(s.data[s.pos:], []byte(magicStart))
	if start < 0 {
		s.pos = len(s.data)
		return nil, io.EOF
	}
	s.pos += start

	s0, err := parseSection0(s.data[s.pos:])
	if err != nil {
		s.pos += len(magicStart)
		return nil, err
	}
	if s.pos+s0.TotalLength > len(s.data) {
		s.pos += len(magicStart)
		return nil, framingErr(engine.KindMalformedHeader, s.pos, "message declares %d bytes, %d available", s0.TotalLength, len(s.data)-s.pos)
	}

	msg := s.data[s.pos : s.pos+s0.TotalLength]
	if err := checkSection5(msg, s0.TotalLength-4); err != nil {
		s.pos += len(magicStart)
		return nil, err
	}

	s.pos += s0.TotalLength
	return msg, nil
}
