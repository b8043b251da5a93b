package bufr

import (
	"fmt"
	"strings"
	"sync"

	"github.com/madpsy/bufrkit/pkg/bitio"
	"github.com/madpsy/bufrkit/pkg/compile"
	"github.com/madpsy/bufrkit/pkg/engine"
	"github.com/madpsy/bufrkit/pkg/tables"
	"github.com/madpsy/bufrkit/pkg/tree"
	"github.com/madpsy/bufrkit/pkg/wiring"
)

// Message is one decoded BUFR message: the framing sections plus the wired
// data tree. Root's leaf Values vectors all have length Section3.NSubsets.
type Message struct {
	Section0 *Section0
	Section1 *Section1
	Section2 *Section2 // nil unless Section1.HasSection2
	Section3 *Section3
	Section4 *Section4
	Root     *tree.Node
}

// Decode parses and decodes one full BUFR message against provider,
// returning the framing plus the wired data tree. The first failure is
// surfaced with its stream offset and descriptor trail; nothing is
// repaired silently.
func Decode(data []byte, provider tables.Provider) (*Message, error) {
	msg, err := ParseSections(data)
	if err != nil {
		return nil, err
	}

	r := bitio.NewReader(msg.Section4.Data)
	dec := engine.NewDecoder(r, provider, msg.Section3.Compressed, msg.Section3.NSubsets)
	root, err := dec.Decode(msg.Section3.Descriptors)
	if err != nil {
		return nil, err
	}

	// a section 4 payload may leave at most 7 unread bits and they must
	// all be pad zeroes
	if rem := r.BitsRemaining(); rem > 0 {
		if rem > 7 {
			return nil, &engine.Error{Kind: engine.KindExcessBits, BitOffset: r.BitPos(),
				Message: fmt.Sprintf("section 4 leaves %d unread bits, more than pad allows", rem)}
		}
		pad, err := r.ReadUint(rem)
		if err != nil {
			return nil, err
		}
		if pad != 0 {
			return nil, &engine.Error{Kind: engine.KindExcessBits, BitOffset: r.BitPos(),
				Message: "section 4 pad bits are not zero"}
		}
	}

	if err := wiring.Wire(root); err != nil {
		return nil, err
	}
	msg.Root = root
	return msg, nil
}

// ParseSections frames data into sections 0-5 without touching section 4's
// payload bits.
func ParseSections(data []byte) (*Message, error) {
	s0, err := parseSection0(data)
	if err != nil {
		return nil, err
	}
	if s0.TotalLength > len(data) {
		return nil, framingErr(engine.KindMalformedHeader, 4, "section 0 declares %d bytes, %d available", s0.TotalLength, len(data))
	}
	data = data[:s0.TotalLength]

	s1, offset, err := parseSection1(data, 8, s0.Edition)
	if err != nil {
		return nil, err
	}

	var s2 *Section2
	if s1.HasSection2 {
		s2, offset, err = parseSection2(data, offset)
		if err != nil {
			return nil, err
		}
	}

	s3, offset, err := parseSection3(data, offset)
	if err != nil {
		return nil, err
	}
	if s3.NSubsets == 0 {
		return nil, framingErr(engine.KindMalformedHeader, offset, "section 3 declares zero subsets")
	}

	s4, offset, err := parseSection4(data, offset)
	if err != nil {
		return nil, err
	}

	if err := checkSection5(data, offset); err != nil {
		return nil, err
	}

	return &Message{Section0: s0, Section1: s1, Section2: s2, Section3: s3, Section4: s4}, nil
}

// Encode writes msg back to a byte stream. The data tree's leaves are
// consumed in template (flat) order; section lengths and the section-0
// total are recomputed, so a decode → encode round trip is byte-identical
// modulo canonical zero padding.
func Encode(msg *Message, provider tables.Provider) ([]byte, error) {
	w := bitio.NewWriter()
	enc := engine.NewEncoder(w, provider, msg.Section3.Compressed, msg.Section3.NSubsets)
	if err := enc.Encode(msg.Section3.Descriptors, msg.Root); err != nil {
		return nil, err
	}
	w.PadToByte()
	payload := w.Bytes()

	s4len := len(payload) + 4
	// editions before 4 require an even octet count per section
	if msg.Section0.Edition < 4 && s4len%2 != 0 {
		payload = append(payload, 0)
		s4len++
	}

	s1 := serializeSection1(msg.Section1, msg.Section0.Edition)
	s3 := serializeSection3(msg.Section3)

	var s2 []byte
	if msg.Section2 != nil {
		s2 = append(put24(len(msg.Section2.Data)+4), 0)
		s2 = append(s2, msg.Section2.Data...)
	}

	total := 8 + len(s1) + len(s2) + len(s3) + s4len + 4
	out := make([]byte, 0, total)
	out = append(out, magicStart...)
	out = append(out, put24(total)...)
	out = append(out, byte(msg.Section0.Edition))
	out = append(out, s1...)
	out = append(out, s2...)
	out = append(out, s3...)
	out = append(out, put24(s4len)...)
	out = append(out, 0) // reserved octet
	out = append(out, payload...)
	out = append(out, magicEnd...)
	return out, nil
}

// Codec couples a tables provider with a per-template compilation cache:
// the first decode of a template records its leaf-action trace,
// and later messages of the same branch-free template replay the trace
// instead of re-interpreting descriptors. Branchy templates always fall
// back to the interpreted walk. A Codec is safe for concurrent use; each
// message gets its own engine instance.
type Codec struct {
	provider tables.Provider

	mu     sync.RWMutex
	traces map[string]*compile.Trace
}

// NewCodec returns a Codec decoding against provider.
func NewCodec(provider tables.Provider) *Codec {
	return &Codec{provider: provider, traces: make(map[string]*compile.Trace)}
}

func templateKey(msg *Message) string {
	var sb strings.Builder
	for _, id := range msg.Section3.Descriptors {
		sb.WriteString(id.String())
	}
	return sb.String()
}

// Decode decodes one message, replaying a previously recorded template
// trace when one exists and is replayable, and recording one otherwise.
// Both paths produce structurally equal trees for the same input.
func (c *Codec) Decode(data []byte) (*Message, error) {
	msg, err := ParseSections(data)
	if err != nil {
		return nil, err
	}
	key := templateKey(msg)

	c.mu.RLock()
	trace, cached := c.traces[key]
	c.mu.RUnlock()

	if cached && trace.Replayable() && !msg.Section3.Compressed {
		r := bitio.NewReader(msg.Section4.Data)
		root, err := compile.Replay(trace, r, msg.Section3.NSubsets)
		if err == nil {
			merged, merr := mergeReplaySubsets(root)
			if merr == nil {
				msg.Root = merged
				return msg, nil
			}
		}
		// divergence: fall through to the interpreted walk
	}

	full, err := Decode(data, c.provider)
	if err != nil {
		return nil, err
	}

	if !cached {
		c.mu.Lock()
		c.traces[key] = compile.Record(full.Root)
		c.mu.Unlock()
	}
	return full, nil
}

// Encode mirrors the package-level Encode using the codec's provider.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	return Encode(msg, c.provider)
}

// mergeReplaySubsets folds compile.Replay's one-root-per-subset output
// into the single multi-subset tree Decode produces.
func mergeReplaySubsets(root *tree.Node) (*tree.Node, error) {
	return engine.MergeSubsets(root.Children)
}
