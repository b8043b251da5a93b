// Package descriptor models the typed BUFR descriptor entities: the four
// native kinds keyed by their F value, plus the three synthetic kinds the
// template engine derives for its output tree.
package descriptor

import "fmt"

// Kind classifies a descriptor for the purposes of the template engine.
type Kind int

const (
	KindElement Kind = iota
	KindReplication
	KindOperator
	KindSequence
	KindAssociated
	KindSkippedLocal
	KindMarker
)

func (k Kind) String() string {
	switch k {
	case KindElement:
		return "element"
	case KindReplication:
		return "replication"
	case KindOperator:
		return "operator"
	case KindSequence:
		return "sequence"
	case KindAssociated:
		return "associated"
	case KindSkippedLocal:
		return "skipped_local"
	case KindMarker:
		return "marker"
	default:
		return "unknown"
	}
}

// MarkerKind distinguishes the five bitmap-driven attribute families.
type MarkerKind int

const (
	MarkerNone MarkerKind = iota
	MarkerQualityInfo
	MarkerSubstitution
	MarkerFirstOrderStat
	MarkerDifferenceStat
	MarkerReplacement
)

// ID is a six-digit BUFR descriptor, FXXYYY, held as its decimal value
// (so 301001 is the table-D sequence 3 01 001).
type ID uint32

// NewID builds an ID from its F, X and Y components.
func NewID(f, x, y int) ID {
	return ID(f*100000 + x*1000 + y)
}

// F returns the descriptor class (0=element, 1=replication, 2=operator, 3=sequence).
func (id ID) F() int { return int(id) / 100000 }

// X returns the middle two digits.
func (id ID) X() int { return (int(id) / 1000) % 100 }

// Y returns the last three digits.
func (id ID) Y() int { return int(id) % 1000 }

// Kind classifies the native descriptor kind from its F digit.
func (id ID) Kind() Kind {
	switch id.F() {
	case 0:
		return KindElement
	case 1:
		return KindReplication
	case 2:
		return KindOperator
	case 3:
		return KindSequence
	default:
		return KindElement
	}
}

// String renders the canonical FXXYYY six-digit form, e.g. "001001".
func (id ID) String() string {
	return fmt.Sprintf("%01d%02d%03d", id.F(), id.X(), id.Y())
}

// LastFive returns the XXYYY portion used to name derived descriptors
// (Associated, Skipped Local, Marker).
func (id ID) LastFive() string {
	return fmt.Sprintf("%02d%03d", id.X(), id.Y())
}

// ElementType classifies the wire representation of an Element descriptor.
type ElementType int

const (
	TypeNumeric ElementType = iota
	TypeCode
	TypeFlag
	TypeString
)

// Element is the table-B metadata for a class-0 descriptor.
type Element struct {
	ID        ID
	Name      string
	Unit      string
	Scale     int
	Reference int64
	NBits     int
	Type      ElementType
}

// IsClass31 reports whether this element is one of the class-31 (delayed
// replication / bitmap-bearing) descriptors that never receive an
// associated field and instead drive bitmap resolution.
func (id ID) IsClass31() bool {
	return id.F() == 0 && id.X() == 31
}

// EligibleForDataNotPresent reports whether a descriptor class can be affected by the
// 221YYY data-not-present operator: classes 1-9 and 11 and above.
func (id ID) EligibleForDataNotPresent() bool {
	x := id.X()
	return (x >= 1 && x <= 9) || x >= 11
}

// Replication is the table-free F=1 descriptor: replicate the next XX
// descriptors YYY times, or read the count from the stream if YYY==0.
type Replication struct {
	ID       ID
	Count    int  // XX: number of descriptors replicated
	Times    int  // YYY: fixed repeat count, 0 means delayed
	IsDelay  bool // Times == 0
}

// Operator is the table-free F=2 descriptor.
type Operator struct {
	ID ID
}

// Sequence is a table-D descriptor expanding to an ordered child list.
type Sequence struct {
	ID       ID
	Name     string
	Children []ID
}

// Associated names the synthetic "A"-prefixed attribute descriptor
// representing associated-field bits attached under 204YYY.
type Associated struct {
	Owner ID
	NBits int
	Meaning string // set from the latest 031021 value
}

func (a Associated) String() string {
	return "A" + a.Owner.LastFive()
}

// SkippedLocal names the synthetic "S"-prefixed descriptor standing in for
// a local descriptor skipped by 206YYY.
type SkippedLocal struct {
	Owner ID
	NBits int
}

func (s SkippedLocal) String() string {
	return "S" + s.Owner.LastFive()
}

// Marker names the synthetic attribute descriptor introduced by the
// bitmap operator family (substitution, first-order stat, difference
// stat, replacement/retain). Quality-info values are not part of this
// family: they keep the plain id of the class-33 element that carried
// them.
type Marker struct {
	Owner ID
	Kind  MarkerKind
}

func (m Marker) String() string {
	var prefix string
	switch m.Kind {
	case MarkerSubstitution:
		prefix = "T"
	case MarkerFirstOrderStat:
		prefix = "F"
	case MarkerDifferenceStat:
		prefix = "D"
	case MarkerReplacement:
		prefix = "R"
	default:
		return m.Owner.String()
	}
	return prefix + m.Owner.LastFive()
}
