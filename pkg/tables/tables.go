// Package tables loads BUFR table B (elements), table D (sequences) and
// code/flag tables, keyed by the negotiated
// (master_table, originating_centre, local_table, master_version, local_version)
// tuple a message's identification section negotiates.
package tables

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/madpsy/bufrkit/pkg/descriptor"
)

// Key identifies one negotiated table snapshot.
type Key struct {
	MasterTable     int
	OriginatingCentre int
	LocalTable      int
	MasterVersion   int
	LocalVersion    int
}

func (k Key) String() string {
	return fmt.Sprintf("m%d-c%d-l%d-mv%d-lv%d", k.MasterTable, k.OriginatingCentre, k.LocalTable, k.MasterVersion, k.LocalVersion)
}

// Provider is the external collaborator interface consumed by the
// template engine.
type Provider interface {
	LookupElement(id descriptor.ID) (*descriptor.Element, error)
	LookupSequence(id descriptor.ID) ([]descriptor.ID, error)
	LookupCode(id descriptor.ID, value int64) (string, error)
}

// ErrUnknownDescriptor is returned when an id is absent from the
// negotiated table snapshot.
type ErrUnknownDescriptor struct {
	ID descriptor.ID
}

func (e *ErrUnknownDescriptor) Error() string {
	return fmt.Sprintf("tables: unknown descriptor %s", e.ID)
}

// jsonElement is the on-disk shape of one table-B entry.
type jsonElement struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Unit      string `json:"unit"`
	Scale     int    `json:"scale"`
	Reference int64  `json:"reference"`
	NBits     int    `json:"nbits"`
	Type      string `json:"type"`
}

// jsonSequence is the on-disk shape of one table-D entry.
type jsonSequence struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Children []string `json:"children"`
}

// jsonCodeEntry is one row of a code/flag table.
type jsonCodeEntry struct {
	ID    string `json:"id"`
	Value int64  `json:"value"`
	Text  string `json:"text"`
}

// Snapshot is a fully-loaded, read-only table set for one Key. It is
// logically immutable after Load and safe to share across goroutines and
// engine instances.
type Snapshot struct {
	Key       Key
	elements  map[descriptor.ID]*descriptor.Element
	sequences map[descriptor.ID][]descriptor.ID
	codes     map[string]string // "<id>:<value>" -> text
}

func parseID(s string) (descriptor.ID, error) {
	var f, x, y int
	if _, err := fmt.Sscanf(s, "%01d%02d%03d", &f, &x, &y); err != nil {
		return 0, fmt.Errorf("tables: malformed descriptor id %q: %w", s, err)
	}
	return descriptor.NewID(f, x, y), nil
}

func elementType(s string) descriptor.ElementType {
	switch s {
	case "code":
		return descriptor.TypeCode
	case "flag":
		return descriptor.TypeFlag
	case "string":
		return descriptor.TypeString
	default:
		return descriptor.TypeNumeric
	}
}

// LoadDir loads element, sequence and code tables from a directory laid
// out as "<dir>/<key>/elements.json", ".../sequences.json",
// ".../codes.json".
func LoadDir(dir string, key Key) (*Snapshot, error) {
	base := filepath.Join(dir, key.String())
	snap := &Snapshot{
		Key:       key,
		elements:  make(map[descriptor.ID]*descriptor.Element),
		sequences: make(map[descriptor.ID][]descriptor.ID),
		codes:     make(map[string]string),
	}

	if err := loadJSON(filepath.Join(base, "elements.json"), func(entries []jsonElement) error {
		for _, e := range entries {
			id, err := parseID(e.ID)
			if err != nil {
				return err
			}
			snap.elements[id] = &descriptor.Element{
				ID:        id,
				Name:      e.Name,
				Unit:      e.Unit,
				Scale:     e.Scale,
				Reference: e.Reference,
				NBits:     e.NBits,
				Type:      elementType(e.Type),
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadJSON(filepath.Join(base, "sequences.json"), func(entries []jsonSequence) error {
		for _, s := range entries {
			id, err := parseID(s.ID)
			if err != nil {
				return err
			}
			children := make([]descriptor.ID, 0, len(s.Children))
			for _, c := range s.Children {
				cid, err := parseID(c)
				if err != nil {
					return err
				}
				children = append(children, cid)
			}
			snap.sequences[id] = children
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadJSON(filepath.Join(base, "codes.json"), func(entries []jsonCodeEntry) error {
		for _, c := range entries {
			snap.codes[fmt.Sprintf("%s:%d", c.ID, c.Value)] = c.Text
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return snap, nil
}

func loadJSON[T any](path string, apply func([]T) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var entries []T
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("tables: parsing %s: %w", path, err)
	}
	return apply(entries)
}

// LookupElement implements Provider.
func (s *Snapshot) LookupElement(id descriptor.ID) (*descriptor.Element, error) {
	e, ok := s.elements[id]
	if !ok {
		return nil, &ErrUnknownDescriptor{ID: id}
	}
	return e, nil
}

// LookupSequence implements Provider.
func (s *Snapshot) LookupSequence(id descriptor.ID) ([]descriptor.ID, error) {
	children, ok := s.sequences[id]
	if !ok {
		return nil, &ErrUnknownDescriptor{ID: id}
	}
	return children, nil
}

// LookupCode implements Provider.
func (s *Snapshot) LookupCode(id descriptor.ID, value int64) (string, error) {
	text, ok := s.codes[fmt.Sprintf("%s:%d", id, value)]
	if !ok {
		return "", &ErrUnknownDescriptor{ID: id}
	}
	return text, nil
}

// Store owns a set of loaded Snapshots keyed by Key, loading lazily and
// caching for reuse. It is safe for concurrent use: snapshots are
// immutable once built, and the map is guarded by a mutex.
type Store struct {
	dir       string
	mu        sync.Mutex
	snapshots map[Key]*Snapshot
}

// NewStore returns a Store that lazily loads snapshots from dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, snapshots: make(map[Key]*Snapshot)}
}

// Get returns the snapshot for key, loading it on first use.
func (st *Store) Get(key Key) (*Snapshot, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if snap, ok := st.snapshots[key]; ok {
		return snap, nil
	}
	snap, err := LoadDir(st.dir, key)
	if err != nil {
		return nil, err
	}
	st.snapshots[key] = snap
	return snap, nil
}
