package tables

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/madpsy/bufrkit/pkg/descriptor"
)

func writeTableDir(t *testing.T, key Key) string {
	t.Helper()
	dir := t.TempDir()
	base := filepath.Join(dir, key.String())
	if err := os.MkdirAll(base, 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"elements.json": `[
			{"id": "001001", "name": "WMO block number", "unit": "Numeric", "scale": 0, "reference": 0, "nbits": 7, "type": "numeric"},
			{"id": "001015", "name": "Station name", "unit": "CCITT IA5", "nbits": 160, "type": "string"},
			{"id": "020011", "name": "Cloud amount", "unit": "Code table", "nbits": 4, "type": "code"}
		]`,
		"sequences.json": `[
			{"id": "301001", "name": "WMO station id", "children": ["001001", "001015"]}
		]`,
		"codes.json": `[
			{"id": "020011", "value": 0, "text": "0 oktas"},
			{"id": "020011", "value": 8, "text": "8 oktas"}
		]`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(base, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadDir(t *testing.T) {
	key := Key{MasterTable: 0, OriginatingCentre: 74, MasterVersion: 29}
	dir := writeTableDir(t, key)

	snap, err := LoadDir(dir, key)
	if err != nil {
		t.Fatal(err)
	}

	e, err := snap.LookupElement(descriptor.NewID(0, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if e.NBits != 7 || e.Type != descriptor.TypeNumeric || e.Name != "WMO block number" {
		t.Fatalf("element = %+v", e)
	}

	s, err := snap.LookupElement(descriptor.NewID(0, 1, 15))
	if err != nil {
		t.Fatal(err)
	}
	if s.Type != descriptor.TypeString || s.NBits != 160 {
		t.Fatalf("string element = %+v", s)
	}

	children, err := snap.LookupSequence(descriptor.NewID(3, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 || children[0] != descriptor.NewID(0, 1, 1) {
		t.Fatalf("sequence = %v", children)
	}

	text, err := snap.LookupCode(descriptor.NewID(0, 20, 11), 8)
	if err != nil {
		t.Fatal(err)
	}
	if text != "8 oktas" {
		t.Fatalf("code text = %q", text)
	}
}

func TestLookupUnknown(t *testing.T) {
	key := Key{MasterTable: 0, OriginatingCentre: 74, MasterVersion: 29}
	dir := writeTableDir(t, key)
	snap, err := LoadDir(dir, key)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := snap.LookupElement(descriptor.NewID(0, 63, 250)); err == nil {
		t.Fatal("expected unknown descriptor error")
	}
	if _, err := snap.LookupSequence(descriptor.NewID(3, 63, 250)); err == nil {
		t.Fatal("expected unknown sequence error")
	}
	if _, err := snap.LookupCode(descriptor.NewID(0, 20, 11), 99); err == nil {
		t.Fatal("expected unknown code error")
	}
}

func TestStoreCaches(t *testing.T) {
	key := Key{MasterTable: 0, OriginatingCentre: 74, MasterVersion: 29}
	dir := writeTableDir(t, key)
	store := NewStore(dir)

	first, err := store.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatal("store reloaded an already-cached snapshot")
	}
}

func TestInMemoryProvider(t *testing.T) {
	p := NewInMemory()
	p.AddElement(&descriptor.Element{ID: descriptor.NewID(0, 1, 1), NBits: 7})
	p.AddSequence(descriptor.NewID(3, 1, 1), descriptor.NewID(0, 1, 1))
	p.AddCode(descriptor.NewID(0, 20, 11), 0, "0 oktas")

	if e, err := p.LookupElement(descriptor.NewID(0, 1, 1)); err != nil || e.NBits != 7 {
		t.Fatalf("element = %+v, %v", e, err)
	}
	if c, err := p.LookupSequence(descriptor.NewID(3, 1, 1)); err != nil || len(c) != 1 {
		t.Fatalf("sequence = %v, %v", c, err)
	}
	if text, err := p.LookupCode(descriptor.NewID(0, 20, 11), 0); err != nil || text != "0 oktas" {
		t.Fatalf("code = %q, %v", text, err)
	}
	if _, err := p.LookupElement(descriptor.NewID(0, 2, 2)); err == nil {
		t.Fatal("expected unknown descriptor error")
	}
}

func TestKeyString(t *testing.T) {
	key := Key{MasterTable: 0, OriginatingCentre: 74, LocalTable: 1, MasterVersion: 29, LocalVersion: 3}
	if got := key.String(); got != "m0-c74-l1-mv29-lv3" {
		t.Fatalf("key = %q", got)
	}
}
