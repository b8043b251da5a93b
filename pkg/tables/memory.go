package tables

import "github.com/madpsy/bufrkit/pkg/descriptor"

// InMemory is a Provider backed by plain maps, for programmatically
// assembled table sets (and for tests).
type InMemory struct {
	Elements  map[descriptor.ID]*descriptor.Element
	Sequences map[descriptor.ID][]descriptor.ID
	Codes     map[descriptor.ID]map[int64]string
}

// NewInMemory returns an empty in-memory table set.
func NewInMemory() *InMemory {
	return &InMemory{
		Elements:  make(map[descriptor.ID]*descriptor.Element),
		Sequences: make(map[descriptor.ID][]descriptor.ID),
		Codes:     make(map[descriptor.ID]map[int64]string),
	}
}

// AddElement registers one table-B entry.
func (m *InMemory) AddElement(e *descriptor.Element) *InMemory {
	m.Elements[e.ID] = e
	return m
}

// AddSequence registers one table-D entry.
func (m *InMemory) AddSequence(id descriptor.ID, children ...descriptor.ID) *InMemory {
	m.Sequences[id] = children
	return m
}

// AddCode registers one code/flag table row.
func (m *InMemory) AddCode(id descriptor.ID, value int64, text string) *InMemory {
	if m.Codes[id] == nil {
		m.Codes[id] = make(map[int64]string)
	}
	m.Codes[id][value] = text
	return m
}

// LookupElement implements Provider.
func (m *InMemory) LookupElement(id descriptor.ID) (*descriptor.Element, error) {
	e, ok := m.Elements[id]
	if !ok {
		return nil, &ErrUnknownDescriptor{ID: id}
	}
	return e, nil
}

// LookupSequence implements Provider.
func (m *InMemory) LookupSequence(id descriptor.ID) ([]descriptor.ID, error) {
	children, ok := m.Sequences[id]
	if !ok {
		return nil, &ErrUnknownDescriptor{ID: id}
	}
	return children, nil
}

// LookupCode implements Provider.
func (m *InMemory) LookupCode(id descriptor.ID, value int64) (string, error) {
	text, ok := m.Codes[id][value]
	if !ok {
		return "", &ErrUnknownDescriptor{ID: id}
	}
	return text, nil
}
