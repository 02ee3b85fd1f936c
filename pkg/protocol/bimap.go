package protocol

import "sort"

// bimap keeps a one-to-one mapping between names and ids. Inserting a name
// that already exists moves it to the new id and frees the old one; inserting
// an id held by a different name is refused.
type bimap struct {
	forward map[string]byte
	reverse map[byte]string
}

func newBimap() *bimap {
	return &bimap{
		forward: make(map[string]byte),
		reverse: make(map[byte]string),
	}
}

func (m *bimap) add(name string, id byte) error {
	if owner, ok := m.reverse[id]; ok && owner != name {
		return ErrIDInUse
	}
	if old, ok := m.forward[name]; ok {
		delete(m.reverse, old)
	}
	m.forward[name] = id
	m.reverse[id] = name
	return nil
}

// release unbinds name and frees its id.
func (m *bimap) release(name string) {
	if id, ok := m.forward[name]; ok {
		delete(m.reverse, id)
		delete(m.forward, name)
	}
}

func (m *bimap) id(name string) (byte, bool) {
	id, ok := m.forward[name]
	return id, ok
}

func (m *bimap) name(id byte) (string, bool) {
	name, ok := m.reverse[id]
	return name, ok
}

func (m *bimap) names() []string {
	out := make([]string, 0, len(m.forward))
	for name := range m.forward {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
