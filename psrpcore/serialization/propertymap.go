package serialization

import "strings"

// PropertyMap is an ordered name -> PsValue map with first-case-sensitive,
// then-case-insensitive lookup. Insertion order is preserved for
// emission.
type PropertyMap struct {
	order  []string
	values map[string]PsValue
}

// NewPropertyMap returns an empty PropertyMap.
func NewPropertyMap() *PropertyMap {
	return &PropertyMap{values: make(map[string]PsValue)}
}

// Set assigns name -> value, appending name to the insertion order the
// first time it's seen and overwriting in place on repeat sets.
func (m *PropertyMap) Set(name string, value PsValue) {
	if _, exists := m.values[name]; !exists {
		m.order = append(m.order, name)
	}
	m.values[name] = value
}

// Get looks up name, case-sensitive first, then case-insensitive.
func (m *PropertyMap) Get(name string) (PsValue, bool) {
	if v, ok := m.values[name]; ok {
		return v, true
	}
	lower := strings.ToLower(name)
	for _, k := range m.order {
		if strings.ToLower(k) == lower {
			return m.values[k], true
		}
	}
	return nil, false
}

// Len returns the number of properties.
func (m *PropertyMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.order)
}

// Names returns property names in insertion order.
func (m *PropertyMap) Names() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Each calls fn for every property, in insertion order.
func (m *PropertyMap) Each(fn func(name string, value PsValue)) {
	if m == nil {
		return
	}
	for _, name := range m.order {
		fn(name, m.values[name])
	}
}
