package register

import (
	"fmt"
	"sort"
)

// Enumeration is a closed, bijective mapping between register values and
// their names.
type Enumeration struct {
	byValue map[uint32]string
	byName  map[string]uint32
}

// NewEnumeration builds an Enumeration from a value to name table. Two values
// sharing a name, or an empty name, are rejected.
func NewEnumeration(values map[uint32]string) (*Enumeration, error) {
	e := &Enumeration{
		byValue: make(map[uint32]string, len(values)),
		byName:  make(map[string]uint32, len(values)),
	}
	for v, name := range values {
		if name == "" {
			return nil, fmt.Errorf("enumeration value %d has an empty name", v)
		}
		if other, ok := e.byName[name]; ok {
			return nil, fmt.Errorf("enumeration name %q used for both %d and %d", name, other, v)
		}
		e.byValue[v] = name
		e.byName[name] = v
	}
	return e, nil
}

// MustEnumeration is like NewEnumeration but panics on error. It is meant
// for package-level register tables.
func MustEnumeration(values map[uint32]string) *Enumeration {
	e, err := NewEnumeration(values)
	if err != nil {
		panic(err)
	}
	return e
}

// Name returns the name bound to v.
func (e *Enumeration) Name(v uint32) (string, bool) {
	name, ok := e.byValue[v]
	return name, ok
}

// Value returns the value bound to name.
func (e *Enumeration) Value(name string) (uint32, bool) {
	v, ok := e.byName[name]
	return v, ok
}

// Contains reports whether v is a member of the enumeration.
func (e *Enumeration) Contains(v int64) bool {
	if v < 0 || v > MaxValue {
		return false
	}
	_, ok := e.byValue[uint32(v)]
	return ok
}

// Names returns every name ordered by value.
func (e *Enumeration) Names() []string {
	values := make([]uint32, 0, len(e.byValue))
	for v := range e.byValue {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	names := make([]string, len(values))
	for i, v := range values {
		names[i] = e.byValue[v]
	}
	return names
}

// Len returns the number of members.
func (e *Enumeration) Len() int {
	return len(e.byValue)
}
