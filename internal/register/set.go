package register

import (
	"fmt"

	"github.com/banshee-data/presence.report/internal/timeutil"
)

// Set is the register map of one module variant bound to a backend.
type Set struct {
	ordered []*Register
	byName  map[string]*Register
}

// NewSet binds defs to backend. Duplicate names or addresses are rejected.
// A nil clock selects timeutil.RealClock.
func NewSet(backend Backend, clock timeutil.Clock, defs ...Def) (*Set, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Set{byName: make(map[string]*Register, len(defs))}
	addrs := make(map[uint8]string, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("register at 0x%02X has no name", d.Address)
		}
		if _, ok := s.byName[d.Name]; ok {
			return nil, fmt.Errorf("duplicate register name %q", d.Name)
		}
		if other, ok := addrs[d.Address]; ok {
			return nil, fmt.Errorf("registers %q and %q share address 0x%02X", other, d.Name, d.Address)
		}
		r := &Register{def: d, backend: backend, clock: clock}
		s.ordered = append(s.ordered, r)
		s.byName[d.Name] = r
		addrs[d.Address] = d.Name
	}
	return s, nil
}

// Lookup returns the register called name.
func (s *Set) Lookup(name string) (*Register, error) {
	r, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownRegister, name)
	}
	return r, nil
}

// Must is like Lookup but panics for unknown names. It is meant for
// registers every variant is known to carry.
func (s *Set) Must(name string) *Register {
	r, err := s.Lookup(name)
	if err != nil {
		panic(err)
	}
	return r
}

// All returns the registers in definition order.
func (s *Set) All() []*Register {
	out := make([]*Register, len(s.ordered))
	copy(out, s.ordered)
	return out
}
