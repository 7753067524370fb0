package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/banshee-data/presence.report/internal/register"
)

// Value is a register setting given either as a number or as the name of an
// enumeration member.
type Value struct {
	Number int64
	Name   string
}

// Num returns a numeric Value.
func Num(n int64) Value { return Value{Number: n} }

// Named returns a Value that is resolved through the register enumeration.
func Named(name string) Value { return Value{Name: name} }

// IsName reports whether v refers to an enumeration member.
func (v Value) IsName() bool { return v.Name != "" }

func (v Value) String() string {
	if v.IsName() {
		return v.Name
	}
	return strconv.FormatInt(v.Number, 10)
}

// MarshalJSON encodes names as strings and numbers as numbers.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsName() {
		return json.Marshal(v.Name)
	}
	return json.Marshal(v.Number)
}

// UnmarshalJSON accepts a JSON string or an integral number.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("register value must not be null")
	}
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		if name == "" {
			return fmt.Errorf("empty enumeration name")
		}
		*v = Value{Name: name}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("register value must be a number or a name: %w", err)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return fmt.Errorf("register value %v is not an integer", f)
	}
	*v = Value{Number: int64(f)}
	return nil
}

// UnmarshalTOML implements toml.Unmarshaler.
func (v *Value) UnmarshalTOML(data any) error {
	switch x := data.(type) {
	case int64:
		*v = Value{Number: x}
	case string:
		if x == "" {
			return fmt.Errorf("empty enumeration name")
		}
		*v = Value{Name: x}
	default:
		return fmt.Errorf("register value must be an integer or a name, got %T", data)
	}
	return nil
}

// ModuleConfig maps register names to the values written before a module is
// created.
type ModuleConfig map[string]Value

// Setting is one resolved ModuleConfig entry.
type Setting struct {
	Register *register.Register
	Value    uint32
}

// lifecycleOwned names registers written only by the lifecycle operations.
var lifecycleOwned = map[string]bool{
	RegMainControl: true,
}

// Resolve checks every entry against its register's write contract without
// any I/O and returns the settings in register definition order. Registers
// owned by the lifecycle are refused. Failures wrap ErrInvalidConfig.
func (c ModuleConfig) Resolve(set *register.Set) ([]Setting, error) {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)

	byName := make(map[string]Setting, len(c))
	for _, name := range names {
		if lifecycleOwned[name] {
			return nil, fmt.Errorf("%w: %s is set by the module lifecycle", ErrInvalidConfig, name)
		}
		reg, err := set.Lookup(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		val := c[name]
		n := val.Number
		if val.IsName() {
			u, err := reg.Lookup(val.Name)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
			}
			n = int64(u)
		}
		if err := reg.Check(n); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		byName[name] = Setting{Register: reg, Value: uint32(n)}
	}

	settings := make([]Setting, 0, len(byName))
	for _, reg := range set.All() {
		if s, ok := byName[reg.Name()]; ok {
			settings = append(settings, s)
		}
	}
	return settings, nil
}

// Validate is Resolve without the result.
func (c ModuleConfig) Validate(set *register.Set) error {
	_, err := c.Resolve(set)
	return err
}

// Clone returns a copy of c.
func (c ModuleConfig) Clone() ModuleConfig {
	out := make(ModuleConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
