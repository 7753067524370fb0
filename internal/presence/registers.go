package presence

import (
	"fmt"

	"github.com/banshee-data/presence.report/internal/device"
	"github.com/banshee-data/presence.report/internal/register"
)

// Names of the presence service registers.
const (
	RegRangeStart       = "range_start"
	RegRangeLength      = "range_length"
	RegUpdateRate       = "update_rate"
	RegSensorPowerMode  = "sensor_power_mode"
	RegProfileSelection = "profile_selection"
)

var (
	PowerModeEnum = register.MustEnumeration(map[uint32]string{
		0: "off",
		1: "sleep",
		2: "ready",
		3: "active",
		4: "hibernate",
	})

	ProfileEnum = register.MustEnumeration(map[uint32]string{
		1: "profile_1",
		2: "profile_2",
		3: "profile_3",
		4: "profile_4",
		5: "profile_5",
	})
)

// Variant is the presence detector register map.
var Variant = device.NewVariant("presence",
	register.Def{Name: RegRangeStart, Address: 0x20, Access: register.ReadWrite},
	register.Def{Name: RegRangeLength, Address: 0x21, Access: register.ReadWrite},
	register.Def{Name: RegUpdateRate, Address: 0x23, Access: register.ReadWrite},
	register.Def{Name: RegSensorPowerMode, Address: 0x25, Access: register.ReadWrite, Enum: PowerModeEnum},
	register.Def{Name: RegProfileSelection, Address: 0x28, Access: register.ReadWrite, Enum: ProfileEnum},
)

// requiredKeys must appear in every detector configuration.
var requiredKeys = []string{
	RegRangeStart,
	RegRangeLength,
	RegUpdateRate,
	device.RegStreamingControl,
	device.RegModeSelection,
}

// schema is Variant without a backend, used to validate configurations.
var schema = func() *register.Set {
	s, err := register.NewSet(nil, nil, Variant.Registers...)
	if err != nil {
		panic(err)
	}
	return s
}()

// DefaultConfig returns the stock presence configuration.
func DefaultConfig() device.ModuleConfig {
	return device.ModuleConfig{
		device.RegStreamingControl: device.Num(1),
		device.RegModeSelection:    device.Named("presence"),
		RegRangeStart:              device.Num(500),
		RegRangeLength:             device.Num(5000),
		RegUpdateRate:              device.Num(1000),
		RegProfileSelection:        device.Num(5),
		RegSensorPowerMode:         device.Named("active"),
	}
}

// ValidateConfig checks that cfg defines every required register and that
// each value is acceptable to its register. Failures wrap
// device.ErrInvalidConfig.
func ValidateConfig(cfg device.ModuleConfig) error {
	for _, key := range requiredKeys {
		if _, ok := cfg[key]; !ok {
			return fmt.Errorf("%w: missing %s", device.ErrInvalidConfig, key)
		}
	}
	return cfg.Validate(schema)
}
