package device

import "github.com/banshee-data/presence.report/internal/register"

// Names of the control registers every variant carries.
const (
	RegModeSelection    = "mode_selection"
	RegMainControl      = "main_control"
	RegStreamingControl = "streaming_control"
	RegStatus           = "status"
	RegProductID        = "product_identification"
	RegProductVersion   = "product_version"
)

// Main control commands.
const (
	ControlStop           uint32 = 0
	ControlCreate         uint32 = 1
	ControlActivate       uint32 = 2
	ControlCreateActivate uint32 = 3
	ControlClear          uint32 = 4
)

// Service modes accepted by mode_selection.
var ModeEnum = register.MustEnumeration(map[uint32]string{
	0x001: "power_bins",
	0x002: "envelope",
	0x003: "iq",
	0x004: "sparse",
	0x200: "distance",
	0x400: "presence",
})

// BaseRegisters are the control and identification registers shared by all
// module variants.
var BaseRegisters = []register.Def{
	{Name: RegModeSelection, Address: 0x02, Access: register.ReadWrite, Enum: ModeEnum},
	{Name: RegMainControl, Address: 0x03, Access: register.Write},
	{Name: RegStreamingControl, Address: 0x05, Access: register.ReadWrite},
	{Name: RegStatus, Address: 0x06, Access: register.Read},
	{Name: RegProductID, Address: 0x10, Access: register.Read},
	{Name: RegProductVersion, Address: 0x11, Access: register.Read},
}

// Variant names a module service and the registers it exposes.
type Variant struct {
	Name      string
	Registers []register.Def
}

// NewVariant composes BaseRegisters with the service specific defs.
func NewVariant(name string, defs ...register.Def) Variant {
	regs := make([]register.Def, 0, len(BaseRegisters)+len(defs))
	regs = append(regs, BaseRegisters...)
	regs = append(regs, defs...)
	return Variant{Name: name, Registers: regs}
}

// Base is the variant with only the shared registers, enough for module
// identification.
var Base = NewVariant("base")
