package device

import (
	"fmt"
	"math/bits"
	"strings"
)

// Status is the raw value of the status register.
type Status uint32

const (
	statusCreated   Status = 1 << 0
	statusActivated Status = 1 << 1
	statusDataReady Status = 1 << 8

	errorShift = 16
)

var errorBitNames = map[int]string{
	16: "RSS register error",
	17: "configuration create error",
	18: "sensor create error",
	19: "sensor activate error",
	20: "processing create error",
	21: "processing data error",
	22: "buffer error",
}

// Created reports bit 0.
func (s Status) Created() bool { return s&statusCreated != 0 }

// Activated reports bit 1.
func (s Status) Activated() bool { return s&statusActivated != 0 }

// DataReady reports bit 8.
func (s Status) DataReady() bool { return s&statusDataReady != 0 }

// ErrorMask returns bits 16 to 31.
func (s Status) ErrorMask() uint16 { return uint16(s >> errorShift) }

// Errors names every error bit that is set, lowest bit first.
func (s Status) Errors() []string {
	mask := uint32(s.ErrorMask())
	var names []string
	for mask != 0 {
		bit := bits.TrailingZeros32(mask) + errorShift
		mask &= mask - 1
		if name, ok := errorBitNames[bit]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("unknown error bit %d", bit))
		}
	}
	return names
}

// Err wraps ErrModule with the named error bits whenever any are set.
func (s Status) Err() error {
	if s.ErrorMask() == 0 {
		return nil
	}
	return fmt.Errorf("%w: status 0x%08X: %s", ErrModule, uint32(s), strings.Join(s.Errors(), ", "))
}

// String describes the flags, for example "created, activated".
func (s Status) String() string {
	var parts []string
	if s.Created() {
		parts = append(parts, "created")
	}
	if s.Activated() {
		parts = append(parts, "activated")
	}
	if s.DataReady() {
		parts = append(parts, "data ready")
	}
	parts = append(parts, s.Errors()...)
	if len(parts) == 0 {
		return "stopped"
	}
	return strings.Join(parts, ", ")
}
