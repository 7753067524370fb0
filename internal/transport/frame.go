package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame markers and types of the module register protocol.
const (
	StartMarker byte = 0xCC
	EndMarker   byte = 0xCD

	TypeWriteAck      byte = 0xF5
	TypeReadResponse  byte = 0xF6
	TypeBufferData    byte = 0xF7
	TypeRegisterRead  byte = 0xF8
	TypeRegisterWrite byte = 0xF9
	TypeBufferRead    byte = 0xFA
	TypeStream        byte = 0xFE

	// BufferAddress is the pseudo register address used by buffer reads.
	BufferAddress byte = 0xE8

	// HeaderSize is the number of bytes before the frame body.
	HeaderSize = 4

	// MaxBodySize is the largest body that fits the 16-bit length field.
	MaxBodySize = 0xFFFF
)

var (
	// ErrFraming indicates a malformed frame or terminator mismatch.
	ErrFraming = errors.New("framing error")

	// ErrTimeout indicates no matching frame arrived within the read timeout.
	ErrTimeout = errors.New("timeout waiting for frame")

	// ErrProtocolMismatch indicates a response whose address or length does
	// not match the command that was sent.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrWriteFailed indicates a short write to the serial port.
	ErrWriteFailed = errors.New("failed to write to serial port")

	// ErrClosed is returned once the transport or its port has been closed.
	ErrClosed = errors.New("transport closed")

	// ErrIncomplete is returned by ParseFrame when buf holds a partial frame.
	ErrIncomplete = errors.New("incomplete frame")
)

// Frame is one decoded frame. Body excludes the header and terminator.
type Frame struct {
	Type byte
	Body []byte
}

// EncodeFrame builds [0xCC, lenLo, lenHi, type, body..., 0xCD].
func EncodeFrame(frameType byte, body []byte) ([]byte, error) {
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds %d", ErrFraming, len(body), MaxBodySize)
	}
	out := make([]byte, 0, HeaderSize+len(body)+1)
	out = append(out, StartMarker)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(body)))
	out = append(out, frameType)
	out = append(out, body...)
	out = append(out, EndMarker)
	return out, nil
}

// EncodeCommand builds a host command frame addressed to addr. The length
// field covers the address byte and the payload.
func EncodeCommand(frameType, addr byte, payload []byte) ([]byte, error) {
	body := make([]byte, 0, 1+len(payload))
	body = append(body, addr)
	body = append(body, payload...)
	return EncodeFrame(frameType, body)
}

// EncodeRegisterWrite builds the F9 command writing value to addr.
func EncodeRegisterWrite(addr byte, value uint32) []byte {
	frame, _ := EncodeCommand(TypeRegisterWrite, addr, binary.LittleEndian.AppendUint32(nil, value))
	return frame
}

// EncodeRegisterRead builds the F8 command reading addr.
func EncodeRegisterRead(addr byte) []byte {
	frame, _ := EncodeCommand(TypeRegisterRead, addr, nil)
	return frame
}

// EncodeBufferRead builds the FA command reading the data buffer at offset.
func EncodeBufferRead(offset uint16) []byte {
	frame, _ := EncodeCommand(TypeBufferRead, BufferAddress, binary.LittleEndian.AppendUint16(nil, offset))
	return frame
}

// ParseFrame decodes the first frame in buf and returns it with the number
// of bytes consumed. It returns ErrIncomplete when more bytes are needed.
// The first header byte is not interpreted.
func ParseFrame(buf []byte) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, ErrIncomplete
	}
	length := int(binary.LittleEndian.Uint16(buf[1:3]))
	total := HeaderSize + length + 1
	if len(buf) < total {
		return Frame{}, 0, ErrIncomplete
	}
	if buf[total-1] != EndMarker {
		return Frame{}, total, fmt.Errorf("%w: terminator 0x%02X, want 0x%02X", ErrFraming, buf[total-1], EndMarker)
	}
	body := make([]byte, length)
	copy(body, buf[HeaderSize:total-1])
	return Frame{Type: buf[3], Body: body}, total, nil
}
