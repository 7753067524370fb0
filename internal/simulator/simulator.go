// Package simulator emulates a radar module at the register level behind an
// in-memory serial port. It answers register and buffer commands, applies
// main control commands to the status register and emits stream frames once
// the host has observed activation.
package simulator

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/transport"
)

// Register addresses the simulator gives meaning to.
const (
	addrMainControl = 0x03
	addrStatus      = 0x06
	addrProductID   = 0x10
	addrVersion     = 0x11
)

// Status bits.
const (
	StatusCreated   uint32 = 1 << 0
	StatusActivated uint32 = 1 << 1
	StatusDataReady uint32 = 1 << 8
	errorMask       uint32 = 0xFFFF0000
)

// Identification reported by a default Module.
const (
	DefaultProductID uint32 = 0x00000112
	DefaultVersion   uint32 = 0x00020009
)

// Write is one register write received by the module.
type Write struct {
	Addr  uint8
	Value uint32
}

// Module is a simulated radar module. The zero value is not usable; call New.
type Module struct {
	mu           sync.Mutex
	port         *transport.TestableSerialPort
	regs         map[uint8]uint32
	status       uint32
	frozen       map[uint8]bool
	createErr    uint32
	activateErr  uint32
	failCreate   bool
	failActivate bool
	failStop     bool
	buffer       []byte
	queued       [][]byte
	writes       []Write
}

// New returns a stopped module with default identification.
func New() *Module {
	m := &Module{
		regs:   map[uint8]uint32{addrProductID: DefaultProductID, addrVersion: DefaultVersion},
		frozen: make(map[uint8]bool),
	}
	m.port = m.newPort()
	return m
}

func (m *Module) newPort() *transport.TestableSerialPort {
	p := transport.NewTestableSerialPort()
	p.OnWrite = m.handle
	return p
}

// Port returns the host side of the current serial link.
func (m *Module) Port() *transport.TestableSerialPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

// Open satisfies transport.PortOpener. Every path resolves to this module;
// each call replaces the link, as reconnecting a cable would.
func (m *Module) Open(string, transport.PortOptions) (transport.SerialPorter, error) {
	p := m.newPort()
	m.mu.Lock()
	m.port = p
	m.mu.Unlock()
	return p, nil
}

// NeverConfirm makes writes to addr acknowledged but not stored, so reads
// keep returning the old value.
func (m *Module) NeverConfirm(addr uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen[addr] = true
}

// InjectCreateError sets bits in the status error mask when the service is
// created. Only bits 16 to 31 are used.
func (m *Module) InjectCreateError(bits uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = bits & errorMask
}

// InjectActivateError sets bits in the status error mask on activation.
func (m *Module) InjectActivateError(bits uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activateErr = bits & errorMask
}

// FailCreate makes create commands leave the created bit clear.
func (m *Module) FailCreate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreate = true
}

// FailActivate makes activate commands leave the activated bit clear.
func (m *Module) FailActivate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failActivate = true
}

// FailStop makes the status register ignore stop and clear commands.
func (m *Module) FailStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStop = true
}

// SetStatus overwrites the status register.
func (m *Module) SetStatus(v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = v
}

// SetRegister overwrites a plain register value.
func (m *Module) SetRegister(addr uint8, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[addr] = v
}

// Register returns the stored value at addr.
func (m *Module) Register(addr uint8) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr == addrStatus {
		return m.status
	}
	return m.regs[addr]
}

// SetBuffer sets the data returned by buffer reads.
func (m *Module) SetBuffer(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = append([]byte(nil), data...)
}

// QueueStream queues a stream frame body. Queued frames are sent right
// after the next status read that shows the module activated.
func (m *Module) QueueStream(body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, append([]byte(nil), body...))
}

// Writes returns every register write received, in order.
func (m *Module) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Write, len(m.writes))
	copy(out, m.writes)
	return out
}

// WritesTo returns the values written to addr, in order.
func (m *Module) WritesTo(addr uint8) []uint32 {
	var out []uint32
	for _, w := range m.Writes() {
		if w.Addr == addr {
			out = append(out, w.Value)
		}
	}
	return out
}

// Activated reports whether the activated status bit is set.
func (m *Module) Activated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status&StatusActivated != 0
}

// handle answers one or more command frames written by the host.
func (m *Module) handle(p []byte) []byte {
	var reply []byte
	for len(p) > 0 {
		cmd, n, err := transport.ParseFrame(p)
		if err != nil {
			monitoring.Logf("simulator: dropping % X: %v", p, err)
			return reply
		}
		p = p[n:]
		reply = append(reply, m.answer(cmd)...)
	}
	return reply
}

func (m *Module) answer(cmd transport.Frame) []byte {
	if len(cmd.Body) == 0 {
		return nil
	}
	addr := cmd.Body[0]
	args := cmd.Body[1:]

	m.mu.Lock()
	defer m.mu.Unlock()

	switch cmd.Type {
	case transport.TypeRegisterWrite:
		if len(args) != 4 {
			return nil
		}
		v := binary.LittleEndian.Uint32(args)
		m.writes = append(m.writes, Write{Addr: addr, Value: v})
		m.applyWrite(addr, v)
		return frame(transport.TypeWriteAck, []byte{addr})

	case transport.TypeRegisterRead:
		v := m.regs[addr]
		if addr == addrStatus {
			v = m.status
		}
		out := frame(transport.TypeReadResponse, binary.LittleEndian.AppendUint32([]byte{addr}, v))
		if addr == addrStatus && m.status&StatusActivated != 0 {
			for _, body := range m.queued {
				out = append(out, frame(transport.TypeStream, body)...)
			}
			m.queued = nil
		}
		return out

	case transport.TypeBufferRead:
		if addr != transport.BufferAddress || len(args) != 2 {
			return nil
		}
		offset := int(binary.LittleEndian.Uint16(args))
		data := []byte{}
		if offset < len(m.buffer) {
			data = m.buffer[offset:]
		}
		return frame(transport.TypeBufferData, append([]byte{transport.BufferAddress}, data...))
	}
	return nil
}

// applyWrite must be called with m.mu held.
func (m *Module) applyWrite(addr uint8, v uint32) {
	if m.frozen[addr] {
		return
	}
	switch addr {
	case addrMainControl:
		m.control(v)
	case addrStatus:
		// read only
	default:
		m.regs[addr] = v
	}
}

func (m *Module) control(cmd uint32) {
	switch cmd {
	case 0:
		if !m.failStop {
			m.status &^= StatusCreated | StatusActivated | StatusDataReady
		}
	case 1:
		m.create()
	case 2:
		m.activate()
	case 3:
		m.create()
		m.activate()
	case 4:
		if !m.failStop {
			m.status &^= errorMask
		}
	}
}

func (m *Module) create() {
	m.status |= m.createErr
	if !m.failCreate {
		m.status |= StatusCreated
	}
}

func (m *Module) activate() {
	m.status |= m.activateErr
	if !m.failActivate && m.status&StatusCreated != 0 {
		m.status |= StatusActivated | StatusDataReady
	}
}

func frame(frameType byte, body []byte) []byte {
	f, err := transport.EncodeFrame(frameType, body)
	if err != nil {
		panic(err)
	}
	return f
}

// StreamBody builds a presence stream frame body:
// FD 00 00 [addr val]* FE 00 00 00 presence score distance.
func StreamBody(present bool, score, distance float32, info map[uint8]uint32) []byte {
	body := []byte{0xFD, 0x00, 0x00}
	for addr := 0; addr < 0xFE; addr++ {
		if v, ok := info[uint8(addr)]; ok {
			body = append(body, uint8(addr))
			body = binary.LittleEndian.AppendUint32(body, v)
		}
	}
	body = append(body, 0xFE, 0x00, 0x00, 0x00)
	if present {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}
	body = binary.LittleEndian.AppendUint32(body, math.Float32bits(score))
	body = binary.LittleEndian.AppendUint32(body, math.Float32bits(distance))
	return body
}

// Generate emits one stream frame every interval while the module is
// activated, until ctx ends. next produces the sample for tick i.
func (m *Module) Generate(ctx context.Context, interval time.Duration, next func(i int) (present bool, score, distance float32)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; ; {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.Activated() {
				continue
			}
			present, score, distance := next(i)
			m.Port().AddReadData(frame(transport.TypeStream, StreamBody(present, score, distance, nil)))
			i++
		}
	}
}

// Wave is a Generate source that sweeps a target through the range so the
// dev gateway has something to show.
func Wave(i int) (bool, float32, float32) {
	phase := float64(i) / 20
	distance := 1.5 + math.Sin(phase)
	score := 0.5 + 0.5*math.Cos(phase/2)
	return score > 0.3, float32(score), float32(distance)
}
