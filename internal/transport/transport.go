// Package transport implements the framed binary protocol spoken by the radar
// module over its serial link: command framing, response and stream frame
// parsing, and read deadlines. It knows nothing about register semantics.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// portPollInterval is the read timeout applied to ports that support one, so
// the reader goroutine notices Close without waiting for traffic.
const portPollInterval = 100 * time.Millisecond

// Transport owns one open serial connection. All exchanges are serialized:
// a register command and its response, or one stream frame read, hold the
// connection exclusively.
type Transport struct {
	port    SerialPorter
	timeout time.Duration

	mu      sync.Mutex
	pending []byte

	chunks  chan []byte
	done    chan struct{}
	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
	closeErr  error
}

// New wraps port and starts the reader goroutine. timeout bounds every
// ReadFrame call; zero selects DefaultTimeout.
func New(port SerialPorter, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(portPollInterval); err != nil {
			monitoring.Logf("failed to set serial read timeout: %v", err)
		}
	}
	t := &Transport{
		port:    port,
		timeout: timeout,
		chunks:  make(chan []byte, 16),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Timeout returns the per-read deadline.
func (t *Transport) Timeout() time.Duration {
	return t.timeout
}

// readLoop reads from the port and hands chunks to frame readers. The
// blocking Read never holds t.mu, so deadlines and cancellation stay
// responsive regardless of how the port behaves.
func (t *Transport) readLoop() {
	defer close(t.chunks)
	buf := make([]byte, 512)
	for {
		n, err := t.port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case t.chunks <- chunk:
			case <-t.done:
				return
			}
		}
		if err != nil {
			t.errMu.Lock()
			t.readErr = err
			t.errMu.Unlock()
			return
		}
		select {
		case <-t.done:
			return
		default:
		}
	}
}

func (t *Transport) closedErr() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.readErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, t.readErr)
	}
	return ErrClosed
}

// Close stops the reader and closes the port.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.closeErr = t.port.Close()
	})
	return t.closeErr
}

// WriteCommand frames and writes one command.
func (t *Transport) WriteCommand(ctx context.Context, frameType, addr byte, payload []byte) error {
	frame, err := EncodeCommand(frameType, addr, payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.write(ctx, frame)
}

func (t *Transport) write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	monitoring.Debugf("serial tx % X", frame)
	n, err := t.port.Write(frame)
	if err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	if n != len(frame) {
		return ErrWriteFailed
	}
	return nil
}

// ReadFrame returns the next frame of expectedType, discarding frames of any
// other type until the read timeout elapses.
func (t *Transport) ReadFrame(ctx context.Context, expectedType byte) (Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readFrame(ctx, expectedType)
}

func (t *Transport) readFrame(ctx context.Context, expectedType byte) (Frame, error) {
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	for {
		header, err := t.readFull(ctx, HeaderSize, timer.C)
		if err != nil {
			return Frame{}, err
		}
		length := int(binary.LittleEndian.Uint16(header[1:3]))
		data, err := t.readFull(ctx, length+1, timer.C)
		if err != nil {
			// a partial body leaves the stream misaligned
			t.pending = nil
			return Frame{}, err
		}
		if len(data) != length+1 {
			t.pending = nil
			return Frame{}, fmt.Errorf("%w: read %d body bytes, header declared %d", ErrFraming, len(data)-1, length)
		}
		if end := data[length]; end != EndMarker {
			t.pending = nil
			return Frame{}, fmt.Errorf("%w: terminator 0x%02X, want 0x%02X", ErrFraming, end, EndMarker)
		}
		frame := Frame{Type: header[3], Body: data[:length]}
		if frame.Type != expectedType {
			monitoring.Debugf("discarding frame type 0x%02X while waiting for 0x%02X", frame.Type, expectedType)
			continue
		}
		monitoring.Debugf("serial rx type 0x%02X body % X", frame.Type, frame.Body)
		return frame, nil
	}
}

// readFull returns exactly n bytes from the port, or fails on expiry,
// cancellation or a closed port.
func (t *Transport) readFull(ctx context.Context, n int, expired <-chan time.Time) ([]byte, error) {
	for len(t.pending) < n {
		select {
		case chunk, ok := <-t.chunks:
			if !ok {
				return nil, t.closedErr()
			}
			t.pending = append(t.pending, chunk...)
		case <-expired:
			return nil, fmt.Errorf("%w after %v", ErrTimeout, t.timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make([]byte, n)
	copy(out, t.pending[:n])
	t.pending = t.pending[n:]
	return out, nil
}

// exchange writes a command and waits for its response frame while holding
// the connection.
func (t *Transport) exchange(ctx context.Context, frameType, addr byte, payload []byte, responseType byte) (Frame, error) {
	frame, err := EncodeCommand(frameType, addr, payload)
	if err != nil {
		return Frame{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.write(ctx, frame); err != nil {
		return Frame{}, err
	}
	return t.readFrame(ctx, responseType)
}

// WriteRegister writes value to addr and checks the acknowledgment.
func (t *Transport) WriteRegister(ctx context.Context, addr uint8, value uint32) error {
	resp, err := t.exchange(ctx, TypeRegisterWrite, addr, binary.LittleEndian.AppendUint32(nil, value), TypeWriteAck)
	if err != nil {
		return fmt.Errorf("write register 0x%02X: %w", addr, err)
	}
	if len(resp.Body) < 1 || resp.Body[0] != addr {
		return fmt.Errorf("write register 0x%02X: %w: ack % X", addr, ErrProtocolMismatch, resp.Body)
	}
	return nil
}

// ReadRegister reads the 32-bit little-endian value at addr.
func (t *Transport) ReadRegister(ctx context.Context, addr uint8) (uint32, error) {
	resp, err := t.exchange(ctx, TypeRegisterRead, addr, nil, TypeReadResponse)
	if err != nil {
		return 0, fmt.Errorf("read register 0x%02X: %w", addr, err)
	}
	if len(resp.Body) != 5 {
		return 0, fmt.Errorf("read register 0x%02X: %w: payload length %d, want 5", addr, ErrProtocolMismatch, len(resp.Body))
	}
	if resp.Body[0] != addr {
		return 0, fmt.Errorf("read register 0x%02X: %w: response for 0x%02X", addr, ErrProtocolMismatch, resp.Body[0])
	}
	return binary.LittleEndian.Uint32(resp.Body[1:]), nil
}

// ReadBuffer reads the module data buffer starting at offset.
func (t *Transport) ReadBuffer(ctx context.Context, offset uint16) ([]byte, error) {
	resp, err := t.exchange(ctx, TypeBufferRead, BufferAddress, binary.LittleEndian.AppendUint16(nil, offset), TypeBufferData)
	if err != nil {
		return nil, fmt.Errorf("read buffer at %d: %w", offset, err)
	}
	if len(resp.Body) < 1 || resp.Body[0] != BufferAddress {
		return nil, fmt.Errorf("read buffer at %d: %w: body % X", offset, ErrProtocolMismatch, resp.Body)
	}
	return resp.Body[1:], nil
}

// ReadStream returns the body of the next streaming frame.
func (t *Transport) ReadStream(ctx context.Context) ([]byte, error) {
	frame, err := t.ReadFrame(ctx, TypeStream)
	if err != nil {
		return nil, err
	}
	return frame.Body, nil
}
