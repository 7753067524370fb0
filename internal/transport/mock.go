package transport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// TestableSerialPort is an in-memory SerialPorter for tests. Reads block
// until data is added or the port is closed, like a real port without a
// read timeout.
type TestableSerialPort struct {
	mu sync.Mutex

	readBuffer  *bytes.Buffer
	writeBuffer *bytes.Buffer

	// OnWrite, when set, is called with each written frame and may return
	// bytes to queue for reading, emulating a device that answers commands.
	OnWrite func(p []byte) []byte

	// WriteError is returned (once) by the next Write if set.
	WriteError error

	// ShortWrite makes Write report one byte fewer than it was given.
	ShortWrite bool

	closed      bool
	readTimeout time.Duration
	writeCalls  int
	readCond    *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{
		readBuffer:  bytes.NewBuffer(nil),
		writeBuffer: bytes.NewBuffer(nil),
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Read blocks until data is available or the port is closed.
func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.closed && p.readBuffer.Len() == 0 {
		p.readCond.Wait()
	}
	if p.closed {
		return 0, errors.New("serial port closed")
	}
	return p.readBuffer.Read(b)
}

// Write records p and queues any reply produced by OnWrite.
func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.writeCalls++
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("serial port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		p.mu.Unlock()
		return 0, err
	}
	p.writeBuffer.Write(b)
	onWrite := p.OnWrite
	short := p.ShortWrite
	p.mu.Unlock()

	if onWrite != nil {
		if reply := onWrite(append([]byte(nil), b...)); len(reply) > 0 {
			p.AddReadData(reply)
		}
	}
	if short {
		return len(b) - 1, nil
	}
	return len(b), nil
}

// Close marks the port as closed and wakes blocked readers.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// SetReadTimeout implements TimeoutSerialPorter.
func (p *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = timeout
	return nil
}

// ReadTimeout returns the timeout last set through SetReadTimeout.
func (p *TestableSerialPort) ReadTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readTimeout
}

// AddReadData adds data to be returned by subsequent Read calls.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuffer.Write(data)
	p.readCond.Broadcast()
}

// WrittenData returns a copy of everything written to the port.
func (p *TestableSerialPort) WrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.writeBuffer.Bytes()...)
}

// WriteCalls returns the number of Write calls.
func (p *TestableSerialPort) WriteCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeCalls
}

// Closed reports whether Close has been called.
func (p *TestableSerialPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
