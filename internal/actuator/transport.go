package actuator

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"go.bug.st/serial"
)

// Port is the write side of a controller connection.
type Port interface {
	io.Writer
	io.Closer
}

// Opener establishes a new Port. It is called again after every write failure.
type Opener interface {
	Open(ctx context.Context) (Port, error)
	String() string
}

// PortOptions describes the serial line to the controller.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into the go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	switch opts.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// SerialOpener opens a local serial device.
type SerialOpener struct {
	Path    string
	Options PortOptions
}

// Open implements Opener.
func (s SerialOpener) Open(ctx context.Context) (Port, error) {
	mode, err := s.Options.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(s.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", s.Path, err)
	}
	return port, nil
}

func (s SerialOpener) String() string { return "serial:" + s.Path }

// TCPOpener dials the controller's TCP server.
type TCPOpener struct {
	Address string
}

// Open implements Opener.
func (t TCPOpener) Open(ctx context.Context) (Port, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (t TCPOpener) String() string { return "tcp:" + t.Address }

// DiscardOpener accepts and drops every frame. It stands in for the
// controller when none is attached.
type DiscardOpener struct{}

// Open implements Opener.
func (DiscardOpener) Open(context.Context) (Port, error) { return discardPort{}, nil }

func (DiscardOpener) String() string { return "none" }

type discardPort struct{}

func (discardPort) Write(p []byte) (int, error) { return len(p), nil }
func (discardPort) Close() error                { return nil }

// MockPort records written frames for tests and the simulator.
type MockPort struct {
	mu       sync.Mutex
	writes   [][]byte
	failNext error
	closed   bool
}

// Write records a copy of p.
func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return 0, err
	}
	if m.closed {
		return 0, net.ErrClosed
	}
	m.writes = append(m.writes, append([]byte(nil), p...))
	return len(p), nil
}

// Close marks the port closed.
func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FailNextWrite makes the next Write return err.
func (m *MockPort) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Writes returns copies of the recorded writes.
func (m *MockPort) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

// MockOpener hands out fresh MockPorts and records them.
type MockOpener struct {
	mu    sync.Mutex
	ports []*MockPort
	err   error
}

// Open implements Opener.
func (m *MockOpener) Open(context.Context) (Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	p := &MockPort{}
	m.ports = append(m.ports, p)
	return p, nil
}

// SetError makes subsequent opens fail with err; nil restores them.
func (m *MockOpener) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Ports returns every port handed out so far.
func (m *MockOpener) Ports() []*MockPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockPort(nil), m.ports...)
}

func (m *MockOpener) String() string { return "mock" }
