// Package actuator frames commands and valve bitstreams for the ejector
// controller and delivers them over a serial or TCP link.
package actuator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/snksoft/crc"
)

const (
	frameStart = 0xAA
	frameEnd   = 0xBB
	// trailer placeholder when no checksum is configured
	noChecksum = 0xFFFF

	// headerLen is start, two length bytes and the two-letter command
	headerLen = 5
	// trailerLen is the two checksum bytes and the end marker
	trailerLen = 3
)

// Command mnemonics understood by the controller.
const (
	CmdStart          = "st"
	CmdStop           = "sp"
	CmdDelay          = "sd"
	CmdEncoderDivisor = "sc"
	CmdValveDivisor   = "sv"
	CmdTest           = "te"
	CmdValveData      = "da"
)

// AutoTestChannel asks the controller to cycle through every valve.
const AutoTestChannel = 257

// Checksum selects the frame trailer.
type Checksum string

const (
	ChecksumNone  Checksum = "none"
	ChecksumCRC16 Checksum = "crc16"
)

var (
	// ErrFrame is returned for a malformed frame.
	ErrFrame = errors.New("malformed actuator frame")
	// ErrChecksum is returned when a CRC trailer does not match.
	ErrChecksum = errors.New("actuator frame checksum mismatch")
)

var crcTable = crc.NewTable(crc.XMODEM)

// ParseChecksum maps a configuration value to a Checksum.
func ParseChecksum(s string) (Checksum, error) {
	switch Checksum(s) {
	case "", ChecksumNone:
		return ChecksumNone, nil
	case ChecksumCRC16:
		return ChecksumCRC16, nil
	}
	return "", fmt.Errorf("unknown checksum %q", s)
}

// Frame is one controller message.
type Frame struct {
	Cmd     string
	Payload []byte
}

// IsData reports whether f carries a valve bitstream.
func (f Frame) IsData() bool { return f.Cmd == CmdValveData }

func (f Frame) String() string {
	if f.IsData() {
		return fmt.Sprintf("%s[%d bytes]", f.Cmd, len(f.Payload))
	}
	return f.Cmd + string(f.Payload)
}

// Encode lays out
//
//	0xAA | len (uint16 BE) | cmd[2] | payload | check (uint16 BE) | 0xBB
//
// where len counts the command and payload bytes and check is 0xFFFF or the
// CRC-16/XMODEM of the length, command and payload bytes.
func (f Frame) Encode(sum Checksum) ([]byte, error) {
	if len(f.Cmd) != 2 {
		return nil, fmt.Errorf("%w: command %q is not two bytes", ErrFrame, f.Cmd)
	}
	n := 2 + len(f.Payload)
	if n > 0xFFFF {
		return nil, fmt.Errorf("%w: payload of %d bytes too long", ErrFrame, len(f.Payload))
	}

	out := make([]byte, 0, headerLen+len(f.Payload)+trailerLen)
	out = append(out, frameStart, byte(n>>8), byte(n))
	out = append(out, f.Cmd...)
	out = append(out, f.Payload...)

	check := uint16(noChecksum)
	if sum == ChecksumCRC16 {
		check = checksum(out[1:])
	}
	out = binary.BigEndian.AppendUint16(out, check)
	return append(out, frameEnd), nil
}

// Decode parses one complete frame.
func Decode(b []byte, sum Checksum) (Frame, error) {
	if len(b) < headerLen+trailerLen || b[0] != frameStart || b[len(b)-1] != frameEnd {
		return Frame{}, ErrFrame
	}
	n := int(binary.BigEndian.Uint16(b[1:3]))
	if n < 2 || headerLen-2+n+trailerLen != len(b) {
		return Frame{}, fmt.Errorf("%w: length field %d for %d byte frame", ErrFrame, n, len(b))
	}
	body := b[1 : 3+n]
	got := binary.BigEndian.Uint16(b[3+n:])
	if sum == ChecksumCRC16 {
		if want := checksum(body); got != want {
			return Frame{}, fmt.Errorf("%w: got %04x want %04x", ErrChecksum, got, want)
		}
	}
	return Frame{Cmd: string(b[3:5]), Payload: append([]byte(nil), b[5:3+n]...)}, nil
}

func checksum(b []byte) uint16 {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, b)
	return crcTable.CRC16(c)
}

// Start arms the controller.
func Start() Frame { return Frame{Cmd: CmdStart, Payload: []byte{0xFF}} }

// Stop disarms the controller.
func Stop() Frame { return Frame{Cmd: CmdStop, Payload: []byte{0xFF}} }

// Delay sets the trigger-to-valve delay in encoder counts.
func Delay(n int) Frame { return decimal(CmdDelay, n) }

// EncoderDivisor sets the belt encoder divisor.
func EncoderDivisor(n int) Frame { return decimal(CmdEncoderDivisor, n) }

// ValveDivisor sets the valve row divisor.
func ValveDivisor(n int) Frame { return decimal(CmdValveDivisor, n) }

// TestValve fires one valve. channel is 1-based; the controller numbers
// valves from zero.
func TestValve(channel, channels int) (Frame, error) {
	if channel < 1 || channel > channels {
		return Frame{}, fmt.Errorf("valve %d out of range 1..%d", channel, channels)
	}
	return decimal(CmdTest, channel-1), nil
}

// AutoTest cycles through every valve.
func AutoTest() Frame { return decimal(CmdTest, AutoTestChannel) }

// ValveData carries one packed valve bitstream.
func ValveData(bits []byte) Frame { return Frame{Cmd: CmdValveData, Payload: bits} }

func decimal(cmd string, n int) Frame {
	return Frame{Cmd: cmd, Payload: []byte(strconv.Itoa(n))}
}
