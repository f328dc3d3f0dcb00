package actuator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestFrame_EncodeMatchesController(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  []byte
	}{
		{"start", Start(), []byte{0xAA, 0x00, 0x03, 's', 't', 0xFF, 0xFF, 0xFF, 0xBB}},
		{"stop", Stop(), []byte{0xAA, 0x00, 0x03, 's', 'p', 0xFF, 0xFF, 0xFF, 0xBB}},
		{"delay", Delay(120), []byte{0xAA, 0x00, 0x05, 's', 'd', '1', '2', '0', 0xFF, 0xFF, 0xBB}},
		{"encoder divisor", EncoderDivisor(4), []byte{0xAA, 0x00, 0x03, 's', 'c', '4', 0xFF, 0xFF, 0xBB}},
		{"valve divisor", ValveDivisor(16), []byte{0xAA, 0x00, 0x04, 's', 'v', '1', '6', 0xFF, 0xFF, 0xBB}},
		{"auto test", AutoTest(), []byte{0xAA, 0x00, 0x05, 't', 'e', '2', '5', '7', 0xFF, 0xFF, 0xBB}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.frame.Encode(ChecksumNone)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("frame mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFrame_ValveDataHeader(t *testing.T) {
	bits := make([]byte, 32*256)
	bits[0] = 0x81
	got, err := ValveData(bits).Encode(ChecksumNone)
	require.NoError(t, err)
	require.Len(t, got, len(bits)+8)
	assert.Equal(t, []byte{0xAA, 0x20, 0x02, 'd', 'a', 0x81}, got[:6])
	assert.Equal(t, []byte{0xFF, 0xFF, 0xBB}, got[len(got)-3:])
}

func TestFrame_TestValveIsZeroBased(t *testing.T) {
	f, err := TestValve(1, 256)
	require.NoError(t, err)
	assert.Equal(t, "0", string(f.Payload))

	f, err = TestValve(256, 256)
	require.NoError(t, err)
	assert.Equal(t, "255", string(f.Payload))

	_, err = TestValve(0, 256)
	assert.Error(t, err)
	_, err = TestValve(257, 256)
	assert.Error(t, err)
}

func TestFrame_CRCRoundTrip(t *testing.T) {
	b, err := Delay(35).Encode(ChecksumCRC16)
	require.NoError(t, err)
	assert.NotEqual(t, []byte{0xFF, 0xFF}, b[len(b)-3:len(b)-1])

	f, err := Decode(b, ChecksumCRC16)
	require.NoError(t, err)
	assert.Equal(t, CmdDelay, f.Cmd)
	assert.Equal(t, "35", string(f.Payload))

	b[5] = '9'
	_, err = Decode(b, ChecksumCRC16)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestDecode_Malformed(t *testing.T) {
	good, err := Start().Encode(ChecksumNone)
	require.NoError(t, err)

	_, err = Decode(good[:len(good)-1], ChecksumNone)
	assert.ErrorIs(t, err, ErrFrame)

	bad := append([]byte(nil), good...)
	bad[2] = 0x09
	_, err = Decode(bad, ChecksumNone)
	assert.ErrorIs(t, err, ErrFrame)

	_, err = Frame{Cmd: "x"}.Encode(ChecksumNone)
	assert.ErrorIs(t, err, ErrFrame)
}

func TestParseChecksum(t *testing.T) {
	c, err := ParseChecksum("")
	require.NoError(t, err)
	assert.Equal(t, ChecksumNone, c)
	c, err = ParseChecksum("crc16")
	require.NoError(t, err)
	assert.Equal(t, ChecksumCRC16, c)
	_, err = ParseChecksum("md5")
	assert.Error(t, err)
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}, mode)

	mode, err = PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.EvenParity, mode.Parity)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)

	_, err = PortOptions{DataBits: 9}.SerialMode()
	assert.Error(t, err)
	_, err = PortOptions{StopBits: 3}.SerialMode()
	assert.Error(t, err)
	_, err = PortOptions{Parity: "mark"}.SerialMode()
	assert.Error(t, err)
}

func decodeAll(t *testing.T, writes [][]byte) []Frame {
	t.Helper()
	out := make([]Frame, 0, len(writes))
	for _, w := range writes {
		f, err := Decode(w, ChecksumNone)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

func TestLink_DropsOldestValveData(t *testing.T) {
	link, err := NewLink(LinkConfig{Opener: &MockOpener{}, QueueDepth: 2, Logf: func(string, ...interface{}) {}})
	require.NoError(t, err)

	link.SendValveData([]byte{1})
	link.SendValveData([]byte{2})
	link.SendValveData([]byte{3})
	require.NoError(t, link.Send(Stop()))

	stats := link.Stats()
	assert.EqualValues(t, 2, stats.Dropped)
	assert.Equal(t, 2, stats.Queued)

	require.NoError(t, link.Send(Start()))
	assert.ErrorIs(t, link.Send(Delay(1)), ErrQueueFull)
	link.SendValveData([]byte{4})
	assert.EqualValues(t, 4, link.Stats().Dropped)
}

func TestLink_SendsSetupThenQueue(t *testing.T) {
	opener := &MockOpener{}
	link, err := NewLink(LinkConfig{
		Opener: opener,
		Setup:  func() []Frame { return []Frame{Delay(10), Start()} },
		Logf:   func(string, ...interface{}) {},
	})
	require.NoError(t, err)
	link.SendValveData([]byte{0xAB})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx) }()

	require.Eventually(t, func() bool { return link.Stats().Sent == 3 }, time.Second, 5*time.Millisecond)
	ports := opener.Ports()
	require.Len(t, ports, 1)
	frames := decodeAll(t, ports[0].Writes())
	assert.Equal(t, []string{CmdDelay, CmdStart, CmdValveData}, []string{frames[0].Cmd, frames[1].Cmd, frames[2].Cmd})
	assert.Equal(t, []byte{0xAB}, frames[2].Payload)
	assert.True(t, link.Stats().Connected)

	link.Stop()
	link.Stop()
	assert.NoError(t, <-done)
	assert.False(t, link.Stats().Connected)
}

func TestLink_ReconnectsAndKeepsCommands(t *testing.T) {
	opener := &MockOpener{}
	opener.SetError(errors.New("connection refused"))
	link, err := NewLink(LinkConfig{Opener: opener, Logf: func(string, ...interface{}) {}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, link.Stats().Connected)
	opener.SetError(nil)
	require.Eventually(t, func() bool { return link.Stats().Connected }, 2*time.Second, 5*time.Millisecond)

	first := opener.Ports()[0]
	first.FailNextWrite(errors.New("broken pipe"))
	require.NoError(t, link.Send(Stop()))

	require.Eventually(t, func() bool { return len(opener.Ports()) == 2 && link.Stats().Sent == 1 }, 2*time.Second, 5*time.Millisecond)
	frames := decodeAll(t, opener.Ports()[1].Writes())
	require.Len(t, frames, 1)
	assert.Equal(t, CmdStop, frames[0].Cmd)
	assert.EqualValues(t, 1, link.Stats().Reconnects)

	cancel()
	assert.NoError(t, <-done)
}

func TestNewLink_Validation(t *testing.T) {
	_, err := NewLink(LinkConfig{})
	assert.Error(t, err)
	_, err = NewLink(LinkConfig{Opener: DiscardOpener{}, Checksum: "sha"})
	assert.Error(t, err)
}
