package detector

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipes struct {
	spectralR, rgbR *io.PipeReader
	maskW           *io.PipeWriter
	conn            *Conn
}

func newPipes() *pipes {
	sr, sw := io.Pipe()
	rr, rw := io.Pipe()
	mr, mw := io.Pipe()
	return &pipes{spectralR: sr, rgbR: rr, maskW: mw, conn: NewConn(sw, rw, mr)}
}

func readN(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	return buf
}

func TestConn_HandshakeIsDecimalASCII(t *testing.T) {
	p := newPipes()
	defer p.conn.Close()

	go func() { _ = p.conn.Handshake(90112, 12582912) }()
	assert.Equal(t, "90112", string(readN(t, p.spectralR, 5)))
	assert.Equal(t, "12582912", string(readN(t, p.rgbR, 8)))
}

func TestConn_PayloadOrder(t *testing.T) {
	p := newPipes()
	defer p.conn.Close()

	errs := make(chan error, 1)
	go func() {
		if err := p.conn.WriteSpectral([]byte{1, 2, 3}); err != nil {
			errs <- err
			return
		}
		errs <- p.conn.WriteRGB([]byte{4, 5})
	}()
	assert.Equal(t, []byte{1, 2, 3}, readN(t, p.spectralR, 3))
	assert.Equal(t, []byte{4, 5}, readN(t, p.rgbR, 2))
	assert.NoError(t, <-errs)
}

func TestConn_ReadMask(t *testing.T) {
	p := newPipes()
	defer p.conn.Close()

	go func() {
		// split across writes to exercise the full read
		_, _ = p.maskW.Write([]byte{1, 0})
		_, _ = p.maskW.Write([]byte{0, 1})
	}()
	buf := make([]byte, 4)
	require.NoError(t, p.conn.ReadMask(buf, 0))
	assert.Equal(t, []byte{1, 0, 0, 1}, buf)
}

func TestConn_ReadMaskShortAndClosed(t *testing.T) {
	p := newPipes()
	go func() {
		_, _ = p.maskW.Write([]byte{1, 1})
		p.maskW.Close()
	}()
	err := p.conn.ReadMask(make([]byte, 4), 0)
	assert.ErrorIs(t, err, ErrShortRead)

	q := newPipes()
	q.maskW.Close()
	err = q.conn.ReadMask(make([]byte, 4), 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConn_ReadMaskTimeout(t *testing.T) {
	p := newPipes()
	start := time.Now()
	err := p.conn.ReadMask(make([]byte, 4), 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.NoError(t, p.conn.Close())
}

func TestConn_WriteAfterDetectorLeft(t *testing.T) {
	p := newPipes()
	p.spectralR.Close()
	err := p.conn.WriteSpectral([]byte{1})
	assert.ErrorIs(t, err, ErrClosed)
}
