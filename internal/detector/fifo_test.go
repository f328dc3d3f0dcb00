//go:build linux

package detector

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fifoConfig(dir string) FIFOConfig {
	return FIFOConfig{
		SpectralPath: filepath.Join(dir, "img.fifo"),
		RGBPath:      filepath.Join(dir, "rgb.fifo"),
		MaskPath:     filepath.Join(dir, "mask.fifo"),
		Logf:         func(string, ...interface{}) {},
	}
}

func TestFIFODialer_EnsureCreatesPipes(t *testing.T) {
	cfg := fifoConfig(t.TempDir())
	d := NewFIFODialer(cfg)
	require.NoError(t, d.Ensure())
	require.NoError(t, d.Ensure(), "existing FIFOs are reused")

	info, err := os.Stat(cfg.MaskPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeNamedPipe)
}

func TestFIFODialer_EnsureRejectsRegularFile(t *testing.T) {
	cfg := fifoConfig(t.TempDir())
	require.NoError(t, os.WriteFile(cfg.RGBPath, []byte("x"), 0o644))
	assert.Error(t, NewFIFODialer(cfg).Ensure())
}

func TestFIFODialer_AttachTimeout(t *testing.T) {
	cfg := fifoConfig(t.TempDir())
	cfg.AttachTimeout = 100 * time.Millisecond
	_, err := NewFIFODialer(cfg).Dial(context.Background())
	assert.Error(t, err)
}

func TestFIFODialer_DialCancelled(t *testing.T) {
	cfg := fifoConfig(t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewFIFODialer(cfg).Dial(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFIFODialer_RoundTrip(t *testing.T) {
	cfg := fifoConfig(t.TempDir())
	d := NewFIFODialer(cfg)
	require.NoError(t, d.Ensure())

	type reader struct {
		f   *os.File
		err error
	}
	spectralCh := make(chan reader, 1)
	rgbCh := make(chan reader, 1)
	go func() {
		f, err := os.Open(cfg.SpectralPath)
		spectralCh <- reader{f, err}
	}()
	go func() {
		f, err := os.Open(cfg.RGBPath)
		rgbCh <- reader{f, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	spectral := <-spectralCh
	require.NoError(t, spectral.err)
	defer spectral.f.Close()
	rgb := <-rgbCh
	require.NoError(t, rgb.err)
	defer rgb.f.Close()

	require.NoError(t, conn.Handshake(16, 48))
	buf := make([]byte, 2)
	_, err = io.ReadFull(spectral.f, buf)
	require.NoError(t, err)
	assert.Equal(t, "16", string(buf))
	_, err = io.ReadFull(rgb.f, buf)
	require.NoError(t, err)
	assert.Equal(t, "48", string(buf))

	// no writer yet: the open of the mask end gives up at the deadline
	err = conn.ReadMask(make([]byte, 4), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	go writeMask(t, cfg.MaskPath, []byte{0, 1, 1, 0})
	mask := make([]byte, 4)
	require.NoError(t, conn.ReadMask(mask, 2*time.Second))
	assert.Equal(t, []byte{0, 1, 1, 0}, mask)

	// the writer has gone: the next mask is a closed channel, not a stall
	err = conn.ReadMask(mask, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

// writeMask plays the detector: it opens the mask FIFO, writes b and hangs up.
func writeMask(t *testing.T, path string, b []byte) {
	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Errorf("open mask writer: %v", err)
		return
	}
	defer w.Close()
	if _, err := w.Write(b); err != nil {
		t.Errorf("write mask: %v", err)
	}
}

// dialWithReaders attaches a Conn with the test holding the outbound read ends.
func dialWithReaders(t *testing.T, cfg FIFOConfig) *Conn {
	t.Helper()
	d := NewFIFODialer(cfg)
	require.NoError(t, d.Ensure())
	readers := make(chan *os.File, 2)
	for _, path := range []string{cfg.SpectralPath, cfg.RGBPath} {
		go func(path string) {
			f, err := os.Open(path)
			if err != nil {
				t.Errorf("open %s: %v", path, err)
			}
			readers <- f
		}(path)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		if f := <-readers; f != nil {
			t.Cleanup(func() { f.Close() })
		}
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestFIFO_MaskHangUpMidMask(t *testing.T) {
	cfg := fifoConfig(t.TempDir())
	conn := dialWithReaders(t, cfg)

	go writeMask(t, cfg.MaskPath, []byte{1, 0, 1})
	err := conn.ReadMask(make([]byte, 16), 2*time.Second)
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestFIFO_MaskHangUpUnbounded(t *testing.T) {
	cfg := fifoConfig(t.TempDir())
	conn := dialWithReaders(t, cfg)

	go writeMask(t, cfg.MaskPath, []byte{1})
	done := make(chan error, 1)
	go func() { done <- conn.ReadMask(make([]byte, 16), 0) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrShortRead)
	case <-time.After(3 * time.Second):
		t.Fatal("mask read with no timeout did not see the hang-up")
	}
}

func TestFIFO_CloseReleasesPendingMaskOpen(t *testing.T) {
	cfg := fifoConfig(t.TempDir())
	conn := dialWithReaders(t, cfg)

	done := make(chan error, 1)
	go func() { done <- conn.ReadMask(make([]byte, 4), 0) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Close())
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not release the mask open")
	}
}
