// Package detector owns the three byte channels shared with the external
// defect detector: two outbound payload streams and one inbound mask stream.
package detector

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrTimeout is returned when the mask does not arrive in time.
	ErrTimeout = errors.New("detector mask timeout")
	// ErrShortRead is returned when the mask channel ends mid-mask.
	ErrShortRead = errors.New("detector mask short read")
	// ErrClosed is returned when the detector closes a channel.
	ErrClosed = errors.New("detector channel closed")
)

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Conn is one attachment of the detector.
type Conn struct {
	spectral io.WriteCloser
	rgb      io.WriteCloser
	mask     io.ReadCloser

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps already opened channels.
func NewConn(spectral, rgb io.WriteCloser, mask io.ReadCloser) *Conn {
	return &Conn{spectral: spectral, rgb: rgb, mask: mask}
}

// Handshake announces the per-cycle payload sizes as decimal ASCII, one value
// per outbound channel.
func (c *Conn) Handshake(spectral, rgb int) error {
	if err := writeAll(c.spectral, []byte(strconv.Itoa(spectral))); err != nil {
		return fmt.Errorf("spectral handshake: %w", err)
	}
	if err := writeAll(c.rgb, []byte(strconv.Itoa(rgb))); err != nil {
		return fmt.Errorf("rgb handshake: %w", err)
	}
	return nil
}

// WriteSpectral sends one spectral payload.
func (c *Conn) WriteSpectral(p []byte) error {
	if err := writeAll(c.spectral, p); err != nil {
		return fmt.Errorf("write spectral payload: %w", err)
	}
	return nil
}

// WriteRGB sends one RGB payload.
func (c *Conn) WriteRGB(p []byte) error {
	if err := writeAll(c.rgb, p); err != nil {
		return fmt.Errorf("write rgb payload: %w", err)
	}
	return nil
}

// ReadMask fills buf from the mask channel. A zero timeout waits indefinitely.
// After ErrTimeout the mask stream position is unknown and the Conn should be
// closed.
func (c *Conn) ReadMask(buf []byte, timeout time.Duration) error {
	if timeout <= 0 {
		return maskErr(io.ReadFull(c.mask, buf))
	}
	if d, ok := c.mask.(deadliner); ok {
		if err := d.SetReadDeadline(time.Now().Add(timeout)); err == nil {
			n, err := io.ReadFull(c.mask, buf)
			_ = d.SetReadDeadline(time.Time{})
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return fmt.Errorf("%w after %v (%d of %d bytes)", ErrTimeout, timeout, n, len(buf))
			}
			return maskErr(n, err)
		}
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := io.ReadFull(c.mask, buf)
		done <- result{n, err}
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return maskErr(r.n, r.err)
	case <-timer.C:
		// unblock the reader; buf must not be reused until it returns
		_ = c.mask.Close()
		<-done
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
}

// Close closes all three channels.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.spectral.Close(), c.rgb.Close(), c.mask.Close())
	})
	return c.closeErr
}

func maskErr(n int, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return ErrClosed
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: got %d bytes", ErrShortRead, n)
	default:
		return fmt.Errorf("read mask: %w", err)
	}
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) {
				return fmt.Errorf("%w: %v", ErrClosed, err)
			}
			return err
		}
		p = p[n:]
	}
	return nil
}
