package detector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/banshee-data/sortline/internal/monitoring"
)

// Dialer attaches to the detector.
type Dialer interface {
	Dial(ctx context.Context) (*Conn, error)
}

// FIFOConfig names the detector FIFOs.
type FIFOConfig struct {
	SpectralPath string
	RGBPath      string
	MaskPath     string
	// AttachTimeout bounds the wait for the detector to open its read ends.
	// Zero waits indefinitely.
	AttachTimeout time.Duration
	Logf          monitoring.Logger
}

// FIFODialer opens the detector channels as named pipes.
type FIFODialer struct {
	cfg  FIFOConfig
	logf monitoring.Logger
}

// NewFIFODialer returns a dialer for cfg.
func NewFIFODialer(cfg FIFOConfig) *FIFODialer {
	return &FIFODialer{cfg: cfg, logf: monitoring.Or(cfg.Logf, "detector")}
}

// Ensure creates any missing FIFO. An existing path that is not a FIFO is an
// error.
func (d *FIFODialer) Ensure() error {
	for _, path := range []string{d.cfg.SpectralPath, d.cfg.RGBPath, d.cfg.MaskPath} {
		if err := ensureFIFO(path); err != nil {
			return err
		}
	}
	return nil
}

func ensureFIFO(path string) error {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if info.Mode()&fs.ModeNamedPipe == 0 {
			return fmt.Errorf("%s exists and is not a FIFO", path)
		}
		return nil
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := unix.Mkfifo(path, 0o666); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

// Dial creates the FIFOs if needed and opens them. Outbound ends are opened
// non-blocking and retried until the detector has opened its read end. The
// mask end is opened read-only on the first mask read, once the detector has
// had the handshake and a payload; a detector that closes its mask writer then
// shows up as ErrClosed or ErrShortRead instead of a silent stall.
func (d *FIFODialer) Dial(ctx context.Context) (*Conn, error) {
	if err := d.Ensure(); err != nil {
		return nil, err
	}

	spectral, err := d.openWriter(ctx, d.cfg.SpectralPath)
	if err != nil {
		return nil, err
	}
	rgb, err := d.openWriter(ctx, d.cfg.RGBPath)
	if err != nil {
		spectral.Close()
		return nil, err
	}
	d.logf("attached to %s and %s, mask on %s", d.cfg.SpectralPath, d.cfg.RGBPath, d.cfg.MaskPath)
	return NewConn(spectral, rgb, newMaskFIFO(d.cfg.MaskPath)), nil
}

func (d *FIFODialer) openWriter(ctx context.Context, path string) (*os.File, error) {
	var f *os.File
	attempts := 0
	op := func() error {
		attempts++
		var err error
		f, err = os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.ENXIO) {
			// no reader yet
			if attempts == 1 {
				d.logf("waiting for detector to open %s", path)
			}
			return err
		}
		return backoff.Permanent(err)
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      d.cfg.AttachTimeout,
		Clock:               backoff.SystemClock}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("open %s after %d attempts: %w", path, attempts, err)
	}
	return f, nil
}

// maskFIFO is the read end of the mask FIFO, opened lazily. Opening a FIFO
// read-only blocks until a writer attaches, so the open runs on its own
// goroutine and honours the read deadline and Close.
type maskFIFO struct {
	path string
	stop chan struct{}

	mu       sync.Mutex
	f        *os.File
	deadline time.Time
	closed   bool
}

func newMaskFIFO(path string) *maskFIFO {
	return &maskFIFO{path: path, stop: make(chan struct{})}
}

func (m *maskFIFO) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = t
	if m.f != nil {
		return m.f.SetReadDeadline(t)
	}
	return nil
}

func (m *maskFIFO) Read(p []byte) (int, error) {
	f, err := m.file()
	if err != nil {
		return 0, err
	}
	return f.Read(p)
}

func (m *maskFIFO) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stop)
	if m.f != nil {
		return m.f.Close()
	}
	return nil
}

func (m *maskFIFO) file() (*os.File, error) {
	m.mu.Lock()
	f, closed, deadline := m.f, m.closed, m.deadline
	m.mu.Unlock()
	if closed {
		return nil, os.ErrClosed
	}
	if f != nil {
		return f, nil
	}

	f, err := openReader(m.path, deadline, m.stop)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		f.Close()
		return nil, os.ErrClosed
	}
	if !m.deadline.IsZero() {
		if err := f.SetReadDeadline(m.deadline); err != nil {
			f.Close()
			return nil, err
		}
	}
	m.f = f
	return f, nil
}

// openReader opens path read-only, giving up at deadline or when stop closes.
func openReader(path string, deadline time.Time, stop <-chan struct{}) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		done <- result{f, err}
	}()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		expired = t.C
	}
	var abandon error
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("open %s: %w", path, r.err)
		}
		return r.f, nil
	case <-expired:
		abandon = os.ErrDeadlineExceeded
	case <-stop:
		abandon = os.ErrClosed
	}

	// A writer of our own releases the blocked open.
	for {
		if w, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0); err == nil {
			w.Close()
		}
		select {
		case r := <-done:
			if r.f != nil {
				r.f.Close()
			}
			return nil, abandon
		case <-time.After(10 * time.Millisecond):
		}
	}
}
