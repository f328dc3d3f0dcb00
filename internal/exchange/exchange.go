// Package exchange pairs each completed spectral composite with an RGB frame,
// trades them with the detector for a defect mask and turns the mask into
// valve commands.
package exchange

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sortline/internal/detector"
	"github.com/banshee-data/sortline/internal/fsutil"
	"github.com/banshee-data/sortline/internal/handoff"
	"github.com/banshee-data/sortline/internal/monitoring"
	"github.com/banshee-data/sortline/internal/ringsave"
	"github.com/banshee-data/sortline/internal/timeutil"
	"github.com/banshee-data/sortline/internal/valve"
)

// Policies for a detector desynchronisation. Fatal halts the exchange until
// acquisition is restarted; retry reconnects at once.
const (
	PolicyFatal = "fatal"
	PolicyRetry = "retry"
)

// ErrDesync marks a short read, closed channel or timeout on the detector
// channels. The byte streams can no longer be trusted to be aligned.
var ErrDesync = errors.New("detector desynchronised")

// MaskPublisher receives each mask. Implementations must copy what they keep.
type MaskPublisher interface {
	PublishMask(mask []byte, rows, width int)
}

// ValveSink accepts packed valve bitstreams without blocking.
type ValveSink interface {
	SendValveData(bits []byte)
}

// Config wires an Exchange.
type Config struct {
	Spectral *handoff.SpectralReady
	RGB      *handoff.RGBReady
	// ValidBands are the composite band indices sent to the detector, in
	// order.
	ValidBands []int

	Dialer detector.Dialer
	// SpectralHandshake and RGBHandshake are announced on every new
	// connection. Zero announces the payload size.
	SpectralHandshake int
	RGBHandshake      int
	MaskTimeout       time.Duration
	Policy            string

	Encoder *valve.Encoder
	Stats   *valve.Stats
	Ring    *ringsave.Ring
	Valves  ValveSink
	Preview MaskPublisher
	SaveDir string
	SaveFS  fsutil.FileSystem
	// SaveEnabled is the initial state of the payload save toggle.
	SaveEnabled bool
	// OnHalt is called on the exchange goroutine after a desynchronisation
	// under the fatal policy. It should stop acquisition; the exchange
	// resumes with a fresh connection on the next cycle it receives.
	OnHalt func(err error)

	Clock timeutil.Clock
	Logf  monitoring.Logger
}

// Stats is a snapshot of exchange counters.
type Stats struct {
	Cycles        uint64    `json:"cycles"`
	Desyncs       uint64    `json:"desyncs"`
	Connections   uint64    `json:"connections"`
	SavedPayloads uint64    `json:"saved_payloads"`
	SpectralCycle uint64    `json:"spectral_cycle"`
	RGBCycle      uint64    `json:"rgb_cycle"`
	LastCycle     time.Time `json:"last_cycle"`
	LastError     string    `json:"last_error,omitempty"`
	// Halted is set by a fatal desynchronisation and cleared by the next
	// completed cycle.
	Halted bool `json:"halted"`
}

// Exchange runs the per-cycle detector protocol.
type Exchange struct {
	cfg   Config
	logf  monitoring.Logger
	clock timeutil.Clock

	rows, bands, width int

	payload []byte
	rgb     []byte
	mask    []byte
	bits    []byte

	connMu      sync.Mutex
	conn        *detector.Conn
	saveEnabled atomic.Bool
	saveIndex   int

	mu             sync.Mutex
	handshake      [2]int
	handshakeDirty bool
	stats          Stats
}

// New validates cfg and allocates the per-cycle buffers.
func New(cfg Config) (*Exchange, error) {
	if cfg.Spectral == nil || cfg.RGB == nil {
		return nil, errors.New("exchange: ready buffers are required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("exchange: detector dialer is required")
	}
	if cfg.Encoder == nil {
		return nil, errors.New("exchange: valve encoder is required")
	}
	if len(cfg.ValidBands) == 0 {
		return nil, errors.New("exchange: at least one valid band is required")
	}
	rows, bands, width := cfg.Spectral.Rows, cfg.Spectral.Bands, cfg.Spectral.Width
	for _, b := range cfg.ValidBands {
		if b < 0 || b >= bands {
			return nil, fmt.Errorf("exchange: valid band %d outside 0..%d", b, bands-1)
		}
	}
	switch cfg.Policy {
	case "":
		cfg.Policy = PolicyFatal
	case PolicyFatal, PolicyRetry:
	default:
		return nil, fmt.Errorf("exchange: unknown policy %q", cfg.Policy)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.SaveFS == nil {
		cfg.SaveFS = fsutil.OSFileSystem{}
	}

	e := &Exchange{
		cfg:     cfg,
		logf:    monitoring.Or(cfg.Logf, "exchange"),
		clock:   cfg.Clock,
		rows:    rows,
		bands:   bands,
		width:   width,
		payload: make([]byte, rows*len(cfg.ValidBands)*width*4),
		rgb:     make([]byte, len(cfg.RGB.Frame)),
		mask:    make([]byte, rows*width),
		bits:    make([]byte, cfg.Encoder.OutputSize()),
	}
	e.SetHandshake(cfg.SpectralHandshake, cfg.RGBHandshake)
	e.saveEnabled.Store(cfg.SaveEnabled)
	return e, nil
}

// PayloadSize is the spectral payload size in bytes.
func (e *Exchange) PayloadSize() int { return len(e.payload) }

// SetSaveEnabled toggles writing every sent payload pair to the save
// directory.
func (e *Exchange) SetSaveEnabled(on bool) { e.saveEnabled.Store(on) }

// SaveEnabled reports whether payloads are being saved.
func (e *Exchange) SaveEnabled() bool { return e.saveEnabled.Load() }

// SetHandshake changes the announced values. They are sent before the next
// cycle's payloads.
func (e *Exchange) SetHandshake(spectral, rgb int) {
	if spectral <= 0 {
		spectral = len(e.payload)
	}
	if rgb <= 0 {
		rgb = len(e.rgb)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handshake = [2]int{spectral, rgb}
	e.handshakeDirty = true
}

// Handshake returns the announced values.
func (e *Exchange) Handshake() (spectral, rgb int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handshake[0], e.handshake[1]
}

// Stats returns a snapshot of the counters.
func (e *Exchange) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Run services cycles until ctx is cancelled. A desynchronisation never ends
// Run: the cycle is discarded and, under the fatal policy, the exchange halts
// until acquisition is restarted.
func (e *Exchange) Run(ctx context.Context) error {
	defer e.disconnect()

	// a blocked mask read only returns once its channel is closed
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			e.connMu.Lock()
			if e.conn != nil {
				e.conn.Close()
			}
			e.connMu.Unlock()
		case <-stop:
		}
	}()

	for {
		if err := e.cfg.Spectral.Ready.Acquire(ctx); err != nil {
			return nil
		}
		if err := e.cfg.RGB.Ready.Acquire(ctx); err != nil {
			e.cfg.Spectral.Consumed.Release()
			return nil
		}
		e.take()

		if e.saveEnabled.Load() {
			if err := e.savePayloads(); err != nil {
				e.logf("save payloads: %v", err)
			}
		}

		err := e.cycle(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		e.disconnect()
		e.mu.Lock()
		e.stats.LastError = err.Error()
		if errors.Is(err, ErrDesync) {
			e.stats.Desyncs++
		}
		e.mu.Unlock()
		if e.cfg.Policy == PolicyFatal {
			e.halt(err)
			continue
		}
		e.logf("cycle discarded, reconnecting: %v", err)
	}
}

// halt stops acquisition through OnHalt and drops any cycle it left behind,
// so the first cycle after a restart pairs fresh data.
func (e *Exchange) halt(err error) {
	e.logf("halted until acquisition restarts: %v", err)
	if e.cfg.OnHalt != nil {
		e.cfg.OnHalt(err)
	}
	if e.cfg.Spectral.Ready.TryAcquire() {
		e.cfg.Spectral.Consumed.Release()
	}
	if e.cfg.RGB.Ready.TryAcquire() {
		e.cfg.RGB.Consumed.Release()
	}
	e.mu.Lock()
	e.stats.Halted = true
	e.mu.Unlock()
}

// take copies the ready buffers into the exchange's own payloads and hands
// them back to the acquisition loops.
func (e *Exchange) take() {
	sp := e.cfg.Spectral
	valid := e.cfg.ValidBands
	v := len(valid)
	w := e.width
	for i := 0; i < e.rows; i++ {
		for j, band := range valid {
			src := sp.Composite[(i*e.bands+band)*w : (i*e.bands+band+1)*w]
			dst := e.payload[(i*v+j)*w*4 : (i*v+j+1)*w*4]
			for x, f := range src {
				binary.LittleEndian.PutUint32(dst[x*4:], math.Float32bits(f))
			}
		}
	}
	copy(e.rgb, e.cfg.RGB.Frame)

	e.mu.Lock()
	e.stats.SpectralCycle = sp.Cycle
	e.stats.RGBCycle = e.cfg.RGB.Cycle
	e.mu.Unlock()

	sp.Consumed.Release()
	e.cfg.RGB.Consumed.Release()
}

func (e *Exchange) cycle(ctx context.Context) error {
	if err := e.connect(ctx); err != nil {
		return err
	}

	if err := e.conn.WriteSpectral(e.payload); err != nil {
		return fmt.Errorf("%w: %v", ErrDesync, err)
	}
	if err := e.conn.WriteRGB(e.rgb); err != nil {
		return fmt.Errorf("%w: %v", ErrDesync, err)
	}
	if err := e.conn.ReadMask(e.mask, e.cfg.MaskTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrDesync, err)
	}

	if e.cfg.Ring != nil {
		e.cfg.Ring.Enqueue(e.payload, e.mask)
	}
	if e.cfg.Preview != nil {
		e.cfg.Preview.PublishMask(e.mask, e.rows, e.width)
	}
	if err := e.cfg.Encoder.Encode(e.mask, e.bits); err != nil {
		return err
	}
	if e.cfg.Valves != nil {
		e.cfg.Valves.SendValveData(e.bits)
	}
	if e.cfg.Stats != nil {
		e.cfg.Stats.Observe(e.cfg.Encoder.Merged())
	}

	e.mu.Lock()
	e.stats.Cycles++
	e.stats.LastCycle = e.clock.Now()
	e.stats.Halted = false
	e.mu.Unlock()
	return nil
}

// connect dials if needed and sends a pending handshake.
func (e *Exchange) connect(ctx context.Context) error {
	if e.conn == nil {
		conn, err := e.cfg.Dialer.Dial(ctx)
		if err != nil {
			return fmt.Errorf("attach detector: %w", err)
		}
		e.connMu.Lock()
		e.conn = conn
		e.connMu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.mu.Lock()
		e.stats.Connections++
		e.handshakeDirty = true
		e.mu.Unlock()
	}

	e.mu.Lock()
	dirty, hs := e.handshakeDirty, e.handshake
	e.mu.Unlock()
	if !dirty {
		return nil
	}
	if err := e.conn.Handshake(hs[0], hs[1]); err != nil {
		return fmt.Errorf("%w: %v", ErrDesync, err)
	}
	e.mu.Lock()
	if e.handshake == hs {
		e.handshakeDirty = false
	}
	e.mu.Unlock()
	e.logf("handshake sent: spectral=%d rgb=%d", hs[0], hs[1])
	return nil
}

func (e *Exchange) disconnect() {
	e.connMu.Lock()
	conn := e.conn
	e.conn = nil
	e.connMu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		e.logf("close detector channels: %v", err)
	}
}

func (e *Exchange) savePayloads() error {
	fsys := e.cfg.SaveFS
	if err := fsys.MkdirAll(e.cfg.SaveDir, 0o755); err != nil {
		return err
	}
	idx := e.saveIndex
	if err := fsys.WriteFile(filepath.Join(e.cfg.SaveDir, fmt.Sprintf("spec%d", idx)), e.payload, 0o644); err != nil {
		return err
	}
	if err := fsys.WriteFile(filepath.Join(e.cfg.SaveDir, fmt.Sprintf("rgb%d", idx)), e.rgb, 0o644); err != nil {
		return err
	}
	e.saveIndex++
	e.mu.Lock()
	e.stats.SavedPayloads++
	e.mu.Unlock()
	return nil
}
