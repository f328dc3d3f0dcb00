package calibration

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/sortline/internal/monitoring"
	"github.com/banshee-data/sortline/internal/timeutil"
)

// DefaultFrames is the number of raw frames averaged into a reference.
const DefaultFrames = 35

var (
	// ErrNotCapturing is returned by Accumulate or Finalize outside a capture.
	ErrNotCapturing = errors.New("calibration: no capture in progress")
	// ErrIncomplete is returned by Finalize before enough frames arrived.
	ErrIncomplete = errors.New("calibration: capture incomplete")
)

// EventRecorder receives a record of every persisted reference.
type EventRecorder interface {
	RecordCalibration(kind string, frames int, path string, at time.Time) error
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Bands   int
	Width   int
	Frames  int
	Epsilon float64

	Store    *Store
	Recorder EventRecorder
	Clock    timeutil.Clock
	Logf     monitoring.Logger

	// OnComplete is called after a reference is persisted and installed. It
	// runs with the engine locked and must not call back into the Engine.
	OnComplete func(ref *Reference)
}

// Engine accumulates raw frames into a running per-pixel sum and derives a
// reference from their mean.
type Engine struct {
	cfg       EngineConfig
	corrector *Corrector

	mu        sync.Mutex
	capturing bool
	kind      Kind
	count     int
	sum       []float64
	scratch   []float64
	done      chan struct{}
	result    *Reference
	err       error
}

// NewEngine allocates the accumulation buffers.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Bands <= 0 || cfg.Width <= 0 {
		return nil, fmt.Errorf("invalid calibration geometry %dx%d", cfg.Bands, cfg.Width)
	}
	if cfg.Frames <= 0 {
		cfg.Frames = DefaultFrames
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("calibration store is required")
	}
	cfg.Logf = monitoring.Or(cfg.Logf, "calibration")

	n := cfg.Bands * cfg.Width
	done := make(chan struct{})
	close(done)
	return &Engine{
		cfg:       cfg,
		corrector: NewCorrector(cfg.Bands, cfg.Width, cfg.Epsilon),
		sum:       make([]float64, n),
		scratch:   make([]float64, n),
		done:      done,
	}, nil
}

// Corrector returns the corrector fed by this engine.
func (e *Engine) Corrector() *Corrector { return e.corrector }

// FrameSize is the raw byte size accepted by Accumulate.
func (e *Engine) FrameSize() int { return e.cfg.Bands * e.cfg.Width * 2 }

// BeginCapture clears the running sum and starts collecting frames for kind.
func (e *Engine) BeginCapture(kind Kind) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.sum {
		e.sum[i] = 0
	}
	e.capturing = true
	e.kind = kind
	e.count = 0
	e.result = nil
	e.err = nil
	e.done = make(chan struct{})
	e.cfg.Logf("capturing %s reference from %d frames", kind, e.cfg.Frames)
}

// Accumulate adds one raw little-endian uint16 frame to the running sum. On
// the final frame the reference is finalized; later frames return
// ErrNotCapturing until the next BeginCapture.
func (e *Engine) Accumulate(raw []byte) error {
	e.mu.Lock()
	if !e.capturing {
		e.mu.Unlock()
		return ErrNotCapturing
	}
	if e.count >= e.cfg.Frames {
		e.mu.Unlock()
		return nil
	}
	n := len(e.sum)
	if len(raw) != n*2 {
		e.mu.Unlock()
		return fmt.Errorf("accumulate: %w: %d bytes, want %d", ErrSize, len(raw), n*2)
	}
	for i := 0; i < n; i++ {
		e.scratch[i] = float64(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	floats.Add(e.sum, e.scratch)
	e.count++
	complete := e.count == e.cfg.Frames
	e.mu.Unlock()

	if complete {
		_, err := e.Finalize()
		return err
	}
	return nil
}

// IsComplete reports whether the capture has seen all of its frames.
func (e *Engine) IsComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capturing && e.count >= e.cfg.Frames
}

// Progress returns the frames accumulated and the frames required.
func (e *Engine) Progress() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count, e.cfg.Frames
}

// Finalize divides the sum by the frame count, persists the reference,
// installs it in the corrector and signals completion.
func (e *Engine) Finalize() (*Reference, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.capturing {
		if e.result != nil {
			return e.result, e.err
		}
		return nil, ErrNotCapturing
	}
	if e.count < e.cfg.Frames {
		return nil, fmt.Errorf("%w: %d of %d frames", ErrIncomplete, e.count, e.cfg.Frames)
	}

	mean := make([]float64, len(e.sum))
	floats.ScaleTo(mean, 1/float64(e.count), e.sum)
	ref := &Reference{
		Kind:       e.kind,
		Bands:      e.cfg.Bands,
		Width:      e.cfg.Width,
		Frames:     e.count,
		CapturedAt: e.cfg.Clock.Now(),
		Data:       make([]float32, len(mean)),
	}
	for i, v := range mean {
		ref.Data[i] = float32(v)
	}

	e.capturing = false
	e.result = ref
	defer close(e.done)

	if err := e.cfg.Store.Save(ref); err != nil {
		e.err = err
		e.cfg.Logf("%s reference not persisted: %v", ref.Kind, err)
		return nil, err
	}
	if err := e.corrector.Install(ref); err != nil {
		e.err = err
		return nil, err
	}
	if e.cfg.Recorder != nil {
		if err := e.cfg.Recorder.RecordCalibration(ref.Kind.String(), ref.Frames, e.cfg.Store.Path(ref.Kind), ref.CapturedAt); err != nil {
			e.cfg.Logf("failed to record calibration event: %v", err)
		}
	}
	e.cfg.Logf("%s reference acquired from %d frames", ref.Kind, ref.Frames)
	if e.cfg.OnComplete != nil {
		e.cfg.OnComplete(ref)
	}
	return ref, nil
}

// Done is closed when the current capture has been finalized.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Result returns the last finalized reference and its persistence error.
func (e *Engine) Result() (*Reference, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.err
}

// Save persists ref and installs it.
func (e *Engine) Save(ref *Reference) error {
	if err := e.cfg.Store.Save(ref); err != nil {
		return err
	}
	return e.corrector.Install(ref)
}

// Load reads both references from the store and installs those found.
// Missing files leave the corrector uncalibrated and are not an error; any
// other failure is returned after the remaining kind has been tried.
func (e *Engine) Load() (black, white *Reference, err error) {
	var errs []error
	refs := make([]*Reference, 2)
	for i, k := range []Kind{Black, White} {
		ref, lerr := e.cfg.Store.Load(k)
		switch {
		case lerr == nil:
			if ierr := e.corrector.Install(ref); ierr != nil {
				errs = append(errs, ierr)
				continue
			}
			refs[i] = ref
		case isMissing(lerr):
			e.cfg.Logf("no %s reference at %s", k, e.cfg.Store.Path(k))
		default:
			errs = append(errs, lerr)
		}
	}
	if !e.corrector.Calibrated() {
		e.cfg.Logf("uncalibrated: correction passes raw counts through")
	}
	return refs[0], refs[1], errors.Join(errs...)
}

// Reference returns the stored reference of kind k.
func (e *Engine) Reference(k Kind) (*Reference, error) {
	return e.cfg.Store.Load(k)
}
