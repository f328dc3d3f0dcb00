package acquisition

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/sortline/internal/calibration"
	"github.com/banshee-data/sortline/internal/handoff"
	"github.com/banshee-data/sortline/internal/monitoring"
	"github.com/banshee-data/sortline/internal/sensor"
)

// CalibrationAccumulator feeds raw frames to a calibration capture.
type CalibrationAccumulator struct {
	Engine *calibration.Engine
}

// HandleFrame adds the frame to the running sum. Frames arriving after the
// capture has been finalized are dropped silently.
func (c *CalibrationAccumulator) HandleFrame(b *sensor.Buffer) error {
	err := c.Engine.Accumulate(b.Data)
	if errors.Is(err, calibration.ErrNotCapturing) {
		return nil
	}
	return err
}

// MosaicPublisher receives the live preview mosaic. Implementations must copy
// what they keep; the slice is reused on the next cycle.
type MosaicPublisher interface {
	PublishMosaic(mosaic []uint16, rows, width int)
}

// AssemblerConfig configures a FrameAssembler.
type AssemblerConfig struct {
	Rows  int
	Bands int
	Width int
	// MonitorBands are the R, G and B band indices copied into the mosaic.
	MonitorBands [3]int

	Corrector *calibration.Corrector
	Ready     *handoff.SpectralReady
	Preview   MosaicPublisher
	Logf      monitoring.Logger
}

// FrameAssembler corrects each raw spectral frame into the next row of the
// composite and releases the composite once Rows frames have been written.
type FrameAssembler struct {
	cfg AssemblerConfig

	// row is written by the loop goroutine and read by Row and Reset.
	row       atomic.Int64
	frameLen  int
	composite []float32
	channels  [3][]uint16
	mosaic    []uint16

	completed atomic.Uint64
	overruns  atomic.Uint64
}

// NewFrameAssembler allocates the working buffers.
func NewFrameAssembler(cfg AssemblerConfig) (*FrameAssembler, error) {
	if cfg.Rows <= 0 || cfg.Bands <= 0 || cfg.Width <= 0 {
		return nil, fmt.Errorf("invalid assembler geometry %dx%dx%d", cfg.Rows, cfg.Bands, cfg.Width)
	}
	for _, b := range cfg.MonitorBands {
		if b < 0 || b >= cfg.Bands {
			return nil, fmt.Errorf("monitor band %d outside [0, %d)", b, cfg.Bands)
		}
	}
	if cfg.Corrector == nil || cfg.Ready == nil {
		return nil, fmt.Errorf("assembler requires a corrector and a ready buffer")
	}
	if cfg.Ready.Rows != cfg.Rows || cfg.Ready.Bands != cfg.Bands || cfg.Ready.Width != cfg.Width {
		return nil, fmt.Errorf("ready buffer geometry does not match assembler")
	}
	cfg.Logf = monitoring.Or(cfg.Logf, "spectral")

	frameLen := cfg.Bands * cfg.Width
	a := &FrameAssembler{
		cfg:       cfg,
		frameLen:  frameLen,
		composite: make([]float32, cfg.Rows*frameLen),
		mosaic:    make([]uint16, cfg.Rows*cfg.Width*3),
	}
	for i := range a.channels {
		a.channels[i] = make([]uint16, cfg.Rows*cfg.Width)
	}
	return a, nil
}

// Row returns the number of rows written since the last completed composite.
func (a *FrameAssembler) Row() int { return int(a.row.Load()) }

// Reset discards a partially assembled composite so the next release holds
// only rows written after the call. Call it while the loop is stopped.
func (a *FrameAssembler) Reset() { a.row.Store(0) }

// Completed returns the number of composites assembled.
func (a *FrameAssembler) Completed() uint64 { return a.completed.Load() }

// Overruns returns the number of composites dropped because the previous one
// had not been consumed.
func (a *FrameAssembler) Overruns() uint64 { return a.overruns.Load() }

// HandleFrame writes one corrected row.
func (a *FrameAssembler) HandleFrame(b *sensor.Buffer) error {
	raw := b.Data
	if len(raw) != a.frameLen*2 {
		return fmt.Errorf("spectral frame: %w: %d bytes, want %d", calibration.ErrSize, len(raw), a.frameLen*2)
	}

	w := a.cfg.Width
	row := int(a.row.Load())
	for ch, band := range a.cfg.MonitorBands {
		dst := a.channels[ch][row*w : (row+1)*w]
		src := raw[band*w*2 : (band+1)*w*2]
		for x := range dst {
			dst[x] = binary.LittleEndian.Uint16(src[x*2:])
		}
	}

	dst := a.composite[row*a.frameLen : (row+1)*a.frameLen]
	if err := a.cfg.Corrector.Correct(raw, dst); err != nil {
		return err
	}

	row++
	if row < a.cfg.Rows {
		a.row.Store(int64(row))
		return nil
	}
	a.row.Store(0)
	a.completed.Add(1)

	for i := range a.channels[0] {
		a.mosaic[i*3] = a.channels[0][i]
		a.mosaic[i*3+1] = a.channels[1][i]
		a.mosaic[i*3+2] = a.channels[2][i]
	}

	ready := a.cfg.Ready
	if ready.Consumed.TryAcquire() {
		copy(ready.Composite, a.composite)
		copy(ready.Mosaic, a.mosaic)
		ready.Cycle++
		ready.Ready.Release()
	} else if n := a.overruns.Add(1); n == 1 || n%100 == 0 {
		a.cfg.Logf("exchange still holds the previous composite, dropped %d composites", n)
	}

	if a.cfg.Preview != nil {
		a.cfg.Preview.PublishMosaic(a.mosaic, a.cfg.Rows, w)
	}
	return nil
}

// RGBCopier copies each full RGB frame into the ready buffer.
type RGBCopier struct {
	Ready *handoff.RGBReady
	Logf  monitoring.Logger

	overruns atomic.Uint64
}

// HandleFrame copies and signals.
func (c *RGBCopier) HandleFrame(b *sensor.Buffer) error {
	if len(b.Data) != len(c.Ready.Frame) {
		return fmt.Errorf("rgb frame: %d bytes, want %d", len(b.Data), len(c.Ready.Frame))
	}
	if !c.Ready.Consumed.TryAcquire() {
		if n := c.overruns.Add(1); n == 1 || n%100 == 0 {
			monitoring.Or(c.Logf, "rgb")("exchange still holds the previous frame, dropped %d frames", n)
		}
		return nil
	}
	copy(c.Ready.Frame, b.Data)
	c.Ready.Cycle++
	c.Ready.Ready.Release()
	return nil
}

// Overruns returns the number of frames dropped.
func (c *RGBCopier) Overruns() uint64 { return c.overruns.Load() }
