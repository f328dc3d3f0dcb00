package calibration

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// DefaultEpsilon keeps the denominator away from zero on dead pixels.
const DefaultEpsilon = 1e-8

type references struct {
	black, white []float32
	denom        []float32
}

// Corrector applies (raw - black) / (white - black + eps). References are
// swapped atomically; Correct never observes a half-installed pair.
type Corrector struct {
	bands, width int
	eps          float32
	refs         atomic.Pointer[references]
	black, white atomic.Pointer[[]float32]
}

// NewCorrector returns an uncalibrated corrector.
func NewCorrector(bands, width int, eps float64) *Corrector {
	if eps <= 0 {
		eps = DefaultEpsilon
	}
	return &Corrector{bands: bands, width: width, eps: float32(eps)}
}

// Install sets the reference of the given kind. When both are present the
// correction becomes active.
func (c *Corrector) Install(ref *Reference) error {
	if len(ref.Data) != c.bands*c.width {
		return fmt.Errorf("install %s: %w", ref.Kind, ErrSize)
	}
	data := append([]float32(nil), ref.Data...)
	switch ref.Kind {
	case Black:
		c.black.Store(&data)
	case White:
		c.white.Store(&data)
	default:
		return fmt.Errorf("install: unknown kind %v", ref.Kind)
	}

	b, w := c.black.Load(), c.white.Load()
	if b == nil || w == nil {
		return nil
	}
	denom := make([]float32, len(*w))
	for i := range denom {
		denom[i] = (*w)[i] - (*b)[i] + c.eps
	}
	c.refs.Store(&references{black: *b, white: *w, denom: denom})
	return nil
}

// Calibrated reports whether both references are installed.
func (c *Corrector) Calibrated() bool {
	return c.refs.Load() != nil
}

// FrameSize is the raw byte size accepted by Correct.
func (c *Corrector) FrameSize() int { return c.bands * c.width * 2 }

// Correct decodes a little-endian uint16 frame into out, applying the
// correction when calibrated and passing raw counts through otherwise.
func (c *Corrector) Correct(raw []byte, out []float32) error {
	n := c.bands * c.width
	if len(raw) < n*2 || len(out) < n {
		return fmt.Errorf("correct: %w: raw %d bytes, out %d samples, want %d", ErrSize, len(raw), len(out), n)
	}
	refs := c.refs.Load()
	if refs == nil {
		for i := 0; i < n; i++ {
			out[i] = float32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return nil
	}
	for i := 0; i < n; i++ {
		v := float32(binary.LittleEndian.Uint16(raw[i*2:]))
		out[i] = (v - refs.black[i]) / refs.denom[i]
	}
	return nil
}
