package handoff

import "fmt"

// SpectralReady is the stable buffer set written by the frame assembler and
// read by the exchange. Ready hands a filled buffer to the reader; Consumed
// hands it back. A writer that finds Consumed empty drops its cycle instead of
// overwriting a buffer the reader still holds.
type SpectralReady struct {
	Rows, Bands, Width int

	// Composite is Rows x Bands x Width corrected samples.
	Composite []float32
	// Mosaic is Rows x Width interleaved R,G,B monitor samples.
	Mosaic []uint16
	// Cycle counts completed composites.
	Cycle uint64

	Ready    *Signal
	Consumed *Signal
}

// NewSpectralReady allocates the ready buffers for the given geometry.
func NewSpectralReady(rows, bands, width int) (*SpectralReady, error) {
	if rows <= 0 || bands <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid spectral geometry %dx%dx%d", rows, bands, width)
	}
	return &SpectralReady{
		Rows:      rows,
		Bands:     bands,
		Width:     width,
		Composite: make([]float32, rows*bands*width),
		Mosaic:    make([]uint16, rows*width*3),
		Ready:     NewSignal(),
		Consumed:  released(),
	}, nil
}

// RGBReady is the stable RGB frame buffer.
type RGBReady struct {
	Frame    []byte
	Cycle    uint64
	Ready    *Signal
	Consumed *Signal
}

// NewRGBReady allocates an RGB ready buffer of size bytes.
func NewRGBReady(size int) (*RGBReady, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid rgb frame size %d", size)
	}
	return &RGBReady{Frame: make([]byte, size), Ready: NewSignal(), Consumed: released()}, nil
}

func released() *Signal {
	s := NewSignal()
	s.Release()
	return s
}
