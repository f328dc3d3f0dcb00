// Package valve converts a per-pixel defect mask into the bit-packed valve
// actuation stream and keeps per-channel activation statistics.
package valve

import "fmt"

// Defaults of the production ejector bar.
const (
	DefaultChannels       = 256
	DefaultPixelsPerValve = 4
	DefaultPadding        = 3
)

// EncoderConfig sizes an Encoder.
type EncoderConfig struct {
	Rows  int
	Width int
	// Channels is the number of valves across the belt.
	Channels int
	// PixelsPerValve is the number of adjacent mask columns mapped to one valve.
	// Columns beyond Channels*PixelsPerValve are ignored; channels whose
	// columns fall beyond Width stay off.
	PixelsPerValve int
	// Padding is the number of rows a valve stays open once triggered,
	// counting the triggering row.
	Padding int
}

// Encoder turns Rows x Width masks into Rows x ceil(Channels/8) bytes. It
// reuses internal buffers and is not safe for concurrent use.
type Encoder struct {
	cfg      EncoderConfig
	rowBytes int
	merged   []byte
	padded   []byte
}

// NewEncoder validates cfg and allocates the working buffers.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	if cfg.Rows <= 0 || cfg.Width <= 0 {
		return nil, fmt.Errorf("invalid mask geometry %dx%d", cfg.Rows, cfg.Width)
	}
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("valve channels must be positive, got %d", cfg.Channels)
	}
	if cfg.PixelsPerValve <= 0 {
		return nil, fmt.Errorf("pixels per valve must be positive, got %d", cfg.PixelsPerValve)
	}
	if cfg.Padding < 1 {
		return nil, fmt.Errorf("padding must be at least 1, got %d", cfg.Padding)
	}
	return &Encoder{
		cfg:      cfg,
		rowBytes: (cfg.Channels + 7) / 8,
		merged:   make([]byte, cfg.Rows*cfg.Channels),
		padded:   make([]byte, cfg.Rows*cfg.Channels),
	}, nil
}

// RowBytes is the packed size of one row.
func (e *Encoder) RowBytes() int { return e.rowBytes }

// OutputSize is the packed size of one mask.
func (e *Encoder) OutputSize() int { return e.cfg.Rows * e.rowBytes }

// Channels returns the valve count.
func (e *Encoder) Channels() int { return e.cfg.Channels }

// Merged returns the Rows x Channels on/off matrix of the last Encode before
// padding. It is overwritten by the next call.
func (e *Encoder) Merged() []byte { return e.merged }

// Encode writes the packed bitstream for mask into out. Bit i of byte b in a
// row is channel 8b+i.
func (e *Encoder) Encode(mask, out []byte) error {
	rows, width, channels := e.cfg.Rows, e.cfg.Width, e.cfg.Channels
	if len(mask) != rows*width {
		return fmt.Errorf("mask is %d bytes, want %d", len(mask), rows*width)
	}
	if len(out) != e.OutputSize() {
		return fmt.Errorf("output is %d bytes, want %d", len(out), e.OutputSize())
	}

	ppv := e.cfg.PixelsPerValve
	for r := 0; r < rows; r++ {
		line := mask[r*width : (r+1)*width]
		for c := 0; c < channels; c++ {
			var on byte
			for x := c * ppv; x < (c+1)*ppv && x < width; x++ {
				if line[x] != 0 {
					on = 1
					break
				}
			}
			e.merged[r*channels+c] = on
		}
	}

	for i := range e.padded {
		e.padded[i] = 0
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < channels; c++ {
			if e.merged[r*channels+c] == 0 {
				continue
			}
			for p := 0; p < e.cfg.Padding && r+p < rows; p++ {
				e.padded[(r+p)*channels+c] = 1
			}
		}
	}

	for i := range out {
		out[i] = 0
	}
	for r := 0; r < rows; r++ {
		row := out[r*e.rowBytes : (r+1)*e.rowBytes]
		for c := 0; c < channels; c++ {
			if e.padded[r*channels+c] != 0 {
				row[c/8] |= 1 << uint(c%8)
			}
		}
	}
	return nil
}
