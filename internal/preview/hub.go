// Package preview keeps the latest mosaic and defect mask for operators and
// renders them as PNG.
package preview

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

// FullScale is the sensor count mapped to full brightness.
const FullScale = 4095

// ErrNoFrame is returned before anything has been published.
var ErrNoFrame = errors.New("no preview published yet")

// Hub holds copies of the most recent mosaic and mask. Publishing is rate
// limited so that the acquisition and exchange goroutines pay for at most
// maxRate copies per second.
type Hub struct {
	mosaicLimit *rate.Limiter
	maskLimit   *rate.Limiter

	mu          sync.RWMutex
	mosaic      []uint16
	mosaicRows  int
	mosaicWidth int
	mosaicSeq   uint64
	mask        []byte
	maskRows    int
	maskWidth   int
	maskSeq     uint64
	skipped     uint64
}

// NewHub returns a Hub accepting at most maxRate publishes per second per
// stream. maxRate <= 0 disables limiting.
func NewHub(maxRate float64) *Hub {
	limit := rate.Inf
	if maxRate > 0 {
		limit = rate.Limit(maxRate)
	}
	return &Hub{
		mosaicLimit: rate.NewLimiter(limit, 1),
		maskLimit:   rate.NewLimiter(limit, 1),
	}
}

// PublishMosaic stores a copy of an interleaved RGB mosaic.
func (h *Hub) PublishMosaic(mosaic []uint16, rows, width int) {
	if !h.mosaicLimit.Allow() {
		h.skip()
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mosaic = append(h.mosaic[:0], mosaic...)
	h.mosaicRows, h.mosaicWidth = rows, width
	h.mosaicSeq++
}

// PublishMask stores a copy of a defect mask.
func (h *Hub) PublishMask(mask []byte, rows, width int) {
	if !h.maskLimit.Allow() {
		h.skip()
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mask = append(h.mask[:0], mask...)
	h.maskRows, h.maskWidth = rows, width
	h.maskSeq++
}

func (h *Hub) skip() {
	h.mu.Lock()
	h.skipped++
	h.mu.Unlock()
}

// Stats reports how many frames of each kind were stored and how many were
// skipped by the limiter.
type Stats struct {
	Mosaics uint64 `json:"mosaics"`
	Masks   uint64 `json:"masks"`
	Skipped uint64 `json:"skipped"`
}

// Stats returns the publish counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Mosaics: h.mosaicSeq, Masks: h.maskSeq, Skipped: h.skipped}
}

// MosaicImage converts the latest mosaic to an RGBA image.
func (h *Hub) MosaicImage() (*image.RGBA, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.mosaicSeq == 0 {
		return nil, ErrNoFrame
	}
	img := image.NewRGBA(image.Rect(0, 0, h.mosaicWidth, h.mosaicRows))
	for y := 0; y < h.mosaicRows; y++ {
		for x := 0; x < h.mosaicWidth; x++ {
			i := (y*h.mosaicWidth + x) * 3
			img.SetRGBA(x, y, color.RGBA{
				R: scale(h.mosaic[i]),
				G: scale(h.mosaic[i+1]),
				B: scale(h.mosaic[i+2]),
				A: 0xFF,
			})
		}
	}
	return img, nil
}

// MaskImage converts the latest mask to a grayscale image, white where a
// defect was reported.
func (h *Hub) MaskImage() (*image.Gray, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.maskSeq == 0 {
		return nil, ErrNoFrame
	}
	img := image.NewGray(image.Rect(0, 0, h.maskWidth, h.maskRows))
	for i, v := range h.mask {
		if v != 0 {
			img.Pix[i] = 0xFF
		}
	}
	return img, nil
}

// WriteMosaicPNG encodes the latest mosaic.
func (h *Hub) WriteMosaicPNG(w io.Writer) error {
	img, err := h.MosaicImage()
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// WriteMaskPNG encodes the latest mask.
func (h *Hub) WriteMaskPNG(w io.Writer) error {
	img, err := h.MaskImage()
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

func scale(v uint16) uint8 {
	if v >= FullScale {
		return 0xFF
	}
	return uint8(uint32(v) * 0xFF / FullScale)
}
