// Package calibration captures black and white reference frames and applies
// the per-pixel radiometric correction derived from them.
package calibration

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"time"

	"github.com/banshee-data/sortline/internal/fsutil"
)

// ErrSize is returned when a frame or reference file has the wrong length.
var ErrSize = errors.New("calibration: size mismatch")

// Kind identifies a reference frame.
type Kind int

const (
	Black Kind = iota
	White
)

func (k Kind) String() string {
	switch k {
	case Black:
		return "black"
	case White:
		return "white"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts "black" or "white".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "black":
		return Black, nil
	case "white":
		return White, nil
	}
	return 0, fmt.Errorf("unknown reference kind %q", s)
}

// Reference is a bands x width frame of averaged raw counts.
type Reference struct {
	Kind       Kind
	Bands      int
	Width      int
	Frames     int
	CapturedAt time.Time
	Data       []float32
}

// BandMean returns the mean of each band row.
func (r *Reference) BandMean() []float64 {
	out := make([]float64, r.Bands)
	for b := 0; b < r.Bands; b++ {
		var sum float64
		for _, v := range r.Data[b*r.Width : (b+1)*r.Width] {
			sum += float64(v)
		}
		out[b] = sum / float64(r.Width)
	}
	return out
}

// Store persists references as headerless little-endian float32 dumps,
// row-major, exactly bands x width x 4 bytes.
type Store struct {
	fs    fsutil.FileSystem
	dir   string
	bands int
	width int
}

// NewStore returns a store rooted at dir.
func NewStore(fsys fsutil.FileSystem, dir string, bands, width int) *Store {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &Store{fs: fsys, dir: dir, bands: bands, width: width}
}

// Path returns the file holding the reference of kind k.
func (s *Store) Path(k Kind) string {
	return filepath.Join(s.dir, k.String()+".raw")
}

// Save writes ref atomically.
func (s *Store) Save(ref *Reference) error {
	if len(ref.Data) != s.bands*s.width {
		return fmt.Errorf("save %s: %w: %d samples, want %d", ref.Kind, ErrSize, len(ref.Data), s.bands*s.width)
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create calibration dir: %w", err)
	}
	buf := make([]byte, len(ref.Data)*4)
	for i, v := range ref.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	if err := fsutil.WriteFileAtomic(s.fs, s.Path(ref.Kind), buf, 0o644); err != nil {
		return fmt.Errorf("save %s reference: %w", ref.Kind, err)
	}
	return nil
}

// Load reads the reference of kind k. A missing file returns an error
// wrapping fs.ErrNotExist.
func (s *Store) Load(k Kind) (*Reference, error) {
	data, err := s.fs.ReadFile(s.Path(k))
	if err != nil {
		return nil, fmt.Errorf("load %s reference: %w", k, err)
	}
	want := s.bands * s.width * 4
	if len(data) != want {
		return nil, fmt.Errorf("load %s reference: %w: %d bytes, want %d", k, ErrSize, len(data), want)
	}
	ref := &Reference{Kind: k, Bands: s.bands, Width: s.width, Data: make([]float32, s.bands*s.width)}
	for i := range ref.Data {
		ref.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	if info, err := s.fs.Stat(s.Path(k)); err == nil {
		ref.CapturedAt = info.ModTime()
	}
	return ref, nil
}

func isMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
