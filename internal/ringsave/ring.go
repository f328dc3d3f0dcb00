// Package ringsave keeps the most recent exchange cycles in a fixed ring and
// writes them to disk on request.
package ringsave

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/sortline/internal/fsutil"
	"github.com/banshee-data/sortline/internal/timeutil"
)

// DefaultDepth is the number of cycles retained.
const DefaultDepth = 2

// ErrEmpty is returned by SnapshotAndSave before the first Enqueue.
var ErrEmpty = errors.New("ring is empty")

// stampLayout is yyyyMMddHHmmss.
const stampLayout = "20060102150405"

// Entry is one retained cycle.
type Entry struct {
	Payload []byte
	Mask    []byte
}

// Snapshot is a deep copy of the ring taken at Time.
type Snapshot struct {
	Time    time.Time
	Entries []Entry
}

// Ring is a fixed-depth ring of (payload, mask) pairs. Enqueue and
// SnapshotAndSave may be called from different goroutines.
type Ring struct {
	fsys  fsutil.FileSystem
	dir   string
	clock timeutil.Clock

	mu      sync.Mutex
	entries []Entry
	filled  []bool
	index   int
}

// NewRing returns a ring of depth slots writing into dir. A depth below 1
// selects DefaultDepth.
func NewRing(fsys fsutil.FileSystem, dir string, depth int, clock timeutil.Clock) *Ring {
	if depth < 1 {
		depth = DefaultDepth
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Ring{
		fsys:    fsys,
		dir:     dir,
		clock:   clock,
		entries: make([]Entry, depth),
		filled:  make([]bool, depth),
	}
}

// Depth returns the number of slots.
func (r *Ring) Depth() int { return len(r.entries) }

// Dir returns the output directory.
func (r *Ring) Dir() string { return r.dir }

// Enqueue copies payload and mask into the current slot and advances the
// index. Slot buffers are reused once sized.
func (r *Ring) Enqueue(payload, mask []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &r.entries[r.index]
	e.Payload = append(e.Payload[:0], payload...)
	e.Mask = append(e.Mask[:0], mask...)
	r.filled[r.index] = true
	r.index = (r.index + 1) % len(r.entries)
}

// Snapshot deep-copies the filled slots in slot order.
func (r *Ring) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{Time: r.clock.Now()}
	for i, e := range r.entries {
		if !r.filled[i] {
			continue
		}
		snap.Entries = append(snap.Entries, Entry{
			Payload: append([]byte(nil), e.Payload...),
			Mask:    append([]byte(nil), e.Mask...),
		})
	}
	return snap
}

// SnapshotAndSave copies the ring under the lock and writes it afterwards. It
// returns the snapshot that was written.
func (r *Ring) SnapshotAndSave() (Snapshot, error) {
	snap := r.Snapshot()
	if len(snap.Entries) == 0 {
		return snap, ErrEmpty
	}
	if err := r.fsys.MkdirAll(r.dir, 0o755); err != nil {
		return snap, fmt.Errorf("create snapshot dir: %w", err)
	}
	stamp := snap.Time.Format(stampLayout)
	for i, e := range snap.Entries {
		maskPath := filepath.Join(r.dir, fmt.Sprintf("%smask%d", stamp, i))
		if err := fsutil.WriteFileAtomic(r.fsys, maskPath, e.Mask, 0o644); err != nil {
			return snap, err
		}
		bufPath := filepath.Join(r.dir, fmt.Sprintf("%sbuf%d.raw", stamp, i))
		if err := fsutil.WriteFileAtomic(r.fsys, bufPath, e.Payload, 0o644); err != nil {
			return snap, err
		}
	}
	return snap, nil
}
