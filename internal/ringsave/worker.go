package ringsave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/sortline/internal/handoff"
	"github.com/banshee-data/sortline/internal/monitoring"
)

// EventRecorder persists a record of each written snapshot.
type EventRecorder interface {
	RecordSnapshot(dir string, slots int, at time.Time) error
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Ring     *Ring
	Recorder EventRecorder
	Logf     monitoring.Logger
}

// Worker writes ring snapshots off the exchange goroutine. Each RequestSave
// produces exactly one write.
type Worker struct {
	ring     *Ring
	recorder EventRecorder
	logf     monitoring.Logger
	requests *handoff.Signal

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
	saved   uint64
	last    Snapshot
	lastErr error
}

// NewWorker returns an idle Worker.
func NewWorker(cfg WorkerConfig) *Worker {
	return &Worker{
		ring:     cfg.Ring,
		recorder: cfg.Recorder,
		logf:     monitoring.Or(cfg.Logf, "ringsave"),
		requests: handoff.NewSignal(),
	}
}

// RequestSave schedules one snapshot.
func (w *Worker) RequestSave() {
	w.requests.Release()
}

// Pending returns the number of requests not yet served.
func (w *Worker) Pending() int {
	return w.requests.Count()
}

// Run serves save requests until ctx is cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.doneCh = make(chan struct{})
	done := w.doneCh
	w.mu.Unlock()

	defer func() {
		cancel()
		close(done)
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	for {
		if err := w.requests.Acquire(ctx); err != nil {
			return nil
		}
		w.save()
	}
}

// Stop cancels Run and waits for it to return. It is safe to call multiple
// times.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	done := w.doneCh
	w.mu.Unlock()
	<-done
}

// Saved returns the number of snapshots written.
func (w *Worker) Saved() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saved
}

// Last returns the most recent snapshot and the error from writing it.
func (w *Worker) Last() (Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.lastErr
}

func (w *Worker) save() {
	snap, err := w.ring.SnapshotAndSave()
	w.mu.Lock()
	w.last, w.lastErr = snap, err
	if err == nil {
		w.saved++
	}
	w.mu.Unlock()

	switch {
	case errors.Is(err, ErrEmpty):
		w.logf("save requested before any cycle completed")
		return
	case err != nil:
		w.logf("snapshot failed: %v", err)
		return
	}
	w.logf("saved %d cycles to %s", len(snap.Entries), w.ring.Dir())
	if w.recorder != nil {
		if err := w.recorder.RecordSnapshot(w.ring.Dir(), len(snap.Entries), snap.Time); err != nil {
			w.logf("record snapshot: %v", err)
		}
	}
}
