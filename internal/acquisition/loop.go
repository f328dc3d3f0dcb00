// Package acquisition runs the per-sensor capture loops and the frame
// handlers they dispatch to.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sortline/internal/monitoring"
	"github.com/banshee-data/sortline/internal/sensor"
)

// State is the loop lifecycle: Idle -> Streaming -> Draining -> Idle.
type State int32

const (
	Idle State = iota
	Streaming
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrNotIdle is returned by Start when the loop is already running.
var ErrNotIdle = errors.New("acquisition: loop is not idle")

// FrameHandler consumes one retrieved buffer. The buffer is requeued after
// HandleFrame returns, whatever the outcome.
type FrameHandler interface {
	HandleFrame(b *sensor.Buffer) error
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	Name            string
	Source          sensor.Source
	RetrieveTimeout time.Duration
	// CPUCore pins the loop thread to a logical core; negative disables.
	CPUCore int
	Logf    monitoring.Logger
}

// LoopStats counts loop events since construction.
type LoopStats struct {
	State         string `json:"state"`
	Frames        uint64 `json:"frames"`
	Timeouts      uint64 `json:"timeouts"`
	RetrieveErrs  uint64 `json:"retrieve_errors"`
	HandlerErrs   uint64 `json:"handler_errors"`
	RequeueErrs   uint64 `json:"requeue_errors"`
	LastFrameUnix int64  `json:"last_frame_unix_nano"`
}

// Loop retrieves buffers from one sensor, dispatches them to the registered
// handler and requeues them. Stop is cooperative: a flag checked once per
// iteration, with the retrieve timeout bounding its latency.
type Loop struct {
	cfg LoopConfig

	mu      sync.Mutex
	state   State
	stop    bool
	handler FrameHandler
	doneCh  chan struct{}

	frames       atomic.Uint64
	timeouts     atomic.Uint64
	retrieveErrs atomic.Uint64
	handlerErrs  atomic.Uint64
	requeueErrs  atomic.Uint64
	lastFrame    atomic.Int64
}

// NewLoop validates cfg and returns an idle loop.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("acquisition loop %q: source is required", cfg.Name)
	}
	if cfg.RetrieveTimeout <= 0 {
		cfg.RetrieveTimeout = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "acquisition"
	}
	cfg.Logf = monitoring.Or(cfg.Logf, cfg.Name)
	done := make(chan struct{})
	close(done)
	return &Loop{cfg: cfg, doneCh: done}, nil
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.cfg.Name }

// SetHandler selects the handler for subsequent frames.
func (l *Loop) SetHandler(h FrameHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start enables streaming on the source and launches the loop goroutine.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Idle {
		return ErrNotIdle
	}
	if l.handler == nil {
		return fmt.Errorf("acquisition loop %q: no frame handler", l.cfg.Name)
	}
	if err := l.cfg.Source.Start(); err != nil {
		return fmt.Errorf("start %s streaming: %w", l.cfg.Name, err)
	}
	l.state = Streaming
	l.stop = false
	l.doneCh = make(chan struct{})
	go l.run(ctx, l.doneCh)
	return nil
}

// Stop requests the loop to exit and waits for the drain to finish. It is
// safe to call multiple times and on an idle loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stop = true
	done := l.doneCh
	l.mu.Unlock()
	<-done
}

// Done is closed when the loop has returned to Idle.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doneCh
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() LoopStats {
	return LoopStats{
		State:         l.State().String(),
		Frames:        l.frames.Load(),
		Timeouts:      l.timeouts.Load(),
		RetrieveErrs:  l.retrieveErrs.Load(),
		HandlerErrs:   l.handlerErrs.Load(),
		RequeueErrs:   l.requeueErrs.Load(),
		LastFrameUnix: l.lastFrame.Load(),
	}
}

func (l *Loop) shouldStop(ctx context.Context) (bool, FrameHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop || ctx.Err() != nil {
		return true, nil
	}
	return false, l.handler
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)

	if err := pinToCore(l.cfg.CPUCore); err != nil {
		l.cfg.Logf("cpu pinning to core %d unavailable: %v", l.cfg.CPUCore, err)
	} else if l.cfg.CPUCore >= 0 {
		l.cfg.Logf("running on core %d", l.cfg.CPUCore)
	}

	var consecutiveTimeouts int
	for {
		stop, h := l.shouldStop(ctx)
		if stop {
			break
		}

		buf, err := l.cfg.Source.Retrieve(l.cfg.RetrieveTimeout)
		if err != nil {
			if errors.Is(err, sensor.ErrTimeout) {
				l.timeouts.Add(1)
				consecutiveTimeouts++
				if consecutiveTimeouts == 1 || consecutiveTimeouts%10 == 0 {
					l.cfg.Logf("no frame within %v (%d consecutive)", l.cfg.RetrieveTimeout, consecutiveTimeouts)
				}
				continue
			}
			l.retrieveErrs.Add(1)
			l.cfg.Logf("retrieve failed: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		consecutiveTimeouts = 0

		if err := h.HandleFrame(buf); err != nil {
			l.handlerErrs.Add(1)
			l.cfg.Logf("frame %d: %v", buf.Sequence, err)
		}
		l.frames.Add(1)
		l.lastFrame.Store(buf.Timestamp.UnixNano())

		if err := l.cfg.Source.Requeue(buf); err != nil {
			l.requeueErrs.Add(1)
			l.cfg.Logf("requeue failed: %v", err)
		}
	}

	l.drain()
}

// drain stops the device, aborts outstanding buffers and empties the output
// queue before the loop reports Idle.
func (l *Loop) drain() {
	l.mu.Lock()
	l.state = Draining
	l.mu.Unlock()

	if err := l.cfg.Source.Stop(); err != nil {
		l.cfg.Logf("stop failed: %v", err)
	}
	if err := l.cfg.Source.Abort(); err != nil {
		l.cfg.Logf("abort failed: %v", err)
	}
	if err := l.cfg.Source.Drain(); err != nil {
		l.cfg.Logf("drain failed: %v", err)
	}

	l.mu.Lock()
	l.state = Idle
	l.mu.Unlock()
	l.cfg.Logf("stopped after %d frames", l.frames.Load())
}
