package actuator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/banshee-data/sortline/internal/monitoring"
)

// DefaultQueueDepth bounds the frames waiting for the link.
const DefaultQueueDepth = 4

// ErrQueueFull is returned by Send when the queue holds only commands.
var ErrQueueFull = errors.New("actuator queue full")

// LinkConfig configures a Link.
type LinkConfig struct {
	Opener     Opener
	Checksum   Checksum
	QueueDepth int
	// Setup returns the frames sent first on every new connection.
	Setup func() []Frame
	Logf  monitoring.Logger
}

// LinkStats is a snapshot of link counters.
type LinkStats struct {
	Target     string `json:"target"`
	Connected  bool   `json:"connected"`
	Queued     int    `json:"queued"`
	Sent       uint64 `json:"sent"`
	Dropped    uint64 `json:"dropped"`
	Reconnects uint64 `json:"reconnects"`
}

// Link owns the controller connection. Producers never block: valve data
// beyond the queue depth evicts the oldest queued bitstream.
type Link struct {
	opener Opener
	sum    Checksum
	depth  int
	setup  func() []Frame
	logf   monitoring.Logger

	notify chan struct{}

	mu      sync.Mutex
	queue   []Frame
	stats   LinkStats
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewLink validates cfg and returns an idle Link.
func NewLink(cfg LinkConfig) (*Link, error) {
	if cfg.Opener == nil {
		return nil, errors.New("actuator opener is required")
	}
	if cfg.Checksum == "" {
		cfg.Checksum = ChecksumNone
	}
	if cfg.Checksum != ChecksumNone && cfg.Checksum != ChecksumCRC16 {
		return nil, fmt.Errorf("unknown checksum %q", cfg.Checksum)
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	return &Link{
		opener: cfg.Opener,
		sum:    cfg.Checksum,
		depth:  cfg.QueueDepth,
		setup:  cfg.Setup,
		logf:   monitoring.Or(cfg.Logf, "actuator"),
		notify: make(chan struct{}, 1),
		stats:  LinkStats{Target: cfg.Opener.String()},
	}, nil
}

// SendValveData queues a copy of bits.
func (l *Link) SendValveData(bits []byte) {
	f := ValveData(append([]byte(nil), bits...))
	l.mu.Lock()
	if len(l.queue) >= l.depth && !l.evictData() {
		// only commands queued; the new bitstream loses
		l.stats.Dropped++
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()
	l.wake()
}

// Send queues a command frame. A full queue first sheds its oldest bitstream.
func (l *Link) Send(f Frame) error {
	if _, err := f.Encode(l.sum); err != nil {
		return err
	}
	l.mu.Lock()
	if len(l.queue) >= l.depth && !l.evictData() {
		l.mu.Unlock()
		return ErrQueueFull
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()
	l.wake()
	return nil
}

// evictData drops the oldest valve data frame. Caller holds mu.
func (l *Link) evictData() bool {
	for i, f := range l.queue {
		if f.IsData() {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			l.stats.Dropped++
			return true
		}
	}
	return false
}

func (l *Link) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Link) pop() (Frame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return Frame{}, false
	}
	f := l.queue[0]
	l.queue = l.queue[1:]
	return f, true
}

func (l *Link) pushFront(f Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append([]Frame{f}, l.queue...)
}

// Stats returns a snapshot of the counters.
func (l *Link) Stats() LinkStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Queued = len(l.queue)
	return s
}

// Run connects, drains the queue and reconnects after failures until ctx is
// cancelled or Stop is called.
func (l *Link) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	defer func() {
		cancel()
		close(done)
		l.mu.Lock()
		l.running = false
		l.stats.Connected = false
		l.mu.Unlock()
	}()

	for first := true; ; first = false {
		if !first {
			l.mu.Lock()
			l.stats.Reconnects++
			l.mu.Unlock()
		}
		port, err := l.connect(ctx)
		if err != nil {
			return nil
		}
		l.mu.Lock()
		l.stats.Connected = true
		l.mu.Unlock()
		l.logf("connected to %s", l.opener)

		err = l.serve(ctx, port)
		port.Close()
		l.mu.Lock()
		l.stats.Connected = false
		l.mu.Unlock()
		if ctx.Err() != nil {
			return nil
		}
		l.logf("link to %s lost: %v", l.opener, err)
	}
}

// Stop cancels Run and waits for it to return. It is safe to call multiple
// times.
func (l *Link) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.cancel()
	done := l.done
	l.mu.Unlock()
	<-done
}

func (l *Link) connect(ctx context.Context) (Port, error) {
	var port Port
	attempts := 0
	op := func() error {
		attempts++
		p, err := l.opener.Open(ctx)
		if err != nil {
			if attempts == 1 || attempts%10 == 0 {
				l.logf("connect %s (attempt %d): %v", l.opener, attempts, err)
			}
			return err
		}
		port = p
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock}, ctx))
	if err != nil {
		return nil, err
	}
	return port, nil
}

func (l *Link) serve(ctx context.Context, port Port) error {
	if l.setup != nil {
		for _, f := range l.setup() {
			if err := l.write(port, f); err != nil {
				return fmt.Errorf("setup %s: %w", f, err)
			}
		}
	}
	for {
		f, ok := l.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.notify:
				continue
			}
		}
		if err := l.write(port, f); err != nil {
			if !f.IsData() {
				l.pushFront(f)
			}
			return err
		}
	}
}

func (l *Link) write(port Port, f Frame) error {
	b, err := f.Encode(l.sum)
	if err != nil {
		return err
	}
	for len(b) > 0 {
		n, err := port.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	l.mu.Lock()
	l.stats.Sent++
	l.mu.Unlock()
	return nil
}
