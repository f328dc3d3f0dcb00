package sensor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sortline/internal/monitoring"
	"github.com/banshee-data/sortline/internal/timeutil"
)

// Generator fills buf with the content of frame seq.
type Generator func(seq uint64, buf []byte)

// SimConfig configures a simulated source.
type SimConfig struct {
	Name        string
	PayloadSize int
	BufferCount int
	// Interval paces the internal producer. Zero disables it; frames are then
	// supplied only through Inject.
	Interval  time.Duration
	Generator Generator
	Clock     timeutil.Clock
	Logf      monitoring.Logger
}

// SimSource is an in-process Source used for bench runs and tests. It keeps
// the free/filled queue discipline of a real driver, including dropping a
// frame when every buffer is outstanding.
type SimSource struct {
	cfg SimConfig

	free   chan *Buffer
	filled chan *Buffer

	mu        sync.Mutex
	streaming bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	triggers  []Trigger
	failNext  error

	seq     atomic.Uint64
	dropped atomic.Uint64
	starts  atomic.Int64
}

// NewSimSource allocates the buffer pool.
func NewSimSource(cfg SimConfig) (*SimSource, error) {
	if cfg.PayloadSize <= 0 {
		return nil, fmt.Errorf("payload size must be positive, got %d", cfg.PayloadSize)
	}
	if cfg.BufferCount <= 0 {
		cfg.BufferCount = 64
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Name == "" {
		cfg.Name = "sim"
	}
	cfg.Logf = monitoring.Or(cfg.Logf, cfg.Name)

	s := &SimSource{
		cfg:    cfg,
		free:   make(chan *Buffer, cfg.BufferCount),
		filled: make(chan *Buffer, cfg.BufferCount),
	}
	for i := 0; i < cfg.BufferCount; i++ {
		s.free <- &Buffer{Data: make([]byte, cfg.PayloadSize)}
	}
	return s, nil
}

// FailNextConfigure makes the next Configure call fail with err.
func (s *SimSource) FailNextConfigure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Configure records the trigger settings.
func (s *SimSource) Configure(t Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	s.triggers = append(s.triggers, t)
	return nil
}

// Triggers returns every applied trigger configuration in order.
func (s *SimSource) Triggers() []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Trigger(nil), s.triggers...)
}

// Start enables streaming and, when an interval is set, the producer.
func (s *SimSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming {
		return nil
	}
	s.streaming = true
	s.starts.Add(1)
	if s.cfg.Interval > 0 && s.cfg.Generator != nil {
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		go s.produce(s.stopCh, s.doneCh)
	}
	return nil
}

// Stop disables streaming and waits for the producer to exit.
func (s *SimSource) Stop() error {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return nil
	}
	s.streaming = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh, s.doneCh = nil, nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}
	return nil
}

// Streaming reports whether Start has been called without a matching Stop.
func (s *SimSource) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Starts returns how many times streaming was enabled.
func (s *SimSource) Starts() int64 { return s.starts.Load() }

func (s *SimSource) produce(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		seq := s.seq.Add(1) - 1
		select {
		case b := <-s.free:
			s.cfg.Generator(seq, b.Data)
			b.Sequence = seq
			b.Timestamp = s.cfg.Clock.Now()
			s.filled <- b
		default:
			if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
				s.cfg.Logf("no free buffer, dropped %d frames", n)
			}
		}
		s.cfg.Clock.Sleep(s.cfg.Interval)
	}
}

// Inject fills the next free buffer with data and queues it as filled. It
// returns an error when every buffer is outstanding.
func (s *SimSource) Inject(data []byte) error {
	if len(data) != s.cfg.PayloadSize {
		return fmt.Errorf("inject %d bytes into %d byte buffer", len(data), s.cfg.PayloadSize)
	}
	select {
	case b := <-s.free:
		copy(b.Data, data)
		b.Sequence = s.seq.Add(1) - 1
		b.Timestamp = s.cfg.Clock.Now()
		s.filled <- b
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("no free buffer")
	}
}

// Retrieve waits for a filled buffer.
func (s *SimSource) Retrieve(timeout time.Duration) (*Buffer, error) {
	select {
	case b := <-s.filled:
		return b, nil
	default:
	}
	if !s.Streaming() {
		return nil, ErrStopped
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b := <-s.filled:
		return b, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Requeue returns a buffer to the free queue.
func (s *SimSource) Requeue(b *Buffer) error {
	if b == nil || len(b.Data) != s.cfg.PayloadSize {
		return fmt.Errorf("requeue of foreign buffer")
	}
	select {
	case s.free <- b:
		return nil
	default:
		return fmt.Errorf("requeue overflows pool of %d", s.cfg.BufferCount)
	}
}

// Abort is a no-op: simulated buffers are filled synchronously.
func (s *SimSource) Abort() error { return nil }

// Drain moves filled buffers back to the free queue.
func (s *SimSource) Drain() error {
	for {
		select {
		case b := <-s.filled:
			s.free <- b
		default:
			return nil
		}
	}
}

// PayloadSize returns the configured buffer size.
func (s *SimSource) PayloadSize() int { return s.cfg.PayloadSize }

// Free returns the number of buffers in the input queue.
func (s *SimSource) Free() int { return len(s.free) }

// Dropped returns how many frames were lost to buffer exhaustion.
func (s *SimSource) Dropped() uint64 { return s.dropped.Load() }
