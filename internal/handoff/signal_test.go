package handoff

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_CountsReleases(t *testing.T) {
	t.Parallel()
	s := NewSignal()

	assert.False(t, s.TryAcquire())
	s.Release()
	s.Release()
	s.Release()
	assert.Equal(t, 3, s.Count())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Acquire(ctx))
	}
	assert.Equal(t, 0, s.Count())
	assert.False(t, s.TryAcquire())
}

func TestSignal_AcquireBlocksUntilRelease(t *testing.T) {
	t.Parallel()
	s := NewSignal()

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Acquire(context.Background()))
	}()

	select {
	case <-done:
		t.Fatal("acquire returned without a release")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe release")
	}
}

func TestSignal_AcquireCancelled(t *testing.T) {
	t.Parallel()
	s := NewSignal()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := s.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSignal_ManyWaiters(t *testing.T) {
	t.Parallel()
	s := NewSignal()
	const waiters = 8

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Acquire(context.Background()))
		}()
	}
	for i := 0; i < waiters; i++ {
		s.Release()
	}

	finished := make(chan struct{})
	go func() { wg.Wait(); close(finished) }()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("waiters left blocked, count=%d", s.Count())
	}
	assert.Equal(t, 0, s.Count())
}

func TestSignal_Drain(t *testing.T) {
	t.Parallel()
	s := NewSignal()
	s.Release()
	s.Release()
	assert.Equal(t, 2, s.Drain())
	assert.Equal(t, 0, s.Count())
}

func TestNewReadyBuffers(t *testing.T) {
	t.Parallel()
	sr, err := NewSpectralReady(4, 2, 4)
	require.NoError(t, err)
	assert.Len(t, sr.Composite, 32)
	assert.Len(t, sr.Mosaic, 48)
	assert.Equal(t, 0, sr.Ready.Count())
	assert.Equal(t, 1, sr.Consumed.Count(), "a fresh buffer is free for the writer")

	_, err = NewSpectralReady(0, 2, 4)
	assert.Error(t, err)

	rr, err := NewRGBReady(12)
	require.NoError(t, err)
	assert.Len(t, rr.Frame, 12)
	assert.Equal(t, 1, rr.Consumed.Count())
	_, err = NewRGBReady(0)
	assert.Error(t, err)
}
