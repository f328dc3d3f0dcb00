// Package sensor defines the capability the pipeline consumes from a line-scan
// camera driver: a pool of buffers cycled between an input queue (free) and an
// output queue (filled), plus streaming and trigger control.
package sensor

import (
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by Retrieve when no buffer was filled in time.
	// It is transient: the caller retries.
	ErrTimeout = errors.New("sensor: retrieve timeout")
	// ErrStopped is returned by Retrieve when streaming is not active.
	ErrStopped = errors.New("sensor: not streaming")
	// ErrConfiguration is returned when the device rejects a parameter.
	ErrConfiguration = errors.New("sensor: parameter rejected")
)

// Buffer is one filled driver buffer. Data is owned by the caller between
// Retrieve and Requeue and must not be retained after Requeue.
type Buffer struct {
	Data      []byte
	Sequence  uint64
	Timestamp time.Time
}

// Trigger selects how the sensor is clocked.
type Trigger struct {
	// Enabled selects external triggering; false means free-run.
	Enabled bool `json:"enabled"`
	// Source names the trigger input, e.g. "Line0".
	Source string `json:"source,omitempty"`
	// LineTrigger selects the per-line trigger of an area sensor used in
	// line mode rather than the frame trigger.
	LineTrigger bool `json:"line_trigger,omitempty"`
	// FrameRate applies in free-run mode.
	FrameRate float64 `json:"frame_rate,omitempty"`
}

// Source is one sensor's frame supply.
type Source interface {
	// Configure applies trigger settings. Rejected parameters wrap
	// ErrConfiguration.
	Configure(t Trigger) error
	// Start enables streaming and starts acquisition.
	Start() error
	// Stop stops acquisition and disables streaming.
	Stop() error
	// Retrieve returns the next filled buffer, waiting at most timeout.
	Retrieve(timeout time.Duration) (*Buffer, error)
	// Requeue hands a buffer back to the input queue.
	Requeue(b *Buffer) error
	// Abort cancels buffers queued for filling.
	Abort() error
	// Drain returns every filled but unretrieved buffer to the input queue.
	Drain() error
	// PayloadSize is the byte size of one buffer.
	PayloadSize() int
}
