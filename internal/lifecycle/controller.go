// Package lifecycle starts and stops acquisition, runs calibration captures
// and keeps the durable active-time record.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/sortline/internal/acquisition"
	"github.com/banshee-data/sortline/internal/actuator"
	"github.com/banshee-data/sortline/internal/calibration"
	"github.com/banshee-data/sortline/internal/monitoring"
	"github.com/banshee-data/sortline/internal/sensor"
	"github.com/banshee-data/sortline/internal/timeutil"
)

var (
	// ErrConfiguration wraps a sensor rejecting trigger settings.
	ErrConfiguration = errors.New("sensor configuration failed")
	// ErrBusy is returned when the requested transition conflicts with the
	// current state.
	ErrBusy = errors.New("controller busy")
)

// State is the controller state.
type State string

const (
	Idle        State = "idle"
	Running     State = "running"
	Calibrating State = "calibrating"
)

// ActiveTimeStore is the durable record of acquisition time.
type ActiveTimeStore interface {
	StartSession(at time.Time) (string, error)
	AddActiveTime(sessionID string, d time.Duration, at time.Time) error
	EndSession(id string, at time.Time) error
}

// CommandSender delivers controller commands.
type CommandSender interface {
	Send(f actuator.Frame) error
}

// resetter is implemented by handlers that carry state across frames.
type resetter interface {
	Reset()
}

// Config wires a Controller.
type Config struct {
	Spectral     sensor.Source
	RGB          sensor.Source
	SpectralLoop *acquisition.Loop
	RGBLoop      *acquisition.Loop
	Assembler    acquisition.FrameHandler
	RGBCopier    acquisition.FrameHandler
	Calibration  *calibration.Engine

	SpectralTrigger    sensor.Trigger
	RGBTrigger         sensor.Trigger
	CalibrationTrigger sensor.Trigger

	Store    ActiveTimeStore
	Actuator CommandSender
	// CheckpointInterval is how often running time is flushed to Store.
	// Zero flushes only on Stop.
	CheckpointInterval time.Duration

	Clock timeutil.Clock
	Logf  monitoring.Logger
}

// Status is a snapshot of the controller.
type Status struct {
	State     State     `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	// Unflushed is running time not yet written to the store.
	Unflushed time.Duration `json:"unflushed_ns"`
}

// Controller serialises Start, Stop and Calibrate.
type Controller struct {
	cfg  Config
	logf monitoring.Logger

	// op serialises transitions; mu guards the fields read by Status.
	op sync.Mutex

	mu             sync.Mutex
	state          State
	sessionID      string
	startedAt      time.Time
	lastCheckpoint time.Time

	cancel context.CancelFunc
	ticker sync.WaitGroup
}

// New validates cfg.
func New(cfg Config) (*Controller, error) {
	if cfg.Spectral == nil || cfg.RGB == nil {
		return nil, errors.New("lifecycle: both sensor sources are required")
	}
	if cfg.SpectralLoop == nil || cfg.RGBLoop == nil {
		return nil, errors.New("lifecycle: both acquisition loops are required")
	}
	if cfg.Assembler == nil || cfg.RGBCopier == nil {
		return nil, errors.New("lifecycle: frame handlers are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Controller{cfg: cfg, logf: monitoring.Or(cfg.Logf, "lifecycle"), state: Idle}, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{State: c.state, SessionID: c.sessionID, StartedAt: c.startedAt}
	if c.state == Running {
		s.Unflushed = c.cfg.Clock.Since(c.lastCheckpoint)
	}
	return s
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start configures external triggering on both sensors and starts both
// acquisition loops.
func (c *Controller) Start(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	if st := c.State(); st != Idle {
		return fmt.Errorf("%w: cannot start while %s", ErrBusy, st)
	}

	if err := c.cfg.Spectral.Configure(c.cfg.SpectralTrigger); err != nil {
		return fmt.Errorf("%w: spectral trigger: %v", ErrConfiguration, err)
	}
	if err := c.cfg.RGB.Configure(c.cfg.RGBTrigger); err != nil {
		return fmt.Errorf("%w: rgb trigger: %v", ErrConfiguration, err)
	}
	// Rows left over from a previous run belong to another session.
	if r, ok := c.cfg.Assembler.(resetter); ok {
		r.Reset()
	}
	c.cfg.SpectralLoop.SetHandler(c.cfg.Assembler)
	c.cfg.RGBLoop.SetHandler(c.cfg.RGBCopier)

	now := c.cfg.Clock.Now()
	var sessionID string
	if c.cfg.Store != nil {
		id, err := c.cfg.Store.StartSession(now)
		if err != nil {
			c.logf("session not recorded: %v", err)
		}
		sessionID = id
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := c.cfg.SpectralLoop.Start(runCtx); err != nil {
		cancel()
		c.endSession(sessionID, now)
		return err
	}
	if err := c.cfg.RGBLoop.Start(runCtx); err != nil {
		c.cfg.SpectralLoop.Stop()
		cancel()
		c.endSession(sessionID, now)
		return err
	}
	if c.cfg.Actuator != nil {
		if err := c.cfg.Actuator.Send(actuator.Start()); err != nil {
			c.logf("start command not queued: %v", err)
		}
	}

	c.mu.Lock()
	c.state = Running
	c.sessionID = sessionID
	c.startedAt = now
	c.lastCheckpoint = now
	c.cancel = cancel
	c.mu.Unlock()

	if c.cfg.CheckpointInterval > 0 {
		c.ticker.Add(1)
		go c.checkpointLoop(runCtx, c.cfg.CheckpointInterval)
	}
	c.logf("acquisition started")
	return nil
}

// Stop stops both loops in reverse start order and flushes the running time.
// It is a no-op unless the controller is running.
func (c *Controller) Stop() error {
	c.op.Lock()
	defer c.op.Unlock()
	if c.State() != Running {
		return nil
	}

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	cancel()
	c.ticker.Wait()

	c.cfg.RGBLoop.Stop()
	c.cfg.SpectralLoop.Stop()
	if c.cfg.Actuator != nil {
		if err := c.cfg.Actuator.Send(actuator.Stop()); err != nil {
			c.logf("stop command not queued: %v", err)
		}
	}

	now := c.cfg.Clock.Now()
	err := c.checkpoint(now)
	c.mu.Lock()
	id, started := c.sessionID, c.startedAt
	c.state = Idle
	c.sessionID = ""
	c.cancel = nil
	c.mu.Unlock()
	c.endSession(id, now)

	c.logf("acquisition stopped after %v", now.Sub(started).Round(time.Second))
	return err
}

func (c *Controller) checkpointLoop(ctx context.Context, interval time.Duration) {
	defer c.ticker.Done()
	t := c.cfg.Clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C():
			if err := c.checkpoint(now); err != nil {
				c.logf("active time checkpoint: %v", err)
			}
		}
	}
}

// checkpoint moves the time since the last checkpoint into the store.
func (c *Controller) checkpoint(now time.Time) error {
	c.mu.Lock()
	d := now.Sub(c.lastCheckpoint)
	id := c.sessionID
	c.mu.Unlock()
	if c.cfg.Store == nil || d <= 0 {
		return nil
	}
	if err := c.cfg.Store.AddActiveTime(id, d, now); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastCheckpoint = now
	c.mu.Unlock()
	return nil
}

func (c *Controller) endSession(id string, at time.Time) {
	if c.cfg.Store == nil || id == "" {
		return
	}
	if err := c.cfg.Store.EndSession(id, at); err != nil {
		c.logf("session %s not closed: %v", id, err)
	}
}

// Calibrate captures a reference of the given kind with the spectral sensor
// in free-run mode, then restores the acquisition trigger. It blocks until the
// capture completes or ctx ends.
func (c *Controller) Calibrate(ctx context.Context, kind calibration.Kind) (*calibration.Reference, error) {
	if c.cfg.Calibration == nil {
		return nil, errors.New("calibration engine not configured")
	}
	c.op.Lock()
	defer c.op.Unlock()
	if st := c.State(); st != Idle {
		return nil, fmt.Errorf("%w: cannot calibrate while %s", ErrBusy, st)
	}
	c.setState(Calibrating)
	defer c.setState(Idle)

	if err := c.cfg.Spectral.Configure(c.cfg.CalibrationTrigger); err != nil {
		return nil, fmt.Errorf("%w: calibration trigger: %v", ErrConfiguration, err)
	}

	engine := c.cfg.Calibration
	engine.BeginCapture(kind)
	done := engine.Done()
	loop := c.cfg.SpectralLoop
	loop.SetHandler(&acquisition.CalibrationAccumulator{Engine: engine})

	var err error
	if err = loop.Start(ctx); err == nil {
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		case <-loop.Done():
			err = errors.New("spectral loop ended before the capture completed")
		}
		loop.Stop()
	}

	loop.SetHandler(c.cfg.Assembler)
	if rerr := c.cfg.Spectral.Configure(c.cfg.SpectralTrigger); rerr != nil {
		rerr = fmt.Errorf("%w: restore trigger: %v", ErrConfiguration, rerr)
		if err == nil {
			err = rerr
		} else {
			c.logf("%v", rerr)
		}
	}
	if err != nil {
		return nil, err
	}

	ref, err := engine.Result()
	if err != nil {
		return nil, err
	}
	return ref, nil
}
