package lifecycle

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sortline/internal/acquisition"
	"github.com/banshee-data/sortline/internal/actuator"
	"github.com/banshee-data/sortline/internal/calibration"
	"github.com/banshee-data/sortline/internal/fsutil"
	"github.com/banshee-data/sortline/internal/handoff"
	"github.com/banshee-data/sortline/internal/sensor"
	"github.com/banshee-data/sortline/internal/timeutil"
)

func quiet(string, ...interface{}) {}

type nopHandler struct{}

func (nopHandler) HandleFrame(*sensor.Buffer) error { return nil }

type memStore struct {
	mu      sync.Mutex
	started int
	ended   []string
	added   []time.Duration
	ids     []string
}

func (s *memStore) StartSession(at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return "session-" + string(rune('0'+s.started)), nil
}

func (s *memStore) AddActiveTime(id string, d time.Duration, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, d)
	s.ids = append(s.ids, id)
	return nil
}

func (s *memStore) EndSession(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, id)
	return nil
}

func (s *memStore) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t time.Duration
	for _, d := range s.added {
		t += d
	}
	return t
}

type recordingSender struct {
	mu     sync.Mutex
	frames []actuator.Frame
}

func (r *recordingSender) Send(f actuator.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingSender) cmds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, f := range r.frames {
		out = append(out, f.Cmd)
	}
	return out
}

type rig struct {
	ctrl     *Controller
	spectral *sensor.SimSource
	rgb      *sensor.SimSource
	store    *memStore
	sender   *recordingSender
	clock    *timeutil.MockClock
	engine   *calibration.Engine
}

func newRig(t *testing.T, checkpoint time.Duration) *rig {
	t.Helper()
	spectral, err := sensor.NewSimSource(sensor.SimConfig{Name: "spectral", PayloadSize: 4, BufferCount: 8, Logf: quiet})
	require.NoError(t, err)
	rgb, err := sensor.NewSimSource(sensor.SimConfig{Name: "rgb", PayloadSize: 4, BufferCount: 8, Logf: quiet})
	require.NoError(t, err)
	sl, err := acquisition.NewLoop(acquisition.LoopConfig{Name: "spectral", Source: spectral, RetrieveTimeout: time.Millisecond, CPUCore: -1, Logf: quiet})
	require.NoError(t, err)
	rl, err := acquisition.NewLoop(acquisition.LoopConfig{Name: "rgb", Source: rgb, RetrieveTimeout: time.Millisecond, CPUCore: -1, Logf: quiet})
	require.NoError(t, err)
	engine, err := calibration.NewEngine(calibration.EngineConfig{
		Bands:  1,
		Width:  2,
		Frames: 2,
		Store:  calibration.NewStore(fsutil.NewMemoryFileSystem(), "/cal", 1, 2),
		Logf:   quiet,
	})
	require.NoError(t, err)

	r := &rig{
		spectral: spectral,
		rgb:      rgb,
		store:    &memStore{},
		sender:   &recordingSender{},
		clock:    timeutil.NewMockClock(time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC)),
		engine:   engine,
	}
	r.ctrl, err = New(Config{
		Spectral:           spectral,
		RGB:                rgb,
		SpectralLoop:       sl,
		RGBLoop:            rl,
		Assembler:          nopHandler{},
		RGBCopier:          nopHandler{},
		Calibration:        engine,
		SpectralTrigger:    sensor.Trigger{Enabled: true, Source: "Line0"},
		RGBTrigger:         sensor.Trigger{Enabled: true, Source: "Line2", LineTrigger: true},
		CalibrationTrigger: sensor.Trigger{FrameRate: 100},
		Store:              r.store,
		Actuator:           r.sender,
		CheckpointInterval: checkpoint,
		Clock:              r.clock,
		Logf:               quiet,
	})
	require.NoError(t, err)
	return r
}

func TestStartStop(t *testing.T) {
	r := newRig(t, 0)
	require.NoError(t, r.ctrl.Start(context.Background()))
	assert.Equal(t, Running, r.ctrl.State())
	assert.True(t, r.spectral.Streaming())
	assert.True(t, r.rgb.Streaming())
	assert.Equal(t, []sensor.Trigger{{Enabled: true, Source: "Line0"}}, r.spectral.Triggers())
	assert.Equal(t, []sensor.Trigger{{Enabled: true, Source: "Line2", LineTrigger: true}}, r.rgb.Triggers())

	st := r.ctrl.Status()
	assert.Equal(t, "session-1", st.SessionID)

	r.clock.Advance(90 * time.Second)
	require.NoError(t, r.ctrl.Stop())
	assert.Equal(t, Idle, r.ctrl.State())
	assert.False(t, r.spectral.Streaming())
	assert.False(t, r.rgb.Streaming())
	assert.Equal(t, 90*time.Second, r.store.total())
	assert.Equal(t, []string{"session-1"}, r.store.ended)
	assert.Equal(t, []string{actuator.CmdStart, actuator.CmdStop}, r.sender.cmds())

	// Stop is idempotent.
	require.NoError(t, r.ctrl.Stop())
	assert.Len(t, r.store.ended, 1)
}

func TestRestart_DiscardsPartialComposite(t *testing.T) {
	r := newRig(t, 0)
	ready, err := handoff.NewSpectralReady(4, 1, 2)
	require.NoError(t, err)
	asm, err := acquisition.NewFrameAssembler(acquisition.AssemblerConfig{
		Rows:      4,
		Bands:     1,
		Width:     2,
		Corrector: calibration.NewCorrector(1, 2, 0),
		Ready:     ready,
		Logf:      quiet,
	})
	require.NoError(t, err)
	r.ctrl.cfg.Assembler = asm

	inject := func(v uint16, n int) {
		for i := 0; i < n; i++ {
			require.Eventually(t, func() bool { return r.spectral.Inject(frame(v, v)) == nil }, time.Second, time.Millisecond)
		}
	}

	require.NoError(t, r.ctrl.Start(context.Background()))
	inject(1, 2)
	require.Eventually(t, func() bool { return asm.Row() == 2 }, 2*time.Second, time.Millisecond)
	require.NoError(t, r.ctrl.Stop())

	require.NoError(t, r.ctrl.Start(context.Background()))
	defer r.ctrl.Stop()
	assert.Equal(t, 0, asm.Row())
	inject(9, 2)
	require.Eventually(t, func() bool { return asm.Row() == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, ready.Ready.Count(), "composite released with rows from the previous run")

	inject(9, 2)
	require.Eventually(t, func() bool { return ready.Ready.Count() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []float32{9, 9, 9, 9, 9, 9, 9, 9}, ready.Composite)
}

func TestStart_Busy(t *testing.T) {
	r := newRig(t, 0)
	require.NoError(t, r.ctrl.Start(context.Background()))
	defer r.ctrl.Stop()

	err := r.ctrl.Start(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	_, err = r.ctrl.Calibrate(context.Background(), calibration.Black)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestStart_ConfigurationError(t *testing.T) {
	r := newRig(t, 0)
	r.rgb.FailNextConfigure(errors.New("trigger source unsupported"))

	err := r.ctrl.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, Idle, r.ctrl.State())
	assert.False(t, r.spectral.Streaming())
	assert.Zero(t, r.store.started)
}

func TestCheckpoint(t *testing.T) {
	r := newRig(t, time.Minute)
	require.NoError(t, r.ctrl.Start(context.Background()))

	// The ticker goroutine may register after Start returns.
	require.Eventually(t, func() bool {
		r.clock.Advance(time.Minute)
		return r.store.total() > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.ctrl.Stop())
	elapsed := r.clock.Now().Sub(time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC))
	assert.Equal(t, elapsed, r.store.total())
	for _, id := range r.store.ids {
		assert.Equal(t, "session-1", id)
	}
}

func frame(vals ...uint16) []byte {
	b := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}

func TestCalibrate(t *testing.T) {
	r := newRig(t, 0)

	type result struct {
		ref *calibration.Reference
		err error
	}
	out := make(chan result, 1)
	go func() {
		ref, err := r.ctrl.Calibrate(context.Background(), calibration.White)
		out <- result{ref, err}
	}()

	require.Eventually(t, r.spectral.Streaming, 2*time.Second, time.Millisecond)
	assert.Equal(t, Calibrating, r.ctrl.State())
	require.NoError(t, r.spectral.Inject(frame(100, 200)))
	require.NoError(t, r.spectral.Inject(frame(300, 400)))

	select {
	case res := <-out:
		require.NoError(t, res.err)
		assert.Equal(t, calibration.White, res.ref.Kind)
		assert.Equal(t, 2, res.ref.Frames)
	case <-time.After(2 * time.Second):
		t.Fatal("calibration did not complete")
	}

	assert.Equal(t, Idle, r.ctrl.State())
	assert.False(t, r.spectral.Streaming())
	assert.Equal(t, []sensor.Trigger{
		{FrameRate: 100},
		{Enabled: true, Source: "Line0"},
	}, r.spectral.Triggers())
	assert.Zero(t, r.store.started)
}

func TestCalibrate_Cancel(t *testing.T) {
	r := newRig(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for !r.spectral.Streaming() {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	_, err := r.ctrl.Calibrate(ctx, calibration.Black)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Idle, r.ctrl.State())

	// The acquisition path is usable afterwards.
	require.NoError(t, r.ctrl.Start(context.Background()))
	require.NoError(t, r.ctrl.Stop())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
