package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sortline/internal/actuator"
	"github.com/banshee-data/sortline/internal/config"
	"github.com/banshee-data/sortline/internal/db"
	"github.com/banshee-data/sortline/internal/detector"
	"github.com/banshee-data/sortline/internal/fsutil"
	"github.com/banshee-data/sortline/internal/monitoring"
	"github.com/banshee-data/sortline/internal/timeutil"
)

func init() { monitoring.SetLogger(nil) }

type noDetector struct{}

func (noDetector) Dial(ctx context.Context) (*detector.Conn, error) {
	<-ctx.Done()
	return nil, errors.New("no detector attached")
}

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.Spectral.Width = 8
	cfg.Spectral.Bands = 4
	cfg.Spectral.Rows = 2
	cfg.Spectral.ValidBands = []int{1, 2}
	cfg.Spectral.MonitorBands = []int{0, 1, 2}
	cfg.Spectral.BufferCount = 4
	cfg.Spectral.RetrieveTimeout = "5ms"
	cfg.Spectral.CPUCore = -1
	cfg.RGB.Width = 8
	cfg.RGB.Height = 2
	cfg.RGB.BufferCount = 4
	cfg.RGB.RetrieveTimeout = "5ms"
	cfg.RGB.CPUCore = -1
	cfg.Valve.Channels = 2
	cfg.Calibration.Frames = 2
	cfg.Calibration.Dir = "/cal"
	cfg.Ring.Dir = "/snapshots"
	return cfg
}

// hangUpDetector accepts every payload and closes the mask channel at once.
type hangUpDetector struct{}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Close() error                { return nil }

func (hangUpDetector) Dial(ctx context.Context) (*detector.Conn, error) {
	return detector.NewConn(discard{}, discard{}, io.NopCloser(strings.NewReader(""))), nil
}

func newTestLine(t *testing.T) (*line, *db.DB) {
	t.Helper()
	return newTestLineWith(t, noDetector{})
}

func newTestLineWith(t *testing.T, dialer detector.Dialer) (*line, *db.DB) {
	t.Helper()
	cfg := smallConfig()
	require.NoError(t, cfg.Validate())
	database, err := db.NewDB(filepath.Join(t.TempDir(), "line.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	l, err := buildLine(cfg, database, lineOptions{
		Simulate: true,
		Dialer:   dialer,
		Opener:   &actuator.MockOpener{},
		FS:       fsutil.NewMemoryFileSystem(),
		Clock:    timeutil.RealClock{},
	})
	require.NoError(t, err)
	return l, database
}

func TestDispatch(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, dispatch(nil, &out))
	assert.Contains(t, out.String(), "Commands:")

	out.Reset()
	require.NoError(t, dispatch([]string{"version"}, &out))
	assert.True(t, strings.HasPrefix(out.String(), "sortline "))

	assert.Error(t, dispatch([]string{"launch"}, &out))
	assert.Error(t, dispatch([]string{"calibrate", "-addr", "localhost:1", "grey"}, &out))
}

func TestMkconfAndConf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sortline.yml")
	var out bytes.Buffer
	require.NoError(t, dispatch([]string{"mkconf", "-o", path}, &out))

	// refuses to overwrite without -f
	assert.Error(t, dispatch([]string{"mkconf", "-o", path}, &out))
	require.NoError(t, dispatch([]string{"mkconf", "-f", "-o", path}, &out))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mask_fifo: /tmp/dkmask.fifo")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	def := config.Default()
	assert.Equal(t, def.Spectral.ValidBands, cfg.Spectral.ValidBands)
	assert.Equal(t, def.Detector, cfg.Detector)
	assert.Equal(t, def.Actuator, cfg.Actuator)

	out.Reset()
	require.NoError(t, dispatch([]string{"conf", "-config", path}, &out))
	assert.Contains(t, out.String(), "policy: fatal")
}

func TestMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")
	var out bytes.Buffer
	require.NoError(t, dispatch([]string{"migrate", "-db", path, "up"}, &out))
	assert.Contains(t, out.String(), "Migrations applied")
}

func TestLine_StartStopThroughAPI(t *testing.T) {
	l, database := newTestLine(t)
	h, err := l.handler()
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, l.spectral.(interface{ Streaming() bool }).Streaming())

	resp, err = http.Post(ts.URL+"/api/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sessions, err := database.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotNil(t, sessions[0].EndedAt)

	resp, err = http.Get(ts.URL + "/debug/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusNotFound, resp.StatusCode)
}

func TestLine_RunStopsOnCancel(t *testing.T) {
	l, _ := newTestLine(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.run(ctx) }()

	require.NoError(t, l.ctrl.Start(ctx))
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Equal(t, "idle", string(l.ctrl.State()))
}

func TestLine_DesyncStopsAcquisitionButKeepsServing(t *testing.T) {
	l, _ := newTestLineWith(t, hangUpDetector{})
	require.Equal(t, "fatal", l.cfg.Detector.Policy)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.run(ctx) }()

	require.NoError(t, l.ctrl.Start(ctx))
	require.Eventually(t, func() bool {
		return l.exchange.Stats().Halted && l.ctrl.State() == "idle"
	}, 5*time.Second, 5*time.Millisecond)
	assert.Contains(t, l.exchange.Stats().LastError, "closed")

	select {
	case err := <-done:
		t.Fatalf("run returned after a desync: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// the operator can start again and the exchange picks up the new cycles
	require.NoError(t, l.ctrl.Start(ctx))
	require.Eventually(t, func() bool { return l.exchange.Stats().Desyncs >= 2 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestOpenerFor(t *testing.T) {
	assert.Equal(t, "none", openerFor(config.ActuatorConfig{Transport: config.TransportNone}).String())
	assert.Equal(t, "tcp:10.0.0.2:13452", openerFor(config.ActuatorConfig{Transport: config.TransportTCP, Address: "10.0.0.2:13452"}).String())
	assert.Equal(t, "serial:/dev/ttyUSB0", openerFor(config.ActuatorConfig{Transport: config.TransportSerial, SerialPort: "/dev/ttyUSB0"}).String())
}

func TestCalibrationTimeout(t *testing.T) {
	assert.Equal(t, 10*time.Second+700*time.Millisecond, calibrationTimeout(config.CalibrationConfig{Frames: 35, FrameRate: 100}))
	assert.Equal(t, time.Minute, calibrationTimeout(config.CalibrationConfig{Frames: 35}))
}
