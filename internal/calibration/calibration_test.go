package calibration

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sortline/internal/fsutil"
	"github.com/banshee-data/sortline/internal/timeutil"
)

func rawFrame(vals ...uint16) []byte {
	buf := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(buf[i*2:], v)
	}
	return buf
}

func constFrame(n int, v uint16) []byte {
	vals := make([]uint16, n)
	for i := range vals {
		vals[i] = v
	}
	return rawFrame(vals...)
}

type recordedEvent struct {
	kind   string
	frames int
	path   string
}

type fakeRecorder struct{ events []recordedEvent }

func (f *fakeRecorder) RecordCalibration(kind string, frames int, path string, at time.Time) error {
	f.events = append(f.events, recordedEvent{kind, frames, path})
	return nil
}

func newEngine(t *testing.T, fsys fsutil.FileSystem, bands, width, frames int) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{
		Bands:  bands,
		Width:  width,
		Frames: frames,
		Store:  NewStore(fsys, "/cal", bands, width),
		Clock:  timeutil.NewMockClock(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)),
		Logf:   func(string, ...interface{}) {},
	})
	require.NoError(t, err)
	return e
}

func TestEngine_AveragesConstantFrames(t *testing.T) {
	t.Parallel()
	fsys := fsutil.NewMemoryFileSystem()
	e := newEngine(t, fsys, 2, 3, DefaultFrames)

	e.BeginCapture(Black)
	for i := 0; i < DefaultFrames; i++ {
		assert.False(t, e.IsComplete())
		require.NoError(t, e.Accumulate(constFrame(6, 117)))
	}

	select {
	case <-e.Done():
	default:
		t.Fatal("capture not signalled after final frame")
	}

	ref, err := e.Result()
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, DefaultFrames, ref.Frames)
	for _, v := range ref.Data {
		assert.InDelta(t, 117.0, v, 1e-4)
	}

	data, err := fsys.ReadFile("/cal/black.raw")
	require.NoError(t, err)
	assert.Len(t, data, 2*3*4)
}

func TestEngine_AveragesVaryingFrames(t *testing.T) {
	t.Parallel()
	e := newEngine(t, fsutil.NewMemoryFileSystem(), 1, 2, 4)

	e.BeginCapture(White)
	require.NoError(t, e.Accumulate(rawFrame(10, 100)))
	require.NoError(t, e.Accumulate(rawFrame(20, 200)))
	require.NoError(t, e.Accumulate(rawFrame(30, 300)))
	done, want := e.Progress()
	assert.Equal(t, 3, done)
	assert.Equal(t, 4, want)

	_, err := e.Finalize()
	assert.ErrorIs(t, err, ErrIncomplete)

	require.NoError(t, e.Accumulate(rawFrame(40, 401)))
	ref, err := e.Result()
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{25, 250.25}, ref.Data, 1e-4)

	// Extra frames after completion are ignored.
	assert.ErrorIs(t, e.Accumulate(rawFrame(0, 0)), ErrNotCapturing)
}

func TestEngine_RejectsWrongSize(t *testing.T) {
	t.Parallel()
	e := newEngine(t, fsutil.NewMemoryFileSystem(), 2, 2, 3)
	assert.ErrorIs(t, e.Accumulate(constFrame(4, 1)), ErrNotCapturing)

	e.BeginCapture(Black)
	err := e.Accumulate(constFrame(3, 1))
	assert.ErrorIs(t, err, ErrSize)
}

func TestEngine_RecordsEventAndCallback(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	var completed []Kind
	e, err := NewEngine(EngineConfig{
		Bands:      1,
		Width:      1,
		Frames:     1,
		Store:      NewStore(fsutil.NewMemoryFileSystem(), "/cal", 1, 1),
		Recorder:   rec,
		Logf:       func(string, ...interface{}) {},
		OnComplete: func(ref *Reference) { completed = append(completed, ref.Kind) },
	})
	require.NoError(t, err)

	e.BeginCapture(White)
	require.NoError(t, e.Accumulate(rawFrame(9)))

	assert.Equal(t, []Kind{White}, completed)
	require.Len(t, rec.events, 1)
	assert.Equal(t, recordedEvent{"white", 1, "/cal/white.raw"}, rec.events[0])
}

func TestCorrector_RoundTrip(t *testing.T) {
	t.Parallel()
	c := NewCorrector(1, 3, DefaultEpsilon)
	black := &Reference{Kind: Black, Bands: 1, Width: 3, Data: []float32{100, 200, 50}}
	white := &Reference{Kind: White, Bands: 1, Width: 3, Data: []float32{1100, 2200, 850}}

	require.NoError(t, c.Install(black))
	assert.False(t, c.Calibrated(), "one reference is not enough")
	require.NoError(t, c.Install(white))
	assert.True(t, c.Calibrated())

	out := make([]float32, 3)
	require.NoError(t, c.Correct(rawFrame(100, 200, 50), out))
	assert.InDeltaSlice(t, []float32{0, 0, 0}, out, 1e-6, "raw == black gives 0")

	require.NoError(t, c.Correct(rawFrame(1100, 2200, 850), out))
	assert.InDeltaSlice(t, []float32{1, 1, 1}, out, 1e-6, "raw == white gives 1")

	require.NoError(t, c.Correct(rawFrame(600, 1200, 450), out))
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.5}, out, 1e-6)
}

func TestCorrector_DeadPixelDoesNotDivideByZero(t *testing.T) {
	t.Parallel()
	c := NewCorrector(1, 1, DefaultEpsilon)
	require.NoError(t, c.Install(&Reference{Kind: Black, Data: []float32{100}}))
	require.NoError(t, c.Install(&Reference{Kind: White, Data: []float32{100}}))

	out := make([]float32, 1)
	require.NoError(t, c.Correct(rawFrame(100), out))
	assert.Equal(t, float32(0), out[0])
}

func TestCorrector_UncalibratedPassesRaw(t *testing.T) {
	t.Parallel()
	c := NewCorrector(1, 2, 0)
	out := make([]float32, 2)
	require.NoError(t, c.Correct(rawFrame(7, 4095), out))
	assert.Equal(t, []float32{7, 4095}, out)

	assert.ErrorIs(t, c.Correct(rawFrame(7), out), ErrSize)
}

func TestEngine_LoadToleratesMissingFiles(t *testing.T) {
	t.Parallel()
	fsys := fsutil.NewMemoryFileSystem()
	e := newEngine(t, fsys, 1, 2, 1)

	black, white, err := e.Load()
	require.NoError(t, err)
	assert.Nil(t, black)
	assert.Nil(t, white)
	assert.False(t, e.Corrector().Calibrated())

	store := NewStore(fsys, "/cal", 1, 2)
	require.NoError(t, store.Save(&Reference{Kind: Black, Data: []float32{1, 2}}))
	require.NoError(t, store.Save(&Reference{Kind: White, Data: []float32{11, 22}}))

	e2 := newEngine(t, fsys, 1, 2, 1)
	black, white, err = e2.Load()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, black.Data)
	assert.Equal(t, []float32{11, 22}, white.Data)
	assert.True(t, e2.Corrector().Calibrated())
}

func TestEngine_LoadReportsTruncatedFile(t *testing.T) {
	t.Parallel()
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.WriteFile("/cal/white.raw", []byte{1, 2, 3}, 0o644))
	e := newEngine(t, fsys, 1, 2, 1)

	_, white, err := e.Load()
	assert.Nil(t, white)
	assert.True(t, errors.Is(err, ErrSize))
	assert.False(t, e.Corrector().Calibrated())
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	k, err := ParseKind("white")
	require.NoError(t, err)
	assert.Equal(t, White, k)
	_, err = ParseKind("grey")
	assert.Error(t, err)
}

func TestWriteFITS(t *testing.T) {
	t.Parallel()
	ref := &Reference{Kind: White, Bands: 2, Width: 3, Frames: 35, Data: []float32{1, 2, 3, 4, 5, 6}}
	var buf bytes.Buffer
	require.NoError(t, WriteFITS(&buf, ref))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("SIMPLE  =")))
	assert.Zero(t, buf.Len()%2880, "FITS files are written in 2880 byte records")
}

func TestPlotProfile(t *testing.T) {
	t.Parallel()
	black := &Reference{Kind: Black, Bands: 3, Width: 2, Data: []float32{1, 1, 2, 2, 3, 3}}
	white := &Reference{Kind: White, Bands: 3, Width: 2, Data: []float32{10, 12, 20, 22, 30, 32}}

	assert.Equal(t, []float64{11, 21, 31}, white.BandMean())

	var buf bytes.Buffer
	require.NoError(t, PlotProfile(&buf, black, white))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")))

	assert.Error(t, PlotProfile(&buf, nil))
}
