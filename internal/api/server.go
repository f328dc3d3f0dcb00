// Package api serves the operator HTTP interface of the sorting line.
package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/banshee-data/sortline/internal/actuator"
	"github.com/banshee-data/sortline/internal/calibration"
	"github.com/banshee-data/sortline/internal/config"
	"github.com/banshee-data/sortline/internal/db"
	"github.com/banshee-data/sortline/internal/exchange"
	"github.com/banshee-data/sortline/internal/lifecycle"
	"github.com/banshee-data/sortline/internal/monitoring"
	"github.com/banshee-data/sortline/internal/preview"
	"github.com/banshee-data/sortline/internal/ringsave"
	"github.com/banshee-data/sortline/internal/timeutil"
	"github.com/banshee-data/sortline/internal/valve"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Controller starts, stops and calibrates the line.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	Calibrate(ctx context.Context, kind calibration.Kind) (*calibration.Reference, error)
	Status() lifecycle.Status
}

// References reads stored calibration references.
type References interface {
	Reference(k calibration.Kind) (*calibration.Reference, error)
}

// Exchange is the runtime-tunable part of the detector exchange.
type Exchange interface {
	Stats() exchange.Stats
	SaveEnabled() bool
	SetSaveEnabled(on bool)
	Handshake() (spectral, rgb int)
	SetHandshake(spectral, rgb int)
}

// SnapshotSaver persists the ring on request.
type SnapshotSaver interface {
	RequestSave()
	Saved() uint64
	Last() (ringsave.Snapshot, error)
}

// Actuator accepts controller commands.
type Actuator interface {
	Send(f actuator.Frame) error
	Stats() actuator.LinkStats
}

// Preview renders the latest mosaic and mask.
type Preview interface {
	WriteMosaicPNG(w io.Writer) error
	WriteMaskPNG(w io.Writer) error
	Stats() preview.Stats
}

// History reads the durable records.
type History interface {
	ActiveTime() (time.Duration, error)
	Sessions(limit int) ([]db.Session, error)
	CalibrationEvents(limit int) ([]db.CalibrationEvent, error)
	SnapshotEvents(limit int) ([]db.SnapshotEvent, error)
}

// Server holds the components exposed over HTTP. Nil components answer 503.
type Server struct {
	Controller Controller
	References References
	Exchange   Exchange
	Snapshots  SnapshotSaver
	Actuator   Actuator
	Preview    Preview
	History    History
	Valves     *valve.Stats
	Config     *config.Config
	Clock      timeutil.Clock

	// CalibrationTimeout bounds a calibrate request. Zero uses the
	// request context only.
	CalibrationTimeout time.Duration
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

var logf = monitoring.Component("api")

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// Router returns the /api route table.
func (s *Server) Router() chi.Router {
	if s.Clock == nil {
		s.Clock = timeutil.RealClock{}
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Get("/config", s.handleConfig)

		r.Post("/calibrate/{kind}", s.handleCalibrate)
		r.Get("/calibration/{kind}.fits", s.handleCalibrationFITS)
		r.Get("/calibration/profile.png", s.handleCalibrationProfile)
		r.Get("/calibration/events", s.handleCalibrationEvents)

		r.Post("/snapshot", s.handleSnapshot)
		r.Get("/snapshot/events", s.handleSnapshotEvents)

		r.Get("/exchange", s.handleExchange)
		r.Put("/exchange/save", s.handleSaveEnabled)
		r.Put("/exchange/handshake", s.handleHandshake)

		r.Get("/valves", s.handleValves)
		r.Get("/valves/chart", s.handleValveChart)
		r.Post("/valves/reset", s.handleValveReset)

		r.Get("/actuator", s.handleActuatorStats)
		r.Post("/actuator/{command}", s.handleActuatorCommand)

		r.Get("/preview/mosaic.png", s.handleMosaic)
		r.Get("/preview/mask.png", s.handleMask)

		r.Get("/sessions", s.handleSessions)
	})
	return r
}
