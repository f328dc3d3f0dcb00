package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"

	"github.com/banshee-data/sortline/internal/actuator"
	"github.com/banshee-data/sortline/internal/calibration"
	"github.com/banshee-data/sortline/internal/httputil"
	"github.com/banshee-data/sortline/internal/lifecycle"
	"github.com/banshee-data/sortline/internal/preview"
	"github.com/banshee-data/sortline/internal/valve"
)

const defaultListLimit = 50

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Lifecycle  lifecycle.Status    `json:"lifecycle"`
	ActiveTime time.Duration       `json:"active_time_ns"`
	Exchange   interface{}         `json:"exchange,omitempty"`
	Actuator   *actuator.LinkStats `json:"actuator,omitempty"`
	Snapshots  uint64              `json:"snapshots_saved"`
}

// CalibrationResponse summarises a captured reference.
type CalibrationResponse struct {
	Kind       string    `json:"kind"`
	Frames     int       `json:"frames"`
	CapturedAt time.Time `json:"captured_at"`
	BandMean   []float64 `json:"band_mean"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.Controller == nil {
		httputil.ServiceUnavailable(w, "controller not configured")
		return
	}
	resp := StatusResponse{Lifecycle: s.Controller.Status()}
	if s.History != nil {
		total, err := s.History.ActiveTime()
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to read active time: %v", err))
			return
		}
		resp.ActiveTime = total + resp.Lifecycle.Unflushed
	}
	if s.Exchange != nil {
		resp.Exchange = s.Exchange.Stats()
	}
	if s.Actuator != nil {
		st := s.Actuator.Stats()
		resp.Actuator = &st
	}
	if s.Snapshots != nil {
		resp.Snapshots = s.Snapshots.Saved()
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.Controller == nil {
		httputil.ServiceUnavailable(w, "controller not configured")
		return
	}
	// Acquisition outlives the request.
	if err := s.Controller.Start(context.Background()); err != nil {
		writeControllerError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.Controller.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.Controller == nil {
		httputil.ServiceUnavailable(w, "controller not configured")
		return
	}
	if err := s.Controller.Stop(); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("stop: %v", err))
		return
	}
	httputil.WriteJSONOK(w, s.Controller.Status())
}

func writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrBusy):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		httputil.WriteJSONError(w, http.StatusGatewayTimeout, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.Config == nil {
		httputil.ServiceUnavailable(w, "config not available")
		return
	}
	httputil.WriteJSONOK(w, s.Config)
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if s.Controller == nil {
		httputil.ServiceUnavailable(w, "controller not configured")
		return
	}
	kind, err := calibration.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	ctx := r.Context()
	if s.CalibrationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.CalibrationTimeout)
		defer cancel()
	}
	ref, err := s.Controller.Calibrate(ctx, kind)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	httputil.WriteJSONOK(w, CalibrationResponse{
		Kind:       ref.Kind.String(),
		Frames:     ref.Frames,
		CapturedAt: ref.CapturedAt,
		BandMean:   ref.BandMean(),
	})
}

func (s *Server) reference(w http.ResponseWriter, k calibration.Kind) (*calibration.Reference, bool) {
	if s.References == nil {
		httputil.ServiceUnavailable(w, "calibration not configured")
		return nil, false
	}
	ref, err := s.References.Reference(k)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		httputil.NotFound(w, fmt.Sprintf("no %s reference captured", k))
		return nil, false
	case err != nil:
		httputil.InternalServerError(w, err.Error())
		return nil, false
	}
	return ref, true
}

func (s *Server) handleCalibrationFITS(w http.ResponseWriter, r *http.Request) {
	kind, err := calibration.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	ref, ok := s.reference(w, kind)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := calibration.WriteFITS(&buf, ref); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("fits export: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/fits")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", kind.String()+".fits"))
	w.Write(buf.Bytes())
}

func (s *Server) handleCalibrationProfile(w http.ResponseWriter, r *http.Request) {
	if s.References == nil {
		httputil.ServiceUnavailable(w, "calibration not configured")
		return
	}
	var refs []*calibration.Reference
	for _, k := range []calibration.Kind{calibration.Black, calibration.White} {
		if ref, err := s.References.Reference(k); err == nil {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		httputil.NotFound(w, "no reference captured")
		return
	}
	var buf bytes.Buffer
	if err := calibration.PlotProfile(&buf, refs...); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}

func listLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid 'limit' parameter")
	}
	return n, nil
}

func (s *Server) handleCalibrationEvents(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		httputil.ServiceUnavailable(w, "database not configured")
		return
	}
	limit, err := listLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	events, err := s.History.CalibrationEvents(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve calibration events: %v", err))
		return
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.Snapshots == nil {
		httputil.ServiceUnavailable(w, "snapshots not configured")
		return
	}
	s.Snapshots.RequestSave()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]uint64{"saved": s.Snapshots.Saved()})
}

func (s *Server) handleSnapshotEvents(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		httputil.ServiceUnavailable(w, "database not configured")
		return
	}
	limit, err := listLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	events, err := s.History.SnapshotEvents(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve snapshot events: %v", err))
		return
	}
	httputil.WriteJSONOK(w, events)
}

// ExchangeResponse is the body of the exchange endpoints.
type ExchangeResponse struct {
	SaveEnabled       bool        `json:"save_enabled"`
	SpectralHandshake int         `json:"spectral_handshake"`
	RGBHandshake      int         `json:"rgb_handshake"`
	Stats             interface{} `json:"stats"`
}

func (s *Server) exchangeResponse() ExchangeResponse {
	sp, rgb := s.Exchange.Handshake()
	return ExchangeResponse{
		SaveEnabled:       s.Exchange.SaveEnabled(),
		SpectralHandshake: sp,
		RGBHandshake:      rgb,
		Stats:             s.Exchange.Stats(),
	}
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	if s.Exchange == nil {
		httputil.ServiceUnavailable(w, "exchange not configured")
		return
	}
	httputil.WriteJSONOK(w, s.exchangeResponse())
}

func (s *Server) handleSaveEnabled(w http.ResponseWriter, r *http.Request) {
	if s.Exchange == nil {
		httputil.ServiceUnavailable(w, "exchange not configured")
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if body.Enabled == nil {
		httputil.BadRequest(w, "'enabled' is required")
		return
	}
	s.Exchange.SetSaveEnabled(*body.Enabled)
	httputil.WriteJSONOK(w, s.exchangeResponse())
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if s.Exchange == nil {
		httputil.ServiceUnavailable(w, "exchange not configured")
		return
	}
	var body struct {
		Spectral int `json:"spectral"`
		RGB      int `json:"rgb"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if body.Spectral < 0 || body.RGB < 0 {
		httputil.BadRequest(w, "handshake values must be non-negative")
		return
	}
	s.Exchange.SetHandshake(body.Spectral, body.RGB)
	httputil.WriteJSONOK(w, s.exchangeResponse())
}

func (s *Server) handleValves(w http.ResponseWriter, r *http.Request) {
	if s.Valves == nil {
		httputil.ServiceUnavailable(w, "valve stats not configured")
		return
	}
	httputil.WriteJSONOK(w, s.Valves.Snapshot())
}

func (s *Server) handleValveChart(w http.ResponseWriter, r *http.Request) {
	if s.Valves == nil {
		httputil.ServiceUnavailable(w, "valve stats not configured")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := valve.RenderChart(w, s.Valves.Snapshot()); err != nil {
		logf("render valve chart: %v", err)
	}
}

func (s *Server) handleValveReset(w http.ResponseWriter, r *http.Request) {
	if s.Valves == nil {
		httputil.ServiceUnavailable(w, "valve stats not configured")
		return
	}
	s.Valves.Reset(s.Clock.Now())
	httputil.WriteJSONOK(w, s.Valves.Snapshot())
}

func (s *Server) handleActuatorStats(w http.ResponseWriter, r *http.Request) {
	if s.Actuator == nil {
		httputil.ServiceUnavailable(w, "actuator not configured")
		return
	}
	httputil.WriteJSONOK(w, s.Actuator.Stats())
}

// actuatorFrame maps an operator command and its ?value= to a frame.
func (s *Server) actuatorFrame(command, value string) (actuator.Frame, error) {
	needValue := func() (int, error) {
		if value == "" {
			return 0, fmt.Errorf("command %q requires 'value'", command)
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid 'value' %q", value)
		}
		return n, nil
	}
	switch command {
	case "start":
		return actuator.Start(), nil
	case "stop":
		return actuator.Stop(), nil
	case "autotest":
		return actuator.AutoTest(), nil
	case "delay":
		n, err := needValue()
		if err != nil {
			return actuator.Frame{}, err
		}
		return actuator.Delay(n), nil
	case "encoder-divisor":
		n, err := needValue()
		if err != nil {
			return actuator.Frame{}, err
		}
		return actuator.EncoderDivisor(n), nil
	case "valve-divisor":
		n, err := needValue()
		if err != nil {
			return actuator.Frame{}, err
		}
		return actuator.ValveDivisor(n), nil
	case "test":
		n, err := needValue()
		if err != nil {
			return actuator.Frame{}, err
		}
		channels := 0
		if s.Config != nil {
			channels = s.Config.Valve.Channels
		}
		return actuator.TestValve(n, channels)
	}
	return actuator.Frame{}, fmt.Errorf("unknown actuator command %q", command)
}

func (s *Server) handleActuatorCommand(w http.ResponseWriter, r *http.Request) {
	if s.Actuator == nil {
		httputil.ServiceUnavailable(w, "actuator not configured")
		return
	}
	f, err := s.actuatorFrame(chi.URLParam(r, "command"), r.URL.Query().Get("value"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.Actuator.Send(f); err != nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, fmt.Sprintf("send %s: %v", f, err))
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"queued": f.String()})
}

func (s *Server) writePreview(w http.ResponseWriter, render func(*bytes.Buffer) error) {
	if s.Preview == nil {
		httputil.ServiceUnavailable(w, "preview not configured")
		return
	}
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		if errors.Is(err, preview.ErrNoFrame) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

func (s *Server) handleMosaic(w http.ResponseWriter, r *http.Request) {
	s.writePreview(w, func(b *bytes.Buffer) error { return s.Preview.WriteMosaicPNG(b) })
}

func (s *Server) handleMask(w http.ResponseWriter, r *http.Request) {
	s.writePreview(w, func(b *bytes.Buffer) error { return s.Preview.WriteMaskPNG(b) })
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		httputil.ServiceUnavailable(w, "database not configured")
		return
	}
	limit, err := listLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sessions, err := s.History.Sessions(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve sessions: %v", err))
		return
	}
	httputil.WriteJSONOK(w, sessions)
}
