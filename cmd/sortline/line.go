package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/sortline/internal/acquisition"
	"github.com/banshee-data/sortline/internal/actuator"
	"github.com/banshee-data/sortline/internal/api"
	"github.com/banshee-data/sortline/internal/calibration"
	"github.com/banshee-data/sortline/internal/config"
	"github.com/banshee-data/sortline/internal/db"
	"github.com/banshee-data/sortline/internal/detector"
	"github.com/banshee-data/sortline/internal/exchange"
	"github.com/banshee-data/sortline/internal/fsutil"
	"github.com/banshee-data/sortline/internal/handoff"
	"github.com/banshee-data/sortline/internal/lifecycle"
	"github.com/banshee-data/sortline/internal/monitoring"
	"github.com/banshee-data/sortline/internal/preview"
	"github.com/banshee-data/sortline/internal/ringsave"
	"github.com/banshee-data/sortline/internal/sensor"
	"github.com/banshee-data/sortline/internal/timeutil"
	"github.com/banshee-data/sortline/internal/valve"
)

// simLineInterval paces the simulated spectral sensor.
const simLineInterval = 2 * time.Millisecond

// lineOptions overrides the production collaborators.
type lineOptions struct {
	Simulate bool
	Dialer   detector.Dialer
	Opener   actuator.Opener
	FS       fsutil.FileSystem
	Clock    timeutil.Clock
}

// line is every component of one sorting line, wired together.
type line struct {
	cfg *config.Config
	db  *db.DB

	spectral     sensor.Source
	rgb          sensor.Source
	spectralLoop *acquisition.Loop
	rgbLoop      *acquisition.Loop
	engine       *calibration.Engine
	exchange     *exchange.Exchange
	ring         *ringsave.Ring
	worker       *ringsave.Worker
	link         *actuator.Link
	hub          *preview.Hub
	valves       *valve.Stats
	ctrl         *lifecycle.Controller
	api          *api.Server
}

func openerFor(a config.ActuatorConfig) actuator.Opener {
	switch a.Transport {
	case config.TransportSerial:
		return actuator.SerialOpener{
			Path: a.SerialPort,
			Options: actuator.PortOptions{
				BaudRate: a.BaudRate,
				DataBits: a.DataBits,
				StopBits: a.StopBits,
				Parity:   a.Parity,
			},
		}
	case config.TransportTCP:
		return actuator.TCPOpener{Address: a.Address}
	}
	return actuator.DiscardOpener{}
}

func buildLine(cfg *config.Config, database *db.DB, opts lineOptions) (*line, error) {
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	sc, rc := cfg.Spectral, cfg.RGB
	l := &line{cfg: cfg, db: database}

	spectralDriver, rgbDriver := sc.Driver, rc.Driver
	if opts.Simulate {
		spectralDriver, rgbDriver = sensor.SimDriver, sensor.SimDriver
	}
	var err error
	l.spectral, err = sensor.Open(spectralDriver, sensor.OpenConfig{
		Name:        "spectral",
		Device:      sc.Device,
		PayloadSize: sc.FrameSize(),
		BufferCount: sc.BufferCount,
		Interval:    simLineInterval,
		Generator:   sensor.SpectralPattern(sc.Bands, sc.Width),
	})
	if err != nil {
		return nil, err
	}
	l.rgb, err = sensor.Open(rgbDriver, sensor.OpenConfig{
		Name:        "rgb",
		Device:      rc.Device,
		PayloadSize: rc.FrameSize(),
		BufferCount: rc.BufferCount,
		// one RGB frame per spectral composite
		Interval:  simLineInterval * time.Duration(sc.Rows),
		Generator: sensor.RGBPattern(rc.Width, rc.Height),
	})
	if err != nil {
		return nil, err
	}

	spectralReady, err := handoff.NewSpectralReady(sc.Rows, sc.Bands, sc.Width)
	if err != nil {
		return nil, err
	}
	rgbReady, err := handoff.NewRGBReady(rc.FrameSize())
	if err != nil {
		return nil, err
	}

	l.engine, err = calibration.NewEngine(calibration.EngineConfig{
		Bands:    sc.Bands,
		Width:    sc.Width,
		Frames:   cfg.Calibration.Frames,
		Epsilon:  cfg.Calibration.Epsilon,
		Store:    calibration.NewStore(opts.FS, cfg.Calibration.Dir, sc.Bands, sc.Width),
		Recorder: database,
		Clock:    opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	if _, _, err := l.engine.Load(); err != nil {
		monitoring.Logf("calibration references not loaded: %v", err)
	}

	l.hub = preview.NewHub(cfg.Preview.MaxRate)
	assembler, err := acquisition.NewFrameAssembler(acquisition.AssemblerConfig{
		Rows:         sc.Rows,
		Bands:        sc.Bands,
		Width:        sc.Width,
		MonitorBands: [3]int{sc.MonitorBands[0], sc.MonitorBands[1], sc.MonitorBands[2]},
		Corrector:    l.engine.Corrector(),
		Ready:        spectralReady,
		Preview:      l.hub,
	})
	if err != nil {
		return nil, err
	}
	copier := &acquisition.RGBCopier{Ready: rgbReady}

	l.spectralLoop, err = acquisition.NewLoop(acquisition.LoopConfig{
		Name:            "spectral",
		Source:          l.spectral,
		RetrieveTimeout: sc.GetRetrieveTimeout(),
		CPUCore:         sc.CPUCore,
	})
	if err != nil {
		return nil, err
	}
	l.rgbLoop, err = acquisition.NewLoop(acquisition.LoopConfig{
		Name:            "rgb",
		Source:          l.rgb,
		RetrieveTimeout: rc.GetRetrieveTimeout(),
		CPUCore:         rc.CPUCore,
	})
	if err != nil {
		return nil, err
	}

	encoder, err := valve.NewEncoder(valve.EncoderConfig{
		Rows:           sc.Rows,
		Width:          sc.Width,
		Channels:       cfg.Valve.Channels,
		PixelsPerValve: cfg.Valve.PixelsPerValve,
		Padding:        cfg.Valve.Padding,
	})
	if err != nil {
		return nil, err
	}
	l.valves = valve.NewStats(cfg.Valve.Channels, opts.Clock.Now())

	checksum, err := actuator.ParseChecksum(cfg.Actuator.Checksum)
	if err != nil {
		return nil, err
	}
	opener := opts.Opener
	if opener == nil {
		opener = openerFor(cfg.Actuator)
		if opts.Simulate {
			opener = actuator.DiscardOpener{}
		}
	}
	ac := cfg.Actuator
	l.link, err = actuator.NewLink(actuator.LinkConfig{
		Opener:     opener,
		Checksum:   checksum,
		QueueDepth: ac.QueueDepth,
		Setup: func() []actuator.Frame {
			return []actuator.Frame{
				actuator.Delay(ac.Delay),
				actuator.EncoderDivisor(ac.EncoderDivisor),
				actuator.ValveDivisor(ac.ValveDivisor),
			}
		},
	})
	if err != nil {
		return nil, err
	}

	l.ring = ringsave.NewRing(opts.FS, cfg.Ring.Dir, cfg.Ring.Depth, opts.Clock)
	l.worker = ringsave.NewWorker(ringsave.WorkerConfig{Ring: l.ring, Recorder: database})

	dialer := opts.Dialer
	if dialer == nil {
		dc := cfg.Detector
		dialer = detector.NewFIFODialer(detector.FIFOConfig{
			SpectralPath:  dc.SpectralFIFO,
			RGBPath:       dc.RGBFIFO,
			MaskPath:      dc.MaskFIFO,
			AttachTimeout: dc.GetAttachTimeout(),
		})
	}
	dc := cfg.Detector
	l.exchange, err = exchange.New(exchange.Config{
		Spectral:          spectralReady,
		RGB:               rgbReady,
		ValidBands:        sc.ValidBands,
		Dialer:            dialer,
		SpectralHandshake: dc.SpectralHandshake,
		RGBHandshake:      dc.RGBHandshake,
		MaskTimeout:       dc.GetMaskTimeout(),
		Policy:            dc.Policy,
		Encoder:           encoder,
		Stats:             l.valves,
		Ring:              l.ring,
		Valves:            l.link,
		Preview:           l.hub,
		SaveDir:           dc.SaveDir,
		SaveFS:            opts.FS,
		SaveEnabled:       dc.SaveEnabled,
		// the operator restarts acquisition after a fatal desync
		OnHalt: func(error) {
			if err := l.ctrl.Stop(); err != nil {
				monitoring.Logf("stop acquisition after desync: %v", err)
			}
		},
		Clock: opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	l.ctrl, err = lifecycle.New(lifecycle.Config{
		Spectral:           l.spectral,
		RGB:                l.rgb,
		SpectralLoop:       l.spectralLoop,
		RGBLoop:            l.rgbLoop,
		Assembler:          assembler,
		RGBCopier:          copier,
		Calibration:        l.engine,
		SpectralTrigger:    sensor.Trigger{Enabled: true, Source: sc.TriggerSource},
		RGBTrigger:         sensor.Trigger{Enabled: true, Source: rc.TriggerSource, LineTrigger: true},
		CalibrationTrigger: sensor.Trigger{FrameRate: cfg.Calibration.FrameRate},
		Store:              database,
		Actuator:           l.link,
		CheckpointInterval: cfg.Lifecycle.GetCheckpointInterval(),
		Clock:              opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	l.api = &api.Server{
		Controller: l.ctrl,
		References: l.engine,
		Exchange:   l.exchange,
		Snapshots:  l.worker,
		Actuator:   l.link,
		Preview:    l.hub,
		History:    database,
		Valves:     l.valves,
		Config:     cfg,
		Clock:      opts.Clock,
		// the capture itself takes Frames / FrameRate seconds
		CalibrationTimeout: calibrationTimeout(cfg.Calibration),
	}
	return l, nil
}

func calibrationTimeout(c config.CalibrationConfig) time.Duration {
	if c.FrameRate <= 0 {
		return time.Minute
	}
	return 10*time.Second + time.Duration(float64(c.Frames)/c.FrameRate*float64(time.Second))*2
}

// handler mounts the operator API and the debug routes.
func (l *line) handler() (http.Handler, error) {
	mux := http.NewServeMux()
	mux.Handle("/api/", l.api.Router())
	if l.db != nil {
		if err := l.db.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// run serves the background components until ctx is cancelled or one of them
// fails, then stops acquisition. A detector desync is not a failure here: the
// exchange halts and reports it through its stats.
func (l *line) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	fail := func(err error) {
		errOnce.Do(func() { runErr = err })
		cancel()
	}
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				fail(fmt.Errorf("%s: %w", name, err))
			}
			monitoring.Logf("%s routine terminated", name)
		}()
	}
	spawn("actuator", l.link.Run)
	spawn("ringsave", l.worker.Run)
	spawn("exchange", l.exchange.Run)

	<-ctx.Done()
	if err := l.ctrl.Stop(); err != nil {
		monitoring.Logf("stop acquisition: %v", err)
	}
	l.link.Stop()
	l.worker.Stop()
	wg.Wait()
	return runErr
}
