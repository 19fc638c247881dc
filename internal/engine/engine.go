// Package engine runs the detection loop: poll telemetry, sweep expired
// alerts, detect new conditions, register survivors and fan them out to
// the sinks.
package engine

import (
	"context"
	"time"

	"github.com/dpaschal/HamClock-sub000/internal/config"
	"github.com/dpaschal/HamClock-sub000/internal/detect"
	"github.com/dpaschal/HamClock-sub000/internal/logx"
	"github.com/dpaschal/HamClock-sub000/internal/registry"
	"github.com/dpaschal/HamClock-sub000/internal/router"
	"github.com/dpaschal/HamClock-sub000/internal/telemetry"
)

// DetectorConfig maps the loaded config onto the detector's flat view.
func DetectorConfig(cfg *config.Config) detect.Config {
	return detect.Config{
		BaseDuration: cfg.BaseDurationDuration(),

		DxEnabled:    cfg.Alerts.Dx.Enabled,
		WatchedBands: cfg.Alerts.Dx.WatchedBands,
		WatchedModes: cfg.Alerts.Dx.WatchedModes,
		MinFrequency: cfg.Alerts.Dx.MinFrequency,
		MaxFrequency: cfg.Alerts.Dx.MaxFrequency,

		SatelliteEnabled:   cfg.Alerts.Satellite.Enabled,
		ElevationThreshold: cfg.Alerts.Satellite.ElevationThreshold,
		WatchedSatellites:  cfg.Alerts.Satellite.Watched,
		CountdownEnabled:   cfg.Alerts.Satellite.CountdownEnabled,

		SpaceWeatherEnabled: cfg.Alerts.SpaceWeather.Enabled,
		KpAlertThreshold:    cfg.Alerts.SpaceWeather.KpAlertThreshold,
		KpSpikeThreshold:    cfg.Alerts.SpaceWeather.KpSpikeThreshold,
		XrayAlertClasses:    cfg.Alerts.SpaceWeather.XrayAlertClasses,
		CmeEnabled:          cfg.Alerts.SpaceWeather.CmeEnabled,
	}
}

type Engine struct {
	tick     time.Duration
	source   telemetry.Source
	detector *detect.Detector
	state    *detect.State
	reg      *registry.Registry
	router   *router.Router
	log      logx.Logger
}

func New(tick time.Duration, src telemetry.Source, det *detect.Detector, reg *registry.Registry, rt *router.Router, log logx.Logger) *Engine {
	if tick <= 0 {
		tick = config.DefaultTickInterval
	}
	return &Engine{
		tick:     tick,
		source:   src,
		detector: det,
		state:    detect.NewState(),
		reg:      reg,
		router:   rt,
		log:      log,
	}
}

// Run executes the detection loop until ctx is done. The first tick fires
// immediately so a restart doesn't sit blind for a full interval.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one detection pass. A failed telemetry poll skips the pass;
// detector baselines are untouched so the next good snapshot picks up
// where this one left off.
func (e *Engine) Tick(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, e.tick)
	defer cancel()

	snap, err := e.source.Snapshot(cctx)
	if err != nil {
		e.log.Warn("telemetry poll failed, skipping pass", logx.Err(err))
		return
	}
	if snap == nil {
		return
	}

	now := snap.At
	if now.IsZero() {
		now = time.Now()
	}
	e.reg.Sweep(now)

	for _, ev := range e.detector.Detect(snap, e.state) {
		if !e.reg.Register(ev) {
			continue // suppressed as duplicate
		}
		e.log.Info("alert",
			logx.String("category", string(ev.Category)),
			logx.String("severity", ev.Severity.String()),
			logx.String("message", ev.Message))
		e.router.Dispatch(ev)
	}
}

// AcknowledgeLatest dismisses the newest active alert.
func (e *Engine) AcknowledgeLatest() bool { return e.reg.AcknowledgeLatest() }

// AcknowledgeAll dismisses every active alert.
func (e *Engine) AcknowledgeAll() int { return e.reg.AcknowledgeAll() }

// ActiveCount reports how many alerts are currently displayable.
func (e *Engine) ActiveCount() int { return e.reg.ActiveCount() }
