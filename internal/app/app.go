// Package app wires the daemon together: config, logging, detection
// engine, alert registry and the distribution sinks.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
	"github.com/dpaschal/HamClock-sub000/internal/config"
	"github.com/dpaschal/HamClock-sub000/internal/detect"
	"github.com/dpaschal/HamClock-sub000/internal/engine"
	"github.com/dpaschal/HamClock-sub000/internal/eventbus"
	"github.com/dpaschal/HamClock-sub000/internal/logx"
	"github.com/dpaschal/HamClock-sub000/internal/registry"
	"github.com/dpaschal/HamClock-sub000/internal/router"
	"github.com/dpaschal/HamClock-sub000/internal/runtime/supervisor"
	"github.com/dpaschal/HamClock-sub000/internal/sink/audio"
	"github.com/dpaschal/HamClock-sub000/internal/sink/feed"
	"github.com/dpaschal/HamClock-sub000/internal/sink/history"
	"github.com/dpaschal/HamClock-sub000/internal/sink/mqtt"
	"github.com/dpaschal/HamClock-sub000/internal/sink/notify"
	"github.com/dpaschal/HamClock-sub000/internal/sink/telegram"
	"github.com/dpaschal/HamClock-sub000/internal/sink/ws"
	"github.com/dpaschal/HamClock-sub000/internal/telemetry"
)

type App struct {
	cfg    *config.Config
	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus

	reg    *registry.Registry
	router *router.Router
	engine *engine.Engine
	feed   *feed.Sink
	sup    *supervisor.Supervisor

	// routerCancel releases the sinks' own context. Independent of the
	// engine supervisor so Stop can drain queues after the engine halts.
	routerCancel context.CancelFunc

	source telemetry.Source
}

// New loads the config and builds every enabled component. Nothing is
// started yet; the telemetry source may still be swapped before Start.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a := &App{
		cfg:    cfg,
		logSvc: logSvc,
		log:    log.With(logx.String("svc", "alertd")),
		bus:    eventbus.New(),
		source: telemetry.NewSimulator(time.Now().UnixNano()),
	}

	a.reg = registry.New(cfg.DedupWindowDuration(), a.log.With(logx.String("comp", "registry")), a.bus)
	a.router = router.New(router.Config{
		QueueSize:    cfg.Router.QueueSize,
		DrainTimeout: cfg.DrainTimeoutDuration(),
	}, a.log.With(logx.String("comp", "router")), a.bus)

	if err := a.attachSinks(); err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a.engine = engine.New(
		cfg.TickIntervalDuration(),
		a.source,
		detect.New(engine.DetectorConfig(cfg)),
		a.reg,
		a.router,
		a.log.With(logx.String("comp", "engine")),
	)
	return a, nil
}

// SetSource replaces the telemetry source before Start. The default is
// the built-in simulator.
func (a *App) SetSource(src telemetry.Source) {
	a.source = src
	a.engine = engine.New(
		a.cfg.TickIntervalDuration(),
		src,
		detect.New(engine.DetectorConfig(a.cfg)),
		a.reg,
		a.router,
		a.log.With(logx.String("comp", "engine")),
	)
}

func (a *App) attachSinks() error {
	cfg := a.cfg

	a.feed = feed.New(a.bus)
	a.router.Attach(a.feed)

	if cfg.Sinks.Audio.Enabled {
		a.router.Attach(audio.New(a.log.With(logx.String("sink", "audio"))))
	}
	if cfg.Sinks.History.Enabled {
		h, err := history.New(history.Config{
			Path:          cfg.Sinks.History.Path,
			RetentionDays: cfg.Sinks.History.RetentionDays,
			MaxEntries:    cfg.Sinks.History.MaxEntries,
			BusyTimeout:   cfg.BusyTimeoutDuration(),
		}, a.log.With(logx.String("sink", "history")))
		if err != nil {
			return fmt.Errorf("history sink: %w", err)
		}
		a.router.Attach(h)
	}
	if cfg.Sinks.Notify.Enabled {
		nlog := a.log.With(logx.String("sink", "notify"))
		notifier, err := notify.DialSession()
		if err != nil {
			// Headless host. The sink stays attached but disabled so the
			// config doesn't have to care.
			nlog.Warn("session bus unavailable, desktop notifications off", logx.Err(err))
			notifier = nil
		}
		a.router.Attach(notify.New(notify.Config{
			MinSeverity: alert.ParseSeverity(cfg.Sinks.Notify.MinSeverity, alert.SeverityWarning),
			RatePerMin:  cfg.Sinks.Notify.RatePerMin,
		}, notifier, nlog))
	}
	if cfg.Sinks.Mqtt.Enabled {
		m, err := mqtt.New(mqtt.Config{
			BrokerURL:   cfg.Sinks.Mqtt.BrokerURL,
			ClientID:    cfg.Sinks.Mqtt.ClientID,
			TopicPrefix: cfg.Sinks.Mqtt.TopicPrefix,
			QoS:         byte(cfg.Sinks.Mqtt.QoS),
			RetryMax:    cfg.Sinks.Mqtt.RetryMax,
		}, a.log.With(logx.String("sink", "mqtt")))
		if err != nil {
			return fmt.Errorf("mqtt sink: %w", err)
		}
		a.router.Attach(m)
	}
	if cfg.Sinks.WebSocket.Enabled {
		a.router.Attach(ws.New(ws.Config{BindAddr: cfg.Sinks.WebSocket.Bind},
			a.log.With(logx.String("sink", "ws"))))
	}
	if cfg.Sinks.Telegram.Enabled {
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Sinks.Telegram.Token,
			ChatID:      cfg.Sinks.Telegram.ChatID,
			MinSeverity: alert.ParseSeverity(cfg.Sinks.Telegram.MinSeverity, alert.SeverityNotice),
			RatePerMin:  cfg.Sinks.Telegram.RatePerMin,
		}, a.log.With(logx.String("sink", "telegram")))
		if err != nil {
			return fmt.Errorf("telegram sink: %w", err)
		}
		a.router.Attach(tg)
	}
	return nil
}

// Start launches the sinks and the detection loop, then tells systemd
// we're ready.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	// The router outlives the engine supervisor during shutdown: the
	// engine stops producing first, then the queues drain. Tying the
	// sinks to the supervisor context would cancel the drain workers
	// before the bounded drain ran.
	rctx, rcancel := context.WithCancel(context.Background())
	a.routerCancel = rcancel
	a.router.Start(rctx)

	a.sup.GoRestart("engine", a.engine.Run)

	// No-op outside a systemd unit.
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify unavailable", logx.Err(err))
	}
	a.log.Info("alert daemon started",
		logx.Duration("tick", a.cfg.TickIntervalDuration()),
		logx.Int("queue_size", a.cfg.Router.QueueSize))
	return nil
}

// Stop drains the sinks and shuts everything down.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Engine first so no new alerts are produced, then the bounded sink
	// drain, then the sinks' context.
	var firstErr error
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.router.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.routerCancel != nil {
		a.routerCancel()
	}
	a.log.Info("alert daemon stopped")
	if err := a.logSvc.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// AcknowledgeLatest dismisses the newest active alert.
func (a *App) AcknowledgeLatest() bool { return a.engine.AcknowledgeLatest() }

// AcknowledgeAll dismisses every active alert.
func (a *App) AcknowledgeAll() int { return a.engine.AcknowledgeAll() }

// Feed exposes the render feed for an embedding UI.
func (a *App) Feed() *feed.Sink { return a.feed }
