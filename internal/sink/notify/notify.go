// Package notify delivers alerts as freedesktop desktop notifications
// over the session D-Bus.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/time/rate"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
	"github.com/dpaschal/HamClock-sub000/internal/logx"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = "/org/freedesktop/Notifications"
	method     = "org.freedesktop.Notifications.Notify"

	appName   = "hamclock-alertd"
	timeoutMs = 10000
)

// Notifier sends one desktop notification. Abstracted so tests don't need
// a session bus.
type Notifier interface {
	Notify(ctx context.Context, summary, body string, urgency byte) error
	Close() error
}

type dbusNotifier struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// DialSession connects to the session bus.
func DialSession() (Notifier, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}
	return &dbusNotifier{conn: conn, obj: conn.Object(busName, objectPath)}, nil
}

func (n *dbusNotifier) Notify(ctx context.Context, summary, body string, urgency byte) error {
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(urgency),
	}
	call := n.obj.CallWithContext(ctx, method, 0,
		appName,       // app_name
		uint32(0),     // replaces_id
		"",            // app_icon
		summary, body, // summary, body
		[]string{}, // actions
		hints,
		int32(timeoutMs),
	)
	return call.Err
}

func (n *dbusNotifier) Close() error { return n.conn.Close() }

// Config controls filtering and pacing.
type Config struct {
	MinSeverity alert.Severity
	RatePerMin  int // 0 means unlimited
}

type Sink struct {
	cfg      Config
	log      logx.Logger
	notifier Notifier
	limiter  *rate.Limiter

	mu       sync.Mutex
	disabled bool
}

// New builds the sink around an already-connected notifier. Pass nil to
// have the first Handle call mark the sink disabled.
func New(cfg Config, notifier Notifier, log logx.Logger) *Sink {
	var lim *rate.Limiter
	if cfg.RatePerMin > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), cfg.RatePerMin)
	}
	return &Sink{cfg: cfg, log: log, notifier: notifier, limiter: lim, disabled: notifier == nil}
}

func (s *Sink) Name() string { return "notify" }

// Handle posts a notification for alerts at or above the configured
// minimum severity. A dead session bus disables the sink for the rest of
// the run; other alerts continue to flow.
func (s *Sink) Handle(ctx context.Context, e alert.Event) error {
	if e.Severity < s.cfg.MinSeverity {
		return nil
	}
	s.mu.Lock()
	disabled := s.disabled
	s.mu.Unlock()
	if disabled {
		return nil
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.log.Debug("notification rate limit hit, dropping",
			logx.String("alert_id", e.ID))
		return nil
	}

	err := s.notifier.Notify(ctx, e.Category.Label(), e.Message, e.Severity.Urgency())
	if err != nil {
		s.mu.Lock()
		first := !s.disabled
		s.disabled = true
		s.mu.Unlock()
		if first {
			s.log.Warn("desktop notifications unavailable, disabling sink", logx.Err(err))
		}
	}
	return nil
}

func (s *Sink) Close(context.Context) error {
	if s.notifier == nil {
		return nil
	}
	return s.notifier.Close()
}
