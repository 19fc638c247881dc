// Package registry owns the authoritative set of alert events. It applies
// the deduplication window, acknowledgment, and expiry. This is the only
// component mutated from two call sites (the detection tick and the
// user-input acknowledge calls), so everything runs under one mutex.
package registry

import (
	"sync"
	"time"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
	"github.com/dpaschal/HamClock-sub000/internal/eventbus"
	"github.com/dpaschal/HamClock-sub000/internal/logx"
)

type Registry struct {
	mu sync.Mutex

	window time.Duration
	events []alert.Event // insertion order == creation order

	log logx.Logger
	bus eventbus.Bus
}

// LifecycleEvent is the bus payload for registry lifecycle transitions.
type LifecycleEvent struct {
	ID       string
	Category alert.Category
	Severity alert.Severity
	At       time.Time
}

func New(dedupWindow time.Duration, log logx.Logger, bus eventbus.Bus) *Registry {
	if dedupWindow <= 0 {
		dedupWindow = 5 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		window: dedupWindow,
		log:    log,
		bus:    bus,
	}
}

// Register inserts the event unless an active event with the same
// (category, dedup key) was registered within the dedup window. Returns true
// when the event was inserted, false when it was suppressed.
func (r *Registry) Register(e alert.Event) bool {
	now := e.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	r.mu.Lock()
	for i := range r.events {
		prev := &r.events[i]
		if prev.Category != e.Category || prev.DedupKey != e.DedupKey {
			continue
		}
		if prev.Active(now) && now.Sub(prev.CreatedAt) < r.window {
			r.mu.Unlock()
			r.log.Debug("alert deduped",
				logx.String("category", string(e.Category)),
				logx.String("key", e.DedupKey))
			r.publish(eventbus.TypeAlertDeduped, e, now)
			return false
		}
	}
	r.events = append(r.events, e)
	r.mu.Unlock()

	r.log.Info("alert registered",
		logx.String("id", e.ID),
		logx.String("category", string(e.Category)),
		logx.String("severity", e.Severity.String()),
		logx.String("msg", e.Message))
	r.publish(eventbus.TypeAlertRegistered, e, now)
	return true
}

// Sweep removes expired events. Called once per tick before Register.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	kept := r.events[:0]
	var expired []alert.Event
	for _, e := range r.events {
		if e.Expired(now) {
			expired = append(expired, e)
			continue
		}
		kept = append(kept, e)
	}
	r.events = kept
	r.mu.Unlock()

	for _, e := range expired {
		r.publish(eventbus.TypeAlertExpired, e, now)
	}
	return len(expired)
}

// AcknowledgeLatest marks the most-recently-created active event
// acknowledged. No-op when nothing is active.
func (r *Registry) AcknowledgeLatest() bool {
	now := time.Now()

	r.mu.Lock()
	idx := -1
	for i := range r.events {
		if !r.events[i].Active(now) {
			continue
		}
		if idx < 0 || r.events[i].CreatedAt.After(r.events[idx].CreatedAt) {
			idx = i
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	r.events[idx].Acknowledged = true
	e := r.events[idx]
	r.mu.Unlock()

	r.log.Debug("alert acknowledged", logx.String("id", e.ID))
	r.publish(eventbus.TypeAlertAcknowledged, e, now)
	return true
}

// AcknowledgeAll marks every active event acknowledged.
func (r *Registry) AcknowledgeAll() int {
	now := time.Now()

	r.mu.Lock()
	var acked []alert.Event
	for i := range r.events {
		if r.events[i].Active(now) {
			r.events[i].Acknowledged = true
			acked = append(acked, r.events[i])
		}
	}
	r.mu.Unlock()

	for _, e := range acked {
		r.publish(eventbus.TypeAlertAcknowledged, e, now)
	}
	if len(acked) > 0 {
		r.log.Debug("all alerts acknowledged", logx.Int("count", len(acked)))
	}
	return len(acked)
}

// ActiveCount returns the number of currently active events.
func (r *Registry) ActiveCount() int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.events {
		if r.events[i].Active(now) {
			n++
		}
	}
	return n
}

// Active returns the active events newest-first (the render feed order).
func (r *Registry) Active(now time.Time) []alert.Event {
	r.mu.Lock()
	out := make([]alert.Event, 0, len(r.events))
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Active(now) {
			out = append(out, r.events[i])
		}
	}
	r.mu.Unlock()
	return out
}

// Size returns the total number of stored events, active or not.
// Expired events leave on the next Sweep.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Clear drops every stored event (manual clear path).
func (r *Registry) Clear() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *Registry) publish(typ string, e alert.Event, at time.Time) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: typ,
		Time: at,
		Data: LifecycleEvent{ID: e.ID, Category: e.Category, Severity: e.Severity, At: at},
	})
}
