// Package feed maintains the in-process list of active, unacknowledged
// alerts that the rendering collaborator reads once per frame.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
	"github.com/dpaschal/HamClock-sub000/internal/eventbus"
	"github.com/dpaschal/HamClock-sub000/internal/registry"
)

// Entry is one row of the render feed.
type Entry struct {
	Category  alert.Category
	Severity  alert.Severity
	Message   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ackRetention bounds how long an acknowledgment for an alert the feed
// never received (dropped under backpressure, or ack raced ahead of the
// queue) is remembered before it is discarded.
const ackRetention = 10 * time.Minute

type Sink struct {
	mu     sync.Mutex
	events []alert.Event        // arrival order
	acked  map[string]time.Time // alert id -> ack time

	bus eventbus.Bus
}

func New(bus eventbus.Bus) *Sink {
	return &Sink{
		acked: map[string]time.Time{},
		bus:   bus,
	}
}

func (s *Sink) Name() string { return "feed" }

// Handle stacks the event onto the feed. Always succeeds (in-process).
func (s *Sink) Handle(_ context.Context, e alert.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

// Start follows registry lifecycle events so acknowledged alerts leave the
// feed without the renderer having to ask the registry.
func (s *Sink) Start(ctx context.Context) error {
	if s.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ch, unsub := s.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.TypeAlertAcknowledged {
				continue
			}
			if le, ok := ev.Data.(registry.LifecycleEvent); ok {
				at := le.At
				if at.IsZero() {
					at = time.Now()
				}
				s.mu.Lock()
				s.acked[le.ID] = at
				s.mu.Unlock()
			}
		}
	}
}

// Snapshot returns the active, unacknowledged alerts newest-first.
// Expired and acknowledged rows are pruned on the way out, so the feed
// self-cleans at frame rate without a background goroutine.
func (s *Sink) Snapshot(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	for _, e := range s.events {
		if e.Expired(now) {
			delete(s.acked, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept

	// Acknowledgments for alerts that never reached the feed would
	// otherwise accumulate forever.
	if len(s.acked) > len(s.events) {
		present := make(map[string]struct{}, len(s.events))
		for _, e := range s.events {
			present[e.ID] = struct{}{}
		}
		for id, at := range s.acked {
			if _, ok := present[id]; ok {
				continue
			}
			if now.Sub(at) > ackRetention {
				delete(s.acked, id)
			}
		}
	}

	out := make([]Entry, 0, len(s.events))
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if _, ok := s.acked[e.ID]; ok {
			continue
		}
		out = append(out, Entry{
			Category:  e.Category,
			Severity:  e.Severity,
			Message:   e.Message,
			CreatedAt: e.CreatedAt,
			ExpiresAt: e.ExpiresAt,
		})
	}
	return out
}
