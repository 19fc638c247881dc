package feed

import (
	"context"
	"testing"
	"time"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
	"github.com/dpaschal/HamClock-sub000/internal/eventbus"
	"github.com/dpaschal/HamClock-sub000/internal/registry"
)

func mkEvent(t *testing.T, msg string, ttl time.Duration) alert.Event {
	t.Helper()
	return alert.New(alert.CategoryKpSpike, alert.SeverityWarning, msg, "", time.Now(), ttl)
}

func TestSnapshotNewestFirst(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	first := mkEvent(t, "first", time.Minute)
	second := mkEvent(t, "second", time.Minute)
	if err := s.Handle(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.Handle(ctx, second); err != nil {
		t.Fatal(err)
	}

	got := s.Snapshot(time.Now())
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Message != "second" || got[1].Message != "first" {
		t.Fatalf("order = %q, %q; want newest first", got[0].Message, got[1].Message)
	}
}

func TestSnapshotDropsExpired(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	e := mkEvent(t, "short", 10*time.Millisecond)
	if err := s.Handle(ctx, e); err != nil {
		t.Fatal(err)
	}
	if got := s.Snapshot(e.CreatedAt); len(got) != 1 {
		t.Fatalf("before expiry len = %d, want 1", len(got))
	}
	if got := s.Snapshot(e.ExpiresAt.Add(time.Second)); len(got) != 0 {
		t.Fatalf("after expiry len = %d, want 0", len(got))
	}
}

func TestAcknowledgedAlertsLeaveTheFeed(t *testing.T) {
	bus := eventbus.New()

	s := New(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Start(ctx)
	}()

	e := mkEvent(t, "ack me", time.Minute)
	if err := s.Handle(ctx, e); err != nil {
		t.Fatal(err)
	}

	bus.Publish(eventbus.Event{
		Type: eventbus.TypeAlertAcknowledged,
		Data: registry.LifecycleEvent{ID: e.ID, Category: e.Category, Severity: e.Severity},
	})

	deadline := time.After(2 * time.Second)
	for {
		if len(s.Snapshot(time.Now())) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("acknowledged alert still in feed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestOrphanAcknowledgmentsAreDiscarded(t *testing.T) {
	bus := eventbus.New()

	s := New(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Start(ctx)
	}()

	// Acknowledgment for an alert that never reached the feed (dropped
	// under backpressure before delivery).
	bus.Publish(eventbus.Event{
		Type: eventbus.TypeAlertAcknowledged,
		Data: registry.LifecycleEvent{ID: "never-delivered", At: time.Now()},
	})

	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.acked)
		s.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("acknowledgment never recorded")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Still remembered inside the retention window, gone after it.
	s.Snapshot(time.Now())
	s.mu.Lock()
	n := len(s.acked)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("fresh orphan ack discarded early (len = %d)", n)
	}

	s.Snapshot(time.Now().Add(ackRetention + time.Minute))
	s.mu.Lock()
	n = len(s.acked)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("orphan ack retained (len = %d)", n)
	}

	cancel()
	<-done
}
