package registry

import (
	"testing"
	"time"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
	"github.com/dpaschal/HamClock-sub000/internal/eventbus"
	"github.com/dpaschal/HamClock-sub000/internal/logx"
)

func newTestRegistry() *Registry {
	return New(5*time.Minute, logx.Nop(), nil)
}

func mkEvent(cat alert.Category, key string, at time.Time) alert.Event {
	return alert.New(cat, alert.SeverityNotice, "msg "+key, key, at, time.Minute)
}

func TestDedupWithinWindow(t *testing.T) {
	r := newTestRegistry()
	now := time.Now()

	e1 := mkEvent(alert.CategoryDxSpot, "W1AW", now)
	if !r.Register(e1) {
		t.Fatalf("first register should succeed")
	}
	before := r.Size()

	// Same category and key within 5 minutes while e1 is active: no-op.
	e2 := mkEvent(alert.CategoryDxSpot, "W1AW", now.Add(30*time.Second))
	if r.Register(e2) {
		t.Fatalf("duplicate within window should be rejected")
	}
	if r.Size() != before {
		t.Fatalf("registry size changed on deduped register: %d -> %d", before, r.Size())
	}

	// Different key: allowed.
	if !r.Register(mkEvent(alert.CategoryDxSpot, "JA1XYZ", now.Add(time.Second))) {
		t.Fatalf("different dedup key should register")
	}
	// Same key, different category: allowed.
	if !r.Register(mkEvent(alert.CategorySatellitePass, "W1AW", now.Add(time.Second))) {
		t.Fatalf("different category should register")
	}
}

func TestDedupReleasedByAcknowledgment(t *testing.T) {
	r := newTestRegistry()
	now := time.Now()

	r.Register(mkEvent(alert.CategoryKpSpike, "", now))
	if r.Register(mkEvent(alert.CategoryKpSpike, "", now.Add(time.Second))) {
		t.Fatalf("active scalar alert should dedup")
	}

	// Acknowledging terminates the first event; a new one may register.
	if n := r.AcknowledgeAll(); n != 1 {
		t.Fatalf("expected 1 acked, got %d", n)
	}
	if !r.Register(mkEvent(alert.CategoryKpSpike, "", now.Add(2*time.Second))) {
		t.Fatalf("acknowledged event should not block re-registration")
	}
}

func TestDedupReleasedByExpiry(t *testing.T) {
	r := newTestRegistry()
	now := time.Now()

	r.Register(mkEvent(alert.CategoryDxSpot, "W1AW", now))

	// Event duration is 1 minute; 2 minutes later it is expired even though
	// the 5-minute dedup window has not elapsed.
	later := now.Add(2 * time.Minute)
	if !r.Register(mkEvent(alert.CategoryDxSpot, "W1AW", later)) {
		t.Fatalf("expired event should not block re-registration")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	r := newTestRegistry()
	now := time.Now()

	r.Register(mkEvent(alert.CategoryDxSpot, "A", now))
	r.Register(mkEvent(alert.CategoryDxSpot, "B", now))
	if r.Size() != 2 {
		t.Fatalf("size: got %d", r.Size())
	}

	removed := r.Sweep(now.Add(2 * time.Minute))
	if removed != 2 || r.Size() != 0 {
		t.Fatalf("sweep: removed %d size %d", removed, r.Size())
	}
}

func TestAcknowledgeLatestPicksNewest(t *testing.T) {
	r := newTestRegistry()
	now := time.Now()

	r.Register(mkEvent(alert.CategoryDxSpot, "OLD", now.Add(-10*time.Second)))
	r.Register(mkEvent(alert.CategoryDxSpot, "NEW", now))

	if !r.AcknowledgeLatest() {
		t.Fatalf("expected an acknowledgment")
	}

	active := r.Active(now)
	if len(active) != 1 || active[0].DedupKey != "OLD" {
		t.Fatalf("expected only OLD active, got %v", active)
	}
}

func TestAcknowledgeLatestNoActive(t *testing.T) {
	r := newTestRegistry()
	if r.AcknowledgeLatest() {
		t.Fatalf("acknowledge with empty registry should be a no-op")
	}
}

func TestActiveNewestFirst(t *testing.T) {
	r := newTestRegistry()
	now := time.Now()

	r.Register(mkEvent(alert.CategoryDxSpot, "A", now.Add(-2*time.Second)))
	r.Register(mkEvent(alert.CategoryDxSpot, "B", now.Add(-1*time.Second)))
	r.Register(mkEvent(alert.CategoryDxSpot, "C", now))

	active := r.Active(now)
	if len(active) != 3 {
		t.Fatalf("active count: %d", len(active))
	}
	if active[0].DedupKey != "C" || active[2].DedupKey != "A" {
		t.Fatalf("not newest-first: %v", []string{active[0].DedupKey, active[1].DedupKey, active[2].DedupKey})
	}
}

func TestActiveCountExcludesAcknowledged(t *testing.T) {
	r := newTestRegistry()
	now := time.Now()

	r.Register(mkEvent(alert.CategoryDxSpot, "A", now))
	r.Register(mkEvent(alert.CategoryDxSpot, "B", now))
	r.AcknowledgeLatest()

	if got := r.ActiveCount(); got != 1 {
		t.Fatalf("active count: got %d want 1", got)
	}
	// Acknowledged event is still stored until it expires.
	if r.Size() != 2 {
		t.Fatalf("size: got %d want 2", r.Size())
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	r := New(5*time.Minute, logx.Nop(), bus)
	now := time.Now()

	r.Register(mkEvent(alert.CategoryAurora, "", now))
	r.Register(mkEvent(alert.CategoryAurora, "", now.Add(time.Second)))
	r.AcknowledgeAll()
	r.Sweep(now.Add(5 * time.Minute))

	types := map[string]int{}
	for i := 0; i < 4; i++ {
		select {
		case e := <-ch:
			types[e.Type]++
		case <-time.After(time.Second):
			t.Fatalf("missing bus events, got %v", types)
		}
	}
	want := map[string]int{
		eventbus.TypeAlertRegistered:   1,
		eventbus.TypeAlertDeduped:      1,
		eventbus.TypeAlertAcknowledged: 1,
		eventbus.TypeAlertExpired:      1,
	}
	for k, n := range want {
		if types[k] != n {
			t.Fatalf("bus events: got %v want %v", types, want)
		}
	}
}
