package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
	"github.com/dpaschal/HamClock-sub000/internal/eventbus"
	"github.com/dpaschal/HamClock-sub000/internal/logx"
	"github.com/dpaschal/HamClock-sub000/internal/sink"
)

var (
	_ sink.Sink = (*stuckSink)(nil)
	_ sink.Sink = (*recordSink)(nil)
	_ sink.Sink = (*panicSink)(nil)
)

// stuckSink never drains; its queue fills and forces backpressure drops.
type stuckSink struct {
	name    string
	release chan struct{}
}

func (s *stuckSink) Name() string { return s.name }
func (s *stuckSink) Handle(ctx context.Context, e alert.Event) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recordSink collects everything it handles.
type recordSink struct {
	name string
	mu   sync.Mutex
	got  []alert.Event
}

func (s *recordSink) Name() string { return s.name }
func (s *recordSink) Handle(ctx context.Context, e alert.Event) error {
	s.mu.Lock()
	s.got = append(s.got, e)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) events() []alert.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alert.Event(nil), s.got...)
}

func mkEvent(i int) alert.Event {
	e := alert.New(alert.CategoryDxSpot, alert.SeverityNotice, fmt.Sprintf("msg %d", i), fmt.Sprintf("K%d", i), time.Now(), time.Minute)
	return e
}

func TestBackpressureDropsOldestNeverBlocks(t *testing.T) {
	r := New(Config{QueueSize: 64}, logx.Nop(), nil)
	stuck := &stuckSink{name: "stuck", release: make(chan struct{})}
	r.Attach(stuck)
	// Router not started: the sink never drains its queue.
	r.mu.Lock()
	r.accepting = true
	r.mu.Unlock()

	done := make(chan struct{})
	var events []alert.Event
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			e := mkEvent(i)
			events = append(events, e)
			r.Dispatch(e)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatch blocked under backpressure")
	}

	if got := r.QueueLen("stuck"); got != 64 {
		t.Fatalf("queue depth: got %d want 64", got)
	}

	// The 64 most recent events remain, in enqueue order.
	q := r.entries[0].queue
	for i := 936; i < 1000; i++ {
		got := <-q
		if got.ID != events[i].ID {
			t.Fatalf("queue item %d: got %q want %q", i, got.Message, events[i].Message)
		}
	}
}

func TestDropReportsCarryDroppedAlertID(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(2048)
	defer unsub()

	r := New(Config{QueueSize: 2}, logx.Nop(), bus)
	stuck := &stuckSink{name: "stuck", release: make(chan struct{})}
	r.Attach(stuck)
	r.mu.Lock()
	r.accepting = true
	r.mu.Unlock()

	// A consumer racing the drop-oldest loop: the queue may turn out
	// empty between the failed send and the receive. Such rounds must
	// not be reported as drops.
	q := r.entries[0].queue
	stop := make(chan struct{})
	var consumer sync.WaitGroup
	consumer.Add(1)
	go func() {
		defer consumer.Done()
		for {
			select {
			case <-stop:
				return
			case <-q:
			}
		}
	}()

	for i := 0; i < 500; i++ {
		r.Dispatch(mkEvent(i))
	}
	close(stop)
	consumer.Wait()

	for {
		select {
		case ev := <-ch:
			if ev.Type != eventbus.TypeSinkDropped {
				continue
			}
			de, ok := ev.Data.(DropEvent)
			if !ok {
				t.Fatalf("drop event payload: %T", ev.Data)
			}
			if de.AlertID == "" {
				t.Fatal("drop report with empty alert id")
			}
		default:
			return
		}
	}
}

func TestFanOutDeliversToAllSinks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(Config{QueueSize: 8, DrainTimeout: time.Second}, logx.Nop(), nil)
	a := &recordSink{name: "a"}
	b := &recordSink{name: "b"}
	r.Attach(a)
	r.Attach(b)
	r.Start(ctx)

	for i := 0; i < 5; i++ {
		r.Dispatch(mkEvent(i))
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	for _, s := range []*recordSink{a, b} {
		got := s.events()
		if len(got) != 5 {
			t.Fatalf("sink %s: got %d events", s.name, len(got))
		}
		// In-order per sink.
		for i := 1; i < len(got); i++ {
			if got[i].Message <= got[i-1].Message {
				t.Fatalf("sink %s: out of order: %q then %q", s.name, got[i-1].Message, got[i].Message)
			}
		}
	}
}

func TestSlowSinkDoesNotStallOthers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(Config{QueueSize: 4, DrainTimeout: 200 * time.Millisecond}, logx.Nop(), nil)
	stuck := &stuckSink{name: "stuck", release: make(chan struct{})}
	fast := &recordSink{name: "fast"}
	r.Attach(stuck)
	r.Attach(fast)
	r.Start(ctx)

	for i := 0; i < 20; i++ {
		r.Dispatch(mkEvent(i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fast.events()) == 20 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(fast.events()); got != 20 {
		t.Fatalf("fast sink starved: got %d events", got)
	}

	// Stop must return despite the stuck sink (bounded by DrainTimeout).
	start := time.Now()
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("stop not bounded: took %v", took)
	}
}

func TestDispatchAfterStopIsNoop(t *testing.T) {
	ctx := context.Background()
	r := New(Config{QueueSize: 4, DrainTimeout: 100 * time.Millisecond}, logx.Nop(), nil)
	s := &recordSink{name: "s"}
	r.Attach(s)
	r.Start(ctx)
	_ = r.Stop(ctx)

	// Must not panic (queues are closed).
	r.Dispatch(mkEvent(1))
	if got := len(s.events()); got != 0 {
		t.Fatalf("dispatch after stop delivered %d events", got)
	}
}

// countingSink counts handled events; used for panic isolation.
type panicSink struct {
	name  string
	calls atomic.Int64
}

func (s *panicSink) Name() string { return s.name }
func (s *panicSink) Handle(ctx context.Context, e alert.Event) error {
	s.calls.Add(1)
	panic("sink bug")
}

func TestPanickingSinkIsIsolated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(Config{QueueSize: 8, DrainTimeout: 500 * time.Millisecond}, logx.Nop(), nil)
	bad := &panicSink{name: "bad"}
	good := &recordSink{name: "good"}
	r.Attach(bad)
	r.Attach(good)
	r.Start(ctx)

	for i := 0; i < 3; i++ {
		r.Dispatch(mkEvent(i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(good.events()) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(good.events()); got != 3 {
		t.Fatalf("good sink affected by panicking sink: got %d", got)
	}
	if bad.calls.Load() == 0 {
		t.Fatalf("panicking sink never ran")
	}
}
