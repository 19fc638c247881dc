// Package router fans newly registered alerts out to the sinks over bounded
// queues. Enqueue never blocks: when a sink's queue is full the oldest
// queued item is dropped so detection throughput is never degraded by a
// slow or dead sink.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
	"github.com/dpaschal/HamClock-sub000/internal/eventbus"
	"github.com/dpaschal/HamClock-sub000/internal/logx"
	"github.com/dpaschal/HamClock-sub000/internal/runtime/supervisor"
	"github.com/dpaschal/HamClock-sub000/internal/sink"
)

type Config struct {
	// QueueSize is the per-sink queue capacity. Default 64.
	QueueSize int
	// DrainTimeout bounds how long Stop waits for sinks to flush. Default 5s.
	DrainTimeout time.Duration
}

// DropEvent is the bus payload when backpressure forces a drop.
type DropEvent struct {
	Sink     string
	AlertID  string
	Category alert.Category
}

type entry struct {
	sink  sink.Sink
	queue chan alert.Event
}

type Router struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	bus eventbus.Bus

	entries   []*entry
	drainSup  *supervisor.Supervisor // queue drain workers
	runSup    *supervisor.Supervisor // long-running sink services (Starter)
	accepting bool
	started   bool

	// dispatchWG tracks in-flight Dispatch calls so Stop never closes a
	// queue someone is still sending on.
	dispatchWG sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{cfg: cfg, log: log, bus: bus}
}

// Attach registers a sink. Must be called before Start.
func (r *Router) Attach(s sink.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.entries = append(r.entries, &entry{
		sink:  s,
		queue: make(chan alert.Event, r.cfg.QueueSize),
	})
}

// Start launches one worker per sink under a supervisor. Sink panics and
// errors restart the worker with backoff; they never propagate.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.accepting = true
	// Drain workers and long-running sink services stop at different
	// points of shutdown, so they get separate supervisors.
	r.drainSup = supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	r.runSup = supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	drainSup, runSup := r.drainSup, r.runSup
	entries := r.entries
	r.mu.Unlock()

	for _, en := range entries {
		en := en
		if st, ok := en.sink.(sink.Starter); ok {
			runSup.GoRestart("sink."+en.sink.Name()+".run", st.Start,
				supervisor.WithRestartBackoff(time.Second, 30*time.Second))
		}
		drainSup.GoRestart("sink."+en.sink.Name(), func(ctx context.Context) error {
			return r.drain(ctx, en)
		})
	}
}

func (r *Router) drain(ctx context.Context, en *entry) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-en.queue:
			if !ok {
				return nil
			}
			if err := en.sink.Handle(ctx, e); err != nil {
				// Sink-local failure; the sink's own policy already ran.
				r.log.Debug("sink handle failed",
					logx.String("sink", en.sink.Name()),
					logx.String("alert", e.ID),
					logx.Err(err))
			}
		}
	}
}

// Dispatch enqueues a copy of the event to every sink. Never blocks: a full
// queue drops its oldest item first, with a backpressure warning.
func (r *Router) Dispatch(e alert.Event) {
	r.mu.Lock()
	if !r.accepting {
		r.mu.Unlock()
		return
	}
	entries := r.entries
	r.dispatchWG.Add(1)
	r.mu.Unlock()
	defer r.dispatchWG.Done()

	for _, en := range entries {
		r.enqueue(en, e)
	}
}

func (r *Router) enqueue(en *entry, e alert.Event) {
	select {
	case en.queue <- e:
		return
	default:
	}

	// Queue full: make room by dropping the oldest queued item, then retry.
	// The detection tick is the only producer, so at most one retry loop
	// runs at a time.
	for {
		var dropped alert.Event
		removed := false
		select {
		case dropped = <-en.queue:
			removed = true
		default:
			// The sink drained concurrently; nothing was dropped.
		}
		if removed {
			r.log.Warn("sink backpressure, dropped oldest queued alert",
				logx.String("sink", en.sink.Name()),
				logx.String("dropped", dropped.ID))
			if r.bus != nil {
				r.bus.Publish(eventbus.Event{
					Type: eventbus.TypeSinkDropped,
					Data: DropEvent{Sink: en.sink.Name(), AlertID: dropped.ID, Category: dropped.Category},
				})
			}
		}
		select {
		case en.queue <- e:
			return
		default:
		}
	}
}

// QueueLen reports the queued depth for a named sink (tests, /health).
func (r *Router) QueueLen(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, en := range r.entries {
		if en.sink.Name() == name {
			return len(en.queue)
		}
	}
	return 0
}

// Stop stops accepting new events, lets sinks drain for the configured
// timeout, then force-cancels whatever is still unflushed. Shutdown latency
// is bounded by DrainTimeout.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.accepting = false
	drainSup, runSup := r.drainSup, r.runSup
	entries := r.entries
	r.mu.Unlock()

	// Wait for in-flight dispatches, then close the queues so drain loops
	// exit once flushed.
	r.dispatchWG.Wait()
	for _, en := range entries {
		close(en.queue)
	}

	drainCtx, cancel := context.WithTimeout(ctx, r.cfg.DrainTimeout)
	defer cancel()
	if err := drainSup.Wait(drainCtx); err != nil {
		r.log.Warn("router drain timeout, forcing sink shutdown", logx.Err(err))
		drainSup.Cancel()
		_ = drainSup.Wait(ctx)
	}

	// Queues are flushed (or abandoned); now stop the sink services.
	runSup.Cancel()
	_ = runSup.Wait(ctx)

	for _, en := range entries {
		if c, ok := en.sink.(sink.Closer); ok {
			if cerr := c.Close(ctx); cerr != nil {
				r.log.Debug("sink close failed", logx.String("sink", en.sink.Name()), logx.Err(cerr))
			}
		}
	}
	return nil
}
