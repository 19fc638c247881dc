// Package sink defines the contract between the distribution router and the
// delivery channels (audio, render feed, history, desktop notify, MQTT,
// WebSocket, Telegram). Each sink is an independent worker with its own
// failure policy; a failing sink must never surface errors to the router or
// the detection loop beyond its returned error, which the router only logs.
package sink

import (
	"context"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
)

// Sink handles one event at a time from its private queue. Handle may block
// indefinitely (network I/O); the router's queue isolates the detector from
// that. Errors are sink-local and only logged.
type Sink interface {
	Name() string
	Handle(ctx context.Context, e alert.Event) error
}

// Starter is implemented by sinks that own long-lived background state
// (broker connections, listeners). Start runs once under the router's
// supervisor before any Handle call and may keep goroutines until ctx ends.
type Starter interface {
	Start(ctx context.Context) error
}

// Closer is implemented by sinks that hold resources needing explicit
// teardown after their queue is drained.
type Closer interface {
	Close(ctx context.Context) error
}
