// Package diag defines the exception-sink contract the message pump
// and session pump use to surface faults without stopping (spec §4.5,
// §4.6, §7: "inside pumps: never propagate to the caller; always route
// through the exception sink with an action tag").
package diag

import (
	"context"

	"github.com/go-logr/logr"
)

// Action tags a reported event with the pump phase that produced it.
type Action string

const (
	ActionReceive            Action = "RECEIVE"
	ActionUserCallback       Action = "USER_CALLBACK"
	ActionComplete           Action = "COMPLETE"
	ActionAbandon            Action = "ABANDON"
	ActionRenewLock          Action = "RENEW_LOCK"
	ActionAcceptMessageSession Action = "ACCEPT_MESSAGE_SESSION"
)

// Event is one reported fault.
type Event struct {
	Action Action
	Err    error
	// EntityPath and SessionID are best-effort context for the sink;
	// SessionID is empty outside the session pump.
	EntityPath string
	SessionID  string
}

// Sink receives pump faults. Implementations must not block the pump
// indefinitely; a slow sink should buffer or drop internally.
type Sink interface {
	Handle(ctx context.Context, ev Event) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// LogSink adapts a logr.Logger into a Sink, the injected-logger
// idiom this pack uses throughout instead of a global logger. Every
// event is logged at error level with the action and entity/session
// context as structured key-value pairs.
func LogSink(log logr.Logger) Sink {
	return SinkFunc(func(_ context.Context, ev Event) error {
		log.Error(ev.Err, "pump fault", "action", ev.Action, "entityPath", ev.EntityPath, "sessionID", ev.SessionID)
		return nil
	})
}

// Report calls sink.Handle, swallowing the sink's own error (spec §7:
// "close failures are logged and swallowed" generalizes to: the sink is
// the last line, nothing above it can be interrupted by the sink
// itself). A nil sink is a no-op.
func Report(ctx context.Context, sink Sink, ev Event) {
	if sink == nil {
		return
	}
	_ = sink.Handle(ctx, ev)
}
