// Package amqplink specifies the opaque link abstractions the core
// consumes (spec §6). Wire codec and link establishment are explicitly
// out of scope; this package only names the shapes a real AMQP 1.0
// transport (e.g. something built on pack.ag/amqp or Azure/go-amqp, as
// referenced elsewhere in this pack) would need to satisfy so the
// receiver, sender, and session packages can be written and tested
// against a fake without depending on any concrete transport.
package amqplink

import (
	"context"
	"time"
)

// Disposition is the outcome applied to a delivery: accept (complete),
// release (abandon), modify-with-deliver-count-bump (defer), or reject
// with a dead-letter reason.
type Disposition int

const (
	DispositionComplete Disposition = iota
	DispositionAbandon
	DispositionDefer
	DispositionDeadLetter
)

// ManagementOperation names the com.microsoft:* operation carried by a
// management request, per spec §6.
type ManagementOperation string

const (
	OpPeekMessage            ManagementOperation = "com.microsoft:peek-message"
	OpRenewLock              ManagementOperation = "com.microsoft:renew-lock"
	OpReceiveBySequenceNum   ManagementOperation = "com.microsoft:receive-by-sequence-number"
	OpScheduleMessage        ManagementOperation = "com.microsoft:schedule-message"
	OpCancelScheduledMessage ManagementOperation = "com.microsoft:cancel-scheduled-message"
	OpGetSessionState        ManagementOperation = "com.microsoft:get-session-state"
	OpSetSessionState        ManagementOperation = "com.microsoft:set-session-state"
	OpRenewSessionLock       ManagementOperation = "com.microsoft:renew-session-lock"
	OpAddRule                ManagementOperation = "com.microsoft:add-rule"
	OpRemoveRule             ManagementOperation = "com.microsoft:remove-rule"
	OpEnumerateRules         ManagementOperation = "com.microsoft:enumerate-rules"
)

// StatusCode is the management-reply status, mapped per spec §4.2.
type StatusCode int

const (
	StatusOK               StatusCode = 200
	StatusNoContent        StatusCode = 204
	StatusBadRequest       StatusCode = 400
	StatusUnauthorized     StatusCode = 401
	StatusNotFound         StatusCode = 404
	StatusGone             StatusCode = 410
	StatusTooManyRequests  StatusCode = 429
	StatusInternalError    StatusCode = 500
)

// WireMessage is the opaque envelope the transport hands to/from the
// core: an encoded payload plus the broker-defined annotations/headers
// the message and receiver packages translate to/from their own types.
// The core never interprets the encoding itself.
type WireMessage struct {
	Body               []byte
	ApplicationProps   map[string]interface{}
	Annotations        map[string]interface{}
	DeliveryTag        []byte
	DeliveryCount      uint32
}

// ReceiverLink is the credit-flow receive link the core drives. One
// ReceiverLink backs one receiver.Receiver.
type ReceiverLink interface {
	// Receive blocks until a message arrives or ctx is done, whichever
	// comes first.
	Receive(ctx context.Context) (WireMessage, error)
	// IssueCredit grants the link additional credit (prefetch replenishment).
	IssueCredit(credit uint32) error
	// Settle applies a disposition to a delivery tag.
	Settle(ctx context.Context, deliveryTag []byte, disposition Disposition, deadLetterReason, deadLetterDescription string) error
	Close(ctx context.Context) error
}

// SenderLink is the send link the core drives. One SenderLink backs
// one sender.Sender.
type SenderLink interface {
	Send(ctx context.Context, msgs []WireMessage) error
	MaxMessageSize() uint64
	Close(ctx context.Context) error
}

// RPCLink is the bidirectional request/response link carrying
// management operations (peek, renew, schedule, rule CRUD, session
// state).
type RPCLink interface {
	Call(ctx context.Context, op ManagementOperation, body map[string]interface{}) (status StatusCode, response map[string]interface{}, err error)
	Close(ctx context.Context) error
}

// SessionOpener opens a receive link filtered by the broker's
// com.microsoft:session-filter descriptor: either the next available
// unlocked session (sessionID nil) or a specific named one. Grounded on
// the reference Receiver's useSessions/sessionID fields and the
// amqp.LinkSourceFilter call built around that descriptor.
type SessionOpener interface {
	OpenSession(ctx context.Context, sessionID *string, waitTime time.Duration) (link ReceiverLink, resolvedSessionID string, lockedUntil time.Time, err error)
}

// LinkState models the per-link state machine from spec §4.2.
type LinkState int32

const (
	StateClosed LinkState = iota
	StateOpening
	StateOpen
	StateClosing
	StateFaulted
)

func (s LinkState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// deliveryLockDuration is the broker-assigned default peek-lock
// duration used when the transport does not report one explicitly;
// concrete transports should prefer the broker-reported value.
const deliveryLockDuration = 30 * time.Second

// DefaultLockDuration returns the fallback lock duration.
func DefaultLockDuration() time.Duration { return deliveryLockDuration }
