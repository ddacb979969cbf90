// Package session implements component E (spec §4.4): the session
// acceptor and the per-session handle the pump drives. Grounded on the
// reference receiver's useSessions/sessionID fields — accepting a
// session is opening a receive link filtered by the broker's
// com.microsoft:session-filter descriptor, then composing a
// receiver.Receiver over the resulting link exactly as any other
// receive link.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/go-sbcore/amqplink"
	"github.com/Azure/go-sbcore/errorkind"
	"github.com/Azure/go-sbcore/receiver"
	"github.com/Azure/go-sbcore/retry"
)

// Session wraps a receiver.Receiver bound to one accepted session,
// adding session-state get/set and session-lock renewal on top of the
// ordinary settlement API a session-bound receiver already exposes.
type Session struct {
	*receiver.Receiver
	id          string
	lockedUntil time.Time
	rpc         amqplink.RPCLink
	gate        *retry.ServerBusyGate
	policy      retry.Policy
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// LockedUntil returns the current session-lock expiry.
func (s *Session) LockedUntil() time.Time { return s.lockedUntil }

// GetState retrieves the broker-held session-state blob, nil if none
// has been set.
func (s *Session) GetState(ctx context.Context) ([]byte, error) {
	var state []byte
	err := retry.Run(ctx, s.gate, s.policy, 60*time.Second, func(ctx context.Context) error {
		status, resp, err := s.rpc.Call(ctx, amqplink.OpGetSessionState, map[string]interface{}{
			"session-id": s.id,
		})
		if err != nil {
			return err
		}
		if status == amqplink.StatusNoContent {
			state = nil
			return nil
		}
		if err := statusToError(status, "get-session-state"); err != nil {
			return err
		}
		if b, ok := resp["session-state"].([]byte); ok {
			state = b
		}
		return nil
	})
	return state, err
}

// SetState replaces the session-state blob. A nil state clears it.
func (s *Session) SetState(ctx context.Context, state []byte) error {
	return retry.Run(ctx, s.gate, s.policy, 60*time.Second, func(ctx context.Context) error {
		status, _, err := s.rpc.Call(ctx, amqplink.OpSetSessionState, map[string]interface{}{
			"session-id":    s.id,
			"session-state": state,
		})
		if err != nil {
			return err
		}
		return statusToError(status, "set-session-state")
	})
}

// RenewSessionLock extends the session lock and returns the new expiry.
func (s *Session) RenewSessionLock(ctx context.Context) (time.Time, error) {
	err := retry.Run(ctx, s.gate, s.policy, 60*time.Second, func(ctx context.Context) error {
		status, resp, err := s.rpc.Call(ctx, amqplink.OpRenewSessionLock, map[string]interface{}{
			"session-id": s.id,
		})
		if err != nil {
			return err
		}
		if err := statusToError(status, "renew-session-lock"); err != nil {
			return err
		}
		if t, ok := resp["expiration"].(time.Time); ok {
			s.lockedUntil = t
		} else {
			s.lockedUntil = time.Now().Add(amqplink.DefaultLockDuration())
		}
		return nil
	})
	return s.lockedUntil, err
}

// Close closes the underlying session-bound receiver.
func (s *Session) Close(ctx context.Context) error {
	return s.Receiver.Close(ctx)
}

// Acceptor accepts sessions off a session-enabled entity, per spec
// §4.4.
type Acceptor struct {
	entityPath string
	mode       receiver.Mode
	opener     amqplink.SessionOpener
	rpc        amqplink.RPCLink
	gate       *retry.ServerBusyGate
	policy     retry.Policy
	recvOpts   []receiver.Option
}

// New constructs an Acceptor bound to one entity path.
func New(entityPath string, mode receiver.Mode, opener amqplink.SessionOpener, rpc amqplink.RPCLink, gate *retry.ServerBusyGate, recvOpts ...receiver.Option) *Acceptor {
	return &Acceptor{
		entityPath: entityPath,
		mode:       mode,
		opener:     opener,
		rpc:        rpc,
		gate:       gate,
		policy:     retry.NewExponential(),
		recvOpts:   recvOpts,
	}
}

// AcceptAny accepts the next unlocked session, failing with
// service_timeout if none becomes available within waitTime.
func (a *Acceptor) AcceptAny(ctx context.Context, waitTime time.Duration) (*Session, error) {
	return a.accept(ctx, nil, waitTime)
}

// AcceptNamed accepts the specific named session, failing with
// service_timeout if it is not available within waitTime.
func (a *Acceptor) AcceptNamed(ctx context.Context, sessionID string, waitTime time.Duration) (*Session, error) {
	return a.accept(ctx, &sessionID, waitTime)
}

func (a *Acceptor) accept(ctx context.Context, sessionID *string, waitTime time.Duration) (*Session, error) {
	link, resolvedID, lockedUntil, err := a.opener.OpenSession(ctx, sessionID, waitTime)
	if err != nil {
		return nil, classifyAcceptError(err)
	}
	r, err := receiver.New(ctx, a.entityPath, a.mode, link, a.rpc, a.gate, a.recvOpts...)
	if err != nil {
		return nil, err
	}
	return &Session{
		Receiver:    r,
		id:          resolvedID,
		lockedUntil: lockedUntil,
		rpc:         a.rpc,
		gate:        a.gate,
		policy:      a.policy,
	}, nil
}

// classifyAcceptError maps an OpenSession failure to the error taxonomy.
// Only a genuine no-session-available condition (the opener's wait_time
// elapsing) becomes service_timeout; every other failure (auth
// rejection, entity not found, link setup faults, ...) keeps its own
// kind so it is reported and treated as fatal rather than silently
// retried forever by the session pump's accept loop.
func classifyAcceptError(err error) error {
	if ke, ok := errorkind.As(err); ok {
		return ke
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errorkind.Wrap(errorkind.ServiceTimeout, err, "no session available within wait_time")
	}
	return errorkind.Wrap(errorkind.Internal, err, "open session failed")
}

func statusToError(status amqplink.StatusCode, op string) error {
	switch status {
	case amqplink.StatusOK, amqplink.StatusNoContent:
		return nil
	case amqplink.StatusNotFound:
		return errorkind.Newf(errorkind.EntityNotFound, "%s: entity not found", op)
	case amqplink.StatusGone:
		return errorkind.Newf(errorkind.SessionLockLost, "%s: session lock lost", op)
	case amqplink.StatusTooManyRequests:
		return errorkind.Newf(errorkind.ServerBusy, "%s: server busy", op)
	default:
		return errorkind.Newf(errorkind.Internal, "%s: unexpected status %d", op, status)
	}
}
