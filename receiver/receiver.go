// Package receiver implements component C (spec §4.2): one receive
// link plus one request/response link bound to an entity path or an
// accepted session, exposing lock-token settlement, peek,
// receive-by-sequence, and lock renewal. Grounded on this pack's
// vendored azure-service-bus-go Receiver: a background goroutine feeds
// a local channel off the credit-flow link, Receive reads off that
// channel with a context deadline, and a small atomic state machine
// tracks open/closing/faulted.
package receiver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/go-sbcore/amqplink"
	"github.com/Azure/go-sbcore/errorkind"
	"github.com/Azure/go-sbcore/message"
	"github.com/Azure/go-sbcore/metrics"
	"github.com/Azure/go-sbcore/plugin"
	"github.com/Azure/go-sbcore/retry"
)

// Mode is the receive mode an entity is opened with.
type Mode int

const (
	PeekLock Mode = iota
	ReceiveAndDelete
)

// linkState mirrors amqplink.LinkState but lives on the receiver so it
// can be driven with sync/atomic independent of the link implementation.
type linkState = amqplink.LinkState

// Option configures a Receiver at construction time, mirroring the
// reference ReceiverOption functional-options shape.
type Option func(*Receiver) error

// WithPrefetchCount sets how many messages the receiver buffers ahead
// of consumption via link credit. Zero means no local buffering beyond
// one in-flight receive.
func WithPrefetchCount(prefetch uint32) Option {
	return func(r *Receiver) error {
		r.prefetch = prefetch
		return nil
	}
}

// WithPipeline attaches the after-receive plugin pipeline.
func WithPipeline(pl *plugin.Pipeline) Option {
	return func(r *Receiver) error {
		r.pipeline = pl
		return nil
	}
}

// WithRetryPolicy overrides the default retry.Exponential policy used
// for management-link calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Receiver) error {
		r.policy = p
		return nil
	}
}

// ReopenFunc opens a replacement ReceiverLink after the current one has
// faulted, mirroring the reference's newSessionAndLink reconnect.
type ReopenFunc func(ctx context.Context) (amqplink.ReceiverLink, error)

// WithReopener attaches a one-shot reopen-on-fault recovery function
// (spec §4.2's "one re-open attempt on transient fault"). Without one,
// a faulted Receiver returns its cached fault error from every
// subsequent Receive call and never recovers.
func WithReopener(fn ReopenFunc) Option {
	return func(r *Receiver) error {
		r.reopen = fn
		return nil
	}
}

// Receiver is bound to one entity path (or one accepted session) in
// one receive mode, per spec §4.2.
type Receiver struct {
	entityPath string
	mode       Mode
	prefetch   uint32

	link  amqplink.ReceiverLink
	rpc   amqplink.RPCLink
	gate  *retry.ServerBusyGate
	policy retry.Policy

	pipeline *plugin.Pipeline

	state linkState // atomic

	messages chan message.Message
	errs     chan error
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	reopen      ReopenFunc
	reopenTried bool

	mu           sync.Mutex
	handlerBound bool
	faultErr     error
}

// New opens a Receiver over the given links. The caller retains
// ownership of link/rpc and gate lifetime; New spins up the background
// receive-loop goroutine immediately.
func New(ctx context.Context, entityPath string, mode Mode, link amqplink.ReceiverLink, rpc amqplink.RPCLink, gate *retry.ServerBusyGate, opts ...Option) (*Receiver, error) {
	r := &Receiver{
		entityPath: entityPath,
		mode:       mode,
		prefetch:   1,
		link:       link,
		rpc:        rpc,
		gate:       gate,
		policy:     retry.NewExponential(),
		messages:   make(chan message.Message, 0),
		errs:       make(chan error, 1),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.prefetch > 0 {
		r.messages = make(chan message.Message, r.prefetch)
	}

	atomic.StoreInt32((*int32)(&r.state), int32(amqplink.StateOpening))
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	if err := r.link.IssueCredit(max(r.prefetch, 1)); err != nil {
		cancel()
		atomic.StoreInt32((*int32)(&r.state), int32(amqplink.StateFaulted))
		return nil, errorkind.Wrap(errorkind.Internal, err, "receiver: issue initial credit")
	}
	atomic.StoreInt32((*int32)(&r.state), int32(amqplink.StateOpen))

	r.wg.Add(1)
	go r.pumpWire(loopCtx)
	return r, nil
}

func max(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// State reports the current link state.
func (r *Receiver) State() amqplink.LinkState {
	return amqplink.LinkState(atomic.LoadInt32((*int32)(&r.state)))
}

// currentLink returns the link in use, guarded against a concurrent
// recover() swapping it out from under a settlement call.
func (r *Receiver) currentLink() amqplink.ReceiverLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link
}

// recover performs the single reopen-on-fault attempt: if the cached
// fault is transient and a ReopenFunc was supplied, it opens a
// replacement link, rearms credit, and restarts the background pump.
// Mirrors the reference Receiver's one-shot Recover, not an unbounded
// reconnect loop — a second fault after a successful recovery is
// reported as-is.
func (r *Receiver) recover(ctx context.Context) error {
	r.mu.Lock()
	err := r.faultErr
	if err == nil || r.reopen == nil || r.reopenTried || !errorkind.IsTransient(err) {
		r.mu.Unlock()
		return err
	}
	r.reopenTried = true
	r.mu.Unlock()

	newLink, openErr := r.reopen(ctx)
	if openErr != nil {
		return err
	}

	_ = r.currentLink().Close(context.Background())

	prefetch := max(r.prefetch, 1)
	atomic.StoreInt32((*int32)(&r.state), int32(amqplink.StateOpening))
	if err := newLink.IssueCredit(prefetch); err != nil {
		atomic.StoreInt32((*int32)(&r.state), int32(amqplink.StateFaulted))
		wrapped := errorkind.Wrap(errorkind.Internal, err, "receiver: issue credit on reopen")
		r.mu.Lock()
		r.faultErr = wrapped
		r.link = newLink
		r.mu.Unlock()
		return wrapped
	}
	atomic.StoreInt32((*int32)(&r.state), int32(amqplink.StateOpen))

	r.mu.Lock()
	r.link = newLink
	r.faultErr = nil
	r.mu.Unlock()
	r.messages = make(chan message.Message, prefetch)
	r.errs = make(chan error, 1)

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.pumpWire(loopCtx)
	return nil
}

// pumpWire translates wire deliveries into Messages and feeds the local
// buffer channel, replenishing credit as space frees up — the
// generalization of the reference's listenForMessages goroutine to a
// bounded, credit-replenished buffer instead of an unbounded channel.
func (r *Receiver) pumpWire(ctx context.Context) {
	defer r.wg.Done()
	defer close(r.messages)
	link := r.currentLink()
	for {
		wm, err := link.Receive(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			atomic.StoreInt32((*int32)(&r.state), int32(amqplink.StateFaulted))
			metrics.ExceptionsTotal.WithLabelValues(r.entityPath, "LINK_FAULT").Inc()
			r.mu.Lock()
			if r.faultErr == nil {
				r.faultErr = err
			}
			r.mu.Unlock()
			return
		}
		m := wireToMessage(wm, r.mode)
		if r.pipeline != nil {
			next, err := r.pipeline.RunAfterReceive(&m)
			if err != nil {
				select {
				case r.errs <- err:
				default:
				}
				continue
			}
			m = *next
		}
		select {
		case r.messages <- m:
		case <-ctx.Done():
			return
		}
		if err := link.IssueCredit(1); err != nil {
			atomic.StoreInt32((*int32)(&r.state), int32(amqplink.StateFaulted))
			r.mu.Lock()
			if r.faultErr == nil {
				r.faultErr = errorkind.Wrap(errorkind.Internal, err, "receiver: replenish credit")
			}
			r.mu.Unlock()
			return
		}
	}
}

func wireToMessage(wm amqplink.WireMessage, mode Mode) message.Message {
	m := *message.New(wm.Body)
	sp := message.SystemProperties{DeliveryCount: int32(wm.DeliveryCount)}
	if mode == PeekLock {
		sp.LockedUntil = time.Now().Add(amqplink.DefaultLockDuration())
		copy(sp.LockToken[:], wm.DeliveryTag)
	}
	if v, ok := wm.ApplicationProps["sequence_number"].(int64); ok {
		sp.SequenceNumber = v
	} else {
		sp.SequenceNumber = 0
	}
	m.AttachSystemProperties(sp)
	return m
}

// Receive blocks until maxCount messages are buffered, waitTime
// elapses, or ctx is done, returning whatever has accumulated.
func (r *Receiver) Receive(ctx context.Context, maxCount int, waitTime time.Duration) ([]message.Message, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	deadline := time.NewTimer(waitTime)
	defer deadline.Stop()

	out := make([]message.Message, 0, maxCount)
	for len(out) < maxCount {
		select {
		case m, ok := <-r.messages:
			if !ok {
				if err := r.recover(ctx); err != nil {
					return out, err
				}
				continue
			}
			out = append(out, m)
		case <-deadline.C:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

func (r *Receiver) requirePeekLock() error {
	if r.mode != PeekLock {
		return errorkind.New(errorkind.InvalidOperation, "settlement requires peek_lock receive mode")
	}
	return nil
}

func (r *Receiver) settle(ctx context.Context, token message.LockToken, disposition amqplink.Disposition, reason, description string) error {
	if err := r.requirePeekLock(); err != nil {
		return err
	}
	return retry.Run(ctx, r.gate, r.policy, 60*time.Second, func(ctx context.Context) error {
		return r.currentLink().Settle(ctx, token[:], disposition, reason, description)
	})
}

// Complete settles the delivery identified by token as accepted.
func (r *Receiver) Complete(ctx context.Context, token message.LockToken) error {
	return r.settle(ctx, token, amqplink.DispositionComplete, "", "")
}

// Abandon releases the lock, making the message immediately available
// for redelivery and incrementing its delivery count.
func (r *Receiver) Abandon(ctx context.Context, token message.LockToken) error {
	return r.settle(ctx, token, amqplink.DispositionAbandon, "", "")
}

// Defer marks the message so it must be re-fetched by sequence number.
func (r *Receiver) Defer(ctx context.Context, token message.LockToken) error {
	return r.settle(ctx, token, amqplink.DispositionDefer, "", "")
}

// DeadLetter moves the message to the entity's dead-letter sub-queue.
func (r *Receiver) DeadLetter(ctx context.Context, token message.LockToken, reason, description string) error {
	return r.settle(ctx, token, amqplink.DispositionDeadLetter, reason, description)
}

// RenewLock extends the peek-lock on token and returns the new expiry.
func (r *Receiver) RenewLock(ctx context.Context, token message.LockToken) (time.Time, error) {
	if err := r.requirePeekLock(); err != nil {
		return time.Time{}, err
	}
	var until time.Time
	err := retry.Run(ctx, r.gate, r.policy, 60*time.Second, func(ctx context.Context) error {
		status, resp, err := r.rpc.Call(ctx, amqplink.OpRenewLock, map[string]interface{}{
			"lock-tokens": [][]byte{token[:]},
		})
		if err != nil {
			return err
		}
		if err := statusToError(status, "renew lock"); err != nil {
			return err
		}
		if t, ok := resp["expirations"].(time.Time); ok {
			until = t
		} else {
			until = time.Now().Add(amqplink.DefaultLockDuration())
		}
		return nil
	})
	return until, err
}

// Peek returns up to count messages starting at fromSequence without
// changing their visibility. If fromSequence is nil the request carries
// no starting sequence number; the receiver keeps no peek cursor of its
// own between calls.
func (r *Receiver) Peek(ctx context.Context, fromSequence *int64, count int) ([]message.Message, error) {
	var out []message.Message
	err := retry.Run(ctx, r.gate, r.policy, 60*time.Second, func(ctx context.Context) error {
		body := map[string]interface{}{"message-count": int32(count)}
		if fromSequence != nil {
			body["from-sequence-number"] = *fromSequence
		}
		status, resp, err := r.rpc.Call(ctx, amqplink.OpPeekMessage, body)
		if err != nil {
			return err
		}
		if status == amqplink.StatusNoContent {
			out = nil
			return nil
		}
		if err := statusToError(status, "peek"); err != nil {
			return err
		}
		out = decodeMessages(resp, r.mode)
		return nil
	})
	return out, err
}

// ReceiveBySequence re-fetches deferred messages by sequence number.
func (r *Receiver) ReceiveBySequence(ctx context.Context, seqNumbers []int64) ([]message.Message, error) {
	var out []message.Message
	err := retry.Run(ctx, r.gate, r.policy, 60*time.Second, func(ctx context.Context) error {
		status, resp, err := r.rpc.Call(ctx, amqplink.OpReceiveBySequenceNum, map[string]interface{}{
			"sequence-numbers": seqNumbers,
		})
		if err != nil {
			return err
		}
		if status == amqplink.StatusNoContent {
			out = nil
			return nil
		}
		if err := statusToError(status, "receive-by-sequence"); err != nil {
			return err
		}
		out = decodeMessages(resp, r.mode)
		return nil
	})
	return out, err
}

func decodeMessages(resp map[string]interface{}, mode Mode) []message.Message {
	raw, _ := resp["messages"].([]amqplink.WireMessage)
	out := make([]message.Message, 0, len(raw))
	for _, wm := range raw {
		out = append(out, wireToMessage(wm, mode))
	}
	return out
}

func statusToError(status amqplink.StatusCode, op string) error {
	switch status {
	case amqplink.StatusOK, amqplink.StatusNoContent:
		return nil
	case amqplink.StatusNotFound:
		return errorkind.Newf(errorkind.EntityNotFound, "%s: entity not found", op)
	case amqplink.StatusUnauthorized:
		return errorkind.Newf(errorkind.Unauthorized, "%s: unauthorized", op)
	case amqplink.StatusGone:
		return errorkind.Newf(errorkind.MessageLockLost, "%s: lock lost", op)
	case amqplink.StatusTooManyRequests:
		return errorkind.Newf(errorkind.ServerBusy, "%s: server busy", op)
	default:
		return errorkind.Newf(errorkind.Internal, "%s: unexpected status %d", op, status)
	}
}

// BindHandler enforces the one-handler-per-lifetime registration
// invariant pumps rely on.
func (r *Receiver) BindHandler() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlerBound {
		return errorkind.New(errorkind.InvalidOperation, "receiver already has a bound handler")
	}
	r.handlerBound = true
	return nil
}

// Close stops the background receive loop and closes the underlying
// link.
func (r *Receiver) Close(ctx context.Context) error {
	atomic.StoreInt32((*int32)(&r.state), int32(amqplink.StateClosing))
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	atomic.StoreInt32((*int32)(&r.state), int32(amqplink.StateClosed))
	if err := r.currentLink().Close(ctx); err != nil {
		return fmt.Errorf("receiver: close link: %w", err)
	}
	return nil
}
