// Package pump implements the Message Pump, component F and the hard
// core of this module (spec §4.5): a bounded-concurrency receive/
// dispatch/auto-renew/auto-complete engine driving one receiver.
// Grounded on keda's goroutine-per-unit-of-work scale_handler shape
// generalized with golang.org/x/sync/semaphore.Weighted for the
// bounded-concurrency slot count — exactly the purpose x/sync exists
// for, and a real dependency in this pack's go.mod.
package pump

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Azure/go-sbcore/diag"
	"github.com/Azure/go-sbcore/errorkind"
	"github.com/Azure/go-sbcore/message"
	"github.com/Azure/go-sbcore/metrics"
	"github.com/Azure/go-sbcore/retry"
)

// Receiver is the subset of receiver.Receiver the pump drives. Declared
// locally so the pump can be tested against a fake without importing
// package receiver.
type Receiver interface {
	Receive(ctx context.Context, maxCount int, waitTime time.Duration) ([]message.Message, error)
	Complete(ctx context.Context, token message.LockToken) error
	Abandon(ctx context.Context, token message.LockToken) error
	RenewLock(ctx context.Context, token message.LockToken) (time.Time, error)
}

// Handler is the user callback invoked once per received message.
type Handler func(ctx context.Context, msg message.Message) error

// Options configures a Pump, per spec §4.5's input set.
type Options struct {
	MaxConcurrentCalls    int
	AutoComplete          bool
	AutoRenewLock         bool
	MaxAutoRenewDuration  time.Duration
	ReceiveTimeout        time.Duration
	EntityPath            string
	Sink                  diag.Sink
	RetryPolicy           retry.Policy
}

// Pump drives one Receiver, invoking Handler for every received
// message under bounded concurrency.
type Pump struct {
	receiver Receiver
	handler  Handler
	opts     Options

	slots  *semaphore.Weighted
	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Pump. It does not start running until Start is
// called.
func New(r Receiver, handler Handler, opts Options) *Pump {
	if opts.MaxConcurrentCalls < 1 {
		opts.MaxConcurrentCalls = 1
	}
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = 60 * time.Second
	}
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = retry.NewExponential()
	}
	return &Pump{
		receiver: r,
		handler:  handler,
		opts:     opts,
		slots:    semaphore.NewWeighted(int64(opts.MaxConcurrentCalls)),
		done:     make(chan struct{}),
	}
}

// Start launches the receive loop in its own goroutine. ctx is the
// pump_cancel_token; cancelling it stops the receive loop after the
// current iteration and signals every in-flight dispatch.
func (p *Pump) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.receiveLoop(ctx)
}

// Stop cancels the pump and awaits every outstanding dispatch.
func (p *Pump) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pump) receiveLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := p.slots.Acquire(ctx, 1); err != nil {
			return
		}

		msgs, err := p.receiver.Receive(ctx, 1, p.opts.ReceiveTimeout)
		if err != nil {
			p.slots.Release(1)
			p.report(ctx, diag.ActionReceive, err, "")
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		if len(msgs) == 0 {
			p.slots.Release(1)
			continue
		}

		msg := msgs[0]
		p.wg.Add(1)
		go p.dispatch(ctx, msg)
	}
}

// dispatch runs one message's user callback, renew loop, and
// auto-complete/auto-abandon, per spec §4.5's dispatch task.
func (p *Pump) dispatch(ctx context.Context, msg message.Message) {
	defer p.wg.Done()
	defer p.slots.Release(1)

	metrics.InFlightDispatches.WithLabelValues(p.opts.EntityPath).Inc()
	defer metrics.InFlightDispatches.WithLabelValues(p.opts.EntityPath).Dec()

	renewCtx, renewCancel := context.WithCancel(context.Background())
	var renewTimer *time.Timer
	if p.opts.MaxAutoRenewDuration > 0 {
		renewTimer = time.AfterFunc(p.opts.MaxAutoRenewDuration, renewCancel)
	}
	if p.opts.AutoRenewLock && p.opts.MaxAutoRenewDuration > 0 {
		p.wg.Add(1)
		go p.renewLoop(ctx, renewCtx, &msg)
	}

	err := p.handler(ctx, msg)
	renewCancel()
	if renewTimer != nil {
		renewTimer.Stop()
	}

	token, tokenErr := msg.LockToken()
	if tokenErr != nil {
		return
	}

	if err != nil {
		p.report(ctx, diag.ActionUserCallback, err, "")
		if errorkind.Is(err, errorkind.MessageLockLost) {
			return
		}
		if aerr := p.receiver.Abandon(ctx, token); aerr != nil {
			p.report(ctx, diag.ActionAbandon, aerr, "")
		} else {
			metrics.SettlementsTotal.WithLabelValues(p.opts.EntityPath, "abandon").Inc()
		}
		return
	}

	if p.opts.AutoComplete && ctx.Err() == nil {
		if cerr := p.receiver.Complete(ctx, token); cerr != nil {
			p.report(ctx, diag.ActionComplete, cerr, "")
		} else {
			metrics.SettlementsTotal.WithLabelValues(p.opts.EntityPath, "complete").Inc()
		}
	}
}

// renewLoop keeps a single in-flight message's lock alive, per spec
// §4.5's renew_after formula: remaining − min(remaining/2, 10s).
func (p *Pump) renewLoop(pumpCtx, renewCtx context.Context, msg *message.Message) {
	defer p.wg.Done()
	for {
		select {
		case <-pumpCtx.Done():
			return
		case <-renewCtx.Done():
			return
		default:
		}

		lockedUntil, err := msg.LockedUntil()
		if err != nil {
			return
		}
		delay := renewAfter(lockedUntil)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-pumpCtx.Done():
			t.Stop()
			return
		case <-renewCtx.Done():
			t.Stop()
			return
		}

		token, err := msg.LockToken()
		if err != nil {
			return
		}
		until, err := p.receiver.RenewLock(pumpCtx, token)
		if err != nil {
			p.report(pumpCtx, diag.ActionRenewLock, err, "")
			metrics.RenewalsTotal.WithLabelValues(p.opts.EntityPath, "failure").Inc()
			if !p.opts.RetryPolicy.IsTransient(err) {
				return
			}
			continue
		}
		metrics.RenewalsTotal.WithLabelValues(p.opts.EntityPath, "success").Inc()
		msg.SetLockedUntil(until)
	}
}

func renewAfter(lockedUntil time.Time) time.Duration {
	remaining := time.Until(lockedUntil)
	half := remaining / 2
	backoff := 10 * time.Second
	if half < backoff {
		backoff = half
	}
	d := remaining - backoff
	if d < 0 {
		d = 0
	}
	return d
}

func (p *Pump) report(ctx context.Context, action diag.Action, err error, sessionID string) {
	metrics.ExceptionsTotal.WithLabelValues(p.opts.EntityPath, string(action)).Inc()
	diag.Report(ctx, p.opts.Sink, diag.Event{
		Action:     action,
		Err:        err,
		EntityPath: p.opts.EntityPath,
		SessionID:  sessionID,
	})
}
