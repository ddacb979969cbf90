// Package sessionpump implements the Session Pump, component G (spec
// §4.6): the same bounded-concurrency shape as the message pump, but
// nested — a bound on concurrently-processed sessions and a bound on
// concurrently in-flight accept calls — with each accepted session
// driving its own sequential message loop and session-lock renewer.
// Grounded on the same x/sync/semaphore.Weighted pattern as package
// pump, doubled up per spec §4.6's two-semaphore structure.
package sessionpump

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Azure/go-sbcore/diag"
	"github.com/Azure/go-sbcore/errorkind"
	"github.com/Azure/go-sbcore/message"
	"github.com/Azure/go-sbcore/metrics"
	"github.com/Azure/go-sbcore/retry"
)

// Session is the subset of session.Session the session pump drives.
type Session interface {
	ID() string
	Receive(ctx context.Context, maxCount int, waitTime time.Duration) ([]message.Message, error)
	Complete(ctx context.Context, token message.LockToken) error
	Abandon(ctx context.Context, token message.LockToken) error
	RenewSessionLock(ctx context.Context) (time.Time, error)
	Close(ctx context.Context) error
}

// Acceptor is the accept call the session pump drives. It mirrors
// session.Acceptor.AcceptAny, but that method returns *session.Session
// rather than Session, so a session.Acceptor is passed in through a
// small adapter.
type Acceptor interface {
	AcceptAny(ctx context.Context, waitTime time.Duration) (Session, error)
}

// Handler is the user callback invoked once per message, sequentially
// within a session.
type Handler func(ctx context.Context, sess Session, msg message.Message) error

// Options configures a Pump, per spec §4.6's input set.
type Options struct {
	MaxConcurrentSessions          int
	MaxConcurrentAcceptSessionCalls int // 0 means min(MaxConcurrentSessions, 2*NumCPU)
	AutoComplete                   bool
	AutoRenewSessionLock           bool
	MaxAutoRenewDuration           time.Duration
	MessageWaitTimeout             time.Duration
	AcceptWaitTimeout              time.Duration
	NoMessageBackoff               time.Duration
	EntityPath                     string
	Sink                           diag.Sink
	RetryPolicy                    retry.Policy
}

func (o *Options) setDefaults() {
	if o.MaxConcurrentSessions < 1 {
		o.MaxConcurrentSessions = 1
	}
	if o.MaxConcurrentAcceptSessionCalls <= 0 {
		a := 2 * runtime.NumCPU()
		if a > o.MaxConcurrentSessions {
			a = o.MaxConcurrentSessions
		}
		o.MaxConcurrentAcceptSessionCalls = a
	}
	if o.MessageWaitTimeout <= 0 {
		o.MessageWaitTimeout = 60 * time.Second
	}
	if o.AcceptWaitTimeout <= 0 {
		o.AcceptWaitTimeout = 60 * time.Second
	}
	if o.NoMessageBackoff <= 0 {
		o.NoMessageBackoff = 10 * time.Millisecond
	}
	if o.RetryPolicy == nil {
		o.RetryPolicy = retry.NewExponential()
	}
}

// Pump accepts sessions off an Acceptor and processes each one
// sequentially under nested concurrency bounds.
type Pump struct {
	acceptor Acceptor
	handler  Handler
	opts     Options

	sessionSlots *semaphore.Weighted
	acceptSlots  *semaphore.Weighted

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Pump. It does not start running until Start is
// called.
func New(acceptor Acceptor, handler Handler, opts Options) *Pump {
	opts.setDefaults()
	return &Pump{
		acceptor:     acceptor,
		handler:      handler,
		opts:         opts,
		sessionSlots: semaphore.NewWeighted(int64(opts.MaxConcurrentSessions)),
		acceptSlots:  semaphore.NewWeighted(int64(opts.MaxConcurrentAcceptSessionCalls)),
	}
}

// Start launches A acceptor tasks, where A = max_concurrent_accept_session_calls.
func (p *Pump) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.opts.MaxConcurrentAcceptSessionCalls; i++ {
		p.wg.Add(1)
		go p.acceptLoop(ctx)
	}
}

// Stop cancels the pump and awaits every outstanding acceptor and
// session-processor task.
func (p *Pump) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pump) acceptLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := p.sessionSlots.Acquire(ctx, 1); err != nil {
			return
		}

		sess, err := p.tryAccept(ctx)
		if err != nil {
			p.sessionSlots.Release(1)
			if errorkind.Is(err, errorkind.ServiceTimeout) {
				select {
				case <-time.After(p.opts.NoMessageBackoff):
				case <-ctx.Done():
					return
				}
				continue
			}
			p.report(ctx, diag.ActionAcceptMessageSession, err, "")
			if !p.opts.RetryPolicy.IsTransient(err) {
				return
			}
			continue
		}
		if sess == nil {
			p.sessionSlots.Release(1)
			continue
		}

		p.wg.Add(1)
		go p.process(ctx, sess)
	}
}

func (p *Pump) tryAccept(ctx context.Context) (Session, error) {
	if err := p.acceptSlots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.acceptSlots.Release(1)
	return p.acceptor.AcceptAny(ctx, p.opts.AcceptWaitTimeout)
}

// process runs one session's sequential message loop and session-lock
// renewer, per spec §4.6's session-processor task.
func (p *Pump) process(ctx context.Context, sess Session) {
	defer p.wg.Done()
	defer p.sessionSlots.Release(1)

	metrics.ActiveSessions.WithLabelValues(p.opts.EntityPath).Inc()
	defer metrics.ActiveSessions.WithLabelValues(p.opts.EntityPath).Dec()

	renewCtx, renewCancel := context.WithCancel(ctx)
	defer renewCancel()
	if p.opts.AutoRenewSessionLock {
		p.wg.Add(1)
		go p.sessionRenewLoop(renewCtx, sess)
	}
	defer func() {
		_ = sess.Close(context.Background())
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := sess.Receive(ctx, 1, p.opts.MessageWaitTimeout)
		if err != nil {
			p.report(ctx, diag.ActionReceive, err, sess.ID())
			return
		}
		if len(msgs) == 0 {
			return // session empty
		}
		msg := msgs[0]

		var callbackTimer *time.Timer
		if p.opts.MaxAutoRenewDuration > 0 {
			callbackTimer = time.AfterFunc(p.opts.MaxAutoRenewDuration, renewCancel)
		}
		cbErr := p.handler(ctx, sess, msg)
		if callbackTimer != nil {
			callbackTimer.Stop()
		}
		if cbErr != nil {
			p.report(ctx, diag.ActionUserCallback, cbErr, sess.ID())
			if !errorkind.Is(cbErr, errorkind.MessageLockLost) && !errorkind.Is(cbErr, errorkind.SessionLockLost) {
				if token, terr := msg.LockToken(); terr == nil {
					if aerr := sess.Abandon(ctx, token); aerr != nil {
						p.report(ctx, diag.ActionAbandon, aerr, sess.ID())
					} else {
						metrics.SettlementsTotal.WithLabelValues(p.opts.EntityPath, "abandon").Inc()
					}
				}
			}
			continue
		}

		if p.opts.AutoComplete {
			if token, terr := msg.LockToken(); terr == nil {
				if cerr := sess.Complete(ctx, token); cerr != nil {
					p.report(ctx, diag.ActionComplete, cerr, sess.ID())
				} else {
					metrics.SettlementsTotal.WithLabelValues(p.opts.EntityPath, "complete").Inc()
				}
			}
		}
	}
}

func (p *Pump) sessionRenewLoop(ctx context.Context, sess Session) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(renewInterval(p.opts.MaxAutoRenewDuration)):
		}
		if _, err := sess.RenewSessionLock(ctx); err != nil {
			p.report(ctx, diag.ActionRenewLock, err, sess.ID())
			metrics.RenewalsTotal.WithLabelValues(p.opts.EntityPath, "failure").Inc()
			if !p.opts.RetryPolicy.IsTransient(err) {
				return
			}
			continue
		}
		metrics.RenewalsTotal.WithLabelValues(p.opts.EntityPath, "success").Inc()
	}
}

func renewInterval(maxAutoRenew time.Duration) time.Duration {
	if maxAutoRenew <= 0 {
		return 10 * time.Second
	}
	quarter := maxAutoRenew / 4
	if quarter < time.Second {
		quarter = time.Second
	}
	return quarter
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
