// Package retry implements the retry policy and server-busy backoff
// gate shared across every sender and receiver attached to one
// connection. It is grounded on the common.Retry helper used by the
// Azure Service Bus receiver in this pack (fixed attempt budget, sleep
// between attempts) generalized to the exponential-backoff-with-cap
// algorithm the spec requires.
package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/Azure/go-sbcore/errorkind"
)

// Policy decides whether and how long to wait before retrying a failed
// operation.
type Policy interface {
	// ShouldRetry returns the interval to sleep before the next attempt
	// and whether a retry should be attempted at all. attempt is 1 on
	// the first failure.
	ShouldRetry(remaining time.Duration, attempt int) (time.Duration, bool)
	// IsTransient reports whether err should be retried at all,
	// independent of the attempt/remaining budget.
	IsTransient(err error) bool
}

// Exponential is the default retry.Policy: exponential backoff with
// jitter, a hard cap on backoff magnitude, and a cap on attempt count.
type Exponential struct {
	// Base is the multiplier in base*(2^attempt-1). Zero means the
	// first retry has no base delay, only jitter.
	Base time.Duration
	// MaxBackoff caps the computed interval before jitter is added.
	MaxBackoff time.Duration
	// MaxAttempts is the attempt count beyond which ShouldRetry refuses
	// to retry at all.
	MaxAttempts int
	// Jitter, if non-nil, is added to the computed backoff. Defaults to
	// up to 1s of uniform jitter when nil.
	Jitter func() time.Duration
}

// NewExponential returns the spec-mandated default policy: base=0,
// max backoff 30s, attempt cap 5.
func NewExponential() *Exponential {
	return &Exponential{
		Base:        0,
		MaxBackoff:  30 * time.Second,
		MaxAttempts: 5,
	}
}

func (p *Exponential) jitter() time.Duration {
	if p.Jitter != nil {
		return p.Jitter()
	}
	return time.Duration(rand.Int63n(int64(time.Second)))
}

// ShouldRetry implements Policy.
func (p *Exponential) ShouldRetry(remaining time.Duration, attempt int) (time.Duration, bool) {
	if attempt > p.MaxAttempts {
		return 0, false
	}
	backoff := time.Duration(float64(p.Base) * (math.Pow(2, float64(attempt)) - 1))
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	interval := backoff + p.jitter()
	if interval >= remaining {
		return interval, false
	}
	return interval, true
}

// IsTransient implements Policy by delegating to errorkind.
func (p *Exponential) IsTransient(err error) bool {
	return errorkind.IsTransient(err)
}

// serverBusySleep is the fixed sleep window spec §4.1 mandates whenever
// the shared gate is tripped.
const serverBusySleep = 10 * time.Second

// ServerBusyGate is the per-connection latch shared by every sender and
// receiver on the same AMQP connection. Setting it arms a single-shot
// timer; only one timer is ever active regardless of how many
// operations observe ServerBusy concurrently.
type ServerBusyGate struct {
	mu      sync.Mutex
	busy    bool
	message string
	timer   *time.Timer
}

// NewServerBusyGate returns a cleared gate.
func NewServerBusyGate() *ServerBusyGate {
	return &ServerBusyGate{}
}

// IsBusy reports whether the gate is currently tripped.
func (g *ServerBusyGate) IsBusy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}

// Message returns the broker message recorded the last time the gate
// was tripped.
func (g *ServerBusyGate) Message() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.message
}

// Trip arms the gate with message, starting a 10s one-shot timer that
// clears it. Calling Trip again while already tripped does not extend
// the window — the spec requires at most one active timer per gate.
func (g *ServerBusyGate) Trip(message string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return
	}
	g.busy = true
	g.message = message
	g.timer = time.AfterFunc(serverBusySleep, g.clear)
}

func (g *ServerBusyGate) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.busy = false
	g.message = ""
	g.timer = nil
}

// Clear immediately clears the gate, e.g. after any operation succeeds.
func (g *ServerBusyGate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.busy = false
	g.message = ""
}

// sleep is a context-aware sleep, returning ctx.Err() if cancelled early.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes op under the given policy and shared gate, implementing
// the run_operation algorithm from spec §4.1: respects the server-busy
// latch before and during the attempt loop, retries transient failures
// per policy, and propagates everything else.
func Run(ctx context.Context, gate *ServerBusyGate, policy Policy, totalTimeout time.Duration, op func(ctx context.Context) error) error {
	deadline := time.Now().Add(totalTimeout)
	attempt := 0

	if gate.IsBusy() {
		remaining := time.Until(deadline)
		if remaining < serverBusySleep {
			if err := sleep(ctx, remaining); err != nil {
				return err
			}
			return errorkind.New(errorkind.ServerBusy, gate.Message())
		}
	}

	for {
		if gate.IsBusy() {
			if err := sleep(ctx, serverBusySleep); err != nil {
				return err
			}
		}

		err := op(ctx)
		if err == nil {
			gate.Clear()
			return nil
		}

		if e, ok := errorkind.As(err); ok && e.Kind == errorkind.ServerBusy {
			gate.Trip(e.Message)
		}

		attempt++
		remaining := time.Until(deadline)
		interval, retryable := policy.ShouldRetry(remaining, attempt)
		if !policy.IsTransient(err) || !retryable {
			return err
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}
