package sessionpump

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure/go-sbcore/errorkind"
	"github.com/Azure/go-sbcore/message"
)

type fakeSession struct {
	id         string
	mu         sync.Mutex
	queue      []message.Message
	completed  []message.LockToken
	closed     bool
	renewCalls int32
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Receive(ctx context.Context, maxCount int, waitTime time.Duration) ([]message.Message, error) {
	s.mu.Lock()
	if len(s.queue) > 0 {
		m := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return []message.Message{m}, nil
	}
	s.mu.Unlock()
	t := time.NewTimer(waitTime)
	defer t.Stop()
	select {
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSession) Complete(ctx context.Context, token message.LockToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, token)
	return nil
}

func (s *fakeSession) Abandon(ctx context.Context, token message.LockToken) error { return nil }

func (s *fakeSession) RenewSessionLock(ctx context.Context) (time.Time, error) {
	atomic.AddInt32(&s.renewCalls, 1)
	return time.Now().Add(30 * time.Second), nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func newSessionMsg(seq int64) message.Message {
	m := *message.New([]byte("x"))
	m.AttachSystemProperties(message.SystemProperties{
		LockToken:      message.NewLockToken(),
		LockedUntil:    time.Now().Add(30 * time.Second),
		SequenceNumber: seq,
	})
	return m
}

type oneShotAcceptor struct {
	mu     sync.Mutex
	sess   Session
	served bool
}

func (a *oneShotAcceptor) AcceptAny(ctx context.Context, waitTime time.Duration) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.served {
		return nil, errorkind.New(errorkind.ServiceTimeout, "no session available")
	}
	a.served = true
	return a.sess, nil
}

func TestSessionPump_DeliversInOrderThenClosesOnEmpty(t *testing.T) {
	sess := &fakeSession{
		id: "A",
		queue: []message.Message{
			newSessionMsg(1), newSessionMsg(2), newSessionMsg(3), newSessionMsg(4),
		},
	}
	acceptor := &oneShotAcceptor{sess: sess}

	var mu sync.Mutex
	var seen []int64
	done := make(chan struct{})

	handler := func(ctx context.Context, s Session, msg message.Message) error {
		mu.Lock()
		seen = append(seen, msg.SequenceNumber())
		n := len(seen)
		mu.Unlock()
		if n == 4 {
			close(done)
		}
		return nil
	}

	p := New(acceptor, handler, Options{
		MaxConcurrentSessions: 2,
		AutoComplete:          true,
		MessageWaitTimeout:    30 * time.Millisecond,
		AcceptWaitTimeout:     30 * time.Millisecond,
		NoMessageBackoff:      5 * time.Millisecond,
	})
	p.Start(context.Background())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all messages")
	}

	require.Eventually(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess.closed
	}, time.Second, 10*time.Millisecond)

	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3, 4}, seen)
}

func TestSessionPump_RespectsSessionSlotBound(t *testing.T) {
	p := New(&oneShotAcceptor{sess: &fakeSession{id: "x"}}, func(ctx context.Context, s Session, m message.Message) error {
		return nil
	}, Options{MaxConcurrentSessions: 3})
	assert.Equal(t, 3, p.opts.MaxConcurrentSessions)
	assert.LessOrEqual(t, p.opts.MaxConcurrentAcceptSessionCalls, 3)
}

func TestSessionPump_SlowCallbackStopsSessionLockRenewal(t *testing.T) {
	sess := &fakeSession{id: "A", queue: []message.Message{newSessionMsg(1)}}
	acceptor := &oneShotAcceptor{sess: sess}

	var calls int32
	handler := func(ctx context.Context, s Session, msg message.Message) error {
		if msg.SequenceNumber() == 1 {
			time.Sleep(150 * time.Millisecond)
		}
		atomic.AddInt32(&calls, 1)
		return nil
	}

	p := New(acceptor, handler, Options{
		MaxConcurrentSessions: 1,
		AutoRenewSessionLock:  true,
		MaxAutoRenewDuration:  50 * time.Millisecond,
		MessageWaitTimeout:    20 * time.Millisecond,
		AcceptWaitTimeout:     20 * time.Millisecond,
		NoMessageBackoff:      5 * time.Millisecond,
	})
	p.Start(context.Background())

	// Keep the session's queue non-empty so its message loop (and
	// therefore the session-lock renewer) stays alive past the renew
	// loop's minimum 1s tick, long enough to observe whether a renewal
	// attempt sneaks in after the slow first callback should have
	// permanently cancelled the renew context.
	stopFeed := make(chan struct{})
	go func() {
		seq := int64(2)
		for {
			select {
			case <-stopFeed:
				return
			case <-time.After(10 * time.Millisecond):
				sess.mu.Lock()
				sess.queue = append(sess.queue, newSessionMsg(seq))
				sess.mu.Unlock()
				seq++
			}
		}
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(1300 * time.Millisecond)
	close(stopFeed)
	p.Stop()

	assert.Equal(t, int32(0), atomic.LoadInt32(&sess.renewCalls),
		"session-lock renewal must stop once a single callback exceeds max_auto_renew_duration")
}
