package receiver

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure/go-sbcore/amqplink"
	"github.com/Azure/go-sbcore/errorkind"
	"github.com/Azure/go-sbcore/retry"
)

type fakeLink struct {
	mu      sync.Mutex
	queue   []amqplink.WireMessage
	settled []amqplink.Disposition
	credit  uint32
	closed  bool
	failErr error
}

func (f *fakeLink) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

func (f *fakeLink) push(wm amqplink.WireMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, wm)
}

func (f *fakeLink) Receive(ctx context.Context) (amqplink.WireMessage, error) {
	for {
		f.mu.Lock()
		if len(f.queue) > 0 {
			wm := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()
			return wm, nil
		}
		if f.failErr != nil {
			err := f.failErr
			f.mu.Unlock()
			return amqplink.WireMessage{}, err
		}
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return amqplink.WireMessage{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *fakeLink) IssueCredit(credit uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credit += credit
	return nil
}

func (f *fakeLink) Settle(ctx context.Context, tag []byte, disposition amqplink.Disposition, reason, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, disposition)
	return nil
}

func (f *fakeLink) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeRPC struct{}

func (fakeRPC) Call(ctx context.Context, op amqplink.ManagementOperation, body map[string]interface{}) (amqplink.StatusCode, map[string]interface{}, error) {
	return amqplink.StatusOK, map[string]interface{}{}, nil
}
func (fakeRPC) Close(ctx context.Context) error { return nil }

func TestReceive_BuffersUntilCountOrTimeout(t *testing.T) {
	link := &fakeLink{}
	r, err := New(context.Background(), "orders", PeekLock, link, fakeRPC{}, retry.NewServerBusyGate(), WithPrefetchCount(4))
	require.NoError(t, err)
	defer r.Close(context.Background())

	link.push(amqplink.WireMessage{Body: []byte("a")})
	link.push(amqplink.WireMessage{Body: []byte("b")})

	msgs, err := r.Receive(context.Background(), 2, time.Second)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsReceived())
}

func TestReceive_ReturnsPartialOnTimeout(t *testing.T) {
	link := &fakeLink{}
	r, err := New(context.Background(), "orders", PeekLock, link, fakeRPC{}, retry.NewServerBusyGate(), WithPrefetchCount(4))
	require.NoError(t, err)
	defer r.Close(context.Background())

	link.push(amqplink.WireMessage{Body: []byte("a")})

	msgs, err := r.Receive(context.Background(), 5, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestComplete_RejectedInReceiveAndDeleteMode(t *testing.T) {
	link := &fakeLink{}
	r, err := New(context.Background(), "orders", ReceiveAndDelete, link, fakeRPC{}, retry.NewServerBusyGate())
	require.NoError(t, err)
	defer r.Close(context.Background())

	err = r.Complete(context.Background(), [16]byte{})
	assert.Error(t, err)
}

func TestComplete_SettlesOnLink(t *testing.T) {
	link := &fakeLink{}
	r, err := New(context.Background(), "orders", PeekLock, link, fakeRPC{}, retry.NewServerBusyGate())
	require.NoError(t, err)
	defer r.Close(context.Background())

	err = r.Complete(context.Background(), [16]byte{1})
	require.NoError(t, err)
	assert.Equal(t, []amqplink.Disposition{amqplink.DispositionComplete}, link.settled)
}

func TestBindHandler_RejectsSecondBind(t *testing.T) {
	link := &fakeLink{}
	r, err := New(context.Background(), "orders", PeekLock, link, fakeRPC{}, retry.NewServerBusyGate())
	require.NoError(t, err)
	defer r.Close(context.Background())

	assert.NoError(t, r.BindHandler())
	assert.Error(t, r.BindHandler())
}

func TestClose_StopsWireLoop(t *testing.T) {
	link := &fakeLink{}
	r, err := New(context.Background(), "orders", PeekLock, link, fakeRPC{}, retry.NewServerBusyGate())
	require.NoError(t, err)

	require.NoError(t, r.Close(context.Background()))
	assert.True(t, link.closed)
	assert.Equal(t, amqplink.StateClosed, r.State())
}

func TestReceive_ReturnsCachedFaultErrorConsistently(t *testing.T) {
	link := &fakeLink{}
	r, err := New(context.Background(), "orders", PeekLock, link, fakeRPC{}, retry.NewServerBusyGate())
	require.NoError(t, err)
	defer r.Close(context.Background())

	link.setFail(errorkind.New(errorkind.Internal, "link dropped"))

	_, err1 := r.Receive(context.Background(), 1, 200*time.Millisecond)
	require.Error(t, err1)
	assert.Equal(t, amqplink.StateFaulted, r.State())

	_, err2 := r.Receive(context.Background(), 1, 50*time.Millisecond)
	require.Error(t, err2)
	assert.Equal(t, err1.Error(), err2.Error())
}

func TestReceive_RecoversOnceViaReopener(t *testing.T) {
	link := &fakeLink{}
	replacement := &fakeLink{}
	replacement.push(amqplink.WireMessage{Body: []byte("recovered")})

	var reopened int32
	r, err := New(context.Background(), "orders", PeekLock, link, fakeRPC{}, retry.NewServerBusyGate(),
		WithReopener(func(ctx context.Context) (amqplink.ReceiverLink, error) {
			atomic.AddInt32(&reopened, 1)
			return replacement, nil
		}))
	require.NoError(t, err)
	defer r.Close(context.Background())

	link.setFail(errorkind.New(errorkind.Internal, "transient drop"))

	msgs, err := r.Receive(context.Background(), 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "recovered", string(msgs[0].Body))
	assert.Equal(t, int32(1), atomic.LoadInt32(&reopened))
	assert.True(t, link.closed)

	// A second fault after the one-shot recovery is reported, not retried again.
	replacement.setFail(errorkind.New(errorkind.Internal, "second drop"))
	_, err = r.Receive(context.Background(), 1, 200*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&reopened))
}
