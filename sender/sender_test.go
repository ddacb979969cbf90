package sender

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure/go-sbcore/amqplink"
	"github.com/Azure/go-sbcore/errorkind"
	"github.com/Azure/go-sbcore/message"
	"github.com/Azure/go-sbcore/retry"
)

type fakeSenderLink struct {
	sent    [][]amqplink.WireMessage
	maxSize uint64
	closed  bool
}

func (f *fakeSenderLink) Send(ctx context.Context, msgs []amqplink.WireMessage) error {
	f.sent = append(f.sent, msgs)
	return nil
}
func (f *fakeSenderLink) MaxMessageSize() uint64 { return f.maxSize }
func (f *fakeSenderLink) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

type fakeRPC struct {
	lastOp amqplink.ManagementOperation
}

func (f *fakeRPC) Call(ctx context.Context, op amqplink.ManagementOperation, body map[string]interface{}) (amqplink.StatusCode, map[string]interface{}, error) {
	f.lastOp = op
	if op == amqplink.OpScheduleMessage {
		return amqplink.StatusOK, map[string]interface{}{"sequence-numbers": []int64{42}}, nil
	}
	return amqplink.StatusOK, map[string]interface{}{}, nil
}
func (f *fakeRPC) Close(ctx context.Context) error { return nil }

func TestSend_RejectsReceivedMessageWithLockToken(t *testing.T) {
	link := &fakeSenderLink{}
	s := New("orders", link, &fakeRPC{}, retry.NewServerBusyGate())

	m := message.New([]byte("x"))
	m.AttachSystemProperties(message.SystemProperties{LockToken: message.NewLockToken()})

	err := s.Send(context.Background(), m)
	assert.Error(t, err)
	assert.Empty(t, link.sent)
}

func TestSend_AllowsClonedMessage(t *testing.T) {
	link := &fakeSenderLink{}
	s := New("orders", link, &fakeRPC{}, retry.NewServerBusyGate())

	m := message.New([]byte("x"))
	m.AttachSystemProperties(message.SystemProperties{LockToken: message.NewLockToken()})

	err := s.Send(context.Background(), m.Clone())
	require.NoError(t, err)
	assert.Len(t, link.sent, 1)
}

func TestSend_RejectsOversizedBatch(t *testing.T) {
	link := &fakeSenderLink{maxSize: 4}
	s := New("orders", link, &fakeRPC{}, retry.NewServerBusyGate())

	err := s.Send(context.Background(), message.New([]byte("toolong")))
	assert.Error(t, err)
}

func TestSend_RejectsEmptyBatch(t *testing.T) {
	link := &fakeSenderLink{}
	s := New("orders", link, &fakeRPC{}, retry.NewServerBusyGate())

	err := s.Send(context.Background())
	require.Error(t, err)
	kindErr, ok := errorkind.As(err)
	require.True(t, ok)
	assert.Equal(t, errorkind.ArgumentInvalid, kindErr.Kind)
	assert.Empty(t, link.sent)
}

func TestSchedule_ReturnsSequenceNumber(t *testing.T) {
	link := &fakeSenderLink{}
	rpc := &fakeRPC{}
	s := New("orders", link, rpc, retry.NewServerBusyGate())

	seq, err := s.Schedule(context.Background(), message.New([]byte("x")), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)
}

func TestCancelSchedule_CallsManagementOp(t *testing.T) {
	link := &fakeSenderLink{}
	rpc := &fakeRPC{}
	s := New("orders", link, rpc, retry.NewServerBusyGate())

	require.NoError(t, s.CancelSchedule(context.Background(), 42))
	assert.Equal(t, amqplink.OpCancelScheduledMessage, rpc.lastOp)
}
