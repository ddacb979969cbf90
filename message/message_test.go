package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Azure/go-sbcore/errorkind"
)

func TestIsReceivedInvariant(t *testing.T) {
	m := New([]byte("hi"))
	assert.False(t, m.IsReceived())
	assert.EqualValues(t, -1, m.SequenceNumber())

	_, err := m.DeliveryCount()
	assert.True(t, errorkind.Is(err, errorkind.InvalidOperation))

	m.AttachSystemProperties(SystemProperties{SequenceNumber: 42, DeliveryCount: 1})
	assert.True(t, m.IsReceived())
	assert.EqualValues(t, 42, m.SequenceNumber())

	dc, err := m.DeliveryCount()
	assert.NoError(t, err)
	assert.EqualValues(t, 1, dc)
}

func TestSetMessageID_EmptyVsUnset(t *testing.T) {
	m := New(nil)
	assert.Error(t, m.SetMessageID(""))
	assert.NoError(t, m.SetMessageID("order-123"))
	assert.Equal(t, "order-123", m.MessageID)
}

func TestClone_StripsSystemProperties(t *testing.T) {
	m := New([]byte("payload"))
	require := assert.New(t)
	require.NoError(m.SetMessageID("abc"))
	require.NoError(m.SetUserProperty("k", "v"))
	m.AttachSystemProperties(SystemProperties{SequenceNumber: 7, LockToken: NewLockToken()})

	clone := m.Clone()
	assert.False(t, clone.IsReceived())
	assert.EqualValues(t, -1, clone.SequenceNumber())
	assert.Equal(t, m.MessageID, clone.MessageID)
	v, ok := clone.UserProperty("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, m.Body, clone.Body)
}

func TestSetUserProperty_RejectsUnsupportedType(t *testing.T) {
	m := New(nil)
	err := m.SetUserProperty("bad", struct{}{})
	assert.True(t, errorkind.Is(err, errorkind.ArgumentInvalid))
}

func TestEffectiveTTL(t *testing.T) {
	m := New(nil)
	m.TimeToLive = 0
	assert.Equal(t, time.Hour, m.EffectiveTTL(time.Hour))

	m.TimeToLive = 30 * time.Minute
	assert.Equal(t, 30*time.Minute, m.EffectiveTTL(time.Hour))

	m.TimeToLive = 2 * time.Hour
	assert.Equal(t, time.Hour, m.EffectiveTTL(time.Hour))
}
