package plugin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Azure/go-sbcore/message"
)

type stampPlugin struct {
	BasePlugin
	key, value string
}

func (s stampPlugin) BeforeSend(msg *message.Message) (*message.Message, error) {
	_ = msg.SetUserProperty(s.key, s.value)
	return msg, nil
}

type failingPlugin struct {
	BasePlugin
	propagate bool
}

func (f failingPlugin) BeforeSend(msg *message.Message) (*message.Message, error) {
	return nil, errors.New("boom")
}
func (f failingPlugin) PropagatesErrors() bool { return f.propagate }

func TestPipeline_RunsInRegistrationOrder(t *testing.T) {
	pl := NewPipeline()
	assert.NoError(t, pl.Register(stampPlugin{BasePlugin{"first"}, "order", "1"}))
	assert.NoError(t, pl.Register(stampPlugin{BasePlugin{"second"}, "order", "2"}))

	msg := message.New(nil)
	out, err := pl.RunBeforeSend(msg)
	assert.NoError(t, err)
	v, _ := out.UserProperty("order")
	assert.Equal(t, "2", v, "second plugin's stamp should win since it runs last")
}

func TestPipeline_RejectsDuplicateNames(t *testing.T) {
	pl := NewPipeline()
	assert.NoError(t, pl.Register(stampPlugin{BasePlugin{"dup"}, "k", "v"}))
	assert.Error(t, pl.Register(stampPlugin{BasePlugin{"dup"}, "k", "v"}))
}

func TestPipeline_PropagatingErrorAbortsSend(t *testing.T) {
	pl := NewPipeline()
	assert.NoError(t, pl.Register(failingPlugin{BasePlugin{"f"}, true}))

	_, err := pl.RunBeforeSend(message.New(nil))
	assert.Error(t, err)
}

func TestPipeline_NonPropagatingErrorIsSwallowed(t *testing.T) {
	pl := NewPipeline()
	assert.NoError(t, pl.Register(failingPlugin{BasePlugin{"f"}, false}))

	var reported string
	pl.OnSwallowedError = func(name string, err error) { reported = name }

	msg := message.New([]byte("payload"))
	out, err := pl.RunBeforeSend(msg)
	assert.NoError(t, err)
	assert.Equal(t, msg, out, "original message continues down the pipeline")
	assert.Equal(t, "f", reported)
}
