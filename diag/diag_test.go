package diag

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
)

func TestReport_NilSinkIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		Report(context.Background(), nil, Event{Action: ActionReceive})
	})
}

func TestReport_CallsSinkHandle(t *testing.T) {
	var got Event
	sink := SinkFunc(func(ctx context.Context, ev Event) error {
		got = ev
		return nil
	})
	Report(context.Background(), sink, Event{Action: ActionUserCallback, Err: errors.New("boom")})
	assert.Equal(t, ActionUserCallback, got.Action)
	assert.EqualError(t, got.Err, "boom")
}

func TestLogSink_HandlesWithoutError(t *testing.T) {
	var log logr.Logger = testr.New(t)
	sink := LogSink(log)
	err := sink.Handle(context.Background(), Event{Action: ActionRenewLock, Err: errors.New("lock lost"), EntityPath: "orders"})
	assert.NoError(t, err)
}
