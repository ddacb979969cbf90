// Package sender implements component D (spec §4.3): send, scheduled
// delivery, and schedule cancellation over one send link and one
// request/response link. Grounded on the pack's go-amqp Sender: a
// client-side max-message-size check before handing the payload to the
// link (here amqplink.SenderLink.MaxMessageSize), and blocking send
// semantics bounded by ctx.
package sender

import (
	"context"
	"time"

	"github.com/Azure/go-sbcore/amqplink"
	"github.com/Azure/go-sbcore/errorkind"
	"github.com/Azure/go-sbcore/message"
	"github.com/Azure/go-sbcore/metrics"
	"github.com/Azure/go-sbcore/plugin"
	"github.com/Azure/go-sbcore/retry"
)

// Option configures a Sender at construction time.
type Option func(*Sender)

// WithPipeline attaches the before-send plugin pipeline.
func WithPipeline(pl *plugin.Pipeline) Option {
	return func(s *Sender) { s.pipeline = pl }
}

// WithRetryPolicy overrides the default retry.Exponential policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Sender) { s.policy = p }
}

// Sender is bound to one entity path, per spec §4.3.
type Sender struct {
	entityPath string
	link       amqplink.SenderLink
	rpc        amqplink.RPCLink
	gate       *retry.ServerBusyGate
	policy     retry.Policy
	pipeline   *plugin.Pipeline
}

// New binds a Sender to the given send and management links.
func New(entityPath string, link amqplink.SenderLink, rpc amqplink.RPCLink, gate *retry.ServerBusyGate, opts ...Option) *Sender {
	s := &Sender{
		entityPath: entityPath,
		link:       link,
		rpc:        rpc,
		gate:       gate,
		policy:     retry.NewExponential(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send transmits msgs as one batch. Fails with argument_invalid if the
// batch is empty or any message is a received one (it carries system
// properties such as a lock token and must be Clone()d before
// resending), and with message_size_exceeded if the encoded batch would
// exceed the link's negotiated maximum message size.
func (s *Sender) Send(ctx context.Context, msgs ...*message.Message) error {
	if len(msgs) == 0 {
		return errorkind.New(errorkind.ArgumentInvalid, "Send requires at least one message")
	}
	wire := make([]amqplink.WireMessage, 0, len(msgs))
	var total uint64
	for _, m := range msgs {
		if m.IsReceived() {
			return errorkind.New(errorkind.ArgumentInvalid, "cannot resend a received message; Clone() it first")
		}
		out := m
		if s.pipeline != nil {
			next, err := s.pipeline.RunBeforeSend(out)
			if err != nil {
				return err
			}
			out = next
		}
		wm := messageToWire(out)
		total += uint64(len(wm.Body))
		wire = append(wire, wm)
	}
	if max := s.link.MaxMessageSize(); max > 0 && total > max {
		return errorkind.Newf(errorkind.MessageSizeExceeded, "encoded batch size %d exceeds link maximum %d", total, max)
	}

	if err := retry.Run(ctx, s.gate, s.policy, 60*time.Second, func(ctx context.Context) error {
		return s.link.Send(ctx, wire)
	}); err != nil {
		metrics.ExceptionsTotal.WithLabelValues(s.entityPath, "SEND").Inc()
		return err
	}
	metrics.SettlementsTotal.WithLabelValues(s.entityPath, "send").Inc()
	return nil
}

func messageToWire(m *message.Message) amqplink.WireMessage {
	props := m.UserProperties()
	return amqplink.WireMessage{
		Body:             m.Body,
		ApplicationProps: props,
	}
}

// Schedule enqueues msg for delivery at when and returns the
// broker-assigned sequence number, required for cancellation.
func (s *Sender) Schedule(ctx context.Context, msg *message.Message, when time.Time) (int64, error) {
	var seq int64
	err := retry.Run(ctx, s.gate, s.policy, 60*time.Second, func(ctx context.Context) error {
		wm := messageToWire(msg)
		status, resp, err := s.rpc.Call(ctx, amqplink.OpScheduleMessage, map[string]interface{}{
			"message":         wm,
			"enqueue-time":    when,
		})
		if err != nil {
			return err
		}
		if err := statusToError(status, "schedule"); err != nil {
			return err
		}
		if v, ok := resp["sequence-numbers"].([]int64); ok && len(v) > 0 {
			seq = v[0]
		}
		return nil
	})
	return seq, err
}

// CancelSchedule cancels a previously scheduled message.
func (s *Sender) CancelSchedule(ctx context.Context, sequenceNumber int64) error {
	return retry.Run(ctx, s.gate, s.policy, 60*time.Second, func(ctx context.Context) error {
		status, _, err := s.rpc.Call(ctx, amqplink.OpCancelScheduledMessage, map[string]interface{}{
			"sequence-numbers": []int64{sequenceNumber},
		})
		if err != nil {
			return err
		}
		return statusToError(status, "cancel-schedule")
	})
}

// Close closes the underlying send link.
func (s *Sender) Close(ctx context.Context) error {
	return s.link.Close(ctx)
}

func statusToError(status amqplink.StatusCode, op string) error {
	switch status {
	case amqplink.StatusOK, amqplink.StatusNoContent:
		return nil
	case amqplink.StatusNotFound:
		return errorkind.Newf(errorkind.EntityNotFound, "%s: entity not found", op)
	case amqplink.StatusUnauthorized:
		return errorkind.Newf(errorkind.Unauthorized, "%s: unauthorized", op)
	case amqplink.StatusTooManyRequests:
		return errorkind.Newf(errorkind.ServerBusy, "%s: server busy", op)
	default:
		return errorkind.Newf(errorkind.Internal, "%s: unexpected status %d", op, status)
	}
}
