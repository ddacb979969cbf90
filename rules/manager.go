package rules

import (
	"context"
	"sync"

	"github.com/Azure/go-sbcore/amqplink"
	"github.com/Azure/go-sbcore/errorkind"
)

// Codec (de)serializes Rule values to/from the broker's described-list
// wire shape named in spec §6 (com.microsoft:<kind>:list, positional
// fields, properties/parameters map trailing). The wire codec itself is
// out of core; this interface is what a concrete codec implementation
// would satisfy, letting Manager stay transport-agnostic.
type Codec interface {
	Encode(Rule) (map[string]interface{}, error)
	Decode(map[string]interface{}) (Rule, error)
}

// Manager implements add_rule/remove_rule/get_rules over a
// subscription's RPCLink, maintaining the uniqueness-of-name invariant
// from spec §3 client-side before round-tripping to the broker.
type Manager struct {
	link  amqplink.RPCLink
	codec Codec

	mu    sync.Mutex
	names map[string]bool
}

// NewManager constructs a rule Manager bound to one subscription's
// management link.
func NewManager(link amqplink.RPCLink, codec Codec) *Manager {
	return &Manager{link: link, codec: codec, names: make(map[string]bool)}
}

// AddRule validates r, rejects a name already added through this
// Manager, and sends it to the broker. The uniqueness check is
// client-side and scoped to this Manager's lifetime — it catches a
// caller re-adding the same name locally before paying a round-trip,
// it does not replace the broker's own name-conflict rejection for
// rules added through a different Manager or client.
func (m *Manager) AddRule(ctx context.Context, r Rule) error {
	if err := Validate(r); err != nil {
		return err
	}
	m.mu.Lock()
	if m.names[r.Name] {
		m.mu.Unlock()
		return errorkind.Newf(errorkind.EntityAlreadyExists, "add-rule: rule %q already added", r.Name)
	}
	m.mu.Unlock()

	body, err := m.codec.Encode(r)
	if err != nil {
		return err
	}
	status, resp, err := m.link.Call(ctx, amqplink.OpAddRule, body)
	if err != nil {
		return err
	}
	if err := statusToError(status, resp, "add-rule"); err != nil {
		return err
	}
	m.mu.Lock()
	m.names[r.Name] = true
	m.mu.Unlock()
	return nil
}

// RemoveRule removes the named rule.
func (m *Manager) RemoveRule(ctx context.Context, name string) error {
	if name == "" {
		return errorkind.New(errorkind.ArgumentInvalid, "rule name must not be empty")
	}
	status, resp, err := m.link.Call(ctx, amqplink.OpRemoveRule, map[string]interface{}{"rule-name": name})
	if err != nil {
		return err
	}
	if err := statusToError(status, resp, "remove-rule"); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.names, name)
	m.mu.Unlock()
	return nil
}

// GetRules enumerates all rules currently registered on the subscription.
func (m *Manager) GetRules(ctx context.Context) ([]Rule, error) {
	status, resp, err := m.link.Call(ctx, amqplink.OpEnumerateRules, nil)
	if err != nil {
		return nil, err
	}
	if status == amqplink.StatusNoContent {
		return nil, nil
	}
	if err := statusToError(status, resp, "enumerate-rules"); err != nil {
		return nil, err
	}
	raw, _ := resp["rules"].([]map[string]interface{})
	rules := make([]Rule, 0, len(raw))
	for _, entry := range raw {
		r, err := m.codec.Decode(entry)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// statusToError maps a management-reply status to the error taxonomy
// per spec §4.2.
func statusToError(status amqplink.StatusCode, resp map[string]interface{}, op string) error {
	switch status {
	case amqplink.StatusOK, amqplink.StatusNoContent:
		return nil
	case amqplink.StatusNotFound:
		return errorkind.Newf(errorkind.EntityNotFound, "%s: rule not found", op)
	case amqplink.StatusUnauthorized:
		return errorkind.Newf(errorkind.Unauthorized, "%s: unauthorized", op)
	case amqplink.StatusGone:
		return errorkind.Newf(errorkind.SessionLockLost, "%s: lock lost", op)
	case amqplink.StatusTooManyRequests:
		msg := "server busy"
		if m, ok := resp["error-message"].(string); ok {
			msg = m
		}
		return errorkind.New(errorkind.ServerBusy, msg)
	default:
		return errorkind.Newf(errorkind.Internal, "%s: unexpected status %d", op, status)
	}
}
