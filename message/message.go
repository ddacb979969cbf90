// Package message implements the data model from spec §3: the
// Message type, its user-property bag, and the system-properties block
// that only exists once a message has been received.
package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Azure/go-sbcore/errorkind"
)

const maxIdentifierLen = 128

// LockToken is the opaque 16-byte identifier scoped to the receiver
// link that produced it (spec §3).
type LockToken [16]byte

// String renders the token as hyphenless hex, matching the textual form
// most broker management tools print lock tokens in.
func (t LockToken) String() string {
	return fmt.Sprintf("%x", [16]byte(t))
}

// NewLockToken generates a random lock token backed by a UUIDv4.
// Tests call this to fake broker-issued tokens; the receiver copies the
// token off the wire delivery tag instead.
func NewLockToken() LockToken {
	return LockToken(uuid.New())
}

// PropertyValue is the closed set of user-property value types spec §3
// allows: string, int64, int32, float64, bool, or time.Time.
type PropertyValue = interface{}

// SystemProperties holds the broker-owned fields that exist only once
// a message has been received (spec §3's is_received invariant). A nil
// *SystemProperties on a Message means "not received".
type SystemProperties struct {
	SequenceNumber          int64
	EnqueuedSequenceNumber  int64
	EnqueuedTime            time.Time
	LockedUntil             time.Time
	LockToken               LockToken
	DeliveryCount           int32
	DeadLetterSource        string
}

// Message is the unit the core sends and receives: an opaque payload, a
// user-property bag, and system properties that are present iff the
// message has been received.
type Message struct {
	Body []byte

	MessageID            string
	SessionID             *string
	PartitionKey          string
	CorrelationID         string
	ReplyTo               string
	ReplyToSessionID      string
	To                    string
	Label                 string
	ContentType           string
	TimeToLive            time.Duration
	ScheduledEnqueueTime  time.Time

	properties map[string]PropertyValue

	system *SystemProperties
}

// New creates an unreceived message with the given payload.
func New(body []byte) *Message {
	return &Message{Body: body, properties: map[string]PropertyValue{}}
}

// SetMessageID validates and sets the message id. Per spec §9, nil/unset
// is allowed (the broker assigns a generated id); an explicitly empty
// string is not.
func (m *Message) SetMessageID(id string) error {
	if id == "" {
		return errorkind.New(errorkind.ArgumentInvalid, "message_id must not be empty; leave unset to let the broker assign one")
	}
	if len(id) > maxIdentifierLen {
		return errorkind.Newf(errorkind.ArgumentInvalid, "message_id exceeds %d characters", maxIdentifierLen)
	}
	m.MessageID = id
	return nil
}

// SetSessionID validates and sets the session id.
func (m *Message) SetSessionID(id string) error {
	if id == "" {
		return errorkind.New(errorkind.ArgumentInvalid, "session_id must not be empty")
	}
	if len(id) > maxIdentifierLen {
		return errorkind.Newf(errorkind.ArgumentInvalid, "session_id exceeds %d characters", maxIdentifierLen)
	}
	m.SessionID = &id
	return nil
}

// SetUserProperty validates the value's type against the allowed set
// and stores it.
func (m *Message) SetUserProperty(key string, value PropertyValue) error {
	switch value.(type) {
	case string, int64, int32, float64, bool, time.Time:
	default:
		return errorkind.Newf(errorkind.ArgumentInvalid, "unsupported user property type %T for key %q", value, key)
	}
	if m.properties == nil {
		m.properties = map[string]PropertyValue{}
	}
	m.properties[key] = value
	return nil
}

// UserProperty returns the value stored under key, if any.
func (m *Message) UserProperty(key string) (PropertyValue, bool) {
	v, ok := m.properties[key]
	return v, ok
}

// UserProperties returns a copy of the full property bag.
func (m *Message) UserProperties() map[string]PropertyValue {
	out := make(map[string]PropertyValue, len(m.properties))
	for k, v := range m.properties {
		out[k] = v
	}
	return out
}

// IsReceived reports whether this message has ever been delivered by
// the broker; spec §3's invariant is is_received ⇔ sequence_number ≥ 0,
// realized here as "system properties have been attached".
func (m *Message) IsReceived() bool {
	return m.system != nil
}

// AttachSystemProperties marks the message as received and records the
// broker-owned fields. Called by the receiver when translating a wire
// delivery into a Message; user code should not normally call this.
func (m *Message) AttachSystemProperties(sp SystemProperties) {
	cp := sp
	m.system = &cp
}

func (m *Message) requireReceived(field string) (*SystemProperties, error) {
	if m.system == nil {
		return nil, errorkind.Newf(errorkind.InvalidOperation, "%s is only available on a received message", field)
	}
	return m.system, nil
}

// SequenceNumber returns the broker-assigned sequence number, or -1 for
// an unreceived message (spec §3: "sequence_number -1 if not yet
// received"). Unlike the accessors below it never errors; those fail on
// an unreceived message because their fields have no sensible
// not-yet-received value.
func (m *Message) SequenceNumber() int64 {
	if m.system == nil {
		return -1
	}
	return m.system.SequenceNumber
}

// DeliveryCount returns the delivery count, failing on an unreceived message.
func (m *Message) DeliveryCount() (int32, error) {
	sp, err := m.requireReceived("delivery_count")
	if err != nil {
		return 0, err
	}
	return sp.DeliveryCount, nil
}

// LockedUntil returns the current lock expiry, failing on an unreceived message.
func (m *Message) LockedUntil() (time.Time, error) {
	sp, err := m.requireReceived("locked_until")
	if err != nil {
		return time.Time{}, err
	}
	return sp.LockedUntil, nil
}

// LockToken returns the settlement lock token, failing on an unreceived
// message. A message received in receive-and-delete mode has no token
// attached and returns the zero LockToken with a nil error.
func (m *Message) LockToken() (LockToken, error) {
	sp, err := m.requireReceived("lock_token")
	if err != nil {
		return LockToken{}, err
	}
	return sp.LockToken, nil
}

// DeadLetterSource returns the originating entity path if this message
// arrived via a dead-letter sub-queue.
func (m *Message) DeadLetterSource() (string, error) {
	sp, err := m.requireReceived("dead_letter_source")
	if err != nil {
		return "", err
	}
	return sp.DeadLetterSource, nil
}

// SetLockedUntil pushes the peek-lock expiry forward after a successful
// renew-lock round-trip. Package pump calls this in production after
// RenewLock returns; tests that construct Messages directly (without a
// receiver) use it the same way to simulate a renewal.
func (m *Message) SetLockedUntil(t time.Time) {
	if m.system != nil {
		m.system.LockedUntil = t
	}
}

// Clone produces a copy of m with identical public fields and system
// properties in the "not received" state, per spec §3/§8 — used before
// resending a previously-received message, since a lock token can never
// be resent.
func (m *Message) Clone() *Message {
	cp := &Message{
		Body:                 append([]byte(nil), m.Body...),
		MessageID:            m.MessageID,
		PartitionKey:         m.PartitionKey,
		CorrelationID:        m.CorrelationID,
		ReplyTo:              m.ReplyTo,
		ReplyToSessionID:     m.ReplyToSessionID,
		To:                   m.To,
		Label:                m.Label,
		ContentType:          m.ContentType,
		TimeToLive:           m.TimeToLive,
		ScheduledEnqueueTime: m.ScheduledEnqueueTime,
		properties:           m.UserProperties(),
	}
	if m.SessionID != nil {
		id := *m.SessionID
		cp.SessionID = &id
	}
	return cp
}

// EffectiveTTL computes min(message_ttl, entityTTL) per spec §3. A zero
// message TTL means "use the entity default".
func (m *Message) EffectiveTTL(entityTTL time.Duration) time.Duration {
	if m.TimeToLive <= 0 {
		return entityTTL
	}
	if m.TimeToLive < entityTTL {
		return m.TimeToLive
	}
	return entityTTL
}
