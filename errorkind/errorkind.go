// Package errorkind provides the discriminated error taxonomy shared by
// every component of go-sbcore. It replaces the exception hierarchy of
// the source implementation with a single error type carrying a Kind and
// a Transient bit, so pumps and callers can branch on behavior instead
// of on concrete exception types.
package errorkind

import "fmt"

// Kind discriminates the category of a broker-client error.
type Kind int

const (
	// ArgumentInvalid covers null/empty/too-long/malformed arguments.
	ArgumentInvalid Kind = iota
	// InvalidOperation covers settlement in receive-and-delete mode,
	// double handler registration, and operations on a closed client.
	InvalidOperation
	// MessageLockLost means the lock token's lease has been reclaimed
	// by the broker; the token is dead and cannot be reused.
	MessageLockLost
	// SessionLockLost means the session lock has been reclaimed.
	SessionLockLost
	// EntityNotFound means the addressed queue/topic/subscription does not exist.
	EntityNotFound
	// EntityDisabled means the entity exists but is administratively disabled.
	EntityDisabled
	// EntityAlreadyExists is returned by management operations that create entities.
	EntityAlreadyExists
	// Unauthorized means the credential was rejected.
	Unauthorized
	// ServerBusy is the broker throttling signal; it is transient and
	// trips the shared server-busy gate (see package retry).
	ServerBusy
	// ServiceTimeout means an operation did not complete within its wait time.
	ServiceTimeout
	// MessageSizeExceeded means the encoded batch exceeds the link's
	// negotiated maximum message size.
	MessageSizeExceeded
	// QuotaExceeded means a namespace- or entity-level quota was hit.
	QuotaExceeded
	// Internal is a generic transient failure from a management reply.
	Internal
)

func (k Kind) String() string {
	switch k {
	case ArgumentInvalid:
		return "argument_invalid"
	case InvalidOperation:
		return "invalid_operation"
	case MessageLockLost:
		return "message_lock_lost"
	case SessionLockLost:
		return "session_lock_lost"
	case EntityNotFound:
		return "entity_not_found"
	case EntityDisabled:
		return "entity_disabled"
	case EntityAlreadyExists:
		return "entity_already_exists"
	case Unauthorized:
		return "unauthorized_access"
	case ServerBusy:
		return "server_busy"
	case ServiceTimeout:
		return "service_timeout"
	case MessageSizeExceeded:
		return "message_size_exceeded"
	case QuotaExceeded:
		return "quota_exceeded"
	case Internal:
		return "internal_error"
	default:
		return "unknown"
	}
}

// defaultTransient records which kinds are transient by default, per spec §7.
var defaultTransient = map[Kind]bool{
	ServerBusy:     true,
	ServiceTimeout: true,
	Internal:       true,
}

// Error is the concrete error type returned by every go-sbcore component.
type Error struct {
	Kind      Kind
	Transient bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind with the kind's default
// transience.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Transient: defaultTransient[kind], Message: message}
}

// Newf is New with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an Error of the given kind that wraps cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Transient: defaultTransient[kind], Message: message, Err: cause}
}

// WithTransient returns a copy of e with Transient overridden, for
// callers that need to deviate from a kind's default transience. No
// package in this module calls it; the sender's message_size_exceeded
// is fatal through the default table.
func (e *Error) WithTransient(t bool) *Error {
	cp := *e
	cp.Transient = t
	return &cp
}

// IsTransient reports whether err is a transient *Error. A nil error or
// any error that is not a *errorkind.Error is treated as non-transient.
func IsTransient(err error) bool {
	var e *Error
	if as(err, &e) {
		return e.Transient
	}
	return false
}

// KindOf extracts the Kind from err, returning ok=false if err is not a
// *errorkind.Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if as(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// As extracts the *Error from err, if any, walking Unwrap chains.
func As(err error) (*Error, bool) {
	var e *Error
	ok := as(err, &e)
	return e, ok
}

// as is a tiny local stand-in for errors.As with a *Error target: it
// walks single-error Unwrap chains without importing package errors.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
