// Package errkind defines the error taxonomy shared by every pipeline stage
// and upstream-facing component, so callers can branch on recoverability
// without string-matching error messages.
package errkind

import "fmt"

// Kind is one tag of the error taxonomy.
type Kind string

const (
	Validation         Kind = "validation"
	NotFound           Kind = "not_found"
	RateLimited        Kind = "rate_limited"
	Timeout            Kind = "timeout"
	ConnectionFailed   Kind = "connection_failed"
	ServerError        Kind = "server_error"
	ClientError        Kind = "client_error"
	ParseError         Kind = "parse_error"
	KillTooOld         Kind = "kill_too_old"
	MissingFields      Kind = "missing_required_fields"
	InvalidFieldTypes  Kind = "invalid_field_types"
	InvalidTimeFormat  Kind = "invalid_time_format"
	CircuitOpen        Kind = "circuit_open"
	QueueFull          Kind = "queue_full"
	EnrichmentPartial  Kind = "enrichment_partial"
	TaskExit           Kind = "task_exit"
	InvalidFormat      Kind = "invalid_format"
)

// Recoverable reports whether the caller should retry (possibly after
// backoff) or treat the error as final.
func (k Kind) Recoverable() bool {
	switch k {
	case RateLimited, Timeout, ConnectionFailed, ServerError, CircuitOpen, QueueFull:
		return true
	default:
		return false
	}
}

// Skip reports whether the error represents a deliberate skip (not a
// failure) — only kill_too_old carries this semantic per the pipeline spec.
func (k Kind) Skip() bool {
	return k == KillTooOld
}

// Error wraps a Kind with a causing error and optional context.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error for a given Kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error for a given Kind wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts the Kind from err if it (or something it wraps) is *Error.
func As(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
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
