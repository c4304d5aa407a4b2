package action

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kinds are stable strings and appear verbatim on the wire.
type Kind string

const (
	KindUnknownCapability    Kind = "UnknownCapability"
	KindDuplicateCapability  Kind = "DuplicateCapability"
	KindPolicyRejected       Kind = "PolicyRejected"
	KindNoBackendForTarget   Kind = "NoBackendForTarget"
	KindSandboxFault         Kind = "SandboxFault"
	KindRemoteUnavailable    Kind = "RemoteUnavailable"
	KindRemoteTimeout        Kind = "RemoteTimeout"
	KindRemoteProtocolError  Kind = "RemoteProtocolError"
	KindDeadlineExceeded     Kind = "DeadlineExceeded"
	KindCapabilityError      Kind = "CapabilityError"
	KindBadPayload           Kind = "BadPayload"
	KindDuplicateCorrelation Kind = "DuplicateCorrelation"
	KindOverloaded           Kind = "Overloaded"
)

// Dispatch reports whether errors of this kind are returned to the caller as a
// dispatch error instead of being carried inside a failed Result.
func (k Kind) Dispatch() bool {
	switch k {
	case KindUnknownCapability, KindDuplicateCapability, KindPolicyRejected,
		KindNoBackendForTarget, KindDuplicateCorrelation, KindOverloaded:
		return true
	default:
		return false
	}
}

// Error is the structured error carried by a failed Result and returned as the
// dispatch error of the broker.
type Error struct {
	Kind    Kind              `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

var (
	ErrUnknownCapability    = &Error{Kind: KindUnknownCapability}
	ErrDuplicateCapability  = &Error{Kind: KindDuplicateCapability}
	ErrPolicyRejected       = &Error{Kind: KindPolicyRejected}
	ErrNoBackendForTarget   = &Error{Kind: KindNoBackendForTarget}
	ErrSandboxFault         = &Error{Kind: KindSandboxFault}
	ErrRemoteUnavailable    = &Error{Kind: KindRemoteUnavailable}
	ErrRemoteTimeout        = &Error{Kind: KindRemoteTimeout}
	ErrRemoteProtocolError  = &Error{Kind: KindRemoteProtocolError}
	ErrDeadlineExceeded     = &Error{Kind: KindDeadlineExceeded}
	ErrCapabilityError      = &Error{Kind: KindCapabilityError}
	ErrBadPayload           = &Error{Kind: KindBadPayload}
	ErrDuplicateCorrelation = &Error{Kind: KindDuplicateCorrelation}
	ErrOverloaded           = &Error{Kind: KindOverloaded}
)

// Errorf creates an Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error with the same kind, so the package level sentinels can be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error) //nolint:errorlint
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithDetail returns a copy of the error with an extra detail entry.
func (e *Error) WithDetail(key, value string) *Error {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// KindOf extracts the kind of err. Errors that are not *Error report an empty kind.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
