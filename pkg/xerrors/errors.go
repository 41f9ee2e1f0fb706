// Package xerrors defines the tagged error kinds surfaced across the
// transport, mirroring the closed set the teacher protocol expressed as
// ad hoc sentinel values (ErrUnsupportedProtocol, ErrCommandUnknown).
package xerrors

import "fmt"

// Kind is a closed set of transport error categories.
type Kind string

const (
	// Codec and validation.
	OutOfLimit    Kind = "out_of_limit"
	InvalidFormat Kind = "invalid_format"
	InvalidParam  Kind = "invalid_param"
	MissingData   Kind = "missing_data"

	// Waits.
	Timeout Kind = "timeout"

	// Path availability.
	Unactived    Kind = "unactived"
	NoAvailable  Kind = "no_available"
	TunnelClosed Kind = "tunnel_closed"

	// Policy.
	Unmatch Kind = "unmatch"
	Refuse  Kind = "refuse"

	// Benign.
	AlreadyExist Kind = "already_exist"
	Ignore       Kind = "ignore"

	// Protocol bootstrap.
	ProtocolNeedExchange Kind = "protocol_need_exchange"

	// Last resort.
	Fatal   Kind = "fatal"
	Unknown Kind = "unknown"
)

// Error is the single error type returned across the transport's public
// surface. Callers branch on Kind() instead of matching strings.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{kind: kind, msg: msg, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Kind() Kind {
	return e.kind
}

// Is lets errors.Is match on another *Error with the same Kind, so a
// sentinel-like comparison (errors.Is(err, xerrors.New(xerrors.Timeout, ""))
// still behaves, without requiring message equality.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// KindOf extracts the Kind from any error, returning Unknown for errors
// that are not *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if as(err, &e) {
		return e.kind
	}
	return Unknown
}

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
