package dht

import "errors"

// ErrorKind classifies a failure per spec §7's error taxonomy.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindLookupFailed
	KindNotFound
	KindTimeout
	KindInvalidRecord
	KindInvalidPublicKey
	KindTransportError
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindLookupFailed:
		return "lookup-failed"
	case KindNotFound:
		return "not-found"
	case KindTimeout:
		return "timeout"
	case KindInvalidRecord:
		return "invalid-record"
	case KindInvalidPublicKey:
		return "invalid-public-key"
	case KindTransportError:
		return "transport-error"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a DHT operation failure tagged with its taxonomy kind, spec §7.
type Error struct {
	kind ErrorKind
	msg  string
	err  error
}

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{kind: kind, msg: msg, err: cause}
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind reports the error's taxonomy classification.
func (e *Error) Kind() ErrorKind { return e.kind }

// ErrLookupFailed is returned when the routing table is empty or has no
// usable seeds for a query.
var ErrLookupFailed = newError(KindLookupFailed, "dht: lookup failed, no seeds available", nil)

// ErrNotFound is returned when a query completed without locating the
// target peer, record, or provider.
var ErrNotFound = newError(KindNotFound, "dht: not found", nil)

// Kind returns the taxonomy classification of err if it (or something it
// wraps) is a *Error; otherwise KindUnknown.
func Kind(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}
