package gopreflightcache

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a CapabilityError.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindMethodNotAllowed
	KindOriginBlocked
	KindNegotiationFailed
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case KindOriginBlocked:
		return "ORIGIN_BLOCKED"
	case KindNegotiationFailed:
		return "PREFLIGHT_FAILED"
	case KindRateLimited:
		return "RATE_LIMITED"
	default:
		return "UNKNOWN"
	}
}

// Sentinels matched by errors.Is against any CapabilityError of the same kind.
var (
	ErrMethodNotAllowed  = errors.New("method not allowed")
	ErrOriginBlocked     = errors.New("origin blocked")
	ErrNegotiationFailed = errors.New("preflight request failed")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnknown           = errors.New("request rejected")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindMethodNotAllowed:
		return ErrMethodNotAllowed
	case KindOriginBlocked:
		return ErrOriginBlocked
	case KindNegotiationFailed:
		return ErrNegotiationFailed
	case KindRateLimited:
		return ErrRateLimited
	default:
		return ErrUnknown
	}
}

// CapabilityError is a policy rejection or a broken negotiation. The Kind is
// set where the failure is detected and is never derived from the message.
type CapabilityError struct {
	Kind     ErrorKind
	Method   string
	Origin   string
	Resource string

	// Attempt is the 1-indexed attempt that produced the error; zero when
	// the error did not come from the retry loop.
	Attempt int

	// Message is the rejection text reported by the endpoint, if any.
	Message string

	// Err is the underlying cause, such as a transport error.
	Err error
}

func (e *CapabilityError) Error() string {
	msg := fmt.Sprintf("preflight: %s %s", e.Method, e.Resource)
	if e.Origin != "" {
		msg += " from " + e.Origin
	}
	msg += ": " + e.Kind.sentinel().Error()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CapabilityError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

func newCapabilityError(kind ErrorKind, method, origin, resource string) *CapabilityError {
	return &CapabilityError{
		Kind:     kind,
		Method:   method,
		Origin:   origin,
		Resource: resource,
	}
}

// ErrInvalidRequest reports a request that could not be built locally, such
// as a malformed method token or resource URL. It is returned without
// retrying because no endpoint was contacted.
var ErrInvalidRequest = errors.New("preflight: invalid request")

// KindOf returns the kind of the first CapabilityError in err's tree, or
// KindUnknown when there is none.
func KindOf(err error) ErrorKind {
	var ce *CapabilityError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// ConfigError reports an invalid Config field. New returns every problem
// found, joined with errors.Join.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("preflight: invalid config field %s: %s", e.Field, e.Reason)
}
