package gopreflightcache

import (
	"context"
	"net/http"
)

// PreflightRequest asks an endpoint whether Origin may use Method on Resource.
type PreflightRequest struct {
	Method   string
	Origin   string
	Resource string
}

// PreflightResult is the endpoint's answer to a PreflightRequest.
type PreflightResult struct {
	Success        bool
	AllowedMethods []string
	MaxAge         int // seconds

	// OriginBlocked distinguishes an outright origin rejection from other
	// unsuccessful negotiations. Only meaningful when Success is false.
	OriginBlocked bool
}

// Request is a single actual (non-preflight) call.
type Request struct {
	Method   string
	Origin   string
	Resource string
	Body     string

	// Header is sent with the call. Origin is always replaced.
	Header http.Header
}

// Response is returned to callers of SendRequest.
type Response struct {
	StatusCode int
	Body       string

	// Header is set by endpoints that have response headers.
	Header http.Header
}

// Rejection is a capability rejection reported by the request endpoint.
type Rejection struct {
	Kind    ErrorKind
	Message string
}

// ExecuteResult is the endpoint's answer to a Request. A nil Rejection means
// the call succeeded.
type ExecuteResult struct {
	Response  Response
	Rejection *Rejection
}

// Negotiator performs capability negotiation round-trips. A returned error
// is a transport failure, not a policy answer, unless it wraps
// ErrInvalidRequest.
type Negotiator interface {
	Negotiate(ctx context.Context, req PreflightRequest) (*PreflightResult, error)
}

// Executor performs actual requests. A returned error is a transport
// failure, or wraps ErrInvalidRequest when the request could not be built;
// policy rejections are reported through ExecuteResult.Rejection.
type Executor interface {
	Execute(ctx context.Context, req Request) (*ExecuteResult, error)
}

// Endpoint is the remote side of the protocol.
type Endpoint interface {
	Negotiator
	Executor
}
