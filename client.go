package gopreflightcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Client sends requests to an Endpoint, negotiating capabilities first when
// the method requires it and retrying rejected attempts. Before every retry
// the resource's cache entry is invalidated so the next attempt negotiates
// again.
//
// Counters are owned by the Client and are diagnostics only; the retry
// loop never reads them.
type Client struct {
	gate     *NegotiationGate
	cache    Cache
	executor Executor
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	c Config

	totalRequests       atomic.Int64
	failedAttempts      atomic.Int64
	activeCalls         atomic.Int64
	throttledRequests   atomic.Int64
	concurrencyWarnings atomic.Int64

	mu          sync.Mutex
	timings     map[string]time.Duration
	windowStart time.Time
	windowCount int
}

// New creates a Client. opts is validated; nil opts is rejected because
// Config.Origin has no default. If 'now' is nil, time.Now is used. If
// 'logger' is nil, a no-op logger writing to io.Discard is used.
func New(
	cache Cache,
	endpoint Endpoint,
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
) (*Client, error) {
	if endpoint == nil {
		return nil, &ConfigError{Field: "endpoint", Reason: "must not be nil"}
	}
	if err := validate(cache, opts); err != nil {
		return nil, err
	}

	return newClient(cache, endpoint, *opts, now, logger), nil
}

func validate(cache Cache, opts *Config) error {
	if cache == nil {
		return &ConfigError{Field: "cache", Reason: "must not be nil"}
	}
	if opts == nil {
		return &ConfigError{Field: "Origin", Reason: "must not be empty"}
	}
	return opts.Validate()
}

func newClient(cache Cache, endpoint Endpoint, c Config, now func() time.Time, logger *slog.Logger) *Client {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = discardLogger()
	}

	sleep := c.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	gate := NewNegotiationGate(cache, endpoint, now, logger)
	gate.overrides = c.MaxAgeOverrides

	return &Client{
		gate:     gate,
		cache:    cache,
		executor: endpoint,
		logger:   logger,
		now:      now,
		sleep:    sleep,
		c:        c,
		timings:  make(map[string]time.Duration),
	}
}

// Origin returns the origin the client sends with every call.
func (cl *Client) Origin() string {
	return cl.c.Origin
}

// Gate exposes the client's negotiation gate.
func (cl *Client) Gate() *NegotiationGate {
	return cl.gate
}

// SendRequest sends method to resource with body, retrying up to
// Config.MaxAttempts times. Each attempt negotiates (if the method needs it
// and no cached entry answers) and then calls the endpoint. A success returns
// immediately. After a failed attempt that is not the last, the resource's
// cache entry is invalidated and the client waits BaseDelay*attempt.
//
// The error returned after the last attempt is the *CapabilityError of that
// attempt. Context cancellation during a wait aborts the loop with ctx.Err().
// A request that cannot be built, such as one with a malformed method token,
// fails with ErrInvalidRequest and is never retried.
func (cl *Client) SendRequest(ctx context.Context, method, resource, body string) (*Response, error) {
	return cl.send(ctx, method, resource, body, nil)
}

func (cl *Client) send(ctx context.Context, method, resource, body string, header http.Header) (*Response, error) {
	if !ValidMethod(method) {
		return nil, fmt.Errorf("%w: method %q", ErrInvalidRequest, method)
	}

	start := cl.now()
	cl.totalRequests.Add(1)

	logger := cl.logger.With("request_id", uuid.NewString())
	logger.DebugContext(ctx, "initiating request", "method", method, "resource", resource)

	cl.checkRateWindow(ctx, logger, start)

	active := cl.activeCalls.Add(1)
	if cl.c.MaxConcurrent > 0 && active > int64(cl.c.MaxConcurrent) {
		cl.concurrencyWarnings.Add(1)
		logger.WarnContext(ctx, "concurrent calls above advisory limit", "active", active, "max", cl.c.MaxConcurrent)
	}

	defer func() {
		cl.activeCalls.Add(-1)
		cl.mu.Lock()
		cl.timings[resource] = cl.now().Sub(start)
		cl.mu.Unlock()
	}()

	return cl.sendWithRetry(ctx, logger, Request{
		Method:   method,
		Origin:   cl.c.Origin,
		Resource: resource,
		Body:     body,
		Header:   header,
	})
}

func (cl *Client) sendWithRetry(ctx context.Context, logger *slog.Logger, req Request) (*Response, error) {
	var lastErr *CapabilityError
	resource := req.Resource

	for attempt := 1; attempt <= cl.c.MaxAttempts; attempt++ {
		res, err := cl.attempt(ctx, req)
		if err == nil {
			return res, nil
		}
		if !errors.As(err, &lastErr) {
			logger.DebugContext(ctx, "request could not be sent", "attempt", attempt, "error", err)
			return nil, err
		}

		lastErr.Attempt = attempt
		cl.failedAttempts.Add(1)

		if attempt == cl.c.MaxAttempts {
			break
		}

		delay := cl.c.BaseDelay * time.Duration(attempt)
		logger.DebugContext(ctx, "request failed, retrying",
			"attempt", attempt,
			"max_attempts", cl.c.MaxAttempts,
			"kind", lastErr.Kind.String(),
			"delay", delay)

		if err := cl.cache.Invalidate(ctx, resource); err != nil {
			logger.WarnContext(ctx, "error invalidating preflight cache", "resource", resource, "error", err)
		} else {
			logger.DebugContext(ctx, "preflight cache invalidated", "resource", resource)
		}

		if err := cl.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	logger.DebugContext(ctx, "retry attempts exhausted",
		"max_attempts", cl.c.MaxAttempts,
		"kind", lastErr.Kind.String())

	return nil, lastErr
}

// attempt runs one negotiation plus actual request. Errors are
// *CapabilityError values except for local faults wrapping ErrInvalidRequest.
func (cl *Client) attempt(ctx context.Context, req Request) (*Response, error) {
	method, origin, resource := req.Method, req.Origin, req.Resource

	if err := cl.gate.EnsureNegotiated(ctx, origin, resource, method); err != nil {
		var ce *CapabilityError
		if errors.As(err, &ce) || errors.Is(err, ErrInvalidRequest) {
			return nil, err
		}
		ce = newCapabilityError(KindUnknown, method, origin, resource)
		ce.Err = err
		return nil, ce
	}

	res, err := cl.executor.Execute(ctx, req)
	if errors.Is(err, ErrInvalidRequest) {
		return nil, err
	}
	if err != nil {
		ce := newCapabilityError(KindUnknown, method, origin, resource)
		ce.Err = err
		return nil, ce
	}
	if res.Rejection != nil {
		ce := newCapabilityError(res.Rejection.Kind, method, origin, resource)
		ce.Message = res.Rejection.Message
		return nil, ce
	}

	resp := res.Response
	return &resp, nil
}

func (cl *Client) checkRateWindow(ctx context.Context, logger *slog.Logger, now time.Time) {
	if cl.c.MaxRequestsPerWindow <= 0 {
		return
	}

	cl.mu.Lock()
	if cl.windowStart.IsZero() || now.Sub(cl.windowStart) >= cl.c.RateWindow {
		cl.windowStart = now
		cl.windowCount = 0
	}
	cl.windowCount++
	count := cl.windowCount
	cl.mu.Unlock()

	if count > cl.c.MaxRequestsPerWindow {
		cl.throttledRequests.Add(1)
		logger.WarnContext(ctx, "request rate above advisory limit",
			"requests_in_window", count,
			"max", cl.c.MaxRequestsPerWindow,
			"window", cl.c.RateWindow)
	}
}

// Stats is a point-in-time snapshot of a Client's diagnostics.
type Stats struct {
	TotalRequests       int64
	FailedAttempts      int64
	ActiveCalls         int64
	ThrottledRequests   int64
	ConcurrencyWarnings int64
	Negotiations        int64
	CacheHits           int64
	LastElapsed         map[string]time.Duration

	// CacheSize is -1 when the cache backend could not report it.
	CacheSize int
}

// Stats returns a snapshot of the client's counters.
func (cl *Client) Stats(ctx context.Context) Stats {
	cl.mu.Lock()
	timings := maps.Clone(cl.timings)
	cl.mu.Unlock()

	size, err := cl.cache.Size(ctx)
	if err != nil {
		cl.logger.WarnContext(ctx, "error reading preflight cache size", "error", err)
		size = -1
	}

	return Stats{
		TotalRequests:       cl.totalRequests.Load(),
		FailedAttempts:      cl.failedAttempts.Load(),
		ActiveCalls:         cl.activeCalls.Load(),
		ThrottledRequests:   cl.throttledRequests.Load(),
		ConcurrencyWarnings: cl.concurrencyWarnings.Load(),
		Negotiations:        cl.gate.Negotiations(),
		CacheHits:           cl.gate.CacheHits(),
		LastElapsed:         timings,
		CacheSize:           size,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
