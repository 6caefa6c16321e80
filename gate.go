package gopreflightcache

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgduncan/go-preflight-cache/caches"
)

// RequiresNegotiation reports whether method changes server state and so
// must be negotiated before it is sent. The table is static.
func RequiresNegotiation(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	default:
		return false
	}
}

// NegotiationGate decides whether a request needs a negotiation round-trip
// and validates the method against the cached or freshly negotiated
// allow-list. It never retries.
type NegotiationGate struct {
	cache      Cache
	negotiator Negotiator
	now        func() time.Time
	logger     *slog.Logger

	overrides []MaxAgeOverride

	negotiations atomic.Int64
	cacheHits    atomic.Int64
}

// NewNegotiationGate returns a gate backed by cache and negotiator. A nil
// now uses time.Now and a nil logger discards output.
func NewNegotiationGate(cache Cache, negotiator Negotiator, now func() time.Time, logger *slog.Logger) *NegotiationGate {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &NegotiationGate{cache: cache, negotiator: negotiator, now: now, logger: logger}
}

// EnsureNegotiated succeeds when method may be used by origin on resource.
//
// A valid cache entry is trusted as-is: if it does not list method the call
// fails with KindMethodNotAllowed without contacting the endpoint. Only an
// absent entry triggers a negotiation, whose successful result is cached.
func (g *NegotiationGate) EnsureNegotiated(ctx context.Context, origin, resource, method string) error {
	if !RequiresNegotiation(method) {
		return nil
	}

	entry, err := g.cache.Lookup(ctx, origin, resource)
	switch {
	case err == nil:
		g.cacheHits.Add(1)
		g.logger.DebugContext(ctx, "using cached preflight",
			"resource", resource,
			"max_age", entry.TTL,
			"allowed_methods", entry.AllowedMethods)

		if !entry.Allows(method) {
			return newCapabilityError(KindMethodNotAllowed, method, origin, resource)
		}
		return nil
	case errors.Is(err, caches.ErrNoCacheItem), errors.Is(err, caches.ErrCacheItemExpired):
		g.logger.DebugContext(ctx, "preflight cache miss", "resource", resource)
	default:
		g.logger.WarnContext(ctx, "error reading preflight cache, treating as miss", "resource", resource, "error", err)
	}

	g.negotiations.Add(1)
	g.logger.DebugContext(ctx, "sending preflight", "method", method, "resource", resource)

	res, err := g.negotiator.Negotiate(ctx, PreflightRequest{Method: method, Origin: origin, Resource: resource})
	if errors.Is(err, ErrInvalidRequest) {
		return err
	}
	if err != nil {
		ce := newCapabilityError(KindNegotiationFailed, method, origin, resource)
		ce.Err = err
		return ce
	}
	if !res.Success {
		if res.OriginBlocked {
			return newCapabilityError(KindOriginBlocked, method, origin, resource)
		}
		return newCapabilityError(KindNegotiationFailed, method, origin, resource)
	}

	maxAge := maxAgeFor(g.overrides, resource, res.MaxAge)
	entry = NewCacheEntry(origin, res.AllowedMethods, maxAge, g.now())
	if !entry.Allows(method) {
		return newCapabilityError(KindMethodNotAllowed, method, origin, resource)
	}

	if err := g.cache.Store(ctx, origin, resource, entry); err != nil {
		g.logger.WarnContext(ctx, "error caching preflight", "resource", resource, "error", err)
		return nil
	}

	g.logger.DebugContext(ctx, "preflight succeeded",
		"resource", resource,
		"expiration", entry.ExpiresAt().UTC().Format(time.RFC3339),
		"allowed_methods", entry.AllowedMethods)

	return nil
}

// Negotiations returns how many negotiation round-trips the gate has issued.
func (g *NegotiationGate) Negotiations() int64 {
	return g.negotiations.Load()
}

// CacheHits returns how many times a cached entry answered a check.
func (g *NegotiationGate) CacheHits() int64 {
	return g.cacheHits.Load()
}

func maxAgeFor(overrides []MaxAgeOverride, resource string, negotiated int) int {
	for _, v := range overrides {
		if strings.HasPrefix(resource, v.URI) {
			return int(v.Duration / time.Second)
		}
	}
	return negotiated
}
