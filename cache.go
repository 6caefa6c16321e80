package gopreflightcache

import (
	"context"
	"slices"
	"strings"
	"time"
)

// wildcardMethod is the Access-Control-Allow-Methods value granting every method.
const wildcardMethod = "*"

// CacheEntry is the result of one successful negotiation for an
// origin and resource. Entries are never mutated after creation; a fresh
// negotiation replaces the whole entry.
type CacheEntry struct {
	AllowedMethods []string
	TTL            int // seconds
	CreatedAt      time.Time
	Origin         string
}

// NewCacheEntry copies and upper-cases methods so that later changes to the
// caller's slice cannot leak into the cache.
func NewCacheEntry(origin string, methods []string, ttl int, createdAt time.Time) *CacheEntry {
	allowed := make([]string, 0, len(methods))
	for _, m := range methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" || slices.Contains(allowed, m) {
			continue
		}
		allowed = append(allowed, m)
	}

	return &CacheEntry{
		AllowedMethods: allowed,
		TTL:            max(ttl, 0),
		CreatedAt:      createdAt,
		Origin:         origin,
	}
}

// ExpiresAt returns the first instant at which the entry is no longer valid.
func (e *CacheEntry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(time.Duration(e.TTL) * time.Second)
}

// Valid reports whether now is strictly before the entry's expiry, compared
// at millisecond resolution.
func (e *CacheEntry) Valid(now time.Time) bool {
	return now.UnixMilli() < e.CreatedAt.UnixMilli()+int64(e.TTL)*1000
}

// Allows reports whether method is part of the negotiated allow-list.
func (e *CacheEntry) Allows(method string) bool {
	method = strings.ToUpper(method)
	for _, m := range e.AllowedMethods {
		if m == method || m == wildcardMethod {
			return true
		}
	}
	return false
}

// Cache stores negotiation results keyed by origin and resource.
//
// Implementations keep a secondary resource index pointing at the origin
// that last stored an entry for the resource; Invalidate uses it. Both
// indices must be changed by the same write path.
//
// Lookup returns caches.ErrNoCacheItem for missing entries. Entries whose
// TTL has elapsed are removed first and reported as caches.ErrNoCacheItem or
// caches.ErrCacheItemExpired; callers treat both as a miss.
type Cache interface {
	Lookup(ctx context.Context, origin, resource string) (*CacheEntry, error)
	Store(ctx context.Context, origin, resource string, e *CacheEntry) error
	Invalidate(ctx context.Context, resource string) error
	Size(ctx context.Context) (int, error)
}
