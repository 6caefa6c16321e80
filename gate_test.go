package gopreflightcache_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gopreflightcache "github.com/dgduncan/go-preflight-cache"
	"github.com/dgduncan/go-preflight-cache/caches"
	"github.com/dgduncan/go-preflight-cache/caches/local"
)

func TestRequiresNegotiation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		method string
		want   bool
	}{
		{http.MethodPost, true},
		{http.MethodPut, true},
		{http.MethodDelete, true},
		{http.MethodPatch, true},
		{"patch", true},
		{http.MethodGet, false},
		{http.MethodHead, false},
		{http.MethodOptions, false},
		{"get", false},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, gopreflightcache.RequiresNegotiation(tt.method))
		})
	}
}

func TestEnsureNegotiatedSkipsReadOnlyMethods(t *testing.T) {
	t.Parallel()

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			cache := local.NewBasicCacheWithTimeFunc(testTime)
			ep := newFakeEndpoint()
			gate := gopreflightcache.NewNegotiationGate(cache, ep, testTime, nil)

			// no entry
			require.NoError(t, gate.EnsureNegotiated(ctx, testOrigin, testResource, method))

			// entry that does not list the method
			entry := gopreflightcache.NewCacheEntry(testOrigin, []string{http.MethodPost}, 3600, testTime())
			require.NoError(t, cache.Store(ctx, testOrigin, testResource, entry))
			require.NoError(t, gate.EnsureNegotiated(ctx, testOrigin, testResource, method))

			calls, _, _ := ep.counts()
			assert.Zero(t, calls)
			assert.Zero(t, gate.Negotiations())
		})
	}
}

func TestEnsureNegotiatedCachesSuccessfulNegotiation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := local.NewBasicCacheWithTimeFunc(testTime)
	ep := newFakeEndpoint()
	ep.maxAge = 600
	gate := gopreflightcache.NewNegotiationGate(cache, ep, testTime, nil)

	require.NoError(t, gate.EnsureNegotiated(ctx, testOrigin, testResource, http.MethodPost))
	require.NoError(t, gate.EnsureNegotiated(ctx, testOrigin, testResource, "post"))

	_, negotiations, _ := ep.counts()
	assert.Equal(t, 1, negotiations)
	assert.Equal(t, int64(1), gate.CacheHits())

	entry, err := cache.Lookup(ctx, testOrigin, testResource)
	require.NoError(t, err)
	assert.Equal(t, 600, entry.TTL)
	assert.Equal(t, testOrigin, entry.Origin)
	assert.Equal(t, testTime(), entry.CreatedAt)
	assert.ElementsMatch(t, []string{"GET", "POST", "PUT", "DELETE"}, entry.AllowedMethods)
}

func TestEnsureNegotiatedTrustsStaleAllowList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := local.NewBasicCacheWithTimeFunc(testTime)
	ep := newFakeEndpoint() // the server would allow PUT
	gate := gopreflightcache.NewNegotiationGate(cache, ep, testTime, nil)

	entry := gopreflightcache.NewCacheEntry(testOrigin, []string{http.MethodPost}, 3600, testTime())
	require.NoError(t, cache.Store(ctx, testOrigin, testResource, entry))

	err := gate.EnsureNegotiated(ctx, testOrigin, testResource, http.MethodPut)
	require.ErrorIs(t, err, gopreflightcache.ErrMethodNotAllowed)
	assert.Equal(t, gopreflightcache.KindMethodNotAllowed, gopreflightcache.KindOf(err))

	calls, _, _ := ep.counts()
	assert.Zero(t, calls)
}

func TestEnsureNegotiatedRenegotiatesAfterExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	current := testTime()
	now := func() time.Time { return current }
	cache := local.NewBasicCacheWithTimeFunc(now)
	ep := newFakeEndpoint()
	ep.maxAge = 5
	gate := gopreflightcache.NewNegotiationGate(cache, ep, now, nil)

	require.NoError(t, gate.EnsureNegotiated(ctx, testOrigin, testResource, http.MethodPost))

	current = current.Add(5 * time.Second)
	require.NoError(t, gate.EnsureNegotiated(ctx, testOrigin, testResource, http.MethodPost))

	_, negotiations, _ := ep.counts()
	assert.Equal(t, 2, negotiations)
}

func TestEnsureNegotiatedFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		setup    func(*fakeEndpoint)
		method   string
		wantKind gopreflightcache.ErrorKind
		wantErr  error
	}{
		{
			name: "preflight unsuccessful",
			setup: func(f *fakeEndpoint) {
				f.preflight = func(int) *gopreflightcache.PreflightResult {
					return &gopreflightcache.PreflightResult{Success: false}
				}
			},
			method:   http.MethodPost,
			wantKind: gopreflightcache.KindNegotiationFailed,
			wantErr:  gopreflightcache.ErrNegotiationFailed,
		},
		{
			name: "origin blocked",
			setup: func(f *fakeEndpoint) {
				f.preflight = func(int) *gopreflightcache.PreflightResult {
					return &gopreflightcache.PreflightResult{Success: false, OriginBlocked: true}
				}
			},
			method:   http.MethodPost,
			wantKind: gopreflightcache.KindOriginBlocked,
			wantErr:  gopreflightcache.ErrOriginBlocked,
		},
		{
			name: "method missing from fresh allow-list",
			setup: func(f *fakeEndpoint) {
				f.allowed = func(int) []string { return []string{http.MethodGet} }
			},
			method:   http.MethodDelete,
			wantKind: gopreflightcache.KindMethodNotAllowed,
			wantErr:  gopreflightcache.ErrMethodNotAllowed,
		},
		{
			name: "transport error",
			setup: func(f *fakeEndpoint) {
				f.transportErr = errors.New("connection refused")
			},
			method:   http.MethodPatch,
			wantKind: gopreflightcache.KindNegotiationFailed,
			wantErr:  gopreflightcache.ErrNegotiationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			cache := local.NewBasicCacheWithTimeFunc(testTime)
			ep := newFakeEndpoint()
			tt.setup(ep)
			gate := gopreflightcache.NewNegotiationGate(cache, ep, testTime, nil)

			err := gate.EnsureNegotiated(ctx, testOrigin, testResource, tt.method)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantKind, gopreflightcache.KindOf(err))

			var ce *gopreflightcache.CapabilityError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.method, ce.Method)
			assert.Equal(t, testOrigin, ce.Origin)
			assert.Equal(t, testResource, ce.Resource)

			_, lookupErr := cache.Lookup(ctx, testOrigin, testResource)
			assert.ErrorIs(t, lookupErr, caches.ErrNoCacheItem, "failed negotiations must not be cached")
		})
	}
}

func TestEnsureNegotiatedWildcardAllowList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := local.NewBasicCacheWithTimeFunc(testTime)
	ep := newFakeEndpoint()
	ep.allowed = func(int) []string { return []string{"*"} }
	gate := gopreflightcache.NewNegotiationGate(cache, ep, testTime, nil)

	require.NoError(t, gate.EnsureNegotiated(ctx, testOrigin, testResource, http.MethodPatch))
	require.NoError(t, gate.EnsureNegotiated(ctx, testOrigin, testResource, http.MethodDelete))

	_, negotiations, _ := ep.counts()
	assert.Equal(t, 1, negotiations)
}

func TestEnsureNegotiatedCacheFaultsAreNotFatal(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint()
	gate := gopreflightcache.NewNegotiationGate(failingCache{}, ep, testTime, nil)

	require.NoError(t, gate.EnsureNegotiated(context.Background(), testOrigin, testResource, http.MethodPost))

	_, negotiations, _ := ep.counts()
	assert.Equal(t, 1, negotiations)
}
