package gopreflightcache_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	gopreflightcache "github.com/dgduncan/go-preflight-cache"
)

const (
	testOrigin   = "https://webapp.example.com"
	testResource = "https://api.server.com/data"
)

func testTime() time.Time {
	return time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
}

// fakeEndpoint counts every call it receives, preflights and actual
// requests alike. The policy functions receive the 1-indexed number of the
// current call.
type fakeEndpoint struct {
	mu sync.Mutex

	calls        int
	negotiations int
	executions   int
	methods      []string // per negotiation, in order

	maxAge       int
	allowed      func(call int) []string
	preflight    func(call int) *gopreflightcache.PreflightResult
	reject       func(call int, req gopreflightcache.Request) *gopreflightcache.Rejection
	transportErr error
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{
		maxAge: 3600,
		allowed: func(int) []string {
			return []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}
		},
	}
}

// policyFlipAt allows every mutating method until the given call number,
// after which only GET is allowed and mutating requests are rejected.
func policyFlipAt(flip int) *fakeEndpoint {
	f := newFakeEndpoint()
	f.allowed = func(call int) []string {
		if call >= flip {
			return []string{http.MethodGet}
		}
		return []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}
	}
	f.reject = func(call int, req gopreflightcache.Request) *gopreflightcache.Rejection {
		if call >= flip && gopreflightcache.RequiresNegotiation(req.Method) {
			return &gopreflightcache.Rejection{
				Kind:    gopreflightcache.KindMethodNotAllowed,
				Message: "Method " + req.Method + " not allowed by CORS policy",
			}
		}
		return nil
	}
	return f
}

func (f *fakeEndpoint) Negotiate(_ context.Context, req gopreflightcache.PreflightRequest) (*gopreflightcache.PreflightResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.negotiations++
	f.methods = append(f.methods, req.Method)

	if f.transportErr != nil {
		return nil, f.transportErr
	}
	if f.preflight != nil {
		return f.preflight(f.calls), nil
	}
	return &gopreflightcache.PreflightResult{
		Success:        true,
		AllowedMethods: f.allowed(f.calls),
		MaxAge:         f.maxAge,
	}, nil
}

func (f *fakeEndpoint) Execute(_ context.Context, req gopreflightcache.Request) (*gopreflightcache.ExecuteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.executions++

	if f.transportErr != nil {
		return nil, f.transportErr
	}
	if f.reject != nil {
		if r := f.reject(f.calls, req); r != nil {
			return &gopreflightcache.ExecuteResult{Rejection: r}, nil
		}
	}
	return &gopreflightcache.ExecuteResult{
		Response: gopreflightcache.Response{StatusCode: http.StatusOK, Body: `{"status":"ok"}`},
	}, nil
}

func (f *fakeEndpoint) counts() (calls, negotiations, executions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.negotiations, f.executions
}

// recordingSleep records requested delays without waiting.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

// failingCache is a backend whose every operation fails.
type failingCache struct{}

var errBackendDown = errors.New("backend down")

func (failingCache) Lookup(context.Context, string, string) (*gopreflightcache.CacheEntry, error) {
	return nil, errBackendDown
}

func (failingCache) Store(context.Context, string, string, *gopreflightcache.CacheEntry) error {
	return errBackendDown
}

func (failingCache) Invalidate(context.Context, string) error {
	return errBackendDown
}

func (failingCache) Size(context.Context) (int, error) {
	return 0, errBackendDown
}
