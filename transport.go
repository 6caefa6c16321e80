package gopreflightcache

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// PreflightTransport implements http.RoundTripper on top of a Client, so
// that code written against net/http gets preflight caching, invalidation
// and retries without calling SendRequest itself.
//
// Request bodies are read fully before the first attempt so they can be
// replayed. Capability errors are returned from RoundTrip as errors, the way
// a browser surfaces a CORS failure as a network error.
type PreflightTransport struct {
	Wrapped http.RoundTripper

	client *Client
	logger *slog.Logger
}

// RoundTrip implements http.RoundTripper interface. The request URL is used
// as the cache resource and Config.Origin as the origin. The request's
// headers are forwarded on the actual request; preflights carry only the
// CORS headers, as a browser sends them.
func (t *PreflightTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	var body string
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			return nil, err
		}
		body = string(b)
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	res, err := t.client.send(ctx, method, r.URL.String(), body, r.Header)
	if err != nil {
		t.logger.DebugContext(ctx, "request failed", "url", r.URL.String(), "error", err)
		return nil, err
	}

	header := res.Header
	if header == nil {
		header = make(http.Header)
	}

	return &http.Response{
		Status:        strconv.Itoa(res.StatusCode) + " " + http.StatusText(res.StatusCode),
		StatusCode:    res.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(res.Body)),
		ContentLength: int64(len(res.Body)),
		Request:       r,
	}, nil
}

// Client returns the Client behind the transport, e.g. to read its Stats.
func (t *PreflightTransport) Client() *Client {
	return t.client
}

// NewTransport creates a transport middleware that adds preflight caching
// and retries to an HTTP RoundTripper.
//
// The configuration is validated once, here. Each call of the returned
// function builds an independent Client whose HTTPEndpoint sends preflight
// and actual requests through the wrapped RoundTripper without following
// redirects. All Clients share cache.
//
// If the 'now' function is nil, time.Now will be used as the default time provider.
// If the 'logger' is nil, a no-op logger writing to io.Discard will be used.
func NewTransport(
	cache Cache,
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
) (func(http.RoundTripper) http.RoundTripper, error) {
	if err := validate(cache, opts); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = discardLogger()
	}

	c := *opts

	return func(rt http.RoundTripper) http.RoundTripper {
		endpoint := NewHTTPEndpoint(&http.Client{Transport: rt, CheckRedirect: noRedirect}, nil, logger)
		return &PreflightTransport{
			Wrapped: rt,
			client:  newClient(cache, endpoint, c, now, logger),
			logger:  logger,
		}
	}, nil
}
