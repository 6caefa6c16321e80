package gopreflightcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	headerOrigin = "Origin"

	headerRequestMethod = "Access-Control-Request-Method"
	headerAllowOrigin   = "Access-Control-Allow-Origin"
	headerAllowMethods  = "Access-Control-Allow-Methods"
	headerMaxAge        = "Access-Control-Max-Age"

	headerAuthorization = "Authorization"
)

const defaultMaxBodyBytes = 10 << 20

// safelistedMethods pass a preflight's method check whether or not they are
// listed in Access-Control-Allow-Methods.
var safelistedMethods = []string{http.MethodGet, http.MethodHead, http.MethodPost}

// HTTPOptions tunes an HTTPEndpoint. The zero value is usable.
type HTTPOptions struct {
	// Token, when set, is called before every call and its result is sent
	// as a bearer token. It is the place to refresh expired credentials.
	Token func(ctx context.Context) (string, error)

	// Header is added to every actual request.
	Header http.Header

	// MaxBodyBytes caps how much of a response body is read. Zero means 10 MiB.
	MaxBodyBytes int64
}

// HTTPEndpoint talks to a CORS-enabled server: negotiations are OPTIONS
// preflight requests and actual requests carry an Origin header.
type HTTPEndpoint struct {
	client *http.Client
	logger *slog.Logger
	opts   HTTPOptions
}

// NewHTTPEndpoint returns an endpoint using client. A nil client uses a copy
// of http.DefaultClient that does not follow redirects, since preflight
// responses must not be redirected.
func NewHTTPEndpoint(client *http.Client, opts *HTTPOptions, logger *slog.Logger) *HTTPEndpoint {
	if client == nil {
		client = &http.Client{CheckRedirect: noRedirect}
	}
	if logger == nil {
		logger = discardLogger()
	}

	var o HTTPOptions
	if opts != nil {
		o = *opts
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}

	return &HTTPEndpoint{client: client, logger: logger, opts: o}
}

// Negotiate sends a preflight for req.Method. The preflight succeeds when the
// server answers with an ok status and an Access-Control-Allow-Origin that
// matches the origin. The allow-list is the Access-Control-Allow-Methods
// value plus the CORS-safelisted methods; the TTL is Access-Control-Max-Age,
// or DefaultMaxAge when the header is absent or malformed.
func (h *HTTPEndpoint) Negotiate(ctx context.Context, req PreflightRequest) (*PreflightResult, error) {
	method := strings.ToUpper(req.Method)
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, fmt.Errorf("%w: method %q", ErrInvalidRequest, req.Method)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodOptions, req.Resource, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	r.Header.Set(headerOrigin, req.Origin)
	r.Header.Set(headerRequestMethod, method)

	resp, err := h.client.Do(r)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)

	h.logger.DebugContext(ctx, "preflight response",
		"resource", req.Resource,
		"status", resp.StatusCode,
		"allow_origin", resp.Header.Get(headerAllowOrigin),
		"allow_methods", resp.Header.Values(headerAllowMethods))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &PreflightResult{Success: false}, nil
	}
	if !originAllowed(resp.Header, req.Origin) {
		return &PreflightResult{Success: false, OriginBlocked: true}, nil
	}

	allowed := parseTokens(resp.Header.Values(headerAllowMethods))
	for _, m := range safelistedMethods {
		if !containsFold(allowed, m) {
			allowed = append(allowed, m)
		}
	}

	return &PreflightResult{
		Success:        true,
		AllowedMethods: allowed,
		MaxAge:         parseMaxAge(resp.Header.Get(headerMaxAge)),
	}, nil
}

// Execute sends the actual request carrying req.Header and the configured
// extra headers. Origin always replaces a caller-supplied value. 405 and 429
// responses are reported as method-not-allowed and rate-limited rejections;
// any other response without a matching Access-Control-Allow-Origin is an
// origin-blocked rejection.
func (h *HTTPEndpoint) Execute(ctx context.Context, req Request) (*ExecuteResult, error) {
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	r, err := http.NewRequestWithContext(ctx, req.Method, req.Resource, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.Header != nil {
		r.Header = req.Header.Clone()
	}
	for k, vs := range h.opts.Header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	r.Header.Set(headerOrigin, req.Origin)

	if h.opts.Token != nil {
		token, err := h.opts.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("bearer token: %w", err)
		}
		if token != "" {
			r.Header.Set(headerAuthorization, "Bearer "+token)
		}
	}

	resp, err := h.client.Do(r)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)

	b, err := io.ReadAll(io.LimitReader(resp.Body, h.opts.MaxBodyBytes))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		return rejected(KindMethodNotAllowed, "Method "+req.Method+" not allowed by server"), nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return rejected(KindRateLimited, "server rate limit exceeded"), nil
	case !originAllowed(resp.Header, req.Origin):
		return rejected(KindOriginBlocked, "Origin "+req.Origin+" not allowed by Access-Control-Allow-Origin"), nil
	}

	return &ExecuteResult{
		Response: Response{
			StatusCode: resp.StatusCode,
			Body:       string(b),
			Header:     resp.Header.Clone(),
		},
	}, nil
}

func rejected(kind ErrorKind, msg string) *ExecuteResult {
	return &ExecuteResult{Rejection: &Rejection{Kind: kind, Message: msg}}
}

func originAllowed(h http.Header, origin string) bool {
	acao := h.Values(headerAllowOrigin)
	// more than one value is a CORS failure
	if len(acao) != 1 {
		return false
	}
	return acao[0] == "*" || acao[0] == origin
}

// parseTokens splits comma-separated list headers and drops invalid tokens.
func parseTokens(values []string) []string {
	var out []string
	for _, v := range values {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "*" {
				out = append(out, tok)
				continue
			}
			if tok == "" || !httpguts.ValidHeaderFieldName(tok) {
				continue
			}
			out = append(out, strings.ToUpper(tok))
		}
	}
	return out
}

func parseMaxAge(v string) int {
	if v == "" {
		return DefaultMaxAge
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return DefaultMaxAge
	}
	return max(n, 0)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, defaultMaxBodyBytes))
	_ = body.Close()
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

var _ Endpoint = (*HTTPEndpoint)(nil)
