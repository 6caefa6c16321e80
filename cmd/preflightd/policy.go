package main

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jub0bs/cors"

	"github.com/dgduncan/go-preflight-cache/internal/config"
)

// policyServer answers CORS preflights and actual requests for any path.
// Once it has seen FlipAfter requests it narrows its methods to
// FlipMethods, the way a server rolls out a stricter policy while clients
// still hold cached preflights.
type policyServer struct {
	cfg    config.Server
	mw     *cors.Middleware
	next   http.Handler
	logger *slog.Logger

	requests atomic.Int64

	mu      sync.RWMutex
	methods []string
	flipped bool
}

func corsConfig(s config.Server, methods []string) *cors.Config {
	return &cors.Config{
		Origins:         s.Origins,
		Methods:         methods,
		MaxAgeInSeconds: s.MaxAge,
	}
}

func newPolicyServer(cfg config.Server, logger *slog.Logger) (*policyServer, error) {
	mw, err := cors.NewMiddleware(*corsConfig(cfg, cfg.Methods))
	if err != nil {
		return nil, err
	}

	s := &policyServer{
		cfg:     cfg,
		mw:      mw,
		logger:  logger,
		methods: cfg.Methods,
	}
	s.next = mw.Wrap(http.HandlerFunc(s.handle))
	return s, nil
}

func (s *policyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := s.requests.Add(1)
	if s.cfg.FlipAfter > 0 && n > int64(s.cfg.FlipAfter) {
		s.flip()
	}

	s.logger.Debug("request",
		"n", n,
		"method", r.Method,
		"path", r.URL.Path,
		"origin", r.Header.Get("Origin"))

	s.next.ServeHTTP(w, r)
}

func (s *policyServer) flip() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flipped {
		return
	}
	if err := s.mw.Reconfigure(corsConfig(s.cfg, s.cfg.FlipMethods)); err != nil {
		s.logger.Error("reconfiguring CORS policy", "error", err)
		return
	}
	s.flipped = true
	s.methods = s.cfg.FlipMethods
	s.logger.Info("CORS policy changed", "methods", s.methods)
}

func (s *policyServer) allowed(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
		return true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.methods, "*") || slices.ContainsFunc(s.methods, func(m string) bool {
		return strings.EqualFold(m, method)
	})
}

func (s *policyServer) handle(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(r.Method) {
		w.Header().Set("Allow", strings.Join(s.currentMethods(), ", "))
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, _ = w.Write([]byte(r.Method + " " + r.URL.Path))
}

func (s *policyServer) currentMethods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{http.MethodGet, http.MethodHead, http.MethodPost}, s.methods...)
}
