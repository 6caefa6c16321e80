package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jub0bs/cors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const origin = "https://webapp.example.com"

func newServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	mw, err := cors.NewMiddleware(cors.Config{
		Origins:         []string{origin},
		Methods:         []string{http.MethodPut},
		MaxAgeInSeconds: 60,
	})
	require.NoError(t, err)

	var preflights atomic.Int64
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			preflights.Add(1)
		}
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &preflights
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "preflight.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunBackends(t *testing.T) {
	tests := []struct {
		name  string
		cache string
	}{
		{name: "memory", cache: "[cache]\nbackend = \"memory\"\n"},
		{name: "sqlite", cache: "[cache]\nbackend = \"sqlite\"\ndsn = \":memory:\"\n"},
		{
			name:  "sqlite with sweep",
			cache: "[cache]\nbackend = \"sqlite\"\ndsn = \":memory:\"\ndelete_expired = true\nexpired_interval = \"1ms\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, preflights := newServer(t)
			path := writeConfig(t, "[client]\norigin = \""+origin+"\"\n"+tt.cache)

			var stdout, stderr bytes.Buffer
			code := run(context.Background(), []string{
				"-config", path,
				"-method", "put",
				"-resource", srv.URL + "/data",
				"-body", "x",
				"-n", "3",
			}, &stdout, &stderr)

			require.Equal(t, 0, code, stderr.String())
			out := stdout.String()
			assert.Equal(t, 3, strings.Count(out, " 200 ok"))
			assert.Contains(t, out, "total=3 failed_attempts=0 negotiations=1 cache_hits=2")
			assert.Contains(t, out, "cache_size=1")
			assert.Equal(t, int64(1), preflights.Load())

			// the sweep must be stopped before the database is closed
			time.Sleep(10 * time.Millisecond)
			assert.NotContains(t, stderr.String(), "deleting expired entries failed")
		})
	}
}

func TestRunReportsCapabilityErrors(t *testing.T) {
	srv, _ := newServer(t)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"-origin", "https://evil.example.com",
		"-method", http.MethodDelete,
		"-resource", srv.URL,
	}, &stdout, &stderr)

	// the default config retries with a real 500ms base delay
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout.String(), "PREFLIGHT_FAILED after 3 attempt(s)")
	assert.Contains(t, stdout.String(), "failed_attempts=3")
}

func TestRunUsage(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  string
	}{
		{name: "help", args: []string{"-h"}, wantCode: 0, wantOut: "Usage of preflight"},
		{name: "missing resource", args: nil, wantCode: 2, wantOut: "-resource is required"},
		{name: "bad repeat", args: []string{"-resource", "http://x", "-n", "0"}, wantCode: 2, wantOut: "-n must be at least 1"},
		{name: "missing origin", args: []string{"-resource", "http://x"}, wantCode: 1, wantOut: "Origin"},
		{name: "missing config file", args: []string{"-resource", "http://x", "-config", "nope.toml"}, wantCode: 1, wantOut: "nope.toml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tt.args, &stdout, &stderr)
			assert.Equal(t, tt.wantCode, code)
			assert.Contains(t, stdout.String()+stderr.String(), tt.wantOut)
		})
	}
}
