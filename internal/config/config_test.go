package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	gopreflightcache "github.com/dgduncan/go-preflight-cache"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const tomlConfig = `
[client]
origin = "https://webapp.example.com"
max_attempts = 4
base_delay = "250ms"
max_concurrent = 0
rate_window = "30s"

[[client.max_age_overrides]]
uri = "https://api.example.com/static"
duration = "1h"

[cache]
backend = "sqlite"
dsn = "file:preflight.db"
delete_expired = true
expired_interval = "1m"

[endpoint]
token_env = "PREFLIGHT_TOKEN"
timeout = "5s"

[endpoint.headers]
X-Trace = "cli"

[server]
origins = ["https://webapp.example.com"]
methods = ["PUT", "DELETE"]
max_age = 600
flip_after = 3
flip_methods = ["GET"]
`

const yamlConfig = `
client:
  origin: https://webapp.example.com
  max_attempts: 4
  base_delay: 250ms
  max_concurrent: 0
  rate_window: 30s
  max_age_overrides:
    - uri: https://api.example.com/static
      duration: 1h
cache:
  backend: sqlite
  dsn: file:preflight.db
  delete_expired: true
  expired_interval: 1m
endpoint:
  token_env: PREFLIGHT_TOKEN
  timeout: 5s
  headers:
    X-Trace: cli
server:
  origins: ["https://webapp.example.com"]
  methods: [PUT, DELETE]
  max_age: 600
  flip_after: 3
  flip_methods: [GET]
`

func TestLoadFormats(t *testing.T) {
	zero := 0
	want := File{
		Client: Client{
			Origin:          "https://webapp.example.com",
			MaxAttempts:     4,
			BaseDelay:       &Duration{250 * time.Millisecond},
			MaxConcurrent:   &zero,
			RateWindow:      &Duration{30 * time.Second},
			MaxAgeOverrides: []MaxAgeOverride{{URI: "https://api.example.com/static", Duration: Duration{time.Hour}}},
		},
		Cache: Cache{
			Backend:       BackendSQLite,
			DSN:           "file:preflight.db",
			Table:         "preflight",
			DeleteExpired: true,
			ExpiredTimer:  Duration{time.Minute},
		},
		Endpoint: Endpoint{
			TokenEnv: "PREFLIGHT_TOKEN",
			Headers:  map[string]string{"X-Trace": "cli"},
			Timeout:  Duration{5 * time.Second},
		},
		Server: Server{
			Addr:            ":8080",
			Origins:         []string{"https://webapp.example.com"},
			Methods:         []string{"PUT", "DELETE"},
			MaxAge:          600,
			FlipAfter:       3,
			FlipMethods:     []string{"GET"},
			ShutdownTimeout: Duration{5 * time.Second},
		},
	}

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "toml", file: "preflight.toml", content: tomlConfig},
		{name: "yaml", file: "preflight.yaml", content: yamlConfig},
		{name: "yml", file: "preflight.yml", content: yamlConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Load(writeFile(t, tt.file, tt.content), LoadOptions{Strict: true})
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(res.Warnings) != 0 {
				t.Fatalf("unexpected warnings: %v", res.Warnings)
			}
			if diff := cmp.Diff(want, res.File); diff != "" {
				t.Fatalf("file mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadUnknownKeys(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		key     string
	}{
		{
			name:    "toml",
			file:    "preflight.toml",
			content: "[client]\norigin = \"https://a.example.com\"\nretries = 2\n",
			key:     "client.retries",
		},
		{
			name:    "yaml",
			file:    "preflight.yaml",
			content: "client:\n  origin: https://a.example.com\n  retries: 2\n",
			key:     "retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)

			res, err := Load(path, LoadOptions{})
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], tt.key) {
				t.Fatalf("expected warning naming %s, got %v", tt.key, res.Warnings)
			}
			if res.File.Client.Origin != "https://a.example.com" {
				t.Fatalf("known keys must still load, got %q", res.File.Client.Origin)
			}

			if _, err := Load(path, LoadOptions{Strict: true}); err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Fatalf("expected strict error naming %s, got %v", tt.key, err)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{name: "unsupported extension", file: "preflight.json", content: "{}", wantErr: "unsupported config format"},
		{name: "unknown backend", file: "c.toml", content: "[cache]\nbackend = \"redis\"\n", wantErr: "cache.backend"},
		{name: "missing dsn", file: "c.toml", content: "[cache]\nbackend = \"postgres\"\n", wantErr: "cache.dsn"},
		{name: "invalid method", file: "c.toml", content: "[server]\nmethods = [\"BAD METHOD\"]\n", wantErr: "not a valid token"},
		{name: "bad duration", file: "c.yaml", content: "client:\n  base_delay: soon\n", wantErr: "duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content), LoadOptions{})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml"), LoadOptions{}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestClientConfig(t *testing.T) {
	zero := 0
	f := File{Client: Client{
		Origin:          "https://webapp.example.com",
		BaseDelay:       &Duration{time.Second},
		MaxConcurrent:   &zero,
		MaxAgeOverrides: []MaxAgeOverride{{URI: "https://api.example.com/static", Duration: Duration{time.Hour}}},
	}}

	want := gopreflightcache.DefaultConfig()
	want.Origin = "https://webapp.example.com"
	want.BaseDelay = time.Second
	want.MaxConcurrent = 0
	want.MaxAgeOverrides = []gopreflightcache.MaxAgeOverride{{URI: "https://api.example.com/static", Duration: time.Hour}}

	got := f.ClientConfig()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("converted config should validate: %v", err)
	}
}

func TestDefault(t *testing.T) {
	f := Default()
	if f.Cache.Backend != BackendMemory {
		t.Fatalf("expected memory backend, got %q", f.Cache.Backend)
	}
	if err := f.validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
