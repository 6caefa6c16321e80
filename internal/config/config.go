// Package config loads the TOML or YAML file shared by the preflight
// commands.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	gopreflightcache "github.com/dgduncan/go-preflight-cache"
)

// Backend names a cache implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendPgx      Backend = "pgx"
	BackendDynamoDB Backend = "dynamodb"
)

var validBackends = []Backend{BackendMemory, BackendSQLite, BackendPostgres, BackendPgx, BackendDynamoDB}

// Duration accepts Go duration strings such as "500ms" in both formats.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// MaxAgeOverride mirrors gopreflightcache.MaxAgeOverride.
type MaxAgeOverride struct {
	URI      string   `toml:"uri" yaml:"uri"`
	Duration Duration `toml:"duration" yaml:"duration"`
}

// Client holds the gopreflightcache.Config fields.
type Client struct {
	Origin               string           `toml:"origin" yaml:"origin"`
	MaxAttempts          int              `toml:"max_attempts" yaml:"max_attempts"`
	BaseDelay            *Duration        `toml:"base_delay" yaml:"base_delay"`
	MaxConcurrent        *int             `toml:"max_concurrent" yaml:"max_concurrent"`
	MaxRequestsPerWindow *int             `toml:"max_requests_per_window" yaml:"max_requests_per_window"`
	RateWindow           *Duration        `toml:"rate_window" yaml:"rate_window"`
	MaxAgeOverrides      []MaxAgeOverride `toml:"max_age_overrides" yaml:"max_age_overrides"`
}

// Cache selects and tunes the cache backend.
type Cache struct {
	Backend        Backend  `toml:"backend" yaml:"backend"`
	DSN            string   `toml:"dsn" yaml:"dsn"`
	Table          string   `toml:"table" yaml:"table"`
	Region         string   `toml:"region" yaml:"region"`
	CreateTable    bool     `toml:"create_table" yaml:"create_table"`
	DeleteExpired  bool     `toml:"delete_expired" yaml:"delete_expired"`
	ExpiredTimer   Duration `toml:"expired_interval" yaml:"expired_interval"`
	ItemExpiration Duration `toml:"item_expiration" yaml:"item_expiration"`
}

// Endpoint tunes the HTTP endpoint.
type Endpoint struct {
	// TokenEnv names an environment variable holding a bearer token.
	TokenEnv     string            `toml:"token_env" yaml:"token_env"`
	Headers      map[string]string `toml:"headers" yaml:"headers"`
	Timeout      Duration          `toml:"timeout" yaml:"timeout"`
	MaxBodyBytes int64             `toml:"max_body_bytes" yaml:"max_body_bytes"`
}

// Server configures the demo CORS server.
type Server struct {
	Addr    string   `toml:"addr" yaml:"addr"`
	Origins []string `toml:"origins" yaml:"origins"`
	Methods []string `toml:"methods" yaml:"methods"`
	MaxAge  int      `toml:"max_age" yaml:"max_age"`

	// FlipAfter, when positive, replaces Methods with FlipMethods once the
	// server has seen that many requests.
	FlipAfter   int      `toml:"flip_after" yaml:"flip_after"`
	FlipMethods []string `toml:"flip_methods" yaml:"flip_methods"`

	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// File mirrors the configuration file.
type File struct {
	Client   Client   `toml:"client" yaml:"client"`
	Cache    Cache    `toml:"cache" yaml:"cache"`
	Endpoint Endpoint `toml:"endpoint" yaml:"endpoint"`
	Server   Server   `toml:"server" yaml:"server"`
}

// LoadOptions tunes config loading behavior.
type LoadOptions struct {
	// Strict turns unknown keys into errors.
	Strict bool
}

// Result wraps a loaded file alongside any non-fatal warnings.
type Result struct {
	File     File
	Warnings []string
}

// Load reads and validates a configuration file. The format follows the
// extension: .toml, or .yaml/.yml.
func Load(path string, opts LoadOptions) (Result, error) {
	var res Result

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return res, fmt.Errorf("read %s: %w", path, err)
	}

	var unknown []string
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		unknown, err = decodeTOML(data, &res.File)
	case ".yaml", ".yml":
		unknown, err = decodeYAML(data, &res.File)
	default:
		return res, fmt.Errorf("%s: unsupported config format %q", path, ext)
	}
	if err != nil {
		return res, fmt.Errorf("%s: %w", path, err)
	}

	if len(unknown) > 0 {
		slices.Sort(unknown)
		message := fmt.Sprintf("%s: unknown configuration keys: %s", path, strings.Join(unknown, ", "))
		if opts.Strict {
			return res, errors.New(message)
		}
		res.Warnings = append(res.Warnings, message)
	}

	res.File.applyDefaults()

	if err := res.File.validate(); err != nil {
		return res, fmt.Errorf("%s: %w", path, err)
	}

	return res, nil
}

func decodeTOML(data []byte, f *File) ([]string, error) {
	err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(f)

	var strict *toml.StrictMissingError
	if !errors.As(err, &strict) {
		return nil, err
	}

	unknown := make([]string, 0, len(strict.Errors))
	for i := range strict.Errors {
		unknown = append(unknown, strings.Join(strict.Errors[i].Key(), "."))
	}

	*f = File{}
	return unknown, toml.Unmarshal(data, f)
}

func decodeYAML(data []byte, f *File) ([]string, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(f)
	if err == nil || errors.Is(err, io.EOF) {
		return nil, nil
	}

	var typeErr *yaml.TypeError
	if !errors.As(err, &typeErr) {
		return nil, err
	}

	var unknown []string
	for _, msg := range typeErr.Errors {
		// "line 3: field foo not found in type config.Client"
		_, rest, ok := strings.Cut(msg, "field ")
		name, _, found := strings.Cut(rest, " not found")
		if !ok || !found {
			return nil, err
		}
		unknown = append(unknown, name)
	}

	*f = File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, err
	}
	return unknown, nil
}

// Default returns the configuration used when no file is given.
func Default() File {
	var f File
	f.applyDefaults()
	return f
}

func (f *File) applyDefaults() {
	if f.Cache.Backend == "" {
		f.Cache.Backend = BackendMemory
	}
	if f.Cache.Table == "" {
		f.Cache.Table = "preflight"
	}
	if f.Endpoint.Timeout.Duration == 0 {
		f.Endpoint.Timeout.Duration = 30 * time.Second
	}
	if f.Server.Addr == "" {
		f.Server.Addr = ":8080"
	}
	if f.Server.ShutdownTimeout.Duration == 0 {
		f.Server.ShutdownTimeout.Duration = 5 * time.Second
	}
}

func (f *File) validate() error {
	var errs []error

	if !slices.Contains(validBackends, f.Cache.Backend) {
		errs = append(errs, fmt.Errorf("cache.backend %q is not one of memory, sqlite, postgres, pgx, dynamodb", f.Cache.Backend))
	}
	switch f.Cache.Backend {
	case BackendSQLite, BackendPostgres, BackendPgx:
		if f.Cache.DSN == "" {
			errs = append(errs, fmt.Errorf("cache.dsn is required for backend %s", f.Cache.Backend))
		}
	}
	for _, m := range append(slices.Clone(f.Server.Methods), f.Server.FlipMethods...) {
		if m != "*" && !gopreflightcache.ValidMethod(m) {
			errs = append(errs, fmt.Errorf("server method %q is not a valid token", m))
		}
	}
	if f.Server.FlipAfter < 0 {
		errs = append(errs, errors.New("server.flip_after must not be negative"))
	}

	return errors.Join(errs...)
}

// ClientConfig converts the client section to a gopreflightcache.Config,
// keeping library defaults for unset fields. The result is not validated.
func (f File) ClientConfig() gopreflightcache.Config {
	cfg := gopreflightcache.DefaultConfig()
	c := f.Client

	cfg.Origin = c.Origin
	if c.MaxAttempts != 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.BaseDelay != nil {
		cfg.BaseDelay = c.BaseDelay.Duration
	}
	if c.MaxConcurrent != nil {
		cfg.MaxConcurrent = *c.MaxConcurrent
	}
	if c.MaxRequestsPerWindow != nil {
		cfg.MaxRequestsPerWindow = *c.MaxRequestsPerWindow
	}
	if c.RateWindow != nil {
		cfg.RateWindow = c.RateWindow.Duration
	}
	for _, o := range c.MaxAgeOverrides {
		cfg.MaxAgeOverrides = append(cfg.MaxAgeOverrides, gopreflightcache.MaxAgeOverride{
			URI:      o.URI,
			Duration: o.Duration.Duration,
		})
	}

	return cfg
}
