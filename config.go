package gopreflightcache

import (
	"context"
	"errors"
	"net/url"
	"time"

	"golang.org/x/net/http/httpguts"
)

const (
	DefaultMaxAttempts          = 3
	DefaultBaseDelay            = 500 * time.Millisecond
	DefaultMaxConcurrent        = 10
	DefaultMaxRequestsPerWindow = 100
	DefaultRateWindow           = time.Minute

	// DefaultMaxAge is the Fetch standard's preflight cache lifetime, in
	// seconds, for responses without an Access-Control-Max-Age header.
	DefaultMaxAge = 5
)

// Config is fixed for the lifetime of a Client.
type Config struct {
	// Origin is sent with every negotiation and request, e.g.
	// "https://webapp.example.com". Required.
	Origin string

	// MaxAttempts bounds the retry loop, first attempt included.
	MaxAttempts int

	// BaseDelay is multiplied by the attempt number to get the wait before
	// the next attempt.
	BaseDelay time.Duration

	// MaxConcurrent is advisory; reaching it only logs a warning.
	MaxConcurrent int

	// MaxRequestsPerWindow and RateWindow define an advisory fixed window
	// counter; exceeding it only logs a warning.
	MaxRequestsPerWindow int
	RateWindow           time.Duration

	// MaxAgeOverrides allow for users to override the max-age returned by
	// upstream servers for resources starting with URI. The first match wins.
	MaxAgeOverrides []MaxAgeOverride

	// Sleep waits between attempts. Nil means a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type MaxAgeOverride struct {
	URI string // eg. https://api.example.com/reports

	Duration time.Duration // eg. 1h, truncated to whole seconds
}

// DefaultConfig returns a configuration with sensible defaults. Origin is
// left empty and must be set.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:          DefaultMaxAttempts,
		BaseDelay:            DefaultBaseDelay,
		MaxConcurrent:        DefaultMaxConcurrent,
		MaxRequestsPerWindow: DefaultMaxRequestsPerWindow,
		RateWindow:           DefaultRateWindow,
	}
}

// Validate reports every invalid field, joined.
func (c Config) Validate() error {
	var errs []error

	if c.Origin == "" {
		errs = append(errs, &ConfigError{Field: "Origin", Reason: "must not be empty"})
	} else if u, err := url.Parse(c.Origin); err != nil || u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/") {
		errs = append(errs, &ConfigError{Field: "Origin", Reason: "must be a scheme://host[:port] origin"})
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, &ConfigError{Field: "MaxAttempts", Reason: "must be at least 1"})
	}
	if c.BaseDelay < 0 {
		errs = append(errs, &ConfigError{Field: "BaseDelay", Reason: "must not be negative"})
	}
	if c.MaxConcurrent < 0 {
		errs = append(errs, &ConfigError{Field: "MaxConcurrent", Reason: "must not be negative"})
	}
	if c.MaxRequestsPerWindow < 0 {
		errs = append(errs, &ConfigError{Field: "MaxRequestsPerWindow", Reason: "must not be negative"})
	}
	if c.MaxRequestsPerWindow > 0 && c.RateWindow <= 0 {
		errs = append(errs, &ConfigError{Field: "RateWindow", Reason: "must be positive when MaxRequestsPerWindow is set"})
	}
	for _, o := range c.MaxAgeOverrides {
		if o.URI == "" {
			errs = append(errs, &ConfigError{Field: "MaxAgeOverrides", Reason: "empty URI"})
		}
		if o.Duration < 0 {
			errs = append(errs, &ConfigError{Field: "MaxAgeOverrides", Reason: "negative duration for " + o.URI})
		}
	}

	return errors.Join(errs...)
}

// ValidMethod reports whether name is a syntactically valid HTTP method token.
func ValidMethod(name string) bool {
	return name != "" && httpguts.ValidHeaderFieldName(name)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
