// Command preflight sends requests through a preflight-caching client and
// prints the responses and the client's counters.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"

	gopreflightcache "github.com/dgduncan/go-preflight-cache"
	"github.com/dgduncan/go-preflight-cache/internal/config"
	"github.com/dgduncan/go-preflight-cache/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseOptions(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintln(stdout, err.Error())
			return 0
		}
		_, _ = fmt.Fprintln(stderr, err.Error())
		return 2
	}

	logger := logging.New(logging.Options{
		Verbose: opts.Verbose,
		JSON:    opts.JSON,
		Writer:  stderr,
	})

	file := config.Default()
	if opts.ConfigPath != "" {
		res, err := config.Load(opts.ConfigPath, config.LoadOptions{Strict: opts.StrictConfig})
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err.Error())
			return 1
		}
		for _, w := range res.Warnings {
			logger.Warn(w)
		}
		file = res.File
	}

	cfg := file.ClientConfig()
	if opts.Origin != "" {
		cfg.Origin = opts.Origin
	}

	cache, closeCache, err := openCache(ctx, file.Cache, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "cache: %v\n", err)
		return 1
	}
	defer func() {
		if err := closeCache(); err != nil {
			logger.Warn("closing cache", "error", err)
		}
	}()

	endpoint := gopreflightcache.NewHTTPEndpoint(&http.Client{
		Timeout: file.Endpoint.Timeout.Duration,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, httpOptions(file.Endpoint), logger)

	client, err := gopreflightcache.New(cache, endpoint, &cfg, nil, logger)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return 1
	}

	code := 0
	for i := range opts.Repeat {
		res, err := client.SendRequest(ctx, opts.Method, opts.Resource, opts.Body)
		if err != nil {
			var ce *gopreflightcache.CapabilityError
			if errors.As(err, &ce) {
				_, _ = fmt.Fprintf(stdout, "#%d %s after %d attempt(s): %v\n", i+1, ce.Kind, ce.Attempt, err)
			} else {
				_, _ = fmt.Fprintf(stdout, "#%d error: %v\n", i+1, err)
			}
			code = 1
			if ctx.Err() != nil {
				break
			}
			continue
		}
		_, _ = fmt.Fprintf(stdout, "#%d %d %s\n", i+1, res.StatusCode, res.Body)
	}

	s := client.Stats(ctx)
	_, _ = fmt.Fprintf(stdout,
		"total=%d failed_attempts=%d negotiations=%d cache_hits=%d throttled=%d concurrency_warnings=%d cache_size=%d\n",
		s.TotalRequests, s.FailedAttempts, s.Negotiations, s.CacheHits,
		s.ThrottledRequests, s.ConcurrencyWarnings, s.CacheSize)

	return code
}

func httpOptions(e config.Endpoint) *gopreflightcache.HTTPOptions {
	o := &gopreflightcache.HTTPOptions{MaxBodyBytes: e.MaxBodyBytes}

	if len(e.Headers) > 0 {
		o.Header = make(http.Header, len(e.Headers))
		for k, v := range e.Headers {
			o.Header.Set(k, v)
		}
	}

	if e.TokenEnv != "" {
		env := e.TokenEnv
		o.Token = func(context.Context) (string, error) {
			// read per call; tokens may rotate
			return os.Getenv(env), nil
		}
	}

	return o
}
