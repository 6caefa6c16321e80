// Command preflightd serves a configurable CORS policy for exercising
// preflight caching clients, along with gRPC health and reflection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"connectrpc.com/grpcreflect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/dgduncan/go-preflight-cache/internal/config"
	"github.com/dgduncan/go-preflight-cache/internal/logging"
)

const serviceName = "preflight.v1.PolicyServer"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("preflightd", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath string
		strict     bool
		addr       string
		verbose    bool
		jsonLogs   bool
	)
	fs.StringVar(&configPath, "config", "", "Path to a TOML or YAML configuration file")
	fs.StringVar(&configPath, "c", "", "Path to a TOML or YAML configuration file")
	fs.BoolVar(&strict, "strict-config", false, "Treat unknown configuration keys as errors")
	fs.StringVar(&addr, "addr", "", "Override server.addr")
	fs.BoolVar(&verbose, "v", false, "Enable verbose logging")
	fs.BoolVar(&jsonLogs, "json", false, "Log as JSON")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	logger := logging.New(logging.Options{Verbose: verbose, JSON: jsonLogs, Writer: stderr})

	file := config.Default()
	if configPath != "" {
		res, err := config.Load(configPath, config.LoadOptions{Strict: strict})
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err.Error())
			return 1
		}
		for _, w := range res.Warnings {
			logger.Warn(w)
		}
		file = res.File
	}
	if addr != "" {
		file.Server.Addr = addr
	}

	handler, checker, err := newHandler(file.Server, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "cors: %v\n", err)
		return 1
	}

	ln, err := net.Listen("tcp", file.Server.Addr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return 1
	}

	if err := serve(ctx, ln, handler, checker, file.Server.ShutdownTimeout.Duration, logger); err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return 1
	}
	return 0
}

// newHandler routes gRPC health and reflection to connect handlers and
// everything else to the CORS policy server.
func newHandler(cfg config.Server, logger *slog.Logger) (http.Handler, *grpchealth.StaticChecker, error) {
	policy, err := newPolicyServer(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	interceptors := connect.WithInterceptors(unaryLogging(logger))
	checker := grpchealth.NewStaticChecker(serviceName)
	reflector := grpcreflect.NewStaticReflector(grpchealth.HealthV1ServiceName)

	mux := http.NewServeMux()
	mux.Handle(grpcreflect.NewHandlerV1(reflector, interceptors))
	mux.Handle(grpcreflect.NewHandlerV1Alpha(reflector, interceptors))
	mux.Handle(grpchealth.NewHandler(checker, interceptors))
	mux.Handle("/", policy)

	return h2c.NewHandler(mux, &http2.Server{}), checker, nil
}

// serve runs until ctx is done, then marks the service not serving and
// shuts down within timeout.
func serve(ctx context.Context, ln net.Listener, h http.Handler, checker *grpchealth.StaticChecker, timeout time.Duration, logger *slog.Logger) error {
	server := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("preflightd listening", "addr", ln.Addr().String())
		errc <- server.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	checker.SetStatus(serviceName, grpchealth.StatusNotServing)
	checker.SetStatus("", grpchealth.StatusNotServing)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
