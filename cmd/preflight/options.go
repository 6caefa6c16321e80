package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type options struct {
	ConfigPath   string
	StrictConfig bool
	Origin       string
	Method       string
	Resource     string
	Body         string
	Repeat       int
	Verbose      bool
	JSON         bool
}

func parseOptions(args []string) (options, error) {
	opts := options{
		Method: http.MethodGet,
		Repeat: 1,
	}

	fs := flag.NewFlagSet("preflight", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&opts.ConfigPath, "config", "", "Path to a TOML or YAML configuration file")
	fs.StringVar(&opts.ConfigPath, "c", "", "Path to a TOML or YAML configuration file")
	fs.BoolVar(&opts.StrictConfig, "strict-config", false, "Treat unknown configuration keys as errors")
	fs.StringVar(&opts.Origin, "origin", "", "Override client.origin")
	fs.StringVar(&opts.Method, "method", opts.Method, "HTTP method of the request")
	fs.StringVar(&opts.Resource, "resource", "", "URL of the resource (required)")
	fs.StringVar(&opts.Body, "body", "", "Request body")
	fs.IntVar(&opts.Repeat, "n", opts.Repeat, "Number of times to send the request")
	fs.BoolVar(&opts.Verbose, "v", false, "Enable verbose logging")
	fs.BoolVar(&opts.JSON, "json", false, "Log as JSON")

	if err := fs.Parse(args); err != nil {
		return options{}, fmt.Errorf("%w\n\n%s", err, usage(fs))
	}

	if opts.Resource == "" {
		return options{}, fmt.Errorf("-resource is required\n\n%s", usage(fs))
	}
	if opts.Repeat < 1 {
		return options{}, errors.New("-n must be at least 1")
	}
	opts.Method = strings.ToUpper(opts.Method)

	return opts, nil
}

func usage(fs *flag.FlagSet) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Usage of %s:\n", fs.Name())
	out := fs.Output()
	fs.SetOutput(&buf)
	fs.PrintDefaults()
	fs.SetOutput(out)
	return buf.String()
}
