// Package main provides the entry point for the toolgate gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/toolgate/toolgate/internal/server"
	"github.com/toolgate/toolgate/pkg/gateway"
	"github.com/toolgate/toolgate/pkg/oauth"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Listen address, overrides config")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

// headerAuthenticator trusts a reverse-proxy supplied user header. It is
// the default when no external session layer is plugged in.
type headerAuthenticator struct{}

func (headerAuthenticator) UserFromRequest(r *http.Request) (string, error) {
	user := r.Header.Get("X-Forwarded-User")
	if user == "" {
		return "", fmt.Errorf("no authenticated user on request")
	}
	return user, nil
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("toolgate version %s\n", server.Version)
		return nil
	}

	if opts.configPath == "" {
		return fmt.Errorf("a configuration file is required, pass -config")
	}

	cfg, err := gateway.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	var users oauth.UserAuthenticator = headerAuthenticator{}
	srv, err := server.New(cfg, users, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer func() { _ = srv.Close() }()

	ctx := setupSignalHandler()
	return srv.Start(ctx)
}
