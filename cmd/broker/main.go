// Command broker runs the in-memory reference broker: bridge and exit
// directory, credential issuance, registration and telemetry, served as
// JSON-RPC over TCP.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/cvsouth/bridgeline/authority"
	"github.com/cvsouth/bridgeline/broker"
	"github.com/cvsouth/bridgeline/jrpc"
)

func main() {
	fs := pflag.NewFlagSet("broker", pflag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("BROKER_CONFIG"), "YAML config file (env BROKER_CONFIG)")
	verbose := fs.BoolP("verbose", "v", false, "log every failed call")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "broker: --config or BROKER_CONFIG is required")
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("broker stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, logger *slog.Logger) error {
	cfg, err := authority.LoadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := authority.New(cfg, authority.WithLogger(logger))
	if err != nil {
		return err
	}
	logger.Info("directory signing key", "public_key", hex.EncodeToString(a.PublicKey()))

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	server := &jrpc.Server{
		Handler: &broker.Service{Protocol: a, Logger: logger},
		Logger:  logger,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(ctx, ln) })
	g.Go(func() error { return a.Run(ctx) })
	return g.Wait()
}
