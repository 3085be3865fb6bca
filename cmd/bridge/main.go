// Command bridge runs one relay. Its identity with the broker comes from the
// BRIDGE_TOKEN, BRIDGE_POOL and BROKER_ADDR environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cvsouth/bridgeline/asn"
	"github.com/cvsouth/bridgeline/bridge"
	"github.com/cvsouth/bridgeline/broker"
	"github.com/cvsouth/bridgeline/jrpc"
)

func main() {
	cfg, err := bridge.ParseConfig(os.Args[1:], os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge: %v\n", err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bridge stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg bridge.Config, logger *slog.Logger) error {
	if !cfg.PublicIP.IsValid() {
		listen := netip.MustParseAddrPort(cfg.Listen)
		if listen.Addr().IsUnspecified() {
			addr, err := bridge.DiscoverPublicIP(ctx, cfg.IPEchoURL)
			if err != nil {
				return err
			}
			logger.Info("discovered public address", "addr", addr.String())
			cfg.PublicIP = addr
		}
	}

	b := &bridge.Bridge{
		Config: cfg,
		Broker: broker.NewClient(&jrpc.TCPTransport{Addr: cfg.BrokerAddr}),
		Logger: logger,
	}
	if cfg.ASNTable != "" {
		table, err := asn.LoadFile(cfg.ASNTable)
		if err != nil {
			return err
		}
		logger.Info("loaded asn table", "path", cfg.ASNTable, "ranges", table.Len())
		b.ASN = table
	}
	return b.Run(ctx)
}
