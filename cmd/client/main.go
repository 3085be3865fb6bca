// Command client runs the local side of the network: a SOCKS5 entry that
// tunnels through bridges, and a loopback control port. "client register"
// asks a running client to register a free account and prints its secret.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/cvsouth/bridgeline/broker"
	"github.com/cvsouth/bridgeline/control"
	"github.com/cvsouth/bridgeline/directory"
	"github.com/cvsouth/bridgeline/jrpc"
	"github.com/cvsouth/bridgeline/logs"
	"github.com/cvsouth/bridgeline/registration"
	"github.com/cvsouth/bridgeline/socks"
	"github.com/cvsouth/bridgeline/tunnel"
)

type options struct {
	brokerAddr string
	brokerKey  string
	secret     string
	country    string
	cacheDir   string
	control    string
	socks      string
	logFile    string
	verbose    bool
}

func main() {
	var opts options
	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	fs.StringVar(&opts.brokerAddr, "broker", os.Getenv("BROKER_ADDR"), "broker RPC address (env BROKER_ADDR)")
	fs.StringVar(&opts.brokerKey, "broker-key", os.Getenv("BROKER_KEY"), "hex ed25519 key the broker signs exit lists with (env BROKER_KEY)")
	fs.StringVar(&opts.secret, "secret", os.Getenv("BRIDGELINE_SECRET"), "account secret (env BRIDGELINE_SECRET)")
	fs.StringVar(&opts.country, "country", "", "only use exits in this country")
	fs.StringVar(&opts.cacheDir, "cache-dir", directory.DefaultCacheDir(), "where verified exit lists are cached")
	fs.StringVar(&opts.control, "control", "127.0.0.1:12222", "loopback address of the control port")
	fs.StringVar(&opts.socks, "socks", "127.0.0.1:9909", "loopback address of the SOCKS5 entry")
	fs.StringVar(&opts.logFile, "log-file", "", "also write debug logs as JSON to this file")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging on stdout")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch fs.Arg(0) {
	case "":
		err = serve(ctx, opts)
	case "register":
		err = register(ctx, opts.control)
	default:
		err = fmt.Errorf("unknown command %q", fs.Arg(0))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "client: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, opts options) error {
	if opts.brokerAddr == "" {
		return errors.New("--broker or BROKER_ADDR is required")
	}
	key, err := hex.DecodeString(opts.brokerKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return errors.New("--broker-key must be a hex ed25519 public key")
	}

	ring := logs.NewRing(500)
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
		ring.Handler(slog.LevelDebug),
	}
	if opts.logFile != "" {
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	logger := slog.New(logs.NewMulti(handlers...))

	brokerClient := broker.NewClient(&jrpc.TCPTransport{Addr: opts.brokerAddr, DialTimeout: 5 * time.Second})
	dir := &directory.Client{
		Broker: brokerClient,
		Key:    ed25519.PublicKey(key),
		Cache:  &directory.Cache{Dir: opts.cacheDir},
		Logger: logger,
	}
	dialer := &tunnel.Dialer{
		Broker:    brokerClient,
		Directory: dir,
		Secret:    opts.secret,
		Country:   opts.country,
		Logger:    logger,
	}
	stats := &trafficStats{}
	orch := registration.New(brokerClient, registration.WithLogger(logger))

	controlLn, err := listenLoopback(opts.control)
	if err != nil {
		return err
	}
	socksLn, err := listenLoopback(opts.socks)
	if err != nil {
		controlLn.Close()
		return err
	}

	controlServer := &jrpc.Server{
		Handler: &control.Service{
			Broker:       brokerClient,
			Registration: orch,
			Directory:    dir,
			Stats:        stats,
			Tunnel:       dialer,
			Logs:         ring,
			StartTime:    time.Now(),
			Logger:       logger,
		},
		Logger: logger,
	}
	socksServer := &socks.Server{
		Dial: func(ctx context.Context, target string) (net.Conn, error) {
			conn, err := dialer.Dial(ctx, target)
			if err != nil {
				return nil, err
			}
			return stats.wrap(conn), nil
		},
		Logger: logger,
	}
	if opts.secret == "" {
		logger.Warn("no account secret; run \"client register\" and restart with --secret")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return controlServer.Serve(ctx, controlLn) })
	g.Go(func() error { return socksServer.Serve(ctx, socksLn) })
	g.Go(func() error { return orch.Run(ctx) })
	return g.Wait()
}

func listenLoopback(addr string) (net.Listener, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("address %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return nil, fmt.Errorf("address %q is not loopback", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return ln, nil
}

// register drives a registration on a running client and prints the secret.
func register(ctx context.Context, controlAddr string) error {
	c := control.NewClient(&jrpc.TCPTransport{Addr: controlAddr})
	h, err := c.StartRegistration(ctx)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		p, err := c.PollRegistration(ctx, h)
		if err != nil {
			return err
		}
		if p.Secret != nil {
			fmt.Println(*p.Secret)
			return nil
		}
		fmt.Fprintf(os.Stderr, "\rsolving puzzle: %5.1f%%", p.Progress*100)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
