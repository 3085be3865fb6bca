package tunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cvsouth/bridgeline/authority"
	"github.com/cvsouth/bridgeline/bridge"
	"github.com/cvsouth/bridgeline/broker"
	"github.com/cvsouth/bridgeline/descriptor"
	"github.com/cvsouth/bridgeline/directory"
	"github.com/cvsouth/bridgeline/envelope"
	"github.com/cvsouth/bridgeline/mizaru"
	"github.com/cvsouth/bridgeline/puzzle"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// countingBroker counts route requests.
type countingBroker struct {
	broker.Protocol
	routes atomic.Int32
}

func (c *countingBroker) GetRoutes(ctx context.Context, token mizaru.ClientToken, sig mizaru.UnblindedSignature, exitB2E string) (descriptor.RouteDescriptor, error) {
	c.routes.Add(1)
	return c.Protocol.GetRoutes(ctx, token, sig, exitB2E)
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
				c.(*net.TCPConn).CloseWrite()
			}()
		}
	}()
	return ln.Addr().String()
}

// network starts a broker with one free exit and one live bridge, and
// registers a free account on it.
func network(t *testing.T) (*authority.Authority, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := &authority.Config{
		SigningSeed:       "0202020202020202020202020202020202020202020202020202020202020202",
		MizaruSeed:        "0303030303030303030303030303030303030303030303030303030303030303",
		MizaruBits:        mizaru.MinKeyBits,
		BridgePools:       map[string]string{"pool-a": "pool-token"},
		ExitToken:         "exit-token",
		FreeCountries:     []string{"CA"},
		PuzzleDifficulty:  4,
		ConnectTokenRate:  100,
		ConnectTokenBurst: 100,
	}
	a, err := authority.New(cfg, authority.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("authority.New: %v", err)
	}

	_, exitPriv, _ := ed25519.GenerateKey(rand.Reader)
	exit := descriptor.ExitDescriptor{
		C2EListen: "127.0.0.1:1",
		B2EListen: "127.0.0.1:2",
		Country:   "CA",
		City:      "yul",
		Expiry:    uint64(time.Now().Add(time.Hour).Unix()),
	}
	signed, err := envelope.Sign(exit, envelope.DomainExitDescriptor, exitPriv)
	if err != nil {
		t.Fatal(err)
	}
	m, err := envelope.NewMac(signed, envelope.DeriveMacKey("exit-token"))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.InsertExit(ctx, m); err != nil {
		t.Fatalf("InsertExit: %v", err)
	}

	b := &bridge.Bridge{
		Config: bridge.Config{Token: "pool-token", Pool: "pool-a", BrokerAddr: "in-process", Listen: "127.0.0.1:0", ForwardPrivate: true},
		Broker: a,
		Logger: quietLogger(),
	}
	go b.Run(ctx)
	deadline := time.Now().Add(5 * time.Second)
	for len(a.Bridges()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge never announced")
		}
		time.Sleep(10 * time.Millisecond)
	}

	p, err := a.GetPuzzle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	solution, err := puzzle.Solve(ctx, p.Puzzle, p.Difficulty, nil)
	if err != nil {
		t.Fatal(err)
	}
	secret, err := a.RegisterUserSecret(ctx, p.Puzzle, solution)
	if err != nil {
		t.Fatalf("RegisterUserSecret: %v", err)
	}
	return a, secret
}

func TestDialThroughBridge(t *testing.T) {
	if testing.Short() {
		t.Skip("derives RSA subkeys")
	}
	a, secret := network(t)
	echo := startEcho(t)
	cb := &countingBroker{Protocol: a}
	d := &Dialer{
		Broker:    cb,
		Directory: &directory.Client{Broker: cb, Key: a.PublicKey(), Logger: quietLogger()},
		Secret:    secret,
		Logger:    quietLogger(),
	}
	ctx := context.Background()
	if info := d.ConnInfo(); info.State != Disconnected {
		t.Fatalf("initial state %+v", info)
	}

	for i := range 2 {
		conn, err := d.Dial(ctx, echo)
		if err != nil {
			t.Fatalf("Dial %d: %v", i, err)
		}
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write([]byte("hello")); err != nil {
			t.Fatal(err)
		}
		conn.(interface{ CloseWrite() error }).CloseWrite()
		got, err := io.ReadAll(conn)
		conn.Close()
		if err != nil || string(got) != "hello" {
			t.Fatalf("echo %d: %q, %v", i, got, err)
		}
	}
	if n := cb.routes.Load(); n != 1 {
		t.Fatalf("fetched %d routes, want 1 reused", n)
	}
	if level, ok := d.Level(); !ok || level != broker.LevelFree {
		t.Fatalf("level %q", level)
	}
	info := d.ConnInfo()
	if info.State != Connected || info.Protocol != "obfs" || info.Bridge == "" {
		t.Fatalf("connected state %+v", info)
	}
	if info.Exit == nil || info.Exit.B2EListen == "" {
		t.Fatalf("exit missing: %+v", info)
	}

	// A failed dial drops the session so the next one starts over.
	d.dialRoute = func(context.Context, descriptor.RouteDescriptor, string) (net.Conn, error) {
		return nil, errors.New("bridge unreachable")
	}
	if _, err := d.Dial(ctx, echo); err == nil {
		t.Fatal("dial succeeded")
	}
	if info := d.ConnInfo(); info.State != Disconnected || info.Exit != nil {
		t.Fatalf("state after failure %+v", info)
	}
	d.dialRoute = nil
	conn, err := d.Dial(ctx, echo)
	if err != nil {
		t.Fatalf("Dial after failure: %v", err)
	}
	conn.Close()
	if n := cb.routes.Load(); n != 2 {
		t.Fatalf("fetched %d routes, want 2", n)
	}
}

func TestDialNeedsAccount(t *testing.T) {
	var d Dialer
	if _, err := d.Dial(context.Background(), "example.com:80"); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("got %v", err)
	}
}

type refusingBroker struct{ broker.Protocol }

func (refusingBroker) GetAuthToken(context.Context, broker.Credential) (string, error) {
	return "", broker.ErrForbidden
}

func TestDialUnknownSecret(t *testing.T) {
	d := &Dialer{Broker: refusingBroker{}, Secret: "nope", Logger: quietLogger()}
	if _, err := d.Dial(context.Background(), "example.com:80"); !errors.Is(err, broker.ErrForbidden) {
		t.Fatalf("got %v", err)
	}
	if _, ok := d.Level(); ok {
		t.Fatal("session kept after failure")
	}
	if info := d.ConnInfo(); info.State != Disconnected {
		t.Fatalf("state %+v", info)
	}
}
