package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/cvsouth/bridgeline/accounting"
	"github.com/cvsouth/bridgeline/asn"
	"github.com/cvsouth/bridgeline/broker"
	"github.com/cvsouth/bridgeline/descriptor"
	"github.com/cvsouth/bridgeline/envelope"
	"github.com/cvsouth/bridgeline/link"
)

// recordingBroker records the bridge-facing calls.
type recordingBroker struct {
	broker.Protocol

	mu        sync.Mutex
	stats     map[string]int64
	calls     []int32
	announced []envelope.Mac[descriptor.BridgeDescriptor]
	failStats error
	inserted  chan struct{}
}

func newRecordingBroker() *recordingBroker {
	return &recordingBroker{stats: make(map[string]int64), inserted: make(chan struct{}, 16)}
}

func (r *recordingBroker) InsertBridge(_ context.Context, m envelope.Mac[descriptor.BridgeDescriptor]) error {
	r.mu.Lock()
	r.announced = append(r.announced, m)
	r.mu.Unlock()
	select {
	case r.inserted <- struct{}{}:
	default:
	}
	return nil
}

func (r *recordingBroker) IncrStat(_ context.Context, name string, delta int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failStats != nil {
		return r.failStats
	}
	r.stats[name] += int64(delta)
	r.calls = append(r.calls, delta)
	return nil
}

func (r *recordingBroker) stat(name string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.stats[name]
	return v, ok
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBridge(t *testing.T, rb *recordingBroker, resolver asn.Resolver) *Bridge {
	t.Helper()
	b := &Bridge{
		Config: Config{
			Token:      "pool-token",
			Pool:       "pool1",
			BrokerAddr: "127.0.0.1:1",
			Listen:     "127.0.0.1:0",
			// Test destinations are all on loopback.
			ForwardPrivate: true,
		},
		Broker:   rb,
		Counters: accounting.New(),
		ASN:      resolver,
		Logger:   discard(),
		Cookie:   "test-cookie",
	}
	if err := b.init(); err != nil {
		t.Fatal(err)
	}
	return b
}

// startServe runs the bridge's forward server on a loopback listener.
func startServe(t *testing.T, b *Bridge) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var conns sync.WaitGroup
	done := make(chan struct{})
	go func() {
		b.serve(ctx, link.NewListener(ln, b.Cookie), &conns)
		conns.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

// startSink accepts one connection and reports how many bytes it read
// before EOF.
func startSink(t *testing.T) (string, <-chan int64) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	got := make(chan int64, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		n, _ := io.Copy(io.Discard, c)
		got <- n
	}()
	return ln.Addr().String(), got
}

func sendThroughBridge(t *testing.T, bridgeAddr, dest string, payload []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := link.Dial(ctx, bridgeAddr, "test-cookie")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	if err := c.WriteForward(dest); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := c.CloseWrite(); err != nil {
		t.Fatal(err)
	}
}

func waitTotal(t *testing.T, c *accounting.Counters, want uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.Total() < want {
		if time.Now().After(deadline) {
			t.Fatalf("counted %d bytes, want %d", c.Total(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestForwardCountsPerASN(t *testing.T) {
	rb := newRecordingBroker()
	resolver := asn.ResolverFunc(func(a netip.Addr) (uint32, bool) {
		return 64512, a.IsLoopback()
	})
	b := testBridge(t, rb, resolver)
	addr := startServe(t, b)
	dest, got := startSink(t)

	sendThroughBridge(t, addr, dest, make([]byte, 1000))
	select {
	case n := <-got:
		if n != 1000 {
			t.Fatalf("destination received %d bytes, want 1000", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("destination never saw EOF")
	}
	waitTotal(t, b.Counters, 1000)

	total, err := b.reportStats(context.Background())
	if err != nil {
		t.Fatalf("reportStats: %v", err)
	}
	if total != 1000 {
		t.Fatalf("reported total %d, want 1000", total)
	}
	if v, _ := rb.stat("bridges.pool1.asn.64512"); v != 1000 {
		t.Fatalf("asn stat = %d, want 1000", v)
	}
	if v, _ := rb.stat("bridges.pool1.byte_count"); v != 1000 {
		t.Fatalf("byte_count = %d, want 1000", v)
	}

	// The next cycle has nothing new to report.
	rb.mu.Lock()
	before := len(rb.calls)
	rb.mu.Unlock()
	if _, err := b.reportStats(context.Background()); err != nil {
		t.Fatal(err)
	}
	rb.mu.Lock()
	after := len(rb.calls)
	rb.mu.Unlock()
	if after != before {
		t.Fatalf("second cycle made %d calls, want 0", after-before)
	}
}

func TestUnresolvedClientCountsTotalOnly(t *testing.T) {
	rb := newRecordingBroker()
	b := testBridge(t, rb, nil)
	addr := startServe(t, b)
	dest, got := startSink(t)

	sendThroughBridge(t, addr, dest, make([]byte, 300))
	<-got
	waitTotal(t, b.Counters, 300)
	if _, err := b.reportStats(context.Background()); err != nil {
		t.Fatal(err)
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.stats) != 1 || rb.stats["bridges.pool1.byte_count"] != 300 {
		t.Fatalf("stats = %v, want only byte_count=300", rb.stats)
	}
}

func TestWrongCookieNotForwarded(t *testing.T) {
	rb := newRecordingBroker()
	b := testBridge(t, rb, nil)
	addr := startServe(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c, err := link.Dial(ctx, addr, "other-cookie"); err == nil {
		c.Close()
		t.Fatal("handshake with the wrong cookie succeeded")
	}
	if b.Counters.Total() != 0 {
		t.Fatal("bytes counted for a rejected client")
	}
}

func TestStatsFailureDropsDrained(t *testing.T) {
	rb := newRecordingBroker()
	rb.failStats = errors.New("broker down")
	b := testBridge(t, rb, nil)
	b.Counters.Add(7, 50)

	if _, err := b.reportStats(context.Background()); err == nil {
		t.Fatal("expected an upload error")
	}
	if b.Counters.Total() != 0 || len(b.Counters.DrainASN()) != 0 {
		t.Fatal("counters not drained after a failed upload")
	}
}

func TestIncrSplitsLargeValues(t *testing.T) {
	rb := newRecordingBroker()
	b := testBridge(t, rb, nil)
	n := uint64(3)*math.MaxInt32 + 5
	if err := b.incr(context.Background(), "big", n); err != nil {
		t.Fatal(err)
	}
	want := []int32{math.MaxInt32, math.MaxInt32, math.MaxInt32, 5}
	if len(rb.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", rb.calls, want)
	}
	for i := range want {
		if rb.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", rb.calls, want)
		}
	}
	if rb.stats["big"] != int64(n) {
		t.Fatalf("total = %d, want %d", rb.stats["big"], n)
	}
}

func TestAnnounceDescriptor(t *testing.T) {
	rb := newRecordingBroker()
	b := testBridge(t, rb, nil)
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }
	addr := netip.MustParseAddrPort("198.51.100.4:7777")

	if err := b.announce(context.Background(), addr); err != nil {
		t.Fatal(err)
	}
	if len(rb.announced) != 1 {
		t.Fatalf("announced %d times", len(rb.announced))
	}
	d, err := rb.announced[0].Verify(envelope.DeriveMacKey("pool-token"))
	if err != nil {
		t.Fatalf("MAC does not verify under the pool token: %v", err)
	}
	if d.ControlListen != addr.String() || d.ControlCookie != "test-cookie" || d.Pool != "pool1" {
		t.Fatalf("descriptor = %+v", d)
	}
	if d.Expiry != uint64(now.Unix())+120 {
		t.Fatalf("expiry = %d, want now+120", d.Expiry)
	}
}

func TestRunAnnouncesImmediately(t *testing.T) {
	rb := newRecordingBroker()
	b := &Bridge{
		Config: Config{Token: "t", Pool: "p", BrokerAddr: "x", Listen: "127.0.0.1:0"},
		Broker: rb,
		Logger: discard(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- b.Run(ctx) }()

	select {
	case <-rb.inserted:
	case <-time.After(5 * time.Second):
		t.Fatal("no announcement at startup")
	}
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	if b.Cookie == "" {
		t.Fatal("no cookie generated")
	}
}

func TestRunNeedsPublicAddress(t *testing.T) {
	b := &Bridge{
		Config: Config{Token: "t", Pool: "p", BrokerAddr: "x", Listen: "0.0.0.0:0"},
		Broker: newRecordingBroker(),
		Logger: discard(),
	}
	if err := b.Run(context.Background()); err == nil {
		t.Fatal("started without knowing its public address")
	}
}

func TestParseConfig(t *testing.T) {
	env := map[string]string{
		EnvToken:      "secret",
		EnvPool:       "eu",
		EnvBrokerAddr: "192.0.2.1:9100",
	}
	cfg, err := ParseConfig([]string{"--listen", "0.0.0.0:4000", "--public-ip", "198.51.100.9", "-v"},
		func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Token != "secret" || cfg.Pool != "eu" || cfg.BrokerAddr != "192.0.2.1:9100" {
		t.Fatalf("identity = %+v", cfg)
	}
	if cfg.PublicIP != netip.MustParseAddr("198.51.100.9") || !cfg.Verbose || cfg.Listen != "0.0.0.0:4000" {
		t.Fatalf("flags = %+v", cfg)
	}

	delete(env, EnvToken)
	if _, err := ParseConfig(nil, func(k string) string { return env[k] }); err == nil {
		t.Fatal("missing token accepted")
	}
	if cfg.ForwardPrivate {
		t.Fatal("private forwarding on by default")
	}
	if _, err := ParseConfig([]string{"--public-ip", "nope"}, func(string) string { return "x" }); err == nil {
		t.Fatal("bad public ip accepted")
	}
}

func TestRebindAddr(t *testing.T) {
	bound := &net.TCPAddr{IP: net.IPv6unspecified, Port: 4567}
	if got := rebindAddr("0.0.0.0:0", bound); got != "0.0.0.0:4567" {
		t.Fatalf("rebindAddr = %q", got)
	}
}
