// Package bridge runs a relay that accepts obfuscated connections from
// clients and forwards each one to the destination the client names. It
// keeps itself listed with the broker and reports how many bytes it carried
// per client network.
//
// Any holder of the bridge cookie can reach any public TCP address through
// it: the bridge is an open relay for its pool. Private, loopback and
// link-local destinations are refused unless Config.ForwardPrivate is set.
package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/cvsouth/bridgeline/accounting"
	"github.com/cvsouth/bridgeline/asn"
	"github.com/cvsouth/bridgeline/broker"
	"github.com/cvsouth/bridgeline/descriptor"
	"github.com/cvsouth/bridgeline/envelope"
	"github.com/cvsouth/bridgeline/link"
)

const (
	announceInterval = 10 * time.Second
	statsInterval    = 3 * time.Second
	// rpcTimeout bounds every broker call.
	rpcTimeout   = 2 * time.Second
	restartDelay = time.Second
)

// Bridge is one relay process. Set the exported fields, then call Run.
type Bridge struct {
	Config   Config
	Broker   broker.Protocol
	Counters *accounting.Counters
	ASN      asn.Resolver // nil counts every byte as unattributed
	Logger   *slog.Logger

	// Cookie is the shared secret clients handshake with. Run generates
	// one when empty.
	Cookie string

	// Dial connects to forward destinations. nil uses a net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	now func() time.Time
}

// Run listens, announces and reports stats until ctx is done or a loop
// fails for good. Transient failures inside a loop are logged and retried
// on the loop's next cycle.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.init(); err != nil {
		return err
	}
	ln, err := link.Listen(b.Config.Listen, b.Cookie)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	advertised, err := b.advertisedAddr(ln.Addr())
	if err != nil {
		ln.Close()
		return err
	}
	b.Logger.Info("bridge started", "pool", b.Config.Pool, "listen", ln.Addr().String(), "advertised", advertised.String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.announceLoop(ctx, advertised) })
	g.Go(func() error { return b.statsLoop(ctx) })
	g.Go(func() error { return b.listenLoop(ctx, ln) })
	return g.Wait()
}

func (b *Bridge) init() error {
	if b.Broker == nil {
		return errors.New("bridge: no broker")
	}
	if b.Logger == nil {
		b.Logger = slog.Default()
	}
	if b.Counters == nil {
		b.Counters = accounting.New()
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.Cookie == "" {
		var raw [16]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return fmt.Errorf("generate cookie: %w", err)
		}
		b.Cookie = "bridge-cookie-" + hex.EncodeToString(raw[:])
	}
	return nil
}

// advertisedAddr is the public IP with the port actually bound.
func (b *Bridge) advertisedAddr(bound net.Addr) (netip.AddrPort, error) {
	tcp, ok := bound.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("unexpected listener address %v", bound)
	}
	port := uint16(tcp.Port)
	if b.Config.PublicIP.IsValid() {
		return netip.AddrPortFrom(b.Config.PublicIP, port), nil
	}
	listen, err := netip.ParseAddrPort(b.Config.Listen)
	if err == nil && !listen.Addr().IsUnspecified() {
		return netip.AddrPortFrom(listen.Addr().Unmap(), port), nil
	}
	return netip.AddrPort{}, errors.New("bridge: public address unknown; set PublicIP")
}

func (b *Bridge) announceLoop(ctx context.Context, addr netip.AddrPort) error {
	for {
		if err := b.announce(ctx, addr); err != nil {
			b.Logger.Error("announce failed", "broker", b.Config.BrokerAddr, "error", err)
		} else {
			b.Logger.Debug("announced", "addr", addr.String())
		}
		if err := sleep(ctx, announceInterval); err != nil {
			return err
		}
	}
}

// announce sends one fresh descriptor, MACed with the pool token.
func (b *Bridge) announce(ctx context.Context, addr netip.AddrPort) error {
	d := descriptor.NewBridgeDescriptor(addr, b.Cookie, b.Config.Pool, b.now())
	m, err := envelope.NewMac(d, envelope.DeriveMacKey(b.Config.Token))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	if err := b.Broker.InsertBridge(ctx, m); err != nil {
		return fmt.Errorf("insert bridge: %w", err)
	}
	return nil
}

func (b *Bridge) statsLoop(ctx context.Context) error {
	for {
		if err := sleep(ctx, statsInterval); err != nil {
			return err
		}
		total, err := b.reportStats(ctx)
		if err != nil {
			b.Logger.Error("stats upload failed", "error", err)
			continue
		}
		if total > 0 {
			b.Logger.Info("reported traffic", "bytes", humanize.IBytes(total))
		}
	}
}

// reportStats drains the counters and uploads them. A failed upload loses
// the drained value.
func (b *Bridge) reportStats(ctx context.Context) (uint64, error) {
	prefix := "bridges." + b.Config.Pool
	total := b.Counters.DrainTotal()
	var errs []error
	if total > 0 {
		if err := b.incr(ctx, prefix+".byte_count", total); err != nil {
			errs = append(errs, err)
		}
	}
	for number, n := range b.Counters.DrainASN() {
		if err := b.incr(ctx, fmt.Sprintf("%s.asn.%d", prefix, number), n); err != nil {
			errs = append(errs, err)
			continue
		}
		b.Logger.Debug("reported asn traffic", "asn", number, "bytes", humanize.IBytes(n))
	}
	return total, errors.Join(errs...)
}

// incr adds n to a stat, splitting it into as many int32 increments as it
// takes.
func (b *Bridge) incr(ctx context.Context, name string, n uint64) error {
	for n > 0 {
		delta := min(n, math.MaxInt32)
		cctx, cancel := context.WithTimeout(ctx, rpcTimeout)
		err := b.Broker.IncrStat(cctx, name, int32(delta))
		cancel()
		if err != nil {
			return fmt.Errorf("incr %s: %w", name, err)
		}
		n -= delta
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
