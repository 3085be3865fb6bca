package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/cvsouth/bridgeline/link"
)

const (
	// setupTimeout bounds the handshake plus the forward request.
	setupTimeout = 30 * time.Second
	dialTimeout  = 10 * time.Second
)

// errDestinationRefused is returned for forward requests into private,
// loopback or otherwise non-public address space.
var errDestinationRefused = errors.New("destination not forwardable")

// listenLoop serves ln, rebinding the same address after a pause whenever
// the listener fails. Open relays outlive a failed listener; the loop waits
// for them only when ctx is done.
func (b *Bridge) listenLoop(ctx context.Context, ln *link.Listener) error {
	bind := rebindAddr(b.Config.Listen, ln.Addr())
	var conns sync.WaitGroup
	defer conns.Wait()
	for {
		if ln != nil {
			err := b.serve(ctx, ln, &conns)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.Logger.Error("listener failed; restarting", "addr", bind, "error", err)
			ln = nil
		}
		if err := sleep(ctx, restartDelay); err != nil {
			return err
		}
		var err error
		if ln, err = link.Listen(bind, b.Cookie); err != nil {
			b.Logger.Error("rebind failed", "addr", bind, "error", err)
			ln = nil
		}
	}
}

// rebindAddr keeps the configured host and pins the port that was bound.
func rebindAddr(configured string, bound net.Addr) string {
	host, _, err := net.SplitHostPort(configured)
	tcp, ok := bound.(*net.TCPAddr)
	if err != nil || !ok {
		return bound.String()
	}
	return net.JoinHostPort(host, fmt.Sprint(tcp.Port))
}

// serve accepts until l fails or ctx is done. Each connection runs on its
// own goroutine tracked by conns; serve does not wait for them.
func (b *Bridge) serve(ctx context.Context, l *link.Listener, conns *sync.WaitGroup) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	defer l.Close()

	for {
		conn, err := l.AcceptConn()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			b.handleConn(ctx, conn)
		}()
	}
}

func (b *Bridge) handleConn(ctx context.Context, conn *link.Conn) {
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	hctx, cancel := context.WithTimeout(ctx, setupTimeout)
	err := conn.Handshake(hctx)
	cancel()
	if err != nil {
		b.Logger.Debug("handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(setupTimeout))
	dest, err := conn.ReadForward()
	if err != nil {
		b.Logger.Debug("forward request failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	upstream, err := b.dial(dctx, dest)
	cancel()
	if err != nil {
		b.Logger.Debug("dial destination failed", "dest", dest, "error", err)
		return
	}
	defer func() { _ = upstream.Close() }()

	count := b.counterFor(conn.RemoteAddr())
	b.Logger.Debug("forwarding", "remote", conn.RemoteAddr().String(), "dest", dest)
	relay(conn, upstream, count)
}

// dial resolves dest once and connects to the first public address, so a
// name cannot be re-resolved into the bridge's own network between the
// check and the dial.
func (b *Bridge) dial(ctx context.Context, dest string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(dest)
	if err != nil {
		return nil, err
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	var target netip.Addr
	for _, a := range addrs {
		if a = a.Unmap(); b.Config.ForwardPrivate || forwardable(a) {
			target = a
			break
		}
	}
	if !target.IsValid() {
		return nil, fmt.Errorf("%w: %s", errDestinationRefused, dest)
	}
	addr := net.JoinHostPort(target.String(), port)
	if b.Dial != nil {
		return b.Dial(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func forwardable(a netip.Addr) bool {
	return a.IsGlobalUnicast() && !a.IsPrivate()
}

// counterFor returns the function that records bytes for a client at
// remote: against its ASN when it resolves, otherwise only in the total.
func (b *Bridge) counterFor(remote net.Addr) func(int) {
	var (
		number uint32
		ok     bool
	)
	if ap, err := netip.ParseAddrPort(remote.String()); err == nil && b.ASN != nil {
		number, ok = b.ASN.Lookup(ap.Addr().Unmap())
	}
	if ok {
		return func(n int) { b.Counters.Add(number, uint64(n)) }
	}
	return func(n int) { b.Counters.AddTotal(uint64(n)) }
}

type closeWriter interface {
	CloseWrite() error
}

// relay copies both ways until both directions finish. Each direction
// half-closes its destination when its source ends; an error in either
// direction tears down both.
func relay(client, upstream net.Conn, count func(int)) {
	var wg sync.WaitGroup
	wg.Add(2)
	pipe := func(dst, src net.Conn) {
		defer wg.Done()
		_, err := io.Copy(countingWriter{w: dst, count: count}, src)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			_ = client.Close()
			_ = upstream.Close()
			return
		}
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		} else {
			_ = dst.Close()
		}
	}
	go pipe(upstream, client)
	go pipe(client, upstream)
	wg.Wait()
}

// countingWriter records every byte that reaches w.
type countingWriter struct {
	w     io.Writer
	count func(int)
}

func (cw countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.count(n)
	}
	return n, err
}
