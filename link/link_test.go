package link

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cvsouth/bridgeline/descriptor"
)

func listen(t *testing.T, cookie string) *Listener {
	t.Helper()
	ln, err := Listen("127.0.0.1:0", cookie)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

// serveForward accepts one connection, reads its forward request, reports
// the destination and echoes data back.
func serveForward(t *testing.T, ln *Listener, dests chan<- string) {
	t.Helper()
	go func() {
		c, err := ln.AcceptConn()
		if err != nil {
			return
		}
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Handshake(ctx); err != nil {
			dests <- "handshake error: " + err.Error()
			return
		}
		dest, err := c.ReadForward()
		if err != nil {
			dests <- "forward error: " + err.Error()
			return
		}
		dests <- dest
		io.Copy(c, c)
	}()
}

func TestDialForwardEcho(t *testing.T) {
	ln := listen(t, "cookie")
	dests := make(chan string, 1)
	serveForward(t, ln, dests)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, ln.Addr().String(), "cookie")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	if err := c.WriteForward("203.0.113.9:4000"); err != nil {
		t.Fatalf("WriteForward: %v", err)
	}
	if got := <-dests; got != "203.0.113.9:4000" {
		t.Fatalf("server saw destination %q", got)
	}

	msg := bytes.Repeat([]byte("0123456789"), 5000) // spans several records
	go c.Write(msg)
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("echo mismatch")
	}
}

func TestWrongCookieRejected(t *testing.T) {
	ln := listen(t, "cookie")
	dests := make(chan string, 1)
	serveForward(t, ln, dests)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c, err := Dial(ctx, ln.Addr().String(), "wrong"); err == nil {
		c.Close()
		t.Fatal("handshake with wrong cookie succeeded")
	}
	if got := <-dests; got == "" || got[:9] != "handshake" {
		t.Fatalf("server result %q, want handshake error", got)
	}
}

func TestDialRouteObfsOverTCP(t *testing.T) {
	ln := listen(t, "bridge-cookie")
	dests := make(chan string, 1)
	serveForward(t, ln, dests)

	bad := descriptor.ObfsRoute("bridge-cookie", descriptor.TCPRoute("127.0.0.1:1"))
	good := descriptor.ObfsRoute("bridge-cookie", descriptor.TCPRoute(ln.Addr().String()))
	route := descriptor.RouteDescriptor{
		Kind:   descriptor.RouteRace,
		Routes: []descriptor.RouteDescriptor{bad, good},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := DialRoute(ctx, route, "198.51.100.7:9000")
	if err != nil {
		t.Fatalf("DialRoute: %v", err)
	}
	defer conn.Close()
	if got := <-dests; got != "198.51.100.7:9000" {
		t.Fatalf("bridge saw destination %q", got)
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("echo = %q, %v", buf, err)
	}
}

func TestDialRouteFallback(t *testing.T) {
	var lc net.ListenConfig
	raw, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	go func() {
		c, err := raw.Accept()
		if err == nil {
			c.Close()
		}
	}()

	route := descriptor.RouteDescriptor{
		Kind: descriptor.RouteFallback,
		Routes: []descriptor.RouteDescriptor{
			descriptor.TCPRoute("127.0.0.1:1"),
			descriptor.TCPRoute(raw.Addr().String()),
		},
	}
	conn, err := DialRoute(context.Background(), route, "unused:1")
	if err != nil {
		t.Fatalf("DialRoute: %v", err)
	}
	conn.Close()
}

func TestDialRouteRejectsInvalid(t *testing.T) {
	_, err := DialRoute(context.Background(), descriptor.RouteDescriptor{Kind: "bogus"}, "x:1")
	if err == nil {
		t.Fatal("expected error for invalid route")
	}
}
