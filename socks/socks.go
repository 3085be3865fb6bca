// Package socks is the client's local SOCKS5 entry point. Each CONNECT is
// handed to a dial function, normally one that reaches the destination
// through a bridge route.
package socks

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"
)

const (
	maxConns     = 256
	setupTimeout = 2 * time.Minute
)

// SOCKS5 reply codes.
const (
	replySucceeded          byte = 0x00
	replyGeneralFailure     byte = 0x01
	replyHostUnreachable    byte = 0x04
	replyCommandUnsupported byte = 0x07
	replyAddressUnsupported byte = 0x08
)

// DialFunc opens a stream to target, a host:port string.
type DialFunc func(ctx context.Context, target string) (net.Conn, error)

// Server is a no-auth SOCKS5 proxy supporting CONNECT only.
type Server struct {
	Dial   DialFunc
	Logger *slog.Logger
}

// Serve accepts on ln until ctx is done or ln fails. ln must be bound to a
// loopback address.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if err := checkLoopback(ln.Addr()); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	sem := make(chan struct{}, maxConns)
	s.Logger.Info("socks5 listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.handleConn(ctx, conn)
		}()
	}
}

func checkLoopback(addr net.Addr) error {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("socks5: unexpected listener address %v", addr)
	}
	if !tcp.IP.IsLoopback() {
		return fmt.Errorf("socks5 server must bind to a loopback address, got %s", tcp.IP)
	}
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetDeadline(time.Now().Add(setupTimeout))
	if err := negotiate(conn); err != nil {
		s.Logger.Debug("socks5 negotiation failed", "error", err)
		return
	}
	target, err := readConnect(conn)
	if err != nil {
		s.Logger.Debug("socks5 request failed", "error", err)
		return
	}

	dctx, cancel := context.WithTimeout(ctx, setupTimeout)
	upstream, err := s.Dial(dctx, target)
	cancel()
	if err != nil {
		s.Logger.Warn("socks5 connect failed", "target", target, "error", err)
		sendReply(conn, replyHostUnreachable)
		return
	}
	defer func() { _ = upstream.Close() }()

	sendReply(conn, replySucceeded)
	_ = conn.SetDeadline(time.Time{})
	s.Logger.Debug("socks5 connected", "target", target)
	relay(conn, upstream)
}

// negotiate accepts the no-auth method or refuses the client.
func negotiate(conn net.Conn) error {
	var buf [255]byte
	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if buf[0] != 0x05 {
		return fmt.Errorf("unsupported SOCKS version %d", buf[0])
	}
	n := int(buf[1])
	if n == 0 {
		return errors.New("no methods offered")
	}
	if _, err := io.ReadFull(conn, buf[:n]); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}
	for _, m := range buf[:n] {
		if m == 0x00 {
			_, err := conn.Write([]byte{0x05, 0x00})
			return err
		}
	}
	_, _ = conn.Write([]byte{0x05, 0xFF})
	return errors.New("client does not offer no-auth")
}

// readConnect parses a CONNECT request and returns its target as host:port.
func readConnect(conn net.Conn) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", fmt.Errorf("read request: %w", err)
	}
	if hdr[0] != 0x05 {
		return "", fmt.Errorf("bad version %d", hdr[0])
	}
	if hdr[1] != 0x01 {
		sendReply(conn, replyCommandUnsupported)
		return "", fmt.Errorf("unsupported command %d", hdr[1])
	}

	var host string
	switch hdr[3] {
	case 0x01:
		var a [4]byte
		if _, err := io.ReadFull(conn, a[:]); err != nil {
			return "", err
		}
		host = netip.AddrFrom4(a).String()
	case 0x04:
		var a [16]byte
		if _, err := io.ReadFull(conn, a[:]); err != nil {
			return "", err
		}
		host = netip.AddrFrom16(a).String()
	case 0x03:
		var n [1]byte
		if _, err := io.ReadFull(conn, n[:]); err != nil {
			return "", err
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			return "", err
		}
		if len(name) == 0 {
			return "", errors.New("empty domain name")
		}
		host = string(name)
	default:
		sendReply(conn, replyAddressUnsupported)
		return "", fmt.Errorf("unknown address type %d", hdr[3])
	}

	var port [2]byte
	if _, err := io.ReadFull(conn, port[:]); err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port[:])))), nil
}

func sendReply(conn net.Conn, rep byte) {
	// VER REP RSV ATYP(IPv4) BND.ADDR BND.PORT, all zero.
	_, _ = conn.Write([]byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
}

type closeWriter interface {
	CloseWrite() error
}

// relay copies both ways, half-closing each side when its source ends.
func relay(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	pipe := func(dst, src net.Conn) {
		defer wg.Done()
		if _, err := io.Copy(dst, src); err != nil {
			_ = a.Close()
			_ = b.Close()
			return
		}
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
	}
	go pipe(b, a)
	go pipe(a, b)
	wg.Wait()
}
