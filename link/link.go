package link

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/cvsouth/bridgeline/cell"
	"github.com/cvsouth/bridgeline/handshake"
)

// HandshakeTimeout bounds the handshake when no context deadline is given.
const HandshakeTimeout = 30 * time.Second

// maxForwardPadding bounds the padding record sent after a forward request.
const maxForwardPadding = 256

// Conn is an obfuscated connection over a raw stream. Reads and writes
// handshake first if that has not happened yet.
type Conn struct {
	raw       net.Conn
	cookie    string
	responder *handshake.Responder // nil on the client side

	hsMu   sync.Mutex
	hsDone bool
	hsErr  error

	reader  *cell.Reader
	writer  *cell.Writer
	rmu     sync.Mutex
	wmu     sync.Mutex
	pending []byte
}

var _ net.Conn = (*Conn)(nil)

// Client wraps raw as the client end of an obfuscated connection keyed by
// cookie.
func Client(raw net.Conn, cookie string) *Conn {
	return &Conn{raw: raw, cookie: cookie}
}

// Server wraps raw as the server end, authenticating clients with r.
func Server(raw net.Conn, r *handshake.Responder) *Conn {
	return &Conn{raw: raw, responder: r}
}

// Handshake runs the cookie handshake if it has not run yet. Only the first
// call does any work; later calls return its result.
func (c *Conn) Handshake(ctx context.Context) error {
	c.hsMu.Lock()
	defer c.hsMu.Unlock()
	if c.hsDone {
		return c.hsErr
	}
	c.hsDone = true

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(HandshakeTimeout)
	}
	_ = c.raw.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = c.raw.SetDeadline(time.Now()) })

	err := c.handshake()
	if !stop() && err == nil {
		// Cancelled as we finished; the raw deadline may already be in the past.
		err = ctx.Err()
	}
	if err != nil {
		c.hsErr = fmt.Errorf("obfs handshake: %w", err)
		return c.hsErr
	}
	_ = c.raw.SetDeadline(time.Time{})
	return nil
}

func (c *Conn) handshake() error {
	var recvKey, sendKey [32]byte
	if c.responder != nil {
		km, err := c.responder.Respond(c.raw, time.Now())
		if err != nil {
			return err
		}
		recvKey, sendKey = km.ClientToServer, km.ServerToClient
	} else {
		hs, err := handshake.NewHandshake(c.cookie)
		if err != nil {
			return err
		}
		hello, err := hs.ClientHello(time.Now())
		if err != nil {
			hs.Close()
			return err
		}
		if _, err := c.raw.Write(hello); err != nil {
			hs.Close()
			return fmt.Errorf("send client hello: %w", err)
		}
		km, err := hs.Complete(c.raw)
		if err != nil {
			return err
		}
		recvKey, sendKey = km.ServerToClient, km.ClientToServer
	}

	var err error
	if c.reader, err = cell.NewReader(c.raw, recvKey); err != nil {
		return err
	}
	if c.writer, err = cell.NewWriter(c.raw, sendKey); err != nil {
		return err
	}
	return nil
}

// WriteForward asks the bridge to connect this stream to dest. It must be
// the first thing a client sends.
func (c *Conn) WriteForward(dest string) error {
	if c.responder != nil {
		return errors.New("forward request sent from server side")
	}
	if len(dest) == 0 || len(dest) > cell.MaxPayloadLen {
		return fmt.Errorf("invalid forward destination %q", dest)
	}
	if err := c.Handshake(context.Background()); err != nil {
		return err
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxForwardPadding+1))
	if err != nil {
		return fmt.Errorf("padding length: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.writer.WriteCell(cell.NewCell(cell.CmdForward, []byte(dest))); err != nil {
		return fmt.Errorf("send forward request: %w", err)
	}
	if err := c.writer.WriteCell(cell.NewCell(cell.CmdPadding, make([]byte, n.Int64()))); err != nil {
		return fmt.Errorf("send padding: %w", err)
	}
	return nil
}

// ReadForward reads the client's forward request. The first record after
// the handshake must be one.
func (c *Conn) ReadForward() (string, error) {
	if err := c.Handshake(context.Background()); err != nil {
		return "", err
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()
	rec, err := c.reader.ReadCell()
	if err != nil {
		return "", err
	}
	if rec.Command() != cell.CmdForward {
		return "", fmt.Errorf("expected forward request, got command %d", rec.Command())
	}
	if len(rec.Payload()) == 0 {
		return "", errors.New("empty forward destination")
	}
	return string(rec.Payload()), nil
}

// Read reads application data, skipping padding records.
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.Handshake(context.Background()); err != nil {
		return 0, err
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for len(c.pending) == 0 {
		rec, err := c.reader.ReadCell()
		if err != nil {
			return 0, err
		}
		switch rec.Command() {
		case cell.CmdData:
			c.pending = append(c.pending[:0], rec.Payload()...)
		case cell.CmdPadding:
		default:
			return 0, fmt.Errorf("unexpected command %d in data stream", rec.Command())
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write sends p as one or more data records.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.Handshake(context.Background()); err != nil {
		return 0, err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	written := 0
	for len(p) > 0 {
		chunk := p[:min(len(p), cell.MaxPayloadLen)]
		if err := c.writer.WriteCell(cell.NewCell(cell.CmdData, chunk)); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// CloseWrite half-closes the raw stream when it supports it.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.raw.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.raw.Close()
}

func (c *Conn) Close() error { return c.raw.Close() }
func (c *Conn) LocalAddr() net.Addr { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error { return c.raw.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

// Dial connects to addr and completes the handshake for cookie.
func Dial(ctx context.Context, addr, cookie string) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial: %w", err)
	}
	c := Client(raw, cookie)
	if err := c.Handshake(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return c, nil
}
