package link

import (
	"net"

	"github.com/cvsouth/bridgeline/handshake"
)

// Listener accepts obfuscated connections keyed by one cookie. Accepted
// connections have not handshaken yet; call Conn.Handshake with a deadline
// before trusting them.
type Listener struct {
	inner     net.Listener
	responder *handshake.Responder
}

var _ net.Listener = (*Listener)(nil)

// NewListener wraps inner so that only holders of cookie can talk through
// accepted connections.
func NewListener(inner net.Listener, cookie string) *Listener {
	return &Listener{inner: inner, responder: handshake.NewResponder(cookie)}
}

// Listen binds a TCP listener on addr and wraps it.
func Listen(addr, cookie string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewListener(ln, cookie), nil
}

// AcceptConn waits for the next raw connection.
func (l *Listener) AcceptConn() (*Conn, error) {
	raw, err := l.inner.Accept()
	if err != nil {
		return nil, err
	}
	return Server(raw, l.responder), nil
}

func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.AcceptConn()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (l *Listener) Close() error   { return l.inner.Close() }
func (l *Listener) Addr() net.Addr { return l.inner.Addr() }
