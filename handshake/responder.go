package handshake

import (
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
)

// Responder answers client hellos for one cookie. It remembers recent
// client ephemeral keys so a captured hello cannot be replayed.
type Responder struct {
	key [keyLen]byte

	mu   sync.Mutex
	seen map[[32]byte]time.Time
	// order holds the keys in seen oldest first.
	order []seenKey
}

type seenKey struct {
	key [32]byte
	at  time.Time
}

// NewResponder returns a responder for cookie.
func NewResponder(cookie string) *Responder {
	return &Responder{key: cookieKey(cookie), seen: make(map[[32]byte]time.Time)}
}

// Respond reads a client hello from rw, verifies it, writes the server
// hello and returns the record keys.
func (r *Responder) Respond(rw io.ReadWriter, now time.Time) (*KeyMaterial, error) {
	var hdr [32 + tsLen + padLenSz]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return nil, fmt.Errorf("read client hello: %w", err)
	}
	padLen := int(binary.BigEndian.Uint16(hdr[32+tsLen:]))
	if padLen > MaxPadding {
		return nil, ErrAuthentication
	}
	rest := make([]byte, padLen+macLen)
	if _, err := io.ReadFull(rw, rest); err != nil {
		return nil, fmt.Errorf("read client hello: %w", err)
	}

	signed := make([]byte, 0, len(hdr)+padLen)
	signed = append(signed, hdr[:]...)
	signed = append(signed, rest[:padLen]...)
	if !hmac.Equal(mac(r.key, tClient, signed), rest[padLen:]) {
		return nil, ErrAuthentication
	}

	ts := time.Unix(int64(binary.BigEndian.Uint64(hdr[32:32+tsLen])), 0)
	if ts.Before(now.Add(-MaxSkew)) || ts.After(now.Add(MaxSkew)) {
		return nil, ErrStale
	}

	var X [32]byte
	copy(X[:], hdr[:32])
	if !r.remember(X, now) {
		return nil, ErrReplay
	}

	var y, Y [32]byte
	if err := newKeypair(&y, &Y); err != nil {
		return nil, err
	}
	defer clear(y[:])

	pad, err := randomPadding()
	if err != nil {
		return nil, err
	}
	reply := make([]byte, 0, 32+padLenSz+len(pad)+macLen)
	reply = append(reply, Y[:]...)
	reply = binary.BigEndian.AppendUint16(reply, uint16(len(pad)))
	reply = append(reply, pad...)
	authed := make([]byte, 0, 32+len(reply))
	authed = append(authed, X[:]...)
	authed = append(authed, reply...)
	reply = append(reply, mac(r.key, tServer, authed)...)

	shared, err := curve25519.X25519(y[:], X[:])
	if err != nil {
		return nil, fmt.Errorf("curve25519 y*X: %w", err)
	}
	km, err := deriveKeys(shared, r.key, X, Y)
	if err != nil {
		return nil, err
	}
	if _, err := rw.Write(reply); err != nil {
		return nil, fmt.Errorf("write server hello: %w", err)
	}
	return km, nil
}

// remember records X and reports whether it was new. Entries older than
// twice MaxSkew can no longer pass the timestamp check and are dropped.
func (r *Responder) remember(X [32]byte, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.order) > 0 && now.Sub(r.order[0].at) > 2*MaxSkew {
		delete(r.seen, r.order[0].key)
		r.order = r.order[1:]
	}
	if _, dup := r.seen[X]; dup {
		return false
	}
	r.seen[X] = now
	r.order = append(r.order, seenKey{X, now})
	return true
}
