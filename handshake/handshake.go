// Package handshake authenticates the obfuscated transport. Both sides know
// a cookie string; the client proves it in its first message, the server
// proves it back, and an X25519 exchange yields per-direction record keys.
//
// Client hello: X(32) || timestamp(8) || padLen(2) || padding || mac(32)
// Server hello: Y(32) || padLen(2) || padding || mac(32)
package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	protoID  = "bridgeline-obfs-x25519-sha256-1"
	tCookie  = protoID + ":cookie"
	tClient  = protoID + ":client"
	tServer  = protoID + ":server"
	tKey     = protoID + ":key_extract"
	mExpand  = protoID + ":key_expand"
	keyLen   = 32
	macLen   = 32
	tsLen    = 8
	padLenSz = 2

	// MaxPadding bounds the random padding in each hello.
	MaxPadding = 512
	// MaxSkew is how far a client's clock may be from the server's.
	MaxSkew = 5 * time.Minute
)

var (
	// ErrAuthentication means the peer does not know the cookie.
	ErrAuthentication = errors.New("handshake: authentication failed")
	// ErrStale means the client hello timestamp is outside MaxSkew.
	ErrStale = errors.New("handshake: stale client hello")
	// ErrReplay means the client hello was seen before.
	ErrReplay = errors.New("handshake: replayed client hello")
)

// KeyMaterial holds the record keys for both directions.
type KeyMaterial struct {
	ClientToServer [keyLen]byte
	ServerToClient [keyLen]byte
}

// cookieKey stretches the cookie into the MAC key used by both hellos.
func cookieKey(cookie string) [keyLen]byte {
	var k [keyLen]byte
	kdf := hkdf.New(sha256.New, []byte(cookie), []byte(tCookie), nil)
	io.ReadFull(kdf, k[:])
	return k
}

// HandshakeState holds the client's ephemeral state for one handshake.
type HandshakeState struct {
	key [keyLen]byte
	x   [32]byte // ephemeral private key
	X   [32]byte // ephemeral public key
}

// NewHandshake creates client handshake state with a fresh ephemeral keypair.
func NewHandshake(cookie string) (*HandshakeState, error) {
	hs := &HandshakeState{key: cookieKey(cookie)}
	if err := newKeypair(&hs.x, &hs.X); err != nil {
		return nil, err
	}
	return hs, nil
}

// Close zeroes the ephemeral private key. Call on error paths when Complete won't be called.
func (hs *HandshakeState) Close() {
	clear(hs.x[:])
}

// ClientHello returns the client's first message, timestamped at now.
func (hs *HandshakeState) ClientHello(now time.Time) ([]byte, error) {
	pad, err := randomPadding()
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, 32+tsLen+padLenSz+len(pad)+macLen)
	msg = append(msg, hs.X[:]...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(now.Unix()))
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(pad)))
	msg = append(msg, pad...)
	msg = append(msg, mac(hs.key, tClient, msg)...)
	return msg, nil
}

// Complete reads the server hello from r, checks its MAC and derives the
// record keys.
func (hs *HandshakeState) Complete(r io.Reader) (*KeyMaterial, error) {
	defer hs.Close()

	var hdr [32 + padLenSz]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read server hello: %w", err)
	}
	padLen := int(binary.BigEndian.Uint16(hdr[32:]))
	if padLen > MaxPadding {
		return nil, ErrAuthentication
	}
	rest := make([]byte, padLen+macLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("read server hello: %w", err)
	}

	var Y [32]byte
	copy(Y[:], hdr[:32])
	signed := make([]byte, 0, 32+len(hdr)+padLen)
	signed = append(signed, hs.X[:]...)
	signed = append(signed, hdr[:]...)
	signed = append(signed, rest[:padLen]...)
	if !hmac.Equal(mac(hs.key, tServer, signed), rest[padLen:]) {
		return nil, ErrAuthentication
	}

	shared, err := curve25519.X25519(hs.x[:], Y[:])
	if err != nil {
		return nil, fmt.Errorf("curve25519 x*Y: %w", err)
	}
	return deriveKeys(shared, hs.key, hs.X, Y)
}

func deriveKeys(shared []byte, key [keyLen]byte, X, Y [32]byte) (*KeyMaterial, error) {
	if isZero(shared) {
		return nil, fmt.Errorf("x*Y produced all-zeros point")
	}
	secret := make([]byte, 0, len(shared)+keyLen)
	secret = append(secret, shared...)
	secret = append(secret, key[:]...)
	info := make([]byte, 0, len(mExpand)+64)
	info = append(info, mExpand...)
	info = append(info, X[:]...)
	info = append(info, Y[:]...)

	kdf := hkdf.New(sha256.New, secret, []byte(tKey), info)
	km := &KeyMaterial{}
	if _, err := io.ReadFull(kdf, km.ClientToServer[:]); err != nil {
		return nil, fmt.Errorf("HKDF key derivation: %w", err)
	}
	if _, err := io.ReadFull(kdf, km.ServerToClient[:]); err != nil {
		return nil, fmt.Errorf("HKDF key derivation: %w", err)
	}
	clear(secret)
	clear(shared)
	return km, nil
}

func newKeypair(priv, pub *[32]byte) error {
	if _, err := rand.Read(priv[:]); err != nil {
		return fmt.Errorf("generate ephemeral key: %w", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("compute public key: %w", err)
	}
	copy(pub[:], p)
	return nil
}

func randomPadding() ([]byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(MaxPadding+1))
	if err != nil {
		return nil, fmt.Errorf("padding length: %w", err)
	}
	pad := make([]byte, n.Int64())
	if _, err := rand.Read(pad); err != nil {
		return nil, fmt.Errorf("padding: %w", err)
	}
	return pad, nil
}

func mac(key [keyLen]byte, label string, msg []byte) []byte {
	h := hmac.New(sha256.New, key[:])
	h.Write([]byte(label))
	h.Write(msg)
	return h.Sum(nil)
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
