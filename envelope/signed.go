package envelope

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/cvsouth/bridgeline/codec"
)

// Signature domains. A signature made for one domain never verifies under
// another, even over byte-identical payloads.
const (
	DomainExitDescriptor = "exit-descriptor"
	DomainExitList       = "exit-list"
)

// Signed binds a payload to an ed25519 signature made by PublicKey.
type Signed[T any] struct {
	Inner     T                 `json:"inner"`
	Signature []byte            `json:"signature"`
	PublicKey ed25519.PublicKey `json:"pubkey"`
}

// signedMessage is what actually gets signed: the domain and the payload,
// encoded together as a two-element CBOR array.
type signedMessage struct {
	_      struct{} `cbor:",toarray"`
	Domain string
	Inner  any
}

// Sign signs inner under domain with priv.
func Sign[T any](inner T, domain string, priv ed25519.PrivateKey) (Signed[T], error) {
	msg, err := codec.Marshal(signedMessage{Domain: domain, Inner: inner})
	if err != nil {
		return Signed[T]{}, fmt.Errorf("encode signed payload: %w", err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return Signed[T]{
		Inner:     inner,
		Signature: ed25519.Sign(priv, msg),
		PublicKey: bytes.Clone(pub),
	}, nil
}

// Verify checks the signature under domain and requires the signer to be
// expected. The payload is returned only on success.
func (s Signed[T]) Verify(domain string, expected ed25519.PublicKey) (T, error) {
	var zero T
	if len(expected) != ed25519.PublicKeySize || !bytes.Equal(expected, s.PublicKey) {
		return zero, ErrAuthentication
	}
	return s.VerifySelf(domain)
}

// VerifySelf checks the signature under domain against the embedded key.
// Callers must decide separately whether they trust that key.
func (s Signed[T]) VerifySelf(domain string) (T, error) {
	var zero T
	if err := ValidatePublicKey(s.PublicKey); err != nil {
		return zero, ErrAuthentication
	}
	if len(s.Signature) != ed25519.SignatureSize {
		return zero, ErrAuthentication
	}
	msg, err := codec.Marshal(signedMessage{Domain: domain, Inner: s.Inner})
	if err != nil {
		return zero, ErrAuthentication
	}
	if !ed25519.Verify(s.PublicKey, msg, s.Signature) {
		return zero, ErrAuthentication
	}
	return s.Inner, nil
}

// ValidatePublicKey rejects ed25519 keys that are not canonical encodings of
// a point, and points with a torsion component.
func ValidatePublicKey(pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key length %d, expected %d", len(pub), ed25519.PublicKeySize)
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return fmt.Errorf("invalid ed25519 point: %w", err)
	}
	if !bytes.Equal(p.Bytes(), pub) {
		return fmt.Errorf("non-canonical ed25519 point")
	}
	// [8]P is the identity exactly when P has small order.
	if new(edwards25519.Point).MultByCofactor(p).Equal(edwards25519.NewIdentityPoint()) == 1 {
		return fmt.Errorf("small-order ed25519 point")
	}
	if !isTorsionFree(p) {
		return fmt.Errorf("ed25519 point has a torsion component")
	}
	return nil
}

// groupOrderMinusOne is L-1 in little-endian, where
// L = 2^252 + 27742317777372353535851937790883648493. Scalars are reduced
// mod L so L itself cannot be represented, but [L-1]P + P == [L]P, which is
// the identity exactly when P lies in the prime-order subgroup.
var groupOrderMinusOne = [32]byte{
	0xec, 0xd3, 0xf5, 0x5c, 0x1a, 0x63, 0x12, 0x58,
	0xd6, 0x9c, 0xf7, 0xa2, 0xde, 0xf9, 0xde, 0x14,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10,
}

func isTorsionFree(p *edwards25519.Point) bool {
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(groupOrderMinusOne[:])
	if err != nil {
		return false
	}
	lp := new(edwards25519.Point).ScalarMult(s, p)
	lp.Add(lp, p)
	return lp.Equal(edwards25519.NewIdentityPoint()) == 1
}
