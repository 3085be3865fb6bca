package mizaru

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/cloudflare/circl/blindsign/blindrsa"
)

// ErrBadSignature is returned when an unblinded signature does not verify.
var ErrBadSignature = errors.New("mizaru: signature does not verify")

// Tokens are already uniformly random, so the deterministic variant needs no
// message prefix.
const variant = blindrsa.SHA384PSSDeterministic

// ClientToken is the random value a client gets signed without the broker
// ever seeing it.
type ClientToken [32]byte

// BlindedClientToken is a ClientToken hidden by a blinding factor.
type BlindedClientToken []byte

// BlindedSignature is the broker's signature over a BlindedClientToken.
type BlindedSignature []byte

// UnblindedSignature is a signature over the original ClientToken.
type UnblindedSignature []byte

// NewClientToken returns a fresh random token.
func NewClientToken() (ClientToken, error) {
	var t ClientToken
	if _, err := rand.Read(t[:]); err != nil {
		return t, fmt.Errorf("generate client token: %w", err)
	}
	return t, nil
}

// Unblinder holds the per-request blinding state on the client side. It
// must be used for exactly one blinded signature.
type Unblinder struct {
	client blindrsa.Client
	state  blindrsa.State
}

// Blind hides token under a fresh blinding factor (RFC 9474 RSABSSA).
func Blind(pub *PublicKey, token ClientToken) (BlindedClientToken, *Unblinder, error) {
	c, err := blindrsa.NewClient(variant, pub.key)
	if err != nil {
		return nil, nil, fmt.Errorf("blind: %w", err)
	}
	msg, err := c.Prepare(rand.Reader, token[:])
	if err != nil {
		return nil, nil, fmt.Errorf("blind: %w", err)
	}
	blinded, state, err := c.Blind(rand.Reader, msg)
	if err != nil {
		return nil, nil, fmt.Errorf("blind: %w", err)
	}
	return BlindedClientToken(blinded), &Unblinder{client: c, state: state}, nil
}

// Unblind strips the blinding factor from sig and checks the result is a
// valid signature over the original token.
func (u *Unblinder) Unblind(sig BlindedSignature) (UnblindedSignature, error) {
	out, err := u.client.Finalize(u.state, sig)
	if err != nil {
		return nil, ErrBadSignature
	}
	return UnblindedSignature(out), nil
}

// BlindSign signs a blinded token. The signer learns nothing about the
// token underneath.
func (k *PrivateKey) BlindSign(blinded BlindedClientToken) (BlindedSignature, error) {
	size := modulusLen(k.key.N)
	if len(blinded) != size {
		return nil, fmt.Errorf("blinded token is %d bytes, want %d", len(blinded), size)
	}
	if c := new(big.Int).SetBytes(blinded); c.Sign() == 0 || c.Cmp(k.key.N) >= 0 {
		return nil, errors.New("blinded token out of range")
	}
	sig, err := blindrsa.NewSigner(k.key).BlindSign(blinded)
	if err != nil {
		return nil, fmt.Errorf("blind sign: %w", err)
	}
	return BlindedSignature(sig), nil
}

// Verify checks that sig is a signature over token under p.
func (p *PublicKey) Verify(token ClientToken, sig UnblindedSignature) error {
	v, err := blindrsa.NewVerifier(variant, p.key)
	if err != nil {
		return err
	}
	if len(sig) != modulusLen(p.key.N) {
		return ErrBadSignature
	}
	if err := v.Verify(token[:], sig); err != nil {
		return ErrBadSignature
	}
	return nil
}

func modulusLen(n *big.Int) int {
	return (n.BitLen() + 7) / 8
}
