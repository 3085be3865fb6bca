package mizaru

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"sync"

	"golang.org/x/crypto/sha3"
)

const (
	// DefaultKeyBits is the modulus size of production subkeys.
	DefaultKeyBits = 2048
	// MinKeyBits is the smallest modulus accepted anywhere.
	MinKeyBits = 1024

	publicExponent = 65537
	subkeyContext  = "bridgeline mizaru subkey v1"
)

// SecretKey is the broker's master credential secret. Every (level, epoch)
// pair gets its own RSA subkey, derived deterministically from the seed so
// that restarts and replicas agree on the public subkeys.
type SecretKey struct {
	seed [32]byte
	bits int

	mu      sync.Mutex
	subkeys map[subkeyID]*PrivateKey
}

type subkeyID struct {
	level string
	epoch uint16
}

// NewSecretKey wraps seed. bits must be a multiple of 16 and at least
// MinKeyBits.
func NewSecretKey(seed [32]byte, bits int) (*SecretKey, error) {
	if bits < MinKeyBits || bits%16 != 0 {
		return nil, fmt.Errorf("invalid subkey size %d", bits)
	}
	return &SecretKey{seed: seed, bits: bits, subkeys: make(map[subkeyID]*PrivateKey)}, nil
}

// GenerateSecretKey creates a secret key from a fresh random seed.
func GenerateSecretKey(bits int) (*SecretKey, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	return NewSecretKey(seed, bits)
}

// Subkey returns the signing subkey for level and epoch, deriving it on
// first use.
func (sk *SecretKey) Subkey(level string, epoch uint16) (*PrivateKey, error) {
	id := subkeyID{level: level, epoch: epoch}

	sk.mu.Lock()
	defer sk.mu.Unlock()
	if k, ok := sk.subkeys[id]; ok {
		return k, nil
	}

	shake := sha3.NewShake256()
	shake.Write([]byte(subkeyContext))
	shake.Write(sk.seed[:])
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(len(level)))
	binary.BigEndian.PutUint16(hdr[2:4], epoch)
	shake.Write(hdr[:])
	shake.Write([]byte(level))

	k, err := deriveKey(shake, sk.bits)
	if err != nil {
		return nil, fmt.Errorf("derive subkey %s/%d: %w", level, epoch, err)
	}
	sk.subkeys[id] = k
	return k, nil
}

// PrivateKey is one blind-signing subkey.
type PrivateKey struct {
	key *rsa.PrivateKey
}

// Public returns the verification half of k.
func (k *PrivateKey) Public() *PublicKey {
	return &PublicKey{key: &k.key.PublicKey}
}

// PublicKey verifies unblinded signatures made by the matching subkey.
type PublicKey struct {
	key *rsa.PublicKey
}

// Bytes returns the PKCS#1 DER encoding of p.
func (p *PublicKey) Bytes() []byte {
	return x509.MarshalPKCS1PublicKey(p.key)
}

// ParsePublicKey parses a PKCS#1 DER public key as produced by Bytes.
func ParsePublicKey(der []byte) (*PublicKey, error) {
	key, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse subkey: %w", err)
	}
	if key.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("subkey modulus too small: %d bits", key.N.BitLen())
	}
	if key.E != publicExponent {
		return nil, fmt.Errorf("unexpected subkey exponent %d", key.E)
	}
	return &PublicKey{key: key}, nil
}

// Equal reports whether p and other are the same key.
func (p *PublicKey) Equal(other *PublicKey) bool {
	return other != nil && p.key.Equal(other.key)
}

// deriveKey builds an RSA key from two primes read out of r. The same
// stream always yields the same key.
func deriveKey(r io.Reader, bits int) (*PrivateKey, error) {
	e := big.NewInt(publicExponent)
	one := big.NewInt(1)
	for {
		p, err := derivePrime(r, bits/2)
		if err != nil {
			return nil, err
		}
		q, err := derivePrime(r, bits/2)
		if err != nil {
			return nil, err
		}
		if p.Cmp(q) == 0 {
			continue
		}
		n := new(big.Int).Mul(p, q)
		if n.BitLen() != bits {
			continue
		}
		pm1 := new(big.Int).Sub(p, one)
		qm1 := new(big.Int).Sub(q, one)
		phi := new(big.Int).Mul(pm1, qm1)
		d := new(big.Int).ModInverse(e, phi)
		if d == nil {
			continue
		}
		key := &rsa.PrivateKey{
			PublicKey: rsa.PublicKey{N: n, E: publicExponent},
			D:         d,
			Primes:    []*big.Int{p, q},
		}
		key.Precompute()
		return &PrivateKey{key: key}, nil
	}
}

// derivePrime reads candidates of exactly bits bits from r and searches
// upward from each for a prime p with gcd(p-1, e) = 1.
func derivePrime(r io.Reader, bits int) (*big.Int, error) {
	buf := make([]byte, bits/8)
	two := big.NewInt(2)
	e := big.NewInt(publicExponent)
	gcd := new(big.Int)
	pm1 := new(big.Int)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("read prime candidate: %w", err)
		}
		// Top two bits set so the product of two such primes has full length.
		buf[0] |= 0xC0
		buf[len(buf)-1] |= 1
		p := new(big.Int).SetBytes(buf)
		for range 1 << 12 {
			if p.BitLen() != bits {
				break
			}
			if p.ProbablyPrime(20) {
				pm1.Sub(p, big.NewInt(1))
				if gcd.GCD(nil, nil, pm1, e).Cmp(big.NewInt(1)) == 0 {
					return p, nil
				}
			}
			p.Add(p, two)
		}
	}
}
