package envelope

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/cvsouth/bridgeline/codec"
)

// ErrAuthentication is returned whenever a MAC or signature does not check
// out. It deliberately carries no detail about what differed.
var ErrAuthentication = errors.New("authentication failed")

// MacKeySize is the size of a MAC key and of a MAC tag.
const MacKeySize = 32

// Mac binds a payload to proof of knowledge of a shared secret.
type Mac[T any] struct {
	Inner T                `json:"inner"`
	Tag   [MacKeySize]byte `json:"tag"`
}

// DeriveMacKey derives the shared MAC secret from an authentication token.
// The token itself never leaves the submitter.
func DeriveMacKey(token string) [MacKeySize]byte {
	return blake3.Sum256([]byte(token))
}

// NewMac tags inner with key.
func NewMac[T any](inner T, key [MacKeySize]byte) (Mac[T], error) {
	tag, err := macTag(inner, key)
	if err != nil {
		return Mac[T]{}, err
	}
	return Mac[T]{Inner: inner, Tag: tag}, nil
}

// Verify recomputes the tag under key and returns the payload only if it
// matches exactly.
func (m Mac[T]) Verify(key [MacKeySize]byte) (T, error) {
	var zero T
	expected, err := macTag(m.Inner, key)
	if err != nil {
		return zero, ErrAuthentication
	}
	if subtle.ConstantTimeCompare(expected[:], m.Tag[:]) != 1 {
		return zero, ErrAuthentication
	}
	return m.Inner, nil
}

func macTag(inner any, key [MacKeySize]byte) ([MacKeySize]byte, error) {
	var tag [MacKeySize]byte
	msg, err := codec.Marshal(inner)
	if err != nil {
		return tag, fmt.Errorf("encode mac payload: %w", err)
	}
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		return tag, fmt.Errorf("blake3 keyed hash: %w", err)
	}
	h.Write(msg)
	copy(tag[:], h.Sum(nil))
	return tag, nil
}
