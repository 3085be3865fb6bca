// Package codec is the canonical byte encoding for anything that gets
// authenticated. MAC tags and signatures are computed over these bytes, so
// the same logical value must always encode identically.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys, shortest
	// integer and float forms, no indefinite lengths.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: cbor decoder: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes CBOR data into v. Duplicate map keys are rejected.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec unmarshal: %w", err)
	}
	return nil
}
