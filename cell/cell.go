// Package cell frames the obfuscated transport's records. Every record is
// two AEAD ciphertexts: a sealed 2-byte body length, then the sealed body
// (command byte followed by payload). Nothing on the wire is plaintext.
package cell

// Command constants
const (
	CmdData    uint8 = 0 // application bytes
	CmdForward uint8 = 1 // client asks the bridge to connect to the payload address
	CmdPadding uint8 = 2 // discarded by the receiver
)

const (
	MaxPayloadLen = 16 * 1024
	tagLen        = 16
	lenFieldLen   = 2
	// SealedLenLen is the on-wire size of the sealed length prefix.
	SealedLenLen = lenFieldLen + tagLen
)

// Cell is a decrypted record: command byte then payload.
type Cell []byte

// NewCell builds a cell with a copy of payload.
func NewCell(cmd uint8, payload []byte) Cell {
	c := make(Cell, 1+len(payload))
	c[0] = cmd
	copy(c[1:], payload)
	return c
}

func (c Cell) Command() uint8 {
	return c[0]
}

func (c Cell) Payload() []byte {
	return c[1:]
}
