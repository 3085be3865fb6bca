package cell

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCorrupt means a record failed authentication. The stream is unusable
// after this.
var ErrCorrupt = errors.New("cell: record authentication failed")

// nonceSeq hands out sequential nonces. A key is never used for more than
// 2^64 seals, so the counter never wraps in practice.
type nonceSeq struct {
	n   uint64
	buf [chacha20poly1305.NonceSize]byte
}

func (s *nonceSeq) next() []byte {
	binary.LittleEndian.PutUint64(s.buf[:8], s.n)
	s.n++
	return s.buf[:]
}

func newAEAD(key [32]byte) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("record cipher: %w", err)
	}
	return aead, nil
}

// Reader reads and opens records.
type Reader struct {
	r     io.Reader
	aead  cipher.AEAD
	nonce nonceSeq
	buf   []byte
}

// NewReader opens records from r sealed under key.
func NewReader(r io.Reader, key [32]byte) (*Reader, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Reader{r: r, aead: aead}, nil
}

// ReadCell reads one record. The returned cell is only valid until the next
// call.
func (cr *Reader) ReadCell() (Cell, error) {
	var sealedLen [SealedLenLen]byte
	if _, err := io.ReadFull(cr.r, sealedLen[:]); err != nil {
		return nil, fmt.Errorf("read record length: %w", err)
	}
	var lenBuf [lenFieldLen]byte
	if _, err := cr.aead.Open(lenBuf[:0], cr.nonce.next(), sealedLen[:], nil); err != nil {
		return nil, ErrCorrupt
	}
	bodyLen := int(binary.BigEndian.Uint16(lenBuf[:]))
	if bodyLen < 1 || bodyLen > 1+MaxPayloadLen {
		return nil, fmt.Errorf("record body length %d out of range", bodyLen)
	}

	need := bodyLen + tagLen
	if cap(cr.buf) < need {
		cr.buf = make([]byte, need)
	}
	sealed := cr.buf[:need]
	if _, err := io.ReadFull(cr.r, sealed); err != nil {
		return nil, fmt.Errorf("read record body: %w", err)
	}
	body, err := cr.aead.Open(sealed[:0], cr.nonce.next(), sealed, nil)
	if err != nil {
		return nil, ErrCorrupt
	}
	return Cell(body), nil
}

// Writer seals and writes records. It is not safe for concurrent use.
type Writer struct {
	w     io.Writer
	aead  cipher.AEAD
	nonce nonceSeq
	buf   []byte
}

// NewWriter seals records to w under key.
func NewWriter(w io.Writer, key [32]byte) (*Writer, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Writer{w: w, aead: aead}, nil
}

// WriteCell seals c as one record and writes it with a single Write.
func (cw *Writer) WriteCell(c Cell) error {
	if len(c) < 1 || len(c) > 1+MaxPayloadLen {
		return fmt.Errorf("cell length %d out of range", len(c))
	}
	var lenBuf [lenFieldLen]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(c)))

	out := cw.buf[:0]
	out = cw.aead.Seal(out, cw.nonce.next(), lenBuf[:], nil)
	out = cw.aead.Seal(out, cw.nonce.next(), c, nil)
	cw.buf = out
	_, err := cw.w.Write(out)
	return err
}
