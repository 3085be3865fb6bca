package cell

import (
	"bytes"
	"errors"
	"testing"
)

var testKey = [32]byte{1, 2, 3}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testKey)
	if err != nil {
		t.Fatal(err)
	}
	payloads := [][]byte{[]byte("hello"), nil, bytes.Repeat([]byte{0xAB}, MaxPayloadLen)}
	cmds := []uint8{CmdData, CmdPadding, CmdForward}
	for i := range payloads {
		if err := w.WriteCell(NewCell(cmds[i], payloads[i])); err != nil {
			t.Fatalf("WriteCell %d: %v", i, err)
		}
	}

	r, err := NewReader(&buf, testKey)
	if err != nil {
		t.Fatal(err)
	}
	for i := range payloads {
		c, err := r.ReadCell()
		if err != nil {
			t.Fatalf("ReadCell %d: %v", i, err)
		}
		if c.Command() != cmds[i] {
			t.Fatalf("cell %d: command %d, want %d", i, c.Command(), cmds[i])
		}
		if !bytes.Equal(c.Payload(), payloads[i]) {
			t.Fatalf("cell %d: payload mismatch", i)
		}
	}
}

func TestNoPlaintextOnWire(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf, testKey)
	msg := []byte("a very recognisable plaintext string")
	if err := w.WriteCell(NewCell(CmdData, msg)); err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(buf.Bytes(), msg) {
		t.Fatal("plaintext visible on the wire")
	}
	if got, want := buf.Len(), SealedLenLen+1+len(msg)+tagLen; got != want {
		t.Fatalf("record is %d bytes, want %d", got, want)
	}
}

func TestWrongKey(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf, testKey)
	w.WriteCell(NewCell(CmdData, []byte("x")))

	r, _ := NewReader(&buf, [32]byte{9})
	if _, err := r.ReadCell(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestTamperedBody(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf, testKey)
	w.WriteCell(NewCell(CmdData, []byte("payload")))
	b := buf.Bytes()
	b[len(b)-1] ^= 0x80

	r, _ := NewReader(bytes.NewReader(b), testKey)
	if _, err := r.ReadCell(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestReorderedRecordsRejected(t *testing.T) {
	var first, second bytes.Buffer
	w, _ := NewWriter(&first, testKey)
	w.WriteCell(NewCell(CmdData, []byte("one")))
	w.w = &second
	w.WriteCell(NewCell(CmdData, []byte("two")))

	r, _ := NewReader(bytes.NewReader(append(second.Bytes(), first.Bytes()...)), testKey)
	if _, err := r.ReadCell(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestOversizedCell(t *testing.T) {
	w, _ := NewWriter(&bytes.Buffer{}, testKey)
	if err := w.WriteCell(make(Cell, 2+MaxPayloadLen)); err == nil {
		t.Fatal("expected error for oversized cell")
	}
}
