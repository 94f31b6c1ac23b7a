// Package codec implements the canonical binary encoding used to compute
// content hashes and to frame messages on the wire. The encoding is
// deterministic: the same value always serializes to the same bytes, so
// hashing the encoding is a valid way to name a value.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Writer accumulates a canonical encoding. Every Put* method appends to
// the internal buffer; there is no way to produce a short write, which
// keeps canonical-encoding bugs from silently truncating a hash input.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// PutUint8 appends a single byte.
func (w *Writer) PutUint8(v uint8) { w.buf.WriteByte(v) }

// PutUint16 appends a big-endian uint16.
func (w *Writer) PutUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

// PutUint32 appends a big-endian uint32.
func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

// PutUint64 appends a big-endian uint64.
func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// PutBool appends a single byte: 1 for true, 0 for false.
func (w *Writer) PutBool(v bool) {
	if v {
		w.PutUint8(1)
	} else {
		w.PutUint8(0)
	}
}

// PutBytes appends a uint32 length prefix followed by the raw bytes.
func (w *Writer) PutBytes(b []byte) {
	w.PutUint32(uint32(len(b)))
	w.buf.Write(b)
}

// PutFixedBytes appends b with no length prefix. Use only for fields
// whose length is fixed by the schema (hashes, public keys, signatures).
func (w *Writer) PutFixedBytes(b []byte) {
	w.buf.Write(b)
}

// PutOptional appends a single presence byte (1 if present, 0 if absent),
// followed by the result of fn when present.
func (w *Writer) PutOptional(present bool, fn func(*Writer)) {
	w.PutBool(present)
	if present {
		fn(w)
	}
}

// PutSequence appends a uint32 count prefix followed by n elements, each
// encoded by fn.
func (w *Writer) PutSequence(n int, fn func(*Writer, int)) {
	w.PutUint32(uint32(n))
	for i := 0; i < n; i++ {
		fn(w, i)
	}
}

// Reader consumes a canonical encoding produced by Writer.
type Reader struct {
	r   io.Reader
	err error
}

// NewReader wraps r for canonical decoding.
func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// Err returns the first error encountered, if any.
func (r *Reader) Err() error { return r.err }

func (r *Reader) read(n int) []byte {
	if r.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = fmt.Errorf("codec: short read: %w", err)
		return nil
	}
	return b
}

// GetUint8 reads a single byte.
func (r *Reader) GetUint8() uint8 {
	b := r.read(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// GetUint16 reads a big-endian uint16.
func (r *Reader) GetUint16() uint16 {
	b := r.read(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// GetUint32 reads a big-endian uint32.
func (r *Reader) GetUint32() uint32 {
	b := r.read(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// GetUint64 reads a big-endian uint64.
func (r *Reader) GetUint64() uint64 {
	b := r.read(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// GetBool reads a single byte as a boolean.
func (r *Reader) GetBool() bool {
	return r.GetUint8() != 0
}

// maxBytesLen caps a single length-prefixed field to guard against a
// corrupt or hostile length prefix forcing an enormous allocation.
const maxBytesLen = 64 << 20

// GetBytes reads a uint32 length prefix followed by that many bytes.
func (r *Reader) GetBytes() []byte {
	n := r.GetUint32()
	if r.err != nil {
		return nil
	}
	if n > maxBytesLen {
		r.err = fmt.Errorf("codec: field length %d exceeds max %d", n, maxBytesLen)
		return nil
	}
	return r.read(int(n))
}

// GetFixedBytes reads exactly n bytes with no length prefix.
func (r *Reader) GetFixedBytes(n int) []byte {
	return r.read(n)
}

// GetOptional reads a presence byte and, if present, invokes fn to
// decode the value.
func (r *Reader) GetOptional(fn func(*Reader)) bool {
	present := r.GetBool()
	if present && r.err == nil {
		fn(r)
	}
	return present
}

// maxSequenceLen caps the element count read by GetSequence for the same
// reason as maxBytesLen: an attacker-controlled count prefix must not be
// able to force an unbounded loop before the first byte is validated.
const maxSequenceLen = 1 << 20

// GetSequence reads a uint32 count prefix and invokes fn once per
// element, passing the element's index.
func (r *Reader) GetSequence(fn func(*Reader, int)) int {
	n := r.GetUint32()
	if r.err != nil {
		return 0
	}
	if n > maxSequenceLen {
		r.err = fmt.Errorf("codec: sequence length %d exceeds max %d", n, maxSequenceLen)
		return 0
	}
	for i := 0; i < int(n); i++ {
		if r.err != nil {
			break
		}
		fn(r, i)
	}
	return int(n)
}
