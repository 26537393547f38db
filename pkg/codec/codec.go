// Package codec is the binary encoding shared by the host and guest programs.
//
// Integers are fixed-width little-endian. Byte strings and strings carry a
// u32 length prefix. Sequences carry a u32 count. The encoding of a value is
// unique, so encoded bytes can be hashed directly.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// MaxLength bounds any single length prefix.
const MaxLength = 64 << 20

// ErrCorrupted is wrapped by every decoding failure.
var ErrCorrupted = errors.New("corrupted encoding")

// Writer accumulates an encoding.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with room for sizeHint bytes.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }

func (w *Writer) WriteU8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
}

func (w *Writer) WriteU32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) WriteU64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

// WriteU128 writes lo then hi.
func (w *Writer) WriteU128(lo, hi uint64) {
	w.WriteU64(lo)
	w.WriteU64(hi)
}

// WriteFixed writes b without a length prefix.
func (w *Writer) WriteFixed(b []byte) { w.buf = append(w.buf, b...) }

func (w *Writer) WriteBytes(b []byte) {
	w.WriteU32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) WriteString(s string) {
	w.WriteU32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// Reader decodes from a byte slice. The first failure sticks: later reads
// return zero values and Err/Finish report the original cause.
type Reader struct {
	data []byte
	off  int
	err  error
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s at offset %d", ErrCorrupted, fmt.Sprintf(format, args...), r.off)
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.data)-r.off {
		r.fail("need %d bytes, have %d", n, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) ReadU8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) ReadBool() bool {
	switch v := r.ReadU8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("bool byte %d", v)
		return false
	}
}

func (r *Reader) ReadU32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) ReadU64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) ReadU128() (lo, hi uint64) {
	return r.ReadU64(), r.ReadU64()
}

// ReadFixed reads exactly n bytes into a fresh slice.
func (r *Reader) ReadFixed(n int) []byte {
	b := r.take(n)
	if r.err != nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *Reader) length() int {
	n := r.ReadU32()
	if r.err == nil && (n > MaxLength || uint64(n) > math.MaxInt32) {
		r.fail("length %d over limit", n)
		return 0
	}
	return int(n)
}

// ReadBytes returns a copy. An empty byte string decodes to nil.
func (r *Reader) ReadBytes() []byte {
	n := r.length()
	b := r.take(n)
	if r.err != nil || n == 0 {
		return nil
	}
	return append(make([]byte, 0, n), b...)
}

func (r *Reader) ReadString() string {
	b := r.take(r.length())
	if r.err != nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.fail("invalid utf-8 string")
		return ""
	}
	return string(b)
}

// ReadCount reads a sequence count, rejecting counts that cannot fit in the
// remaining input given minItem bytes per element.
func (r *Reader) ReadCount(minItem int) int {
	n := r.length()
	if minItem > 0 && r.err == nil && n > r.Remaining()/minItem {
		r.fail("count %d exceeds input", n)
		return 0
	}
	return n
}

func (r *Reader) Remaining() int { return len(r.data) - r.off }
func (r *Reader) Err() error     { return r.err }

// Finish returns the first error, or an error if input remains unread.
func (r *Reader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupted, len(r.data)-r.off)
	}
	return nil
}

// EncodeString encodes a single string value.
func EncodeString(s string) []byte {
	w := NewWriter(4 + len(s))
	w.WriteString(s)
	return w.Bytes()
}

// DecodeString decodes a buffer holding exactly one string.
func DecodeString(data []byte) (string, error) {
	r := NewReader(data)
	s := r.ReadString()
	return s, r.Finish()
}

// EncodeBytes encodes a single byte string.
func EncodeBytes(b []byte) []byte {
	w := NewWriter(4 + len(b))
	w.WriteBytes(b)
	return w.Bytes()
}

// DecodeBytes decodes a buffer holding exactly one byte string.
func DecodeBytes(data []byte) ([]byte, error) {
	r := NewReader(data)
	b := r.ReadBytes()
	return b, r.Finish()
}

// EncodeU64 encodes a single u64.
func EncodeU64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

// DecodeU64 decodes a buffer holding exactly one u64.
func DecodeU64(data []byte) (uint64, error) {
	r := NewReader(data)
	v := r.ReadU64()
	return v, r.Finish()
}
