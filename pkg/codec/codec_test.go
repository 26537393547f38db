package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderWriter(t *testing.T) {
	w := NewWriter(0)
	w.WriteU8(7)
	w.WriteBool(true)
	w.WriteU32(0xdeadbeef)
	w.WriteU64(1 << 40)
	w.WriteU128(3, 4)
	w.WriteBytes([]byte{1, 2, 3})
	w.WriteBytes(nil)
	w.WriteString("compute")
	w.WriteFixed([]byte{9, 9})

	r := NewReader(w.Bytes())
	assert.Equal(t, uint8(7), r.ReadU8())
	assert.True(t, r.ReadBool())
	assert.Equal(t, uint32(0xdeadbeef), r.ReadU32())
	assert.Equal(t, uint64(1<<40), r.ReadU64())
	lo, hi := r.ReadU128()
	assert.Equal(t, [2]uint64{3, 4}, [2]uint64{lo, hi})
	assert.Equal(t, []byte{1, 2, 3}, r.ReadBytes())
	assert.Nil(t, r.ReadBytes())
	assert.Equal(t, "compute", r.ReadString())
	assert.Equal(t, []byte{9, 9}, r.ReadFixed(2))
	require.NoError(t, r.Finish())
}

func TestReaderErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		read func(r *Reader)
	}{
		{"short u64", []byte{1, 2, 3}, func(r *Reader) { r.ReadU64() }},
		{"length past end", []byte{10, 0, 0, 0, 'a'}, func(r *Reader) { r.ReadBytes() }},
		{"huge length", []byte{0xff, 0xff, 0xff, 0xff}, func(r *Reader) { r.ReadString() }},
		{"bad bool", []byte{2}, func(r *Reader) { r.ReadBool() }},
		{"bad utf8", []byte{1, 0, 0, 0, 0xff}, func(r *Reader) { r.ReadString() }},
		{"trailing", []byte{1, 2}, func(r *Reader) { r.ReadU8() }},
		{"count too large", []byte{0xff, 0, 0, 0}, func(r *Reader) { r.ReadCount(8) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(tt.data)
			assert.NotPanics(t, func() { tt.read(r) })
			assert.ErrorIs(t, r.Finish(), ErrCorrupted)
		})
	}
}

func TestErrorSticks(t *testing.T) {
	r := NewReader([]byte{1})
	r.ReadU32()
	first := r.Err()
	require.Error(t, first)
	assert.Equal(t, uint64(0), r.ReadU64())
	assert.Equal(t, first, r.Finish())
}

func TestSingleValueHelpers(t *testing.T) {
	s, err := DecodeString(EncodeString("fib"))
	require.NoError(t, err)
	assert.Equal(t, "fib", s)

	b, err := DecodeBytes(EncodeBytes([]byte("code")))
	require.NoError(t, err)
	assert.Equal(t, []byte("code"), b)

	v, err := DecodeU64(EncodeU64(55))
	require.NoError(t, err)
	assert.Equal(t, uint64(55), v)

	_, err = DecodeString(append(EncodeString("x"), 0))
	assert.ErrorIs(t, err, ErrCorrupted)
}
