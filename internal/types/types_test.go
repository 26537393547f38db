package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBase58RoundTrip(t *testing.T) {
	h := SHA256([]byte("fib"))
	parsed, err := HashFromBase58(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = HashFromBase58("2g")
	assert.ErrorIs(t, err, ErrInvalidHash)
	_, err = HashFromBase58("0OIl")
	assert.Error(t, err)
}

func TestHashText(t *testing.T) {
	h := SHA256([]byte("block"))
	text, err := h.MarshalText()
	require.NoError(t, err)

	var back Hash
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, h, back)
	assert.False(t, back.IsZero())
	assert.True(t, Hash{}.IsZero())
}

func TestReservedAccounts(t *testing.T) {
	assert.True(t, SystemAccount.IsReserved())
	assert.True(t, EVMAccount.IsReserved())
	assert.False(t, AccountID("fib").IsReserved())
}

func TestAddress(t *testing.T) {
	_, err := AddressFromBytes(make([]byte, 19))
	assert.ErrorIs(t, err, ErrInvalidAddress)

	a, err := AddressFromBytes(make([]byte, 20))
	require.NoError(t, err)
	assert.Equal(t, "0x0000000000000000000000000000000000000000", a.String())
}

func TestAccountIDValidate(t *testing.T) {
	for _, ok := range []AccountID{"alice", "spin", "evm", "a-b_c9", AccountID(make64())} {
		assert.NoError(t, ok.Validate(), ok)
	}
	for _, bad := range []AccountID{"", "Alice", "a.b", "a b", "ü", AccountID(make64() + "x")} {
		assert.ErrorIs(t, bad.Validate(), ErrInvalidAccountID, bad)
	}
}

func TestAddressFromHex(t *testing.T) {
	var a Address
	a[0], a[19] = 0xab, 0x01
	parsed, err := AddressFromHex(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = AddressFromHex("0x1234")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = AddressFromHex("zz")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func make64() string {
	b := make([]byte, MaxAccountIDLength)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
