// Package types defines the identifiers and digests shared across spin-node.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	HashSize    = 32
	AddressSize = 20
)

// Reserved account identities.
const (
	// SystemAccount owns account creation and code deployment.
	SystemAccount AccountID = "spin"

	// EVMAccount is bound to the built-in EVM compatibility program.
	EVMAccount AccountID = "evm"
)

// MaxAccountIDLength bounds account identifiers.
const MaxAccountIDLength = 64

var (
	ErrInvalidHash      = errors.New("invalid hash: must be 32 bytes")
	ErrInvalidAddress   = errors.New("invalid address: must be 20 bytes")
	ErrInvalidAccountID = errors.New("invalid account id")
)

// AccountID names an account. Comparison is plain string equality.
type AccountID string

func (id AccountID) String() string { return string(id) }

// IsReserved reports whether id is bound to a built-in program.
func (id AccountID) IsReserved() bool {
	return id == SystemAccount || id == EVMAccount
}

// Validate checks id is 1-64 characters of [a-z0-9_-]. The '.' separator of
// storage keys is excluded so contract namespaces cannot overlap.
func (id AccountID) Validate() error {
	if len(id) == 0 || len(id) > MaxAccountIDLength {
		return fmt.Errorf("%w: length %d", ErrInvalidAccountID, len(id))
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return fmt.Errorf("%w: %q has disallowed character %q", ErrInvalidAccountID, string(id), c)
		}
	}
	return nil
}

// Hash is a 32-byte digest: transaction hashes, block hashes and code digests.
type Hash [HashSize]byte

// Digest is the code_hash of an account.
type Digest = Hash

// HashFromBase58 parses a base58-encoded hash.
func HashFromBase58(s string) (Hash, error) {
	var h Hash
	data, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("base58 decode: %w", err)
	}
	return HashFromBytes(data)
}

// HashFromBytes copies b into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], b)
	return h, nil
}

// SHA256 hashes data.
func SHA256(data []byte) Hash {
	return sha256.Sum256(data)
}

func (h Hash) String() string { return base58.Encode(h[:]) }
func (h Hash) Hex() string    { return hex.EncodeToString(h[:]) }
func (h Hash) Bytes() []byte  { return h[:] }

// IsZero returns true for the all-zero hash used by genesis and undeployed accounts.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromBase58(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Address is the 20-byte secondary address an account maps to.
type Address [AddressSize]byte

// AddressFromBytes copies b into an Address.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressSize {
		return a, ErrInvalidAddress
	}
	copy(a[:], b)
	return a, nil
}

// AddressFromHex parses a 0x-prefixed or bare hex address.
func AddressFromHex(s string) (Address, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return AddressFromBytes(b)
}

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}
