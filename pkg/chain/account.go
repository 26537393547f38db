// Package chain defines the ledger records persisted by the node: accounts,
// transactions, blocks and per-transaction execution outcomes.
package chain

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/evikser/spin-node/internal/types"
	"github.com/evikser/spin-node/pkg/codec"
)

// ErrBalanceOverflow is returned when a balance does not fit in 128 bits.
var ErrBalanceOverflow = errors.New("balance exceeds 128 bits")

// Account is the record stored under accounts.<id>.
type Account struct {
	ID        types.AccountID
	PublicKey []byte
	CodeHash  types.Digest
	Balance   *uint256.Int
	Nonce     uint64
}

// NewAccount returns a fresh account with zero balance, nonce and code hash.
func NewAccount(id types.AccountID, publicKey []byte) *Account {
	return &Account{
		ID:        id,
		PublicKey: publicKey,
		Balance:   new(uint256.Int),
	}
}

// HasCode reports whether a program has been deployed for the account.
func (a *Account) HasCode() bool {
	return !a.CodeHash.IsZero()
}

// Encode serializes the account. The balance is written as a u128.
func (a *Account) Encode() ([]byte, error) {
	bal := a.Balance
	if bal == nil {
		bal = new(uint256.Int)
	}
	if bal.BitLen() > 128 {
		return nil, fmt.Errorf("account %s: %w", a.ID, ErrBalanceOverflow)
	}
	w := codec.NewWriter(64 + len(a.ID) + len(a.PublicKey))
	w.WriteString(string(a.ID))
	w.WriteBytes(a.PublicKey)
	w.WriteFixed(a.CodeHash[:])
	w.WriteU128(bal[0], bal[1])
	w.WriteU64(a.Nonce)
	return w.Bytes(), nil
}

// DecodeAccount parses an encoded account.
func DecodeAccount(data []byte) (*Account, error) {
	r := codec.NewReader(data)
	a := &Account{Balance: new(uint256.Int)}
	a.ID = types.AccountID(r.ReadString())
	a.PublicKey = r.ReadBytes()
	copy(a.CodeHash[:], r.ReadFixed(types.HashSize))
	a.Balance[0], a.Balance[1] = r.ReadU128()
	a.Nonce = r.ReadU64()
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return a, nil
}
