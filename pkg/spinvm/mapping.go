package spinvm

import (
	"golang.org/x/crypto/sha3"

	"github.com/evikser/spin-node/internal/types"
)

// AccountMapping derives the secondary 20-byte address of an account: the
// last 20 bytes of keccak256(account_id).
func AccountMapping(id types.AccountID) types.Address {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(id))
	sum := h.Sum(nil)

	var addr types.Address
	copy(addr[:], sum[12:])
	return addr
}
