// Package evm is the program bound to the reserved "evm" account. It
// exposes the 20-byte address space accounts map into, for contracts that
// speak in addresses rather than account ids.
package evm

import (
	"fmt"

	log "github.com/inconshreveable/log15"

	"github.com/evikser/spin-node/internal/types"
	"github.com/evikser/spin-node/pkg/codec"
	"github.com/evikser/spin-node/pkg/spinvm"
)

const (
	MethodAddressOf = "address_of"
	MethodAccountOf = "account_of"
)

// Program resolves account ids to addresses and back. Reverse entries are
// kept in the program's own storage under "addr.<hex>", recorded the first
// time address_of sees an account.
type Program struct {
	log log.Logger
}

func New() *Program {
	return &Program{log: log.New("module", "evm")}
}

func reverseKey(addr types.Address) []byte {
	return []byte("addr." + addr.String())
}

func (p *Program) Execute(env *spinvm.NativeEnv) error {
	if err := env.Charge(spinvm.EVMProgramCost); err != nil {
		return err
	}
	call, err := spinvm.DecodeCall(env.Input)
	if err != nil {
		return err
	}

	switch call.Method {
	case MethodAddressOf:
		return p.addressOf(env, call.Args)
	case MethodAccountOf:
		return p.accountOf(env, call.Args)
	default:
		return fmt.Errorf("%w: unknown evm method %q", spinvm.ErrCorruptedInput, call.Method)
	}
}

func (p *Program) addressOf(env *spinvm.NativeEnv, raw []byte) error {
	id, err := codec.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("%w: address_of args: %v", spinvm.ErrCorruptedInput, err)
	}
	account := types.AccountID(id)
	ok, err := spinvm.AccountExists(env.Exec.Storage(), account)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", spinvm.ErrAccountNotFound, account)
	}

	addr := spinvm.AccountMapping(account)
	_, known, err := env.Exec.GetStorage(reverseKey(addr))
	if err != nil {
		return err
	}
	if !known {
		if err := env.Exec.SetStorage(reverseKey(addr), []byte(account)); err != nil {
			return err
		}
		p.log.Debug("address mapped", "account", account, "address", addr)
	}
	env.Exec.Commit(addr[:])
	return nil
}

func (p *Program) accountOf(env *spinvm.NativeEnv, raw []byte) error {
	b, err := codec.DecodeBytes(raw)
	if err != nil {
		return fmt.Errorf("%w: account_of args: %v", spinvm.ErrCorruptedInput, err)
	}
	addr, err := types.AddressFromBytes(b)
	if err != nil {
		return fmt.Errorf("%w: %v", spinvm.ErrCorruptedInput, err)
	}
	id, ok, err := env.Exec.GetStorage(reverseKey(addr))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no account mapped to %s", spinvm.ErrAccountNotFound, addr)
	}
	env.Exec.Commit(codec.EncodeString(string(id)))
	return nil
}
