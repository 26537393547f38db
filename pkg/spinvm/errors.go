// Package spinvm executes spin contracts: the per-call execution context,
// the error taxonomy every failure is reduced to, and the gas derivation
// shared by the executor and the syscall bridge.
package spinvm

import (
	"errors"

	"github.com/evikser/spin-node/pkg/chain"
	"github.com/evikser/spin-node/pkg/codec"
	"github.com/evikser/spin-node/pkg/spinvm/sbpf"
	"github.com/evikser/spin-node/pkg/storage"
)

var (
	ErrCorruptedInput       = errors.New("corrupted input")
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountAlreadyExists = errors.New("account already exists")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrInsufficientResource = errors.New("insufficient resource")
	ErrGasExhausted         = errors.New("gas exhausted")
	ErrMissingProgram       = errors.New("missing program")
	ErrStorageFailure       = errors.New("storage failure")

	// ErrExecutionFailed is a guest trap or explicit abort.
	ErrExecutionFailed = errors.New("execution failed")

	ErrGasAlreadySet = errors.New("gas usage already set")
)

// Kind reduces err to the outcome taxonomy. Unknown errors are reported as
// execution failures.
func Kind(err error) chain.ErrorKind {
	switch {
	case err == nil:
		return chain.KindNone
	case errors.Is(err, ErrCorruptedInput), errors.Is(err, codec.ErrCorrupted):
		return chain.KindCorruptedInput
	case errors.Is(err, ErrAccountNotFound):
		return chain.KindAccountNotFound
	case errors.Is(err, ErrAccountAlreadyExists):
		return chain.KindAccountAlreadyExists
	case errors.Is(err, ErrUnauthorized):
		return chain.KindUnauthorized
	case errors.Is(err, ErrGasExhausted), errors.Is(err, sbpf.ErrBudgetExhausted):
		return chain.KindGasExhausted
	case errors.Is(err, ErrInsufficientResource), errors.Is(err, sbpf.ErrCallDepthExceeded):
		return chain.KindInsufficientResource
	case errors.Is(err, ErrMissingProgram):
		return chain.KindMissingProgram
	case errors.Is(err, ErrStorageFailure), errors.Is(err, storage.ErrClosed):
		return chain.KindStorageFailure
	default:
		return chain.KindExecutionFailed
	}
}
