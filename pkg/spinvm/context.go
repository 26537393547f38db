package spinvm

import (
	"errors"
	"fmt"

	"github.com/evikser/spin-node/internal/types"
	"github.com/evikser/spin-node/pkg/chain"
	"github.com/evikser/spin-node/pkg/codec"
	"github.com/evikser/spin-node/pkg/storage"
)

// Call describes one invocation: which contract runs, what it was asked to
// do, with how much gas, and on whose behalf. It is the input handed to
// guest programs, in this field order:
//
//	account string | method string | args bytes | attached_gas u64 | sender string | signer string
type Call struct {
	Account     types.AccountID
	Method      string
	Args        []byte
	AttachedGas uint64
	Sender      types.AccountID
	Signer      types.AccountID
}

// CallFromTransaction builds the top-level call of a signed transaction.
// The signer is also the sender.
func CallFromTransaction(tx *chain.SignedTransaction) Call {
	return Call{
		Account:     tx.Body.Contract,
		Method:      tx.Body.Method,
		Args:        tx.Body.Args,
		AttachedGas: tx.Body.AttachedGas,
		Sender:      tx.Body.Signer,
		Signer:      tx.Body.Signer,
	}
}

func (c *Call) Encode() []byte {
	w := codec.NewWriter(48 + len(c.Args))
	w.WriteString(string(c.Account))
	w.WriteString(c.Method)
	w.WriteBytes(c.Args)
	w.WriteU64(c.AttachedGas)
	w.WriteString(string(c.Sender))
	w.WriteString(string(c.Signer))
	return w.Bytes()
}

func DecodeCall(data []byte) (*Call, error) {
	r := codec.NewReader(data)
	c := &Call{
		Account:     types.AccountID(r.ReadString()),
		Method:      r.ReadString(),
		Args:        r.ReadBytes(),
		AttachedGas: r.ReadU64(),
		Sender:      types.AccountID(r.ReadString()),
		Signer:      types.AccountID(r.ReadString()),
	}
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("%w: call: %v", ErrCorruptedInput, err)
	}
	return c, nil
}

// ExecutionContext is the state of one run, shared between the executor and
// the syscall handlers servicing that run. It is never shared across runs.
type ExecutionContext struct {
	call  Call
	store storage.ReadWriter
	depth int

	gasUsed uint64
	gasSet  bool

	output []byte
	logs   []string
	calls  uint32
}

// NewExecutionContext binds call to a storage handle. depth is 0 for a
// top-level transaction.
func NewExecutionContext(call Call, store storage.ReadWriter, depth int) *ExecutionContext {
	return &ExecutionContext{call: call, store: store, depth: depth}
}

// Call returns a copy of the call descriptor.
func (c *ExecutionContext) Call() Call { return c.call }

func (c *ExecutionContext) Storage() storage.ReadWriter { return c.store }
func (c *ExecutionContext) Depth() int                  { return c.depth }

// SetGasUsage records the gas of the finished run. It may be called once.
func (c *ExecutionContext) SetGasUsage(gas uint64) error {
	if c.gasSet {
		return ErrGasAlreadySet
	}
	c.gasUsed, c.gasSet = gas, true
	return nil
}

// GasUsage returns the recorded gas and whether it has been set.
func (c *ExecutionContext) GasUsage() (uint64, bool) { return c.gasUsed, c.gasSet }

// Commit sets the run's committed output, replacing any earlier one.
func (c *ExecutionContext) Commit(output []byte) {
	c.output = append([]byte(nil), output...)
}

func (c *ExecutionContext) Output() []byte { return c.output }

func (c *ExecutionContext) Log(msg string) { c.logs = append(c.logs, msg) }
func (c *ExecutionContext) Logs() []string { return c.logs }

// RecordCall counts a nested call and folds in the logs it produced.
func (c *ExecutionContext) RecordCall(calls uint32, logs []string) {
	c.calls += 1 + calls
	c.logs = append(c.logs, logs...)
}

func (c *ExecutionContext) Calls() uint32 { return c.calls }

// GetStorage reads key from the running contract's own namespace.
func (c *ExecutionContext) GetStorage(key []byte) ([]byte, bool, error) {
	v, err := c.store.Get(storage.ContractKey(c.call.Account, key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return v, true, nil
}

// SetStorage writes key into the running contract's own namespace. There is
// no way to address another contract's keys.
func (c *ExecutionContext) SetStorage(key, value []byte) error {
	if err := c.store.Set(storage.ContractKey(c.call.Account, key), value); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

// LoadAccount reads an account record.
func LoadAccount(r storage.Reader, id types.AccountID) (*chain.Account, error) {
	data, err := r.Get(storage.AccountKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	acct, err := chain.DecodeAccount(data)
	if err != nil {
		return nil, fmt.Errorf("%w: account %s: %v", ErrStorageFailure, id, err)
	}
	return acct, nil
}

// StoreAccount writes an account record.
func StoreAccount(w storage.ReadWriter, acct *chain.Account) error {
	data, err := acct.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptedInput, err)
	}
	if err := w.Set(storage.AccountKey(acct.ID), data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

// AccountExists reports whether id has an account record.
func AccountExists(r storage.Reader, id types.AccountID) (bool, error) {
	ok, err := storage.Has(r, storage.AccountKey(id))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return ok, nil
}
