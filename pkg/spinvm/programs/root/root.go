// Package root is the system program bound to the reserved "spin" account.
//
// It is the entry point of every transaction. Transactions addressed to the
// system account are account management operations; anything else is
// forwarded unchanged as a cross-contract call to its target.
package root

import (
	"fmt"

	log "github.com/inconshreveable/log15"

	"github.com/evikser/spin-node/internal/types"
	"github.com/evikser/spin-node/pkg/chain"
	"github.com/evikser/spin-node/pkg/codec"
	"github.com/evikser/spin-node/pkg/spinvm"
	"github.com/evikser/spin-node/pkg/spinvm/loader"
	"github.com/evikser/spin-node/pkg/spinvm/syscall"
	"github.com/evikser/spin-node/pkg/storage"
)

// System methods.
const (
	MethodCreateAccount  = "create_account"
	MethodDeployContract = "deploy_contract"
	MethodAccountInfo    = "account_info"
)

const MaxPublicKeyLen = 256

// CreateAccountArgs are the arguments of create_account.
type CreateAccountArgs struct {
	AccountID types.AccountID
	PublicKey []byte
}

func (a *CreateAccountArgs) Encode() []byte {
	w := codec.NewWriter(16 + len(a.AccountID) + len(a.PublicKey))
	w.WriteString(string(a.AccountID))
	w.WriteBytes(a.PublicKey)
	return w.Bytes()
}

func decodeCreateAccountArgs(data []byte) (*CreateAccountArgs, error) {
	r := codec.NewReader(data)
	a := &CreateAccountArgs{
		AccountID: types.AccountID(r.ReadString()),
		PublicKey: r.ReadBytes(),
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return a, nil
}

// DeployContractArgs are the arguments of deploy_contract.
type DeployContractArgs struct {
	Code []byte
}

func (a *DeployContractArgs) Encode() []byte {
	return codec.EncodeBytes(a.Code)
}

// AccountInfoArgs encodes the argument of account_info.
func AccountInfoArgs(id types.AccountID) []byte {
	return codec.EncodeString(string(id))
}

// Program is the root system program.
type Program struct {
	loader *loader.Loader
	log    log.Logger
}

func New() *Program {
	return &Program{
		loader: loader.NewLoader(),
		log:    log.New("module", "root"),
	}
}

func (p *Program) Execute(env *spinvm.NativeEnv) error {
	if err := env.Charge(spinvm.RootProgramCost); err != nil {
		return err
	}
	// Only a transaction itself may manage accounts. Any nested call into
	// the system account comes from a contract, whichever account it runs on.
	if env.Exec.Depth() > 0 {
		return fmt.Errorf("%w: system call from contract %s", spinvm.ErrUnauthorized, env.Exec.Call().Sender)
	}
	call, err := p.decodeInput(env)
	if err != nil {
		return err
	}

	if call.Account != types.SystemAccount {
		return p.forward(env, call)
	}

	store := env.Exec.Storage()
	switch call.Method {
	case MethodCreateAccount:
		return p.createAccount(env, store, call.Args)
	case MethodDeployContract:
		return p.deployContract(env, store, call.Signer, call.Args)
	case MethodAccountInfo:
		return p.accountInfo(env, store, call.Args)
	default:
		return fmt.Errorf("%w: unknown system method %q", spinvm.ErrCorruptedInput, call.Method)
	}
}

// decodeInput reads the signed transaction of a top-level run.
func (p *Program) decodeInput(env *spinvm.NativeEnv) (spinvm.Call, error) {
	tx, err := chain.DecodeSignedTransaction(env.Input)
	if err != nil {
		return spinvm.Call{}, fmt.Errorf("%w: %v", spinvm.ErrCorruptedInput, err)
	}
	return spinvm.CallFromTransaction(tx), nil
}

// forward runs a contract transaction with everything the root did not use.
func (p *Program) forward(env *spinvm.NativeEnv, call spinvm.Call) error {
	call.AttachedGas = env.Remaining()
	res := env.Call(call)
	if res.Err != nil {
		return res.Err
	}
	env.Exec.Commit(res.Output)
	return nil
}

func (p *Program) createAccount(env *spinvm.NativeEnv, store storage.ReadWriter, raw []byte) error {
	args, err := decodeCreateAccountArgs(raw)
	if err != nil {
		return fmt.Errorf("%w: create_account args: %v", spinvm.ErrCorruptedInput, err)
	}
	if err := args.AccountID.Validate(); err != nil {
		return fmt.Errorf("%w: %v", spinvm.ErrCorruptedInput, err)
	}
	if len(args.PublicKey) > MaxPublicKeyLen {
		return fmt.Errorf("%w: public key of %d bytes", spinvm.ErrCorruptedInput, len(args.PublicKey))
	}
	if args.AccountID.IsReserved() {
		return fmt.Errorf("%w: %s is reserved", spinvm.ErrAccountAlreadyExists, args.AccountID)
	}

	exists, err := spinvm.AccountExists(store, args.AccountID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", spinvm.ErrAccountAlreadyExists, args.AccountID)
	}
	if err := spinvm.StoreAccount(store, chain.NewAccount(args.AccountID, args.PublicKey)); err != nil {
		return err
	}

	p.log.Debug("account created", "account", args.AccountID)
	env.Exec.Commit(nil)
	return nil
}

func (p *Program) deployContract(env *spinvm.NativeEnv, store storage.ReadWriter, signer types.AccountID, raw []byte) error {
	code, err := codec.DecodeBytes(raw)
	if err != nil {
		return fmt.Errorf("%w: deploy_contract args: %v", spinvm.ErrCorruptedInput, err)
	}
	acct, err := spinvm.LoadAccount(store, signer)
	if err != nil {
		return err
	}
	// Deployment is charged per byte of code.
	if err := env.Charge(uint64(len(code)) * spinvm.CostPerByte); err != nil {
		return err
	}

	exe, err := p.loader.Load(code)
	if err != nil {
		return err
	}
	if err := exe.Verify(syscall.Known); err != nil {
		return err
	}

	if err := store.Set(storage.CodeKey(signer), code); err != nil {
		return fmt.Errorf("%w: %v", spinvm.ErrStorageFailure, err)
	}
	acct.CodeHash = types.SHA256(code)
	if err := spinvm.StoreAccount(store, acct); err != nil {
		return err
	}

	p.log.Debug("contract deployed", "account", signer, "code_hash", acct.CodeHash, "size", len(code))
	env.Exec.Commit(acct.CodeHash.Bytes())
	return nil
}

func (p *Program) accountInfo(env *spinvm.NativeEnv, store storage.ReadWriter, raw []byte) error {
	id, err := codec.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("%w: account_info args: %v", spinvm.ErrCorruptedInput, err)
	}
	acct, err := spinvm.LoadAccount(store, types.AccountID(id))
	if err != nil {
		return err
	}
	data, err := acct.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", spinvm.ErrStorageFailure, err)
	}
	env.Exec.Commit(data)
	return nil
}
