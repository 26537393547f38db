// Package executor resolves and runs spin programs.
//
// Every transaction enters through BootstrapTx, which runs the root system
// program with the encoded signed transaction as input. Nested calls, from
// the root or from a contract's spin_cross_contract_call, re-enter through
// Execute on the same goroutine. Each call works in its own storage overlay
// that reaches its parent only if the call succeeds.
package executor

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/inconshreveable/log15"

	"github.com/evikser/spin-node/internal/types"
	"github.com/evikser/spin-node/pkg/chain"
	"github.com/evikser/spin-node/pkg/spinvm"
	"github.com/evikser/spin-node/pkg/spinvm/loader"
	"github.com/evikser/spin-node/pkg/spinvm/programs/evm"
	"github.com/evikser/spin-node/pkg/spinvm/programs/root"
	"github.com/evikser/spin-node/pkg/spinvm/sbpf"
	"github.com/evikser/spin-node/pkg/spinvm/syscall"
	"github.com/evikser/spin-node/pkg/storage"
)

// Result is the outcome of one execution.
type Result = spinvm.Result

const (
	DefaultMaxCallDepth     = 8
	DefaultProgramCacheSize = 256
)

var ErrConfigInvalid = errors.New("invalid executor configuration")

// Config parameterises an Executor.
type Config struct {
	// MaxCallDepth bounds nested calls. The top-level run is depth 0.
	MaxCallDepth int

	Gas spinvm.GasSchedule

	// ProgramCacheSize is the number of parsed programs kept, keyed by
	// code hash.
	ProgramCacheSize int

	// HeapSize of each sandbox run, in bytes.
	HeapSize uint64
}

func DefaultConfig() Config {
	return Config{
		MaxCallDepth:     DefaultMaxCallDepth,
		Gas:              spinvm.DefaultGasSchedule(),
		ProgramCacheSize: DefaultProgramCacheSize,
		HeapSize:         sbpf.HeapDefault,
	}
}

func (c Config) Validate() error {
	if c.MaxCallDepth < 1 {
		return fmt.Errorf("%w: max call depth must be positive", ErrConfigInvalid)
	}
	if c.ProgramCacheSize < 1 {
		return fmt.Errorf("%w: program cache size must be positive", ErrConfigInvalid)
	}
	if c.HeapSize > sbpf.HeapMax {
		return fmt.Errorf("%w: heap size %d over %d", ErrConfigInvalid, c.HeapSize, sbpf.HeapMax)
	}
	if err := c.Gas.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return nil
}

// Executor runs transactions and nested calls. It holds no per-run state;
// the program cache is its only mutable field and is safe for concurrent use.
type Executor struct {
	cfg     Config
	loader  *loader.Loader
	cache   *lru.Cache
	natives map[types.AccountID]spinvm.NativeProgram
	log     log.Logger
}

// New builds an executor with the root and evm programs bound to their
// reserved accounts.
func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache, err := lru.New(cfg.ProgramCacheSize)
	if err != nil {
		return nil, fmt.Errorf("program cache: %w", err)
	}
	return &Executor{
		cfg:    cfg,
		loader: loader.NewLoader(),
		cache:  cache,
		natives: map[types.AccountID]spinvm.NativeProgram{
			types.SystemAccount: root.New(),
			types.EVMAccount:    evm.New(),
		},
		log: log.New("module", "executor"),
	}, nil
}

// BootstrapTx runs a signed transaction through the root program against
// store. On success the transaction's writes are committed into store.
func (e *Executor) BootstrapTx(ctx context.Context, store storage.ReadWriter, tx *chain.SignedTransaction) *Result {
	call := spinvm.CallFromTransaction(tx)
	call.Account = types.SystemAccount
	return e.run(ctx, store, call, tx.Encode(), 0)
}

// Execute runs call at the given depth, handing the program the encoded
// call descriptor.
func (e *Executor) Execute(ctx context.Context, parent storage.ReadWriter, call spinvm.Call, depth int) *Result {
	return e.run(ctx, parent, call, call.Encode(), depth)
}

func (e *Executor) run(ctx context.Context, parent storage.ReadWriter, call spinvm.Call, input []byte, depth int) (res *Result) {
	if depth > e.cfg.MaxCallDepth {
		return &Result{Err: fmt.Errorf("%w: call depth %d over %d", spinvm.ErrInsufficientResource, depth, e.cfg.MaxCallDepth)}
	}
	if err := ctx.Err(); err != nil {
		return &Result{Err: fmt.Errorf("%w: %v", spinvm.ErrExecutionFailed, err)}
	}

	overlay := storage.NewOverlay(parent)
	exec := spinvm.NewExecutionContext(call, overlay, depth)

	defer func() {
		if r := recover(); r != nil {
			overlay.Discard()
			e.log.Error("program panicked", "account", call.Account, "method", call.Method, "panic", r)
			res = &Result{
				GasUsed:  call.AttachedGas,
				Artifact: chain.Artifact{GasUsed: call.AttachedGas, Calls: exec.Calls(), Logs: exec.Logs()},
				Err:      fmt.Errorf("%w: host panic: %v", spinvm.ErrExecutionFailed, r),
			}
		}
	}()

	var (
		artifact chain.Artifact
		err      error
	)
	if native, ok := e.natives[call.Account]; ok {
		artifact, err = e.runNative(ctx, native, exec, input)
	} else {
		artifact, err = e.runProgram(ctx, exec, input)
	}

	if setErr := exec.SetGasUsage(artifact.GasUsed); setErr != nil && err == nil {
		err = setErr
	}
	artifact.Calls = exec.Calls()
	artifact.Logs = exec.Logs()

	if err == nil {
		if cerr := overlay.Commit(); cerr != nil {
			err = fmt.Errorf("%w: %v", spinvm.ErrStorageFailure, cerr)
		}
	}
	if err != nil {
		overlay.Discard()
		e.log.Debug("call failed", "account", call.Account, "method", call.Method, "depth", depth,
			"gas", artifact.GasUsed, "kind", spinvm.Kind(err), "err", err)
		return &Result{GasUsed: artifact.GasUsed, Artifact: artifact, Err: err}
	}

	e.log.Debug("call executed", "account", call.Account, "method", call.Method, "depth", depth,
		"gas", artifact.GasUsed, "cycles", artifact.Cycles)
	return &Result{Output: exec.Output(), GasUsed: artifact.GasUsed, Artifact: artifact}
}

// runNative charges the native program's flat host costs as gas. They are not
// segmented; a forwarded callee's gas arrives already segmented.
func (e *Executor) runNative(ctx context.Context, p spinvm.NativeProgram, exec *spinvm.ExecutionContext, input []byte) (chain.Artifact, error) {
	env := &spinvm.NativeEnv{Ctx: ctx, Exec: exec, Input: input, Invoker: e}
	err := p.Execute(env)
	return chain.Artifact{Cycles: env.Used(), GasUsed: env.Used()}, err
}

func (e *Executor) runProgram(ctx context.Context, exec *spinvm.ExecutionContext, input []byte) (chain.Artifact, error) {
	call := exec.Call()
	program, err := e.resolve(exec.Storage(), call.Account)
	if err != nil {
		return chain.Artifact{}, err
	}

	registry := syscall.NewRegistry(&syscall.Host{
		Ctx:      ctx,
		Exec:     exec,
		Executor: e,
		Logger:   e.log,
	})
	vm := sbpf.NewInterpreter(program, input, sbpf.Config{
		HeapSize: e.cfg.HeapSize,
		Budget:   call.AttachedGas,
		Syscalls: registry.Lookup(),
		Context:  exec,
	})
	r0, err := vm.Run()

	cycles := vm.Meter().Used()
	gas, segments := e.cfg.Gas.Gas(cycles)
	artifact := chain.Artifact{Cycles: cycles, Segments: segments, GasUsed: gas}

	switch {
	case errors.Is(err, sbpf.ErrBudgetExhausted):
		err = fmt.Errorf("%w: %v", spinvm.ErrGasExhausted, err)
	case err == nil && gas > call.AttachedGas:
		err = fmt.Errorf("%w: used %d of %d attached", spinvm.ErrGasExhausted, gas, call.AttachedGas)
	case err == nil && r0 != 0:
		err = fmt.Errorf("%w: exit code %d", spinvm.ErrExecutionFailed, r0)
	}
	if artifact.GasUsed > call.AttachedGas {
		artifact.GasUsed = call.AttachedGas
	}
	return artifact, err
}

// resolve returns the parsed program deployed on account.
func (e *Executor) resolve(store storage.Reader, account types.AccountID) (*sbpf.Program, error) {
	acct, err := spinvm.LoadAccount(store, account)
	if errors.Is(err, spinvm.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: no account %s", spinvm.ErrMissingProgram, account)
	}
	if err != nil {
		return nil, err
	}
	if !acct.HasCode() {
		return nil, fmt.Errorf("%w: %s has no code", spinvm.ErrMissingProgram, account)
	}
	if cached, ok := e.cache.Get(acct.CodeHash); ok {
		return cached.(*sbpf.Program), nil
	}

	code, err := store.Get(storage.CodeKey(account))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s has no code", spinvm.ErrMissingProgram, account)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", spinvm.ErrStorageFailure, err)
	}
	exe, err := e.loader.Load(code)
	if err != nil {
		return nil, err
	}
	program := exe.ToProgram()
	e.cache.Add(acct.CodeHash, program)
	return program, nil
}

// CachedPrograms returns the number of parsed programs held.
func (e *Executor) CachedPrograms() int {
	return e.cache.Len()
}
