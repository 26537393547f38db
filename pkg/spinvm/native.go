package spinvm

import (
	"context"
	"fmt"

	"github.com/evikser/spin-node/pkg/storage"
)

// Invoker runs a call against a parent storage handle. The callee works in
// its own overlay, which is committed into parent only when it succeeds.
type Invoker interface {
	Execute(ctx context.Context, parent storage.ReadWriter, call Call, depth int) *Result
}

// NativeProgram is a program implemented in Go and bound to a reserved
// account. It reports its result through env.Exec.Commit.
type NativeProgram interface {
	Execute(env *NativeEnv) error
}

// NativeEnv is what a native program sees of its run. Gas is counted here
// rather than by an interpreter: a fixed cost per invocation plus whatever
// nested calls consume.
type NativeEnv struct {
	Ctx     context.Context
	Exec    *ExecutionContext
	Input   []byte
	Invoker Invoker

	used uint64
}

// Charge consumes cost from the attached gas.
func (e *NativeEnv) Charge(cost uint64) error {
	budget := e.Exec.Call().AttachedGas
	if left := budget - e.used; cost > left {
		e.used = budget
		return fmt.Errorf("%w: native program needs %d, %d left", ErrGasExhausted, cost, left)
	}
	e.used += cost
	return nil
}

func (e *NativeEnv) Used() uint64 { return e.used }

func (e *NativeEnv) Remaining() uint64 { return e.Exec.Call().AttachedGas - e.used }

// Call runs a nested call one level deeper. Its gas is charged to this run
// whether or not it succeeds.
func (e *NativeEnv) Call(call Call) *Result {
	if call.AttachedGas > e.Remaining() {
		return &Result{Err: fmt.Errorf("%w: attached gas %d over remaining %d",
			ErrInsufficientResource, call.AttachedGas, e.Remaining())}
	}
	res := e.Invoker.Execute(e.Ctx, e.Exec.Storage(), call, e.Exec.Depth()+1)
	e.Exec.RecordCall(res.Artifact.Calls, res.Artifact.Logs)
	if err := e.Charge(res.GasUsed); err != nil && res.Err == nil {
		res.Err = err
	}
	return res
}
