// Package testprog holds small hand-assembled contracts used across the
// test suites. Each function returns a raw image ready for deploy_contract.
//
// Every program receives the encoded call descriptor at r1:
//
//	account string | method string | args bytes | attached_gas u64 | sender string | signer string
//
// and skips the length-prefixed strings to reach its args.
package testprog

import (
	"github.com/evikser/spin-node/pkg/spinvm/loader"
	"github.com/evikser/spin-node/pkg/spinvm/sbpf"
	"github.com/evikser/spin-node/pkg/spinvm/syscall"
)

func ins(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return sbpf.Encode(op, dst, src, off, imm)
}

func call(name string) uint64 {
	return ins(sbpf.OpCall, 0, 0, 0, int32(syscall.ID(name)))
}

// skipHeader leaves r6 pointing at the args length prefix.
func skipHeader() []uint64 {
	return []uint64{
		ins(sbpf.OpMov64Reg, 6, 1, 0, 0),
		ins(sbpf.OpLdxw, 2, 6, 0, 0),
		ins(sbpf.OpAdd64Reg, 6, 2, 0, 0),
		ins(sbpf.OpAdd64Imm, 6, 0, 0, 4),
		ins(sbpf.OpLdxw, 2, 6, 0, 0),
		ins(sbpf.OpAdd64Reg, 6, 2, 0, 0),
		ins(sbpf.OpAdd64Imm, 6, 0, 0, 4),
	}
}

// commitStack commits n bytes starting at r10+off and exits with 0.
func commitStack(off int32, n int32) []uint64 {
	return []uint64{
		ins(sbpf.OpMov64Reg, 1, 10, 0, 0),
		ins(sbpf.OpAdd64Imm, 1, 0, 0, off),
		ins(sbpf.OpMov64Imm, 2, 0, 0, n),
		call("spin_commit"),
		ins(sbpf.OpMov64Imm, 0, 0, 0, 0),
		ins(sbpf.OpExit, 0, 0, 0, 0),
	}
}

// Fib computes the n-th Fibonacci number, n being a u64 args payload, and
// commits it as a little-endian u64. fib(10) = 55.
func Fib() []byte {
	text := skipHeader()
	text = append(text,
		ins(sbpf.OpAdd64Imm, 6, 0, 0, 4), // skip args length
		ins(sbpf.OpLdxdw, 3, 6, 0, 0),    // n
		ins(sbpf.OpMov64Imm, 4, 0, 0, 0), // a
		ins(sbpf.OpMov64Imm, 5, 0, 0, 1), // b
		ins(sbpf.OpJeqImm, 3, 0, 6, 0),
		ins(sbpf.OpMov64Reg, 7, 4, 0, 0),
		ins(sbpf.OpAdd64Reg, 7, 5, 0, 0),
		ins(sbpf.OpMov64Reg, 4, 5, 0, 0),
		ins(sbpf.OpMov64Reg, 5, 7, 0, 0),
		ins(sbpf.OpSub64Imm, 3, 0, 0, 1),
		ins(sbpf.OpJa, 0, 0, -7, 0),
		ins(sbpf.OpStxdw, 10, 4, -8, 0),
	)
	text = append(text, commitStack(-8, 8)...)
	return loader.BuildRaw(0, text)
}

// Counter increments the u64 stored under key "n" and commits the new value.
func Counter() []byte {
	text := []uint64{
		ins(sbpf.OpStb, 10, 0, -16, 'n'),
		ins(sbpf.OpStdw, 10, 0, -8, 0),

		ins(sbpf.OpMov64Reg, 1, 10, 0, 0),
		ins(sbpf.OpAdd64Imm, 1, 0, 0, -16),
		ins(sbpf.OpMov64Imm, 2, 0, 0, 1),
		ins(sbpf.OpMov64Reg, 3, 10, 0, 0),
		ins(sbpf.OpAdd64Imm, 3, 0, 0, -8),
		ins(sbpf.OpMov64Imm, 4, 0, 0, 8),
		ins(sbpf.OpMov64Reg, 5, 10, 0, 0),
		ins(sbpf.OpAdd64Imm, 5, 0, 0, -24),
		call(syscall.NameGetStorage),

		ins(sbpf.OpLdxdw, 6, 10, -8, 0),
		ins(sbpf.OpAdd64Imm, 6, 0, 0, 1),
		ins(sbpf.OpStxdw, 10, 6, -8, 0),

		ins(sbpf.OpMov64Reg, 1, 10, 0, 0),
		ins(sbpf.OpAdd64Imm, 1, 0, 0, -16),
		ins(sbpf.OpMov64Imm, 2, 0, 0, 1),
		ins(sbpf.OpMov64Reg, 3, 10, 0, 0),
		ins(sbpf.OpAdd64Imm, 3, 0, 0, -8),
		ins(sbpf.OpMov64Imm, 4, 0, 0, 8),
		call(syscall.NameSetStorage),
	}
	text = append(text, commitStack(-8, 8)...)
	return loader.BuildRaw(0, text)
}

// Proxy treats its args as an encoded syscall.CallRequest and performs that
// cross-contract call. It commits the callee's output, or the single byte
// 'F' when the callee failed.
func Proxy() []byte {
	text := skipHeader()
	text = append(text,
		ins(sbpf.OpLdxw, 7, 6, 0, 0), // args length
		ins(sbpf.OpAdd64Imm, 6, 0, 0, 4),
		ins(sbpf.OpMov64Reg, 1, 6, 0, 0),
		ins(sbpf.OpMov64Reg, 2, 7, 0, 0),
		ins(sbpf.OpMov64Reg, 3, 10, 0, 0),
		ins(sbpf.OpAdd64Imm, 3, 0, 0, -256),
		ins(sbpf.OpMov64Imm, 4, 0, 0, 248),
		ins(sbpf.OpMov64Reg, 5, 10, 0, 0),
		ins(sbpf.OpAdd64Imm, 5, 0, 0, -8),
		call(syscall.NameCrossContractCall),
		ins(sbpf.OpJneImm, 0, 0, 5, 0),

		ins(sbpf.OpMov64Reg, 1, 10, 0, 0),
		ins(sbpf.OpAdd64Imm, 1, 0, 0, -256),
		ins(sbpf.OpLdxdw, 2, 10, -8, 0),
		call("spin_commit"),
		ins(sbpf.OpExit, 0, 0, 0, 0),

		ins(sbpf.OpStb, 10, 0, -264, 'F'),
	)
	text = append(text, commitStack(-264, 1)...)
	return loader.BuildRaw(0, text)
}

// Spin loops forever; only the gas budget stops it.
func Spin() []byte {
	return loader.BuildRaw(0, []uint64{
		ins(sbpf.OpJa, 0, 0, -1, 0),
		ins(sbpf.OpExit, 0, 0, 0, 0),
	})
}

// WriteThenAbort stores 7 under key "k" and then aborts.
func WriteThenAbort() []byte {
	return loader.BuildRaw(0, []uint64{
		ins(sbpf.OpStb, 10, 0, -16, 'k'),
		ins(sbpf.OpStdw, 10, 0, -8, 7),
		ins(sbpf.OpMov64Reg, 1, 10, 0, 0),
		ins(sbpf.OpAdd64Imm, 1, 0, 0, -16),
		ins(sbpf.OpMov64Imm, 2, 0, 0, 1),
		ins(sbpf.OpMov64Reg, 3, 10, 0, 0),
		ins(sbpf.OpAdd64Imm, 3, 0, 0, -8),
		ins(sbpf.OpMov64Imm, 4, 0, 0, 8),
		call(syscall.NameSetStorage),
		call("abort"),
		ins(sbpf.OpExit, 0, 0, 0, 0),
	})
}

// LogArgs passes its raw args to spin_log and exits with 0.
func LogArgs() []byte {
	text := skipHeader()
	text = append(text,
		ins(sbpf.OpLdxw, 2, 6, 0, 0),
		ins(sbpf.OpMov64Reg, 1, 6, 0, 0),
		ins(sbpf.OpAdd64Imm, 1, 0, 0, 4),
		call("spin_log"),
		ins(sbpf.OpMov64Imm, 0, 0, 0, 0),
		ins(sbpf.OpExit, 0, 0, 0, 0),
	)
	return loader.BuildRaw(0, text)
}
