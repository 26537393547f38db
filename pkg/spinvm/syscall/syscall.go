// Package syscall is the bridge between running contracts and the host.
//
// Syscalls are host functions callable from sBPF programs. Each one is
// identified by the murmur3 hash of its name, used as the immediate of a
// call instruction. Arguments are passed in registers r1-r5 and the result
// is placed in r0.
//
// Handlers never abort the host. Bad guest pointers and undecodable payloads
// come back as errors wrapping spinvm.ErrCorruptedInput, storage problems as
// spinvm.ErrStorageFailure; either ends the run with a failure outcome.
package syscall

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	log "github.com/inconshreveable/log15"

	"github.com/evikser/spin-node/pkg/spinvm"
	"github.com/evikser/spin-node/pkg/spinvm/sbpf"
)

// Maximum sizes.
const (
	MaxLogMsgLen  = 10_000
	MaxKeyLen     = 1024
	MaxValueLen   = 1 << 20
	MaxOutputLen  = 1 << 20
	MaxRequestLen = 1 << 20
	MaxMemOpSize  = 10 * 1024 * 1024
	MaxHashSlices = 100
)

// Names of the spin syscalls.
const (
	NameCrossContractCall = "spin_cross_contract_call"
	NameGetStorage        = "spin_get_storage"
	NameSetStorage        = "spin_set_storage"
	NameGetAccountMapping = "spin_get_account_mapping"
)

// Return codes placed in r0.
const (
	Success  = uint64(0)
	NotFound = uint64(1)
	Failed   = uint64(1)
)

// Host is everything one run's syscalls act on.
type Host struct {
	Ctx      context.Context
	Exec     *spinvm.ExecutionContext
	Executor spinvm.Invoker
	Logger   log.Logger
}

// Registry holds the syscalls of one run.
type Registry struct {
	syscalls map[uint32]sbpf.Syscall
	names    map[uint32]string
}

// NewRegistry wires every syscall to host.
func NewRegistry(host *Host) *Registry {
	if host.Logger == nil {
		host.Logger = log.New("module", "syscall")
	}
	if host.Ctx == nil {
		host.Ctx = context.Background()
	}
	r := &Registry{
		syscalls: make(map[uint32]sbpf.Syscall),
		names:    make(map[uint32]string),
	}
	r.registerSpin(host)
	r.registerLogging(host)
	r.registerMemory()
	r.registerCrypto()
	r.registerMisc()
	return r
}

// Get returns a syscall by its id.
func (r *Registry) Get(id uint32) (sbpf.Syscall, bool) {
	sc, ok := r.syscalls[id]
	return sc, ok
}

// Lookup returns the table handed to the interpreter.
func (r *Registry) Lookup() sbpf.SyscallTable {
	return r.Get
}

// Name returns the name registered under id.
func (r *Registry) Name(id uint32) (string, bool) {
	n, ok := r.names[id]
	return n, ok
}

func (r *Registry) register(name string, fn sbpf.SyscallFunc) {
	id := ID(name)
	r.syscalls[id] = fn
	r.names[id] = name
}

var (
	knownOnce sync.Once
	known     *Registry
)

// Known reports whether id names a host syscall. Deployment uses it to
// reject code importing functions the host does not provide.
func Known(id uint32) bool {
	knownOnce.Do(func() {
		known = NewRegistry(&Host{})
	})
	_, ok := known.Get(id)
	return ok
}

// ID returns the call immediate of a syscall name.
func ID(name string) uint32 {
	return murmur3Hash(name)
}

// readGuest copies n bytes out of guest memory. Faults are reported as
// corrupted input.
func readGuest(vm sbpf.VM, addr, n, max uint64, what string) ([]byte, error) {
	if n > max {
		return nil, fmt.Errorf("%w: %s length %d over %d", spinvm.ErrCorruptedInput, what, n, max)
	}
	buf := make([]byte, n)
	if err := vm.Read(addr, buf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", spinvm.ErrCorruptedInput, what, err)
	}
	return buf, nil
}

func writeGuest(vm sbpf.VM, addr uint64, p []byte, what string) error {
	if err := vm.Write(addr, p); err != nil {
		return fmt.Errorf("%w: %s: %v", spinvm.ErrCorruptedInput, what, err)
	}
	return nil
}

func writeGuestU64(vm sbpf.VM, addr, v uint64, what string) error {
	if err := vm.WriteUint64(addr, v); err != nil {
		return fmt.Errorf("%w: %s: %v", spinvm.ErrCorruptedInput, what, err)
	}
	return nil
}

func readU64(vm sbpf.VM, addr uint64) (uint64, error) {
	var b [8]byte
	if err := vm.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// perByte charges base + n cycles, refusing sizes that would overflow.
func perByte(vm sbpf.VM, base, n uint64) error {
	if n > (^uint64(0)-base)/spinvm.CostPerByte {
		return sbpf.ErrBudgetExhausted
	}
	return vm.Meter().Charge(base + spinvm.CostPerByte*n)
}

// murmur3Hash computes the murmur3_32 hash of a syscall name, seed 0.
func murmur3Hash(name string) uint32 {
	const (
		c1 = 0xcc9e2d51
		c2 = 0x1b873593
	)

	data := []byte(name)
	h1 := uint32(0)
	length := len(data)

	nblocks := length / 4
	for i := 0; i < nblocks; i++ {
		k1 := binary.LittleEndian.Uint32(data[i*4:])

		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2

		h1 ^= k1
		h1 = (h1 << 13) | (h1 >> 19)
		h1 = h1*5 + 0xe6546b64
	}

	tail := data[nblocks*4:]
	var k1 uint32
	switch len(tail) {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2
		h1 ^= k1
	}

	h1 ^= uint32(length)
	h1 ^= h1 >> 16
	h1 *= 0x85ebca6b
	h1 ^= h1 >> 13
	h1 *= 0xc2b2ae35
	h1 ^= h1 >> 16

	return h1
}
