package syscall

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/evikser/spin-node/pkg/spinvm"
	"github.com/evikser/spin-node/pkg/spinvm/sbpf"
)

var (
	ErrInvalidLength   = errors.New("invalid length")
	ErrInvalidArgument = errors.New("invalid argument")
)

func (r *Registry) registerLogging(h *Host) {
	// spin_log(ptr, len)
	r.register("spin_log", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		msgLen := r2
		if msgLen > MaxLogMsgLen {
			msgLen = MaxLogMsgLen
		}
		if err := perByte(vm, spinvm.CostSyscallBase, msgLen); err != nil {
			return 0, err
		}
		msg, err := readGuest(vm, r1, msgLen, MaxLogMsgLen, "log message")
		if err != nil {
			return 0, err
		}
		text := guestText(msg)
		h.Exec.Log(text)
		h.Logger.Debug("contract log", "contract", h.Exec.Call().Account, "msg", text)
		return 0, nil
	})

	// spin_commit(ptr, len) sets the run's committed output.
	r.register("spin_commit", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := perByte(vm, spinvm.CostSyscallBase, r2); err != nil {
			return 0, err
		}
		out, err := readGuest(vm, r1, r2, MaxOutputLen, "output")
		if err != nil {
			return 0, err
		}
		h.Exec.Commit(out)
		return 0, nil
	})
}

func (r *Registry) registerMemory() {
	r.register("spin_memcpy", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dst, src, n := r1, r2, r3
		if n == 0 {
			return 0, nil
		}
		if n > MaxMemOpSize {
			return 0, ErrInvalidLength
		}
		if err := perByte(vm, spinvm.CostSyscallBase, n); err != nil {
			return 0, err
		}
		data := make([]byte, n)
		if err := vm.Read(src, data); err != nil {
			return 0, err
		}
		return 0, vm.Write(dst, data)
	})

	r.register("spin_memset", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dst, val, n := r1, uint8(r2), r3
		if n == 0 {
			return 0, nil
		}
		if n > MaxMemOpSize {
			return 0, ErrInvalidLength
		}
		if err := perByte(vm, spinvm.CostSyscallBase, n); err != nil {
			return 0, err
		}
		mem, err := vm.Translate(dst, n, true)
		if err != nil {
			return 0, err
		}
		for i := range mem {
			mem[i] = val
		}
		return 0, nil
	})

	// spin_memcmp(a, b, n, resultPtr) stores the signed difference of the
	// first mismatching byte, as an i32.
	r.register("spin_memcmp", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		a, b, n, resultAddr := r1, r2, r3, r4
		if n > MaxMemOpSize {
			return 0, ErrInvalidLength
		}
		if err := perByte(vm, spinvm.CostSyscallBase, n); err != nil {
			return 0, err
		}
		var result int32
		if n > 0 {
			da, err := vm.Translate(a, n, false)
			if err != nil {
				return 0, err
			}
			db, err := vm.Translate(b, n, false)
			if err != nil {
				return 0, err
			}
			for i := range da {
				if da[i] != db[i] {
					result = int32(da[i]) - int32(db[i])
					break
				}
			}
		}
		v := uint32(result)
		return 0, vm.Write(resultAddr, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
	})

	// spin_alloc(size) returns a heap address, or 0 when the heap is full.
	r.register("spin_alloc", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.Meter().Charge(spinvm.CostSyscallBase); err != nil {
			return 0, err
		}
		if r1 == 0 {
			return 0, nil
		}
		addr, err := vm.Alloc(r1)
		if err != nil {
			return 0, nil
		}
		return addr, nil
	})
}

func (r *Registry) registerCrypto() {
	r.register("spin_sha256", hashSyscall(sha256.New))
	r.register("spin_keccak256", hashSyscall(sha3.NewLegacyKeccak256))
	r.register("spin_blake3", hashSyscall(func() hash.Hash { return blake3.New() }))
}

// hashSyscall builds a (slicesPtr, count, resultPtr) hashing syscall. The
// slices are an array of (ptr u64, len u64) pairs hashed in order.
func hashSyscall(newHash func() hash.Hash) sbpf.SyscallFunc {
	return func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		slices, count, resultAddr := r1, r2, r3
		if count > MaxHashSlices {
			return 0, ErrInvalidArgument
		}
		if err := vm.Meter().Charge(spinvm.CostHashBase); err != nil {
			return 0, err
		}

		h := newHash()
		for i := uint64(0); i < count; i++ {
			ptr, err := readU64(vm, slices+i*16)
			if err != nil {
				return 0, err
			}
			length, err := readU64(vm, slices+i*16+8)
			if err != nil {
				return 0, err
			}
			if length > MaxMemOpSize {
				return 0, ErrInvalidLength
			}
			if err := perByte(vm, 0, length); err != nil {
				return 0, err
			}
			data, err := vm.Translate(ptr, length, false)
			if err != nil {
				return 0, err
			}
			h.Write(data)
		}
		return 0, vm.Write(resultAddr, h.Sum(nil))
	}
}

func (r *Registry) registerMisc() {
	r.register("abort", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return 0, fmt.Errorf("%w: program aborted", spinvm.ErrExecutionFailed)
	})

	// spin_panic(ptr, len)
	r.register("spin_panic", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		msgLen := r2
		if msgLen > 256 {
			msgLen = 256
		}
		msg := make([]byte, msgLen)
		if err := vm.Read(r1, msg); err != nil {
			return 0, fmt.Errorf("%w: program panicked", spinvm.ErrExecutionFailed)
		}
		return 0, fmt.Errorf("%w: program panicked: %s", spinvm.ErrExecutionFailed, guestText(msg))
	})
}

// guestText turns guest bytes into valid UTF-8. Invalid sequences, including
// a rune cut by truncation, become U+FFFD.
func guestText(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
