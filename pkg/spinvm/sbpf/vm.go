// Package sbpf is the sandbox that runs spin contract programs.
//
// Programs are sBPF bytecode: eleven 64-bit registers (r10 is the read-only
// frame pointer), little-endian memory split into four regions, and host
// functions reached through the call instruction. Every instruction costs
// cycles charged to a Meter; a run ends when the program exits, faults, or
// the budget runs out.
//
// Memory layout:
//   - Program (0x100000000): read-only data
//   - Stack   (0x200000000): one StackFrameSize frame per call level
//   - Heap    (0x300000000): bump-allocated scratch memory
//   - Input   (0x400000000): read-only call payload, address passed in r1
package sbpf

import (
	"errors"
	"fmt"
)

// Region base addresses.
const (
	VaddrProgram = uint64(0x1_0000_0000)
	VaddrStack   = uint64(0x2_0000_0000)
	VaddrHeap    = uint64(0x3_0000_0000)
	VaddrInput   = uint64(0x4_0000_0000)
)

const (
	StackFrameSize = 4096
	MaxFrames      = 64
	HeapDefault    = 32 * 1024
	HeapMax        = 256 * 1024
)

var (
	ErrBudgetExhausted     = errors.New("cycle budget exhausted")
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrInvalidInstruction  = errors.New("invalid instruction")
	ErrCallDepthExceeded   = errors.New("call depth exceeded")
	ErrDivisionByZero      = errors.New("division by zero")
	ErrUnknownSyscall      = errors.New("unknown syscall")
	ErrInvalidProgram      = errors.New("invalid program")
)

// VM is the view of a running interpreter handed to host functions.
type VM interface {
	// Context returns the host value the run was started with.
	Context() any
	Meter() *Meter

	Translate(addr, size uint64, write bool) ([]byte, error)
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
	WriteUint64(addr, v uint64) error
	Alloc(size uint64) (uint64, error)
}

// Syscall is a host function. Arguments arrive in r1-r5 and the result is
// placed in r0. A returned error terminates the run.
type Syscall interface {
	Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)
}

// SyscallFunc adapts a function to Syscall.
type SyscallFunc func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)

func (f SyscallFunc) Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return f(vm, r1, r2, r3, r4, r5)
}

// SyscallTable resolves the immediate of a call instruction to a host function.
type SyscallTable func(id uint32) (Syscall, bool)

// Program is a loaded, ready-to-run image.
type Program struct {
	Text      []uint64
	RO        []byte
	Entry     uint64
	Functions map[uint32]uint64 // call target id -> instruction index
}

// Validate checks the image is runnable at all.
func (p *Program) Validate() error {
	if len(p.Text) == 0 {
		return fmt.Errorf("%w: empty text", ErrInvalidProgram)
	}
	if p.Entry >= uint64(len(p.Text)) {
		return fmt.Errorf("%w: entry %d outside text of %d slots", ErrInvalidProgram, p.Entry, len(p.Text))
	}
	for id, pc := range p.Functions {
		if pc >= uint64(len(p.Text)) {
			return fmt.Errorf("%w: function 0x%08x at %d outside text", ErrInvalidProgram, id, pc)
		}
	}
	return nil
}

// Config parameterises one run.
type Config struct {
	HeapSize uint64
	Budget   uint64
	Syscalls SyscallTable
	Context  any
}

type frame struct {
	saved   [4]uint64 // r6-r9
	fp      uint64
	retAddr int64
}

// Interpreter executes one Program against one input. It is single use.
type Interpreter struct {
	text      []uint64
	entry     uint64
	functions map[uint32]uint64

	ro       region
	stack    region
	heap     region
	input    region
	heapNext uint64
	frames   []frame

	meter    *Meter
	syscalls SyscallTable
	ctx      any
	steps    uint64
}

// NewInterpreter prepares a run of program over input.
func NewInterpreter(program *Program, input []byte, cfg Config) *Interpreter {
	heapSize := cfg.HeapSize
	if heapSize == 0 {
		heapSize = HeapDefault
	}
	if heapSize > HeapMax {
		heapSize = HeapMax
	}
	syscalls := cfg.Syscalls
	if syscalls == nil {
		syscalls = func(uint32) (Syscall, bool) { return nil, false }
	}
	return &Interpreter{
		text:      program.Text,
		entry:     program.Entry,
		functions: program.Functions,
		ro:        region{name: "program", data: program.RO},
		stack:     region{name: "stack", data: make([]byte, StackFrameSize*MaxFrames), writable: true},
		heap:      region{name: "heap", data: make([]byte, heapSize), writable: true},
		input:     region{name: "input", data: input},
		meter:     NewMeter(cfg.Budget),
		syscalls:  syscalls,
		ctx:       cfg.Context,
	}
}

func (ip *Interpreter) Context() any { return ip.ctx }
func (ip *Interpreter) Meter() *Meter { return ip.meter }

// Steps returns the number of instructions retired so far.
func (ip *Interpreter) Steps() uint64 { return ip.steps }

// Run executes until the outermost exit and returns r0.
func (ip *Interpreter) Run() (r0 uint64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: interpreter fault: %v", ErrInvalidInstruction, rec)
		}
	}()

	var r [11]uint64
	r[1] = VaddrInput
	r[10] = VaddrStack + StackFrameSize
	pc := int64(ip.entry)

	for {
		if pc < 0 || pc >= int64(len(ip.text)) {
			return 0, fmt.Errorf("%w: pc %d out of bounds", ErrInvalidInstruction, pc)
		}
		ins := Instruction(ip.text[pc])
		op := ins.Op()
		if err := ip.meter.Charge(cycleCost(op)); err != nil {
			return 0, err
		}
		ip.steps++

		dst, src := ins.Dst(), ins.Src()
		if dst > 10 || src > 10 {
			return 0, fmt.Errorf("%w: register out of range at pc %d", ErrInvalidInstruction, pc)
		}

		switch class := ins.Class(); class {
		case ClassAlu, ClassAlu64:
			if dst == 10 {
				return 0, fmt.Errorf("%w: write to r10 at pc %d", ErrInvalidInstruction, pc)
			}
			operand := uint64(int64(ins.Imm()))
			if op&SrcX != 0 {
				operand = r[src]
			} else if code := op & 0xF0; code == AluDiv || code == AluMod {
				operand = uint64(ins.Uimm())
			}
			v, err := alu(op&0xF0, r[dst], operand, class == ClassAlu64)
			if err != nil {
				return 0, fmt.Errorf("%w at pc %d", err, pc)
			}
			r[dst] = v

		case ClassLd:
			if op != OpLddw || pc+1 >= int64(len(ip.text)) || dst == 10 {
				return 0, fmt.Errorf("%w: malformed lddw at pc %d", ErrInvalidInstruction, pc)
			}
			hi := Instruction(ip.text[pc+1]).Uimm()
			r[dst] = uint64(ins.Uimm()) | uint64(hi)<<32
			pc++

		case ClassLdx:
			if dst == 10 {
				return 0, fmt.Errorf("%w: load into r10 at pc %d", ErrInvalidInstruction, pc)
			}
			v, err := ip.load(r[src]+uint64(int64(ins.Off())), accessWidth(op))
			if err != nil {
				return 0, err
			}
			r[dst] = v

		case ClassSt:
			if err := ip.store(r[dst]+uint64(int64(ins.Off())), accessWidth(op), uint64(int64(ins.Imm()))); err != nil {
				return 0, err
			}

		case ClassStx:
			if err := ip.store(r[dst]+uint64(int64(ins.Off())), accessWidth(op), r[src]); err != nil {
				return 0, err
			}

		case ClassJmp, ClassJmp32:
			switch op {
			case OpExit:
				if len(ip.frames) == 0 {
					return r[0], nil
				}
				f := ip.frames[len(ip.frames)-1]
				ip.frames = ip.frames[:len(ip.frames)-1]
				copy(r[6:10], f.saved[:])
				r[10] = f.fp
				pc = f.retAddr
				continue

			case OpCall:
				id := ins.Uimm()
				if sc, ok := ip.syscalls(id); ok && src == 0 {
					res, err := sc.Invoke(ip, r[1], r[2], r[3], r[4], r[5])
					if err != nil {
						return 0, err
					}
					r[0] = res
					break
				}
				target, ok := ip.functions[id]
				if !ok {
					if src != 1 {
						return 0, fmt.Errorf("%w: 0x%08x at pc %d", ErrUnknownSyscall, id, pc)
					}
					target = uint64(pc + int64(ins.Imm()) + 1)
				}
				if err := ip.pushFrame(&r, pc+1); err != nil {
					return 0, err
				}
				pc = int64(target)
				continue

			case OpJa:
				pc += int64(ins.Off())

			default:
				operand := uint64(int64(ins.Imm()))
				if op&SrcX != 0 {
					operand = r[src]
				}
				taken, err := branch(op&0xF0, r[dst], operand, class == ClassJmp)
				if err != nil {
					return 0, fmt.Errorf("%w at pc %d", err, pc)
				}
				if taken {
					pc += int64(ins.Off())
				}
			}

		default:
			return 0, fmt.Errorf("%w: opcode 0x%02x at pc %d", ErrInvalidInstruction, op, pc)
		}
		pc++
	}
}

func (ip *Interpreter) pushFrame(r *[11]uint64, retAddr int64) error {
	if len(ip.frames)+1 >= MaxFrames {
		return ErrCallDepthExceeded
	}
	f := frame{fp: r[10], retAddr: retAddr}
	copy(f.saved[:], r[6:10])
	ip.frames = append(ip.frames, f)
	r[10] += StackFrameSize
	return nil
}

func alu(code uint8, a, b uint64, wide bool) (uint64, error) {
	shift := uint64(63)
	if !wide {
		a, b = uint64(uint32(a)), uint64(uint32(b))
		shift = 31
	}
	var v uint64
	switch code {
	case AluAdd:
		v = a + b
	case AluSub:
		v = a - b
	case AluMul:
		v = a * b
	case AluDiv, AluMod:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		if code == AluDiv {
			v = a / b
		} else {
			v = a % b
		}
	case AluOr:
		v = a | b
	case AluAnd:
		v = a & b
	case AluXor:
		v = a ^ b
	case AluLsh:
		v = a << (b & shift)
	case AluRsh:
		v = a >> (b & shift)
	case AluArsh:
		if wide {
			v = uint64(int64(a) >> (b & shift))
		} else {
			v = uint64(uint32(int32(uint32(a)) >> (b & shift)))
		}
	case AluNeg:
		v = -a
	case AluMov:
		v = b
	default:
		return 0, fmt.Errorf("%w: alu op 0x%02x", ErrInvalidInstruction, code)
	}
	if !wide {
		v = uint64(uint32(v))
	}
	return v, nil
}

func branch(code uint8, a, b uint64, wide bool) (bool, error) {
	sa, sb := int64(a), int64(b)
	if !wide {
		a, b = uint64(uint32(a)), uint64(uint32(b))
		sa, sb = int64(int32(a)), int64(int32(b))
	}
	switch code {
	case JmpJeq:
		return a == b, nil
	case JmpJne:
		return a != b, nil
	case JmpJgt:
		return a > b, nil
	case JmpJge:
		return a >= b, nil
	case JmpJlt:
		return a < b, nil
	case JmpJle:
		return a <= b, nil
	case JmpJset:
		return a&b != 0, nil
	case JmpJsgt:
		return sa > sb, nil
	case JmpJsge:
		return sa >= sb, nil
	case JmpJslt:
		return sa < sb, nil
	case JmpJsle:
		return sa <= sb, nil
	}
	return false, fmt.Errorf("%w: jump op 0x%02x", ErrInvalidInstruction, code)
}
