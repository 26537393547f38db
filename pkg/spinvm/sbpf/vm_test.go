package sbpf

import (
	"encoding/binary"
	"errors"
	"testing"
)

func run(t *testing.T, text []uint64, input []byte, budget uint64, syscalls SyscallTable) (uint64, *Interpreter, error) {
	t.Helper()
	prog := &Program{Text: text}
	if err := prog.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	ip := NewInterpreter(prog, input, Config{Budget: budget, Syscalls: syscalls})
	r0, err := ip.Run()
	return r0, ip, err
}

func TestMeter(t *testing.T) {
	m := NewMeter(1000)
	if m.Remaining() != 1000 {
		t.Errorf("Remaining() = %d, want 1000", m.Remaining())
	}
	if err := m.Charge(100); err != nil {
		t.Fatalf("Charge(100) = %v", err)
	}
	if m.Used() != 100 || m.Remaining() != 900 {
		t.Errorf("Used/Remaining = %d/%d, want 100/900", m.Used(), m.Remaining())
	}
	if err := m.Charge(900); err != nil {
		t.Fatalf("Charge(900) = %v", err)
	}
	if err := m.Charge(1); !errors.Is(err, ErrBudgetExhausted) {
		t.Errorf("Charge(1) = %v, want ErrBudgetExhausted", err)
	}
	if m.Used() != m.Limit() {
		t.Errorf("Used() = %d after exhaustion, want %d", m.Used(), m.Limit())
	}
}

func TestInterpreterALU(t *testing.T) {
	tests := []struct {
		name string
		text []uint64
		want uint64
	}{
		{"add imm", []uint64{
			Encode(OpMov64Imm, 0, 0, 0, 10),
			Encode(OpAdd64Imm, 0, 0, 0, 5),
			Encode(OpExit, 0, 0, 0, 0),
		}, 15},
		{"sub reg", []uint64{
			Encode(OpMov64Imm, 0, 0, 0, 10),
			Encode(OpMov64Imm, 1, 0, 0, 3),
			Encode(OpSub64Reg, 0, 1, 0, 0),
			Encode(OpExit, 0, 0, 0, 0),
		}, 7},
		{"mul reg", []uint64{
			Encode(OpMov64Imm, 0, 0, 0, 6),
			Encode(OpMov64Imm, 1, 0, 0, 7),
			Encode(OpMul64Reg, 0, 1, 0, 0),
			Encode(OpExit, 0, 0, 0, 0),
		}, 42},
		{"div and mod", []uint64{
			Encode(OpMov64Imm, 0, 0, 0, 100),
			Encode(OpDiv64Imm, 0, 0, 0, 7),
			Encode(OpMod64Imm, 0, 0, 0, 5),
			Encode(OpExit, 0, 0, 0, 0),
		}, 4},
		{"shifts", []uint64{
			Encode(OpMov64Imm, 0, 0, 0, 1),
			Encode(OpLsh64Imm, 0, 0, 0, 40),
			Encode(OpRsh64Imm, 0, 0, 0, 38),
			Encode(OpExit, 0, 0, 0, 0),
		}, 4},
		{"neg wraps", []uint64{
			Encode(OpMov64Imm, 0, 0, 0, 1),
			Encode(OpNeg64, 0, 0, 0, 0),
			Encode(OpExit, 0, 0, 0, 0),
		}, ^uint64(0)},
		{"mov32 truncates", []uint64{
			Encode(OpMov64Imm, 0, 0, 0, -1),
			Encode(OpAdd32Imm, 0, 0, 0, 1),
			Encode(OpExit, 0, 0, 0, 0),
		}, 0},
		{"lddw", append(func() []uint64 {
			l := EncodeLddw(0, 0x1122334455667788)
			return l[:]
		}(), Encode(OpExit, 0, 0, 0, 0)), 0x1122334455667788},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r0, _, err := run(t, tt.text, nil, 10000, nil)
			if err != nil {
				t.Fatalf("Run() = %v", err)
			}
			if r0 != tt.want {
				t.Errorf("r0 = %d, want %d", r0, tt.want)
			}
		})
	}
}

func TestInterpreterJumps(t *testing.T) {
	tests := []struct {
		name string
		text []uint64
		want uint64
	}{
		{"ja", []uint64{
			Encode(OpMov64Imm, 0, 0, 0, 1),
			Encode(OpJa, 0, 0, 1, 0),
			Encode(OpMov64Imm, 0, 0, 0, 2),
			Encode(OpExit, 0, 0, 0, 0),
		}, 1},
		{"jeq taken", []uint64{
			Encode(OpMov64Imm, 0, 0, 0, 5),
			Encode(OpJeqImm, 0, 0, 1, 5),
			Encode(OpMov64Imm, 0, 0, 0, 0),
			Encode(OpExit, 0, 0, 0, 0),
		}, 5},
		{"jne not taken", []uint64{
			Encode(OpMov64Imm, 0, 0, 0, 5),
			Encode(OpJneImm, 0, 0, 1, 5),
			Encode(OpMov64Imm, 0, 0, 0, 0),
			Encode(OpExit, 0, 0, 0, 0),
		}, 0},
		{"signed compare", []uint64{
			Encode(OpMov64Imm, 0, 0, 0, -3),
			Encode(OpJsltImm, 0, 0, 1, 0),
			Encode(OpMov64Imm, 0, 0, 0, 9),
			Encode(OpExit, 0, 0, 0, 0),
		}, uint64(0xFFFFFFFFFFFFFFFD)},
		{"loop", []uint64{
			Encode(OpMov64Imm, 0, 0, 0, 0),
			Encode(OpMov64Imm, 1, 0, 0, 5),
			Encode(OpAdd64Imm, 0, 0, 0, 1),
			Encode(OpJltReg, 0, 1, -2, 0),
			Encode(OpExit, 0, 0, 0, 0),
		}, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r0, _, err := run(t, tt.text, nil, 10000, nil)
			if err != nil {
				t.Fatalf("Run() = %v", err)
			}
			if r0 != tt.want {
				t.Errorf("r0 = %d, want %d", r0, tt.want)
			}
		})
	}
}

func TestInterpreterFaults(t *testing.T) {
	tests := []struct {
		name string
		text []uint64
		want error
	}{
		{"division by zero", []uint64{
			Encode(OpMov64Imm, 0, 0, 0, 10),
			Encode(OpMov64Imm, 1, 0, 0, 0),
			Encode(OpDiv64Reg, 0, 1, 0, 0),
			Encode(OpExit, 0, 0, 0, 0),
		}, ErrDivisionByZero},
		{"write to input", []uint64{
			Encode(OpStb, 1, 0, 0, 7),
			Encode(OpExit, 0, 0, 0, 0),
		}, ErrInvalidMemoryAccess},
		{"unmapped load", []uint64{
			Encode(OpMov64Imm, 2, 0, 0, 0x1000),
			Encode(OpLdxdw, 0, 2, 0, 0),
			Encode(OpExit, 0, 0, 0, 0),
		}, ErrInvalidMemoryAccess},
		{"unknown syscall", []uint64{
			Encode(OpCall, 0, 0, 0, 0x7777),
			Encode(OpExit, 0, 0, 0, 0),
		}, ErrUnknownSyscall},
		{"bad opcode", []uint64{
			Encode(0xff, 0, 0, 0, 0),
		}, ErrInvalidInstruction},
		{"fall off text", []uint64{
			Encode(OpMov64Imm, 0, 0, 0, 1),
		}, ErrInvalidInstruction},
		{"write r10", []uint64{
			Encode(OpMov64Imm, 10, 0, 0, 1),
			Encode(OpExit, 0, 0, 0, 0),
		}, ErrInvalidInstruction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := run(t, tt.text, []byte{1, 2, 3}, 10000, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("Run() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInterpreterBudgetExhaustion(t *testing.T) {
	_, ip, err := run(t, []uint64{Encode(OpJa, 0, 0, -1, 0)}, nil, 10, nil)
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("Run() = %v, want ErrBudgetExhausted", err)
	}
	if ip.Meter().Used() != 10 {
		t.Errorf("Used() = %d, want 10", ip.Meter().Used())
	}
}

func TestInterpreterStackAndInput(t *testing.T) {
	input := make([]byte, 8)
	binary.LittleEndian.PutUint64(input, 21)
	text := []uint64{
		Encode(OpLdxdw, 2, 1, 0, 0),     // r2 = *(u64*)input
		Encode(OpStxdw, 10, 2, -8, 0),   // push r2 to the frame
		Encode(OpLdxdw, 0, 10, -8, 0),   // r0 = it back
		Encode(OpAdd64Reg, 0, 2, 0, 0),
		Encode(OpExit, 0, 0, 0, 0),
	}
	r0, _, err := run(t, text, input, 1000, nil)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if r0 != 42 {
		t.Errorf("r0 = %d, want 42", r0)
	}
}

func TestInterpreterInternalCall(t *testing.T) {
	prog := &Program{
		Text: []uint64{
			Encode(OpMov64Imm, 6, 0, 0, 1),
			Encode(OpMov64Imm, 1, 0, 0, 21),
			Encode(OpCall, 0, 0, 0, 0x1234),
			Encode(OpAdd64Reg, 0, 6, 0, 0), // r6 preserved across the call
			Encode(OpExit, 0, 0, 0, 0),

			Encode(OpMov64Imm, 6, 0, 0, 100),
			Encode(OpAdd64Reg, 1, 1, 0, 0),
			Encode(OpMov64Reg, 0, 1, 0, 0),
			Encode(OpExit, 0, 0, 0, 0),
		},
		Functions: map[uint32]uint64{0x1234: 5},
	}
	ip := NewInterpreter(prog, nil, Config{Budget: 1000})
	r0, err := ip.Run()
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if r0 != 43 {
		t.Errorf("r0 = %d, want 43", r0)
	}
}

func TestInterpreterSyscall(t *testing.T) {
	var seen [2]uint64
	table := func(id uint32) (Syscall, bool) {
		if id != 0xabcd {
			return nil, false
		}
		return SyscallFunc(func(vm VM, r1, r2, _, _, _ uint64) (uint64, error) {
			seen = [2]uint64{r1, r2}
			if err := vm.Meter().Charge(100); err != nil {
				return 0, err
			}
			return r1 * r2, nil
		}), true
	}
	text := []uint64{
		Encode(OpMov64Imm, 1, 0, 0, 6),
		Encode(OpMov64Imm, 2, 0, 0, 7),
		Encode(OpCall, 0, 0, 0, 0xabcd),
		Encode(OpExit, 0, 0, 0, 0),
	}
	r0, ip, err := run(t, text, nil, 1000, table)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if r0 != 42 || seen != [2]uint64{6, 7} {
		t.Errorf("r0 = %d seen = %v, want 42 [6 7]", r0, seen)
	}
	if ip.Meter().Used() < 100 {
		t.Errorf("Used() = %d, want syscall charge included", ip.Meter().Used())
	}
}

func TestAlloc(t *testing.T) {
	ip := NewInterpreter(&Program{Text: []uint64{Encode(OpExit, 0, 0, 0, 0)}}, nil, Config{HeapSize: 64})
	a, err := ip.Alloc(3)
	if err != nil || a != VaddrHeap {
		t.Fatalf("Alloc(3) = 0x%x, %v", a, err)
	}
	b, err := ip.Alloc(8)
	if err != nil || b != VaddrHeap+8 {
		t.Fatalf("Alloc(8) = 0x%x, %v, want aligned", b, err)
	}
	if _, err := ip.Alloc(64); !errors.Is(err, ErrInvalidMemoryAccess) {
		t.Errorf("Alloc(64) = %v, want ErrInvalidMemoryAccess", err)
	}
}

func TestCycleCost(t *testing.T) {
	tests := []struct {
		op   uint8
		want uint64
	}{
		{OpAdd64Imm, CycleALU},
		{OpMul64Imm, CycleMul},
		{OpDiv64Imm, CycleDiv},
		{OpMod64Reg, CycleDiv},
		{OpLdxdw, CycleMem},
		{OpStxdw, CycleMem},
		{OpLddw, CycleMem},
		{OpJa, CycleJump},
		{OpCall, CycleCall},
		{OpExit, CycleExit},
	}
	for _, tt := range tests {
		if got := cycleCost(tt.op); got != tt.want {
			t.Errorf("cycleCost(0x%02x) = %d, want %d", tt.op, got, tt.want)
		}
	}
}
