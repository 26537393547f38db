package loader

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/evikser/spin-node/pkg/spinvm"
	"github.com/evikser/spin-node/pkg/spinvm/sbpf"
	"github.com/evikser/spin-node/pkg/spinvm/syscall"
)

// buildELF assembles a minimal sBPF shared object with .text and
// .shstrtab. The entry is given as an instruction index.
func buildELF(text []uint64, entry uint64, machine uint16) []byte {
	shstrtab := []byte("\x00.text\x00.shstrtab\x00")
	textOff := uint64(64)
	textSize := uint64(len(text) * 8)
	strOff := textOff + textSize
	shOff := (strOff + uint64(len(shstrtab)) + 7) &^ 7

	out := make([]byte, shOff+3*64)
	copy(out, elfMagic)
	out[4] = elfClass64
	out[5] = elfDataLSB
	out[6] = 1
	binary.LittleEndian.PutUint16(out[16:], elfTypeDyn)
	binary.LittleEndian.PutUint16(out[18:], machine)
	binary.LittleEndian.PutUint32(out[20:], 1)
	binary.LittleEndian.PutUint64(out[24:], entry*8)
	binary.LittleEndian.PutUint64(out[40:], shOff)
	binary.LittleEndian.PutUint16(out[52:], 64)
	binary.LittleEndian.PutUint16(out[58:], 64)
	binary.LittleEndian.PutUint16(out[60:], 3)
	binary.LittleEndian.PutUint16(out[62:], 2)

	for i, ins := range text {
		binary.LittleEndian.PutUint64(out[textOff+uint64(i)*8:], ins)
	}
	copy(out[strOff:], shstrtab)

	section := func(idx int, name, typ uint32, flags, off, size uint64) {
		sh := out[shOff+uint64(idx)*64:]
		binary.LittleEndian.PutUint32(sh[0:], name)
		binary.LittleEndian.PutUint32(sh[4:], typ)
		binary.LittleEndian.PutUint64(sh[8:], flags)
		binary.LittleEndian.PutUint64(sh[24:], off)
		binary.LittleEndian.PutUint64(sh[32:], size)
	}
	section(1, 1, 1, 0x6, textOff, textSize)
	section(2, 7, 3, 0, strOff, uint64(len(shstrtab)))
	return out
}

func exitWith(v int32) []uint64 {
	return []uint64{
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, v),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	}
}

func runProgram(t *testing.T, exe *Executable) uint64 {
	t.Helper()
	r0, err := sbpf.NewInterpreter(exe.ToProgram(), nil, sbpf.Config{Budget: 1000}).Run()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return r0
}

func TestLoadELF(t *testing.T) {
	for _, machine := range []uint16{elfMachineBPF, elfMachineSBPF} {
		text := append([]uint64{sbpf.Encode(sbpf.OpJa, 0, 0, 0, 0)}, exitWith(7)...)
		exe, err := Load(buildELF(text, 1, machine))
		if err != nil {
			t.Fatalf("Load() machine %d error = %v", machine, err)
		}
		if exe.Entry != 1 {
			t.Errorf("Entry = %d, want 1", exe.Entry)
		}
		if len(exe.Text) != 3 {
			t.Errorf("Text length = %d, want 3", len(exe.Text))
		}
		if got := runProgram(t, exe); got != 7 {
			t.Errorf("r0 = %d, want 7", got)
		}
	}
}

func TestLoadRaw(t *testing.T) {
	exe, err := Load(BuildRaw(0, exitWith(55)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := runProgram(t, exe); got != 55 {
		t.Errorf("r0 = %d, want 55", got)
	}
	if len(exe.Imports) != 0 {
		t.Errorf("Imports = %v, want none", exe.Imports)
	}
}

func TestLoadRejects(t *testing.T) {
	misaligned := append(BuildRaw(0, exitWith(1)), 0xAA)
	badEntry := BuildRaw(9, exitWith(1))
	x86 := buildELF(exitWith(1), 0, 62)
	truncated := buildELF(exitWith(1), 0, elfMachineBPF)[:100]

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"too short", []byte{0x7f, 'E', 'L', 'F'}},
		{"wrong magic", make([]byte, 64)},
		{"raw header only", []byte("SPNX")},
		{"raw empty text", BuildRaw(0, nil)},
		{"raw misaligned", misaligned},
		{"raw entry outside text", badEntry},
		{"wrong machine", x86},
		{"truncated elf", truncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.data)
			if !errors.Is(err, spinvm.ErrCorruptedInput) {
				t.Errorf("Load() error = %v, want corrupted input", err)
			}
		})
	}
}

func TestLoadTooLarge(t *testing.T) {
	l := &Loader{maxSize: 16}
	_, err := l.Load(BuildRaw(0, exitWith(1)))
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("Load() error = %v, want ErrTooLarge", err)
	}
}

func TestImportsAndVerify(t *testing.T) {
	setStorage := syscall.ID(syscall.NameSetStorage)
	foreign := syscall.ID("sol_invoke_signed_c")
	lddw := sbpf.EncodeLddw(1, uint64(sbpf.OpCall)|uint64(foreign)<<32)

	text := []uint64{
		lddw[0], lddw[1], // immediate that looks like a call must not count
		sbpf.Encode(sbpf.OpCall, 0, 0, 0, int32(setStorage)),
		sbpf.Encode(sbpf.OpCall, 0, 1, 0, 1), // relative internal call
	}
	text = append(text, exitWith(0)...)

	exe, err := Load(BuildRaw(0, text))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(exe.Imports) != 1 || exe.Imports[0] != setStorage {
		t.Fatalf("Imports = %v, want [0x%08x]", exe.Imports, setStorage)
	}
	if err := exe.Verify(syscall.Known); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	bad := append([]uint64{sbpf.Encode(sbpf.OpCall, 0, 0, 0, int32(foreign))}, exitWith(0)...)
	exe, err = Load(BuildRaw(0, bad))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	err = exe.Verify(syscall.Known)
	if !errors.Is(err, ErrUnknownImport) || !errors.Is(err, spinvm.ErrCorruptedInput) {
		t.Errorf("Verify() error = %v, want unknown import", err)
	}
}

func TestValidateHeader(t *testing.T) {
	tests := []struct {
		name    string
		header  *ELFHeader
		wantErr error
	}{
		{"valid BPF", &ELFHeader{Class: elfClass64, Data: elfDataLSB, Machine: elfMachineBPF, Type: elfTypeExec}, nil},
		{"valid sBPF", &ELFHeader{Class: elfClass64, Data: elfDataLSB, Machine: elfMachineSBPF, Type: elfTypeDyn}, nil},
		{"32-bit", &ELFHeader{Class: 1, Data: elfDataLSB, Machine: elfMachineBPF, Type: elfTypeExec}, ErrUnsupportedClass},
		{"big endian", &ELFHeader{Class: elfClass64, Data: 2, Machine: elfMachineBPF, Type: elfTypeExec}, ErrUnsupportedEndian},
		{"x86-64", &ELFHeader{Class: elfClass64, Data: elfDataLSB, Machine: 62, Type: elfTypeExec}, ErrUnsupportedMachine},
		{"relocatable", &ELFHeader{Class: elfClass64, Data: elfDataLSB, Machine: elfMachineBPF, Type: 1}, ErrInvalidELF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateHeader(tt.header)
			if !errors.Is(err, tt.wantErr) && !(err == nil && tt.wantErr == nil) {
				t.Errorf("validateHeader() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetSymbolName(t *testing.T) {
	strtab := []byte("\x00hello\x00world")
	tests := []struct {
		offset   uint32
		expected string
	}{
		{0, ""},
		{1, "hello"},
		{7, "world"},
		{99, ""},
	}
	for _, tt := range tests {
		if got := getSymbolName(strtab, tt.offset); got != tt.expected {
			t.Errorf("getSymbolName(strtab, %d) = %q, want %q", tt.offset, got, tt.expected)
		}
	}
}
