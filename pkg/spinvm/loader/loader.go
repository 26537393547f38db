// Package loader turns deployed contract code into runnable sBPF programs.
//
// Two image formats are accepted:
//   - sBPF ELF objects as produced by the BPF toolchains (64-bit, little
//     endian, machine EM_BPF or EM_SBPF), with symbol and relocation
//     processing for function calls and syscall imports
//   - raw images: the magic "SPNX", a little-endian u32 entry instruction
//     index, then the text as little-endian 8-byte slots
//
// Anything else is rejected with an error wrapping spinvm.ErrCorruptedInput.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/evikser/spin-node/pkg/spinvm"
	"github.com/evikser/spin-node/pkg/spinvm/sbpf"
	"github.com/evikser/spin-node/pkg/spinvm/syscall"
)

var (
	elfMagic = []byte{0x7f, 'E', 'L', 'F'}
	rawMagic = []byte("SPNX")
)

const (
	elfClass64       = 2
	elfDataLSB       = 1
	elfMachineBPF    = 247
	elfMachineSBPF   = 263
	elfTypeExec      = 2
	elfTypeDyn       = 3
	elfHeaderSize    = 64
	elfSectionSize   = 64
	elfSymbolSize    = 24
	elfRelocSize     = 16
	rawHeaderSize    = 8
	shtNobits        = 8
	sttFunc          = 2
	rBPF64_64        = 1
	rBPFRelative     = 8
	rBPF64_32        = 10
	instructionBytes = 8
)

var (
	ErrInvalidELF         = errors.New("invalid ELF file")
	ErrUnsupportedClass   = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian  = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected BPF/sBPF)")
	ErrNoTextSection      = errors.New("no .text section found")
	ErrInvalidSection     = errors.New("invalid section")
	ErrTooLarge           = errors.New("image too large")
	ErrUnknownFormat      = errors.New("unknown image format")
	ErrUnknownImport      = errors.New("unknown syscall import")
)

// Limits.
const (
	MaxImageSize    = 10 * 1024 * 1024
	MaxSections     = 256
	MaxSymbols      = 100_000
	MaxRelocations  = 100_000
	MaxInstructions = 1_000_000
)

type ELFHeader struct {
	Class     uint8
	Data      uint8
	Type      uint16
	Machine   uint16
	Entry     uint64
	SHOff     uint64
	SHEntSize uint16
	SHNum     uint16
	SHStrNdx  uint16
}

type SectionHeader struct {
	Name    uint32
	Type    uint32
	Flags   uint64
	Addr    uint64
	Offset  uint64
	Size    uint64
	EntSize uint64
}

type Symbol struct {
	Name  uint32
	Info  uint8
	Shndx uint16
	Value uint64
}

// Executable is a parsed image.
type Executable struct {
	Text      []uint64
	RO        []byte
	Entry     uint64
	Functions map[uint32]uint64

	// Imports lists the syscall ids the text calls, sorted.
	Imports []uint32
}

// ToProgram returns the interpreter view of e.
func (e *Executable) ToProgram() *sbpf.Program {
	return &sbpf.Program{
		Text:      e.Text,
		RO:        e.RO,
		Entry:     e.Entry,
		Functions: e.Functions,
	}
}

// Verify checks every import resolves to a host syscall.
func (e *Executable) Verify(known func(id uint32) bool) error {
	for _, id := range e.Imports {
		if !known(id) {
			return fmt.Errorf("%w: %w 0x%08x", spinvm.ErrCorruptedInput, ErrUnknownImport, id)
		}
	}
	return nil
}

// Loader parses contract code.
type Loader struct {
	maxSize int
}

func NewLoader() *Loader {
	return &Loader{maxSize: MaxImageSize}
}

// Load parses code in either supported format and validates the result.
func (l *Loader) Load(code []byte) (*Executable, error) {
	exe, err := l.load(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", spinvm.ErrCorruptedInput, err)
	}
	if err := exe.ToProgram().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", spinvm.ErrCorruptedInput, err)
	}
	exe.Imports = collectImports(exe.Text, exe.Functions, exe.Imports)
	return exe, nil
}

func (l *Loader) load(code []byte) (*Executable, error) {
	if len(code) > l.maxSize {
		return nil, ErrTooLarge
	}
	switch {
	case bytes.HasPrefix(code, elfMagic):
		return loadELF(code)
	case bytes.HasPrefix(code, rawMagic):
		return loadRaw(code)
	default:
		return nil, ErrUnknownFormat
	}
}

// Load parses code with a default Loader.
func Load(code []byte) (*Executable, error) {
	return NewLoader().Load(code)
}

// BuildRaw assembles a raw image.
func BuildRaw(entry uint32, text []uint64) []byte {
	out := make([]byte, rawHeaderSize+len(text)*instructionBytes)
	copy(out, rawMagic)
	binary.LittleEndian.PutUint32(out[4:], entry)
	for i, ins := range text {
		binary.LittleEndian.PutUint64(out[rawHeaderSize+i*instructionBytes:], ins)
	}
	return out
}

func loadRaw(code []byte) (*Executable, error) {
	if len(code) < rawHeaderSize {
		return nil, fmt.Errorf("%w: truncated raw header", ErrInvalidSection)
	}
	body := code[rawHeaderSize:]
	text, err := decodeText(body)
	if err != nil {
		return nil, err
	}
	return &Executable{
		Text:      text,
		Entry:     uint64(binary.LittleEndian.Uint32(code[4:8])),
		Functions: map[uint32]uint64{},
	}, nil
}

func loadELF(data []byte) (*Executable, error) {
	header, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}
	sections, err := parseSectionHeaders(data, header)
	if err != nil {
		return nil, err
	}
	names, err := getSectionNames(data, sections, header.SHStrNdx)
	if err != nil {
		return nil, err
	}

	textSection := findSection(sections, names, ".text")
	if textSection == nil {
		return nil, ErrNoTextSection
	}
	raw, err := extractSection(data, textSection)
	if err != nil {
		return nil, err
	}
	text, err := decodeText(raw)
	if err != nil {
		return nil, err
	}

	var rodata []byte
	if sec := findSection(sections, names, ".rodata"); sec != nil {
		if rodata, err = extractSection(data, sec); err != nil {
			return nil, err
		}
	}

	symtab, strtab := findSection(sections, names, ".symtab"), findSection(sections, names, ".strtab")
	if symtab == nil || strtab == nil {
		symtab, strtab = findSection(sections, names, ".dynsym"), findSection(sections, names, ".dynstr")
	}
	var symbols []Symbol
	var symbolNames []byte
	if symtab != nil && strtab != nil {
		if symbols, err = parseSymbols(data, symtab); err != nil {
			return nil, err
		}
		if symbolNames, err = extractSection(data, strtab); err != nil {
			return nil, err
		}
	}

	functions := make(map[uint32]uint64)
	for _, sym := range symbols {
		if sym.Info&0xf != sttFunc || sym.Shndx == 0 {
			continue
		}
		if name := getSymbolName(symbolNames, sym.Name); name != "" {
			pc := sym.Value
			if textSection.Addr > 0 && pc >= textSection.Addr {
				pc -= textSection.Addr
			}
			functions[syscall.ID(name)] = pc / instructionBytes
		}
	}

	var imports []uint32
	for _, name := range []string{".rel.text", ".rel.dyn"} {
		sec := findSection(sections, names, name)
		if sec == nil {
			continue
		}
		if err := processRelocations(data, sec, text, symbols, symbolNames, &imports); err != nil {
			return nil, err
		}
	}

	entry := header.Entry / instructionBytes
	if textSection.Addr > 0 {
		if header.Entry < textSection.Addr {
			return nil, fmt.Errorf("%w: entry 0x%x before .text", ErrInvalidELF, header.Entry)
		}
		entry = (header.Entry - textSection.Addr) / instructionBytes
	}

	return &Executable{
		Text:      text,
		RO:        rodata,
		Entry:     entry,
		Functions: functions,
		Imports:   imports,
	}, nil
}

// within reports whether [off, off+size) lies inside a buffer of length n.
func within(off, size uint64, n int) bool {
	return off <= uint64(n) && size <= uint64(n)-off
}

func parseHeader(data []byte) (*ELFHeader, error) {
	if len(data) < elfHeaderSize || !bytes.Equal(data[0:4], elfMagic) {
		return nil, ErrInvalidELF
	}
	return &ELFHeader{
		Class:     data[4],
		Data:      data[5],
		Type:      binary.LittleEndian.Uint16(data[16:18]),
		Machine:   binary.LittleEndian.Uint16(data[18:20]),
		Entry:     binary.LittleEndian.Uint64(data[24:32]),
		SHOff:     binary.LittleEndian.Uint64(data[40:48]),
		SHEntSize: binary.LittleEndian.Uint16(data[58:60]),
		SHNum:     binary.LittleEndian.Uint16(data[60:62]),
		SHStrNdx:  binary.LittleEndian.Uint16(data[62:64]),
	}, nil
}

func validateHeader(h *ELFHeader) error {
	if h.Class != elfClass64 {
		return ErrUnsupportedClass
	}
	if h.Data != elfDataLSB {
		return ErrUnsupportedEndian
	}
	if h.Machine != elfMachineBPF && h.Machine != elfMachineSBPF {
		return ErrUnsupportedMachine
	}
	if h.Type != elfTypeExec && h.Type != elfTypeDyn {
		return fmt.Errorf("%w: unsupported ELF type %d", ErrInvalidELF, h.Type)
	}
	return nil
}

func parseSectionHeaders(data []byte, header *ELFHeader) ([]SectionHeader, error) {
	if header.SHNum == 0 {
		return nil, ErrNoTextSection
	}
	if header.SHNum > MaxSections {
		return nil, fmt.Errorf("%w: too many sections", ErrInvalidELF)
	}
	if header.SHEntSize < elfSectionSize {
		return nil, fmt.Errorf("%w: section header size %d", ErrInvalidELF, header.SHEntSize)
	}
	if !within(header.SHOff, uint64(header.SHEntSize)*uint64(header.SHNum), len(data)) {
		return nil, fmt.Errorf("%w: section headers out of bounds", ErrInvalidELF)
	}

	sections := make([]SectionHeader, header.SHNum)
	for i := range sections {
		off := header.SHOff + uint64(i)*uint64(header.SHEntSize)
		sh := data[off : off+elfSectionSize]
		sections[i] = SectionHeader{
			Name:    binary.LittleEndian.Uint32(sh[0:4]),
			Type:    binary.LittleEndian.Uint32(sh[4:8]),
			Flags:   binary.LittleEndian.Uint64(sh[8:16]),
			Addr:    binary.LittleEndian.Uint64(sh[16:24]),
			Offset:  binary.LittleEndian.Uint64(sh[24:32]),
			Size:    binary.LittleEndian.Uint64(sh[32:40]),
			EntSize: binary.LittleEndian.Uint64(sh[56:64]),
		}
	}
	return sections, nil
}

func getSectionNames(data []byte, sections []SectionHeader, shstrndx uint16) ([]string, error) {
	if int(shstrndx) >= len(sections) {
		return nil, ErrInvalidSection
	}
	strtab, err := extractSection(data, &sections[shstrndx])
	if err != nil {
		return nil, err
	}
	names := make([]string, len(sections))
	for i, sec := range sections {
		names[i] = getSymbolName(strtab, sec.Name)
	}
	return names, nil
}

func findSection(sections []SectionHeader, names []string, name string) *SectionHeader {
	for i, n := range names {
		if n == name {
			return &sections[i]
		}
	}
	return nil
}

func extractSection(data []byte, section *SectionHeader) ([]byte, error) {
	if section.Size > MaxImageSize {
		return nil, ErrTooLarge
	}
	if section.Type == shtNobits {
		return make([]byte, section.Size), nil
	}
	if !within(section.Offset, section.Size, len(data)) {
		return nil, ErrInvalidSection
	}
	return bytes.Clone(data[section.Offset : section.Offset+section.Size]), nil
}

func decodeText(raw []byte) ([]uint64, error) {
	if len(raw)%instructionBytes != 0 {
		return nil, fmt.Errorf("%w: text not aligned", ErrInvalidSection)
	}
	n := len(raw) / instructionBytes
	if n > MaxInstructions {
		return nil, fmt.Errorf("%w: too many instructions", ErrTooLarge)
	}
	text := make([]uint64, n)
	for i := range text {
		text[i] = binary.LittleEndian.Uint64(raw[i*instructionBytes:])
	}
	return text, nil
}

func parseSymbols(data []byte, section *SectionHeader) ([]Symbol, error) {
	entSize := section.EntSize
	if entSize == 0 {
		entSize = elfSymbolSize
	}
	if entSize < elfSymbolSize {
		return nil, fmt.Errorf("%w: symbol size %d", ErrInvalidSection, entSize)
	}
	count := section.Size / entSize
	if count > MaxSymbols {
		return nil, fmt.Errorf("%w: too many symbols", ErrInvalidELF)
	}
	if !within(section.Offset, section.Size, len(data)) {
		return nil, ErrInvalidSection
	}

	symbols := make([]Symbol, count)
	for i := range symbols {
		off := section.Offset + uint64(i)*entSize
		s := data[off : off+elfSymbolSize]
		symbols[i] = Symbol{
			Name:  binary.LittleEndian.Uint32(s[0:4]),
			Info:  s[4],
			Shndx: binary.LittleEndian.Uint16(s[6:8]),
			Value: binary.LittleEndian.Uint64(s[8:16]),
		}
	}
	return symbols, nil
}

func getSymbolName(strtab []byte, offset uint32) string {
	if offset >= uint32(len(strtab)) {
		return ""
	}
	rest := strtab[offset:]
	if end := bytes.IndexByte(rest, 0); end >= 0 {
		rest = rest[:end]
	}
	return string(rest)
}

// processRelocations patches call immediates and 64-bit loads in text.
// External function symbols become syscall imports.
func processRelocations(data []byte, section *SectionHeader, text []uint64, symbols []Symbol, strtab []byte, imports *[]uint32) error {
	entSize := section.EntSize
	if entSize == 0 {
		entSize = elfRelocSize
	}
	if entSize < elfRelocSize {
		return fmt.Errorf("%w: relocation size %d", ErrInvalidSection, entSize)
	}
	count := section.Size / entSize
	if count > MaxRelocations {
		return fmt.Errorf("%w: too many relocations", ErrInvalidELF)
	}
	if !within(section.Offset, section.Size, len(data)) {
		return ErrInvalidSection
	}

	for i := uint64(0); i < count; i++ {
		off := section.Offset + i*entSize
		offset := binary.LittleEndian.Uint64(data[off : off+8])
		info := binary.LittleEndian.Uint64(data[off+8 : off+16])
		var addend int64
		if entSize >= 24 {
			addend = int64(binary.LittleEndian.Uint64(data[off+16 : off+24]))
		}

		symIdx := info >> 32
		pc := offset / instructionBytes
		if symIdx >= uint64(len(symbols)) || pc >= uint64(len(text)) {
			return fmt.Errorf("%w: relocation %d out of range", ErrInvalidSection, i)
		}
		sym := &symbols[symIdx]

		switch uint32(info) {
		case rBPF64_32:
			id := syscall.ID(getSymbolName(strtab, sym.Name))
			if sym.Shndx == 0 {
				*imports = append(*imports, id)
			}
			text[pc] = text[pc]&0xFFFFFFFF | uint64(id)<<32

		case rBPF64_64:
			if pc+1 >= uint64(len(text)) {
				return fmt.Errorf("%w: lddw relocation at end of text", ErrInvalidSection)
			}
			target := sym.Value + uint64(addend)
			text[pc] = text[pc]&0xFFFFFFFF | uint64(uint32(target))<<32
			text[pc+1] = text[pc+1]&0xFFFFFFFF | uint64(uint32(target>>32))<<32

		case rBPFRelative:
			rel := int64(pc*instructionBytes) + addend
			text[pc] = text[pc]&0xFFFFFFFF | uint64(uint32(int32(rel)))<<32
		}
	}
	return nil
}

// collectImports adds the immediates of syscall-form call instructions that
// are not internal functions, and returns the sorted set.
func collectImports(text []uint64, functions map[uint32]uint64, seed []uint32) []uint32 {
	set := make(map[uint32]struct{}, len(seed))
	for _, id := range seed {
		set[id] = struct{}{}
	}
	for i := 0; i < len(text); i++ {
		ins := sbpf.Instruction(text[i])
		if ins.Op() == sbpf.OpLddw {
			i++
			continue
		}
		if ins.Op() != sbpf.OpCall || ins.Src() != 0 {
			continue
		}
		if _, ok := functions[ins.Uimm()]; !ok {
			set[ins.Uimm()] = struct{}{}
		}
	}
	out := make([]uint32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
