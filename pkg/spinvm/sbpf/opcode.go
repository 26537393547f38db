package sbpf

// Instruction class (bits 0-2).
const (
	ClassLd    = 0x00
	ClassLdx   = 0x01
	ClassSt    = 0x02
	ClassStx   = 0x03
	ClassAlu   = 0x04
	ClassJmp   = 0x05
	ClassJmp32 = 0x06
	ClassAlu64 = 0x07
)

// Operand source (bit 3).
const (
	SrcK = 0x00 // immediate
	SrcX = 0x08 // register
)

// ALU operations (bits 4-7).
const (
	AluAdd  = 0x00
	AluSub  = 0x10
	AluMul  = 0x20
	AluDiv  = 0x30
	AluOr   = 0x40
	AluAnd  = 0x50
	AluLsh  = 0x60
	AluRsh  = 0x70
	AluNeg  = 0x80
	AluMod  = 0x90
	AluXor  = 0xa0
	AluMov  = 0xb0
	AluArsh = 0xc0
)

// Access width and mode for loads and stores.
const (
	SizeW   = 0x00
	SizeH   = 0x08
	SizeB   = 0x10
	SizeDW  = 0x18
	ModeMem = 0x60
)

// Jump operations (bits 4-7).
const (
	JmpJa   = 0x00
	JmpJeq  = 0x10
	JmpJgt  = 0x20
	JmpJge  = 0x30
	JmpJset = 0x40
	JmpJne  = 0x50
	JmpJsgt = 0x60
	JmpJsge = 0x70
	JmpCall = 0x80
	JmpExit = 0x90
	JmpJlt  = 0xa0
	JmpJle  = 0xb0
	JmpJslt = 0xc0
	JmpJsle = 0xd0
)

// Composed opcodes. The interpreter decodes by class, so only the forms
// hosts and hand-written programs reach for are named here.
const (
	OpLddw = ClassLd | SizeDW // 0x18, two slots

	OpLdxb  = ClassLdx | ModeMem | SizeB
	OpLdxh  = ClassLdx | ModeMem | SizeH
	OpLdxw  = ClassLdx | ModeMem | SizeW
	OpLdxdw = ClassLdx | ModeMem | SizeDW

	OpStb   = ClassSt | ModeMem | SizeB
	OpStw   = ClassSt | ModeMem | SizeW
	OpStdw  = ClassSt | ModeMem | SizeDW
	OpStxb  = ClassStx | ModeMem | SizeB
	OpStxw  = ClassStx | ModeMem | SizeW
	OpStxdw = ClassStx | ModeMem | SizeDW

	OpAdd64Imm  = ClassAlu64 | SrcK | AluAdd
	OpAdd64Reg  = ClassAlu64 | SrcX | AluAdd
	OpSub64Imm  = ClassAlu64 | SrcK | AluSub
	OpSub64Reg  = ClassAlu64 | SrcX | AluSub
	OpMul64Imm  = ClassAlu64 | SrcK | AluMul
	OpMul64Reg  = ClassAlu64 | SrcX | AluMul
	OpDiv64Imm  = ClassAlu64 | SrcK | AluDiv
	OpDiv64Reg  = ClassAlu64 | SrcX | AluDiv
	OpMod64Imm  = ClassAlu64 | SrcK | AluMod
	OpMod64Reg  = ClassAlu64 | SrcX | AluMod
	OpOr64Reg   = ClassAlu64 | SrcX | AluOr
	OpAnd64Imm  = ClassAlu64 | SrcK | AluAnd
	OpXor64Reg  = ClassAlu64 | SrcX | AluXor
	OpLsh64Imm  = ClassAlu64 | SrcK | AluLsh
	OpRsh64Imm  = ClassAlu64 | SrcK | AluRsh
	OpArsh64Imm = ClassAlu64 | SrcK | AluArsh
	OpNeg64     = ClassAlu64 | AluNeg
	OpMov64Imm  = ClassAlu64 | SrcK | AluMov
	OpMov64Reg  = ClassAlu64 | SrcX | AluMov

	OpAdd32Imm = ClassAlu | SrcK | AluAdd
	OpMov32Imm = ClassAlu | SrcK | AluMov
	OpSub32Reg = ClassAlu | SrcX | AluSub

	OpJa       = ClassJmp | JmpJa
	OpJeqImm   = ClassJmp | SrcK | JmpJeq
	OpJeqReg   = ClassJmp | SrcX | JmpJeq
	OpJneImm   = ClassJmp | SrcK | JmpJne
	OpJneReg   = ClassJmp | SrcX | JmpJne
	OpJgtImm   = ClassJmp | SrcK | JmpJgt
	OpJgeImm   = ClassJmp | SrcK | JmpJge
	OpJgeReg   = ClassJmp | SrcX | JmpJge
	OpJltImm   = ClassJmp | SrcK | JmpJlt
	OpJltReg   = ClassJmp | SrcX | JmpJlt
	OpJleReg   = ClassJmp | SrcX | JmpJle
	OpJsltImm  = ClassJmp | SrcK | JmpJslt
	OpJeq32Imm = ClassJmp32 | SrcK | JmpJeq
	OpCall     = ClassJmp | JmpCall
	OpExit     = ClassJmp | JmpExit
)

// Instruction is one encoded 64-bit slot.
type Instruction uint64

func (i Instruction) Op() uint8 { return uint8(i) }
func (i Instruction) Dst() uint8 { return uint8(i>>8) & 0x0F }
func (i Instruction) Src() uint8 { return uint8(i>>12) & 0x0F }
func (i Instruction) Off() int16 { return int16(i >> 16) }
func (i Instruction) Imm() int32 { return int32(i >> 32) }
func (i Instruction) Uimm() uint32 { return uint32(i >> 32) }

// Class returns the instruction class bits.
func (i Instruction) Class() uint8 { return i.Op() & 0x07 }

// Encode packs an instruction.
func Encode(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return uint64(op) |
		uint64(dst&0x0F)<<8 |
		uint64(src&0x0F)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32
}

// EncodeLddw returns the two slots that load a 64-bit immediate into dst.
func EncodeLddw(dst uint8, v uint64) [2]uint64 {
	return [2]uint64{
		Encode(OpLddw, dst, 0, 0, int32(uint32(v))),
		Encode(0, 0, 0, 0, int32(uint32(v>>32))),
	}
}
