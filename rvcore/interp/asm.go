package interp

import "github.com/rvscript/scripthost/rvcore"

// The functions below assemble the tiny instruction subset this backend
// understands. They exist so tests can build guest programs without depending on an external RISC-V assembler — the
// real toolchain is explicitly out of scope (spec.md §1, "build system").

func putWord(b []byte, w uint32) {
	b[0] = byte(w)
	b[1] = byte(w >> 8)
	b[2] = byte(w >> 16)
	b[3] = byte(w >> 24)
}

// EncodeADDI assembles `addi rd, rs1, imm` (also used for `li rd, imm` with
// rs1 = x0).
func EncodeADDI(rd, rs1 uint32, imm int32) []byte {
	b := make([]byte, 4)
	putWord(b, rvcore.EncodeItype(0x13, rd, 0, rs1, imm))
	return b
}

// EncodeLI assembles `li rd, imm` (an addi against x0).
func EncodeLI(rd uint32, imm int32) []byte { return EncodeADDI(rd, 0, imm) }

// EncodeECALL assembles a plain `ecall` (syscall number read from a7).
func EncodeECALL() []byte {
	b := make([]byte, 4)
	putWord(b, rvcore.EncodeItype(0x73, 0, 0, 0, 0))
	return b
}

// EncodeECALLImm assembles the immediate-encoded ECALL.imm variant: the
// syscall number is baked into the instruction instead of read from a7.
func EncodeECALLImm(sysno int32) []byte {
	b := make([]byte, 4)
	putWord(b, rvcore.EncodeItype(0x73, 0, 0, 0, sysno))
	return b
}

// EncodeEBREAK assembles `ebreak`, which halts the interpreter.
func EncodeEBREAK() []byte {
	b := make([]byte, 4)
	putWord(b, rvcore.EncodeItype(0x73, 0, 0, 0, 1))
	return b
}

// encodeStype assembles an S-type instruction word: store funct3 to
// imm(rs1), value from rs2.
func encodeStype(opcode, funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	imm4_0 := u & 0x1f
	imm11_5 := (u >> 5) & 0x7f
	return imm11_5<<25 | (rs2&0x1f)<<20 | (rs1&0x1f)<<15 | (funct3&0x7)<<12 | imm4_0<<7 | (opcode & 0x7f)
}

// EncodeSW assembles `sw rs2, imm(rs1)` (store the low 32 bits of rs2).
func EncodeSW(rs1, rs2 uint32, imm int32) []byte {
	b := make([]byte, 4)
	putWord(b, encodeStype(0x23, 0b010, rs1, rs2, imm))
	return b
}

// EncodeSD assembles `sd rs2, imm(rs1)` (store all 64 bits of rs2).
func EncodeSD(rs1, rs2 uint32, imm int32) []byte {
	b := make([]byte, 4)
	putWord(b, encodeStype(0x23, 0b011, rs1, rs2, imm))
	return b
}

// EncodeJALR assembles `jalr rd, offset(rs1)`.
func EncodeJALR(rd, rs1 uint32, offset int32) []byte {
	b := make([]byte, 4)
	putWord(b, rvcore.EncodeItype(0x67, rd, 0, rs1, offset))
	return b
}

// EncodeRet assembles `jalr x0, 0(ra)`, the standard function return.
func EncodeRet() []byte { return EncodeJALR(0, rvcore.RegRA, 0) }

// EncodeJAL assembles `jal rd, offset` (offset relative to this instruction).
func EncodeJAL(rd uint32, offset int32) []byte {
	b := make([]byte, 4)
	imm20 := uint32(offset>>20) & 0x1
	imm10_1 := uint32(offset>>1) & 0x3ff
	imm11 := uint32(offset>>11) & 0x1
	imm19_12 := uint32(offset>>12) & 0xff
	word := (imm20 << 31) | (imm10_1 << 21) | (imm11 << 20) | (imm19_12 << 12) | (rd&0x1f)<<7 | 0x6f
	putWord(b, word)
	return b
}

// EncodeDyncallIndexed assembles the custom indexed-dispatch instruction
// (opcode 0b1011011, I-type immediate = table index).
func EncodeDyncallIndexed(idx int32) []byte {
	b := make([]byte, 4)
	putWord(b, rvcore.EncodeItype(rvcore.OpcodeDyncallIndexed, 0, 0, 0, idx))
	return b
}

// EncodeDynargImm assembles the custom dynamic-argument-push instruction for
// a 32-bit signed integer immediate (funct3 000).
func EncodeDynargImm(imm int32) []byte {
	b := make([]byte, 4)
	putWord(b, rvcore.EncodeItype(rvcore.OpcodeDynargPush, 0, rvcore.DynargImmI32, 0, imm))
	return b
}

// EncodeDynargReg assembles the custom dynamic-argument-push instruction for
// a register-sourced argument (i64/f32/string, per funct3 in rvcore).
func EncodeDynargReg(funct3 uint32) []byte {
	b := make([]byte, 4)
	putWord(b, rvcore.EncodeItype(rvcore.OpcodeDynargPush, 0, funct3, rvcore.RegA0, 0))
	return b
}
