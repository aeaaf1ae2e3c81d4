// Package rvcore defines the contract between the scripting host and the
// RISC-V guest machine it drives. The decode/execute loop, the page
// allocator, the arena allocator, and thread primitives are explicitly out
// of scope for this repository (see spec.md §1, §6) — they are the
// responsibility of an underlying emulator library. This package only
// describes the interface that library must satisfy, the same way
// core_engine/hypervisor describes the KVM ioctl ABI without reimplementing
// the hypervisor itself.
package rvcore

import "context"

// Word is the guest address/register width. The host is built for a
// 64-bit RISC-V guest; a 32-bit guest would use the low 32 bits only.
type Word = uint64

// Regs holds the 32 general-purpose integer registers, x0 through x31.
// Index constants below follow the standard RISC-V calling convention.
type Regs struct {
	X [32]uint64
}

// Named integer register indices (RISC-V calling convention).
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegT0   = 5
	RegT1   = 6
	RegT2   = 7
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA3   = 13
	RegA4   = 14
	RegA5   = 15
	RegA6   = 16
	RegA7   = 17
)

// FRegs holds the 32 floating point registers as raw bit patterns.
type FRegs struct {
	F [32]uint64
}

// F32 returns register i reinterpreted as a float32 (low 32 bits, NaN-boxed
// per the RISC-V F/D extensions — we only ever populate the low word).
func (f *FRegs) F32(i int) float32 {
	return float32FromBits(uint32(f.F[i]))
}

// SetF32 stores v into float register i.
func (f *FRegs) SetF32(i int, v float32) {
	f.F[i] = uint64(float32Bits(v))
}

// F64 returns register i reinterpreted as a float64.
func (f *FRegs) F64(i int) float64 {
	return float64FromBits(f.F[i])
}

// SetF64 stores v into float register i.
func (f *FRegs) SetF64(i int, v float64) {
	f.F[i] = float64Bits(v)
}

// Arg is one argument to a guest function call. Integer args are assigned to
// a0.. in order; float args are assigned to fa0.. in order, matching the
// standard RISC-V calling convention used throughout the original engine's
// vmcall<...>(addr, args...) template.
type Arg struct {
	kind argKind
	i    int64
	f32  float32
	f64  float64
}

type argKind int

const (
	argInt argKind = iota
	argFloat32
	argFloat64
)

// Int wraps an integer call argument.
func Int(v int64) Arg { return Arg{kind: argInt, i: v} }

// UInt wraps an unsigned integer (e.g. a guest address) call argument.
func UInt(v uint64) Arg { return Arg{kind: argInt, i: int64(v)} }

// Float32 wraps a float32 call argument.
func Float32(v float32) Arg { return Arg{kind: argFloat32, f32: v} }

// Float64 wraps a float64 call argument.
func Float64(v float64) Arg { return Arg{kind: argFloat64, f64: v} }

// Kind reports the argument's type tag, for backends applying Args to
// registers.
func (a Arg) Kind() int { return int(a.kind) }

// IntValue returns the integer payload (valid when Kind() == 0).
func (a Arg) IntValue() int64 { return a.i }

// Float32Value returns the float32 payload (valid when Kind() == 1).
func (a Arg) Float32Value() float32 { return a.f32 }

// Float64Value returns the float64 payload (valid when Kind() == 2).
func (a Arg) Float64Value() float64 { return a.f64 }

// Page is a fixed-size chunk of guest physical memory.
const PageSize = 4096

// PageFaultHandler is consulted when the guest touches an unmapped page.
// init indicates the backend wants the page zeroed rather than left
// uninitialized. It returns the page's backing bytes (len == PageSize).
type PageFaultHandler func(pageNo uint64, init bool) ([]byte, error)

// PageReadHandler is consulted for a read-only view of a page that may not
// exist locally — used by the remote-call bridge to transparently serve a
// caller's pages into a callee's address space without materializing them.
type PageReadHandler func(pageNo uint64) []byte

// ExecSegmentOverride lets a shared (template) machine delegate execution of
// addresses below a threshold to a connected remote's existing executable
// segment instead of decoding new code locally.
type ExecSegmentOverride func(pc uint64) (data []byte, ok bool)

// InstrHandler executes one occurrence of a custom, non-standard opcode.
type InstrHandler func(m Machine, instr uint32)

// UnimplementedInstructionHook is the single process-wide dispatch point for
// opcodes the standard decoder does not know. It must be keyed on opcode
// bits in one table, not split across independent registrations (see
// spec.md §9, "Custom-opcode hook is global").
type UnimplementedInstructionHook func(instr uint32) (InstrHandler, bool)

// SyscallFunc implements one numbered syscall entry point.
type SyscallFunc func(m Machine) error

// ForkOptions configures a machine forked (copy-on-write) from a template.
type ForkOptions struct {
	MemoryMax         uint64
	StackSize         uint64
	DefaultExitSymbol string
	UseArena          bool
}

// Machine is the contract the host drives a guest through. It is
// implemented by rvcore/interp for this repository's tests; a production
// deployment would back it with a real RISC-V emulator library.
type Machine interface {
	Registers() *Regs
	FloatRegisters() *FRegs
	PC() uint64
	SetPC(addr uint64)

	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, buf []byte) error
	ReadCString(addr uint64, maxLen int) (string, error)

	AddressOf(symbol string) uint64
	SymbolAt(addr uint64) string

	SetPageFaultHandler(h PageFaultHandler) PageFaultHandler
	SetPageReadHandler(h PageReadHandler) PageReadHandler
	SetExecuteSegmentOverride(h ExecSegmentOverride) ExecSegmentOverride
	SetUnimplementedInstructionHook(h UnimplementedInstructionHook) UnimplementedInstructionHook
	InstallSyscallHandler(num int, fn SyscallFunc)

	// Simulate runs from the current PC until halted, an exception occurs,
	// or maxInstructions have retired (MachineTimeout).
	Simulate(ctx context.Context, maxInstructions uint64) error

	// VMCall resolves to a normal function call: push a return address that
	// halts the machine, set up argument registers, and Simulate, using the
	// backend's default per-call instruction budget.
	VMCall(ctx context.Context, addr uint64, args ...Arg) (int64, error)

	// VMCallWithBudget is VMCall with an explicit instruction budget (used
	// for boot, which runs under a larger cap than an ordinary call).
	VMCallWithBudget(ctx context.Context, addr uint64, maxInstructions uint64, args ...Arg) (int64, error)

	ArenaAlloc(bytes uint64) (uint64, error)
	ArenaFree(addr uint64) error
	ArenaAllocSequential(bytes uint64) (uint64, error)
	SetArenaUnknownFreeHandler(fn func(addr uint64) error)
	SetArenaUnknownReallocHandler(fn func(addr uint64, newSize uint64) (uint64, error))

	InstructionCount() uint64

	// Fork creates a new, independent machine that shares this machine's
	// code pages by reference (copy-on-write) but has its own register file
	// and writable memory.
	Fork(opts ForkOptions) (Machine, error)

	UserData() any
	SetUserData(v any)
}

// Exception is implemented by a backend's guest-fault error type so callers
// (script.Instance's call/preempt boundary) can discriminate "the guest
// raised a fault" from GuestTimeout without depending on any one concrete
// backend (spec.md §7, "GuestException" vs "GuestTimeout").
type Exception interface {
	error
	GuestException()
}

// Timeout is implemented by a backend's budget-exhaustion error type.
type Timeout interface {
	error
	GuestTimeout()
}

// Custom RISC-V opcodes consumed by the unimplemented-instruction hook.
// Never emitted by a standard decoder (spec.md §3).
const (
	OpcodeDyncallIndexed = 0b1011011
	OpcodeDynargPush     = 0b0001011
)

// Itype decodes the fields of an I-type instruction word shared by both
// custom opcodes: opcode (7), rd (5), funct3 (3), rs1 (5), imm (12, signed).
type Itype struct {
	Opcode uint32
	RD     uint32
	Funct3 uint32
	RS1    uint32
	Imm    int32
}

// DecodeItype extracts the I-type fields of instr.
func DecodeItype(instr uint32) Itype {
	imm := int32(instr) >> 20
	return Itype{
		Opcode: instr & 0x7f,
		RD:     (instr >> 7) & 0x1f,
		Funct3: (instr >> 12) & 0x7,
		RS1:    (instr >> 15) & 0x1f,
		Imm:    imm,
	}
}

// EncodeItype builds an I-type instruction word.
func EncodeItype(opcode, rd, funct3, rs1 uint32, imm int32) uint32 {
	return (uint32(imm)&0xfff)<<20 | (rs1&0x1f)<<15 | (funct3&0x7)<<12 | (rd&0x1f)<<7 | (opcode & 0x7f)
}

// Dynarg funct3 selectors (spec.md §6).
const (
	DynargImmI32 = 0b000
	DynargI64Reg = 0b001
	DynargF32Reg = 0b010
	DynargStrReg = 0b111
)
