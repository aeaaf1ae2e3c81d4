// Package interp is the one concrete rvcore.Machine backend this repository
// ships. The real decode/execute loop, page allocator, and arena allocator
// are out of scope for the host (spec.md §1) — in production they come from
// an external emulator library. This backend implements just enough of the
// RV64I instruction set (LUI, ADDI, ADD, JAL, JALR, branches, loads/stores,
// ECALL/EBREAK, and the two custom opcodes from spec.md §6) to drive and
// test every contract method in rvcore.Machine.
package interp

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rvscript/scripthost/rvcore"
)

// haltPC is an out-of-range program counter used as the synthetic return
// address for VMCall: reaching it means the called function returned.
const haltPC = ^uint64(0)

// MachineException mirrors the original engine's riscv::MachineException:
// a guest fault that call()/preempt() must convert to a -1 return.
type MachineException struct {
	Type string
	Data uint64
	Msg  string
}

func (e *MachineException) Error() string {
	return fmt.Sprintf("%s: %s (data=0x%x)", e.Type, e.Msg, e.Data)
}

// GuestException marks MachineException as an rvcore.Exception.
func (e *MachineException) GuestException() {}

// MachineTimeout signals that the instruction budget was exhausted.
type MachineTimeout struct {
	MaxInstructions uint64
}

func (e *MachineTimeout) Error() string {
	return fmt.Sprintf("instruction limit reached (%d)", e.MaxInstructions)
}

// GuestTimeout marks MachineTimeout as an rvcore.Timeout.
func (e *MachineTimeout) GuestTimeout() {}

// Machine is the interpreter's concrete rvcore.Machine implementation.
type Machine struct {
	regs  rvcore.Regs
	fregs rvcore.FRegs
	pc    uint64

	// code is shared, read-only, copy-on-write across forks: the slice
	// header is copied but the backing array is not.
	code []byte

	// pages holds writable guest memory, keyed by page number. Forked
	// machines start with an empty map and fault pages in on demand.
	pages       map[uint64][]byte
	memoryMax   uint64
	stackSize   uint64
	instrCount  uint64
	userData    any
	symbols     map[string]uint64
	reverseSyms map[uint64]string

	pageFault    rvcore.PageFaultHandler
	pageRead     rvcore.PageReadHandler
	execOverride rvcore.ExecSegmentOverride
	unimplHook   rvcore.UnimplementedInstructionHook
	syscalls     map[int]rvcore.SyscallFunc

	arenaNext    uint64
	arenaBase    uint64
	arenaLimit   uint64
	arenaFree    map[uint64]uint64 // addr -> size, for allocated blocks
	onUnknownFree    func(addr uint64) error
	onUnknownRealloc func(addr uint64, newSize uint64) (uint64, error)
}

// Options configures a freshly created Machine (construction is backend
// specific; only runtime behavior is described by rvcore.Machine).
type Options struct {
	Code      []byte
	Symbols   map[string]uint64
	MemoryMax uint64
	StackSize uint64
	ArenaBase uint64
}

// New constructs a Machine from raw guest code plus a pre-resolved symbol
// table. Parsing the ELF that produced Code/Symbols is the build pipeline's
// job (an explicit non-goal here, spec.md §1 "ELF loader").
func New(opts Options) *Machine {
	if opts.MemoryMax == 0 {
		opts.MemoryMax = 16 * 1024 * 1024
	}
	if opts.StackSize == 0 {
		opts.StackSize = 1 * 1024 * 1024
	}
	reverse := make(map[uint64]string, len(opts.Symbols))
	for name, addr := range opts.Symbols {
		reverse[addr] = name
	}
	m := &Machine{
		code:        opts.Code,
		pages:       make(map[uint64][]byte),
		memoryMax:   opts.MemoryMax,
		stackSize:   opts.StackSize,
		symbols:     opts.Symbols,
		reverseSyms: reverse,
		syscalls:    make(map[int]rvcore.SyscallFunc),
		arenaFree:   make(map[uint64]uint64),
		arenaBase:   opts.ArenaBase,
		arenaNext:   opts.ArenaBase,
		arenaLimit:  opts.ArenaBase + opts.MemoryMax,
	}
	// The stack grows down from just under the arena base.
	m.regs.X[rvcore.RegSP] = opts.ArenaBase - 16
	if entry, ok := opts.Symbols["__start"]; ok {
		m.pc = entry
	}
	return m
}

func (m *Machine) Registers() *rvcore.Regs           { return &m.regs }
func (m *Machine) FloatRegisters() *rvcore.FRegs      { return &m.fregs }
func (m *Machine) PC() uint64                         { return m.pc }
func (m *Machine) SetPC(addr uint64)                  { m.pc = addr }
func (m *Machine) InstructionCount() uint64           { return m.instrCount }
func (m *Machine) UserData() any                      { return m.userData }
func (m *Machine) SetUserData(v any)                  { m.userData = v }
func (m *Machine) AddressOf(symbol string) uint64     { return m.symbols[symbol] }
func (m *Machine) SymbolAt(addr uint64) string {
	if name, ok := m.reverseSyms[addr]; ok {
		return name
	}
	return "?"
}

func (m *Machine) SetPageFaultHandler(h rvcore.PageFaultHandler) rvcore.PageFaultHandler {
	old := m.pageFault
	m.pageFault = h
	return old
}

func (m *Machine) SetPageReadHandler(h rvcore.PageReadHandler) rvcore.PageReadHandler {
	old := m.pageRead
	m.pageRead = h
	return old
}

func (m *Machine) SetExecuteSegmentOverride(h rvcore.ExecSegmentOverride) rvcore.ExecSegmentOverride {
	old := m.execOverride
	m.execOverride = h
	return old
}

func (m *Machine) SetUnimplementedInstructionHook(h rvcore.UnimplementedInstructionHook) rvcore.UnimplementedInstructionHook {
	old := m.unimplHook
	m.unimplHook = h
	return old
}

func (m *Machine) InstallSyscallHandler(num int, fn rvcore.SyscallFunc) {
	m.syscalls[num] = fn
}

func (m *Machine) pageOf(addr uint64) uint64 { return addr / rvcore.PageSize }

// newGuestPage backs one page of guest memory with an anonymous mmap
// region rather than a plain Go slice (the teacher's virtual_machine.go
// backs an entire guest's RAM with syscall.Mmap(MAP_PRIVATE|MAP_ANONYMOUS);
// here the same idiom is applied per page, via the modern x/sys/unix
// equivalent, since guest pages are faulted in individually instead of
// reserved up front). Falls back to a heap slice if mmap is unavailable.
func newGuestPage() []byte {
	page, err := unix.Mmap(-1, 0, int(rvcore.PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return make([]byte, rvcore.PageSize)
	}
	return page
}

// pageFor returns the writable page backing addr, faulting it in via the
// installed handler (or a default grow-on-demand policy) if missing.
func (m *Machine) pageFor(addr uint64, write bool) ([]byte, uint64, error) {
	pno := m.pageOf(addr)
	if page, ok := m.pages[pno]; ok {
		return page, pno, nil
	}
	if m.pageFault != nil {
		page, err := m.pageFault(pno, true)
		if err != nil {
			return nil, pno, err
		}
		m.pages[pno] = page
		return page, pno, nil
	}
	page := newGuestPage()
	m.pages[pno] = page
	return page, pno, nil
}

func (m *Machine) ReadMemory(addr uint64, buf []byte) error {
	// Code region (read-only, shared) takes priority when present.
	if addr+uint64(len(buf)) <= uint64(len(m.code)) {
		copy(buf, m.code[addr:addr+uint64(len(buf))])
		return nil
	}
	remaining := buf
	cur := addr
	for len(remaining) > 0 {
		pno := m.pageOf(cur)
		off := cur % rvcore.PageSize
		n := rvcore.PageSize - off
		if uint64(n) > uint64(len(remaining)) {
			n = uint64(len(remaining))
		}
		var page []byte
		if p, ok := m.pages[pno]; ok {
			page = p
		} else if m.pageRead != nil {
			page = m.pageRead(pno)
		}
		if page == nil {
			page = make([]byte, rvcore.PageSize)
		}
		copy(remaining[:n], page[off:off+uint64(n)])
		remaining = remaining[n:]
		cur += uint64(n)
	}
	return nil
}

func (m *Machine) WriteMemory(addr uint64, buf []byte) error {
	remaining := buf
	cur := addr
	for len(remaining) > 0 {
		off := cur % rvcore.PageSize
		n := rvcore.PageSize - off
		if uint64(n) > uint64(len(remaining)) {
			n = uint64(len(remaining))
		}
		page, _, err := m.pageFor(cur, true)
		if err != nil {
			return err
		}
		copy(page[off:off+uint64(n)], remaining[:n])
		remaining = remaining[n:]
		cur += uint64(n)
	}
	return nil
}

func (m *Machine) ReadCString(addr uint64, maxLen int) (string, error) {
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		var b [1]byte
		if err := m.ReadMemory(addr+uint64(i), b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			break
		}
		buf = append(buf, b[0])
	}
	return string(buf), nil
}

func (m *Machine) ArenaAlloc(bytes uint64) (uint64, error) {
	bytes = (bytes + 7) &^ 7
	if m.arenaNext+bytes > m.arenaLimit {
		return 0, &MachineException{Type: "OutOfMemory", Msg: "arena exhausted", Data: bytes}
	}
	addr := m.arenaNext
	m.arenaNext += bytes
	m.arenaFree[addr] = bytes
	return addr, nil
}

func (m *Machine) ArenaAllocSequential(bytes uint64) (uint64, error) {
	return m.ArenaAlloc((bytes + 7) &^ 7)
}

func (m *Machine) ArenaFree(addr uint64) error {
	if _, ok := m.arenaFree[addr]; ok {
		delete(m.arenaFree, addr)
		return nil
	}
	if m.onUnknownFree != nil {
		return m.onUnknownFree(addr)
	}
	return fmt.Errorf("free of unknown address 0x%x", addr)
}

func (m *Machine) SetArenaUnknownFreeHandler(fn func(addr uint64) error) {
	m.onUnknownFree = fn
}

func (m *Machine) SetArenaUnknownReallocHandler(fn func(addr uint64, newSize uint64) (uint64, error)) {
	m.onUnknownRealloc = fn
}

// Fork creates an independent machine sharing this one's code by reference.
func (m *Machine) Fork(opts rvcore.ForkOptions) (rvcore.Machine, error) {
	memMax := opts.MemoryMax
	if memMax == 0 {
		memMax = m.memoryMax
	}
	stackSize := opts.StackSize
	if stackSize == 0 {
		stackSize = m.stackSize
	}
	child := New(Options{
		Code:      m.code, // shared backing array: copy-on-write by construction
		Symbols:   m.symbols,
		MemoryMax: memMax,
		StackSize: stackSize,
		ArenaBase: m.arenaBase,
	})
	// Syscall numbers are process-global (spec.md §4.2 step 2, "exactly once
	// per process lifetime"): every fork of a template shares one handler
	// table by reference rather than getting its own empty copy.
	child.syscalls = m.syscalls
	// The unimplemented-instruction hook is likewise installed once on a
	// binary's template (host.Host wires the two custom opcodes there) and
	// must be visible to every fork, not just the template itself.
	child.unimplHook = m.unimplHook
	if opts.DefaultExitSymbol != "" {
		if addr, ok := m.symbols[opts.DefaultExitSymbol]; ok {
			child.regs.X[rvcore.RegRA] = addr
		}
	}
	return child, nil
}

// VMCall sets up argument registers per the RISC-V calling convention,
// pushes the synthetic halt return address, and simulates until the guest
// returns to it (or faults/times out), under the default per-call
// instruction budget (MAX_INSTRUCTIONS in the original engine).
func (m *Machine) VMCall(ctx context.Context, addr uint64, args ...rvcore.Arg) (int64, error) {
	return m.VMCallWithBudget(ctx, addr, defaultMaxInstructions, args...)
}

// VMCallWithBudget is VMCall with an explicit instruction budget, used for
// boot (MAX_BOOT_INSTRUCTIONS, larger than a normal call's budget) and for
// any other caller that needs a non-default cap.
func (m *Machine) VMCallWithBudget(ctx context.Context, addr uint64, maxInstructions uint64, args ...rvcore.Arg) (int64, error) {
	iidx, fidx := 0, 0
	for _, a := range args {
		switch a.Kind() {
		case 0:
			m.regs.X[rvcore.RegA0+iidx] = uint64(a.IntValue())
			iidx++
		case 1:
			m.fregs.SetF32(10+fidx, a.Float32Value())
			fidx++
		case 2:
			m.fregs.SetF64(10+fidx, a.Float64Value())
			fidx++
		}
	}
	m.regs.X[rvcore.RegRA] = haltPC
	m.pc = addr
	if err := m.simulate(ctx, maxInstructions, true); err != nil {
		return -1, err
	}
	return int64(m.regs.X[rvcore.RegA0]), nil
}

const defaultMaxInstructions = 32_000_000

// Simulate runs the guest from the current PC for up to maxInstructions,
// stopping at the halt sentinel, an exception, or the budget.
func (m *Machine) Simulate(ctx context.Context, maxInstructions uint64) error {
	return m.simulate(ctx, maxInstructions, false)
}

func (m *Machine) simulate(ctx context.Context, maxInstructions uint64, stopAtHalt bool) error {
	var executed uint64
	for {
		if stopAtHalt && m.pc == haltPC {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if executed >= maxInstructions {
			return &MachineTimeout{MaxInstructions: maxInstructions}
		}
		halted, err := m.step()
		executed++
		m.instrCount++
		if err != nil {
			return err
		}
		if halted && !stopAtHalt {
			return nil
		}
	}
}

// step fetches, decodes, and executes one instruction. It returns halted
// when the emulated program requested a stop by executing ebreak (the
// SYSTEM opcode with imm==1).
func (m *Machine) step() (halted bool, err error) {
	var buf [4]byte
	if err := m.ReadMemory(m.pc, buf[:]); err != nil {
		return false, err
	}
	instr := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	opcode := instr & 0x7f

	switch opcode {
	case 0x37: // LUI
		rd := (instr >> 7) & 0x1f
		imm := int32(instr) & ^int32(0xfff)
		m.setReg(rd, uint64(int64(imm)))
		m.pc += 4

	case 0x13: // OP-IMM: addi (funct3=0)
		it := rvcore.DecodeItype(instr)
		m.setReg(it.RD, uint64(int64(m.getReg(it.RS1))+int64(it.Imm)))
		m.pc += 4

	case 0x33: // OP: add/sub (funct3=0)
		rd := (instr >> 7) & 0x1f
		rs1 := (instr >> 15) & 0x1f
		rs2 := (instr >> 20) & 0x1f
		funct7 := (instr >> 25) & 0x7f
		if funct7 == 0x20 {
			m.setReg(rd, m.getReg(rs1)-m.getReg(rs2))
		} else {
			m.setReg(rd, m.getReg(rs1)+m.getReg(rs2))
		}
		m.pc += 4

	case 0x6f: // JAL
		rd := (instr >> 7) & 0x1f
		imm := decodeJtypeImm(instr)
		m.setReg(rd, m.pc+4)
		m.pc = uint64(int64(m.pc) + int64(imm))

	case 0x67: // JALR
		it := rvcore.DecodeItype(instr)
		target := uint64(int64(m.getReg(it.RS1)) + int64(it.Imm))
		m.setReg(it.RD, m.pc+4)
		m.pc = target &^ 1

	case 0x63: // BEQ/BNE (funct3 0/1)
		rs1 := (instr >> 15) & 0x1f
		rs2 := (instr >> 20) & 0x1f
		funct3 := (instr >> 12) & 0x7
		imm := decodeBtypeImm(instr)
		take := false
		switch funct3 {
		case 0b000:
			take = m.getReg(rs1) == m.getReg(rs2)
		case 0b001:
			take = m.getReg(rs1) != m.getReg(rs2)
		}
		if take {
			m.pc = uint64(int64(m.pc) + int64(imm))
		} else {
			m.pc += 4
		}

	case 0x03: // LOAD: lw/ld (funct3 2/3)
		it := rvcore.DecodeItype(instr)
		addr := uint64(int64(m.getReg(it.RS1)) + int64(it.Imm))
		var b [8]byte
		switch it.Funct3 {
		case 0b010: // lw
			if err := m.ReadMemory(addr, b[:4]); err != nil {
				return false, err
			}
			v := int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
			m.setReg(it.RD, uint64(int64(v)))
		case 0b011: // ld
			if err := m.ReadMemory(addr, b[:8]); err != nil {
				return false, err
			}
			v := uint64(0)
			for i := 7; i >= 0; i-- {
				v = v<<8 | uint64(b[i])
			}
			m.setReg(it.RD, v)
		}
		m.pc += 4

	case 0x23: // STORE: sw/sd (funct3 2/3)
		rs1 := (instr >> 15) & 0x1f
		rs2 := (instr >> 20) & 0x1f
		funct3 := (instr >> 12) & 0x7
		imm := decodeStypeImm(instr)
		addr := uint64(int64(m.getReg(rs1)) + int64(imm))
		val := m.getReg(rs2)
		switch funct3 {
		case 0b010:
			var b [4]byte
			b[0], b[1], b[2], b[3] = byte(val), byte(val>>8), byte(val>>16), byte(val>>24)
			if err := m.WriteMemory(addr, b[:]); err != nil {
				return false, err
			}
		case 0b011:
			var b [8]byte
			for i := 0; i < 8; i++ {
				b[i] = byte(val >> (8 * i))
			}
			if err := m.WriteMemory(addr, b[:]); err != nil {
				return false, err
			}
		}
		m.pc += 4

	case 0x73: // ECALL/EBREAK
		it := rvcore.DecodeItype(instr)
		if it.Imm == 1 {
			return true, nil // ebreak: stop
		}
		sysno := int(m.getReg(rvcore.RegA7))
		if it.Imm != 0 {
			// Immediate-encoded syscall variant (ECALL.imm), per spec.md §4.4.
			sysno = int(it.Imm)
		}
		handler, ok := m.syscalls[sysno]
		if !ok {
			return false, &MachineException{Type: "UnknownSyscall", Data: uint64(sysno), Msg: "unhandled syscall number"}
		}
		if err := handler(m); err != nil {
			return false, err
		}
		// Normal handlers leave PC alone and fall through by +4. A
		// function-group stub wanting to short-circuit back to its caller
		// sets PC to ra-4 so this same +4 lands exactly on ra (spec.md §4.4,
		// mirroring the original engine's cpu.jump(ra-4) convention).
		m.pc += 4

	case rvcore.OpcodeDyncallIndexed, rvcore.OpcodeDynargPush:
		if m.unimplHook == nil {
			return false, &MachineException{Type: "IllegalOpcode", Data: uint64(opcode), Msg: "no unimplemented-instruction hook installed"}
		}
		fn, ok := m.unimplHook(instr)
		if !ok {
			return false, &MachineException{Type: "IllegalOpcode", Data: uint64(opcode), Msg: "unimplemented instruction"}
		}
		fn(m, instr)
		m.pc += 4

	default:
		return false, &MachineException{Type: "IllegalOpcode", Data: uint64(opcode), Msg: "unimplemented instruction"}
	}
	return false, nil
}

func (m *Machine) getReg(i uint32) uint64 {
	if i == 0 {
		return 0
	}
	return m.regs.X[i]
}

func (m *Machine) setReg(i uint32, v uint64) {
	if i == 0 {
		return
	}
	m.regs.X[i] = v
}

func decodeJtypeImm(instr uint32) int32 {
	imm20 := (instr >> 31) & 0x1
	imm10_1 := (instr >> 21) & 0x3ff
	imm11 := (instr >> 20) & 0x1
	imm19_12 := (instr >> 12) & 0xff
	raw := (imm20 << 20) | (imm19_12 << 12) | (imm11 << 11) | (imm10_1 << 1)
	// sign-extend from bit 20
	if imm20 == 1 {
		raw |= 0xffe00000
	}
	return int32(raw)
}

func decodeBtypeImm(instr uint32) int32 {
	imm12 := (instr >> 31) & 0x1
	imm10_5 := (instr >> 25) & 0x3f
	imm4_1 := (instr >> 8) & 0xf
	imm11 := (instr >> 7) & 0x1
	raw := (imm12 << 12) | (imm11 << 11) | (imm10_5 << 5) | (imm4_1 << 1)
	if imm12 == 1 {
		raw |= 0xffffe000
	}
	return int32(raw)
}

func decodeStypeImm(instr uint32) int32 {
	imm11_5 := (instr >> 25) & 0x7f
	imm4_0 := (instr >> 7) & 0x1f
	raw := (imm11_5 << 5) | imm4_0
	if imm11_5&0x40 != 0 {
		raw |= 0xfffff000
	}
	return int32(raw)
}

var _ rvcore.Machine = (*Machine)(nil)
var _ rvcore.Exception = (*MachineException)(nil)
var _ rvcore.Timeout = (*MachineTimeout)(nil)
