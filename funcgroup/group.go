// Package funcgroup implements FunctionGroup: a 64-entry table of guest
// function pointers backed by a single host syscall number, so a script can
// expose up to 64 distinct callback slots to remote scripts (or to its own
// tick/event machinery) without consuming 64 syscall numbers (spec.md §4.4,
// grounded on original_source/engine/script/function_group.cpp).
//
// A group's entries live in an 8-byte-per-entry, GroupBytes-sized span of
// guest-executable memory that the caller of New reserves and owns (no
// other package in this repository creates groups); funcgroup
// only writes the two-word `li a7, sysno; ecall` stub into each slot and
// resolves, at syscall time, which slot trapped from the faulting PC. Actual
// page permission bits (execute-only, no read/write) are an emulator-library
// concern out of scope here, same as the rest of rvcore (spec.md §1).
package funcgroup

import (
	"fmt"

	"github.com/rvscript/scripthost/dyncall"
	"github.com/rvscript/scripthost/rvcore"
	"github.com/rvscript/scripthost/scripterr"
)

// GroupSize is the number of callable entries per group.
const GroupSize = 64

// EntryBytes is the size of one entry's stub: `li a7, N` + `ecall`.
const EntryBytes = 8

// GroupBytes is the guest memory span one Group occupies.
const GroupBytes = GroupSize * EntryBytes

// SyscallAllocator hands out and reclaims host syscall numbers for groups
// (the role of original_source's Script::m_free_sysno). The caller of New
// supplies it; script.Instance neither owns one nor creates groups.
type SyscallAllocator interface {
	AllocateSyscallNumber() (int, error)
	FreeSyscallNumber(n int)
}

// Group is one 64-entry function table bound to a single syscall number.
type Group struct {
	machine rvcore.Machine
	alloc   SyscallAllocator
	host    dyncall.Host
	base    uint64
	sysno   int
	entries [GroupSize]dyncall.Handler
}

// New allocates a syscall number from alloc, installs the group's dispatch
// handler on machine, and returns a Group whose GroupBytes-sized stub area
// starts at base. The caller is responsible for reserving that span (e.g.
// from the binary's function-group arena) before calling New.
func New(machine rvcore.Machine, alloc SyscallAllocator, host dyncall.Host, base uint64) (*Group, error) {
	sysno, err := alloc.AllocateSyscallNumber()
	if err != nil {
		return nil, err
	}
	g := &Group{
		machine: machine,
		alloc:   alloc,
		host:    host,
		base:    base,
		sysno:   sysno,
	}
	machine.InstallSyscallHandler(sysno, g.dispatch)
	return g, nil
}

// Base returns the group's guest base address.
func (g *Group) Base() uint64 { return g.base }

// SyscallNumber returns the host syscall number backing this group's stubs.
func (g *Group) SyscallNumber() int { return g.sysno }

// Install writes the index'th entry's stub and records handler as the host
// callback invoked when the guest calls it.
func (g *Group) Install(index int, handler dyncall.Handler) error {
	if index < 0 || index >= GroupSize {
		return &scripterr.LookupFailure{Kind: "function-group index", Name: fmt.Sprintf("%d", index)}
	}
	g.entries[index] = handler
	return g.machine.WriteMemory(g.base+uint64(index)*EntryBytes, stub(g.sysno))
}

// Uninstall clears the index'th entry, zeroing its stub so a stray call
// traps as an illegal instruction instead of re-dispatching stale state.
func (g *Group) Uninstall(index int) error {
	if index < 0 || index >= GroupSize {
		return &scripterr.LookupFailure{Kind: "function-group index", Name: fmt.Sprintf("%d", index)}
	}
	g.entries[index] = nil
	return g.machine.WriteMemory(g.base+uint64(index)*EntryBytes, make([]byte, EntryBytes))
}

// Close returns the group's syscall number to the allocator's free list. The
// caller is expected to have already uninstalled (or never called) any
// entries still referencing stale host state.
func (g *Group) Close() {
	g.alloc.FreeSyscallNumber(g.sysno)
}

// dispatch is installed once, at construction, as this group's single
// syscall handler. It resolves which of the 64 entries trapped from the
// faulting PC, invokes the matching host handler, then short-circuits
// execution back to the stub's caller.
func (g *Group) dispatch(m rvcore.Machine) error {
	pc := m.PC()
	index := int(((pc - g.base) / EntryBytes) % GroupSize)
	handler := g.entries[index]
	if handler == nil {
		return &scripterr.ExecutionSpaceProtectionFault{PC: pc}
	}
	if err := handler(g.host); err != nil {
		return err
	}
	// Mirrors the original engine's cpu.jump(ra-4): the interpreter always
	// advances PC by 4 after a syscall handler returns, so setting PC here
	// to ra-4 makes that automatic advance land exactly on ra, skipping the
	// stub's own ecall rather than re-entering it.
	ra := m.Registers().X[rvcore.RegRA]
	m.SetPC(ra - 4)
	return nil
}

// stub assembles the two-word `li a7, sysno; ecall` sequence every entry in
// the group shares; only the per-group syscall number differs, the index is
// recovered from the trapping PC at dispatch time.
func stub(sysno int) []byte {
	li := rvcore.EncodeItype(0x13, rvcore.RegA7, 0, 0, int32(sysno))
	ecall := rvcore.EncodeItype(0x73, 0, 0, 0, 0)
	b := make([]byte, EntryBytes)
	putWord(b[0:4], li)
	putWord(b[4:8], ecall)
	return b
}

func putWord(b []byte, w uint32) {
	b[0] = byte(w)
	b[1] = byte(w >> 8)
	b[2] = byte(w >> 16)
	b[3] = byte(w >> 24)
}
