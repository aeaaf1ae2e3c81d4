// Package script implements ScriptInstance: one forked VM owning its
// page-fault policy, heap bounds, dynamic-call table, symbol cache, and
// budget counters (spec.md §2 "ScriptInstance", §4.2; grounded on
// original_source/engine/src/script/script.cpp's Script::Script/reset/
// initialize/machine_setup and original_source/engine/script/script.hpp's
// Script class contract).
package script

import (
	"context"
	"fmt"
	"hash/crc32"

	"github.com/rvscript/scripthost/binarystore"
	"github.com/rvscript/scripthost/dyncall"
	"github.com/rvscript/scripthost/rvcore"
)

// Printer receives each chunk of guest output (via the write/print
// syscall); the "[name] says: " prefix is prepended only to a chunk that
// starts a fresh line.
type Printer func(line string)

// ExitCallback is invoked by the game-exit syscall. Returning true means the
// callback claimed the exit (and typically halts the VM itself); the first
// callback to return true stops the scan.
type ExitCallback func(inst *Instance) bool

// Options configures a new Instance.
type Options struct {
	Binary      *binarystore.Binary
	Name        string
	UserPointer any
	Debug       bool

	// Registry is the process-wide (or Host-scoped) dynamic-call registry
	// this instance's dyncall_table entries resolve against.
	Registry *dyncall.Registry

	MemoryMax            uint64
	StackSize            uint64
	MaxInstructions      uint64
	MaxBootInstructions  uint64
	PublicAPISymbols     []string // one symbol name per manifest line
	Printer              Printer
	ExitCallbacks        []ExitCallback
	MaxCallDepth         int
}

// Instance is one forked VM for a given Binary.
type Instance struct {
	name    string
	hash    uint32
	binary  *binarystore.Binary
	machine rvcore.Machine
	user    any
	debug   bool

	registry *dyncall.Registry

	publicAPI   map[uint32]uint64
	lookupCache map[string]uint64

	dyncallArray []dyncallArrayEntry

	// remoteLink is the instance this one may bridge calls into (spec.md
	// §4.5 "RemoteCallBridge", §9 design note "Pointer graphs → identifiers
	// + stores": a borrowed pointer valid only while linked, never owned).
	remoteLink      *Instance
	remoteStrict    bool
	remoteAccessSet map[uint64]struct{}

	// budgetPenalty is charged against this instance's next call, debiting
	// instructions a remote script spent on its behalf (spec.md §4.5,
	// "Penalize caller script by reducing max instructions").
	budgetPenalty uint64

	// opcodeFault records an error raised from inside a custom-opcode
	// handler (indexed dyncall dispatch, dynarg push). rvcore.InstrHandler
	// has no error return (it models a real decoder's fixed instruction
	// signature), so a handler wired by host's unimplemented-instruction
	// hook reports failures here instead of through the call stack;
	// CallAddr checks and clears it once the simulated call returns.
	opcodeFault error

	tickEvent       uint64
	tickBlockReason int32

	budgetOverruns uint64
	crashed        bool
	bootReturn     int64

	lastNewline bool
	dynArgs     []dyncall.Arg

	printer       Printer
	exitCallbacks []ExitCallback
	exitCalled    bool

	maxInstructions     uint64
	maxBootInstructions uint64
	maxCallDepth        int
	callDepth           int

	// sourceOpts is retained so Clone can fork a fresh instance of the same
	// Binary under the same configuration.
	sourceOpts Options
}

type dyncallArrayEntry struct {
	hash    uint32
	name    string
	handler dyncall.Handler

	// InitOnly/ClientOnly/ServerOnly mirror dyncall.Entry's flag naming;
	// parsed from the guest table's three per-descriptor flag bytes (spec.md §3,
	// §4.2 step 7: "carries flags ... read from the guest table"). No
	// operation consumes them yet.
	InitOnly   bool
	ClientOnly bool
	ServerOnly bool
}

// New forks binary's template, installs the standard per-instance wiring
// (syscall handler installation is the caller's job via syscalltable, since
// that installs process-global syscall numbers shared by every fork — see
// spec.md §4.2 step 2 note "exactly once per process lifetime"), resolves
// the dyncall_table, and boots the guest. Boot failures propagate and
// prevent instance creation (spec.md §7, "Boot-time errors ... propagate").
func New(ctx context.Context, opts Options) (*Instance, error) {
	if opts.MemoryMax == 0 {
		opts.MemoryMax = MaxMemory
	}
	if opts.MaxInstructions == 0 {
		opts.MaxInstructions = MaxInstructions
	}
	if opts.MaxBootInstructions == 0 {
		opts.MaxBootInstructions = MaxBootInstructions
	}
	if opts.MaxCallDepth == 0 {
		opts.MaxCallDepth = 256
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("script: New requires a dynamic-call Registry")
	}

	machine, err := opts.Binary.Template.Fork(rvcore.ForkOptions{
		MemoryMax:         opts.MemoryMax,
		StackSize:         opts.StackSize,
		DefaultExitSymbol: FastExitSymbol,
		UseArena:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("script: fork %q: %w", opts.Name, err)
	}

	inst := &Instance{
		name:                opts.Name,
		hash:                crc32.ChecksumIEEE([]byte(opts.Name)),
		binary:              opts.Binary,
		machine:             machine,
		user:                opts.UserPointer,
		debug:               opts.Debug,
		registry:            opts.Registry,
		publicAPI:           make(map[uint32]uint64),
		lookupCache:         make(map[string]uint64),
		remoteAccessSet:     make(map[uint64]struct{}),
		printer:             opts.Printer,
		exitCallbacks:       opts.ExitCallbacks,
		maxInstructions:     opts.MaxInstructions,
		maxBootInstructions: opts.MaxBootInstructions,
		maxCallDepth:        opts.MaxCallDepth,
		lastNewline:         true,
		sourceOpts:          opts,
	}
	machine.SetUserData(inst)

	for _, sym := range opts.PublicAPISymbols {
		addr := machine.AddressOf(sym)
		inst.publicAPI[crc32.ChecksumIEEE([]byte(sym))] = addr
	}

	if err := inst.resolveDyncallTable(); err != nil {
		return nil, fmt.Errorf("script: %q: %w", opts.Name, err)
	}

	ret, err := machine.VMCallWithBudget(ctx, machine.PC(), inst.maxBootInstructions)
	if err != nil {
		return nil, fmt.Errorf("script: %q: boot: %w", opts.Name, err)
	}
	inst.bootReturn = ret
	return inst, nil
}

// Name returns the instance's registered name.
func (inst *Instance) Name() string { return inst.name }

// Hash returns crc32(name), the key ScriptRegistry indexes by.
func (inst *Instance) Hash() uint32 { return inst.hash }

// Machine returns the underlying guest VM. Satisfies dyncall.Host.
func (inst *Instance) Machine() rvcore.Machine { return inst.machine }

// BootReturn returns the value main (or the entry symbol) produced at boot.
func (inst *Instance) BootReturn() int64 { return inst.bootReturn }

// BudgetOverruns returns how many calls have timed out on this instance.
func (inst *Instance) BudgetOverruns() uint64 { return inst.budgetOverruns }

// Crashed reports whether the last call ended in an unrecovered exception.
func (inst *Instance) Crashed() bool { return inst.crashed }

// UserPointer returns the opaque host-side pointer passed to New.
func (inst *Instance) UserPointer() any { return inst.user }

// DynArgs returns the variadic dynamic-call argument stack accumulated by
// the dynarg-push custom opcode since it was last cleared. Satisfies
// dyncall.Host.
func (inst *Instance) DynArgs() []dyncall.Arg { return inst.dynArgs }

// ClearDynArgs empties the dynamic-call argument stack. Satisfies
// dyncall.Host.
func (inst *Instance) ClearDynArgs() { inst.dynArgs = inst.dynArgs[:0] }

// PushDynArg appends one argument, called from the dynarg-push custom
// opcode handler installed by the host orchestration layer.
func (inst *Instance) PushDynArg(a dyncall.Arg) { inst.dynArgs = append(inst.dynArgs, a) }

var _ dyncall.Host = (*Instance)(nil)

// SetRemoteLink connects this instance to dest for bridged calls (lenient
// mode: any address in dest is reachable). strict, when true, restricts
// reachable addresses to whatever AllowRemoteAccess has registered (spec.md
// §4.5, §9 design note on the remote-call bridge's two linking modes).
func (inst *Instance) SetRemoteLink(dest *Instance, strict bool) {
	inst.remoteLink = dest
	inst.remoteStrict = strict
}

// ClearRemoteLink disconnects any bridge previously set by SetRemoteLink.
func (inst *Instance) ClearRemoteLink() {
	inst.remoteLink = nil
	inst.remoteStrict = false
}

// RemoteLink returns the instance this one is currently linked to, or nil.
func (inst *Instance) RemoteLink() *Instance { return inst.remoteLink }

// RemoteStrict reports whether the current link enforces an access allow-list.
func (inst *Instance) RemoteStrict() bool { return inst.remoteStrict }

// AllowRemoteAccess adds addrs to this instance's set of entry points a
// strict-mode linked caller may jump into.
func (inst *Instance) AllowRemoteAccess(addrs ...uint64) {
	for _, a := range addrs {
		inst.remoteAccessSet[a] = struct{}{}
	}
}

// RemoteAccessAllowed reports whether addr is in this instance's strict-mode
// allow-list.
func (inst *Instance) RemoteAccessAllowed(addr uint64) bool {
	_, ok := inst.remoteAccessSet[addr]
	return ok
}

// PublicAPIAddresses returns every address registered under
// Options.PublicAPISymbols, e.g. to seed a strict-mode remote allow-list
// with "whatever this instance's manifest exposes".
func (inst *Instance) PublicAPIAddresses() []uint64 {
	addrs := make([]uint64, 0, len(inst.publicAPI))
	for _, addr := range inst.publicAPI {
		addrs = append(addrs, addr)
	}
	return addrs
}

// DebugHook is the no-op seam for a future GDB-remote-stub attachment
// (spec.md §1 names "GDB remote stub" as a non-goal collaborator;
// original_source's handle_exception calls gdb_remote_debugging only under
// DEBUG=1). event is a free-form description of the debug trigger (e.g.
// "exception", "breakpoint"); callers should not assume it is invoked for
// every exception today, only that attaching a real debugger later will not
// require changing any call site.
func (inst *Instance) DebugHook(event string) {}

// ReportOpcodeFault records an error raised from inside a custom-opcode
// handler (rvcore.InstrHandler itself has no error return). CallAddr checks
// and clears this once VMCallWithBudget returns, converting it into the
// same crashed/-1 treatment as a caught rvcore.Exception.
func (inst *Instance) ReportOpcodeFault(err error) { inst.opcodeFault = err }

// Penalize debits n instructions from this instance's next call budget,
// charging it for work a remote script performed on its behalf
// (original_source's cpu.machine().penalize(...)).
func (inst *Instance) Penalize(n uint64) { inst.budgetPenalty += n }

func (inst *Instance) resolveDyncallTable() error {
	addr := inst.machine.AddressOf(DyncallTableSymbol)
	if addr == 0 {
		// Optional per spec.md §6 ("Optional: start, event_loop, ...");
		// dyncall_table absence just means no indexed dyncall entries.
		return nil
	}
	var countBuf [4]byte
	if err := inst.machine.ReadMemory(addr, countBuf[:]); err != nil {
		return fmt.Errorf("reading dyncall_table count: %w", err)
	}
	count := le32(countBuf[:])
	if count > MaxDyncallTableEntries {
		return fmt.Errorf("dyncall_table claims %d entries (max %d)", count, MaxDyncallTableEntries)
	}
	inst.dyncallArray = make([]dyncallArrayEntry, count)
	const descriptorSize = 4 + 4 + 4 // strname_addr, hash, init/client/server flag bytes + reserved byte
	for i := uint32(0); i < count; i++ {
		off := addr + 4 + uint64(i)*descriptorSize
		var desc [descriptorSize]byte
		if err := inst.machine.ReadMemory(off, desc[:]); err != nil {
			return fmt.Errorf("reading dyncall_table[%d]: %w", i, err)
		}
		nameAddr := le32(desc[0:4])
		hash := le32(desc[4:8])
		name, _ := inst.machine.ReadCString(uint64(nameAddr), 256)
		entry, ok := inst.registry.Lookup(hash)
		handler := dyncall.Handler(nil)
		if ok {
			handler = entry.Handler
		}
		inst.dyncallArray[i] = dyncallArrayEntry{
			hash:       hash,
			name:       name,
			handler:    handler,
			InitOnly:   desc[8] != 0,
			ClientOnly: desc[9] != 0,
			ServerOnly: desc[10] != 0,
		}
	}
	return nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
