package script

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rvscript/scripthost/dyncall"
	"github.com/rvscript/scripthost/rvcore"
	"github.com/rvscript/scripthost/scripterr"
)

// CallAddr resolves to a normal guest call with this instance's configured
// instruction budget. Guest exceptions and timeouts are caught here (spec.md
// §7, §4.2): they mark the instance and return -1, they do not propagate as
// Go errors. Only a genuinely unexpected backend error (or ctx
// cancellation) is returned.
func (inst *Instance) CallAddr(ctx context.Context, addr uint64, args ...rvcore.Arg) (int64, error) {
	if inst.callDepth >= inst.maxCallDepth {
		return -1, scripterr.ErrMaxCallDepth
	}
	inst.callDepth++
	defer func() { inst.callDepth-- }()

	budget := inst.maxInstructions
	if inst.budgetPenalty > 0 {
		if inst.budgetPenalty >= budget {
			budget = 0
		} else {
			budget -= inst.budgetPenalty
		}
		inst.budgetPenalty = 0
	}

	ret, err := inst.machine.VMCallWithBudget(ctx, addr, budget, args...)
	if err == nil {
		if fault := inst.opcodeFault; fault != nil {
			inst.opcodeFault = nil
			inst.crashed = true
			inst.Print(fmt.Sprintf("[%s] exception: %v\n", inst.name, fault))
			inst.DebugHook("exception")
			return -1, nil
		}
		inst.crashed = false
		return ret, nil
	}

	var timeout rvcore.Timeout
	if errors.As(err, &timeout) {
		inst.budgetOverruns++
		return -1, nil
	}
	var exc rvcore.Exception
	if errors.As(err, &exc) {
		inst.crashed = true
		inst.Print(fmt.Sprintf("[%s] exception: %v\n", inst.name, exc))
		inst.DebugHook("exception")
		return -1, nil
	}
	return -1, err
}

// Call resolves symbol through the lookup cache (falling back to the
// machine's symbol table on a miss) and calls it.
func (inst *Instance) Call(ctx context.Context, symbol string, args ...rvcore.Arg) (int64, error) {
	addr, ok := inst.resolveSymbol(symbol)
	if !ok {
		return -1, &scripterr.LookupFailure{Kind: "symbol", Name: symbol}
	}
	return inst.CallAddr(ctx, addr, args...)
}

func (inst *Instance) resolveSymbol(name string) (uint64, bool) {
	if addr, ok := inst.lookupCache[name]; ok {
		return addr, true
	}
	addr := inst.machine.AddressOf(name)
	if addr == 0 {
		return 0, false
	}
	inst.lookupCache[name] = addr
	return addr, true
}

// Preempt saves the full register set on entry and restores it on every
// exit path, including exceptional ones, so a host callback can re-enter
// the guest without disturbing the computation it interrupted (spec.md
// §4.2, §8 property 2).
func (inst *Instance) Preempt(ctx context.Context, addr uint64, args ...rvcore.Arg) (int64, error) {
	savedRegs := *inst.machine.Registers()
	savedFRegs := *inst.machine.FloatRegisters()
	savedPC := inst.machine.PC()
	defer func() {
		*inst.machine.Registers() = savedRegs
		*inst.machine.FloatRegisters() = savedFRegs
		inst.machine.SetPC(savedPC)
	}()
	return inst.CallAddr(ctx, addr, args...)
}

// Resume continues the current guest state for up to cycles instructions.
// Exceptions mark the instance crashed and do not propagate (spec.md §4.2).
func (inst *Instance) Resume(ctx context.Context, cycles uint64) error {
	err := inst.machine.Simulate(ctx, cycles)
	if err == nil {
		return nil
	}
	var timeout rvcore.Timeout
	if errors.As(err, &timeout) {
		inst.budgetOverruns++
		return nil
	}
	var exc rvcore.Exception
	if errors.As(err, &exc) {
		inst.crashed = true
		return nil
	}
	return err
}

// BlockedCounter reports how many threads are currently blocked on reason;
// thread scheduling is host-orchestration state, out of scope for this
// package, so EachTickEvent takes it as a collaborator.
type BlockedCounter func(reason int32) int

// SetTickEvent registers the guest address and block reason each-frame
// installed (spec.md §4.7 "each-frame").
func (inst *Instance) SetTickEvent(addr uint64, reason int32) {
	inst.tickEvent = addr
	inst.tickBlockReason = reason
}

// TickEvent reports the currently registered tick address (0 if none).
func (inst *Instance) TickEvent() uint64 { return inst.tickEvent }

// EachTickEvent preempts into the registered tick_event, carrying the count
// of threads blocked on tick_block_reason (spec.md §4.2, §4.9). A no-op if
// no tick event is registered.
func (inst *Instance) EachTickEvent(ctx context.Context, blocked BlockedCounter) (int64, error) {
	if inst.tickEvent == 0 {
		return 0, nil
	}
	count := 0
	if blocked != nil {
		count = blocked(inst.tickBlockReason)
	}
	return inst.Preempt(ctx, inst.tickEvent, rvcore.Int(int64(count)), rvcore.Int(int64(inst.tickBlockReason)))
}

// SymbolName returns the guest symbol name at addr, or "?" if unknown.
func (inst *Instance) SymbolName(addr uint64) string { return inst.machine.SymbolAt(addr) }

// AddressOf resolves a guest symbol, caching the result.
func (inst *Instance) AddressOf(name string) uint64 {
	addr, _ := inst.resolveSymbol(name)
	return addr
}

// APIFunctionFromHash looks up a public-API function by the hash of its
// manifest name.
func (inst *Instance) APIFunctionFromHash(hash uint32) (uint64, bool) {
	addr, ok := inst.publicAPI[hash]
	return addr, ok
}

// GuestAlloc allocates bytes from the instance's heap arena.
func (inst *Instance) GuestAlloc(bytes uint64) (uint64, error) { return inst.machine.ArenaAlloc(bytes) }

// GuestFree releases a block previously returned by GuestAlloc.
func (inst *Instance) GuestFree(addr uint64) error { return inst.machine.ArenaFree(addr) }

// GuestAllocSequential allocates a contiguous, 8-byte-aligned slab — the
// convention used when returning typed slices to host code.
func (inst *Instance) GuestAllocSequential(bytes uint64) (uint64, error) {
	return inst.machine.ArenaAllocSequential(bytes)
}

// Print emits one chunk of guest output, prefixing "[name] says: " only
// when the previous chunk ended in a newline (original_source's print()
// last_newline convention) so multi-write lines aren't re-prefixed.
func (inst *Instance) Print(s string) {
	if inst.printer == nil || s == "" {
		return
	}
	if inst.lastNewline {
		inst.printer(fmt.Sprintf("[%s] says: %s", inst.name, s))
	} else {
		inst.printer(s)
	}
	inst.lastNewline = strings.HasSuffix(s, "\n")
}

// GameExit runs registered exit callbacks in order, stopping at the first
// one that claims the exit (spec.md §4.7 "game-exit", §8 "Exit callback").
func (inst *Instance) GameExit() bool {
	inst.exitCalled = true
	for _, cb := range inst.exitCallbacks {
		if cb(inst) {
			return true
		}
	}
	return false
}

// ExitCalled reports whether GameExit has ever run on this instance.
func (inst *Instance) ExitCalled() bool { return inst.exitCalled }

// DispatchHash runs the host handler registered for hash, consulting the
// process-wide registry directly (spec.md §4.3, hashed dispatch path).
func (inst *Instance) DispatchHash(hash uint32, nameAddr uint64) error {
	return inst.registry.DispatchHash(hash, nameAddr, inst)
}

// DispatchIndexed runs dyncallArray[idx] (spec.md §4.3, indexed dispatch).
// If the stored handler is the unimplemented-trap stub, it re-resolves the
// entry's hash from the registry (late binding), overwrites the array slot
// on success, and retries; a still-missing registration surfaces as
// UnknownDynamicCall.
func (inst *Instance) DispatchIndexed(idx int) error {
	if idx < 0 || idx >= len(inst.dyncallArray) {
		return &scripterr.LookupFailure{Kind: "dyncall index", Name: fmt.Sprintf("%d", idx)}
	}
	entry := &inst.dyncallArray[idx]
	handler := entry.handler
	if handler == nil {
		handler = unresolvedHandler
	}
	err := handler(inst)
	if !errors.Is(err, dyncall.ErrUnimplementedTrap) {
		return err
	}
	resolved, ok := inst.registry.Lookup(entry.hash)
	if !ok {
		return &scripterr.UnknownDynamicCall{Hash: entry.hash, Name: entry.name}
	}
	entry.handler = resolved.Handler
	return resolved.Handler(inst)
}

func unresolvedHandler(dyncall.Host) error { return dyncall.ErrUnimplementedTrap }

// Clone creates a fresh, independent fork of this instance's Binary under a
// new name, reusing the same configuration (registry, budgets, manifest).
// This is the thread-local-fork primitive from spec.md §5 ("each thread may
// obtain a per-thread cloned instance of a given binary on demand"); the
// per-thread map itself is host orchestration, not this package's concern.
func (inst *Instance) Clone(ctx context.Context, name string) (*Instance, error) {
	opts := inst.sourceOpts
	opts.Name = name
	return New(ctx, opts)
}

// BenchResult reports vmbench's three-number summary (spec.md §4.8).
type BenchResult struct {
	LowestNs  int64
	MedianNs  int64
	HighestNs int64
}

// VMBench times `rounds` outer samples of a tight 2000-iteration call loop
// against addr and reports the lowest/median/highest per-call nanosecond
// cost. Around the measurement it saves and restores the integer registers,
// float registers and PC; the instruction counter and guest memory are not
// restored.
func (inst *Instance) VMBench(ctx context.Context, addr uint64, rounds int) (BenchResult, error) {
	if rounds <= 0 {
		rounds = 1
	}
	const iterations = 2000

	savedRegs := *inst.machine.Registers()
	savedFRegs := *inst.machine.FloatRegisters()
	savedPC := inst.machine.PC()
	defer func() {
		*inst.machine.Registers() = savedRegs
		*inst.machine.FloatRegisters() = savedFRegs
		inst.machine.SetPC(savedPC)
	}()

	samples := make([]int64, 0, rounds)
	for r := 0; r < rounds; r++ {
		start := time.Now()
		for i := 0; i < iterations; i++ {
			if _, err := inst.machine.VMCallWithBudget(ctx, addr, inst.maxInstructions); err != nil {
				return BenchResult{}, err
			}
		}
		samples = append(samples, time.Since(start).Nanoseconds()/iterations)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return BenchResult{
		LowestNs:  samples[0],
		MedianNs:  samples[len(samples)/2],
		HighestNs: samples[len(samples)-1],
	}, nil
}
