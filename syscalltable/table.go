package syscalltable

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/rvscript/scripthost/registry"
	"github.com/rvscript/scripthost/rvcore"
	"github.com/rvscript/scripthost/scripterr"
	"github.com/rvscript/scripthost/script"
)

// Table bundles the collaborators syscall handlers need beyond the calling
// Instance itself: the registry far-call/interrupt targets resolve through,
// and the process-wide game-setting map (spec.md §4.7 "game-setting").
type Table struct {
	Registry *registry.Registry
	Settings map[string]uint64
}

// New builds a Table. settings may be nil; a nil map behaves as empty and
// every game-setting lookup reports "not present".
func New(reg *registry.Registry, settings map[string]uint64) *Table {
	return &Table{Registry: reg, Settings: settings}
}

// Install registers every syscall number this table implements on m. Per
// spec.md §4.2 step 2, this only needs to run once per process lifetime —
// the numbers are process-global, not per-instance.
func (t *Table) Install(m rvcore.Machine) {
	m.InstallSyscallHandler(SelfTest, t.selfTest)
	m.InstallSyscallHandler(AssertFail, t.assertFail)
	m.InstallSyscallHandler(Write, t.write)
	m.InstallSyscallHandler(Measure, t.measure)
	m.InstallSyscallHandler(DyncallHash, t.dyncallHash)
	m.InstallSyscallHandler(DyncallArgs, t.dyncallHashArgs)
	m.InstallSyscallHandler(Farcall, t.farcall)
	m.InstallSyscallHandler(DirectFarcall, t.directFarcall)
	m.InstallSyscallHandler(Interrupt, t.interrupt)
	m.InstallSyscallHandler(MachineHash, t.machineHash)
	m.InstallSyscallHandler(EachFrame, t.eachFrame)
	m.InstallSyscallHandler(GameSetting, t.gameSetting)
	m.InstallSyscallHandler(GameExit, t.gameExit)
	m.InstallSyscallHandler(MathSinf, t.mathSinf)
	m.InstallSyscallHandler(MathRandf, t.mathRandf)
	m.InstallSyscallHandler(MathSmoothstep, t.mathSmoothstep)
	m.InstallSyscallHandler(MathVecLength, t.mathVecLength)
	m.InstallSyscallHandler(MathVecRotate, t.mathVecRotate)
	m.InstallSyscallHandler(MathVecNorm, t.mathVecNorm)
}

// instanceOf recovers the calling Instance from the machine's userdata,
// set by script.New's machine.SetUserData(inst) — the same "userdata
// pointer carries the owning object" idiom original_source's syscall
// handlers use (m.get_userdata<Script>()).
func instanceOf(m rvcore.Machine) (*script.Instance, error) {
	inst, ok := m.UserData().(*script.Instance)
	if !ok {
		return nil, fmt.Errorf("syscalltable: machine userdata is not a *script.Instance")
	}
	return inst, nil
}

// selfTest asserts a fixed set of literal register values, used as a guest
// boot sanity check that the ABI (argument register assignment) matches
// host expectations (spec.md §4.7 "self-test").
func (t *Table) selfTest(m rvcore.Machine) error {
	regs := m.Registers()
	const wantA0, wantA1 = 0x1234, 0x5678
	if regs.X[rvcore.RegA0] != wantA0 || regs.X[rvcore.RegA1] != wantA1 {
		return fmt.Errorf("syscalltable: self-test mismatch: a0=0x%x a1=0x%x", regs.X[rvcore.RegA0], regs.X[rvcore.RegA1])
	}
	return nil
}

// assertFail reads the failed expression, file, and line a guest-side
// assert() macro packs into a0..a2 and surfaces them as a Go error, halting
// the call the same way an uncaught guest exception does.
func (t *Table) assertFail(m rvcore.Machine) error {
	regs := m.Registers()
	expr, _ := m.ReadCString(regs.X[rvcore.RegA0], 256)
	file, _ := m.ReadCString(regs.X[rvcore.RegA1], 256)
	line := regs.X[rvcore.RegA2]
	return fmt.Errorf("syscalltable: guest assertion failed: %s (%s:%d)", expr, file, line)
}

// write copies up to WriteMaxBytes of guest memory starting at a0 (length
// a1) out and hands it to the owning Instance's Print, which applies the
// "[name] says: " prefix convention (spec.md §4.7 "write").
func (t *Table) write(m rvcore.Machine) error {
	inst, err := instanceOf(m)
	if err != nil {
		return err
	}
	regs := m.Registers()
	addr, length := regs.X[rvcore.RegA0], regs.X[rvcore.RegA1]
	if length > WriteMaxBytes {
		length = WriteMaxBytes
	}
	buf := make([]byte, length)
	if err := m.ReadMemory(addr, buf); err != nil {
		return err
	}
	inst.Print(string(buf))
	return nil
}

// measure runs VMBench against the function address in a0 and returns the
// median nanosecond cost in a0 (spec.md §4.7 "measure", §4.8).
func (t *Table) measure(m rvcore.Machine) error {
	inst, err := instanceOf(m)
	if err != nil {
		return err
	}
	regs := m.Registers()
	funcAddr := regs.X[rvcore.RegA0]
	result, err := inst.VMBench(context.Background(), funcAddr, MeasureRounds)
	if err != nil {
		return err
	}
	regs.X[rvcore.RegA0] = uint64(result.MedianNs)
	return nil
}

// dyncallHash runs the hashed dynamic-call path: hash in t0, the guest
// name-string address in t1 (original_source's dynamic_call_hash passes
// both in caller-saved temporaries so the ABI doesn't steal an argument
// register from the call it wraps).
func (t *Table) dyncallHash(m rvcore.Machine) error {
	inst, err := instanceOf(m)
	if err != nil {
		return err
	}
	regs := m.Registers()
	hash := uint32(regs.X[rvcore.RegT0])
	nameAddr := regs.X[rvcore.RegT1]
	return inst.DispatchHash(hash, nameAddr)
}

// dyncallHashArgs is dyncallHash followed by clearing the dynarg stack the
// dynarg-push custom opcode accumulated for this call (spec.md §4.3, §6).
func (t *Table) dyncallHashArgs(m rvcore.Machine) error {
	inst, err := instanceOf(m)
	if err != nil {
		return err
	}
	if err := t.dyncallHash(m); err != nil {
		inst.ClearDynArgs()
		return err
	}
	inst.ClearDynArgs()
	return nil
}

// shiftFarcallArgs copies the caller's a2.. integer args and fa0.. float
// args down onto the target machine's a0../fa0.. — the two registers spent
// naming the target script and function are not forwarded (spec.md §4.5).
func shiftFarcallArgs(caller, target rvcore.Machine) {
	// a0/a1 name the target script/function; a2..a7 (6 slots) carry the
	// forwarded integer arguments, landing at the target's a0..a5.
	const forwarded = rvcore.RegA7 - rvcore.RegA2 + 1
	callerRegs, targetRegs := caller.Registers(), target.Registers()
	for i := 0; i < forwarded; i++ {
		targetRegs.X[rvcore.RegA0+i] = callerRegs.X[rvcore.RegA2+i]
	}
	callerF, targetF := caller.FloatRegisters(), target.FloatRegisters()
	copy(targetF.F[10:18], callerF.F[10:18])
}

// shortCircuitReturn resumes the caller by jumping to ra-4: the auto-advance
// the interpreter performs after every ECALL then lands exactly on ra,
// skipping whatever epilogue the compiler emitted after this syscall's own
// call site (the same cpu.jump(ra-4) convention funcgroup's stubs use).
func shortCircuitReturn(m rvcore.Machine) {
	ra := m.Registers().X[rvcore.RegRA]
	m.SetPC(ra - 4)
}

// farcall resolves a0=target-script-hash, a1=target-function-hash through
// the registry and the target's public API table, forwards the remaining
// arguments, and makes a non-preempting call into the target (spec.md §4.5,
// §4.6, §4.7 "farcall": original_source's script_functions.cpp binds
// api_farcall to do_farcall<false>, i.e. dest.call(addr) — interrupt is the
// preempting sibling, not farcall).
func (t *Table) farcall(m rvcore.Machine) error {
	regs := m.Registers()
	targetHash := uint32(regs.X[rvcore.RegA0])
	funcHash := uint32(regs.X[rvcore.RegA1])

	target, err := t.Registry.GetNamed(targetHash, fmt.Sprintf("0x%x", targetHash))
	if err != nil {
		return err
	}
	funcAddr, ok := target.APIFunctionFromHash(funcHash)
	if !ok {
		return &scripterr.LookupFailure{Kind: "function", Name: fmt.Sprintf("0x%x", funcHash)}
	}

	shiftFarcallArgs(m, target.Machine())
	ret, err := target.CallAddr(context.Background(), funcAddr)
	if err != nil {
		return err
	}
	regs.X[rvcore.RegA0] = uint64(ret)
	shortCircuitReturn(m)
	return nil
}

// directFarcall is farcall without the function-hash indirection: a1 is
// already the raw guest address to call (spec.md §4.7 "direct_farcall").
// Like farcall (and unlike interrupt), this does not preempt —
// script_functions.cpp's api_farcall_direct also binds do_farcall<false>.
func (t *Table) directFarcall(m rvcore.Machine) error {
	regs := m.Registers()
	targetHash := uint32(regs.X[rvcore.RegA0])
	rawAddr := regs.X[rvcore.RegA1]

	target, err := t.Registry.GetNamed(targetHash, fmt.Sprintf("0x%x", targetHash))
	if err != nil {
		return err
	}

	shiftFarcallArgs(m, target.Machine())
	ret, err := target.CallAddr(context.Background(), rawAddr)
	if err != nil {
		return err
	}
	regs.X[rvcore.RegA0] = uint64(ret)
	shortCircuitReturn(m)
	return nil
}

// interrupt is farcall's preempting sibling used for fire-and-react
// notifications between scripts (spec.md §4.7 "interrupt"): same resolution
// and argument-forwarding, same short-circuit return, but the target is
// preempted (dest.preempt(addr) in script_functions.cpp's api_interrupt)
// rather than called, so it runs ahead of whatever the target was already
// doing instead of being scheduled as an ordinary call.
func (t *Table) interrupt(m rvcore.Machine) error {
	regs := m.Registers()
	targetHash := uint32(regs.X[rvcore.RegA0])
	funcHash := uint32(regs.X[rvcore.RegA1])

	target, err := t.Registry.GetNamed(targetHash, fmt.Sprintf("0x%x", targetHash))
	if err != nil {
		return err
	}
	funcAddr, ok := target.APIFunctionFromHash(funcHash)
	if !ok {
		return &scripterr.LookupFailure{Kind: "function", Name: fmt.Sprintf("0x%x", funcHash)}
	}

	shiftFarcallArgs(m, target.Machine())
	ret, err := target.Preempt(context.Background(), funcAddr)
	if err != nil {
		return err
	}
	regs.X[rvcore.RegA0] = uint64(ret)
	shortCircuitReturn(m)
	return nil
}

// machineHash returns this instance's crc32(name) in a0, letting guest code
// discover its own registry key without a host round-trip.
func (t *Table) machineHash(m rvcore.Machine) error {
	inst, err := instanceOf(m)
	if err != nil {
		return err
	}
	m.Registers().X[rvcore.RegA0] = uint64(inst.Hash())
	return nil
}

// eachFrame registers a0 as the guest tick_event address and a1 as the
// thread-block reason EachTickEvent should report a blocked-count for
// (spec.md §4.7 "each-frame", §4.9).
func (t *Table) eachFrame(m rvcore.Machine) error {
	inst, err := instanceOf(m)
	if err != nil {
		return err
	}
	regs := m.Registers()
	inst.SetTickEvent(regs.X[rvcore.RegA0], int32(regs.X[rvcore.RegA1]))
	return nil
}

// gameSetting looks up the NUL-terminated name at a0 in the process-wide
// settings map, returning present (0/1) in a0 and the value in a1 (spec.md
// §4.7 "game-setting").
func (t *Table) gameSetting(m rvcore.Machine) error {
	regs := m.Registers()
	name, err := m.ReadCString(regs.X[rvcore.RegA0], 256)
	if err != nil {
		return err
	}
	value, ok := t.Settings[name]
	if ok {
		regs.X[rvcore.RegA0] = 1
	} else {
		regs.X[rvcore.RegA0] = 0
	}
	regs.X[rvcore.RegA1] = value
	return nil
}

// gameExit runs the owning Instance's registered exit callbacks (spec.md
// §4.7 "game-exit").
func (t *Table) gameExit(m rvcore.Machine) error {
	inst, err := instanceOf(m)
	if err != nil {
		return err
	}
	claimed := inst.GameExit()
	if claimed {
		m.Registers().X[rvcore.RegA0] = 1
	} else {
		m.Registers().X[rvcore.RegA0] = 0
	}
	return nil
}

// Math syscalls: small, stateless helpers guest code would otherwise need a
// libm port to get (spec.md §4.7 "math"). Arguments and results travel in
// fa0.. to match the guest's float calling convention.

func (t *Table) mathSinf(m rvcore.Machine) error {
	f := m.FloatRegisters()
	f.SetF32(10, float32(math.Sin(float64(f.F32(10)))))
	return nil
}

func (t *Table) mathRandf(m rvcore.Machine) error {
	m.FloatRegisters().SetF32(10, rand.Float32())
	return nil
}

func (t *Table) mathSmoothstep(m rvcore.Machine) error {
	f := m.FloatRegisters()
	edge0, edge1, x := f.F32(10), f.F32(11), f.F32(12)
	tt := clamp01((x - edge0) / (edge1 - edge0))
	f.SetF32(10, tt*tt*(3-2*tt))
	return nil
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (t *Table) mathVecLength(m rvcore.Machine) error {
	f := m.FloatRegisters()
	x, y, z := f.F32(10), f.F32(11), f.F32(12)
	f.SetF32(10, float32(math.Sqrt(float64(x*x+y*y+z*z))))
	return nil
}

func (t *Table) mathVecNorm(m rvcore.Machine) error {
	f := m.FloatRegisters()
	x, y, z := f.F32(10), f.F32(11), f.F32(12)
	length := float32(math.Sqrt(float64(x*x + y*y + z*z)))
	if length == 0 {
		return nil
	}
	f.SetF32(10, x/length)
	f.SetF32(11, y/length)
	f.SetF32(12, z/length)
	return nil
}

// mathVecRotate rotates (x,y) by angle radians around the origin, writing
// the result back into fa0/fa1.
func (t *Table) mathVecRotate(m rvcore.Machine) error {
	f := m.FloatRegisters()
	x, y, angle := f.F32(10), f.F32(11), f.F32(12)
	sin, cos := math.Sincos(float64(angle))
	f.SetF32(10, x*float32(cos)-y*float32(sin))
	f.SetF32(11, x*float32(sin)+y*float32(cos))
	return nil
}
