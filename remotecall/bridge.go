// Package remotecall implements the RemoteCallBridge: letting one linked
// script jump straight into another's functions without going through
// ScriptRegistry's hashed farcall/interrupt path (spec.md §2
// "RemoteCallBridge", §4.5; grounded on
// original_source/engine/src/script/script_remote.cpp's
// setup_remote_calls_to/setup_strict_remote_calls_to).
package remotecall

import (
	"context"
	"fmt"

	"github.com/rvscript/scripthost/rvcore"
	"github.com/rvscript/scripthost/script"
	"github.com/rvscript/scripthost/scripterr"
)

// argRegCount/fargRegCount match the original's "copy only argument
// registers to destination" comment: 8 integer (a0..a7) and 4 float
// (fa0..fa3) registers, not the full register file.
const (
	argRegCount  = 8
	fargRegCount = 4
)

// Link connects caller to callee in lenient mode: any address inside callee
// is a valid bridge target (spec.md §4.5 "lenient linking").
func Link(caller, callee *script.Instance) {
	caller.SetRemoteLink(callee, false)
}

// StrictLink connects caller to callee in strict mode: only addrs are valid
// bridge targets, matching the original's restriction to "something like
// syscall_XXX" public entry points (spec.md §4.5 "strict linking").
func StrictLink(caller, callee *script.Instance, addrs ...uint64) {
	callee.AllowRemoteAccess(addrs...)
	caller.SetRemoteLink(callee, true)
}

// Unlink disconnects caller's remote bridge (spec.md §9, "never a long-lived
// pointer" — a link is meant to be set up, used, and torn down, not kept
// forever across arbitrary guest state).
func Unlink(caller *script.Instance) {
	caller.ClearRemoteLink()
}

// copyArgRegisters forwards only the calling-convention argument registers
// from caller to callee, per original_source's explicit register loop
// (the commented-out "copy all registers" path was never the shipped
// behavior).
func copyArgRegisters(caller, callee rvcore.Machine) {
	callerRegs, calleeRegs := caller.Registers(), callee.Registers()
	for i := 0; i < argRegCount; i++ {
		calleeRegs.X[rvcore.RegA0+i] = callerRegs.X[rvcore.RegA0+i]
	}
	callerF, calleeF := caller.FloatRegisters(), callee.FloatRegisters()
	copy(calleeF.F[10:10+fargRegCount], callerF.F[10:10+fargRegCount])
}

// bridgeReadHandler serves a read-only view of a page below
// script.RemoteImgBase out of caller's address space, so code running on
// callee can transparently see caller's "local image" without it having
// been mapped there (spec.md §9 design note, page_readf_handler swap).
func bridgeReadHandler(caller *script.Instance, fallback rvcore.PageReadHandler) rvcore.PageReadHandler {
	return func(pageno uint64) []byte {
		addr := pageno * rvcore.PageSize
		if addr < script.RemoteImgBase {
			buf := make([]byte, rvcore.PageSize)
			if err := caller.Machine().ReadMemory(addr, buf); err == nil {
				return buf
			}
		}
		if fallback != nil {
			return fallback(pageno)
		}
		return nil
	}
}

// bridgeFaultHandler backs a callee page fault below script.RemoteImgBase
// with a snapshot of caller's corresponding page, so a callee touching the
// caller's low image space during a bridged call doesn't fall through to
// an ordinary zero-initialized page (spec.md §9 design note). Every such
// pageno is recorded into touched so Call can write the callee's version of
// the page back into caller once the bridged call returns — rvcore.Machine's
// contract never exposes a live page reference shared across two Machine
// values (only copy-out/copy-in via ReadMemory/WriteMemory), so this
// explicit write-back pass is what makes the aliasing visible to caller,
// standing in for the original's true shared-page graph
// (script_remote.cpp's install_shared_page).
func bridgeFaultHandler(caller *script.Instance, touched map[uint64]struct{}, fallback rvcore.PageFaultHandler) rvcore.PageFaultHandler {
	return func(pageno uint64, init bool) ([]byte, error) {
		addr := pageno * rvcore.PageSize
		if addr < script.RemoteImgBase {
			buf := make([]byte, rvcore.PageSize)
			_ = caller.Machine().ReadMemory(addr, buf)
			touched[pageno] = struct{}{}
			return buf, nil
		}
		if fallback != nil {
			return fallback(pageno, init)
		}
		return make([]byte, rvcore.PageSize), nil
	}
}

// writeBackTouched copies every page callee faulted in below
// script.RemoteImgBase back into caller's corresponding address, so writes
// the callee made to caller's low image space are visible in caller once the
// bridged call returns (spec.md §5, §8 "Remote call bridging").
func writeBackTouched(caller *script.Instance, calleeMachine rvcore.Machine, touched map[uint64]struct{}) {
	buf := make([]byte, rvcore.PageSize)
	for pageno := range touched {
		addr := pageno * rvcore.PageSize
		if err := calleeMachine.ReadMemory(addr, buf); err != nil {
			continue
		}
		_ = caller.Machine().WriteMemory(addr, buf)
	}
}

// Call bridges caller into its linked callee's function at addr: it
// enforces the strict-mode allow-list (if any), forwards argument
// registers, scopes a page-fault/page-read handler swap around the callee
// call so reads of caller's low image space resolve transparently, charges
// caller's next-call budget for whatever callee consumed, writes every
// touched low-image page back into caller, and copies back the a0/a1 return
// registers (spec.md §4.5, §9).
//
// Unlike a farcall through ScriptRegistry, this does not resolve addr
// through any hash table — addr is the callee's raw guest address, matching
// the original's "jumping directly to its functions" description.
func Call(ctx context.Context, caller *script.Instance, addr uint64) (int64, error) {
	callee := caller.RemoteLink()
	if callee == nil {
		return -1, fmt.Errorf("remotecall: %q has no remote link", caller.Name())
	}
	if caller.RemoteStrict() && !callee.RemoteAccessAllowed(addr) {
		return -1, &scripterr.ExecutionSpaceProtectionFault{PC: addr}
	}

	copyArgRegisters(caller.Machine(), callee.Machine())

	calleeMachine := callee.Machine()
	touched := make(map[uint64]struct{})
	oldRead := calleeMachine.SetPageReadHandler(bridgeReadHandler(caller, nil))
	oldFault := calleeMachine.SetPageFaultHandler(bridgeFaultHandler(caller, touched, nil))
	defer func() {
		calleeMachine.SetPageReadHandler(oldRead)
		calleeMachine.SetPageFaultHandler(oldFault)
	}()

	before := calleeMachine.InstructionCount()
	_, err := callee.CallAddr(ctx, addr)
	consumed := calleeMachine.InstructionCount() - before
	caller.Penalize(consumed)
	writeBackTouched(caller, calleeMachine, touched)
	if err != nil {
		return -1, err
	}

	callerRegs, calleeRegs := caller.Machine().Registers(), calleeMachine.Registers()
	callerRegs.X[rvcore.RegA0] = calleeRegs.X[rvcore.RegA0]
	callerRegs.X[rvcore.RegA1] = calleeRegs.X[rvcore.RegA1]
	return int64(callerRegs.X[rvcore.RegA0]), nil
}
