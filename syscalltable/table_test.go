package syscalltable_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rvscript/scripthost/binarystore"
	"github.com/rvscript/scripthost/dyncall"
	"github.com/rvscript/scripthost/registry"
	"github.com/rvscript/scripthost/rvcore"
	"github.com/rvscript/scripthost/rvcore/interp"
	"github.com/rvscript/scripthost/script"
	"github.com/rvscript/scripthost/syscalltable"
)

func testFactory(code []byte, symbols map[string]uint64) rvcore.Machine {
	return interp.New(interp.Options{Code: code, Symbols: symbols, MemoryMax: 1 << 20, ArenaBase: 0x40000000})
}

func putU32LE(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

// writerBinary builds a two-symbol image: main() returns 0, DoWrite() issues
// the write syscall over the string embedded right after it, and returns.
func writerBinary(t *testing.T) ([]byte, map[string]uint64, uint64, int) {
	t.Helper()
	var code []byte
	code = append(code, interp.EncodeLI(rvcore.RegA0, 0)...)
	code = append(code, interp.EncodeRet()...)

	doWriteOff := len(code)
	code = append(code, interp.EncodeECALLImm(syscalltable.Write)...)
	code = append(code, interp.EncodeRet()...)

	msg := "hi\n"
	msgOff := len(code)
	code = append(code, []byte(msg)...)

	symbols := map[string]uint64{"main": 0, "DoWrite": uint64(doWriteOff)}
	return code, symbols, uint64(msgOff), len(msg)
}

func newInstance(t *testing.T, tbl *syscalltable.Table, code []byte, symbols map[string]uint64, opts script.Options) *script.Instance {
	t.Helper()
	store := binarystore.New(testFactory)
	bin, err := store.Insert(opts.Name+"-bin", code, symbols)
	require.NoError(t, err)
	tbl.Install(bin.Template)

	opts.Binary = bin
	if opts.Registry == nil {
		opts.Registry = dyncall.NewRegistry()
	}
	inst, err := script.New(context.Background(), opts)
	require.NoError(t, err)
	return inst
}

func TestWriteSyscallPrintsThroughInstance(t *testing.T) {
	var lines []string
	tbl := syscalltable.New(registry.New(), nil)
	code, symbols, msgAddr, msgLen := writerBinary(t)
	inst := newInstance(t, tbl, code, symbols, script.Options{
		Name:    "writer",
		Printer: func(s string) { lines = append(lines, s) },
	})

	_, err := inst.Call(context.Background(), "DoWrite", rvcore.UInt(msgAddr), rvcore.UInt(uint64(msgLen)))
	require.NoError(t, err)
	require.Equal(t, []string{"[writer] says: hi\n"}, lines)
}

func TestGameSettingReportsPresence(t *testing.T) {
	tbl := syscalltable.New(registry.New(), map[string]uint64{"difficulty": 3})

	var code []byte
	code = append(code, interp.EncodeLI(rvcore.RegA0, 0)...)
	code = append(code, interp.EncodeRet()...)
	lookupOff := len(code)
	code = append(code, interp.EncodeECALLImm(syscalltable.GameSetting)...)
	code = append(code, interp.EncodeRet()...)
	nameOff := len(code)
	code = append(code, []byte("difficulty\x00")...)
	missingOff := len(code)
	code = append(code, []byte("nope\x00")...)

	symbols := map[string]uint64{"main": 0, "Lookup": uint64(lookupOff)}
	inst := newInstance(t, tbl, code, symbols, script.Options{Name: "settings"})

	ret, err := inst.Call(context.Background(), "Lookup", rvcore.UInt(uint64(nameOff)))
	require.NoError(t, err)
	require.EqualValues(t, 1, ret)
	require.EqualValues(t, 3, inst.Machine().Registers().X[rvcore.RegA1])

	ret, err = inst.Call(context.Background(), "Lookup", rvcore.UInt(uint64(missingOff)))
	require.NoError(t, err)
	require.EqualValues(t, 0, ret)
}

func TestMachineHashReturnsInstanceHash(t *testing.T) {
	tbl := syscalltable.New(registry.New(), nil)
	var code []byte
	code = append(code, interp.EncodeLI(rvcore.RegA0, 0)...)
	code = append(code, interp.EncodeRet()...)
	hashOff := len(code)
	code = append(code, interp.EncodeECALLImm(syscalltable.MachineHash)...)
	code = append(code, interp.EncodeRet()...)

	symbols := map[string]uint64{"main": 0, "SelfHash": uint64(hashOff)}
	inst := newInstance(t, tbl, code, symbols, script.Options{Name: "hasher"})

	ret, err := inst.Call(context.Background(), "SelfHash")
	require.NoError(t, err)
	require.EqualValues(t, inst.Hash(), uint32(ret))
}

// TestFarcallRoutesThroughRegistry builds two binaries sharing one registry:
// "callee" exposes a public API function Echo, which just returns its
// forwarded first argument unchanged (this interpreter has no multiply
// instruction for anything fancier) — enough to prove argument shifting and
// routing.
func TestFarcallRoutesThroughRegistry(t *testing.T) {
	reg := registry.New()
	tbl := syscalltable.New(reg, nil)

	var calleeCode []byte
	calleeCode = append(calleeCode, interp.EncodeLI(rvcore.RegA0, 0)...)
	calleeCode = append(calleeCode, interp.EncodeRet()...)
	echoOff := len(calleeCode)
	calleeCode = append(calleeCode, interp.EncodeRet()...) // Echo(a0) just returns a0
	calleeSymbols := map[string]uint64{"main": 0, "Echo": uint64(echoOff)}

	calleeStore := binarystore.New(testFactory)
	calleeBin, err := calleeStore.Insert("callee-bin", calleeCode, calleeSymbols)
	require.NoError(t, err)
	tbl.Install(calleeBin.Template)

	callee, err := reg.Create(context.Background(), script.Options{
		Binary:           calleeBin,
		Name:             "callee",
		Registry:         dyncall.NewRegistry(),
		PublicAPISymbols: []string{"Echo"},
	})
	require.NoError(t, err)

	var callerCode []byte
	callerCode = append(callerCode, interp.EncodeLI(rvcore.RegA0, 0)...)
	callerCode = append(callerCode, interp.EncodeRet()...)
	farcallOff := len(callerCode)
	callerCode = append(callerCode, interp.EncodeECALLImm(syscalltable.Farcall)...)
	callerCode = append(callerCode, interp.EncodeRet()...)
	callerSymbols := map[string]uint64{"main": 0, "CallCallee": uint64(farcallOff)}

	caller := newInstance(t, tbl, callerCode, callerSymbols, script.Options{Name: "caller"})

	calleeHash := callee.Hash()
	echoHash := dyncall.Hash("Echo")
	ret, err := caller.Call(context.Background(), "CallCallee",
		rvcore.UInt(uint64(calleeHash)), rvcore.UInt(uint64(echoHash)), rvcore.Int(42))
	require.NoError(t, err)
	require.EqualValues(t, 42, ret)
}

// TestInterruptPreemptsUnlikeFarcall proves the farcall/interrupt
// distinction spec.md §4.7 draws (farcall is a non-preempting call;
// interrupt preempts): interrupt must leave callee's own register file
// exactly as it found it (Preempt saves and restores the full set), while
// farcall's plain call permanently mutates it the way an ordinary function
// call would.
func TestInterruptPreemptsUnlikeFarcall(t *testing.T) {
	reg := registry.New()
	tbl := syscalltable.New(reg, nil)

	var calleeCode []byte
	calleeCode = append(calleeCode, interp.EncodeLI(rvcore.RegA0, 0)...)
	calleeCode = append(calleeCode, interp.EncodeRet()...)
	echoOff := len(calleeCode)
	calleeCode = append(calleeCode, interp.EncodeRet()...) // Echo(a0) just returns a0
	calleeSymbols := map[string]uint64{"main": 0, "Echo": uint64(echoOff)}

	calleeStore := binarystore.New(testFactory)
	calleeBin, err := calleeStore.Insert("callee-bin", calleeCode, calleeSymbols)
	require.NoError(t, err)
	tbl.Install(calleeBin.Template)

	callee, err := reg.Create(context.Background(), script.Options{
		Binary:           calleeBin,
		Name:             "callee",
		Registry:         dyncall.NewRegistry(),
		PublicAPISymbols: []string{"Echo"},
	})
	require.NoError(t, err)
	echoHash := dyncall.Hash("Echo")
	calleeHash := callee.Hash()

	buildCaller := func(name string, syscallNum int) *script.Instance {
		var code []byte
		code = append(code, interp.EncodeLI(rvcore.RegA0, 0)...)
		code = append(code, interp.EncodeRet()...)
		off := len(code)
		code = append(code, interp.EncodeECALLImm(int32(syscallNum))...)
		code = append(code, interp.EncodeRet()...)
		symbols := map[string]uint64{"main": 0, "CallCallee": uint64(off)}
		return newInstance(t, tbl, code, symbols, script.Options{Name: name})
	}

	const sentinel = 0xDEAD
	const arg = 42

	// farcall: a plain call permanently overwrites callee's a0 with Echo's
	// return value.
	farcaller := buildCaller("farcaller", syscalltable.Farcall)
	callee.Machine().Registers().X[rvcore.RegA0] = sentinel
	ret, err := farcaller.Call(context.Background(), "CallCallee",
		rvcore.UInt(uint64(calleeHash)), rvcore.UInt(uint64(echoHash)), rvcore.Int(arg))
	require.NoError(t, err)
	require.EqualValues(t, arg, ret)
	require.EqualValues(t, arg, callee.Machine().Registers().X[rvcore.RegA0],
		"farcall must not restore callee's registers after the call")

	// interrupt: Preempt saves and restores callee's full register file, so
	// a0 reverts to the sentinel even though the forwarded return value is
	// still visible in the caller's own a0.
	interrupter := buildCaller("interrupter", syscalltable.Interrupt)
	callee.Machine().Registers().X[rvcore.RegA0] = sentinel
	ret, err = interrupter.Call(context.Background(), "CallCallee",
		rvcore.UInt(uint64(calleeHash)), rvcore.UInt(uint64(echoHash)), rvcore.Int(arg))
	require.NoError(t, err)
	require.EqualValues(t, arg, ret)
	require.EqualValues(t, sentinel, callee.Machine().Registers().X[rvcore.RegA0],
		"interrupt must restore callee's registers after preempting it")
}
