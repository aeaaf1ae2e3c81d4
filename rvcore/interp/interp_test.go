package interp_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rvscript/scripthost/rvcore"
	"github.com/rvscript/scripthost/rvcore/interp"
)

func assembleReturn666(t *testing.T) []byte {
	t.Helper()
	var code []byte
	code = append(code, interp.EncodeLI(rvcore.RegA0, 666)...)
	code = append(code, interp.EncodeRet()...)
	return code
}

func TestVMCallReturnsImmediate(t *testing.T) {
	code := assembleReturn666(t)
	m := interp.New(interp.Options{
		Code:      code,
		Symbols:   map[string]uint64{"MyFunc": 0},
		MemoryMax: 1 << 20,
		ArenaBase: 0x40000000,
	})
	ret, err := m.VMCall(context.Background(), m.AddressOf("MyFunc"))
	require.NoError(t, err)
	require.EqualValues(t, 666, ret)
}

func TestVMCallPassesIntegerArgs(t *testing.T) {
	// add(a0, a1) -> a0 = a0 + a1
	var code []byte
	code = append(code, []byte{0x33, 0x05, 0xb5, 0x00}...) // add a0, a0, a1 (hand-picked word below)
	// Build it properly through the opcode encoder to avoid a bogus literal.
	code = code[:0]
	addInstr := uint32(0x33) | (10 << 7) | (0 << 12) | (10 << 15) | (11 << 20)
	code = append(code, byte(addInstr), byte(addInstr>>8), byte(addInstr>>16), byte(addInstr>>24))
	code = append(code, interp.EncodeRet()...)

	m := interp.New(interp.Options{
		Code:      code,
		Symbols:   map[string]uint64{"Add": 0},
		MemoryMax: 1 << 20,
		ArenaBase: 0x40000000,
	})
	ret, err := m.VMCall(context.Background(), m.AddressOf("Add"), rvcore.Int(40), rvcore.Int(2))
	require.NoError(t, err)
	require.EqualValues(t, 42, ret)
}

func TestSimulateTimesOut(t *testing.T) {
	// jal x0, 0 -- infinite self-loop
	code := interp.EncodeJAL(0, 0)
	m := interp.New(interp.Options{
		Code:      code,
		Symbols:   map[string]uint64{"Loop": 0},
		MemoryMax: 1 << 20,
		ArenaBase: 0x40000000,
	})
	_, err := m.VMCall(context.Background(), m.AddressOf("Loop"))
	require.Error(t, err)
	var timeout *interp.MachineTimeout
	require.ErrorAs(t, err, &timeout)
}

func TestEcallDispatchesInstalledHandler(t *testing.T) {
	var code []byte
	code = append(code, interp.EncodeLI(rvcore.RegA7, 42)...)
	code = append(code, interp.EncodeECALL()...)
	code = append(code, interp.EncodeRet()...)

	m := interp.New(interp.Options{
		Code:      code,
		Symbols:   map[string]uint64{"Entry": 0},
		MemoryMax: 1 << 20,
		ArenaBase: 0x40000000,
	})
	called := false
	m.InstallSyscallHandler(42, func(mm rvcore.Machine) error {
		called = true
		mm.Registers().X[rvcore.RegA0] = 7
		return nil
	})
	ret, err := m.VMCall(context.Background(), m.AddressOf("Entry"))
	require.NoError(t, err)
	require.True(t, called)
	require.EqualValues(t, 7, ret)
}

func TestCustomOpcodeRoutesThroughUnimplementedHook(t *testing.T) {
	code := interp.EncodeDyncallIndexed(3)
	code = append(code, interp.EncodeRet()...)

	m := interp.New(interp.Options{
		Code:      code,
		Symbols:   map[string]uint64{"Entry": 0},
		MemoryMax: 1 << 20,
		ArenaBase: 0x40000000,
	})
	var gotIdx int32
	m.SetUnimplementedInstructionHook(func(instr uint32) (rvcore.InstrHandler, bool) {
		it := rvcore.DecodeItype(instr)
		if it.Opcode != rvcore.OpcodeDyncallIndexed {
			return nil, false
		}
		return func(mm rvcore.Machine, instr uint32) {
			gotIdx = rvcore.DecodeItype(instr).Imm
		}, true
	})
	_, err := m.VMCall(context.Background(), m.AddressOf("Entry"))
	require.NoError(t, err)
	require.EqualValues(t, 3, gotIdx)
}

func TestForkSharesCodeNotMemory(t *testing.T) {
	code := assembleReturn666(t)
	template := interp.New(interp.Options{
		Code:      code,
		Symbols:   map[string]uint64{"MyFunc": 0},
		MemoryMax: 1 << 20,
		ArenaBase: 0x40000000,
	})
	a, err := template.Fork(rvcore.ForkOptions{})
	require.NoError(t, err)
	b, err := template.Fork(rvcore.ForkOptions{})
	require.NoError(t, err)

	require.NoError(t, a.WriteMemory(0x1000, []byte{0xAA}))
	var buf [1]byte
	require.NoError(t, b.ReadMemory(0x1000, buf[:]))
	require.NotEqual(t, byte(0xAA), buf[0])
}

func TestArenaAllocAndUnknownFree(t *testing.T) {
	m := interp.New(interp.Options{MemoryMax: 1 << 20, ArenaBase: 0x40000000})
	addr, err := m.ArenaAlloc(16)
	require.NoError(t, err)
	require.NoError(t, m.ArenaFree(addr))

	var redirected uint64
	m.SetArenaUnknownFreeHandler(func(addr uint64) error {
		redirected = addr
		return nil
	})
	require.NoError(t, m.ArenaFree(0x99999999))
	require.EqualValues(t, 0x99999999, redirected)
}
