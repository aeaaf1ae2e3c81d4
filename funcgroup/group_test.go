package funcgroup_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rvscript/scripthost/dyncall"
	"github.com/rvscript/scripthost/funcgroup"
	"github.com/rvscript/scripthost/rvcore"
	"github.com/rvscript/scripthost/rvcore/interp"
	"github.com/rvscript/scripthost/scripterr"
)

type fakeHost struct{ m rvcore.Machine }

func (f fakeHost) Machine() rvcore.Machine { return f.m }
func (f fakeHost) DynArgs() []dyncall.Arg  { return nil }
func (f fakeHost) ClearDynArgs()           {}

func newTestGroup(t *testing.T, base uint64) (*funcgroup.Group, rvcore.Machine) {
	t.Helper()
	m := interp.New(interp.Options{MemoryMax: 1 << 20, ArenaBase: 0x40000000})
	alloc := funcgroup.NewFreeListAllocator(funcgroup.DefaultSyscallBase)
	host := fakeHost{m: m}
	g, err := funcgroup.New(m, alloc, host, base)
	require.NoError(t, err)
	return g, m
}

func TestInstallRoutesCallToTheRightEntry(t *testing.T) {
	const base = 0x02000000
	g, m := newTestGroup(t, base)

	require.NoError(t, g.Install(5, func(h dyncall.Host) error {
		h.Machine().Registers().X[rvcore.RegA0] = 99
		return nil
	}))
	require.NoError(t, g.Install(6, func(h dyncall.Host) error {
		h.Machine().Registers().X[rvcore.RegA0] = 123
		return nil
	}))

	ret, err := m.VMCall(context.Background(), base+5*funcgroup.EntryBytes)
	require.NoError(t, err)
	require.EqualValues(t, 99, ret)

	ret, err = m.VMCall(context.Background(), base+6*funcgroup.EntryBytes)
	require.NoError(t, err)
	require.EqualValues(t, 123, ret)
}

// TestDispatchTrapsWhenEntryNeverInstalled exercises the dispatch handler's
// defensive nil-entries branch directly: it pokes the group's own stub bytes
// into a slot's memory without going through Install, so the ecall traps
// into dispatch with no matching handler recorded.
func TestDispatchTrapsWhenEntryNeverInstalled(t *testing.T) {
	const base = 0x02000000
	g, m := newTestGroup(t, base)
	require.NoError(t, g.Install(1, func(dyncall.Host) error { return nil }))

	li := rvcore.EncodeItype(0x13, rvcore.RegA7, 0, 0, int32(g.SyscallNumber()))
	ecall := rvcore.EncodeItype(0x73, 0, 0, 0, 0)
	var stub [8]byte
	stub[0], stub[1], stub[2], stub[3] = byte(li), byte(li>>8), byte(li>>16), byte(li>>24)
	stub[4], stub[5], stub[6], stub[7] = byte(ecall), byte(ecall>>8), byte(ecall>>16), byte(ecall>>24)
	require.NoError(t, m.WriteMemory(base+2*funcgroup.EntryBytes, stub[:]))

	_, err := m.VMCall(context.Background(), base+2*funcgroup.EntryBytes)
	require.Error(t, err)
	var fault *scripterr.ExecutionSpaceProtectionFault
	require.ErrorAs(t, err, &fault)
}

func TestUninstallZeroesTheStub(t *testing.T) {
	const base = 0x02000000
	g, m := newTestGroup(t, base)
	require.NoError(t, g.Install(3, func(dyncall.Host) error { return nil }))
	require.NoError(t, g.Uninstall(3))

	_, err := m.VMCall(context.Background(), base+3*funcgroup.EntryBytes)
	require.Error(t, err)
	var illegal *interp.MachineException
	require.ErrorAs(t, err, &illegal)
}

func TestCloseReturnsSyscallNumberToTheFreeList(t *testing.T) {
	alloc := funcgroup.NewFreeListAllocator(funcgroup.DefaultSyscallBase)
	m := interp.New(interp.Options{MemoryMax: 1 << 20, ArenaBase: 0x40000000})
	host := fakeHost{m: m}

	g, err := funcgroup.New(m, alloc, host, 0x02000000)
	require.NoError(t, err)
	sysno := g.SyscallNumber()
	g.Close()

	next, err := alloc.AllocateSyscallNumber()
	require.NoError(t, err)
	require.Equal(t, sysno, next)
}

func TestIndexOutOfRangeIsRejected(t *testing.T) {
	g, _ := newTestGroup(t, 0x02000000)
	require.Error(t, g.Install(64, func(dyncall.Host) error { return nil }))
	require.Error(t, g.Install(-1, func(dyncall.Host) error { return nil }))
}
