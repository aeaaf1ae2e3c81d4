package binarystore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rvscript/scripthost/binarystore"
	"github.com/rvscript/scripthost/rvcore"
	"github.com/rvscript/scripthost/rvcore/interp"
	"github.com/rvscript/scripthost/scripterr"
)

func testFactory(code []byte, symbols map[string]uint64) rvcore.Machine {
	return interp.New(interp.Options{
		Code:      code,
		Symbols:   symbols,
		MemoryMax: 1 << 20,
		ArenaBase: 0x40000000,
	})
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	s := binarystore.New(testFactory)
	code := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	b, err := s.Insert("game", code, map[string]uint64{"start": 0})
	require.NoError(t, err)
	require.Equal(t, "game", b.Name)
	require.NotNil(t, b.Template)

	got, err := s.Get("game")
	require.NoError(t, err)
	require.Same(t, b, got)
}

func TestInsertRejectsDuplicateName(t *testing.T) {
	s := binarystore.New(testFactory)
	_, err := s.Insert("game", []byte{1}, nil)
	require.NoError(t, err)
	_, err = s.Insert("game", []byte{2}, nil)
	require.Error(t, err)
}

func TestGetMissingNameFails(t *testing.T) {
	s := binarystore.New(testFactory)
	_, err := s.Get("nope")
	require.Error(t, err)
	var notFound *scripterr.LookupFailure
	require.ErrorAs(t, err, &notFound)
}

func TestBytesAreOwnedNotAliased(t *testing.T) {
	s := binarystore.New(testFactory)
	code := []byte{1, 2, 3}
	b, err := s.Insert("game", code, nil)
	require.NoError(t, err)

	code[0] = 0xFF
	require.EqualValues(t, 1, b.Bytes[0])
}
