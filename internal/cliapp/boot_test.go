package cliapp

import (
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rvscript/scripthost/hostconfig"
	"github.com/rvscript/scripthost/rvcore"
	"github.com/rvscript/scripthost/rvcore/interp"
)

func writeEchoBinary(t *testing.T, dir, filename string) map[string]uint64 {
	t.Helper()
	var code []byte
	code = append(code, interp.EncodeLI(rvcore.RegA0, 5)...)
	code = append(code, interp.EncodeRet()...)
	greetOff := len(code)
	code = append(code, interp.EncodeLI(rvcore.RegA0, 9)...)
	code = append(code, interp.EncodeRet()...)

	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), code, 0o644))
	return map[string]uint64{"main": 0, "Greet": uint64(greetOff)}
}

func TestBootHostLoadsBinariesAndInstances(t *testing.T) {
	dir := t.TempDir()
	symsA := writeEchoBinary(t, dir, "a.bin")
	symsB := writeEchoBinary(t, dir, "b.bin")

	cfg := &hostconfig.Config{
		BinaryPaths: []string{dir},
		Binaries: map[string]hostconfig.BinaryConfig{
			"alpha": {Path: "a.bin", PublicAPI: []string{"Greet"}, Symbols: symsA},
			"beta":  {Path: "b.bin", PublicAPI: []string{"Greet"}, Symbols: symsB},
		},
		RemoteLinks: []hostconfig.RemoteLink{
			{Caller: "alpha", Callee: "beta", Strict: false},
		},
	}

	h, err := bootHost(cfg, nil)
	require.NoError(t, err)
	require.Equal(t, 2, h.Registry.Len())

	alpha, ok := h.Registry.Get(crc32.ChecksumIEEE([]byte("alpha")))
	require.True(t, ok)
	require.NotNil(t, alpha.RemoteLink())
}

func TestBootHostFailsOnUnresolvedBinaryPath(t *testing.T) {
	cfg := &hostconfig.Config{
		Binaries: map[string]hostconfig.BinaryConfig{
			"ghost": {Path: "does-not-exist.bin"},
		},
	}
	_, err := bootHost(cfg, nil)
	require.Error(t, err)
}
