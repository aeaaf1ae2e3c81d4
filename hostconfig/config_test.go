package hostconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rvscript/scripthost/hostconfig"
)

const sample = `
binary_paths = ["./bin"]

[settings]
difficulty = 3

[binaries.game]
path = "game.elf"
memory_max = 1048576
max_instructions = 1000000
public_api = ["OnSpawn", "OnTick"]

[binaries.game.symbols]
main = 0
OnSpawn = 8
OnTick = 16

[[remote_links]]
caller = "game"
callee = "level1"
strict = true
`

func TestLoadParsesFullShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := hostconfig.Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"./bin"}, cfg.BinaryPaths)
	require.EqualValues(t, 3, cfg.Settings["difficulty"])
	require.Equal(t, "game.elf", cfg.Binaries["game"].Path)
	require.Equal(t, []string{"OnSpawn", "OnTick"}, cfg.Binaries["game"].PublicAPI)
	require.EqualValues(t, 8, cfg.Binaries["game"].Symbols["OnSpawn"])
	require.Len(t, cfg.RemoteLinks, 1)
	require.True(t, cfg.RemoteLinks[0].Strict)
}

func TestResolveFindsBinaryOnSearchPath(t *testing.T) {
	dir := t.TempDir()
	binDir := filepath.Join(dir, "bin")
	require.NoError(t, os.Mkdir(binDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "game.elf"), []byte("fake"), 0o644))

	cfg := &hostconfig.Config{
		BinaryPaths: []string{binDir},
		Binaries:    map[string]hostconfig.BinaryConfig{"game": {Path: "game.elf"}},
	}
	resolved, err := cfg.Resolve("game")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(binDir, "game.elf"), resolved)
}

func TestResolveUnknownBinaryIsError(t *testing.T) {
	cfg := &hostconfig.Config{Binaries: map[string]hostconfig.BinaryConfig{}}
	_, err := cfg.Resolve("ghost")
	require.Error(t, err)
}
