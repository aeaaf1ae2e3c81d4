// Package hostconfig loads the host's static TOML configuration: where
// binaries live, their per-instance budgets and public API, the process-wide
// game-setting map, and remote-link topology (SPEC_FULL.md "AMBIENT STACK",
// Configuration; grounded on dsmmcken-dh-cli's VM-fleet TOML config shape).
package hostconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// BinaryConfig describes one entry in the [binaries.<name>] table.
type BinaryConfig struct {
	Path                string   `toml:"path"`
	MemoryMax           uint64   `toml:"memory_max"`
	MaxInstructions     uint64   `toml:"max_instructions"`
	MaxBootInstructions uint64   `toml:"max_boot_instructions"`
	MaxCallDepth        int      `toml:"max_call_depth"`
	PublicAPI           []string `toml:"public_api"`

	// Symbols supplies the name->address table a real ELF loader would
	// otherwise resolve from a binary's symbol-table section — out of
	// scope for rvcore by design (see rvcore's package doc: the
	// decode/execute loop and everything that finds it code is an
	// underlying emulator library's job). Configuring symbols explicitly
	// keeps scriptctl usable against the binaries this repository's own
	// tests build, without this host pretending to own an ELF reader.
	Symbols map[string]uint64 `toml:"symbols"`
}

// RemoteLink describes one [[remote_links]] entry: caller may bridge calls
// into callee, in strict or lenient mode (spec.md §4.5, §9).
type RemoteLink struct {
	Caller string `toml:"caller"`
	Callee string `toml:"callee"`
	Strict bool   `toml:"strict"`
}

// Config is the host's full static configuration.
type Config struct {
	// BinaryPaths is searched, in order, to resolve a BinaryConfig.Path that
	// isn't already absolute — the TOML analogue of a PATH variable.
	BinaryPaths []string                `toml:"binary_paths"`
	Binaries    map[string]BinaryConfig `toml:"binaries"`
	// Settings backs the game-setting syscall's process-wide lookup table
	// (spec.md §4.7 "game-setting").
	Settings map[string]uint64 `toml:"settings"`
	// RemoteLinks is applied once, after every configured binary has been
	// registered, by whatever orchestration layer wires scripts together.
	RemoteLinks []RemoteLink `toml:"remote_links"`
}

// Load reads and parses the TOML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hostconfig: reading %q: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("hostconfig: parsing %q: %w", path, err)
	}
	return &cfg, nil
}

// Resolve returns the filesystem path for binary name, searching
// BinaryPaths (in order) for the first existing candidate if the
// configured path is relative. An already-absolute path is returned as-is.
func (c *Config) Resolve(name string) (string, error) {
	bc, ok := c.Binaries[name]
	if !ok {
		return "", fmt.Errorf("hostconfig: no [binaries.%s] entry", name)
	}
	if filepath.IsAbs(bc.Path) {
		return bc.Path, nil
	}
	for _, dir := range c.BinaryPaths {
		candidate := filepath.Join(dir, bc.Path)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if len(c.BinaryPaths) == 0 {
		return bc.Path, nil
	}
	return "", fmt.Errorf("hostconfig: %q not found in any binary_paths entry", bc.Path)
}
