// Package cliapp implements scriptctl's cobra command tree: run, tick,
// bench, and top (SPEC_FULL.md AMBIENT STACK, "CLI"; grounded on
// dsmmcken-dh-cli's go_src/internal/cmd package — a thin cmd/<binary>/main.go
// delegating to an internal command package, subcommands built with
// cobra+pflag, flags bound to package-level vars the way root.go does).
package cliapp

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/rvscript/scripthost/host"
	"github.com/rvscript/scripthost/hostconfig"
	"github.com/rvscript/scripthost/rvcore"
	"github.com/rvscript/scripthost/rvcore/interp"
)

// defaultArenaBase is the guest heap arena's starting address for every
// template this CLI constructs (matches the convention this repository's
// own package tests use).
const defaultArenaBase = 0x40000000

func machineFactory(code []byte, symbols map[string]uint64) rvcore.Machine {
	return interp.New(interp.Options{Code: code, Symbols: symbols, ArenaBase: defaultArenaBase})
}

// bootHost loads cfg's configured binaries and instances into a fresh Host.
// Binary bytes are read from disk per cfg.Resolve; symbol addresses come
// from cfg's [binaries.<name>.symbols] table rather than being parsed from
// an ELF section (rvcore's package doc names ELF parsing an underlying
// emulator library's job, out of scope here).
func bootHost(cfg *hostconfig.Config, logger *log.Entry) (*host.Host, error) {
	h := host.New(machineFactory, cfg.Settings, logger)

	for name, bc := range cfg.Binaries {
		path, err := cfg.Resolve(name)
		if err != nil {
			return nil, err
		}
		bytes, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("scriptctl: reading %q: %w", path, err)
		}
		if _, err := h.LoadBinary(name, bytes, bc.Symbols); err != nil {
			return nil, fmt.Errorf("scriptctl: loading binary %q: %w", name, err)
		}
	}

	for name, bc := range cfg.Binaries {
		if _, err := h.CreateInstance(context.Background(), name, host.InstanceOptions{
			Name:                name,
			MemoryMax:           bc.MemoryMax,
			MaxInstructions:     bc.MaxInstructions,
			MaxBootInstructions: bc.MaxBootInstructions,
			MaxCallDepth:        bc.MaxCallDepth,
			PublicAPISymbols:    bc.PublicAPI,
		}); err != nil {
			return nil, fmt.Errorf("scriptctl: booting instance %q: %w", name, err)
		}
	}

	for _, link := range cfg.RemoteLinks {
		if err := wireRemoteLink(h, link); err != nil {
			return nil, err
		}
	}

	return h, nil
}
