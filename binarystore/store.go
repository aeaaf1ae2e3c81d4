// Package binarystore owns the immutable ELF byte slices this host loads
// and a read-only template VM per binary name, handed out for
// script.Instance to fork from (spec.md §2 "BinaryStore", §4.1; grounded on
// original_source/engine/script/script.hpp's Script class owning a
// "source" riscv::Machine as a COW parent).
package binarystore

import (
	"fmt"

	"github.com/rvscript/scripthost/rvcore"
	"github.com/rvscript/scripthost/scripterr"
)

// TemplateFactory builds a fresh, uninstantiated rvcore.Machine from raw
// ELF bytes and a pre-resolved symbol table, without executing any guest
// code (spec.md §4.1, "must be constructible without executing any guest
// code"). rvcore/interp.New returns *interp.Machine from an interp.Options,
// so callers wrap it in a small function of this signature (as the tests and
// internal/cliapp do).
type TemplateFactory func(code []byte, symbols map[string]uint64) rvcore.Machine

// Binary is an immutable ELF image plus its read-only template VM. Bytes
// and Symbols are never mutated after Insert; Template is only ever forked,
// never simulated directly.
type Binary struct {
	Name     string
	Bytes    []byte
	Symbols  map[string]uint64
	Template rvcore.Machine
}

// Store is the name-keyed table of loaded binaries.
type Store struct {
	factory TemplateFactory
	byName  map[string]*Binary
}

// New creates an empty store. factory is the template-VM constructor this
// process uses (a concrete rvcore.Machine backend); the store never
// constructs one itself, keeping it decoupled from any particular backend.
func New(factory TemplateFactory) *Store {
	return &Store{factory: factory, byName: make(map[string]*Binary)}
}

// Insert stores bytes (and, if given, a pre-resolved symbol table) under
// name, building its template VM. It fails if name is already present —
// binaries are loaded once and never replaced in place.
func (s *Store) Insert(name string, bytes []byte, symbols map[string]uint64) (*Binary, error) {
	if _, exists := s.byName[name]; exists {
		return nil, fmt.Errorf("binarystore: %q already registered", name)
	}
	if symbols == nil {
		symbols = map[string]uint64{}
	}
	owned := make([]byte, len(bytes))
	copy(owned, bytes)
	b := &Binary{
		Name:     name,
		Bytes:    owned,
		Symbols:  symbols,
		Template: s.factory(owned, symbols),
	}
	s.byName[name] = b
	return b, nil
}

// Get finds the binary registered under name.
func (s *Store) Get(name string) (*Binary, error) {
	b, ok := s.byName[name]
	if !ok {
		return nil, &scripterr.LookupFailure{Kind: "binary", Name: name}
	}
	return b, nil
}

// Names returns every registered binary name, in no particular order, for
// diagnostics.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	return names
}
