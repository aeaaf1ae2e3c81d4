// Package dyncall implements the hash-indexed host-callback registry guest
// code invokes either by name (hashed dispatch) or by per-binary table index
// (indexed dispatch), plus the variadic argument stack used by calls that
// don't fit the standard register ABI (spec.md §4.3).
package dyncall

import (
	"hash/crc32"
	"strings"

	"github.com/rvscript/scripthost/rvcore"
	"github.com/rvscript/scripthost/scripterr"
)

// Host is the subset of script.Instance a Handler needs. It is an interface
// (rather than a direct script.Instance dependency) so this package does
// not import script, avoiding an import cycle — script imports dyncall.
type Host interface {
	Machine() rvcore.Machine
	DynArgs() []Arg
	ClearDynArgs()
}

// Handler is a host callback invoked from the guest by hashed name or by
// table index. It reads arguments either from the current register set
// (structural: integer then float) or from Host.DynArgs() for variadic
// calls.
type Handler func(h Host) error

// ErrUnimplementedTrap is the sentinel a missing/unset handler raises. The
// indexed-dispatch late-binding loop in script.Instance specifically
// recognizes this error to attempt late resolution; every other error
// propagates as a genuine guest exception (spec.md §4.3, §9).
var ErrUnimplementedTrap = &unimplementedTrap{}

type unimplementedTrap struct{}

func (*unimplementedTrap) Error() string { return "Unimplemented-trap" }

func unimplementedHandler(Host) error { return ErrUnimplementedTrap }

// Entry is one registered dynamic call.
type Entry struct {
	Name       string
	Definition string
	Handler    Handler
	InitOnly   bool
	ClientOnly bool
	ServerOnly bool
}

// Registry is the dynamic-call table. Per spec.md §9 ("Process-wide static
// state ... is best replaced with an explicit Host context"), this registry
// is owned by host.Host and threaded into every script.Instance rather than
// kept as a package-level singleton; nothing in this package is global.
type Registry struct {
	byHash map[uint32]Entry
}

// NewRegistry creates an empty dynamic-call registry.
func NewRegistry() *Registry {
	return &Registry{byHash: make(map[uint32]Entry)}
}

// Canonicalize collapses runs of spaces in a definition to single spaces,
// matching the original engine's single_spaced_string.
func Canonicalize(def string) string {
	for strings.Contains(def, "  ") {
		def = strings.ReplaceAll(def, "  ", " ")
	}
	return def
}

// Hash computes the registration key for a (canonicalized) definition.
func Hash(def string) uint32 {
	c := Canonicalize(def)
	return crc32.ChecksumIEEE([]byte(c))
}

// Register installs handler under name/definition. A nil handler installs
// the unimplemented-trap stub (so the slot exists but throws if invoked). If
// a different name is already registered under this hash, Register fails
// with scripterr.HashCollision; re-registering the same (hash, name) just
// overwrites the handler.
func (r *Registry) Register(name, definition string, handler Handler) error {
	if handler == nil {
		handler = unimplementedHandler
	}
	hash := Hash(definition)
	if existing, ok := r.byHash[hash]; ok && existing.Name != name {
		return &scripterr.HashCollision{Hash: hash, Existing: existing.Name, New: name}
	}
	r.byHash[hash] = Entry{
		Name:       name,
		Definition: Canonicalize(definition),
		Handler:    handler,
		InitOnly:   false,
		ClientOnly: false,
		ServerOnly: false,
	}
	return nil
}

// Def is one entry for RegisterMany.
type Def struct {
	Name       string
	Definition string
	Handler    Handler
}

// RegisterMany registers a batch of dynamic calls, stopping at the first
// error (typically a hash collision).
func (r *Registry) RegisterMany(defs []Def) error {
	for _, d := range defs {
		if err := r.Register(d.Name, d.Definition, d.Handler); err != nil {
			return err
		}
	}
	return nil
}

// Reset erases the registration for name (using name as its own definition,
// matching the single-argument set_dynamic_call convention), optionally
// re-registering it with a new handler.
func (r *Registry) Reset(name string, handler Handler) error {
	hash := Hash(name)
	delete(r.byHash, hash)
	if handler != nil {
		return r.Register(name, name, handler)
	}
	return nil
}

// Lookup finds the entry registered for hash.
func (r *Registry) Lookup(hash uint32) (Entry, bool) {
	e, ok := r.byHash[hash]
	return e, ok
}

// DispatchHash runs the handler registered for hash. nameAddr is the guest
// address of the call's string name, read only for the UnknownDynamicCall
// diagnostic on a miss.
func (r *Registry) DispatchHash(hash uint32, nameAddr uint64, host Host) error {
	entry, ok := r.byHash[hash]
	if !ok {
		name, _ := host.Machine().ReadCString(nameAddr, 256)
		return &scripterr.UnknownDynamicCall{Hash: hash, Name: name}
	}
	return entry.Handler(host)
}
