// Package registry implements ScriptRegistry: the process-wide,
// hash-indexed name→instance map every far-call and interrupt syscall
// resolves its target through (spec.md §2 "ScriptRegistry", §4.6).
package registry

import (
	"context"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/rvscript/scripthost/script"
	"github.com/rvscript/scripthost/scripterr"
)

// Registry is the name-indexed map of live script instances.
type Registry struct {
	mu     sync.RWMutex
	byHash map[uint32]*script.Instance
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byHash: make(map[uint32]*script.Instance)}
}

// Create builds a new instance via script.New and registers it under
// crc32(opts.Name), failing if that hash is already taken (spec.md §4,
// "hash(name) is unique across registered instances; a collision is a
// fatal configuration error").
func (r *Registry) Create(ctx context.Context, opts script.Options) (*script.Instance, error) {
	hash := crc32.ChecksumIEEE([]byte(opts.Name))

	r.mu.Lock()
	if existing, ok := r.byHash[hash]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: name %q collides with already-registered %q at hash 0x%x", opts.Name, existing.Name(), hash)
	}
	r.mu.Unlock()

	inst, err := script.New(ctx, opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byHash[hash]; ok {
		return nil, fmt.Errorf("registry: name %q collides with already-registered %q at hash 0x%x", opts.Name, existing.Name(), hash)
	}
	r.byHash[hash] = inst
	return inst, nil
}

// Get returns the instance registered under hash, or ok=false on a miss.
func (r *Registry) Get(hash uint32) (*script.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byHash[hash]
	return inst, ok
}

// GetNamed is Get, but raises scripterr.LookupFailure (carrying name) on a
// miss rather than a bare bool — the variant spec.md §4.6 calls
// "get(hash, name) raises NotFound with the name attached".
func (r *Registry) GetNamed(hash uint32, name string) (*script.Instance, error) {
	if inst, ok := r.Get(hash); ok {
		return inst, nil
	}
	return nil, &scripterr.LookupFailure{Kind: "script", Name: name}
}

// Remove deregisters hash, e.g. when an instance is torn down.
func (r *Registry) Remove(hash uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byHash, hash)
}

// Len reports how many instances are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHash)
}

// All returns every currently registered instance, in no particular order
// (used by host.Host's tick orchestration and the CLI's live dashboard).
func (r *Registry) All() []*script.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*script.Instance, 0, len(r.byHash))
	for _, inst := range r.byHash {
		out = append(out, inst)
	}
	return out
}
