package script

// Address-space and budget constants from spec.md §6 and §4.2, matching
// original_source/engine/script/script.hpp's Script class constants
// verbatim (MAX_MEMORY, MAX_HEAP, HEAP_BASE, MAX_INSTRUCTIONS) plus the
// boot budget from original_source/engine/src/script/script.cpp.
const (
	// MaxMemory is the default guest address space size for a fresh fork.
	MaxMemory = 16 * 1024 * 1024
	// MaxHeap is the original engine's heap arena size. New does not use it;
	// the arena's bounds come from the template backend's own options.
	MaxHeap = 256 * 1024 * 1024
	// HeapBase is the original engine's heap arena base address. New does
	// not use it; the arena's bounds come from the template backend's own
	// options.
	HeapBase = 0x40000000
	// RemoteImgBase separates "local image" from "remote image" for the
	// cross-machine call bridge (spec.md §4.5/§6).
	RemoteImgBase = 0x50000000

	// SharedMemoryBase is the fixed low guest address of the shared,
	// lock-free read/write region. New does not map any shared region.
	SharedMemoryBase = 0x2000
	// SharedMemorySize is two guest pages, per spec.md §5.
	SharedMemorySize = 2 * 4096

	// MaxInstructions is the per-call instruction budget (not boot).
	MaxInstructions = 32_000_000
	// MaxBootInstructions is the larger budget allowed for the one-time
	// boot simulation.
	MaxBootInstructions = 512_000_000

	// MaxDyncallTableEntries rejects a dyncall_table claiming more entries
	// than this as a malformed guest image (spec.md §6, "Bogus values").
	MaxDyncallTableEntries = 512

	// FastExitSymbol is the guest symbol every fork's default exit register
	// is pointed at (spec.md §4.2 step 1).
	FastExitSymbol = "fast_exit"
	// DyncallTableSymbol is the guest symbol holding the dyncall_table
	// descriptor array (spec.md §6).
	DyncallTableSymbol = "dyncall_table"
)
