package kcore

// Layout describes a requested memory block: size in bytes and the power
// of two it must be aligned to.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// NewLayout builds a Layout, rounding Align up to at least
// MinBlockGranularity since every allocator here works in 4-byte units.
func NewLayout(size, align uintptr) Layout {
	if align < MinBlockGranularity {
		align = MinBlockGranularity
	}
	return Layout{Size: size, Align: align}
}

// MemoryInfo reports an allocator's usage at a point in time.
type MemoryInfo struct {
	Total   uintptr
	Used    uintptr
	MaxUsed uintptr
}

// Allocator is the shared contract implemented by both the fl and tlsf
// packages: embed a raw byte arena and hand out/reclaim aligned blocks
// within it.
type Allocator interface {
	// Allocate returns the offset (from the start of the arena) of a block
	// satisfying layout, or an error carrying ErrCodeOutOfMemory /
	// ErrCodeInvalidLayout.
	Allocate(layout Layout) (uintptr, error)

	// Deallocate returns a previously allocated block to the allocator.
	Deallocate(offset uintptr, layout Layout) error

	// Extend grows the arena backing the allocator by n bytes, folding any
	// unusable remainder into the allocator's internal pending-extend
	// accounting instead of losing it.
	Extend(n uintptr) error

	// MemoryInfo reports current usage.
	MemoryInfo() MemoryInfo
}
