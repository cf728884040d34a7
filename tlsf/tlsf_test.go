package tlsf

import (
	"testing"

	"github.com/behrlich/go-kcore"
)

func TestAllocateBasic(t *testing.T) {
	h := New(make([]byte, 4096))
	off, err := h.Allocate(kcore.NewLayout(64, 8))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if off%8 != 0 {
		t.Errorf("offset %d not 8-aligned", off)
	}
}

func TestAllocateAndDeallocateRoundTrip(t *testing.T) {
	h := New(make([]byte, 4096))
	layout := kcore.NewLayout(32, 8)
	off, err := h.Allocate(layout)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := h.Deallocate(off, layout); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	info := h.MemoryInfo()
	if info.Used != 0 {
		t.Errorf("Used = %d, want 0 after round trip", info.Used)
	}
}

func TestAllocateManySmallBlocks(t *testing.T) {
	h := New(make([]byte, 64*1024))
	layout := kcore.NewLayout(16, 8)
	var offs []uintptr
	for i := 0; i < 200; i++ {
		off, err := h.Allocate(layout)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		offs = append(offs, off)
	}
	seen := make(map[uintptr]bool)
	for _, off := range offs {
		if seen[off] {
			t.Fatalf("offset %d handed out twice", off)
		}
		seen[off] = true
	}
	for _, off := range offs {
		if err := h.Deallocate(off, layout); err != nil {
			t.Fatalf("Deallocate: %v", err)
		}
	}
}

func TestDeallocateMergesAdjacentFreeBlocks(t *testing.T) {
	h := New(make([]byte, 4096))
	layout := kcore.NewLayout(64, 8)
	a, err := h.Allocate(layout)
	if err != nil {
		t.Fatalf("Allocate a: %v", err)
	}
	b, err := h.Allocate(layout)
	if err != nil {
		t.Fatalf("Allocate b: %v", err)
	}
	c, err := h.Allocate(layout)
	if err != nil {
		t.Fatalf("Allocate c: %v", err)
	}

	if err := h.Deallocate(a, layout); err != nil {
		t.Fatalf("Deallocate a: %v", err)
	}
	if err := h.Deallocate(c, layout); err != nil {
		t.Fatalf("Deallocate c: %v", err)
	}
	if err := h.Deallocate(b, layout); err != nil {
		t.Fatalf("Deallocate b: %v", err)
	}

	// A big enough allocation should now be satisfiable from the merged run.
	big := kcore.NewLayout(150, 8)
	if _, err := h.Allocate(big); err != nil {
		t.Fatalf("Allocate after merge: %v", err)
	}
}

func TestDeallocateDoubleFreeDetected(t *testing.T) {
	h := New(make([]byte, 4096))
	layout := kcore.NewLayout(32, 8)
	off, err := h.Allocate(layout)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := h.Deallocate(off, layout); err != nil {
		t.Fatalf("first Deallocate: %v", err)
	}
	err = h.Deallocate(off, layout)
	if !kcore.IsCode(err, kcore.ErrCodeAliasingDetected) {
		t.Errorf("second Deallocate err = %v, want ErrCodeAliasingDetected", err)
	}
}

func TestAllocateOutOfMemory(t *testing.T) {
	h := New(make([]byte, 64))
	_, err := h.Allocate(kcore.NewLayout(1<<20, 8))
	if !kcore.IsCode(err, kcore.ErrCodeOutOfMemory) {
		t.Errorf("err = %v, want ErrCodeOutOfMemory", err)
	}
}

func TestReallocateGrowInPlace(t *testing.T) {
	h := New(make([]byte, 4096))
	small := kcore.NewLayout(16, 8)
	off, err := h.Allocate(small)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	big := kcore.NewLayout(48, 8)
	newOff, err := h.Reallocate(off, small, big)
	if err != nil {
		t.Fatalf("Reallocate: %v", err)
	}
	if newOff != off {
		t.Errorf("Reallocate moved block from %d to %d, expected in-place growth", off, newOff)
	}
}

func TestReallocateFallsBackToCopy(t *testing.T) {
	h := New(make([]byte, 4096))
	small := kcore.NewLayout(16, 8)
	a, err := h.Allocate(small)
	if err != nil {
		t.Fatalf("Allocate a: %v", err)
	}
	// Allocate b immediately after a so a has no room to grow in place.
	if _, err := h.Allocate(small); err != nil {
		t.Fatalf("Allocate b: %v", err)
	}

	for i := 0; i < int(small.Size); i++ {
		h.data[int(a)+i] = byte(i + 1)
	}

	big := kcore.NewLayout(256, 8)
	newOff, err := h.Reallocate(a, small, big)
	if err != nil {
		t.Fatalf("Reallocate: %v", err)
	}
	for i := 0; i < int(small.Size); i++ {
		if h.data[int(newOff)+i] != byte(i+1) {
			t.Fatalf("byte %d not preserved across Reallocate", i)
		}
	}
}

func TestExtendGrowsArena(t *testing.T) {
	backing := make([]byte, 128, 4096)
	h := New(backing)
	before := h.MemoryInfo().Total
	if err := h.Extend(1024); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	after := h.MemoryInfo().Total
	if after <= before {
		t.Errorf("Total did not grow: before=%d after=%d", before, after)
	}
	if _, err := h.Allocate(kcore.NewLayout(512, 8)); err != nil {
		t.Fatalf("Allocate after Extend: %v", err)
	}
}

func TestAllocateRespectsLargeAlignment(t *testing.T) {
	h := New(make([]byte, 8192))
	off, err := h.Allocate(kcore.NewLayout(32, 64))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if off%64 != 0 {
		t.Errorf("offset %d not 64-aligned", off)
	}
}
