// Package tlsf implements a two-level segregated fit allocator: FL/SL
// bitmap-indexed free lists threaded through free blocks, boundary tags
// with prev_phys_block back-links for O(1) coalescing (see DESIGN.md for
// the block layout). The boundary-tag word codec reuses internal/wire,
// the same encoding/binary.LittleEndian style the buffer package uses for
// Entry headers.
package tlsf

import (
	"math/bits"
	"time"

	"github.com/behrlich/go-kcore"
	"github.com/behrlich/go-kcore/internal/logging"
	"github.com/behrlich/go-kcore/internal/wire"
)

const (
	// headerSize is sizeof a TLSF boundary tag: a 4-byte [used|size] word
	// plus a 4-byte prev_phys_block back-link.
	headerSize = 8
	// linkSize is the size of one free-list link field (freePrev/freeNext).
	linkSize = 4
	// minFreePayload is the smallest payload a free block can have: room
	// for both free-list links.
	minFreePayload = 2 * linkSize
	// Granularity is the allocation rounding unit.
	Granularity = 8

	// noOff marks an absent offset, whether a missing physical predecessor
	// or the end of a free list.
	noOff  = ^uint32(0)
	noPrev = noOff
	noNext = noOff

	flCount = kcore.TLSFFLIndexMax + 1
	slCount = 1 << kcore.TLSFSLIndexCountLog2
)

// Heap is a TLSF arena over a caller-provided byte slice.
type Heap struct {
	data []byte
	top  uint32 // current logical end of the arena, <= len(data)

	flBitmap uint32
	slBitmap [flCount]uint32
	freeHead [flCount][slCount]uint32

	pendingExtend uint32
	metrics       *kcore.Metrics
	log           *logging.Logger
}

var _ kcore.Allocator = (*Heap)(nil)

// New wraps data as a TLSF heap: a single free block spans the whole
// region. len(data) must be at least headerSize+minFreePayload.
func New(data []byte) *Heap {
	if len(data) < headerSize+minFreePayload {
		panic("tlsf: arena too small")
	}
	h := &Heap{
		data:    data,
		top:     uint32(len(data)),
		metrics: kcore.NewMetrics(),
		log:     logging.Default(),
	}
	for fl := range h.freeHead {
		for sl := range h.freeHead[fl] {
			h.freeHead[fl][sl] = noNext
		}
	}
	size := uint32(len(data)) - headerSize
	putWord(data, 0, false, size)
	putPrev(data, 0, noPrev)
	h.insertFree(0, size)
	return h
}

func (h *Heap) Metrics() *kcore.Metrics { return h.metrics }

// --- boundary tag accessors ---

func putWord(data []byte, off uint32, used bool, size uint32) {
	wire.PutHeader(data[off:off+4], used, size)
}

func getWord(data []byte, off uint32) (used bool, size uint32) {
	return wire.GetHeader(data[off : off+4])
}

func putPrev(data []byte, off uint32, prev uint32) {
	wire.PutBackPointer(data[off+4:off+8], prev)
}

func getPrev(data []byte, off uint32) uint32 {
	return wire.GetBackPointer(data[off+4 : off+8])
}

func payloadOff(off uint32) uint32 { return off + headerSize }

func putFreeLink(data []byte, off uint32, prevFree, nextFree uint32) {
	p := payloadOff(off)
	wire.PutBackPointer(data[p:p+4], prevFree)
	wire.PutBackPointer(data[p+4:p+8], nextFree)
}

func getFreeLink(data []byte, off uint32) (prevFree, nextFree uint32) {
	p := payloadOff(off)
	return wire.GetBackPointer(data[p : p+4]), wire.GetBackPointer(data[p+4 : p+8])
}

// --- FL/SL mapping ---

func mapping(size uint32) (fl, sl int) {
	if size < Granularity {
		size = Granularity
	}
	top := bits.Len32(size) - 1
	if top > kcore.TLSFFLIndexMax {
		top = kcore.TLSFFLIndexMax
	}
	shift := top - kcore.TLSFSLIndexCountLog2
	if shift < 0 {
		shift = 0
	}
	sl = int((size >> uint(shift)) & uint32(slCount-1))
	return top, sl
}

// --- free list management ---

func (h *Heap) insertFree(off, size uint32) {
	fl, sl := mapping(size)
	head := h.freeHead[fl][sl]
	putFreeLink(h.data, off, noPrev, head)
	if head != noNext {
		_, headNext := getFreeLink(h.data, head)
		putFreeLink(h.data, head, off, headNext)
	}
	h.freeHead[fl][sl] = off
	h.flBitmap |= 1 << uint(fl)
	h.slBitmap[fl] |= 1 << uint(sl)
}

func (h *Heap) removeFree(off, size uint32) {
	fl, sl := mapping(size)
	prev, next := getFreeLink(h.data, off)
	if prev != noPrev {
		prevPrev, _ := getFreeLink(h.data, prev)
		putFreeLink(h.data, prev, prevPrev, next)
	} else {
		h.freeHead[fl][sl] = next
	}
	if next != noNext {
		_, nextNext := getFreeLink(h.data, next)
		putFreeLink(h.data, next, prev, nextNext)
	}
	if h.freeHead[fl][sl] == noNext {
		h.slBitmap[fl] &^= 1 << uint(sl)
		if h.slBitmap[fl] == 0 {
			h.flBitmap &^= 1 << uint(fl)
		}
	}
}

// findSuitable locates the smallest non-empty class able to satisfy size,
// returning its (fl, sl) and whether one was found.
func (h *Heap) findSuitable(size uint32) (fl, sl int, ok bool) {
	// Round size up to the start of the next class, so that every block
	// in the class found is at least size bytes.
	if top := bits.Len32(size) - 1; top > kcore.TLSFSLIndexCountLog2 {
		size += (1 << uint(top-kcore.TLSFSLIndexCountLog2)) - 1
	}
	fl, sl = mapping(size)

	slMask := h.slBitmap[fl] &^ ((1 << uint(sl)) - 1)
	if slMask != 0 {
		return fl, bits.TrailingZeros32(slMask), true
	}

	flMask := h.flBitmap &^ ((1 << uint(fl+1)) - 1)
	if flMask == 0 {
		return 0, 0, false
	}
	fl = bits.TrailingZeros32(flMask)
	sl = bits.TrailingZeros32(h.slBitmap[fl])
	return fl, sl, true
}

// --- allocation ---

func roundUp(v, unit uint32) uint32 {
	if v%unit == 0 {
		return v
	}
	return v - v%unit + unit
}

// Allocate rounds the request to the nearest class >= size and pops a
// block from it, splitting off any large-enough remainder back into its
// own class, per §4.3.
func (h *Heap) Allocate(layout kcore.Layout) (uintptr, error) {
	start := time.Now()
	align := uint32(layout.Align)
	if align < Granularity {
		align = Granularity
	}
	size := roundUp(uint32(layout.Size), Granularity)
	if size == 0 {
		size = Granularity
	}

	// Reserve room for alignment padding plus a recovery pad word when
	// align exceeds the natural 8-byte payload alignment every block
	// already has. Together they take at most align bytes: a payload that
	// is already aligned moves a whole align forward to fit the pad word.
	overhead := uint32(0)
	if align > Granularity {
		overhead = align
	}
	searchSize := size + overhead

	fl, sl, ok := h.findSuitable(searchSize)
	if !ok {
		h.metrics.RecordAllocFailure()
		return 0, kcore.NewError("Allocate", "tlsf", kcore.ErrCodeOutOfMemory, "no class large enough")
	}

	off := h.freeHead[fl][sl]
	_, blockSize := getWord(h.data, off)
	h.removeFree(off, blockSize)

	alignedStart := payloadOff(off)
	if align > Granularity {
		alignedStart = roundUp(payloadOff(off)+4, align)
	}
	usedSize := (alignedStart - payloadOff(off)) + size

	prev := getPrev(h.data, off)
	remainder := blockSize - usedSize
	// storedSize is whatever ends up in the header's size field: usedSize
	// when the remainder was large enough to split into its own free
	// block, or the whole original blockSize when it was absorbed as
	// internal fragmentation. Deallocate reads this same field back out of
	// the header, so RecordAlloc must record the same quantity or
	// alloc/dealloc byte accounting goes asymmetric.
	storedSize := blockSize
	if remainder >= headerSize+minFreePayload {
		putWord(h.data, off, true, usedSize)
		storedSize = usedSize
		newOff := off + headerSize + usedSize
		putPrev(h.data, newOff, off)
		newSize := remainder - headerSize
		putWord(h.data, newOff, false, newSize)
		h.insertFree(newOff, newSize)
		h.fixNextPrev(newOff, newSize)
	} else {
		putWord(h.data, off, true, blockSize)
	}
	putPrev(h.data, off, prev)

	if align > Granularity {
		padOff := alignedStart - 4
		wire.PutBackPointer(h.data[padOff:padOff+4], off)
	}

	h.metrics.RecordAlloc(uintptr(storedSize), time.Since(start))
	return uintptr(alignedStart), nil
}

// fixNextPrev updates the prev_phys_block link of whatever physically
// follows the block at off (size bytes of payload), since a split or
// merge may have moved the address of that block's immediate
// predecessor.
func (h *Heap) fixNextPrev(off, size uint32) {
	next := off + headerSize + size
	if next < h.top {
		putPrev(h.data, next, off)
	}
}

// headerOffset recovers a block's header offset from a payload pointer
// returned by Allocate, undoing either the plain fixed 8-byte back-step
// (align <= Granularity) or the recovery pad Allocate wrote just before
// the payload for larger alignments.
func (h *Heap) headerOffset(op string, offset uintptr, align uint32) (uint32, error) {
	if align > Granularity {
		if offset < 4 {
			return 0, kcore.NewError(op, "tlsf", kcore.ErrCodeInvalidArgument, "offset too small to carry a pad")
		}
		padOff := uint32(offset) - 4
		return wire.GetBackPointer(h.data[padOff : padOff+4]), nil
	}
	if offset < headerSize {
		return 0, kcore.NewError(op, "tlsf", kcore.ErrCodeInvalidArgument, "offset too small")
	}
	return uint32(offset) - headerSize, nil
}

// Deallocate marks the block Free, then merges with a physically
// abutting free predecessor and/or successor via the boundary tags, per
// §4.3.
func (h *Heap) Deallocate(offset uintptr, layout kcore.Layout) error {
	start := time.Now()
	off, err := h.headerOffset("Deallocate", offset, uint32(layout.Align))
	if err != nil {
		return err
	}

	used, size := getWord(h.data, off)
	if !used {
		return kcore.NewError("Deallocate", "tlsf", kcore.ErrCodeAliasingDetected, "double free or corrupted header")
	}

	mergedOff, mergedSize := off, size

	if prev := getPrev(h.data, mergedOff); prev != noPrev {
		pUsed, pSize := getWord(h.data, prev)
		if !pUsed {
			h.removeFree(prev, pSize)
			mergedSize = pSize + headerSize + mergedSize
			mergedOff = prev
		}
	}

	next := mergedOff + headerSize + mergedSize
	if next < h.top {
		nUsed, nSize := getWord(h.data, next)
		if !nUsed {
			h.removeFree(next, nSize)
			mergedSize = mergedSize + headerSize + nSize
		}
	}

	putWord(h.data, mergedOff, false, mergedSize)
	h.fixNextPrev(mergedOff, mergedSize)
	h.insertFree(mergedOff, mergedSize)

	h.metrics.RecordDealloc(uintptr(size), time.Since(start))
	return nil
}

// Reallocate tries to grow in place by coalescing with a physically
// following free block; otherwise it allocates fresh, copies
// min(old,new) bytes, and frees the original, per §4.3's reallocate.
func (h *Heap) Reallocate(offset uintptr, oldLayout, newLayout kcore.Layout) (uintptr, error) {
	off, err := h.headerOffset("Reallocate", offset, uint32(oldLayout.Align))
	if err != nil {
		return 0, err
	}
	used, oldSize := getWord(h.data, off)
	if !used {
		return 0, kcore.NewError("Reallocate", "tlsf", kcore.ErrCodeAliasingDetected, "reallocating a free block")
	}
	newSize := roundUp(uint32(newLayout.Size), Granularity)

	if newSize <= oldSize {
		return offset, nil
	}

	next := off + headerSize + oldSize
	if next < h.top {
		nUsed, nSize := getWord(h.data, next)
		if !nUsed && oldSize+headerSize+nSize >= newSize {
			h.removeFree(next, nSize)
			grown := oldSize + headerSize + nSize
			remainder := grown - newSize
			if remainder >= headerSize+minFreePayload {
				putWord(h.data, off, true, newSize)
				splitOff := off + headerSize + newSize
				putPrev(h.data, splitOff, off)
				putWord(h.data, splitOff, false, remainder-headerSize)
				h.insertFree(splitOff, remainder-headerSize)
				h.fixNextPrev(splitOff, remainder-headerSize)
			} else {
				putWord(h.data, off, true, grown)
			}
			return offset, nil
		}
	}

	newOff, err := h.Allocate(newLayout)
	if err != nil {
		return 0, err
	}
	copy(h.data[newOff:uint32(newOff)+oldSize], h.data[offset:uint32(offset)+oldSize])
	if err := h.Deallocate(offset, oldLayout); err != nil {
		return 0, err
	}
	return newOff, nil
}

// Extend grows the arena by n bytes, folding a sub-granularity remainder
// into pendingExtend, per §4.2's Extend (shared discipline with fl).
func (h *Heap) Extend(n uintptr) error {
	combined := h.pendingExtend + uint32(n)
	if combined < headerSize+minFreePayload {
		h.pendingExtend = combined
		return nil
	}
	usable := combined - (combined % Granularity)
	h.pendingExtend = combined % Granularity

	oldTop := h.top
	newLen := int(oldTop) + int(usable)
	if newLen > cap(h.data) {
		return kcore.NewError("Extend", "tlsf", kcore.ErrCodeOutOfMemory, "backing array has no spare capacity")
	}
	h.data = h.data[:newLen]
	h.top = uint32(newLen)

	size := usable - headerSize
	putWord(h.data, oldTop, false, size)
	// The new region's true physical predecessor is whatever block ends
	// exactly at oldTop; Extend doesn't track that without a backward
	// scan, so the region starts its own chain and only coalesces
	// forward until the next Deallocate touches its neighbor directly.
	putPrev(h.data, oldTop, noPrev)

	h.insertFree(oldTop, size)
	return nil
}

// MemoryInfo reports total/used/max-used bytes, derived from Metrics.
func (h *Heap) MemoryInfo() kcore.MemoryInfo {
	snap := h.metrics.Snapshot()
	return kcore.MemoryInfo{
		Total:   uintptr(len(h.data)),
		Used:    uintptr(snap.BytesInUse),
		MaxUsed: uintptr(snap.MaxBytesInUse),
	}
}
