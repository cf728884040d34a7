// Package fl implements the embedded free-list allocator: a first-fit
// allocator whose free "holes" occupy the memory they describe, threaded
// into a sorted-by-address singly-linked list. Rather than patching raw
// pointers in place, this patches buffer.ValidatedOffset-indexed bytes,
// since Go cannot take the address of a struct embedded inside a []byte.
package fl

import (
	"time"

	"github.com/behrlich/go-kcore"
	"github.com/behrlich/go-kcore/buffer"
	"github.com/behrlich/go-kcore/internal/logging"
	"github.com/behrlich/go-kcore/internal/wire"
)

const (
	// HeaderSize mirrors buffer.HeaderSize; the free-list builds directly
	// on the Buffer/Entry tiling from §4.1.
	HeaderSize = buffer.HeaderSize
	// Granularity is the allocation rounding unit and minimum alignment.
	Granularity = buffer.Granularity
	// padSize is sizeof(UsedBlockPad): one back-pointer word recording the
	// real header offset so Deallocate can recover it from a bare payload
	// pointer.
	padSize = 4
)

// noNext marks the end of the free-hole list.
const noNext = ^uint32(0)

// List is the embedded free-list allocator over a buffer.Buffer.
type List struct {
	buf           *buffer.Buffer
	head          uint32
	top           uint32
	pendingExtend uint32
	metrics       *kcore.Metrics
	log           *logging.Logger
}

var _ kcore.Allocator = (*List)(nil)

// New wraps buf as a free-list allocator. buf is initialized (via
// EnsureInitialization) as a single free hole spanning the whole buffer.
func New(buf *buffer.Buffer) *List {
	buf.EnsureInitialization()
	l := &List{
		buf:     buf,
		head:    0,
		top:     uint32(buf.Len()),
		metrics: kcore.NewMetrics(),
		log:     logging.Default(),
	}
	writeNext(buf, 0, noNext)
	return l
}

// Metrics returns the allocator's counters.
func (l *List) Metrics() *kcore.Metrics {
	return l.metrics
}

func readNext(buf *buffer.Buffer, holeOff uint32) uint32 {
	payload := buf.PayloadOf(buffer.ValidatedOffset(holeOff))
	return wire.GetBackPointer(payload[:padSize])
}

func writeNext(buf *buffer.Buffer, holeOff uint32, next uint32) {
	payload := buf.PayloadOf(buffer.ValidatedOffset(holeOff))
	wire.PutBackPointer(payload[:padSize], next)
}

func roundUp(v, unit uint32) uint32 {
	if v%unit == 0 {
		return v
	}
	return v - v%unit + unit
}

// Allocate finds the first hole able to satisfy layout after alignment
// overhead and a UsedBlockPad, per §4.2.
func (l *List) Allocate(layout kcore.Layout) (uintptr, error) {
	start := time.Now()
	align := uint32(layout.Align)
	if align < Granularity {
		align = Granularity
	}
	size := roundUp(uint32(layout.Size), Granularity)
	if size == 0 {
		size = Granularity
	}

	var prev uint32 = noNext
	cur := l.head
	for cur != noNext {
		next := readNext(l.buf, cur)
		e := l.buf.At(buffer.ValidatedOffset(cur))
		payloadStart := cur + HeaderSize
		alignedStart := roundUp(payloadStart+padSize, align)
		usedPayloadLen := (alignedStart - payloadStart) + size

		if e.Size < usedPayloadLen {
			prev = cur
			cur = next
			continue
		}

		splitHappened := e.Size-usedPayloadLen >= HeaderSize+Granularity
		l.buf.MarkAsUsed(buffer.ValidatedOffset(cur), usedPayloadLen)

		// storedSize is whatever buf.MarkAsUsed actually wrote into the
		// header: usedPayloadLen when it split off a trailing free hole,
		// or the whole original hole size when the leftover was too small
		// to split and got absorbed as internal fragmentation. Deallocate
		// later reads this same stored size back out of the header, so
		// recording anything else here would make alloc/dealloc byte
		// accounting asymmetric.
		storedSize := e.Size
		if splitHappened {
			storedSize = usedPayloadLen
		}

		var successor uint32
		if splitHappened {
			// A fresh trailing free hole was carved immediately after the
			// used block. It takes cur's old slot in the list.
			trailingOff := cur + HeaderSize + usedPayloadLen
			writeNext(l.buf, trailingOff, next)
			successor = trailingOff
		} else {
			// Absorbed: the whole hole (plus any sub-granularity
			// fragment) became one used block.
			successor = next
		}

		if prev == noNext {
			l.head = successor
		} else {
			writeNext(l.buf, prev, successor)
		}

		padOff := alignedStart - padSize
		wire.PutBackPointer(l.buf.Raw()[padOff:padOff+padSize], cur)

		l.metrics.RecordAlloc(uintptr(storedSize), time.Since(start))
		return uintptr(alignedStart), nil
	}

	l.metrics.RecordAllocFailure()
	return 0, kcore.NewError("Allocate", "fl", kcore.ErrCodeOutOfMemory, "no hole large enough")
}

// Deallocate recovers the header via the UsedBlockPad, reverts it to Free,
// and performs up to two adjacency merges per §4.2.
func (l *List) Deallocate(offset uintptr, layout kcore.Layout) error {
	start := time.Now()
	if offset < padSize {
		return kcore.NewError("Deallocate", "fl", kcore.ErrCodeInvalidArgument, "offset too small to carry a pad")
	}
	padOff := uint32(offset) - padSize
	headerOff := wire.GetBackPointer(l.buf.Raw()[padOff : padOff+padSize])

	e := l.buf.At(buffer.ValidatedOffset(headerOff))
	if !e.Used {
		return kcore.NewError("Deallocate", "fl", kcore.ErrCodeAliasingDetected, "double free or corrupted header")
	}

	size := e.Size
	l.buf.MarkAsFree(buffer.ValidatedOffset(headerOff), size)
	l.insertAndMerge(headerOff)

	l.metrics.RecordDealloc(uintptr(size), time.Since(start))
	return nil
}

// insertAndMerge walks the sorted free list to find newOff's slot, then
// merges with a physically-abutting predecessor and/or successor.
func (l *List) insertAndMerge(newOff uint32) {
	var prev uint32 = noNext
	cur := l.head
	for cur != noNext && cur < newOff {
		prev = cur
		cur = readNext(l.buf, cur)
	}

	merged := newOff
	mergedEntry := l.buf.At(buffer.ValidatedOffset(newOff))

	if prev != noNext {
		prevEntry := l.buf.At(buffer.ValidatedOffset(prev))
		if prev+HeaderSize+prevEntry.Size == newOff {
			newSize := prevEntry.Size + HeaderSize + mergedEntry.Size
			l.buf.MarkAsFree(buffer.ValidatedOffset(prev), newSize)
			merged = prev
			mergedEntry = l.buf.At(buffer.ValidatedOffset(prev))
		}
	}

	if cur != noNext {
		if merged+HeaderSize+mergedEntry.Size == cur {
			curEntry := l.buf.At(buffer.ValidatedOffset(cur))
			newSize := mergedEntry.Size + HeaderSize + curEntry.Size
			l.buf.MarkAsFree(buffer.ValidatedOffset(merged), newSize)
			cur = readNext(l.buf, cur)
		}
	}

	if merged == prev {
		writeNext(l.buf, prev, cur)
		return
	}

	writeNext(l.buf, merged, cur)
	if prev == noNext {
		l.head = merged
	} else {
		writeNext(l.buf, prev, merged)
	}
}

// Extend grows the arena by n bytes, folding any sub-granularity
// remainder into pendingExtend for a future call, per §4.2.
func (l *List) Extend(n uintptr) error {
	combined := l.pendingExtend + uint32(n)
	if combined < buffer.HeaderSize+Granularity {
		l.pendingExtend = combined
		return nil
	}
	usable := combined - (combined % Granularity)
	l.pendingExtend = combined % Granularity

	oldTop := l.top
	l.buf.Grow(int(usable))
	l.buf.MarkAsFree(buffer.ValidatedOffset(oldTop), usable-HeaderSize)
	l.top = oldTop + usable
	l.insertAndMerge(oldTop)
	return nil
}

// MemoryInfo reports total/used/max-used bytes, derived from Metrics.
func (l *List) MemoryInfo() kcore.MemoryInfo {
	snap := l.metrics.Snapshot()
	return kcore.MemoryInfo{
		Total:   uintptr(l.buf.Len()),
		Used:    uintptr(snap.BytesInUse),
		MaxUsed: uintptr(snap.MaxBytesInUse),
	}
}
