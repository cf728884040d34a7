// Package buffer implements the Entry block header codec and the Buffer
// byte arena the fl allocator builds on.
package buffer

import (
	"github.com/behrlich/go-kcore/internal/wire"
)

// HeaderSize is sizeof(Entry): a fixed 4 bytes.
const HeaderSize = wire.HeaderSize

// Granularity is the alignment of every Entry and the unit every payload
// size is rounded to.
const Granularity = 4

// ValidatedOffset is a byte offset into a Buffer meant to point at a valid
// Entry header. Buffer.Entries, Iter.Next, Buffer.FollowingOffset and
// Buffer.FollowingFreeEntry produce them by walking the tiling; the fl
// allocator also converts the hole offsets it tracks itself. This is the
// Go analog of the Rust original's newtype-wrapped validated index.
type ValidatedOffset uintptr

// Entry is the decoded form of a 4-byte block header: a free/used state
// bit plus the payload size following the header (not including the
// header itself).
type Entry struct {
	Used bool
	Size uint32
}

// Buffer is an aligned-to-4 byte arena of exactly N bytes (N >= 4, N % 4
// == 0), tiled end to end by Entry headers and their payloads.
type Buffer struct {
	data []byte
}

// New wraps data as a Buffer. len(data) must already satisfy the N >= 4,
// N % 4 == 0 invariant; callers that own raw pages (internal/hostmem)
// enforce this when sizing the arena.
func New(data []byte) *Buffer {
	if len(data) < HeaderSize || len(data)%Granularity != 0 {
		panic("buffer: size must be >= 4 and a multiple of 4")
	}
	return &Buffer{data: data}
}

// Len returns N, the total arena size including all headers.
func (b *Buffer) Len() int {
	return len(b.data)
}

// EnsureInitialization writes a single free Entry spanning the whole
// buffer if the first four bytes are still zero (the buffer's rest state);
// otherwise it is a no-op. This lets a Buffer be placed in storage that
// starts zeroed without having to write an N-byte zero image up front.
func (b *Buffer) EnsureInitialization() {
	if b.data[0] == 0 && b.data[1] == 0 && b.data[2] == 0 && b.data[3] == 0 {
		wire.PutHeader(b.data[0:HeaderSize], false, uint32(len(b.data))-HeaderSize)
	}
}

// At decodes the Entry header at off.
func (b *Buffer) At(off ValidatedOffset) Entry {
	used, size := wire.GetHeader(b.data[off : off+HeaderSize])
	return Entry{Used: used, Size: size}
}

// PayloadOf returns the payload bytes following the header at off.
func (b *Buffer) PayloadOf(off ValidatedOffset) []byte {
	e := b.At(off)
	start := int(off) + HeaderSize
	return b.data[start : start+int(e.Size)]
}

// MarkAsUsed requires header(off).Used == false and header(off).Size >=
// size. It writes a Used(size) header in place; if the leftover
// (oldSize - size) is large enough to host a header plus the minimum
// payload (HeaderSize + Granularity), it writes a Free header for the
// remainder immediately after. Otherwise the leftover bytes become
// internal fragmentation of the used block.
func (b *Buffer) MarkAsUsed(off ValidatedOffset, size uint32) {
	e := b.At(off)
	if e.Used || e.Size < size {
		panic("buffer: MarkAsUsed precondition violated")
	}
	remainder := e.Size - size
	if remainder >= HeaderSize+Granularity {
		wire.PutHeader(b.data[off:off+HeaderSize], true, size)
		nextOff := off + HeaderSize + ValidatedOffset(size)
		wire.PutHeader(b.data[nextOff:nextOff+HeaderSize], false, remainder-HeaderSize)
	} else {
		wire.PutHeader(b.data[off:off+HeaderSize], true, e.Size)
	}
}

// MarkAsFree writes a Free(size) header at off, used by deallocation paths
// once a coalesced block's final size is known.
func (b *Buffer) MarkAsFree(off ValidatedOffset, size uint32) {
	wire.PutHeader(b.data[off:off+HeaderSize], false, size)
}

// FollowingOffset computes the offset immediately after the block at off,
// or false if that would be past N-4 (no further header fits).
func (b *Buffer) FollowingOffset(off ValidatedOffset) (ValidatedOffset, bool) {
	e := b.At(off)
	next := off + HeaderSize + ValidatedOffset(e.Size)
	if uintptr(next) > uintptr(len(b.data))-HeaderSize {
		return 0, false
	}
	return next, true
}

// FollowingFreeEntry returns the ValidatedOffset of the next block after
// off if it exists and is Free.
func (b *Buffer) FollowingFreeEntry(off ValidatedOffset) (ValidatedOffset, bool) {
	next, ok := b.FollowingOffset(off)
	if !ok {
		return 0, false
	}
	if b.At(next).Used {
		return 0, false
	}
	return next, true
}

// Entries returns every ValidatedOffset in the buffer, starting at 0 and
// stepping by header.Size + 4 until stepping would cross N - 4.
func (b *Buffer) Entries() []ValidatedOffset {
	var out []ValidatedOffset
	off := ValidatedOffset(0)
	for {
		out = append(out, off)
		next, ok := b.FollowingOffset(off)
		if !ok {
			break
		}
		off = next
	}
	return out
}

// Iter returns a stateful iterator equivalent to Entries without the
// intermediate allocation, for allocator hot paths that want to break
// early.
type Iter struct {
	b   *Buffer
	off ValidatedOffset
	ok  bool
}

// NewIter begins iteration at offset 0.
func (b *Buffer) NewIter() *Iter {
	return &Iter{b: b, off: 0, ok: true}
}

// Next returns the current offset and advances; ok is false once the
// buffer is exhausted.
func (it *Iter) Next() (ValidatedOffset, bool) {
	if !it.ok {
		return 0, false
	}
	cur := it.off
	next, more := it.b.FollowingOffset(cur)
	it.off = next
	it.ok = more
	return cur, true
}

// Grow extends the buffer by extra bytes, reslicing into spare capacity of
// the backing array. It panics if the backing array lacks the capacity —
// callers that need growth (fl's Extend) must hand in a slice with spare
// capacity, mirroring a kernel arena that extends into
// already-mapped-but-unused virtual memory rather than relocating.
func (b *Buffer) Grow(extra int) {
	if extra%Granularity != 0 {
		panic("buffer: Grow amount must be a multiple of Granularity")
	}
	newLen := len(b.data) + extra
	if newLen > cap(b.data) {
		panic("buffer: Grow exceeds backing array capacity")
	}
	b.data = b.data[:newLen]
}

// Raw exposes the backing slice for the allocator packages that need to
// write headers/back-pointers at offsets the allocator itself computed
// (not produced by Entries/FollowingFreeEntry) — e.g. a newly split hole's
// tail. Still bounds-checked by the slice itself.
func (b *Buffer) Raw() []byte {
	return b.data
}
