package buffer

import "testing"

func newTestBuffer(n int) *Buffer {
	b := New(make([]byte, n))
	b.EnsureInitialization()
	return b
}

func TestEnsureInitializationIsNoOpWhenAlreadyInitialized(t *testing.T) {
	b := newTestBuffer(64)
	e := b.At(0)
	if e.Used || e.Size != 60 {
		t.Fatalf("At(0) = %+v, want Free(60)", e)
	}
	b.EnsureInitialization()
	e2 := b.At(0)
	if e2 != e {
		t.Errorf("EnsureInitialization mutated an already-initialized buffer")
	}
}

func TestTilingWalksExactlyToEnd(t *testing.T) {
	b := newTestBuffer(64)
	b.MarkAsUsed(0, 16)
	offsets := b.Entries()
	last := offsets[len(offsets)-1]
	next, ok := b.FollowingOffset(last)
	if ok {
		t.Errorf("FollowingOffset(last) = (%d, true), want no more entries", next)
	}
	// Walking by header.Size+4 from 0 must land exactly on N.
	total := 0
	for _, off := range offsets {
		total += HeaderSize + int(b.At(off).Size)
	}
	if total != b.Len() {
		t.Errorf("entries tile %d bytes, want %d", total, b.Len())
	}
}

func TestMarkAsUsedSplitsWhenRemainderIsLargeEnough(t *testing.T) {
	b := newTestBuffer(64) // payload 60
	b.MarkAsUsed(0, 16)
	e := b.At(0)
	if !e.Used || e.Size != 16 {
		t.Fatalf("At(0) = %+v, want Used(16)", e)
	}
	next, ok := b.FollowingOffset(0)
	if !ok {
		t.Fatal("expected a remainder free block")
	}
	rem := b.At(next)
	if rem.Used || rem.Size != 60-16-HeaderSize {
		t.Errorf("remainder = %+v, want Free(%d)", rem, 60-16-HeaderSize)
	}
}

func TestMarkAsUsedKeepsFragmentWhenRemainderTooSmall(t *testing.T) {
	b := newTestBuffer(16) // payload 12
	b.MarkAsUsed(0, 10)    // remainder = 2, too small for header+granularity
	e := b.At(0)
	if !e.Used || e.Size != 12 {
		t.Errorf("At(0) = %+v, want Used(12) (fragment absorbed)", e)
	}
	if _, ok := b.FollowingOffset(0); ok {
		t.Errorf("expected no following entry once fragment absorbed")
	}
}

func TestFollowingFreeEntry(t *testing.T) {
	b := newTestBuffer(64)
	b.MarkAsUsed(0, 16)
	next, ok := b.FollowingFreeEntry(0)
	if !ok {
		t.Fatal("expected a following free entry")
	}
	if b.At(next).Used {
		t.Errorf("FollowingFreeEntry returned a used block")
	}
}

func TestIterMatchesEntries(t *testing.T) {
	b := newTestBuffer(64)
	b.MarkAsUsed(0, 16)

	want := b.Entries()
	it := b.NewIter()
	var got []ValidatedOffset
	for {
		off, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, off)
	}
	if len(got) != len(want) {
		t.Fatalf("Iter produced %d offsets, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("offset[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestNewPanicsOnBadSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("New(misaligned) did not panic")
		}
	}()
	New(make([]byte, 7))
}
