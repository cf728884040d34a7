// Package futex implements the atomic wait/wake primitive the serial TTY
// core uses for its RX/TX ring buffers: 0 means "no waiter or no progress
// pending", any non-zero value wakes one waiter. Implemented over a raw
// Linux FUTEX_WAIT/FUTEX_WAKE syscall via golang.org/x/sys/unix, the same
// contract the Go runtime's own futex-based mutex relies on.
package futex

import (
	"context"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-kcore"
)

// Word is a 32-bit futex word. Zero means no waiter/no wake pending.
type Word struct {
	v atomic.Uint32
}

// Wake sets the word to a non-zero value and wakes up to n waiters blocked
// in Wait. Called from ISR context (recvchars/xmitchars) so it must not
// block.
func (w *Word) Wake(n int) {
	w.v.Store(1)
	futexWake(&w.v, n)
}

// Wait blocks until the word becomes non-zero or ctx is done, then resets
// it to zero (consuming the wake) and returns nil. If ctx is done first it
// returns a kcore.Error with ErrCodeTimedOut.
func (w *Word) Wait(ctx context.Context) error {
	for i := 0; i < kcore.FutexSpinBeforeWait; i++ {
		if w.v.CompareAndSwap(1, 0) {
			return nil
		}
		if ctx.Err() != nil {
			return kcore.NewError("Wait", "futex", kcore.ErrCodeTimedOut, "context done")
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return kcore.NewError("Wait", "futex", kcore.ErrCodeTimedOut, "context done")
		}
		cur := w.v.Load()
		if cur != 0 {
			if w.v.CompareAndSwap(cur, 0) {
				return nil
			}
			continue
		}
		futexWait(&w.v, 0, kcore.FutexWaitPollInterval)
	}
}

// futexWait issues a FUTEX_WAIT syscall: blocks while *addr == expected,
// for at most timeout. ETIMEDOUT/EAGAIN/EINTR are all treated as "re-check
// the caller's loop condition", matching the Go runtime's own
// futexsleep/futexwakeup contract.
func futexWait(addr *atomic.Uint32, expected uint32, timeout time.Duration) {
	ts := unix.Timespec{
		Sec:  int64(timeout / time.Second),
		Nsec: int64(timeout % time.Second),
	}
	ptr := (*uint32)(unsafe.Pointer(addr))
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(ptr)),
		uintptr(unix.FUTEX_WAIT),
		uintptr(expected),
		uintptr(unsafe.Pointer(&ts)),
		0, 0,
	)
}

func futexWake(addr *atomic.Uint32, n int) {
	ptr := (*uint32)(unsafe.Pointer(addr))
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(ptr)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(n),
		0, 0, 0,
	)
}
