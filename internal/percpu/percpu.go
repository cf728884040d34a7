// Package percpu supplies per-CPU runqueue scaffolding: one idle worker
// and a ready flag per logical CPU, a fixed-size table, single
// construction at startup. Each worker runs as one runtime.LockOSThread'd
// goroutine, optionally pinned via unix.SchedSetaffinity, selecting on
// ctx.Done() between runqueue drains. Each worker owns one ilist.List as
// its runqueue, giving ilist a second exerciser beyond the
// allocator-facing tests.
package percpu

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-kcore"
	"github.com/behrlich/go-kcore/ilist"
	"github.com/behrlich/go-kcore/internal/logging"
)

// Table is the fixed-size per-CPU table: one runqueue and one "ready"
// flag per logical CPU, indexed by cpu id, initialized once at
// construction and read-mostly thereafter.
type Table struct {
	slots []*CPU
	log   *logging.Logger
}

// CPU is one per-CPU slot: its runqueue and whether it currently has work.
type CPU struct {
	ID      int
	Runqueue *ilist.List
	ready   atomic.Bool
}

// NewTable builds a Table with n slots (capped at kcore.PerCPUTableSize),
// each with its own empty runqueue.
func NewTable(n int) *Table {
	if n > kcore.PerCPUTableSize {
		n = kcore.PerCPUTableSize
	}
	t := &Table{log: logging.Default()}
	for i := 0; i < n; i++ {
		t.slots = append(t.slots, &CPU{ID: i, Runqueue: ilist.New()})
	}
	return t
}

// CPU returns the slot for id, or nil if out of range.
func (t *Table) CPU(id int) *CPU {
	if id < 0 || id >= len(t.slots) {
		return nil
	}
	return t.slots[id]
}

// Len returns the number of CPU slots in the table.
func (t *Table) Len() int {
	return len(t.slots)
}

// Enqueue pushes task onto cpu's runqueue and marks it ready.
func (c *CPU) Enqueue(task *ilist.Node) error {
	if err := c.Runqueue.PushBack(task); err != nil {
		return err
	}
	c.ready.Store(true)
	return nil
}

// Dequeue pops the next task from cpu's runqueue, clearing ready if it
// drains the queue.
func (c *CPU) Dequeue() *ilist.Node {
	n := c.Runqueue.PopFront()
	if n == nil || c.Runqueue.IsEmpty() {
		c.ready.Store(false)
	}
	return n
}

// Ready reports whether the CPU's runqueue had work as of the last
// Enqueue/Dequeue — a best-effort hint, not a synchronization point.
func (c *CPU) Ready() bool {
	return c.ready.Load()
}

// Worker runs one per-CPU idle loop: while the context is live, it drains
// ready tasks from its CPU's runqueue via run, otherwise parks on
// idleWait. Pinned to its logical CPU via unix.SchedSetaffinity when
// pin is true.
type Worker struct {
	cpu *CPU
	log *logging.Logger
}

// NewWorker returns a Worker for the given CPU slot.
func NewWorker(cpu *CPU) *Worker {
	return &Worker{cpu: cpu, log: logging.Default()}
}

// Run locks the calling goroutine to its OS thread, optionally pins it to
// w.cpu.ID, then loops calling run(task) for every task popped from the
// runqueue until ctx is done. idleWait is called (and its error ignored)
// whenever the runqueue is empty, giving the caller a place to park
// (e.g. a blocking wait on a scheduler wakeup primitive) instead of
// spinning.
func (w *Worker) Run(ctx context.Context, pin bool, run func(*ilist.Node), idleWait func(context.Context)) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if pin {
		var set unix.CPUSet
		set.Zero()
		set.Set(w.cpu.ID)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			w.log.Warn("failed to pin worker to cpu", "cpu", w.cpu.ID, "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		task := w.cpu.Dequeue()
		if task == nil {
			if idleWait != nil {
				idleWait(ctx)
			}
			continue
		}
		run(task)
	}
}

// StartAll launches one Worker goroutine per table slot and returns a
// stop function that cancels them and waits for exit.
func StartAll(t *Table, pin bool, run func(*ilist.Node)) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, cpu := range t.slots {
		wg.Add(1)
		go func(cpu *CPU) {
			defer wg.Done()
			w := NewWorker(cpu)
			_ = w.Run(ctx, pin, run, func(ctx context.Context) {
				// idle: nothing queued, yield briefly and re-poll.
				select {
				case <-ctx.Done():
				case <-time.After(time.Millisecond):
				}
			})
		}(cpu)
	}
	return func() {
		cancel()
		wg.Wait()
	}
}

// String implements fmt.Stringer for debug logging of a CPU slot.
func (c *CPU) String() string {
	return fmt.Sprintf("cpu[%d] ready=%v", c.ID, c.Ready())
}
