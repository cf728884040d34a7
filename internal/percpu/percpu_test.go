package percpu

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/behrlich/go-kcore/ilist"
)

func TestTableEnqueueDequeue(t *testing.T) {
	tbl := NewTable(4)
	if tbl.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", tbl.Len())
	}
	cpu := tbl.CPU(0)
	if cpu == nil {
		t.Fatal("CPU(0) returned nil")
	}
	if err := cpu.Enqueue(ilist.NewNode("task-a")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !cpu.Ready() {
		t.Errorf("Ready() = false after Enqueue")
	}
	n := cpu.Dequeue()
	if n == nil || n.Object != "task-a" {
		t.Fatalf("Dequeue() = %v, want task-a", n)
	}
	if cpu.Ready() {
		t.Errorf("Ready() = true after draining runqueue")
	}
}

func TestTableCapsAtPerCPUTableSize(t *testing.T) {
	tbl := NewTable(1000)
	if tbl.Len() != 64 {
		t.Errorf("Len() = %d, want capped at 64", tbl.Len())
	}
}

func TestWorkerRunsEnqueuedTasks(t *testing.T) {
	tbl := NewTable(1)
	cpu := tbl.CPU(0)
	cpu.Enqueue(ilist.NewNode(1))
	cpu.Enqueue(ilist.NewNode(2))

	var mu sync.Mutex
	var seen []int

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	w := NewWorker(cpu)
	go w.Run(ctx, false, func(n *ilist.Node) {
		mu.Lock()
		seen = append(seen, n.Object.(int))
		mu.Unlock()
	}, func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}
	})

	<-ctx.Done()
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("seen = %v, want 2 tasks processed", seen)
	}
}
