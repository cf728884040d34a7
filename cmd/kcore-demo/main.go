// Command kcore-demo exercises the fl/tlsf allocators, the ilist-backed
// per-CPU runqueues, and the serial TTY core end to end in a single
// process: flag parsing, size formatting, logging setup, signal
// handling, and a summary print at the end of each subsystem demo.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/behrlich/go-kcore"
	"github.com/behrlich/go-kcore/buffer"
	"github.com/behrlich/go-kcore/fl"
	"github.com/behrlich/go-kcore/ilist"
	"github.com/behrlich/go-kcore/internal/logging"
	"github.com/behrlich/go-kcore/internal/percpu"
	"github.com/behrlich/go-kcore/serial"
	"github.com/behrlich/go-kcore/tlsf"
)

func main() {
	var (
		arenaStr = flag.String("arena", "1M", "Size of each allocator arena (e.g. 64K, 1M)")
		tasks    = flag.Int("tasks", 64, "Number of allocations and scheduler tasks to run")
		cpus     = flag.Int("cpus", 4, "Number of per-CPU runqueue slots")
		message  = flag.String("message", "hello kcore", "Message looped through the serial core")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	arenaSize, err := parseSize(*arenaStr)
	if err != nil {
		log.Fatalf("invalid arena size %q: %v", *arenaStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	fmt.Printf("kcore-demo: arena=%s tasks=%d cpus=%d\n", formatSize(arenaSize), *tasks, *cpus)

	runAllocatorDemo("fl", fl.New(buffer.New(make([]byte, arenaSize))), *tasks)
	runAllocatorDemo("tlsf", tlsf.New(make([]byte, arenaSize)), *tasks)

	runSchedulerDemo(ctx, *cpus, *tasks)

	if err := runSerialDemo(ctx, *message); err != nil {
		logger.Error("serial demo failed", "error", err)
		os.Exit(1)
	}

	fmt.Println("\nkcore-demo completed")
}

// runAllocatorDemo drives a fixed pattern of allocate/deallocate calls
// through an Allocator, then prints its usage and latency counters.
func runAllocatorDemo(name string, a kcore.Allocator, tasks int) {
	sizes := []uintptr{16, 64, 256}
	var offsets []uintptr
	for i := 0; i < tasks; i++ {
		layout := kcore.NewLayout(sizes[i%len(sizes)], 8)
		off, err := a.Allocate(layout)
		if err != nil {
			fmt.Printf("%s: allocate #%d failed: %v\n", name, i, err)
			break
		}
		offsets = append(offsets, off)
	}
	for i, off := range offsets {
		layout := kcore.NewLayout(sizes[i%len(sizes)], 8)
		if err := a.Deallocate(off, layout); err != nil {
			fmt.Printf("%s: deallocate #%d failed: %v\n", name, i, err)
		}
	}
	info := a.MemoryInfo()
	fmt.Printf("%s: allocated+freed %d blocks, total=%d used=%d maxUsed=%d\n",
		name, len(offsets), info.Total, info.Used, info.MaxUsed)
}

// runSchedulerDemo enqueues tasks round-robin across a per-CPU table and
// runs workers until every task has been observed or ctx is canceled.
func runSchedulerDemo(ctx context.Context, cpus, tasks int) {
	table := percpu.NewTable(cpus)
	for i := 0; i < tasks; i++ {
		cpu := table.CPU(i % table.Len())
		if err := cpu.Enqueue(ilist.NewNode(i)); err != nil {
			fmt.Printf("scheduler: enqueue #%d failed: %v\n", i, err)
		}
	}

	var processed atomic.Int64
	stop := percpu.StartAll(table, false, func(*ilist.Node) {
		processed.Add(1)
	})

	deadline := time.After(2 * time.Second)
	for processed.Load() < int64(tasks) {
		select {
		case <-deadline:
			stop()
			fmt.Printf("scheduler: processed %d/%d tasks before timeout\n", processed.Load(), tasks)
			return
		case <-ctx.Done():
			stop()
			fmt.Printf("scheduler: canceled after %d/%d tasks\n", processed.Load(), tasks)
			return
		case <-time.After(time.Millisecond):
		}
	}
	stop()
	fmt.Printf("scheduler: processed all %d tasks across %d cpus\n", tasks, cpus)
}

// loopbackUart implements kcore.UartOps over an in-process byte queue:
// whatever Write hands to the "wire" becomes readable again via
// ReadReady/Read, simulating a UART wired to its own RX pin.
type loopbackUart struct {
	mu      sync.Mutex
	pending []byte
}

func (l *loopbackUart) Setup(t *kcore.Termios) error { return nil }
func (l *loopbackUart) Shutdown() error              { return nil }

func (l *loopbackUart) ReadByte() (byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return 0, kcore.NewError("ReadByte", "loopback", kcore.ErrCodeDeviceError, "no data pending")
	}
	b := l.pending[0]
	l.pending = l.pending[1:]
	return b, nil
}

func (l *loopbackUart) WriteByte(b byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, b)
	return nil
}

func (l *loopbackUart) WriteString(s string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, s...)
	return nil
}

func (l *loopbackUart) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := copy(p, l.pending)
	l.pending = l.pending[n:]
	return n, nil
}

func (l *loopbackUart) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, p...)
	return len(p), nil
}

func (l *loopbackUart) ReadReady() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) > 0, nil
}

func (l *loopbackUart) WriteReady() (bool, error)           { return true, nil }
func (l *loopbackUart) Ioctl(req uint32, arg uintptr) error { return nil }
func (l *loopbackUart) SetRxInterrupt(enable bool)          {}
func (l *loopbackUart) SetTxInterrupt(enable bool)          {}
func (l *loopbackUart) ClearRxInterrupt()                   {}
func (l *loopbackUart) ClearTxInterrupt()                   {}

var _ kcore.UartOps = (*loopbackUart)(nil)

// runSerialDemo opens a loopback Serial, writes msg, pumps the TX
// interrupt until it drains, then pumps the RX interrupt to read the
// looped-back bytes back out.
func runSerialDemo(ctx context.Context, msg string) error {
	uart := &loopbackUart{}
	s := serial.New(0, uart, serial.Config{RxDepth: 256, TxDepth: 256})

	if err := s.Open(ctx); err != nil {
		return err
	}
	defer s.Close(ctx)

	writeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := s.Write(writeCtx, []byte(msg)); err != nil {
		return err
	}
	for s.XmitChars() {
	}
	s.RecvChars()

	readCtx, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	buf := make([]byte, len(msg))
	n, err := s.Read(readCtx, buf)
	if err != nil {
		return err
	}

	snap := s.Metrics().Snapshot()
	fmt.Printf("serial: looped back %q (rx=%d tx=%d rxOverruns=%d)\n",
		string(buf[:n]), snap.RxBytes, snap.TxBytes, snap.RxOverruns)
	return nil
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return int(num * multiplier), nil
}

// formatSize formats a byte count as a human-readable string.
func formatSize(bytes int) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := int64(bytes) / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
