// Package serial implements a buffered TTY core: a UART bridged to user
// threads via two lock-free SPSC ring buffers (RX fed by the ISR, TX
// drained by the ISR) and a futex-style wait/wake primitive.
package serial

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/behrlich/go-kcore"
	"github.com/behrlich/go-kcore/internal/device"
	"github.com/behrlich/go-kcore/internal/futex"
	"github.com/behrlich/go-kcore/internal/logging"
)

// fifo pairs a ring buffer with the futex word waiters block on.
type fifo struct {
	ring  *ring
	futex futex.Word
}

// Config sizes a Serial's RX/TX FIFOs and the line configuration applied
// on open. Depths must be powers of two; zero-valued fields fall back to
// kcore.DefaultSerialFIFODepth / kcore.DefaultTermios.
type Config struct {
	RxDepth int
	TxDepth int
	Termios kcore.Termios
}

func (c Config) withDefaults() Config {
	if c.RxDepth == 0 {
		c.RxDepth = kcore.DefaultSerialFIFODepth
	}
	if c.TxDepth == 0 {
		c.TxDepth = kcore.DefaultSerialFIFODepth
	}
	if c.Termios == (kcore.Termios{}) {
		c.Termios = kcore.DefaultTermios()
	}
	return c
}

// Serial is the buffered TTY core: lifecycle, index, rx/tx fifos, and the
// UART driver backing them. uartMu stands in for the original's
// spinlock-guarded uart_ops: every UartOps call, whether from Open/Close,
// Ioctl, or the ISR-callable RecvChars/XmitChars, runs with it held. No
// termios line-discipline layer (canonical mode, echo) — this stays below
// any string/formatting glue.
type Serial struct {
	index   uint32
	termios kcore.Termios
	rx      *fifo
	tx      *fifo
	uart    kcore.UartOps
	uartMu  sync.Mutex
	life    *device.Lifecycle
	metrics *kcore.Metrics
	log     *logging.Logger
}

var _ kcore.Device = (*Serial)(nil)

// New builds a Serial bridging uart, identified as ttySN where N = index.
func New(index uint32, uart kcore.UartOps, cfg Config) *Serial {
	cfg = cfg.withDefaults()
	return &Serial{
		index:   index,
		termios: cfg.Termios,
		rx:      &fifo{ring: newRing(cfg.RxDepth)},
		tx:      &fifo{ring: newRing(cfg.TxDepth)},
		uart:    uart,
		life:    device.New("serial"),
		metrics: kcore.NewMetrics(),
		log:     logging.Default(),
	}
}

func (s *Serial) Name() string  { return fmt.Sprintf("ttyS%d", s.index) }
func (s *Serial) Class() string { return "serial" }
func (s *Serial) ID() uint32    { return s.index }

func (s *Serial) State() kcore.DeviceState { return s.life.State() }

// Metrics returns RX/TX byte and overrun counters.
func (s *Serial) Metrics() *kcore.Metrics { return s.metrics }

// Open transitions the device through Closed->Opening->Open. On the
// transition into Open (the first concurrent opener) it configures the
// UART via uart_ops.setup(&termios) and enables the receive interrupt,
// per §4.5.
func (s *Serial) Open(ctx context.Context) error {
	return s.life.Open(func() error {
		s.uartMu.Lock()
		defer s.uartMu.Unlock()
		if err := s.uart.Setup(&s.termios); err != nil {
			return err
		}
		s.uart.SetRxInterrupt(true)
		return nil
	})
}

// Close transitions through Open->Closing->Closed once the last opener
// releases the device: wakes any RX/TX futex waiter, disables both
// interrupts, drains TX by invoking xmitchars until empty, then issues
// ioctl(Close, 0) to the driver, per §4.5.
func (s *Serial) Close(ctx context.Context) error {
	return s.life.Close(func() error {
		s.rx.futex.Wake(1)
		s.tx.futex.Wake(1)

		s.uartMu.Lock()
		s.uart.ClearRxInterrupt()
		s.uart.ClearTxInterrupt()
		s.uartMu.Unlock()

		for s.XmitChars() {
		}

		s.uartMu.Lock()
		defer s.uartMu.Unlock()
		return s.uart.Ioctl(uint32(kcore.DeviceRequestClose), 0)
	})
}

// Ioctl forwards cmd/arg to the UART driver under its spinlock.
func (s *Serial) Ioctl(cmd uintptr, arg uintptr) error {
	s.uartMu.Lock()
	defer s.uartMu.Unlock()
	return s.uart.Ioctl(uint32(cmd), arg)
}

// RecvChars is the RX interrupt handler, per §4.5: under the UART
// spinlock and while uart_ops.read_ready() and the RX ring has space, it
// pushes into a contiguous writable slice via uart_ops.read. If any bytes
// were received, it wakes rx_fifo.futex. Never blocks, as required of any
// ISR-called method.
func (s *Serial) RecvChars() {
	var nbytes int
	var overrun bool
	s.uartMu.Lock()
	for {
		ready, err := s.uart.ReadReady()
		if err != nil {
			s.recordUartError(err)
			break
		}
		if !ready {
			break
		}
		if s.rx.ring.free() == 0 {
			// The UART still has bytes waiting but the RX ring has no
			// room: software fell behind the hardware.
			overrun = true
			break
		}
		buf := s.rx.ring.writableSlice()
		n, err := s.uart.Read(buf)
		if err != nil {
			s.recordUartError(err)
			break
		}
		if n == 0 {
			break
		}
		s.rx.ring.writeCommit(n)
		nbytes += n
	}
	s.uartMu.Unlock()

	if overrun {
		s.metrics.RecordRxOverrun()
	}
	if nbytes > 0 {
		s.metrics.RecordRx(nbytes)
		s.rx.futex.Wake(1)
	}
}

// XmitChars is the TX interrupt handler, per §4.5: under the UART
// spinlock and while uart_ops.write_ready(), it dequeues a contiguous TX
// slice and hands it to uart_ops.write. When the ring becomes empty it
// disables the TX interrupt. Returns whether the caller should expect to
// be invoked again (false once the ring is drained), matching the
// drain-until-empty loop Close and the demo/test harnesses use.
func (s *Serial) XmitChars() bool {
	var nbytes int
	s.uartMu.Lock()
	for s.tx.ring.len() > 0 {
		ready, err := s.uart.WriteReady()
		if err != nil || !ready {
			break
		}
		buf := s.tx.ring.readableSlice()
		if buf == nil {
			break
		}
		n, err := s.uart.Write(buf)
		if err != nil {
			s.recordUartError(err)
			break
		}
		if n == 0 {
			break
		}
		s.tx.ring.readCommit(n)
		nbytes += n
	}
	empty := s.tx.ring.len() == 0
	if empty {
		s.uart.ClearTxInterrupt()
	}
	s.uartMu.Unlock()

	if nbytes > 0 {
		s.metrics.RecordTx(nbytes)
		s.tx.futex.Wake(1)
	}
	return !empty
}

func (s *Serial) recordUartError(err error) {
	s.log.Warn("uart operation failed", "error", err)
}

// Read blocks until at least one byte is available or ctx is done, then
// copies as many queued bytes as fit into p.
func (s *Serial) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n := s.drainRx(p)
		if n > 0 {
			return n, nil
		}
		if err := s.rx.futex.Wait(ctx); err != nil {
			return 0, err
		}
	}
}

// ReadNonBlocking copies whatever is already queued in the RX FIFO
// without waiting.
func (s *Serial) ReadNonBlocking(p []byte) (int, error) {
	return s.drainRx(p), nil
}

func (s *Serial) drainRx(p []byte) int {
	n := 0
	for n < len(p) {
		b, ok := s.rx.ring.pop()
		if !ok {
			break
		}
		p[n] = b
		n++
	}
	return n
}

// Write blocks until every byte of p has been queued into the TX FIFO (or
// ctx is done), kicking the UART's transmit-empty interrupt after each
// successful enqueue so xmitchars drains it.
func (s *Serial) Write(ctx context.Context, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n := s.fillTx(p[written:])
		written += n
		if n > 0 {
			s.uartMu.Lock()
			s.uart.SetTxInterrupt(true)
			s.uartMu.Unlock()
		}
		if written == len(p) {
			return written, nil
		}
		if err := s.tx.futex.Wait(ctx); err != nil {
			return written, err
		}
	}
	return written, nil
}

// WriteNonBlocking enqueues as many bytes of p as currently fit into the
// TX FIFO without waiting, recording a TX overrun if any were dropped.
func (s *Serial) WriteNonBlocking(p []byte) (int, error) {
	n := s.fillTx(p)
	if n > 0 {
		s.uartMu.Lock()
		s.uart.SetTxInterrupt(true)
		s.uartMu.Unlock()
	}
	if n < len(p) {
		s.metrics.RecordTxOverrun()
	}
	return n, nil
}

func (s *Serial) fillTx(p []byte) int {
	n := 0
	for n < len(p) {
		if !s.tx.ring.push(p[n]) {
			break
		}
		n++
	}
	return n
}

// WaitDrained blocks until the TX FIFO has fully emptied or ctx is done,
// useful before a close to flush pending output.
func (s *Serial) WaitDrained(ctx context.Context) error {
	for s.tx.ring.len() > 0 {
		select {
		case <-ctx.Done():
			return kcore.NewError("WaitDrained", "serial", kcore.ErrCodeTimedOut, "context done")
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}
