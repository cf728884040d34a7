package serial

import (
	"context"
	"testing"
	"time"

	"github.com/behrlich/go-kcore"
)

func TestRingPushPop(t *testing.T) {
	r := newRing(4)
	if !r.push('a') || !r.push('b') {
		t.Fatal("push failed while ring had room")
	}
	// capacity 4 holds 4 bytes; 2 used, 2 more fit, 5th must fail
	if !r.push('c') || !r.push('d') {
		t.Fatal("push failed while ring had room")
	}
	if r.push('e') {
		t.Error("push should fail once the ring holds 4 bytes")
	}
	b, ok := r.pop()
	if !ok || b != 'a' {
		t.Fatalf("pop() = (%c, %v), want (a, true)", b, ok)
	}
}

func TestRingFullAndEmpty(t *testing.T) {
	r := newRing(2)
	if !r.push(1) || !r.push(2) {
		t.Fatal("expected two pushes to succeed")
	}
	if r.push(3) {
		t.Error("push should fail when ring is full")
	}
	r.pop()
	r.pop()
	if _, ok := r.pop(); ok {
		t.Error("pop should fail when ring is empty")
	}
}

func TestOpenCloseLifecycle(t *testing.T) {
	uart := kcore.NewMockUart()
	s := New(0, uart, Config{RxDepth: 16, TxDepth: 16})

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.State() != kcore.DeviceOpen {
		t.Errorf("State() = %v, want Open", s.State())
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != kcore.DeviceClosed {
		t.Errorf("State() = %v, want Closed", s.State())
	}
}

func TestWriteDrainedByXmitChars(t *testing.T) {
	uart := kcore.NewMockUart()
	s := New(1, uart, Config{RxDepth: 16, TxDepth: 16})
	s.Open(context.Background())
	defer s.Close(context.Background())

	n, err := s.WriteNonBlocking([]byte("hi"))
	if err != nil || n != 2 {
		t.Fatalf("WriteNonBlocking = (%d, %v), want (2, nil)", n, err)
	}

	for s.XmitChars() {
	}
	if got := string(uart.Bytes()); got != "hi" {
		t.Errorf("uart received %q, want %q", got, "hi")
	}
}

func TestRecvCharsWakesBlockingRead(t *testing.T) {
	uart := kcore.NewMockUart()
	s := New(2, uart, Config{RxDepth: 16, TxDepth: 16})
	s.Open(context.Background())
	defer s.Close(context.Background())

	done := make(chan struct{})
	var n int
	var err error
	buf := make([]byte, 4)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err = s.Read(ctx, buf)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	uart.Feed('o', 'k')
	s.RecvChars()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after RecvChars")
	}
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n == 0 {
		t.Fatalf("Read returned 0 bytes")
	}
}

func TestReadTimesOutWhenNothingArrives(t *testing.T) {
	uart := kcore.NewMockUart()
	s := New(3, uart, Config{RxDepth: 16, TxDepth: 16})
	s.Open(context.Background())
	defer s.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Read(ctx, make([]byte, 1))
	if !kcore.IsCode(err, kcore.ErrCodeTimedOut) {
		t.Errorf("err = %v, want ErrCodeTimedOut", err)
	}
}

func TestRecvCharsOverrunWhenFifoFull(t *testing.T) {
	uart := kcore.NewMockUart()
	s := New(4, uart, Config{RxDepth: 2, TxDepth: 16})
	s.Open(context.Background())
	defer s.Close(context.Background())

	uart.Feed('a', 'b', 'c') // ring depth 2 can't hold all three
	s.RecvChars()

	snap := s.Metrics().Snapshot()
	if snap.RxOverruns == 0 {
		t.Errorf("expected an RX overrun to be recorded")
	}
}
