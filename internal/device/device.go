// Package device provides the open/close lifecycle state machine
// serial.Serial builds on: a polling/retry-friendly two-step bring-up
// sequence (Closed -> Opening -> Open) repurposed here for a TTY's
// open-count state machine.
package device

import (
	"sync"

	"github.com/behrlich/go-kcore"
	"github.com/behrlich/go-kcore/internal/logging"
)

// Lifecycle tracks a Device's open count and DeviceState transitions:
// Closed -> Opening -> Open -> Closing -> Closed.
type Lifecycle struct {
	mu        sync.Mutex
	state     kcore.DeviceState
	openCount int
	log       *logging.Logger
	name      string
}

// New returns a Lifecycle starting in DeviceClosed.
func New(name string) *Lifecycle {
	return &Lifecycle{state: kcore.DeviceClosed, log: logging.Default(), name: name}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() kcore.DeviceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Open increments the open count, transitioning Closed->Opening->Open on
// the first concurrent opener and just bumping the count on subsequent
// ones. onFirstOpen runs while the lock is held transitioning through
// Opening, so a half-open device is visible as Opening to any racing
// Close.
func (l *Lifecycle) Open(onFirstOpen func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == kcore.DeviceClosing {
		return kcore.NewError("Open", "device", kcore.ErrCodeContended, l.name+" is closing")
	}
	if l.openCount > 0 {
		l.openCount++
		return nil
	}

	l.state = kcore.DeviceOpening
	l.log.Debug("opening device", "name", l.name)
	if onFirstOpen != nil {
		if err := onFirstOpen(); err != nil {
			l.state = kcore.DeviceClosed
			return err
		}
	}
	l.state = kcore.DeviceOpen
	l.openCount = 1
	return nil
}

// Close decrements the open count, transitioning Open->Closing->Closed
// once the count reaches zero.
func (l *Lifecycle) Close(onLastClose func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.openCount == 0 {
		return kcore.NewError("Close", "device", kcore.ErrCodeNotAttached, l.name+" is not open")
	}
	l.openCount--
	if l.openCount > 0 {
		return nil
	}

	l.state = kcore.DeviceClosing
	l.log.Debug("closing device", "name", l.name)
	if onLastClose != nil {
		if err := onLastClose(); err != nil {
			l.openCount = 1 // roll back: still considered open
			l.state = kcore.DeviceOpen
			return err
		}
	}
	l.state = kcore.DeviceClosed
	return nil
}

// OpenCount reports how many outstanding opens the device has.
func (l *Lifecycle) OpenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openCount
}
