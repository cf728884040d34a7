package kcore

import "context"

// DeviceState is the open-count lifecycle state machine for the serial
// TTY core (and, more generally, anything built on internal/device).
type DeviceState int

const (
	DeviceClosed DeviceState = iota
	DeviceOpening
	DeviceOpen
	DeviceClosing
)

func (s DeviceState) String() string {
	switch s {
	case DeviceClosed:
		return "closed"
	case DeviceOpening:
		return "opening"
	case DeviceOpen:
		return "open"
	case DeviceClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Device is the contract for a named, classed, identifiable unit with
// open/close/read/write/ioctl lifecycle, implemented here by serial.Serial.
type Device interface {
	Name() string
	Class() string
	ID() uint32

	Open(ctx context.Context) error
	Close(ctx context.Context) error

	Read(ctx context.Context, p []byte) (int, error)
	Write(ctx context.Context, p []byte) (int, error)
	Ioctl(cmd uintptr, arg uintptr) error

	State() DeviceState
}

// DeviceRequest enumerates the generic ioctl request codes a UartOps
// driver may receive through Serial.Ioctl or on the last close.
type DeviceRequest uint32

const (
	// DeviceRequestClose is issued to the UART driver once the last
	// opener releases the device, after RX/TX interrupts are disabled and
	// TX has drained.
	DeviceRequestClose DeviceRequest = iota
)

// UartOps is the UART driver contract every method of which executes
// under the owning Serial's held spinlock: setup/shutdown configure the
// line, read_byte/write_byte/write_str and the slice-oriented read/write
// move bytes, read_ready/write_ready gate whether a move would succeed,
// ioctl carries driver-specific requests, and the four interrupt-enable
// controls gate RX/TX interrupt delivery.
type UartOps interface {
	// Setup configures the UART (baud, framing, etc.) per t. Called on the
	// first Open.
	Setup(t *Termios) error

	// Shutdown releases whatever Setup configured.
	Shutdown() error

	// ReadByte reads a single byte directly from the UART, bypassing the
	// RX ring. Framing/parity/break/overrun conditions surface as the
	// matching kcore error code.
	ReadByte() (byte, error)

	// WriteByte writes a single byte directly to the UART, bypassing the
	// TX ring.
	WriteByte(b byte) error

	// WriteString writes s directly to the UART.
	WriteString(s string) error

	// Read fills p with up to len(p) bytes already available in hardware,
	// returning the count actually read. Called from recvchars while
	// ReadReady reports true.
	Read(p []byte) (int, error)

	// Write hands p to the hardware, returning the count actually
	// accepted. Called from xmitchars while WriteReady reports true.
	Write(p []byte) (int, error)

	// ReadReady reports whether the UART currently has at least one byte
	// available to Read.
	ReadReady() (bool, error)

	// WriteReady reports whether the UART currently has room to accept at
	// least one more byte via Write.
	WriteReady() (bool, error)

	// Ioctl carries a driver-specific request, e.g. DeviceRequestClose.
	Ioctl(req uint32, arg uintptr) error

	// SetRxInterrupt enables or disables the receive interrupt.
	SetRxInterrupt(enable bool)

	// SetTxInterrupt enables or disables the transmit-empty interrupt.
	SetTxInterrupt(enable bool)

	// ClearRxInterrupt disables the receive interrupt unconditionally,
	// e.g. when no thread has the device open to consume bytes.
	ClearRxInterrupt()

	// ClearTxInterrupt disables the transmit-empty interrupt
	// unconditionally, e.g. once the TX FIFO has drained.
	ClearTxInterrupt()
}
