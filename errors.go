// Package kcore provides the shared contracts (Allocator, UartOps, Device)
// and cross-cutting infrastructure (errors, metrics, constants) for the
// kernel-core subsystems: the fl and tlsf allocators, the ilist intrusive
// list, and the serial TTY core.
package kcore

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrorCode classifies the kind of failure a kcore operation reported.
type ErrorCode string

const (
	ErrCodeOutOfMemory      ErrorCode = "out_of_memory"
	ErrCodeInvalidLayout    ErrorCode = "invalid_layout"
	ErrCodeAliasingDetected ErrorCode = "aliasing_detected"
	ErrCodeContended        ErrorCode = "contended"
	ErrCodeNotAttached      ErrorCode = "not_attached"
	ErrCodeAlreadyAttached  ErrorCode = "already_attached"
	ErrCodeTimedOut         ErrorCode = "timed_out"
	ErrCodeDeviceError      ErrorCode = "device_error"
	ErrCodeOverrun          ErrorCode = "overrun"
	ErrCodeFraming          ErrorCode = "framing"
	ErrCodeParity           ErrorCode = "parity"
	ErrCodeBreak            ErrorCode = "break"
	ErrCodeNotImplemented   ErrorCode = "not_implemented"
	ErrCodeInvalidArgument  ErrorCode = "invalid_argument"
)

// Error is the structured error type returned by kcore subsystems.
type Error struct {
	Op        string
	Subsystem string // "fl", "tlsf", "ilist", "serial"
	Detail    string
	Code      ErrorCode
	Errno     syscall.Errno
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	s := fmt.Sprintf("kcore: %s: %s", e.Op, msg)
	if e.Subsystem != "" {
		s = fmt.Sprintf("kcore[%s]: %s: %s", e.Subsystem, e.Op, msg)
	}
	if e.Detail != "" {
		s += " (" + e.Detail + ")"
	}
	if e.Inner != nil {
		s += ": " + e.Inner.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError builds a kcore.Error with the given code.
func NewError(op, subsystem string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Subsystem: subsystem, Code: code, Msg: msg}
}

// WrapError wraps an existing error with kcore context.
func WrapError(op, subsystem string, code ErrorCode, inner error) *Error {
	return &Error{Op: op, Subsystem: subsystem, Code: code, Inner: inner}
}

// IsCode reports whether err (or anything it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// mapErrnoToCode maps a syscall errno (from the futex/mmap syscall boundary)
// to a kcore error code.
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ETIMEDOUT:
		return ErrCodeTimedOut
	case syscall.ENOMEM:
		return ErrCodeOutOfMemory
	case syscall.EINVAL:
		return ErrCodeInvalidArgument
	default:
		return ErrCodeDeviceError
	}
}

// NewErrnoError builds a kcore.Error from a syscall errno observed at a
// futex/mmap syscall boundary.
func NewErrnoError(op, subsystem string, errno syscall.Errno) *Error {
	return &Error{
		Op:        op,
		Subsystem: subsystem,
		Code:      mapErrnoToCode(errno),
		Errno:     errno,
		Msg:       errno.Error(),
	}
}

var (
	ErrOutOfMemory      = &Error{Code: ErrCodeOutOfMemory, Msg: "out of memory"}
	ErrInvalidLayout    = &Error{Code: ErrCodeInvalidLayout, Msg: "invalid layout"}
	ErrAliasingDetected = &Error{Code: ErrCodeAliasingDetected, Msg: "aliasing detected"}
	ErrContended        = &Error{Code: ErrCodeContended, Msg: "operation contended past retry limit"}
	ErrNotAttached      = &Error{Code: ErrCodeNotAttached, Msg: "not attached"}
	ErrAlreadyAttached  = &Error{Code: ErrCodeAlreadyAttached, Msg: "already attached"}
	ErrTimedOut         = &Error{Code: ErrCodeTimedOut, Msg: "timed out"}
)
