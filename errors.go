package ublk

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// ErrorCode is a high-level category for device failures.
type ErrorCode string

const (
	ErrCodeDeviceNotFound     ErrorCode = "device not found"
	ErrCodeDeviceBusy         ErrorCode = "device busy"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeKernelNotSupported ErrorCode = "kernel does not support ublk"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeOutOfResources     ErrorCode = "out of resources"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeBadState           ErrorCode = "invalid device state"
)

// Error is a structured device error: which operation failed, on which
// device and queue, with the kernel errno when one exists.
type Error struct {
	Op    string        // operation that failed, e.g. "START_DEV"
	DevID uint32        // device id, 0 if not yet assigned
	Queue int           // queue number, -1 if not applicable
	Code  ErrorCode     // category
	Errno syscall.Errno // kernel errno, 0 if not applicable
	Inner error         // wrapped cause
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("ublk: ")
	b.WriteString(string(e.Code))
	if e.Op != "" {
		fmt.Fprintf(&b, " (op=%s", e.Op)
		if e.DevID != 0 {
			fmt.Fprintf(&b, " dev=%d", e.DevID)
		}
		if e.Queue >= 0 {
			fmt.Fprintf(&b, " queue=%d", e.Queue)
		}
		if e.Errno != 0 {
			fmt.Fprintf(&b, " errno=%d", int(e.Errno))
		}
		b.WriteString(")")
	}
	if e.Inner != nil {
		fmt.Fprintf(&b, ": %v", e.Inner)
	}
	return b.String()
}

// Unwrap supports errors.Is/As on the wrapped cause.
func (e *Error) Unwrap() error { return e.Inner }

// Is matches two structured errors by code.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	return ok && e.Code == te.Code
}

// wrapOp wraps inner with operation context, deriving the code from
// the innermost errno when one is present.
func wrapOp(op string, devID uint32, inner error) *Error {
	if inner == nil {
		return nil
	}
	e := &Error{Op: op, DevID: devID, Queue: -1, Code: ErrCodeIOError, Inner: inner}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
		e.Code = codeForErrno(errno)
	}
	return e
}

// wrapQueue is wrapOp with a queue number attached.
func wrapQueue(op string, devID uint32, queue int, inner error) *Error {
	e := wrapOp(op, devID, inner)
	if e != nil {
		e.Queue = queue
	}
	return e
}

func codeForErrno(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV:
		return ErrCodeDeviceNotFound
	case syscall.EBUSY:
		return ErrCodeDeviceBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeKernelNotSupported
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC, syscall.EMFILE, syscall.ENFILE:
		return ErrCodeOutOfResources
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode reports whether err carries the given category.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsErrno reports whether err carries the given kernel errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	return errors.As(err, &e) && e.Errno == errno
}
