package ublk

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	e := &Error{
		Op:    "START_DEV",
		DevID: 3,
		Queue: -1,
		Code:  ErrCodeTimeout,
		Errno: syscall.ETIMEDOUT,
	}
	msg := e.Error()
	for _, want := range []string{"ublk:", "timeout", "op=START_DEV", "dev=3", "errno=110"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
	if strings.Contains(msg, "queue=") {
		t.Errorf("message %q mentions a queue for a device-scope error", msg)
	}

	q := &Error{Op: "QUEUE_RUN", DevID: 1, Queue: 2, Code: ErrCodeIOError}
	if !strings.Contains(q.Error(), "queue=2") {
		t.Errorf("message %q missing queue number", q.Error())
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	a := &Error{Op: "ADD_DEV", Queue: -1, Code: ErrCodePermissionDenied}
	b := &Error{Op: "SET_PARAMS", Queue: -1, Code: ErrCodePermissionDenied}
	c := &Error{Op: "ADD_DEV", Queue: -1, Code: ErrCodeDeviceBusy}

	if !errors.Is(a, b) {
		t.Error("errors with the same code should match")
	}
	if errors.Is(a, c) {
		t.Error("errors with different codes should not match")
	}
}

func TestWrapOpDerivesCodeFromErrno(t *testing.T) {
	cases := []struct {
		errno syscall.Errno
		code  ErrorCode
	}{
		{syscall.ENOENT, ErrCodeDeviceNotFound},
		{syscall.ENODEV, ErrCodeDeviceNotFound},
		{syscall.EBUSY, ErrCodeDeviceBusy},
		{syscall.EINVAL, ErrCodeInvalidParameters},
		{syscall.EOPNOTSUPP, ErrCodeKernelNotSupported},
		{syscall.EPERM, ErrCodePermissionDenied},
		{syscall.EACCES, ErrCodePermissionDenied},
		{syscall.ENOMEM, ErrCodeOutOfResources},
		{syscall.EMFILE, ErrCodeOutOfResources},
		{syscall.ETIMEDOUT, ErrCodeTimeout},
		{syscall.EIO, ErrCodeIOError},
	}
	for _, c := range cases {
		err := wrapOp("TEST", 1, fmt.Errorf("wrapped: %w", c.errno))
		if !IsCode(err, c.code) {
			t.Errorf("errno %v mapped to %q, want %q", c.errno, err.Code, c.code)
		}
		if !IsErrno(err, c.errno) {
			t.Errorf("errno %v not preserved", c.errno)
		}
	}
}

func TestWrapOpNil(t *testing.T) {
	if e := wrapOp("TEST", 0, nil); e != nil {
		t.Errorf("wrapOp(nil) = %v", e)
	}
}

func TestWrapQueueCarriesQueueNumber(t *testing.T) {
	err := wrapQueue("QUEUE_PRIME", 7, 3, syscall.EIO)
	if err.Queue != 3 || err.DevID != 7 {
		t.Errorf("queue/dev = %d/%d, want 3/7", err.Queue, err.DevID)
	}

	var e *Error
	if !errors.As(error(err), &e) {
		t.Fatal("errors.As failed on *Error")
	}
}

func TestErrnoUnwrapsThroughError(t *testing.T) {
	err := wrapOp("STOP_DEV", 2, fmt.Errorf("kernel: %w", syscall.EBUSY))
	var errno syscall.Errno
	if !errors.As(error(err), &errno) || errno != syscall.EBUSY {
		t.Errorf("unwrapped errno = %v, want EBUSY", errno)
	}
}
