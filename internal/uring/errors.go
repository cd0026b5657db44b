package uring

import (
	"errors"
	"fmt"
	"syscall"
)

// Ring errors. Setup failures get one variant per cause so callers can
// tell a privilege problem from an fd-quota problem; submission
// failures map the errnos io_uring_enter is documented to return.
var (
	// ErrRingFull is returned by GetSQE when every slot between the
	// kernel's head and the local tail is occupied. Recoverable: submit
	// and retry.
	ErrRingFull = errors.New("uring: submission queue full")

	// ErrInvalidArgument covers EINVAL from io_uring_setup, including
	// entry counts the kernel rejects.
	ErrInvalidArgument = errors.New("uring: invalid ring parameters")

	// ErrProcessFdLimit is the per-process descriptor quota (EMFILE).
	ErrProcessFdLimit = errors.New("uring: process file descriptor limit reached")

	// ErrSystemFdLimit is the system-wide descriptor quota (ENFILE).
	ErrSystemFdLimit = errors.New("uring: system file descriptor limit reached")

	// ErrOutOfResources covers ENOMEM from ring allocation.
	ErrOutOfResources = errors.New("uring: insufficient kernel resources")

	// ErrPermissionDenied covers EPERM (io_uring disabled or restricted).
	ErrPermissionDenied = errors.New("uring: permission denied")

	// ErrKernelTooOld is returned when the kernel does not report the
	// SINGLE_MMAP feature; such kernels predate SQE128/CQE32 anyway.
	ErrKernelTooOld = errors.New("uring: kernel too old (no SINGLE_MMAP feature)")

	// ErrSubmitExhausted covers EAGAIN from io_uring_enter.
	ErrSubmitExhausted = errors.New("uring: submission resources exhausted")

	// ErrBadFd covers EBADF (ring fd or SQE target fd invalid).
	ErrBadFd = errors.New("uring: bad file descriptor")

	// ErrCQOvercommit covers EBUSY: completions would overcommit the CQ.
	ErrCQOvercommit = errors.New("uring: completion queue overcommitted")

	// ErrInvalidSQE covers EINVAL from io_uring_enter (malformed SQE).
	ErrInvalidSQE = errors.New("uring: invalid submission queue entry")

	// ErrFaultingBuffer covers EFAULT (SQE references unmapped memory).
	ErrFaultingBuffer = errors.New("uring: submission references faulting buffer")
)

// setupError maps an io_uring_setup errno to a ring error variant.
func setupError(err error) error {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return err
	}
	switch errno {
	case syscall.EINVAL:
		return fmt.Errorf("%w: %v", ErrInvalidArgument, errno)
	case syscall.EMFILE:
		return fmt.Errorf("%w: %v", ErrProcessFdLimit, errno)
	case syscall.ENFILE:
		return fmt.Errorf("%w: %v", ErrSystemFdLimit, errno)
	case syscall.ENOMEM:
		return fmt.Errorf("%w: %v", ErrOutOfResources, errno)
	case syscall.EPERM:
		return fmt.Errorf("%w: %v", ErrPermissionDenied, errno)
	}
	return errno
}

// enterError maps an io_uring_enter errno to a ring error variant.
// EINTR is passed through unchanged so callers can retry the wait.
func enterError(err error) error {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return err
	}
	switch errno {
	case syscall.EAGAIN:
		return fmt.Errorf("%w: %v", ErrSubmitExhausted, errno)
	case syscall.EBADF:
		return fmt.Errorf("%w: %v", ErrBadFd, errno)
	case syscall.EBUSY:
		return fmt.Errorf("%w: %v", ErrCQOvercommit, errno)
	case syscall.EINVAL:
		return fmt.Errorf("%w: %v", ErrInvalidSQE, errno)
	case syscall.EFAULT:
		return fmt.Errorf("%w: %v", ErrFaultingBuffer, errno)
	}
	return errno
}
