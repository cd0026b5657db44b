//go:build linux

package uring

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// setup creates a new io_uring instance and returns its fd.
func setup(entries uint32, p *params) (int, error) {
	fd, _, errno := syscall.Syscall(
		unix.SYS_IO_URING_SETUP,
		uintptr(entries),
		uintptr(unsafe.Pointer(p)),
		0,
	)
	if errno != 0 {
		return 0, errno
	}
	return int(fd), nil
}

// enter submits toSubmit SQEs and, when flags carries GETEVENTS, waits
// for minComplete completions. Returns the kernel-reported submit
// count.
//
// Uses Syscall6 (not RawSyscall) so the blocking wait integrates with
// the Go scheduler.
func enter(fd int, toSubmit, minComplete, flags uint32) (int, error) {
	n, _, errno := syscall.Syscall6(
		unix.SYS_IO_URING_ENTER,
		uintptr(fd),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags),
		0, 0,
	)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// mmapRing maps length bytes of the ring fd at the given io_uring
// region offset.
func mmapRing(fd int, offset uint64, length int) ([]byte, error) {
	return unix.Mmap(fd, int64(offset), length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
}
