//go:build linux

// Package uring implements a raw io_uring in SQE128/CQE32 mode.
//
// ublk drives its character devices with IORING_OP_URING_CMD, which
// requires 128-byte submission entries and 32-byte completion entries.
// Generic io_uring wrappers assume the default 64/16-byte formats and
// index ring memory with the wrong strides, so the ring is built here
// from the raw syscalls.
//
// Ordering between user and kernel is expressed entirely through
// acquire loads and release stores on the shared head/tail counters:
// the store of a new SQ tail publishes every prior store into the SQE
// slots and the SQ array, and the acquire load of the CQ tail makes
// the kernel's CQE writes visible. No explicit fences are issued.
package uring

import (
	"math/bits"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ring is a single io_uring instance in SQE128/CQE32 mode.
//
// A Ring is owned by one goroutine; it performs no internal locking.
// Head and tail are 32-bit counters that wrap; all comparisons use
// two's-complement subtraction and masking by entries-1.
type Ring struct {
	fd     int
	p      params
	closed bool

	// Submission queue. localHead..localTail is the window of SQEs
	// prepared via GetSQE but not yet published to the kernel.
	sqEntries uint32
	sqMask    uint32
	sqHead    *uint32 // shared, kernel-written
	sqTail    *uint32 // shared, user-written
	sqArray   []uint32
	sqes      []SQE128
	localHead uint32
	localTail uint32

	// Completion queue.
	cqEntries uint32
	cqMask    uint32
	cqHead    *uint32 // shared, user-written
	cqTail    *uint32 // shared, kernel-written
	cqes      []CQE32

	ringMem []byte // single mmap covering both SQ and CQ metadata
	sqeMem  []byte // SQE array mmap
}

// New creates a ring with the given number of entries, which must be a
// nonzero power of two. The kernel must support SQE128, CQE32 and the
// single-mmap layout (Linux 6.0+; ublk itself needs 6.8+).
func New(entries uint32) (*Ring, error) {
	if entries == 0 || bits.OnesCount32(entries) != 1 {
		return nil, ErrInvalidArgument
	}

	p := params{Flags: IORING_SETUP_SQE128 | IORING_SETUP_CQE32}
	fd, err := setup(entries, &p)
	if err != nil {
		return nil, setupError(err)
	}

	if p.Features&IORING_FEAT_SINGLE_MMAP == 0 {
		syscall.Close(fd)
		return nil, ErrKernelTooOld
	}

	r := &Ring{fd: fd, p: p}
	if err := r.mapRings(); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	return r, nil
}

// mapRings maps the shared ring region and the SQE array.
func (r *Ring) mapRings() error {
	p := &r.p

	// With SINGLE_MMAP the SQ and CQ metadata live in one region sized
	// for whichever queue ends later.
	sqSize := p.SQOff.Array + p.SQEntries*4
	cqSize := p.CQOff.CQEs + p.CQEntries*uint32(unsafe.Sizeof(CQE32{}))
	ringSize := sqSize
	if cqSize > ringSize {
		ringSize = cqSize
	}

	var err error
	r.ringMem, err = mmapRing(r.fd, IORING_OFF_SQ_RING, int(ringSize))
	if err != nil {
		return setupError(err)
	}

	sqeSize := p.SQEntries * uint32(unsafe.Sizeof(SQE128{}))
	r.sqeMem, err = mmapRing(r.fd, IORING_OFF_SQES, int(sqeSize))
	if err != nil {
		unix.Munmap(r.ringMem)
		r.ringMem = nil
		return setupError(err)
	}

	r.sqEntries = *(*uint32)(unsafe.Pointer(&r.ringMem[p.SQOff.RingEntries]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&r.ringMem[p.SQOff.RingMask]))
	r.sqHead = (*uint32)(unsafe.Pointer(&r.ringMem[p.SQOff.Head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&r.ringMem[p.SQOff.Tail]))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&r.ringMem[p.SQOff.Array])), r.sqEntries)
	r.sqes = unsafe.Slice((*SQE128)(unsafe.Pointer(&r.sqeMem[0])), p.SQEntries)

	r.cqEntries = *(*uint32)(unsafe.Pointer(&r.ringMem[p.CQOff.RingEntries]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&r.ringMem[p.CQOff.RingMask]))
	r.cqHead = (*uint32)(unsafe.Pointer(&r.ringMem[p.CQOff.Head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.ringMem[p.CQOff.Tail]))
	r.cqes = unsafe.Slice((*CQE32)(unsafe.Pointer(&r.ringMem[p.CQOff.CQEs])), r.cqEntries)

	r.localHead = atomic.LoadUint32(r.sqTail)
	r.localTail = r.localHead
	return nil
}

// Close unmaps both regions and closes the ring fd.
func (r *Ring) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.sqeMem != nil {
		unix.Munmap(r.sqeMem)
		r.sqeMem = nil
	}
	if r.ringMem != nil {
		unix.Munmap(r.ringMem)
		r.ringMem = nil
	}
	return syscall.Close(r.fd)
}

// Fd returns the ring file descriptor.
func (r *Ring) Fd() int { return r.fd }

// Entries returns the submission queue depth.
func (r *Ring) Entries() uint32 { return r.sqEntries }

// GetSQE returns the next free submission slot, zeroed, advancing the
// local tail. The slot is not visible to the kernel until Submit.
// Returns ErrRingFull when depth entries are outstanding.
func (r *Ring) GetSQE() (*SQE128, error) {
	head := atomic.LoadUint32(r.sqHead)
	if r.localTail-head >= r.sqEntries {
		return nil, ErrRingFull
	}
	sqe := &r.sqes[r.localTail&r.sqMask]
	*sqe = SQE128{}
	r.localTail++
	return sqe, nil
}

// flush publishes the local SQE window [localHead, localTail) to the
// kernel: the index array entries are filled, then the shared tail is
// release-stored. That store is the publication barrier making every
// prior SQE write visible.
func (r *Ring) flush() uint32 {
	pending := r.localTail - r.localHead
	if pending == 0 {
		return 0
	}
	for i := r.localHead; i != r.localTail; i++ {
		r.sqArray[i&r.sqMask] = i & r.sqMask
	}
	r.localHead = r.localTail
	atomic.StoreUint32(r.sqTail, r.localTail)
	return pending
}

// Submit publishes pending SQEs and tells the kernel about them
// without waiting for completions. Returns the kernel-reported submit
// count.
func (r *Ring) Submit() (int, error) {
	return r.submit(0)
}

// SubmitAndWait publishes pending SQEs and blocks until at least
// waitNr completions are available.
func (r *Ring) SubmitAndWait(waitNr uint32) (int, error) {
	return r.submit(waitNr)
}

func (r *Ring) submit(waitNr uint32) (int, error) {
	pending := r.flush()
	if pending == 0 && waitNr == 0 {
		return 0, nil
	}

	var flags uint32
	if waitNr > 0 {
		flags |= IORING_ENTER_GETEVENTS
	}
	n, err := enter(r.fd, pending, waitNr, flags)
	if err != nil {
		return 0, enterError(err)
	}
	return n, nil
}

// CQReady returns the number of unconsumed completions, using
// wrap-safe unsigned subtraction.
func (r *Ring) CQReady() uint32 {
	return atomic.LoadUint32(r.cqTail) - atomic.LoadUint32(r.cqHead)
}

// CopyCQEs drains up to len(out) completions into out and publishes
// the new head. The tail is read with acquire semantics before the
// entries are copied; the head store afterwards releases the slots
// back to the kernel.
func (r *Ring) CopyCQEs(out []CQE32) int {
	tail := atomic.LoadUint32(r.cqTail)
	head := atomic.LoadUint32(r.cqHead)

	n := int(tail - head)
	if n == 0 {
		return 0
	}
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		out[i] = r.cqes[(head+uint32(i))&r.cqMask]
	}
	atomic.StoreUint32(r.cqHead, head+uint32(n))
	return n
}

// PrepUringCmd prepares sqe as a URING_CMD targeting fd. cmdNum is the
// ioctl-encoded command number, placed in the low 32 bits of the off
// field; the caller fills the 80-byte cmd area with the command
// header afterwards.
func PrepUringCmd(sqe *SQE128, fd int, cmdNum uint32, userData uint64) {
	sqe.Opcode = IORING_OP_URING_CMD
	sqe.Fd = int32(fd)
	sqe.Off = uint64(cmdNum)
	sqe.UserData = userData
}
