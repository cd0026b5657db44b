//go:build linux

// Package queue implements the per-queue I/O runner: one ring, one
// descriptor mmap, one buffer region and one OS thread per hardware
// queue, driving the FETCH / COMMIT_AND_FETCH state machine.
package queue

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/goublk/ublk/internal/interfaces"
	"github.com/goublk/ublk/internal/uapi"
	"github.com/goublk/ublk/internal/uring"
)

// TagState tracks where the kernel-visible ownership of a tag sits.
// Transitions happen only on the queue's own thread, so states are
// plain memory.
type TagState uint8

const (
	// TagInFlightFetch: FETCH_REQ submitted, no request delivered yet.
	// Initial state for every tag after arming.
	TagInFlightFetch TagState = iota
	// TagOwned: descriptor valid, backend running or about to run.
	TagOwned
	// TagInFlightCommit: COMMIT_AND_FETCH_REQ submitted, result pending.
	TagInFlightCommit
	// TagErrored: the kernel returned a terminal error for the tag; it
	// is not re-armed.
	TagErrored
)

// user_data layout: tag in bits 0-15, queue id in bits 16-31, high bit
// distinguishes commit completions from fetch completions.
const commitFlag = uint64(1) << 63

// EncodeUserData packs a queue id and tag into SQE user data.
func EncodeUserData(qid, tag uint16, commit bool) uint64 {
	ud := uint64(qid)<<16 | uint64(tag)
	if commit {
		ud |= commitFlag
	}
	return ud
}

// DecodeUserData unpacks SQE user data.
func DecodeUserData(ud uint64) (qid, tag uint16, commit bool) {
	return uint16(ud >> 16), uint16(ud), ud&commitFlag != 0
}

// ErrNoCompletion means the wait syscall returned without any CQE
// materialising; the queue cannot make progress.
var ErrNoCompletion = errors.New("ublk: queue wait returned no completions")

// cqBatch is how many completions one loop iteration drains before
// flushing commits.
const cqBatch = 64

// udevRetryInterval and udevRetryLimit bound the wait for udev to
// create /dev/ublkcN after ADD_DEV.
const (
	udevRetryInterval = 100 * time.Millisecond
	udevRetryLimit    = 50
)

// Config describes one queue runner.
type Config struct {
	DevID       uint32
	QueueID     uint16
	Depth       int // must be a power of two
	PerTagBytes int // buffer per tag, the device's max_io_buf_bytes
	Backend     interfaces.Backend
	Logger      interfaces.Logger   // optional
	Observer    interfaces.Observer // optional
	CPUAffinity []int               // optional; queue N pins to CPUAffinity[N mod len]

	// CharFd, when positive, is a pre-opened /dev/ublkcN descriptor;
	// the runner dups it so each queue still owns a distinct handle.
	// When zero the runner opens the device itself. Both disciplines
	// work; the protocol mandates neither.
	CharFd int
}

// Runner owns all per-queue state. Everything except Stop is used only
// from the queue's own thread.
type Runner struct {
	devID       uint32
	queueID     uint16
	depth       int
	perTagBytes int
	backend     interfaces.Backend
	logger      interfaces.Logger
	observer    interfaces.Observer
	affinity    []int

	fd      int
	ring    *uring.Ring
	descMem []byte // kernel-written descriptor region, read-only
	bufMem  []byte // per-tag I/O buffers, anonymous mapping

	tagStates []TagState
	errored   int // tags in TagErrored

	stop    atomic.Bool
	lastErr error
}

// NewRunner opens (or dups) the character device, creates the queue's
// ring and maps its regions. The runner is not armed until Prime.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Depth <= 0 || cfg.Depth&(cfg.Depth-1) != 0 {
		return nil, fmt.Errorf("ublk: queue depth %d is not a power of two", cfg.Depth)
	}
	if cfg.PerTagBytes <= 0 {
		return nil, fmt.Errorf("ublk: invalid per-tag buffer size %d", cfg.PerTagBytes)
	}

	fd, err := openCharDev(cfg)
	if err != nil {
		return nil, err
	}

	ring, err := uring.New(uint32(cfg.Depth))
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}

	descMem, err := mmapDescriptors(fd, cfg.QueueID, cfg.Depth)
	if err != nil {
		ring.Close()
		syscall.Close(fd)
		return nil, err
	}

	bufMem, err := unix.Mmap(-1, 0, cfg.Depth*cfg.PerTagBytes,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		unix.Munmap(descMem)
		ring.Close()
		syscall.Close(fd)
		return nil, fmt.Errorf("ublk: map queue buffers: %w", err)
	}

	return &Runner{
		devID:       cfg.DevID,
		queueID:     cfg.QueueID,
		depth:       cfg.Depth,
		perTagBytes: cfg.PerTagBytes,
		backend:     cfg.Backend,
		logger:      cfg.Logger,
		observer:    cfg.Observer,
		affinity:    cfg.CPUAffinity,
		fd:          fd,
		ring:        ring,
		descMem:     descMem,
		bufMem:      bufMem,
		tagStates:   make([]TagState, cfg.Depth),
	}, nil
}

// openCharDev resolves the queue's character-device handle per the
// configured discipline.
func openCharDev(cfg Config) (int, error) {
	if cfg.CharFd > 0 {
		fd, err := syscall.Dup(cfg.CharFd)
		if err != nil {
			return -1, fmt.Errorf("ublk: dup char device fd: %w", err)
		}
		return fd, nil
	}

	// The node appears asynchronously via udev after ADD_DEV.
	path := uapi.UblkDevicePath(cfg.DevID)
	var lastErr error
	for i := 0; i < udevRetryLimit; i++ {
		fd, err := syscall.Open(path, syscall.O_RDWR, 0)
		if err == nil {
			return fd, nil
		}
		if err != syscall.ENOENT {
			return -1, fmt.Errorf("ublk: open %s: %w", path, err)
		}
		lastErr = err
		time.Sleep(udevRetryInterval)
	}
	return -1, fmt.Errorf("ublk: %s did not appear: %w", path, lastErr)
}

// mmapDescriptors maps the queue's slice of the kernel descriptor
// array, read-only. The per-queue offset is the queue id times the
// page-rounded descriptor block.
func mmapDescriptors(fd int, queueID uint16, depth int) ([]byte, error) {
	size := depth * int(unsafe.Sizeof(uapi.UblksrvIODesc{}))
	page := unix.Getpagesize()
	if rem := size % page; rem != 0 {
		size += page - rem
	}
	off := int64(queueID) * int64(size)

	mem, err := unix.Mmap(fd, off, size, unix.PROT_READ, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("ublk: map descriptor region: %w", err)
	}
	return mem, nil
}

// tagBuffer returns the tag's slice of the buffer region.
func (r *Runner) tagBuffer(tag uint16) []byte {
	off := int(tag) * r.perTagBytes
	return r.bufMem[off : off+r.perTagBytes : off+r.perTagBytes]
}

// tagBufferAddr is the address handed to the kernel in FETCH/COMMIT
// commands. The mapping lives for the whole queue lifetime, so the
// kernel-held address never dangles.
func (r *Runner) tagBufferAddr(tag uint16) uint64 {
	return uint64(uintptr(unsafe.Pointer(&r.bufMem[int(tag)*r.perTagBytes])))
}

// loadDescriptor reads the tag's descriptor with atomic loads. The
// kernel writes descriptors at arbitrary times while the tag is in
// flight; the read happens only after the arming completion has been
// observed, and the atomic loads keep the compiler from caching stale
// words.
func (r *Runner) loadDescriptor(tag uint16) uapi.UblksrvIODesc {
	base := unsafe.Pointer(&r.descMem[int(tag)*int(unsafe.Sizeof(uapi.UblksrvIODesc{}))])
	return uapi.UblksrvIODesc{
		OpFlags:     atomic.LoadUint32((*uint32)(base)),
		NrSectors:   atomic.LoadUint32((*uint32)(unsafe.Add(base, 4))),
		StartSector: atomic.LoadUint64((*uint64)(unsafe.Add(base, 8))),
		Addr:        atomic.LoadUint64((*uint64)(unsafe.Add(base, 16))),
	}
}

// Prime arms every tag with an initial FETCH_REQ and flushes them with
// a single submit. The queue must be primed before START_DEV can
// succeed.
func (r *Runner) Prime() error {
	for tag := 0; tag < r.depth; tag++ {
		sqe, err := r.ring.GetSQE()
		if err != nil {
			return fmt.Errorf("ublk: queue %d prime tag %d: %w", r.queueID, tag, err)
		}
		r.prepIOCmd(sqe, uapi.UBLK_IO_FETCH_REQ, uint16(tag), 0, false)
		r.tagStates[tag] = TagInFlightFetch
	}
	if _, err := r.ring.Submit(); err != nil {
		return fmt.Errorf("ublk: queue %d prime submit: %w", r.queueID, err)
	}
	if r.logger != nil {
		r.logger.Debugf("queue %d: primed %d tags", r.queueID, r.depth)
	}
	return nil
}

// prepIOCmd fills sqe with a FETCH_REQ or COMMIT_AND_FETCH_REQ for
// tag. result is meaningful only for commits.
func (r *Runner) prepIOCmd(sqe *uring.SQE128, nr uint32, tag uint16, result int32, commit bool) {
	uring.PrepUringCmd(sqe, r.fd, uapi.IOCmd(nr), EncodeUserData(r.queueID, tag, commit))
	uapi.PutIOCmd(sqe.Cmd[:], &uapi.UblksrvIOCmd{
		QID:    r.queueID,
		Tag:    tag,
		Result: result,
		Addr:   r.tagBufferAddr(tag),
	})
}

// Serve runs the completion loop until Stop is observed or the queue
// dies. The prime result is delivered on ready before the loop starts,
// so the orchestrator can sequence queue arming. Must be the
// goroutine's sole occupation: the thread is locked because ublk_drv
// associates each queue with the thread that armed it.
func (r *Runner) Serve(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if len(r.affinity) > 0 {
		cpu := r.affinity[int(r.queueID)%len(r.affinity)]
		var set unix.CPUSet
		set.Set(cpu)
		if err := unix.SchedSetaffinity(0, &set); err != nil && r.logger != nil {
			r.logger.Printf("queue %d: set affinity to CPU %d: %v", r.queueID, cpu, err)
		}
	}

	err := r.Prime()
	ready <- err
	if err != nil {
		r.lastErr = err
		return
	}

	for !r.stop.Load() {
		if _, err := r.ProcessCompletions(); err != nil {
			if !r.stop.Load() {
				r.lastErr = err
				if r.logger != nil {
					r.logger.Printf("queue %d: completion loop: %v", r.queueID, err)
				}
			}
			return
		}
		if r.errored == r.depth {
			// Every tag is dead; nothing will ever complete again.
			return
		}
	}
}

// ProcessCompletions blocks for at least one completion, handles up to
// cqBatch of them and flushes the accumulated commits with one
// submit. Returns the number of completions handled.
func (r *Runner) ProcessCompletions() (int, error) {
	for {
		_, err := r.ring.SubmitAndWait(1)
		if err == nil {
			break
		}
		if errors.Is(err, syscall.EINTR) {
			if r.stop.Load() {
				return 0, nil
			}
			continue
		}
		return 0, err
	}

	var cqes [cqBatch]uring.CQE32
	n := r.ring.CopyCQEs(cqes[:])
	if n == 0 {
		return 0, ErrNoCompletion
	}

	for i := 0; i < n; i++ {
		if err := r.handleCompletion(&cqes[i]); err != nil {
			return i, err
		}
	}

	if _, err := r.ring.Submit(); err != nil {
		return n, err
	}
	return n, nil
}

// handleCompletion advances one tag through the state machine.
func (r *Runner) handleCompletion(cqe *uring.CQE32) error {
	qid, tag, _ := DecodeUserData(cqe.UserData)
	if qid != r.queueID || int(tag) >= r.depth {
		return fmt.Errorf("ublk: queue %d: completion for foreign tag %d/%d", r.queueID, qid, tag)
	}

	if cqe.Res < 0 {
		// Terminal error for this tag. ENODEV is the kernel aborting
		// outstanding fetches on STOP_DEV; anything else is recorded.
		r.tagStates[tag] = TagErrored
		r.errored++
		if errno := syscall.Errno(-cqe.Res); errno != syscall.ENODEV {
			r.lastErr = fmt.Errorf("ublk: queue %d tag %d: %w", r.queueID, tag, errno)
		}
		return nil
	}

	desc := r.loadDescriptor(tag)

	// Zero-sized descriptors are keep-alives: acknowledge and re-arm
	// without touching the backend.
	if desc.IsKeepAlive() {
		return r.commitAndFetch(tag, 0)
	}

	r.tagStates[tag] = TagOwned
	result := r.dispatchObserved(&desc, r.tagBuffer(tag))
	return r.commitAndFetch(tag, result)
}

// dispatchObserved runs the backend and feeds the observer when one is
// attached.
func (r *Runner) dispatchObserved(desc *uapi.UblksrvIODesc, buf []byte) int32 {
	if r.observer == nil {
		return Dispatch(r.backend, desc, buf)
	}

	start := time.Now()
	result := Dispatch(r.backend, desc, buf)
	elapsed := uint64(time.Since(start).Nanoseconds())
	ok := result >= 0
	bytes := uint64(desc.NrSectors) << sectorShift

	switch desc.Op() {
	case uapi.UBLK_IO_OP_READ:
		r.observer.ObserveRead(bytes, elapsed, ok)
	case uapi.UBLK_IO_OP_WRITE:
		r.observer.ObserveWrite(bytes, elapsed, ok)
	case uapi.UBLK_IO_OP_FLUSH:
		r.observer.ObserveFlush(elapsed, ok)
	case uapi.UBLK_IO_OP_DISCARD, uapi.UBLK_IO_OP_WRITE_ZEROES:
		r.observer.ObserveDiscard(bytes, elapsed, ok)
	}
	return result
}

// commitAndFetch prepares a COMMIT_AND_FETCH_REQ reporting result and
// re-arming the tag. The SQE is only prepared; the batch flush in
// ProcessCompletions submits it. A full ring is drained once and
// retried, which cannot recur: at most depth commands are ever in
// flight.
func (r *Runner) commitAndFetch(tag uint16, result int32) error {
	sqe, err := r.ring.GetSQE()
	if errors.Is(err, uring.ErrRingFull) {
		if _, serr := r.ring.Submit(); serr != nil {
			return serr
		}
		sqe, err = r.ring.GetSQE()
	}
	if err != nil {
		return fmt.Errorf("ublk: queue %d commit tag %d: %w", r.queueID, tag, err)
	}

	r.prepIOCmd(sqe, uapi.UBLK_IO_COMMIT_AND_FETCH_REQ, tag, result, true)
	r.tagStates[tag] = TagInFlightCommit
	return nil
}

// Stop makes the serve loop exit after its current iteration. The
// loop is typically parked in the kernel; STOP_DEV on the controller
// is what actually wakes it.
func (r *Runner) Stop() {
	r.stop.Store(true)
}

// LastError reports the first abnormal error the loop recorded, if
// any.
func (r *Runner) LastError() error {
	return r.lastErr
}

// TagStates returns a copy of the per-tag states, for tests and
// debugging.
func (r *Runner) TagStates() []TagState {
	out := make([]TagState, len(r.tagStates))
	copy(out, r.tagStates)
	return out
}

// Close tears down the ring, both mappings and the device handle, in
// reverse order of construction.
func (r *Runner) Close() error {
	r.Stop()

	var firstErr error
	if r.ring != nil {
		if err := r.ring.Close(); err != nil {
			firstErr = err
		}
		r.ring = nil
	}
	if r.descMem != nil {
		if err := unix.Munmap(r.descMem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.descMem = nil
	}
	if r.bufMem != nil {
		if err := unix.Munmap(r.bufMem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.bufMem = nil
	}
	if r.fd >= 0 {
		if err := syscall.Close(r.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		r.fd = -1
	}
	return firstErr
}
