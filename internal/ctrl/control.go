//go:build linux

// Package ctrl drives the ublk device lifecycle over the control
// character device. Every lifecycle command follows the same shape:
// one URING_CMD SQE carrying a 32-byte control header, one submit, one
// completion.
package ctrl

import (
	"errors"
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/goublk/ublk/internal/uapi"
	"github.com/goublk/ublk/internal/uring"
)

// Lifecycle errors, one per command. Each wraps the kernel's negative
// completion result as a syscall.Errno reachable via errors.As.
var (
	ErrAddDevice     = errors.New("ublk: ADD_DEV failed")
	ErrSetParams     = errors.New("ublk: SET_PARAMS failed")
	ErrGetDeviceInfo = errors.New("ublk: GET_DEV_INFO failed")
	ErrGetParams     = errors.New("ublk: GET_PARAMS failed")
	ErrStartDevice   = errors.New("ublk: START_DEV failed")
	ErrStopDevice    = errors.New("ublk: STOP_DEV failed")
	ErrDeleteDevice  = errors.New("ublk: DEL_DEV failed")

	// ErrNoCompletion means the wait returned without delivering the
	// command's CQE; the control ring is in an unknown state.
	ErrNoCompletion = errors.New("ublk: control command produced no completion")
)

// controlRingDepth is plenty: control commands are issued one at a
// time.
const controlRingDepth = 32

// waitRetryLimit bounds EINTR retries while waiting for a command
// completion. START_DEV legitimately blocks until every queue is
// parked in its I/O wait, so interrupted waits are resumed rather than
// failed.
const waitRetryLimit = 1024

// Controller owns the control character device and a small ring.
// Not safe for concurrent use; the orchestrator serialises lifecycle
// calls.
type Controller struct {
	fd   int
	ring *uring.Ring
}

// NewController opens /dev/ublk-control and creates its ring.
func NewController() (*Controller, error) {
	fd, err := syscall.Open(uapi.UblkControlDev, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", uapi.UblkControlDev, err)
	}

	ring, err := uring.New(controlRingDepth)
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}

	return &Controller{fd: fd, ring: ring}, nil
}

// Close releases the ring and the control device.
func (c *Controller) Close() error {
	if c.ring != nil {
		c.ring.Close()
		c.ring = nil
	}
	if c.fd >= 0 {
		err := syscall.Close(c.fd)
		c.fd = -1
		return err
	}
	return nil
}

// command submits one control header and waits for its completion.
// A negative completion result is wrapped in the per-command sentinel.
func (c *Controller) command(nr uint32, hdr *uapi.UblksrvCtrlCmd, sentinel error) (int32, error) {
	sqe, err := c.ring.GetSQE()
	if err != nil {
		return 0, err
	}
	uring.PrepUringCmd(sqe, c.fd, uapi.CtrlCmd(nr), uint64(nr))
	uapi.PutCtrlCmd(sqe.Cmd[:], hdr)

	for attempt := 0; ; attempt++ {
		_, err := c.ring.SubmitAndWait(1)
		if err == nil {
			break
		}
		if errors.Is(err, syscall.EINTR) && attempt < waitRetryLimit {
			continue
		}
		return 0, err
	}

	var cqes [1]uring.CQE32
	if c.ring.CopyCQEs(cqes[:]) == 0 {
		return 0, ErrNoCompletion
	}
	res := cqes[0].Res
	if res < 0 {
		return res, fmt.Errorf("%w: %w", sentinel, syscall.Errno(-res))
	}
	return res, nil
}

// AddDevice registers a new device described by info. Set info.DevID
// to uapi.DevIDAutoAssign to let the kernel pick an id; the assigned
// id is written back into info along with whatever else the kernel
// fills in. The IOCTL_ENCODE feature bit is forced on: kernels that
// require it reject its absence, kernels that don't still accept it.
func (c *Controller) AddDevice(info *uapi.UblksrvCtrlDevInfo) error {
	info.Flags |= uapi.UBLK_F_CMD_IOCTL_ENCODE

	buf := uapi.MarshalCtrlDevInfo(info)
	hdr := &uapi.UblksrvCtrlCmd{
		DevID:   info.DevID,
		QueueID: uapi.QueueIDControl,
		Len:     uint16(len(buf)),
		Addr:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}

	_, err := c.command(uapi.UBLK_CMD_ADD_DEV, hdr, ErrAddDevice)
	runtime.KeepAlive(buf)
	if err != nil {
		return err
	}

	// The kernel overwrites the record, most importantly dev_id.
	return uapi.UnmarshalCtrlDevInfo(buf, info)
}

// SetParams installs the 128-byte parameter buffer for devID. Must be
// called after ADD_DEV and before START_DEV.
func (c *Controller) SetParams(devID uint32, params *uapi.UblkParams) error {
	buf := uapi.MarshalParams(params)
	hdr := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: uapi.QueueIDControl,
		Len:     uint16(len(buf)),
		Addr:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}

	_, err := c.command(uapi.UBLK_CMD_SET_PARAMS, hdr, ErrSetParams)
	runtime.KeepAlive(buf)
	return err
}

// GetDeviceInfo fetches the current device-info record for devID.
func (c *Controller) GetDeviceInfo(devID uint32) (*uapi.UblksrvCtrlDevInfo, error) {
	buf := make([]byte, 64)
	hdr := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: uapi.QueueIDControl,
		Len:     uint16(len(buf)),
		Addr:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}

	_, err := c.command(uapi.UBLK_CMD_GET_DEV_INFO, hdr, ErrGetDeviceInfo)
	runtime.KeepAlive(buf)
	if err != nil {
		return nil, err
	}

	info := &uapi.UblksrvCtrlDevInfo{}
	if err := uapi.UnmarshalCtrlDevInfo(buf, info); err != nil {
		return nil, err
	}
	return info, nil
}

// GetParams fetches the device's parameter buffer, including the
// kernel-filled devt sub-record once the device exists.
func (c *Controller) GetParams(devID uint32) (*uapi.UblkParams, error) {
	buf := make([]byte, uapi.ParamsLen)
	// The kernel validates the requested length against its own
	// parameter size.
	buf[0] = uapi.ParamsLen
	hdr := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: uapi.QueueIDControl,
		Len:     uint16(len(buf)),
		Addr:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}

	_, err := c.command(uapi.UBLK_CMD_GET_PARAMS, hdr, ErrGetParams)
	runtime.KeepAlive(buf)
	if err != nil {
		return nil, err
	}

	params := &uapi.UblkParams{}
	if err := uapi.UnmarshalParams(buf, params); err != nil {
		return nil, err
	}
	return params, nil
}

// StartDevice issues START_DEV with the serving pid in the inline data
// word. The kernel holds the completion until it has observed every
// armed queue sitting in its I/O wait, so this call blocks for as long
// as queue arming takes; interrupted waits are retried.
func (c *Controller) StartDevice(devID uint32, pid int) error {
	hdr := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: uapi.QueueIDControl,
		Data:    uint64(pid),
	}
	_, err := c.command(uapi.UBLK_CMD_START_DEV, hdr, ErrStartDevice)
	return err
}

// StopDevice issues STOP_DEV, which forces every queue's outstanding
// fetch to complete so the runners can observe shutdown.
func (c *Controller) StopDevice(devID uint32) error {
	hdr := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: uapi.QueueIDControl,
	}
	_, err := c.command(uapi.UBLK_CMD_STOP_DEV, hdr, ErrStopDevice)
	return err
}

// DeleteDevice issues DEL_DEV. Only valid after STOP_DEV has
// completed.
func (c *Controller) DeleteDevice(devID uint32) error {
	hdr := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: uapi.QueueIDControl,
	}
	_, err := c.command(uapi.UBLK_CMD_DEL_DEV, hdr, ErrDeleteDevice)
	return err
}
