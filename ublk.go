//go:build linux

// Package ublk implements the server side of the Linux ublk protocol:
// it exposes a virtual block device (/dev/ublkbN) whose I/O is
// serviced by a Backend in this process. The kernel dispatches block
// requests over io_uring URING_CMD through per-device character
// devices; this package owns the device lifecycle and the per-queue
// completion loops.
package ublk

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/goublk/ublk/internal/ctrl"
	"github.com/goublk/ublk/internal/queue"
	"github.com/goublk/ublk/internal/uapi"
)

// DeviceState is the orchestrator's lifecycle state. Transitions are
// linear: Configured -> Starting -> Running -> Stopping -> Stopped.
type DeviceState string

const (
	StateConfigured DeviceState = "configured"
	StateStarting   DeviceState = "starting"
	StateRunning    DeviceState = "running"
	StateStopping   DeviceState = "stopping"
	StateStopped    DeviceState = "stopped"
)

// DeviceParams configures a device.
type DeviceParams struct {
	// Backend services the device's I/O. Required.
	Backend Backend

	// NumQueues is the number of hardware queues, each with its own
	// ring and OS thread. Default 1.
	NumQueues int

	// QueueDepth per queue; must be a power of two. Default 64.
	QueueDepth int

	// LogicalBlockSize in bytes; must be a power of two >= 512.
	// Default 512.
	LogicalBlockSize int

	// MaxIOBufBytes is the per-tag buffer size and the cap on a single
	// request. Default 64 KiB.
	MaxIOBufBytes int

	// DeviceID requests a specific id; AutoAssignDeviceID (the
	// default) lets the kernel pick.
	DeviceID int32

	// Device attributes surfaced through the basic parameters.
	ReadOnly      bool
	Rotational    bool
	VolatileCache bool
	FUA           bool

	// Discard geometry, used only when Backend implements
	// DiscardBackend.
	DiscardGranularity uint32 // default 4096
	MaxDiscardSectors  uint32 // default 0xffffffff
	MaxDiscardSegments uint16 // default 256

	// StartDelay sits between the last queue arming and START_DEV, so
	// the kernel can observe every queue in its I/O wait. The required
	// delay varies by kernel; tune rather than hard-code. Default
	// DefaultStartDelay.
	StartDelay time.Duration

	// CPUAffinity, when set, pins queue thread N to
	// CPUAffinity[N mod len].
	CPUAffinity []int

	// ShareCharDev opens /dev/ublkcN once and hands each queue a
	// duplicated descriptor instead of letting every queue open the
	// device itself. Both disciplines work.
	ShareCharDev bool
}

// DefaultParams returns the defaults for a backend.
func DefaultParams(backend Backend) DeviceParams {
	return DeviceParams{
		Backend:            backend,
		NumQueues:          1,
		QueueDepth:         DefaultQueueDepth,
		LogicalBlockSize:   DefaultLogicalBlockSize,
		MaxIOBufBytes:      DefaultMaxIOBufBytes,
		DeviceID:           AutoAssignDeviceID,
		DiscardGranularity: 4096,
		MaxDiscardSectors:  0xffffffff,
		MaxDiscardSegments: 256,
		StartDelay:         DefaultStartDelay,
	}
}

// Options carries the optional hooks.
type Options struct {
	// Logger receives debug output. Nil means silent.
	Logger Logger

	// Observer receives I/O measurements. Nil installs a metrics
	// observer feeding Device.Metrics.
	Observer Observer
}

// Device is a live or configurable ublk device.
type Device struct {
	// ID is the kernel-assigned device id.
	ID uint32
	// Path is the block device node, e.g. /dev/ublkb0.
	Path string
	// CharPath is the character device node, e.g. /dev/ublkc0.
	CharPath string

	params   DeviceParams
	ctrl     *ctrl.Controller
	runners  []*queue.Runner
	joins    []chan struct{}
	logger   Logger
	observer Observer
	metrics  *Metrics

	mu      sync.Mutex
	state   DeviceState
	deleted bool
}

func validateParams(p *DeviceParams) error {
	if p.Backend == nil {
		return &Error{Op: "ADD_DEV", Queue: -1, Code: ErrCodeInvalidParameters,
			Inner: errors.New("nil backend")}
	}
	if p.NumQueues <= 0 {
		p.NumQueues = 1
	}
	if p.QueueDepth == 0 {
		p.QueueDepth = DefaultQueueDepth
	}
	if p.QueueDepth < 0 || p.QueueDepth&(p.QueueDepth-1) != 0 ||
		p.QueueDepth > uapi.UBLK_MAX_QUEUE_DEPTH {
		return &Error{Op: "ADD_DEV", Queue: -1, Code: ErrCodeInvalidParameters,
			Inner: fmt.Errorf("queue depth %d", p.QueueDepth)}
	}
	if p.NumQueues > uapi.UBLK_MAX_NR_QUEUES {
		return &Error{Op: "ADD_DEV", Queue: -1, Code: ErrCodeInvalidParameters,
			Inner: fmt.Errorf("%d queues", p.NumQueues)}
	}
	if p.LogicalBlockSize == 0 {
		p.LogicalBlockSize = DefaultLogicalBlockSize
	}
	if bs := p.LogicalBlockSize; bs < 512 || bs&(bs-1) != 0 {
		return &Error{Op: "SET_PARAMS", Queue: -1, Code: ErrCodeInvalidParameters,
			Inner: fmt.Errorf("logical block size %d", bs)}
	}
	if p.MaxIOBufBytes == 0 {
		p.MaxIOBufBytes = DefaultMaxIOBufBytes
	}
	if p.StartDelay == 0 {
		p.StartDelay = DefaultStartDelay
	}
	if p.Backend.Size()%int64(p.LogicalBlockSize) != 0 {
		return &Error{Op: "SET_PARAMS", Queue: -1, Code: ErrCodeInvalidParameters,
			Inner: fmt.Errorf("backend size %d not a multiple of block size %d",
				p.Backend.Size(), p.LogicalBlockSize)}
	}
	return nil
}

// New registers the device with the kernel (ADD_DEV + SET_PARAMS) and
// returns it in the configured state. Call Start to arm the queues
// and bring /dev/ublkbN online, and Close to delete the device.
func New(params DeviceParams, opts *Options) (*Device, error) {
	if err := validateParams(&params); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}

	c, err := ctrl.NewController()
	if err != nil {
		return nil, wrapOp("OPEN_CONTROL", 0, err)
	}

	devID := uint32(uapi.DevIDAutoAssign)
	if params.DeviceID >= 0 {
		devID = uint32(params.DeviceID)
	}
	info := &uapi.UblksrvCtrlDevInfo{
		NrHwQueues:    uint16(params.NumQueues),
		QueueDepth:    uint16(params.QueueDepth),
		MaxIOBufBytes: uint32(params.MaxIOBufBytes),
		DevID:         devID,
		UblksrvPID:    int32(os.Getpid()),
	}
	if err := c.AddDevice(info); err != nil {
		c.Close()
		return nil, wrapOp("ADD_DEV", 0, err)
	}

	if err := c.SetParams(info.DevID, buildParams(&params)); err != nil {
		// Half-created devices are deleted, not leaked.
		_ = c.DeleteDevice(info.DevID)
		c.Close()
		return nil, wrapOp("SET_PARAMS", info.DevID, err)
	}

	d := &Device{
		ID:       info.DevID,
		Path:     uapi.UblkBlockDevicePath(info.DevID),
		CharPath: uapi.UblkDevicePath(info.DevID),
		params:   params,
		ctrl:     c,
		logger:   opts.Logger,
		metrics:  NewMetrics(),
		state:    StateConfigured,
	}
	d.observer = opts.Observer
	if d.observer == nil {
		d.observer = NewMetricsObserver(d.metrics)
	}
	return d, nil
}

// buildParams translates DeviceParams into the kernel parameter
// buffer.
func buildParams(p *DeviceParams) *uapi.UblkParams {
	kp := uapi.BasicParams(p.Backend.Size(), p.LogicalBlockSize)
	if p.ReadOnly {
		kp.Basic.Attrs |= uapi.UBLK_ATTR_READ_ONLY
	}
	if p.Rotational {
		kp.Basic.Attrs |= uapi.UBLK_ATTR_ROTATIONAL
	}
	if p.VolatileCache {
		kp.Basic.Attrs |= uapi.UBLK_ATTR_VOLATILE_CACHE
	}
	if p.FUA {
		kp.Basic.Attrs |= uapi.UBLK_ATTR_FUA
	}
	if _, ok := p.Backend.(DiscardBackend); ok {
		kp.Types |= uapi.UBLK_PARAM_TYPE_DISCARD
		kp.Discard = uapi.UblkParamDiscard{
			DiscardGranularity:    p.DiscardGranularity,
			MaxDiscardSectors:     p.MaxDiscardSectors,
			MaxWriteZeroesSectors: p.MaxDiscardSectors,
			MaxDiscardSegments:    p.MaxDiscardSegments,
		}
	}
	return kp
}

// Start arms every queue and issues START_DEV. Queues are constructed
// and primed strictly one at a time: concurrent arming against one
// device has been seen to race in the kernel's queue registration.
// START_DEV itself blocks until the kernel has observed every queue
// thread in its I/O wait, which is why priming happens first and why
// a short settle delay separates the two.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateConfigured {
		return &Error{Op: "START_DEV", DevID: d.ID, Queue: -1, Code: ErrCodeBadState,
			Inner: fmt.Errorf("state %s", d.state)}
	}
	d.state = StateStarting

	sharedFd := 0
	if d.params.ShareCharDev {
		fd, err := syscall.Open(d.CharPath, syscall.O_RDWR, 0)
		if err != nil {
			d.abortStartLocked()
			return wrapOp("OPEN_CHAR_DEV", d.ID, err)
		}
		sharedFd = fd
		defer syscall.Close(fd) // runners hold dups
	}

	for i := 0; i < d.params.NumQueues; i++ {
		r, err := queue.NewRunner(queue.Config{
			DevID:       d.ID,
			QueueID:     uint16(i),
			Depth:       d.params.QueueDepth,
			PerTagBytes: d.params.MaxIOBufBytes,
			Backend:     d.params.Backend,
			Logger:      d.logger,
			Observer:    d.observer,
			CPUAffinity: d.params.CPUAffinity,
			CharFd:      sharedFd,
		})
		if err != nil {
			d.abortStartLocked()
			return wrapQueue("QUEUE_INIT", d.ID, i, err)
		}

		ready := make(chan error, 1)
		join := make(chan struct{})
		d.runners = append(d.runners, r)
		d.joins = append(d.joins, join)
		go func() {
			defer close(join)
			r.Serve(ready)
		}()

		// The ready signal is the publication point: every store the
		// queue thread made while priming is visible once received.
		if err := <-ready; err != nil {
			d.abortStartLocked()
			return wrapQueue("QUEUE_PRIME", d.ID, i, err)
		}
		if d.logger != nil {
			d.logger.Debugf("ublk%d: queue %d armed", d.ID, i)
		}
	}

	time.Sleep(d.params.StartDelay)

	if err := d.ctrl.StartDevice(d.ID, os.Getpid()); err != nil {
		d.abortStartLocked()
		return wrapOp("START_DEV", d.ID, err)
	}

	if err := d.waitBlockDevice(); err != nil {
		d.abortStartLocked()
		return err
	}

	d.state = StateRunning
	if d.logger != nil {
		d.logger.Printf("ublk%d: running at %s (%d queues, depth %d)",
			d.ID, d.Path, d.params.NumQueues, d.params.QueueDepth)
	}
	return nil
}

// waitBlockDevice polls for the block node after START_DEV; udev
// creates it asynchronously.
func (d *Device) waitBlockDevice() error {
	deadline := time.Now().Add(DeviceReadyTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(d.Path); err == nil {
			return nil
		}
		time.Sleep(deviceReadyPollInterval)
	}
	return &Error{Op: "START_DEV", DevID: d.ID, Queue: -1, Code: ErrCodeTimeout,
		Inner: fmt.Errorf("%s did not appear within %v", d.Path, DeviceReadyTimeout)}
}

// abortStartLocked tears down whatever Start managed to build: stop
// and join the spawned threads, release their queues, delete the
// kernel device. Called with d.mu held.
func (d *Device) abortStartLocked() {
	for _, r := range d.runners {
		r.Stop()
	}
	// STOP_DEV aborts outstanding fetches so parked threads wake.
	_ = d.ctrl.StopDevice(d.ID)
	for _, join := range d.joins {
		<-join
	}
	for i := len(d.runners) - 1; i >= 0; i-- {
		_ = d.runners[i].Close()
	}
	d.runners = nil
	d.joins = nil
	if d.ctrl.DeleteDevice(d.ID) == nil {
		d.deleted = true
	}
	d.state = StateStopped
}

// Stop halts I/O: signals every runner, issues STOP_DEV to unblock
// their waits, joins the threads and releases queue resources in
// reverse order of construction. After everything is down, a STOP_DEV
// failure is returned if there was one; otherwise the first abnormal
// queue error is returned.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopLocked()
}

func (d *Device) stopLocked() error {
	if d.state != StateRunning {
		return &Error{Op: "STOP_DEV", DevID: d.ID, Queue: -1, Code: ErrCodeBadState,
			Inner: fmt.Errorf("state %s", d.state)}
	}
	d.state = StateStopping

	for _, r := range d.runners {
		r.Stop()
	}

	stopErr := d.ctrl.StopDevice(d.ID)

	for _, join := range d.joins {
		<-join
	}

	var queueErr error
	for i, r := range d.runners {
		if err := r.LastError(); err != nil && queueErr == nil {
			queueErr = wrapQueue("QUEUE_RUN", d.ID, i, err)
		}
	}
	for i := len(d.runners) - 1; i >= 0; i-- {
		_ = d.runners[i].Close()
	}
	d.runners = nil
	d.joins = nil
	d.metrics.Stop()
	d.state = StateStopped

	if stopErr != nil {
		return wrapOp("STOP_DEV", d.ID, stopErr)
	}
	return queueErr
}

// Close stops the device if it is still running, deletes it from the
// kernel and releases the controller. Safe to call more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	if d.state == StateRunning {
		firstErr = d.stopLocked()
	}

	if d.ctrl != nil {
		if !d.deleted {
			if err := d.ctrl.DeleteDevice(d.ID); err != nil && firstErr == nil {
				firstErr = wrapOp("DEL_DEV", d.ID, err)
			}
			d.deleted = true
		}
		d.ctrl.Close()
		d.ctrl = nil
	}
	d.state = StateStopped
	return firstErr
}

// State returns the lifecycle state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsRunning reports whether the device is serving I/O.
func (d *Device) IsRunning() bool { return d.State() == StateRunning }

// NumQueues returns the configured queue count.
func (d *Device) NumQueues() int { return d.params.NumQueues }

// QueueDepth returns the configured per-queue depth.
func (d *Device) QueueDepth() int { return d.params.QueueDepth }

// BlockSize returns the logical block size.
func (d *Device) BlockSize() int { return d.params.LogicalBlockSize }

// Size returns the device size in bytes.
func (d *Device) Size() int64 { return d.params.Backend.Size() }

// Metrics returns the device's metrics. Populated only while the
// default observer is installed.
func (d *Device) Metrics() *Metrics { return d.metrics }

// Info is a snapshot of the device's identity and configuration.
type Info struct {
	ID         uint32      `json:"id"`
	BlockPath  string      `json:"block_path"`
	CharPath   string      `json:"char_path"`
	State      DeviceState `json:"state"`
	NumQueues  int         `json:"num_queues"`
	QueueDepth int         `json:"queue_depth"`
	BlockSize  int         `json:"block_size"`
	Size       int64       `json:"size"`
}

// Info returns a snapshot of the device.
func (d *Device) Info() Info {
	return Info{
		ID:         d.ID,
		BlockPath:  d.Path,
		CharPath:   d.CharPath,
		State:      d.State(),
		NumQueues:  d.params.NumQueues,
		QueueDepth: d.params.QueueDepth,
		BlockSize:  d.params.LogicalBlockSize,
		Size:       d.Size(),
	}
}

// CreateAndServe is the convenience path: register, configure and
// start a device in one call. The returned device is running; Close
// stops and deletes it.
func CreateAndServe(params DeviceParams, opts *Options) (*Device, error) {
	d, err := New(params, opts)
	if err != nil {
		return nil, err
	}
	if err := d.Start(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}
