package ublk

import "time"

// Defaults for DeviceParams.
const (
	// DefaultQueueDepth is the per-queue depth. Must be a power of two.
	DefaultQueueDepth = 64

	// DefaultLogicalBlockSize in bytes.
	DefaultLogicalBlockSize = 512

	// DefaultMaxIOBufBytes is the buffer allocated per tag, which also
	// caps a single request.
	DefaultMaxIOBufBytes = 64 * 1024

	// AutoAssignDeviceID requests a kernel-chosen device id.
	AutoAssignDeviceID = -1
)

// Lifecycle timing.
const (
	// DefaultStartDelay sits between "all queues armed" and START_DEV.
	// The kernel needs to observe every queue parked in its I/O wait;
	// how long that takes varies by kernel (100 ms documented, up to
	// 500 ms seen in the wild), so DeviceParams.StartDelay overrides
	// this.
	DefaultStartDelay = 100 * time.Millisecond

	// DeviceReadyTimeout bounds the wait for /dev/ublkbN to appear
	// after START_DEV.
	DeviceReadyTimeout = 5 * time.Second

	// deviceReadyPollInterval is how often the block-device node is
	// polled during that wait.
	deviceReadyPollInterval = 10 * time.Millisecond
)
