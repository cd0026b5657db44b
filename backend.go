package ublk

import "github.com/goublk/ublk/internal/interfaces"

// Backend services block requests for a device: reads, writes, flush.
// One backend is shared by every queue of a device, each running in
// its own OS thread, so implementations must be safe under concurrent
// calls. Buffers passed to ReadAt/WriteAt are only valid for the
// duration of the call.
type Backend = interfaces.Backend

// DiscardBackend is implemented by backends that support TRIM/DISCARD.
// Backends without it answer discard requests with EOPNOTSUPP.
type DiscardBackend = interfaces.DiscardBackend

// WriteZeroesBackend is implemented by backends with an efficient
// zeroing path; others are zeroed through plain writes.
type WriteZeroesBackend = interfaces.WriteZeroesBackend

// Logger is the optional logging hook accepted in Options. The
// library emits nothing when it is nil; it never logs on its own
// behalf.
type Logger = interfaces.Logger

// Observer receives I/O measurements from the queue runners. Methods
// are invoked from the I/O hot loops and must be cheap and
// thread-safe.
type Observer = interfaces.Observer

// NoOpObserver discards all observations.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool)    {}
func (NoOpObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool)   {}
func (NoOpObserver) ObserveDiscard(bytes uint64, latencyNs uint64, success bool) {}
func (NoOpObserver) ObserveFlush(latencyNs uint64, success bool)                 {}

var _ Observer = NoOpObserver{}
