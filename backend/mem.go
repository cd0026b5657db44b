// Package backend provides ready-made ublk backends.
package backend

import (
	"fmt"
	"sync"

	"github.com/goublk/ublk"
)

// ShardSize is the span of one lock shard (64 KiB). Small enough that
// 4K random I/O from multiple queues rarely contends, large enough to
// keep the lock array compact: a 256 MiB device has 4096 shards.
const ShardSize = 64 * 1024

// Memory is a RAM-backed device. The byte space is divided into
// fixed-size shards, each guarded by its own RWMutex: a read takes
// shared locks on every touched shard, a write takes exclusive locks,
// so disjoint ranges proceed in parallel across queue threads.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemory allocates a RAM backend of the given size.
func NewMemory(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

// shardRange returns the shard indices covering [off, off+length).
func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of device")
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

func (m *Memory) Size() int64 { return m.size }

// Flush is a no-op; RAM has no backing store.
func (m *Memory) Flush() error { return nil }

func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// Discard zeroes the range under exclusive shard locks.
func (m *Memory) Discard(off, length int64) error {
	if off >= m.size {
		return nil
	}
	end := off + length
	if end > m.size {
		end = m.size
	}

	start, last := m.shardRange(off, end-off)
	for i := start; i <= last; i++ {
		m.shards[i].Lock()
	}
	clear(m.data[off:end])
	for i := start; i <= last; i++ {
		m.shards[i].Unlock()
	}
	return nil
}

// WriteZeroes shares the discard path: both end in a zeroed range.
func (m *Memory) WriteZeroes(off, length int64) error {
	return m.Discard(off, length)
}

var (
	_ ublk.Backend            = (*Memory)(nil)
	_ ublk.DiscardBackend     = (*Memory)(nil)
	_ ublk.WriteZeroesBackend = (*Memory)(nil)
)
