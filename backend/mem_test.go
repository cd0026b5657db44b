package backend

import (
	"bytes"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReadWrite(t *testing.T) {
	m := NewMemory(1 << 20)

	data := []byte("hello ublk")
	n, err := m.WriteAt(data, 4096)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	buf := make([]byte, len(data))
	n, err = m.ReadAt(buf, 4096)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	assert.Equal(t, data, buf)
}

func TestMemoryBounds(t *testing.T) {
	m := NewMemory(8192)

	// read past the end returns what is available
	buf := make([]byte, 4096)
	n, err := m.ReadAt(buf, 6144)
	require.NoError(t, err)
	assert.Equal(t, 2048, n)

	// read at the end returns nothing
	n, err = m.ReadAt(buf, 8192)
	require.NoError(t, err)
	assert.Zero(t, n)

	// write past the end is truncated
	n, err = m.WriteAt(bytes.Repeat([]byte{0xFF}, 4096), 6144)
	require.NoError(t, err)
	assert.Equal(t, 2048, n)

	// write at the end fails
	_, err = m.WriteAt([]byte{1}, 8192)
	assert.Error(t, err)
}

func TestMemoryDiscard(t *testing.T) {
	m := NewMemory(ShardSize * 4)
	_, err := m.WriteAt(bytes.Repeat([]byte{0xAB}, ShardSize*4), 0)
	require.NoError(t, err)

	// discard spanning a shard boundary
	require.NoError(t, m.Discard(ShardSize-512, 1024))

	buf := make([]byte, 1024)
	_, err = m.ReadAt(buf, ShardSize-512)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 1024), buf)

	// neighbours untouched
	_, err = m.ReadAt(buf[:1], ShardSize-513)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), buf[0])

	// discard past the end clips quietly
	require.NoError(t, m.Discard(ShardSize*4-512, 4096))
	require.NoError(t, m.Discard(ShardSize*5, 4096))
}

// Concurrent writers on disjoint shards and readers across them must
// neither race nor corrupt. Run with -race.
func TestMemoryConcurrentAccess(t *testing.T) {
	const workers = 8
	const perWorker = ShardSize

	m := NewMemory(workers * perWorker)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			pattern := bytes.Repeat([]byte{byte(w + 1)}, 4096)
			base := int64(w) * perWorker
			for i := 0; i < 64; i++ {
				off := base + int64(i%16)*4096
				if _, err := m.WriteAt(pattern, off); err != nil {
					t.Error(err)
					return
				}
				buf := make([]byte, 4096)
				if _, err := m.ReadAt(buf, off); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	// every worker's region carries its own byte
	for w := 0; w < workers; w++ {
		buf := make([]byte, 1)
		_, err := m.ReadAt(buf, int64(w)*perWorker)
		require.NoError(t, err)
		assert.Equal(t, byte(w+1), buf[0], "worker %d region", w)
	}
}

func TestMemoryRandomRoundTrip(t *testing.T) {
	m := NewMemory(1 << 20)

	payload := make([]byte, 256<<10)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	_, err = m.WriteAt(payload, 12345)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = m.ReadAt(got, 12345)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func BenchmarkMemoryWrite4K(b *testing.B) {
	m := NewMemory(64 << 20)
	buf := make([]byte, 4096)
	b.SetBytes(4096)
	b.RunParallel(func(pb *testing.PB) {
		off := int64(0)
		for pb.Next() {
			if _, err := m.WriteAt(buf, off%(64<<20-4096)); err != nil {
				b.Fatal(err)
			}
			off += 4096
		}
	})
}

func BenchmarkMemoryRead4K(b *testing.B) {
	m := NewMemory(64 << 20)
	buf := make([]byte, 4096)
	b.SetBytes(4096)
	b.RunParallel(func(pb *testing.PB) {
		off := int64(0)
		for pb.Next() {
			if _, err := m.ReadAt(buf, off%(64<<20-4096)); err != nil {
				b.Fatal(err)
			}
			off += 4096
		}
	})
}
