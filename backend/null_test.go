package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullReadsZero(t *testing.T) {
	n := NewNull(256 << 20)
	assert.Equal(t, int64(256<<20), n.Size())

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = 0xFF
	}
	got, err := n.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, got)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
}

func TestNullWritesVanish(t *testing.T) {
	n := NewNull(1 << 20)

	got, err := n.WriteAt(make([]byte, 4096), 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, got)

	require.NoError(t, n.Flush())
	require.NoError(t, n.Discard(0, 1<<20))
	require.NoError(t, n.WriteZeroes(0, 1<<20))
	require.NoError(t, n.Close())
}
