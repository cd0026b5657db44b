package backend

import "github.com/goublk/ublk"

// Null is the /dev/null of block devices: reads return zeroes, writes
// and discards vanish. Useful for protocol testing and IOPS
// benchmarking without memory traffic.
type Null struct {
	size int64
}

// NewNull returns a null backend advertising the given size.
func NewNull(size int64) *Null {
	return &Null{size: size}
}

func (n *Null) ReadAt(p []byte, off int64) (int, error) {
	clear(p)
	return len(p), nil
}

func (n *Null) WriteAt(p []byte, off int64) (int, error) {
	return len(p), nil
}

func (n *Null) Size() int64 { return n.size }

func (n *Null) Flush() error { return nil }

func (n *Null) Close() error { return nil }

func (n *Null) Discard(off, length int64) error { return nil }

func (n *Null) WriteZeroes(off, length int64) error { return nil }

var (
	_ ublk.Backend            = (*Null)(nil)
	_ ublk.DiscardBackend     = (*Null)(nil)
	_ ublk.WriteZeroesBackend = (*Null)(nil)
)
