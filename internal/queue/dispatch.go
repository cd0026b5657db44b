package queue

import (
	"syscall"

	"github.com/cloudwego/gopkg/cache/mempool"

	"github.com/goublk/ublk/internal/interfaces"
	"github.com/goublk/ublk/internal/uapi"
)

// sectorShift converts the descriptor's 512-byte sector units to
// bytes. Descriptors always speak 512-byte sectors regardless of the
// device's logical block size.
const sectorShift = 9

// Dispatch executes one descriptor against the backend and returns the
// value to commit: nr_sectors × 512 on success, a negative Linux errno
// on failure. buf is the tag's buffer, already sized to the device's
// per-request maximum.
func Dispatch(b interfaces.Backend, desc *uapi.UblksrvIODesc, buf []byte) int32 {
	op := desc.Op()
	if !uapi.KnownOp(op) {
		return -int32(syscall.EOPNOTSUPP)
	}

	offset := int64(desc.StartSector) << sectorShift
	length := int64(desc.NrSectors) << sectorShift
	done := int32(desc.NrSectors) << sectorShift

	var err error
	switch op {
	case uapi.UBLK_IO_OP_READ:
		_, err = b.ReadAt(buf[:length], offset)
	case uapi.UBLK_IO_OP_WRITE:
		_, err = b.WriteAt(buf[:length], offset)
	case uapi.UBLK_IO_OP_FLUSH:
		err = b.Flush()
	case uapi.UBLK_IO_OP_DISCARD:
		db, ok := b.(interfaces.DiscardBackend)
		if !ok {
			return -int32(syscall.EOPNOTSUPP)
		}
		err = db.Discard(offset, length)
	case uapi.UBLK_IO_OP_WRITE_ZEROES:
		err = writeZeroes(b, offset, length)
	default:
		// Known to the ABI but not served here (zoned ops, WRITE_SAME).
		return -int32(syscall.EOPNOTSUPP)
	}

	if err != nil {
		return -errnoOf(err)
	}
	return done
}

// writeZeroes uses the backend's zeroing path when it has one and
// otherwise writes a pooled zero buffer. The zero region can exceed
// the per-tag buffer, so the fallback allocates transiently.
func writeZeroes(b interfaces.Backend, offset, length int64) error {
	if zb, ok := b.(interfaces.WriteZeroesBackend); ok {
		return zb.WriteZeroes(offset, length)
	}

	zeros := mempool.Malloc(int(length))
	defer mempool.Free(zeros)
	clear(zeros)

	_, err := b.WriteAt(zeros[:length], offset)
	return err
}

// errnoOf maps a backend error to a positive Linux errno, defaulting
// to EIO for errors that carry no errno.
func errnoOf(err error) int32 {
	for e := err; e != nil; {
		if errno, ok := e.(syscall.Errno); ok {
			return int32(errno)
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return int32(syscall.EIO)
}
