package uapi

import "encoding/binary"

// Wire marshaling for the records whose addresses are passed to the
// kernel in a control header. Layouts are little-endian x86_64; each
// function writes the exact framed size so the kernel's copy_from_user
// of the declared length never reads past the buffer.

// MarshalError is returned when an input buffer is shorter than the
// record's framed size.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const ErrInsufficientData MarshalError = "insufficient data for unmarshaling"

// MarshalCtrlDevInfo frames a device-info record into 64 bytes.
func MarshalCtrlDevInfo(info *UblksrvCtrlDevInfo) []byte {
	buf := make([]byte, 64)
	binary.LittleEndian.PutUint16(buf[0:2], info.NrHwQueues)
	binary.LittleEndian.PutUint16(buf[2:4], info.QueueDepth)
	binary.LittleEndian.PutUint16(buf[4:6], info.State)
	binary.LittleEndian.PutUint16(buf[6:8], info.Pad0)
	binary.LittleEndian.PutUint32(buf[8:12], info.MaxIOBufBytes)
	binary.LittleEndian.PutUint32(buf[12:16], info.DevID)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(info.UblksrvPID))
	binary.LittleEndian.PutUint32(buf[20:24], info.Pad1)
	binary.LittleEndian.PutUint64(buf[24:32], info.Flags)
	binary.LittleEndian.PutUint64(buf[32:40], info.UblksrvFlags)
	binary.LittleEndian.PutUint32(buf[40:44], info.OwnerUID)
	binary.LittleEndian.PutUint32(buf[44:48], info.OwnerGID)
	binary.LittleEndian.PutUint64(buf[48:56], info.Reserved1)
	binary.LittleEndian.PutUint64(buf[56:64], info.Reserved2)
	return buf
}

// UnmarshalCtrlDevInfo decodes a kernel-written device-info record.
func UnmarshalCtrlDevInfo(data []byte, info *UblksrvCtrlDevInfo) error {
	if len(data) < 64 {
		return ErrInsufficientData
	}
	info.NrHwQueues = binary.LittleEndian.Uint16(data[0:2])
	info.QueueDepth = binary.LittleEndian.Uint16(data[2:4])
	info.State = binary.LittleEndian.Uint16(data[4:6])
	info.Pad0 = binary.LittleEndian.Uint16(data[6:8])
	info.MaxIOBufBytes = binary.LittleEndian.Uint32(data[8:12])
	info.DevID = binary.LittleEndian.Uint32(data[12:16])
	info.UblksrvPID = int32(binary.LittleEndian.Uint32(data[16:20]))
	info.Pad1 = binary.LittleEndian.Uint32(data[20:24])
	info.Flags = binary.LittleEndian.Uint64(data[24:32])
	info.UblksrvFlags = binary.LittleEndian.Uint64(data[32:40])
	info.OwnerUID = binary.LittleEndian.Uint32(data[40:44])
	info.OwnerGID = binary.LittleEndian.Uint32(data[44:48])
	info.Reserved1 = binary.LittleEndian.Uint64(data[48:56])
	info.Reserved2 = binary.LittleEndian.Uint64(data[56:64])
	return nil
}

// PutCtrlCmd writes a control header into dst, which must hold at
// least 32 bytes. Used to fill the SQE cmd area directly.
func PutCtrlCmd(dst []byte, cmd *UblksrvCtrlCmd) {
	binary.LittleEndian.PutUint32(dst[0:4], cmd.DevID)
	binary.LittleEndian.PutUint16(dst[4:6], cmd.QueueID)
	binary.LittleEndian.PutUint16(dst[6:8], cmd.Len)
	binary.LittleEndian.PutUint64(dst[8:16], cmd.Addr)
	binary.LittleEndian.PutUint64(dst[16:24], cmd.Data)
	binary.LittleEndian.PutUint16(dst[24:26], cmd.DevPathLen)
	binary.LittleEndian.PutUint16(dst[26:28], cmd.Pad)
	binary.LittleEndian.PutUint32(dst[28:32], cmd.Reserved)
}

// PutIOCmd writes an I/O header into dst, which must hold at least
// 16 bytes.
func PutIOCmd(dst []byte, cmd *UblksrvIOCmd) {
	binary.LittleEndian.PutUint16(dst[0:2], cmd.QID)
	binary.LittleEndian.PutUint16(dst[2:4], cmd.Tag)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(cmd.Result))
	binary.LittleEndian.PutUint64(dst[8:16], cmd.Addr)
}

// MarshalParams frames a parameter buffer into exactly ParamsLen
// bytes. Sub-records whose type bit is clear are emitted as zeroes;
// Len is forced to the framed size regardless of the struct value.
func MarshalParams(p *UblkParams) []byte {
	buf := make([]byte, ParamsLen)
	binary.LittleEndian.PutUint32(buf[0:4], ParamsLen)
	binary.LittleEndian.PutUint32(buf[4:8], p.Types)

	// basic at offset 8
	b := &p.Basic
	binary.LittleEndian.PutUint32(buf[8:12], b.Attrs)
	buf[12] = b.LogicalBSShift
	buf[13] = b.PhysicalBSShift
	buf[14] = b.IOOptShift
	buf[15] = b.IOMinShift
	binary.LittleEndian.PutUint32(buf[16:20], b.MaxSectors)
	binary.LittleEndian.PutUint32(buf[20:24], b.ChunkSectors)
	binary.LittleEndian.PutUint64(buf[24:32], b.DevSectors)
	binary.LittleEndian.PutUint64(buf[32:40], b.VirtBoundaryMask)

	// discard at offset 40
	if p.HasDiscard() {
		d := &p.Discard
		binary.LittleEndian.PutUint32(buf[40:44], d.DiscardAlignment)
		binary.LittleEndian.PutUint32(buf[44:48], d.DiscardGranularity)
		binary.LittleEndian.PutUint32(buf[48:52], d.MaxDiscardSectors)
		binary.LittleEndian.PutUint32(buf[52:56], d.MaxWriteZeroesSectors)
		binary.LittleEndian.PutUint16(buf[56:58], d.MaxDiscardSegments)
	}

	// devt at offset 60
	if p.HasDevt() {
		v := &p.Devt
		binary.LittleEndian.PutUint32(buf[60:64], v.CharMajor)
		binary.LittleEndian.PutUint32(buf[64:68], v.CharMinor)
		binary.LittleEndian.PutUint32(buf[68:72], v.DiskMajor)
		binary.LittleEndian.PutUint32(buf[72:76], v.DiskMinor)
	}

	// zoned at offset 76; never set by this server, kept zeroed
	if p.Types&UBLK_PARAM_TYPE_ZONED != 0 {
		z := &p.Zoned
		binary.LittleEndian.PutUint32(buf[76:80], z.MaxOpenZones)
		binary.LittleEndian.PutUint32(buf[80:84], z.MaxActiveZones)
		binary.LittleEndian.PutUint32(buf[84:88], z.MaxZoneAppendSectors)
	}
	// reserved bytes 88..108 and trailing pad 108..128 stay zero

	return buf
}

// UnmarshalParams decodes a kernel-written parameter buffer
// (GET_PARAMS).
func UnmarshalParams(data []byte, p *UblkParams) error {
	if len(data) < ParamsLen {
		return ErrInsufficientData
	}
	p.Len = binary.LittleEndian.Uint32(data[0:4])
	p.Types = binary.LittleEndian.Uint32(data[4:8])

	b := &p.Basic
	b.Attrs = binary.LittleEndian.Uint32(data[8:12])
	b.LogicalBSShift = data[12]
	b.PhysicalBSShift = data[13]
	b.IOOptShift = data[14]
	b.IOMinShift = data[15]
	b.MaxSectors = binary.LittleEndian.Uint32(data[16:20])
	b.ChunkSectors = binary.LittleEndian.Uint32(data[20:24])
	b.DevSectors = binary.LittleEndian.Uint64(data[24:32])
	b.VirtBoundaryMask = binary.LittleEndian.Uint64(data[32:40])

	d := &p.Discard
	d.DiscardAlignment = binary.LittleEndian.Uint32(data[40:44])
	d.DiscardGranularity = binary.LittleEndian.Uint32(data[44:48])
	d.MaxDiscardSectors = binary.LittleEndian.Uint32(data[48:52])
	d.MaxWriteZeroesSectors = binary.LittleEndian.Uint32(data[52:56])
	d.MaxDiscardSegments = binary.LittleEndian.Uint16(data[56:58])

	v := &p.Devt
	v.CharMajor = binary.LittleEndian.Uint32(data[60:64])
	v.CharMinor = binary.LittleEndian.Uint32(data[64:68])
	v.DiskMajor = binary.LittleEndian.Uint32(data[68:72])
	v.DiskMinor = binary.LittleEndian.Uint32(data[72:76])

	z := &p.Zoned
	z.MaxOpenZones = binary.LittleEndian.Uint32(data[76:80])
	z.MaxActiveZones = binary.LittleEndian.Uint32(data[80:84])
	z.MaxZoneAppendSectors = binary.LittleEndian.Uint32(data[84:88])

	return nil
}
