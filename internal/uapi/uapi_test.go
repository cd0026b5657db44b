package uapi

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

// Record sizes are part of the kernel ABI; a drift here corrupts the
// SQE cmd area or the shared descriptor region.
func TestStructSizes(t *testing.T) {
	tests := []struct {
		name     string
		size     uintptr
		expected int
	}{
		{"UblksrvCtrlCmd", unsafe.Sizeof(UblksrvCtrlCmd{}), 32},
		{"UblksrvCtrlDevInfo", unsafe.Sizeof(UblksrvCtrlDevInfo{}), 64},
		{"UblksrvIOCmd", unsafe.Sizeof(UblksrvIOCmd{}), 16},
		{"UblksrvIODesc", unsafe.Sizeof(UblksrvIODesc{}), 24},
		{"UblkParamBasic", unsafe.Sizeof(UblkParamBasic{}), 32},
		{"UblkParamDiscard", unsafe.Sizeof(UblkParamDiscard{}), 20},
		{"UblkParamDevt", unsafe.Sizeof(UblkParamDevt{}), 16},
		{"UblkParamZoned", unsafe.Sizeof(UblkParamZoned{}), 32},
		{"UblkParams", unsafe.Sizeof(UblkParams{}), 128},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if int(tt.size) != tt.expected {
				t.Errorf("%s size = %d, want %d", tt.name, tt.size, tt.expected)
			}
		})
	}
}

// Golden command numbers from the kernel's ublk_cmd.h.
func TestIoctlGoldenValues(t *testing.T) {
	tests := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"ADD_DEV", CtrlCmd(UBLK_CMD_ADD_DEV), 0xc0207504},
		{"DEL_DEV", CtrlCmd(UBLK_CMD_DEL_DEV), 0xc0207505},
		{"START_DEV", CtrlCmd(UBLK_CMD_START_DEV), 0xc0207506},
		{"SET_PARAMS", CtrlCmd(UBLK_CMD_SET_PARAMS), 0xc0207508},
		{"FETCH_REQ", IOCmd(UBLK_IO_FETCH_REQ), 0xc0107520},
		{"COMMIT_AND_FETCH_REQ", IOCmd(UBLK_IO_COMMIT_AND_FETCH_REQ), 0xc0107521},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("encoded = %#x, want %#x", tt.got, tt.want)
			}
		})
	}
}

func TestIoctlEncodeFormula(t *testing.T) {
	// (dir << 30) | (size << 16) | ('u' << 8) | nr, dir = READ|WRITE = 3
	for nr := uint32(0); nr < 0x40; nr++ {
		want := 3<<30 | 32<<16 | 0x75<<8 | nr
		if got := CtrlCmd(nr); got != want {
			t.Fatalf("CtrlCmd(%#x) = %#x, want %#x", nr, got, want)
		}
		want = 3<<30 | 16<<16 | 0x75<<8 | nr
		if got := IOCmd(nr); got != want {
			t.Fatalf("IOCmd(%#x) = %#x, want %#x", nr, got, want)
		}
	}
}

func TestIODescDecoding(t *testing.T) {
	desc := &UblksrvIODesc{
		OpFlags: UBLK_IO_F_FUA | UBLK_IO_OP_WRITE,
	}
	if desc.Op() != UBLK_IO_OP_WRITE {
		t.Errorf("Op() = %d, want %d", desc.Op(), UBLK_IO_OP_WRITE)
	}
	if desc.Flags() != UBLK_IO_F_FUA>>8 {
		t.Errorf("Flags() = %#x, want %#x", desc.Flags(), UBLK_IO_F_FUA>>8)
	}

	// op is strictly the low 8 bits, flags the upper 24
	desc.OpFlags = 0xABCDEF42
	if desc.Op() != 0x42 {
		t.Errorf("Op() = %#x, want 0x42", desc.Op())
	}
	if desc.Flags() != 0xABCDEF {
		t.Errorf("Flags() = %#x, want 0xABCDEF", desc.Flags())
	}
}

func TestKnownOp(t *testing.T) {
	for _, op := range []uint8{UBLK_IO_OP_READ, UBLK_IO_OP_WRITE, UBLK_IO_OP_FLUSH, UBLK_IO_OP_DISCARD, UBLK_IO_OP_WRITE_ZEROES} {
		if !KnownOp(op) {
			t.Errorf("KnownOp(%d) = false, want true", op)
		}
	}
	for _, op := range []uint8{6, 7, 8, 9, 16, 17, 19, 0x42, 0xFF} {
		if KnownOp(op) {
			t.Errorf("KnownOp(%d) = true, want false", op)
		}
	}
}

func TestKeepAliveDescriptor(t *testing.T) {
	if !(&UblksrvIODesc{}).IsKeepAlive() {
		t.Error("zero descriptor should be keep-alive")
	}
	if (&UblksrvIODesc{OpFlags: UBLK_IO_OP_WRITE, NrSectors: 8}).IsKeepAlive() {
		t.Error("write descriptor misclassified as keep-alive")
	}
	// flush has zero sectors but a nonzero op word
	if (&UblksrvIODesc{OpFlags: UBLK_IO_OP_FLUSH}).IsKeepAlive() {
		// op FLUSH = 2 so OpFlags != 0
		t.Error("flush descriptor misclassified as keep-alive")
	}
}

func TestBasicParams(t *testing.T) {
	p := BasicParams(1<<30, 512) // 1 GiB, 512-byte blocks

	if p.Types != UBLK_PARAM_TYPE_BASIC {
		t.Errorf("Types = %#x, want basic only", p.Types)
	}
	if p.Basic.LogicalBSShift != 9 || p.Basic.PhysicalBSShift != 9 || p.Basic.IOMinShift != 9 {
		t.Errorf("shifts = %d/%d/%d, want 9/9/9",
			p.Basic.LogicalBSShift, p.Basic.PhysicalBSShift, p.Basic.IOMinShift)
	}
	if p.Basic.IOOptShift != 0 {
		t.Errorf("IOOptShift = %d, want 0", p.Basic.IOOptShift)
	}
	if p.Basic.DevSectors != 2_097_152 {
		t.Errorf("DevSectors = %d, want 2097152", p.Basic.DevSectors)
	}
	if p.Basic.MaxSectors != 1024 {
		t.Errorf("MaxSectors = %d, want 1024", p.Basic.MaxSectors)
	}

	p4k := BasicParams(64<<20, 4096)
	if p4k.Basic.LogicalBSShift != 12 {
		t.Errorf("4K shift = %d, want 12", p4k.Basic.LogicalBSShift)
	}
	if p4k.Basic.DevSectors != (64<<20)/4096 {
		t.Errorf("DevSectors = %d, want %d", p4k.Basic.DevSectors, (64<<20)/4096)
	}
}

func TestMarshalParamsFraming(t *testing.T) {
	p := BasicParams(256<<20, 512)
	buf := MarshalParams(p)

	if len(buf) != ParamsLen {
		t.Fatalf("framed length = %d, want %d", len(buf), ParamsLen)
	}
	if got := binary.LittleEndian.Uint32(buf[0:4]); got != ParamsLen {
		t.Errorf("len field = %d, want %d", got, ParamsLen)
	}
	if got := binary.LittleEndian.Uint32(buf[4:8]); got != UBLK_PARAM_TYPE_BASIC {
		t.Errorf("types field = %#x, want basic", got)
	}
	// everything past the basic record must be zero
	for i := 40; i < ParamsLen; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, buf[i])
		}
	}

	var rt UblkParams
	if err := UnmarshalParams(buf, &rt); err != nil {
		t.Fatalf("UnmarshalParams: %v", err)
	}
	if rt.Basic != p.Basic {
		t.Errorf("basic record round-trip mismatch: %+v != %+v", rt.Basic, p.Basic)
	}
}

func TestCtrlCmdWireLayout(t *testing.T) {
	cmd := &UblksrvCtrlCmd{
		DevID:   42,
		QueueID: QueueIDControl,
		Len:     64,
		Addr:    0x123456789ABCDEF0,
		Data:    0xDEADBEEF,
	}
	var buf [32]byte
	PutCtrlCmd(buf[:], cmd)

	if got := binary.LittleEndian.Uint32(buf[0:4]); got != 42 {
		t.Errorf("dev_id = %d", got)
	}
	if got := binary.LittleEndian.Uint16(buf[4:6]); got != 0xFFFF {
		t.Errorf("queue_id = %#x", got)
	}
	if got := binary.LittleEndian.Uint64(buf[8:16]); got != cmd.Addr {
		t.Errorf("addr = %#x", got)
	}
	if got := binary.LittleEndian.Uint64(buf[16:24]); got != cmd.Data {
		t.Errorf("data = %#x", got)
	}
}

func TestIOCmdWireLayout(t *testing.T) {
	cmd := &UblksrvIOCmd{QID: 1, Tag: 42, Result: -5, Addr: 0x7f0000001000}
	var buf [16]byte
	PutIOCmd(buf[:], cmd)

	if got := binary.LittleEndian.Uint16(buf[0:2]); got != 1 {
		t.Errorf("qid = %d", got)
	}
	if got := binary.LittleEndian.Uint16(buf[2:4]); got != 42 {
		t.Errorf("tag = %d", got)
	}
	if got := int32(binary.LittleEndian.Uint32(buf[4:8])); got != -5 {
		t.Errorf("result = %d", got)
	}
	if got := binary.LittleEndian.Uint64(buf[8:16]); got != cmd.Addr {
		t.Errorf("addr = %#x", got)
	}
}

func TestDevicePaths(t *testing.T) {
	if UblkDevicePath(0) != "/dev/ublkc0" {
		t.Errorf("UblkDevicePath(0) = %s", UblkDevicePath(0))
	}
	if UblkBlockDevicePath(42) != "/dev/ublkb42" {
		t.Errorf("UblkBlockDevicePath(42) = %s", UblkBlockDevicePath(42))
	}
}

func TestDevInfoRoundTrip(t *testing.T) {
	orig := &UblksrvCtrlDevInfo{
		NrHwQueues:    4,
		QueueDepth:    64,
		State:         UBLK_S_DEV_LIVE,
		MaxIOBufBytes: 64 << 10,
		DevID:         3,
		UblksrvPID:    12345,
		Flags:         UBLK_F_CMD_IOCTL_ENCODE,
		OwnerUID:      1000,
		OwnerGID:      1000,
	}
	buf := MarshalCtrlDevInfo(orig)
	if len(buf) != 64 {
		t.Fatalf("framed length = %d, want 64", len(buf))
	}

	var got UblksrvCtrlDevInfo
	if err := UnmarshalCtrlDevInfo(buf, &got); err != nil {
		t.Fatalf("UnmarshalCtrlDevInfo: %v", err)
	}
	if got != *orig {
		t.Errorf("round trip mismatch: %+v != %+v", got, *orig)
	}

	if err := UnmarshalCtrlDevInfo(buf[:32], &got); err != ErrInsufficientData {
		t.Errorf("short buffer error = %v, want ErrInsufficientData", err)
	}
}
