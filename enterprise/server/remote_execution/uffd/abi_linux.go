//go:build linux && !android

package uffd

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Definitions from linux/userfaultfd.h. The ioctl request numbers are the
// same on amd64 and arm64.
const (
	uffdAPI = 0xAA

	uffdioAPI        = 0xc018aa3f
	uffdioRegister   = 0xc020aa00
	uffdioUnregister = 0x8010aa01
	uffdioWake       = 0x8010aa02
	uffdioCopy       = 0xc028aa03

	uffdioRegisterModeMissing = 1 << 0

	// Bits of uffdio_register.ioctls, indexed by ioctl number.
	uffdioCopyBit = 1 << 0x03
	uffdioWakeBit = 1 << 0x02

	uffdMsgSize = 32
)

type uffdioAPIArg struct {
	API      uint64
	Features uint64
	Ioctls   uint64
}

type uffdioRange struct {
	Start uint64
	Len   uint64
}

type uffdioRegisterArg struct {
	Range  uffdioRange
	Mode   uint64
	Ioctls uint64
}

// uffdioCopyArg contains input/output data to the UFFDIO_COPY ioctl.
type uffdioCopyArg struct {
	Dst  uint64 // Address of the faulting region that memory should be copied to
	Src  uint64 // Source of copy
	Len  uint64 // Number of bytes to copy
	Mode uint64 // Flags controlling behavior of copy
	Copy int64  // After the ioctl has completed, contains the number of bytes copied, or a negative errno
}

// The kernel rejects arguments of the wrong size, so pin them.
var (
	_ [24]byte = [unsafe.Sizeof(uffdioAPIArg{})]byte{}
	_ [16]byte = [unsafe.Sizeof(uffdioRange{})]byte{}
	_ [32]byte = [unsafe.Sizeof(uffdioRegisterArg{})]byte{}
	_ [40]byte = [unsafe.Sizeof(uffdioCopyArg{})]byte{}
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// decodeMsg decodes a uffd_msg. The page fault payload starts at offset 8:
// flags (u64) followed by the faulting address (u64).
func decodeMsg(msg *[uffdMsgSize]byte) FaultEvent {
	return FaultEvent{
		Kind:    EventKind(msg[0]),
		Flags:   binary.NativeEndian.Uint64(msg[8:16]),
		Address: uintptr(binary.NativeEndian.Uint64(msg[16:24])),
	}
}
