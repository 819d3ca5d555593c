package uffd

import (
	"context"
	"fmt"
	"os"

	"github.com/buildbuddy-io/snappager/server/util/status"
)

// EventKind is the event type byte of a uffd_msg.
type EventKind uint8

const (
	EventPageFault EventKind = 0x12
	EventFork      EventKind = 0x13
	EventRemap     EventKind = 0x14
	EventRemove    EventKind = 0x15
	EventUnmap     EventKind = 0x16
)

func (k EventKind) String() string {
	switch k {
	case EventPageFault:
		return "pagefault"
	case EventFork:
		return "fork"
	case EventRemap:
		return "remap"
	case EventRemove:
		return "remove"
	case EventUnmap:
		return "unmap"
	}
	return fmt.Sprintf("unknown(0x%x)", uint8(k))
}

// Page fault flags reported in FaultEvent.Flags.
const (
	PageFaultFlagWrite uint64 = 1 << 0
	PageFaultFlagWP    uint64 = 1 << 1
)

// FaultEvent is a single notification read from a fault channel.
type FaultEvent struct {
	Kind    EventKind
	Flags   uint64
	Address uintptr
}

// CopyMode controls whether a copy wakes the accessors blocked on the
// destination range.
type CopyMode uint64

const (
	// CopyModeWake releases blocked accessors as soon as the copy completes.
	CopyModeWake CopyMode = 0
	// CopyModeDontWake leaves accessors blocked until an explicit Wake.
	CopyModeDontWake CopyMode = 1
)

// Channel is the narrow interface through which faults are received and
// resolved. Handle implements it on top of a real userfaultfd; tests use a
// simulated implementation.
//
// ReadEvent must only be called by one goroutine at a time. Copy and Wake
// may be called concurrently for distinct pages.
type Channel interface {
	// ReadEvent blocks until an event is available, the channel is closed
	// (ErrClosed) or ctx is done.
	ReadEvent(ctx context.Context) (FaultEvent, error)

	// Copy installs src at dst. dst must be page aligned and len(src) a
	// multiple of the page size. Returns an error matching ErrPageExists if
	// a destination page is already populated.
	Copy(dst uintptr, src []byte, mode CopyMode) error

	// Wake releases the accessors blocked on [start, start+length).
	Wake(start uintptr, length uint64) error

	// Close tears down the channel. Blocked readers return ErrClosed.
	Close() error
}

var (
	// ErrSetup is returned when a paging session cannot be established.
	ErrSetup = status.FailedPreconditionError("userfaultfd setup failed")

	// ErrProtocolViolation is returned when the fault channel delivers
	// something other than a page fault.
	ErrProtocolViolation = status.InternalError("userfaultfd protocol violation")

	// ErrInstall is returned when a page could not be copied into the guest.
	// The guest memory of the session is in an unknown state afterwards.
	ErrInstall = status.InternalError("page install failed")

	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = status.CanceledError("userfaultfd channel closed")

	// ErrPageExists is returned by Copy when the destination page is already
	// populated (EEXIST).
	ErrPageExists = status.AlreadyExistsError("page already populated")
)

// GuestRegionMapping maps a range of host virtual addresses backing guest
// memory to an offset in the snapshot file. This is the format in which
// firecracker describes guest memory when handing over its userfaultfd.
type GuestRegionMapping struct {
	BaseHostVirtAddr uintptr `json:"base_host_virt_addr"`
	Size             uintptr `json:"size"`
	Offset           uintptr `json:"offset"`
}

func (g *GuestRegionMapping) ContainsGuestAddr(addr uintptr) bool {
	return addr >= g.BaseHostVirtAddr && addr < g.BaseHostVirtAddr+g.Size
}

// pageStartAddress returns the address of the start of the page containing
// addr.
func pageStartAddress(addr uintptr, pageSize int) uintptr {
	return addr - addr%uintptr(pageSize)
}

func isPageAligned(addr uintptr, pageSize int) bool {
	return addr%uintptr(pageSize) == 0
}

func validateRange(start uintptr, length uint64) error {
	pageSize := os.Getpagesize()
	if length == 0 {
		return status.InvalidArgumentError("empty range")
	}
	if !isPageAligned(start, pageSize) || length%uint64(pageSize) != 0 {
		return status.InvalidArgumentErrorf("range [0x%x, +0x%x) is not page aligned", start, length)
	}
	if uint64(start)+length < uint64(start) {
		return status.InvalidArgumentErrorf("range [0x%x, +0x%x) overflows", start, length)
	}
	return nil
}
