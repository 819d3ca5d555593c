//go:build linux && !android

package uffd

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/buildbuddy-io/snappager/server/util/log"
	"github.com/buildbuddy-io/snappager/server/util/rangemap"
	"github.com/buildbuddy-io/snappager/server/util/status"
	"golang.org/x/sys/unix"
)

var (
	// Ranges registered by this process. Registering an overlapping range
	// while a handle is open is rejected.
	registryMu sync.Mutex
	registry   = rangemap.New[*Handle]()
)

// Handle is an open userfaultfd. It implements Channel.
type Handle struct {
	fd int

	// The range registered by this process, if any. Handles received from
	// another process (see ReceiveHandle) are registered by their sender.
	start      uintptr
	length     uint64
	registered bool

	// Written to when the handle is closed, so that a reader blocked in poll
	// returns.
	earlyTerminationReader *os.File
	earlyTerminationWriter *os.File

	closed atomic.Bool
	// Held by the goroutine blocked in ReadEvent.
	readMu sync.Mutex
	// Held for reading by in-flight Copy / Wake calls, and for writing by
	// Close.
	opMu sync.RWMutex

	closeOnce sync.Once
	closeErr  error
}

// Register opens a userfaultfd, negotiates the API and registers
// [start, start+length) in missing-page mode. The range must be page aligned
// and mapped in this process.
//
// Goroutines of this process that access the range block inside the fault
// without releasing their P. Serving them needs GOMAXPROCS of at least 2.
func Register(start uintptr, length uint64) (*Handle, error) {
	if err := validateRange(start, length); err != nil {
		return nil, err
	}
	end := uint64(start) + length

	registryMu.Lock()
	defer registryMu.Unlock()
	if overlapping := registry.GetOverlapping(uint64(start), end); len(overlapping) > 0 {
		return nil, status.AlreadyExistsErrorf("range [0x%x, 0x%x) overlaps registered range %s", start, end, overlapping[0])
	}

	fd, err := openUFFD()
	if err != nil {
		return nil, err
	}
	reg := uffdioRegisterArg{
		Range: uffdioRange{Start: uint64(start), Len: length},
		Mode:  uffdioRegisterModeMissing,
	}
	if err := ioctl(fd, uffdioRegister, unsafe.Pointer(&reg)); err != nil {
		unix.Close(fd)
		return nil, status.WrapErrorf(ErrSetup, "UFFDIO_REGISTER [0x%x, 0x%x): %s", start, end, err)
	}
	if reg.Ioctls&(uffdioCopyBit|uffdioWakeBit) != uffdioCopyBit|uffdioWakeBit {
		unregister(fd, uint64(start), length)
		unix.Close(fd)
		return nil, status.WrapErrorf(ErrSetup, "range [0x%x, 0x%x) does not support UFFDIO_COPY and UFFDIO_WAKE (ioctls=0x%x)", start, end, reg.Ioctls)
	}

	h, err := newHandle(fd)
	if err != nil {
		unregister(fd, uint64(start), length)
		unix.Close(fd)
		return nil, err
	}
	if _, err := registry.Add(uint64(start), end, h); err != nil {
		unregister(fd, uint64(start), length)
		unix.Close(fd)
		h.earlyTerminationReader.Close()
		h.earlyTerminationWriter.Close()
		return nil, status.InternalErrorf("record registration of [0x%x, 0x%x): %s", start, end, err)
	}
	h.start = start
	h.length = length
	h.registered = true
	log.Debugf("Registered [0x%x, 0x%x) with userfaultfd %d", start, end, fd)
	return h, nil
}

func openUFFD() (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return -1, status.WrapErrorf(ErrSetup, "userfaultfd: %s", errno)
	}
	fd := int(r)
	api := uffdioAPIArg{API: uffdAPI}
	if err := ioctl(fd, uffdioAPI, unsafe.Pointer(&api)); err != nil {
		unix.Close(fd)
		return -1, status.WrapErrorf(ErrSetup, "UFFDIO_API: %s", err)
	}
	return fd, nil
}

// NewHandleFromFD wraps a userfaultfd created (and registered) elsewhere,
// e.g. one received from a hypervisor over a unix socket. The handle takes
// ownership of fd.
func NewHandleFromFD(fd int) (*Handle, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, status.WrapErrorf(ErrSetup, "set userfaultfd %d non-blocking: %s", fd, err)
	}
	return newHandle(fd)
}

func newHandle(fd int) (*Handle, error) {
	// Create a FD that can be used to terminate Poll early
	pipeRead, pipeWrite, err := os.Pipe()
	if err != nil {
		return nil, status.WrapErrorf(ErrSetup, "create early-termination fd: %s", err)
	}
	return &Handle{
		fd:                     fd,
		earlyTerminationReader: pipeRead,
		earlyTerminationWriter: pipeWrite,
	}, nil
}

// FD returns the underlying userfaultfd.
func (h *Handle) FD() int {
	return h.fd
}

func (h *Handle) ReadEvent(ctx context.Context) (FaultEvent, error) {
	h.readMu.Lock()
	defer h.readMu.Unlock()
	if h.closed.Load() {
		return FaultEvent{}, ErrClosed
	}
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		h.interrupt()
		close(interrupted)
	})
	defer func() {
		if stop() {
			return
		}
		// The interrupt fired, possibly after an event was already read.
		// Consume it so the next read still blocks.
		<-interrupted
		if !h.closed.Load() {
			var b [1]byte
			h.earlyTerminationReader.Read(b[:])
		}
	}()

	pollFDs := []unix.PollFd{
		{Fd: int32(h.fd), Events: unix.POLLIN},
		{Fd: int32(h.earlyTerminationReader.Fd()), Events: unix.POLLIN},
	}
	var msg [uffdMsgSize]byte
	for {
		_, err := unix.Poll(pollFDs, -1)
		if err != nil {
			if err == unix.EINTR {
				// Poll call was interrupted by another signal - retry
				continue
			}
			return FaultEvent{}, status.InternalErrorf("poll userfaultfd: %s", err)
		}

		// Check for an early termination message
		if pollFDs[1].Revents&unix.POLLIN != 0 {
			if ctx.Err() != nil {
				return FaultEvent{}, status.FromContextError(ctx)
			}
			return FaultEvent{}, ErrClosed
		}
		if pollFDs[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return FaultEvent{}, ErrClosed
		}

		n, err := unix.Read(h.fd, msg[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return FaultEvent{}, status.InternalErrorf("read userfaultfd: %s", err)
		}
		if n != uffdMsgSize {
			return FaultEvent{}, status.WrapErrorf(ErrProtocolViolation, "short uffd_msg read (%d bytes)", n)
		}
		return decodeMsg(&msg), nil
	}
}

func (h *Handle) interrupt() {
	// The pipe only needs to become readable. If it is already full, that
	// is the case.
	h.earlyTerminationWriter.Write([]byte{0})
}

func (h *Handle) Copy(dst uintptr, src []byte, mode CopyMode) error {
	h.opMu.RLock()
	defer h.opMu.RUnlock()
	if h.closed.Load() {
		return ErrClosed
	}
	pageSize := os.Getpagesize()
	if !isPageAligned(dst, pageSize) || len(src) == 0 || len(src)%pageSize != 0 {
		return status.InvalidArgumentErrorf("UFFDIO_COPY of 0x%x bytes to 0x%x is not page aligned", len(src), dst)
	}
	copied := 0
	for copied < len(src) {
		arg := uffdioCopyArg{
			Dst:  uint64(dst) + uint64(copied),
			Src:  uint64(uintptr(unsafe.Pointer(&src[copied]))),
			Len:  uint64(len(src) - copied),
			Mode: uint64(mode),
		}
		err := ioctl(h.fd, uffdioCopy, unsafe.Pointer(&arg))
		if arg.Copy > 0 {
			copied += int(arg.Copy)
		}
		switch {
		case err == nil:
			if arg.Copy <= 0 {
				return status.InternalErrorf("UFFDIO_COPY to 0x%x made no progress", arg.Dst)
			}
		case errors.Is(err, unix.EAGAIN):
			// The target mm changed under us; retry the remainder.
			continue
		case errors.Is(err, unix.EEXIST):
			return status.WrapErrorf(ErrPageExists, "UFFDIO_COPY to 0x%x", arg.Dst)
		case errors.Is(err, unix.ESRCH):
			// The process owning the registered range has exited.
			return ErrClosed
		default:
			return status.InternalErrorf("UFFDIO_COPY of 0x%x bytes to 0x%x: %s", arg.Len, arg.Dst, err)
		}
	}
	return nil
}

func (h *Handle) Wake(start uintptr, length uint64) error {
	h.opMu.RLock()
	defer h.opMu.RUnlock()
	if h.closed.Load() {
		return ErrClosed
	}
	r := uffdioRange{Start: uint64(start), Len: length}
	if err := ioctl(h.fd, uffdioWake, unsafe.Pointer(&r)); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrClosed
		}
		return status.InternalErrorf("UFFDIO_WAKE [0x%x, +0x%x): %s", start, length, err)
	}
	return nil
}

// Close interrupts a blocked ReadEvent, waits for in-flight Copy and Wake
// calls, unregisters the range and closes the userfaultfd. Accessors still
// blocked on the range are released by the kernel. Close is idempotent.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.interrupt()

		// Wait for the reader to return.
		h.readMu.Lock()
		defer h.readMu.Unlock()
		// Wait for in-flight commands.
		h.opMu.Lock()
		defer h.opMu.Unlock()

		if h.registered {
			if err := unregister(h.fd, uint64(h.start), h.length); err != nil {
				h.closeErr = err
			}
			registryMu.Lock()
			registry.Remove(uint64(h.start), uint64(h.start)+h.length)
			registryMu.Unlock()
		}
		if err := unix.Close(h.fd); err != nil && h.closeErr == nil {
			h.closeErr = status.InternalErrorf("close userfaultfd: %s", err)
		}
		h.earlyTerminationReader.Close()
		h.earlyTerminationWriter.Close()
	})
	return h.closeErr
}

func unregister(fd int, start, length uint64) error {
	r := uffdioRange{Start: start, Len: length}
	if err := ioctl(fd, uffdioUnregister, unsafe.Pointer(&r)); err != nil {
		return status.InternalErrorf("UFFDIO_UNREGISTER [0x%x, +0x%x): %s", start, length, err)
	}
	return nil
}
