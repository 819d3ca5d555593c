package blockio

import (
	"errors"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/buildbuddy-io/snappager/server/util/log"
	"github.com/buildbuddy-io/snappager/server/util/status"
	"github.com/docker/go-units"
	"golang.org/x/sys/unix"
)

// Store models a read-only block-level storage system, which is useful as a
// backend for userfaultfd(2).
type Store interface {
	io.ReaderAt
	io.Closer

	// Size returns the total addressable size of the store in bytes.
	SizeBytes() (int64, error)
}

// Mmap implements the Store interface using a read-only, private
// memory-mapped file. The mapped bytes are never written, so slices returned
// by Bytes may be shared by any number of goroutines.
type Mmap struct {
	path string
	data []byte

	closeOnce sync.Once
	closeErr  error
}

// NewReadOnlyMmap maps the file at path read-only. If prefault is set, the
// mapping is populated eagerly (MAP_POPULATE) so that later reads of the
// mapping do not fault on the host.
func NewReadOnlyMmap(path string, prefault bool) (*Mmap, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.NotFoundErrorf("open %s: %w", path, err)
		}
		return nil, status.UnavailableErrorf("open %s: %w", path, err)
	}
	defer f.Close()
	s, err := f.Stat()
	if err != nil {
		return nil, status.UnavailableErrorf("stat %s: %w", path, err)
	}
	if s.Size() == 0 {
		return nil, status.FailedPreconditionErrorf("%s is empty", path)
	}
	flags := unix.MAP_PRIVATE
	if prefault {
		flags |= unix.MAP_POPULATE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(s.Size()), unix.PROT_READ, flags)
	if err != nil {
		return nil, status.InternalErrorf("mmap %s: %w", path, err)
	}
	log.Debugf("Mapped %s (%s, prefault=%t)", path, units.BytesSize(float64(len(data))), prefault)
	return &Mmap{path: path, data: data}, nil
}

// Bytes returns the mapped bytes [off, off+n) without copying.
func (m *Mmap) Bytes(off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+int64(n) > int64(len(m.data)) {
		return nil, status.OutOfRangeErrorf("range [0x%x, 0x%x) is outside of %s (size 0x%x)", off, off+int64(n), m.path, len(m.data))
	}
	return m.data[off : off+int64(n) : off+int64(n)], nil
}

func (m *Mmap) ReadAt(p []byte, off int64) (n int, err error) {
	b, err := m.Bytes(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

func (m *Mmap) SizeBytes() (int64, error) {
	return int64(len(m.data)), nil
}

// Close unmaps the file. It is safe to call more than once.
func (m *Mmap) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = unix.Munmap(m.data)
	})
	return m.closeErr
}

// AlignedBlock returns a zeroed buffer of the given size whose first byte is
// aligned to the system page size, as required for O_DIRECT reads and
// userfaultfd copies.
func AlignedBlock(size int) []byte {
	pageSize := os.Getpagesize()
	if size == 0 {
		return []byte{}
	}
	buf := make([]byte, size+pageSize)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&buf[0])) & uintptr(pageSize-1)); rem != 0 {
		off = pageSize - rem
	}
	return buf[off : off+size : off+size]
}

// ReadDirect reads exactly size bytes from the start of the file at path into
// a page-aligned buffer, bypassing the page cache with O_DIRECT. Filesystems
// that do not support O_DIRECT (e.g. tmpfs) fall back to a buffered read.
func ReadDirect(path string, size int) ([]byte, error) {
	f, err := openDirect(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.NotFoundErrorf("open %s: %w", path, err)
		}
		return nil, status.UnavailableErrorf("open %s: %w", path, err)
	}
	defer f.Close()

	buf := AlignedBlock(size)
	n, err := io.ReadFull(f, buf)
	if errors.Is(err, unix.EINVAL) && n == 0 {
		// The filesystem accepted O_DIRECT at open time but rejects the
		// transfer.
		log.Debugf("O_DIRECT read of %s rejected, retrying buffered", path)
		bf, openErr := os.Open(path)
		if openErr != nil {
			return nil, status.UnavailableErrorf("open %s: %w", path, openErr)
		}
		defer bf.Close()
		n, err = io.ReadFull(bf, buf)
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, status.DataLossErrorf("short read of %s: got %d of %d bytes", path, n, size)
	}
	if err != nil {
		return nil, status.UnavailableErrorf("read %s: %w", path, err)
	}
	return buf, nil
}

func openDirect(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_DIRECT, 0)
	if errors.Is(err, unix.EINVAL) {
		return os.Open(path)
	}
	return f, err
}
