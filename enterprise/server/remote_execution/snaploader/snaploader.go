// Package snaploader provides read access to the files a VM's guest memory
// is restored from: the full memory snapshot and an optional working set of
// hot pages.
package snaploader

import (
	"os"
	"sync"

	"github.com/buildbuddy-io/snappager/enterprise/server/remote_execution/blockio"
	"github.com/buildbuddy-io/snappager/server/util/flag"
	"github.com/buildbuddy-io/snappager/server/util/log"
	"github.com/buildbuddy-io/snappager/server/util/status"
	"github.com/docker/go-units"
)

var maxWorkingSetSize = flag.Bytes("executor.snapshot.max_working_set_size", 0, "If set, working sets larger than this (e.g. 512MB) are rejected. 0 means no limit.")

// Origin identifies which file the bytes of a page were read from.
type Origin string

const (
	OriginSnapshot   Origin = "snapshot"
	OriginWorkingSet Origin = "working_set"
)

// WorkingSet is a working-set file loaded into memory, together with the
// layout that maps its pages onto guest memory.
type WorkingSet struct {
	Layout *WorkingSetLayout
	// Page-aligned contents of the working-set file.
	Data []byte
}

// Page returns the working-set copy of the page at off, if there is one.
func (ws *WorkingSet) Page(off GuestOffset) ([]byte, bool) {
	pos, ok := ws.Layout.Lookup(off)
	if !ok {
		return nil, false
	}
	n := int64(ws.Layout.PageSize())
	return ws.Data[pos : pos+n : pos+n], true
}

// Source serves guest memory pages for one paging session. The mapped
// snapshot and the working set are never written after loading, so Page and
// Range may be called from any number of goroutines.
type Source struct {
	path     string
	pageSize int
	mem      *blockio.Mmap
	size     int64

	ws *WorkingSet

	closeOnce sync.Once
	closeErr  error
}

// Open maps the snapshot file at path read-only. If prefault is set the
// whole file is faulted in up front.
func Open(path string, prefault bool) (*Source, error) {
	mem, err := blockio.NewReadOnlyMmap(path, prefault)
	if err != nil {
		return nil, status.WrapError(err, "open snapshot")
	}
	size, err := mem.SizeBytes()
	if err != nil {
		mem.Close()
		return nil, err
	}
	pageSize := os.Getpagesize()
	if size%int64(pageSize) != 0 {
		log.Warningf("Snapshot %s size %d is not a multiple of the page size; the trailing partial page is not served", path, size)
	}
	return &Source{
		path:     path,
		pageSize: pageSize,
		mem:      mem,
		size:     size,
	}, nil
}

// LoadWorkingSet reads the working-set file at path with direct I/O. The
// file must hold exactly layout.PageCount() pages.
func (s *Source) LoadWorkingSet(path string, layout *WorkingSetLayout) error {
	if s.ws != nil {
		return status.AlreadyExistsErrorf("working set already loaded for %s", s.path)
	}
	if layout.PageSize() != s.pageSize {
		return status.InvalidArgumentErrorf("working set page size %d does not match system page size %d", layout.PageSize(), s.pageSize)
	}
	for _, r := range layout.Regions() {
		end := int64(r.Offset) + int64(r.PageCount)*int64(s.pageSize)
		if end > s.size {
			return status.OutOfRangeErrorf("working set region [0x%x, 0x%x) is outside of snapshot %s (size 0x%x)", r.Offset, end, s.path, s.size)
		}
	}
	size := layout.SizeBytes()
	if limit := maxWorkingSetSize.Bytes(); limit > 0 && size > limit {
		return status.ResourceExhaustedErrorf("working set %s is %s, limit is %s", path, units.BytesSize(float64(size)), units.BytesSize(float64(limit)))
	}
	data, err := blockio.ReadDirect(path, int(size))
	if err != nil {
		return status.WrapError(err, "load working set")
	}
	s.ws = &WorkingSet{Layout: layout, Data: data}
	log.Infof("Loaded working set %s: %d pages in %d regions (%s)", path, layout.PageCount(), len(layout.Regions()), units.BytesSize(float64(size)))
	return nil
}

// WorkingSet returns the loaded working set, or nil.
func (s *Source) WorkingSet() *WorkingSet {
	return s.ws
}

// Page returns the contents of the page at guest offset off, preferring the
// working set when it holds the page. The returned slice must not be
// modified.
func (s *Source) Page(off GuestOffset) ([]byte, Origin, error) {
	if uint64(off)%uint64(s.pageSize) != 0 {
		return nil, "", status.InvalidArgumentErrorf("guest offset 0x%x is not page aligned", off)
	}
	if s.ws != nil {
		if b, ok := s.ws.Page(off); ok {
			return b, OriginWorkingSet, nil
		}
	}
	b, err := s.Range(off, s.pageSize)
	if err != nil {
		return nil, "", err
	}
	return b, OriginSnapshot, nil
}

// Range returns length bytes of the snapshot starting at off.
func (s *Source) Range(off GuestOffset, length int) ([]byte, error) {
	if uint64(off) > uint64(s.size) {
		return nil, status.OutOfRangeErrorf("guest offset 0x%x is outside of snapshot %s (size 0x%x)", off, s.path, s.size)
	}
	return s.mem.Bytes(int64(off), length)
}

// SizeBytes returns the size of the snapshot.
func (s *Source) SizeBytes() int64 {
	return s.size
}

func (s *Source) PageSize() int {
	return s.pageSize
}

// Close unmaps the snapshot and drops the working set. No slice returned by
// Page or Range may be used afterwards.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.mem.Close()
		s.ws = nil
	})
	return s.closeErr
}
