package snaploader

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/buildbuddy-io/snappager/server/util/rangemap"
	"github.com/buildbuddy-io/snappager/server/util/status"
)

// GuestOffset is a byte offset into guest memory, which is also the offset
// into the snapshot file.
type GuestOffset uint64

// Region is a run of contiguous guest pages.
type Region struct {
	Offset    GuestOffset
	PageCount int
}

// WorkingSetLayout describes how the pages of a working-set file map onto
// guest memory: the regions are packed back to back in the file, in order.
type WorkingSetLayout struct {
	pageSize int
	regions  []Region
	// Guest offset range of each region -> byte offset of the region in the
	// working-set file.
	index     *rangemap.RangeMap[int64]
	pageCount int
}

// NewLayout returns a layout for the given regions, in working-set file
// order. Regions must be page aligned, non-empty and must not overlap.
func NewLayout(pageSize int, regions []Region) (*WorkingSetLayout, error) {
	l := &WorkingSetLayout{
		pageSize: pageSize,
		regions:  slices.Clone(regions),
		index:    rangemap.New[int64](),
	}
	var fileOffset int64
	for _, r := range regions {
		if uint64(r.Offset)%uint64(pageSize) != 0 {
			return nil, status.InvalidArgumentErrorf("working set region at 0x%x is not page aligned", r.Offset)
		}
		if r.PageCount <= 0 {
			return nil, status.InvalidArgumentErrorf("working set region at 0x%x has %d pages", r.Offset, r.PageCount)
		}
		end := uint64(r.Offset) + uint64(r.PageCount)*uint64(pageSize)
		if _, err := l.index.Add(uint64(r.Offset), end, fileOffset); err != nil {
			return nil, status.InvalidArgumentErrorf("working set region [0x%x, 0x%x): %s", r.Offset, end, err)
		}
		fileOffset += int64(r.PageCount) * int64(pageSize)
		l.pageCount += r.PageCount
	}
	return l, nil
}

// LayoutFromOffsets builds a layout from the guest offsets of recorded
// faults. Offsets are rounded down to page boundaries, de-duplicated and
// merged into ascending contiguous regions.
func LayoutFromOffsets(pageSize int, offsets []GuestOffset) (*WorkingSetLayout, error) {
	pages := make([]GuestOffset, 0, len(offsets))
	for _, off := range offsets {
		pages = append(pages, off-off%GuestOffset(pageSize))
	}
	slices.Sort(pages)
	pages = slices.Compact(pages)

	var regions []Region
	for _, off := range pages {
		if n := len(regions); n > 0 {
			last := &regions[n-1]
			if last.Offset+GuestOffset(last.PageCount*pageSize) == off {
				last.PageCount++
				continue
			}
		}
		regions = append(regions, Region{Offset: off, PageCount: 1})
	}
	return NewLayout(pageSize, regions)
}

// ReadTrace reads a fault trace (one hexadecimal guest offset per CSV
// record, as written by uffd.Trace) and returns the corresponding layout.
func ReadTrace(path string, pageSize int) (*WorkingSetLayout, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.NotFoundErrorf("open trace: %w", err)
		}
		return nil, status.UnavailableErrorf("open trace: %w", err)
	}
	defer f.Close()

	var offsets []GuestOffset
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, status.InvalidArgumentErrorf("read trace %s: %w", path, err)
		}
		if len(record) == 0 || record[0] == "" {
			continue
		}
		off, err := strconv.ParseUint(strings.TrimPrefix(record[0], "0x"), 16, 64)
		if err != nil {
			line, _ := r.FieldPos(0)
			return nil, status.InvalidArgumentErrorf("trace %s line %d: bad offset %q", path, line, record[0])
		}
		offsets = append(offsets, GuestOffset(off))
	}
	return LayoutFromOffsets(pageSize, offsets)
}

// Lookup returns the byte offset in the working-set file of the page at the
// given guest offset.
func (l *WorkingSetLayout) Lookup(off GuestOffset) (int64, bool) {
	r := l.index.Get(uint64(off))
	if r == nil {
		return 0, false
	}
	return r.Val + int64(uint64(off)-r.Left), true
}

// Regions returns the regions in working-set file order.
func (l *WorkingSetLayout) Regions() []Region {
	return l.regions
}

func (l *WorkingSetLayout) PageCount() int {
	return l.pageCount
}

func (l *WorkingSetLayout) PageSize() int {
	return l.pageSize
}

// SizeBytes returns the size of the working-set file described by l.
func (l *WorkingSetLayout) SizeBytes() int64 {
	return int64(l.pageCount) * int64(l.pageSize)
}
