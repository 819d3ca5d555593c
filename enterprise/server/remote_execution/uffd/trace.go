package uffd

import (
	"encoding/csv"
	"os"
	"strconv"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/buildbuddy-io/snappager/enterprise/server/remote_execution/snaploader"
	"github.com/buildbuddy-io/snappager/server/util/status"
)

// Trace records the guest offsets of the pages a session served. A trace
// written with WriteCSV can be read back with snaploader.ReadTrace to build
// the working-set layout for the next restore of the same snapshot.
type Trace struct {
	mu      sync.Mutex
	offsets *roaring64.Bitmap
}

func NewTrace() *Trace {
	return &Trace{offsets: roaring64.New()}
}

// Record adds a served guest offset. Safe for concurrent use.
func (t *Trace) Record(off snaploader.GuestOffset) {
	t.mu.Lock()
	t.offsets.Add(uint64(off))
	t.mu.Unlock()
}

// Len returns the number of distinct offsets recorded.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.offsets.GetCardinality())
}

// Offsets returns the recorded offsets in ascending order, without
// duplicates.
func (t *Trace) Offsets() []snaploader.GuestOffset {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]snaploader.GuestOffset, 0, t.offsets.GetCardinality())
	it := t.offsets.Iterator()
	for it.HasNext() {
		out = append(out, snaploader.GuestOffset(it.Next()))
	}
	return out
}

// WriteCSV writes the trace to path, one hexadecimal offset per line.
func (t *Trace) WriteCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return status.UnavailableErrorf("create trace file: %w", err)
	}
	w := csv.NewWriter(f)
	for _, off := range t.Offsets() {
		if err := w.Write([]string{strconv.FormatUint(uint64(off), 16)}); err != nil {
			f.Close()
			return status.InternalErrorf("write trace %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return status.InternalErrorf("write trace %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return status.InternalErrorf("close trace %s: %w", path, err)
	}
	return nil
}
