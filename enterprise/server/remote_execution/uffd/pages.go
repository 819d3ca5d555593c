package uffd

import (
	"os"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/buildbuddy-io/snappager/server/util/rangemap"
	"github.com/buildbuddy-io/snappager/server/util/status"
)

type claimResult int

const (
	// The caller now owns installing the page.
	claimNew claimResult = iota
	// The page was already installed and its accessors released.
	claimInstalled
	// The page was installed by a batch that has not been released yet.
	claimPending
)

// pageTracker records which guest pages of a session have been installed,
// keyed by page number (address / page size). Every page is claimed exactly
// once, which is what guarantees at-most-once installation.
type pageTracker struct {
	pageSize uint64

	mu sync.Mutex
	// Installed and released.
	installed *roaring64.Bitmap
	// Installed in deferred-wake mode and awaiting release.
	pending *roaring64.Bitmap
	// Address ranges that have been released.
	released *rangemap.RangeMap[struct{}]
}

func newPageTracker() *pageTracker {
	return &pageTracker{
		pageSize:  uint64(os.Getpagesize()),
		installed: roaring64.New(),
		pending:   roaring64.New(),
		released:  rangemap.New[struct{}](),
	}
}

func (p *pageTracker) pageNumber(addr uintptr) uint64 {
	return uint64(addr) / p.pageSize
}

// claimFault claims the page containing addr for a single-page install.
func (p *pageTracker) claimFault(addr uintptr) claimResult {
	n := p.pageNumber(addr)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.installed.Contains(n) {
		return claimInstalled
	}
	if p.pending.Contains(n) {
		return claimPending
	}
	p.installed.Add(n)
	return claimNew
}

// claimBatch claims pageCount pages starting at start as pending. Either all
// pages are claimed or none are.
func (p *pageTracker) claimBatch(start uintptr, pageCount int) error {
	first := p.pageNumber(start)
	last := first + uint64(pageCount)
	p.mu.Lock()
	defer p.mu.Unlock()
	for n := first; n < last; n++ {
		if p.installed.Contains(n) || p.pending.Contains(n) {
			return status.AlreadyExistsErrorf("page 0x%x is already installed", n*p.pageSize)
		}
	}
	p.pending.AddRange(first, last)
	return nil
}

// release marks the pending pages in [start, start+length) as installed.
// Releasing a range that overlaps an already released range is an error.
func (p *pageTracker) release(start uintptr, length uint64) error {
	left := uint64(start)
	right := left + length
	p.mu.Lock()
	defer p.mu.Unlock()
	if overlapping := p.released.GetOverlapping(left, right); len(overlapping) > 0 {
		return status.FailedPreconditionErrorf("range [0x%x, 0x%x) overlaps already released range %s", left, right, overlapping[0])
	}
	if _, err := p.released.Add(left, right, struct{}{}); err != nil {
		return status.InvalidArgumentErrorf("release [0x%x, 0x%x): %s", left, right, err)
	}
	r := roaring64.New()
	r.AddRange(left/p.pageSize, (right+p.pageSize-1)/p.pageSize)
	r.And(p.pending)
	p.pending.AndNot(r)
	p.installed.Or(r)
	return nil
}

// unclaimBatch forgets the pending pages of a batch whose copy failed.
func (p *pageTracker) unclaimBatch(start uintptr, pageCount int) {
	first := p.pageNumber(start)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending.RemoveRange(first, first+uint64(pageCount))
}

// installedCount returns the number of installed pages, including pending
// ones.
func (p *pageTracker) installedCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installed.GetCardinality() + p.pending.GetCardinality()
}
