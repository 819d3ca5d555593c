package uffd

import (
	"errors"
	"os"
	"time"

	"github.com/buildbuddy-io/snappager/enterprise/server/remote_execution/snaploader"
	"github.com/buildbuddy-io/snappager/server/metrics"
	"github.com/buildbuddy-io/snappager/server/util/log"
	"github.com/buildbuddy-io/snappager/server/util/status"
	"github.com/prometheus/client_golang/prometheus"
)

// Installer copies runs of pages into guest memory ahead of faults. Pages are
// installed in deferred-wake mode: accessors blocked on them stay blocked
// until Release is called for a range covering them.
//
// An Installer obtained from Server.Installer shares the server's record of
// installed pages, so a page is never installed twice in a session no matter
// which path installs it.
type Installer struct {
	ch       Channel
	pages    *pageTracker
	pageSize int
}

// NewInstaller returns an installer with its own record of installed pages.
func NewInstaller(ch Channel) *Installer {
	return newInstaller(ch, newPageTracker())
}

func newInstaller(ch Channel, pages *pageTracker) *Installer {
	return &Installer{
		ch:       ch,
		pages:    pages,
		pageSize: os.Getpagesize(),
	}
}

// Install copies pageCount pages from src to the guest pages starting at
// start. If any of the pages has already been installed in this session,
// nothing is copied and an AlreadyExists error is returned.
func (i *Installer) Install(start uintptr, pageCount int, src []byte) error {
	if !isPageAligned(start, i.pageSize) {
		return status.InvalidArgumentErrorf("install address 0x%x is not page aligned", start)
	}
	if pageCount <= 0 {
		return status.InvalidArgumentErrorf("invalid page count %d", pageCount)
	}
	n := pageCount * i.pageSize
	if len(src) < n {
		return status.InvalidArgumentErrorf("source holds 0x%x bytes, need 0x%x for %d pages", len(src), n, pageCount)
	}
	if err := i.pages.claimBatch(start, pageCount); err != nil {
		return err
	}
	t := time.Now()
	if err := i.ch.Copy(start, src[:n], CopyModeDontWake); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		// Faults on the batch were held back waiting for a release that will
		// not come. Forget the claim and wake them so they fault again and get
		// served individually. Pages the copy did install are then woken via
		// ErrPageExists.
		i.pages.unclaimBatch(start, pageCount)
		if werr := i.ch.Wake(start, uint64(n)); werr != nil && !errors.Is(werr, ErrClosed) {
			log.Warningf("Failed to wake accessors after failed install at 0x%x: %s", start, werr)
		}
		return status.WrapErrorf(ErrInstall, "install %d pages at 0x%x: %s", pageCount, start, status.Message(err))
	}
	metrics.UFFDInstallDurationUsec.With(prometheus.Labels{
		metrics.InstallModeLabel: "batch",
	}).Observe(float64(time.Since(t).Microseconds()))
	metrics.UFFDBatchPagesInstalledCount.Add(float64(pageCount))
	return nil
}

// Release wakes the accessors blocked on [start, start+length). All installs
// in the range must have completed. A range may only be released once;
// releasing a range overlapping an earlier release fails with
// FailedPrecondition.
func (i *Installer) Release(start uintptr, length uint64) error {
	if err := validateRange(start, length); err != nil {
		return err
	}
	if err := i.pages.release(start, length); err != nil {
		return err
	}
	return i.ch.Wake(start, length)
}

// InstallWorkingSet installs every page of ws into the guest region whose
// guest offset 0 is at anchor, then releases the range covering all of them.
func (i *Installer) InstallWorkingSet(anchor uintptr, ws *snaploader.WorkingSet) error {
	return i.installWorkingSet(ws, func(off snaploader.GuestOffset) (uintptr, uint64, error) {
		return anchor + uintptr(off), ^uint64(0) - uint64(anchor+uintptr(off)), nil
	})
}

// hostAddrFunc maps a guest offset to the host address the page is installed
// at, and the number of bytes from there that are contiguous in both spaces.
type hostAddrFunc func(off snaploader.GuestOffset) (addr uintptr, contiguous uint64, err error)

func (i *Installer) installWorkingSet(ws *snaploader.WorkingSet, hostAddr hostAddrFunc) error {
	layout := ws.Layout
	if layout.PageCount() == 0 {
		return nil
	}
	pageSize := uint64(i.pageSize)
	var low, high uintptr
	first := true
	for _, r := range layout.Regions() {
		pos, _ := layout.Lookup(r.Offset)
		remaining := uint64(r.PageCount)
		off := r.Offset
		// A region may straddle the boundary between two host mappings, in
		// which case it is installed in more than one run.
		for remaining > 0 {
			addr, contiguous, err := hostAddr(off)
			if err != nil {
				return err
			}
			pages := min(remaining, contiguous/pageSize)
			if pages == 0 {
				return status.OutOfRangeErrorf("guest offset 0x%x has no room for a page at 0x%x", off, addr)
			}
			n := pages * pageSize
			if err := i.Install(addr, int(pages), ws.Data[pos:pos+int64(n)]); err != nil {
				return status.WrapErrorf(err, "install working set region at guest offset 0x%x", off)
			}
			if first || addr < low {
				low = addr
			}
			if first || addr+uintptr(n) > high {
				high = addr + uintptr(n)
			}
			first = false
			remaining -= pages
			off += snaploader.GuestOffset(n)
			pos += int64(n)
		}
	}
	if err := i.Release(low, uint64(high-low)); err != nil {
		return status.WrapError(err, "release working set")
	}
	log.Debugf("Installed working set: %d pages in [0x%x, 0x%x)", layout.PageCount(), low, high)
	return nil
}
