package uffd

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildbuddy-io/snappager/enterprise/server/remote_execution/snaploader"
	"github.com/buildbuddy-io/snappager/server/metrics"
	"github.com/buildbuddy-io/snappager/server/util/flag"
	"github.com/buildbuddy-io/snappager/server/util/log"
	"github.com/buildbuddy-io/snappager/server/util/status"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var faultWorkers = flag.Int("executor.uffd.fault_workers", 1, "Number of goroutines resolving page faults concurrently in each paging session. Events are always read by a single goroutine.")

// PageSource returns the contents of guest pages. *snaploader.Source
// implements it.
type PageSource interface {
	Page(off snaploader.GuestOffset) ([]byte, snaploader.Origin, error)
}

// State is the lifecycle state of a Server.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateResolving
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateResolving:
		return "resolving"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type ServerOptions struct {
	// Host address of guest offset 0. If zero (and Mappings is empty) the
	// page containing the first fault of the session is taken to be guest
	// offset 0.
	Anchor uintptr

	// Length of the region at Anchor. Faults beyond it are rejected. Zero
	// means unbounded.
	RegionLength uint64

	// Guest memory layout reported by the hypervisor. Takes precedence over
	// Anchor.
	Mappings []GuestRegionMapping

	// Number of concurrent fault workers. Defaults to
	// executor.uffd.fault_workers.
	Workers int

	// If set, the working set is installed in a single deferred-wake batch
	// as soon as the guest layout is known: before listening when the anchor
	// is explicit, otherwise when the first fault arrives.
	WorkingSet *snaploader.WorkingSet

	// If set, the guest offset of every page served on a fault is recorded.
	Trace *Trace
}

// Server resolves the page faults of one paging session.
type Server struct {
	ch       Channel
	src      PageSource
	opts     ServerOptions
	pageSize int

	pages     *pageTracker
	installer *Installer

	// Establishing the anchor (and installing the working set) happens
	// exactly once. Workers block on it until it has completed.
	anchorOnce sync.Once
	anchor     uintptr
	anchorErr  error

	state     atomic.Int32
	resolving atomic.Int32
	stopping  atomic.Bool

	done chan struct{}
	err  error
}

func NewServer(ch Channel, src PageSource, opts ServerOptions) *Server {
	if opts.Workers <= 0 {
		opts.Workers = max(*faultWorkers, 1)
	}
	pages := newPageTracker()
	return &Server{
		ch:        ch,
		src:       src,
		opts:      opts,
		pageSize:  os.Getpagesize(),
		pages:     pages,
		installer: newInstaller(ch, pages),
		done:      make(chan struct{}),
	}
}

// Installer returns an installer for this session's guest memory. Pages it
// installs are never installed again by the server.
func (s *Server) Installer() *Installer {
	return s.installer
}

func (s *Server) State() State {
	st := State(s.state.Load())
	if st == StateListening && s.resolving.Load() > 0 {
		return StateResolving
	}
	return st
}

// InstalledPages returns the number of pages installed in this session.
func (s *Server) InstalledPages() uint64 {
	return s.pages.installedCount()
}

// Serve serves faults until the channel is closed, ctx is done or a fault
// cannot be resolved. It returns nil if the session was ended with Stop or
// by closing the channel. Serve may only be called once.
func (s *Server) Serve(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateListening)) {
		return status.FailedPreconditionError("server has already been started")
	}
	metrics.UFFDActiveSessions.Inc()
	err := s.serve(ctx)
	metrics.UFFDActiveSessions.Dec()
	metrics.UFFDSessionsEndedCount.With(prometheus.Labels{
		metrics.StatusLabel: status.MetricsLabel(err),
	}).Inc()
	if err != nil {
		log.CtxWarningf(ctx, "Paging session ended: %s", err)
	} else {
		log.CtxDebugf(ctx, "Paging session ended after installing %d pages", s.InstalledPages())
	}
	s.err = err
	s.state.Store(int32(StateClosed))
	close(s.done)
	return err
}

// Stop ends the session by closing the channel. Faults still in flight are
// abandoned.
func (s *Server) Stop() error {
	s.stopping.Store(true)
	return s.ch.Close()
}

// Wait blocks until Serve has returned, and returns its result.
func (s *Server) Wait() error {
	<-s.done
	return s.err
}

func (s *Server) serve(ctx context.Context) error {
	if s.opts.Anchor != 0 || len(s.opts.Mappings) > 0 {
		if err := s.establishAnchor(s.opts.Anchor); err != nil {
			return s.filter(ctx, err)
		}
	}

	events := make(chan FaultEvent)
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer close(events)
		for {
			ev, err := s.ch.ReadEvent(gctx)
			if err != nil {
				return s.filter(ctx, err)
			}
			select {
			case events <- ev:
			case <-gctx.Done():
				return nil
			}
		}
	})
	for range s.opts.Workers {
		eg.Go(func() error {
			for ev := range events {
				s.resolving.Add(1)
				err := s.handleEvent(gctx, ev)
				s.resolving.Add(-1)
				if err != nil {
					return s.filter(ctx, err)
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

// filter drops errors caused by the session being torn down.
func (s *Server) filter(ctx context.Context, err error) error {
	if s.stopping.Load() || errors.Is(err, ErrClosed) {
		return nil
	}
	if ctx.Err() != nil {
		return status.FromContextError(ctx)
	}
	return err
}

func (s *Server) handleEvent(ctx context.Context, ev FaultEvent) error {
	if ev.Kind != EventPageFault {
		return status.WrapErrorf(ErrProtocolViolation, "unexpected %s event (address 0x%x)", ev.Kind, ev.Address)
	}
	addr := pageStartAddress(ev.Address, s.pageSize)
	if len(s.opts.Mappings) == 0 {
		if err := s.establishAnchor(addr); err != nil {
			return err
		}
	}
	off, err := s.guestOffset(addr)
	if err != nil {
		return err
	}
	b, origin, err := s.src.Page(off)
	if err != nil {
		return status.WrapErrorf(err, "resolve fault at 0x%x", ev.Address)
	}

	switch s.pages.claimFault(addr) {
	case claimInstalled:
		// Redelivered, or raced with another install of the same page.
		metrics.UFFDDuplicateFaultsCount.Inc()
		return s.wake(addr)
	case claimPending:
		// Will be woken when its batch is released.
		metrics.UFFDDuplicateFaultsCount.Inc()
		return nil
	}

	t := time.Now()
	if err := s.ch.Copy(addr, b, CopyModeWake); err != nil {
		if errors.Is(err, ErrPageExists) {
			log.CtxDebugf(ctx, "Page 0x%x already populated, waking", addr)
			return s.wake(addr)
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		return status.WrapErrorf(ErrInstall, "install page 0x%x (guest offset 0x%x): %s", addr, off, status.Message(err))
	}
	metrics.UFFDInstallDurationUsec.With(prometheus.Labels{
		metrics.InstallModeLabel: "fault",
	}).Observe(float64(time.Since(t).Microseconds()))
	metrics.UFFDPageFaultsServedCount.With(prometheus.Labels{
		metrics.PageSourceLabel: string(origin),
	}).Inc()
	if s.opts.Trace != nil {
		s.opts.Trace.Record(off)
	}
	return nil
}

func (s *Server) wake(addr uintptr) error {
	return s.ch.Wake(addr, uint64(s.pageSize))
}

// establishAnchor fixes the host address of guest offset 0 and installs the
// working set. Only the first call has any effect; concurrent callers wait
// for it to complete.
func (s *Server) establishAnchor(addr uintptr) error {
	s.anchorOnce.Do(func() {
		s.anchor = addr
		if s.opts.WorkingSet != nil {
			s.anchorErr = s.installer.installWorkingSet(s.opts.WorkingSet, s.hostAddr)
		}
	})
	return s.anchorErr
}

// guestOffset translates the host address of a faulting page to its guest
// offset.
func (s *Server) guestOffset(addr uintptr) (snaploader.GuestOffset, error) {
	if len(s.opts.Mappings) > 0 {
		for _, m := range s.opts.Mappings {
			if m.ContainsGuestAddr(addr) {
				return snaploader.GuestOffset(addr - m.BaseHostVirtAddr + m.Offset), nil
			}
		}
		return 0, status.OutOfRangeErrorf("fault at 0x%x is outside of all guest memory mappings", addr)
	}
	if addr < s.anchor {
		return 0, status.OutOfRangeErrorf("fault at 0x%x is below the region start 0x%x", addr, s.anchor)
	}
	off := uint64(addr - s.anchor)
	if s.opts.RegionLength > 0 && off >= s.opts.RegionLength {
		return 0, status.OutOfRangeErrorf("fault at 0x%x is beyond the region [0x%x, +0x%x)", addr, s.anchor, s.opts.RegionLength)
	}
	return snaploader.GuestOffset(off), nil
}

// hostAddr is the inverse of guestOffset.
func (s *Server) hostAddr(off snaploader.GuestOffset) (uintptr, uint64, error) {
	if len(s.opts.Mappings) > 0 {
		for _, m := range s.opts.Mappings {
			if uintptr(off) >= m.Offset && uintptr(off)-m.Offset < m.Size {
				return m.BaseHostVirtAddr + (uintptr(off) - m.Offset), uint64(m.Size - (uintptr(off) - m.Offset)), nil
			}
		}
		return 0, 0, status.OutOfRangeErrorf("guest offset 0x%x is outside of all guest memory mappings", off)
	}
	if s.opts.RegionLength == 0 {
		return s.anchor + uintptr(off), ^uint64(0) - uint64(s.anchor+uintptr(off)), nil
	}
	if uint64(off) >= s.opts.RegionLength {
		return 0, 0, status.OutOfRangeErrorf("guest offset 0x%x is beyond the region length 0x%x", off, s.opts.RegionLength)
	}
	return s.anchor + uintptr(off), s.opts.RegionLength - uint64(off), nil
}
