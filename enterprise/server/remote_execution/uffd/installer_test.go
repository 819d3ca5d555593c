package uffd_test

import (
	"context"
	"testing"
	"time"

	"github.com/buildbuddy-io/snappager/enterprise/server/remote_execution/snaploader"
	"github.com/buildbuddy-io/snappager/enterprise/server/remote_execution/uffd"
	"github.com/buildbuddy-io/snappager/enterprise/server/testutil/testuffd"
	"github.com/buildbuddy-io/snappager/server/util/status"
	"github.com/stretchr/testify/require"
)

type readResult struct {
	page int
	data []byte
	err  error
}

// startReaders starts one blocked accessor per page and waits until all of
// them have faulted.
func startReaders(t *testing.T, ch *testuffd.Channel, pageNums ...int) chan readResult {
	results := make(chan readResult, len(pageNums))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, p := range pageNums {
		go func() {
			b, err := ch.Read(ctx, ch.Addr(p), pageSize)
			results <- readResult{p, b, err}
		}()
	}
	require.Eventually(t, func() bool {
		return ch.Waiting() == len(pageNums)
	}, 10*time.Second, time.Millisecond)
	return results
}

func TestDeferredWake(t *testing.T) {
	ch := testuffd.New(t, 4)
	installer := uffd.NewInstaller(ch)
	results := startReaders(t, ch, 0, 1, 2, 3)
	faults := ch.Faults()

	require.NoError(t, installer.Install(ch.Addr(0), 4, pages(0x10, 0x11, 0x12, 0x13)))
	for p := range 4 {
		require.True(t, ch.Resident(ch.Addr(p)))
	}
	require.Never(t, func() bool {
		return ch.Waiting() < 4 || len(results) > 0
	}, 100*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, installer.Release(ch.Addr(0), uint64(4*pageSize)))
	for range 4 {
		r := <-results
		require.NoError(t, r.err)
		require.Equal(t, pages(0x10+byte(r.page)), r.data)
	}
	require.Equal(t, faults, ch.Faults())
}

func TestReleaseTwice(t *testing.T) {
	ch := testuffd.New(t, 4)
	installer := uffd.NewInstaller(ch)
	require.NoError(t, installer.Install(ch.Addr(0), 2, pages(0x10, 0x11)))
	require.NoError(t, installer.Release(ch.Addr(0), uint64(2*pageSize)))

	err := installer.Release(ch.Addr(1), uint64(2*pageSize))
	require.True(t, status.IsFailedPreconditionError(err), "err: %v", err)
	require.NoError(t, installer.Release(ch.Addr(2), uint64(2*pageSize)))
}

func TestInstallRejectsInstalledPages(t *testing.T) {
	ch := testuffd.New(t, 3)
	installer := uffd.NewInstaller(ch)
	require.NoError(t, installer.Install(ch.Addr(0), 2, pages(0x10, 0x11)))

	err := installer.Install(ch.Addr(1), 2, pages(0x21, 0x22))
	require.True(t, status.IsAlreadyExistsError(err), "err: %v", err)
	require.Equal(t, 1, ch.CopyCount(ch.Addr(1)))
	require.Equal(t, 0, ch.CopyCount(ch.Addr(2)))
}

func TestInstallValidation(t *testing.T) {
	ch := testuffd.New(t, 2)
	installer := uffd.NewInstaller(ch)
	for _, tc := range []struct {
		name  string
		start uintptr
		count int
		src   []byte
	}{
		{"unaligned", ch.Addr(0) + 1, 1, pages(0x10)},
		{"no pages", ch.Addr(0), 0, nil},
		{"short source", ch.Addr(0), 2, pages(0x10)},
	} {
		err := installer.Install(tc.start, tc.count, tc.src)
		require.True(t, status.IsInvalidArgumentError(err), "%s: %v", tc.name, err)
	}
	err := installer.Release(ch.Addr(0)+1, uint64(pageSize))
	require.True(t, status.IsInvalidArgumentError(err), "err: %v", err)
}

func TestInstallWorkingSet(t *testing.T) {
	ch := testuffd.New(t, 6)
	installer := uffd.NewInstaller(ch)
	layout, err := snaploader.NewLayout(pageSize, []snaploader.Region{
		{Offset: snaploader.GuestOffset(4 * pageSize), PageCount: 1},
		{Offset: snaploader.GuestOffset(1 * pageSize), PageCount: 2},
	})
	require.NoError(t, err)
	ws := &snaploader.WorkingSet{Layout: layout, Data: pages(0x14, 0x11, 0x12)}
	results := startReaders(t, ch, 1, 4)

	require.NoError(t, installer.InstallWorkingSet(ch.Addr(0), ws))
	for range 2 {
		r := <-results
		require.NoError(t, r.err)
		require.Equal(t, pages(0x10+byte(r.page)), r.data)
	}
	for p, want := range []bool{false, true, true, false, true, false} {
		require.Equal(t, want, ch.Resident(ch.Addr(p)), "page %d", p)
	}
}

func TestFaultOnPendingPageWaitsForRelease(t *testing.T) {
	src := openSnapshot(t, pages(0xAA, 0xBB))
	ch := testuffd.New(t, 2)
	s := uffd.NewServer(ch, src, uffd.ServerOptions{Anchor: testuffd.Base})
	results := startReaders(t, ch, 0)

	// Installed before the server sees the accessor's fault.
	require.NoError(t, s.Installer().Install(ch.Addr(0), 2, pages(0x10, 0x11)))
	go s.Serve(context.Background())
	t.Cleanup(func() {
		s.Stop()
		s.Wait()
	})

	require.Never(t, func() bool {
		return len(results) > 0
	}, 100*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, s.Installer().Release(ch.Addr(0), uint64(2*pageSize)))
	r := <-results
	require.NoError(t, r.err)
	require.Equal(t, pages(0x10), r.data)
	require.Equal(t, 1, ch.CopyCount(ch.Addr(0)))
	require.Equal(t, uffd.StateListening, s.State())
}

func TestFailedInstallLeavesPagesServable(t *testing.T) {
	src := openSnapshot(t, pages(0xAA, 0xBB))
	ch := testuffd.New(t, 2)
	s := uffd.NewServer(ch, src, uffd.ServerOptions{Anchor: testuffd.Base})
	results := startReaders(t, ch, 0)
	faults := ch.Faults()

	ch.FailCopies(status.UnavailableError("copy failed"))
	err := s.Installer().Install(ch.Addr(0), 2, pages(0x10, 0x11))
	require.ErrorIs(t, err, uffd.ErrInstall)
	// The blocked accessor is woken and faults again.
	require.Eventually(t, func() bool {
		return ch.Faults() == faults+1 && ch.Waiting() == 1
	}, 10*time.Second, time.Millisecond)
	require.Equal(t, uint64(0), s.InstalledPages())

	ch.FailCopies(nil)
	go s.Serve(context.Background())
	t.Cleanup(func() {
		s.Stop()
		s.Wait()
	})
	r := <-results
	require.NoError(t, r.err)
	require.Equal(t, pages(0xAA), r.data)
	require.Equal(t, 1, ch.CopyCount(ch.Addr(0)))
}
