//go:build linux && !android

package uffd_test

import (
	"context"
	"runtime"
	"testing"
	"time"
	"unsafe"

	"github.com/buildbuddy-io/snappager/enterprise/server/remote_execution/uffd"
	"github.com/buildbuddy-io/snappager/server/util/status"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// mapRegion maps anonymous memory and registers it with a real userfaultfd.
// The test is skipped if this process may not use userfaultfd.
func mapRegion(t *testing.T, pageCount int) ([]byte, *uffd.Handle) {
	// An accessor blocked in a fault keeps its P, so the reader needs another.
	if runtime.GOMAXPROCS(0) < 2 {
		prev := runtime.GOMAXPROCS(2)
		t.Cleanup(func() { runtime.GOMAXPROCS(prev) })
	}
	mem, err := unix.Mmap(-1, 0, pageCount*pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Munmap(mem) })
	h, err := uffd.Register(uintptr(unsafe.Pointer(&mem[0])), uint64(len(mem)))
	if err != nil {
		require.ErrorIs(t, err, uffd.ErrSetup)
		t.Skipf("userfaultfd not available: %s", err)
	}
	t.Cleanup(func() { h.Close() })
	return mem, h
}

func TestRegisterRejectsOverlap(t *testing.T) {
	mem, _ := mapRegion(t, 2)
	start := uintptr(unsafe.Pointer(&mem[0]))
	_, err := uffd.Register(start+uintptr(pageSize), uint64(pageSize))
	require.True(t, status.IsAlreadyExistsError(err), "err: %v", err)

	_, err = uffd.Register(start+1, uint64(pageSize))
	require.True(t, status.IsInvalidArgumentError(err), "err: %v", err)
}

func TestServeRealFaults(t *testing.T) {
	mem, h := mapRegion(t, 3)
	src := openSnapshot(t, pages(0xAA, 0xBB, 0xCC))
	s := uffd.NewServer(h, src, uffd.ServerOptions{
		Anchor:       uintptr(unsafe.Pointer(&mem[0])),
		RegionLength: uint64(len(mem)),
	})
	go s.Serve(context.Background())

	// Each access blocks its thread in the kernel until the page is served.
	done := make(chan []byte, 1)
	go func() {
		done <- []byte{mem[0], mem[2*pageSize+17], mem[pageSize+pageSize-1]}
	}()
	select {
	case got := <-done:
		require.Equal(t, []byte{0xAA, 0xCC, 0xBB}, got)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "timed out waiting for faults to be served")
	}
	require.Equal(t, uint64(3), s.InstalledPages())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Wait())
}

func TestCloseInterruptsReader(t *testing.T) {
	_, h := mapRegion(t, 1)
	errs := make(chan error, 1)
	go func() {
		_, err := h.ReadEvent(context.Background())
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, h.Close())
	require.ErrorIs(t, <-errs, uffd.ErrClosed)

	_, err := h.ReadEvent(context.Background())
	require.ErrorIs(t, err, uffd.ErrClosed)
	require.ErrorIs(t, h.Copy(0, pages(0), uffd.CopyModeWake), uffd.ErrClosed)
}

func TestReadEventHonorsContext(t *testing.T) {
	_, h := mapRegion(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.ReadEvent(ctx)
	require.True(t, status.IsDeadlineExceededError(err), "err: %v", err)
}

func TestReadEventAfterRacingCancel(t *testing.T) {
	mem, h := mapRegion(t, 1)
	start := uintptr(unsafe.Pointer(&mem[0]))
	done := make(chan byte, 1)
	go func() { done <- mem[0] }()

	readNext := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ev, err := h.ReadEvent(ctx)
		require.NoError(t, err)
		require.Equal(t, uffd.EventPageFault, ev.Kind)
		require.Equal(t, start, ev.Address&^uintptr(pageSize-1))
	}
	readNext()

	// Waking the accessor without installing the page makes it fault again.
	for range 100 {
		require.NoError(t, h.Wake(start, uint64(pageSize)))
		ctx, cancel := context.WithCancel(context.Background())
		go cancel()
		if _, err := h.ReadEvent(ctx); err != nil {
			require.True(t, status.IsCanceledError(err), "err: %v", err)
			readNext()
		}
	}

	require.NoError(t, h.Copy(start, pages(0x5A), uffd.CopyModeWake))
	select {
	case b := <-done:
		require.Equal(t, byte(0x5A), b)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "timed out waiting for the accessor")
	}
}
