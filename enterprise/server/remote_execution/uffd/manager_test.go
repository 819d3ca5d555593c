package uffd_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/buildbuddy-io/snappager/enterprise/server/remote_execution/snaploader"
	"github.com/buildbuddy-io/snappager/enterprise/server/remote_execution/uffd"
	"github.com/buildbuddy-io/snappager/enterprise/server/testutil/testuffd"
	"github.com/buildbuddy-io/snappager/server/metrics"
	"github.com/buildbuddy-io/snappager/server/testutil/testmetrics"
	"github.com/buildbuddy-io/snappager/server/util/status"
	"github.com/buildbuddy-io/snappager/server/util/testing/flags"
	"github.com/stretchr/testify/require"
)

func TestManagerLifecycle(t *testing.T) {
	m := uffd.NewManager()
	memFile := writeFile(t, pages(0xAA, 0xBB, 0xCC))
	require.NoError(t, m.RegisterVM(uffd.SessionConfig{
		VMID:         "vm-1",
		MemoryFile:   memFile,
		Anchor:       testuffd.Base,
		RegionLength: uint64(3 * pageSize),
		RecordTrace:  true,
	}))

	active := testmetrics.GaugeValue(t, metrics.UFFDActiveSessions)
	ch := testuffd.New(t, 3)
	require.NoError(t, m.Activate(context.Background(), "vm-1", ch, nil))
	err := m.Activate(context.Background(), "vm-1", testuffd.New(t, 3), nil)
	require.True(t, status.IsFailedPreconditionError(err), "err: %v", err)

	require.Equal(t, pages(0xCC), readPage(t, ch, 2))
	require.Equal(t, pages(0xAA), readPage(t, ch, 0))
	require.Eventually(t, func() bool {
		return testmetrics.GaugeValue(t, metrics.UFFDActiveSessions) == active+1
	}, 10*time.Second, time.Millisecond)

	s, err := m.Server("vm-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), s.InstalledPages())

	require.NoError(t, m.Deactivate("vm-1"))
	require.Equal(t, active, testmetrics.GaugeValue(t, metrics.UFFDActiveSessions))
	_, err = m.Server("vm-1")
	require.True(t, status.IsFailedPreconditionError(err), "err: %v", err)

	// The trace survives deactivation and accumulates across sessions.
	ch = testuffd.New(t, 3)
	require.NoError(t, m.Activate(context.Background(), "vm-1", ch, nil))
	require.Equal(t, pages(0xBB), readPage(t, ch, 1))
	trace, err := m.Trace("vm-1")
	require.NoError(t, err)
	require.Equal(t, []snaploader.GuestOffset{0, snaploader.GuestOffset(pageSize), snaploader.GuestOffset(2 * pageSize)}, trace.Offsets())

	require.NoError(t, m.DeregisterVM("vm-1"))
	err = m.Deactivate("vm-1")
	require.True(t, status.IsNotFoundError(err), "err: %v", err)
}

func TestManagerRegisterValidation(t *testing.T) {
	m := uffd.NewManager()
	for _, cfg := range []uffd.SessionConfig{
		{MemoryFile: "mem"},
		{VMID: "vm"},
		{VMID: "vm", MemoryFile: "mem", WorkingSetFile: "ws"},
	} {
		err := m.RegisterVM(cfg)
		require.True(t, status.IsInvalidArgumentError(err), "cfg %+v: %v", cfg, err)
	}
	require.NoError(t, m.RegisterVM(uffd.SessionConfig{VMID: "vm", MemoryFile: "mem"}))
	err := m.RegisterVM(uffd.SessionConfig{VMID: "vm", MemoryFile: "mem"})
	require.True(t, status.IsAlreadyExistsError(err), "err: %v", err)

	err = m.Activate(context.Background(), "other", testuffd.New(t, 1), nil)
	require.True(t, status.IsNotFoundError(err), "err: %v", err)
	_, err = m.Trace("vm")
	require.True(t, status.IsFailedPreconditionError(err), "err: %v", err)
}

func TestManagerActivateMissingSnapshot(t *testing.T) {
	m := uffd.NewManager()
	require.NoError(t, m.RegisterVM(uffd.SessionConfig{
		VMID:       "vm",
		MemoryFile: filepath.Join(t.TempDir(), "missing"),
	}))
	err := m.Activate(context.Background(), "vm", testuffd.New(t, 1), nil)
	require.ErrorIs(t, err, uffd.ErrSetup)
	require.True(t, status.IsFailedPreconditionError(err), "err: %v", err)
}

func TestManagerWorkingSet(t *testing.T) {
	for _, prefetch := range []bool{true, false} {
		t.Run("prefetch="+strconv.FormatBool(prefetch), func(t *testing.T) {
			flags.Set(t, "executor.snapshot.prefetch_working_set", strconv.FormatBool(prefetch))
			dir := t.TempDir()
			memFile := writeFile(t, pages(0xA0, 0xA1, 0xA2))
			wsFile := filepath.Join(dir, "ws")
			require.NoError(t, os.WriteFile(wsFile, pages(0xB1), 0644))
			traceFile := filepath.Join(dir, "trace.csv")
			require.NoError(t, os.WriteFile(traceFile, []byte(strconv.FormatUint(uint64(pageSize), 16)+"\n"), 0644))

			m := uffd.NewManager()
			require.NoError(t, m.RegisterVM(uffd.SessionConfig{
				VMID:                "vm",
				MemoryFile:          memFile,
				WorkingSetFile:      wsFile,
				WorkingSetTraceFile: traceFile,
				Anchor:              testuffd.Base,
			}))
			ch := testuffd.New(t, 3)
			require.NoError(t, m.Activate(context.Background(), "vm", ch, nil))
			defer m.DeregisterVM("vm")

			if prefetch {
				require.Eventually(t, func() bool {
					return ch.Resident(ch.Addr(1))
				}, 10*time.Second, time.Millisecond)
			}
			// Served from the working set either way.
			require.Equal(t, pages(0xB1), readPage(t, ch, 1))
			require.Equal(t, pages(0xA2), readPage(t, ch, 2))
		})
	}
}

func TestManagerSessionFailureClosesChannel(t *testing.T) {
	m := uffd.NewManager()
	require.NoError(t, m.RegisterVM(uffd.SessionConfig{
		VMID:       "vm",
		MemoryFile: writeFile(t, pages(0xAA, 0xBB)),
	}))
	ch := testuffd.New(t, 2)
	require.NoError(t, m.Activate(context.Background(), "vm", ch, nil))

	ch.Inject(uffd.FaultEvent{Kind: uffd.EventFork})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := m.Wait(ctx, "vm")
	require.ErrorIs(t, err, uffd.ErrProtocolViolation)

	// Accessors are not left blocked on a failed session.
	_, err = ch.Read(ctx, ch.Addr(0), 1)
	require.ErrorIs(t, err, uffd.ErrClosed)

	err = m.Deactivate("vm")
	require.ErrorIs(t, err, uffd.ErrProtocolViolation)
}
