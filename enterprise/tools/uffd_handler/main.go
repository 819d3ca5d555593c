//go:build linux && !android

// uffd_handler serves the guest memory of one VM restored from a snapshot.
// The hypervisor connects to --socket and hands over its userfaultfd; pages
// are then supplied from --mem_file (and the working set, if given) as the
// guest touches them, until the process receives SIGTERM or the session
// fails.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/buildbuddy-io/snappager/enterprise/server/remote_execution/uffd"
	"github.com/buildbuddy-io/snappager/server/config"
	"github.com/buildbuddy-io/snappager/server/util/flag"
	"github.com/buildbuddy-io/snappager/server/util/log"
	"github.com/buildbuddy-io/snappager/server/util/monitoring"
	"github.com/buildbuddy-io/snappager/server/util/status"
)

var (
	socketPath  = flag.String("socket", "", "Unix socket to receive the userfaultfd on.")
	memFile     = flag.String("mem_file", "", "Guest memory snapshot.")
	wsFile      = flag.String("ws_file", "", "Optional working-set file holding the hot pages of --mem_file.")
	wsTraceFile = flag.String("ws_trace_file", "", "Fault trace describing the layout of --ws_file.")
	traceFile   = flag.String("trace_file", "", "If set, the guest offsets of the pages served are written here when the session ends.")
	vmID        = flag.String("vm_id", "vm", "ID of the VM, used in logs.")
)

func main() {
	if err := config.Load(); err != nil {
		log.Fatalf("Error loading config: %s", err)
	}
	if *socketPath == "" || *memFile == "" {
		log.Fatalf("--socket and --mem_file are required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	ctx = log.EnrichContext(ctx, log.VMIDKey, *vmID)

	if err := monitoring.StartFromFlags(ctx); err != nil {
		log.Fatalf("Error starting monitoring: %s", err)
	}

	m := uffd.NewManager()
	err := m.RegisterVM(uffd.SessionConfig{
		VMID:                *vmID,
		MemoryFile:          *memFile,
		WorkingSetFile:      *wsFile,
		WorkingSetTraceFile: *wsTraceFile,
		RecordTrace:         *traceFile != "",
	})
	if err != nil {
		log.Fatalf("Error registering VM: %s", err)
	}

	handoff, err := uffd.ReceiveHandle(ctx, *socketPath)
	if err != nil {
		log.Fatalf("Error receiving userfaultfd: %s", err)
	}
	if err := m.Activate(ctx, *vmID, handoff.Handle, handoff.Mappings); err != nil {
		handoff.Handle.Close()
		log.Fatalf("Error activating paging session: %s", err)
	}

	if err := m.Wait(ctx, *vmID); err != nil && !status.IsCanceledError(err) {
		log.CtxErrorf(ctx, "Paging session failed: %s", err)
	}
	sessionErr := m.Deactivate(*vmID)
	if *traceFile != "" {
		trace, err := m.Trace(*vmID)
		if err == nil {
			err = trace.WriteCSV(*traceFile)
		}
		if err != nil {
			log.CtxErrorf(ctx, "Error writing fault trace: %s", err)
		} else {
			log.CtxInfof(ctx, "Wrote %d served page offsets to %s", trace.Len(), *traceFile)
		}
	}
	if err := m.DeregisterVM(*vmID); err != nil {
		log.CtxWarningf(ctx, "Error deregistering VM: %s", err)
	}
	if sessionErr != nil {
		os.Exit(1)
	}
}
