package uffd

import (
	"context"
	"sync"

	"github.com/buildbuddy-io/snappager/enterprise/server/remote_execution/snaploader"
	"github.com/buildbuddy-io/snappager/server/util/flag"
	"github.com/buildbuddy-io/snappager/server/util/log"
	"github.com/buildbuddy-io/snappager/server/util/status"
	"github.com/buildbuddy-io/snappager/server/util/uuid"
)

var (
	prefault           = flag.Bool("executor.snapshot.prefault", false, "If true, snapshot memory files are faulted into this process when they are opened instead of on first access.")
	prefetchWorkingSet = flag.Bool("executor.snapshot.prefetch_working_set", true, "If true, the working set of a snapshot is installed into guest memory in one batch at the start of each paging session.")
)

// SessionConfig describes the guest memory of one VM.
type SessionConfig struct {
	VMID string

	// Path to the guest memory snapshot.
	MemoryFile string

	// Optional working set: the hot pages of MemoryFile packed into one file,
	// in the layout described by the fault trace at WorkingSetTraceFile.
	WorkingSetFile      string
	WorkingSetTraceFile string

	// Guest layout, see ServerOptions. Mappings received with the channel at
	// activation take precedence.
	Anchor       uintptr
	RegionLength uint64

	// If set, the guest offsets of the pages served are recorded and can be
	// retrieved with Manager.Trace.
	RecordTrace bool
}

type session struct {
	cfg   SessionConfig
	trace *Trace

	// Set while active.
	id     string
	src    *snaploader.Source
	server *Server
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *session) active() bool {
	return s.server != nil
}

// Manager owns the paging sessions of the VMs on this host. Each session has
// its own server, page source and installed-page record.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*session)}
}

// RegisterVM makes a VM known to the manager. Paging starts with Activate.
func (m *Manager) RegisterVM(cfg SessionConfig) error {
	if cfg.VMID == "" {
		return status.InvalidArgumentError("VM ID is required")
	}
	if cfg.MemoryFile == "" {
		return status.InvalidArgumentErrorf("VM %s: memory file is required", cfg.VMID)
	}
	if (cfg.WorkingSetFile == "") != (cfg.WorkingSetTraceFile == "") {
		return status.InvalidArgumentErrorf("VM %s: a working set needs both a file and a trace", cfg.VMID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[cfg.VMID]; ok {
		return status.AlreadyExistsErrorf("VM %s is already registered", cfg.VMID)
	}
	sess := &session{cfg: cfg}
	if cfg.RecordTrace {
		sess.trace = NewTrace()
	}
	m.sessions[cfg.VMID] = sess
	return nil
}

// Activate opens the VM's snapshot and starts serving the faults delivered on
// ch. mappings may be nil. On success the session owns ch.
func (m *Manager) Activate(ctx context.Context, vmID string, ch Channel, mappings []GuestRegionMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[vmID]
	if !ok {
		return status.NotFoundErrorf("VM %s is not registered", vmID)
	}
	if sess.active() {
		return status.FailedPreconditionErrorf("VM %s is already active", vmID)
	}
	sessionID, err := uuid.New()
	if err != nil {
		return err
	}
	ctx = log.EnrichContext(ctx, log.VMIDKey, vmID)
	ctx = log.EnrichContext(ctx, log.SessionIDKey, sessionID)

	cfg := sess.cfg
	src, err := snaploader.Open(cfg.MemoryFile, *prefault)
	if err != nil {
		return status.WrapErrorf(ErrSetup, "VM %s: %s", vmID, status.Message(err))
	}
	opts := ServerOptions{
		Anchor:       cfg.Anchor,
		RegionLength: cfg.RegionLength,
		Mappings:     mappings,
		Trace:        sess.trace,
	}
	if cfg.WorkingSetFile != "" {
		ws, err := loadWorkingSet(src, cfg)
		if err != nil {
			src.Close()
			return status.WrapErrorf(ErrSetup, "VM %s: %s", vmID, status.Message(err))
		}
		if *prefetchWorkingSet {
			opts.WorkingSet = ws
		}
	}

	server := NewServer(ch, src, opts)
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(sctx); err != nil {
			log.CtxErrorf(sctx, "Paging session failed, closing userfaultfd: %s", err)
			// The guest's memory is in an unknown state; make sure nothing
			// stays blocked on it.
			ch.Close()
		}
	}()
	sess.id = sessionID
	sess.src = src
	sess.server = server
	sess.cancel = cancel
	sess.done = done
	log.CtxInfof(ctx, "Activated paging session for %s (workers=%d, working set=%t)", cfg.MemoryFile, server.opts.Workers, opts.WorkingSet != nil)
	return nil
}

func loadWorkingSet(src *snaploader.Source, cfg SessionConfig) (*snaploader.WorkingSet, error) {
	layout, err := snaploader.ReadTrace(cfg.WorkingSetTraceFile, src.PageSize())
	if err != nil {
		return nil, err
	}
	if err := src.LoadWorkingSet(cfg.WorkingSetFile, layout); err != nil {
		return nil, err
	}
	return src.WorkingSet(), nil
}

// Wait blocks until the VM's active session ends on its own (the channel was
// closed or a fault could not be served) or ctx is done. It does not
// deactivate the session.
func (m *Manager) Wait(ctx context.Context, vmID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[vmID]
	if !ok {
		m.mu.Unlock()
		return status.NotFoundErrorf("VM %s is not registered", vmID)
	}
	if !sess.active() {
		m.mu.Unlock()
		return status.FailedPreconditionErrorf("VM %s is not active", vmID)
	}
	server, done := sess.server, sess.done
	m.mu.Unlock()

	select {
	case <-done:
		return server.Wait()
	case <-ctx.Done():
		return status.FromContextError(ctx)
	}
}

// Deactivate ends the VM's session: the channel is closed, the snapshot is
// unmapped and the session error, if any, is returned. The VM stays
// registered and may be activated again.
func (m *Manager) Deactivate(vmID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[vmID]
	if !ok {
		return status.NotFoundErrorf("VM %s is not registered", vmID)
	}
	if !sess.active() {
		return status.FailedPreconditionErrorf("VM %s is not active", vmID)
	}
	return m.deactivateLocked(sess)
}

func (m *Manager) deactivateLocked(sess *session) error {
	stopErr := sess.server.Stop()
	sess.cancel()
	<-sess.done
	err := sess.server.Wait()
	if closeErr := sess.src.Close(); closeErr != nil {
		log.Warningf("Failed to close snapshot of VM %s: %s", sess.cfg.VMID, closeErr)
	}
	if stopErr != nil {
		log.Warningf("Failed to close userfaultfd of VM %s: %s", sess.cfg.VMID, stopErr)
	}
	log.Infof("Deactivated paging session %s of VM %s (%d pages installed)", sess.id, sess.cfg.VMID, sess.server.InstalledPages())
	sess.id = ""
	sess.src = nil
	sess.server = nil
	sess.cancel = nil
	sess.done = nil
	return err
}

// DeregisterVM deactivates the VM if needed and forgets it.
func (m *Manager) DeregisterVM(vmID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[vmID]
	if !ok {
		return status.NotFoundErrorf("VM %s is not registered", vmID)
	}
	var err error
	if sess.active() {
		err = m.deactivateLocked(sess)
	}
	delete(m.sessions, vmID)
	return err
}

// Trace returns the fault trace of a VM registered with RecordTrace.
func (m *Manager) Trace(vmID string) (*Trace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[vmID]
	if !ok {
		return nil, status.NotFoundErrorf("VM %s is not registered", vmID)
	}
	if sess.trace == nil {
		return nil, status.FailedPreconditionErrorf("VM %s was not registered with trace recording", vmID)
	}
	return sess.trace, nil
}

// Server returns the server of the VM's active session.
func (m *Manager) Server(vmID string) (*Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[vmID]
	if !ok {
		return nil, status.NotFoundErrorf("VM %s is not registered", vmID)
	}
	if !sess.active() {
		return nil, status.FailedPreconditionErrorf("VM %s is not active", vmID)
	}
	return sess.server, nil
}
