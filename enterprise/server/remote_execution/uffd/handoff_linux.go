//go:build linux && !android

package uffd

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/buildbuddy-io/snappager/server/util/flag"
	"github.com/buildbuddy-io/snappager/server/util/log"
	"github.com/buildbuddy-io/snappager/server/util/retry"
	"github.com/buildbuddy-io/snappager/server/util/status"
	"golang.org/x/sys/unix"
)

var handoffTimeout = flag.Duration("executor.uffd.handoff_timeout", 100*time.Second, "How long to wait for the hypervisor to connect and hand over its userfaultfd.")

const (
	// Reads of the setup message are retried this many times before giving
	// up on the connection.
	maxSetupMessageReads = 5
	maxSetupMessageBytes = 64 * 1024
)

// Handoff is the result of a hypervisor handing its userfaultfd over to this
// process.
type Handoff struct {
	Handle   *Handle
	Mappings []GuestRegionMapping
}

// ReceiveHandle listens on socketPath for the hypervisor to connect and send
// its guest memory mappings (as JSON) together with the userfaultfd it
// registered them with (as SCM_RIGHTS ancillary data).
func ReceiveHandle(ctx context.Context, socketPath string) (*Handoff, error) {
	ctx, cancel := context.WithTimeout(ctx, *handoffTimeout)
	defer cancel()

	lis, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return nil, status.WrapErrorf(ErrSetup, "listen on %s: %s", socketPath, err)
	}
	defer lis.Close()
	log.CtxDebugf(ctx, "userfaultfd handler listening on unix://%s", socketPath)

	// Set the permissions of the socket file
	if err := os.Chmod(socketPath, 0777); err != nil {
		return nil, status.WrapErrorf(ErrSetup, "set socket permissions: %s", err)
	}

	// Unblock Accept if the hypervisor never shows up.
	stop := context.AfterFunc(ctx, func() { lis.Close() })
	defer stop()

	conn, err := lis.AcceptUnix()
	if err != nil {
		if ctx.Err() != nil {
			return nil, status.WrapErrorf(status.FromContextError(ctx), "wait for hypervisor to connect to %s", socketPath)
		}
		return nil, status.WrapErrorf(ErrSetup, "accept hypervisor connection: %s", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	log.CtxDebugf(ctx, "Hypervisor connected to uffd socket")

	opts := &retry.Options{
		MaxRetries:     maxSetupMessageReads - 1,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
		Name:           "receive uffd setup message",
	}
	handoff, err := retry.Do(ctx, opts, func(ctx context.Context) (*Handoff, error) {
		return readSetupMessage(conn)
	})
	if err != nil {
		return nil, status.WrapErrorf(ErrSetup, "receive setup message: %s", err)
	}
	return handoff, nil
}

func readSetupMessage(conn *net.UnixConn) (*Handoff, error) {
	mappingsBuf := make([]byte, maxSetupMessageBytes)
	// Exactly one fd (the uffd object) is expected.
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(mappingsBuf, oob)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, retry.NonRetryableError(status.DeadlineExceededErrorf("read setup message: %s", err))
		}
		return nil, status.UnavailableErrorf("read setup message: %s", err)
	}
	if oobn == 0 {
		return nil, status.UnavailableErrorf("setup message (%d bytes) carried no file descriptor", n)
	}

	controlMsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, retry.NonRetryableError(status.InvalidArgumentErrorf("parse control messages: %s", err))
	}
	if len(controlMsgs) != 1 {
		return nil, retry.NonRetryableError(status.InvalidArgumentErrorf("expected 1 control message containing the userfaultfd, found %d", len(controlMsgs)))
	}
	fds, err := unix.ParseUnixRights(&controlMsgs[0])
	if err != nil {
		return nil, retry.NonRetryableError(status.InvalidArgumentErrorf("parse unix rights: %s", err))
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, retry.NonRetryableError(status.InvalidArgumentErrorf("expected 1 fd (the userfaultfd), found %d", len(fds)))
	}

	var mappings []GuestRegionMapping
	if err := json.Unmarshal(mappingsBuf[:n], &mappings); err != nil {
		unix.Close(fds[0])
		return nil, retry.NonRetryableError(status.InvalidArgumentErrorf("parse memory mapping data: %s", err))
	}
	if len(mappings) == 0 {
		unix.Close(fds[0])
		return nil, retry.NonRetryableError(status.InvalidArgumentError("hypervisor sent no guest memory mappings"))
	}
	log.Debugf("Received %d guest memory mappings: %s", len(mappings), string(mappingsBuf[:n]))

	h, err := NewHandleFromFD(fds[0])
	if err != nil {
		unix.Close(fds[0])
		return nil, retry.NonRetryableError(err)
	}
	return &Handoff{Handle: h, Mappings: mappings}, nil
}
