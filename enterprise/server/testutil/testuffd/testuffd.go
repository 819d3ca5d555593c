// Package testuffd provides a simulated userfaultfd for testing fault
// serving without kernel privileges.
//
// Guest memory is a byte slice. Accessors calling Read block on missing
// pages exactly like a guest vCPU would: a fault event is queued, and the
// accessor sleeps until the page is woken. An accessor woken onto a page
// that is still missing faults again.
package testuffd

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/buildbuddy-io/snappager/enterprise/server/remote_execution/uffd"
	"github.com/buildbuddy-io/snappager/server/util/status"
)

// Base is the fake host address of the first page of a Channel's region.
const Base = uintptr(0x7f0000000000)

// Channel implements uffd.Channel on top of simulated guest memory.
type Channel struct {
	base     uintptr
	pageSize int
	mem      []byte

	mu       sync.Mutex
	resident map[int]bool
	copies   map[int]int
	// Per page, closed to wake the accessors blocked on it.
	waiters map[int]chan struct{}
	waiting int
	faults  int
	queue   []uffd.FaultEvent
	copyErr error
	closed  bool

	notify   chan struct{}
	closedCh chan struct{}
}

// New returns a channel for a region of pageCount pages starting at Base. The
// channel is closed when the test ends.
func New(t testing.TB, pageCount int) *Channel {
	pageSize := os.Getpagesize()
	c := &Channel{
		base:     Base,
		pageSize: pageSize,
		mem:      make([]byte, pageCount*pageSize),
		resident: make(map[int]bool),
		copies:   make(map[int]int),
		waiters:  make(map[int]chan struct{}),
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// Addr returns the host address of the given page.
func (c *Channel) Addr(page int) uintptr {
	return c.base + uintptr(page*c.pageSize)
}

func (c *Channel) Length() uint64 {
	return uint64(len(c.mem))
}

func (c *Channel) page(addr uintptr) (int, error) {
	if addr < c.base || addr >= c.base+uintptr(len(c.mem)) {
		return 0, status.OutOfRangeErrorf("address 0x%x is outside of the region", addr)
	}
	return int(addr-c.base) / c.pageSize, nil
}

// Read reads n bytes at addr as a guest accessor would, blocking on each
// missing page until it has been installed and woken.
func (c *Channel) Read(ctx context.Context, addr uintptr, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		cur := addr + uintptr(len(out))
		p, err := c.page(cur)
		if err != nil {
			return nil, err
		}
		if err := c.awaitPage(ctx, p, cur); err != nil {
			return nil, err
		}
		pageEnd := (p + 1) * c.pageSize
		chunk := min(n-len(out), pageEnd-int(cur-c.base))
		c.mu.Lock()
		out = append(out, c.mem[int(cur-c.base):int(cur-c.base)+chunk]...)
		c.mu.Unlock()
	}
	return out, nil
}

func (c *Channel) awaitPage(ctx context.Context, p int, addr uintptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.resident[p] {
		if c.closed {
			return uffd.ErrClosed
		}
		w, ok := c.waiters[p]
		if !ok {
			w = make(chan struct{})
			c.waiters[p] = w
		}
		c.faults++
		c.pushLocked(uffd.FaultEvent{Kind: uffd.EventPageFault, Address: addr})
		c.waiting++
		c.mu.Unlock()
		var err error
		select {
		case <-w:
		case <-c.closedCh:
		case <-ctx.Done():
			err = status.FromContextError(ctx)
		}
		c.mu.Lock()
		c.waiting--
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) pushLocked(ev uffd.FaultEvent) {
	c.queue = append(c.queue, ev)
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Inject queues an event as if the kernel had delivered it, e.g. a
// redelivered fault or an unexpected event kind.
func (c *Channel) Inject(ev uffd.FaultEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushLocked(ev)
}

// FailCopies makes subsequent Copy calls fail with err.
func (c *Channel) FailCopies(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.copyErr = err
}

func (c *Channel) ReadEvent(ctx context.Context) (uffd.FaultEvent, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return ev, nil
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return uffd.FaultEvent{}, uffd.ErrClosed
		}
		select {
		case <-c.notify:
		case <-c.closedCh:
		case <-ctx.Done():
			return uffd.FaultEvent{}, status.FromContextError(ctx)
		}
	}
}

func (c *Channel) Copy(dst uintptr, src []byte, mode uffd.CopyMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return uffd.ErrClosed
	}
	if c.copyErr != nil {
		return c.copyErr
	}
	if (dst-c.base)%uintptr(c.pageSize) != 0 || len(src) == 0 || len(src)%c.pageSize != 0 {
		return status.InvalidArgumentErrorf("copy of 0x%x bytes to 0x%x is not page aligned", len(src), dst)
	}
	first, err := c.page(dst)
	if err != nil {
		return err
	}
	count := len(src) / c.pageSize
	if first+count > len(c.mem)/c.pageSize {
		return status.OutOfRangeErrorf("copy of 0x%x bytes to 0x%x overruns the region", len(src), dst)
	}
	for i := 0; i < count; i++ {
		p := first + i
		if c.resident[p] {
			// Like the kernel, stop at the first populated page.
			if mode == uffd.CopyModeWake {
				c.wakeLocked(first, i)
			}
			return status.WrapErrorf(uffd.ErrPageExists, "page 0x%x", c.Addr(p))
		}
		copy(c.mem[p*c.pageSize:(p+1)*c.pageSize], src[i*c.pageSize:(i+1)*c.pageSize])
		c.resident[p] = true
		c.copies[p]++
	}
	if mode == uffd.CopyModeWake {
		c.wakeLocked(first, count)
	}
	return nil
}

func (c *Channel) Wake(start uintptr, length uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return uffd.ErrClosed
	}
	first, err := c.page(start)
	if err != nil {
		return err
	}
	c.wakeLocked(first, int(length)/c.pageSize)
	return nil
}

func (c *Channel) wakeLocked(first, count int) {
	for p := first; p < first+count; p++ {
		if w, ok := c.waiters[p]; ok {
			close(w)
			delete(c.waiters, p)
		}
	}
}

// Close releases all blocked accessors; those on missing pages fail with
// uffd.ErrClosed. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

// Resident reports whether the page containing addr has been installed.
func (c *Channel) Resident(addr uintptr) bool {
	p, err := c.page(addr)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resident[p]
}

// CopyCount returns how many times the page containing addr was installed.
func (c *Channel) CopyCount(addr uintptr) int {
	p, err := c.page(addr)
	if err != nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copies[p]
}

// Waiting returns the number of accessors currently blocked.
func (c *Channel) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// Faults returns the number of faults raised by accessors so far.
func (c *Channel) Faults() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faults
}
