//go:build linux || darwin

package iomultiplex

import "sync"

// FdConnection is the simplest [Connection]: it owns one non-blocking file
// descriptor and implements doRead/doWrite as thin syscalls. Every other
// concrete endpoint (SocketConnection, TimerConnection) embeds one of
// these rather than duplicating the raw fd plumbing.
//
// An FdConnection must not be copied; pass it (or an endpoint that embeds
// it) by pointer.
type FdConnection struct {
	h       *IOHandler
	closeFn func(fd int) error

	mu     sync.Mutex
	fd     int
	closed bool
}

// NewFdConnection wraps fd, which must already be open and will be put
// into non-blocking mode. h is the engine this connection will be queued
// against; its Cancel is what Close uses to drop pending operations
// before closing fd.
func NewFdConnection(h *IOHandler, fd int) (*FdConnection, error) {
	return newFdConnectionWithCloser(h, fd, closeFD)
}

// newFdConnectionWithCloser is used by endpoints (TimerConnection on
// Darwin) whose underlying descriptor needs more than a bare close(2) to
// release, without duplicating the close-ordering logic in Close below.
func newFdConnectionWithCloser(h *IOHandler, fd int, closeFn func(fd int) error) (*FdConnection, error) {
	if err := setNonblock(fd); err != nil {
		return nil, newErr(ErrIO, "new-fd-connection", err)
	}
	return &FdConnection{h: h, fd: fd, closeFn: closeFn}, nil
}

// Handler returns the engine this connection is registered against.
func (c *FdConnection) Handler() *IOHandler { return c.h }

// Handle implements [Connection].
func (c *FdConnection) Handle() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return -1
	}
	return c.fd
}

// IsOpen reports whether Close has not yet run.
func (c *FdConnection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *FdConnection) doRead(buf []byte) (int, error) {
	return readFD(c.fd, buf)
}

func (c *FdConnection) doWrite(buf []byte) (int, error) {
	return writeFD(c.fd, buf)
}

// Cancel removes queued operations for the requested directions without
// closing the descriptor. See [IOHandler.Cancel] for the fast/ordered
// distinction.
func (c *FdConnection) Cancel(rx, tx, fast bool) {
	c.h.Cancel(c, rx, tx, fast)
}

// Close cancels both directions in fast mode, then closes the
// descriptor. Safe to call more than once; the second call is a no-op.
func (c *FdConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	fd := c.fd
	c.mu.Unlock()

	// Cancel while Handle() still resolves to fd, so the engine can find
	// and drop this connection's queued operations before it disappears.
	c.h.Cancel(c, true, true, true)

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.closeFn(fd)
}
