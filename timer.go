//go:build linux || darwin

package iomultiplex

import (
	"encoding/binary"
	"sync"
)

// TimerCallback receives the accumulated overrun count (normally 1,
// higher if the reactor fell behind a periodic timer's schedule) on each
// expiration.
type TimerCallback func(overruns uint64)

// TimerConnection is C6: a fd-backed one-shot or periodic timer. Set arms
// it and queues an RX read for the expiration counter; each time that
// read completes, the callback runs and, if the timer is periodic, a new
// RX read is queued so the cycle continues until Cancel or Close.
type TimerConnection struct {
	*FdConnection

	mu       sync.Mutex
	cb       TimerCallback
	periodic bool
	armed    bool
}

// NewTimerConnection creates an unarmed timer bound to h.
func NewTimerConnection(h *IOHandler) (*TimerConnection, error) {
	fd, err := newTimerFd()
	if err != nil {
		return nil, newErr(ErrIO, "new-timer", err)
	}
	fc, err := newFdConnectionWithCloser(h, fd, closeTimerFd)
	if err != nil {
		closeTimerFd(fd)
		return nil, err
	}
	return &TimerConnection{FdConnection: fc}, nil
}

// Set arms the timer: it first fires after initialMs, then (if repeatMs
// > 0) every repeatMs thereafter. A zero repeatMs makes it one-shot. cb
// is invoked from the engine's worker on every expiration.
func (t *TimerConnection) Set(initialMs, repeatMs int64, cb TimerCallback) error {
	fd := t.Handle()
	if fd < 0 {
		return newErr(ErrBadDescriptor, "timer-set", nil)
	}
	if err := armTimerFd(fd, initialMs, repeatMs); err != nil {
		return newErr(ErrIO, "timer-set", err)
	}
	t.mu.Lock()
	t.cb = cb
	t.periodic = repeatMs > 0
	t.armed = true
	t.mu.Unlock()
	t.queueNext()
	return nil
}

// Cancel disarms the timer and drops the pending expiration read. Safe
// to call even if the timer was never armed.
func (t *TimerConnection) Cancel() error {
	t.mu.Lock()
	t.armed = false
	t.cb = nil
	t.mu.Unlock()
	if fd := t.Handle(); fd >= 0 {
		disarmTimerFd(fd)
	}
	t.FdConnection.Cancel(true, false, true)
	return nil
}

func (t *TimerConnection) queueNext() {
	buf := make([]byte, 8)
	t.Handler().QueueRead(t, buf, func(n int, err error) {
		t.mu.Lock()
		cb := t.cb
		armed := t.armed
		periodic := t.periodic
		t.mu.Unlock()

		if err != nil || !armed {
			return
		}
		overruns := uint64(1)
		if n == 8 {
			overruns = binary.LittleEndian.Uint64(buf)
		}
		if cb != nil {
			cb(overruns)
		}
		t.mu.Lock()
		stillArmed := t.armed
		t.mu.Unlock()
		if periodic && stillArmed {
			t.queueNext()
		}
	}, 0)
}

// Close disarms the timer, releases the platform timer resource, and
// closes the descriptor. The actual descriptor teardown goes through
// closeTimerFd (via FdConnection's pluggable closer), since Darwin's
// fallback timer needs to stop its background goroutine and close a
// second pipe fd that a bare close(2) wouldn't reach.
func (t *TimerConnection) Close() error {
	t.mu.Lock()
	t.armed = false
	t.mu.Unlock()
	return t.FdConnection.Close()
}
