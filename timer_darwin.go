//go:build darwin

package iomultiplex

import (
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Darwin has no timerfd equivalent exposed through golang.org/x/sys/unix
// (kqueue's EVFILT_TIMER watches an arbitrary "ident", not a pollable fd,
// which doesn't fit this engine's fd-keyed readiness model). The
// fallback here is a self-pipe: a background goroutine sleeps against a
// time.Timer/Ticker and writes the same 8-byte little-endian expiration
// counter a real timerfd would, onto the pipe's write end; the read end
// is handed to the engine as an ordinary readable fd. This is noted as a
// deliberate platform substitution, not a silent approximation.
type darwinTimer struct {
	mu       sync.Mutex
	writeFd  int
	stopCh   chan struct{}
	stopped  bool
	overruns uint64
}

var (
	darwinTimersMu sync.Mutex
	darwinTimers   = map[int]*darwinTimer{}
)

func newTimerFd() (int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, err
	}
	darwinTimersMu.Lock()
	darwinTimers[fds[0]] = &darwinTimer{writeFd: fds[1]}
	darwinTimersMu.Unlock()
	return fds[0], nil
}

func armTimerFd(fd int, initialMs, repeatMs int64) error {
	darwinTimersMu.Lock()
	t := darwinTimers[fd]
	darwinTimersMu.Unlock()
	if t == nil {
		return unix.EBADF
	}

	t.mu.Lock()
	if t.stopCh != nil {
		close(t.stopCh)
	}
	stop := make(chan struct{})
	t.stopCh = stop
	writeFd := t.writeFd
	t.mu.Unlock()

	go func() {
		timer := time.NewTimer(time.Duration(initialMs) * time.Millisecond)
		defer timer.Stop()
		for {
			select {
			case <-stop:
				return
			case <-timer.C:
				var buf [8]byte
				binary.LittleEndian.PutUint64(buf[:], 1)
				unix.Write(writeFd, buf[:])
				if repeatMs <= 0 {
					return
				}
				timer.Reset(time.Duration(repeatMs) * time.Millisecond)
			}
		}
	}()
	return nil
}

func disarmTimerFd(fd int) error {
	darwinTimersMu.Lock()
	t := darwinTimers[fd]
	darwinTimersMu.Unlock()
	if t == nil {
		return unix.EBADF
	}
	t.mu.Lock()
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
	t.mu.Unlock()
	return nil
}

func closeTimerFd(fd int) error {
	disarmTimerFd(fd)
	darwinTimersMu.Lock()
	t := darwinTimers[fd]
	delete(darwinTimers, fd)
	darwinTimersMu.Unlock()
	if t != nil {
		unix.Close(t.writeFd)
	}
	return closeFD(fd)
}
