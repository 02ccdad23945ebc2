//go:build linux || darwin

package iomultiplex

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isWouldBlock reports whether err is the non-blocking-retry sentinel: the
// engine leaves the operation at the head of its queue and waits for the
// next readiness notification rather than treating this as a failure.
// Both a raw EAGAIN/EWOULDBLOCK and an *EngineError of kind ErrWouldBlock
// (as a [Transformer] reports it) count.
func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || KindOf(err) == ErrWouldBlock
}

// classifySocketError is used whenever the poller reports EPOLLERR/EPOLLHUP
// (or the kqueue EV_EOF/EV_ERROR equivalent) for an fd, whether or not a
// readable/writable bit accompanies it: it asks the socket layer for the
// pending error and maps it the same way a failed read/write would be.
func classifySocketError(fd int) (int, error) {
	errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		// Not a socket (e.g. a pipe or timerfd hitting EOF/HUP): treat the
		// hangup as a clean peer-close rather than an error.
		return 0, nil
	}
	if errno == 0 {
		return 0, nil
	}
	return classifyResult(-1, "read", unix.Errno(errno))
}

// classifyResult maps a raw errno surfaced by doRead/doWrite into the
// engine's result/err convention. A reset or otherwise terminated
// connection is folded into a clean (0, nil) completion rather than an
// error callback, matching how an ordinary EOF is reported.
func classifyResult(n int, op string, raw error) (int, error) {
	var errno unix.Errno
	if !errors.As(raw, &errno) {
		return -1, newErr(ErrIO, op, raw)
	}
	switch errno {
	case unix.ECONNRESET, unix.EPIPE, unix.ENOTCONN:
		return 0, nil
	case unix.EBADF:
		return -1, newErr(ErrBadDescriptor, op, raw)
	case unix.EAFNOSUPPORT:
		return -1, newErr(ErrAddrFamilyMismatch, op, raw)
	case unix.ETIMEDOUT:
		return -1, newErr(ErrTimedOut, op, raw)
	default:
		return -1, newErr(ErrIO, op, raw)
	}
}
