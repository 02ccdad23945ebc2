//go:build linux || darwin

package tls

import (
	"errors"
	"io"

	"github.com/alfmep/iomultiplex"
	"golang.org/x/sys/unix"
)

// isWouldBlock reports whether err is a non-blocking retry signal, either
// a raw EAGAIN/EWOULDBLOCK from a direct syscall or memConn's own
// errWouldBlockMem sentinel.
func isWouldBlock(err error) bool {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		return true
	}
	return iomultiplex.Is(err, iomultiplex.ErrWouldBlock)
}

// classifyIOResult maps the outcome of a tls.Conn.Read/Write call (driven
// over memConn) onto the status an [iomultiplex.Transformer] reports:
// success, a clean zero-length completion, want-read/want-write, a reset
// or otherwise terminated transport folded to a clean close, or a hard
// protocol error.
func classifyIOResult(n int, err error) (int, error) {
	if err == nil {
		return n, nil
	}
	if err == io.EOF {
		return 0, nil
	}

	var ee *iomultiplex.EngineError
	if errors.As(err, &ee) {
		return -1, ee
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.ECONNRESET, unix.EPIPE, unix.ENOTCONN:
			return 0, nil
		case unix.EAGAIN, unix.EWOULDBLOCK:
			return -1, &iomultiplex.EngineError{Kind: iomultiplex.ErrWouldBlock, Op: "tls-io", Cause: err}
		default:
			return -1, &iomultiplex.EngineError{Kind: iomultiplex.ErrIO, Op: "tls-io", Cause: err}
		}
	}

	return -1, &iomultiplex.EngineError{Kind: iomultiplex.ErrTLSProtocol, Op: "tls-io", Cause: err}
}
