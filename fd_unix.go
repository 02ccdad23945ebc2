//go:build linux || darwin

package iomultiplex

import (
	"golang.org/x/sys/unix"
)

// closeFD closes a file descriptor.
func closeFD(fd int) error {
	return unix.Close(fd)
}

// readFD performs a single non-blocking read syscall. It is the do_read
// primitive backing FdConnection and the raw half of every other endpoint.
func readFD(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return -1, err
	}
	return n, nil
}

// writeFD performs a single non-blocking write syscall. It is the do_write
// primitive backing FdConnection and the raw half of every other endpoint.
func writeFD(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		return -1, err
	}
	return n, nil
}

// setNonblock puts fd into non-blocking mode. Every descriptor handed to
// the engine must be non-blocking; queuing a blocking fd is a caller bug,
// not an error the engine can recover from.
func setNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
