//go:build darwin

package iomultiplex

import "golang.org/x/sys/unix"

// rawAccept accepts one pending connection off listenFd. Darwin has no
// accept4: non-blocking and close-on-exec are applied as separate calls
// immediately after accept, the same idiom net.FileListener uses.
func rawAccept(listenFd int) (int, unix.Sockaddr, error) {
	fd, sa, err := unix.Accept(listenFd)
	if err != nil {
		return -1, nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	unix.CloseOnExec(fd)
	return fd, sa, nil
}
