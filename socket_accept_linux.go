//go:build linux

package iomultiplex

import "golang.org/x/sys/unix"

// rawAccept accepts one pending connection off listenFd, returning it
// already non-blocking and close-on-exec.
func rawAccept(listenFd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}
