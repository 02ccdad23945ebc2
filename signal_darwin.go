//go:build darwin

package iomultiplex

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSignalOS maps an engine's configured signal number to a concrete
// OS signal. Darwin/BSD has no POSIX real-time signal range (SIGRTMIN is
// a Linux/glibc extension), so only num==0 is supported, mapped to
// SIGUSR2; any other value is rejected by New before it gets here.
func controlSignalOS(num int) syscall.Signal {
	return syscall.SIGUSR2
}

// workerThreadID is unused on Darwin: there is no portable way to read a
// pthread's kernel thread id from golang.org/x/sys/unix without cgo, so
// wakeWorker below targets the whole process instead of one thread.
func workerThreadID() int {
	return 0
}

// wakeWorker interrupts the worker's blocked readiness wait. Lacking a
// tgkill equivalent, this signals the whole process. No thread masks the
// signal, so the kernel may deliver it to any thread; the worker's kevent
// call returns EINTR only when the worker's own thread is the one that
// receives it. This is a precision gap relative to Linux's
// tgkill-targeted wake.
func wakeWorker(tid, signum int) error {
	return unix.Kill(unix.Getpid(), controlSignalOS(signum))
}

// validateSignalNum rejects anything but the default on Darwin, since
// controlSignalOS has nowhere else to map a non-zero offset.
func validateSignalNum(num int) error {
	if num != 0 {
		return newErr(ErrUnsupported, "WithSignalNum", nil)
	}
	return nil
}
