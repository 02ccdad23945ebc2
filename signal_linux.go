//go:build linux

package iomultiplex

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSignalOS maps an engine's configured signal number (relative to
// SIGRTMIN, see WithSignalNum) to the concrete OS signal. Linux supports a
// full POSIX real-time signal range.
func controlSignalOS(num int) syscall.Signal {
	return syscall.Signal(unix.SIGRTMIN() + num)
}

// workerThreadID captures the calling OS thread's id. Must be called after
// runtime.LockOSThread so the id stays valid for the worker's lifetime.
func workerThreadID() int {
	return unix.Gettid()
}

// wakeWorker interrupts the worker's blocked readiness wait by delivering
// the control signal directly to its OS thread, never to an arbitrary
// thread in the process.
func wakeWorker(tid, signum int) error {
	return unix.Tgkill(unix.Getpid(), tid, syscall.Signal(unix.SIGRTMIN()+signum))
}

// validateSignalNum accepts any non-negative offset from SIGRTMIN; New
// has already rejected negative values before this runs.
func validateSignalNum(num int) error {
	return nil
}
