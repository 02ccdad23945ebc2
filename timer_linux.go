//go:build linux

package iomultiplex

import "golang.org/x/sys/unix"

// newTimerFd creates the platform timer primitive backing TimerConnection.
// Linux has a native timerfd: its read end reports an 8-byte expiration counter
// exactly like the one TimerConnection decodes, non-blocking by
// construction.
func newTimerFd() (int, error) {
	return unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
}

func armTimerFd(fd int, initialMs, repeatMs int64) error {
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(initialMs * 1e6),
		Interval: unix.NsecToTimespec(repeatMs * 1e6),
	}
	return unix.TimerfdSettime(fd, 0, &spec, nil)
}

func disarmTimerFd(fd int) error {
	var spec unix.ItimerSpec
	return unix.TimerfdSettime(fd, 0, &spec, nil)
}

func closeTimerFd(fd int) error {
	return closeFD(fd)
}
