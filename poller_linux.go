//go:build linux

package iomultiplex

import (
	"golang.org/x/sys/unix"
)

// epollPoller is the Linux kernel-interest backend. Interest is
// edge-triggered (EPOLLET): the engine keeps servicing a direction until
// its queue empties or an operation hits EAGAIN. An EAGAIN waits for the
// next edge; an emptied queue changes the registered interest (modify or
// delete), and the later modify/add that re-registers it makes epoll
// re-check readiness, so a still-readable fd is reported again.
type epollPoller struct {
	epfd     int
	eventBuf []unix.EpollEvent
	ready    []readyEvent
}

func newPoller(maxEvents int) (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: epfd, eventBuf: make([]unix.EpollEvent, maxEvents)}, nil
}

func (p *epollPoller) registerFD(fd int, events ioEvents) error {
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) modifyFD(fd int, events ioEvents) error {
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) unregisterFD(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *epollPoller) wait(timeoutMs int) ([]readyEvent, error) {
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		p.ready = append(p.ready, readyEvent{
			fd:     int(p.eventBuf[i].Fd),
			events: epollToEvents(p.eventBuf[i].Events),
		})
	}
	return p.ready, nil
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}

func eventsToEpoll(events ioEvents) uint32 {
	var e uint32
	// Edge-triggered; see epollPoller for how the engine avoids stalls.
	e |= unix.EPOLLET
	if events&evRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&evWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) ioEvents {
	var events ioEvents
	if e&unix.EPOLLIN != 0 {
		events |= evRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= evWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= evError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= evHangup
	}
	return events
}
