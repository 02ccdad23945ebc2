//go:build darwin

package iomultiplex

import (
	"golang.org/x/sys/unix"
)

// kqueuePoller is the Darwin/BSD kernel-interest backend. kqueue is
// naturally level-triggered; the engine's dispatch logic is written to be
// correct under either triggering mode (spec's open question on
// level- vs. edge-triggered polling), so the triggering mode needs no
// extra bookkeeping here; the only per-fd state kept is the watched map.
type kqueuePoller struct {
	kq       int
	eventBuf []unix.Kevent_t
	ready    []readyEvent
	// watched tracks which of evRead/evWrite are currently registered per
	// fd, so modifyFD can submit only the delta as EV_ADD/EV_DELETE.
	watched map[int]ioEvents
}

func newPoller(maxEvents int) (poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &kqueuePoller{kq: kq, eventBuf: make([]unix.Kevent_t, maxEvents), watched: make(map[int]ioEvents)}, nil
}

func (p *kqueuePoller) registerFD(fd int, events ioEvents) error {
	changes := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	if len(changes) > 0 {
		if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
			return err
		}
	}
	p.watched[fd] = events
	return nil
}

func (p *kqueuePoller) modifyFD(fd int, events ioEvents) error {
	old := p.watched[fd]
	var changes []unix.Kevent_t
	if removed := old &^ events; removed != 0 {
		changes = append(changes, eventsToKevents(fd, removed, unix.EV_DELETE)...)
	}
	if added := events &^ old; added != 0 {
		changes = append(changes, eventsToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE)...)
	}
	if len(changes) > 0 {
		if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
			return err
		}
	}
	p.watched[fd] = events
	return nil
}

func (p *kqueuePoller) unregisterFD(fd int) error {
	old := p.watched[fd]
	delete(p.watched, fd)
	changes := eventsToKevents(fd, old, unix.EV_DELETE)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) wait(timeoutMs int) ([]readyEvent, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		kev := &p.eventBuf[i]
		ev := readyEvent{fd: int(kev.Ident), events: keventToEvents(kev)}
		p.ready = append(p.ready, ev)
	}
	return p.ready, nil
}

func (p *kqueuePoller) close() error {
	return unix.Close(p.kq)
}

func eventsToKevents(fd int, events ioEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&evRead != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&evWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) ioEvents {
	var events ioEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= evRead
	case unix.EVFILT_WRITE:
		events |= evWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= evError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= evHangup
	}
	return events
}
