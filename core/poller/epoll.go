//go:build linux
// +build linux

package poller

import "golang.org/x/sys/unix"

// epollPoller is an epoll-based I/O multiplexer supporting both
// level-triggered and edge-triggered + one-shot registration, per the
// server's trigMode startup parameter.
type epollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// NewPoller creates a new Poller (Linux).
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}

	return &epollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 1024),
	}, nil
}

func toEpollEvents(m EventMask) uint32 {
	var ev uint32
	if m&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if m&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	// RDHUP is always requested so a half-closed peer surfaces as a
	// HangUp event instead of a silent read returning 0 on the next
	// readiness notification only.
	ev |= unix.EPOLLRDHUP
	if m&EdgeTriggered != 0 {
		ev |= unix.EPOLLET
	}
	if m&OneShot != 0 {
		ev |= unix.EPOLLONESHOT
	}
	return ev
}

func fromEpollEvents(ev uint32) EventMask {
	var m EventMask
	if ev&unix.EPOLLIN != 0 {
		m |= Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		m |= Writable
	}
	if ev&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		m |= HangUp
	}
	return m
}

func (p *epollPoller) AddFd(fd int, events EventMask) error {
	ev := unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) ModFd(fd int, events EventMask) error {
	ev := unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) DelFd(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func (p *epollPoller) Wait(timeoutMs int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Event{
			Fd:     int(p.events[i].Fd),
			Events: fromEpollEvents(p.events[i].Events),
		})
	}
	return out, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

// SetNonblock sets non-blocking mode on fd.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
