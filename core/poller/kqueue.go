//go:build darwin
// +build darwin

package poller

import "golang.org/x/sys/unix"

// kqueuePoller is a kqueue-based I/O multiplexer. kqueue separates
// read and write interest into distinct filters, so AddFd/ModFd
// register (or re-register) exactly the filter the requested
// EventMask implies and delete the other, keeping the fd armed for
// one direction at a time as the connection model requires.
type kqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
}

// NewPoller creates a new Poller (macOS/BSD).
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, 1024),
	}, nil
}

func (p *kqueuePoller) changeList(fd int, events EventMask, enable bool) []unix.Kevent_t {
	var flags uint16
	if enable {
		flags = unix.EV_ADD | unix.EV_ENABLE
		if events&EdgeTriggered != 0 {
			flags |= unix.EV_CLEAR
		}
		if events&OneShot != 0 {
			flags |= unix.EV_ONESHOT
		}
	} else {
		flags = unix.EV_DELETE
	}

	readFlags := uint16(unix.EV_DELETE)
	writeFlags := uint16(unix.EV_DELETE)
	if enable && events&Readable != 0 {
		readFlags = flags
	}
	if enable && events&Writable != 0 {
		writeFlags = flags
	}

	return []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: readFlags},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: writeFlags},
	}
}

func (p *kqueuePoller) AddFd(fd int, events EventMask) error {
	// Apply each change on its own: deleting a filter that is not
	// registered (never added, or already consumed by EV_ONESHOT)
	// reports ENOENT, which must neither fail the call nor stop the
	// other filter's change from being applied.
	for _, change := range p.changeList(fd, events, true) {
		_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{change}, nil, nil)
		if err != nil && !(change.Flags == unix.EV_DELETE && err == unix.ENOENT) {
			return err
		}
	}
	return nil
}

func (p *kqueuePoller) ModFd(fd int, events EventMask) error {
	// kqueue has no distinct "modify": re-adding with EV_ADD updates
	// the existing registration, and the unused direction is
	// explicitly deleted so a connection cannot be armed for both
	// read and write at once.
	return p.AddFd(fd, events)
}

func (p *kqueuePoller) DelFd(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *kqueuePoller) Wait(timeoutMs int) ([]Event, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1_000_000),
		}
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
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
		ev := p.events[i]
		var m EventMask
		switch ev.Filter {
		case unix.EVFILT_READ:
			m = Readable
		case unix.EVFILT_WRITE:
			m = Writable
		}
		if ev.Flags&unix.EV_EOF != 0 {
			m |= HangUp
		}
		out = append(out, Event{Fd: int(ev.Ident), Events: m})
	}
	return out, nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}

// SetNonblock sets non-blocking mode on fd.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
