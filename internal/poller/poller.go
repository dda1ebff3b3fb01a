// Package poller wraps the Linux epoll readiness-notification facility: add
// / modify / delete a descriptor with an interest mask, wait with a
// millisecond timeout, and yield the ready set. It is a thin translation of
// the original LiteWebServer Epoller class onto golang.org/x/sys/unix.
package poller

import (
	"golang.org/x/sys/unix"
)

// Interest flags used by the core; values mirror the epoll event bits so
// callers can OR them directly, but are named for what the spec talks about.
const (
	In     = unix.EPOLLIN
	Out    = unix.EPOLLOUT
	RDHup  = unix.EPOLLRDHUP
	Hup    = unix.EPOLLHUP
	Err    = unix.EPOLLERR
	Edge   = unix.EPOLLET
	OneShot = unix.EPOLLONESHOT
)

// Event is one ready descriptor and its event mask.
type Event struct {
	Fd     int
	Events uint32
}

// Poller is a thin epoll wrapper; not safe for concurrent Wait calls (the
// spec has a single I/O thread own it).
type Poller struct {
	epfd   int
	events []unix.EpollEvent
}

// New creates an epoll instance sized to hold up to maxEvents ready
// descriptors per Wait call.
func New(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Poller{epfd: fd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

// Add registers fd for the given interest mask.
func (p *Poller) Add(fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// Modify re-arms fd with a new interest mask (used to flip IN/OUT direction
// and to re-establish ONESHOT interest after each wake).
func (p *Poller) Modify(fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// Delete deregisters fd.
func (p *Poller) Delete(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks for up to timeoutMS milliseconds (-1 blocks indefinitely, 0
// returns immediately) and returns the ready set.
func (p *Poller) Wait(timeoutMS int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = Event{Fd: int(p.events[i].Fd), Events: p.events[i].Events}
	}
	return out, nil
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
