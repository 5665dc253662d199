//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"

	"github.com/wavecore/reactor/reactorerr"
)

// EventMask is the epoll event bitmask a Channel registers interest in.
type EventMask uint32

const (
	EventRead  EventMask = unix.EPOLLIN | unix.EPOLLRDHUP
	EventWrite EventMask = unix.EPOLLOUT
	EventError EventMask = unix.EPOLLERR | unix.EPOLLHUP
)

// poller wraps a single epoll instance. It is not safe for concurrent
// use from multiple goroutines beyond the one-writer-one-reader pattern
// EventLoop drives it with.
type poller struct {
	epfd   int
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, reactorerr.New(reactorerr.CodeSystemCall, reactorerr.ErrSystemCall,
			"epoll_create1 failed").WithContext("errno", err)
	}
	return &poller{epfd: epfd, events: make([]unix.EpollEvent, 1024)}, nil
}

func (p *poller) add(fd int, ch *Channel) error {
	ev := unix.EpollEvent{Events: uint32(ch.events)}
	setEpollEventPtr(&ev, ch)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *poller) modify(fd int, ch *Channel) error {
	ev := unix.EpollEvent{Events: uint32(ch.events)}
	setEpollEventPtr(&ev, ch)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *poller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// poll blocks up to timeoutMs (negative means forever) and returns the
// Channels with activity this round, growing the event buffer if it was
// filled exactly (a sign more fds may be ready than fit).
func (p *poller) poll(timeoutMs int) ([]*Channel, []uint32, error) {
	for {
		n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, nil, reactorerr.New(reactorerr.CodeSystemCall, reactorerr.ErrSystemCall,
				"epoll_wait failed").WithContext("errno", err)
		}
		chans := make([]*Channel, 0, n)
		revents := make([]uint32, 0, n)
		for i := 0; i < n; i++ {
			ch := channelFromEpollEventPtr(&p.events[i])
			if ch == nil {
				continue
			}
			chans = append(chans, ch)
			revents = append(revents, p.events[i].Events)
		}
		if n == len(p.events) {
			p.events = make([]unix.EpollEvent, len(p.events)*2)
		}
		return chans, revents, nil
	}
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}
