package event

import (
	"log/slog"
	"slices"
	"syscall"

	"golang.org/x/sys/unix"
)

const maxEvents = 64

// Base is the reactor. It is not safe for concurrent use; only signal
// sources write to it from other goroutines, through their self-pipe.
type Base struct {
	epfd   int
	logger *slog.Logger

	events map[int]*Event
	always []*Event

	broke  bool
	exit   bool
	closed bool
}

type ready struct {
	ev   *Event
	what Flags
}

// New creates a reactor base; a nil logger uses slog.Default
func New(logger *slog.Logger) (*Base, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		epfd:   epfd,
		logger: logger,
		events: make(map[int]*Event),
	}, nil
}

// NewEvent creates an event watching fd for what. The event is not pending
// until Add is called.
func (b *Base) NewEvent(fd int, what Flags, cb Callback) *Event {
	return &Event{base: b, fd: fd, what: what, cb: cb}
}

func epollFlags(what Flags) uint32 {
	var f uint32
	if what&Read != 0 {
		f |= unix.EPOLLIN
	}
	if what&Write != 0 {
		f |= unix.EPOLLOUT
	}
	return f
}

func (b *Base) add(e *Event) error {
	if b.closed {
		return ErrClosed
	}
	if other, ok := b.events[e.fd]; ok && other != e {
		return syscall.EEXIST
	}
	ev := unix.EpollEvent{Events: epollFlags(e.what), Fd: int32(e.fd)}
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, e.fd, &ev)
	switch err {
	case nil:
		b.events[e.fd] = e
	case syscall.EPERM:
		// epoll does not support regular files, which never block
		e.always = true
		b.always = append(b.always, e)
	default:
		return err
	}
	e.added = true
	b.logger.Debug("event add", "fd", e.fd, "what", e.what, "always", e.always)
	return nil
}

func (b *Base) del(e *Event) error {
	e.added = false
	b.logger.Debug("event del", "fd", e.fd, "what", e.what)
	if e.always {
		e.always = false
		b.always = slices.DeleteFunc(b.always, func(o *Event) bool { return o == e })
		return nil
	}
	delete(b.events, e.fd)
	if b.closed {
		return nil
	}
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, e.fd, nil)
	// the fd may already be closed by the owner
	if err == syscall.EBADF || err == syscall.ENOENT {
		return nil
	}
	return err
}

// Loop dispatches events until no event is pending, Loopbreak or Loopexit
// is called, or epoll fails.
func (b *Base) Loop() error {
	if b.closed {
		return ErrClosed
	}
	b.broke, b.exit = false, false

	evs := make([]unix.EpollEvent, maxEvents)
	var rd []ready
	for !b.broke && !b.exit {
		if len(b.events) == 0 && len(b.always) == 0 {
			b.logger.Debug("event loop: no events left")
			return nil
		}
		timeout := -1
		if len(b.always) > 0 {
			timeout = 0
		}
		n, err := unix.EpollWait(b.epfd, evs, timeout)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return err
		}

		// snapshot the ready set; callbacks may delete or add events
		rd = rd[:0]
		for i := 0; i < n; i++ {
			e, ok := b.events[int(evs[i].Fd)]
			if !ok {
				continue
			}
			rd = append(rd, ready{ev: e, what: readiness(e.what, evs[i].Events)})
		}
		for _, e := range b.always {
			rd = append(rd, ready{ev: e, what: e.what})
		}
		for _, r := range rd {
			if b.broke {
				break
			}
			// deleted by an earlier callback of the same round
			if !r.ev.added || r.what == 0 {
				continue
			}
			r.ev.cb(r.ev.fd, r.what)
		}
	}
	return nil
}

// readiness maps epoll bits onto the flags an event asked for. Hangup and
// error conditions wake every direction so the callback observes EOF or
// the write error itself.
func readiness(want Flags, got uint32) Flags {
	var f Flags
	if got&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		f |= Read
	}
	if got&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		f |= Write
	}
	return f & want
}

// Loopbreak makes Loop return right after the running callback
func (b *Base) Loopbreak() {
	b.broke = true
}

// Loopexit makes Loop return once the current round of ready events is
// dispatched
func (b *Base) Loopexit() {
	b.exit = true
}

// Broke reports whether the last Loop ended by Loopbreak
func (b *Base) Broke() bool {
	return b.broke
}

// Close releases the epoll fd. Events still pending are dropped; their
// fds are owned by the caller.
func (b *Base) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	for _, e := range b.events {
		e.added = false
	}
	for _, e := range b.always {
		e.added, e.always = false, false
	}
	b.events = map[int]*Event{}
	b.always = nil
	return unix.Close(b.epfd)
}
