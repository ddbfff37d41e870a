// Package event provides a single-threaded readiness reactor over epoll.
//
// File descriptors, one-shot timers and signal deliveries are all dispatched
// from Base.Loop on the calling goroutine. Callbacks run to completion and
// may add or delete any event, including their own.
package event

import (
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned when the base was closed
var ErrClosed = errors.New("event: base closed")

// Flags defines the readiness an event waits for
type Flags uint8

// Flags
const (
	Read Flags = 1 << iota
	Write
)

func (f Flags) String() string {
	var s []string
	if f&Read != 0 {
		s = append(s, "read")
	}
	if f&Write != 0 {
		s = append(s, "write")
	}
	if len(s) == 0 {
		return "none"
	}
	return strings.Join(s, "|")
}

// Callback is called with the fd and the readiness observed
type Callback func(fd int, what Flags)

// Event is a persistent readiness watch on one fd. It stays registered
// until Del is called.
type Event struct {
	base *Base
	fd   int
	what Flags
	cb   Callback

	added  bool
	always bool // regular files are always ready
}

// Fd returns the watched fd
func (e *Event) Fd() int {
	return e.fd
}

// Pending reports whether the event is registered
func (e *Event) Pending() bool {
	return e.added
}

// Add registers the event with the base. Adding a pending event is a no-op.
func (e *Event) Add() error {
	if e.added {
		return nil
	}
	return e.base.add(e)
}

// Del unregisters the event. Deleting an event that is not pending is a no-op.
func (e *Event) Del() error {
	if !e.added {
		return nil
	}
	return e.base.del(e)
}

func (e *Event) String() string {
	return fmt.Sprintf("Event[fd=%d,%v,pending=%v]", e.fd, e.what, e.added)
}
