package pipe

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Handle owns one file descriptor and closes it at most once
type Handle struct {
	fd   int
	name string
	// restore switches the description back to blocking mode on close
	restore bool
}

// NewHandle takes the ownership of fd
func NewHandle(fd int, name string) *Handle {
	return &Handle{fd: fd, name: name}
}

// Fd returns the fd, or -1 once closed or taken
func (h *Handle) Fd() int {
	if h == nil {
		return -1
	}
	return h.fd
}

// Closed reports whether the fd was released
func (h *Handle) Closed() bool {
	return h == nil || h.fd < 0
}

// Close closes the fd if it is still owned
func (h *Handle) Close() error {
	if h.Closed() {
		return nil
	}
	fd := h.fd
	h.fd = -1
	if h.restore {
		unix.SetNonblock(fd, false)
	}
	return unix.Close(fd)
}

// Take releases the ownership of the fd to the caller without closing it
func (h *Handle) Take() int {
	if h.Closed() {
		return -1
	}
	fd := h.fd
	h.fd = -1
	return fd
}

func (h *Handle) String() string {
	if h == nil {
		return "Handle[nil]"
	}
	return fmt.Sprintf("Handle[%s:%d]", h.name, h.fd)
}
