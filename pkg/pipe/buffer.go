// Package pipe provides the relay buffers moving a stream between the
// supervised command and the user's fds, with owned fd handles.
package pipe

import (
	"fmt"
	"log/slog"
	"syscall"

	"golang.org/x/sys/unix"
)

// Source is an event source that can be enabled and disabled
type Source interface {
	Add() error
	Del() error
	Pending() bool
}

// LogFunc is called with each span read, before it is made writable
type LogFunc func(p []byte)

// Buffer relays bytes read from R into W with a fixed capacity.
// Invariant: 0 <= off <= len <= cap(data).
type Buffer struct {
	Name string

	R, W *Handle

	// Input marks a buffer reading from the user's side
	Input bool

	data []byte
	off  int
	len  int

	rev, wev Source
	log      LogFunc

	// Fault is called on write errors other than a closed peer
	Fault func(*Buffer, error)

	logger *slog.Logger
}

// NewBuffer creates a relay buffer of size bytes from r to w.
// log may be nil.
func NewBuffer(name string, r, w *Handle, size int, log LogFunc, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		Name:   name,
		R:      r,
		W:      w,
		data:   make([]byte, size),
		log:    log,
		logger: logger,
	}
}

// Attach sets the read and write event sources. The read source is
// enabled; the write source is enabled once data is available.
func (b *Buffer) Attach(rev, wev Source) error {
	b.rev, b.wev = rev, wev
	if b.R.Closed() {
		return nil
	}
	return b.rev.Add()
}

// Len returns the bytes buffered and not yet written
func (b *Buffer) Len() int {
	return b.len - b.off
}

// Done reports whether both ends are closed and nothing is left
func (b *Buffer) Done() bool {
	return b.R.Closed() && b.W.Closed() && b.off == b.len
}

// HandleRead is the read source callback
func (b *Buffer) HandleRead() {
	var (
		n   int
		err error
	)
	for {
		n, err = unix.Read(b.R.Fd(), b.data[b.len:])
		if err != syscall.EINTR {
			break
		}
	}
	switch {
	case err == syscall.EAGAIN:
		return
	case err != nil || n == 0:
		// read errors other than EAGAIN are treated as EOF
		if err != nil {
			b.logger.Debug("relay read", "buffer", b.Name, "error", err)
		} else {
			b.logger.Debug("relay EOF", "buffer", b.Name)
		}
		b.closeReader()
		return
	}

	if b.log != nil {
		b.log(b.data[b.len : b.len+n])
	}
	b.len += n
	if b.len == len(b.data) {
		b.rev.Del()
	}
	if !b.W.Closed() {
		b.wev.Add()
	}
}

// HandleWrite is the write source callback
func (b *Buffer) HandleWrite() {
	var (
		n   int
		err error
	)
	for {
		n, err = unix.Write(b.W.Fd(), b.data[b.off:b.len])
		if err != syscall.EINTR {
			break
		}
	}
	switch err {
	case nil:
	case syscall.EAGAIN:
		return
	case syscall.EPIPE, syscall.EBADF, syscall.EIO, syscall.ENXIO:
		// nothing will consume the output any more
		b.logger.Debug("relay writer gone", "buffer", b.Name, "error", err)
		b.closeBoth()
		return
	default:
		b.logger.Debug("relay write", "buffer", b.Name, "error", err)
		b.closeBoth()
		if b.Fault != nil {
			b.Fault(b, err)
		}
		return
	}

	b.off += n
	if b.off == b.len {
		b.off, b.len = 0, 0
		b.wev.Del()
		if b.R.Closed() {
			b.W.Close()
		}
	}
	if !b.R.Closed() && b.len < len(b.data) && !b.rev.Pending() {
		b.rev.Add()
	}
}

// StopReading closes the read side. The writer is closed as well when
// nothing is left to write, otherwise once the buffer is drained.
func (b *Buffer) StopReading() {
	b.closeReader()
}

func (b *Buffer) closeReader() {
	if b.rev != nil {
		b.rev.Del()
	}
	b.R.Close()
	if b.off == b.len {
		if b.wev != nil {
			b.wev.Del()
		}
		b.W.Close()
	}
}

func (b *Buffer) closeBoth() {
	if b.rev != nil {
		b.rev.Del()
	}
	if b.wev != nil {
		b.wev.Del()
	}
	b.R.Close()
	b.W.Close()
	b.off, b.len = 0, 0
}

// Flush writes what is left in the buffer to W, waiting for the fd to be
// writable, and closes both ends.
func (b *Buffer) Flush() error {
	defer b.closeBoth()
	return b.writeAll()
}

// Drain relays what can be read from R right now without waiting for more
// input, then flushes and closes both ends.
func (b *Buffer) Drain() error {
	defer b.closeBoth()
	for !b.R.Closed() {
		if b.len == len(b.data) {
			if err := b.writeAll(); err != nil {
				return err
			}
			b.off, b.len = 0, 0
		}
		n, err := unix.Read(b.R.Fd(), b.data[b.len:])
		if err == syscall.EINTR {
			continue
		}
		if err == syscall.EAGAIN {
			break
		}
		if err != nil || n == 0 {
			b.R.Close()
			break
		}
		if b.log != nil {
			b.log(b.data[b.len : b.len+n])
		}
		b.len += n
	}
	return b.writeAll()
}

// writeAll blocks until the buffered bytes are written. A closed peer
// discards them.
func (b *Buffer) writeAll() error {
	for b.off < b.len && !b.W.Closed() {
		n, err := unix.Write(b.W.Fd(), b.data[b.off:b.len])
		switch err {
		case nil:
			b.off += n
		case syscall.EINTR:
		case syscall.EAGAIN:
			fds := []unix.PollFd{{Fd: int32(b.W.Fd()), Events: unix.POLLOUT}}
			if _, err := unix.Poll(fds, -1); err != nil && err != syscall.EINTR {
				return err
			}
		case syscall.EPIPE, syscall.EBADF, syscall.EIO, syscall.ENXIO:
			b.off = b.len
			return nil
		default:
			return err
		}
	}
	return nil
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer[%s %d/%d, %v -> %v]", b.Name, b.Len(), len(b.data), b.R, b.W)
}
