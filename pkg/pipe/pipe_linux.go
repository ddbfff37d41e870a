package pipe

import (
	"golang.org/x/sys/unix"
)

// NewPipe creates a close-on-exec pipe. Only the end kept by the supervisor
// is set non-blocking: the other end is handed to the child as a standard
// stream and must behave as an ordinary blocking fd there.
func NewPipe(name string, nonblockRead, nonblockWrite bool) (r, w *Handle, err error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, err
	}
	r, w = NewHandle(p[0], name+"-r"), NewHandle(p[1], name+"-w")
	if nonblockRead {
		if err := unix.SetNonblock(p[0], true); err != nil {
			r.Close()
			w.Close()
			return nil, nil, err
		}
	}
	if nonblockWrite {
		if err := unix.SetNonblock(p[1], true); err != nil {
			r.Close()
			w.Close()
			return nil, nil, err
		}
	}
	return r, w, nil
}

// Dup duplicates fd as a close-on-exec handle and switches the shared
// file description to non-blocking mode, so that a slow peer never blocks
// the reactor. Closing the handle restores the original mode and leaves fd
// itself open.
func Dup(fd int, name string) (*Handle, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 3)
	if err != nil {
		return nil, err
	}
	h := NewHandle(nfd, name)
	fl, err := unix.FcntlInt(uintptr(nfd), unix.F_GETFL, 0)
	if err != nil {
		h.Close()
		return nil, err
	}
	if fl&unix.O_NONBLOCK == 0 {
		if err := unix.SetNonblock(nfd, true); err != nil {
			h.Close()
			return nil, err
		}
		h.restore = true
	}
	return h, nil
}
