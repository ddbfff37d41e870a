package iolog

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// file is one open channel file. Write errors are sticky and reported by
// every later write and flush.
type file struct {
	ch  Channel
	f   *os.File
	c   compressor
	w   io.Writer
	err error
}

// openChannel creates (truncating) name under dirfd
func openChannel(dirfd int, ch Channel, mode os.FileMode, comp Compression) (*file, error) {
	fd, err := unix.Openat(dirfd, ch.String(), unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, uint32(mode.Perm()))
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: ch.String(), Err: err}
	}
	return newFile(fd, ch, comp)
}

func newFile(fd int, ch Channel, comp Compression) (*file, error) {
	f := os.NewFile(uintptr(fd), ch.String())
	c, err := newCompressor(f, comp)
	if err != nil {
		f.Close()
		return nil, err
	}
	fl := &file{ch: ch, f: f, w: f}
	if c != nil {
		fl.c, fl.w = c, c
	}
	return fl, nil
}

func (f *file) Write(p []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n, err := f.w.Write(p)
	if err != nil {
		f.err = err
	}
	return n, err
}

func (f *file) flush() error {
	if f.err != nil {
		return f.err
	}
	if f.c != nil {
		if err := f.c.Flush(); err != nil {
			f.err = err
			return err
		}
	}
	return nil
}

func (f *file) close() error {
	var errs []error
	if f.c != nil {
		errs = append(errs, f.c.Close())
	}
	errs = append(errs, f.f.Close())
	if f.err != nil {
		errs = append(errs, f.err)
	}
	return errors.Join(errs...)
}
