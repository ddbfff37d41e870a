package iolog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Reader reads a session log for replay
type Reader struct {
	path  string
	dirfd int
}

// OpenReader opens the log directory at path
func OpenReader(path string) (*Reader, error) {
	dirfd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &Reader{path: path, dirfd: dirfd}, nil
}

func (r *Reader) openFile(name string) (*os.File, error) {
	fd, err := unix.Openat(r.dirfd, name, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: name, Err: err}
	}
	return os.NewFile(uintptr(fd), name), nil
}

// Info reads log.json, falling back to the legacy log file
func (r *Reader) Info() (*Info, error) {
	f, err := r.openFile(infoJSONFile)
	if err == nil {
		defer f.Close()
		return ParseInfoJSON(f)
	}
	if !errors.Is(err, syscall.ENOENT) {
		return nil, err
	}
	f, err = r.openFile(infoFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseInfoLegacy(f)
}

type channelReader struct {
	io.ReadCloser
	f *os.File
}

func (c channelReader) Close() error {
	c.ReadCloser.Close()
	return c.f.Close()
}

// Channel opens the decompressed stream of channel c
func (r *Reader) Channel(c Channel) (io.ReadCloser, error) {
	f, err := r.openFile(c.String())
	if errors.Is(err, syscall.ENOENT) {
		return nil, fmt.Errorf("%v: %w", c, ErrMissingChannel)
	}
	if err != nil {
		return nil, err
	}
	rc, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%v: %w", c, err)
	}
	return channelReader{ReadCloser: rc, f: f}, nil
}

// Timing opens the timing channel
func (r *Reader) Timing() (*TimingReader, io.Closer, error) {
	rc, err := r.Channel(Timing)
	if err != nil {
		return nil, nil, err
	}
	return NewTimingReader(rc), rc, nil
}

// Complete reports whether the log was closed cleanly, which is when its
// timing file is no longer writable
func (r *Reader) Complete() (bool, error) {
	var st unix.Stat_t
	if err := unix.Fstatat(r.dirfd, Timing.String(), &st, 0); err != nil {
		return false, &os.PathError{Op: "stat", Path: Timing.String(), Err: err}
	}
	return st.Mode&0222 == 0, nil
}

// Close releases the directory fd
func (r *Reader) Close() error {
	return unix.Close(r.dirfd)
}
