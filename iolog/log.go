// Package iolog records the I/O of a session into a log directory of
// per-channel files and a timing channel, and rewrites such a log to an
// elapsed time checkpoint to resume it.
//
// All channel files are opened relative to the log directory fd.
package iolog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Options configures a session log
type Options struct {
	// Mode of the channel files; directories get the matching search bits
	Mode os.FileMode
	// Compress applies to every channel file
	Compress Compression
	// Channels enabled for logging
	Channels ChannelSet
	// FlushEach flushes the timing and data channel after every record
	FlushEach bool

	Logger *slog.Logger
	// Now is the clock, time.Now when nil
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Mode == 0 {
		o.Mode = 0600
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// dirMode adds search permission where read permission is granted
func dirMode(mode os.FileMode) os.FileMode {
	m := mode.Perm()
	m |= (m & 0444) >> 2
	return m | 0700
}

// Log is an open session log. It is not safe for concurrent use.
type Log struct {
	path  string
	dirfd int
	opts  Options

	files [numChannels]*file

	elapsed time.Duration
	last    time.Time

	rows, cols int
	closed     bool
}

// Create creates the log directory at path and its pre-created channels,
// and writes the info record. A trailing XXXXXX in the last component is
// replaced by a unique suffix.
func Create(path string, info *Info, opts Options) (*Log, error) {
	opts.setDefaults()
	dm := dirMode(opts.Mode)
	if err := os.MkdirAll(filepath.Dir(path), dm); err != nil {
		return nil, err
	}

	var err error
	if base := filepath.Base(path); len(base) >= 6 && base[len(base)-6:] == "XXXXXX" {
		path, err = os.MkdirTemp(filepath.Dir(path), base[:len(base)-6]+"*")
		if err == nil {
			err = os.Chmod(path, dm)
		}
	} else {
		err = os.Mkdir(path, dm)
		if errors.Is(err, os.ErrExist) {
			err = nil
		}
	}
	if err != nil {
		return nil, err
	}

	l, err := open(path, opts)
	if err != nil {
		return nil, err
	}
	if info != nil {
		if err := l.writeInfo(info); err != nil {
			l.abort()
			return nil, err
		}
		l.rows, l.cols = info.Rows, info.Cols
	}
	if err := l.open(Timing); err != nil {
		l.abort()
		return nil, err
	}
	for c := Stdin; c < Timing; c++ {
		if precreated.Has(c) && opts.Channels.Has(c) {
			if err := l.open(c); err != nil {
				l.abort()
				return nil, err
			}
		}
	}
	l.last = opts.Now()
	opts.Logger.Debug("iolog created", "path", path, "compress", opts.Compress)
	return l, nil
}

// Open opens an existing log directory without opening any channel, to be
// resumed with Resume.
func Open(path string, opts Options) (*Log, error) {
	opts.setDefaults()
	l, err := open(path, opts)
	if err != nil {
		return nil, err
	}
	l.last = opts.Now()
	return l, nil
}

func open(path string, opts Options) (*Log, error) {
	dirfd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &Log{path: path, dirfd: dirfd, opts: opts}, nil
}

// Path returns the log directory
func (l *Log) Path() string {
	return l.path
}

// Elapsed returns the session time recorded so far
func (l *Log) Elapsed() time.Duration {
	return l.elapsed
}

// Enabled reports whether c is logged
func (l *Log) Enabled(c Channel) bool {
	return l.opts.Channels.Has(c)
}

func (l *Log) writeInfo(info *Info) error {
	if info.StartTime.IsZero() {
		info.StartTime = l.opts.Now()
	}
	for _, w := range []struct {
		name  string
		write func(*os.File) error
	}{
		{infoFile, func(f *os.File) error { return info.writeLegacy(f) }},
		{infoJSONFile, func(f *os.File) error { return info.writeJSON(f) }},
	} {
		fd, err := unix.Openat(l.dirfd, w.name, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, uint32(l.opts.Mode.Perm()))
		if err != nil {
			return &os.PathError{Op: "openat", Path: w.name, Err: err}
		}
		f := os.NewFile(uintptr(fd), w.name)
		err = w.write(f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", w.name, err)
		}
	}
	return nil
}

func (l *Log) open(c Channel) error {
	f, err := openChannel(l.dirfd, c, l.opts.Mode, l.opts.Compress)
	if err != nil {
		return err
	}
	l.files[c] = f
	return nil
}

// delay advances the elapsed time to now and returns the delta
func (l *Log) delay() time.Duration {
	now := l.opts.Now()
	d := now.Sub(l.last)
	if d < 0 {
		d = 0
	}
	l.last = now
	l.elapsed += d
	return d
}

func (l *Log) writeTiming(r Record) error {
	t := l.files[Timing]
	if t == nil {
		return fmt.Errorf("%v: %w", Timing, ErrMissingChannel)
	}
	if _, err := t.Write([]byte(r.String() + "\n")); err != nil {
		return fmt.Errorf("write %v: %w", Timing, err)
	}
	if l.opts.FlushEach {
		return t.flush()
	}
	return nil
}

// Append records p read on channel c: one timing record with the delay
// since the previous record of any channel, then the bytes. Disabled
// channels are ignored.
func (l *Log) Append(c Channel, p []byte) error {
	if l.closed {
		return ErrClosed
	}
	if c < Stdin || c >= Timing || !l.opts.Channels.Has(c) || len(p) == 0 {
		return nil
	}
	if l.files[c] == nil {
		if err := l.open(c); err != nil {
			return err
		}
	}
	if err := l.writeTiming(Record{Event: c.Event(), Delay: l.delay(), Len: len(p)}); err != nil {
		return err
	}
	f := l.files[c]
	if _, err := f.Write(p); err != nil {
		return fmt.Errorf("write %v: %w", c, err)
	}
	if l.opts.FlushEach {
		return f.flush()
	}
	return nil
}

// WindowSize records a terminal geometry change. A geometry equal to the
// last recorded one is not recorded again; it reports whether a record
// was written.
func (l *Log) WindowSize(rows, cols int) (bool, error) {
	if l.closed {
		return false, ErrClosed
	}
	if rows == l.rows && cols == l.cols {
		return false, nil
	}
	l.rows, l.cols = rows, cols
	return true, l.writeTiming(Record{Event: EventWinsize, Delay: l.delay(), Rows: rows, Cols: cols})
}

// Suspend records the command being suspended (or resumed with SIGCONT)
func (l *Log) Suspend(sig syscall.Signal) error {
	if l.closed {
		return ErrClosed
	}
	return l.writeTiming(Record{Event: EventSuspend, Delay: l.delay(), Signal: unix.SignalName(sig)})
}

// Flush flushes every open channel. A failing channel does not stop the
// others from being flushed; all failures are returned joined.
func (l *Log) Flush() error {
	var errs []error
	for _, f := range l.files {
		if f == nil {
			continue
		}
		if err := f.flush(); err != nil {
			l.opts.Logger.Warn("iolog flush", "channel", f.ch, "error", err)
			errs = append(errs, fmt.Errorf("flush %v: %w", f.ch, err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes and closes the log. When every channel was written
// successfully the timing file loses its write bits, marking the log
// complete.
func (l *Log) Close() error {
	if l.closed {
		return nil
	}
	complete := l.files[Timing] != nil
	err := l.Flush()
	if cerr := l.closeFiles(); err == nil {
		err = cerr
	}
	if err == nil && complete {
		mode := l.opts.Mode.Perm() &^ 0222
		if cerr := unix.Fchmodat(l.dirfd, Timing.String(), uint32(mode), 0); cerr != nil {
			err = fmt.Errorf("chmod %v: %w", Timing, cerr)
		}
	}
	if cerr := unix.Close(l.dirfd); err == nil && cerr != nil {
		err = cerr
	}
	l.closed = true
	return err
}

// abort releases everything without marking the log complete
func (l *Log) abort() {
	l.closeFiles()
	unix.Close(l.dirfd)
	l.closed = true
}

func (l *Log) closeFiles() error {
	var errs []error
	for i, f := range l.files {
		if f == nil {
			continue
		}
		if err := f.close(); err != nil {
			l.opts.Logger.Warn("iolog close", "channel", f.ch, "error", err)
			errs = append(errs, fmt.Errorf("close %v: %w", f.ch, err))
		}
		l.files[i] = nil
	}
	return errors.Join(errs...)
}
