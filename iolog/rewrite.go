package iolog

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// replaced in tests to inject failures
var renameat = defaultRenameat

var defaultRenameat = unix.Renameat

// checkpoint is the state of a log at a resume point
type checkpoint struct {
	counts     [numChannels]int64
	rows, cols int
}

// Resume truncates the log to the point where the recorded elapsed time
// equals target exactly and reopens its channels for appending after it.
//
// The channels are rebuilt in a temporary directory inside the log
// directory and renamed over the originals one by one. If anything fails
// before every rename succeeded the original files are restored, so the
// log is either fully rewritten or untouched.
func (l *Log) Resume(target time.Duration) error {
	if l.closed {
		return ErrClosed
	}
	cp, err := l.scan(target)
	if err != nil {
		return err
	}

	tmp, tmpfd, err := mkdtempat(l.dirfd, "restart", dirMode(l.opts.Mode))
	if err != nil {
		return fmt.Errorf("resume: mkdtemp: %w", err)
	}
	defer l.removeTemp(tmp, tmpfd)

	files, err := l.copyChannels(tmpfd, &cp)
	if err != nil {
		closeAll(files)
		return fmt.Errorf("resume: %w", err)
	}
	if err := l.replace(tmpfd, files); err != nil {
		closeAll(files)
		return fmt.Errorf("resume: %w", err)
	}

	// every channel is in place, retire the old handles
	l.closeFiles()
	l.files = files
	l.elapsed = target
	l.last = l.opts.Now()
	l.rows, l.cols = cp.rows, cp.cols
	l.opts.Logger.Debug("iolog resumed", "path", l.path, "elapsed", target)
	return nil
}

// scan reads the timing channel until the elapsed time equals target and
// counts the bytes of every channel up to there
func (l *Log) scan(target time.Duration) (checkpoint, error) {
	var cp checkpoint
	r, closeFn, err := l.openReader(Timing)
	if err != nil {
		return cp, err
	}
	defer closeFn()

	cp.rows, cp.cols = l.infoGeometry()
	tr := NewTimingReader(r)
	var elapsed time.Duration
	for elapsed != target {
		rec, err := tr.Next()
		if err == io.EOF {
			return cp, fmt.Errorf("%w: %v past end at %v", ErrResumeMismatch, target, elapsed)
		}
		if err != nil {
			return cp, err
		}
		elapsed += rec.Delay
		if elapsed > target {
			return cp, fmt.Errorf("%w: %v skipped, next record at %v", ErrResumeMismatch, target, elapsed)
		}
		switch rec.Event {
		case EventWinsize:
			cp.rows, cp.cols = rec.Rows, rec.Cols
		case EventSuspend:
		default:
			c, _ := rec.Event.Channel()
			cp.counts[c] += int64(rec.Len)
		}
	}
	cp.counts[Timing] = tr.Offset
	return cp, nil
}

// infoGeometry returns the terminal size the session started with
func (l *Log) infoGeometry() (int, int) {
	fd, err := unix.Openat(l.dirfd, infoJSONFile, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, 0
	}
	f := os.NewFile(uintptr(fd), infoJSONFile)
	defer f.Close()
	info, err := ParseInfoJSON(f)
	if err != nil {
		return 0, 0
	}
	return info.Rows, info.Cols
}

// openReader opens the decompressed stream of channel c
func (l *Log) openReader(c Channel) (io.Reader, func(), error) {
	fd, err := unix.Openat(l.dirfd, c.String(), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err == syscall.ENOENT {
		return nil, nil, fmt.Errorf("%v: %w", c, ErrMissingChannel)
	}
	if err != nil {
		return nil, nil, &os.PathError{Op: "openat", Path: c.String(), Err: err}
	}
	f := os.NewFile(uintptr(fd), c.String())
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%v: %w", c, err)
	}
	return r, func() {
		r.Close()
		f.Close()
	}, nil
}

// copyChannels writes the first cp.counts bytes of every existing channel
// into new files under tmpfd. The new files stay open.
func (l *Log) copyChannels(tmpfd int, cp *checkpoint) ([numChannels]*file, error) {
	var files [numChannels]*file
	for c := Stdin; c < numChannels; c++ {
		r, closeFn, err := l.openReader(c)
		if errors.Is(err, ErrMissingChannel) && cp.counts[c] == 0 {
			continue
		}
		if err != nil {
			return files, err
		}
		err = func() error {
			defer closeFn()
			f, err := openChannel(tmpfd, c, l.opts.Mode, l.opts.Compress)
			if err != nil {
				return err
			}
			files[c] = f
			n, err := io.CopyN(f, r, cp.counts[c])
			if err == io.EOF {
				return fmt.Errorf("%v: %d of %d bytes: %w", c, n, cp.counts[c], io.ErrUnexpectedEOF)
			}
			if err != nil {
				return fmt.Errorf("copy %v: %w", c, err)
			}
			return f.flush()
		}()
		if err != nil {
			return files, err
		}
	}
	return files, nil
}

func backupName(c Channel) string {
	return c.String() + ".orig"
}

// replace renames the new files over the originals, keeping hard links of
// the originals in tmpfd to roll back
func (l *Log) replace(tmpfd int, files [numChannels]*file) (err error) {
	var (
		done   []Channel
		backed [numChannels]bool
	)
	defer func() {
		if err == nil {
			return
		}
		for i := len(done) - 1; i >= 0; i-- {
			c := done[i]
			var rerr error
			if backed[c] {
				rerr = renameat(tmpfd, backupName(c), l.dirfd, c.String())
			} else {
				rerr = unix.Unlinkat(l.dirfd, c.String(), 0)
			}
			if rerr != nil {
				l.opts.Logger.Warn("iolog resume rollback", "channel", c, "error", rerr)
			}
		}
	}()

	for c, f := range files {
		if f == nil {
			continue
		}
		ch := Channel(c)
		switch err := unix.Linkat(l.dirfd, ch.String(), tmpfd, backupName(ch), 0); err {
		case nil:
			backed[ch] = true
		case syscall.ENOENT:
		default:
			return fmt.Errorf("backup %v: %w", ch, err)
		}
		if err := renameat(tmpfd, ch.String(), l.dirfd, ch.String()); err != nil {
			return fmt.Errorf("rename %v: %w", ch, err)
		}
		done = append(done, ch)
	}
	return nil
}

// removeTemp removes the temporary directory and whatever it still holds
func (l *Log) removeTemp(name string, tmpfd int) {
	for c := Stdin; c < numChannels; c++ {
		for _, n := range []string{c.String(), backupName(c)} {
			if err := unix.Unlinkat(tmpfd, n, 0); err != nil && err != syscall.ENOENT {
				l.opts.Logger.Warn("iolog resume cleanup", "file", n, "error", err)
			}
		}
	}
	unix.Close(tmpfd)
	if err := unix.Unlinkat(l.dirfd, name, unix.AT_REMOVEDIR); err != nil {
		l.opts.Logger.Warn("iolog resume cleanup", "dir", name, "error", err)
	}
}

const tempChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// mkdtempat creates a uniquely named directory under dirfd and opens it
func mkdtempat(dirfd int, prefix string, mode os.FileMode) (string, int, error) {
	for n := 0; n < 100; n++ {
		b := []byte(prefix + ".XXXXXX")
		for i := len(prefix) + 1; i < len(b); i++ {
			b[i] = tempChars[rand.Intn(len(tempChars))]
		}
		name := string(b)
		err := unix.Mkdirat(dirfd, name, uint32(mode.Perm()))
		if err == syscall.EEXIST {
			continue
		}
		if err != nil {
			return "", -1, err
		}
		fd, err := unix.Openat(dirfd, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		if err != nil {
			unix.Unlinkat(dirfd, name, unix.AT_REMOVEDIR)
			return "", -1, err
		}
		return name, fd, nil
	}
	return "", -1, syscall.EEXIST
}

func closeAll(files [numChannels]*file) {
	for _, f := range files {
		if f != nil {
			f.close()
		}
	}
}
