package iolog

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

// fakeClock advances by step on every reading
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func newTestLog(t *testing.T, comp Compression) (*Log, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0), step: 250 * time.Millisecond}
	info := &Info{
		SubmitUser: "alice",
		RunUser:    "root",
		Command:    "/bin/echo",
		Argv:       []string{"/bin/echo", "hello"},
		Cwd:        "/home/alice",
		TTY:        "/dev/pts/1",
		Rows:       24,
		Cols:       80,
	}
	l, err := Create(filepath.Join(t.TempDir(), "00", "00", "01"), info, Options{
		Compress: comp,
		Channels: AllChannels,
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	return l, clock
}

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	r, err := OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	tr, c, err := r.Timing()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	var recs []Record
	for {
		rec, err := tr.Next()
		if err == io.EOF {
			return recs
		}
		if err != nil {
			t.Fatal(err)
		}
		recs = append(recs, rec)
	}
}

func readChannel(t *testing.T, path string, c Channel) string {
	t.Helper()
	r, err := OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	rc, err := r.Channel(c)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestLog_AppendAndClose(t *testing.T) {
	for _, comp := range []Compression{CompressNone, CompressGzip, CompressZstd, CompressLZ4} {
		t.Run(comp.String(), func(t *testing.T) {
			l, _ := newTestLog(t, comp)
			path := l.Path()

			for _, c := range []Channel{Stdout, Stderr, TTYOut, Timing} {
				if _, err := os.Stat(filepath.Join(path, c.String())); err != nil {
					t.Fatalf("%v not pre-created: %v", c, err)
				}
			}
			if _, err := os.Stat(filepath.Join(path, Stdin.String())); !os.IsNotExist(err) {
				t.Fatalf("stdin should be opened lazily: %v", err)
			}

			if err := l.Append(Stdout, []byte("hello\n")); err != nil {
				t.Fatal(err)
			}
			if err := l.Append(Stdin, []byte("y")); err != nil {
				t.Fatal(err)
			}
			if err := l.Append(Stderr, nil); err != nil {
				t.Fatal(err)
			}
			if err := l.Close(); err != nil {
				t.Fatal(err)
			}
			if l.Elapsed() != 500*time.Millisecond {
				t.Fatalf("elapsed = %v", l.Elapsed())
			}

			if got := readChannel(t, path, Stdout); got != "hello\n" {
				t.Fatalf("stdout = %q", got)
			}
			if got := readChannel(t, path, Stdin); got != "y" {
				t.Fatalf("stdin = %q", got)
			}
			want := []Record{
				{Event: EventStdout, Delay: 250 * time.Millisecond, Len: 6},
				{Event: EventStdin, Delay: 250 * time.Millisecond, Len: 1},
			}
			recs := readRecords(t, path)
			if len(recs) != len(want) || recs[0] != want[0] || recs[1] != want[1] {
				t.Fatalf("records = %+v", recs)
			}

			r, err := OpenReader(path)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			if ok, err := r.Complete(); err != nil || !ok {
				t.Fatalf("complete = %v %v", ok, err)
			}
			info, err := r.Info()
			if err != nil {
				t.Fatal(err)
			}
			if info.SubmitUser != "alice" || info.UUID == "" || info.Rows != 24 {
				t.Fatalf("info = %+v", info)
			}
		})
	}
}

func TestLog_DisabledChannel(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0), step: time.Second}
	l, err := Create(filepath.Join(t.TempDir(), "s"), nil, Options{
		Channels: ChannelSet(0).With(Stdout),
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	l.Append(Stdin, []byte("secret"))
	l.Append(Stdout, []byte("ok"))
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(l.Path(), Stdin.String())); !os.IsNotExist(err) {
		t.Fatal("disabled channel should not be created")
	}
	if _, err := os.Stat(filepath.Join(l.Path(), Stderr.String())); !os.IsNotExist(err) {
		t.Fatal("disabled channel should not be pre-created")
	}
	if recs := readRecords(t, l.Path()); len(recs) != 1 || recs[0].Delay != time.Second {
		t.Fatalf("records = %+v", recs)
	}
}

func TestLog_WindowSizeDedupe(t *testing.T) {
	l, _ := newTestLog(t, CompressNone)
	path := l.Path()

	// the initial geometry comes from the info record
	if ok, err := l.WindowSize(24, 80); err != nil || ok {
		t.Fatalf("initial geometry recorded: %v %v", ok, err)
	}
	if ok, err := l.WindowSize(30, 100); err != nil || !ok {
		t.Fatalf("resize not recorded: %v %v", ok, err)
	}
	if ok, _ := l.WindowSize(30, 100); ok {
		t.Fatal("identical geometry recorded twice")
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	recs := readRecords(t, path)
	if len(recs) != 1 || recs[0].Event != EventWinsize || recs[0].Rows != 30 || recs[0].Cols != 100 {
		t.Fatalf("records = %+v", recs)
	}
}

func TestLog_Suspend(t *testing.T) {
	l, _ := newTestLog(t, CompressNone)
	l.Suspend(syscall.SIGTSTP)
	l.Suspend(syscall.SIGCONT)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	recs := readRecords(t, l.Path())
	if len(recs) != 2 || recs[0].Signal != "SIGTSTP" || recs[1].Signal != "SIGCONT" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestLog_Closed(t *testing.T) {
	l, _ := newTestLog(t, CompressNone)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(Stdout, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatal(err)
	}
}

func TestLog_FlushReportsEveryChannel(t *testing.T) {
	l, _ := newTestLog(t, CompressNone)
	defer l.Close()
	boom := errors.New("boom")
	l.files[Stdout].err = boom
	l.files[Stderr].err = boom

	err := l.Flush()
	if !errors.Is(err, boom) {
		t.Fatalf("flush error = %v", err)
	}
	if n := bytes.Count([]byte(err.Error()), []byte("boom")); n != 2 {
		t.Fatalf("expected both channels reported: %v", err)
	}
}

func TestCreate_Mkdtemp(t *testing.T) {
	base := t.TempDir()
	l, err := Create(filepath.Join(base, "sess-XXXXXX"), nil, Options{Channels: AllChannels})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	name := filepath.Base(l.Path())
	if name == "sess-XXXXXX" || len(name) <= len("sess-") {
		t.Fatalf("path = %q", l.Path())
	}
}

func TestCompression_Parse(t *testing.T) {
	for _, name := range []string{"none", "gzip", "zstd", "lz4"} {
		c, err := ParseCompression(name)
		if err != nil {
			t.Fatal(err)
		}
		if c.String() != name {
			t.Fatalf("got %v, want %v", c, name)
		}
	}
	if _, err := ParseCompression("bzip2"); err == nil {
		t.Fatal("expected error")
	}
}
