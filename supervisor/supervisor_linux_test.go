package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-sudoexec/iolog"
	"github.com/criyle/go-sudoexec/pkg/event"
	"github.com/criyle/go-sudoexec/types"
)

type testSession struct {
	sup    *Supervisor
	path   string
	stdout *os.File
}

func newSession(t *testing.T, channels iolog.ChannelSet) *testSession {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "00", "00", "01")
	l, err := iolog.Create(path, &iolog.Info{
		SubmitUser: "alice",
		RunUser:    "root",
		Command:    "test",
	}, iolog.Options{Channels: channels})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { devnull.Close() })
	stdout, err := os.Create(filepath.Join(dir, "stdout"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stdout.Close() })

	return &testSession{
		sup: &Supervisor{
			Log:    l,
			Stdin:  devnull,
			Stdout: stdout,
			Stderr: stdout,
		},
		path:   path,
		stdout: stdout,
	}
}

func (s *testSession) run(t *testing.T, details *types.CommandDetails) types.CommandStatus {
	t.Helper()
	c, err := s.sup.Spawn(details, nil)
	if err != nil {
		t.Fatal(err)
	}
	status, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if status == nil {
		t.Fatal("no status")
	}
	if c.State() != types.StateClosed {
		t.Fatalf("state %v after run", c.State())
	}
	return status
}

// close finishes the log and returns its timing records
func (s *testSession) close(t *testing.T) []iolog.Record {
	t.Helper()
	if err := s.sup.Log.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := iolog.OpenReader(s.path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	tr, c, err := r.Timing()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	var recs []iolog.Record
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

func (s *testSession) channel(t *testing.T, ch iolog.Channel) string {
	t.Helper()
	r, err := iolog.OpenReader(s.path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	rc, err := r.Channel(ch)
	if errors.Is(err, iolog.ErrMissingChannel) {
		return ""
	}
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

func exited(t *testing.T, s types.CommandStatus, code int) {
	t.Helper()
	ws, ok := s.(types.StatusWait)
	if !ok || !ws.Status.Exited() || ws.Status.ExitStatus() != code {
		t.Fatalf("got %v, want Exited(%d)", s, code)
	}
}

func signaled(t *testing.T, s types.CommandStatus, sig syscall.Signal) {
	t.Helper()
	ws, ok := s.(types.StatusWait)
	if !ok || !ws.Status.Signaled() || ws.Status.Signal() != sig {
		t.Fatalf("got %v, want Signaled(%v)", s, sig)
	}
}

func TestRun_Echo(t *testing.T) {
	t.Parallel()
	s := newSession(t, iolog.AllChannels)
	exited(t, s.run(t, &types.CommandDetails{Argv: []string{"/bin/echo", "hello"}}), 0)

	recs := s.close(t)
	if got := s.channel(t, iolog.Stdout); got != "hello\n" {
		t.Fatalf("stdout channel %q", got)
	}
	b, err := os.ReadFile(s.stdout.Name())
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "hello\n" {
		t.Fatalf("relayed %q", b)
	}
	if len(recs) != 1 {
		t.Fatalf("records %v", recs)
	}
	if r := recs[0]; r.Event != iolog.EventStdout || r.Len != 6 || r.Delay < 0 {
		t.Fatalf("record %v", r)
	}
}

func TestRun_WindowSizeDedupe(t *testing.T) {
	t.Parallel()
	s := newSession(t, 0)
	s.sup.Winsize = func() (int, int, error) { return 24, 80, nil }
	c, err := s.sup.Spawn(&types.CommandDetails{Argv: []string{"/bin/sleep", "0.2"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := c.Deliver(event.SignalInfo{Signo: syscall.SIGWINCH, Code: event.CodeKernel}); err != nil {
			t.Fatal(err)
		}
	}
	status, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	exited(t, status, 0)

	recs := s.close(t)
	if len(recs) != 1 {
		t.Fatalf("records %v", recs)
	}
	if r := recs[0]; r.Event != iolog.EventWinsize || r.Rows != 24 || r.Cols != 80 {
		t.Fatalf("record %v", r)
	}
}

func TestRun_ExecFailure(t *testing.T) {
	t.Parallel()
	s := newSession(t, iolog.AllChannels)
	c, err := s.sup.Spawn(&types.CommandDetails{Argv: []string{"/nonexistent/command"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	status, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if e, ok := status.(types.StatusErrno); !ok || e.Err != syscall.ENOENT {
		t.Fatalf("got %v, want Errno(ENOENT)", status)
	}

	if recs := s.close(t); len(recs) != 0 {
		t.Fatalf("records %v", recs)
	}
	for _, ch := range []iolog.Channel{iolog.Stdin, iolog.Stdout, iolog.Stderr} {
		if got := s.channel(t, ch); got != "" {
			t.Fatalf("%v channel %q", ch, got)
		}
	}
}

func TestRun_Suspend(t *testing.T) {
	t.Parallel()
	s := newSession(t, iolog.AllChannels)
	var stopped []syscall.Signal
	s.sup.stopSelf = func(sig syscall.Signal) error {
		stopped = append(stopped, sig)
		return nil
	}
	exited(t, s.run(t, &types.CommandDetails{
		Argv: []string{"/bin/sh", "-c", "kill -STOP $$; echo resumed"},
	}), 0)

	if len(stopped) != 1 || stopped[0] != syscall.SIGSTOP {
		t.Fatalf("supervisor stopped with %v", stopped)
	}
	recs := s.close(t)
	if len(recs) != 3 {
		t.Fatalf("records %v", recs)
	}
	if recs[0].Event != iolog.EventSuspend || recs[0].Signal != "SIGSTOP" ||
		recs[1].Event != iolog.EventSuspend || recs[1].Signal != "SIGCONT" ||
		recs[2].Event != iolog.EventStdout || recs[2].Len != len("resumed\n") {
		t.Fatalf("records %v", recs)
	}
}

func TestRun_Timeout(t *testing.T) {
	t.Parallel()
	s := newSession(t, 0)
	start := time.Now()
	signaled(t, s.run(t, &types.CommandDetails{
		Argv:       []string{"/bin/sleep", "10"},
		SetTimeout: true,
		Timeout:    50 * time.Millisecond,
	}), syscall.SIGHUP)
	if d := time.Since(start); d > 5*time.Second {
		t.Fatalf("timeout took %v", d)
	}
}

func TestRun_TimeoutKill(t *testing.T) {
	t.Parallel()
	s := newSession(t, 0)
	s.sup.KillGrace = 100 * time.Millisecond
	signaled(t, s.run(t, &types.CommandDetails{
		Argv:       []string{"/bin/sh", "-c", "trap '' HUP TERM; while :; do :; done"},
		SetTimeout: true,
		Timeout:    50 * time.Millisecond,
	}), syscall.SIGKILL)
}

func TestRun_ForwardAndDrop(t *testing.T) {
	t.Parallel()
	s := newSession(t, 0)
	c, err := s.sup.Spawn(&types.CommandDetails{Argv: []string{"/bin/sleep", "10"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	// raised by the command itself: never sent back
	if err := c.Deliver(event.SignalInfo{Signo: syscall.SIGTERM, Pid: c.Pid(), Code: event.CodeUser}); err != nil {
		t.Fatal(err)
	}
	if err := c.Deliver(event.SignalInfo{Signo: syscall.SIGUSR2, Code: event.CodeUser}); err != nil {
		t.Fatal(err)
	}
	status, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	signaled(t, status, syscall.SIGUSR2)
}

func TestRun_RelayFault(t *testing.T) {
	t.Parallel()
	s := newSession(t, iolog.AllChannels)
	full, err := os.OpenFile("/dev/full", os.O_WRONLY, 0)
	if err != nil {
		t.Skip("no /dev/full:", err)
	}
	defer full.Close()
	s.sup.Stdout = full

	start := time.Now()
	c, err := s.sup.Spawn(&types.CommandDetails{Argv: []string{"/bin/sh", "-c", "echo hi; sleep 3"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	status, err := c.Run()
	if err != nil {
		t.Logf("run: %v", err)
	}
	if e, ok := status.(types.StatusErrno); !ok || e.Err != syscall.ENOSPC {
		t.Fatalf("got %v, want Errno(ENOSPC)", status)
	}
	if d := time.Since(start); d >= 3*time.Second {
		t.Fatalf("relay fault did not stop the session, took %v", d)
	}
	if c.State() != types.StateClosed || c.Pid() != -1 {
		t.Fatalf("state %v pid %d after run", c.State(), c.Pid())
	}
	// the bytes were logged before the failed write
	s.close(t)
	if got := s.channel(t, iolog.Stdout); got != "hi\n" {
		t.Fatalf("stdout channel %q", got)
	}
}

func TestRun_Intercept(t *testing.T) {
	t.Parallel()
	s := newSession(t, 0)
	exited(t, s.run(t, &types.CommandDetails{
		Argv:         []string{"/bin/sh", "-c", `test "$SUDO_INTERCEPT_FD" = 3 && test -S /proc/self/fd/3`},
		UseIntercept: true,
	}), 0)
}

func TestRun_NoExec(t *testing.T) {
	t.Parallel()
	s := newSession(t, 0)
	status := s.run(t, &types.CommandDetails{
		Argv:   []string{"/bin/sh", "-c", "/bin/true"},
		NoExec: true,
	})
	ws, ok := status.(types.StatusWait)
	if !ok || !ws.Status.Exited() || ws.Status.ExitStatus() == 0 {
		t.Fatalf("nested exec allowed: %v", status)
	}
}

func TestSpawn_NoArgs(t *testing.T) {
	t.Parallel()
	var s Supervisor
	if _, err := s.Spawn(&types.CommandDetails{}, nil); err != syscall.EINVAL {
		t.Fatal(err)
	}
}

func TestRun_Closed(t *testing.T) {
	t.Parallel()
	s := newSession(t, 0)
	c, err := s.sup.Spawn(&types.CommandDetails{Argv: []string{"/bin/true"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(); err != ErrClosed {
		t.Fatalf("second run: %v", err)
	}
	if c.Pid() != -1 {
		t.Fatalf("pid %d after run", c.Pid())
	}
}

const suspendHelperEnv = "SUDOEXEC_TEST_SUSPEND_SELF"

// TestSuspendSelf_Stops runs the supervisor in a child test process, which
// suspends itself while its command runs. The process must stay stopped
// until it is continued.
func TestSuspendSelf_Stops(t *testing.T) {
	if os.Getenv(suspendHelperEnv) == "1" {
		suspendSelfHelper(t)
		return
	}
	cmd := exec.Command(os.Args[0], "-test.run=^TestSuspendSelf_Stops$")
	cmd.Env = append(os.Environ(), suspendHelperEnv+"=1")
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	defer cmd.Process.Kill()

	stopped := false
	for deadline := time.Now().Add(10 * time.Second); time.Now().Before(deadline); {
		if processState(pid) == "T" {
			stopped = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !stopped {
		t.Fatalf("supervisor %d never stopped, state %q", pid, processState(pid))
	}
	// still stopped a while later
	time.Sleep(200 * time.Millisecond)
	if st := processState(pid); st != "T" {
		t.Fatalf("supervisor %d resumed on its own, state %q", pid, st)
	}
	if err := cmd.Process.Signal(syscall.SIGCONT); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Wait(); err != nil {
		t.Fatalf("helper: %v", err)
	}
}

func suspendSelfHelper(t *testing.T) {
	s := newSession(t, 0)
	c, err := s.sup.Spawn(&types.CommandDetails{Argv: []string{"/bin/sleep", "10"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.suspendSelf(syscall.SIGTSTP); err != nil {
		t.Fatal(err)
	}
	if err := unix.Kill(c.Pid(), syscall.SIGKILL); err != nil {
		t.Fatal(err)
	}
	status, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	signaled(t, status, syscall.SIGKILL)
}

// processState returns the state letter from /proc/<pid>/status
func processState(pid int) string {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(b), "\n") {
		if v, ok := strings.CutPrefix(line, "State:"); ok {
			v = strings.TrimSpace(v)
			if v != "" {
				return v[:1]
			}
		}
	}
	return ""
}
