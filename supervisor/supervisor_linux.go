// Package supervisor runs a command as a child process and drives it from
// spawn to its terminal status on a single-threaded reactor. Standard
// streams that are logged are interposed through relay buffers, signals
// are filtered and forwarded, and suspension of the command is propagated
// to the supervisor itself.
package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/criyle/go-sudoexec/intercept"
	"github.com/criyle/go-sudoexec/iolog"
	"github.com/criyle/go-sudoexec/pkg/event"
	"github.com/criyle/go-sudoexec/pkg/forkexec"
	"github.com/criyle/go-sudoexec/pkg/pipe"
	"github.com/criyle/go-sudoexec/pkg/seccomp"
	"github.com/criyle/go-sudoexec/types"
)

// Defaults
const (
	DefaultBufferSize = 64 << 10
	DefaultKillGrace  = 2 * time.Second
)

// watchedSignals are relayed to the reactor for the whole session
var watchedSignals = []os.Signal{
	syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTSTP, syscall.SIGTERM,
	syscall.SIGHUP, syscall.SIGALRM, syscall.SIGUSR1, syscall.SIGUSR2,
	syscall.SIGCHLD, syscall.SIGCONT, syscall.SIGWINCH,
}

// Supervisor holds the configuration shared by the sessions it spawns
type Supervisor struct {
	Logger *slog.Logger

	// Log receives the I/O of the session, nil disables logging and
	// interposition
	Log *iolog.Log

	// Policy decides on each received signal, DefaultPolicy when nil
	Policy SignalPolicy

	// BufferSize is the capacity of each relay buffer
	BufferSize int

	// KillGrace is the time between the graceful termination signals
	// and SIGKILL on timeout
	KillGrace time.Duration

	// Intercept answers sub-command checks when the command uses
	// interception, everything is allowed when nil
	Intercept intercept.Checker

	// Stdin, Stdout and Stderr of the command, os.Std* when nil
	Stdin, Stdout, Stderr *os.File

	// Winsize returns the terminal geometry, by default from the terminal
	// named in the user details
	Winsize func() (rows, cols int, err error)

	// stopSelf suspends the supervisor with sig, replaced in tests
	stopSelf func(sig syscall.Signal) error
}

// stdStream is one of the command's standard streams
type stdStream struct {
	name  string
	file  *os.File
	ch    iolog.Channel
	input bool
}

// Spawn forks and executes the command. All event sources of the session
// are registered with the returned closure; the reactor is driven by Run.
func (s *Supervisor) Spawn(details *types.CommandDetails, user *types.UserDetails) (c *Closure, err error) {
	if details == nil || len(details.Argv) == 0 {
		return nil, syscall.EINVAL
	}
	if user == nil {
		user = &types.UserDetails{}
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := s.Policy
	if policy == nil {
		policy = DefaultPolicy{}
	}
	size := s.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}

	base, err := event.New(logger)
	if err != nil {
		return nil, fmt.Errorf("event base: %w", err)
	}
	c = &Closure{
		base:     base,
		log:      s.Log,
		policy:   policy,
		logger:   logger,
		childPid: -1,
		errPipe:  -1,
		selfPid:  unix.Getpid(),
		selfPgrp: unix.Getpgrp(),
		rows:     user.Rows,
		cols:     user.Cols,
		grace:    s.KillGrace,
		stopSelf: s.stopSelf,
	}
	if c.grace <= 0 {
		c.grace = DefaultKillGrace
	}
	if c.stopSelf == nil {
		c.stopSelf = c.suspendSelf
	}
	// child side fds, closed in the parent once the command is started
	var childEnds []*pipe.Handle
	defer func() {
		for _, h := range childEnds {
			h.Close()
		}
		if err != nil {
			c.release()
		}
	}()

	// signals are relayed before fork so that none of the child's is lost
	if c.sigev, err = base.NewSignalEvent(c.handleSignal, watchedSignals...); err != nil {
		return nil, fmt.Errorf("signal event: %w", err)
	}

	if user.TTYPath != "" {
		tty, err := os.OpenFile(user.TTYPath, os.O_RDWR|syscall.O_NOCTTY, 0)
		if err != nil {
			logger.Debug("open tty", "path", user.TTYPath, "error", err)
		} else {
			c.tty = tty
		}
	}
	c.winsize = s.Winsize
	if c.winsize == nil && c.tty != nil {
		fd := int(c.tty.Fd())
		c.winsize = func() (int, int, error) {
			cols, rows, err := term.GetSize(fd)
			return rows, cols, err
		}
	}

	streams := []stdStream{
		{"stdin", s.Stdin, iolog.Stdin, true},
		{"stdout", s.Stdout, iolog.Stdout, false},
		{"stderr", s.Stderr, iolog.Stderr, false},
	}
	std := []*os.File{os.Stdin, os.Stdout, os.Stderr}
	files := make([]uintptr, 0, 4)
	for i, st := range streams {
		if st.file == nil {
			st.file = std[i]
		}
		fd := int(st.file.Fd())
		if !c.interpose(fd, st.ch) {
			files = append(files, uintptr(fd))
			continue
		}
		b, child, err := c.newRelay(st, fd, size)
		if err != nil {
			return nil, fmt.Errorf("relay %s: %w", st.name, err)
		}
		childEnds = append(childEnds, child)
		files = append(files, uintptr(child.Fd()))
		c.buffers = append(c.buffers, b)
	}

	r := &forkexec.Runner{
		Args:       details.Argv,
		Env:        details.Envp,
		Path:       details.Command,
		ExecFile:   details.ExecFD,
		RLimits:    details.RLimits.PrepareRLimit(),
		Files:      files,
		Chroot:     details.Chroot,
		WorkDir:    details.Cwd,
		Credential: details.Credential,
		Umask:      details.Umask,
		SetUmask:   details.SetUmask,
	}

	if details.UseIntercept {
		if c.server, err = intercept.NewServer(s.Intercept, logger); err != nil {
			return nil, fmt.Errorf("intercept: %w", err)
		}
		r.Files = append(r.Files, uintptr(c.server.ChildEnd()))
		r.Env = append(append([]string(nil), r.Env...), fmt.Sprintf("%s=%d", intercept.EnvFd, intercept.ChildFd))
	}

	if details.NoExec {
		filter, err := seccomp.NoExec()
		if err != nil {
			return nil, fmt.Errorf("noexec filter: %w", err)
		}
		r.Seccomp = filter.SockFprog()
		if r.ExecFile == 0 {
			path := r.Path
			if path == "" {
				path = r.Args[0]
			}
			fd, err := unix.Open(path, unix.O_PATH|unix.O_CLOEXEC, 0)
			if err != nil {
				return nil, &os.PathError{Op: "open", Path: path, Err: err}
			}
			childEnds = append(childEnds, pipe.NewHandle(fd, "exec"))
			r.ExecFile = uintptr(fd)
		}
	}

	if details.SetTimeout && details.Timeout > 0 {
		if c.timeout, err = base.NewTimer(c.handleTimeout); err != nil {
			return nil, fmt.Errorf("timeout timer: %w", err)
		}
	}
	if c.killTimer, err = base.NewTimer(c.handleKill); err != nil {
		return nil, fmt.Errorf("kill timer: %w", err)
	}

	pid, errPipe, err := r.Start()
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", details.Argv[0], err)
	}
	c.childPid = pid
	// the command shares the process group of the supervisor
	c.childPgrp = c.selfPgrp
	c.errPipe = errPipe
	c.state = types.StateSpawned
	logger.Debug("spawned", "pid", pid, "argv", details.Argv)

	if c.server != nil {
		c.server.CloseChildEnd()
		if err := c.server.Start(base); err != nil {
			return nil, c.abort(fmt.Errorf("intercept: %w", err))
		}
	}
	c.backchannel = base.NewEvent(errPipe, event.Read, func(int, event.Flags) { c.handleBackchannel() })
	if err := c.backchannel.Add(); err != nil {
		return nil, c.abort(fmt.Errorf("backchannel: %w", err))
	}
	for _, b := range c.buffers {
		if err := c.attach(b); err != nil {
			return nil, c.abort(fmt.Errorf("relay %s: %w", b.Name, err))
		}
	}
	if c.timeout != nil {
		if err := c.timeout.Arm(details.Timeout); err != nil {
			return nil, c.abort(fmt.Errorf("arm timeout: %w", err))
		}
	}
	return c, nil
}

// interpose reports whether the stream on fd is relayed through a buffer:
// only logged streams that are not terminals are
func (c *Closure) interpose(fd int, ch iolog.Channel) bool {
	return c.log != nil && c.log.Enabled(ch) && !term.IsTerminal(fd)
}

// newRelay creates the pipe and the relay buffer of a stream. It returns
// the pipe end handed to the command.
func (c *Closure) newRelay(st stdStream, fd int, size int) (*pipe.Buffer, *pipe.Handle, error) {
	user, err := pipe.Dup(fd, st.name)
	if err != nil {
		return nil, nil, err
	}
	var (
		b     *pipe.Buffer
		child *pipe.Handle
	)
	log := c.logFunc(st.ch)
	if st.input {
		r, w, err := pipe.NewPipe(st.name, false, true)
		if err != nil {
			user.Close()
			return nil, nil, err
		}
		b = pipe.NewBuffer(st.name, user, w, size, log, c.logger)
		b.Input = true
		child = r
	} else {
		r, w, err := pipe.NewPipe(st.name, true, false)
		if err != nil {
			user.Close()
			return nil, nil, err
		}
		b = pipe.NewBuffer(st.name, r, user, size, log, c.logger)
		child = w
	}
	b.Fault = c.handleFault
	return b, child, nil
}

func (c *Closure) logFunc(ch iolog.Channel) pipe.LogFunc {
	return func(p []byte) {
		if err := c.log.Append(ch, p); err != nil {
			c.logger.Debug("iolog append", "channel", ch, "error", err)
		}
	}
}

func (c *Closure) attach(b *pipe.Buffer) error {
	rev := c.base.NewEvent(b.R.Fd(), event.Read, func(int, event.Flags) { b.HandleRead() })
	wev := c.base.NewEvent(b.W.Fd(), event.Write, func(int, event.Flags) { b.HandleWrite() })
	return b.Attach(rev, wev)
}

// abort kills the started command after a registration failure
func (c *Closure) abort(err error) error {
	killAll(c.childPid)
	collectZombie(c.childPid)
	c.childPid = -1
	return err
}
