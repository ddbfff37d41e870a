package supervisor

import (
	"errors"
	"log/slog"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-sudoexec/intercept"
	"github.com/criyle/go-sudoexec/iolog"
	"github.com/criyle/go-sudoexec/pkg/event"
	"github.com/criyle/go-sudoexec/pkg/pipe"
	"github.com/criyle/go-sudoexec/types"
)

// ErrClosed is returned by Run on a closure that already ran
var ErrClosed = errors.New("supervisor: closure closed")

// Closure is the state of one supervised session. It is owned by the
// reactor goroutine and is not safe for concurrent use.
type Closure struct {
	base   *event.Base
	log    *iolog.Log
	policy SignalPolicy
	logger *slog.Logger

	// childPid is -1 once the command was collected
	childPid  int
	childPgrp int
	selfPid   int
	selfPgrp  int

	status types.StatusCell
	state  types.State

	rows, cols int
	winsize    func() (int, int, error)
	tty        *os.File

	errPipe     int
	backchannel *event.Event
	sigev       *event.SignalEvent
	timeout     *event.Timer
	killTimer   *event.Timer
	grace       time.Duration
	server      *intercept.Server
	buffers     []*pipe.Buffer

	stopSelf func(sig syscall.Signal) error

	// err is the fatal error that broke the loop
	err error
}

// Pid returns the pid of the command, -1 once collected
func (c *Closure) Pid() int {
	return c.childPid
}

// State returns the supervisor state of the session
func (c *Closure) State() types.State {
	return c.state
}

// Status returns the terminal status, nil while the command runs
func (c *Closure) Status() types.CommandStatus {
	return c.status.Get()
}

// Elapsed returns the session time recorded by the log
func (c *Closure) Elapsed() time.Duration {
	if c.log == nil {
		return 0
	}
	return c.log.Elapsed()
}

// WindowSize returns the last known terminal geometry
func (c *Closure) WindowSize() (rows, cols int) {
	return c.rows, c.cols
}

// Deliver injects a signal delivery into the reactor as if it was
// received by the supervisor
func (c *Closure) Deliver(info event.SignalInfo) error {
	if c.sigev == nil {
		return ErrClosed
	}
	return c.sigev.Deliver(info)
}

// signalContext snapshots the process state for the policy
func (c *Closure) signalContext() *SignalContext {
	ctx := &SignalContext{
		ChildPid:   c.childPid,
		ChildPgrp:  c.childPgrp,
		SelfPid:    c.selfPid,
		SelfPgrp:   c.selfPgrp,
		Foreground: -1,
		Pgrp:       unix.Getpgid,
	}
	if c.tty != nil {
		if pgrp, err := unix.IoctlGetInt(int(c.tty.Fd()), unix.TIOCGPGRP); err == nil {
			ctx.Foreground = pgrp
		}
	}
	return ctx
}

// retireBackchannel stops watching the exec error pipe
func (c *Closure) retireBackchannel() {
	if c.backchannel != nil {
		c.backchannel.Del()
		c.backchannel = nil
	}
	if c.errPipe >= 0 {
		unix.Close(c.errPipe)
		c.errPipe = -1
	}
}

// release closes every resource of the session except the log, which
// belongs to the caller. It is safe to call more than once.
func (c *Closure) release() {
	c.retireBackchannel()
	for _, b := range c.buffers {
		b.R.Close()
		b.W.Close()
	}
	c.buffers = nil
	if c.timeout != nil {
		c.timeout.Close()
		c.timeout = nil
	}
	if c.killTimer != nil {
		c.killTimer.Close()
		c.killTimer = nil
	}
	if c.server != nil {
		c.server.Close()
		c.server = nil
	}
	if c.sigev != nil {
		c.sigev.Close()
		c.sigev = nil
	}
	if c.tty != nil {
		c.tty.Close()
		c.tty = nil
	}
	if c.base != nil {
		c.base.Close()
		c.base = nil
	}
	c.state = types.StateClosed
}

// kill all processes of the command
func killAll(pid int) {
	if pid > 0 {
		unix.Kill(pid, unix.SIGKILL)
	}
}

// collect the killed command
func collectZombie(pid int) (unix.WaitStatus, bool) {
	var wstatus unix.WaitStatus
	if pid <= 0 {
		return wstatus, false
	}
	for {
		_, err := unix.Wait4(pid, &wstatus, 0, nil)
		if err == syscall.EINTR {
			continue
		}
		return wstatus, err == nil
	}
}
