package supervisor

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-sudoexec/pkg/event"
	"github.com/criyle/go-sudoexec/pkg/forkexec"
	"github.com/criyle/go-sudoexec/pkg/pipe"
	"github.com/criyle/go-sudoexec/types"
)

// Run dispatches the reactor until the command reaches a terminal status
// or a fatal error breaks the loop. The command is killed if it is still
// running, relay buffers are drained and the log is flushed. The closure
// is released on return.
func (c *Closure) Run() (types.CommandStatus, error) {
	if c.state == types.StateClosed || c.base == nil {
		return nil, ErrClosed
	}
	if c.state == types.StateSpawned {
		c.state = types.StateRunning
	}

	err := c.base.Loop()
	if err == nil {
		err = c.err
	}
	if ferr := c.finalize(); ferr != nil {
		err = errors.Join(err, ferr)
	}
	return c.status.Get(), err
}

func (c *Closure) finalize() error {
	if c.childPid > 0 {
		c.logger.Debug("killing command", "pid", c.childPid)
		killAll(c.childPid)
		ws, ok := collectZombie(c.childPid)
		c.childPid = -1
		c.readBackchannel()
		if ok {
			c.setStatus(types.StatusWait{Status: ws})
		}
	}
	c.retireBackchannel()

	var errs []error
	for _, b := range c.buffers {
		var err error
		if b.Input {
			b.StopReading()
			err = b.Flush()
		} else {
			err = b.Drain()
		}
		if err != nil {
			c.logger.Warn("relay flush", "buffer", b.Name, "error", err)
		}
	}
	if c.log != nil {
		if err := c.log.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush log: %w", err))
		}
	}
	c.release()
	return errors.Join(errs...)
}

// setStatus records the terminal status once and moves to the matching state
func (c *Closure) setStatus(s types.CommandStatus) {
	if !c.status.Set(s) {
		return
	}
	switch s := s.(type) {
	case types.StatusErrno:
		c.state = types.StateExecFailed
	case types.StatusWait:
		if s.Status.Signaled() {
			c.state = types.StateSignaled
		} else {
			c.state = types.StateExited
		}
	}
	c.logger.Debug("command status", "status", s)
}

func (c *Closure) handleBackchannel() {
	c.readBackchannel()
	if c.status.IsSet() {
		c.base.Loopbreak()
	}
}

// readBackchannel reads the exec result of the command. EOF means the
// command was executed; a record means it could not be.
func (c *Closure) readBackchannel() {
	if c.errPipe < 0 {
		return
	}
	ce, ok, err := forkexec.ReadChildError(c.errPipe)
	switch {
	case err == syscall.EAGAIN || err == syscall.EINTR:
		return
	case err != nil:
		c.fatal(fmt.Errorf("backchannel: %w", err))
	case ok:
		c.logger.Debug("exec failed", "error", ce)
		c.setStatus(types.StatusErrno{Err: ce.Err})
	default:
		c.logger.Debug("command executed", "pid", c.childPid)
	}
	c.retireBackchannel()
}

// fatal breaks the loop with err
func (c *Closure) fatal(err error) {
	if c.err == nil {
		c.err = err
	}
	c.base.Loopbreak()
}

func (c *Closure) handleFault(b *pipe.Buffer, err error) {
	c.logger.Debug("relay fault", "buffer", b.Name, "error", err)
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		errno = syscall.EIO
	}
	c.setStatus(types.StatusErrno{Err: errno})
	c.base.Loopbreak()
}

func (c *Closure) handleSignal(info event.SignalInfo) {
	action := c.policy.Decide(c.signalContext(), info)
	c.logger.Debug("signal", "signal", info.Signo, "pid", info.Pid, "code", info.Code, "action", action)
	switch action {
	case ActionReap:
		c.reap()
	case ActionWindowSize:
		c.checkWindowSize()
	case ActionTerminate:
		c.terminate()
	case ActionForward:
		c.forward(info.Signo)
	}
}

// reap collects every status change of the command without blocking
func (c *Closure) reap() {
	for c.childPid > 0 {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(c.childPid, &ws, unix.WNOHANG|unix.WUNTRACED, nil)
		switch {
		case err == syscall.EINTR:
			continue
		case err != nil:
			c.fatal(fmt.Errorf("wait4: %w", err))
			return
		case pid == 0:
			return
		}
		if ws.Stopped() {
			c.suspend(ws.StopSignal())
			continue
		}
		c.logger.Debug("command collected", "pid", pid, "status", types.StatusWait{Status: ws})
		c.childPid = -1
		// an exec failure takes priority over the exit status
		c.readBackchannel()
		c.setStatus(types.StatusWait{Status: ws})
		if c.killTimer != nil {
			c.killTimer.Stop()
		}
		c.base.Loopbreak()
	}
}

// suspend propagates the suspension of the command to the supervisor and
// continues the command once the supervisor is resumed
func (c *Closure) suspend(sig syscall.Signal) {
	prev := c.state
	c.state = types.StateSuspended
	c.logger.Debug("command stopped", "pid", c.childPid, "signal", sig)
	c.logSuspend(sig)

	ctx := c.signalContext()
	if (sig == syscall.SIGTTIN || sig == syscall.SIGTTOU) && ctx.Foreground == c.selfPgrp {
		// the command stopped before the terminal was handed back
		c.logger.Debug("continuing command in foreground", "pid", c.childPid)
	} else if err := c.stopSelf(sig); err != nil {
		c.logger.Warn("suspend self", "signal", sig, "error", err)
	}

	c.checkWindowSize()
	if err := unix.Kill(c.childPid, syscall.SIGCONT); err != nil {
		c.logger.Debug("continue command", "pid", c.childPid, "error", err)
	}
	c.logSuspend(syscall.SIGCONT)
	if prev == types.StateSuspended {
		prev = types.StateRunning
	}
	c.state = prev
}

// suspendSelf stops the supervisor until it is continued. The runtime keeps
// its handler for the job control signals once they were watched, so the
// supervisor always stops with SIGSTOP; sig is only recorded.
func (c *Closure) suspendSelf(sig syscall.Signal) error {
	c.logger.Debug("suspending", "pid", c.selfPid, "signal", sig)
	return unix.Kill(c.selfPid, syscall.SIGSTOP)
}

func (c *Closure) logSuspend(sig syscall.Signal) {
	if c.log == nil {
		return
	}
	if err := c.log.Suspend(sig); err != nil {
		c.logger.Debug("iolog suspend", "signal", sig, "error", err)
	}
}

// checkWindowSize records the terminal geometry when it changed
func (c *Closure) checkWindowSize() {
	if c.winsize == nil {
		return
	}
	rows, cols, err := c.winsize()
	if err != nil {
		c.logger.Debug("window size", "error", err)
		return
	}
	c.rows, c.cols = rows, cols
	if c.log == nil {
		return
	}
	if _, err := c.log.WindowSize(rows, cols); err != nil {
		c.logger.Debug("iolog window size", "error", err)
	}
}

// terminate asks the command to exit and kills it after the grace period
func (c *Closure) terminate() {
	if c.childPid <= 0 {
		return
	}
	c.logger.Debug("terminating command", "pid", c.childPid, "grace", c.grace)
	for _, sig := range []syscall.Signal{syscall.SIGHUP, syscall.SIGTERM, syscall.SIGCONT} {
		unix.Kill(c.childPid, sig)
	}
	if c.killTimer != nil && !c.killTimer.Pending() {
		if err := c.killTimer.Arm(c.grace); err != nil {
			c.logger.Warn("arm kill timer", "error", err)
			killAll(c.childPid)
		}
	}
}

func (c *Closure) forward(sig syscall.Signal) {
	if c.childPid <= 0 {
		return
	}
	if err := unix.Kill(c.childPid, sig); err != nil {
		c.logger.Debug("forward signal", "pid", c.childPid, "signal", sig, "error", err)
	}
}

func (c *Closure) handleTimeout() {
	c.logger.Debug("command timed out", "pid", c.childPid)
	if err := c.sigev.Deliver(event.SignalInfo{Signo: syscall.SIGALRM, Code: event.CodeKernel}); err != nil {
		c.terminate()
	}
}

func (c *Closure) handleKill() {
	if c.childPid > 0 {
		c.logger.Debug("killing command after grace", "pid", c.childPid)
		killAll(c.childPid)
	}
}
