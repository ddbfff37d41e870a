package types

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// CommandStatus is the terminal status of a supervised command. It is
// either StatusErrno (the command could not be executed) or StatusWait
// (the raw wait status of the command)
type CommandStatus interface {
	fmt.Stringer
	isCommandStatus()
}

// StatusErrno reports the command was never executed
type StatusErrno struct {
	Err syscall.Errno
}

// StatusWait carries the raw wait status of the collected command
type StatusWait struct {
	Status unix.WaitStatus
}

func (StatusErrno) isCommandStatus() {}
func (StatusWait) isCommandStatus()  {}

func (s StatusErrno) String() string {
	return fmt.Sprintf("Errno(%d: %v)", int(s.Err), s.Err)
}

func (s StatusWait) String() string {
	switch ws := s.Status; {
	case ws.Exited():
		return fmt.Sprintf("Exited(%d)", ws.ExitStatus())
	case ws.Signaled():
		if ws.CoreDump() {
			return fmt.Sprintf("Signaled(%v, core dumped)", ws.Signal())
		}
		return fmt.Sprintf("Signaled(%v)", ws.Signal())
	case ws.Stopped():
		return fmt.Sprintf("Stopped(%v)", ws.StopSignal())
	default:
		return fmt.Sprintf("WaitStatus(%#x)", uint32(ws))
	}
}

// StatusCell holds a CommandStatus that can be set at most once.
// The zero value is unset.
type StatusCell struct {
	status CommandStatus
}

// Set stores s if no status has been stored yet. It returns false
// and leaves the cell unchanged otherwise, so an exec failure recorded
// first is never replaced by a later wait status.
func (c *StatusCell) Set(s CommandStatus) bool {
	if c.status != nil || s == nil {
		return false
	}
	c.status = s
	return true
}

// Get returns the stored status, or nil
func (c *StatusCell) Get() CommandStatus {
	return c.status
}

// IsSet reports whether a status has been stored
func (c *StatusCell) IsSet() bool {
	return c.status != nil
}
