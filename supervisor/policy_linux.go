package supervisor

import (
	"syscall"

	"github.com/criyle/go-sudoexec/pkg/event"
)

// Action is what the supervisor does with a received signal
type Action int

// Actions
const (
	// ActionForward sends the signal to the command
	ActionForward Action = iota
	// ActionDrop ignores the signal
	ActionDrop
	// ActionReap collects the status of the command
	ActionReap
	// ActionWindowSize records a terminal geometry change
	ActionWindowSize
	// ActionTerminate terminates the command gracefully, then by force
	ActionTerminate
)

var actionNames = []string{"forward", "drop", "reap", "winsize", "terminate"}

func (a Action) String() string {
	if a >= 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// SignalContext is the process state a policy decides on
type SignalContext struct {
	ChildPid  int
	ChildPgrp int
	SelfPid   int
	SelfPgrp  int
	// Foreground is the foreground process group of the terminal, -1
	// without one
	Foreground int
	// Pgrp looks up the process group of a sender
	Pgrp func(pid int) (int, error)
}

// SignalPolicy decides what to do with each signal delivered to the
// supervisor
type SignalPolicy interface {
	Decide(ctx *SignalContext, info event.SignalInfo) Action
}

// DefaultPolicy handles SIGCHLD and SIGWINCH itself, terminates the command
// on SIGALRM and forwards everything else, except signals the command or
// its process group raised and terminal generated signals the command has
// already received.
type DefaultPolicy struct{}

// Decide implements SignalPolicy
func (DefaultPolicy) Decide(ctx *SignalContext, info event.SignalInfo) Action {
	switch info.Signo {
	case syscall.SIGCHLD:
		return ActionReap
	case syscall.SIGWINCH:
		return ActionWindowSize
	}
	if selfGenerated(ctx, info) {
		return ActionDrop
	}
	if info.Signo == syscall.SIGALRM {
		return ActionTerminate
	}
	if fromTerminal(ctx, info) {
		return ActionDrop
	}
	return ActionForward
}

// selfGenerated reports whether the sender is the command, or is in the
// process group of the command or of the supervisor
func selfGenerated(ctx *SignalContext, info event.SignalInfo) bool {
	if info.Pid <= 0 {
		return false
	}
	if info.Pid == ctx.ChildPid || info.Pid == ctx.SelfPid {
		return true
	}
	if ctx.Pgrp == nil {
		return false
	}
	pgrp, err := ctx.Pgrp(info.Pid)
	if err != nil {
		return false
	}
	return pgrp == ctx.ChildPgrp || pgrp == ctx.SelfPgrp
}

// fromTerminal reports whether an interactive signal was generated by the
// terminal for the foreground group the command is part of. Deliveries
// with an unknown origin are assumed to come from the terminal.
func fromTerminal(ctx *SignalContext, info event.SignalInfo) bool {
	switch info.Signo {
	case syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTSTP:
	default:
		return false
	}
	if info.Code != event.CodeKernel && info.Code != event.CodeUnknown {
		return false
	}
	return ctx.Foreground > 0 && ctx.Foreground == ctx.ChildPgrp
}
