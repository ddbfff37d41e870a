package supervisor

import (
	"errors"
	"syscall"
	"testing"

	"github.com/criyle/go-sudoexec/pkg/event"
)

func testContext() *SignalContext {
	pgrps := map[int]int{
		100: 100, // supervisor
		200: 100, // command, same group as the supervisor
		201: 100, // grandchild
		300: 300, // unrelated
		400: 200, // in the command's own group when it has one
	}
	return &SignalContext{
		ChildPid:   200,
		ChildPgrp:  100,
		SelfPid:    100,
		SelfPgrp:   100,
		Foreground: 100,
		Pgrp: func(pid int) (int, error) {
			if p, ok := pgrps[pid]; ok {
				return p, nil
			}
			return 0, errors.New("no such process")
		},
	}
}

func TestDefaultPolicy(t *testing.T) {
	ctx := testContext()
	bg := testContext()
	bg.Foreground = 999

	for _, tc := range []struct {
		name string
		ctx  *SignalContext
		info event.SignalInfo
		want Action
	}{
		{"chld", ctx, event.SignalInfo{Signo: syscall.SIGCHLD, Pid: 200}, ActionReap},
		{"winch", ctx, event.SignalInfo{Signo: syscall.SIGWINCH, Code: event.CodeKernel}, ActionWindowSize},
		{"term from outside", ctx, event.SignalInfo{Signo: syscall.SIGTERM, Pid: 300, Code: event.CodeUser}, ActionForward},
		{"term from command", ctx, event.SignalInfo{Signo: syscall.SIGTERM, Pid: 200, Code: event.CodeUser}, ActionDrop},
		{"term from grandchild", ctx, event.SignalInfo{Signo: syscall.SIGTERM, Pid: 201, Code: event.CodeUser}, ActionDrop},
		{"hup from self", ctx, event.SignalInfo{Signo: syscall.SIGHUP, Pid: 100, Code: event.CodeUser}, ActionDrop},
		{"gone sender", ctx, event.SignalInfo{Signo: syscall.SIGUSR1, Pid: 555, Code: event.CodeUser}, ActionForward},
		{"alarm", ctx, event.SignalInfo{Signo: syscall.SIGALRM, Code: event.CodeUnknown}, ActionTerminate},
		{"alarm from command", ctx, event.SignalInfo{Signo: syscall.SIGALRM, Pid: 200, Code: event.CodeUser}, ActionDrop},
		{"int from terminal", ctx, event.SignalInfo{Signo: syscall.SIGINT, Code: event.CodeKernel}, ActionDrop},
		{"int unknown origin", ctx, event.SignalInfo{Signo: syscall.SIGINT, Code: event.CodeUnknown}, ActionDrop},
		{"tstp from kill", ctx, event.SignalInfo{Signo: syscall.SIGTSTP, Pid: 300, Code: event.CodeUser}, ActionForward},
		{"int in background", bg, event.SignalInfo{Signo: syscall.SIGINT, Code: event.CodeKernel}, ActionForward},
		{"quit unknown in background", bg, event.SignalInfo{Signo: syscall.SIGQUIT, Code: event.CodeUnknown}, ActionForward},
		{"term unknown origin", ctx, event.SignalInfo{Signo: syscall.SIGTERM, Code: event.CodeUnknown}, ActionForward},
	} {
		if got := (DefaultPolicy{}).Decide(tc.ctx, tc.info); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

// no signal raised by the command's process group or the supervisor's is
// ever forwarded
func TestDefaultPolicy_NeverForwardsOwnGroup(t *testing.T) {
	ctx := testContext()
	ctx.ChildPgrp = 200
	for _, pid := range []int{100, 200, 201, 400} {
		for sig := syscall.Signal(1); sig < 32; sig++ {
			if sig == syscall.SIGKILL || sig == syscall.SIGSTOP {
				continue
			}
			for _, code := range []int{event.CodeUser, event.CodeKernel, event.CodeUnknown} {
				info := event.SignalInfo{Signo: sig, Pid: pid, Code: code}
				if got := (DefaultPolicy{}).Decide(ctx, info); got == ActionForward {
					t.Fatalf("%v from %d forwarded", sig, pid)
				}
			}
		}
	}
}
