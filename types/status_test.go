package types

import (
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

func TestStatusCell_SetOnce(t *testing.T) {
	orders := []struct {
		name  string
		first CommandStatus
		then  []CommandStatus
	}{
		{
			name:  "errno then wait",
			first: StatusErrno{Err: syscall.ENOENT},
			then:  []CommandStatus{StatusWait{Status: unix.WaitStatus(1 << 8)}},
		},
		{
			name:  "wait then errno",
			first: StatusWait{Status: 0},
			then:  []CommandStatus{StatusErrno{Err: syscall.EACCES}},
		},
		{
			name:  "repeated",
			first: StatusErrno{Err: syscall.E2BIG},
			then:  []CommandStatus{StatusErrno{Err: syscall.ENOENT}, StatusWait{Status: 9}, nil},
		},
	}
	for _, tc := range orders {
		t.Run(tc.name, func(t *testing.T) {
			var c StatusCell
			if c.IsSet() {
				t.Fatal("zero cell is set")
			}
			if !c.Set(tc.first) {
				t.Fatal("first set rejected")
			}
			for _, s := range tc.then {
				if c.Set(s) {
					t.Fatalf("set %v accepted after %v", s, tc.first)
				}
			}
			if c.Get() != tc.first {
				t.Fatalf("got %v, want %v", c.Get(), tc.first)
			}
		})
	}
}

func TestStatusCell_Nil(t *testing.T) {
	var c StatusCell
	if c.Set(nil) || c.IsSet() {
		t.Fatal("nil status stored")
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		s    CommandStatus
		want string
	}{
		{StatusWait{Status: unix.WaitStatus(3 << 8)}, "Exited(3)"},
		{StatusWait{Status: unix.WaitStatus(unix.SIGKILL)}, "Signaled(killed)"},
		{StatusErrno{Err: syscall.ENOENT}, "Errno(2: no such file or directory)"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateExecFailed.String() != "ExecFailed" || State(42).String() != "Unknown" {
		t.Fatal("unexpected state names")
	}
	if StateRunning.Terminal() || !StateSignaled.Terminal() {
		t.Fatal("unexpected terminal states")
	}
}
