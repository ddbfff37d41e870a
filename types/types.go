package types

import (
	"syscall"
	"time"

	"github.com/criyle/go-sudoexec/pkg/rlimit"
)

// CommandDetails is the command description produced by the policy layer.
// The supervisor only reads its typed fields.
type CommandDetails struct {
	// argv and env for execve of the command
	Argv []string
	Envp []string

	// Command is the resolved path executed, defaults to Argv[0]
	Command string

	// Cwd is the working directory of the command, applied after Chroot
	Cwd    string
	Chroot string

	// Credential is the run user / group, nil keeps the current identity
	Credential *syscall.Credential

	// Umask applied in the child when SetUmask is true
	Umask    uint32
	SetUmask bool

	// RLimits applied in the child by prlimit
	RLimits rlimit.RLimits

	// ExecFD is an already opened executable; when set it is executed by
	// execveat instead of resolving Command
	ExecFD uintptr

	// NoExec prevents the command from executing further programs
	NoExec bool

	// UseIntercept enables the sub-command interception channel
	UseIntercept bool

	// Timeout enables a one-shot alarm terminating the command
	SetTimeout bool
	Timeout    time.Duration

	// RunUser / RunGroup names recorded in the session log
	RunUser  string
	RunGroup string
}

// UserDetails describes the invoking user and terminal
type UserDetails struct {
	// submit identity recorded in the session log
	User  string
	Group string
	Host  string
	Cwd   string

	// TTYPath is the controlling terminal path, empty if none
	TTYPath string

	// Rows and Cols is the initial terminal geometry
	Rows, Cols int
}
