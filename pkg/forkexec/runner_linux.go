package forkexec

import (
	"syscall"

	"github.com/criyle/go-sudoexec/pkg/rlimit"
)

// Runner is the configuration including the exec path, argv, identity
// and resource limits of the command
type Runner struct {
	// argv and env for execve syscall for the child process
	Args []string
	Env  []string

	// Path is executed instead of Args[0] if not empty
	Path string

	// if exec_fd is defined, then at the end, execveat(fd, "", AT_EMPTY_PATH) is called
	ExecFile uintptr

	// POSIX Resource limit set by prlimit
	RLimits []rlimit.RLimit

	// file disriptors map for new process, from 0 to len - 1
	Files []uintptr

	// Chroot changes the root directory before credentials are dropped
	Chroot string

	// work path set by chdir(dir) (current working directory for child)
	// it is applied after chroot
	WorkDir string

	// Credential holds user and group identities to be assumed
	// by a child process started by Start.
	Credential *syscall.Credential

	// Umask is set by umask(Umask) when SetUmask is true
	Umask    uint32
	SetUmask bool

	// Setpgid puts the child into a new process group of its own
	Setpgid bool

	// seccomp syscall filter applied to child right before execve
	Seccomp *syscall.SockFprog

	// no_new_privs calls prctl(PR_SET_NO_NEW_PRIVS) to 0 to disable calls to
	// setuid processes. It is automatically enabled when seccomp filter is provided
	NoNewPrivs bool
}
