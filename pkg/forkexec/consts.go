package forkexec

import (
	"golang.org/x/sys/unix"
)

// defines missing consts from syscall package
const (
	SECCOMP_SET_MODE_FILTER   = 1
	SECCOMP_FILTER_FLAG_TSYNC = 1

	// exit code of the child when it failed before execve
	childExitCode = 127
)

// empty path for execveat(fd, "", AT_EMPTY_PATH)
var empty = [...]byte{0}

// SIGCHLD is the exit signal of the cloned child
const cloneFlags = uintptr(unix.SIGCHLD)
