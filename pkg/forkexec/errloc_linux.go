package forkexec

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrorLocation defines the location where child process failed to exec
type ErrorLocation int

// ChildError defines the specific error and location where it failed
type ChildError struct {
	Err      syscall.Errno
	Location ErrorLocation
	Index    int
}

// Location constants
const (
	LocClone ErrorLocation = iota + 1
	LocCloseRead
	LocSetPgid
	LocChroot
	LocSetGroups
	LocSetGid
	LocSetUid
	LocDup3
	LocFcntl
	LocChdir
	LocSetRlimit
	LocSetNoNewPrivs
	LocSeccomp
	LocExecve
)

var locToString = []string{
	"unknown",
	"clone",
	"close_read",
	"setpgid",
	"chroot",
	"setgroups",
	"setgid",
	"setuid",
	"dup3",
	"fcntl",
	"chdir",
	"setrlimit",
	"set_no_new_privs",
	"seccomp",
	"execve",
}

// childErrorSize is the size of one ChildError record on the backchannel
const childErrorSize = int(unsafe.Sizeof(ChildError{}))

func (e ErrorLocation) String() string {
	if e >= LocClone && e <= LocExecve {
		return locToString[e]
	}
	return "unknown"
}

func (e ChildError) Error() string {
	if e.Index > 0 {
		return fmt.Sprintf("%s(%d): %s", e.Location.String(), e.Index, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Location.String(), e.Err.Error())
}

func (e ChildError) Unwrap() error {
	return e.Err
}

// ReadChildError reads one ChildError from the backchannel fd.
// It returns ok == false with a nil error on EOF, meaning the command
// was executed. A short record is reported as EPIPE. EAGAIN and EINTR
// are returned as is so that a non-blocking caller can retry.
func ReadChildError(fd int) (ce ChildError, ok bool, err error) {
	var buf [childErrorSize]byte
	n, err := unix.Read(fd, buf[:])
	switch {
	case err != nil:
		return ce, false, err
	case n == 0:
		return ce, false, nil
	case n != childErrorSize:
		return ce, false, syscall.EPIPE
	}
	ce = *(*ChildError)(unsafe.Pointer(&buf[0]))
	return ce, true, nil
}
