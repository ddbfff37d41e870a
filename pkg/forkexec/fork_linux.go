package forkexec

import (
	"syscall"
	_ "unsafe" // required for go:linkname.

	"golang.org/x/sys/unix"
)

//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()

// Start will fork and execve the command.
// Return pid, the read end of the backchannel and potential error.
// All signals are blocked between fork and the return of the parent side.
// The backchannel is close-on-exec and non-blocking; reading EOF from it
// means execve succeeded, otherwise a ChildError is available (see
// ReadChildError). The caller owns the returned fd.
func (r *Runner) Start() (pid int, errPipe int, err error) {
	path := r.Path
	if path == "" && len(r.Args) > 0 {
		path = r.Args[0]
	}
	if len(r.Args) == 0 {
		return 0, -1, syscall.EINVAL
	}
	argv0, argv, env, err := prepareExec(path, r.Args, r.Env)
	if err != nil {
		return 0, -1, err
	}

	// prepare work dir
	workdir, err := syscallStringFromString(r.WorkDir)
	if err != nil {
		return 0, -1, err
	}

	// prepare chroot
	chroot, err := syscallStringFromString(r.Chroot)
	if err != nil {
		return 0, -1, err
	}

	// pipe p is the backchannel carrying ChildError
	// p[0] is used by parent and p[1] is used by child
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return 0, -1, err
	}

	// fork in child
	r1, err1 := forkAndExecInChild(r, argv0, argv, env, workdir, chroot, p)

	// restore all signals
	afterFork()
	syscall.ForkLock.Unlock()

	unix.Close(p[1])
	if err1 != 0 {
		unix.Close(p[0])
		return 0, -1, ChildError{Err: err1, Location: LocClone}
	}
	if err := unix.SetNonblock(p[0], true); err != nil {
		unix.Close(p[0])
		handleChildFailed(int(r1))
		return 0, -1, err
	}
	return int(r1), p[0], nil
}

func handleChildFailed(pid int) {
	var wstatus syscall.WaitStatus
	// make sure not blocked
	syscall.Kill(pid, syscall.SIGKILL)
	// child failed; wait for it to exit, to make sure the zombies don't accumulate
	_, err := syscall.Wait4(pid, &wstatus, 0, nil)
	for err == syscall.EINTR {
		_, err = syscall.Wait4(pid, &wstatus, 0, nil)
	}
}
