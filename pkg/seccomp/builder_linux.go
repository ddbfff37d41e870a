package seccomp

import (
	"fmt"
	"syscall"

	libseccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/net/bpf"
)

// Builder is used to build the filter
type Builder struct {
	Allow, Errno, Kill []string
	Default            Action
}

// noExecSyscalls are failed by the noexec filter. execveat stays allowed
// since the command itself is executed through it
var noExecSyscalls = []string{"execve"}

// NoExec builds the filter that forbids the command to execute other
// programs by execve
func NoExec() (Filter, error) {
	b := Builder{
		Errno:   noExecSyscalls,
		Default: ActionAllow,
	}
	return b.Build()
}

// Build builds the filter
func (b *Builder) Build() (Filter, error) {
	policy := libseccomp.Policy{
		DefaultAction: ToSeccompAction(b.Default),
	}
	for _, g := range []struct {
		names  []string
		action Action
	}{
		{b.Allow, ActionAllow},
		{b.Errno, ActionErrno},
		{b.Kill, ActionKill},
	} {
		if len(g.names) == 0 {
			continue
		}
		policy.Syscalls = append(policy.Syscalls, libseccomp.SyscallGroup{
			Action: ToSeccompAction(g.action),
			Names:  g.names,
		})
	}

	insts, err := policy.Assemble()
	if err != nil {
		return nil, fmt.Errorf("seccomp: assemble policy: %w", err)
	}
	return ExportBPF(insts)
}

// ExportBPF converts bpf instructions to kernel readable filter
func ExportBPF(insts []bpf.Instruction) (Filter, error) {
	raw, err := bpf.Assemble(insts)
	if err != nil {
		return nil, fmt.Errorf("seccomp: assemble bpf: %w", err)
	}
	f := make(Filter, 0, len(raw))
	for _, r := range raw {
		f = append(f, syscall.SockFilter{
			Code: r.Op,
			Jt:   r.Jt,
			Jf:   r.Jf,
			K:    r.K,
		})
	}
	return f, nil
}

// ToSeccompAction convert action to go-seccomp-bpf compatible action
func ToSeccompAction(a Action) libseccomp.Action {
	switch a {
	case ActionAllow:
		return libseccomp.ActionAllow
	case ActionErrno:
		return libseccomp.ActionErrno
	case ActionTrace:
		return libseccomp.ActionTrace
	default:
		return libseccomp.ActionKillProcess
	}
}
