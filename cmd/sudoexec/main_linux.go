package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/criyle/go-sudoexec/config"
	"github.com/criyle/go-sudoexec/iolog"
	"github.com/criyle/go-sudoexec/pkg/memfd"
	"github.com/criyle/go-sudoexec/pkg/rlimit"
	"github.com/criyle/go-sudoexec/supervisor"
	"github.com/criyle/go-sudoexec/types"
)

func run() (types.CommandStatus, int) {
	conf, err := config.Load(configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		return nil, 1
	}
	if lvl, err := conf.Level(); err == nil {
		logLevel.Set(lvl)
	}
	if debugLog {
		logLevel.Set(slog.LevelDebug)
	}
	if err := applyFlags(conf); err != nil {
		logger.Error("invalid option", "error", err)
		return nil, 1
	}

	details, err := commandDetails(conf)
	if err != nil {
		logger.Error("command", "error", err)
		return nil, 1
	}
	if details.ExecFD != 0 {
		defer unix.Close(int(details.ExecFD))
	}
	ud := userDetails()

	// open input / output / err files
	files, err := prepareFiles(inputFileName, outputFileName, errorFileName)
	if err != nil {
		logger.Error("prepare files", "error", err)
		return nil, 1
	}
	defer closeFiles(files)

	sup := &supervisor.Supervisor{
		Logger:     logger,
		BufferSize: conf.Supervisor.BufferSize,
		KillGrace:  conf.Supervisor.KillGrace,
		Intercept:  conf.Intercept.Checker(),
		Stdin:      files[0],
		Stdout:     files[1],
		Stderr:     files[2],
	}
	if logIO || resumeDir != "" {
		l, err := openLog(conf, details, ud)
		if err != nil {
			logger.Error("session log", "error", err)
			return nil, 1
		}
		defer func() {
			if err := l.Close(); err != nil {
				logger.Warn("close session log", "path", l.Path(), "error", err)
			}
		}()
		logger.Debug("session log", "path", l.Path())
		sup.Log = l
	}

	c, err := sup.Spawn(details, ud)
	if err != nil {
		logger.Error("spawn", "error", err)
		return nil, 1
	}
	status, err := c.Run()
	if err != nil {
		logger.Warn("supervisor", "error", err)
	}
	if status == nil {
		return nil, 1
	}
	if s, ok := status.(types.StatusErrno); ok {
		fmt.Fprintf(os.Stderr, "%s: %s: %v\n", filepath.Base(os.Args[0]), args[0], s.Err)
	}
	return status, exitCode(status)
}

// applyFlags overrides the configuration file with the command line
func applyFlags(conf *config.Config) error {
	if iologDir != "" {
		conf.IOLog.Dir = iologDir
	}
	if iologFile != "" {
		conf.IOLog.File = iologFile
	}
	if compress != "" {
		c, err := iolog.ParseCompression(compress)
		if err != nil {
			return err
		}
		conf.IOLog.Compress = c
	}
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		conf.Supervisor.Timeout = d
	}
	return nil
}

func commandDetails(conf *config.Config) (*types.CommandDetails, error) {
	path, err := exec.LookPath(args[0])
	if err != nil {
		path = args[0]
	}
	d := &types.CommandDetails{
		Argv:         args,
		Command:      path,
		Cwd:          workPath,
		Chroot:       chroot,
		NoExec:       noexec,
		UseIntercept: useIntercept,
		SetTimeout:   conf.Supervisor.Timeout > 0,
		Timeout:      conf.Supervisor.Timeout,
		RLimits: rlimit.RLimits{
			CPU:          cpuLimit,
			FileSize:     fileSizeLimit << 20,
			Stack:        stackLimit << 20,
			AddressSpace: addressLimit << 20,
			OpenFile:     openFileLim,
			DisableCore:  noCore,
		},
	}

	if preserveEnv {
		d.Envp = os.Environ()
	} else {
		d.Envp = []string{pathEnv}
		if t, ok := os.LookupEnv("TERM"); ok {
			d.Envp = append(d.Envp, "TERM="+t)
		}
	}
	d.Envp = append(d.Envp, setenv...)

	if umask != "" {
		m, err := strconv.ParseUint(umask, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("umask %q: %w", umask, err)
		}
		d.Umask, d.SetUmask = uint32(m), true
	}

	if runUser != "" {
		u, err := user.Lookup(runUser)
		if err != nil {
			return nil, err
		}
		cred, group, err := credential(u)
		if err != nil {
			return nil, err
		}
		d.Credential = cred
		d.RunUser, d.RunGroup = u.Username, group
		d.Envp = append(d.Envp, "HOME="+u.HomeDir, "USER="+u.Username, "LOGNAME="+u.Username)
	} else if u, err := user.Current(); err == nil {
		d.RunUser = u.Username
		if g, err := user.LookupGroupId(u.Gid); err == nil {
			d.RunGroup = g.Name
		}
	}

	if memfile {
		fin, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open command: %w", err)
		}
		execf, err := memfd.DupToMemfd(filepath.Base(path), fin)
		fin.Close()
		if err != nil {
			return nil, err
		}
		// the fd is owned by the caller from now on
		fd, err := unix.Dup(int(execf.Fd()))
		execf.Close()
		if err != nil {
			return nil, fmt.Errorf("dup memfd: %w", err)
		}
		unix.CloseOnExec(fd)
		d.ExecFD = uintptr(fd)
	}
	return d, nil
}

func credential(u *user.User) (*syscall.Credential, string, error) {
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, "", err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, "", err
	}
	cred := &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	if ids, err := u.GroupIds(); err == nil {
		for _, id := range ids {
			if g, err := strconv.ParseUint(id, 10, 32); err == nil {
				cred.Groups = append(cred.Groups, uint32(g))
			}
		}
	}
	group := u.Gid
	if g, err := user.LookupGroupId(u.Gid); err == nil {
		group = g.Name
	}
	return cred, group, nil
}

func userDetails() *types.UserDetails {
	ud := &types.UserDetails{}
	if u, err := user.Current(); err == nil {
		ud.User = u.Username
		if g, err := user.LookupGroupId(u.Gid); err == nil {
			ud.Group = g.Name
		}
	}
	ud.Host, _ = os.Hostname()
	ud.Cwd, _ = os.Getwd()
	for _, fd := range []int{0, 1, 2} {
		if !term.IsTerminal(fd) {
			continue
		}
		if p, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd)); err == nil {
			ud.TTYPath = p
		}
		ud.Cols, ud.Rows, _ = term.GetSize(fd)
		break
	}
	return ud
}

// openLog resumes the requested log, or creates a new session log when
// there is none or it cannot be resumed
func openLog(conf *config.Config, d *types.CommandDetails, ud *types.UserDetails) (*iolog.Log, error) {
	opts := conf.IOLog.Options(logger)
	if resumeDir != "" {
		l, err := resumeLog(resumeDir, opts)
		if err == nil {
			return l, nil
		}
		logger.Warn("cannot resume session log, starting a new one", "path", resumeDir, "error", err)
	}

	esc := iolog.Escapes{
		User:     ud.User,
		Group:    ud.Group,
		RunUser:  d.RunUser,
		RunGroup: d.RunGroup,
		Hostname: ud.Host,
		Command:  filepath.Base(d.Command),
		Time:     time.Now(),
	}
	path, id, err := iolog.SessionPath(conf.IOLog.Dir, conf.IOLog.File, esc, conf.IOLog.MaxSeq)
	if err != nil {
		return nil, fmt.Errorf("session path: %w", err)
	}
	info := &iolog.Info{
		SubmitUser:  ud.User,
		SubmitGroup: ud.Group,
		SubmitHost:  ud.Host,
		RunUser:     d.RunUser,
		RunGroup:    d.RunGroup,
		Command:     d.Command,
		Argv:        d.Argv,
		Cwd:         ud.Cwd,
		TTY:         ud.TTYPath,
		Rows:        ud.Rows,
		Cols:        ud.Cols,
		StartTime:   esc.Time,
		SessionID:   id,
	}
	return iolog.Create(path, info, opts)
}

func resumeLog(dir string, opts iolog.Options) (*iolog.Log, error) {
	if resumeAt == "" {
		return nil, errors.New("--resume-at is required to resume")
	}
	at, err := iolog.ParseElapsed(resumeAt)
	if err != nil {
		return nil, err
	}
	l, err := iolog.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	if err := l.Resume(at); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// mirrorSignal terminates sudoexec with the signal that killed the command
func mirrorSignal(s types.CommandStatus) {
	ws, ok := s.(types.StatusWait)
	if !ok || !ws.Status.Signaled() {
		return
	}
	sig := ws.Status.Signal()
	if sig == syscall.SIGKILL || sig == syscall.SIGSTOP {
		unix.Kill(os.Getpid(), sig)
		return
	}
	signal.Reset(sig)
	// no core from sudoexec itself
	unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{})
	unix.Kill(os.Getpid(), sig)
}
