// Command sudoexec runs a command under the execution supervisor,
// optionally recording its I/O to a session log or resuming one.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/criyle/go-sudoexec/config"
	"github.com/criyle/go-sudoexec/types"
)

const (
	pathEnv = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

var (
	configPath, runUser, workPath, chroot, umask                   string
	inputFileName, outputFileName, errorFileName                   string
	iologDir, iologFile, compress, resumeDir, resumeAt             string
	debugLog, logIO, noexec, useIntercept, preserveEnv, memfile    bool
	noCore                                                         bool
	timeout                                                        string
	cpuLimit, fileSizeLimit, stackLimit, addressLimit, openFileLim uint64
	setenv                                                         arrayFlags

	args []string

	logLevel = new(slog.LevelVar)
	logger   *slog.Logger
)

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] [--] <command> [args...]\n", os.Args[0])
	pflag.PrintDefaults()
	os.Exit(2)
}

func main() {
	pflag.Usage = printUsage
	pflag.CommandLine.SetInterspersed(false)
	pflag.StringVarP(&configPath, "config", "c", config.DefaultPath, "Configuration file")
	pflag.BoolVar(&debugLog, "debug", false, "Log supervisor events at debug level")
	pflag.StringVarP(&runUser, "user", "u", "", "Run the command as user")
	pflag.StringVarP(&workPath, "chdir", "D", "", "Working directory of the command")
	pflag.StringVarP(&chroot, "chroot", "R", "", "Change the root directory of the command")
	pflag.StringVar(&umask, "umask", "", "Umask of the command (octal)")
	pflag.StringVarP(&timeout, "timeout", "T", "", "Terminate the command after this duration")
	pflag.StringVar(&inputFileName, "in", "", "Set input file name")
	pflag.StringVar(&outputFileName, "out", "", "Set output file name")
	pflag.StringVar(&errorFileName, "err", "", "Set error file name")
	pflag.BoolVarP(&preserveEnv, "preserve-env", "E", false, "Keep the environment of the caller")
	pflag.VarP(&setenv, "setenv", "e", "Set an environment variable (NAME=value)")
	pflag.BoolVar(&noexec, "noexec", false, "Prevent the command from executing other programs")
	pflag.BoolVar(&useIntercept, "intercept", false, "Check sub-commands through the interception channel")
	pflag.BoolVar(&memfile, "memfd", false, "Execute a sealed in-memory copy of the command")
	pflag.BoolVarP(&logIO, "log", "l", false, "Record the session I/O")
	pflag.StringVar(&iologDir, "iolog-dir", "", "Session log base directory")
	pflag.StringVar(&iologFile, "iolog-file", "", "Session log path template under the base directory")
	pflag.StringVar(&compress, "compress", "", "Compression of the session log (none, gzip, zstd, lz4)")
	pflag.StringVar(&resumeDir, "resume", "", "Resume the session log in this directory")
	pflag.StringVar(&resumeAt, "resume-at", "", "Elapsed time to resume the log at (sec.nsec)")
	pflag.Uint64Var(&cpuLimit, "rlimit-cpu", 0, "CPU time limit (in second)")
	pflag.Uint64Var(&fileSizeLimit, "rlimit-fsize", 0, "File size limit (in mb)")
	pflag.Uint64Var(&stackLimit, "rlimit-stack", 0, "Stack limit (in mb)")
	pflag.Uint64Var(&addressLimit, "rlimit-as", 0, "Address space limit (in mb)")
	pflag.Uint64Var(&openFileLim, "rlimit-nofile", 0, "Open file limit")
	pflag.BoolVar(&noCore, "no-core", false, "Disable core dumps")
	pflag.Parse()

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	args = pflag.Args()
	if len(args) == 0 {
		printUsage()
	}
	status, code := run()
	mirrorSignal(status)
	os.Exit(code)
}

// exitCode maps the command status to the exit code of sudoexec
func exitCode(s types.CommandStatus) int {
	switch s := s.(type) {
	case types.StatusWait:
		switch {
		case s.Status.Exited():
			return s.Status.ExitStatus()
		case s.Status.Signaled():
			return 128 + int(s.Status.Signal())
		}
	case types.StatusErrno:
		if s.Err == syscall.ENOENT {
			return 127
		}
		return 126
	}
	return 1
}
