// Command sudocheck asks the supervising sudoexec whether a command may be
// executed. It is run from inside a command started with --intercept:
//
//	sudocheck /bin/rm -rf build && /bin/rm -rf build
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
)

// Exit codes
const (
	exitAllowed = 0
	exitDenied  = 1
	exitError   = 2
)

var (
	quiet, debugLog bool

	logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n", os.Args[0])
	pflag.PrintDefaults()
	os.Exit(exitError)
}

func main() {
	pflag.Usage = printUsage
	pflag.BoolVarP(&quiet, "quiet", "q", false, "Do not report denied commands")
	pflag.BoolVar(&debugLog, "debug", false, "Log the request")
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	args := pflag.Args()
	if len(args) == 0 {
		printUsage()
	}
	level := new(slog.LevelVar)
	if debugLog {
		level.Set(slog.LevelDebug)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	os.Exit(check(args))
}
