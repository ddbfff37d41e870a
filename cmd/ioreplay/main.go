// Command ioreplay lists and replays session logs recorded by sudoexec
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/criyle/go-sudoexec/iolog"
)

var (
	speed                     float64
	maxWait                   time.Duration
	noWait, showInfo, listCps bool
	debugLog                  bool
)

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] <log dir>\n", os.Args[0])
	pflag.PrintDefaults()
	os.Exit(2)
}

func main() {
	pflag.Usage = printUsage
	pflag.Float64VarP(&speed, "speed", "s", 1, "Replay speed factor")
	pflag.DurationVarP(&maxWait, "max-wait", "m", 0, "Cap every delay to this duration")
	pflag.BoolVarP(&noWait, "no-wait", "n", false, "Write the output without delays")
	pflag.BoolVarP(&showInfo, "info", "i", false, "Print the session information")
	pflag.BoolVar(&listCps, "checkpoints", false, "List the elapsed time of every record")
	pflag.BoolVar(&debugLog, "debug", false, "Log replay events")
	pflag.Parse()

	level := new(slog.LevelVar)
	if debugLog {
		level.Set(slog.LevelDebug)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if pflag.NArg() != 1 || speed <= 0 {
		printUsage()
	}
	r, err := iolog.OpenReader(pflag.Arg(0))
	if err != nil {
		logger.Error("open log", "error", err)
		os.Exit(1)
	}
	defer r.Close()

	p := &replayer{
		r:       r,
		Speed:   speed,
		MaxWait: maxWait,
		NoWait:  noWait,
		out:     os.Stdout,
		sleep:   time.Sleep,
		logger:  logger,
	}
	switch {
	case showInfo:
		err = p.info()
	case listCps:
		err = p.checkpoints()
	default:
		checkTerminal(r, logger)
		err = p.replay()
	}
	if err != nil {
		logger.Error("replay", "error", err)
		os.Exit(1)
	}
}

// checkTerminal warns when the output terminal is smaller than the
// recorded one or the log is incomplete
func checkTerminal(r *iolog.Reader, logger *slog.Logger) {
	if complete, err := r.Complete(); err == nil && !complete {
		logger.Warn("session log is incomplete or still being written")
	}
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	info, err := r.Info()
	if err != nil {
		return
	}
	cols, rows, err := term.GetSize(fd)
	if err == nil && (rows < info.Rows || cols < info.Cols) {
		logger.Warn("terminal is smaller than the recorded one",
			"rows", rows, "cols", cols, "recorded_rows", info.Rows, "recorded_cols", info.Cols)
	}
}
