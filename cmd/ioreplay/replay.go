package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/criyle/go-sudoexec/iolog"
)

// replayer writes the recorded output of a session log honoring its timing
type replayer struct {
	r *iolog.Reader

	// Speed divides every delay, MaxWait caps it when positive
	Speed   float64
	MaxWait time.Duration
	// NoWait writes the output without delays
	NoWait bool

	out    io.Writer
	sleep  func(time.Duration)
	logger *slog.Logger
}

// wait returns the time to sleep for a recorded delay
func (p *replayer) wait(d time.Duration) time.Duration {
	if p.NoWait || d <= 0 {
		return 0
	}
	if p.Speed > 0 && p.Speed != 1 {
		d = time.Duration(float64(d) / p.Speed)
	}
	if p.MaxWait > 0 && d > p.MaxWait {
		d = p.MaxWait
	}
	return d
}

// replayed channels, in the order they are written to out
var outputChannels = []iolog.Channel{iolog.Stdout, iolog.Stderr, iolog.TTYOut}

func (p *replayer) replay() error {
	tr, tc, err := p.r.Timing()
	if err != nil {
		return err
	}
	defer tc.Close()

	streams := make(map[iolog.Channel]io.ReadCloser)
	defer func() {
		for _, rc := range streams {
			rc.Close()
		}
	}()
	for _, c := range outputChannels {
		rc, err := p.r.Channel(c)
		if errors.Is(err, iolog.ErrMissingChannel) {
			continue
		}
		if err != nil {
			return err
		}
		streams[c] = rc
	}

	for {
		rec, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if d := p.wait(rec.Delay); d > 0 {
			p.sleep(d)
		}
		switch rec.Event {
		case iolog.EventWinsize:
			p.logger.Debug("window size", "rows", rec.Rows, "cols", rec.Cols)
			continue
		case iolog.EventSuspend:
			p.logger.Debug("suspend", "signal", rec.Signal)
			continue
		}
		c, ok := rec.Event.Channel()
		if !ok {
			return fmt.Errorf("timing: unknown event %v", rec.Event)
		}
		rc, ok := streams[c]
		if !ok {
			// input channels are not replayed
			continue
		}
		if _, err := io.CopyN(p.out, rc, int64(rec.Len)); err != nil {
			return fmt.Errorf("%v: %w", c, err)
		}
	}
}

// checkpoints writes the elapsed time at the end of every record; each is
// a valid resume point
func (p *replayer) checkpoints() error {
	tr, tc, err := p.r.Timing()
	if err != nil {
		return err
	}
	defer tc.Close()

	var elapsed time.Duration
	for {
		rec, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		elapsed += rec.Delay
		fmt.Fprintf(p.out, "%d.%09d %v\n", int64(elapsed/time.Second), int64(elapsed%time.Second), rec.Event)
	}
}

func (p *replayer) info() error {
	info, err := p.r.Info()
	if err != nil {
		return err
	}
	complete, err := p.r.Complete()
	if err != nil {
		return err
	}
	fmt.Fprintf(p.out, "user: %s\nrunas: %s:%s\nhost: %s\ncommand: %s\ncwd: %s\ntty: %s\nsize: %dx%d\ncomplete: %v\n",
		info.SubmitUser, info.RunUser, info.RunGroup, info.SubmitHost, info.Command,
		info.Cwd, info.TTY, info.Cols, info.Rows, complete)
	if !info.StartTime.IsZero() {
		fmt.Fprintf(p.out, "start: %s\n", info.StartTime.Format(time.RFC3339))
	}
	return nil
}
