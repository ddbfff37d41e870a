package iolog

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Event is the type of a timing record
type Event int

// Timing events
const (
	EventStdin   Event = 0
	EventStdout  Event = 1
	EventStderr  Event = 2
	EventTTYIn   Event = 3
	EventTTYOut  Event = 4
	EventWinsize Event = 5
	EventSuspend Event = 7
)

// Channel returns the data channel of the event, false for winsize and
// suspend records
func (e Event) Channel() (Channel, bool) {
	if e >= EventStdin && e <= EventTTYOut {
		return Channel(e), true
	}
	return 0, false
}

func (e Event) String() string {
	switch e {
	case EventWinsize:
		return "winsize"
	case EventSuspend:
		return "suspend"
	}
	if c, ok := e.Channel(); ok {
		return c.String()
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Record is one line of the timing channel
type Record struct {
	Event Event
	// Delay since the previous record
	Delay time.Duration

	// Len is the bytes written to the data channel
	Len int
	// Rows, Cols for winsize
	Rows, Cols int
	// Signal name for suspend
	Signal string
}

// String formats the record as a timing line without newline
func (r Record) String() string {
	d := r.Delay
	if d < 0 {
		d = 0
	}
	sec, nsec := int64(d/time.Second), int64(d%time.Second)
	switch r.Event {
	case EventWinsize:
		return fmt.Sprintf("%d %d.%09d %d %d", r.Event, sec, nsec, r.Rows, r.Cols)
	case EventSuspend:
		return fmt.Sprintf("%d %d.%09d %s", r.Event, sec, nsec, r.Signal)
	}
	return fmt.Sprintf("%d %d.%09d %d", r.Event, sec, nsec, r.Len)
}

// ParseRecord parses one timing line
func ParseRecord(line string) (Record, error) {
	var r Record
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return r, fmt.Errorf("timing: short record %q", line)
	}
	ev, err := strconv.Atoi(fields[0])
	if err != nil {
		return r, fmt.Errorf("timing: event %q: %w", fields[0], err)
	}
	r.Event = Event(ev)
	if r.Delay, err = parseDelay(fields[1]); err != nil {
		return r, err
	}

	switch r.Event {
	case EventWinsize:
		if len(fields) != 4 {
			return r, fmt.Errorf("timing: bad winsize record %q", line)
		}
		if r.Rows, err = strconv.Atoi(fields[2]); err != nil {
			return r, fmt.Errorf("timing: rows: %w", err)
		}
		if r.Cols, err = strconv.Atoi(fields[3]); err != nil {
			return r, fmt.Errorf("timing: cols: %w", err)
		}
	case EventSuspend:
		r.Signal = fields[2]
	default:
		if _, ok := r.Event.Channel(); !ok {
			return r, fmt.Errorf("timing: unknown event %d", ev)
		}
		if r.Len, err = strconv.Atoi(fields[2]); err != nil || r.Len < 0 {
			return r, fmt.Errorf("timing: bad length %q", fields[2])
		}
	}
	return r, nil
}

// ParseElapsed parses an elapsed time written as "sec.nsec", the format
// of resume checkpoints and timing delays
func ParseElapsed(s string) (time.Duration, error) {
	return parseDelay(s)
}

// parseDelay parses "sec.nsec"; a short fraction is scaled like a decimal
func parseDelay(s string) (time.Duration, error) {
	secStr, fracStr, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil || sec < 0 {
		return 0, fmt.Errorf("timing: bad delay %q", s)
	}
	var nsec int64
	if fracStr != "" {
		if len(fracStr) > 9 {
			fracStr = fracStr[:9]
		}
		nsec, err = strconv.ParseInt(fracStr, 10, 64)
		if err != nil || nsec < 0 {
			return 0, fmt.Errorf("timing: bad delay %q", s)
		}
		for i := len(fracStr); i < 9; i++ {
			nsec *= 10
		}
	}
	return time.Duration(sec)*time.Second + time.Duration(nsec), nil
}

// TimingReader reads timing records sequentially
type TimingReader struct {
	r *bufio.Reader
	// Offset is the bytes consumed so far
	Offset int64
}

// NewTimingReader wraps a decompressed timing stream
func NewTimingReader(r io.Reader) *TimingReader {
	return &TimingReader{r: bufio.NewReader(r)}
}

// Next returns the next record, io.EOF at the end
func (t *TimingReader) Next() (Record, error) {
	for {
		line, err := t.r.ReadString('\n')
		if len(line) == 0 && err != nil {
			return Record{}, err
		}
		t.Offset += int64(len(line))
		line = strings.TrimRight(line, "\n")
		if strings.TrimSpace(line) == "" {
			if err != nil {
				return Record{}, err
			}
			continue
		}
		return ParseRecord(line)
	}
}
