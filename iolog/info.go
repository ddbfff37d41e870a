package iolog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Info is the session metadata written to the log and log.json files
type Info struct {
	SubmitUser  string    `json:"submituser"`
	SubmitGroup string    `json:"submitgroup,omitempty"`
	SubmitHost  string    `json:"submithost,omitempty"`
	RunUser     string    `json:"runuser"`
	RunGroup    string    `json:"rungroup,omitempty"`
	Command     string    `json:"command"`
	Argv        []string  `json:"runargv,omitempty"`
	Cwd         string    `json:"runcwd,omitempty"`
	TTY         string    `json:"ttyname,omitempty"`
	Rows        int       `json:"lines,omitempty"`
	Cols        int       `json:"columns,omitempty"`
	StartTime   time.Time `json:"-"`
	SessionID   string    `json:"session_id,omitempty"`
	UUID        string    `json:"uuid,omitempty"`
}

const (
	infoFile     = "log"
	infoJSONFile = "log.json"
)

type jsonTimestamp struct {
	Seconds     int64  `json:"seconds"`
	Nanoseconds int64  `json:"nanoseconds"`
	ISO8601     string `json:"iso8601"`
}

type jsonInfo struct {
	Timestamp jsonTimestamp `json:"timestamp"`
	*Info
}

// writeLegacy writes the three line info file:
// time:user:runuser:rungroup:tty:rows:cols, the cwd and the command line
func (i *Info) writeLegacy(w io.Writer) error {
	cmd := i.Command
	if len(i.Argv) > 1 {
		cmd += " " + strings.Join(i.Argv[1:], " ")
	}
	_, err := fmt.Fprintf(w, "%d:%s:%s:%s:%s:%d:%d\n%s\n%s\n",
		i.StartTime.Unix(), i.SubmitUser, i.RunUser, i.RunGroup, i.TTY,
		i.Rows, i.Cols, i.Cwd, cmd)
	return err
}

func (i *Info) writeJSON(w io.Writer) error {
	if i.UUID == "" {
		i.UUID = uuid.NewString()
	}
	t := i.StartTime.UTC()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonInfo{
		Timestamp: jsonTimestamp{
			Seconds:     t.Unix(),
			Nanoseconds: int64(t.Nanosecond()),
			ISO8601:     t.Format("20060102150405Z"),
		},
		Info: i,
	})
}

// ParseInfoJSON reads a log.json file
func ParseInfoJSON(r io.Reader) (*Info, error) {
	ji := jsonInfo{Info: new(Info)}
	if err := json.NewDecoder(r).Decode(&ji); err != nil {
		return nil, fmt.Errorf("parse %s: %w", infoJSONFile, err)
	}
	ji.Info.StartTime = time.Unix(ji.Timestamp.Seconds, ji.Timestamp.Nanoseconds)
	return ji.Info, nil
}

// ParseInfoLegacy reads a legacy log file
func ParseInfoLegacy(r io.Reader) (*Info, error) {
	s := bufio.NewScanner(r)
	var lines []string
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(lines) < 3 {
		return nil, fmt.Errorf("parse %s: short file", infoFile)
	}
	f := strings.Split(lines[0], ":")
	if len(f) < 7 {
		return nil, fmt.Errorf("parse %s: bad header %q", infoFile, lines[0])
	}
	sec, err := strconv.ParseInt(f[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse %s: time: %w", infoFile, err)
	}
	i := &Info{
		StartTime:  time.Unix(sec, 0),
		SubmitUser: f[1],
		RunUser:    f[2],
		RunGroup:   f[3],
		TTY:        f[4],
		Cwd:        lines[1],
	}
	i.Rows, _ = strconv.Atoi(f[5])
	i.Cols, _ = strconv.Atoi(f[6])
	i.Argv = strings.Fields(lines[2])
	if len(i.Argv) > 0 {
		i.Command = i.Argv[0]
	}
	return i, nil
}
