package iolog

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Escapes are the values substituted in a log path template
type Escapes struct {
	User     string
	Group    string
	RunUser  string
	RunGroup string
	Hostname string
	Command  string
	Time     time.Time
	// Seq allocates a session id when %{seq} is used
	Seq func() (string, error)
}

// ExpandPath expands %{seq}, %{user}, %{group}, %{runas_user},
// %{runas_group}, %{hostname}, %{command}, strftime style %Y %m %d %H %M
// %S and %%. Unknown escapes are kept verbatim.
func ExpandPath(tmpl string, e *Escapes) (string, error) {
	var sb strings.Builder
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '%' || i+1 == len(tmpl) {
			sb.WriteByte(c)
			continue
		}
		next := tmpl[i+1]
		if next == '{' {
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				sb.WriteString(tmpl[i:])
				break
			}
			name := tmpl[i+2 : i+end]
			v, ok, err := e.lookup(name)
			if err != nil {
				return "", err
			}
			if ok {
				sb.WriteString(v)
			} else {
				sb.WriteString(tmpl[i : i+end+1])
			}
			i += end
			continue
		}
		if v, ok := e.strftime(next); ok {
			sb.WriteString(v)
		} else {
			sb.WriteByte(c)
			sb.WriteByte(next)
		}
		i++
	}
	return sb.String(), nil
}

func (e *Escapes) lookup(name string) (string, bool, error) {
	switch name {
	case "seq":
		if e.Seq == nil {
			return "", false, fmt.Errorf("escape %%{seq}: no sequence")
		}
		s, err := e.Seq()
		if err != nil {
			return "", false, fmt.Errorf("escape %%{seq}: %w", err)
		}
		return SeqPath(s), true, nil
	case "user":
		return clean(e.User), true, nil
	case "group":
		return clean(e.Group), true, nil
	case "runas_user":
		return clean(e.RunUser), true, nil
	case "runas_group":
		return clean(e.RunGroup), true, nil
	case "hostname":
		return clean(e.Hostname), true, nil
	case "command":
		return clean(filepath.Base(e.Command)), true, nil
	}
	return "", false, nil
}

func (e *Escapes) strftime(c byte) (string, bool) {
	t := e.Time
	switch c {
	case '%':
		return "%", true
	case 'Y':
		return fmt.Sprintf("%04d", t.Year()), true
	case 'm':
		return fmt.Sprintf("%02d", int(t.Month())), true
	case 'd':
		return fmt.Sprintf("%02d", t.Day()), true
	case 'H':
		return fmt.Sprintf("%02d", t.Hour()), true
	case 'M':
		return fmt.Sprintf("%02d", t.Minute()), true
	case 'S':
		return fmt.Sprintf("%02d", t.Second()), true
	}
	return "", false
}

// clean keeps substituted values from introducing path components
func clean(s string) string {
	return strings.ReplaceAll(s, "/", "_")
}

// SessionPath expands the log base dir and the file template into the
// directory of one session. Without a Seq function %{seq} is allocated
// from the seq file under the expanded base dir. The allocated session id
// is returned with the path, empty when the templates do not use %{seq}.
func SessionPath(dir, file string, e Escapes, maxSeq uint64) (path, id string, err error) {
	d, err := ExpandPath(dir, &e)
	if err != nil {
		return "", "", err
	}
	seq := e.Seq
	if seq == nil {
		seq = func() (string, error) {
			return NextSeq(d, maxSeq)
		}
	}
	e.Seq = func() (string, error) {
		s, err := seq()
		if err == nil && id == "" {
			id = s
		}
		return s, err
	}
	f, err := ExpandPath(file, &e)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(d, f), id, nil
}
