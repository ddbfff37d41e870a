// Package intercept serves sub-command checks requested by the supervised
// command over a SOCK_SEQPACKET socket.
//
// A request is "check" followed by the NUL separated argv of the command
// about to be executed; the reply is "allow" or "deny".
package intercept

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// EnvFd is the environment variable telling the command its socket fd
const EnvFd = "SUDO_INTERCEPT_FD"

// ChildFd is the fd number of the socket in the command
const ChildFd = 3

const (
	opCheck = "check"

	replyAllow = "allow"
	replyDeny  = "deny"
)

// maxRequest is the largest request accepted
const maxRequest = 64 << 10

// Checker decides whether a sub-command may run
type Checker interface {
	Check(argv []string) bool
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(argv []string) bool

// Check calls f
func (f CheckerFunc) Check(argv []string) bool {
	return f(argv)
}

// AllowList allows commands whose path matches one of the patterns
// (filepath.Match syntax). An empty list allows everything.
type AllowList []string

// Check implements Checker
func (a AllowList) Check(argv []string) bool {
	if len(a) == 0 {
		return true
	}
	if len(argv) == 0 {
		return false
	}
	for _, p := range a {
		if ok, _ := filepath.Match(p, argv[0]); ok {
			return true
		}
	}
	return false
}

var errBadRequest = errors.New("intercept: bad request")

func encodeRequest(argv []string) []byte {
	var b bytes.Buffer
	b.WriteString(opCheck)
	for _, a := range argv {
		b.WriteByte(0)
		b.WriteString(a)
	}
	return b.Bytes()
}

func decodeRequest(b []byte) ([]string, error) {
	parts := strings.Split(string(b), "\x00")
	if parts[0] != opCheck {
		return nil, fmt.Errorf("%w: op %q", errBadRequest, parts[0])
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: empty argv", errBadRequest)
	}
	return parts[1:], nil
}
