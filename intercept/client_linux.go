package intercept

import (
	"fmt"
	"os"
	"strconv"

	"github.com/criyle/go-sudoexec/pkg/unixsocket"
)

// Client asks the supervisor whether a sub-command may run. It is used
// from inside the supervised command.
type Client struct {
	s   *unixsocket.Socket
	buf []byte
}

// NewClient wraps the socket fd
func NewClient(fd int) (*Client, error) {
	s, err := unixsocket.NewSocket(fd)
	if err != nil {
		return nil, err
	}
	return &Client{s: s, buf: make([]byte, 64)}, nil
}

// FromEnv connects to the fd named by SUDO_INTERCEPT_FD
func FromEnv() (*Client, error) {
	v := os.Getenv(EnvFd)
	if v == "" {
		return nil, fmt.Errorf("intercept: %s not set", EnvFd)
	}
	fd, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("intercept: %s: %w", EnvFd, err)
	}
	return NewClient(fd)
}

// Check asks whether argv may be executed
func (c *Client) Check(argv []string) (bool, error) {
	if err := c.s.SendMsg(encodeRequest(argv), unixsocket.Msg{}); err != nil {
		return false, err
	}
	n, _, err := c.s.RecvMsg(c.buf)
	if err != nil {
		return false, err
	}
	switch string(c.buf[:n]) {
	case replyAllow:
		return true, nil
	case replyDeny:
		return false, nil
	}
	return false, fmt.Errorf("%w: reply %q", errBadRequest, c.buf[:n])
}

// Close closes the socket
func (c *Client) Close() error {
	return c.s.Close()
}
