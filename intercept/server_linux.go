package intercept

import (
	"log/slog"
	"syscall"

	"github.com/criyle/go-sudoexec/pkg/event"
	"github.com/criyle/go-sudoexec/pkg/unixsocket"
)

// Server answers check requests on the supervisor end of the socket pair.
// It is driven by the reactor.
type Server struct {
	fd      int
	child   int
	ev      *event.Event
	checker Checker
	logger  *slog.Logger

	buf []byte
	oob []byte

	// Requests counts the checks answered
	Requests int
}

// NewServer creates the socket pair. ChildEnd is handed to the command as
// ChildFd; Start registers the server end with base.
func NewServer(checker Checker, logger *slog.Logger) (*Server, error) {
	fds, err := unixsocket.NewRawSocketPair()
	if err != nil {
		return nil, err
	}
	if err := syscall.SetNonblock(fds[0], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return nil, err
	}
	if err := unixsocket.SetPassCredFd(fds[0], 1); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if checker == nil {
		checker = AllowList(nil)
	}
	return &Server{
		fd:      fds[0],
		child:   fds[1],
		checker: checker,
		logger:  logger,
		buf:     make([]byte, maxRequest),
		oob:     make([]byte, syscall.CmsgSpace(syscall.SizeofUcred)),
	}, nil
}

// ChildEnd returns the fd to pass to the command
func (s *Server) ChildEnd() int {
	return s.child
}

// CloseChildEnd closes the command's end in the supervisor once the
// command was started
func (s *Server) CloseChildEnd() {
	if s.child >= 0 {
		syscall.Close(s.child)
		s.child = -1
	}
}

// Start registers the server with the reactor
func (s *Server) Start(base *event.Base) error {
	s.ev = base.NewEvent(s.fd, event.Read, func(int, event.Flags) { s.handle() })
	return s.ev.Add()
}

func (s *Server) handle() {
	n, msg, err := unixsocket.RecvMsgFd(s.fd, s.buf, s.oob)
	switch {
	case err == syscall.EAGAIN || err == syscall.EINTR:
		return
	case err != nil:
		s.logger.Warn("intercept recv", "error", err)
		s.Close()
		return
	case n == 0:
		s.logger.Debug("intercept peer closed")
		s.Close()
		return
	}
	for _, fd := range msg.Fds {
		syscall.Close(fd)
	}

	reply := replyDeny
	argv, err := decodeRequest(s.buf[:n])
	if err != nil {
		s.logger.Warn("intercept request", "error", err)
	} else if s.checker.Check(argv) {
		reply = replyAllow
	}
	pid := int32(0)
	if msg.Cred != nil {
		pid = msg.Cred.Pid
	}
	s.Requests++
	s.logger.Debug("intercept check", "pid", pid, "argv", argv, "reply", reply)

	if err := unixsocket.SendMsgFd(s.fd, []byte(reply), unixsocket.Msg{}); err != nil {
		s.logger.Warn("intercept reply", "error", err)
	}
}

// Close unregisters the server and closes both ends
func (s *Server) Close() error {
	if s.ev != nil {
		s.ev.Del()
	}
	s.CloseChildEnd()
	if s.fd < 0 {
		return nil
	}
	err := syscall.Close(s.fd)
	s.fd = -1
	return err
}
