package unixsocket

import (
	"bytes"
	"os"
	"syscall"
	"testing"
)

func TestBaseline(t *testing.T) {
	a, b, err := NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	m := make([]byte, 1024)

	go func() {
		msg := []byte("message")
		a.SendMsg(msg, Msg{})
	}()

	n, _, err := b.RecvMsg(m)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(m[:n], []byte("message")) {
		t.Fatal("not equal")
	}
}

func TestSendRecvMsg_Fds(t *testing.T) {
	a, b, err := NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	// Create a file to send its fd
	tmpfile, err := os.CreateTemp("", "unixsocket-fd")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())
	defer tmpfile.Close()

	msg := []byte("fdtest")
	go func() {
		a.SendMsg(msg, Msg{Fds: []int{int(tmpfile.Fd())}})
	}()

	buf := make([]byte, 64)
	n, m, err := b.RecvMsg(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Errorf("RecvMsg got %q, want %q", buf[:n], msg)
	}
	if len(m.Fds) != 1 {
		t.Errorf("expected 1 fd, got %d", len(m.Fds))
	}
	if m.Fds != nil {
		syscall.Close(m.Fds[0])
	}
}

func TestSendRecvMsg_Cred(t *testing.T) {
	a, b, err := NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	// Enable credential passing
	if err := a.SetPassCred(1); err != nil {
		t.Fatal(err)
	}
	if err := b.SetPassCred(1); err != nil {
		t.Fatal(err)
	}

	// the kernel only accepts the sender's own credentials without privileges;
	// the socket buffer holds the message so the send does not block
	msg := []byte("credtest")
	cred := &syscall.Ucred{Pid: int32(os.Getpid()), Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
	if err := a.SendMsg(msg, Msg{Cred: cred}); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 64)
	n, m, err := b.RecvMsg(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Errorf("RecvMsg got %q, want %q", buf[:n], msg)
	}
	if m.Cred == nil {
		t.Fatal("expected credential, got nil")
	}
	if *m.Cred != *cred {
		t.Errorf("credential got %+v, want %+v", *m.Cred, *cred)
	}
}

func TestNewSocketPair_Close(t *testing.T) {
	a, b, err := NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("a.Close() error: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("b.Close() error: %v", err)
	}
}

func TestNewSocket_InvalidFd(t *testing.T) {
	// Use an invalid fd
	_, err := NewSocket(-1)
	if err == nil {
		t.Error("expected error for invalid fd, got nil")
	}
}

func TestSetPassCred_InvalidSocket(t *testing.T) {
	a, b, err := NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	// Close the socket to make it invalid
	a.Close()
	err = a.SetPassCred(1)
	if err == nil {
		t.Error("expected error on SetPassCred for closed socket, got nil")
	}
}

func TestRawSocketPair_SendRecv(t *testing.T) {
	fds, err := NewRawSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer syscall.Close(fds[0])

	// the peer end is served by the runtime poller
	s, err := NewSocket(fds[1])
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	buf := make([]byte, 64)
	oob := make([]byte, oobSize)
	if _, _, err := RecvMsgFd(fds[0], buf, oob); err != syscall.EAGAIN {
		t.Fatalf("expected EAGAIN on empty socket, got %v", err)
	}

	if err := s.SendMsg([]byte("check\x00ls"), Msg{}); err != nil {
		t.Fatal(err)
	}
	n, _, err := RecvMsgFd(fds[0], buf, oob)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte("check\x00ls")) {
		t.Fatalf("got %q", buf[:n])
	}

	if err := SendMsgFd(fds[0], []byte("allow"), Msg{}); err != nil {
		t.Fatal(err)
	}
	n, _, err = s.RecvMsg(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "allow" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestRawSocketPair_PeerClosed(t *testing.T) {
	fds, err := NewRawSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer syscall.Close(fds[0])
	syscall.Close(fds[1])

	n, _, err := RecvMsgFd(fds[0], make([]byte, 8), make([]byte, oobSize))
	if err != nil || n != 0 {
		t.Fatalf("expected EOF, got %d %v", n, err)
	}
}
