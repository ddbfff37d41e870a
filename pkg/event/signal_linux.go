package event

import (
	"encoding/binary"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signal origin codes
const (
	// CodeUnknown means the sender could not be determined
	CodeUnknown = -1
	// CodeUser is a signal sent by kill(2)
	CodeUser = 0
	// CodeKernel is a signal raised by the kernel (e.g. from the terminal)
	CodeKernel = 0x80
)

// SignalInfo describes one signal delivery
type SignalInfo struct {
	Signo syscall.Signal
	// Pid is the sender, 0 when unknown
	Pid  int
	Code int
}

const signalInfoSize = 12

func (s SignalInfo) marshal() [signalInfoSize]byte {
	var b [signalInfoSize]byte
	binary.NativeEndian.PutUint32(b[0:], uint32(s.Signo))
	binary.NativeEndian.PutUint32(b[4:], uint32(int32(s.Pid)))
	binary.NativeEndian.PutUint32(b[8:], uint32(int32(s.Code)))
	return b
}

func unmarshalSignalInfo(b []byte) SignalInfo {
	return SignalInfo{
		Signo: syscall.Signal(binary.NativeEndian.Uint32(b[0:])),
		Pid:   int(int32(binary.NativeEndian.Uint32(b[4:]))),
		Code:  int(int32(binary.NativeEndian.Uint32(b[8:]))),
	}
}

// SignalEvent folds signal deliveries into the reactor through a self-pipe.
// os/signal delivers on a goroutine, which only writes fixed size records
// into the pipe; the callback runs on the loop.
type SignalEvent struct {
	ev  *Event
	cb  func(SignalInfo)
	ch  chan os.Signal
	r   int
	w   int
	mu  sync.Mutex // guards w
	wg  sync.WaitGroup
	buf []byte
}

// NewSignalEvent creates a pending signal source for sigs
func (b *Base) NewSignalEvent(cb func(SignalInfo), sigs ...os.Signal) (*SignalEvent, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	s := &SignalEvent{
		cb: cb,
		ch: make(chan os.Signal, 32),
		r:  p[0],
		w:  p[1],
	}
	s.ev = b.NewEvent(s.r, Read, s.dispatch)
	if err := s.ev.Add(); err != nil {
		unix.Close(p[0])
		unix.Close(p[1])
		return nil, err
	}
	if len(sigs) > 0 {
		signal.Notify(s.ch, sigs...)
	}
	s.wg.Add(1)
	go s.forward()
	return s, nil
}

func (s *SignalEvent) forward() {
	defer s.wg.Done()
	for sig := range s.ch {
		signo, ok := sig.(syscall.Signal)
		if !ok {
			continue
		}
		// identical pending deliveries coalesce when the pipe is full
		s.write(SignalInfo{Signo: signo, Code: CodeUnknown})
	}
}

func (s *SignalEvent) write(info SignalInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w < 0 {
		return ErrClosed
	}
	b := info.marshal()
	for {
		_, err := unix.Write(s.w, b[:])
		if err == syscall.EINTR {
			continue
		}
		return err
	}
}

// Deliver queues info as if it was received from the OS
func (s *SignalEvent) Deliver(info SignalInfo) error {
	return s.write(info)
}

func (s *SignalEvent) dispatch(fd int, _ Flags) {
	var b [signalInfoSize * 16]byte
	n, err := unix.Read(fd, b[:])
	if err != nil || n <= 0 {
		return
	}
	s.buf = append(s.buf, b[:n]...)
	for len(s.buf) >= signalInfoSize {
		info := unmarshalSignalInfo(s.buf[:signalInfoSize])
		s.buf = s.buf[signalInfoSize:]
		s.cb(info)
	}
}

// Close stops the signal relay and releases the pipe
func (s *SignalEvent) Close() error {
	signal.Stop(s.ch)
	s.mu.Lock()
	if s.w < 0 {
		s.mu.Unlock()
		return nil
	}
	unix.Close(s.w)
	s.w = -1
	s.mu.Unlock()

	close(s.ch)
	s.wg.Wait()
	s.ev.Del()
	return unix.Close(s.r)
}
