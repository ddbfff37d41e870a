package event

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a one-shot timer backed by a timerfd
type Timer struct {
	ev    *Event
	fd    int
	cb    func()
	armed bool
}

// NewTimer creates a disarmed timer calling cb when it fires
func (b *Base) NewTimer(cb func()) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	t := &Timer{fd: fd, cb: cb}
	t.ev = b.NewEvent(fd, Read, t.fire)
	return t, nil
}

// Arm (re)starts the timer to fire once after d
func (t *Timer) Arm(d time.Duration) error {
	if d <= 0 {
		// a zero it_value disarms the timerfd
		d = time.Nanosecond
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return err
	}
	if err := t.ev.Add(); err != nil {
		return err
	}
	t.armed = true
	return nil
}

// Stop disarms the timer
func (t *Timer) Stop() error {
	if !t.armed {
		return nil
	}
	t.armed = false
	var spec unix.ItimerSpec
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return err
	}
	return t.ev.Del()
}

// Pending reports whether the timer is armed and not yet fired
func (t *Timer) Pending() bool {
	return t.armed
}

// Close stops the timer and releases its fd
func (t *Timer) Close() error {
	t.Stop()
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}

func (t *Timer) fire(fd int, _ Flags) {
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	if err == syscall.EAGAIN || err == syscall.EINTR {
		return
	}
	t.armed = false
	t.ev.Del()
	t.cb()
}
