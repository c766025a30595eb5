package irq

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// EventFD is a non-blocking Linux eventfd. It is used to wake a goroutine that
// is blocked in [Epoll.Wait] and by the simulated controller as its interrupt
// line.
type EventFD struct {
	fd int
}

func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventFD{fd: fd}, nil
}

// Kick adds one to the counter, waking any waiter.
func (e *EventFD) Kick() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

// Read returns and resets the counter. It returns 0 when nothing is pending.
func (e *EventFD) Read() (uint64, error) {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		return 0, err
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

func (e *EventFD) FD() int {
	return e.fd
}

func (e *EventFD) Close() error {
	if e.fd >= 0 {
		err := unix.Close(e.fd)
		e.fd = -1
		return err
	}
	return nil
}

// Epoll waits for any of a set of file descriptors to become readable.
type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

func NewEpoll(size int) (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, size),
	}, nil
}

func (ep *Epoll) Add(fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &event)
}

// Wait blocks for at most msec milliseconds, or forever when msec is negative.
// It returns the ready events, which is empty on timeout or when interrupted
// by a signal.
func (ep *Epoll) Wait(msec int) ([]unix.EpollEvent, error) {
	n, err := unix.EpollWait(ep.fd, ep.events, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}
	return ep.events[:n], nil
}

func (ep *Epoll) Close() error {
	if ep.fd >= 0 {
		err := unix.Close(ep.fd)
		ep.fd = -1
		return err
	}
	return nil
}
