// Package irq waits for controller interrupts delivered through a file
// descriptor, normally a UIO device node.
package irq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrTimeout is returned when no interrupt arrived before the deadline.
	ErrTimeout = errors.New("timed out waiting for interrupt")

	// ErrClosed is returned by a wait that was pending, or started, after the
	// source was closed.
	ErrClosed = errors.New("interrupt source closed")
)

// Source is a blocking interrupt wait primitive.
type Source interface {
	// Wait blocks until an interrupt is signalled and returns the count
	// reported by the descriptor. The deadline of ctx maps to ErrTimeout.
	Wait(ctx context.Context) (uint32, error)
	// Rearm re-enables delivery after an interrupt was handled.
	Rearm() error
	// Drain discards anything pending without blocking.
	Drain() error
	Close() error
}

// FDSource implements [Source] over a readable file descriptor.
type FDSource struct {
	fd    int
	width int
	rearm bool
	ownFD bool

	epoll *Epoll
	wake  *EventFD

	closed atomic.Bool
	// waitLock is held for the duration of a Wait so Close can not release
	// the descriptors underneath it.
	waitLock sync.Mutex
}

var _ Source = (*FDSource)(nil)

// NewFDSource wraps fd. The descriptor is switched to non-blocking mode.
func NewFDSource(fd int, options ...Option) (_ *FDSource, err error) {
	opts := optionDefaults
	opts.apply(options)
	if err = opts.validate(); err != nil {
		return nil, err
	}

	s := &FDSource{
		fd:    fd,
		width: opts.readWidth,
		rearm: opts.rearm,
		ownFD: opts.ownFD,
	}

	// Clean up a partially initialized source when something fails.
	defer func() {
		if err != nil {
			_ = s.release()
		}
	}()

	if err = unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set non-blocking: %w", err)
	}

	s.wake, err = NewEventFD()
	if err != nil {
		return nil, fmt.Errorf("create wake event file descriptor: %w", err)
	}

	s.epoll, err = NewEpoll(2)
	if err != nil {
		return nil, fmt.Errorf("create epoll: %w", err)
	}
	if err = s.epoll.Add(fd); err != nil {
		return nil, fmt.Errorf("watch interrupt descriptor: %w", err)
	}
	if err = s.epoll.Add(s.wake.FD()); err != nil {
		return nil, fmt.Errorf("watch wake descriptor: %w", err)
	}

	return s, nil
}

// FD returns the wrapped descriptor.
func (s *FDSource) FD() int {
	return s.fd
}

func (s *FDSource) Wait(ctx context.Context) (uint32, error) {
	s.waitLock.Lock()
	defer s.waitLock.Unlock()

	// The goroutine blocks in epoll and never notices the context ending on
	// its own, wake it up through the eventfd.
	stop := context.AfterFunc(ctx, func() {
		_ = s.wake.Kick()
	})
	defer stop()

	for {
		if s.closed.Load() {
			return 0, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return 0, ErrTimeout
			}
			return 0, err
		}

		n, ok, err := s.read()
		if err != nil {
			return 0, err
		}
		if ok {
			return n, nil
		}

		events, err := s.epoll.Wait(waitMillis(ctx))
		if err != nil {
			return 0, fmt.Errorf("wait: %w", err)
		}
		for _, ev := range events {
			if int(ev.Fd) == s.wake.FD() {
				_, _ = s.wake.Read()
			}
		}
	}
}

// read performs one non-blocking read of the descriptor.
func (s *FDSource) read() (uint32, bool, error) {
	var buf [8]byte
	n, err := unix.Read(s.fd, buf[:s.width])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read interrupt count: %w", err)
	}
	if n != s.width {
		return 0, false, fmt.Errorf("short interrupt count read: %d of %d bytes", n, s.width)
	}

	if s.width == 4 {
		return binary.NativeEndian.Uint32(buf[:4]), true, nil
	}
	return uint32(binary.NativeEndian.Uint64(buf[:8])), true, nil
}

func (s *FDSource) Rearm() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.rearm {
		return nil
	}

	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], 1)
	if _, err := unix.Write(s.fd, buf[:]); err != nil {
		return fmt.Errorf("re-enable interrupt: %w", err)
	}
	return nil
}

func (s *FDSource) Drain() error {
	if s.closed.Load() {
		return ErrClosed
	}

	for {
		_, ok, err := s.read()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// Close wakes a pending Wait, which returns ErrClosed, and releases the
// descriptors once it has returned.
func (s *FDSource) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := s.wake.Kick(); err != nil {
		errs = append(errs, fmt.Errorf("wake up waiter: %w", err))
	}

	s.waitLock.Lock()
	defer s.waitLock.Unlock()

	if err := s.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *FDSource) release() error {
	var errs []error

	if s.epoll != nil {
		if err := s.epoll.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close epoll: %w", err))
		}
	}
	if s.wake != nil {
		if err := s.wake.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close wake event file descriptor: %w", err))
		}
	}
	if s.ownFD && s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("close interrupt descriptor: %w", err))
		}
		s.fd = -1
	}

	return errors.Join(errs...)
}

// waitMillis converts the deadline of ctx into an epoll timeout, rounding up
// so the wait never ends before the deadline.
func waitMillis(ctx context.Context) int {
	dl, ok := ctx.Deadline()
	if !ok {
		return -1
	}

	d := time.Until(dl)
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
