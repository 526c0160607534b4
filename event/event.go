// Package event provides the readiness notification layer the connection
// engine runs on: an epoll-backed loop per thread, file-descriptor
// registrations with READ/WRITE/PERSIST masks, and manual wake events that
// any goroutine may raise and that are delivered back on the loop's own
// goroutine.
package event

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Mask describes the readiness a registration waits for, and the readiness a
// callback is invoked with.
type Mask uint8

const (
	Read Mask = 1 << iota
	Write
	// Persist keeps the registration armed after it fires. Without it the
	// registration fires once and must be rearmed with Update.
	Persist
)

func (m Mask) String() string {
	s := ""
	if m&Read != 0 {
		s += "R"
	}
	if m&Write != 0 {
		s += "W"
	}
	if m&Persist != 0 {
		s += "P"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Callback is invoked on the loop goroutine with the readiness that fired.
// Manual events fire with Write.
type Callback func(Mask)

// ErrClosed is returned by operations on a registration that has been
// closed.
var ErrClosed = errors.New("event: registration closed")

// Registration associates a file descriptor, or a manual wake handle, with a
// callback on one loop. All methods except Raise must be called on the
// loop's goroutine.
type Registration struct {
	loop   *Loop
	fd     int // the watched descriptor; for manual events, an eventfd
	mask   Mask
	cb     Callback
	manual bool
	armed  bool
	closed bool
}

// Armed reports whether the registration is currently in the loop's watch
// set.
func (r *Registration) Armed() bool { return r.armed }

// Update changes the readiness mask, rearming the registration if it was
// suspended.
func (r *Registration) Update(mask Mask) error {
	if r.closed {
		return ErrClosed
	}
	if !r.armed {
		return r.Resume(mask)
	}
	ev := epollEvent(r.fd, mask)
	if err := unix.EpollCtl(r.loop.epfd, unix.EPOLL_CTL_MOD, r.fd, &ev); err != nil {
		return fmt.Errorf("event: update fd %d: %w", r.fd, err)
	}
	r.mask = mask
	return nil
}

// Suspend removes the registration from the watch set without discarding
// it. Resume puts it back.
func (r *Registration) Suspend() error {
	if r.closed {
		return ErrClosed
	}
	if !r.armed {
		return nil
	}
	if err := unix.EpollCtl(r.loop.epfd, unix.EPOLL_CTL_DEL, r.fd, nil); err != nil {
		return fmt.Errorf("event: suspend fd %d: %w", r.fd, err)
	}
	r.armed = false
	return nil
}

// Resume puts a suspended registration back in the watch set with the given
// mask.
func (r *Registration) Resume(mask Mask) error {
	if r.closed {
		return ErrClosed
	}
	if r.armed {
		return r.Update(mask)
	}
	ev := epollEvent(r.fd, mask)
	err := unix.EpollCtl(r.loop.epfd, unix.EPOLL_CTL_ADD, r.fd, &ev)
	if err == unix.EEXIST {
		// A one-shot registration that fired stays in the epoll set,
		// disabled; it is rearmed with a modify.
		err = unix.EpollCtl(r.loop.epfd, unix.EPOLL_CTL_MOD, r.fd, &ev)
	}
	if err != nil {
		return fmt.Errorf("event: resume fd %d: %w", r.fd, err)
	}
	r.mask = mask
	r.armed = true
	return nil
}

// Raise triggers a manual event. Safe to call from any goroutine; the
// callback runs on the loop goroutine.
func (r *Registration) Raise() error {
	if !r.manual {
		return errors.New("event: raise on a non-manual registration")
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(r.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil && err != unix.EAGAIN {
			return fmt.Errorf("event: raise: %w", err)
		}
		return nil
	}
}

// Close removes the registration from the loop. A manual event's eventfd is
// closed; a socket registration leaves the descriptor to its owner. Close is
// idempotent.
func (r *Registration) Close() error {
	if r.closed {
		return nil
	}
	err := r.Suspend()
	r.closed = true
	r.loop.forget(r.fd)
	if r.manual {
		unix.Close(r.fd)
	}
	return err
}

func epollEvent(fd int, mask Mask) unix.EpollEvent {
	var events uint32
	if mask&Read != 0 {
		events |= unix.EPOLLIN
	}
	if mask&Write != 0 {
		events |= unix.EPOLLOUT
	}
	if mask&Persist == 0 {
		events |= unix.EPOLLONESHOT
	}
	return unix.EpollEvent{Events: events, Fd: int32(fd)}
}
