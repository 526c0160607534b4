package transport

import (
	"os"

	"golang.org/x/sys/unix"
)

// Raw is a Session over a plain non-blocking socket. It does not own the file
// descriptor; the connection handle closes it.
type Raw struct {
	fd int
}

// NewRaw returns a Raw session for a non-blocking socket.
func NewRaw(fd int) *Raw {
	return &Raw{fd: fd}
}

// Fd returns the underlying file descriptor.
func (s *Raw) Fd() int { return s.fd }

func (s *Raw) TryRead(dst []byte) (int, Status, error) {
	n, err := unix.Read(s.fd, dst)
	switch {
	case err == nil && n > 0:
		return n, OK, nil
	case err == nil:
		return 0, Eof, nil
	case err == unix.EAGAIN:
		return 0, WouldBlockRead, nil
	case err == unix.EINTR:
		return 0, Interrupted, nil
	default:
		return 0, Fatal, os.NewSyscallError("read", err)
	}
}

func (s *Raw) TryWrite(src []byte) (int, Status, error) {
	if len(src) == 0 {
		return 0, OK, nil
	}
	n, err := unix.Write(s.fd, src)
	switch {
	case err == nil:
		return n, OK, nil
	case err == unix.EAGAIN:
		return 0, WouldBlockWrite, nil
	case err == unix.EINTR:
		return 0, Interrupted, nil
	default:
		return 0, Fatal, os.NewSyscallError("write", err)
	}
}

// Pending is always false: a raw session has no staging of its own.
func (s *Raw) Pending() bool { return false }

// Shutdown is a no-op for a plain socket; closing the descriptor performs
// the orderly close.
func (s *Raw) Shutdown() error { return nil }
