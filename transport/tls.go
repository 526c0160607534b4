package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Bounds on the poll-assisted loops that drive the TLS handshake and
// shutdown to completion. Both loops depend on the peer making progress, so
// they carry a safety cap in addition to the deadline.
const (
	handshakeTimeout = 5 * time.Second
	shutdownTimeout  = 2 * time.Second
	maxPollRounds    = 64
)

// errWouldBlock is surfaced by fdConn when the socket is not ready. It
// implements net.Error with Temporary() == true, which keeps the TLS record
// layer's read state valid so the same operation can be retried once the
// event loop reports readiness again.
var errWouldBlock = &wouldBlockError{}

type wouldBlockError struct{}

func (*wouldBlockError) Error() string   { return "operation would block" }
func (*wouldBlockError) Timeout() bool   { return true }
func (*wouldBlockError) Temporary() bool { return true }

// TLS is a Session over a TLS record layer bound to a non-blocking socket.
//
// Two impedance mismatches are absorbed here. First, the record layer may
// hold decoded application bytes the event loop cannot see, so the READ
// state keeps calling TryRead until it reports WouldBlockRead. Second, the
// record layer may need to write while the caller is reading (renegotiation)
// or already hold produced ciphertext the socket refused; such bytes are
// staged inside the session and drained via TryWrite(nil), with Pending
// reporting whether any remain.
type TLS struct {
	conn *tls.Conn
	nc   *fdConn
}

// NewTLS wraps fd in a server-side TLS session using the process-wide
// config. The handshake is not started; call Handshake.
func NewTLS(fd int, config *tls.Config) *TLS {
	nc := &fdConn{fd: fd}
	return &TLS{
		conn: tls.Server(nc, config),
		nc:   nc,
	}
}

// Handshake drives the server-side handshake to completion, waiting for
// socket readiness with a bounded poll loop. It must be called before the
// first TryRead or TryWrite.
func (s *TLS) Handshake() error {
	s.nc.setPolling(handshakeTimeout)
	defer s.nc.setNonblocking()
	if err := s.conn.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	return nil
}

// ConnectionState returns the state of the underlying TLS session.
func (s *TLS) ConnectionState() tls.ConnectionState {
	return s.conn.ConnectionState()
}

func (s *TLS) TryRead(dst []byte) (int, Status, error) {
	// Push out any staged ciphertext first; a renegotiation response that
	// stays queued would deadlock the peer.
	if st, err := s.flushStaged(); st == Fatal {
		return 0, st, err
	}
	n, err := s.conn.Read(dst)
	if n > 0 {
		return n, OK, nil
	}
	switch {
	case err == nil:
		// Empty record; nothing decoded yet.
		return 0, Interrupted, nil
	case errors.Is(err, errWouldBlock):
		if s.nc.stagedLen() > 0 {
			return 0, WouldBlockWrite, nil
		}
		return 0, WouldBlockRead, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return 0, Eof, nil
	default:
		return 0, Fatal, fmt.Errorf("tls read: %w", err)
	}
}

func (s *TLS) TryWrite(src []byte) (int, Status, error) {
	st, err := s.flushStaged()
	if st != OK {
		return 0, st, err
	}
	var consumed int
	if len(src) > 0 {
		// fdConn stages whatever the socket refuses, so the record layer
		// always sees a complete write and its state stays clean.
		n, err := s.conn.Write(src)
		consumed = n
		if err != nil {
			return consumed, Fatal, fmt.Errorf("tls write: %w", err)
		}
	}
	st, err = s.flushStaged()
	return consumed, st, err
}

// Pending reports whether staged ciphertext remains to be pushed to the
// socket.
func (s *TLS) Pending() bool { return s.nc.stagedLen() > 0 }

// Shutdown performs an orderly close: flush staged bytes, send
// close_notify, and give the peer one bounded chance to respond in kind.
func (s *TLS) Shutdown() error {
	s.nc.setPolling(shutdownTimeout)
	defer s.nc.setNonblocking()
	if err := s.nc.flushStagedPolling(); err != nil {
		return fmt.Errorf("tls shutdown: %w", err)
	}
	if err := s.conn.CloseWrite(); err != nil {
		return fmt.Errorf("tls shutdown: %w", err)
	}
	// Give the peer a short grace window to answer in kind; failures here
	// are unremarkable, the descriptor is about to close either way.
	s.nc.setPolling(200 * time.Millisecond)
	var scratch [64]byte
	_, _ = s.conn.Read(scratch[:])
	return nil
}

func (s *TLS) flushStaged() (Status, error) {
	ok, err := s.nc.flushStaged()
	switch {
	case err != nil:
		return Fatal, fmt.Errorf("tls flush: %w", err)
	case !ok:
		return WouldBlockWrite, nil
	default:
		return OK, nil
	}
}

// fdConn adapts a non-blocking file descriptor to the net.Conn contract the
// TLS record layer expects. In its default mode a read that would block
// surfaces errWouldBlock and a write that would block stages the remainder;
// in polling mode (handshake and shutdown) both wait for readiness with
// poll(2), bounded by a deadline and a round cap.
type fdConn struct {
	fd int

	polling  bool
	deadline time.Time

	// staged holds ciphertext the socket refused. Order is preserved: while
	// staged bytes exist, new writes append behind them.
	staged []byte
}

func (c *fdConn) setPolling(timeout time.Duration) {
	c.polling = true
	c.deadline = time.Now().Add(timeout)
}

func (c *fdConn) setNonblocking() {
	c.polling = false
	c.deadline = time.Time{}
}

func (c *fdConn) stagedLen() int { return len(c.staged) }

func (c *fdConn) Read(p []byte) (int, error) {
	for round := 0; ; round++ {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == nil && n > 0:
			return n, nil
		case err == nil:
			return 0, io.EOF
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if !c.polling {
				return 0, errWouldBlock
			}
			if err := c.wait(unix.POLLIN, round); err != nil {
				return 0, err
			}
		default:
			return 0, os.NewSyscallError("read", err)
		}
	}
}

func (c *fdConn) Write(p []byte) (int, error) {
	if c.polling {
		if err := c.writePolling(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	if len(c.staged) > 0 {
		c.staged = append(c.staged, p...)
		_, err := c.flushStaged()
		return len(p), err
	}
	sent := 0
	for sent < len(p) {
		n, err := unix.Write(c.fd, p[sent:])
		switch {
		case err == nil:
			sent += n
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			c.staged = append(c.staged, p[sent:]...)
			return len(p), nil
		default:
			return sent, os.NewSyscallError("write", err)
		}
	}
	return sent, nil
}

// flushStaged pushes staged bytes to the socket. It reports false when the
// socket refused some of them.
func (c *fdConn) flushStaged() (bool, error) {
	for len(c.staged) > 0 {
		n, err := unix.Write(c.fd, c.staged)
		switch {
		case err == nil:
			c.staged = c.staged[n:]
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return false, nil
		default:
			return false, os.NewSyscallError("write", err)
		}
	}
	c.staged = nil
	return true, nil
}

func (c *fdConn) flushStagedPolling() error {
	for round := 0; len(c.staged) > 0; round++ {
		ok, err := c.flushStaged()
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if err := c.wait(unix.POLLOUT, round); err != nil {
			return err
		}
	}
	return nil
}

func (c *fdConn) writePolling(p []byte) error {
	if err := c.flushStagedPolling(); err != nil {
		return err
	}
	sent := 0
	for round := 0; sent < len(p); round++ {
		n, err := unix.Write(c.fd, p[sent:])
		switch {
		case err == nil:
			sent += n
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if err := c.wait(unix.POLLOUT, round); err != nil {
				return err
			}
		default:
			return os.NewSyscallError("write", err)
		}
	}
	return nil
}

// wait blocks until the socket reports the requested readiness, the
// deadline passes, or the round cap is hit.
func (c *fdConn) wait(events int16, round int) error {
	if round >= maxPollRounds {
		return errors.New("transport: poll round cap exceeded")
	}
	remaining := time.Until(c.deadline)
	if remaining <= 0 {
		return os.ErrDeadlineExceeded
	}
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: events}}
	for {
		_, err := unix.Poll(fds, int(remaining.Milliseconds())+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return os.NewSyscallError("poll", err)
		}
		return nil
	}
}

// Close is a no-op: the connection handle owns the descriptor and closes it
// exactly once during teardown.
func (c *fdConn) Close() error { return nil }

func (c *fdConn) LocalAddr() net.Addr  { return fdAddr{} }
func (c *fdConn) RemoteAddr() net.Addr { return fdAddr{} }

// Deadlines are handled by the session's own polling bounds.
func (c *fdConn) SetDeadline(time.Time) error      { return nil }
func (c *fdConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fdConn) SetWriteDeadline(time.Time) error { return nil }

type fdAddr struct{}

func (fdAddr) Network() string { return "fd" }
func (fdAddr) String() string  { return "fd" }
