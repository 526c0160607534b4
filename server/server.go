// Package server implements the per-connection network engine of quill: the
// listener/dispatcher that accepts sockets and affinitises them to event
// loops, and the connection state machine that drives framed I/O between the
// socket and a protocol handler.
package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/quilldb/quill"
	"github.com/quilldb/quill/event"
)

// Server accepts client sockets and hands each one to an event loop. Every
// connection lives on exactly one loop for its whole life.
type Server struct {
	cfg    Config
	logger quill.Logger

	listenFd int
	port     int

	loops  []*event.Loop
	loopWg sync.WaitGroup

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	next   int
	closed bool
}

// New creates a Server listening on cfg.Addr. Start begins serving.
func New(cfg Config) (*Server, error) {
	if err := cfg.assignDefaults(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		listenFd: -1,
		conns:    make(map[*Conn]struct{}),
	}
	if err := s.listen(cfg.Addr); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.Loops; i++ {
		loop, err := event.NewLoop(cfg.Logger)
		if err != nil {
			unix.Close(s.listenFd)
			return nil, err
		}
		s.loops = append(s.loops, loop)
	}
	return s, nil
}

// Addr returns a loopback address carrying the actual bound port, which is
// the one assigned when listening on port 0. The host part is always
// 127.0.0.1, whatever host the listener was bound to.
func (s *Server) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port))
}

// Start launches the event loops and arms the acceptor. It does not block.
func (s *Server) Start() error {
	for _, loop := range s.loops {
		s.loopWg.Add(1)
		go func(l *event.Loop) {
			defer s.loopWg.Done()
			if err := l.Run(); err != nil {
				s.log(quill.LogLevelError, "event loop exited", map[string]interface{}{"err": err.Error()})
			}
		}(loop)
	}
	// The acceptor lives on the first loop; accepted sockets fan out across
	// all of them.
	_, err := s.loops[0].RegisterEvent(s.listenFd, event.Read|event.Persist, s.onAcceptable)
	if err != nil {
		return err
	}
	s.log(quill.LogLevelInfo, "server listening", map[string]interface{}{"addr": s.Addr(), "loops": len(s.loops)})
	return nil
}

// Close stops accepting, closes every live connection on its own loop, and
// shuts the loops down. Safe to call once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("server: already closed")
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		conn := c
		conn.loop.Submit(func() { conn.close() })
	}
	for _, loop := range s.loops {
		loop.Stop()
	}
	s.loopWg.Wait()
	unix.Close(s.listenFd)
	s.log(quill.LogLevelInfo, "server closed", nil)
	return nil
}

func (s *Server) listen(addr string) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: resolve %q: %w", addr, err)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("server: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: setsockopt: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: bind %q: %w", addr, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: listen: %w", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: getsockname: %w", err)
	}
	if sa4, ok := bound.(*unix.SockaddrInet4); ok {
		s.port = sa4.Port
	}
	s.listenFd = fd
	return nil
}

// onAcceptable drains the accept queue, affinitising each new socket to a
// loop round-robin.
func (s *Server) onAcceptable(event.Mask) {
	for {
		nfd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
		case unix.EAGAIN:
			return
		case unix.EINTR:
			continue
		default:
			s.log(quill.LogLevelError, "accept failed", map[string]interface{}{"err": err.Error()})
			return
		}
		loop := s.pickLoop()
		addr := sockaddrString(sa)
		fd := nfd
		loop.Submit(func() {
			conn := NewConn(fd, addr, loop, &s.cfg, s)
			if err := conn.Init(); err != nil {
				s.log(quill.LogLevelError, "connection init failed", map[string]interface{}{"err": err.Error()})
				unix.Close(fd)
				return
			}
			s.addConn(conn)
		})
	}
}

func (s *Server) pickLoop() *event.Loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	loop := s.loops[s.next%len(s.loops)]
	s.next++
	return loop
}

func (s *Server) addConn(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) log(level quill.LogLevel, msg string, data map[string]interface{}) {
	if s.logger != nil {
		s.logger.Log(level, msg, data)
	}
}

func sockaddrString(sa unix.Sockaddr) string {
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		ip := net.IP(sa4.Addr[:])
		return net.JoinHostPort(ip.String(), strconv.Itoa(sa4.Port))
	}
	return "unknown"
}
