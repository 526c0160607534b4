package event

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/quilldb/quill"
)

// Loop is a single-threaded epoll event loop. Connections are affinitised to
// exactly one loop for their whole life, so their state needs no locking;
// the only cross-thread entry points are Submit, Stop and Registration.Raise.
type Loop struct {
	epfd   int
	wakeFd int // eventfd used by Submit and Stop to interrupt the wait

	mu      sync.Mutex
	regs    map[int]*Registration
	tasks   *queue.Queue
	stopped bool

	logger quill.Logger
}

// NewLoop creates a loop. Run must be called on a dedicated goroutine.
func NewLoop(logger quill.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("event: epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("event: eventfd: %w", err)
	}
	l := &Loop{
		epfd:   epfd,
		wakeFd: wakeFd,
		regs:   make(map[int]*Registration),
		tasks:  queue.New(),
		logger: logger,
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("event: register wake fd: %w", err)
	}
	return l, nil
}

// RegisterEvent adds fd to the watch set with the given mask. The callback
// runs on the loop goroutine whenever the readiness fires.
func (l *Loop) RegisterEvent(fd int, mask Mask, cb Callback) (*Registration, error) {
	r := &Registration{loop: l, fd: fd, cb: cb}
	if err := r.Resume(mask); err != nil {
		return nil, err
	}
	l.remember(r)
	return r, nil
}

// RegisterManualEvent creates a wake handle not bound to any socket. Raising
// it from any goroutine delivers the callback on the loop goroutine with a
// Write mask.
func (l *Loop) RegisterManualEvent(cb Callback) (*Registration, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("event: eventfd: %w", err)
	}
	r := &Registration{loop: l, fd: efd, cb: cb, manual: true}
	if err := r.Resume(Read | Persist); err != nil {
		unix.Close(efd)
		return nil, err
	}
	l.remember(r)
	return r, nil
}

// Submit queues fn to run on the loop goroutine. Safe from any goroutine.
func (l *Loop) Submit(fn func()) {
	l.mu.Lock()
	l.tasks.Add(fn)
	l.mu.Unlock()
	l.wake()
}

// Stop makes Run return after the current dispatch round.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.wake()
}

// Run dispatches readiness events and submitted tasks until Stop is called.
// It owns the loop's descriptors and closes them on return.
func (l *Loop) Run() error {
	defer func() {
		unix.Close(l.wakeFd)
		unix.Close(l.epfd)
	}()

	var events [128]unix.EpollEvent
	for {
		if l.isStopped() {
			return nil
		}
		n, err := unix.EpollWait(l.epfd, events[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("event: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == l.wakeFd {
				drainEventfd(fd)
				l.runTasks()
				continue
			}
			r := l.lookup(fd)
			if r == nil {
				continue
			}
			if r.mask&Persist == 0 {
				r.armed = false
			}
			if r.manual {
				drainEventfd(fd)
				r.cb(Write)
				continue
			}
			r.cb(readiness(ev.Events))
		}
	}
}

func (l *Loop) runTasks() {
	for {
		l.mu.Lock()
		if l.tasks.Length() == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.tasks.Remove().(func())
		l.mu.Unlock()
		fn()
	}
}

func (l *Loop) wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(l.wakeFd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil && err != unix.EAGAIN {
			l.log(quill.LogLevelError, "wake write failed", map[string]interface{}{"err": err.Error()})
		}
		return
	}
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) remember(r *Registration) {
	l.mu.Lock()
	l.regs[r.fd] = r
	l.mu.Unlock()
}

func (l *Loop) forget(fd int) {
	l.mu.Lock()
	delete(l.regs, fd)
	l.mu.Unlock()
}

func (l *Loop) lookup(fd int) *Registration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.regs[fd]
}

func (l *Loop) log(level quill.LogLevel, msg string, data map[string]interface{}) {
	if l.logger != nil {
		l.logger.Log(level, msg, data)
	}
}

func readiness(events uint32) Mask {
	var m Mask
	if events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
		m |= Read
	}
	if events&unix.EPOLLOUT != 0 {
		m |= Write
	}
	if m == 0 {
		m = Read
	}
	return m
}

func drainEventfd(fd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}
