//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var errNotSocket = errors.New("ws: connection has no socket descriptor")

// Epoll registers player sockets with a Linux epoll instance so idle
// connections cost no goroutine. It is level-triggered: a socket with
// unread data is reported again on every Wait.
type Epoll struct {
	epfd int

	mu      sync.RWMutex
	watched map[int32]net.Conn
	buf     []unix.EpollEvent
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		epfd:    epfd,
		watched: make(map[int32]net.Conn),
		buf:     make([]unix.EpollEvent, 128),
	}, nil
}

// Wrap returns conn unchanged; epoll watches the socket itself.
func (e *Epoll) Wrap(conn net.Conn) net.Conn { return conn }

// Rearm is a no-op on Linux.
func (e *Epoll) Rearm(net.Conn) {}

func (e *Epoll) ctl(op int, conn net.Conn) (int32, error) {
	fd := socketFD(conn)
	if fd < 0 {
		return 0, errNotSocket
	}
	var ev *unix.EpollEvent
	if op == unix.EPOLL_CTL_ADD {
		ev = &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP, Fd: int32(fd)}
	}
	return int32(fd), unix.EpollCtl(e.epfd, op, fd, ev)
}

// Add starts watching conn.
func (e *Epoll) Add(conn net.Conn) error {
	fd, err := e.ctl(unix.EPOLL_CTL_ADD, conn)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.watched[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	fd, err := e.ctl(unix.EPOLL_CTL_DEL, conn)
	e.mu.Lock()
	delete(e.watched, fd)
	e.mu.Unlock()
	return err
}

// Wait returns the connections that became readable within timeout. Both an
// elapsed timeout and a signal interruption yield an empty result. Sockets
// removed while epoll_wait was returning are skipped.
func (e *Epoll) Wait(timeout time.Duration) ([]net.Conn, error) {
	n, err := unix.EpollWait(e.epfd, e.buf, int(timeout.Milliseconds()))
	if errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ready := make([]net.Conn, 0, n)
	e.mu.RLock()
	for _, ev := range e.buf[:n] {
		if conn, ok := e.watched[ev.Fd]; ok {
			ready = append(ready, conn)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Close releases the epoll descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	clear(e.watched)
	e.mu.Unlock()
	return unix.Close(e.epfd)
}

// socketFD returns the descriptor behind conn without duplicating it, or -1
// when conn is not backed by a socket.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1
	}
	return fd
}
