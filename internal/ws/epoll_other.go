//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// Epoll is the portable stand-in for the Linux poller so the gateway runs
// on developer machines. Each watched connection has a goroutine that
// blocks on a one-byte read, keeps the byte for the next reader and reports
// the connection ready. It does not read again until the frame has been
// consumed and the server calls Rearm.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// peekConn hands back the byte the monitor read before reading further.
type peekConn struct {
	net.Conn
	mu      sync.Mutex
	pending []byte
	rearm   chan struct{}
}

func (p *peekConn) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 && len(b) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()
	return p.Conn.Read(b)
}

// Wrap returns the connection the server must read from and register.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, rearm: make(chan struct{}, 1)}
}

// Add starts watching a connection returned by Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		pc = e.Wrap(conn).(*peekConn)
	}
	e.mu.Lock()
	e.conns[pc] = struct{}{}
	e.mu.Unlock()

	go e.monitor(pc)
	return nil
}

func (e *Epoll) monitor(pc *peekConn) {
	buf := make([]byte, 1)
	for {
		n, err := pc.Conn.Read(buf)
		if n > 0 {
			pc.mu.Lock()
			pc.pending = append(pc.pending, buf[:n]...)
			pc.mu.Unlock()
		}
		select {
		case e.readyCh <- pc:
		case <-e.done:
			return
		}
		if err != nil || !e.watching(pc) {
			return
		}
		select {
		case <-pc.rearm:
		case <-e.done:
			return
		}
	}
}

// Rearm lets the monitor wait for the next frame.
func (e *Epoll) Rearm(conn net.Conn) {
	if pc, ok := conn.(*peekConn); ok {
		select {
		case pc.rearm <- struct{}{}:
		default:
		}
	}
}

func (e *Epoll) watching(conn net.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.conns[conn]
	return ok
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait returns the connections that became ready within timeout.
func (e *Epoll) Wait(timeout time.Duration) ([]net.Conn, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-timer.C:
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every monitor goroutine.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]struct{})
	e.mu.Unlock()
	return nil
}

func socketFD(net.Conn) int {
	return -1
}
