//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
)

// Epoll emulates readiness notification with one watcher goroutine per
// connection on platforms without epoll. Each watcher peeks a byte through a
// buffered reader, reports the connection ready, then waits for Rearm before
// peeking again so it never reads concurrently with a worker.
type Epoll struct {
	mu      sync.Mutex
	rearm   map[int]chan struct{}
	readyCh chan int
	done    chan struct{}
	once    sync.Once
}

var nextFD atomic.Int64

// peekConn routes reads through a buffered reader shared with the watcher.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekConn) Read(b []byte) (int, error) { return p.r.Read(b) }

// NewEpoll creates the fallback readiness notifier.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		rearm:   make(map[int]chan struct{}),
		readyCh: make(chan int, 128),
		done:    make(chan struct{}),
	}, nil
}

// prepareConn wraps conn so the watcher can peek without losing bytes and
// hands out a synthetic descriptor for lookups.
func prepareConn(conn net.Conn) (net.Conn, int) {
	return &peekConn{Conn: conn, r: bufio.NewReader(conn)}, int(nextFD.Add(1))
}

// Watch starts the watcher goroutine for c.
func (e *Epoll) Watch(c *Connection) error {
	pc, ok := c.Conn.(*peekConn)
	if !ok {
		pc = &peekConn{Conn: c.Conn, r: bufio.NewReader(c.Conn)}
		c.Conn = pc
	}
	rearm := make(chan struct{}, 1)
	e.mu.Lock()
	e.rearm[c.Fd] = rearm
	e.mu.Unlock()

	go e.watch(c.Fd, pc, rearm)
	return nil
}

func (e *Epoll) watch(fd int, pc *peekConn, rearm chan struct{}) {
	for {
		_, err := pc.r.Peek(1)

		select {
		case e.readyCh <- fd:
		case <-e.done:
			return
		}
		if err != nil {
			// The worker's read observes the same error and removes the
			// connection.
			return
		}

		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Unwatch stops the watcher for c once it next wakes.
func (e *Epoll) Unwatch(c *Connection) error {
	e.mu.Lock()
	if ch, ok := e.rearm[c.Fd]; ok {
		delete(e.rearm, c.Fd)
		close(ch)
	}
	e.mu.Unlock()
	return nil
}

// Rearm lets the watcher for fd report readiness again.
func (e *Epoll) Rearm(fd int) {
	e.mu.Lock()
	ch, ok := e.rearm[fd]
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	e.mu.Unlock()
}

// Wait blocks until at least one connection is ready and drains any others
// that are already queued.
func (e *Epoll) Wait() ([]int, error) {
	var first int
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	fds := []int{first}
	for {
		select {
		case fd := <-e.readyCh:
			fds = append(fds, fd)
		default:
			return fds, nil
		}
	}
}

// Close stops all watchers and unblocks Wait.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}
