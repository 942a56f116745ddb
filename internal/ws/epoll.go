//go:build linux

package ws

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll reports which registered connections have data to read. Connections
// are identified by their socket file descriptor; the ConnectionManager maps
// a ready fd back to its Connection.
type Epoll struct {
	fd     int
	events []unix.EpollEvent // reused by Wait; only the event loop calls Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// prepareConn returns the connection to read from and its socket fd.
func prepareConn(conn net.Conn) (net.Conn, int) {
	return conn, socketFD(conn)
}

// Watch adds the connection's fd to the interest list for read and hangup
// readiness.
func (e *Epoll) Watch(c *Connection) error {
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(c.Fd),
	})
}

// Unwatch removes the connection's fd from the interest list.
func (e *Epoll) Unwatch(c *Connection) error {
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, c.Fd, nil)
}

// Rearm is a no-op: the interest list is level-triggered, so an fd with
// unread data is reported again by the next Wait.
func (e *Epoll) Rearm(int) {}

// Wait blocks until at least one watched fd is readable and returns the ready
// fds.
func (e *Epoll) Wait() ([]int, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}
	fds := make([]int, n)
	for i := 0; i < n; i++ {
		fds[i] = int(e.events[i].Fd)
	}
	return fds, nil
}

// Close closes the epoll file descriptor, which makes a blocked Wait return.
func (e *Epoll) Close() error {
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor from a net.Conn through SyscallConn,
// which does not duplicate it the way File() does. Connections without a
// socket (net.Pipe in tests) report -1.
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
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
