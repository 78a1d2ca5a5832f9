//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const waitTimeoutMs = 200

// Epoll reports which registered connections have data to read, so reads
// run on a bounded worker pool instead of a goroutine per socket.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]net.Conn
	events []unix.EpollEvent
}

// NewEpoll creates an epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		conns:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add watches conn for readability and hang-up.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return unix.EBADF
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	e.mu.Lock()
	e.conns[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	e.mu.Lock()
	delete(e.conns, fd)
	e.mu.Unlock()
	if fd < 0 {
		return nil
	}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Resume is a no-op: epoll is level-triggered and keeps reporting a socket
// while it has unread data.
func (e *Epoll) Resume(net.Conn) {}

// Wait returns the readable connections. It wakes at least every
// waitTimeoutMs so the event loop can observe shutdown.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	ready := make([]net.Conn, 0, n)
	for _, ev := range e.events[:n] {
		if conn, ok := e.conns[int(ev.Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	return ready, nil
}

// Close releases the epoll descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD returns conn's descriptor without dup'ing it, or -1.
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
	raw.Control(func(sfd uintptr) { fd = int(sfd) })
	return fd
}

func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
