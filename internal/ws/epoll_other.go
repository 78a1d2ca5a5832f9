//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll emulates readiness notification where epoll is unavailable. Each
// connection is offered to Wait, then held until the server calls Resume
// after reading from it. Nothing is read from the socket here.
type Epoll struct {
	mu      sync.Mutex
	resume  map[net.Conn]chan struct{}
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates the emulated poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		resume:  make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

func (e *Epoll) Add(conn net.Conn) error {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	e.resume[conn] = ch
	e.mu.Unlock()
	go e.monitor(conn, ch)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, resume chan struct{}) {
	for {
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Resume offers conn to Wait again.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.resume[conn]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.resume[conn]; ok {
		delete(e.resume, conn)
		close(ch)
	}
	return nil
}

func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
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

func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func socketFD(net.Conn) int { return -1 }

func isEINTR(error) bool { return false }
