//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the fallback poller for platforms without epoll. It cannot peek
// at a socket without consuming bytes, so it reports every connection as
// ready once and waits for Rearm before reporting it again. The worker then
// blocks in the frame read until data arrives or the read deadline expires.
type Epoll struct {
	mu      sync.Mutex
	armed   map[net.Conn]chan struct{}
	readyCh chan net.Conn
	done    chan struct{}
}

func NewEpoll() (*Epoll, error) {
	return &Epoll{
		armed:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

func (e *Epoll) Add(conn net.Conn) error {
	rearm := make(chan struct{}, 1)
	e.mu.Lock()
	e.armed[conn] = rearm
	e.mu.Unlock()

	go e.monitor(conn, rearm)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, rearm chan struct{}) {
	for {
		select {
		case e.readyCh <- conn:
		case <-e.done:
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

// Rearm lets the monitor report conn again after a worker finished with it.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.armed[conn]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	ch, ok := e.armed[conn]
	delete(e.armed, conn)
	e.mu.Unlock()
	if ok {
		close(ch)
	}
	return nil
}

// Wait blocks until at least one connection is ready and drains the rest
// without blocking.
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
	close(e.done)
	return nil
}

// socketFD is only used for logging off Linux.
func socketFD(net.Conn) (int, error) {
	return -1, nil
}
