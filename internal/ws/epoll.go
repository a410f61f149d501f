//go:build linux

package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// maxEvents bounds how many ready sockets one Wait call reports.
const maxEvents = 256

// Epoll is a level-triggered epoll set of client sockets. Workers read from
// the sockets it reports; it never reads them itself.
type Epoll struct {
	fd     int
	events []unix.EpollEvent

	mu    sync.RWMutex
	conns map[int32]net.Conn
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll create: %w", err)
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, maxEvents),
		conns:  make(map[int32]net.Conn),
	}, nil
}

// Add watches conn for readable data and peer hang-up.
func (e *Epoll) Add(conn net.Conn) error {
	fd, err := socketFD(conn)
	if err != nil {
		return err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("ws: epoll add fd %d: %w", fd, err)
	}

	e.mu.Lock()
	e.conns[int32(fd)] = conn
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn. A socket that is already closed has left the
// set on its own, so ENOENT and EBADF are not errors.
func (e *Epoll) Remove(conn net.Conn) error {
	fd, err := socketFD(conn)
	if err != nil {
		// Closed conns no longer expose an fd; drop the map entry by value.
		e.forget(conn)
		return nil
	}

	e.mu.Lock()
	delete(e.conns, int32(fd))
	e.mu.Unlock()

	err = unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("ws: epoll remove fd %d: %w", fd, err)
	}
	return nil
}

func (e *Epoll) forget(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for fd, c := range e.conns {
		if c == conn {
			delete(e.conns, fd)
			return
		}
	}
}

// Wait blocks until at least one socket is readable. Sockets removed while
// epoll_wait was returning are skipped. An interrupted wait returns EINTR
// and the caller retries. Wait must only be called from one goroutine.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	ready := make([]net.Conn, 0, n)
	e.mu.RLock()
	for _, ev := range e.events[:n] {
		if c, ok := e.conns[ev.Fd]; ok {
			ready = append(ready, c)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Rearm is a no-op; unread data is reported again on the next Wait.
func (e *Epoll) Rearm(net.Conn) {}

// Close releases the epoll descriptor. A Wait blocked on it returns an error.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.conns = make(map[int32]net.Conn)
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD reads the descriptor without dup'ing it, so the fd stays the one
// registered with epoll.
func socketFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("ws: %T has no file descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("ws: syscall conn: %w", err)
	}

	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, fmt.Errorf("ws: socket fd: %w", err)
	}
	return fd, nil
}
