//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll multiplexes reads across every WebSocket using the Linux epoll
// syscalls. Descriptors are registered with the kernel and the event loop
// wakes only when a socket has data, so idle connections cost no goroutine.
type Epoll struct {
	fd    int
	mu    sync.RWMutex     // protects conns
	conns map[int]net.Conn // fd -> net.Conn

	// events is the reusable buffer handed to epoll_wait. Only Wait touches
	// it, and Wait has a single caller (the server event loop).
	events []unix.EpollEvent
}

// NewEpoll opens an epoll instance with an initial 128-event buffer.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		conns:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers a network connection for read readiness notifications.
// EPOLLRDHUP is included so peers that half-close their socket wake the
// event loop instead of lingering until the heartbeat evicts them.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.conns[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove unregisters a network connection from the epoll interest list and
// drops it from the fd map.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.conns, fd)
	e.mu.Unlock()
	return nil
}

// Wait blocks until one or more registered connections are ready for reading
// and returns them. EINTR wakeups are retried internally. Descriptors that
// were removed between epoll_wait returning and the map lookup are skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var n int
	for {
		var err error
		n, err = unix.EpollWait(e.fd, e.events, -1)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.conns[int(e.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()

	// A full buffer means more connections may be ready than we could see.
	// Grow it so a busy server drains readiness in fewer syscalls.
	if n == len(e.events) {
		e.events = make([]unix.EpollEvent, 2*len(e.events))
	}

	return conns, nil
}

// Close releases the epoll descriptor and forgets all registrations.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns = nil
	return unix.Close(e.fd)
}
