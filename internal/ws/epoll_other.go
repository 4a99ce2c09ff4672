//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is a goroutine-per-connection stand-in for platforms without epoll.
// It exists so the server can be developed and demoed on macOS or Windows;
// production deployments run the Linux implementation. The monitor goroutine
// consumes one byte per readiness signal, which the frame reader never sees,
// so this fallback is not wire-exact under pipelined client frames.
type Epoll struct {
	mu    sync.RWMutex
	conns map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns: make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its monitor goroutine.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.monitor(conn)
	return nil
}

// monitor blocks on a 1-byte read to detect incoming data, then signals
// readiness. A read error also signals readiness so the server's read path
// observes the closure and tears the connection down.
func (e *Epoll) monitor(conn net.Conn) {
	var buf [1]byte
	for {
		_, err := conn.Read(buf[:])

		select {
		case e.ready <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Remove unregisters a connection. Its monitor goroutine exits on the next
// read error once the server closes the socket.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection signals readiness, then drains
// any further signals without blocking and returns the batch.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.ready
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.ready:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts the fallback poller down.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}
