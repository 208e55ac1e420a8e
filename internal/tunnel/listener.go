package tunnel

import (
	"errors"
	"net"
	"net/http"
	"sync"
)

// ServeConn runs srv on a single connection and returns once that
// connection has been closed, either by the server or by a handler that
// hijacked it.
func ServeConn(srv *http.Server, conn net.Conn) error {
	l := newConnListener(conn)
	defer l.Close()
	err := srv.Serve(l)
	if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type trackedConn struct {
	net.Conn
	once   sync.Once
	closed chan struct{}
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.closed) })
	return err
}

type connListener struct {
	conn *trackedConn

	mu     sync.Mutex
	handed bool

	closeOnce sync.Once
	done      chan struct{}
}

func newConnListener(conn net.Conn) *connListener {
	return &connListener{
		conn: &trackedConn{Conn: conn, closed: make(chan struct{})},
		done: make(chan struct{}),
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if !l.handed {
		l.handed = true
		l.mu.Unlock()
		return l.conn, nil
	}
	l.mu.Unlock()
	select {
	case <-l.conn.closed:
	case <-l.done:
	}
	return nil, net.ErrClosed
}

func (l *connListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr { return l.conn.LocalAddr() }
