package relay

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	inet "github.com/guseggert/cmdrelay/internal/net"
)

// ErrListenerClosed is returned by Accept once the listener has been closed.
var ErrListenerClosed = errors.New("listener closed")

// Listener is the server's listening socket. Close may be called from any goroutine, any number of times;
// only the first call closes the socket.
type Listener struct {
	ln        net.Listener
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Listen binds addr with SO_REUSEADDR and the given backlog.
func Listen(addr string, backlog int) (*Listener, error) {
	ln, err := inet.ListenTCP(addr, backlog)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for the next connection, retrying calls interrupted by a signal.
func (l *Listener) Accept() (net.Conn, error) {
	for {
		if l.closed.Load() {
			return nil, ErrListenerClosed
		}
		conn, err := l.ln.Accept()
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if l.closed.Load() || errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, fmt.Errorf("accepting connection: %w", err)
	}
}

func (l *Listener) Closed() bool {
	return l.closed.Load()
}

func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.closeErr = l.ln.Close()
	})
	return l.closeErr
}
