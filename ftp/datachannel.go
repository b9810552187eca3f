package ftp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

var errDataChannelClosed = errors.New("data channel closed")

// dataChannel is the single data connection slot of a session.
// In passive mode a background goroutine accepts exactly one connection and
// stores it under mu; in active mode the connection is installed up front.
type dataChannel struct {
	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
	err      error
	closed   bool
	// ready is closed once conn or err is final
	ready chan struct{}
}

// newPassiveChannel starts accepting on l. The listener is closed after the
// first connection or once timeout elapses.
func newPassiveChannel(l net.Listener, timeout time.Duration) *dataChannel {
	d := &dataChannel{
		listener: l,
		ready:    make(chan struct{}),
	}
	go d.accept(timeout)
	return d
}

func newActiveChannel(conn net.Conn) *dataChannel {
	d := &dataChannel{
		conn:  conn,
		ready: make(chan struct{}),
	}
	close(d.ready)
	return d
}

func (d *dataChannel) accept(timeout time.Duration) {
	defer close(d.ready)

	if dl, ok := d.listener.(interface{ SetDeadline(time.Time) error }); ok && timeout > 0 {
		_ = dl.SetDeadline(time.Now().Add(timeout))
	}
	conn, err := d.listener.Accept()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener != nil {
		_ = d.listener.Close()
		d.listener = nil
	}
	if d.closed {
		if conn != nil {
			conn.Close()
		}
		d.err = errDataChannelClosed
		return
	}
	if err != nil {
		d.err = fmt.Errorf("error accepting data connection: %w", err)
		return
	}
	d.conn = conn
}

// Conn waits for the data connection.
func (d *dataChannel) Conn() (net.Conn, error) {
	if d == nil {
		return nil, errDataChannelClosed
	}
	<-d.ready
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errDataChannelClosed
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

// Close releases the listener and the connection. Calling it again is a no-op.
func (d *dataChannel) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var result *multierror.Error
	if d.listener != nil {
		if err := d.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("error closing data listener: %w", err))
		}
		d.listener = nil
	}
	if d.conn != nil {
		if err := d.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("error closing data connection: %w", err))
		}
		d.conn = nil
	}
	return result.ErrorOrNil()
}

// findAvailablePortInRange finds an available port in the given range.
// It returns a listener on the available port and the port number.
func findAvailablePortInRange(host string, start, end int) (net.Listener, int, error) {
	for port := start; port <= end; port++ {
		listener, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
		if err == nil {
			return listener, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no available ports found in range %d-%d", start, end)
}
