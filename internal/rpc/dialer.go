package rpc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Dialer opens a transport connection to a worker.
type Dialer interface {
	DialContext(ctx context.Context) (net.Conn, error)
}

// TCPDialer dials a worker at host:port.
type TCPDialer struct {
	Addr string
}

// DialContext implements Dialer.
func (d TCPDialer) DialContext(ctx context.Context) (net.Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", d.Addr, err)
	}
	return conn, nil
}

// VsockUDSDialer reaches a worker inside a Firecracker microVM through the
// vsock Unix socket bridge. Protocol: send "CONNECT <port>\n", receive
// "OK <host_port>\n".
type VsockUDSDialer struct {
	Path string
	Port uint32
}

// DialContext implements Dialer.
func (d VsockUDSDialer) DialContext(ctx context.Context) (net.Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "unix", d.Path)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", d.Path, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", d.Port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// Keep the buffered reader for all subsequent reads so bytes read ahead
	// during the handshake are not lost.
	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &bufferedConn{Conn: conn, reader: reader}, nil
}

type bufferedConn struct {
	net.Conn
	reader io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// DialRetry dials with exponential backoff until it succeeds, attempts run
// out, or ctx is done.
func DialRetry(ctx context.Context, d Dialer) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial: %w", ctx.Err())
		default:
		}

		conn, err := d.DialContext(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial after %d attempts: %w", dialMaxRetries, lastErr)
}

// Reachable reports whether a TCP connection to addr can be opened within
// timeout.
func Reachable(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
