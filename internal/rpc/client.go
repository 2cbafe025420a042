package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPoolSize is the default number of pooled connections per client.
const DefaultPoolSize = 10

var (
	// ErrTransport wraps every failure of the underlying connection. Callers
	// use it to tell connectivity loss apart from application errors.
	ErrTransport = errors.New("rpc transport failure")

	// ErrClientClosed is returned by calls on a closed client.
	ErrClientClosed = errors.New("rpc client closed")
)

// Client issues calls to one worker. At most one call is in flight per
// connection; up to the pool size calls run concurrently, so short calls such
// as cancel never queue behind a blocking interpret.
type Client struct {
	dialer Dialer
	nextID atomic.Uint64

	slots chan struct{}

	mu     sync.Mutex
	idle   []net.Conn
	closed bool
}

// NewClient creates a client. Connections are dialled lazily.
func NewClient(d Dialer, poolSize int) *Client {
	if poolSize < 1 {
		poolSize = DefaultPoolSize
	}
	return &Client{
		dialer: d,
		slots:  make(chan struct{}, poolSize),
	}
}

// Call invokes method with params and decodes the result into result, which
// may be nil. Application errors are returned as *Error; transport errors
// wrap ErrTransport.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
	defer func() { <-c.slots }()

	conn, err := c.acquire(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", method, ErrTransport, err)
	}

	resp, err := c.roundTrip(ctx, conn, method, params)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", method, ctx.Err())
		}
		return fmt.Errorf("%s: %w: %w", method, ErrTransport, err)
	}
	c.release(conn)

	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, conn net.Conn, method string, params any) (*Response, error) {
	req := Request{ID: c.nextID.Add(1), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		req.Params = raw
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	// Unblock the read if the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := WriteMessage(conn, &req); err != nil {
		return nil, err
	}
	var resp Response
	if err := ReadMessage(conn, &resp); err != nil {
		return nil, err
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)
	}
	return &resp, nil
}

func (c *Client) acquire(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if n := len(c.idle); n > 0 {
		conn := c.idle[n-1]
		c.idle = c.idle[:n-1]
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()
	return DialRetry(ctx, c.dialer)
}

func (c *Client) release(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return
	}
	c.idle = append(c.idle, conn)
}

// Close closes idle connections. In-flight calls finish on their own
// connections, which are then discarded.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, conn := range c.idle {
		conn.Close()
	}
	c.idle = nil
	return nil
}

// Ping calls isRunning and reports whether the worker answered that it runs.
func (c *Client) Ping(ctx context.Context) bool {
	var st StatusResult
	if err := c.Call(ctx, MethodIsRunning, nil, &st); err != nil {
		return false
	}
	return st.Running
}

// Status calls isRunning and returns the worker's answer.
func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	var st StatusResult
	err := c.Call(ctx, MethodIsRunning, nil, &st)
	return st, err
}
