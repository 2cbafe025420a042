package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("rpc server closed")

// Handler dispatches one decoded request. Returning an *Error passes its code
// to the client; any other error is reported as CodeInternal.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	return f(ctx, method, params)
}

// Server accepts connections and serves requests sequentially per connection.
type Server struct {
	handler Handler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewServer creates a server dispatching to h.
func NewServer(h Handler, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler: h,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on l until the listener fails or Close is called.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return ErrServerClosed
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Go(func() { s.serveConn(conn) })
	}
}

// serveConn reads requests on their own goroutine so that a peer hanging up
// mid-call cancels the context of the request being handled.
func (s *Server) serveConn(conn net.Conn) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	reqs := make(chan *Request)
	go func() {
		defer close(reqs)
		defer cancel()
		for {
			var req Request
			if err := ReadMessage(conn, &req); err != nil {
				return
			}
			select {
			case reqs <- &req:
			case <-ctx.Done():
				return
			}
		}
	}()

	for req := range reqs {
		resp := s.dispatch(ctx, req)
		if err := WriteMessage(conn, resp); err != nil {
			s.logger.Debug("write response failed", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (resp *Response) {
	resp = &Response{ID: req.ID}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rpc handler panic", "method", req.Method, "panic", r)
			resp.Result = nil
			resp.Error = Errorf(CodeInternal, "handler panic: %v", r)
		}
	}()

	result, err := s.handler.Handle(ctx, req.Method, req.Params)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			resp.Error = rpcErr
		} else {
			resp.Error = &Error{Code: CodeInternal, Message: err.Error()}
		}
		return resp
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = Errorf(CodeInternal, "encode result: %v", err)
			return resp
		}
		resp.Result = raw
	}
	return resp
}

// Close stops the listeners and closes every open connection. Handlers still
// running see their context cancelled.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, l := range s.listeners {
		l.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.cancel()
	return nil
}

// Wait blocks until every connection goroutine has exited or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
