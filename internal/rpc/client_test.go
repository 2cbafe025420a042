package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type echoParams struct {
	Text  string        `json:"text"`
	Sleep time.Duration `json:"sleep"`
}

func echoHandler(calls *atomic.Int32) Handler {
	return HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		if calls != nil {
			calls.Add(1)
		}
		switch method {
		case "echo":
			var p echoParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, Errorf(CodeInvalidArgument, "bad params: %v", err)
			}
			if p.Sleep > 0 {
				select {
				case <-time.After(p.Sleep):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return p, nil
		case MethodIsRunning:
			return StatusResult{Running: true, Port: 1}, nil
		case "fail":
			return nil, errors.New("boom")
		case "panic":
			panic("handler exploded")
		default:
			return nil, Errorf(CodeNotFound, "unknown method %q", method)
		}
	})
}

func startServer(t *testing.T, h Handler) (*Server, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(h, testLogger())
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return srv, l.Addr().String()
}

func TestClientCall(t *testing.T) {
	_, addr := startServer(t, echoHandler(nil))
	c := NewClient(TCPDialer{Addr: addr}, 2)
	defer c.Close()

	var got echoParams
	if err := c.Call(context.Background(), "echo", echoParams{Text: "hi"}, &got); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got.Text != "hi" {
		t.Errorf("Text = %q, want hi", got.Text)
	}
}

func TestClientApplicationError(t *testing.T) {
	_, addr := startServer(t, echoHandler(nil))
	c := NewClient(TCPDialer{Addr: addr}, 1)
	defer c.Close()

	err := c.Call(context.Background(), "missing", nil, nil)
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
	if errors.Is(err, ErrTransport) {
		t.Error("application error reported as transport failure")
	}

	err = c.Call(context.Background(), "fail", nil, nil)
	if !IsCode(err, CodeInternal) {
		t.Fatalf("err = %v, want internal", err)
	}

	err = c.Call(context.Background(), "panic", nil, nil)
	if !IsCode(err, CodeInternal) {
		t.Fatalf("err = %v, want internal after panic", err)
	}

	// The connection survives application errors.
	if !c.Ping(context.Background()) {
		t.Error("Ping after application errors = false")
	}
}

func TestClientConcurrentCalls(t *testing.T) {
	_, addr := startServer(t, echoHandler(nil))
	c := NewClient(TCPDialer{Addr: addr}, 4)
	defer c.Close()

	start := time.Now()
	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			var got echoParams
			if err := c.Call(context.Background(), "echo", echoParams{Sleep: 200 * time.Millisecond}, &got); err != nil {
				t.Errorf("Call: %v", err)
			}
		})
	}
	wg.Wait()

	// Four pooled connections run the slow calls side by side.
	if elapsed := time.Since(start); elapsed > 700*time.Millisecond {
		t.Errorf("concurrent calls took %v, expected them to overlap", elapsed)
	}
}

func TestClientShortCallNotBlockedBySlowCall(t *testing.T) {
	_, addr := startServer(t, echoHandler(nil))
	c := NewClient(TCPDialer{Addr: addr}, 2)
	defer c.Close()

	slowDone := make(chan error, 1)
	go func() {
		slowDone <- c.Call(context.Background(), "echo", echoParams{Sleep: time.Second}, nil)
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if !c.Ping(ctx) {
		t.Fatal("Ping blocked behind a slow call")
	}
	if err := <-slowDone; err != nil {
		t.Fatalf("slow call: %v", err)
	}
}

func TestClientContextTimeout(t *testing.T) {
	_, addr := startServer(t, echoHandler(nil))
	c := NewClient(TCPDialer{Addr: addr}, 1)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, "echo", echoParams{Sleep: 2 * time.Second}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// A fresh connection replaces the abandoned one.
	if !c.Ping(context.Background()) {
		t.Error("Ping after timeout = false")
	}
}

func TestClientTransportFailure(t *testing.T) {
	srv, addr := startServer(t, echoHandler(nil))
	c := NewClient(TCPDialer{Addr: addr}, 1)
	defer c.Close()

	if !c.Ping(context.Background()) {
		t.Fatal("Ping = false before server close")
	}
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := c.Call(ctx, "echo", echoParams{Text: "x"}, nil)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestClientClosed(t *testing.T) {
	_, addr := startServer(t, echoHandler(nil))
	c := NewClient(TCPDialer{Addr: addr}, 1)
	c.Close()

	err := c.Call(context.Background(), "echo", echoParams{}, nil)
	if !errors.Is(err, ErrClientClosed) {
		t.Fatalf("err = %v, want ErrClientClosed", err)
	}
}

func TestServerCloseUnblocksServe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(echoHandler(nil), testLogger())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()

	time.Sleep(20 * time.Millisecond)
	srv.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve = %v, want ErrServerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Wait(ctx); err != nil {
		t.Errorf("Wait: %v", err)
	}
}

func TestServerCancelsHandlerWhenClientHangsUp(t *testing.T) {
	cancelled := make(chan struct{})
	_, addr := startServer(t, HandlerFunc(func(ctx context.Context, method string, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}))
	c := NewClient(TCPDialer{Addr: addr}, 1)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Call(ctx, "block", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// The client drops the connection of a timed-out call.
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context not cancelled after the client hung up")
	}
}

func TestServerServesSequentialRequestsOnOneConnection(t *testing.T) {
	var calls atomic.Int32
	_, addr := startServer(t, echoHandler(&calls))
	c := NewClient(TCPDialer{Addr: addr}, 1)
	defer c.Close()

	for i := range 5 {
		var got echoParams
		if err := c.Call(context.Background(), "echo", echoParams{Text: "x"}, &got); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if n := calls.Load(); n != 5 {
		t.Errorf("calls = %d, want 5", n)
	}
}
