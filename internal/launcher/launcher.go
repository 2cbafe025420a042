// Package launcher starts and stops interpreter worker processes. A launcher
// turns a LaunchRequest into a reachable Endpoint and reuses the live worker
// when asked again for the same group.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/seantiz/interplex/internal/recovery"
	"github.com/seantiz/interplex/internal/rpc"
)

// ErrLaunch wraps every failure to bring a worker up.
var ErrLaunch = errors.New("launch worker")

// Session scopes.
const (
	ScopeShared   = "shared"
	ScopeIsolated = "isolated"
)

// Request describes the worker to start.
type Request struct {
	GroupID string
	// SessionScope is ScopeShared, ScopeIsolated, or a concrete session id.
	SessionScope string
	// SettingGroup names the interpreter setting the group belongs to.
	SettingGroup    string
	Properties      map[string]string
	ConnectTimeout  time.Duration
	ConnectPoolSize int
}

// Endpoint is how to reach a running worker.
type Endpoint struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Transport string `json:"transport"`
	VsockPath string `json:"vsock_path,omitempty"`
	VsockPort uint32 `json:"vsock_port,omitempty"`
	Launcher  string `json:"launcher"`
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	if e.Transport == recovery.TransportVsock {
		return fmt.Sprintf("vsock://%s:%d", e.VsockPath, e.VsockPort)
	}
	return "tcp://" + e.Addr()
}

// Dialer returns an RPC dialer for the endpoint.
func (e Endpoint) Dialer() rpc.Dialer {
	if e.Transport == recovery.TransportVsock {
		return rpc.VsockUDSDialer{Path: e.VsockPath, Port: e.VsockPort}
	}
	return rpc.TCPDialer{Addr: e.Addr()}
}

// Entry converts the endpoint into a recovery entry for groupID.
func (e Endpoint) Entry(groupID, sessionID string) recovery.Entry {
	return recovery.Entry{
		GroupID:   groupID,
		SessionID: sessionID,
		Host:      e.Host,
		Port:      e.Port,
		Transport: e.Transport,
		VsockPath: e.VsockPath,
		VsockPort: e.VsockPort,
		Launcher:  e.Launcher,
	}
}

// EndpointFromEntry rebuilds an endpoint from a recovery entry.
func EndpointFromEntry(e recovery.Entry) Endpoint {
	transport := e.Transport
	if transport == "" {
		transport = recovery.TransportTCP
	}
	return Endpoint{
		Host:      e.Host,
		Port:      e.Port,
		Transport: transport,
		VsockPath: e.VsockPath,
		VsockPort: e.VsockPort,
		Launcher:  e.Launcher,
	}
}

// Launcher starts and stops workers.
type Launcher interface {
	// Name identifies the launcher in recovery entries.
	Name() string
	// Launch starts a worker for req.GroupID, or returns the endpoint of the
	// live one. It fails with an error wrapping ErrLaunch when the worker is
	// not reachable within req.ConnectTimeout.
	Launch(ctx context.Context, req Request) (Endpoint, error)
	// Stop terminates the worker for groupID. Stopping an unknown group is a
	// no-op.
	Stop(ctx context.Context, groupID string) error
}

// WaitReady calls the worker's isRunning method until it answers or timeout
// elapses.
func WaitReady(ctx context.Context, d rpc.Dialer, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := rpc.NewClient(d, 1)
	defer c.Close()

	backoff := 50 * time.Millisecond
	for {
		pingCtx, pingCancel := context.WithTimeout(ctx, time.Second)
		ok := c.Ping(pingCtx)
		pingCancel()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("worker not ready after %s: %w", timeout, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 500*time.Millisecond)
	}
}

// FreePort returns a TCP port that is free on host at the time of the call.
func FreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
