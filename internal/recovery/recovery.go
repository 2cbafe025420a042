// Package recovery persists the endpoints of running worker processes so a
// restarted coordinator can reattach to them instead of launching new ones.
package recovery

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no entry exists for a group.
var ErrNotFound = errors.New("recovery entry not found")

// Transport names.
const (
	TransportTCP   = "tcp"
	TransportVsock = "vsock"
)

// Entry records how to reach the worker hosting one interpreter group.
type Entry struct {
	GroupID   string `json:"group_id" toml:"group_id"`
	SessionID string `json:"session_id" toml:"session_id"`
	Host      string `json:"host" toml:"host"`
	Port      int    `json:"port" toml:"port"`

	// Transport is "tcp" or "vsock". A vsock worker is reached through the
	// Unix socket at VsockPath.
	Transport string `json:"transport" toml:"transport"`
	VsockPath string `json:"vsock_path,omitempty" toml:"vsock_path,omitempty"`
	VsockPort uint32 `json:"vsock_port,omitempty" toml:"vsock_port,omitempty"`

	// Launcher names the launcher that started the worker.
	Launcher  string    `json:"launcher" toml:"launcher"`
	UpdatedAt time.Time `json:"updated_at" toml:"updated_at"`
}

// Storage is the durable record of live workers. Writes from concurrent
// coordinators race with last-writer-wins semantics.
type Storage interface {
	// Persist inserts or replaces the entry for e.GroupID.
	Persist(ctx context.Context, e Entry) error
	// Remove deletes the entry for groupID. Removing a missing entry is not
	// an error.
	Remove(ctx context.Context, groupID string) error
	// Get returns the entry for groupID or ErrNotFound.
	Get(ctx context.Context, groupID string) (Entry, error)
	// List returns every entry ordered by group id.
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

var timeNow = time.Now

// NoopStorage keeps nothing. Used when recovery is disabled.
type NoopStorage struct{}

var _ Storage = NoopStorage{}

func (NoopStorage) Persist(context.Context, Entry) error  { return nil }
func (NoopStorage) Remove(context.Context, string) error  { return nil }
func (NoopStorage) List(context.Context) ([]Entry, error) { return nil, nil }
func (NoopStorage) Close() error                          { return nil }

func (NoopStorage) Get(context.Context, string) (Entry, error) {
	return Entry{}, ErrNotFound
}
