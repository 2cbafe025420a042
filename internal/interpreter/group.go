package interpreter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/seantiz/interplex/internal/model"
	"github.com/seantiz/interplex/internal/resource"
	"github.com/seantiz/interplex/internal/scheduler"
)

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInterpreterNotFound is returned when a session has no interpreter of
	// the requested class.
	ErrInterpreterNotFound = errors.New("interpreter not found")

	// ErrGroupClosed is returned after Group.Close.
	ErrGroupClosed = errors.New("interpreter group closed")
)

// Session is an ordered list of interpreters, at most one per class name.
type Session struct {
	id           string
	interpreters []*LazyInterpreter
}

func (s *Session) find(className string) (int, *LazyInterpreter) {
	for i, l := range s.interpreters {
		if l.className == className {
			return i, l
		}
	}
	return -1, nil
}

// Group holds every session hosted by one worker process. Session and
// interpreter bookkeeping is serialized by the group lock.
type Group struct {
	id         string
	registry   *Registry
	schedulers *scheduler.Factory
	resources  *resource.DistributedPool
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewGroup creates an empty interpreter group.
func NewGroup(id string, reg *Registry, schedulers *scheduler.Factory, pool *resource.DistributedPool, logger *slog.Logger) *Group {
	return &Group{
		id:         id,
		registry:   reg,
		schedulers: schedulers,
		resources:  pool,
		logger:     logger,
		sessions:   make(map[string]*Session),
	}
}

// ID returns the group id.
func (g *Group) ID() string { return g.id }

// Resources returns the group's resource pool.
func (g *Group) Resources() *resource.DistributedPool { return g.resources }

// CreateInterpreter creates the interpreter for (sessionID, className), or
// returns the existing one. The boolean reports whether a new instance was made.
func (g *Group) CreateInterpreter(sessionID, className string, props Properties, user string) (*LazyInterpreter, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, false, ErrGroupClosed
	}

	sess, ok := g.sessions[sessionID]
	if !ok {
		sess = &Session{id: sessionID}
		g.sessions[sessionID] = sess
	}
	if _, existing := sess.find(className); existing != nil {
		return existing, false, nil
	}

	factory, err := g.registry.Resolve(className)
	if err != nil {
		return nil, false, err
	}
	if props == nil {
		props = Properties{}
	}
	inner, err := factory(props, Env{
		GroupID:   g.id,
		SessionID: sessionID,
		ClassName: className,
		User:      user,
		Logger:    g.logger.With("class_name", className, "session_id", sessionID),
		Resources: g.resources,
	})
	if err != nil {
		return nil, false, fmt.Errorf("construct %s: %w", className, err)
	}

	policy := scheduler.FIFO()
	if pp, ok := inner.(PolicyProvider); ok {
		policy = pp.SchedulerPolicy()
	}
	name := fmt.Sprintf("%s-%s-%s", className, sessionID, model.NewID())
	l := newLazy(className, sessionID, inner, g.schedulers.Create(name, policy))
	sess.interpreters = append(sess.interpreters, l)

	g.logger.Info("interpreter created",
		"group_id", g.id,
		"session_id", sessionID,
		"class_name", className,
		"scheduler", name,
		"policy", policy.Name,
	)
	return l, true, nil
}

// Get returns the interpreter for (sessionID, className).
func (g *Group) Get(sessionID, className string) (*LazyInterpreter, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sess, ok := g.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	_, l := sess.find(className)
	if l == nil {
		return nil, fmt.Errorf("%w: %s in session %s", ErrInterpreterNotFound, className, sessionID)
	}
	return l, nil
}

// Session returns the interpreters of a session in creation order.
func (g *Group) Session(sessionID string) ([]*LazyInterpreter, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[sessionID]
	if !ok {
		return nil, false
	}
	out := make([]*LazyInterpreter, len(sess.interpreters))
	copy(out, sess.interpreters)
	return out, true
}

// SessionIDs returns the ids of all sessions, sorted.
func (g *Group) SessionIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SessionCount returns the number of sessions.
func (g *Group) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Close closes one interpreter. An opened interpreter is closed and removed
// from its session; an interpreter that never opened stays registered.
func (g *Group) Close(sessionID, className string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	sess, ok := g.sessions[sessionID]
	if !ok {
		return nil
	}
	i, l := sess.find(className)
	if l == nil {
		return nil
	}

	closed, err := l.Close()
	if !closed {
		g.logger.Debug("close skipped for unopened interpreter", "session_id", sessionID, "class_name", className)
		return nil
	}
	sess.interpreters = append(sess.interpreters[:i], sess.interpreters[i+1:]...)
	g.logger.Info("interpreter closed", "group_id", g.id, "session_id", sessionID, "class_name", className)
	return err
}

// CloseAll closes every interpreter in every session, then waits for their
// schedulers to stop or ctx to end.
func (g *Group) CloseAll(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	var all []*LazyInterpreter
	for _, sess := range g.sessions {
		all = append(all, sess.interpreters...)
	}
	g.mu.Unlock()

	var errs []error
	for _, l := range all {
		if err := l.destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range all {
		if err := l.sched.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for scheduler %s: %w", l.sched.Name(), err))
			break
		}
	}
	g.logger.Info("interpreter group closed", "group_id", g.id, "interpreters", len(all))
	return errors.Join(errs...)
}
