package interpreter_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/interplex/internal/interpreter"
	"github.com/seantiz/interplex/internal/model"
	"github.com/seantiz/interplex/internal/resource"
	"github.com/seantiz/interplex/internal/scheduler"
)

// countingInterpreter records lifecycle calls.
type countingInterpreter struct {
	props    interpreter.Properties
	opens    atomic.Int32
	closed   atomic.Bool
	openErr  error
	openWait time.Duration
}

func (c *countingInterpreter) Open(context.Context) error {
	time.Sleep(c.openWait)
	c.opens.Add(1)
	return c.openErr
}

func (c *countingInterpreter) Interpret(_ context.Context, code string, ic *interpreter.Context) (*interpreter.Result, error) {
	switch code {
	case "combo":
		_, _ = ic.Out.WriteString("written")
		return interpreter.Success("returned"), nil
	case "html":
		return interpreter.Success("%html <b>x</b>"), nil
	case "nil":
		return nil, nil
	case "fault":
		return nil, errors.New("engine fault")
	}
	return interpreter.Success(code), nil
}

func (c *countingInterpreter) Cancel(*interpreter.Context) error { return nil }
func (c *countingInterpreter) Progress(*interpreter.Context) (int, error) { return 150, nil }
func (c *countingInterpreter) FormType() string { return model.FormNative }
func (c *countingInterpreter) Close() error {
	c.closed.Store(true)
	return nil
}

type testEnv struct {
	group      *interpreter.Group
	schedulers *scheduler.Factory
	created    []*countingInterpreter
}

func newTestGroup(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	env := &testEnv{schedulers: scheduler.NewFactory(logger)}

	reg := interpreter.NewRegistry()
	factory := func(props interpreter.Properties, _ interpreter.Env) (interpreter.Interpreter, error) {
		c := &countingInterpreter{props: props}
		env.created = append(env.created, c)
		return c, nil
	}
	reg.Register("A", factory)
	reg.Register("B", factory)

	pool := resource.NewDistributedPool(resource.NewPool("group_1"), nil)
	env.group = interpreter.NewGroup("group_1", reg, env.schedulers, pool, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = env.group.CloseAll(ctx)
	})
	return env
}

func sessionLen(t *testing.T, g *interpreter.Group, id string) int {
	t.Helper()
	s, ok := g.Session(id)
	require.True(t, ok, "session %s missing", id)
	return len(s)
}

func TestCreateInterpreterIdempotent(t *testing.T) {
	env := newTestGroup(t)
	g := env.group
	props := interpreter.Properties{"property_1": "value_1"}

	l1, created, err := g.CreateInterpreter("session_1", "A", props, "user_1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, g.SessionCount())
	assert.Equal(t, 1, sessionLen(t, g, "session_1"))
	assert.Equal(t, "value_1", env.created[0].props.Get("property_1", ""))

	l2, created, err := g.CreateInterpreter("session_1", "A", props, "user_1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, l1, l2)
	assert.Equal(t, 1, sessionLen(t, g, "session_1"))

	_, _, err = g.CreateInterpreter("session_1", "B", props, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 2, sessionLen(t, g, "session_1"))

	_, _, err = g.CreateInterpreter("session_2", "A", props, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 2, g.SessionCount())
	assert.Equal(t, 2, sessionLen(t, g, "session_1"))
	assert.Equal(t, 1, sessionLen(t, g, "session_2"))

	s, _ := g.Session("session_1")
	assert.Equal(t, "A", s[0].ClassName())
	assert.Equal(t, "B", s[1].ClassName())
}

func TestCreateInterpreterUnknownClass(t *testing.T) {
	env := newTestGroup(t)
	_, _, err := env.group.CreateInterpreter("s", "missing", nil, "")
	assert.ErrorIs(t, err, interpreter.ErrUnknownClass)
}

func TestGetInterpreter(t *testing.T) {
	env := newTestGroup(t)
	_, _, err := env.group.CreateInterpreter("s", "A", nil, "")
	require.NoError(t, err)

	l, err := env.group.Get("s", "A")
	require.NoError(t, err)
	assert.Equal(t, "s", l.SessionID())

	_, err = env.group.Get("s", "B")
	assert.ErrorIs(t, err, interpreter.ErrInterpreterNotFound)
	_, err = env.group.Get("other", "A")
	assert.ErrorIs(t, err, interpreter.ErrSessionNotFound)
}

func TestCloseOpenedRemovesUnopenedKeeps(t *testing.T) {
	env := newTestGroup(t)
	g := env.group

	a, _, _ := g.CreateInterpreter("session_1", "A", nil, "")
	_, _, _ = g.CreateInterpreter("session_1", "B", nil, "")
	_, _, _ = g.CreateInterpreter("session_2", "A", nil, "")

	require.NoError(t, a.Open(context.Background()))

	require.NoError(t, g.Close("session_1", "A"))
	assert.True(t, env.created[0].closed.Load())
	assert.True(t, a.Closed())
	assert.Equal(t, 1, sessionLen(t, g, "session_1"))

	// B never opened: close is a silent no-op and B stays registered.
	require.NoError(t, g.Close("session_1", "B"))
	assert.Equal(t, 1, sessionLen(t, g, "session_1"))
	assert.False(t, env.created[1].closed.Load())

	// Other sessions are untouched.
	assert.Equal(t, 1, sessionLen(t, g, "session_2"))

	// Closing unknown keys is harmless.
	require.NoError(t, g.Close("nope", "A"))
	require.NoError(t, g.Close("session_1", "nope"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Scheduler().Wait(ctx))
	assert.False(t, env.schedulers.Live(a.Scheduler().Name()))
}

func TestCloseAllClosesEverything(t *testing.T) {
	env := newTestGroup(t)
	g := env.group

	a, _, _ := g.CreateInterpreter("s1", "A", nil, "")
	b, _, _ := g.CreateInterpreter("s1", "B", nil, "")
	c, _, _ := g.CreateInterpreter("s2", "A", nil, "")
	require.NoError(t, a.Open(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.CloseAll(ctx))

	for _, l := range []*interpreter.LazyInterpreter{a, b, c} {
		assert.True(t, l.Closed(), "%s/%s not closed", l.SessionID(), l.ClassName())
		assert.False(t, env.schedulers.Live(l.Scheduler().Name()))
	}
	assert.True(t, env.created[0].closed.Load())
	assert.False(t, env.created[1].closed.Load(), "unopened adapter must not be closed")
	assert.Empty(t, env.schedulers.Names())

	_, _, err := g.CreateInterpreter("s3", "A", nil, "")
	assert.ErrorIs(t, err, interpreter.ErrGroupClosed)
}

func TestLazyOpenOnce(t *testing.T) {
	env := newTestGroup(t)
	l, _, _ := env.group.CreateInterpreter("s", "A", nil, "")
	env.created[0].openWait = 20 * time.Millisecond

	done := make(chan error, 4)
	for range 4 {
		go func() { done <- l.Open(context.Background()) }()
	}
	for range 4 {
		require.NoError(t, <-done)
	}
	assert.Equal(t, int32(1), env.created[0].opens.Load())
	assert.True(t, l.Opened())
}

func TestLazyOpenFailureStaysUnopened(t *testing.T) {
	env := newTestGroup(t)
	l, _, _ := env.group.CreateInterpreter("s", "A", nil, "")
	env.created[0].openErr = errors.New("no engine")

	require.Error(t, l.Open(context.Background()))
	assert.Equal(t, interpreter.StateUnopened, l.State())
}

func TestLazyInterpretMergesOutput(t *testing.T) {
	env := newTestGroup(t)
	l, _, _ := env.group.CreateInterpreter("s", "A", nil, "")
	ctx := context.Background()

	res, err := l.Interpret(ctx, "combo", &interpreter.Context{})
	require.NoError(t, err)
	assert.Equal(t, model.CodeSuccess, res.Code)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "written", res.Messages[0].Data)
	assert.Equal(t, "returned", res.Messages[1].Data)
	assert.True(t, l.Opened())

	res, err = l.Interpret(ctx, "html", &interpreter.Context{})
	require.NoError(t, err)
	assert.Equal(t, interpreter.TypeHTML, res.Messages[0].Type)
	assert.Equal(t, "<b>x</b>", res.Messages[0].Data)

	res, err = l.Interpret(ctx, "nil", &interpreter.Context{})
	require.NoError(t, err)
	assert.Equal(t, model.CodeSuccess, res.Code)

	_, err = l.Interpret(ctx, "fault", &interpreter.Context{})
	assert.Error(t, err)
}

func TestLazyProgressClampedAndFormType(t *testing.T) {
	env := newTestGroup(t)
	l, _, _ := env.group.CreateInterpreter("s", "A", nil, "")

	p, err := l.Progress(&interpreter.Context{})
	require.NoError(t, err)
	assert.Equal(t, 0, p, "unopened interpreter reports no progress")

	require.NoError(t, l.Open(context.Background()))
	p, err = l.Progress(&interpreter.Context{})
	require.NoError(t, err)
	assert.Equal(t, 100, p)
	assert.Equal(t, model.FormNative, l.FormType())
}

func TestOutputMessages(t *testing.T) {
	out := interpreter.NewOutput()
	_, _ = out.WriteString("a")
	_, _ = out.WriteString("b")
	out.NewMessage(interpreter.TypeHTML)
	_, _ = out.WriteString("<p/>")
	out.NewMessage(interpreter.TypeTable)

	msgs := out.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, interpreter.Message{Type: interpreter.TypeText, Data: "ab"}, msgs[0])
	assert.Equal(t, interpreter.Message{Type: interpreter.TypeHTML, Data: "<p/>"}, msgs[1])
}

func TestRegistryList(t *testing.T) {
	reg := interpreter.NewRegistry()
	reg.Register("b", nil)
	reg.Register("a", nil)
	assert.Equal(t, []string{"a", "b"}, reg.List())
}
