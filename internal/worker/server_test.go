package worker_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/interplex/internal/interpreter"
	"github.com/seantiz/interplex/internal/model"
	"github.com/seantiz/interplex/internal/rpc"
	"github.com/seantiz/interplex/internal/worker"
)

const (
	test1 = "test1"
	test2 = "test2"
)

type test1Interpreter struct {
	props     interpreter.Properties
	cancelled atomic.Bool
	closed    atomic.Bool
}

func (i *test1Interpreter) Open(context.Context) error { return nil }

func (i *test1Interpreter) Interpret(_ context.Context, code string, ic *interpreter.Context) (*interpreter.Result, error) {
	switch code {
	case "SINGLE_OUTPUT_SUCCESS":
		return interpreter.Success("SINGLE_OUTPUT_SUCCESS"), nil
	case "SINGLE_OUTPUT_ERROR":
		return interpreter.Error("SINGLE_OUTPUT_ERROR"), nil
	case "COMBO_OUTPUT_SUCCESS":
		_, _ = ic.Out.WriteString("INTERPRETER_OUT")
		return interpreter.Success("SINGLE_OUTPUT_SUCCESS"), nil
	case "SLEEP":
		// Ignores the job context; only the cancel flag ends the loop.
		for !i.cancelled.Load() {
			time.Sleep(10 * time.Millisecond)
		}
		return interpreter.Success("SLEEP_SUCCESS"), nil
	case "STREAM":
		_, _ = ic.Out.WriteString("first ")
		time.Sleep(300 * time.Millisecond)
		_, _ = ic.Out.WriteString("second")
		return interpreter.Success(), nil
	case "SLOW":
		// Ignores both the job context and Cancel.
		time.Sleep(300 * time.Millisecond)
		return interpreter.Success("SLOW_SUCCESS"), nil
	case "PUT":
		ic.Resources.Put("shared", "value", ic.Provenance(test1))
		return interpreter.Success(), nil
	}
	return nil, nil
}

func (i *test1Interpreter) Cancel(*interpreter.Context) error {
	i.cancelled.Store(true)
	return nil
}

func (i *test1Interpreter) Progress(*interpreter.Context) (int, error) { return 10, nil }
func (i *test1Interpreter) FormType() string                          { return model.FormNative }

func (i *test1Interpreter) Close() error {
	i.closed.Store(true)
	return nil
}

type test2Interpreter struct{}

func (test2Interpreter) Open(context.Context) error { return nil }
func (test2Interpreter) Interpret(context.Context, string, *interpreter.Context) (*interpreter.Result, error) {
	return nil, nil
}
func (test2Interpreter) Cancel(*interpreter.Context) error          { return nil }
func (test2Interpreter) Progress(*interpreter.Context) (int, error) { return 0, nil }
func (test2Interpreter) FormType() string                          { return model.FormNative }
func (test2Interpreter) Close() error                              { return nil }

type harness struct {
	server *worker.Server
	client *rpc.Client

	mu    sync.Mutex
	test1 []*test1Interpreter
}

func (h *harness) firstTest1() *test1Interpreter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.test1) == 0 {
		return nil
	}
	return h.test1[0]
}

func newHarness(t *testing.T, cfg worker.Config) *harness {
	t.Helper()
	h := &harness{}

	reg := interpreter.NewRegistry()
	reg.Register(test1, func(props interpreter.Properties, _ interpreter.Env) (interpreter.Interpreter, error) {
		i := &test1Interpreter{props: props}
		h.mu.Lock()
		h.test1 = append(h.test1, i)
		h.mu.Unlock()
		return i, nil
	})
	reg.Register(test2, func(interpreter.Properties, interpreter.Env) (interpreter.Interpreter, error) {
		return test2Interpreter{}, nil
	})

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h.server = worker.NewServer(cfg, reg, logger)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, h.server.Start(l))

	h.client = rpc.NewClient(rpc.TCPDialer{Addr: l.Addr().String()}, 4)
	t.Cleanup(func() {
		h.client.Close()
		_ = h.server.Shutdown(context.Background())
	})
	return h
}

func (h *harness) call(t *testing.T, method string, params, out any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.client.Call(ctx, method, params, out), method)
}

func (h *harness) create(t *testing.T, session, class string, props map[string]string) {
	t.Helper()
	h.call(t, rpc.MethodCreateInterpreter, rpc.CreateInterpreterParams{
		GroupID:    "group_1",
		SessionID:  session,
		ClassName:  class,
		Properties: props,
		User:       "user_1",
	}, nil)
}

func (h *harness) interpret(t *testing.T, session, class, code string, ic rpc.Context) rpc.InterpretResult {
	t.Helper()
	var res rpc.InterpretResult
	h.call(t, rpc.MethodInterpret, rpc.InterpretParams{
		SessionID: session,
		ClassName: class,
		Code:      code,
		Context:   ic,
	}, &res)
	return res
}

func sessionSize(t *testing.T, s *worker.Server, session string) int {
	t.Helper()
	interps, ok := s.Group().Session(session)
	require.True(t, ok, "session %s missing", session)
	return len(interps)
}

func TestStartStop(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s := worker.NewServer(worker.Config{GroupID: "g"}, interpreter.NewRegistry(), logger)
	assert.False(t, s.IsRunning())
	assert.Equal(t, worker.StateStopped, s.State())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()

	require.NoError(t, s.Start(l))
	assert.True(t, s.IsRunning())
	assert.NotZero(t, s.Port())
	assert.True(t, rpc.Reachable(addr, time.Second))

	// A second Start is ignored.
	l2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, s.Start(l2))
	assert.True(t, s.IsRunning())

	require.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, s.IsRunning())
	assert.False(t, rpc.Reachable(addr, 200*time.Millisecond))

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}

	// A second Shutdown is ignored.
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestIsRunningReportsGroup(t *testing.T) {
	h := newHarness(t, worker.Config{})

	var st rpc.StatusResult
	h.call(t, rpc.MethodIsRunning, nil, &st)
	assert.True(t, st.Running)
	assert.Equal(t, h.server.Port(), st.Port)
	assert.Empty(t, st.GroupID, "group is undecided before createInterpreter")
	assert.True(t, h.client.Ping(context.Background()))

	h.call(t, rpc.MethodInit, rpc.InitParams{Properties: map[string]string{}}, nil)
	h.create(t, "session_1", test1, nil)
	st, err := h.client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "group_1", st.GroupID)
}

func TestCallsBeforeInit(t *testing.T) {
	h := newHarness(t, worker.Config{})

	err := h.client.Call(context.Background(), rpc.MethodCreateInterpreter, rpc.CreateInterpreterParams{
		GroupID: "group_1", SessionID: "session_1", ClassName: test1,
	}, nil)
	require.Error(t, err)
	assert.True(t, rpc.IsCode(err, rpc.CodeUnavailable), "err = %v", err)

	h.call(t, rpc.MethodInit, rpc.InitParams{Properties: map[string]string{}}, nil)
	h.create(t, "session_1", test1, nil)
	assert.Equal(t, 1, sessionSize(t, h.server, "session_1"))
}

func TestInterpreter(t *testing.T) {
	h := newHarness(t, worker.Config{})
	h.call(t, rpc.MethodInit, rpc.InitParams{Properties: map[string]string{}}, nil)

	props := map[string]string{"property_1": "value_1", "local_repo": "/tmp"}

	h.create(t, "session_1", test1, props)
	require.Equal(t, "group_1", h.server.Group().ID())
	assert.Equal(t, 1, h.server.Group().SessionCount())
	assert.Equal(t, 1, sessionSize(t, h.server, "session_1"))
	interp1 := h.firstTest1()
	require.NotNil(t, interp1)
	assert.Len(t, interp1.props, 2)
	assert.Equal(t, "value_1", interp1.props.Get("property_1", ""))

	// Duplicated create.
	h.create(t, "session_1", test1, props)
	assert.Equal(t, 1, sessionSize(t, h.server, "session_1"))

	h.create(t, "session_1", test2, props)
	assert.Equal(t, 2, sessionSize(t, h.server, "session_1"))

	h.create(t, "session_2", test1, props)
	assert.Equal(t, 2, h.server.Group().SessionCount())
	assert.Equal(t, 2, sessionSize(t, h.server, "session_1"))
	assert.Equal(t, 1, sessionSize(t, h.server, "session_2"))

	ic := rpc.Context{NoteID: "note_1", ParagraphID: "paragraph_1", GUI: "{}", LocalProperties: map[string]string{}}

	res := h.interpret(t, "session_1", test1, "SINGLE_OUTPUT_SUCCESS", ic)
	assert.Equal(t, model.CodeSuccess, res.Code)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "SINGLE_OUTPUT_SUCCESS", res.Messages[0].Data)

	res = h.interpret(t, "session_1", test1, "COMBO_OUTPUT_SUCCESS", ic)
	assert.Equal(t, model.CodeSuccess, res.Code)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "INTERPRETER_OUT", res.Messages[0].Data)
	assert.Equal(t, "SINGLE_OUTPUT_SUCCESS", res.Messages[1].Data)

	res = h.interpret(t, "session_1", test1, "SINGLE_OUTPUT_ERROR", ic)
	assert.Equal(t, model.CodeError, res.Code)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "SINGLE_OUTPUT_ERROR", res.Messages[0].Data)

	var ft rpc.FormTypeResult
	h.call(t, rpc.MethodGetFormType, rpc.TargetParams{SessionID: "session_1", ClassName: test1}, &ft)
	assert.Equal(t, model.FormNative, ft.FormType)

	// Cancel a running job.
	sleepDone := make(chan rpc.InterpretResult, 1)
	go func() {
		var r rpc.InterpretResult
		_ = h.client.Call(context.Background(), rpc.MethodInterpret, rpc.InterpretParams{
			SessionID: "session_1", ClassName: test1, Code: "SLEEP", Context: ic,
		}, &r)
		sleepDone <- r
	}()

	time.Sleep(200 * time.Millisecond)
	assert.False(t, interp1.cancelled.Load())
	h.call(t, rpc.MethodCancel, rpc.TargetParams{SessionID: "session_1", ClassName: test1, Context: &ic}, nil)
	require.Eventually(t, interp1.cancelled.Load, 2*time.Second, 10*time.Millisecond)

	select {
	case r := <-sleepDone:
		// The body ignored the job context, so it completes normally.
		assert.Equal(t, model.CodeSuccess, r.Code)
		require.Len(t, r.Messages, 1)
		assert.Equal(t, "SLEEP_SUCCESS", r.Messages[0].Data)
	case <-time.After(3 * time.Second):
		t.Fatal("SLEEP did not return after cancel")
	}

	var prog rpc.ProgressResult
	h.call(t, rpc.MethodGetProgress, rpc.TargetParams{SessionID: "session_1", ClassName: test1, Context: &ic}, &prog)
	assert.Equal(t, 10, prog.Progress)

	interps, _ := h.server.Group().Session("session_1")
	schedName := interps[0].Scheduler().Name()
	assert.True(t, h.server.Schedulers().Live(schedName))

	// Closing the opened test1 removes it from the session.
	h.call(t, rpc.MethodClose, rpc.TargetParams{SessionID: "session_1", ClassName: test1}, nil)
	assert.True(t, interp1.closed.Load())
	assert.Equal(t, 1, sessionSize(t, h.server, "session_1"))

	// Closing the never-opened test2 keeps it.
	h.call(t, rpc.MethodClose, rpc.TargetParams{SessionID: "session_1", ClassName: test2}, nil)
	assert.Equal(t, 1, sessionSize(t, h.server, "session_1"))

	// Other sessions are unaffected.
	assert.Equal(t, 1, sessionSize(t, h.server, "session_2"))

	assert.Eventually(t, func() bool { return !h.server.Schedulers().Live(schedName) },
		time.Second, 10*time.Millisecond)
}

func TestInterpretUnknownTarget(t *testing.T) {
	h := newHarness(t, worker.Config{GroupID: "group_1"})
	h.call(t, rpc.MethodInit, rpc.InitParams{}, nil)

	err := h.client.Call(context.Background(), rpc.MethodInterpret, rpc.InterpretParams{
		SessionID: "nope", ClassName: test1, Code: "x",
	}, nil)
	assert.True(t, rpc.IsCode(err, rpc.CodeNotFound), "err = %v", err)

	err = h.client.Call(context.Background(), rpc.MethodCreateInterpreter, rpc.CreateInterpreterParams{
		GroupID: "group_1", SessionID: "s", ClassName: "missing",
	}, nil)
	assert.True(t, rpc.IsCode(err, rpc.CodeNotFound), "err = %v", err)

	err = h.client.Call(context.Background(), rpc.MethodCreateInterpreter, rpc.CreateInterpreterParams{
		GroupID: "other", SessionID: "s", ClassName: test1,
	}, nil)
	assert.True(t, rpc.IsCode(err, rpc.CodeInvalidArgument), "err = %v", err)

	err = h.client.Call(context.Background(), "bogus", nil, nil)
	assert.True(t, rpc.IsCode(err, rpc.CodeNotFound), "err = %v", err)
}

func TestResourcesOverRPC(t *testing.T) {
	h := newHarness(t, worker.Config{GroupID: "group_1"})
	h.call(t, rpc.MethodInit, rpc.InitParams{}, nil)
	h.create(t, "session_1", test1, nil)

	res := h.interpret(t, "session_1", test1, "PUT", rpc.Context{NoteID: "n", ParagraphID: "p"})
	require.Equal(t, model.CodeSuccess, res.Code)

	var all rpc.ResourcesResult
	h.call(t, rpc.MethodGetAllResources, nil, &all)
	require.Len(t, all.Resources, 1)
	assert.Equal(t, "shared", all.Resources[0].ID.Name)
	assert.Equal(t, "group_1", all.Resources[0].ID.PoolID)
	assert.Equal(t, "string", all.Resources[0].ClassName)

	var got rpc.ResourceResult
	h.call(t, rpc.MethodGetResource, rpc.ResourceParams{Name: "shared"}, &got)
	assert.True(t, got.Found)
	assert.Equal(t, "value", got.Resource.Value)

	h.call(t, rpc.MethodRemoveResource, rpc.ResourceParams{Name: "shared"}, &got)
	assert.True(t, got.Found)
	h.call(t, rpc.MethodGetResource, rpc.ResourceParams{Name: "shared"}, &got)
	assert.False(t, got.Found)
}

func TestShutdownClosesGroup(t *testing.T) {
	h := newHarness(t, worker.Config{GroupID: "group_1"})
	h.call(t, rpc.MethodInit, rpc.InitParams{}, nil)
	h.create(t, "session_1", test1, nil)
	h.create(t, "session_1", test2, nil)
	h.interpret(t, "session_1", test1, "SINGLE_OUTPUT_SUCCESS", rpc.Context{ParagraphID: "p1"})

	interps, _ := h.server.Group().Session("session_1")
	h.call(t, rpc.MethodShutdown, nil, nil)

	select {
	case <-h.server.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.False(t, h.server.IsRunning())
	for _, l := range interps {
		assert.True(t, l.Closed(), "%s not closed", l.ClassName())
		assert.False(t, h.server.Schedulers().Live(l.Scheduler().Name()))
	}
	assert.True(t, h.firstTest1().closed.Load())
}

func TestIdleTimeoutShutsDown(t *testing.T) {
	h := newHarness(t, worker.Config{GroupID: "group_1"})
	h.call(t, rpc.MethodInit, rpc.InitParams{Properties: map[string]string{
		worker.PropIdleTimeout: "200ms",
		worker.PropIdleCheck:   "20ms",
	}}, nil)

	select {
	case <-h.server.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("idle worker did not stop")
	}
	assert.False(t, h.server.IsRunning())
}

func TestInitRejectsUnitlessTimeout(t *testing.T) {
	h := newHarness(t, worker.Config{})
	err := h.client.Call(context.Background(), rpc.MethodInit, rpc.InitParams{Properties: map[string]string{
		worker.PropIdleTimeout: "60000",
	}}, nil)
	assert.True(t, rpc.IsCode(err, rpc.CodeInvalidArgument), "err = %v", err)
}

func TestAbandonedJobIsReleasedWhenItEnds(t *testing.T) {
	h := newHarness(t, worker.Config{})
	h.call(t, rpc.MethodInit, rpc.InitParams{Properties: map[string]string{}}, nil)
	h.create(t, "session_1", test1, nil)

	ic := rpc.Context{NoteID: "note_1", ParagraphID: "slow_1"}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.client.Call(ctx, rpc.MethodInterpret, rpc.InterpretParams{
		SessionID: "session_1", ClassName: test1, Code: "SLOW", Context: ic,
	}, nil)
	require.Error(t, err)

	interps, ok := h.server.Group().Session("session_1")
	require.True(t, ok)
	sched := interps[0].Scheduler()
	require.Eventually(t, func() bool {
		_, retained := sched.Job("slow_1")
		return !retained
	}, 3*time.Second, 10*time.Millisecond)

	// The paragraph id is free again once the abandoned job ended.
	res := h.interpret(t, "session_1", test1, "SINGLE_OUTPUT_SUCCESS", ic)
	assert.Equal(t, model.CodeSuccess, res.Code)
}

func TestOutputStreamsWhileInterpreting(t *testing.T) {
	h := newHarness(t, worker.Config{})
	h.call(t, rpc.MethodInit, rpc.InitParams{Properties: map[string]string{}}, nil)
	h.create(t, "session_1", test1, nil)

	ic := rpc.Context{NoteID: "note_1", ParagraphID: "stream_1"}
	finished := make(chan rpc.InterpretResult, 1)
	go func() {
		var r rpc.InterpretResult
		_ = h.client.Call(context.Background(), rpc.MethodInterpret, rpc.InterpretParams{
			SessionID: "session_1", ClassName: test1, Code: "STREAM", Context: ic,
		}, &r)
		finished <- r
	}()

	// The first chunk is readable before the paragraph ends.
	var first rpc.OutputResult
	require.Eventually(t, func() bool {
		err := h.client.Call(context.Background(), rpc.MethodGetOutput, rpc.OutputParams{ParagraphID: "stream_1"}, &first)
		return err == nil && first.Data != ""
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "first ", first.Data)
	assert.False(t, first.Done)

	var rest rpc.OutputResult
	for !rest.Done {
		rest = rpc.OutputResult{}
		h.call(t, rpc.MethodGetOutput, rpc.OutputParams{ParagraphID: "stream_1", Offset: first.Offset, WaitMillis: 1000}, &rest)
		if rest.Data != "" {
			assert.Equal(t, "second", rest.Data)
			first.Offset = rest.Offset
		}
	}

	select {
	case r := <-finished:
		assert.Equal(t, model.CodeSuccess, r.Code)
		require.Len(t, r.Messages, 1)
		assert.Equal(t, "first second", r.Messages[0].Data)
	case <-time.After(3 * time.Second):
		t.Fatal("interpret did not return")
	}

	err := h.client.Call(context.Background(), rpc.MethodGetOutput, rpc.OutputParams{ParagraphID: "unknown"}, nil)
	assert.True(t, rpc.IsCode(err, rpc.CodeNotFound), "err = %v", err)
}
