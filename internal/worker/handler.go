package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/interplex/internal/interpreter"
	"github.com/seantiz/interplex/internal/model"
	"github.com/seantiz/interplex/internal/resource"
	"github.com/seantiz/interplex/internal/rpc"
	"github.com/seantiz/interplex/internal/scheduler"
)

// maxOutputWait caps how long getOutput holds a request open.
const maxOutputWait = 30 * time.Second

// errInterpretFailed marks a job whose interpreter returned an ERROR result.
var errInterpretFailed = errors.New("interpreter returned ERROR")

// Handle implements rpc.Handler.
func (s *Server) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case rpc.MethodIsRunning, rpc.MethodGetPort:
		return rpc.StatusResult{Running: s.IsRunning(), Port: s.Port(), GroupID: s.GroupID()}, nil
	case rpc.MethodInit:
		var p rpc.InitParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := s.Init(p.Properties); err != nil {
			return nil, rpc.Errorf(rpc.CodeInvalidArgument, "%v", err)
		}
		return rpc.Ack{}, nil
	case rpc.MethodShutdown:
		// Reply before the connection is torn down.
		go s.shutdownAsync()
		return rpc.Ack{}, nil
	case rpc.MethodGetOutput:
		// Reading output does not count as interpreter use.
		var p rpc.OutputParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.output(ctx, p)
	}

	s.lifecycleManager().InterpreterUsed()

	switch method {
	case rpc.MethodCreateInterpreter:
		var p rpc.CreateInterpreterParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.createInterpreter(p)
	case rpc.MethodInterpret:
		var p rpc.InterpretParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.interpret(ctx, p)
	case rpc.MethodCancel:
		var p rpc.TargetParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.cancel(p)
	case rpc.MethodGetProgress:
		var p rpc.TargetParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.progress(p)
	case rpc.MethodGetFormType:
		var p rpc.TargetParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		l, err := s.lookup(p.SessionID, p.ClassName)
		if err != nil {
			return nil, err
		}
		return rpc.FormTypeResult{FormType: l.FormType()}, nil
	case rpc.MethodClose:
		var p rpc.TargetParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.close(p)
	case rpc.MethodGetAllResources:
		pool := s.Pool()
		if pool == nil {
			return rpc.ResourcesResult{Resources: resource.Set{}}, nil
		}
		return rpc.ResourcesResult{Resources: pool.GetAll()}, nil
	case rpc.MethodGetResource, rpc.MethodRemoveResource:
		var p rpc.ResourceParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		pool := s.Pool()
		if pool == nil {
			return rpc.ResourceResult{}, nil
		}
		var (
			r  resource.Resource
			ok bool
		)
		if method == rpc.MethodGetResource {
			r, ok = pool.Get(p.Name)
		} else {
			r, ok = pool.Remove(p.Name)
		}
		return rpc.ResourceResult{Found: ok, Resource: r}, nil
	default:
		return nil, rpc.Errorf(rpc.CodeNotFound, "unknown method %q", method)
	}
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return rpc.Errorf(rpc.CodeInvalidArgument, "decode params: %v", err)
	}
	return nil
}

func (s *Server) createInterpreter(p rpc.CreateInterpreterParams) (any, error) {
	g, err := s.groupFor(p.GroupID)
	if err != nil {
		return nil, toRPCError(err)
	}
	_, _, err = g.CreateInterpreter(p.SessionID, p.ClassName, interpreter.Properties(p.Properties), p.User)
	if err != nil {
		return nil, toRPCError(err)
	}
	return rpc.Ack{}, nil
}

func (s *Server) lookup(sessionID, className string) (*interpreter.LazyInterpreter, error) {
	g := s.Group()
	if g == nil {
		return nil, rpc.Errorf(rpc.CodeNotFound, "session %q: %v", sessionID, interpreter.ErrSessionNotFound)
	}
	l, err := g.Get(sessionID, className)
	if err != nil {
		return nil, toRPCError(err)
	}
	return l, nil
}

func (s *Server) callContext(c *rpc.Context) *interpreter.Context {
	ic := &interpreter.Context{Out: interpreter.NewOutput()}
	if g := s.Group(); g != nil {
		ic.Resources = g.Resources()
	}
	if c != nil {
		ic.NoteID = c.NoteID
		ic.ParagraphID = c.ParagraphID
		ic.LocalProperties = c.LocalProperties
		ic.GUI = c.GUI
		ic.User = c.User
	}
	return ic
}

// interpret runs code as a job on the interpreter's scheduler and blocks
// until the job is terminal.
func (s *Server) interpret(ctx context.Context, p rpc.InterpretParams) (any, error) {
	l, err := s.lookup(p.SessionID, p.ClassName)
	if err != nil {
		return nil, err
	}
	ic := s.callContext(&p.Context)
	paragraphID := p.Context.ParagraphID
	ic.Out = interpreter.NewStreamingOutput(func(chunk string) {
		s.outputs.Publish(paragraphID, chunk)
	})

	job := scheduler.NewJob(paragraphID, func(jobCtx context.Context) (any, error) {
		s.outputs.Open(paragraphID)
		defer s.outputs.Close(paragraphID)
		res, err := l.Interpret(jobCtx, p.Code, ic)
		if err != nil {
			return nil, err
		}
		if res.Code == model.CodeError {
			return res, errInterpretFailed
		}
		return res, nil
	}, func() {
		if err := l.Cancel(ic); err != nil {
			s.logger.Warn("interpreter cancel failed", "class_name", l.ClassName(), "error", err)
		}
	})

	sched := l.Scheduler()
	if err := sched.Submit(job); err != nil {
		if errors.Is(err, scheduler.ErrJobExists) {
			return nil, rpc.Errorf(rpc.CodeInvalidArgument, "%v", err)
		}
		return nil, rpc.Errorf(rpc.CodeUnavailable, "%v", err)
	}
	defer sched.Release(job)

	if err := job.Wait(ctx); err != nil {
		sched.Cancel(job.ID())
		return nil, rpc.Errorf(rpc.CodeUnavailable, "interpret %s: %v", job.ID(), err)
	}

	value, jobErr := job.Result()
	res, _ := value.(*interpreter.Result)

	switch job.Status() {
	case model.StatusFinished:
		return toInterpretResult(res), nil
	case model.StatusCancelled:
		if res != nil {
			return toInterpretResult(res), nil
		}
		return toInterpretResult(interpreter.Error(fmt.Sprintf("paragraph %s cancelled", job.ID()))), nil
	default:
		if res != nil {
			return toInterpretResult(res), nil
		}
		msg := "job failed"
		if jobErr != nil {
			msg = jobErr.Error()
		}
		s.logger.Warn("interpret failed",
			"session_id", p.SessionID,
			"class_name", p.ClassName,
			"job_id", job.ID(),
			"error", msg,
		)
		return toInterpretResult(interpreter.Error(msg)), nil
	}
}

func toInterpretResult(res *interpreter.Result) rpc.InterpretResult {
	if res == nil {
		return rpc.InterpretResult{Code: model.CodeSuccess, Messages: []rpc.Message{}}
	}
	out := rpc.InterpretResult{Code: res.Code, Messages: make([]rpc.Message, 0, len(res.Messages))}
	for _, m := range res.Messages {
		out.Messages = append(out.Messages, rpc.Message{Type: m.Type, Data: m.Data})
	}
	return out
}

// cancel signals the paragraph's job without queueing. When no job is
// retained the interpreter is signalled directly.
func (s *Server) cancel(p rpc.TargetParams) (any, error) {
	l, err := s.lookup(p.SessionID, p.ClassName)
	if err != nil {
		return nil, err
	}
	ic := s.callContext(p.Context)
	if ic.ParagraphID != "" && l.Scheduler().Cancel(ic.ParagraphID) {
		return rpc.Ack{}, nil
	}
	if err := l.Cancel(ic); err != nil {
		return nil, rpc.Errorf(rpc.CodeInternal, "cancel: %v", err)
	}
	return rpc.Ack{}, nil
}

func (s *Server) progress(p rpc.TargetParams) (any, error) {
	l, err := s.lookup(p.SessionID, p.ClassName)
	if err != nil {
		return nil, err
	}
	n, err := l.Progress(s.callContext(p.Context))
	if err != nil {
		return nil, rpc.Errorf(rpc.CodeInternal, "progress: %v", err)
	}
	return rpc.ProgressResult{Progress: n}, nil
}

func (s *Server) close(p rpc.TargetParams) (any, error) {
	g := s.Group()
	if g == nil {
		return rpc.Ack{}, nil
	}
	if err := g.Close(p.SessionID, p.ClassName); err != nil {
		return nil, toRPCError(err)
	}
	return rpc.Ack{}, nil
}

func toRPCError(err error) error {
	switch {
	case errors.Is(err, interpreter.ErrSessionNotFound),
		errors.Is(err, interpreter.ErrInterpreterNotFound),
		errors.Is(err, interpreter.ErrUnknownClass):
		return rpc.Errorf(rpc.CodeNotFound, "%v", err)
	case errors.Is(err, ErrNotInitialized),
		errors.Is(err, interpreter.ErrGroupClosed):
		return rpc.Errorf(rpc.CodeUnavailable, "%v", err)
	case errors.Is(err, ErrGroupMismatch):
		return rpc.Errorf(rpc.CodeInvalidArgument, "%v", err)
	default:
		return rpc.Errorf(rpc.CodeInternal, "%v", err)
	}
}

// output answers getOutput from the paragraph's broker topic, waiting at most
// maxOutputWait for new data.
func (s *Server) output(ctx context.Context, p rpc.OutputParams) (any, error) {
	wait := min(time.Duration(max(p.WaitMillis, 0))*time.Millisecond, maxOutputWait)
	data, next, done, ok := s.outputs.Read(ctx, p.ParagraphID, p.Offset, wait)
	if !ok {
		return nil, rpc.Errorf(rpc.CodeNotFound, "no output for paragraph %q", p.ParagraphID)
	}
	return rpc.OutputResult{Data: data, Offset: next, Done: done}, nil
}
