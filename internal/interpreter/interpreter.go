package interpreter

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/seantiz/interplex/internal/model"
	"github.com/seantiz/interplex/internal/resource"
	"github.com/seantiz/interplex/internal/scheduler"
)

// Interpreter is the capability implemented by every engine adapter. The
// runtime only ever calls an adapter through this interface, and Interpret is
// only ever called from the adapter's scheduler.
type Interpreter interface {
	// Open prepares engine state. It is called once, lazily, before the first
	// Interpret.
	Open(ctx context.Context) error

	// Interpret runs code. Engine failures should be reported as a Result with
	// CodeError; a returned error is treated as an engine fault and converted
	// into an error result by the caller.
	Interpret(ctx context.Context, code string, ic *Context) (*Result, error)

	// Cancel asks a running Interpret to stop. It must not block on the
	// running call.
	Cancel(ic *Context) error

	// Progress reports completion of the running Interpret, 0-100.
	Progress(ic *Context) (int, error)

	// FormType reports how the engine renders dynamic forms.
	FormType() string

	// Close releases engine state.
	Close() error
}

// PolicyProvider is implemented by adapters that can run several jobs at once.
type PolicyProvider interface {
	SchedulerPolicy() scheduler.Policy
}

// Properties are the key/value settings an interpreter is created with.
type Properties map[string]string

// Get returns the property or def when unset.
func (p Properties) Get(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Env is passed to factories alongside the properties.
type Env struct {
	GroupID   string
	SessionID string
	ClassName string
	User      string
	Logger    *slog.Logger
	Resources *resource.DistributedPool
}

// Context carries per-call information into Interpret, Cancel and Progress.
type Context struct {
	NoteID          string            `json:"note_id"`
	ParagraphID     string            `json:"paragraph_id"`
	LocalProperties map[string]string `json:"local_properties,omitempty"`
	GUI             string            `json:"gui,omitempty"`
	User            string            `json:"user,omitempty"`

	// Out collects output written while interpreting.
	Out *Output `json:"-"`

	// Resources is the pool shared with other interpreters.
	Resources *resource.DistributedPool `json:"-"`
}

// Provenance returns the resource provenance for values produced by this call.
func (c *Context) Provenance(className string) *resource.Provenance {
	return &resource.Provenance{
		NoteID:      c.NoteID,
		ParagraphID: c.ParagraphID,
		ClassName:   className,
	}
}

// Message type constants.
const (
	TypeText  = "TEXT"
	TypeHTML  = "HTML"
	TypeTable = "TABLE"
)

// Message is one typed block of interpreter output.
type Message struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Result is the outcome of one Interpret call.
type Result struct {
	Code     string    `json:"code"`
	Messages []Message `json:"messages"`
}

// NewResult builds a result from plain strings. A leading "%html " or
// "%table " directive sets the message type.
func NewResult(code string, msgs ...string) *Result {
	r := &Result{Code: code}
	for _, m := range msgs {
		r.Messages = append(r.Messages, parseMessage(m))
	}
	return r
}

// Success builds a SUCCESS result.
func Success(msgs ...string) *Result { return NewResult(model.CodeSuccess, msgs...) }

// Error builds an ERROR result.
func Error(msgs ...string) *Result { return NewResult(model.CodeError, msgs...) }

func parseMessage(s string) Message {
	for prefix, typ := range map[string]string{"%html ": TypeHTML, "%table ": TypeTable, "%text ": TypeText} {
		if strings.HasPrefix(s, prefix) {
			return Message{Type: typ, Data: strings.TrimPrefix(s, prefix)}
		}
	}
	return Message{Type: TypeText, Data: s}
}

// Output accumulates messages written during Interpret. Writes append to the
// current message; NewMessage starts another one. Safe for concurrent use.
type Output struct {
	mu      sync.Mutex
	msgs    []Message
	current *strings.Builder
	typ     string
	tee     func(string)
}

// NewOutput returns an empty output.
func NewOutput() *Output {
	return &Output{}
}

// NewStreamingOutput returns an output that also passes every write to tee
// as it happens, in write order.
func NewStreamingOutput(tee func(string)) *Output {
	return &Output{tee: tee}
}

// Write appends p to the current message, starting a TEXT message if needed.
func (o *Output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		o.current = &strings.Builder{}
		o.typ = TypeText
	}
	if o.tee != nil && len(p) > 0 {
		o.tee(string(p))
	}
	return o.current.Write(p)
}

// WriteString appends s to the current message.
func (o *Output) WriteString(s string) (int, error) {
	return o.Write([]byte(s))
}

// NewMessage flushes the current message and starts one of type typ.
func (o *Output) NewMessage(typ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flush()
	o.current = &strings.Builder{}
	o.typ = typ
}

// Messages flushes and returns every non-empty message written so far.
func (o *Output) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flush()
	out := make([]Message, len(o.msgs))
	copy(out, o.msgs)
	return out
}

func (o *Output) flush() {
	if o.current != nil && o.current.Len() > 0 {
		o.msgs = append(o.msgs, Message{Type: o.typ, Data: o.current.String()})
	}
	o.current = nil
}
