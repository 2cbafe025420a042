package rpc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/seantiz/interplex/internal/resource"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Method names.
const (
	MethodInit              = "init"
	MethodCreateInterpreter = "createInterpreter"
	MethodInterpret         = "interpret"
	MethodCancel            = "cancel"
	MethodGetProgress       = "getProgress"
	MethodGetFormType       = "getFormType"
	MethodClose             = "close"
	MethodIsRunning         = "isRunning"
	MethodGetPort           = "getPort"
	MethodGetAllResources   = "getAllResources"
	MethodGetResource       = "getResource"
	MethodRemoveResource    = "removeResource"
	MethodShutdown          = "shutdown"
	MethodGetOutput         = "getOutput"
)

// Error codes carried in responses.
const (
	CodeInvalidArgument = "invalid_argument"
	CodeNotFound        = "not_found"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)

// Request is the envelope sent from client to server.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the envelope sent from server to client.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is an application-level failure reported by the server.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.Code, e.Message)
}

// Errorf builds an *Error.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// Context is the wire form of an interpreter call context.
type Context struct {
	NoteID          string            `json:"note_id"`
	ParagraphID     string            `json:"paragraph_id"`
	LocalProperties map[string]string `json:"local_properties,omitempty"`
	GUI             string            `json:"gui,omitempty"`
	User            string            `json:"user,omitempty"`
}

// Message is one typed output block.
type Message struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// InitParams carries worker-wide properties.
type InitParams struct {
	Properties map[string]string `json:"properties"`
}

// CreateInterpreterParams are the parameters of createInterpreter.
type CreateInterpreterParams struct {
	GroupID    string            `json:"group_id"`
	SessionID  string            `json:"session_id"`
	ClassName  string            `json:"class_name"`
	Properties map[string]string `json:"properties"`
	User       string            `json:"user"`
}

// InterpretParams are the parameters of interpret.
type InterpretParams struct {
	SessionID string  `json:"session_id"`
	ClassName string  `json:"class_name"`
	Code      string  `json:"code"`
	Context   Context `json:"context"`
}

// InterpretResult is the result of interpret.
type InterpretResult struct {
	Code     string    `json:"code"`
	Messages []Message `json:"messages"`
}

// TargetParams address one interpreter, optionally with a call context.
type TargetParams struct {
	SessionID string   `json:"session_id"`
	ClassName string   `json:"class_name"`
	Context   *Context `json:"context,omitempty"`
}

// ProgressResult is the result of getProgress.
type ProgressResult struct {
	Progress int `json:"progress"`
}

// FormTypeResult is the result of getFormType.
type FormTypeResult struct {
	FormType string `json:"form_type"`
}

// StatusResult is the result of isRunning and getPort. GroupID is empty
// until the worker knows which group it hosts.
type StatusResult struct {
	Running bool   `json:"running"`
	Port    int    `json:"port"`
	GroupID string `json:"group_id,omitempty"`
}

// OutputParams ask for a paragraph's output from byte Offset on. The worker
// waits up to WaitMillis for new output before answering with none.
type OutputParams struct {
	ParagraphID string `json:"paragraph_id"`
	Offset      int    `json:"offset"`
	WaitMillis  int    `json:"wait_millis,omitempty"`
}

// OutputResult carries output written since the requested offset. Offset is
// where the next request should start. Done is set once the paragraph's job
// has ended and Data holds the rest of its output.
type OutputResult struct {
	Data   string `json:"data"`
	Offset int    `json:"offset"`
	Done   bool   `json:"done"`
}

// ResourceParams name a resource in the worker's pool.
type ResourceParams struct {
	Name string `json:"name"`
}

// ResourceResult is the result of getResource and removeResource.
type ResourceResult struct {
	Found    bool              `json:"found"`
	Resource resource.Resource `json:"resource"`
}

// ResourcesResult is the result of getAllResources.
type ResourcesResult struct {
	Resources resource.Set `json:"resources"`
}

// Ack is the empty result of acknowledgement-only methods.
type Ack struct{}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
