// Package driver routes LLM operations over three transports: direct API,
// local CLI tool, and sandbox container. Agent code talks to the Driver
// interface and never learns which transport is behind it.
package driver

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/amelia-ai/amelia/pkg/sandbox"
	"github.com/amelia-ai/amelia/pkg/state"
)

// MessageType discriminates AgenticMessage variants.
type MessageType string

// Agentic message types.
const (
	MessageThinking   MessageType = "thinking"
	MessageToolCall   MessageType = "tool_call"
	MessageToolResult MessageType = "tool_result"
	MessageText       MessageType = "text"
	MessageResult     MessageType = "result"
	MessageUsage      MessageType = "usage"
	MessageError      MessageType = "error"
)

// AgenticMessage is one event in an agentic execution stream. Usage messages
// are captured by the driver and never forwarded to callers; read totals via
// Driver.Usage.
type AgenticMessage struct {
	Type    MessageType     `json:"type"`
	Content string          `json:"content,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Args    map[string]any  `json:"args,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
	Error   string          `json:"error,omitempty"`
	// Transient marks an error message as retryable provider trouble rather
	// than a failure of the execution itself.
	Transient bool `json:"transient,omitempty"`
}

// Usage accumulates token counts across driver calls.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// usageCounter is embedded by driver implementations to capture usage
// thread-safely.
type usageCounter struct {
	mu    sync.Mutex
	total Usage
}

func (u *usageCounter) add(delta Usage) {
	u.mu.Lock()
	u.total.InputTokens += delta.InputTokens
	u.total.OutputTokens += delta.OutputTokens
	u.mu.Unlock()
}

// Usage returns the tokens consumed by this driver so far.
func (u *usageCounter) Usage() Usage {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}

// GenerateRequest is a single prompt/response operation. When Schema is set
// the response must parse as JSON and validate against it.
type GenerateRequest struct {
	Prompt  string
	System  string
	Schema  *Schema
	Session *state.DriverSession
}

// GenerateResult carries the model output and the updated session.
type GenerateResult struct {
	Content string
	// Structured holds the decoded JSON value when the request carried a
	// schema, nil otherwise.
	Structured any
	Session    state.DriverSession
}

// AgenticRequest runs an autonomous tool-using execution in a working
// directory.
type AgenticRequest struct {
	Prompt       string
	CWD          string
	Instructions string
	AllowedTools []string
	Session      *state.DriverSession
}

// Driver is the uniform transport interface for LLM operations.
//
// ExecuteAgentic returns a channel closed when the execution ends; a message
// with Type==MessageError as the final element reports a stream failure.
type Driver interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
	ExecuteAgentic(ctx context.Context, req AgenticRequest) (<-chan AgenticMessage, error)
	Usage() Usage
	// CleanupSession releases provider-side session resources. It reports
	// whether anything was cleaned up; stateless drivers always return false.
	CleanupSession(ctx context.Context, sessionID string) (bool, error)
}

// Sandbox is the slice of the sandbox provider the container driver needs.
type Sandbox interface {
	EnsureRunning(ctx context.Context) error
	ExecStream(ctx context.Context, cmd []string, opts sandbox.ExecOptions) (io.ReadCloser, error)
}
