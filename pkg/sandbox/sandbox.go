// Package sandbox provides the container execution environment for agentic
// work: Docker lifecycle, exec streaming, the network allowlist, and the
// host-side LLM/git proxy that keeps credentials out of the container.
package sandbox

import (
	"context"
	"fmt"
	"io"
)

// ExecOptions configure a single exec inside the sandbox.
type ExecOptions struct {
	Dir   string
	Env   []string
	Stdin io.Reader
}

// Provider is the transport-agnostic sandbox protocol.
type Provider interface {
	// EnsureRunning creates and starts the sandbox container if needed,
	// applying the network allowlist on first start.
	EnsureRunning(ctx context.Context) error
	// ExecStream runs a command in the sandbox and streams combined
	// stdout/stderr. The returned reader must be closed by the caller.
	ExecStream(ctx context.Context, cmd []string, opts ExecOptions) (io.ReadCloser, error)
	// Teardown removes this provider's container.
	Teardown(ctx context.Context) error
	// HealthCheck reports whether the container is up.
	HealthCheck(ctx context.Context) error
}

// Error wraps a sandbox failure with the operation and container that hit it.
// Nodes report sandbox errors as driver failures; the workflow terminates
// unless the profile retries sandbox operations.
type Error struct {
	Op        string
	Container string
	Err       error
}

func (e *Error) Error() string {
	if e.Container != "" {
		return fmt.Sprintf("sandbox %s: %s: %v", e.Container, e.Op, e.Err)
	}
	return fmt.Sprintf("sandbox: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
