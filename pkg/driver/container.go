package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amelia-ai/amelia/pkg/config"
	"github.com/amelia-ai/amelia/pkg/sandbox"
	"github.com/amelia-ai/amelia/pkg/state"
)

// workerBinary is the agent worker installed in the sandbox image. It reads
// a prompt file and emits JSON-encoded AgenticMessages, one per stdout line.
const workerBinary = "amelia-worker"

// ContainerDriver runs LLM operations inside the sandbox: the prompt is
// written to a temp file in the container, the worker is invoked over
// exec_stream, and each stdout line is parsed as a JSON AgenticMessage.
//
// The driver is stateless: sessions are ignored and CleanupSession always
// reports false.
type ContainerDriver struct {
	usageCounter

	sandbox     Sandbox
	model       string
	profileName string
}

// NewContainerDriver builds a container driver over a sandbox.
func NewContainerDriver(cfg config.AgentConfig, sb Sandbox) *ContainerDriver {
	return &ContainerDriver{
		sandbox:     sb,
		model:       cfg.Model,
		profileName: cfg.ProfileName,
	}
}

// Generate writes the prompt into the container, runs the worker in generate
// mode, and collects the result message.
func (d *ContainerDriver) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if err := d.sandbox.EnsureRunning(ctx); err != nil {
		return GenerateResult{}, fmt.Errorf("ensuring sandbox: %w", err)
	}

	promptPath, cleanup, err := d.writePromptFile(ctx, d.composePrompt(req))
	if err != nil {
		return GenerateResult{}, err
	}
	defer cleanup()

	cmd := []string{workerBinary, "generate", "--prompt-file", promptPath, "--model", d.model}
	messages, err := d.run(ctx, cmd, "")
	if err != nil {
		return GenerateResult{}, err
	}

	content := ""
	for _, msg := range messages {
		if msg.Type == MessageError {
			return GenerateResult{}, fmt.Errorf("worker error: %s", msg.Error)
		}
		if msg.Type == MessageResult {
			content = msg.Content
		}
	}
	if content == "" {
		return GenerateResult{}, &TransientProviderError{Op: "generate", Err: fmt.Errorf("worker produced no result")}
	}

	result := GenerateResult{
		Content: content,
		Session: state.DriverSession{ConversationID: uuid.NewString(), Model: d.model},
	}
	if req.Schema != nil {
		structured, err := req.Schema.DecodeAndValidate(content)
		if err != nil {
			return GenerateResult{}, err
		}
		result.Structured = structured
	}
	return result, nil
}

// ExecuteAgentic streams worker messages back to the caller. Usage messages
// are captured; the prompt file is removed on every exit path.
func (d *ContainerDriver) ExecuteAgentic(ctx context.Context, req AgenticRequest) (<-chan AgenticMessage, error) {
	if err := d.sandbox.EnsureRunning(ctx); err != nil {
		return nil, fmt.Errorf("ensuring sandbox: %w", err)
	}

	promptPath, cleanup, err := d.writePromptFile(ctx, req.Prompt)
	if err != nil {
		return nil, err
	}

	cmd := []string{workerBinary, "agentic", "--prompt-file", promptPath, "--model", d.model}
	if req.Instructions != "" {
		cmd = append(cmd, "--instructions", req.Instructions)
	}
	for _, tool := range req.AllowedTools {
		cmd = append(cmd, "--allow-tool", tool)
	}

	stream, err := d.sandbox.ExecStream(ctx, cmd, sandbox.ExecOptions{Dir: req.CWD})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	out := make(chan AgenticMessage, 16)
	go func() {
		defer close(out)
		defer cleanup()
		defer stream.Close()

		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			msg := parseAgenticLine(scanner.Text())
			if msg == nil {
				continue
			}
			if msg.Type == MessageUsage {
				if msg.Usage != nil {
					d.add(*msg.Usage)
				}
				continue
			}
			select {
			case out <- *msg:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			// A broken exec stream is transport trouble, not a verdict on
			// the execution.
			out <- AgenticMessage{Type: MessageError, Error: err.Error(), Transient: true}
		}
	}()
	return out, nil
}

// CleanupSession always reports false: the container worker holds no
// provider-side session state.
func (d *ContainerDriver) CleanupSession(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (d *ContainerDriver) composePrompt(req GenerateRequest) string {
	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + prompt
	}
	if req.Schema != nil {
		prompt = fmt.Sprintf("%s\n\nRespond with JSON matching this schema:\n%s", prompt, req.Schema.Raw())
	}
	return prompt
}

// writePromptFile streams the prompt into a container temp file and returns
// its path plus a cleanup func that removes it with a short grace context,
// so the file goes away even when the caller's context is already cancelled.
func (d *ContainerDriver) writePromptFile(ctx context.Context, prompt string) (string, func(), error) {
	path := fmt.Sprintf("/tmp/prompt-%s.txt", uuid.NewString())

	stream, err := d.sandbox.ExecStream(ctx, []string{"sh", "-c", "cat > " + path}, sandbox.ExecOptions{
		Stdin: strings.NewReader(prompt),
	})
	if err != nil {
		return "", nil, fmt.Errorf("writing prompt file: %w", err)
	}
	if _, err := io.Copy(io.Discard, stream); err != nil {
		stream.Close()
		return "", nil, fmt.Errorf("writing prompt file: %w", err)
	}
	stream.Close()

	cleanup := func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rm, err := d.sandbox.ExecStream(rmCtx, []string{"rm", "-f", path}, sandbox.ExecOptions{})
		if err != nil {
			slog.Warn("Failed to remove prompt file", "path", path, "error", err)
			return
		}
		_, _ = io.Copy(io.Discard, rm)
		rm.Close()
	}
	return path, cleanup, nil
}

// run executes a worker command to completion and returns all parsed
// messages.
func (d *ContainerDriver) run(ctx context.Context, cmd []string, cwd string) ([]AgenticMessage, error) {
	stream, err := d.sandbox.ExecStream(ctx, cmd, sandbox.ExecOptions{Dir: cwd})
	if err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	defer stream.Close()

	var messages []AgenticMessage
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		msg := parseAgenticLine(scanner.Text())
		if msg == nil {
			continue
		}
		if msg.Type == MessageUsage {
			if msg.Usage != nil {
				d.add(*msg.Usage)
			}
			continue
		}
		messages = append(messages, *msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, &TransientProviderError{Op: "exec_stream", Err: err}
	}
	return messages, nil
}
