package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/google/uuid"

	"github.com/amelia-ai/amelia/pkg/config"
	"github.com/amelia-ai/amelia/pkg/state"
)

// CLIDriver wraps a local command-line agent tool. The prompt goes to the
// tool's stdin; stdout lines become AgenticMessages. Lines that parse as a
// JSON AgenticMessage pass through typed, anything else is plain text.
type CLIDriver struct {
	usageCounter

	command string
	args    []string
	model   string
}

// NewCLIDriver builds a CLI driver from an agent config.
func NewCLIDriver(cfg config.AgentConfig) *CLIDriver {
	return &CLIDriver{
		command: cfg.Command,
		args:    cfg.Args,
		model:   cfg.Model,
	}
}

// Generate runs the tool once and returns its stdout as content.
func (d *CLIDriver) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + prompt
	}
	if req.Schema != nil {
		prompt = fmt.Sprintf("%s\n\nRespond with JSON matching this schema:\n%s", prompt, req.Schema.Raw())
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.command, append(d.args, "--model", d.model)...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return GenerateResult{}, fmt.Errorf("running %s: %w: %s", d.command, err, strings.TrimSpace(stderr.String()))
	}

	content := strings.TrimSpace(stdout.String())
	result := GenerateResult{Content: content, Session: d.sessionFrom(req.Session)}
	if req.Schema != nil {
		structured, err := req.Schema.DecodeAndValidate(content)
		if err != nil {
			return GenerateResult{}, err
		}
		result.Structured = structured
	}
	return result, nil
}

// ExecuteAgentic streams the tool's stdout as agentic messages.
func (d *CLIDriver) ExecuteAgentic(ctx context.Context, req AgenticRequest) (<-chan AgenticMessage, error) {
	args := append([]string(nil), d.args...)
	args = append(args, "--model", d.model)
	if req.CWD != "" {
		args = append(args, "--cwd", req.CWD)
	}
	for _, tool := range req.AllowedTools {
		args = append(args, "--allow-tool", tool)
	}

	prompt := req.Prompt
	if req.Instructions != "" {
		prompt = req.Instructions + "\n\n" + prompt
	}

	cmd := exec.CommandContext(ctx, d.command, args...)
	cmd.Dir = req.CWD
	cmd.Stdin = strings.NewReader(prompt)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", d.command, err)
	}

	out := make(chan AgenticMessage, 16)
	go func() {
		defer close(out)

		var lastText string
		var sawResult bool
		scanner := bufio.NewScanner(stdout)
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
			if msg.Type == MessageText || msg.Type == MessageResult {
				lastText = msg.Content
			}
			if msg.Type == MessageResult {
				sawResult = true
			}
			select {
			case out <- *msg:
			case <-ctx.Done():
				_ = cmd.Process.Kill()
				return
			}
		}

		if err := cmd.Wait(); err != nil {
			slog.Warn("CLI agent exited with error", "command", d.command, "error", err)
			out <- AgenticMessage{Type: MessageError, Error: err.Error()}
			return
		}
		if !sawResult && lastText != "" {
			out <- AgenticMessage{Type: MessageResult, Content: lastText}
		}
	}()
	return out, nil
}

// CleanupSession is a no-op: each invocation of the tool is independent.
func (d *CLIDriver) CleanupSession(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (d *CLIDriver) sessionFrom(existing *state.DriverSession) state.DriverSession {
	if existing != nil && existing.ConversationID != "" {
		return *existing
	}
	return state.DriverSession{ConversationID: uuid.NewString(), Model: d.model}
}

// parseAgenticLine decodes one stdout line. JSON lines with a known type pass
// through as-is; everything else becomes a text message. Blank lines are
// dropped.
func parseAgenticLine(line string) *AgenticMessage {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if strings.HasPrefix(line, "{") {
		var msg AgenticMessage
		if err := json.Unmarshal([]byte(line), &msg); err == nil && msg.Type != "" {
			return &msg
		}
	}
	return &AgenticMessage{Type: MessageText, Content: line}
}
