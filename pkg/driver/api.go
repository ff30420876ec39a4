package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amelia-ai/amelia/pkg/config"
	"github.com/amelia-ai/amelia/pkg/sandbox"
	"github.com/amelia-ai/amelia/pkg/state"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultAPITimeout = 5 * time.Minute

	historyKey = "history"
)

// APIDriver speaks an OpenAI-compatible chat completions API over HTTP. A
// base_url override routes calls through the sandbox proxy.
type APIDriver struct {
	usageCounter

	client      *http.Client
	baseURL     string
	apiKey      string
	model       string
	profileName string
}

// NewAPIDriver builds an API driver from an agent config.
func NewAPIDriver(cfg config.AgentConfig) *APIDriver {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &APIDriver{
		client:      &http.Client{Timeout: cfg.Options.Timeout(defaultAPITimeout)},
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		profileName: cfg.ProfileName,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate sends one chat turn and returns the assistant content. The
// conversation so far is carried in the session's provider data so revision
// loops keep context across calls.
func (d *APIDriver) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	session := d.sessionFrom(req.Session)

	messages := historyFrom(session)
	if req.System != "" && len(messages) == 0 {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{Model: d.model, Messages: messages}
	if req.Schema != nil {
		body.ResponseFormat = map[string]any{"type": "json_object"}
	}

	resp, err := d.post(ctx, "/chat/completions", body)
	if err != nil {
		return GenerateResult{}, err
	}
	if len(resp.Choices) == 0 {
		return GenerateResult{}, &TransientProviderError{Op: "generate", Err: fmt.Errorf("provider returned no choices")}
	}
	content := resp.Choices[0].Message.Content

	result := GenerateResult{Content: content}
	if req.Schema != nil {
		structured, err := req.Schema.DecodeAndValidate(content)
		if err != nil {
			return GenerateResult{}, err
		}
		result.Structured = structured
	}

	messages = append(messages, chatMessage{Role: "assistant", Content: content})
	storeHistory(&session, messages)
	result.Session = session
	return result, nil
}

// ExecuteAgentic runs a single-shot completion: the API transport has no tool
// loop of its own, so the prompt carries the instructions and the stream
// yields the text followed by a result message.
func (d *APIDriver) ExecuteAgentic(ctx context.Context, req AgenticRequest) (<-chan AgenticMessage, error) {
	out := make(chan AgenticMessage, 4)
	go func() {
		defer close(out)

		prompt := req.Prompt
		if req.CWD != "" {
			prompt = fmt.Sprintf("Working directory: %s\n\n%s", req.CWD, prompt)
		}
		res, err := d.Generate(ctx, GenerateRequest{
			Prompt:  prompt,
			System:  req.Instructions,
			Session: req.Session,
		})
		if err != nil {
			out <- AgenticMessage{Type: MessageError, Error: err.Error(), Transient: IsTransient(err)}
			return
		}
		out <- AgenticMessage{Type: MessageText, Content: res.Content}
		out <- AgenticMessage{Type: MessageResult, Content: res.Content}
	}()
	return out, nil
}

// CleanupSession is a no-op: conversation state lives in the workflow's
// driver sessions, not on the provider.
func (d *APIDriver) CleanupSession(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (d *APIDriver) post(ctx context.Context, path string, body chatRequest) (*chatResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	if d.profileName != "" {
		httpReq.Header.Set(sandbox.ProfileHeader, d.profileName)
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, &TransientProviderError{Op: "generate", Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &TransientProviderError{Op: "generate", Err: err}
	}

	if httpResp.StatusCode != http.StatusOK {
		err := fmt.Errorf("provider error: %s", strings.TrimSpace(string(raw)))
		if retryableStatus(httpResp.StatusCode) {
			return nil, &TransientProviderError{Op: "generate", StatusCode: httpResp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("generate: status %d: %w", httpResp.StatusCode, err)
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &TransientProviderError{Op: "generate", Err: fmt.Errorf("decoding response: %w", err)}
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("generate: provider error %s: %s", resp.Error.Type, resp.Error.Message)
	}

	d.add(Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens})
	return &resp, nil
}

// retryableStatus follows the usual provider semantics: timeouts, rate
// limits, and server errors come back, everything else is the caller's bug.
func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

func (d *APIDriver) sessionFrom(existing *state.DriverSession) state.DriverSession {
	if existing != nil && existing.ConversationID != "" {
		// The caller's session may sit inside checkpointed state; history
		// writes go to a private copy of the provider data.
		session := *existing
		session.ProviderData = maps.Clone(existing.ProviderData)
		return session
	}
	return state.DriverSession{ConversationID: uuid.NewString(), Model: d.model}
}

func historyFrom(session state.DriverSession) []chatMessage {
	raw, ok := session.ProviderData[historyKey]
	if !ok {
		return nil
	}
	var messages []chatMessage
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		slog.Warn("Discarding unreadable session history", "conversation_id", session.ConversationID, "error", err)
		return nil
	}
	return messages
}

func storeHistory(session *state.DriverSession, messages []chatMessage) {
	raw, err := json.Marshal(messages)
	if err != nil {
		return
	}
	if session.ProviderData == nil {
		session.ProviderData = make(map[string]string, 1)
	}
	session.ProviderData[historyKey] = string(raw)
}
