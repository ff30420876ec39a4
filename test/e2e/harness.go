// Package e2e boots a complete Amelia instance against a real Postgres and
// exercises it through the public HTTP and WebSocket surfaces.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amelia-ai/amelia/pkg/api"
	"github.com/amelia-ai/amelia/pkg/config"
	"github.com/amelia-ai/amelia/pkg/driver"
	"github.com/amelia-ai/amelia/pkg/events"
	"github.com/amelia-ai/amelia/pkg/knowledge"
	"github.com/amelia-ai/amelia/pkg/orchestrator"
	"github.com/amelia-ai/amelia/pkg/state"
	"github.com/amelia-ai/amelia/pkg/store"
	"github.com/amelia-ai/amelia/test/util"
)

const planContent = `# Plan: Add addition

## Goal
Implement the addition operation end to end with parser, evaluator, and tests.

### Task 1: Implement addition in the evaluator
- id: task-1
- depends_on: none

Add the addition operator to the expression evaluator, wire it through the
parser, and cover positive, negative, and overflow cases with unit tests.
`

// scriptedDriver stands in for every LLM transport. Generate answers with a
// plan that also reads as an approving review; agentic runs succeed.
type scriptedDriver struct{}

func (scriptedDriver) Generate(ctx context.Context, req driver.GenerateRequest) (driver.GenerateResult, error) {
	return driver.GenerateResult{Content: planContent + "\napproved"}, nil
}

func (scriptedDriver) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	out := make(chan driver.AgenticMessage, 1)
	out <- driver.AgenticMessage{Type: driver.MessageResult, Content: "done"}
	close(out)
	return out, nil
}

func (scriptedDriver) Usage() driver.Usage { return driver.Usage{} }

func (scriptedDriver) CleanupSession(ctx context.Context, sessionID string) (bool, error) {
	return false, nil
}

// TestApp is one running Amelia instance backed by a per-test schema.
type TestApp struct {
	Client       *store.Client
	Events       *store.EventStore
	Checkpoints  *store.CheckpointStore
	Orchestrator *orchestrator.Orchestrator
	Manager      *events.ConnectionManager
	Server       *httptest.Server
	DeviceToken  string
}

// Options tune the test instance.
type Options struct {
	AutoApprove bool
}

// StartTestApp boots the full stack and pairs one device over HTTP. Shutdown
// is registered with t.Cleanup.
func StartTestApp(t *testing.T, opts Options) *TestApp {
	t.Helper()

	client := util.SetupTestDatabase(t)
	eventStore := store.NewEventStore(client)
	checkpointStore := store.NewCheckpointStore(client)
	deviceStore := store.NewDeviceStore(client)
	pairingStore := store.NewPairingTokenStore(client)

	bus := events.NewBus(eventStore)
	manager := events.NewConnectionManager(eventStore)
	bus.SetBroadcaster(manager)

	profile := &config.Profile{
		Name:       "default",
		WorkingDir: t.TempDir(),
		Agents: map[state.Role]config.AgentConfig{
			state.RoleArchitect: {Driver: config.DriverAPI, Model: "m"},
			state.RoleDeveloper: {Driver: config.DriverAPI, Model: "m"},
			state.RoleReviewer:  {Driver: config.DriverAPI, Model: "m"},
		},
		PlanOutputDir:           t.TempDir(),
		Retry:                   config.RetryConfig{MaxAttempts: 1, BaseDelayMS: 1, MaxDelayMS: 1},
		MaxPlanRevisions:        2,
		MaxTaskReviewIterations: 2,
		AutoApproveReviews:      opts.AutoApprove,
		TaskConcurrency:         1,
	}
	registry := config.NewRegistry(map[string]*config.Profile{"default": profile})

	orch := orchestrator.New(registry, checkpointStore, bus, orchestrator.Options{
		Drivers: func(cfg config.AgentConfig, sb driver.Sandbox) (driver.Driver, error) {
			return scriptedDriver{}, nil
		},
	})

	server := api.NewServer(api.Config{
		Workflows:  orch,
		Lister:     checkpointStore,
		Devices:    deviceStore,
		Pairing:    pairingStore,
		Manager:    manager,
		Ingestion:  knowledge.NewNoopQueue(bus),
		DB:         client,
		ServerName: "amelia-e2e",
	})
	httpServer := httptest.NewServer(server.Router())

	app := &TestApp{
		Client:       client,
		Events:       eventStore,
		Checkpoints:  checkpointStore,
		Orchestrator: orch,
		Manager:      manager,
		Server:       httpServer,
	}
	app.DeviceToken = app.pairDevice(t)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
		manager.Shutdown()
		httpServer.Close()
	})
	return app
}

// pairDevice runs the real pairing handshake and returns the device token.
func (app *TestApp) pairDevice(t *testing.T) string {
	t.Helper()

	var generated struct {
		PairToken string `json:"pair_token"`
	}
	resp := app.post(t, "/api/pair/generate", "", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	decodeBody(t, resp, &generated)

	var exchanged struct {
		DeviceToken string `json:"device_token"`
	}
	resp = app.post(t, "/api/pair/exchange", "", map[string]string{
		"pair_token":  generated.PairToken,
		"device_name": "e2e",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &exchanged)
	require.NotEmpty(t, exchanged.DeviceToken)
	return exchanged.DeviceToken
}

// StartWorkflow starts a workflow over HTTP and returns its id.
func (app *TestApp) StartWorkflow(t *testing.T, issueID string) string {
	t.Helper()
	resp := app.post(t, "/api/workflows", app.DeviceToken, map[string]any{
		"profile_id": "default",
		"issue": map[string]string{
			"id":          issueID,
			"title":       "add addition",
			"description": "implement the addition operation",
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		WorkflowID string `json:"workflow_id"`
	}
	decodeBody(t, resp, &body)
	require.NotEmpty(t, body.WorkflowID)
	return body.WorkflowID
}

// WorkflowState fetches the workflow snapshot over HTTP.
func (app *TestApp) WorkflowState(t *testing.T, workflowID string) state.ExecutionState {
	t.Helper()
	resp := app.get(t, "/api/workflows/"+workflowID, app.DeviceToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		State state.ExecutionState `json:"state"`
	}
	decodeBody(t, resp, &body)
	return body.State
}

// WaitForStatus polls the API until the workflow reaches the wanted status.
func (app *TestApp) WaitForStatus(t *testing.T, workflowID string, want state.WorkflowStatus) state.ExecutionState {
	t.Helper()
	var last state.ExecutionState
	require.Eventually(t, func() bool {
		last = app.WorkflowState(t, workflowID)
		return last.WorkflowStatus == want
	}, 15*time.Second, 25*time.Millisecond, "workflow never reached %s (last: %s)", want, last.WorkflowStatus)
	return last
}

func (app *TestApp) post(t *testing.T, path, token string, body any) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(http.MethodPost, app.Server.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (app *TestApp) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, app.Server.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

// wsURL rewrites the test server's base URL for a WebSocket dial.
func (app *TestApp) wsURL(path string) string {
	return fmt.Sprintf("ws%s%s", app.Server.URL[len("http"):], path)
}
