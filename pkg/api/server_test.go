package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amelia-ai/amelia/pkg/orchestrator"
	"github.com/amelia-ai/amelia/pkg/state"
	"github.com/amelia-ai/amelia/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeWorkflows struct {
	started    []string
	checkpoint *store.Checkpoint
	err        error
}

func (f *fakeWorkflows) Start(ctx context.Context, profileID string, issue state.Issue) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.started = append(f.started, profileID)
	return "wf-123", nil
}

func (f *fakeWorkflows) Get(ctx context.Context, workflowID string) (*store.Checkpoint, error) {
	if f.checkpoint == nil {
		return nil, orchestrator.ErrWorkflowNotFound
	}
	return f.checkpoint, nil
}

func (f *fakeWorkflows) Approve(ctx context.Context, workflowID string) error { return f.err }
func (f *fakeWorkflows) Reject(ctx context.Context, workflowID string) error  { return f.err }
func (f *fakeWorkflows) Cancel(ctx context.Context, workflowID string) error  { return f.err }

type fakeLister struct {
	summaries []store.WorkflowSummary
}

func (f *fakeLister) ListWorkflows(ctx context.Context) ([]store.WorkflowSummary, error) {
	return f.summaries, nil
}

type fakeDevices struct {
	validToken string
	device     store.Device
	revoked    []string
	revokeErr  error
}

func (f *fakeDevices) Register(ctx context.Context, name, model string) (*store.Device, string, error) {
	d := store.Device{ID: "dev-1", Name: name, Model: model, PairedAt: time.Now()}
	return &d, "dev-1.secret", nil
}

func (f *fakeDevices) Authenticate(ctx context.Context, token string) (*store.Device, error) {
	if token != f.validToken {
		return nil, store.ErrDeviceNotAuthorized
	}
	return &f.device, nil
}

func (f *fakeDevices) UpdateLastSeen(ctx context.Context, deviceID string) error { return nil }

func (f *fakeDevices) Revoke(ctx context.Context, deviceID string) error {
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revoked = append(f.revoked, deviceID)
	return nil
}

func (f *fakeDevices) List(ctx context.Context) ([]store.Device, error) {
	return []store.Device{f.device}, nil
}

type fakePairing struct {
	claimErr error
	claimed  []string
}

func (f *fakePairing) Create(ctx context.Context) (string, time.Time, error) {
	return "PAIRTOKEN", time.Now().Add(store.PairingTokenTTL), nil
}

func (f *fakePairing) Claim(ctx context.Context, token, deviceID string) error {
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claimed = append(f.claimed, token)
	return nil
}

type testEnv struct {
	server    *Server
	router    http.Handler
	workflows *fakeWorkflows
	devices   *fakeDevices
	pairing   *fakePairing
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		workflows: &fakeWorkflows{},
		devices:   &fakeDevices{validToken: "dev-1.secret", device: store.Device{ID: "dev-1", Name: "pixel"}},
		pairing:   &fakePairing{},
	}
	env.server = NewServer(Config{
		Workflows:  env.workflows,
		Lister:     &fakeLister{},
		Devices:    env.devices,
		Pairing:    env.pairing,
		ServerName: "amelia-test",
	})
	env.router = env.server.Router()
	return env
}

func (env *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func TestStartWorkflow(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/workflows", "dev-1.secret", gin.H{
		"issue":      gin.H{"id": "T-1", "title": "add", "description": "add addition"},
		"profile_id": "default",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "wf-123")
	assert.Equal(t, []string{"default"}, env.workflows.started)
}

func TestStartWorkflowValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/workflows", "dev-1.secret", gin.H{
		"issue": gin.H{"title": "no id"}, "profile_id": "default",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/workflows", "", gin.H{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/workflows", "wrong-token", gin.H{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetWorkflowNotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/workflows/nope", "dev-1.secret", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetWorkflowSnapshot(t *testing.T) {
	env := newTestEnv(t)
	st := state.New("wf-9", "default", state.Issue{ID: "T-1"})
	env.workflows.checkpoint = &store.Checkpoint{WorkflowID: "wf-9", Step: 4, State: st}

	w := env.do(t, http.MethodGet, "/api/workflows/wf-9", "dev-1.secret", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		WorkflowID string               `json:"workflow_id"`
		Step       int64                `json:"step"`
		State      state.ExecutionState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "wf-9", body.WorkflowID)
	assert.Equal(t, int64(4), body.Step)
	assert.Equal(t, state.WorkflowStatusRunning, body.State.WorkflowStatus)
}

func TestApproveConflict(t *testing.T) {
	env := newTestEnv(t)
	env.workflows.err = fmt.Errorf("%w: status is completed", orchestrator.ErrNotAwaiting)

	w := env.do(t, http.MethodPost, "/api/workflows/wf-1/approve", "dev-1.secret", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPairGenerate(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/pair/generate", "", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var body struct {
		PairToken string    `json:"pair_token"`
		QRURL     string    `json:"qr_url"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "PAIRTOKEN", body.PairToken)
	assert.Contains(t, body.QRURL, "PAIRTOKEN")
	assert.False(t, body.ExpiresAt.IsZero())
}

func TestPairExchange(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/pair/exchange", "", gin.H{
		"pair_token":  "PAIRTOKEN",
		"device_name": "pixel",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "device_token")
	assert.Equal(t, []string{"PAIRTOKEN"}, env.pairing.claimed)
}

func TestPairExchangeUsedToken(t *testing.T) {
	env := newTestEnv(t)
	env.pairing.claimErr = store.ErrPairingTokenUsed

	w := env.do(t, http.MethodPost, "/api/pair/exchange", "", gin.H{
		"pair_token":  "PAIRTOKEN",
		"device_name": "pixel",
	})
	assert.Equal(t, http.StatusGone, w.Code)
	// The provisional device registration is rolled back.
	assert.Equal(t, []string{"dev-1"}, env.devices.revoked)
}

func TestPairExchangeInvalidToken(t *testing.T) {
	env := newTestEnv(t)
	env.pairing.claimErr = store.ErrPairingTokenInvalid

	w := env.do(t, http.MethodPost, "/api/pair/exchange", "", gin.H{
		"pair_token":  "BAD",
		"device_name": "pixel",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPairGenerateRateLimit(t *testing.T) {
	env := newTestEnv(t)

	var last int
	for i := 0; i < 6; i++ {
		last = env.do(t, http.MethodPost, "/api/pair/generate", "", nil).Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestDeviceListAndRevoke(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/pair/devices", "dev-1.secret", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pixel")

	w = env.do(t, http.MethodDelete, "/api/pair/devices/dev-1", "dev-1.secret", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, env.devices.revoked, "dev-1")

	env.devices.revokeErr = store.ErrDeviceNotAuthorized
	w = env.do(t, http.MethodDelete, "/api/pair/devices/gone", "dev-1.secret", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}
