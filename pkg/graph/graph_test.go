package graph

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amelia-ai/amelia/pkg/agent"
	"github.com/amelia-ai/amelia/pkg/config"
	"github.com/amelia-ai/amelia/pkg/driver"
	"github.com/amelia-ai/amelia/pkg/events"
	"github.com/amelia-ai/amelia/pkg/state"
)

const validPlan = `# Plan: Add addition

## Goal
Implement the addition operation end to end with parser, evaluator, and tests.

### Task 1: Implement addition in the evaluator
- id: task-1
- depends_on: none

Add the addition operator to the expression evaluator, wire it through the
parser, and cover positive, negative, and overflow cases with unit tests.
`

const twoTaskPlan = `# Plan: Add subtraction

## Goal
Implement subtraction alongside the existing addition path, covering the
parser, the evaluator, and regression tests for both operations.

### Task 1: Implement subtraction in the evaluator
- id: task-1
- depends_on: none

Add the subtraction operator to the expression evaluator.

### Task 2: Teach the parser the minus token
- id: task-2
- depends_on: none

Parse "a - b" expressions and cover them with unit tests.
`

const invalidPlan = `# Plan: Add addition

## Goal
Implement the addition operation end to end with parser, evaluator, and tests.

There are no task sections here, just prose about how addition might work.
The evaluator would need a new operator, the parser a new token, and the
test suite some coverage, but none of that is broken into tasks.
`

const approvedReview = `{"approved": true, "severity": "none", "comments": []}`
const rejectedReview = `{"approved": false, "severity": "major", "comments": ["tests missing"]}`

// scriptedDriver returns canned responses in order; the last entry repeats.
type scriptedDriver struct {
	mu        sync.Mutex
	responses []any // string content or error
	calls     int

	agenticResult string
	agenticErr    string
	// agenticErrFor fails only executions whose prompt contains the key.
	agenticErrFor map[string]string
}

func (d *scriptedDriver) Generate(ctx context.Context, req driver.GenerateRequest) (driver.GenerateResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.responses) == 0 {
		return driver.GenerateResult{Content: "ok"}, nil
	}
	idx := d.calls - 1
	if idx >= len(d.responses) {
		idx = len(d.responses) - 1
	}
	switch v := d.responses[idx].(type) {
	case error:
		return driver.GenerateResult{}, v
	case string:
		return driver.GenerateResult{Content: v, Session: state.DriverSession{ConversationID: "conv"}}, nil
	default:
		return driver.GenerateResult{}, nil
	}
}

func (d *scriptedDriver) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	errMsg := d.agenticErr
	for marker, msg := range d.agenticErrFor {
		if strings.Contains(req.Prompt, marker) {
			errMsg = msg
		}
	}
	out := make(chan driver.AgenticMessage, 2)
	if errMsg != "" {
		out <- driver.AgenticMessage{Type: driver.MessageError, Error: errMsg}
	} else {
		out <- driver.AgenticMessage{Type: driver.MessageResult, Content: d.agenticResult}
	}
	close(out)
	return out, nil
}

func (d *scriptedDriver) Usage() driver.Usage { return driver.Usage{} }

func (d *scriptedDriver) CleanupSession(ctx context.Context, sessionID string) (bool, error) {
	return false, nil
}

func (d *scriptedDriver) generateCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Emit(ctx context.Context, event events.Event) (events.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	event.Sequence = int64(len(b.events) + 1)
	b.events = append(b.events, event)
	return event, nil
}

func (b *recordingBus) typesSeen() []events.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.EventType, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

func (b *recordingBus) countOf(t events.EventType) int {
	n := 0
	for _, seen := range b.typesSeen() {
		if seen == t {
			n++
		}
	}
	return n
}

type memCheckpoints struct {
	mu    sync.Mutex
	steps []int64
	last  state.ExecutionState
}

func (c *memCheckpoints) Save(ctx context.Context, workflowID string, step int64, st state.ExecutionState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step)
	c.last = st
	return nil
}

type fixture struct {
	engine      *Engine
	architect   *scriptedDriver
	developer   *scriptedDriver
	reviewer    *scriptedDriver
	bus         *recordingBus
	checkpoints *memCheckpoints
}

func newFixture(t *testing.T, architectResponses []any, reviewerResponses []any) *fixture {
	t.Helper()

	profile := &config.Profile{
		Name:                    "default",
		WorkingDir:              t.TempDir(),
		PlanOutputDir:           t.TempDir(),
		Retry:                   config.RetryConfig{MaxAttempts: 3, BaseDelayMS: 1, MaxDelayMS: 5},
		MaxPlanRevisions:        3,
		MaxTaskReviewIterations: 2,
		AutoApproveReviews:      true,
		ExecutionMode:           config.ExecutionAgentic,
		TaskConcurrency:         2,
	}

	f := &fixture{
		architect:   &scriptedDriver{responses: architectResponses},
		developer:   &scriptedDriver{agenticResult: "implemented"},
		reviewer:    &scriptedDriver{responses: reviewerResponses},
		bus:         &recordingBus{},
		checkpoints: &memCheckpoints{},
	}
	agents := Agents{
		Architect: agent.New(state.RoleArchitect, f.architect, config.AgentConfig{Model: "fake"}, profile),
		Developer: agent.New(state.RoleDeveloper, f.developer, config.AgentConfig{Model: "fake"}, profile),
		Reviewer:  agent.New(state.RoleReviewer, f.reviewer, config.AgentConfig{Model: "fake"}, profile),
	}
	f.engine = New(profile, agents, f.checkpoints, f.bus)
	return f
}

func startState() state.ExecutionState {
	return state.New("wf-1", "default", state.Issue{ID: "T-1", Title: "add", Description: "add addition"})
}

func TestHappyPathSingleTask(t *testing.T) {
	f := newFixture(t, []any{validPlan}, []any{approvedReview})

	out, err := f.engine.Run(context.Background(), startState(), 0)
	require.NoError(t, err)
	assert.False(t, out.Suspended)

	st := out.State
	assert.Equal(t, state.WorkflowStatusCompleted, st.WorkflowStatus)
	require.NotNil(t, st.Plan)
	assert.Len(t, st.Plan.Tasks, 1)
	assert.Equal(t, state.TaskStatusCompleted, st.GetTaskStatus("task-1"))
	require.NotNil(t, st.LastReview)
	assert.True(t, st.LastReview.Approved)

	types := f.bus.typesSeen()
	require.GreaterOrEqual(t, len(types), 6)
	for i, want := range []events.EventType{
		events.TypeWorkflowStarted,
		events.TypePlanCreated,
	} {
		assert.Equal(t, want, types[i])
	}
	assert.Equal(t, 1, f.bus.countOf(events.TypePlanValidated))
	assert.Equal(t, 1, f.bus.countOf(events.TypeApprovalDecision))
	assert.Equal(t, 1, f.bus.countOf(events.TypeTaskCompleted))
	assert.Equal(t, 1, f.bus.countOf(events.TypeReviewCompleted))
	assert.Equal(t, 1, f.bus.countOf(events.TypeWorkflowCompleted))

	// Sequences strictly increase across the stream.
	for i := 1; i < len(f.bus.events); i++ {
		assert.Greater(t, f.bus.events[i].Sequence, f.bus.events[i-1].Sequence)
	}

	// One checkpoint per transition with increasing steps.
	require.NotEmpty(t, f.checkpoints.steps)
	for i := 1; i < len(f.checkpoints.steps); i++ {
		assert.Equal(t, f.checkpoints.steps[i-1]+1, f.checkpoints.steps[i])
	}
}

func TestPlanRevisionLoop(t *testing.T) {
	f := newFixture(t, []any{invalidPlan, invalidPlan, validPlan}, []any{approvedReview})

	out, err := f.engine.Run(context.Background(), startState(), 0)
	require.NoError(t, err)
	assert.Equal(t, state.WorkflowStatusCompleted, out.State.WorkflowStatus)
	assert.Equal(t, 2, out.State.PlanRevisionCount)

	rejections := 0
	for _, ev := range f.bus.events {
		if ev.Type == events.TypePlanRejected {
			rejections++
			assert.Equal(t, "major", ev.Data["severity"])
		}
	}
	assert.Equal(t, 2, rejections)

	// Three plan generations plus one metadata extraction for the valid plan.
	assert.Equal(t, 4, f.architect.generateCalls())
}

func TestEscalateOnPlanExhaustion(t *testing.T) {
	f := newFixture(t, []any{invalidPlan}, nil)

	out, err := f.engine.Run(context.Background(), startState(), 0)
	require.NoError(t, err)
	require.True(t, out.Suspended)
	assert.Equal(t, state.WorkflowStatusAwaitingApproval, out.State.WorkflowStatus)
	assert.GreaterOrEqual(t, out.State.PlanRevisionCount, 3)
	assert.Equal(t, 1, f.bus.countOf(events.TypeAwaitingApproval))

	// Reject resumes the suspended graph into a terminal failure.
	rejected := false
	st, err := state.Reduce(out.State, state.Partial{state.FieldHumanApproved: &rejected})
	require.NoError(t, err)

	final, err := f.engine.Run(context.Background(), st, out.Step)
	require.NoError(t, err)
	assert.False(t, final.Suspended)
	assert.Equal(t, state.WorkflowStatusFailed, final.State.WorkflowStatus)
}

func TestReviewRejectionEscalatesToApproval(t *testing.T) {
	f := newFixture(t, []any{validPlan}, []any{rejectedReview})

	out, err := f.engine.Run(context.Background(), startState(), 0)
	require.NoError(t, err)
	require.True(t, out.Suspended)
	assert.Equal(t, state.WorkflowStatusAwaitingApproval, out.State.WorkflowStatus)
	assert.Equal(t, 2, out.State.ReviewIteration)

	// Human override: approve with all tasks terminal finishes the workflow.
	approved := true
	st, err := state.Reduce(out.State, state.Partial{state.FieldHumanApproved: &approved})
	require.NoError(t, err)

	final, err := f.engine.Run(context.Background(), st, out.Step)
	require.NoError(t, err)
	assert.Equal(t, state.WorkflowStatusCompleted, final.State.WorkflowStatus)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	transient := &driver.TransientProviderError{Op: "generate", StatusCode: 503}
	f := newFixture(t, []any{transient, validPlan}, []any{approvedReview})

	out, err := f.engine.Run(context.Background(), startState(), 0)
	require.NoError(t, err)
	assert.Equal(t, state.WorkflowStatusCompleted, out.State.WorkflowStatus)
	// Failed attempt, successful attempt, metadata extraction.
	assert.Equal(t, 3, f.architect.generateCalls())
}

func TestFailFastTaskFailure(t *testing.T) {
	f := newFixture(t, []any{validPlan}, nil)
	f.developer.agenticErr = "compile error"

	out, err := f.engine.Run(context.Background(), startState(), 0)
	require.NoError(t, err)
	assert.Equal(t, state.WorkflowStatusFailed, out.State.WorkflowStatus)
	assert.Equal(t, state.TaskStatusFailed, out.State.GetTaskStatus("task-1"))
	assert.Equal(t, 1, f.bus.countOf(events.TypeTaskFailed))
	assert.Equal(t, 1, f.bus.countOf(events.TypeWorkflowFailed))
}

func TestLenientRunWithFailedTaskNeverCompletes(t *testing.T) {
	f := newFixture(t, []any{twoTaskPlan}, []any{approvedReview})
	f.engine.profile.ExecutionMode = config.ExecutionLenient
	f.developer.agenticErrFor = map[string]string{"task-2": "compile error"}

	out, err := f.engine.Run(context.Background(), startState(), 0)
	require.NoError(t, err)
	assert.False(t, out.Suspended)

	st := out.State
	assert.Equal(t, state.WorkflowStatusFailed, st.WorkflowStatus)
	assert.Equal(t, state.TaskStatusCompleted, st.GetTaskStatus("task-1"))
	assert.Equal(t, state.TaskStatusFailed, st.GetTaskStatus("task-2"))
	assert.Equal(t, 1, f.bus.countOf(events.TypeWorkflowFailed))
	assert.Equal(t, 0, f.bus.countOf(events.TypeWorkflowCompleted))
}

func TestCancellationUnwinds(t *testing.T) {
	f := newFixture(t, []any{validPlan}, []any{approvedReview})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.engine.Run(ctx, startState(), 0)
	require.NoError(t, err)
	assert.Equal(t, state.WorkflowStatusCancelled, out.State.WorkflowStatus)
	assert.Equal(t, 1, f.bus.countOf(events.TypeWorkflowCancelled))
}

func TestResumeSkipsCompletedNodes(t *testing.T) {
	f := newFixture(t, []any{validPlan}, []any{approvedReview})

	// Build a state that already has a validated, approved plan.
	out, err := f.engine.Run(context.Background(), startState(), 0)
	require.NoError(t, err)
	require.Equal(t, state.WorkflowStatusCompleted, out.State.WorkflowStatus)
	plannedCalls := f.architect.generateCalls()

	// Resuming a mid-flight copy re-enters at the developer node.
	resume := out.State
	resume.WorkflowStatus = state.WorkflowStatusRunning
	resume.TaskResults = nil
	resume.LastReview = nil
	resume.ReviewIteration = 0

	final, err := f.engine.Run(context.Background(), resume, out.Step)
	require.NoError(t, err)
	assert.Equal(t, state.WorkflowStatusCompleted, final.State.WorkflowStatus)
	assert.Equal(t, plannedCalls, f.architect.generateCalls(), "architect must not re-run on resume")
}

func TestResumeInvalidPlanWithBudgetReentersPlanning(t *testing.T) {
	f := newFixture(t, []any{validPlan}, []any{approvedReview})

	// A crash landed between the validator's invalid verdict and the
	// architect's revision.
	st := startState()
	st.PlanMarkdown = invalidPlan
	st.Goal = "Implement the addition operation end to end with parser, evaluator, and tests."
	st.PlanValidationResult = &state.PlanValidationResult{
		Valid:    false,
		Issues:   []string{"plan has no '### Task N:' headings"},
		Severity: state.SeverityMajor,
	}
	st.PlanRevisionCount = 1

	out, err := f.engine.Run(context.Background(), st, 1)
	require.NoError(t, err)
	assert.Equal(t, state.WorkflowStatusCompleted, out.State.WorkflowStatus)

	// The architect revised the plan; the approval gate ran once, for the
	// revised valid plan, never for the invalid one.
	assert.Equal(t, 2, f.architect.generateCalls())
	assert.Equal(t, 1, f.bus.countOf(events.TypeApprovalDecision))
}

func TestWorkflowFailedEventMentionsCause(t *testing.T) {
	f := newFixture(t, []any{&driver.TransientProviderError{Op: "generate", StatusCode: 503}}, nil)

	out, err := f.engine.Run(context.Background(), startState(), 0)
	require.Error(t, err)
	assert.Equal(t, state.WorkflowStatusFailed, out.State.WorkflowStatus)

	var failed *events.Event
	for i := range f.bus.events {
		if f.bus.events[i].Type == events.TypeWorkflowFailed {
			failed = &f.bus.events[i]
		}
	}
	require.NotNil(t, failed)
	assert.True(t, strings.Contains(failed.Message, "architect"))
}
