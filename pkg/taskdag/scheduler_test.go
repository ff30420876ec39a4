package taskdag

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amelia-ai/amelia/pkg/state"
)

// scriptedExecutor returns a canned status per task id and records the
// maximum number of tasks running at once.
type scriptedExecutor struct {
	mu         sync.Mutex
	statuses   map[string]state.TaskStatus
	running    int
	maxRunning int
	executed   []string
	release    chan struct{} // when set, tasks block until closed
}

func (e *scriptedExecutor) ExecuteTask(ctx context.Context, task state.Task, _ state.ExecutionState) state.TaskResult {
	e.mu.Lock()
	e.running++
	if e.running > e.maxRunning {
		e.maxRunning = e.running
	}
	e.executed = append(e.executed, task.ID)
	release := e.release
	e.mu.Unlock()

	if release != nil {
		<-release
	}

	e.mu.Lock()
	e.running--
	status, ok := e.statuses[task.ID]
	e.mu.Unlock()
	if !ok {
		status = state.TaskStatusCompleted
	}

	result := state.TaskResult{TaskID: task.ID, Status: status}
	if status == state.TaskStatusFailed {
		result.Error = "boom"
	}
	return result
}

func diamondDAG(t *testing.T) *state.TaskDAG {
	t.Helper()
	dag, err := state.NewTaskDAG([]state.Task{
		{ID: "A"},
		{ID: "B"},
		{ID: "C", Dependencies: []string{"A", "B"}},
	}, "T-1")
	require.NoError(t, err)
	return dag
}

func TestReadyTasksRespectsDependencies(t *testing.T) {
	dag := diamondDAG(t)
	st := state.New("wf-1", "default", state.Issue{})
	st.Plan = dag

	ready := ReadyTasks(dag, st)
	require.Len(t, ready, 2)
	assert.Equal(t, "A", ready[0].ID)
	assert.Equal(t, "B", ready[1].ID)

	st.TaskResults = map[string]state.TaskResult{
		"A": {TaskID: "A", Status: state.TaskStatusCompleted},
	}
	ready = ReadyTasks(dag, st)
	require.Len(t, ready, 1)
	assert.Equal(t, "B", ready[0].ID)
}

func TestStepParallelBatchesThenJoin(t *testing.T) {
	dag := diamondDAG(t)
	st := state.New("wf-1", "default", state.Issue{})
	st.Plan = dag
	exec := &scriptedExecutor{statuses: map[string]state.TaskStatus{}}
	opts := StepOptions{Concurrency: 2, Mode: ModeAgentic}

	// First batch: A and B in parallel.
	outcome, err := Step(context.Background(), dag, st, exec, opts)
	require.NoError(t, err)
	assert.False(t, outcome.Done)
	assert.False(t, outcome.Failed)

	st, err = state.Reduce(st, outcome.Partial)
	require.NoError(t, err)
	assert.Equal(t, state.TaskStatusCompleted, st.GetTaskStatus("A"))
	assert.Equal(t, state.TaskStatusCompleted, st.GetTaskStatus("B"))
	assert.Equal(t, state.TaskStatusPending, st.GetTaskStatus("C"))

	completed, total := Progress(dag, st)
	assert.Equal(t, 2, completed)
	assert.Equal(t, 3, total)

	// Second batch: C.
	outcome, err = Step(context.Background(), dag, st, exec, opts)
	require.NoError(t, err)
	assert.True(t, outcome.Done)

	st, err = state.Reduce(st, outcome.Partial)
	require.NoError(t, err)
	assert.Equal(t, []string{"task:A", "task:B", "task:C"}, st.CompletedSteps.Sorted())
	assert.True(t, st.AllTasksTerminal())
}

func TestStepHonorsConcurrencyBound(t *testing.T) {
	tasks := []state.Task{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	dag, err := state.NewTaskDAG(tasks, "T-1")
	require.NoError(t, err)

	st := state.New("wf-1", "default", state.Issue{})
	st.Plan = dag
	exec := &scriptedExecutor{statuses: map[string]state.TaskStatus{}}

	_, err = Step(context.Background(), dag, st, exec, StepOptions{Concurrency: 2, Mode: ModeLenient})
	require.NoError(t, err)
	assert.LessOrEqual(t, exec.maxRunning, 2)
	assert.Len(t, exec.executed, 4)
}

func TestStepFailFastUnderAgentic(t *testing.T) {
	dag, err := state.NewTaskDAG([]state.Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
	}, "T-1")
	require.NoError(t, err)

	st := state.New("wf-1", "default", state.Issue{})
	st.Plan = dag
	exec := &scriptedExecutor{statuses: map[string]state.TaskStatus{
		"a": state.TaskStatusFailed,
	}}

	outcome, err := Step(context.Background(), dag, st, exec, StepOptions{Concurrency: 1, Mode: ModeAgentic})
	require.NoError(t, err)
	assert.True(t, outcome.Failed)
	assert.Equal(t, state.WorkflowStatusFailed, outcome.Partial[state.FieldWorkflowStatus])

	st, err = state.Reduce(st, outcome.Partial)
	require.NoError(t, err)
	assert.Equal(t, state.TaskStatusFailed, st.GetTaskStatus("a"))
	assert.Equal(t, state.TaskStatusPending, st.GetTaskStatus("b"))
	assert.Equal(t, state.WorkflowStatusFailed, st.WorkflowStatus)
}

func TestStepLenientSkipsBlockedTasks(t *testing.T) {
	dag, err := state.NewTaskDAG([]state.Task{
		{ID: "a"},
		{ID: "b"},
		{ID: "c", Dependencies: []string{"a"}},
	}, "T-1")
	require.NoError(t, err)

	st := state.New("wf-1", "default", state.Issue{})
	st.Plan = dag
	exec := &scriptedExecutor{statuses: map[string]state.TaskStatus{
		"a": state.TaskStatusFailed,
	}}
	opts := StepOptions{Concurrency: 2, Mode: ModeLenient}

	// Batch 1: a fails, b completes; workflow keeps going.
	outcome, err := Step(context.Background(), dag, st, exec, opts)
	require.NoError(t, err)
	assert.False(t, outcome.Failed)
	st, err = state.Reduce(st, outcome.Partial)
	require.NoError(t, err)

	// Batch 2: c is blocked behind the failed a and gets skipped.
	outcome, err = Step(context.Background(), dag, st, exec, opts)
	require.NoError(t, err)
	assert.True(t, outcome.Done)
	st, err = state.Reduce(st, outcome.Partial)
	require.NoError(t, err)
	assert.Equal(t, state.TaskStatusSkipped, st.GetTaskStatus("c"))
	assert.True(t, st.AllTasksTerminal())
}

// DAG idempotence: stepping a fully settled plan returns done with an empty
// update.
func TestStepIdempotentWhenAllCompleted(t *testing.T) {
	dag := diamondDAG(t)
	st := state.New("wf-1", "default", state.Issue{})
	st.Plan = dag
	st.TaskResults = map[string]state.TaskResult{
		"A": {TaskID: "A", Status: state.TaskStatusCompleted},
		"B": {TaskID: "B", Status: state.TaskStatusCompleted},
		"C": {TaskID: "C", Status: state.TaskStatusCompleted},
	}

	exec := &scriptedExecutor{}
	outcome, err := Step(context.Background(), dag, st, exec, StepOptions{Concurrency: 2, Mode: ModeAgentic})
	require.NoError(t, err)
	assert.True(t, outcome.Done)
	assert.Empty(t, outcome.Partial)
	assert.Empty(t, exec.executed)
}
