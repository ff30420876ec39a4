// Package taskdag derives ready task batches from the execution state and
// runs them with bounded parallelism. All operations are pure over the
// immutable DAG + state pair; results come back as a state.Partial.
package taskdag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amelia-ai/amelia/pkg/state"
)

// ExecutionMode controls the fail-fast policy for a batch.
type ExecutionMode string

// Execution modes.
const (
	// ModeAgentic aborts the workflow on the first failed task.
	ModeAgentic ExecutionMode = "agentic"
	// ModeLenient continues with remaining tasks whose dependencies are
	// still satisfied.
	ModeLenient ExecutionMode = "lenient"
)

// errTaskFailed aborts an agentic batch through the errgroup. The failed
// TaskResult is still recorded; this error only stops the siblings.
var errTaskFailed = errors.New("task failed")

// TaskExecutor runs a single task and returns its result. Implementations
// wrap the developer agent.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, task state.Task, st state.ExecutionState) state.TaskResult
}

// StepOptions bound a single scheduler step.
type StepOptions struct {
	Concurrency int
	Mode        ExecutionMode
}

// StepOutcome is the result of one scheduler step.
type StepOutcome struct {
	// Partial holds the merged task results for the batch.
	Partial state.Partial
	// Done is true when every task in the plan has reached a terminal
	// status (before or after this step).
	Done bool
	// Failed is true when a fail-fast abort was triggered.
	Failed bool
}

// ReadyTasks returns tasks whose status is pending and whose dependencies
// have all completed, in plan declaration order.
func ReadyTasks(dag *state.TaskDAG, st state.ExecutionState) []state.Task {
	var ready []state.Task
	for _, task := range dag.Tasks {
		if st.GetTaskStatus(task.ID) != state.TaskStatusPending {
			continue
		}
		if depsCompleted(task, st) {
			ready = append(ready, task)
		}
	}
	return ready
}

func depsCompleted(task state.Task, st state.ExecutionState) bool {
	for _, dep := range task.Dependencies {
		if st.GetTaskStatus(dep) != state.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// Progress returns the number of terminal tasks and the total task count.
func Progress(dag *state.TaskDAG, st state.ExecutionState) (completed, total int) {
	for _, task := range dag.Tasks {
		if st.GetTaskStatus(task.ID).Terminal() {
			completed++
		}
	}
	return completed, len(dag.Tasks)
}

// Step runs one ready batch with bounded parallelism. Task completions within
// the batch are unordered; per-task partials are merged with the annotated
// reducers so the final state is order-insensitive.
//
// Running Step on a state where every task is already terminal returns
// Done=true with an empty update (idempotence).
func Step(ctx context.Context, dag *state.TaskDAG, st state.ExecutionState, executor TaskExecutor, opts StepOptions) (StepOutcome, error) {
	if st.AllTasksTerminal() {
		return StepOutcome{Partial: state.Partial{}, Done: true}, nil
	}

	ready := ReadyTasks(dag, st)
	if len(ready) == 0 {
		// Remaining pending tasks are blocked behind failed or skipped
		// dependencies. Under lenient mode they can never run; mark them
		// skipped so the workflow can settle.
		return skipBlocked(dag, st)
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	log := slog.With("batch_size", len(ready), "concurrency", concurrency, "mode", string(opts.Mode))
	log.Info("Scheduling task batch")

	var (
		mu      sync.Mutex
		partial = state.Partial{}
		failed  bool
	)

	g, batchCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, task := range ready {
		g.Go(func() error {
			if batchCtx.Err() != nil {
				return nil // batch aborted before this task started
			}

			result := executor.ExecuteTask(batchCtx, task, st)
			result.TaskID = task.ID
			if result.CompletedAt == nil && result.Status.Terminal() {
				now := time.Now().UTC()
				result.CompletedAt = &now
			}

			taskPartial := state.Partial{
				state.FieldTaskResults: map[string]state.TaskResult{task.ID: result},
				state.FieldHistory: []state.HistoryEntry{{
					TS:    time.Now().UTC(),
					Actor: string(state.RoleDeveloper),
					Event: "task_" + string(result.Status),
					Detail: map[string]any{
						"task_id": task.ID,
					},
				}},
			}
			if result.Status == state.TaskStatusCompleted {
				taskPartial[state.FieldCompletedSteps] = []string{"task:" + task.ID}
			}

			mu.Lock()
			merged, err := state.MergePartials(partial, taskPartial)
			if err == nil {
				partial = merged
			}
			if result.Status == state.TaskStatusFailed {
				failed = true
			}
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("merging result for task %s: %w", task.ID, err)
			}

			if result.Status == state.TaskStatusFailed && opts.Mode == ModeAgentic {
				return errTaskFailed
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errTaskFailed) {
		return StepOutcome{}, err
	}

	if failed && opts.Mode == ModeAgentic {
		// Short-circuit the workflow: remaining tasks stay pending, the
		// workflow transitions to failed.
		partial[state.FieldWorkflowStatus] = state.WorkflowStatusFailed
		return StepOutcome{Partial: partial, Failed: true}, nil
	}

	next, err := state.Reduce(st, partial)
	if err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{Partial: partial, Done: next.AllTasksTerminal()}, nil
}

// skipBlocked marks pending tasks with a failed or skipped dependency as
// skipped. Called when no tasks are ready but the plan has not settled.
func skipBlocked(dag *state.TaskDAG, st state.ExecutionState) (StepOutcome, error) {
	results := make(map[string]state.TaskResult)
	for _, task := range dag.Tasks {
		if st.GetTaskStatus(task.ID) != state.TaskStatusPending {
			continue
		}
		for _, dep := range task.Dependencies {
			depStatus := st.GetTaskStatus(dep)
			if depStatus == state.TaskStatusFailed || depStatus == state.TaskStatusSkipped {
				now := time.Now().UTC()
				results[task.ID] = state.TaskResult{
					TaskID:      task.ID,
					Status:      state.TaskStatusSkipped,
					Error:       fmt.Sprintf("dependency %s %s", dep, depStatus),
					CompletedAt: &now,
				}
				break
			}
		}
	}

	if len(results) == 0 {
		// Nothing ready and nothing blocked: with a validated acyclic DAG
		// this means in_progress tasks are still running elsewhere.
		return StepOutcome{Partial: state.Partial{}}, nil
	}

	partial := state.Partial{state.FieldTaskResults: results}
	next, err := state.Reduce(st, partial)
	if err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{Partial: partial, Done: next.AllTasksTerminal()}, nil
}
