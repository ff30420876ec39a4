// Package graph runs a workflow through the directed node graph: architect,
// plan validator, human approval gate, developer, reviewer, and the optional
// evaluator. One engine invocation advances a single frontier node-by-node;
// every transition is reduced into the immutable state and checkpointed.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/amelia-ai/amelia/pkg/agent"
	"github.com/amelia-ai/amelia/pkg/config"
	"github.com/amelia-ai/amelia/pkg/driver"
	"github.com/amelia-ai/amelia/pkg/events"
	"github.com/amelia-ai/amelia/pkg/state"
)

// Node names.
const (
	NodeArchitect     = "architect"
	NodePlanValidator = "plan_validator"
	NodeHumanApproval = "human_approval"
	NodeDeveloper     = "developer"
	NodeReviewer      = "reviewer"
	NodeEvaluator     = "evaluator"
	NodeEnd           = "end"
)

// maxSteps guards against a routing bug looping forever. Every legitimate
// path through the graph is far shorter.
const maxSteps = 256

// defaultMaxIterations bounds feedback loops when the profile sets none.
const defaultMaxIterations = 3

// Agents holds the per-role agents for one workflow. Evaluator is optional.
type Agents struct {
	Architect *agent.Agent
	Developer *agent.Agent
	Reviewer  *agent.Agent
	Evaluator *agent.Agent
}

// Checkpointer persists a state snapshot per transition.
type Checkpointer interface {
	Save(ctx context.Context, workflowID string, step int64, st state.ExecutionState) error
}

// Emitter publishes workflow events.
type Emitter interface {
	Emit(ctx context.Context, event events.Event) (events.Event, error)
}

// Engine advances one workflow through the graph.
type Engine struct {
	profile     *config.Profile
	agents      Agents
	checkpoints Checkpointer
	bus         Emitter
}

// New builds an engine for a single workflow's agents and profile.
func New(profile *config.Profile, agents Agents, checkpoints Checkpointer, bus Emitter) *Engine {
	return &Engine{profile: profile, agents: agents, checkpoints: checkpoints, bus: bus}
}

// Outcome is the result of one engine invocation.
type Outcome struct {
	State state.ExecutionState
	// Step is the last checkpointed step number, the input for a later
	// resume.
	Step int64
	// Suspended is true when the graph stopped at the approval gate and
	// waits for an external decision.
	Suspended bool
}

// Run advances the workflow from the given state until it completes, fails,
// or suspends at the approval gate. step is the last checkpointed step
// number, zero for a fresh workflow.
//
// Resume is the same call with the latest checkpointed state: the entry node
// is derived from the state, so prior nodes are never re-executed.
func (e *Engine) Run(ctx context.Context, st state.ExecutionState, step int64) (Outcome, error) {
	log := slog.With("workflow_id", st.WorkflowID, "profile", e.profile.Name)

	if step == 0 {
		e.emit(ctx, st, events.TypeWorkflowStarted, "", "workflow started", map[string]any{
			"issue_id": st.Issue.ID,
		})
	} else {
		e.emit(ctx, st, events.TypeWorkflowResumed, "", "workflow resumed", map[string]any{
			"step": step,
		})
	}

	node := e.entryNode(st)
	start := step

	for node != NodeEnd {
		if err := ctx.Err(); err != nil {
			return e.cancel(st, step, log)
		}
		if step-start >= maxSteps {
			return e.fail(ctx, st, step, fmt.Errorf("graph exceeded %d steps at node %s", maxSteps, node))
		}

		log.Info("Running node", "node", node, "step", step+1)
		partial, err := e.runNode(ctx, node, st)
		if err != nil {
			if ctx.Err() != nil {
				return e.cancel(st, step, log)
			}
			return e.fail(ctx, st, step, fmt.Errorf("node %s: %w", node, err))
		}

		next, err := state.Reduce(st, partial)
		if err != nil {
			return e.fail(ctx, st, step, fmt.Errorf("reducing output of %s: %w", node, err))
		}
		st = next
		step++

		if err := e.checkpoints.Save(ctx, st.WorkflowID, step, st); err != nil {
			return Outcome{State: st, Step: step - 1}, fmt.Errorf("checkpointing step %d: %w", step, err)
		}
		e.emit(ctx, st, events.TypeCheckpointSaved, "", "checkpoint saved", map[string]any{
			"step": step,
			"node": node,
		})

		if node == NodeHumanApproval && st.WorkflowStatus == state.WorkflowStatusAwaitingApproval {
			log.Info("Workflow awaiting approval", "step", step)
			return Outcome{State: st, Step: step, Suspended: true}, nil
		}

		node = e.route(node, st)
	}

	return e.finish(ctx, st, step)
}

// entryNode derives where to (re)enter the graph from the state alone.
func (e *Engine) entryNode(st state.ExecutionState) string {
	switch {
	case st.WorkflowStatus == state.WorkflowStatusAwaitingApproval:
		return NodeHumanApproval
	case st.PlanMarkdown == "":
		return NodeArchitect
	case st.PlanValidationResult == nil:
		return NodePlanValidator
	case !st.PlanValidationResult.Valid && st.PlanRevisionCount < e.maxPlanRevisions():
		// Revision budget left: re-enter planning, not the approval gate.
		return NodeArchitect
	case st.HumanApproved == nil:
		return NodeHumanApproval
	default:
		return NodeDeveloper
	}
}

func (e *Engine) runNode(ctx context.Context, node string, st state.ExecutionState) (state.Partial, error) {
	switch node {
	case NodeArchitect:
		return e.architectNode(ctx, st)
	case NodePlanValidator:
		return e.planValidatorNode(ctx, st)
	case NodeHumanApproval:
		return e.humanApprovalNode(ctx, st)
	case NodeDeveloper:
		return e.developerNode(ctx, st)
	case NodeReviewer:
		return e.reviewerNode(ctx, st)
	case NodeEvaluator:
		return e.evaluatorNode(ctx, st)
	default:
		return nil, fmt.Errorf("unknown node %q", node)
	}
}

// route is a pure function of state and profile.
func (e *Engine) route(from string, st state.ExecutionState) string {
	switch from {
	case NodeArchitect:
		return NodePlanValidator

	case NodePlanValidator:
		result := st.PlanValidationResult
		if result == nil || result.Valid {
			return NodeHumanApproval
		}
		if st.PlanRevisionCount < e.maxPlanRevisions() {
			return NodeArchitect
		}
		return NodeHumanApproval // escalate

	case NodeHumanApproval:
		if st.WorkflowStatus == state.WorkflowStatusFailed {
			return NodeEnd
		}
		if st.Plan == nil {
			// Approval of an escalated invalid plan reopens planning.
			return NodeArchitect
		}
		if st.AllTasksTerminal() {
			return e.evaluatorOrEnd()
		}
		return NodeDeveloper

	case NodeDeveloper:
		if st.WorkflowStatus == state.WorkflowStatusFailed {
			return NodeEnd
		}
		return NodeReviewer

	case NodeReviewer:
		review := st.LastReview
		if review != nil && !review.Approved {
			if st.ReviewIteration >= e.maxReviewIterations() {
				return NodeHumanApproval // escalate
			}
			return NodeDeveloper
		}
		if st.AllTasksTerminal() {
			return e.evaluatorOrEnd()
		}
		return NodeDeveloper

	default:
		return NodeEnd
	}
}

func (e *Engine) evaluatorOrEnd() string {
	if e.agents.Evaluator != nil {
		return NodeEvaluator
	}
	return NodeEnd
}

func (e *Engine) maxPlanRevisions() int {
	return e.profile.MaxIterationsFor(state.RoleArchitect, defaultMaxIterations)
}

func (e *Engine) maxReviewIterations() int {
	return e.profile.MaxIterationsFor(state.RoleReviewer, defaultMaxIterations)
}

// escalated reports whether the approval gate was reached through a
// feedback-loop exhaustion rather than the normal plan gate. Escalations are
// never auto-approved.
func (e *Engine) escalated(st state.ExecutionState) bool {
	if st.PlanValidationResult != nil && !st.PlanValidationResult.Valid &&
		st.PlanRevisionCount >= e.maxPlanRevisions() {
		return true
	}
	if st.LastReview != nil && !st.LastReview.Approved &&
		st.ReviewIteration >= e.maxReviewIterations() {
		return true
	}
	return false
}

// retryTransient retries an operation on TransientProviderError with bounded
// exponential backoff per the profile's retry config. Any other error is
// permanent.
func (e *Engine) retryTransient(ctx context.Context, op func() error) error {
	retry := e.profile.Retry

	bo := backoff.NewExponentialBackOff()
	if retry.BaseDelayMS > 0 {
		bo.InitialInterval = retry.BaseDelay()
	}
	if retry.MaxDelayMS > 0 {
		bo.MaxInterval = retry.MaxDelay()
	}

	attempts := retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !driver.IsTransient(err) {
			return backoff.Permanent(err)
		}
		slog.Warn("Transient provider error, retrying", "error", err)
		return err
	}, policy)
}

func (e *Engine) finish(ctx context.Context, st state.ExecutionState, step int64) (Outcome, error) {
	if st.WorkflowStatus == state.WorkflowStatusRunning {
		// A lenient run reaches the end carrying failed task results; a
		// workflow completes only when every task did.
		status := state.WorkflowStatusCompleted
		if len(failedTaskIDs(st)) > 0 {
			status = state.WorkflowStatusFailed
		}
		next, err := state.Reduce(st, state.Partial{
			state.FieldWorkflowStatus: status,
		})
		if err != nil {
			return Outcome{State: st, Step: step}, err
		}
		st = next
		step++
		if err := e.checkpoints.Save(ctx, st.WorkflowID, step, st); err != nil {
			return Outcome{State: st, Step: step - 1}, fmt.Errorf("checkpointing final step: %w", err)
		}
	}

	if st.WorkflowStatus == state.WorkflowStatusFailed {
		e.emit(ctx, st, events.TypeWorkflowFailed, "", "workflow failed", map[string]any{
			"failed_tasks": failedTaskIDs(st),
		})
	} else {
		e.emit(ctx, st, events.TypeWorkflowCompleted, "", "workflow completed", map[string]any{
			"status": string(st.WorkflowStatus),
		})
	}
	return Outcome{State: st, Step: step}, nil
}

// failedTaskIDs lists plan tasks whose recorded result is failed.
func failedTaskIDs(st state.ExecutionState) []string {
	if st.Plan == nil {
		return nil
	}
	var ids []string
	for _, t := range st.Plan.Tasks {
		if st.GetTaskStatus(t.ID) == state.TaskStatusFailed {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// fail marks the workflow failed, persists a final checkpoint and event, and
// surfaces the cause.
func (e *Engine) fail(ctx context.Context, st state.ExecutionState, step int64, cause error) (Outcome, error) {
	slog.Error("Workflow failed", "workflow_id", st.WorkflowID, "error", cause)

	next, rerr := state.Reduce(st, state.Partial{
		state.FieldWorkflowStatus: state.WorkflowStatusFailed,
		state.FieldHistory: []state.HistoryEntry{{
			TS:    time.Now().UTC(),
			Actor: "engine",
			Event: "workflow_failed",
			Detail: map[string]any{
				"error": cause.Error(),
			},
		}},
	})
	if rerr == nil {
		st = next
		step++
		// Final persistence is best-effort: the cause already decides the
		// outcome.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.checkpoints.Save(saveCtx, st.WorkflowID, step, st); err != nil {
			slog.Error("Failed to checkpoint failed workflow", "workflow_id", st.WorkflowID, "error", err)
		}
		e.emit(saveCtx, st, events.TypeWorkflowFailed, "", cause.Error(), nil)
	}
	return Outcome{State: st, Step: step}, cause
}

// cancel unwinds a cooperatively cancelled workflow.
func (e *Engine) cancel(st state.ExecutionState, step int64, log *slog.Logger) (Outcome, error) {
	log.Info("Workflow cancelled", "step", step)

	next, err := state.Reduce(st, state.Partial{
		state.FieldWorkflowStatus: state.WorkflowStatusCancelled,
	})
	if err != nil {
		return Outcome{State: st, Step: step}, err
	}
	st = next
	step++

	saveCtx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()
	if err := e.checkpoints.Save(saveCtx, st.WorkflowID, step, st); err != nil {
		slog.Error("Failed to checkpoint cancelled workflow", "workflow_id", st.WorkflowID, "error", err)
	}
	e.emit(saveCtx, st, events.TypeWorkflowCancelled, "", "workflow cancelled", nil)
	return Outcome{State: st, Step: step}, nil
}

func (e *Engine) emit(ctx context.Context, st state.ExecutionState, t events.EventType, agentName, message string, data map[string]any) {
	if e.bus == nil {
		return
	}
	_, err := e.bus.Emit(ctx, events.Event{
		WorkflowID: st.WorkflowID,
		Agent:      agentName,
		Type:       t,
		Message:    message,
		Data:       data,
	})
	if err != nil {
		slog.Error("Failed to emit event", "workflow_id", st.WorkflowID, "type", string(t), "error", err)
	}
}
