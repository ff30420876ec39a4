package graph

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/amelia-ai/amelia/pkg/agent"
	"github.com/amelia-ai/amelia/pkg/config"
	"github.com/amelia-ai/amelia/pkg/events"
	"github.com/amelia-ai/amelia/pkg/state"
	"github.com/amelia-ai/amelia/pkg/taskdag"
)

// minPlanLength is the smallest plan markdown the validator accepts.
const minPlanLength = 200

var taskHeadingPattern = regexp.MustCompile(`(?m)^###\s+Task\s+\d+:`)

// placeholderGoals are goal strings the validator rejects as non-answers.
var placeholderGoals = map[string]bool{
	"": true, "tbd": true, "todo": true, "n/a": true, "none": true,
}

func (e *Engine) architectNode(ctx context.Context, st state.ExecutionState) (state.Partial, error) {
	var out agent.PlanOutput
	err := e.retryTransient(ctx, func() error {
		var err error
		out, err = e.agents.Architect.CreatePlan(ctx, st)
		return err
	})
	if err != nil {
		return nil, err
	}

	totalTasks := 0
	if out.DAG != nil {
		totalTasks = len(out.DAG.Tasks)
	}

	e.emit(ctx, st, events.TypePlanCreated, string(state.RoleArchitect), "plan created", map[string]any{
		"goal":        out.Goal,
		"total_tasks": totalTasks,
		"plan_path":   out.Path,
		"revision":    st.PlanRevisionCount,
	})

	return state.Partial{
		state.FieldPlan:         out.DAG,
		state.FieldPlanMarkdown: out.Markdown,
		state.FieldPlanPath:     out.Path,
		state.FieldGoal:         out.Goal,
		state.FieldTotalTasks:   totalTasks,
		state.FieldDriverSessions: map[state.Role]state.DriverSession{
			state.RoleArchitect: out.Session,
		},
		state.FieldHistory: []state.HistoryEntry{{
			TS:    time.Now().UTC(),
			Actor: string(state.RoleArchitect),
			Event: "plan_created",
			Detail: map[string]any{
				"total_tasks": totalTasks,
			},
		}},
	}, nil
}

// planValidatorNode runs deterministic structural checks on the produced
// plan. The LLM metadata extraction is advisory: a schema failure falls back
// to regex parsing, never to a workflow restart.
func (e *Engine) planValidatorNode(ctx context.Context, st state.ExecutionState) (state.Partial, error) {
	var issues []string

	if !taskHeadingPattern.MatchString(st.PlanMarkdown) {
		issues = append(issues, "plan has no '### Task N:' headings")
	} else if st.Plan == nil || len(st.Plan.Tasks) == 0 {
		issues = append(issues, "task sections did not parse into a dependency graph")
	}
	if placeholderGoals[strings.ToLower(strings.TrimSpace(st.Goal))] {
		issues = append(issues, "goal is missing or a placeholder")
	}
	if len(st.PlanMarkdown) < minPlanLength {
		issues = append(issues, fmt.Sprintf("plan content is under %d characters", minPlanLength))
	}

	result := &state.PlanValidationResult{Valid: len(issues) == 0, Issues: issues}
	switch len(issues) {
	case 0:
		result.Severity = state.SeverityNone
	case 1:
		result.Severity = state.SeverityMajor
	default:
		result.Severity = state.SeverityCritical
	}

	partial := state.Partial{
		state.FieldPlanValidationResult: result,
		state.FieldHistory: []state.HistoryEntry{{
			TS:    time.Now().UTC(),
			Actor: "plan_validator",
			Event: "plan_validated",
			Detail: map[string]any{
				"valid":  result.Valid,
				"issues": len(issues),
			},
		}},
	}

	if !result.Valid {
		partial[state.FieldPlanRevisionCount] = st.PlanRevisionCount + 1
		e.emit(ctx, st, events.TypePlanRejected, "plan_validator", "plan failed validation", map[string]any{
			"issues":         issues,
			"severity":       string(result.Severity),
			"revision_count": st.PlanRevisionCount + 1,
		})
		return partial, nil
	}

	meta := e.agents.Architect.ExtractPlanMetadata(ctx, st.PlanMarkdown)
	e.emit(ctx, st, events.TypePlanValidated, "plan_validator", "plan validated", map[string]any{
		"title":      meta.Title,
		"goal":       meta.Goal,
		"task_count": meta.TaskCount,
	})
	return partial, nil
}

// humanApprovalNode is the suspension point. It records an externally
// provided decision when one is present; otherwise it auto-approves per the
// profile or parks the workflow in awaiting_approval.
func (e *Engine) humanApprovalNode(ctx context.Context, st state.ExecutionState) (state.Partial, error) {
	if st.HumanApproved != nil {
		return e.applyApprovalDecision(ctx, st, *st.HumanApproved, "human")
	}

	if e.profile.AutoApproveReviews && !e.escalated(st) {
		return e.applyApprovalDecision(ctx, st, true, "auto")
	}

	e.emit(ctx, st, events.TypeAwaitingApproval, "", "workflow awaiting approval", map[string]any{
		"escalated": e.escalated(st),
	})
	return state.Partial{
		state.FieldWorkflowStatus: state.WorkflowStatusAwaitingApproval,
		state.FieldHistory: []state.HistoryEntry{{
			TS:    time.Now().UTC(),
			Actor: "human_approval",
			Event: "awaiting_approval",
		}},
	}, nil
}

func (e *Engine) applyApprovalDecision(ctx context.Context, st state.ExecutionState, approved bool, actor string) (state.Partial, error) {
	e.emit(ctx, st, events.TypeApprovalDecision, "", "approval decision", map[string]any{
		"approved": approved,
		"actor":    actor,
	})

	partial := state.Partial{
		state.FieldHumanApproved: &approved,
		state.FieldHistory: []state.HistoryEntry{{
			TS:    time.Now().UTC(),
			Actor: actor,
			Event: "approval_decision",
			Detail: map[string]any{
				"approved": approved,
			},
		}},
	}
	if !approved {
		partial[state.FieldWorkflowStatus] = state.WorkflowStatusFailed
		return partial, nil
	}

	partial[state.FieldWorkflowStatus] = state.WorkflowStatusRunning
	if st.PlanValidationResult != nil && !st.PlanValidationResult.Valid {
		// Approving an escalated invalid plan sends the architect back to
		// work with a fresh revision budget.
		partial[state.FieldPlanRevisionCount] = 0
		partial[state.FieldPlanValidationResult] = (*state.PlanValidationResult)(nil)
	}
	return partial, nil
}

// developerNode runs one ready task batch with the scheduler's concurrency
// bound and fail-fast policy.
func (e *Engine) developerNode(ctx context.Context, st state.ExecutionState) (state.Partial, error) {
	if st.Plan == nil {
		return nil, fmt.Errorf("no plan to execute")
	}

	mode := taskdag.ModeAgentic
	if e.profile.ExecutionMode == config.ExecutionLenient {
		mode = taskdag.ModeLenient
	}

	outcome, err := taskdag.Step(ctx, st.Plan, st, e.agents.Developer, taskdag.StepOptions{
		Concurrency: e.profile.TaskConcurrency,
		Mode:        mode,
	})
	if err != nil {
		return nil, err
	}

	if results, ok := outcome.Partial[state.FieldTaskResults].(map[string]state.TaskResult); ok {
		for _, result := range results {
			e.emitTaskEvent(ctx, st, result)
		}
	}
	return outcome.Partial, nil
}

func (e *Engine) emitTaskEvent(ctx context.Context, st state.ExecutionState, result state.TaskResult) {
	var t events.EventType
	switch result.Status {
	case state.TaskStatusCompleted:
		t = events.TypeTaskCompleted
	case state.TaskStatusFailed:
		t = events.TypeTaskFailed
	case state.TaskStatusSkipped:
		t = events.TypeTaskSkipped
	default:
		return
	}
	data := map[string]any{"task_id": result.TaskID}
	if result.Error != "" {
		data["error"] = result.Error
	}
	e.emit(ctx, st, t, string(state.RoleDeveloper), "task "+string(result.Status), data)
}

// reviewerNode reviews the batch results. A malformed reviewer response
// degrades to a conservative verdict inside the agent, so the only errors
// here are provider failures.
func (e *Engine) reviewerNode(ctx context.Context, st state.ExecutionState) (state.Partial, error) {
	var (
		review  state.ReviewResult
		session state.DriverSession
	)
	err := e.retryTransient(ctx, func() error {
		var err error
		review, session, err = e.agents.Reviewer.Review(ctx, st)
		return err
	})
	if err != nil {
		return nil, err
	}

	iteration := st.ReviewIteration + 1
	e.emit(ctx, st, events.TypeReviewCompleted, string(state.RoleReviewer), "review completed", map[string]any{
		"approved":  review.Approved,
		"severity":  string(review.Severity),
		"iteration": iteration,
	})

	partial := state.Partial{
		state.FieldLastReview:      &review,
		state.FieldReviewIteration: iteration,
		state.FieldDriverSessions: map[state.Role]state.DriverSession{
			state.RoleReviewer: session,
		},
		state.FieldHistory: []state.HistoryEntry{{
			TS:    time.Now().UTC(),
			Actor: string(state.RoleReviewer),
			Event: "review_completed",
			Detail: map[string]any{
				"approved":  review.Approved,
				"iteration": iteration,
			},
		}},
	}
	if !review.Approved && iteration >= e.maxReviewIterations() {
		// Escalating to the approval gate needs a fresh decision.
		partial[state.FieldHumanApproved] = (*bool)(nil)
	}
	return partial, nil
}

func (e *Engine) evaluatorNode(ctx context.Context, st state.ExecutionState) (state.Partial, error) {
	var summary string
	err := e.retryTransient(ctx, func() error {
		var err error
		summary, err = e.agents.Evaluator.Evaluate(ctx, st)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, st, events.TypeEvaluation, string(state.RoleEvaluator), "evaluation completed", map[string]any{
		"summary": summary,
	})
	return state.Partial{
		state.FieldHistory: []state.HistoryEntry{{
			TS:    time.Now().UTC(),
			Actor: string(state.RoleEvaluator),
			Event: "evaluation",
			Detail: map[string]any{
				"summary": summary,
			},
		}},
	}, nil
}
