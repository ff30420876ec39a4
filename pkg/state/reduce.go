package state

import (
	"fmt"
)

// Partial is a node's output: only the fields the node wrote, keyed by the
// canonical (JSON) field name.
type Partial map[string]any

// Field names accepted in a Partial.
const (
	FieldIssue                = "issue"
	FieldDesign               = "design"
	FieldPlan                 = "plan"
	FieldPlanMarkdown         = "plan_markdown"
	FieldPlanPath             = "plan_path"
	FieldGoal                 = "goal"
	FieldTaskResults          = "task_results"
	FieldDriverSessions       = "driver_sessions"
	FieldHistory              = "history"
	FieldCompletedSteps       = "completed_steps"
	FieldLastReview           = "last_review"
	FieldReviewIteration      = "review_iteration"
	FieldPlanValidationResult = "plan_validation_result"
	FieldPlanRevisionCount    = "plan_revision_count"
	FieldCurrentTaskID        = "current_task_id"
	FieldTotalTasks           = "total_tasks"
	FieldCurrentTaskIndex     = "current_task_index"
	FieldWorkflowStatus       = "workflow_status"
	FieldHumanApproved        = "human_approved"
)

// annotatedFields maps each reducer-annotated field to its merge semantics.
// Every other known field is single-writer.
var annotatedFields = map[string]bool{
	FieldTaskResults:    true, // dict_merge
	FieldDriverSessions: true, // dict_merge
	FieldHistory:        true, // list_append
	FieldCompletedSteps: true, // set_union
}

var knownFields = map[string]bool{
	FieldIssue: true, FieldDesign: true, FieldPlan: true,
	FieldPlanMarkdown: true, FieldPlanPath: true, FieldGoal: true,
	FieldTaskResults: true, FieldDriverSessions: true, FieldHistory: true,
	FieldCompletedSteps: true, FieldLastReview: true, FieldReviewIteration: true,
	FieldPlanValidationResult: true, FieldPlanRevisionCount: true,
	FieldCurrentTaskID: true, FieldTotalTasks: true, FieldCurrentTaskIndex: true,
	FieldWorkflowStatus: true, FieldHumanApproved: true,
}

// ConcurrentWriteError reports two reducer inputs writing the same
// single-writer field. This is a design bug in the graph, not a runtime
// condition to retry.
type ConcurrentWriteError struct {
	Field string
}

func (e *ConcurrentWriteError) Error() string {
	return fmt.Sprintf("concurrent write to single-writer field %q", e.Field)
}

// Reduce merges a partial node output into the current state and returns the
// next snapshot. Neither input is mutated. Reduce is total over well-typed
// inputs; a type mismatch or unknown field is an error.
func Reduce(current ExecutionState, partial Partial) (ExecutionState, error) {
	next := current

	for field, value := range partial {
		if !knownFields[field] {
			return ExecutionState{}, fmt.Errorf("reduce: unknown field %q", field)
		}

		switch field {
		case FieldTaskResults:
			m, err := asType[map[string]TaskResult](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.TaskResults = mergeDict(next.TaskResults, m)

		case FieldDriverSessions:
			m, err := asType[map[Role]DriverSession](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.DriverSessions = mergeDict(next.DriverSessions, m)

		case FieldHistory:
			entries, err := asType[[]HistoryEntry](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			combined := make([]HistoryEntry, 0, len(next.History)+len(entries))
			combined = append(combined, next.History...)
			combined = append(combined, entries...)
			next.History = combined

		case FieldCompletedSteps:
			set, err := asStringSet(value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.CompletedSteps = next.CompletedSteps.Union(set)

		case FieldIssue:
			v, err := asType[Issue](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.Issue = v
		case FieldDesign:
			v, err := asType[*Design](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.Design = v
		case FieldPlan:
			v, err := asType[*TaskDAG](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			if v != nil {
				if err := v.Validate(); err != nil {
					return ExecutionState{}, fmt.Errorf("reduce: invalid plan: %w", err)
				}
			}
			next.Plan = v
		case FieldPlanMarkdown:
			v, err := asType[string](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.PlanMarkdown = v
		case FieldPlanPath:
			v, err := asType[string](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.PlanPath = v
		case FieldGoal:
			v, err := asType[string](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.Goal = v
		case FieldLastReview:
			v, err := asType[*ReviewResult](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.LastReview = v
		case FieldReviewIteration:
			v, err := asType[int](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.ReviewIteration = v
		case FieldPlanValidationResult:
			v, err := asType[*PlanValidationResult](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.PlanValidationResult = v
		case FieldPlanRevisionCount:
			v, err := asType[int](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.PlanRevisionCount = v
		case FieldCurrentTaskID:
			v, err := asType[string](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.CurrentTaskID = v
		case FieldTotalTasks:
			v, err := asType[int](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.TotalTasks = v
		case FieldCurrentTaskIndex:
			v, err := asType[int](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.CurrentTaskIndex = v
		case FieldWorkflowStatus:
			v, err := asType[WorkflowStatus](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.WorkflowStatus = v
		case FieldHumanApproved:
			v, err := asType[*bool](field, value)
			if err != nil {
				return ExecutionState{}, err
			}
			next.HumanApproved = v
		}
	}

	return next, nil
}

// MergePartials combines two partials into one, applying the annotated
// reducers field-by-field. Both partials writing the same single-writer
// field is a ConcurrentWriteError.
func MergePartials(a, b Partial) (Partial, error) {
	out := make(Partial, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}

	for field, bv := range b {
		av, both := out[field]
		if !both {
			out[field] = bv
			continue
		}
		if !annotatedFields[field] {
			return nil, &ConcurrentWriteError{Field: field}
		}

		switch field {
		case FieldTaskResults:
			am, err := asType[map[string]TaskResult](field, av)
			if err != nil {
				return nil, err
			}
			bm, err := asType[map[string]TaskResult](field, bv)
			if err != nil {
				return nil, err
			}
			out[field] = mergeDict(am, bm)
		case FieldDriverSessions:
			am, err := asType[map[Role]DriverSession](field, av)
			if err != nil {
				return nil, err
			}
			bm, err := asType[map[Role]DriverSession](field, bv)
			if err != nil {
				return nil, err
			}
			out[field] = mergeDict(am, bm)
		case FieldHistory:
			ah, err := asType[[]HistoryEntry](field, av)
			if err != nil {
				return nil, err
			}
			bh, err := asType[[]HistoryEntry](field, bv)
			if err != nil {
				return nil, err
			}
			combined := make([]HistoryEntry, 0, len(ah)+len(bh))
			combined = append(combined, ah...)
			combined = append(combined, bh...)
			out[field] = combined
		case FieldCompletedSteps:
			as, err := asStringSet(av)
			if err != nil {
				return nil, err
			}
			bs, err := asStringSet(bv)
			if err != nil {
				return nil, err
			}
			out[field] = as.Union(bs)
		}
	}

	return out, nil
}

// mergeDict performs a right-wins key-by-key merge without mutating either
// input map.
func mergeDict[K comparable, V any](left, right map[K]V) map[K]V {
	out := make(map[K]V, len(left)+len(right))
	for k, v := range left {
		out[k] = v
	}
	for k, v := range right {
		out[k] = v
	}
	return out
}

func asType[T any](field string, value any) (T, error) {
	v, ok := value.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("reduce: field %q has type %T, want %T", field, value, zero)
	}
	return v, nil
}

// asStringSet accepts either a StringSet or a []string for convenience in
// node code.
func asStringSet(value any) (StringSet, error) {
	switch v := value.(type) {
	case StringSet:
		return v, nil
	case []string:
		return NewStringSet(v...), nil
	default:
		return nil, fmt.Errorf("reduce: field %q has type %T, want StringSet or []string", FieldCompletedSteps, value)
	}
}
