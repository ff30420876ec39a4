// Package state defines the immutable workflow state and the typed reducers
// that merge partial node outputs into the canonical ExecutionState.
package state

import (
	"encoding/json"
	"sort"
	"time"
)

// Role identifies an agent role. Driver sessions are partitioned by role so
// parallel nodes never share a session.
type Role string

// Agent roles.
const (
	RoleArchitect Role = "architect"
	RoleDeveloper Role = "developer"
	RoleReviewer  Role = "reviewer"
	RoleEvaluator Role = "evaluator"
)

// IsValid reports whether the role is one of the defined agent roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleArchitect, RoleDeveloper, RoleReviewer, RoleEvaluator:
		return true
	}
	return false
}

// Severity is an ordered enum used by review and plan-validation results.
type Severity string

// Severity levels, ordered none < minor < major < critical.
const (
	SeverityNone     Severity = "none"
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityNone:     0,
	SeverityMinor:    1,
	SeverityMajor:    2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is as severe or more severe than other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// IsValid reports whether s is a known severity level.
func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// TaskStatus is the lifecycle status of a single task. It is never stored on
// the Task itself — it is derived from ExecutionState.TaskResults.
type TaskStatus string

// Task statuses.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusSkipped    TaskStatus = "skipped"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusSkipped
}

// WorkflowStatus is the lifecycle status of a workflow.
type WorkflowStatus string

// Workflow statuses.
const (
	WorkflowStatusRunning          WorkflowStatus = "running"
	WorkflowStatusCompleted        WorkflowStatus = "completed"
	WorkflowStatusFailed           WorkflowStatus = "failed"
	WorkflowStatusCancelled        WorkflowStatus = "cancelled"
	WorkflowStatusAwaitingApproval WorkflowStatus = "awaiting_approval"
)

// Terminal reports whether the workflow can no longer advance.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// Issue is the input ticket. Immutable for the lifetime of a workflow.
type Issue struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Design is optional structured brainstorming output fed to the architect.
type Design struct {
	Title           string   `json:"title"`
	Goal            string   `json:"goal"`
	Architecture    string   `json:"architecture"`
	TechStack       []string `json:"tech_stack"`
	Components      []string `json:"components"`
	DataFlow        string   `json:"data_flow,omitempty"`
	ErrorHandling   string   `json:"error_handling,omitempty"`
	TestingStrategy string   `json:"testing_strategy,omitempty"`
	RelevantFiles   []string `json:"relevant_files"`
	Conventions     string   `json:"conventions,omitempty"`
	RawContent      string   `json:"raw_content"`
}

// TaskStep is a single 2-5 minute action within a task.
type TaskStep struct {
	Description    string `json:"description"`
	Code           string `json:"code,omitempty"`
	Command        string `json:"command,omitempty"`
	ExpectedOutput string `json:"expected_output,omitempty"`
}

// FileOp is the kind of file operation a task performs.
type FileOp string

// File operations.
const (
	FileOpCreate FileOp = "create"
	FileOpModify FileOp = "modify"
	FileOpTest   FileOp = "test"
)

// FileOperation describes one file a task touches.
type FileOperation struct {
	Operation FileOp `json:"operation"`
	Path      string `json:"path"`
	LineRange string `json:"line_range,omitempty"`
}

// Task is a unit of work in the plan. Status lives in TaskResults, not here,
// so Task values stay invariant across parallel reducers.
type Task struct {
	ID            string          `json:"id"`
	Description   string          `json:"description"`
	Dependencies  []string        `json:"dependencies,omitempty"`
	Files         []FileOperation `json:"files,omitempty"`
	Steps         []TaskStep      `json:"steps,omitempty"`
	CommitMessage string          `json:"commit_message,omitempty"`
}

// TaskResult records the outcome of one task execution. New results replace
// old ones under dict_merge.
type TaskResult struct {
	TaskID      string     `json:"task_id"`
	Status      TaskStatus `json:"status"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ReviewResult is the reviewer agent's verdict on a task batch.
type ReviewResult struct {
	Approved bool     `json:"approved"`
	Severity Severity `json:"severity"`
	Comments []string `json:"comments,omitempty"`
}

// PlanValidationResult drives the architect <-> validator feedback loop.
type PlanValidationResult struct {
	Valid    bool     `json:"valid"`
	Issues   []string `json:"issues,omitempty"`
	Severity Severity `json:"severity"`
}

// DriverSession carries provider conversation state for one agent role.
type DriverSession struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	Model          string            `json:"model"`
	ProviderData   map[string]string `json:"provider_data,omitempty"`
}

// HistoryEntry is an append-only audit record.
type HistoryEntry struct {
	TS     time.Time      `json:"ts"`
	Actor  string         `json:"actor"`
	Event  string         `json:"event"`
	Detail map[string]any `json:"detail,omitempty"`
}

// StringSet is a set of strings that serializes as a sorted JSON array so
// checkpointed state is byte-stable.
type StringSet map[string]struct{}

// NewStringSet builds a set from the given members.
func NewStringSet(members ...string) StringSet {
	s := make(StringSet, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

// Contains reports set membership.
func (s StringSet) Contains(member string) bool {
	_, ok := s[member]
	return ok
}

// Union returns a new set containing members of both sets. Neither input is
// mutated.
func (s StringSet) Union(other StringSet) StringSet {
	out := make(StringSet, len(s)+len(other))
	for m := range s {
		out[m] = struct{}{}
	}
	for m := range other {
		out[m] = struct{}{}
	}
	return out
}

// Sorted returns the members in lexical order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes the set from an array.
func (s *StringSet) UnmarshalJSON(data []byte) error {
	var members []string
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	*s = NewStringSet(members...)
	return nil
}

// ExecutionState is the canonical workflow state. Values are frozen: nodes
// return partial updates and the reducer constructs the next snapshot.
type ExecutionState struct {
	ProfileID  string `json:"profile_id"`
	WorkflowID string `json:"workflow_id"`

	Issue        Issue    `json:"issue"`
	Design       *Design  `json:"design,omitempty"`
	Plan         *TaskDAG `json:"plan,omitempty"`
	PlanMarkdown string   `json:"plan_markdown,omitempty"`
	PlanPath     string   `json:"plan_path,omitempty"`
	Goal         string   `json:"goal,omitempty"`

	TaskResults    map[string]TaskResult  `json:"task_results,omitempty"`    // reducer: dict_merge
	DriverSessions map[Role]DriverSession `json:"driver_sessions,omitempty"` // reducer: dict_merge
	History        []HistoryEntry         `json:"history,omitempty"`         // reducer: list_append
	CompletedSteps StringSet              `json:"completed_steps,omitempty"` // reducer: set_union

	LastReview      *ReviewResult `json:"last_review,omitempty"`
	ReviewIteration int           `json:"review_iteration"`

	PlanValidationResult *PlanValidationResult `json:"plan_validation_result,omitempty"`
	PlanRevisionCount    int                   `json:"plan_revision_count"`

	CurrentTaskID    string `json:"current_task_id,omitempty"`
	TotalTasks       int    `json:"total_tasks"`
	CurrentTaskIndex int    `json:"current_task_index"`

	WorkflowStatus WorkflowStatus `json:"workflow_status"`
	HumanApproved  *bool          `json:"human_approved,omitempty"`
}

// New returns the initial state for a workflow.
func New(workflowID, profileID string, issue Issue) ExecutionState {
	return ExecutionState{
		ProfileID:      profileID,
		WorkflowID:     workflowID,
		Issue:          issue,
		WorkflowStatus: WorkflowStatusRunning,
	}
}

// GetTaskStatus derives a task's status from TaskResults. Tasks without a
// result are pending.
func (s ExecutionState) GetTaskStatus(taskID string) TaskStatus {
	if r, ok := s.TaskResults[taskID]; ok {
		return r.Status
	}
	return TaskStatusPending
}

// AllTasksTerminal reports whether every task in the plan has reached a
// terminal status. Vacuously false when no plan is present.
func (s ExecutionState) AllTasksTerminal() bool {
	if s.Plan == nil || len(s.Plan.Tasks) == 0 {
		return false
	}
	for _, t := range s.Plan.Tasks {
		if !s.GetTaskStatus(t.ID).Terminal() {
			return false
		}
	}
	return true
}

// Encode serializes the state for checkpointing.
func (s ExecutionState) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Decode deserializes a checkpointed state.
func Decode(data []byte) (ExecutionState, error) {
	var s ExecutionState
	if err := json.Unmarshal(data, &s); err != nil {
		return ExecutionState{}, err
	}
	return s, nil
}
