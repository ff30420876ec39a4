package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/amelia-ai/amelia/pkg/driver"
	"github.com/amelia-ai/amelia/pkg/state"
)

// defaultPlanPattern names plan files when the profile has no pattern.
const defaultPlanPattern = "plan-{workflow_id}.md"

// PlanOutput is everything the architect run contributes to state.
type PlanOutput struct {
	Goal     string
	DAG      *state.TaskDAG
	Markdown string
	Path     string
	Session  state.DriverSession
}

// CreatePlan asks the architect for an implementation plan. On a revision
// trip the prior validation issues go into the prompt so the agent fixes the
// specific structural faults instead of starting over.
func (a *Agent) CreatePlan(ctx context.Context, st state.ExecutionState) (PlanOutput, error) {
	var validationIssues []string
	if st.PlanValidationResult != nil && !st.PlanValidationResult.Valid {
		validationIssues = st.PlanValidationResult.Issues
	}

	prompt := buildArchitectPrompt(st.Issue, st.Design, validationIssues, st.PlanMarkdown)
	res, err := a.Driver.Generate(ctx, driver.GenerateRequest{
		Prompt:  prompt,
		System:  architectSystem,
		Session: a.sessionFor(st),
	})
	if err != nil {
		return PlanOutput{}, fmt.Errorf("architect generate: %w", err)
	}

	// A structurally broken plan is not fatal here: the validator flags it
	// and routes the issues back into the next revision prompt.
	goal, dag, parseErr := ParsePlan(res.Content, st.Issue.ID)
	if parseErr != nil {
		slog.Warn("Plan markdown did not parse", "workflow_id", st.WorkflowID, "error", parseErr)
		dag = nil
	}

	path, err := a.writePlanFile(st.WorkflowID, res.Content)
	if err != nil {
		return PlanOutput{}, err
	}

	return PlanOutput{
		Goal:     goal,
		DAG:      dag,
		Markdown: res.Content,
		Path:     path,
		Session:  res.Session,
	}, nil
}

// writePlanFile persists the plan markdown under the profile's plan output
// dir so humans can read it outside the dashboard.
func (a *Agent) writePlanFile(workflowID, markdown string) (string, error) {
	pattern := a.Profile.PlanPathPattern
	if pattern == "" {
		pattern = defaultPlanPattern
	}
	name := strings.ReplaceAll(pattern, "{workflow_id}", workflowID)
	path := filepath.Join(a.Profile.PlanOutputDir, name)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating plan dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(markdown), 0o644); err != nil {
		return "", fmt.Errorf("writing plan file: %w", err)
	}
	return path, nil
}
