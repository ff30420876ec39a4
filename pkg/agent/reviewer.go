package agent

import (
	"context"
	"fmt"

	"github.com/amelia-ai/amelia/pkg/driver"
	"github.com/amelia-ai/amelia/pkg/state"
)

// Review asks the reviewer agent for a verdict on the completed tasks.
// Parsing never fails the workflow: malformed output degrades to a keyword
// scan via ParseReviewResult.
func (a *Agent) Review(ctx context.Context, st state.ExecutionState) (state.ReviewResult, state.DriverSession, error) {
	var results []state.TaskResult
	if st.Plan != nil {
		for _, task := range st.Plan.Tasks {
			if res, ok := st.TaskResults[task.ID]; ok && res.Status.Terminal() {
				results = append(results, res)
			}
		}
	}

	res, err := a.Driver.Generate(ctx, driver.GenerateRequest{
		Prompt:  buildReviewerPrompt(st, results),
		System:  reviewerSystem,
		Session: a.sessionFor(st),
	})
	if err != nil {
		return state.ReviewResult{}, state.DriverSession{}, fmt.Errorf("reviewer generate: %w", err)
	}

	return ParseReviewResult(res.Content), res.Session, nil
}

// Evaluate produces the optional end-of-workflow assessment. It runs with
// the reviewer's driver config.
func (a *Agent) Evaluate(ctx context.Context, st state.ExecutionState) (string, error) {
	res, err := a.Driver.Generate(ctx, driver.GenerateRequest{
		Prompt:  buildEvaluatorPrompt(st),
		System:  evaluatorSystem,
		Session: a.sessionFor(st),
	})
	if err != nil {
		return "", fmt.Errorf("evaluator generate: %w", err)
	}
	return res.Content, nil
}
