package agent

import (
	"fmt"
	"strings"

	"github.com/amelia-ai/amelia/pkg/state"
)

const architectSystem = `You are a software architect. Produce an implementation
plan in markdown with this exact structure:

# Plan: <title>

## Goal
<one or two paragraphs describing the end state>

## Tasks
### Task 1: <short description>
- id: task-1
- depends_on: <comma-separated task ids, or none>
<implementation notes>

Repeat the "### Task N:" section for each task. Keep tasks independently
implementable and order them so dependencies come first.`

func buildArchitectPrompt(issue state.Issue, design *state.Design, validationIssues []string, priorPlan string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Issue %s: %s\n\n%s\n", issue.ID, issue.Title, issue.Description)

	if design != nil {
		b.WriteString("\nDesign context:\n")
		fmt.Fprintf(&b, "Title: %s\nGoal: %s\nArchitecture: %s\n", design.Title, design.Goal, design.Architecture)
		if len(design.TechStack) > 0 {
			fmt.Fprintf(&b, "Tech stack: %s\n", strings.Join(design.TechStack, ", "))
		}
		if len(design.Components) > 0 {
			fmt.Fprintf(&b, "Components: %s\n", strings.Join(design.Components, ", "))
		}
	}

	if len(validationIssues) > 0 {
		b.WriteString("\nYour previous plan failed validation. Fix these specific problems:\n")
		for _, issue := range validationIssues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
		if priorPlan != "" {
			b.WriteString("\nPrevious plan:\n")
			b.WriteString(priorPlan)
			b.WriteString("\n")
		}
	}

	return b.String()
}

const developerInstructions = `You are a software developer implementing one task
from an approved plan. Make the changes the task describes, run any relevant
checks, and commit with the suggested message if one is given.`

func buildDeveloperPrompt(task state.Task, st state.ExecutionState, lastReview *state.ReviewResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Overall goal: %s\n\n", st.Goal)

	// The full plan stays in state; only the current task's section goes
	// into the prompt so later tasks are never lost or leaked.
	if section := ExtractTaskSection(st.PlanMarkdown, task.ID); section != "" {
		b.WriteString("Current task (from the plan):\n")
		b.WriteString(section)
		b.WriteString("\n")
	} else {
		fmt.Fprintf(&b, "Current task %s: %s\n", task.ID, task.Description)
	}

	if len(task.Dependencies) > 0 {
		fmt.Fprintf(&b, "\nCompleted prerequisite tasks: %s\n", strings.Join(task.Dependencies, ", "))
	}
	if task.CommitMessage != "" {
		fmt.Fprintf(&b, "\nSuggested commit message: %s\n", task.CommitMessage)
	}

	if lastReview != nil && !lastReview.Approved && len(lastReview.Comments) > 0 {
		b.WriteString("\nThe reviewer rejected the previous attempt. Address these comments:\n")
		for _, comment := range lastReview.Comments {
			fmt.Fprintf(&b, "- %s\n", comment)
		}
	}

	return b.String()
}

const reviewerSystem = `You are a code reviewer. Assess whether the completed
tasks satisfy the plan. Respond with JSON:
{"approved": <bool>, "severity": "none"|"minor"|"major"|"critical", "comments": [<strings>]}`

func buildReviewerPrompt(st state.ExecutionState, results []state.TaskResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Goal: %s\n\nCompleted work to review:\n", st.Goal)
	for _, res := range results {
		fmt.Fprintf(&b, "\n--- Task %s (%s) ---\n", res.TaskID, res.Status)
		if res.Output != "" {
			b.WriteString(res.Output)
			b.WriteString("\n")
		}
		if res.Error != "" {
			fmt.Fprintf(&b, "Error: %s\n", res.Error)
		}
	}
	return b.String()
}

const evaluatorSystem = `You are evaluating a finished software workflow.
Summarize what was accomplished, note anything left incomplete, and give an
overall quality judgement in a short paragraph.`

func buildEvaluatorPrompt(st state.ExecutionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nTask outcomes:\n", st.Goal)
	if st.Plan != nil {
		for _, task := range st.Plan.Tasks {
			fmt.Fprintf(&b, "- %s: %s\n", task.ID, st.GetTaskStatus(task.ID))
		}
	}
	if st.LastReview != nil {
		fmt.Fprintf(&b, "\nFinal review: approved=%t severity=%s\n", st.LastReview.Approved, st.LastReview.Severity)
	}
	return b.String()
}
