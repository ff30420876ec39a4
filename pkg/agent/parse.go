package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/amelia-ai/amelia/pkg/state"
)

var (
	taskHeadingRe = regexp.MustCompile(`(?m)^###\s+Task\s+(\d+):\s*(.+)$`)
	taskIDRe      = regexp.MustCompile(`(?m)^[-*]\s*id:\s*(\S+)`)
	dependsRe     = regexp.MustCompile(`(?m)^[-*]\s*depends_on:\s*(.+)$`)
	// The goal ends at the next heading of any depth so plans that go
	// straight from "## Goal" to "### Task 1:" keep the two apart.
	goalRe = regexp.MustCompile(`(?ms)^##\s+Goal\s*\n(.*?)(?:\n#{2,6}\s|\z)`)
)

// ParsePlan extracts the goal and task list from architect plan markdown.
// The full markdown is preserved elsewhere in state; this only derives the
// structured DAG.
func ParsePlan(markdown, originalIssue string) (goal string, dag *state.TaskDAG, err error) {
	goal = parseGoal(markdown)

	headings := taskHeadingRe.FindAllStringSubmatchIndex(markdown, -1)
	if len(headings) == 0 {
		return goal, nil, fmt.Errorf("plan has no \"### Task N:\" headings")
	}

	tasks := make([]state.Task, 0, len(headings))
	for i, loc := range headings {
		end := len(markdown)
		if i+1 < len(headings) {
			end = headings[i+1][0]
		}
		section := markdown[loc[0]:end]

		number := markdown[loc[2]:loc[3]]
		description := strings.TrimSpace(markdown[loc[4]:loc[5]])

		task := state.Task{
			ID:          "task-" + number,
			Description: description,
		}
		if m := taskIDRe.FindStringSubmatch(section); m != nil {
			task.ID = m[1]
		}
		if m := dependsRe.FindStringSubmatch(section); m != nil {
			task.Dependencies = parseDependencyList(m[1])
		}
		tasks = append(tasks, task)
	}

	dag, err = state.NewTaskDAG(tasks, originalIssue)
	if err != nil {
		return goal, nil, fmt.Errorf("plan structure invalid: %w", err)
	}
	return goal, dag, nil
}

func parseGoal(markdown string) string {
	if m := goalRe.FindStringSubmatch(markdown); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func parseDependencyList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "none") {
		return nil
	}
	parts := strings.Split(raw, ",")
	deps := make([]string, 0, len(parts))
	for _, part := range parts {
		if dep := strings.TrimSpace(part); dep != "" {
			deps = append(deps, dep)
		}
	}
	return deps
}

// ExtractTaskSection returns the markdown section for one task, located by
// its declared id or by its "### Task N:" number. Empty string when the plan
// has no matching section.
func ExtractTaskSection(markdown, taskID string) string {
	headings := taskHeadingRe.FindAllStringSubmatchIndex(markdown, -1)
	for i, loc := range headings {
		end := len(markdown)
		if i+1 < len(headings) {
			end = headings[i+1][0]
		}
		section := markdown[loc[0]:end]

		id := "task-" + markdown[loc[2]:loc[3]]
		if m := taskIDRe.FindStringSubmatch(section); m != nil {
			id = m[1]
		}
		if id == taskID {
			return strings.TrimSpace(section)
		}
	}
	return ""
}

var (
	jsonObjectRe   = regexp.MustCompile(`(?s)\{.*\}`)
	approvedWordRe = regexp.MustCompile(`(?i)\b(approved|lgtm|looks good)\b`)
	rejectedWordRe = regexp.MustCompile(`(?i)\b(not approved|rejected|changes requested|needs work)\b`)
	severityWordRe = regexp.MustCompile(`(?i)\b(critical|major|minor)\b`)
)

// ParseReviewResult decodes the reviewer's output. Strict JSON first; when
// that fails, a keyword scan recovers a usable verdict so a sloppy model
// response degrades to a conservative review instead of a workflow error.
func ParseReviewResult(content string) state.ReviewResult {
	if raw := jsonObjectRe.FindString(content); raw != "" {
		var result state.ReviewResult
		if err := json.Unmarshal([]byte(raw), &result); err == nil && result.Severity.IsValid() {
			return result
		}
	}
	return reviewFromKeywords(content)
}

func reviewFromKeywords(content string) state.ReviewResult {
	result := state.ReviewResult{Severity: state.SeverityNone}

	rejected := rejectedWordRe.MatchString(content)
	result.Approved = !rejected && approvedWordRe.MatchString(content)

	if m := severityWordRe.FindString(content); m != "" {
		result.Severity = state.Severity(strings.ToLower(m))
	} else if !result.Approved {
		result.Severity = state.SeverityMajor
	}
	if !result.Approved {
		result.Comments = []string{strings.TrimSpace(firstLines(content, 5))}
	}
	return result
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
