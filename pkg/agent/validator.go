package agent

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/amelia-ai/amelia/pkg/driver"
)

// PlanMetadata is the structured summary extracted from plan markdown for
// dashboards and events.
type PlanMetadata struct {
	Title     string `json:"title"`
	Goal      string `json:"goal"`
	TaskCount int    `json:"task_count"`
}

const planMetadataSchema = `{
	"type": "object",
	"required": ["title", "goal", "task_count"],
	"properties": {
		"title": {"type": "string"},
		"goal": {"type": "string"},
		"task_count": {"type": "integer", "minimum": 0}
	}
}`

const metadataSystem = `Extract metadata from the implementation plan below.
Respond with JSON: {"title": <string>, "goal": <string>, "task_count": <int>}`

var planTitleRe = regexp.MustCompile(`(?m)^#\s+Plan:\s*(.+)$`)

// ExtractPlanMetadata pulls title/goal/task-count from plan markdown via an
// LLM call with schema validation. Any failure, including
// SchemaValidationError, falls back to regex extraction; metadata problems
// never restart the workflow.
func (a *Agent) ExtractPlanMetadata(ctx context.Context, markdown string) PlanMetadata {
	schema, err := driver.CompileSchema([]byte(planMetadataSchema))
	if err == nil {
		res, err := a.Driver.Generate(ctx, driver.GenerateRequest{
			Prompt: markdown,
			System: metadataSystem,
			Schema: schema,
		})
		if err == nil {
			if meta, ok := metadataFromStructured(res.Structured); ok {
				return meta
			}
		} else {
			slog.Debug("Plan metadata extraction fell back to regex", "error", err)
		}
	}
	return metadataFromMarkdown(markdown)
}

func metadataFromStructured(value any) (PlanMetadata, bool) {
	obj, ok := value.(map[string]any)
	if !ok {
		return PlanMetadata{}, false
	}
	meta := PlanMetadata{}
	if title, ok := obj["title"].(string); ok {
		meta.Title = title
	}
	if goal, ok := obj["goal"].(string); ok {
		meta.Goal = goal
	}
	switch count := obj["task_count"].(type) {
	case float64:
		meta.TaskCount = int(count)
	case int:
		meta.TaskCount = count
	default:
		// json.Number and friends from the schema decoder.
		if n, ok := obj["task_count"].(interface{ Int64() (int64, error) }); ok {
			if v, err := n.Int64(); err == nil {
				meta.TaskCount = int(v)
			}
		}
	}
	return meta, true
}

// metadataFromMarkdown is the deterministic fallback.
func metadataFromMarkdown(markdown string) PlanMetadata {
	meta := PlanMetadata{
		Goal:      parseGoal(markdown),
		TaskCount: len(taskHeadingRe.FindAllString(markdown, -1)),
	}
	if m := planTitleRe.FindStringSubmatch(markdown); m != nil {
		meta.Title = strings.TrimSpace(m[1])
	}
	return meta
}
