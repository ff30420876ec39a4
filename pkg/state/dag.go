package state

import (
	"fmt"
)

// TaskDAG is the validated task graph produced by the architect. Validation
// runs in the constructor so invalid plans can never enter state.
type TaskDAG struct {
	Tasks         []Task `json:"tasks"`
	OriginalIssue string `json:"original_issue"`
}

// dfs coloring for cycle detection.
type dagColor uint8

const (
	colorWhite dagColor = iota // unvisited
	colorGrey                  // on the current DFS path
	colorBlack                 // fully explored
)

// NewTaskDAG validates and constructs a task graph. It rejects duplicate
// task ids, dependencies on unknown tasks, and cycles.
func NewTaskDAG(tasks []Task, originalIssue string) (*TaskDAG, error) {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task with empty id")
		}
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		byID[t.ID] = t
	}

	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}

	if cycle := findCycle(tasks, byID); cycle != "" {
		return nil, fmt.Errorf("task graph has a cycle through %q", cycle)
	}

	return &TaskDAG{Tasks: tasks, OriginalIssue: originalIssue}, nil
}

// findCycle runs a DFS with white/grey/black coloring. A back edge
// to a grey node means a cycle; the offending task id is returned.
func findCycle(tasks []Task, byID map[string]Task) string {
	colors := make(map[string]dagColor, len(tasks))

	var visit func(id string) string
	visit = func(id string) string {
		colors[id] = colorGrey
		for _, dep := range byID[id].Dependencies {
			switch colors[dep] {
			case colorGrey:
				return dep
			case colorWhite:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		colors[id] = colorBlack
		return ""
	}

	for _, t := range tasks {
		if colors[t.ID] == colorWhite {
			if hit := visit(t.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// TaskByID returns the task with the given id.
func (d *TaskDAG) TaskByID(id string) (Task, bool) {
	for _, t := range d.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// TaskIDs returns every task id in declaration order.
func (d *TaskDAG) TaskIDs() []string {
	ids := make([]string, len(d.Tasks))
	for i, t := range d.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Validate re-checks the DAG invariants. Used by the reducer when a plan
// arrives through deserialization rather than the constructor.
func (d *TaskDAG) Validate() error {
	_, err := NewTaskDAG(d.Tasks, d.OriginalIssue)
	return err
}
