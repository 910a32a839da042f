package engine

import (
	"encoding/json"
	"fmt"

	"github.com/cloud-shuttle/conductor/internal/plan"
)

// WorkerTask is one unit of work the conductor hands to a worker,
// normally the creation of a single file
type WorkerTask struct {
	FilePath     string   `json:"file_path"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Decision is the conductor model's verdict for one iteration. Exactly
// one of ParallelTasks, NextAction, or IsComplete carries the outcome.
type Decision struct {
	Analysis         string       `json:"analysis"`
	ProgressPercent  int          `json:"progress_percent"`
	CurrentPhaseID   int          `json:"current_phase_id,omitempty"`
	IsComplete       bool         `json:"is_complete"`
	CompletionReason string       `json:"completion_reason,omitempty"`
	ParallelTasks    []WorkerTask `json:"parallel_tasks,omitempty"`
	NextAction       *WorkerTask  `json:"next_action,omitempty"`
}

// Tasks returns the worker tasks the decision asks for, whichever
// variant carried them
func (d *Decision) Tasks() []WorkerTask {
	if len(d.ParallelTasks) > 0 {
		return d.ParallelTasks
	}
	if d.NextAction != nil {
		return []WorkerTask{*d.NextAction}
	}
	return nil
}

// ParseDecision decodes conductor output into a Decision
func ParseDecision(output string) (*Decision, error) {
	raw, err := plan.ExtractJSON(output)
	if err != nil {
		return nil, fmt.Errorf("extracting decision JSON: %w", err)
	}

	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("decoding decision JSON: %w", err)
	}

	if d.ProgressPercent < 0 {
		d.ProgressPercent = 0
	}
	if d.ProgressPercent > 100 {
		d.ProgressPercent = 100
	}

	if !d.IsComplete && len(d.ParallelTasks) == 0 && d.NextAction == nil {
		return nil, fmt.Errorf("decision carries no tasks and no completion signal")
	}
	for _, t := range d.Tasks() {
		if t.FilePath == "" {
			return nil, fmt.Errorf("decision task has no file_path")
		}
	}
	return &d, nil
}
