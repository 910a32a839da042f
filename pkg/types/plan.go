package types

import "fmt"

// Plan is a multi-phase project plan produced by the conductor model.
// A plan is immutable once approved; regeneration produces a new value.
type Plan struct {
	ProjectName        string   `json:"project_name"`
	Description        string   `json:"description"`
	Architecture       string   `json:"architecture"`
	Phases             []Phase  `json:"phases"`
	FinalStructure     []string `json:"final_structure"`
	CompletionCriteria string   `json:"completion_criteria"`
	Risks              []string `json:"risks"`
}

// Phase groups related files under one completion criterion
type Phase struct {
	PhaseID             int        `json:"phase_id"`
	Name                string     `json:"name"`
	Description         string     `json:"description"`
	EstimatedIterations int        `json:"estimated_iterations"`
	FilesToCreate       []FileSpec `json:"files_to_create"`
	CompletionCriteria  string     `json:"completion_criteria"`
}

// FileSpec describes one file a phase is expected to produce
type FileSpec struct {
	Path           string   `json:"path"`
	Description    string   `json:"description"`
	Dependencies   []string `json:"dependencies,omitempty"` // paths within the same plan
	CanParallelize bool     `json:"can_parallelize"`
}

// PhaseByID returns the phase with the given ID, or nil
func (p *Plan) PhaseByID(id int) *Phase {
	for i := range p.Phases {
		if p.Phases[i].PhaseID == id {
			return &p.Phases[i]
		}
	}
	return nil
}

// PlanGenerationError is returned when the conductor model's output cannot
// be parsed or validated into a Plan. RawOutput carries the model text for
// diagnostics; it is never silently defaulted to an empty plan.
type PlanGenerationError struct {
	Reason    string
	RawOutput string
}

func (e *PlanGenerationError) Error() string {
	return fmt.Sprintf("plan generation failed: %s", e.Reason)
}
