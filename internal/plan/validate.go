package plan

import (
	"fmt"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

// Validate checks a plan's structural invariants: at least one phase,
// every phase with files to create, unique phase IDs, and file
// dependencies that resolve within the plan without cycles.
func Validate(p *types.Plan) error {
	if p.ProjectName == "" {
		return fmt.Errorf("plan has no project name")
	}
	if len(p.Phases) == 0 {
		return fmt.Errorf("plan has no phases")
	}

	seen := make(map[int]bool, len(p.Phases))
	allFiles := make(map[string]bool)
	for _, phase := range p.Phases {
		if phase.PhaseID <= 0 {
			return fmt.Errorf("phase %q has no positive phase_id", phase.Name)
		}
		if seen[phase.PhaseID] {
			return fmt.Errorf("duplicate phase_id %d", phase.PhaseID)
		}
		seen[phase.PhaseID] = true
		if len(phase.FilesToCreate) == 0 {
			return fmt.Errorf("phase %d has no files to create", phase.PhaseID)
		}
		for _, f := range phase.FilesToCreate {
			if f.Path == "" {
				return fmt.Errorf("phase %d contains a file with no path", phase.PhaseID)
			}
			allFiles[f.Path] = true
		}
	}

	// Dependencies must name files the plan itself produces.
	for _, phase := range p.Phases {
		for _, f := range phase.FilesToCreate {
			for _, dep := range f.Dependencies {
				if !allFiles[dep] {
					return fmt.Errorf("file %q depends on %q which the plan never creates", f.Path, dep)
				}
			}
		}
	}

	if cycle := findCycle(p); cycle != "" {
		return fmt.Errorf("file dependency cycle involving %q", cycle)
	}
	return nil
}

// findCycle returns a file on a dependency cycle, or "" if the
// dependency graph is a DAG
func findCycle(p *types.Plan) string {
	deps := make(map[string][]string)
	for _, phase := range p.Phases {
		for _, f := range phase.FilesToCreate {
			deps[f.Path] = f.Dependencies
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))

	var visit func(path string) string
	visit = func(path string) string {
		color[path] = gray
		for _, dep := range deps[path] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if c := visit(dep); c != "" {
					return c
				}
			}
		}
		color[path] = black
		return ""
	}

	for path := range deps {
		if color[path] == white {
			if c := visit(path); c != "" {
				return c
			}
		}
	}
	return ""
}
