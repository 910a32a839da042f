package engine

import (
	"github.com/cloud-shuttle/conductor/pkg/types"
)

// resolvePhase walks plan phases in phase_id order and returns the
// first phase whose files are not all present yet. It returns nil when
// every phase's files exist.
func resolvePhase(p *types.Plan, existing map[string]bool) *types.Phase {
	for i := range p.Phases {
		phase := &p.Phases[i]
		done := true
		for _, f := range phase.FilesToCreate {
			if !existing[f.Path] {
				done = false
				break
			}
		}
		if !done {
			return phase
		}
	}
	return nil
}

// phaseSummaries renders per-phase progress for the task record
func phaseSummaries(p *types.Plan, existing map[string]bool) []types.PhaseSummary {
	summaries := make([]types.PhaseSummary, 0, len(p.Phases))
	for _, phase := range p.Phases {
		have := 0
		for _, f := range phase.FilesToCreate {
			if existing[f.Path] {
				have++
			}
		}
		summaries = append(summaries, types.PhaseSummary{
			PhaseID:   phase.PhaseID,
			Name:      phase.Name,
			FileCount: len(phase.FilesToCreate),
			Existing:  have,
			Complete:  have == len(phase.FilesToCreate),
		})
	}
	return summaries
}

// dispatchWaves partitions worker tasks into dependency waves: a task
// lands in the first wave after every dependency it names within the
// batch. Tasks with no in-batch dependencies all land in wave zero, so
// independent files still run in parallel while dependent ones wait.
func dispatchWaves(tasks []WorkerTask) [][]WorkerTask {
	inBatch := make(map[string]int, len(tasks))
	for i, t := range tasks {
		inBatch[t.FilePath] = i
	}

	wave := make([]int, len(tasks))
	assigned := make([]bool, len(tasks))

	var assign func(i int, stack map[int]bool) int
	assign = func(i int, stack map[int]bool) int {
		if assigned[i] {
			return wave[i]
		}
		if stack[i] {
			// Cycle in declared dependencies; break it by running
			// this task in the current wave.
			return 0
		}
		stack[i] = true
		defer delete(stack, i)

		w := 0
		for _, dep := range tasks[i].Dependencies {
			j, ok := inBatch[dep]
			if !ok || j == i {
				continue
			}
			if dw := assign(j, stack) + 1; dw > w {
				w = dw
			}
		}
		wave[i] = w
		assigned[i] = true
		return w
	}

	maxWave := 0
	for i := range tasks {
		if w := assign(i, map[int]bool{}); w > maxWave {
			maxWave = w
		}
	}

	waves := make([][]WorkerTask, maxWave+1)
	for i, t := range tasks {
		waves[wave[i]] = append(waves[wave[i]], t)
	}
	return waves
}
