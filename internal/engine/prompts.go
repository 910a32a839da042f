package engine

import (
	"fmt"
	"strings"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

// decisionHistoryLimit bounds how many past analyses the conductor
// sees each iteration
const decisionHistoryLimit = 5

// outputPreviewLimit caps how much of each worker output is echoed
// back to the conductor
const outputPreviewLimit = 500

type promptContext struct {
	task         string
	iteration    int
	maxIter      int
	snapshot     string
	phase        *types.Phase
	totalPhases  int
	instructions []string
	history      []string
	lastOutputs  []workerOutput
	guidelines   string
}

type workerOutput struct {
	FilePath string
	Success  bool
	Preview  string
}

func buildDecisionPrompt(pc promptContext) string {
	var b strings.Builder
	b.WriteString("You are the conductor of an autonomous development run. ")
	b.WriteString("You decide what happens next and delegate file creation to worker models.\n\n")
	b.WriteString(fmt.Sprintf("Goal: %s\n", pc.task))
	b.WriteString(fmt.Sprintf("Iteration: %d of %d\n\n", pc.iteration, pc.maxIter))

	if pc.guidelines != "" {
		b.WriteString("Project guidelines:\n")
		b.WriteString(pc.guidelines)
		b.WriteString("\n\n")
	}

	if pc.phase != nil {
		b.WriteString(fmt.Sprintf("Current phase %d of %d: %s\n%s\n", pc.phase.PhaseID, pc.totalPhases, pc.phase.Name, pc.phase.Description))
		if len(pc.phase.FilesToCreate) > 0 {
			b.WriteString("Files this phase should produce:\n")
			for _, f := range pc.phase.FilesToCreate {
				b.WriteString(fmt.Sprintf("  - %s: %s", f.Path, f.Description))
				if len(f.Dependencies) > 0 {
					b.WriteString(fmt.Sprintf(" (after: %s)", strings.Join(f.Dependencies, ", ")))
				}
				b.WriteString("\n")
			}
		}
		if pc.phase.CompletionCriteria != "" {
			b.WriteString(fmt.Sprintf("Phase completion criteria: %s\n", pc.phase.CompletionCriteria))
		}
		b.WriteString("\n")
	}

	b.WriteString("Workspace state:\n")
	b.WriteString(pc.snapshot)
	b.WriteString("\n\n")

	if len(pc.instructions) > 0 {
		b.WriteString("NEW OPERATOR INSTRUCTIONS (follow these before anything else):\n")
		for _, inst := range pc.instructions {
			b.WriteString("  - " + inst + "\n")
		}
		b.WriteString("\n")
	}

	if len(pc.history) > 0 {
		b.WriteString("Your recent analyses:\n")
		for _, h := range pc.history {
			b.WriteString("  - " + h + "\n")
		}
		b.WriteString("\n")
	}

	if len(pc.lastOutputs) > 0 {
		b.WriteString("Worker results from the previous iteration:\n")
		for _, out := range pc.lastOutputs {
			status := "ok"
			if !out.Success {
				status = "FAILED"
			}
			b.WriteString(fmt.Sprintf("  [%s] %s: %s\n", status, out.FilePath, out.Preview))
		}
		b.WriteString("\n")
	}

	b.WriteString("Respond with ONLY a JSON object inside a ```json code fence:\n\n")
	b.WriteString("```json\n")
	b.WriteString(`{
  "analysis": "what has been done and what remains",
  "progress_percent": 40,
  "current_phase_id": 1,
  "is_complete": false,
  "completion_reason": "set only when is_complete is true",
  "parallel_tasks": [
    {
      "file_path": "relative/path",
      "description": "exactly what the worker should write",
      "dependencies": ["files that must exist first"]
    }
  ],
  "next_action": null
}
`)
	b.WriteString("```\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Use parallel_tasks for independent files, next_action for a single step.\n")
	b.WriteString("- Set is_complete true with a completion_reason once the goal is met; leave both task fields empty then.\n")
	b.WriteString("- progress_percent never goes backwards.\n")
	return b.String()
}

func buildWorkerPrompt(task string, wt WorkerTask, deps map[string]string) string {
	var b strings.Builder
	b.WriteString("You are a software development worker. Create exactly one file.\n\n")
	b.WriteString(fmt.Sprintf("Project goal: %s\n\n", task))
	b.WriteString(fmt.Sprintf("File to create: %s\n", wt.FilePath))
	b.WriteString(fmt.Sprintf("What it must contain: %s\n", wt.Description))

	if len(deps) > 0 {
		b.WriteString("\nFiles it depends on:\n")
		for path, content := range deps {
			preview := content
			if len(preview) > 2000 {
				preview = preview[:2000] + "\n... (truncated)"
			}
			b.WriteString(fmt.Sprintf("\n--- %s ---\n%s\n", path, preview))
		}
	}

	b.WriteString("\nRespond with ONLY the complete file content. No explanation, no surrounding prose. ")
	b.WriteString("A markdown code fence around the content is acceptable and will be stripped.\n")
	return b.String()
}

func previewOutput(output string) string {
	out := strings.TrimSpace(output)
	out = strings.ReplaceAll(out, "\n", " ")
	if len(out) > outputPreviewLimit {
		out = out[:outputPreviewLimit] + "..."
	}
	return out
}
