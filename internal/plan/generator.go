// Package plan generates and validates structured development plans
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cloud-shuttle/conductor/internal/llm"
	"github.com/cloud-shuttle/conductor/pkg/telemetry"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

// Generator produces development plans from a task description using
// the conductor model
type Generator struct {
	invoker llm.Invoker
	modelID string
	params  llm.Params
	verbose bool
}

// NewGenerator creates a plan generator bound to a conductor model
func NewGenerator(invoker llm.Invoker, modelID string, params llm.Params) *Generator {
	return &Generator{
		invoker: invoker,
		modelID: modelID,
		params:  params,
	}
}

// SetVerbose enables verbose logging
func (g *Generator) SetVerbose(v bool) {
	g.verbose = v
}

// Generate creates a plan for the given task description
func (g *Generator) Generate(ctx context.Context, task string) (*types.Plan, error) {
	ctx, span := telemetry.StartModelSpan(ctx, "conductor.plan.generate", g.modelID)
	defer span.End()

	if g.verbose {
		log.Printf("📋 Generating plan with %s", g.modelID)
	}

	inv, err := g.invoker.Invoke(ctx, g.modelID, buildPlanPrompt(task), g.params)
	if err != nil {
		telemetry.RecordError(span, err, "plan_generation")
		return nil, fmt.Errorf("invoking conductor model: %w", err)
	}
	telemetry.RecordUsage(span, inv.InputTokens, inv.OutputTokens, inv.Cost)

	plan, err := ParsePlan(inv.Text)
	if err != nil {
		telemetry.RecordError(span, err, "plan_parse")
		return nil, err
	}

	if g.verbose {
		log.Printf("✅ Plan generated: %s (%d phases)", plan.ProjectName, len(plan.Phases))
	}
	return plan, nil
}

// Regenerate creates a revised plan incorporating reviewer feedback
// on a previous plan
func (g *Generator) Regenerate(ctx context.Context, task, feedback string, previous *types.Plan) (*types.Plan, error) {
	ctx, span := telemetry.StartModelSpan(ctx, "conductor.plan.regenerate", g.modelID)
	defer span.End()

	if g.verbose {
		log.Printf("📋 Regenerating plan with feedback: %s", feedback)
	}

	inv, err := g.invoker.Invoke(ctx, g.modelID, buildRegeneratePrompt(task, feedback, previous), g.params)
	if err != nil {
		telemetry.RecordError(span, err, "plan_regeneration")
		return nil, fmt.Errorf("invoking conductor model: %w", err)
	}
	telemetry.RecordUsage(span, inv.InputTokens, inv.OutputTokens, inv.Cost)

	plan, err := ParsePlan(inv.Text)
	if err != nil {
		telemetry.RecordError(span, err, "plan_parse")
		return nil, err
	}
	return plan, nil
}

func buildPlanPrompt(task string) string {
	var b strings.Builder
	b.WriteString("You are a senior software architect. Create a detailed development plan for the following task.\n\n")
	b.WriteString("Task: ")
	b.WriteString(task)
	b.WriteString("\n\n")
	b.WriteString("Respond with ONLY a JSON object inside a ```json code fence, with this structure:\n\n")
	b.WriteString("```json\n")
	b.WriteString(`{
  "project_name": "short project name",
  "description": "what is being built",
  "architecture": "high-level architecture description",
  "phases": [
    {
      "phase_id": 1,
      "name": "phase name",
      "description": "what this phase accomplishes",
      "estimated_iterations": 2,
      "files_to_create": [
        {
          "path": "relative/path/to/file",
          "description": "what this file contains",
          "dependencies": ["paths of files this one needs first"],
          "can_parallelize": true
        }
      ],
      "completion_criteria": "how to know this phase is done"
    }
  ],
  "final_structure": ["relative/path/to/file", "every file the finished project contains"],
  "completion_criteria": "how to know the whole project is done",
  "risks": ["potential risks or open questions"]
}
`)
	b.WriteString("```\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Every phase must list at least one file to create.\n")
	b.WriteString("- Dependencies must reference files created elsewhere in the plan.\n")
	b.WriteString("- Mark can_parallelize false only when a file must wait for its dependencies.\n")
	b.WriteString("- Keep phases small enough to finish in a few iterations each.\n")
	return b.String()
}

func buildRegeneratePrompt(task, feedback string, previous *types.Plan) string {
	var b strings.Builder
	b.WriteString("You are a senior software architect revising a development plan after review.\n\n")
	b.WriteString("Task: ")
	b.WriteString(task)
	b.WriteString("\n\n")
	if previous != nil {
		if raw, err := json.MarshalIndent(previous, "", "  "); err == nil {
			b.WriteString("Previous plan:\n```json\n")
			b.Write(raw)
			b.WriteString("\n```\n\n")
		}
	}
	b.WriteString("Reviewer feedback:\n")
	b.WriteString(feedback)
	b.WriteString("\n\n")
	b.WriteString("Produce a revised plan that addresses the feedback. ")
	b.WriteString("Respond with ONLY the revised JSON plan inside a ```json code fence, using the same structure as the previous plan.\n")
	return b.String()
}
