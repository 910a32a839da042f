package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

var jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")

// ExtractJSON pulls the first fenced JSON block out of model output.
// Output without a fence is tried as raw JSON.
func ExtractJSON(output string) (string, error) {
	if m := jsonFenceRe.FindStringSubmatch(output); m != nil {
		return strings.TrimSpace(m[1]), nil
	}
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return trimmed, nil
	}
	return "", fmt.Errorf("no JSON block found in output")
}

// ParsePlan decodes model output into a Plan
func ParsePlan(output string) (*types.Plan, error) {
	raw, err := ExtractJSON(output)
	if err != nil {
		return nil, &types.PlanGenerationError{
			Reason:    fmt.Sprintf("extracting plan JSON: %v", err),
			RawOutput: output,
		}
	}

	var plan types.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, &types.PlanGenerationError{
			Reason:    fmt.Sprintf("decoding plan JSON: %v", err),
			RawOutput: output,
		}
	}

	if err := Validate(&plan); err != nil {
		return nil, &types.PlanGenerationError{
			Reason:    err.Error(),
			RawOutput: output,
		}
	}
	return &plan, nil
}

// StripCodeFences removes a wrapping markdown code fence from worker
// output, leaving the inner content untouched.
func StripCodeFences(output string) string {
	trimmed := strings.TrimSpace(output)
	if !strings.HasPrefix(trimmed, "```") {
		return output
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return output
	}
	// Drop the opening fence line (possibly with a language tag) and
	// the closing fence if present.
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
