// Package dispatch runs batches of model calls on a bounded worker pool
package dispatch

import "github.com/cloud-shuttle/conductor/internal/llm"

// WorkerCall is one model invocation to run as part of a batch
type WorkerCall struct {
	Index   int        `json:"index"`
	ModelID string     `json:"model_id"`
	Prompt  string     `json:"prompt"`
	Params  llm.Params `json:"params"`
}

// CallResult is the outcome of one worker call. Exactly one result is
// produced per call, successful or not.
type CallResult struct {
	Index     int     `json:"index"`
	ModelID   string  `json:"model_id"`
	Success   bool    `json:"success"`
	Output    string  `json:"output,omitempty"`
	Error     string  `json:"error,omitempty"`
	Attempts  int     `json:"attempts"`
	ElapsedMs int64   `json:"elapsed_ms"`
	Cost      float64 `json:"cost,omitempty"`
}
