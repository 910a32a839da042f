// Package llm implements the model-invocation client used by the plan
// generator, the iteration engine, and the worker dispatcher.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role represents the role of a message sender
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a chat message
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a request to generate a chat completion
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatResponse is the response from a chat completion
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a choice in the response
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Params are the per-call generation parameters
type Params struct {
	MaxTokens   int
	Temperature float64
}

// Invocation is the result of one successful model call
type Invocation struct {
	ModelID      string
	Text         string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Elapsed      time.Duration
}

// Invoker sends a prompt to one model and returns its completion
type Invoker interface {
	Invoke(ctx context.Context, modelID, prompt string, params Params) (*Invocation, error)
}

// APIError is an error returned by the provider API
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status %d: %s", e.StatusCode, e.Body)
}

// IsTransient reports whether an error is worth retrying: provider
// throttling, server-side failures, and timed-out requests. Bad requests
// and auth failures are permanent.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	// Network-level and deadline errors are transient
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	return false
}

// ModelPrice holds per-million-token pricing for cost accounting
type ModelPrice struct {
	InputPerMTok  float64 `toml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok float64 `toml:"output_per_mtok" json:"output_per_mtok"`
}

// CalculateCost computes the dollar cost of a call, zero when the model is
// not in the pricing table.
func CalculateCost(prices map[string]ModelPrice, modelID string, usage Usage) float64 {
	p, ok := prices[modelID]
	if !ok {
		return 0
	}
	inputCost := (float64(usage.PromptTokens) / 1_000_000) * p.InputPerMTok
	outputCost := (float64(usage.CompletionTokens) / 1_000_000) * p.OutputPerMTok
	return inputCost + outputCost
}
