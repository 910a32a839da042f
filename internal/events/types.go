// Package events provides real-time streaming of task log entries
package events

import (
	"encoding/json"
	"fmt"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

// Event is one log entry paired with the task that produced it. The
// durable log in the store is the source of truth; the bus is a push
// transport over the same entries for live observers.
type Event struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"task_id"`
	Workspace string        `json:"workspace,omitempty"`
	Type      types.LogType `json:"type"`
	Message   string        `json:"message"`
	Timestamp int64         `json:"timestamp"`
}

// NewEvent creates an event from a stored log entry
func NewEvent(taskID, workspace string, entry types.LogEntry) *Event {
	return &Event{
		TaskID:    taskID,
		Workspace: workspace,
		Type:      entry.Type,
		Message:   entry.Message,
		Timestamp: entry.Timestamp,
	}
}

// EventFilter defines filters for a subscription
type EventFilter struct {
	Types     []types.LogType `json:"types,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Workspace string          `json:"workspace,omitempty"`
	Since     int64           `json:"since,omitempty"` // unix milliseconds
}

// FormatEvent formats an event for JSONL output
func FormatEvent(event *Event) ([]byte, error) {
	return json.Marshal(event)
}

// FormatEventCompact formats an event in a compact human-readable format
func FormatEventCompact(event *Event) string {
	return fmt.Sprintf("[%d] %s task=%s %s", event.Timestamp, event.Type, event.TaskID, event.Message)
}
