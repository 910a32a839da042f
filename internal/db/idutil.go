// Package db provides database utilities for Conductor
package db

import (
	"strings"

	"github.com/google/uuid"
)

// generateTaskID creates a short unique task ID like "task-1f2e3d4c"
func generateTaskID() string {
	return "task-" + shortUUID()
}

// generateInstructionID creates a unique instruction ID
func generateInstructionID() string {
	return "inst-" + shortUUID()
}

// shortUUID returns the first segment-free 8 hex characters of a new UUID,
// enough uniqueness for human-facing IDs scoped to one database.
func shortUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
