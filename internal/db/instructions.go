package db

import (
	"fmt"
	"time"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

// SubmitInstruction stores a steering instruction for delivery at the
// task's next iteration boundary
func (s *Store) SubmitInstruction(taskID, text string) (*types.Instruction, error) {
	inst := &types.Instruction{
		ID:          generateInstructionID(),
		TaskID:      taskID,
		Text:        text,
		SubmittedAt: time.Now().UnixMilli(),
	}

	_, err := s.DB.Exec(`
		INSERT INTO instructions (id, task_id, text, submitted_at, consumed)
		VALUES (?, ?, ?, ?, 0)
	`, inst.ID, inst.TaskID, inst.Text, inst.SubmittedAt)
	if err != nil {
		return nil, fmt.Errorf("submitting instruction: %w", err)
	}

	return inst, nil
}

// DrainInstructions consumes all pending instructions for a task exactly
// once, in submission order. An instruction submitted after the drain's
// snapshot is held for the next drain, never duplicated or dropped.
func (s *Store) DrainInstructions(taskID string) ([]types.Instruction, error) {
	tx, err := s.DB.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, text, submitted_at
		FROM instructions
		WHERE task_id = ? AND consumed = 0
		ORDER BY rowid ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying pending instructions: %w", err)
	}

	var drained []types.Instruction
	var ids []interface{}
	for rows.Next() {
		inst := types.Instruction{TaskID: taskID, Consumed: true}
		if err := rows.Scan(&inst.ID, &inst.Text, &inst.SubmittedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning instruction: %w", err)
		}
		drained = append(drained, inst)
		ids = append(ids, inst.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Mark only the snapshot consumed, by ID, so instructions submitted
	// mid-drain stay pending for the next boundary
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE instructions SET consumed = 1 WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("consuming instruction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing drain: %w", err)
	}

	return drained, nil
}

// ListInstructions returns every instruction for a task, consumed or not,
// in submission order
func (s *Store) ListInstructions(taskID string) ([]types.Instruction, error) {
	rows, err := s.DB.Query(`
		SELECT id, text, submitted_at, consumed
		FROM instructions
		WHERE task_id = ?
		ORDER BY rowid ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying instructions: %w", err)
	}
	defer rows.Close()

	var instructions []types.Instruction
	for rows.Next() {
		inst := types.Instruction{TaskID: taskID}
		var consumed int
		if err := rows.Scan(&inst.ID, &inst.Text, &inst.SubmittedAt, &consumed); err != nil {
			return nil, fmt.Errorf("scanning instruction: %w", err)
		}
		inst.Consumed = consumed != 0
		instructions = append(instructions, inst)
	}

	return instructions, rows.Err()
}

// PendingInstructionCount returns how many instructions await the next drain
func (s *Store) PendingInstructionCount(taskID string) (int, error) {
	var count int
	err := s.DB.QueryRow(`
		SELECT COUNT(*) FROM instructions WHERE task_id = ? AND consumed = 0
	`, taskID).Scan(&count)
	return count, err
}
