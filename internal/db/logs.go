package db

import (
	"fmt"
	"time"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

// AppendLog appends one entry to a task's log stream and trims the stream
// to the most recent maxLogEntries entries. Returns the stored entry.
func (s *Store) AppendLog(taskID string, logType types.LogType, message string) (*types.LogEntry, error) {
	entry := &types.LogEntry{
		Type:      logType,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO task_logs (task_id, type, message, timestamp)
		VALUES (?, ?, ?, ?)
	`, taskID, entry.Type, entry.Message, entry.Timestamp); err != nil {
		return nil, fmt.Errorf("appending log: %w", err)
	}

	// Keep only the newest maxLogEntries rows per task
	if _, err := tx.Exec(`
		DELETE FROM task_logs
		WHERE task_id = ? AND id NOT IN (
			SELECT id FROM task_logs
			WHERE task_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, taskID, taskID, maxLogEntries); err != nil {
		return nil, fmt.Errorf("trimming log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing log append: %w", err)
	}

	return entry, nil
}

// TailLogs returns the most recent limit entries in chronological order.
// A limit of zero or less returns the full retained log.
func (s *Store) TailLogs(taskID string, limit int) ([]types.LogEntry, error) {
	if limit <= 0 {
		limit = maxLogEntries
	}

	rows, err := s.DB.Query(`
		SELECT type, message, timestamp FROM (
			SELECT id, type, message, timestamp
			FROM task_logs
			WHERE task_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	defer rows.Close()

	var entries []types.LogEntry
	for rows.Next() {
		var e types.LogEntry
		if err := rows.Scan(&e.Type, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// CountLogs returns the number of retained entries for a task
func (s *Store) CountLogs(taskID string) (int, error) {
	var count int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM task_logs WHERE task_id = ?`, taskID).Scan(&count)
	return count, err
}

// ClearLogs removes every log entry for a task. The task record itself is
// untouched.
func (s *Store) ClearLogs(taskID string) error {
	_, err := s.DB.Exec(`DELETE FROM task_logs WHERE task_id = ?`, taskID)
	return err
}
