// Package db handles database operations for Conductor
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloud-shuttle/conductor/pkg/types"
	_ "github.com/glebarez/go-sqlite"
)

// maxLogEntries caps the retained log per task; older entries are trimmed
// on append.
const maxLogEntries = 1000

// Store manages database operations
type Store struct {
	DB *sql.DB
}

// Open opens a SQLite database at the given path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Set busy timeout to handle lock contention gracefully
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// InitSchema creates the database schema
func (s *Store) InitSchema() error {
	schema := `
	-- One durable record per background run
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		workspace TEXT NOT NULL,
		task TEXT NOT NULL,
		status TEXT DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		resumed_at INTEGER,
		iteration INTEGER DEFAULT 0,
		progress INTEGER DEFAULT 0,
		analysis TEXT,
		files_created TEXT DEFAULT '[]',
		current_phase_id INTEGER DEFAULT 0,
		current_phase_name TEXT,
		total_phases INTEGER DEFAULT 0,
		phases TEXT,
		is_complete INTEGER DEFAULT 0,
		error TEXT,
		plan TEXT,
		config TEXT NOT NULL,
		worker_count INTEGER DEFAULT 0,
		active_workers INTEGER DEFAULT 0
	);

	-- Append-only per-task log stream
	CREATE TABLE IF NOT EXISTS task_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		type TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	-- Steering instructions delivered at iteration boundaries
	CREATE TABLE IF NOT EXISTS instructions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		text TEXT NOT NULL,
		submitted_at INTEGER NOT NULL,
		consumed INTEGER DEFAULT 0,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_workspace ON tasks(workspace);
	CREATE INDEX IF NOT EXISTS idx_logs_task ON task_logs(task_id, id);
	CREATE INDEX IF NOT EXISTS idx_instructions_pending ON instructions(task_id, consumed, submitted_at);
	`

	_, err := s.DB.Exec(schema)
	return err
}

// CreateTask creates a new background task record in pending state
func (s *Store) CreateTask(workspace, task string, cfg types.TaskConfig) (*types.BackgroundTask, error) {
	id := generateTaskID()
	now := time.Now().UnixMilli()

	t := &types.BackgroundTask{
		ID:           id,
		Workspace:    workspace,
		Task:         task,
		Status:       types.TaskStatusPending,
		CreatedAt:    now,
		FilesCreated: []string{},
		Config:       cfg,
		WorkerCount:  len(cfg.WorkerModels),
	}

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding task config: %w", err)
	}

	_, err = s.DB.Exec(`
		INSERT INTO tasks (id, workspace, task, status, created_at, files_created, config, worker_count)
		VALUES (?, ?, ?, ?, ?, '[]', ?, ?)
	`, t.ID, t.Workspace, t.Task, t.Status, t.CreatedAt, string(configJSON), t.WorkerCount)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	return t, nil
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(taskID string) (*types.BackgroundTask, error) {
	row := s.DB.QueryRow(`
		SELECT id, workspace, task, status, created_at,
		       COALESCE(started_at, 0), COALESCE(completed_at, 0), COALESCE(resumed_at, 0),
		       iteration, progress, COALESCE(analysis, ''), COALESCE(files_created, '[]'),
		       current_phase_id, COALESCE(current_phase_name, ''), total_phases, COALESCE(phases, ''),
		       is_complete, COALESCE(error, ''), config, worker_count, active_workers
		FROM tasks
		WHERE id = ?
	`, taskID)

	return scanTask(row)
}

// ListTasks returns all tasks, optionally filtered by workspace, newest first
func (s *Store) ListTasks(workspace string) ([]*types.BackgroundTask, error) {
	query := `
		SELECT id, workspace, task, status, created_at,
		       COALESCE(started_at, 0), COALESCE(completed_at, 0), COALESCE(resumed_at, 0),
		       iteration, progress, COALESCE(analysis, ''), COALESCE(files_created, '[]'),
		       current_phase_id, COALESCE(current_phase_name, ''), total_phases, COALESCE(phases, ''),
		       is_complete, COALESCE(error, ''), config, worker_count, active_workers
		FROM tasks`
	args := []interface{}{}
	if workspace != "" {
		query += ` WHERE workspace = ?`
		args = append(args, workspace)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.BackgroundTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(sc scanner) (*types.BackgroundTask, error) {
	var t types.BackgroundTask
	var startedAt, completedAt, resumedAt int64
	var filesJSON, phasesJSON, configJSON string
	var isComplete int

	err := sc.Scan(
		&t.ID, &t.Workspace, &t.Task, &t.Status, &t.CreatedAt,
		&startedAt, &completedAt, &resumedAt,
		&t.Iteration, &t.Progress, &t.Analysis, &filesJSON,
		&t.CurrentPhaseID, &t.CurrentPhaseName, &t.TotalPhases, &phasesJSON,
		&isComplete, &t.Error, &configJSON, &t.WorkerCount, &t.ActiveWorkers,
	)
	if err != nil {
		return nil, err
	}

	if startedAt != 0 {
		t.StartedAt = &startedAt
	}
	if completedAt != 0 {
		t.CompletedAt = &completedAt
	}
	if resumedAt != 0 {
		t.ResumedAt = &resumedAt
	}
	t.IsComplete = isComplete != 0

	if err := json.Unmarshal([]byte(filesJSON), &t.FilesCreated); err != nil {
		return nil, fmt.Errorf("decoding files_created: %w", err)
	}
	if phasesJSON != "" {
		if err := json.Unmarshal([]byte(phasesJSON), &t.Phases); err != nil {
			return nil, fmt.Errorf("decoding phases: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(configJSON), &t.Config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return &t, nil
}

// MarkStarted transitions a task to running and stamps started_at
func (s *Store) MarkStarted(taskID string) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.Exec(`
		UPDATE tasks
		SET status = 'running', started_at = COALESCE(started_at, ?), error = NULL
		WHERE id = ?
	`, now, taskID)
	return err
}

// MarkResumed transitions a resumable task back to running, stamping
// resumed_at and clearing any prior error
func (s *Store) MarkResumed(taskID string) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.Exec(`
		UPDATE tasks
		SET status = 'running', resumed_at = ?, completed_at = NULL, error = NULL
		WHERE id = ?
	`, now, taskID)
	return err
}

// UpdateStatus sets a task's status and error message
func (s *Store) UpdateStatus(taskID string, status types.TaskStatus, errMsg string) error {
	_, err := s.DB.Exec(`
		UPDATE tasks
		SET status = ?, error = ?
		WHERE id = ?
	`, status, errMsg, taskID)
	return err
}

// GetStatus returns the current status of a task
func (s *Store) GetStatus(taskID string) (types.TaskStatus, error) {
	var status string
	err := s.DB.QueryRow(`SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&status)
	if err != nil {
		return "", err
	}
	return types.TaskStatus(status), nil
}

// Finish records the terminal outcome of an engine run
func (s *Store) Finish(taskID string, status types.TaskStatus, isComplete bool, errMsg string) error {
	now := time.Now().UnixMilli()
	complete := 0
	if isComplete {
		complete = 1
	}
	_, err := s.DB.Exec(`
		UPDATE tasks
		SET status = ?, is_complete = ?, error = ?, completed_at = ?, active_workers = 0
		WHERE id = ?
	`, status, complete, errMsg, now, taskID)
	return err
}

// UpdateProgress records iteration progress. Progress is clamped monotonic:
// the stored value never decreases while the task runs.
func (s *Store) UpdateProgress(taskID string, iteration, progress int, analysis string) error {
	_, err := s.DB.Exec(`
		UPDATE tasks
		SET iteration = ?, progress = MAX(progress, ?), analysis = ?
		WHERE id = ?
	`, iteration, progress, analysis, taskID)
	return err
}

// SetIteration stores only the iteration counter
func (s *Store) SetIteration(taskID string, iteration int) error {
	_, err := s.DB.Exec(`UPDATE tasks SET iteration = ? WHERE id = ?`, iteration, taskID)
	return err
}

// SetPhase records the engine's current phase pointer and per-phase summary
func (s *Store) SetPhase(taskID string, phaseID int, phaseName string, totalPhases int, phases []types.PhaseSummary) error {
	var phasesJSON []byte
	if phases != nil {
		var err error
		phasesJSON, err = json.Marshal(phases)
		if err != nil {
			return fmt.Errorf("encoding phases: %w", err)
		}
	}
	_, err := s.DB.Exec(`
		UPDATE tasks
		SET current_phase_id = ?, current_phase_name = ?, total_phases = ?, phases = ?
		WHERE id = ?
	`, phaseID, phaseName, totalPhases, string(phasesJSON), taskID)
	return err
}

// AddFilesCreated unions paths into the task's created-file set. The task
// record has a single writer (its engine), so read-modify-write is safe.
func (s *Store) AddFilesCreated(taskID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	task, err := s.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}

	seen := make(map[string]bool, len(task.FilesCreated))
	merged := task.FilesCreated
	for _, p := range merged {
		seen[p] = true
	}
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			merged = append(merged, p)
		}
	}

	filesJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding files_created: %w", err)
	}

	_, err = s.DB.Exec(`UPDATE tasks SET files_created = ? WHERE id = ?`, string(filesJSON), taskID)
	return err
}

// ClearFilesCreated empties the created-file set after a purge
func (s *Store) ClearFilesCreated(taskID string) error {
	_, err := s.DB.Exec(`UPDATE tasks SET files_created = '[]' WHERE id = ?`, taskID)
	return err
}

// SetActiveWorkers stores the dispatcher's in-flight worker count snapshot
func (s *Store) SetActiveWorkers(taskID string, n int) error {
	_, err := s.DB.Exec(`UPDATE tasks SET active_workers = ? WHERE id = ?`, n, taskID)
	return err
}

// DeleteTask removes a task record along with its logs and instructions
func (s *Store) DeleteTask(taskID string) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Explicit deletes so the cascade does not depend on PRAGMA state
	if _, err := tx.Exec(`DELETE FROM task_logs WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("deleting logs: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM instructions WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("deleting instructions: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not found", taskID)
	}

	return tx.Commit()
}

// RecoverInterrupted maps tasks left in pending/running by a crashed or
// restarted process to stopped so they become resumable. Returns the number
// of tasks recovered.
func (s *Store) RecoverInterrupted() (int, error) {
	result, err := s.DB.Exec(`
		UPDATE tasks
		SET status = 'stopped', active_workers = 0
		WHERE status IN ('pending', 'running')
	`)
	if err != nil {
		return 0, fmt.Errorf("recovering interrupted tasks: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting affected rows: %w", err)
	}

	return int(rowsAffected), nil
}
