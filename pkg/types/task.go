// Package types defines core data structures for Conductor
package types

// TaskStatus represents the current state of a background task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusStopped   TaskStatus = "stopped"
	TaskStatusError     TaskStatus = "error"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no engine currently owns the task.
// A terminal task may still be resumable (see Resumable).
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusStopped, TaskStatusError, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskConfig captures the run parameters persisted with a task so a resume
// can rebuild the exact same run.
type TaskConfig struct {
	ConductorModel     string   `json:"conductor_model"`
	WorkerModels       []string `json:"worker_models"`
	MaxIterations      int      `json:"max_iterations"`
	MaxParallelWorkers int      `json:"max_parallel_workers"`
	MaxTokens          int      `json:"max_tokens"`
	Temperature        float64  `json:"temperature"`

	// MaxWorkerOutputBytes rejects worker outputs above this size;
	// zero means no limit
	MaxWorkerOutputBytes int64 `json:"max_worker_output_bytes,omitempty"`

	// Guidelines is project-specific guidance appended to every
	// conductor prompt
	Guidelines string `json:"guidelines,omitempty"`
}

// BackgroundTask is one durable record per background run
type BackgroundTask struct {
	ID          string     `json:"id" db:"id"`
	Workspace   string     `json:"workspace" db:"workspace"`
	Task        string     `json:"task" db:"task"`
	Status      TaskStatus `json:"status" db:"status"`
	CreatedAt   int64      `json:"created_at" db:"created_at"`
	StartedAt   *int64     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *int64     `json:"completed_at,omitempty" db:"completed_at"`

	Iteration    int      `json:"iteration" db:"iteration"`
	Progress     int      `json:"progress" db:"progress"` // 0..100, monotonic while running
	Analysis     string   `json:"analysis" db:"analysis"`
	FilesCreated []string `json:"files_created" db:"files_created"` // set semantics, insertion order

	CurrentPhaseID   int            `json:"current_phase_id,omitempty" db:"current_phase_id"`
	CurrentPhaseName string         `json:"current_phase_name,omitempty" db:"current_phase_name"`
	TotalPhases      int            `json:"total_phases,omitempty" db:"total_phases"`
	Phases           []PhaseSummary `json:"phases,omitempty" db:"phases"`

	IsComplete bool   `json:"is_complete" db:"is_complete"`
	Error      string `json:"error,omitempty" db:"error"`

	Config        TaskConfig `json:"config" db:"config"`
	WorkerCount   int        `json:"worker_count" db:"worker_count"`
	ActiveWorkers int        `json:"active_workers" db:"active_workers"`

	ResumedAt *int64 `json:"resumed_at,omitempty" db:"resumed_at"`
}

// Resumable reports whether the task may re-enter the iteration loop
func (t *BackgroundTask) Resumable() bool {
	if t.IsComplete {
		return false
	}
	switch t.Status {
	case TaskStatusStopped, TaskStatusError, TaskStatusCancelled:
		return true
	}
	return false
}

// PhaseSummary is the per-phase progress snapshot stored on the task record
type PhaseSummary struct {
	PhaseID   int    `json:"phase_id"`
	Name      string `json:"name"`
	FileCount int    `json:"file_count"`
	Existing  int    `json:"existing"`
	Complete  bool   `json:"complete"`
}

// LogType classifies a log entry
type LogType string

const (
	LogInfo        LogType = "info"
	LogPlan        LogType = "plan"
	LogIteration   LogType = "iteration"
	LogPhase       LogType = "phase"
	LogDecision    LogType = "decision"
	LogParallel    LogType = "parallel"
	LogFile        LogType = "file"
	LogWorker      LogType = "worker"
	LogInstruction LogType = "instruction"
	LogSuccess     LogType = "success"
	LogError       LogType = "error"
	LogOutput      LogType = "output"
)

// LogEntry is one append-only entry in a task's log stream
type LogEntry struct {
	Type      LogType `json:"type" db:"type"`
	Message   string  `json:"message" db:"message"`
	Timestamp int64   `json:"timestamp" db:"timestamp"` // unix milliseconds
}

// Instruction is a human steering message delivered at the next iteration
// boundary. Drained instructions are retained with Consumed set for audit.
type Instruction struct {
	ID          string `json:"id" db:"id"`
	TaskID      string `json:"task_id" db:"task_id"`
	Text        string `json:"text" db:"text"`
	SubmittedAt int64  `json:"submitted_at" db:"submitted_at"`
	Consumed    bool   `json:"consumed" db:"consumed"`
}

// CancelResult reports what a cancel request did
type CancelResult struct {
	Cancelled   bool     `json:"cancelled"`
	PurgedFiles []string `json:"purged_files"`
	PurgedLogs  bool     `json:"purged_logs"`
}
