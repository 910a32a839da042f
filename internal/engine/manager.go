package engine

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/cloud-shuttle/conductor/internal/llm"
	"github.com/cloud-shuttle/conductor/internal/plan"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

// Manager owns the engines for running tasks. One engine per task;
// starting a task that is already running is an error.
type Manager struct {
	deps Deps

	mu      sync.Mutex
	running map[string]*runningTask
	wg      sync.WaitGroup
}

type runningTask struct {
	engine *Engine
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager with no recovery side effects, so
// short-lived commands can construct one while a daemon owns running
// engines in another process
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:    deps,
		running: make(map[string]*runningTask),
	}
}

// Recover sweeps tasks left in pending or running by a crash into
// stopped so they become resumable. Only a process that owns every
// engine may call it: a sweep from anywhere else would stomp tasks
// running in another process.
func (m *Manager) Recover() (int, error) {
	n, err := m.deps.Store.RecoverInterrupted()
	if err != nil {
		return 0, fmt.Errorf("recovering interrupted tasks: %w", err)
	}
	if n > 0 {
		log.Printf("🔄 Recovered %d interrupted task(s) into stopped", n)
	}
	return n, nil
}

// CreatePlan runs the single-shot plan generation or revision step
// for human review. No task is created and no files are touched.
func (m *Manager) CreatePlan(ctx context.Context, cfg types.TaskConfig, task, feedback string, previous *types.Plan) (*types.Plan, error) {
	g := plan.NewGenerator(m.deps.Invoker, cfg.ConductorModel, llm.Params{
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})
	if feedback != "" {
		return g.Regenerate(ctx, task, feedback, previous)
	}
	return g.Generate(ctx, task)
}

// StartBackground creates a task and launches its engine. An approved
// plan, if given, guides the run and is persisted for resume.
func (m *Manager) StartBackground(workspace, task string, cfg types.TaskConfig, approvedPlan *types.Plan) (string, error) {
	if err := validateConfig(&cfg); err != nil {
		return "", err
	}
	if approvedPlan != nil {
		if err := plan.Validate(approvedPlan); err != nil {
			return "", fmt.Errorf("rejecting plan: %w", err)
		}
	}

	t, err := m.deps.Store.CreateTask(workspace, task, cfg)
	if err != nil {
		return "", err
	}
	if approvedPlan != nil {
		if err := m.deps.Store.SavePlan(t.ID, approvedPlan); err != nil {
			return "", err
		}
	}

	m.launch(t, approvedPlan)
	return t.ID, nil
}

// Resume re-enters the iteration loop for a stopped, errored, or
// cancelled task, continuing from its persisted iteration and phase.
// The same task ID keeps running; no new record is created.
func (m *Manager) Resume(taskID string) (string, error) {
	m.mu.Lock()
	_, active := m.running[taskID]
	m.mu.Unlock()
	if active {
		return "", fmt.Errorf("task %s is already running", taskID)
	}

	t, err := m.deps.Store.GetTask(taskID)
	if err != nil {
		return "", err
	}
	if !t.Resumable() {
		return "", fmt.Errorf("task %s is %s and cannot be resumed", taskID, t.Status)
	}

	p, err := m.deps.Store.GetPlan(taskID)
	if err != nil {
		return "", err
	}
	if err := m.deps.Store.MarkResumed(taskID); err != nil {
		return "", err
	}

	m.launch(t, p)
	return t.ID, nil
}

// Cancel stops a task cooperatively and optionally purges its files
// and log history. The returned result lists exactly the paths purged.
func (m *Manager) Cancel(taskID string, purgeFiles, purgeLogs bool) (*types.CancelResult, error) {
	t, err := m.deps.Store.GetTask(taskID)
	if err != nil {
		return nil, err
	}

	result := &types.CancelResult{PurgedFiles: []string{}}

	m.mu.Lock()
	rt, active := m.running[taskID]
	m.mu.Unlock()

	switch {
	case active:
		rt.engine.RequestCancel()
		result.Cancelled = true
	case !t.Status.IsTerminal():
		// Pending task with no engine yet.
		if err := m.deps.Store.Finish(taskID, types.TaskStatusCancelled, false, ""); err != nil {
			return nil, err
		}
		result.Cancelled = true
	}

	if purgeFiles && len(t.FilesCreated) > 0 {
		if _, err := m.deps.Workspaces.Purge(t.Workspace, t.FilesCreated); err != nil {
			return nil, fmt.Errorf("purging files: %w", err)
		}
		result.PurgedFiles = t.FilesCreated
		if err := m.deps.Store.ClearFilesCreated(taskID); err != nil {
			return nil, err
		}
		log.Printf("🗑️  Purged %d file(s) for %s", len(t.FilesCreated), taskID)
	}
	if purgeLogs {
		if err := m.deps.Store.ClearLogs(taskID); err != nil {
			return nil, err
		}
		if err := m.deps.Store.ClearFilesCreated(taskID); err != nil {
			return nil, err
		}
		result.PurgedLogs = true
	}
	return result, nil
}

// ClearHistory empties a task's log stream and created-file list
// without touching its status
func (m *Manager) ClearHistory(taskID string) error {
	if _, err := m.deps.Store.GetTask(taskID); err != nil {
		return err
	}
	if err := m.deps.Store.ClearLogs(taskID); err != nil {
		return err
	}
	return m.deps.Store.ClearFilesCreated(taskID)
}

// Delete removes a task record, its log, and its instructions. A
// running task must be cancelled first.
func (m *Manager) Delete(taskID string) error {
	m.mu.Lock()
	_, active := m.running[taskID]
	m.mu.Unlock()
	if active {
		return fmt.Errorf("task %s is running; cancel it before deleting", taskID)
	}
	return m.deps.Store.DeleteTask(taskID)
}

// IsRunning reports whether an engine currently owns the task
func (m *Manager) IsRunning(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[taskID]
	return ok
}

// Wait blocks until every launched engine has returned
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown interrupts all running engines and waits for them to
// persist their state
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, rt := range m.running {
		rt.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) launch(t *types.BackgroundTask, p *types.Plan) {
	ctx, cancel := context.WithCancel(context.Background())
	eng := New(m.deps, t, p)
	rt := &runningTask{engine: eng, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.running[t.ID] = rt
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		eng.Run(ctx)

		m.mu.Lock()
		delete(m.running, t.ID)
		m.mu.Unlock()
		close(rt.done)
	}()
}

func validateConfig(cfg *types.TaskConfig) error {
	if cfg.ConductorModel == "" {
		return fmt.Errorf("conductor model is required")
	}
	if len(cfg.WorkerModels) == 0 {
		cfg.WorkerModels = []string{cfg.ConductorModel}
	}
	if cfg.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	if cfg.MaxParallelWorkers < 1 || cfg.MaxParallelWorkers > 50 {
		return fmt.Errorf("max_parallel_workers must be between 1 and 50")
	}
	return nil
}
