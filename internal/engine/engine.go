// Package engine runs the autonomous iteration loop for a background task
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/cloud-shuttle/conductor/internal/db"
	"github.com/cloud-shuttle/conductor/internal/dispatch"
	"github.com/cloud-shuttle/conductor/internal/events"
	"github.com/cloud-shuttle/conductor/internal/llm"
	"github.com/cloud-shuttle/conductor/internal/mailbox"
	"github.com/cloud-shuttle/conductor/internal/plan"
	"github.com/cloud-shuttle/conductor/internal/workspace"
	"github.com/cloud-shuttle/conductor/pkg/telemetry"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

const (
	conductorAttempts  = 3
	conductorBackoff   = 2 * time.Second
	maxMalformedStreak = 3
)

// Deps are the collaborators an engine needs
type Deps struct {
	Store      *db.Store
	Bus        *events.Bus
	Mailbox    *mailbox.Mailbox
	Dispatcher *dispatch.Dispatcher
	Invoker    llm.Invoker
	Workspaces *workspace.Manager
}

// Engine drives one background task through its iteration loop. It is
// the single writer of the task's record, workspace files, and log.
type Engine struct {
	deps Deps

	taskID    string
	workspace string
	goal      string
	cfg       types.TaskConfig
	plan      *types.Plan

	cancelled atomic.Bool
	finalized bool

	// in-memory context carried between iterations
	history         []string
	lastOutputs     []workerOutput
	malformedStreak int
	lastPhaseID     int
}

// New creates an engine for a task, optionally guided by an approved plan
func New(deps Deps, task *types.BackgroundTask, p *types.Plan) *Engine {
	return &Engine{
		deps:      deps,
		taskID:    task.ID,
		workspace: task.Workspace,
		goal:      task.Task,
		cfg:       task.Config,
		plan:      p,
	}
}

// RequestCancel asks the engine to stop at the next iteration or
// dispatch-wave boundary. It never interrupts an in-flight model call.
func (e *Engine) RequestCancel() {
	e.cancelled.Store(true)
}

// Run executes the iteration loop until completion, cancellation,
// failure, or the iteration budget runs out. It resumes from the
// task's persisted iteration count.
func (e *Engine) Run(ctx context.Context) {
	ctx, span := telemetry.StartEngineSpan(ctx, e.taskID, e.workspace)
	defer span.End()

	task, err := e.deps.Store.GetTask(e.taskID)
	if err != nil {
		log.Printf("❌ Engine cannot load task %s: %v", e.taskID, err)
		return
	}

	if err := e.deps.Store.MarkStarted(e.taskID); err != nil {
		log.Printf("❌ Engine cannot start task %s: %v", e.taskID, err)
		return
	}
	if err := e.deps.Workspaces.EnsureExists(e.workspace); err != nil {
		e.fail(span, fmt.Sprintf("workspace unavailable: %v", err))
		return
	}

	if task.Iteration == 0 {
		e.log(types.LogInfo, "Starting autonomous run: %s", e.goal)
	} else {
		e.log(types.LogInfo, "Resuming from iteration %d", task.Iteration)
	}
	if e.plan != nil {
		e.log(types.LogPlan, "Following plan %q with %d phase(s)", e.plan.ProjectName, len(e.plan.Phases))
	}

	for iteration := task.Iteration + 1; iteration <= e.cfg.MaxIterations; iteration++ {
		if e.cancelObserved() {
			telemetry.SetTaskStatus(span, string(types.TaskStatusCancelled))
			return
		}
		if ctx.Err() != nil {
			e.log(types.LogInfo, "Run interrupted, task stopped")
			e.finish(types.TaskStatusStopped, false, "")
			telemetry.SetTaskStatus(span, string(types.TaskStatusStopped))
			return
		}

		done, err := e.runIteration(ctx, iteration)
		if err != nil {
			// A cancel that raced the failing call wins.
			if e.cancelObserved() {
				telemetry.SetTaskStatus(span, string(types.TaskStatusCancelled))
				return
			}
			e.fail(span, err.Error())
			return
		}
		if done {
			telemetry.SetTaskStatus(span, string(types.TaskStatusCompleted))
			return
		}
	}

	if e.cancelObserved() {
		telemetry.SetTaskStatus(span, string(types.TaskStatusCancelled))
		return
	}
	e.log(types.LogInfo, "Reached max iterations (%d) without completion, task stopped", e.cfg.MaxIterations)
	e.finish(types.TaskStatusStopped, false, "")
	telemetry.SetTaskStatus(span, string(types.TaskStatusStopped))
}

// runIteration executes one full iteration. It returns done=true when
// the conductor signals completion, and a non-nil error only for
// non-recoverable failures.
func (e *Engine) runIteration(ctx context.Context, iteration int) (bool, error) {
	ctx, span := telemetry.StartIterationSpan(ctx, e.taskID, iteration)
	defer span.End()

	if err := e.deps.Store.SetIteration(e.taskID, iteration); err != nil {
		return false, fmt.Errorf("persisting iteration: %v", err)
	}
	e.log(types.LogIteration, "Iteration %d/%d", iteration, e.cfg.MaxIterations)

	// 1. Instruction check
	instructions, err := e.deps.Mailbox.Drain(e.taskID)
	if err != nil {
		log.Printf("⚠️  Draining instructions for %s: %v", e.taskID, err)
	}
	texts := make([]string, 0, len(instructions))
	for _, inst := range instructions {
		texts = append(texts, inst.Text)
		e.log(types.LogInstruction, "Applying instruction: %s", inst.Text)
	}

	// 2. Phase resolution
	existing, err := e.existingFiles()
	if err != nil {
		return false, fmt.Errorf("listing workspace files: %v", err)
	}
	activePhase := e.resolveActivePhase(existing)

	// 3. Decision
	decision, ok, err := e.decide(ctx, iteration, activePhase, texts)
	if err != nil {
		return false, err
	}
	if !ok {
		// Malformed output below the failure threshold; skip the
		// iteration rather than killing the task.
		return false, nil
	}

	e.log(types.LogDecision, "%s (progress: %d%%)", decision.Analysis, decision.ProgressPercent)
	if err := e.deps.Store.UpdateProgress(e.taskID, iteration, decision.ProgressPercent, decision.Analysis); err != nil {
		log.Printf("⚠️  Persisting progress for %s: %v", e.taskID, err)
	}
	e.history = append(e.history, decision.Analysis)
	if len(e.history) > decisionHistoryLimit {
		e.history = e.history[len(e.history)-decisionHistoryLimit:]
	}

	// 5 (early). Completion signal short-circuits dispatch.
	if decision.IsComplete {
		reason := decision.CompletionReason
		if reason == "" {
			reason = "conductor signalled completion"
		}
		e.log(types.LogSuccess, "Task complete: %s", reason)
		e.finish(types.TaskStatusCompleted, true, "")
		return true, nil
	}

	// 4. Dispatch
	tasks := decision.Tasks()
	if len(tasks) == 0 {
		return false, nil
	}
	e.logOffPlanFiles(tasks, activePhase)
	if err := e.dispatchTasks(ctx, tasks); err != nil {
		return false, err
	}
	return false, nil
}

// decide asks the conductor model for this iteration's decision.
// ok=false means the output was malformed but the streak is still
// below the failure threshold.
func (e *Engine) decide(ctx context.Context, iteration int, activePhase *types.Phase, instructions []string) (*Decision, bool, error) {
	snapshot, err := e.deps.Workspaces.Snapshot(e.workspace)
	if err != nil {
		return nil, false, fmt.Errorf("snapshotting workspace: %v", err)
	}

	totalPhases := 0
	if e.plan != nil {
		totalPhases = len(e.plan.Phases)
	}
	prompt := buildDecisionPrompt(promptContext{
		task:         e.goal,
		iteration:    iteration,
		maxIter:      e.cfg.MaxIterations,
		snapshot:     snapshot,
		phase:        activePhase,
		totalPhases:  totalPhases,
		instructions: instructions,
		history:      e.history,
		lastOutputs:  e.lastOutputs,
		guidelines:   e.cfg.Guidelines,
	})

	inv, err := e.invokeConductor(ctx, prompt)
	if err != nil {
		return nil, false, fmt.Errorf("conductor unreachable: %v", err)
	}
	e.log(types.LogOutput, "Conductor responded in %.1fs: %s", inv.Elapsed.Seconds(), previewOutput(inv.Text))

	decision, err := ParseDecision(inv.Text)
	if err != nil {
		e.malformedStreak++
		e.log(types.LogError, "Unusable conductor decision (%d/%d): %v", e.malformedStreak, maxMalformedStreak, err)
		if e.malformedStreak >= maxMalformedStreak {
			return nil, false, fmt.Errorf("conductor produced %d unusable decisions in a row", e.malformedStreak)
		}
		return nil, false, nil
	}
	e.malformedStreak = 0
	return decision, true, nil
}

// invokeConductor calls the conductor model, retrying transient errors
func (e *Engine) invokeConductor(ctx context.Context, prompt string) (*llm.Invocation, error) {
	ctx, span := telemetry.StartModelSpan(ctx, "conductor.engine.decision", e.cfg.ConductorModel)
	defer span.End()

	params := llm.Params{MaxTokens: e.cfg.MaxTokens, Temperature: e.cfg.Temperature}
	var lastErr error
	for attempt := 1; attempt <= conductorAttempts; attempt++ {
		inv, err := e.deps.Invoker.Invoke(ctx, e.cfg.ConductorModel, prompt, params)
		if err == nil {
			telemetry.RecordUsage(span, inv.InputTokens, inv.OutputTokens, inv.Cost)
			return inv, nil
		}
		lastErr = err
		if !llm.IsTransient(err) || ctx.Err() != nil {
			break
		}
		if attempt < conductorAttempts {
			time.Sleep(conductorBackoff * time.Duration(attempt))
		}
	}
	telemetry.RecordError(span, lastErr, "conductor_invoke")
	return nil, lastErr
}

// dispatchTasks runs the decision's worker tasks in dependency waves,
// writing each successful output into the workspace
func (e *Engine) dispatchTasks(ctx context.Context, tasks []WorkerTask) error {
	waves := dispatchWaves(tasks)
	if len(waves) > 1 {
		e.log(types.LogParallel, "Dispatching %d task(s) in %d dependency wave(s)", len(tasks), len(waves))
	} else {
		e.log(types.LogParallel, "Dispatching %d task(s) to %d worker model(s)", len(tasks), len(e.cfg.WorkerModels))
	}

	e.lastOutputs = e.lastOutputs[:0]
	modelIdx := 0
	for _, wave := range waves {
		if e.cancelObserved() {
			return nil
		}

		calls := make([]dispatch.WorkerCall, len(wave))
		for i, wt := range wave {
			calls[i] = dispatch.WorkerCall{
				Index:   i,
				ModelID: e.workerModel(modelIdx),
				Prompt:  buildWorkerPrompt(e.goal, wt, e.dependencyContents(wt)),
				Params:  llm.Params{MaxTokens: e.cfg.MaxTokens, Temperature: e.cfg.Temperature},
			}
			e.log(types.LogWorker, "Worker %s assigned: %s", calls[i].ModelID, wt.FilePath)
			modelIdx++
		}

		// Persist the admitted concurrency, not the batch width; the
		// gauge must never exceed max_parallel_workers.
		active := len(calls)
		if active > e.cfg.MaxParallelWorkers {
			active = e.cfg.MaxParallelWorkers
		}
		if err := e.deps.Store.SetActiveWorkers(e.taskID, active); err != nil {
			log.Printf("⚠️  Persisting worker count for %s: %v", e.taskID, err)
		}
		results := e.deps.Dispatcher.Dispatch(ctx, e.taskID, calls)
		if err := e.deps.Store.SetActiveWorkers(e.taskID, 0); err != nil {
			log.Printf("⚠️  Persisting worker count for %s: %v", e.taskID, err)
		}

		e.applyResults(wave, results)
	}
	return nil
}

// applyResults writes successful worker outputs to the workspace and
// records every outcome in the log
func (e *Engine) applyResults(wave []WorkerTask, results []dispatch.CallResult) {
	var created []string
	for _, r := range results {
		wt := wave[r.Index]
		if !r.Success {
			e.log(types.LogError, "Worker %s failed on %s: %s", r.ModelID, wt.FilePath, r.Error)
			e.lastOutputs = append(e.lastOutputs, workerOutput{FilePath: wt.FilePath, Preview: r.Error})
			continue
		}

		content := plan.StripCodeFences(r.Output)
		if limit := e.cfg.MaxWorkerOutputBytes; limit > 0 && int64(len(content)) > limit {
			e.log(types.LogError, "Worker output for %s is %d bytes, over the %d byte limit; discarded", wt.FilePath, len(content), limit)
			e.lastOutputs = append(e.lastOutputs, workerOutput{FilePath: wt.FilePath, Preview: "output exceeded the size limit and was discarded"})
			continue
		}
		if err := e.deps.Workspaces.WriteFile(e.workspace, wt.FilePath, content); err != nil {
			e.log(types.LogError, "Writing %s: %v", wt.FilePath, err)
			e.lastOutputs = append(e.lastOutputs, workerOutput{FilePath: wt.FilePath, Preview: err.Error()})
			continue
		}
		created = append(created, wt.FilePath)
		e.log(types.LogFile, "Created %s (%d bytes, %s, %.1fs)", wt.FilePath, len(content), r.ModelID, float64(r.ElapsedMs)/1000)
		preview := previewOutput(content)
		e.log(types.LogOutput, "%s: %s", wt.FilePath, preview)
		e.lastOutputs = append(e.lastOutputs, workerOutput{FilePath: wt.FilePath, Success: true, Preview: preview})
	}

	if len(created) > 0 {
		if err := e.deps.Store.AddFilesCreated(e.taskID, created); err != nil {
			log.Printf("⚠️  Recording created files for %s: %v", e.taskID, err)
		}
	}
}

// resolveActivePhase updates the task's phase pointer from the
// workspace state and returns the phase the conductor should work on
func (e *Engine) resolveActivePhase(existing map[string]bool) *types.Phase {
	if e.plan == nil {
		return nil
	}
	active := resolvePhase(e.plan, existing)
	summaries := phaseSummaries(e.plan, existing)

	phaseID, phaseName := 0, ""
	if active != nil {
		phaseID, phaseName = active.PhaseID, active.Name
	}
	if err := e.deps.Store.SetPhase(e.taskID, phaseID, phaseName, len(e.plan.Phases), summaries); err != nil {
		log.Printf("⚠️  Persisting phase for %s: %v", e.taskID, err)
	}
	if active != nil && active.PhaseID != e.lastPhaseID {
		e.log(types.LogPhase, "Entering phase %d/%d: %s", active.PhaseID, len(e.plan.Phases), active.Name)
		e.lastPhaseID = active.PhaseID
	}
	return active
}

// logOffPlanFiles flags decision tasks that name files outside the
// active phase. The plan is advisory, so they still run.
func (e *Engine) logOffPlanFiles(tasks []WorkerTask, activePhase *types.Phase) {
	if activePhase == nil {
		return
	}
	planned := make(map[string]bool, len(activePhase.FilesToCreate))
	for _, f := range activePhase.FilesToCreate {
		planned[f.Path] = true
	}
	for _, wt := range tasks {
		if !planned[wt.FilePath] {
			e.log(types.LogFile, "Off-plan file requested: %s (phase %d does not list it)", wt.FilePath, activePhase.PhaseID)
		}
	}
}

func (e *Engine) existingFiles() (map[string]bool, error) {
	files, err := e.deps.Workspaces.ListFiles(e.workspace)
	if err != nil {
		return nil, err
	}
	m := make(map[string]bool, len(files))
	for _, f := range files {
		m[f] = true
	}
	return m, nil
}

// dependencyContents reads the declared dependencies that already
// exist so the worker can build against them
func (e *Engine) dependencyContents(wt WorkerTask) map[string]string {
	if len(wt.Dependencies) == 0 {
		return nil
	}
	deps := make(map[string]string, len(wt.Dependencies))
	for _, dep := range wt.Dependencies {
		content, err := e.deps.Workspaces.ReadFile(e.workspace, dep)
		if err != nil {
			continue
		}
		deps[dep] = content
	}
	return deps
}

func (e *Engine) workerModel(i int) string {
	if len(e.cfg.WorkerModels) == 0 {
		return e.cfg.ConductorModel
	}
	return e.cfg.WorkerModels[i%len(e.cfg.WorkerModels)]
}

// cancelObserved finishes the task as cancelled if a cancel request
// has arrived, either in-process or through the stored status (the
// CLI cancels tasks owned by another process by writing cancelled)
func (e *Engine) cancelObserved() bool {
	if e.finalized {
		return true
	}
	if !e.cancelled.Load() {
		status, err := e.deps.Store.GetStatus(e.taskID)
		if err != nil || status != types.TaskStatusCancelled {
			return false
		}
		e.cancelled.Store(true)
	}
	e.log(types.LogInfo, "Cancel observed, stopping task")
	e.finish(types.TaskStatusCancelled, false, "")
	return true
}

func (e *Engine) fail(span trace.Span, msg string) {
	telemetry.RecordError(span, errors.New(msg), "task")
	telemetry.SetTaskStatus(span, string(types.TaskStatusError))
	e.log(types.LogError, "Task failed: %s", msg)
	e.finish(types.TaskStatusError, false, msg)
}

func (e *Engine) finish(status types.TaskStatus, isComplete bool, errMsg string) {
	e.finalized = true
	if err := e.deps.Store.Finish(e.taskID, status, isComplete, errMsg); err != nil {
		log.Printf("❌ Persisting final status for %s: %v", e.taskID, err)
	}
}

// log appends a typed entry to the task's durable log and publishes it
// to live subscribers
func (e *Engine) log(logType types.LogType, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	entry, err := e.deps.Store.AppendLog(e.taskID, logType, msg)
	if err != nil {
		log.Printf("⚠️  Appending log for %s: %v", e.taskID, err)
		return
	}
	e.deps.Bus.Publish(events.NewEvent(e.taskID, e.workspace, *entry))
}
