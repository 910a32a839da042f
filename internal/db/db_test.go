package db

import (
	"path/filepath"
	"testing"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("initializing schema: %v", err)
	}
	return store
}

func testConfig() types.TaskConfig {
	return types.TaskConfig{
		ConductorModel:     "conductor-model",
		WorkerModels:       []string{"worker-a", "worker-b"},
		MaxIterations:      20,
		MaxParallelWorkers: 3,
	}
}

func mustCreate(t *testing.T, s *Store) *types.BackgroundTask {
	t.Helper()
	task, err := s.CreateTask("proj", "build something", testConfig())
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestCreateAndGetTask(t *testing.T) {
	store := newTestStore(t)
	task := mustCreate(t, store)

	if task.Status != types.TaskStatusPending {
		t.Errorf("status = %s, want pending", task.Status)
	}

	got, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Workspace != "proj" || got.Task != "build something" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Config.ConductorModel != "conductor-model" || len(got.Config.WorkerModels) != 2 {
		t.Errorf("config not persisted: %+v", got.Config)
	}
	if got.WorkerCount != 2 {
		t.Errorf("worker_count = %d", got.WorkerCount)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetTask("task-missing"); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

func TestListTasksNewestFirstAndWorkspaceFilter(t *testing.T) {
	store := newTestStore(t)
	a := mustCreate(t, store)
	b, err := store.CreateTask("other", "second", testConfig())
	if err != nil {
		t.Fatal(err)
	}

	all, err := store.ListTasks("")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d", len(all))
	}

	filtered, err := store.ListTasks("other")
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].ID != b.ID {
		t.Errorf("workspace filter broken: %+v", filtered)
	}
	_ = a
}

func TestLifecycleTransitions(t *testing.T) {
	store := newTestStore(t)
	task := mustCreate(t, store)

	if err := store.MarkStarted(task.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetTask(task.ID)
	if got.Status != types.TaskStatusRunning || got.StartedAt == nil {
		t.Errorf("after start: status=%s started_at=%v", got.Status, got.StartedAt)
	}

	if err := store.Finish(task.ID, types.TaskStatusStopped, false, ""); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetTask(task.ID)
	if got.Status != types.TaskStatusStopped || got.CompletedAt == nil {
		t.Errorf("after finish: %+v", got)
	}
	if !got.Resumable() {
		t.Error("stopped incomplete task should be resumable")
	}

	if err := store.MarkResumed(task.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetTask(task.ID)
	if got.Status != types.TaskStatusRunning || got.ResumedAt == nil || got.CompletedAt != nil {
		t.Errorf("after resume: %+v", got)
	}

	if err := store.Finish(task.ID, types.TaskStatusCompleted, true, ""); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetTask(task.ID)
	if !got.IsComplete || got.Resumable() {
		t.Error("completed task must not be resumable")
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	task := mustCreate(t, store)

	if err := store.UpdateProgress(task.ID, 1, 60, "ahead"); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateProgress(task.ID, 2, 40, "regressed"); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetTask(task.ID)
	if got.Progress != 60 {
		t.Errorf("progress = %d, want 60 (monotonic)", got.Progress)
	}
	if got.Iteration != 2 || got.Analysis != "regressed" {
		t.Errorf("iteration/analysis should still update: %+v", got)
	}
}

func TestFilesCreatedSetSemantics(t *testing.T) {
	store := newTestStore(t)
	task := mustCreate(t, store)

	if err := store.AddFilesCreated(task.ID, []string{"a.go", "b.go"}); err != nil {
		t.Fatal(err)
	}
	if err := store.AddFilesCreated(task.ID, []string{"b.go", "c.go", "a.go"}); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetTask(task.ID)
	want := []string{"a.go", "b.go", "c.go"}
	if len(got.FilesCreated) != len(want) {
		t.Fatalf("files = %v", got.FilesCreated)
	}
	for i := range want {
		if got.FilesCreated[i] != want[i] {
			t.Errorf("files[%d] = %q, want %q (insertion order)", i, got.FilesCreated[i], want[i])
		}
	}

	if err := store.ClearFilesCreated(task.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetTask(task.ID)
	if len(got.FilesCreated) != 0 {
		t.Errorf("files after clear = %v", got.FilesCreated)
	}
}

func TestSavePlanRoundTrip(t *testing.T) {
	store := newTestStore(t)
	task := mustCreate(t, store)

	if p, err := store.GetPlan(task.ID); err != nil || p != nil {
		t.Fatalf("expected no plan, got %+v, %v", p, err)
	}

	p := &types.Plan{
		ProjectName: "thing",
		Phases: []types.Phase{{
			PhaseID:       1,
			Name:          "Core",
			FilesToCreate: []types.FileSpec{{Path: "core.go"}},
		}},
	}
	if err := store.SavePlan(task.ID, p); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetPlan(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ProjectName != "thing" || len(got.Phases) != 1 {
		t.Errorf("plan round trip: %+v", got)
	}

	if err := store.SavePlan("task-missing", p); err == nil {
		t.Error("expected error saving plan for unknown task")
	}
}

func TestRecoverInterrupted(t *testing.T) {
	store := newTestStore(t)
	a := mustCreate(t, store)
	b := mustCreate(t, store)
	c := mustCreate(t, store)

	if err := store.MarkStarted(a.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.Finish(c.ID, types.TaskStatusCompleted, true, ""); err != nil {
		t.Fatal(err)
	}

	// a is running, b is pending, c is completed. A restart sweeps the
	// first two into stopped.
	n, err := store.RecoverInterrupted()
	if err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered = %d, want 2", n)
	}

	for _, id := range []string{a.ID, b.ID} {
		got, _ := store.GetTask(id)
		if got.Status != types.TaskStatusStopped {
			t.Errorf("task %s = %s, want stopped", id, got.Status)
		}
	}
	got, _ := store.GetTask(c.ID)
	if got.Status != types.TaskStatusCompleted {
		t.Error("completed task must survive recovery untouched")
	}
}

func TestDeleteTaskRemovesLogsAndInstructions(t *testing.T) {
	store := newTestStore(t)
	task := mustCreate(t, store)

	if _, err := store.AppendLog(task.ID, types.LogInfo, "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SubmitInstruction(task.ID, "do better"); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteTask(task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := store.GetTask(task.ID); err == nil {
		t.Error("task still readable after delete")
	}
	if n, _ := store.CountLogs(task.ID); n != 0 {
		t.Errorf("logs left after delete: %d", n)
	}
}

func TestDeleteUnknownTask(t *testing.T) {
	store := newTestStore(t)
	if err := store.DeleteTask("task-missing"); err == nil {
		t.Fatal("expected error deleting unknown task")
	}
}
