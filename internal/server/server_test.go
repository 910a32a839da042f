package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloud-shuttle/conductor/internal/db"
	"github.com/cloud-shuttle/conductor/internal/dispatch"
	"github.com/cloud-shuttle/conductor/internal/engine"
	"github.com/cloud-shuttle/conductor/internal/events"
	"github.com/cloud-shuttle/conductor/internal/llm"
	"github.com/cloud-shuttle/conductor/internal/mailbox"
	"github.com/cloud-shuttle/conductor/internal/workspace"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

// instantGateway completes any task on the first decision
type instantGateway struct {
	planOutput string
}

func (g *instantGateway) Invoke(ctx context.Context, modelID, prompt string, params llm.Params) (*llm.Invocation, error) {
	if g.planOutput != "" {
		return &llm.Invocation{ModelID: modelID, Text: g.planOutput}, nil
	}
	return &llm.Invocation{
		ModelID: modelID,
		Text:    "```json\n{\"analysis\": \"done\", \"progress_percent\": 100, \"is_complete\": true, \"completion_reason\": \"trivial\"}\n```",
	}, nil
}

func newTestServer(t *testing.T, gateway llm.Invoker) (*Server, *engine.Manager) {
	t.Helper()
	dir := t.TempDir()

	store, err := db.Open(filepath.Join(dir, "conductor.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatal(err)
	}

	ws, err := workspace.NewManager(filepath.Join(dir, "workspaces"))
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	mail := mailbox.New(store)

	mgr := engine.NewManager(engine.Deps{
		Store:      store,
		Bus:        bus,
		Mailbox:    mail,
		Dispatcher: dispatch.NewDispatcher(gateway, dispatch.Config{MaxParallel: 2}),
		Invoker:    gateway,
		Workspaces: ws,
	})
	t.Cleanup(mgr.Shutdown)

	srv := New(Config{
		Addr: ":0",
		Defaults: types.TaskConfig{
			ConductorModel:     "conductor-model",
			WorkerModels:       []string{"worker-model"},
			MaxIterations:      5,
			MaxParallelWorkers: 2,
		},
	}, store, mgr, mail, ws, bus)
	return srv, mgr
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func waitIdle(t *testing.T, mgr *engine.Manager, taskID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for mgr.IsRunning(taskID) {
		if time.Now().After(deadline) {
			t.Fatal("task did not finish in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, mgr := newTestServer(t, &instantGateway{})
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/tasks", map[string]interface{}{
		"workspace": "proj",
		"task":      "do the thing",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	taskID := created["task_id"]
	waitIdle(t, mgr, taskID)

	rec = doJSON(t, h, http.MethodGet, "/api/tasks/"+taskID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	var task types.BackgroundTask
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatal(err)
	}
	if task.Status != types.TaskStatusCompleted {
		t.Errorf("status = %s", task.Status)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/tasks/"+taskID+"/logs?limit=50", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs = %d", rec.Code)
	}
	var logs []types.LogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &logs); err != nil {
		t.Fatal(err)
	}
	if len(logs) == 0 {
		t.Error("no logs returned")
	}

	rec = doJSON(t, h, http.MethodGet, "/api/tasks?workspace=proj", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/tasks/"+taskID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, h, http.MethodGet, "/api/tasks/"+taskID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rec.Code)
	}
}

func TestUnknownTaskReturns404(t *testing.T) {
	srv, _ := newTestServer(t, &instantGateway{})
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/tasks/task-nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d", rec.Code)
	}
}

func TestInstructionRejectedForTerminalTask(t *testing.T) {
	srv, mgr := newTestServer(t, &instantGateway{})
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/tasks", map[string]interface{}{
		"workspace": "proj", "task": "quick",
	})
	var created map[string]string
	json.Unmarshal(rec.Body.Bytes(), &created)
	waitIdle(t, mgr, created["task_id"])

	rec = doJSON(t, h, http.MethodPost, "/api/tasks/"+created["task_id"]+"/instructions",
		map[string]string{"text": "too late"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400 for completed task", rec.Code)
	}
}

func TestPlanEndpointSurfacesRawOutputOnFailure(t *testing.T) {
	srv, _ := newTestServer(t, &instantGateway{planOutput: "I refuse to produce JSON"})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/plans", map[string]interface{}{
		"task": "make a plan",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["raw_output"] != "I refuse to produce JSON" {
		t.Errorf("raw_output = %q", resp["raw_output"])
	}
}

func TestPlanEndpointHappyPath(t *testing.T) {
	planJSON := `{"project_name": "x", "description": "d", "phases": [{"phase_id": 1, "name": "only", "files_to_create": [{"path": "a.go", "description": "a"}]}]}`
	srv, _ := newTestServer(t, &instantGateway{planOutput: "```json\n" + planJSON + "\n```"})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/plans", map[string]interface{}{
		"task": "make a plan",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	var p types.Plan
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.ProjectName != "x" || len(p.Phases) != 1 {
		t.Errorf("plan = %+v", p)
	}
}

func TestWorkspaceCRUD(t *testing.T) {
	srv, _ := newTestServer(t, &instantGateway{})
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/workspaces", map[string]string{
		"name": "sandbox", "description": "scratch area",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/workspaces", nil)
	var infos []workspace.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Name != "sandbox" {
		t.Errorf("workspaces = %+v", infos)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/workspaces/sandbox/files", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("files = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/workspaces/sandbox", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d", rec.Code)
	}
}

func TestCancelPendingTaskViaAPI(t *testing.T) {
	// A gateway that blocks keeps the task running long enough to cancel.
	blocking := &blockingGateway{release: make(chan struct{})}
	srv, mgr := newTestServer(t, blocking)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/tasks", map[string]interface{}{
		"workspace": "proj", "task": "slow task",
	})
	var created map[string]string
	json.Unmarshal(rec.Body.Bytes(), &created)
	taskID := created["task_id"]

	rec = doJSON(t, h, http.MethodPost, "/api/tasks/"+taskID+"/cancel",
		map[string]bool{"purge_files": false, "purge_logs": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d: %s", rec.Code, rec.Body.String())
	}
	var result types.CancelResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if !result.Cancelled {
		t.Error("cancel not acknowledged")
	}

	close(blocking.release)
	waitIdle(t, mgr, taskID)

	rec = doJSON(t, h, http.MethodGet, "/api/tasks/"+taskID, nil)
	var task types.BackgroundTask
	json.Unmarshal(rec.Body.Bytes(), &task)
	if task.Status != types.TaskStatusCancelled {
		t.Errorf("status = %s, want cancelled", task.Status)
	}
}

type blockingGateway struct {
	release chan struct{}
}

func (g *blockingGateway) Invoke(ctx context.Context, modelID, prompt string, params llm.Params) (*llm.Invocation, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("released without output")
}
