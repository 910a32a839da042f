package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/conductor/internal/db"
	"github.com/cloud-shuttle/conductor/internal/dispatch"
	"github.com/cloud-shuttle/conductor/internal/engine"
	"github.com/cloud-shuttle/conductor/internal/events"
	"github.com/cloud-shuttle/conductor/internal/llm"
	"github.com/cloud-shuttle/conductor/internal/mailbox"
	"github.com/cloud-shuttle/conductor/internal/plan"
	"github.com/cloud-shuttle/conductor/internal/project"
	"github.com/cloud-shuttle/conductor/internal/server"
	"github.com/cloud-shuttle/conductor/internal/workspace"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

// app bundles the wiring shared by commands that run engines
type app struct {
	store    *db.Store
	bus      *events.Bus
	mail     *mailbox.Mailbox
	ws       *workspace.Manager
	manager  *engine.Manager
	defaults types.TaskConfig
}

func buildApp(dir string, store *db.Store) (*app, error) {
	projCfg, err := project.Load(dir)
	if err != nil {
		return nil, err
	}
	if err := projCfg.Validate(); err != nil {
		return nil, err
	}

	ws, err := workspace.NewManager(filepath.Join(dir, cfg.WorkspaceRoot))
	if err != nil {
		return nil, err
	}
	ws.SetSnapshotFileLimit(projCfg.MaxSnapshotFileSize.Bytes())

	client := llm.NewClient(llm.Config{
		BaseURL: cfg.GatewayURL,
		APIKey:  cfg.GatewayAPIKey,
		Timeout: cfg.GatewayTimeout,
	})

	bus := events.NewBus()
	mail := mailbox.New(store)
	defaults := projCfg.TaskConfig()

	mgr := engine.NewManager(engine.Deps{
		Store:      store,
		Bus:        bus,
		Mailbox:    mail,
		Dispatcher: dispatch.NewDispatcher(client, dispatch.Config{MaxParallel: defaults.MaxParallelWorkers, CallTimeout: cfg.GatewayTimeout}),
		Invoker:    client,
		Workspaces: ws,
	})

	return &app{store: store, bus: bus, mail: mail, ws: ws, manager: mgr, defaults: defaults}, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize Conductor in the current directory",
		Long: `Initialize Conductor in the current directory.

Creates a .conductor directory with a SQLite database for task state and
logs, and a .conductor.toml file with the default model configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return err
			}

			conductorDir := filepath.Join(dir, ".conductor")
			if _, err := os.Stat(conductorDir); err == nil {
				return fmt.Errorf("already initialized in %s", conductorDir)
			}
			if err := os.MkdirAll(conductorDir, 0755); err != nil {
				return fmt.Errorf("creating .conductor directory: %w", err)
			}

			store, err := db.Open(filepath.Join(conductorDir, "conductor.db"))
			if err != nil {
				return fmt.Errorf("creating database: %w", err)
			}
			defer store.Close()
			if err := store.InitSchema(); err != nil {
				return fmt.Errorf("initializing schema: %w", err)
			}

			projCfg := project.DefaultConfig()
			projCfg.ConductorModel = cfg.ConductorModel
			projCfg.WorkerModels = cfg.WorkerModels
			if err := writeDefaultProjectConfig(dir, projCfg); err != nil {
				return err
			}

			fmt.Printf("✅ Initialized conductor project in %s\n", dir)
			fmt.Printf("   Database: %s\n", filepath.Join(conductorDir, "conductor.db"))
			fmt.Printf("   Config:   %s\n", filepath.Join(dir, project.ConfigFileName))
			return nil
		},
	}
}

func writeDefaultProjectConfig(dir string, projCfg *project.Config) error {
	path := filepath.Join(dir, project.ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	loaded, err := project.Load(dir)
	if err != nil {
		return err
	}
	loaded.ConductorModel = projCfg.ConductorModel
	loaded.WorkerModels = projCfg.WorkerModels
	return loaded.Save()
}

func planCmd() *cobra.Command {
	var feedback, previousPath, outputPath string
	cmd := &cobra.Command{
		Use:   "plan <task description>",
		Short: "Generate a development plan for review",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			application, err := buildApp(dir, store)
			if err != nil {
				return err
			}
			defer application.bus.Close()

			var previous *types.Plan
			if previousPath != "" {
				previous, err = readPlanFile(previousPath)
				if err != nil {
					return err
				}
			}
			if feedback != "" && previous == nil {
				return fmt.Errorf("--feedback requires --previous")
			}

			task := strings.Join(args, " ")
			p, err := application.manager.CreatePlan(cmd.Context(), application.defaults, task, feedback, previous)
			if err != nil {
				var genErr *types.PlanGenerationError
				if errors.As(err, &genErr) {
					fmt.Fprintf(os.Stderr, "Plan generation failed: %s\n\n--- raw model output ---\n%s\n", genErr.Reason, genErr.RawOutput)
				}
				return err
			}

			printPlan(p)
			if outputPath != "" {
				data, err := json.MarshalIndent(p, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(outputPath, data, 0644); err != nil {
					return fmt.Errorf("writing plan: %w", err)
				}
				fmt.Printf("\n💾 Plan written to %s (pass it to 'conductor start --plan')\n", outputPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "reviewer feedback, revises the previous plan")
	cmd.Flags().StringVar(&previousPath, "previous", "", "path to the plan being revised")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the approved plan JSON to a file")
	return cmd
}

func startCmd() *cobra.Command {
	var workspaceName, planPath, conductorModel string
	var workerModels []string
	var maxIterations, maxParallel int
	var detach bool

	cmd := &cobra.Command{
		Use:   "start <task description>",
		Short: "Start an autonomous background run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			application, err := buildApp(dir, store)
			if err != nil {
				return err
			}
			defer application.bus.Close()

			taskCfg := application.defaults
			if conductorModel != "" {
				taskCfg.ConductorModel = conductorModel
			}
			if len(workerModels) > 0 {
				taskCfg.WorkerModels = workerModels
			}
			if maxIterations > 0 {
				taskCfg.MaxIterations = maxIterations
			}
			if maxParallel > 0 {
				taskCfg.MaxParallelWorkers = maxParallel
			}

			var approved *types.Plan
			if planPath != "" {
				approved, err = readPlanFile(planPath)
				if err != nil {
					return err
				}
			}

			task := strings.Join(args, " ")
			taskID, err := application.manager.StartBackground(workspaceName, task, taskCfg, approved)
			if err != nil {
				return err
			}
			fmt.Printf("🚀 Started task %s in workspace %q\n", taskID, workspaceName)

			if detach {
				application.manager.Wait()
				return nil
			}
			return followTask(application, taskID)
		},
	}
	cmd.Flags().StringVarP(&workspaceName, "workspace", "w", "default", "workspace to build in")
	cmd.Flags().StringVar(&planPath, "plan", "", "path to an approved plan JSON")
	cmd.Flags().StringVar(&conductorModel, "conductor-model", "", "override the conductor model")
	cmd.Flags().StringSliceVar(&workerModels, "worker-models", nil, "override the worker models")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "override the iteration budget")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "override the parallel worker cap")
	cmd.Flags().BoolVar(&detach, "quiet", false, "run without streaming the log")
	return cmd
}

// followTask streams a task's events to stdout until its engine returns
func followTask(application *app, taskID string) error {
	sub := application.bus.Subscribe(events.EventFilter{TaskID: taskID})
	defer application.bus.Unsubscribe(sub.ID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	go func() {
		application.manager.Wait()
		close(done)
	}()

	for {
		select {
		case event := <-sub.C:
			if event != nil {
				fmt.Println(events.FormatEventCompact(event))
			}
		case <-sigCh:
			fmt.Println("\n🛑 Interrupt received, stopping task (resume later with 'conductor resume')")
			application.manager.Shutdown()
		case <-done:
			return printFinalState(application.store, taskID)
		}
	}
}

func printFinalState(store *db.Store, taskID string) error {
	task, err := store.GetTask(taskID)
	if err != nil {
		return err
	}
	fmt.Printf("\nTask %s finished: %s (progress %d%%, %d iteration(s), %d file(s))\n",
		task.ID, task.Status, task.Progress, task.Iteration, len(task.FilesCreated))
	if task.Error != "" {
		fmt.Printf("Error: %s\n", task.Error)
	}
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the state of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			task, err := store.GetTask(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Task:       %s\n", task.ID)
			fmt.Printf("Workspace:  %s\n", task.Workspace)
			fmt.Printf("Goal:       %s\n", task.Task)
			fmt.Printf("Status:     %s", task.Status)
			if task.IsComplete {
				fmt.Print(" (complete)")
			}
			fmt.Println()
			fmt.Printf("Progress:   %d%% (iteration %d/%d)\n", task.Progress, task.Iteration, task.Config.MaxIterations)
			if task.Analysis != "" {
				fmt.Printf("Analysis:   %s\n", task.Analysis)
			}
			if task.TotalPhases > 0 {
				fmt.Printf("Phase:      %d/%d %s\n", task.CurrentPhaseID, task.TotalPhases, task.CurrentPhaseName)
			}
			if len(task.FilesCreated) > 0 {
				fmt.Printf("Files:      %s\n", strings.Join(task.FilesCreated, ", "))
			}
			if task.Error != "" {
				fmt.Printf("Error:      %s\n", task.Error)
			}
			if task.Resumable() {
				fmt.Println("\nThis task can be resumed with 'conductor resume'.")
			}
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var workspaceName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			tasks, err := store.ListTasks(workspaceName)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks.")
				return nil
			}

			for _, t := range tasks {
				marker := " "
				if t.Resumable() {
					marker = "↻"
				}
				fmt.Printf("%s %-14s %-10s %3d%%  %-12s %s\n",
					marker, t.ID, t.Status, t.Progress, t.Workspace, truncate(t.Task, 60))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspaceName, "workspace", "w", "", "filter by workspace")
	return cmd
}

func logsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <task-id>",
		Short: "Show the log tail of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := store.GetTask(args[0]); err != nil {
				return err
			}
			entries, err := store.TailLogs(args[0], limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				ts := time.UnixMilli(e.Timestamp).Format("15:04:05")
				fmt.Printf("%s [%s] %s\n", ts, e.Type, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "number of entries to show")
	return cmd
}

func instructCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instruct <task-id> <instruction>",
		Short: "Queue a steering instruction for a running task",
		Long: `Queue a steering instruction for a running task.

The instruction is delivered to the conductor at the start of its next
iteration, exactly once.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			mail := mailbox.New(store)
			inst, err := mail.Submit(args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Printf("📨 Instruction %s queued for %s\n", inst.ID, args[0])
			return nil
		},
	}
}

func cancelCmd() *cobra.Command {
	var purgeFiles, purgeLogs bool
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task, optionally purging its files and logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			task, err := store.GetTask(args[0])
			if err != nil {
				return err
			}

			// The engine polls the stored status at each iteration
			// boundary, so this works across processes.
			if !task.Status.IsTerminal() {
				if err := store.Finish(task.ID, types.TaskStatusCancelled, false, ""); err != nil {
					return err
				}
				fmt.Printf("🛑 Task %s cancelled\n", task.ID)
			} else {
				fmt.Printf("Task %s is already %s\n", task.ID, task.Status)
			}

			if purgeFiles && len(task.FilesCreated) > 0 {
				ws, err := workspace.NewManager(filepath.Join(dir, cfg.WorkspaceRoot))
				if err != nil {
					return err
				}
				n, err := ws.Purge(task.Workspace, task.FilesCreated)
				if err != nil {
					return err
				}
				if err := store.ClearFilesCreated(task.ID); err != nil {
					return err
				}
				fmt.Printf("🗑️  Purged %d file(s):\n", n)
				for _, f := range task.FilesCreated {
					fmt.Printf("   - %s\n", f)
				}
			}
			if purgeLogs {
				if err := store.ClearLogs(task.ID); err != nil {
					return err
				}
				if err := store.ClearFilesCreated(task.ID); err != nil {
					return err
				}
				fmt.Println("🗑️  Log history cleared")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&purgeFiles, "purge-files", false, "delete every file the task created")
	cmd.Flags().BoolVar(&purgeLogs, "purge-logs", false, "clear the task's log history")
	return cmd
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume a stopped, errored, or cancelled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			application, err := buildApp(dir, store)
			if err != nil {
				return err
			}
			defer application.bus.Close()

			taskID, err := application.manager.Resume(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("▶️  Resumed task %s\n", taskID)
			return followTask(application, taskID)
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task record, its logs, and its instructions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			status, err := store.GetStatus(args[0])
			if err != nil {
				return fmt.Errorf("task %s not found", args[0])
			}
			if !status.IsTerminal() {
				return fmt.Errorf("task %s is %s; cancel it before deleting", args[0], status)
			}
			if err := store.DeleteTask(args[0]); err != nil {
				return err
			}
			fmt.Printf("🗑️  Deleted task %s\n", args[0])
			return nil
		},
	}
}

func workspacesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspaces",
		Short: "Manage workspaces",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := findProjectDir()
			if err != nil {
				return err
			}
			ws, err := workspace.NewManager(filepath.Join(dir, cfg.WorkspaceRoot))
			if err != nil {
				return err
			}
			infos, err := ws.List()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No workspaces.")
				return nil
			}
			for _, info := range infos {
				fmt.Printf("%-20s %4d file(s)  %s\n", info.Name, info.FileCount, info.Description)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name> [description]",
		Short: "Create a workspace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := findProjectDir()
			if err != nil {
				return err
			}
			ws, err := workspace.NewManager(filepath.Join(dir, cfg.WorkspaceRoot))
			if err != nil {
				return err
			}
			desc := ""
			if len(args) > 1 {
				desc = strings.Join(args[1:], " ")
			}
			if err := ws.Create(args[0], desc); err != nil {
				return err
			}
			fmt.Printf("✅ Created workspace %q\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a workspace and everything in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := findProjectDir()
			if err != nil {
				return err
			}
			ws, err := workspace.NewManager(filepath.Join(dir, cfg.WorkspaceRoot))
			if err != nil {
				return err
			}
			if err := ws.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("🗑️  Deleted workspace %q\n", args[0])
			return nil
		},
	})

	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			application, err := buildApp(dir, store)
			if err != nil {
				return err
			}
			defer application.bus.Close()
			defer application.manager.Shutdown()

			// The daemon owns every engine, so interrupted tasks from a
			// previous crash can safely be swept to stopped here.
			if _, err := application.manager.Recover(); err != nil {
				return err
			}

			if addr == "" {
				addr = cfg.ListenAddr
			}
			srv := server.New(server.Config{Addr: addr, Defaults: application.defaults},
				application.store, application.manager, application.mail, application.ws, application.bus)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to CONDUCTOR_LISTEN_ADDR)")
	return cmd
}

func readPlanFile(path string) (*types.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	var p types.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	if err := plan.Validate(&p); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", path, err)
	}
	return &p, nil
}

func printPlan(p *types.Plan) {
	fmt.Printf("📋 %s\n%s\n\n", p.ProjectName, p.Description)
	if p.Architecture != "" {
		fmt.Printf("Architecture: %s\n\n", p.Architecture)
	}
	for _, phase := range p.Phases {
		fmt.Printf("Phase %d: %s (~%d iteration(s))\n", phase.PhaseID, phase.Name, phase.EstimatedIterations)
		for _, f := range phase.FilesToCreate {
			marker := "∥"
			if !f.CanParallelize {
				marker = "→"
			}
			fmt.Printf("  %s %s", marker, f.Path)
			if len(f.Dependencies) > 0 {
				fmt.Printf("  (after %s)", strings.Join(f.Dependencies, ", "))
			}
			fmt.Println()
		}
	}
	if len(p.Risks) > 0 {
		fmt.Println("\nRisks:")
		for _, r := range p.Risks {
			fmt.Printf("  - %s\n", r)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
