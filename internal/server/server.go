// Package server exposes Conductor's operations over HTTP
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cloud-shuttle/conductor/internal/db"
	"github.com/cloud-shuttle/conductor/internal/engine"
	"github.com/cloud-shuttle/conductor/internal/events"
	"github.com/cloud-shuttle/conductor/internal/mailbox"
	"github.com/cloud-shuttle/conductor/internal/workspace"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

// Server wires the HTTP API to the task manager and its collaborators
type Server struct {
	store      *db.Store
	manager    *engine.Manager
	mail       *mailbox.Mailbox
	workspaces *workspace.Manager
	bus        *events.Bus
	defaults   types.TaskConfig

	router *mux.Router
	http   *http.Server
}

// Config configures the HTTP server
type Config struct {
	Addr     string
	Defaults types.TaskConfig
}

// New creates a server with all routes registered
func New(cfg Config, store *db.Store, manager *engine.Manager, mail *mailbox.Mailbox, ws *workspace.Manager, bus *events.Bus) *Server {
	s := &Server{
		store:      store,
		manager:    manager,
		mail:       mail,
		workspaces: ws,
		bus:        bus,
		defaults:   cfg.Defaults,
		router:     mux.NewRouter(),
	}
	s.routes()
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own lifetime
	}
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/plans", s.handleCreatePlan).Methods(http.MethodPost)

	api.HandleFunc("/tasks", s.handleStartTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handleDeleteTask).Methods(http.MethodDelete)
	api.HandleFunc("/tasks/{id}/logs", s.handleGetLogs).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/events", s.handleStreamEvents).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/instructions", s.handleSubmitInstruction).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/instructions", s.handleListInstructions).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/resume", s.handleResume).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/clear-history", s.handleClearHistory).Methods(http.MethodPost)

	api.HandleFunc("/workspaces", s.handleCreateWorkspace).Methods(http.MethodPost)
	api.HandleFunc("/workspaces", s.handleListWorkspaces).Methods(http.MethodGet)
	api.HandleFunc("/workspaces/{name}", s.handleDeleteWorkspace).Methods(http.MethodDelete)
	api.HandleFunc("/workspaces/{name}/files", s.handleListFiles).Methods(http.MethodGet)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// ListenAndServe starts serving until the context is cancelled
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("🌐 API listening on %s", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️  Encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
