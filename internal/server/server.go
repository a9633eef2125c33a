// Package server exposes the management surface of the engine as a JSON
// API: workflow CRUD, run control, credentials, trigger schedules, and SSE
// streams of live run events. The visual editor is a separate product; this
// package is the boundary it talks to.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/floehq/floe/internal/callback"
	"github.com/floehq/floe/internal/engine"
	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/internal/streaming"
	"github.com/floehq/floe/internal/validation"
	"github.com/floehq/floe/internal/vault"
	"github.com/floehq/floe/pkg/schema"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Store     store.Store
	Runner    engine.Runner
	Vault     vault.Vault
	Hub       streaming.EventHub
	Validator validation.Validator
	Callbacks *callback.Handler
	Logger    *slog.Logger
}

// Server serves the management API.
type Server struct {
	deps Deps
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Workflows.
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/diagram", s.handleWorkflowDiagram)

	// Runs.
	mux.HandleFunc("POST /api/workflows/{id}/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)

	// Credentials. Key material is write-only.
	mux.HandleFunc("POST /api/credentials", s.handlePutCredential)
	mux.HandleFunc("GET /api/credentials", s.handleListCredentials)
	mux.HandleFunc("DELETE /api/credentials/{id}", s.handleDeleteCredential)

	// Trigger schedules.
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("GET /api/schedules/{id}", s.handleGetSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	// Provider callback ingress shares the mux.
	if s.deps.Callbacks != nil {
		s.deps.Callbacks.Register(mux)
	}

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StartScheduled satisfies scheduler.RunStarter. The run executes detached
// from the scheduler tick so a long confirmation wait cannot stall other
// due schedules.
func (s *Server) StartScheduled(ctx context.Context, workflowID string, trigger map[string]any) error {
	wf, err := s.deps.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if !wf.Enabled {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is disabled", workflowID)
	}

	go func() {
		result, err := s.deps.Runner.Start(context.Background(), wf, trigger)
		if err != nil {
			s.deps.Logger.Error("scheduled run failed to start",
				"workflow_id", workflowID, "error", err)
			return
		}
		s.deps.Logger.Info("scheduled run finished",
			"workflow_id", workflowID, "run_id", result.RunID, "status", result.Status)
	}()
	return nil
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
