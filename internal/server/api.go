package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/floehq/floe/internal/engine"
	"github.com/floehq/floe/internal/scheduler"
	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/internal/vault"
	"github.com/floehq/floe/pkg/schema"
)

// handleCreateWorkflow stores a new workflow after full validation.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		OwnerID    string                    `json:"owner_id"`
		Name       string                    `json:"name"`
		Definition schema.WorkflowDefinition `json:"definition"`
		Mode       schema.ExecutionMode      `json:"mode"`
		Enabled    *bool                     `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	mode := body.Mode
	if mode == "" {
		mode = schema.ModeLegacy
	}
	if !mode.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", body.Mode))
		return
	}
	if err := s.deps.Validator.ValidateDefinition(&body.Definition); err != nil {
		writeFloeError(w, err)
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:         uuid.NewString(),
		OwnerID:    body.OwnerID,
		Name:       body.Name,
		Definition: body.Definition,
		Mode:       mode,
		Enabled:    enabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.deps.Store.CreateWorkflow(ctx, wf); err != nil {
		writeFloeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFloeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleUpdateWorkflow replaces a workflow's definition. The new definition
// goes through the same validation pipeline as a create.
func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var body struct {
		Name       string                     `json:"name"`
		Definition *schema.WorkflowDefinition `json:"definition"`
		Mode       schema.ExecutionMode       `json:"mode"`
		Enabled    *bool                      `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	wf, err := s.deps.Store.GetWorkflow(ctx, id)
	if err != nil {
		writeFloeError(w, err)
		return
	}

	if body.Definition != nil {
		if err := s.deps.Validator.ValidateDefinition(body.Definition); err != nil {
			writeFloeError(w, err)
			return
		}
		wf.Definition = *body.Definition
	}
	if body.Name != "" {
		wf.Name = body.Name
	}
	if body.Mode != "" {
		if !body.Mode.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", body.Mode))
			return
		}
		wf.Mode = body.Mode
	}
	if body.Enabled != nil {
		wf.Enabled = *body.Enabled
	}
	wf.UpdatedAt = time.Now().UTC()

	if err := s.deps.Store.UpdateWorkflowDefinition(ctx, id, wf); err != nil {
		writeFloeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteWorkflow(r.Context(), id); err != nil {
		writeFloeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "workflow_id": id})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkflowFilter{
		OwnerID: r.URL.Query().Get("owner_id"),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}
	wfs, err := s.deps.Store.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeFloeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": wfs, "count": len(wfs)})
}

// handleStartRun triggers a run of a workflow. By default the request blocks
// until the run reaches a terminal status and returns the full RunResult;
// with ?async=1 the run executes detached and the response is 202.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var body struct {
		Trigger       map[string]any  `json:"trigger"`
		PayloadSchema json.RawMessage `json:"payload_schema,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	wf, err := s.deps.Store.GetWorkflow(ctx, id)
	if err != nil {
		writeFloeError(w, err)
		return
	}
	if !wf.Enabled {
		writeError(w, http.StatusConflict, fmt.Sprintf("workflow %s is disabled", id))
		return
	}

	if len(body.PayloadSchema) > 0 {
		if err := s.deps.Validator.ValidateTriggerPayload(body.Trigger, body.PayloadSchema); err != nil {
			writeFloeError(w, err)
			return
		}
	}

	if r.URL.Query().Get("async") != "" {
		go func() {
			result, err := s.deps.Runner.Start(context.Background(), wf, body.Trigger)
			if err != nil {
				s.deps.Logger.Error("async run failed to start", "workflow_id", id, "error", err)
				return
			}
			s.deps.Logger.Info("async run finished",
				"workflow_id", id, "run_id", result.RunID, "status", result.Status)
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{
			"workflow_id": id,
			"status":      "accepted",
		})
		return
	}

	result, err := s.deps.Runner.Start(ctx, wf, body.Trigger)
	if err != nil {
		writeFloeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetRun returns the engine's snapshot of a run. Runs the engine no
// longer tracks fall back to the persisted rows.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	snapshot, err := s.deps.Runner.Status(ctx, id)
	if err == nil {
		writeJSON(w, http.StatusOK, snapshot)
		return
	}

	run, storeErr := s.deps.Store.GetRun(ctx, id)
	if storeErr != nil {
		writeFloeError(w, storeErr)
		return
	}
	nodes, _ := s.deps.Store.ListNodeRuns(ctx, id)
	writeJSON(w, http.StatusOK, &engine.RunSnapshot{
		RunID:  run.ID,
		Status: run.Status,
		Nodes:  nodes,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "cancelled via api"
	}

	if err := s.deps.Runner.Cancel(r.Context(), id, body.Reason); err != nil {
		writeFloeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "run_id": id})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		OwnerID:    r.URL.Query().Get("owner_id"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.RunStatus(v)
		filter.Status = &status
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeFloeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	since := int64(queryInt(r, "since", 0))

	events, err := s.deps.Store.GetEvents(r.Context(), id, since)
	if err != nil {
		writeFloeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// handlePutCredential stores provider keys for a tenant. Keys go in and
// never come back out through the API.
func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID       string            `json:"id"`
		OwnerID  string            `json:"owner_id"`
		Platform string            `json:"platform"`
		Keys     map[string]string `json:"keys"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.OwnerID == "" || body.Platform == "" {
		writeError(w, http.StatusBadRequest, "owner_id and platform are required")
		return
	}
	if len(body.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "keys are required")
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}

	cred := &vault.Credential{
		ID:       body.ID,
		OwnerID:  body.OwnerID,
		Platform: body.Platform,
		Keys:     body.Keys,
	}
	if err := s.deps.Vault.Put(r.Context(), cred); err != nil {
		writeFloeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":       cred.ID,
		"owner_id": cred.OwnerID,
		"platform": cred.Platform,
	})
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	creds, err := s.deps.Vault.List(r.Context(), ownerID)
	if err != nil {
		writeFloeError(w, err)
		return
	}

	// Strip key material before serializing.
	out := make([]map[string]string, 0, len(creds))
	for _, c := range creds {
		out = append(out, map[string]string{
			"id":       c.ID,
			"owner_id": c.OwnerID,
			"platform": c.Platform,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": out, "count": len(out)})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	if err := s.deps.Vault.Delete(r.Context(), id, ownerID); err != nil {
		writeFloeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "credential_id": id})
}

// handleCreateSchedule registers a cron trigger for a workflow. The cron
// expression is validated and next_run_at primed so the first tick can pick
// it up without a parse.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		WorkflowID     string          `json:"workflow_id"`
		OwnerID        string          `json:"owner_id"`
		CronExpression string          `json:"cron_expression"`
		Payload        json.RawMessage `json:"payload,omitempty"`
		Enabled        *bool           `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.WorkflowID == "" || body.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "workflow_id and owner_id are required")
		return
	}

	now := time.Now().UTC()
	nextRun, err := scheduler.NextRun(body.CronExpression, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cron expression: %v", err))
		return
	}

	if _, err := s.deps.Store.GetWorkflow(ctx, body.WorkflowID); err != nil {
		writeFloeError(w, err)
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}

	sched := &store.TriggerSchedule{
		ID:             uuid.NewString(),
		WorkflowID:     body.WorkflowID,
		OwnerID:        body.OwnerID,
		CronExpression: body.CronExpression,
		Payload:        body.Payload,
		Enabled:        enabled,
		NextRunAt:      &nextRun,
		CreatedAt:      now,
	}
	if err := s.deps.Store.CreateSchedule(ctx, sched); err != nil {
		writeFloeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.deps.Store.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFloeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	update := store.ScheduleUpdate{Enabled: body.Enabled}
	if *body.Enabled {
		// Re-enabling primes the clock so the schedule doesn't fire
		// immediately for every tick it missed while disabled.
		sched, err := s.deps.Store.GetSchedule(ctx, id)
		if err != nil {
			writeFloeError(w, err)
			return
		}
		nextRun, err := scheduler.NextRun(sched.CronExpression, time.Now().UTC())
		if err != nil {
			writeFloeError(w, err)
			return
		}
		update.NextRunAt = &nextRun
	}

	if err := s.deps.Store.UpdateSchedule(ctx, id, update); err != nil {
		writeFloeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "schedule_id": id})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteSchedule(r.Context(), id); err != nil {
		writeFloeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "schedule_id": id})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	filter := store.ScheduleFilter{
		OwnerID:    r.URL.Query().Get("owner_id"),
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Limit:      queryInt(r, "limit", 50),
	}
	scheds, err := s.deps.Store.ListSchedules(r.Context(), filter)
	if err != nil {
		writeFloeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": scheds, "count": len(scheds)})
}
