package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floehq/floe/internal/engine"
	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/internal/streaming"
	"github.com/floehq/floe/internal/validation"
	"github.com/floehq/floe/internal/vault"
	"github.com/floehq/floe/pkg/schema"
)

// apiStore is an in-memory Store covering the methods the API exercises.
type apiStore struct {
	store.Store

	mu        sync.Mutex
	workflows map[string]*store.Workflow
	runs      map[string]*store.Run
	nodeRuns  map[string][]*store.NodeRun
	schedules map[string]*store.TriggerSchedule
	events    map[string][]*store.Event
}

func newAPIStore() *apiStore {
	return &apiStore{
		workflows: make(map[string]*store.Workflow),
		runs:      make(map[string]*store.Run),
		nodeRuns:  make(map[string][]*store.NodeRun),
		schedules: make(map[string]*store.TriggerSchedule),
		events:    make(map[string][]*store.Event),
	}
}

func (s *apiStore) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = wf
	return nil
}

func (s *apiStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	return wf, nil
}

func (s *apiStore) UpdateWorkflowDefinition(_ context.Context, id string, wf *store.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	s.workflows[id] = wf
	return nil
}

func (s *apiStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	delete(s.workflows, id)
	return nil
}

func (s *apiStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range s.workflows {
		if filter.OwnerID != "" && wf.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, wf)
	}
	return out, nil
}

func (s *apiStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", id)
	}
	return run, nil
}

func (s *apiStore) ListNodeRuns(_ context.Context, runID string) ([]*store.NodeRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeRuns[runID], nil
}

func (s *apiStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Run
	for _, run := range s.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *apiStore) GetEvents(_ context.Context, runID string, since int64) ([]*store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Event
	for _, ev := range s.events[runID] {
		if ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *apiStore) CreateSchedule(_ context.Context, sched *store.TriggerSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sched.ID] = sched
	return nil
}

func (s *apiStore) GetSchedule(_ context.Context, id string) (*store.TriggerSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %s not found", id)
	}
	return sched, nil
}

func (s *apiStore) UpdateSchedule(_ context.Context, id string, update store.ScheduleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %s not found", id)
	}
	if update.Enabled != nil {
		sched.Enabled = *update.Enabled
	}
	if update.NextRunAt != nil {
		sched.NextRunAt = update.NextRunAt
	}
	return nil
}

func (s *apiStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	return nil
}

func (s *apiStore) ListSchedules(_ context.Context, filter store.ScheduleFilter) ([]*store.TriggerSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.TriggerSchedule
	for _, sched := range s.schedules {
		if filter.OwnerID != "" && sched.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, sched)
	}
	return out, nil
}

// fakeRunner records calls and returns a canned result.
type fakeRunner struct {
	mu       sync.Mutex
	started  []string
	triggers []map[string]any
	cancels  map[string]string
	result   *engine.RunResult
	snapshot *engine.RunSnapshot
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		cancels: make(map[string]string),
		result: &engine.RunResult{
			RunID:     "run-1",
			Status:    schema.RunStatusSuccess,
			StartedAt: time.Now().UTC(),
		},
	}
}

func (r *fakeRunner) Start(_ context.Context, wf *store.Workflow, trigger map[string]any) (*engine.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, wf.ID)
	r.triggers = append(r.triggers, trigger)
	return r.result, nil
}

func (r *fakeRunner) Cancel(_ context.Context, runID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[runID] = reason
	return nil
}

func (r *fakeRunner) Status(_ context.Context, runID string) (*engine.RunSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshot == nil || r.snapshot.RunID != runID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not tracked", runID)
	}
	return r.snapshot, nil
}

func (r *fakeRunner) Shutdown() {}

func (r *fakeRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

// fakeVault stores decrypted credentials in memory.
type fakeVault struct {
	mu    sync.Mutex
	creds map[string]*vault.Credential
}

func newFakeVault() *fakeVault {
	return &fakeVault{creds: make(map[string]*vault.Credential)}
}

func (v *fakeVault) Resolve(_ context.Context, id, ownerID string) (*vault.Credential, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cred, ok := v.creds[id]
	if !ok || cred.OwnerID != ownerID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "credential %s not found", id)
	}
	return cred, nil
}

func (v *fakeVault) Put(_ context.Context, cred *vault.Credential) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.creds[cred.ID] = cred
	return nil
}

func (v *fakeVault) Delete(_ context.Context, id, ownerID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	cred, ok := v.creds[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "credential %s not found", id)
	}
	if cred.OwnerID != ownerID {
		return schema.NewErrorf(schema.ErrCodeForbidden, "credential %s belongs to another owner", id)
	}
	delete(v.creds, id)
	return nil
}

func (v *fakeVault) List(_ context.Context, ownerID string) ([]*vault.Credential, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []*vault.Credential
	for _, cred := range v.creds {
		if cred.OwnerID == ownerID {
			out = append(out, cred)
		}
	}
	return out, nil
}

type testEnv struct {
	store  *apiStore
	runner *fakeRunner
	vault  *fakeVault
	hub    *streaming.MemoryHub
	srv    *Server
	http   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	validator, err := validation.NewWorkflowValidator()
	require.NoError(t, err)

	env := &testEnv{
		store:  newAPIStore(),
		runner: newFakeRunner(),
		vault:  newFakeVault(),
		hub:    streaming.NewMemoryHub(),
	}
	env.srv = NewServer(Deps{
		Store:     env.store,
		Runner:    env.runner,
		Vault:     env.vault,
		Hub:       env.hub,
		Validator: validator,
	})
	env.http = httptest.NewServer(env.srv.Handler())
	t.Cleanup(env.http.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func validDefinition() map[string]any {
	return map[string]any{
		"nodes": []map[string]any{
			{"id": "start", "kind": "trigger"},
			{"id": "notify", "kind": "email", "config": map[string]string{
				"to":      "{trigger.email}",
				"subject": "Payment received",
				"body":    "Thanks {trigger.name}",
			}},
		},
		"edges": []map[string]any{
			{"source": "start", "target": "notify"},
		},
	}
}

func (e *testEnv) createWorkflow(t *testing.T) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"owner_id":   "owner-1",
		"name":       "payment receipt",
		"definition": validDefinition(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %v", body)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestCreateWorkflow(t *testing.T) {
	env := newTestEnv(t)

	id := env.createWorkflow(t)

	wf, err := env.store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", wf.OwnerID)
	assert.Equal(t, schema.ModeLegacy, wf.Mode)
	assert.True(t, wf.Enabled)
	assert.Len(t, wf.Definition.Nodes, 2)
}

func TestCreateWorkflowRejectsInvalidDefinition(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"owner_id": "owner-1",
		"definition": map[string]any{
			"nodes": []map[string]any{
				{"id": "start", "kind": "webhook"},
			},
			"edges": []map[string]any{},
		},
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])
}

func TestCreateWorkflowRequiresOwner(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"definition": validDefinition(),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetWorkflowNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeNotFound, body["code"])
}

func TestUpdateWorkflowValidatesDefinition(t *testing.T) {
	env := newTestEnv(t)
	id := env.createWorkflow(t)

	resp, _ := env.do(t, http.MethodPut, "/api/workflows/"+id, map[string]any{
		"definition": map[string]any{
			"nodes": []map[string]any{
				{"id": "start", "kind": "trigger"},
				{"id": "x", "kind": "transform", "config": map[string]string{
					"expression": "1 +",
					"mode":       "expr",
				}},
			},
			"edges": []map[string]any{
				{"source": "start", "target": "x"},
			},
		},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Original definition untouched.
	wf, err := env.store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "notify", wf.Definition.Nodes[1].ID)
}

func TestUpdateWorkflowDisables(t *testing.T) {
	env := newTestEnv(t)
	id := env.createWorkflow(t)

	enabled := false
	resp, _ := env.do(t, http.MethodPut, "/api/workflows/"+id, map[string]any{
		"enabled": &enabled,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	wf, err := env.store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, wf.Enabled)
}

func TestDeleteWorkflow(t *testing.T) {
	env := newTestEnv(t)
	id := env.createWorkflow(t)

	resp, _ := env.do(t, http.MethodDelete, "/api/workflows/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/workflows/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListWorkflowsByOwner(t *testing.T) {
	env := newTestEnv(t)
	env.createWorkflow(t)

	resp, body := env.do(t, http.MethodGet, "/api/workflows?owner_id=owner-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, body = env.do(t, http.MethodGet, "/api/workflows?owner_id=owner-2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["count"])
}

func TestStartRunSync(t *testing.T) {
	env := newTestEnv(t)
	id := env.createWorkflow(t)

	resp, body := env.do(t, http.MethodPost, "/api/workflows/"+id+"/runs", map[string]any{
		"trigger": map[string]any{"email": "jo@example.com", "name": "Jo"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, string(schema.RunStatusSuccess), body["status"])

	require.Len(t, env.runner.triggers, 1)
	assert.Equal(t, "Jo", env.runner.triggers[0]["name"])
}

func TestStartRunAsync(t *testing.T) {
	env := newTestEnv(t)
	id := env.createWorkflow(t)

	resp, body := env.do(t, http.MethodPost, "/api/workflows/"+id+"/runs?async=1", map[string]any{
		"trigger": map[string]any{"email": "jo@example.com"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accepted", body["status"])

	require.Eventually(t, func() bool {
		return env.runner.startCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStartRunDisabledWorkflow(t *testing.T) {
	env := newTestEnv(t)
	id := env.createWorkflow(t)

	enabled := false
	env.do(t, http.MethodPut, "/api/workflows/"+id, map[string]any{"enabled": &enabled})

	resp, _ := env.do(t, http.MethodPost, "/api/workflows/"+id+"/runs", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Zero(t, env.runner.startCount())
}

func TestStartRunValidatesTriggerPayload(t *testing.T) {
	env := newTestEnv(t)
	id := env.createWorkflow(t)

	payloadSchema := json.RawMessage(`{
		"type": "object",
		"required": ["email"],
		"properties": {"email": {"type": "string"}}
	}`)

	resp, body := env.do(t, http.MethodPost, "/api/workflows/"+id+"/runs", map[string]any{
		"trigger":        map[string]any{"name": "Jo"},
		"payload_schema": payloadSchema,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body: %v", body)
	assert.Zero(t, env.runner.startCount())
}

func TestGetRunFromEngine(t *testing.T) {
	env := newTestEnv(t)
	env.runner.snapshot = &engine.RunSnapshot{
		RunID:  "run-1",
		Status: schema.RunStatusRunning,
	}

	resp, body := env.do(t, http.MethodGet, "/api/runs/run-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(schema.RunStatusRunning), body["status"])
}

func TestGetRunFallsBackToStore(t *testing.T) {
	env := newTestEnv(t)
	env.store.runs["run-9"] = &store.Run{
		ID:     "run-9",
		Status: schema.RunStatusSuccess,
	}
	env.store.nodeRuns["run-9"] = []*store.NodeRun{
		{RunID: "run-9", NodeID: "notify", Status: schema.NodeRunStatusSuccess},
	}

	resp, body := env.do(t, http.MethodGet, "/api/runs/run-9", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(schema.RunStatusSuccess), body["status"])
	nodes, _ := body["nodes"].([]any)
	assert.Len(t, nodes, 1)
}

func TestCancelRunDefaultReason(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/runs/run-1/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled via api", env.runner.cancels["run-1"])
}

func TestRunEvents(t *testing.T) {
	env := newTestEnv(t)
	env.store.events["run-1"] = []*store.Event{
		{RunID: "run-1", Sequence: 1, Type: schema.EventRunStarted},
		{RunID: "run-1", Sequence: 2, Type: schema.EventRunCompleted},
	}

	resp, body := env.do(t, http.MethodGet, "/api/runs/run-1/events?since=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
}

func TestCredentialLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/credentials", map[string]any{
		"owner_id": "owner-1",
		"platform": "mpesa",
		"keys": map[string]string{
			"consumerKey":    "ck",
			"consumerSecret": "cs",
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	credID, _ := body["id"].(string)
	require.NotEmpty(t, credID)
	assert.NotContains(t, body, "keys")

	resp, body = env.do(t, http.MethodGet, "/api/credentials?owner_id=owner-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
	creds, _ := body["credentials"].([]any)
	require.Len(t, creds, 1)
	assert.NotContains(t, creds[0].(map[string]any), "keys")

	resp, _ = env.do(t, http.MethodDelete, "/api/credentials/"+credID+"?owner_id=owner-2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/api/credentials/"+credID+"?owner_id=owner-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCredentialRequiresKeys(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/credentials", map[string]any{
		"owner_id": "owner-1",
		"platform": "mpesa",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScheduleLifecycle(t *testing.T) {
	env := newTestEnv(t)
	wfID := env.createWorkflow(t)

	resp, body := env.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"workflow_id":     wfID,
		"owner_id":        "owner-1",
		"cron_expression": "*/5 * * * *",
		"payload":         map[string]any{"source": "schedule"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %v", body)
	schedID, _ := body["id"].(string)
	require.NotEmpty(t, schedID)
	assert.NotEmpty(t, body["next_run_at"])

	enabled := false
	resp, _ = env.do(t, http.MethodPut, "/api/schedules/"+schedID, map[string]any{"enabled": &enabled})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sched, err := env.store.GetSchedule(context.Background(), schedID)
	require.NoError(t, err)
	assert.False(t, sched.Enabled)

	resp, body = env.do(t, http.MethodGet, "/api/schedules?owner_id=owner-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, _ = env.do(t, http.MethodDelete, "/api/schedules/"+schedID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestScheduleRejectsBadCron(t *testing.T) {
	env := newTestEnv(t)
	wfID := env.createWorkflow(t)

	resp, _ := env.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"workflow_id":     wfID,
		"owner_id":        "owner-1",
		"cron_expression": "every five minutes",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScheduleRejectsUnknownWorkflow(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"workflow_id":     "missing",
		"owner_id":        "owner-1",
		"cron_expression": "*/5 * * * *",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSERunStream(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/sse/runs/run-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.NoError(t, env.hub.Publish(context.Background(), streaming.StreamEvent{
		RunID:     "run-1",
		NodeID:    "notify",
		EventType: schema.EventNodeCompleted,
	}))

	lines := make(chan string, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	deadline := time.After(2 * time.Second)
	var event, data string
	for event == "" || data == "" {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before event arrived")
			}
			if strings.HasPrefix(line, "event: ") {
				event = strings.TrimPrefix(line, "event: ")
			}
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
		case <-deadline:
			t.Fatal("timed out waiting for SSE event")
		}
	}

	assert.Equal(t, schema.EventNodeCompleted, event)
	assert.Contains(t, data, `"run_id":"run-1"`)
}

func TestStartScheduledRunsDetached(t *testing.T) {
	env := newTestEnv(t)
	id := env.createWorkflow(t)

	err := env.srv.StartScheduled(context.Background(), id, map[string]any{"source": "cron"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.runner.startCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStartScheduledRejectsDisabled(t *testing.T) {
	env := newTestEnv(t)
	id := env.createWorkflow(t)

	enabled := false
	env.do(t, http.MethodPut, "/api/workflows/"+id, map[string]any{"enabled": &enabled})

	err := env.srv.StartScheduled(context.Background(), id, nil)
	require.Error(t, err)
	assert.Zero(t, env.runner.startCount())
}

func TestWorkflowDiagram(t *testing.T) {
	env := newTestEnv(t)
	id := env.createWorkflow(t)

	resp, err := http.Get(env.http.URL + "/api/workflows/" + id + "/diagram")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "graph TD")
	assert.Contains(t, string(raw), "start --> notify")

	resp2, _ := env.do(t, http.MethodGet, "/api/workflows/"+id+"/diagram?format=3d", nil)
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
