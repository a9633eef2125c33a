package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floehq/floe/internal/executors"
	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/internal/template"
	"github.com/floehq/floe/pkg/schema"
)

// Runner is the central workflow run coordinator.
type Runner interface {
	// Start executes a workflow from a trigger payload and blocks until the
	// run reaches a terminal status.
	Start(ctx context.Context, wf *store.Workflow, trigger map[string]any) (*RunResult, error)

	// Cancel terminates an in-flight run with a reason.
	Cancel(ctx context.Context, runID, reason string) error

	// Status returns the current state of a run.
	Status(ctx context.Context, runID string) (*RunSnapshot, error)

	// Shutdown stops the worker pool and waits for in-flight runs.
	Shutdown()
}

// RunResult is returned by Start with the run outcome.
type RunResult struct {
	RunID       string                 `json:"run_id"`
	Status      schema.RunStatus       `json:"status"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       *schema.FloeError      `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Nodes       map[string]*NodeResult `json:"nodes,omitempty"`
}

// NodeResult summarizes the outcome of a single node.
type NodeResult struct {
	NodeID     string               `json:"node_id"`
	Status     schema.NodeRunStatus `json:"status"`
	Output     json.RawMessage      `json:"output,omitempty"`
	Error      *schema.FloeError    `json:"error,omitempty"`
	DurationMs int64                `json:"duration_ms,omitempty"`
}

// RunSnapshot is a queryable view of a run's current state.
type RunSnapshot struct {
	RunID  string           `json:"run_id"`
	Status schema.RunStatus `json:"status"`
	Nodes  []*store.NodeRun `json:"nodes,omitempty"`
	Events []*store.Event   `json:"events,omitempty"`
}

// EventLogger abstracts the event log operations needed by the runner.
// Satisfied by *store.EventLog and test mocks.
type EventLogger interface {
	EventAppender
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
}

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// RunnerConfig holds configuration for the runner.
type RunnerConfig struct {
	PoolSize int // max concurrent node goroutines
}

type runnerImpl struct {
	store    store.Store
	eventLog EventLogger
	runFSM   *RunFSM
	nodeFSM  *NodeFSM
	registry *executors.Registry
	pool     *WorkerPool
	logger   *slog.Logger

	// mu guards running.
	mu      sync.Mutex
	running map[string]*activeRun
}

// activeRun tracks a single in-flight run.
type activeRun struct {
	runID  string
	graph  *Graph
	scope  *template.Scope
	cancel context.CancelFunc

	mu           sync.Mutex // guards the fields below
	nodeRuns     map[string]*store.NodeRun
	branches     map[string]string // condition node ID → chosen branch
	softSkipped  map[string]bool   // legacy degraded nodes (skipped or failed), edges stay active
	cancelReason string
}

// NewRunner creates a Runner with the given dependencies.
func NewRunner(s store.Store, el EventLogger, registry *executors.Registry, cfg RunnerConfig, logger *slog.Logger) Runner {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &runnerImpl{
		store:    s,
		eventLog: el,
		runFSM:   NewRunFSM(el),
		nodeFSM:  NewNodeFSM(el),
		registry: registry,
		pool:     NewWorkerPool(cfg.PoolSize),
		logger:   logger,
		running:  make(map[string]*activeRun),
	}
}

func (r *runnerImpl) Start(ctx context.Context, wf *store.Workflow, trigger map[string]any) (*RunResult, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if !wf.Enabled {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is disabled", wf.ID)
	}

	graph, err := ParseGraph(&wf.Definition)
	if err != nil {
		return nil, err
	}

	mode := wf.Mode
	if !mode.Valid() {
		mode = schema.ModeLegacy
	}

	now := time.Now().UTC()
	run := &store.Run{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		OwnerID:    wf.OwnerID,
		Status:     schema.RunStatusPending,
		Mode:       mode,
		Trigger:    trigger,
		CreatedAt:  now,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	if err := r.runFSM.Transition(ctx, run.ID, schema.RunStatusPending, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	running := schema.RunStatusRunning
	if err := r.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &running, StartedAt: &now}); err != nil {
		return nil, err
	}

	nodeRuns := make(map[string]*store.NodeRun, len(graph.Nodes))
	for id := range graph.Nodes {
		nr := &store.NodeRun{RunID: run.ID, NodeID: id, Status: schema.NodeRunStatusPending}
		nodeRuns[id] = nr
		if err := r.store.UpsertNodeRun(ctx, nr); err != nil {
			return nil, err
		}
	}

	execCtx, execCancel := context.WithCancel(ctx)
	active := &activeRun{
		runID:       run.ID,
		graph:       graph,
		scope:       template.NewScope(trigger),
		cancel:      execCancel,
		nodeRuns:    nodeRuns,
		branches:    make(map[string]string),
		softSkipped: make(map[string]bool),
	}
	r.mu.Lock()
	r.running[run.ID] = active
	r.mu.Unlock()

	result := r.executeGraph(execCtx, active, run.OwnerID, mode)

	execCancel()
	r.mu.Lock()
	delete(r.running, run.ID)
	r.mu.Unlock()

	return result, nil
}

func (r *runnerImpl) Cancel(ctx context.Context, runID, reason string) error {
	r.mu.Lock()
	active, ok := r.running[runID]
	r.mu.Unlock()
	if !ok {
		run, err := r.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %s already %s", runID, run.Status)
		}
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s is not executing in this process", runID)
	}

	active.mu.Lock()
	if active.cancelReason == "" {
		active.cancelReason = reason
		if active.cancelReason == "" {
			active.cancelReason = "cancelled by operator"
		}
	}
	active.mu.Unlock()
	active.cancel()
	return nil
}

func (r *runnerImpl) Status(ctx context.Context, runID string) (*RunSnapshot, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	nodes, err := r.store.ListNodeRuns(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := r.eventLog.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	return &RunSnapshot{RunID: runID, Status: run.Status, Nodes: nodes, Events: events}, nil
}

func (r *runnerImpl) Shutdown() {
	r.pool.Shutdown()
}

// nodeOutcome carries the result of one node execution back to the level loop.
type nodeOutcome struct {
	nodeID   string
	output   schema.NodeOutput
	err      error
	duration time.Duration
}

// executeGraph walks the graph level by level, dispatching nodes to the
// worker pool. Scope writes happen only between levels, so executors read a
// stable snapshot for the whole level.
func (r *runnerImpl) executeGraph(ctx context.Context, run *activeRun, ownerID string, mode schema.ExecutionMode) *RunResult {
	startedAt := time.Now().UTC()
	result := &RunResult{
		RunID:     run.runID,
		Status:    schema.RunStatusRunning,
		StartedAt: startedAt,
		Nodes:     make(map[string]*NodeResult),
	}

	var finalErr *schema.FloeError

levels:
	for _, level := range run.graph.Levels {
		if ctx.Err() != nil {
			break
		}

		var wg sync.WaitGroup
		outcomes := make(chan nodeOutcome, len(level))

		for _, nodeID := range level {
			node := run.graph.Nodes[nodeID]

			reachable, reason := r.isReachable(run, nodeID)
			if !reachable {
				if err := r.markSkipped(ctx, run, nodeID, reason, false); err != nil {
					finalErr = asFloeError(err, nodeID)
					break levels
				}
				continue
			}

			if err := r.markRunning(ctx, run, nodeID); err != nil {
				finalErr = asFloeError(err, nodeID)
				break levels
			}

			exec, err := r.registry.Get(node.Kind)
			if err != nil {
				outcomes <- nodeOutcome{nodeID: nodeID, err: err}
				continue
			}

			req := executors.Request{
				Node:    *node,
				RunID:   run.runID,
				OwnerID: ownerID,
				Mode:    mode,
				Scope:   run.scope,
			}

			wg.Add(1)
			id := nodeID
			ex := exec
			submitErr := r.pool.Submit(ctx, func(nodeCtx context.Context) error {
				defer wg.Done()
				start := time.Now()
				out, execErr := ex.Execute(nodeCtx, req)
				outcomes <- nodeOutcome{nodeID: id, output: out, err: execErr, duration: time.Since(start)}
				return nil
			})
			if submitErr != nil {
				wg.Done()
				outcomes <- nodeOutcome{nodeID: id, err: submitErr}
			}
		}

		wg.Wait()
		close(outcomes)

		// Apply outcomes serially: single writer for scope and node states.
		for oc := range outcomes {
			if err := r.applyOutcome(ctx, run, mode, oc, &finalErr); err != nil {
				finalErr = asFloeError(err, oc.nodeID)
			}
		}

		if ctx.Err() != nil {
			break
		}
		if finalErr != nil {
			break
		}
	}

	return r.finalize(ctx, run, result, finalErr)
}

// isReachable reports whether a node still has an active inbound path.
// Trigger nodes are always reachable. An edge is active when its source
// succeeded (respecting the source's chosen branch) or was soft-skipped
// under legacy mode.
func (r *runnerImpl) isReachable(run *activeRun, nodeID string) (bool, string) {
	if nodeID == run.graph.Trigger {
		return true, ""
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	sawMismatch := false
	for _, up := range run.graph.In[nodeID] {
		state := run.nodeRuns[up]
		soft := run.softSkipped[up]
		for _, edge := range run.graph.Out[up] {
			if edge.Target != nodeID {
				continue
			}
			switch {
			case state.Status == schema.NodeRunStatusSuccess:
				branch, chose := run.branches[up]
				if edge.BranchTag == "" || !chose || edge.BranchTag == branch {
					return true, ""
				}
				sawMismatch = true
			case soft:
				// Legacy degraded node (skipped or failed): unconditional
				// edges stay active so downstream still runs, resolving
				// against whatever output the node left behind.
				if edge.BranchTag == "" || edge.BranchTag == schema.BranchDefault {
					return true, ""
				}
				sawMismatch = true
			}
		}
	}

	if sawMismatch {
		return false, "branch not taken"
	}
	return false, "upstream did not complete"
}

// applyOutcome persists one node result and publishes its output to the
// scope. Called serially after each level drains.
func (r *runnerImpl) applyOutcome(ctx context.Context, run *activeRun, mode schema.ExecutionMode, oc nodeOutcome, finalErr **schema.FloeError) error {
	if oc.err != nil {
		// Legacy mode degrades soft failures to a skipped node.
		if !mode.Strict() && schema.IsSoftFailure(oc.err) {
			r.logger.Warn("node degraded to skip",
				slog.String("run_id", run.runID),
				slog.String("node_id", oc.nodeID),
				slog.String("error", oc.err.Error()))
			return r.markSkipped(ctx, run, oc.nodeID, oc.err.Error(), true)
		}
		ferr := asFloeError(oc.err, oc.nodeID)
		if mode.Strict() {
			if *finalErr == nil {
				*finalErr = ferr
			}
		} else {
			// Legacy keeps going: the failure stays on the node run but the
			// run does not abort, and unconditional edges remain active.
			r.logger.Warn("node failed, run continues",
				slog.String("run_id", run.runID),
				slog.String("node_id", oc.nodeID),
				slog.String("error", oc.err.Error()))
			run.mu.Lock()
			run.softSkipped[oc.nodeID] = true
			run.mu.Unlock()
		}
		return r.markFailed(ctx, run, oc.nodeID, ferr, oc.duration)
	}

	if oc.output.Skipped {
		return r.markSkippedWithOutput(ctx, run, oc.nodeID, oc.output, true)
	}
	return r.markSuccess(ctx, run, oc.nodeID, oc.output, oc.duration)
}

func (r *runnerImpl) markRunning(ctx context.Context, run *activeRun, nodeID string) error {
	if err := r.nodeFSM.Transition(ctx, run.runID, nodeID, schema.NodeRunStatusPending, schema.NodeRunStatusRunning, nil); err != nil {
		return err
	}
	now := time.Now().UTC()

	run.mu.Lock()
	nr := run.nodeRuns[nodeID]
	nr.Status = schema.NodeRunStatusRunning
	nr.StartedAt = &now
	run.mu.Unlock()

	return r.store.UpsertNodeRun(ctx, nr)
}

func (r *runnerImpl) markSuccess(ctx context.Context, run *activeRun, nodeID string, output schema.NodeOutput, duration time.Duration) error {
	payload, _ := json.Marshal(output)
	if err := r.nodeFSM.Transition(ctx, run.runID, nodeID, schema.NodeRunStatusRunning, schema.NodeRunStatusSuccess, payload); err != nil {
		return err
	}

	now := time.Now().UTC()
	run.mu.Lock()
	nr := run.nodeRuns[nodeID]
	nr.Status = schema.NodeRunStatusSuccess
	nr.Output = payload
	nr.CompletedAt = &now
	nr.DurationMs = duration.Milliseconds()
	run.mu.Unlock()

	if err := r.store.UpsertNodeRun(ctx, nr); err != nil {
		return err
	}

	node := run.graph.Nodes[nodeID]
	if node.Kind == schema.NodeKindCondition {
		if branch, ok := output.Fields["branch"].(string); ok {
			run.mu.Lock()
			run.branches[nodeID] = branch
			run.mu.Unlock()

			evPayload, _ := json.Marshal(map[string]any{"branch": branch, "value": output.Fields["value"]})
			if err := r.eventLog.AppendEvent(ctx, &store.Event{
				RunID:   run.runID,
				NodeID:  nodeID,
				Type:    schema.EventConditionEvaluated,
				Payload: evPayload,
			}); err != nil {
				return err
			}
		}
	}
	if node.Kind == schema.NodeKindMpesa {
		if ref, ok := correlationRef(output.Fields); ok {
			evPayload, _ := json.Marshal(map[string]any{"correlationId": ref})
			if err := r.eventLog.AppendEvent(ctx, &store.Event{
				RunID:   run.runID,
				NodeID:  nodeID,
				Type:    schema.EventPaymentInitiated,
				Payload: evPayload,
			}); err != nil {
				return err
			}
		}
	}

	run.scope.Publish(nodeID, output)
	return nil
}

func (r *runnerImpl) markSkipped(ctx context.Context, run *activeRun, nodeID, reason string, soft bool) error {
	return r.markSkippedWithOutput(ctx, run, nodeID, schema.SkippedOutput(reason), soft)
}

func (r *runnerImpl) markSkippedWithOutput(ctx context.Context, run *activeRun, nodeID string, output schema.NodeOutput, soft bool) error {
	run.mu.Lock()
	from := run.nodeRuns[nodeID].Status
	run.mu.Unlock()

	payload, _ := json.Marshal(output)
	if err := r.nodeFSM.Transition(ctx, run.runID, nodeID, from, schema.NodeRunStatusSkipped, payload); err != nil {
		return err
	}

	now := time.Now().UTC()
	run.mu.Lock()
	nr := run.nodeRuns[nodeID]
	nr.Status = schema.NodeRunStatusSkipped
	nr.Output = payload
	nr.CompletedAt = &now
	if soft {
		run.softSkipped[nodeID] = true
	}
	run.mu.Unlock()

	if err := r.store.UpsertNodeRun(ctx, nr); err != nil {
		return err
	}

	// Soft skips still publish so downstream templates resolve to empty
	// strings instead of missing nodes.
	if soft {
		run.scope.Publish(nodeID, output)
	}
	return nil
}

func (r *runnerImpl) markFailed(ctx context.Context, run *activeRun, nodeID string, ferr *schema.FloeError, duration time.Duration) error {
	payload, _ := json.Marshal(ferr)
	if err := r.nodeFSM.Transition(ctx, run.runID, nodeID, schema.NodeRunStatusRunning, schema.NodeRunStatusFailed, payload); err != nil {
		return err
	}

	now := time.Now().UTC()
	run.mu.Lock()
	nr := run.nodeRuns[nodeID]
	nr.Status = schema.NodeRunStatusFailed
	nr.Error = payload
	nr.CompletedAt = &now
	nr.DurationMs = duration.Milliseconds()
	run.mu.Unlock()

	return r.store.UpsertNodeRun(ctx, nr)
}

// finalize settles the terminal run status, skips every node never reached,
// and persists the run output.
func (r *runnerImpl) finalize(ctx context.Context, run *activeRun, result *RunResult, finalErr *schema.FloeError) *RunResult {
	run.mu.Lock()
	cancelReason := run.cancelReason
	run.mu.Unlock()

	cancelled := cancelReason != ""
	if cancelled && finalErr == nil {
		finalErr = schema.NewErrorf(schema.ErrCodeCancelled, "run cancelled: %s", cancelReason)
	}
	if ctx.Err() != nil && finalErr == nil {
		finalErr = schema.NewError(schema.ErrCodeTimeout, "run context expired").WithCause(ctx.Err())
	}

	// Settle every node that never reached a terminal state. Use a background
	// context so bookkeeping survives cancellation.
	settleCtx := context.WithoutCancel(ctx)
	for _, nodeID := range run.graph.Sorted {
		run.mu.Lock()
		status := run.nodeRuns[nodeID].Status
		run.mu.Unlock()
		if status.Terminal() {
			continue
		}
		reason := "run aborted"
		if cancelled {
			reason = "run cancelled"
		}
		if err := r.markSkipped(settleCtx, run, nodeID, reason, false); err != nil {
			r.logger.Error("settle node state",
				slog.String("run_id", run.runID),
				slog.String("node_id", nodeID),
				slog.String("error", err.Error()))
		}
	}

	now := time.Now().UTC()
	result.CompletedAt = &now

	output, _ := json.Marshal(run.scope.Outputs)
	result.Output = output

	var status schema.RunStatus
	var errPayload json.RawMessage
	if finalErr != nil {
		status = schema.RunStatusFailure
		result.Error = finalErr
		errPayload, _ = json.Marshal(finalErr)
	} else {
		status = schema.RunStatusSuccess
	}
	result.Status = status

	if cancelled {
		if err := r.eventLog.AppendEvent(settleCtx, &store.Event{
			RunID:   run.runID,
			Type:    schema.EventRunCancelled,
			Payload: errPayload,
		}); err != nil {
			r.logger.Error("emit cancel event", slog.String("run_id", run.runID), slog.String("error", err.Error()))
		}
	}
	if err := r.runFSM.TransitionWithPayload(settleCtx, run.runID, schema.RunStatusRunning, status, errPayload); err != nil {
		r.logger.Error("run transition", slog.String("run_id", run.runID), slog.String("error", err.Error()))
	}
	if err := r.store.UpdateRun(settleCtx, run.runID, store.RunUpdate{
		Status:      &status,
		Output:      output,
		Error:       errPayload,
		CompletedAt: &now,
	}); err != nil {
		r.logger.Error("persist run state", slog.String("run_id", run.runID), slog.String("error", err.Error()))
	}

	run.mu.Lock()
	for id, nr := range run.nodeRuns {
		var nodeErr *schema.FloeError
		if len(nr.Error) > 0 {
			nodeErr = &schema.FloeError{}
			_ = json.Unmarshal(nr.Error, nodeErr)
		}
		result.Nodes[id] = &NodeResult{
			NodeID:     id,
			Status:     nr.Status,
			Output:     nr.Output,
			Error:      nodeErr,
			DurationMs: nr.DurationMs,
		}
	}
	run.mu.Unlock()

	return result
}

// correlationRef extracts the provider correlation ID from a payment node
// output, when present.
func correlationRef(fields map[string]any) (string, bool) {
	for _, key := range []string{"checkoutRequestId", "conversationId"} {
		if v, ok := fields[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func asFloeError(err error, nodeID string) *schema.FloeError {
	if fe, ok := err.(*schema.FloeError); ok {
		return fe
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "node %s: %s", nodeID, err.Error()).WithNode(nodeID).WithCause(err)
}
