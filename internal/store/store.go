package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflowDefinition(ctx context.Context, id string, wf *Workflow) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Node runs (materialized view)
	UpsertNodeRun(ctx context.Context, nr *NodeRun) error
	GetNodeRun(ctx context.Context, runID, nodeID string) (*NodeRun, error)
	ListNodeRuns(ctx context.Context, runID string) ([]*NodeRun, error)

	// Credentials
	PutCredential(ctx context.Context, cred *Credential) error
	GetCredential(ctx context.Context, id string) (*Credential, error)
	DeleteCredential(ctx context.Context, id string) error
	ListCredentials(ctx context.Context, ownerID string) ([]*Credential, error)

	// Payments
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	UpdatePayment(ctx context.Context, id string, update PaymentUpdate) error
	ListPayments(ctx context.Context, filter PaymentFilter) ([]*Payment, error)

	// Pending external requests (callback correlation)
	CreatePendingRequest(ctx context.Context, req *PendingExternalRequest) error
	GetPendingRequest(ctx context.Context, id string) (*PendingExternalRequest, error)
	GetPendingByCorrelation(ctx context.Context, provider, correlationID string) (*PendingExternalRequest, error)
	ResolvePendingRequest(ctx context.Context, id string, result []byte) error
	ExpirePendingRequest(ctx context.Context, id string) error
	ExpirePendingRequests(ctx context.Context, cutoff time.Time) ([]*PendingExternalRequest, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Trigger schedules
	CreateSchedule(ctx context.Context, sched *TriggerSchedule) error
	GetSchedule(ctx context.Context, id string) (*TriggerSchedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*TriggerSchedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
