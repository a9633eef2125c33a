package store

import (
	"encoding/json"
	"time"

	"github.com/floehq/floe/pkg/schema"
)

// Workflow is a saved workflow definition owned by a tenant.
type Workflow struct {
	ID         string                    `json:"id"`
	OwnerID    string                    `json:"owner_id"`
	Name       string                    `json:"name,omitempty"`
	Definition schema.WorkflowDefinition `json:"definition"`
	Mode       schema.ExecutionMode      `json:"mode"`
	Enabled    bool                      `json:"enabled"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Run is the persisted state of one workflow execution.
type Run struct {
	ID          string               `json:"id"`
	WorkflowID  string               `json:"workflow_id"`
	OwnerID     string               `json:"owner_id"`
	Status      schema.RunStatus     `json:"status"`
	Mode        schema.ExecutionMode `json:"mode"`
	Trigger     map[string]any       `json:"trigger,omitempty"`
	Output      json.RawMessage      `json:"output,omitempty"`
	Error       json.RawMessage      `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// NodeRun is the materialized view of one node's execution within a run.
type NodeRun struct {
	RunID       string               `json:"run_id"`
	NodeID      string               `json:"node_id"`
	Status      schema.NodeRunStatus `json:"status"`
	Output      json.RawMessage      `json:"output,omitempty"`
	Error       json.RawMessage      `json:"error,omitempty"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	DurationMs  int64                `json:"duration_ms,omitempty"`
}

// Credential is a tenant-owned provider credential. Keys holds the encrypted
// key material and is never serialized.
type Credential struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Platform  string    `json:"platform"`
	Keys      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Payment is a money movement initiated by a run (push or payout).
type Payment struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	NodeID      string    `json:"node_id"`
	OwnerID     string    `json:"owner_id"`
	Provider    string    `json:"provider"`
	Direction   string    `json:"direction"` // push, payout
	Phone       string    `json:"phone"`
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference,omitempty"`
	ProviderRef string    `json:"provider_ref,omitempty"` // receipt/transaction id from the provider
	Status      string    `json:"status"`                 // initiated, confirmed, failed, expired
	ResultCode  string    `json:"result_code,omitempty"`
	ResultDesc  string    `json:"result_desc,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Payment status values.
const (
	PaymentInitiated = "initiated"
	PaymentConfirmed = "confirmed"
	PaymentFailed    = "failed"
	PaymentExpired   = "expired"
)

// PendingExternalRequest is an outstanding provider callback wait. The
// correlation ID is the provider-issued identifier the callback echoes back.
type PendingExternalRequest struct {
	ID            string                      `json:"id"`
	CorrelationID string                      `json:"correlation_id"`
	Provider      string                      `json:"provider"`
	Kind          string                      `json:"kind"` // stk_push, b2c, sms_delivery
	OwnerID       string                      `json:"owner_id"`
	RunID         string                      `json:"run_id"`
	NodeID        string                      `json:"node_id"`
	Status        schema.PendingRequestStatus `json:"status"`
	Result        json.RawMessage             `json:"result,omitempty"`
	ExpiresAt     time.Time                   `json:"expires_at"`
	CreatedAt     time.Time                   `json:"created_at"`
	ResolvedAt    *time.Time                  `json:"resolved_at,omitempty"`
}

// Event is an immutable entry in the run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// TriggerSchedule is a cron-driven workflow trigger.
type TriggerSchedule struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	OwnerID        string          `json:"owner_id"`
	CronExpression string          `json:"cron_expression"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	OwnerID    string            `json:"owner_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Since      *time.Time        `json:"since,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	OwnerID string `json:"owner_id,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID     string     `json:"run_id,omitempty"`
	NodeID    string     `json:"node_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// PaymentFilter specifies criteria for listing payments.
type PaymentFilter struct {
	RunID   string `json:"run_id,omitempty"`
	OwnerID string `json:"owner_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// PaymentUpdate specifies mutable fields of a payment.
type PaymentUpdate struct {
	Status      string `json:"status,omitempty"`
	ProviderRef string `json:"provider_ref,omitempty"`
	ResultCode  string `json:"result_code,omitempty"`
	ResultDesc  string `json:"result_desc,omitempty"`
}

// ScheduleFilter specifies criteria for listing trigger schedules.
type ScheduleFilter struct {
	OwnerID    string `json:"owner_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a trigger schedule.
type ScheduleUpdate struct {
	Enabled   *bool      `json:"enabled,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}
