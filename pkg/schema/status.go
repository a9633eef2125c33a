package schema

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailure RunStatus = "failure"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailure
}

// NodeRunStatus represents the lifecycle state of a single node execution.
type NodeRunStatus string

const (
	NodeRunStatusPending NodeRunStatus = "pending"
	NodeRunStatusRunning NodeRunStatus = "running"
	NodeRunStatusSuccess NodeRunStatus = "success"
	NodeRunStatusFailed  NodeRunStatus = "failed"
	NodeRunStatusSkipped NodeRunStatus = "skipped"
)

// Terminal reports whether the node run status is final.
func (s NodeRunStatus) Terminal() bool {
	return s == NodeRunStatusSuccess || s == NodeRunStatusFailed || s == NodeRunStatusSkipped
}

// NodeOutput is the result payload a node contributes to the run context.
// Skipped nodes still publish an output so downstream templates resolve in
// legacy mode.
type NodeOutput struct {
	Success bool           `json:"success"`
	Skipped bool           `json:"skipped,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// SkippedOutput builds the output published for a skipped node.
func SkippedOutput(reason string) NodeOutput {
	return NodeOutput{Success: true, Skipped: true, Reason: reason}
}

// Map flattens the output into the shape templates resolve against. Fields
// are merged at the top level beside the success/skipped markers.
func (o NodeOutput) Map() map[string]any {
	m := make(map[string]any, len(o.Fields)+3)
	for k, v := range o.Fields {
		m[k] = v
	}
	m["success"] = o.Success
	if o.Skipped {
		m["skipped"] = true
		m["reason"] = o.Reason
	}
	return m
}

// PendingRequestStatus represents the lifecycle of an external callback wait.
type PendingRequestStatus string

const (
	PendingRequestPending  PendingRequestStatus = "pending"
	PendingRequestResolved PendingRequestStatus = "resolved"
	PendingRequestExpired  PendingRequestStatus = "expired"
)
