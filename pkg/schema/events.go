package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"

	EventConditionEvaluated = "condition_evaluated"

	EventPaymentInitiated = "payment_initiated"
	EventPaymentConfirmed = "payment_confirmed"
	EventPaymentFailed    = "payment_failed"
	EventPaymentExpired   = "payment_expired"

	EventCallbackReceived  = "callback_received"
	EventCallbackUnmatched = "callback_unmatched"
)
