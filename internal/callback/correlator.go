// Package callback receives asynchronous provider webhooks and reconciles
// them with the pending requests that runs left behind. It shares no memory
// with the engine; the persisted PendingExternalRequest row is the only
// channel between the two, so a callback may land on a different process
// than the one that dispatched the request.
package callback

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/internal/streaming"
	"github.com/floehq/floe/pkg/schema"
)

// Confirmation is the provider-neutral outcome extracted from a callback
// payload before correlation.
type Confirmation struct {
	Provider      string
	CorrelationID string
	OwnerID       string
	Success       bool
	ResultCode    string
	ResultDesc    string
	Amount        string
	Phone         string
	ProviderRef   string

	// Raw is persisted as the pending request's result so waiting
	// executors can read provider fields back verbatim.
	Raw map[string]any
}

// Outcome reports what the correlator did with a delivered callback.
type Outcome struct {
	Matched   bool
	Duplicate bool
	RunID     string
	NodeID    string
}

// Correlator matches provider callbacks to pending requests and settles the
// associated payment records. It is safe for concurrent use.
type Correlator struct {
	store  store.Store
	hub    streaming.EventHub
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithHub publishes correlation events to the given hub for live subscribers.
func WithHub(hub streaming.EventHub) Option {
	return func(c *Correlator) { c.hub = hub }
}

// WithLogger sets the correlator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) { c.logger = logger }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// NewCorrelator creates a Correlator backed by the given store.
func NewCorrelator(st store.Store, opts ...Option) *Correlator {
	c := &Correlator{
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Apply correlates one confirmation against the pending request table.
// It never returns an error: callback ingress must acknowledge the provider
// no matter what happened internally, so every failure path here degrades to
// a logged anomaly. A duplicate delivery finds the row already resolved and
// is a no-op.
func (c *Correlator) Apply(ctx context.Context, conf Confirmation) Outcome {
	log := c.logger.With("provider", conf.Provider, "correlation_id", conf.CorrelationID)

	pending, err := c.store.GetPendingByCorrelation(ctx, conf.Provider, conf.CorrelationID)
	if err != nil {
		log.Warn("callback has no matching pending request", "error", err)
		c.recordUnmatched(ctx, conf)
		return Outcome{}
	}

	// Callback URLs are minted per owner; a correlation id delivered on
	// another owner's route is treated as a miss, not a match.
	if conf.OwnerID != "" && pending.OwnerID != conf.OwnerID {
		log.Warn("callback owner mismatch",
			"route_owner", conf.OwnerID, "pending_owner", pending.OwnerID)
		c.recordUnmatched(ctx, conf)
		return Outcome{}
	}

	out := Outcome{Matched: true, RunID: pending.RunID, NodeID: pending.NodeID}

	result, err := json.Marshal(conf.Raw)
	if err != nil {
		log.Error("marshal callback result", "error", err)
		return out
	}

	if err := c.store.ResolvePendingRequest(ctx, pending.ID, result); err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeConflict {
			log.Info("duplicate callback ignored", "pending_id", pending.ID)
			out.Duplicate = true
			return out
		}
		log.Error("resolve pending request", "pending_id", pending.ID, "error", err)
		return out
	}

	c.appendEvent(ctx, pending.RunID, pending.NodeID, pending.OwnerID, schema.EventCallbackReceived, map[string]any{
		"provider":      conf.Provider,
		"correlationId": conf.CorrelationID,
		"kind":          pending.Kind,
		"resultCode":    conf.ResultCode,
		"resultDesc":    conf.ResultDesc,
	})

	c.settlePayment(ctx, pending, conf)

	log.Info("callback correlated",
		"run_id", pending.RunID, "node_id", pending.NodeID, "success", conf.Success)
	return out
}

// settlePayment moves the payment row issued alongside the pending request to
// its terminal status. Pending requests without a payment (delivery reports)
// settle nothing.
func (c *Correlator) settlePayment(ctx context.Context, pending *store.PendingExternalRequest, conf Confirmation) {
	payments, err := c.store.ListPayments(ctx, store.PaymentFilter{RunID: pending.RunID})
	if err != nil {
		c.logger.Error("list payments for settlement", "run_id", pending.RunID, "error", err)
		return
	}

	var target *store.Payment
	for _, p := range payments {
		if p.NodeID == pending.NodeID && p.Status == store.PaymentInitiated {
			target = p
			break
		}
	}
	if target == nil {
		return
	}

	status := store.PaymentConfirmed
	eventType := schema.EventPaymentConfirmed
	if !conf.Success {
		status = store.PaymentFailed
		eventType = schema.EventPaymentFailed
	}

	if err := c.store.UpdatePayment(ctx, target.ID, store.PaymentUpdate{
		Status:      status,
		ProviderRef: conf.ProviderRef,
		ResultCode:  conf.ResultCode,
		ResultDesc:  conf.ResultDesc,
	}); err != nil {
		c.logger.Error("update payment", "payment_id", target.ID, "error", err)
		return
	}

	c.appendEvent(ctx, pending.RunID, pending.NodeID, pending.OwnerID, eventType, map[string]any{
		"paymentId":     target.ID,
		"correlationId": conf.CorrelationID,
		"amount":        conf.Amount,
		"phoneNumber":   conf.Phone,
		"providerRef":   conf.ProviderRef,
		"resultDesc":    conf.ResultDesc,
	})
}

// recordUnmatched logs an unmatched delivery to the event log under an empty
// run id so operators can audit misses with GetEventsByType.
func (c *Correlator) recordUnmatched(ctx context.Context, conf Confirmation) {
	c.appendEvent(ctx, "", "", conf.OwnerID, schema.EventCallbackUnmatched, map[string]any{
		"provider":      conf.Provider,
		"correlationId": conf.CorrelationID,
		"resultCode":    conf.ResultCode,
		"resultDesc":    conf.ResultDesc,
	})
}

func (c *Correlator) appendEvent(ctx context.Context, runID, nodeID, ownerID, eventType string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("marshal event payload", "event_type", eventType, "error", err)
		return
	}

	if err := c.store.AppendEvent(ctx, &store.Event{
		RunID:     runID,
		NodeID:    nodeID,
		Type:      eventType,
		Payload:   raw,
		Timestamp: c.now().UTC(),
	}); err != nil {
		c.logger.Error("append event", "event_type", eventType, "error", err)
	}

	if c.hub != nil {
		_ = c.hub.Publish(ctx, streaming.StreamEvent{
			RunID:     runID,
			NodeID:    nodeID,
			OwnerID:   ownerID,
			EventType: eventType,
			Payload:   payload,
		})
	}
}
