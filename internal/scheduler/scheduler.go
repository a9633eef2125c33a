// Package scheduler drives time-based work: cron trigger schedules that
// start runs, and the expiry sweep that closes out pending provider
// callbacks nobody answered.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/pkg/schema"
)

// RunStarter is the interface the scheduler uses to start workflow runs.
// Satisfied by the serving layer over the engine runner (avoids import cycle).
type RunStarter interface {
	StartScheduled(ctx context.Context, workflowID string, trigger map[string]any) error
}

const tickInterval = 60 * time.Second

// Scheduler polls the store for due trigger schedules and expired pending
// requests on a fixed tick.
type Scheduler struct {
	store   store.Store
	starter RunStarter
	parser  cron.Parser
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, starter RunStarter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs due schedules and sweeps expired pending requests once.
// Exported so tests and recovery paths can drive the scheduler without the
// background loop.
func (s *Scheduler) Tick(ctx context.Context) {
	s.runDueSchedules(ctx)
	s.sweepExpired(ctx)
}

func (s *Scheduler) runDueSchedules(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list trigger schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue // already running (dedup)
		}
		if err := s.runSchedule(ctx, sched, now); err != nil {
			s.logger.Error("failed to run trigger schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sched.ID)
	}
}

// runSchedule starts one scheduled run and advances the schedule clock.
func (s *Scheduler) runSchedule(ctx context.Context, sched *store.TriggerSchedule, now time.Time) error {
	s.logger.Info("running trigger schedule",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow_id", sched.WorkflowID),
	)

	trigger := make(map[string]any)
	if len(sched.Payload) > 0 {
		if err := json.Unmarshal(sched.Payload, &trigger); err != nil {
			// Advance the clock anyway so a broken payload cannot wedge
			// the schedule into a tight retry loop.
			s.logger.Error("schedule payload is not a JSON object",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
			return s.advance(ctx, sched, now)
		}
	}
	trigger["scheduledAt"] = now.Format(time.RFC3339)

	if err := s.starter.StartScheduled(ctx, sched.WorkflowID, trigger); err != nil {
		s.logger.Error("scheduled run failed",
			slog.String("schedule_id", sched.ID),
			slog.String("workflow_id", sched.WorkflowID),
			slog.String("error", err.Error()),
		)
	}

	return s.advance(ctx, sched, now)
}

func (s *Scheduler) advance(ctx context.Context, sched *store.TriggerSchedule, now time.Time) error {
	nextRun, err := s.CalculateNextRun(sched.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, err)
	}

	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt: &now,
		NextRunAt: &nextRun,
	})
}

// sweepExpired transitions pending requests past their window to expired and
// settles the payments still waiting on them.
func (s *Scheduler) sweepExpired(ctx context.Context) {
	now := time.Now().UTC()
	expired, err := s.store.ExpirePendingRequests(ctx, now)
	if err != nil {
		s.logger.Error("failed to expire pending requests", slog.String("error", err.Error()))
		return
	}

	for _, req := range expired {
		s.logger.Warn("pending request expired without callback",
			slog.String("pending_id", req.ID),
			slog.String("provider", req.Provider),
			slog.String("correlation_id", req.CorrelationID),
		)
		s.expirePayment(ctx, req)
	}
}

func (s *Scheduler) expirePayment(ctx context.Context, req *store.PendingExternalRequest) {
	payments, err := s.store.ListPayments(ctx, store.PaymentFilter{RunID: req.RunID})
	if err != nil {
		s.logger.Error("list payments for expiry",
			slog.String("run_id", req.RunID), slog.String("error", err.Error()))
		return
	}

	for _, p := range payments {
		if p.NodeID != req.NodeID || p.Status != store.PaymentInitiated {
			continue
		}
		if err := s.store.UpdatePayment(ctx, p.ID, store.PaymentUpdate{
			Status:     store.PaymentExpired,
			ResultDesc: "no provider callback within the confirmation window",
		}); err != nil {
			s.logger.Error("expire payment",
				slog.String("payment_id", p.ID), slog.String("error", err.Error()))
			continue
		}

		payload, _ := json.Marshal(map[string]any{
			"paymentId":     p.ID,
			"correlationId": req.CorrelationID,
			"provider":      req.Provider,
		})
		if err := s.store.AppendEvent(ctx, &store.Event{
			RunID:   req.RunID,
			NodeID:  req.NodeID,
			Type:    schema.EventPaymentExpired,
			Payload: payload,
		}); err != nil {
			s.logger.Error("append expiry event",
				slog.String("payment_id", p.ID), slog.String("error", err.Error()))
		}
	}
}

// tryAcquire returns true and marks the schedule as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// NextRun computes the next run time for a cron expression without a
// Scheduler instance. The API layer uses it to validate expressions and
// prime next_run_at when schedules are created or updated.
func NextRun(cronExpr string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
