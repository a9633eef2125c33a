package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/floehq/floe/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, owner_id, name, definition, mode, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.OwnerID, nullStr(wf.Name), string(def), string(wf.Mode), boolInt(wf.Enabled),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var name sql.NullString
	var defJSON, mode string
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, definition, mode, enabled, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.OwnerID, &name, &defJSON, &mode, &enabled, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Name = name.String
	wf.Mode = schema.ExecutionMode(mode)
	wf.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflowDefinition(ctx context.Context, id string, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET name = ?, definition = ?, mode = ?, enabled = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		nullStr(wf.Name), string(def), string(wf.Mode), boolInt(wf.Enabled), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}

	query := `SELECT id, owner_id, name, definition, mode, enabled, created_at, updated_at FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var name sql.NullString
		var defJSON, mode string
		var enabled int
		if err := rows.Scan(&wf.ID, &wf.OwnerID, &name, &defJSON, &mode, &enabled, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Name = name.String
		wf.Mode = schema.ExecutionMode(mode)
		wf.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	trigger, err := marshalMapOrDefault(run.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, owner_id, status, mode, trigger_payload, output, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.OwnerID, string(run.Status), string(run.Mode),
		string(trigger), nullRaw(run.Output), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		status, mode, triggerJSON string
		outputJSON, errorJSON     sql.NullString
		startedAt, completedAt    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, owner_id, status, mode, trigger_payload, output, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowID, &run.OwnerID, &status, &mode, &triggerJSON,
		&outputJSON, &errorJSON, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.Mode = schema.ExecutionMode(mode)
	if triggerJSON != "" {
		_ = json.Unmarshal([]byte(triggerJSON), &run.Trigger)
	}
	run.Output = rawOrNil(outputJSON)
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, owner_id, status, mode, trigger_payload, output, error, created_at, started_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			status, mode, triggerJSON string
			outputJSON, errorJSON     sql.NullString
			startedAt, completedAt    sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.OwnerID, &status, &mode, &triggerJSON,
			&outputJSON, &errorJSON, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatus(status)
		run.Mode = schema.ExecutionMode(mode)
		if triggerJSON != "" {
			_ = json.Unmarshal([]byte(triggerJSON), &run.Trigger)
		}
		run.Output = rawOrNil(outputJSON)
		run.Error = rawOrNil(errorJSON)
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Node runs ---

func (s *LibSQLStore) UpsertNodeRun(ctx context.Context, nr *NodeRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_runs (run_id, node_id, status, output, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, node_id) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error=excluded.error,
		   started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		nr.RunID, nr.NodeID, string(nr.Status),
		nullRaw(nr.Output), nullRaw(nr.Error),
		nullTime(nr.StartedAt), nullTime(nr.CompletedAt), nr.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetNodeRun(ctx context.Context, runID, nodeID string) (*NodeRun, error) {
	nr := &NodeRun{}
	var status string
	var output, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, node_id, status, output, error, started_at, completed_at, duration_ms
		 FROM node_runs WHERE run_id = ? AND node_id = ?`, runID, nodeID,
	).Scan(&nr.RunID, &nr.NodeID, &status, &output, &errJSON, &startedAt, &completedAt, &nr.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node_run", runID+"/"+nodeID)
	}
	if err != nil {
		return nil, err
	}
	nr.Status = schema.NodeRunStatus(status)
	nr.Output = rawOrNil(output)
	nr.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		nr.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		nr.CompletedAt = &completedAt.Time
	}
	return nr, nil
}

func (s *LibSQLStore) ListNodeRuns(ctx context.Context, runID string) ([]*NodeRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, node_id, status, output, error, started_at, completed_at, duration_ms
		 FROM node_runs WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodeRuns []*NodeRun
	for rows.Next() {
		nr := &NodeRun{}
		var status string
		var output, errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&nr.RunID, &nr.NodeID, &status, &output, &errJSON, &startedAt, &completedAt, &nr.DurationMs); err != nil {
			return nil, err
		}
		nr.Status = schema.NodeRunStatus(status)
		nr.Output = rawOrNil(output)
		nr.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			nr.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			nr.CompletedAt = &completedAt.Time
		}
		nodeRuns = append(nodeRuns, nr)
	}
	return nodeRuns, rows.Err()
}

// --- Credentials ---

func (s *LibSQLStore) PutCredential(ctx context.Context, cred *Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, owner_id, platform, keys, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		   platform=excluded.platform, keys=excluded.keys, updated_at=CURRENT_TIMESTAMP`,
		cred.ID, cred.OwnerID, cred.Platform, cred.Keys, timeOrNow(cred.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	c := &Credential{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, platform, keys, created_at, updated_at FROM credentials WHERE id = ?`, id,
	).Scan(&c.ID, &c.OwnerID, &c.Platform, &c.Keys, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("credential", id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *LibSQLStore) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "credential", id)
}

func (s *LibSQLStore) ListCredentials(ctx context.Context, ownerID string) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, platform, keys, created_at, updated_at FROM credentials WHERE owner_id = ? ORDER BY created_at`, ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		c := &Credential{}
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Platform, &c.Keys, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// --- Payments ---

func (s *LibSQLStore) CreatePayment(ctx context.Context, p *Payment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (id, run_id, node_id, owner_id, provider, direction, phone, amount, reference, provider_ref, status, result_code, result_desc, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RunID, p.NodeID, p.OwnerID, p.Provider, p.Direction, p.Phone, p.Amount,
		nullStr(p.Reference), nullStr(p.ProviderRef), p.Status,
		nullStr(p.ResultCode), nullStr(p.ResultDesc),
		timeOrNow(p.CreatedAt), timeOrNow(p.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	p := &Payment{}
	var reference, providerRef, resultCode, resultDesc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, node_id, owner_id, provider, direction, phone, amount, reference, provider_ref, status, result_code, result_desc, created_at, updated_at
		 FROM payments WHERE id = ?`, id,
	).Scan(&p.ID, &p.RunID, &p.NodeID, &p.OwnerID, &p.Provider, &p.Direction, &p.Phone, &p.Amount,
		&reference, &providerRef, &p.Status, &resultCode, &resultDesc, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("payment", id)
	}
	if err != nil {
		return nil, err
	}
	p.Reference = reference.String
	p.ProviderRef = providerRef.String
	p.ResultCode = resultCode.String
	p.ResultDesc = resultDesc.String
	return p, nil
}

func (s *LibSQLStore) UpdatePayment(ctx context.Context, id string, update PaymentUpdate) error {
	var sets []string
	var args []any

	if update.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, update.Status)
	}
	if update.ProviderRef != "" {
		sets = append(sets, "provider_ref = ?")
		args = append(args, update.ProviderRef)
	}
	if update.ResultCode != "" {
		sets = append(sets, "result_code = ?")
		args = append(args, update.ResultCode)
	}
	if update.ResultDesc != "" {
		sets = append(sets, "result_desc = ?")
		args = append(args, update.ResultDesc)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE payments SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "payment", id)
}

func (s *LibSQLStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]*Payment, error) {
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT id, run_id, node_id, owner_id, provider, direction, phone, amount, reference, provider_ref, status, result_code, result_desc, created_at, updated_at FROM payments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p := &Payment{}
		var reference, providerRef, resultCode, resultDesc sql.NullString
		if err := rows.Scan(&p.ID, &p.RunID, &p.NodeID, &p.OwnerID, &p.Provider, &p.Direction, &p.Phone, &p.Amount,
			&reference, &providerRef, &p.Status, &resultCode, &resultDesc, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Reference = reference.String
		p.ProviderRef = providerRef.String
		p.ResultCode = resultCode.String
		p.ResultDesc = resultDesc.String
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// --- Pending external requests ---

func (s *LibSQLStore) CreatePendingRequest(ctx context.Context, req *PendingExternalRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_requests (id, correlation_id, provider, kind, owner_id, run_id, node_id, status, result, expires_at, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.CorrelationID, req.Provider, req.Kind, req.OwnerID, req.RunID, req.NodeID,
		string(req.Status), nullRaw(req.Result), req.ExpiresAt, timeOrNow(req.CreatedAt), nullTime(req.ResolvedAt),
	)
	return err
}

func (s *LibSQLStore) GetPendingRequest(ctx context.Context, id string) (*PendingExternalRequest, error) {
	return s.getPending(ctx, `id = ?`, id)
}

func (s *LibSQLStore) GetPendingByCorrelation(ctx context.Context, provider, correlationID string) (*PendingExternalRequest, error) {
	req, err := s.getPending(ctx, `provider = ? AND correlation_id = ?`, provider, correlationID)
	if err != nil {
		var fe *schema.FloeError
		if asFloe(err, &fe) && fe.Code == schema.ErrCodeNotFound {
			return nil, schema.NewErrorf(schema.ErrCodeCorrelationMiss,
				"no pending request for %s correlation %q", provider, correlationID)
		}
		return nil, err
	}
	return req, nil
}

func (s *LibSQLStore) getPending(ctx context.Context, cond string, args ...any) (*PendingExternalRequest, error) {
	req := &PendingExternalRequest{}
	var status string
	var result sql.NullString
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, correlation_id, provider, kind, owner_id, run_id, node_id, status, result, expires_at, created_at, resolved_at
		 FROM pending_requests WHERE `+cond, args...,
	).Scan(&req.ID, &req.CorrelationID, &req.Provider, &req.Kind, &req.OwnerID, &req.RunID, &req.NodeID,
		&status, &result, &req.ExpiresAt, &req.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("pending_request", fmt.Sprint(args[0]))
	}
	if err != nil {
		return nil, err
	}
	req.Status = schema.PendingRequestStatus(status)
	req.Result = rawOrNil(result)
	if resolvedAt.Valid {
		req.ResolvedAt = &resolvedAt.Time
	}
	return req, nil
}

// ResolvePendingRequest marks a pending request resolved with the provider's
// result payload. Only transitions rows still in pending status, so duplicate
// callbacks are a no-op at the storage level.
func (s *LibSQLStore) ResolvePendingRequest(ctx context.Context, id string, result []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_requests SET status = 'resolved', result = ?, resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`,
		string(result), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "pending_request %q is not pending", id)
	}
	return nil
}

// ExpirePendingRequest marks one pending request expired. Returns a conflict
// error when the row already left pending status, so a wait that loses the
// race against the callback can tell.
func (s *LibSQLStore) ExpirePendingRequest(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_requests SET status = 'expired' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "pending_request %q is not pending", id)
	}
	return nil
}

// ExpirePendingRequests marks pending rows past the cutoff as expired and
// returns the affected rows for follow-up bookkeeping.
func (s *LibSQLStore) ExpirePendingRequests(ctx context.Context, cutoff time.Time) ([]*PendingExternalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, correlation_id, provider, kind, owner_id, run_id, node_id, status, result, expires_at, created_at, resolved_at
		 FROM pending_requests WHERE status = 'pending' AND expires_at < ?`, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []*PendingExternalRequest
	for rows.Next() {
		req := &PendingExternalRequest{}
		var status string
		var result sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&req.ID, &req.CorrelationID, &req.Provider, &req.Kind, &req.OwnerID, &req.RunID, &req.NodeID,
			&status, &result, &req.ExpiresAt, &req.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		req.Status = schema.PendingRequestExpired
		expired = append(expired, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE pending_requests SET status = 'expired' WHERE status = 'pending' AND expires_at < ?`, cutoff,
	); err != nil {
		return nil, err
	}
	return expired, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, node_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Trigger schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *TriggerSchedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trigger_schedules (id, workflow_id, owner_id, cron_expression, payload, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowID, sched.OwnerID, sched.CronExpression,
		nullRaw(sched.Payload), boolInt(sched.Enabled),
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*TriggerSchedule, error) {
	sched := &TriggerSchedule{}
	var payload sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, owner_id, cron_expression, payload, enabled, last_run_at, next_run_at, created_at
		 FROM trigger_schedules WHERE id = ?`, id,
	).Scan(&sched.ID, &sched.WorkflowID, &sched.OwnerID, &sched.CronExpression,
		&payload, &enabled, &lastRun, &nextRun, &sched.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("trigger_schedule", id)
	}
	if err != nil {
		return nil, err
	}
	sched.Payload = rawOrNil(payload)
	sched.Enabled = enabled != 0
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return sched, nil
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE trigger_schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger_schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*TriggerSchedule, error) {
	var where []string
	var args []any

	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}

	query := `SELECT id, workflow_id, owner_id, cron_expression, payload, enabled, last_run_at, next_run_at, created_at FROM trigger_schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*TriggerSchedule
	for rows.Next() {
		sched := &TriggerSchedule{}
		var payload sql.NullString
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.WorkflowID, &sched.OwnerID, &sched.CronExpression,
			&payload, &enabled, &lastRun, &nextRun, &sched.CreatedAt); err != nil {
			return nil, err
		}
		sched.Payload = rawOrNil(payload)
		sched.Enabled = enabled != 0
		if lastRun.Valid {
			sched.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sched.NextRunAt = &nextRun.Time
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trigger_schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger_schedule", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FloeError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func asFloe(err error, target **schema.FloeError) bool {
	fe, ok := err.(*schema.FloeError)
	if ok {
		*target = fe
	}
	return ok
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
