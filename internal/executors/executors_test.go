package executors

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/internal/template"
	"github.com/floehq/floe/internal/vault"
	"github.com/floehq/floe/pkg/schema"
)

// fakeVault serves fixed credentials with the same owner check the real
// vault enforces.
type fakeVault struct {
	creds map[string]*vault.Credential
}

func (f *fakeVault) Resolve(_ context.Context, id, ownerID string) (*vault.Credential, error) {
	cred, ok := f.creds[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "credential %s not found", id)
	}
	if cred.OwnerID != ownerID {
		return nil, schema.NewError(schema.ErrCodeForbidden, "credential belongs to another owner")
	}
	return cred, nil
}

// stubStore records payments and pending requests in memory. Only the methods
// the executors touch are implemented; anything else panics via the embedded
// nil interface.
type stubStore struct {
	store.Store

	mu       sync.Mutex
	payments []*store.Payment
	pending  map[string]*store.PendingExternalRequest
	events   []*store.Event
}

func newStubStore() *stubStore {
	return &stubStore{pending: make(map[string]*store.PendingExternalRequest)}
}

func (s *stubStore) CreatePayment(_ context.Context, p *store.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments = append(s.payments, p)
	return nil
}

func (s *stubStore) CreatePendingRequest(_ context.Context, req *store.PendingExternalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[req.ID] = req
	return nil
}

func (s *stubStore) GetPendingRequest(_ context.Context, id string) (*store.PendingExternalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pending request %s not found", id)
	}
	copied := *req
	return &copied, nil
}

func (s *stubStore) ListPayments(_ context.Context, filter store.PaymentFilter) ([]*store.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Payment
	for _, p := range s.payments {
		if filter.RunID != "" && p.RunID != filter.RunID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *stubStore) UpdatePayment(_ context.Context, id string, update store.PaymentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ID != id {
			continue
		}
		if update.Status != "" {
			p.Status = update.Status
		}
		if update.ResultDesc != "" {
			p.ResultDesc = update.ResultDesc
		}
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "payment %s not found", id)
}

func (s *stubStore) AppendEvent(_ context.Context, event *store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubStore) ExpirePendingRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[id]
	if !ok || req.Status != schema.PendingRequestPending {
		return schema.NewErrorf(schema.ErrCodeConflict, "pending_request %q is not pending", id)
	}
	req.Status = schema.PendingRequestExpired
	return nil
}

// resolveFirstPending marks the first stored pending request resolved with
// the given result payload. Returns false when nothing is pending yet.
func (s *stubStore) resolveFirstPending(result map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pending {
		raw, _ := json.Marshal(result)
		p.Status = schema.PendingRequestResolved
		p.Result = raw
		return true
	}
	return false
}

func testDeps(t *testing.T, creds map[string]*vault.Credential, st *stubStore) Deps {
	t.Helper()
	if st == nil {
		st = newStubStore()
	}
	return Deps{
		Vault:           &fakeVault{creds: creds},
		Tokens:          vault.NewTokenCache(),
		Store:           st,
		CallbackBaseURL: "https://hooks.test.local",
		Now:             func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func testRequest(node schema.Node, mode schema.ExecutionMode, trigger map[string]any) Request {
	return Request{
		Node:    node,
		RunID:   "run-1",
		OwnerID: "owner-1",
		Mode:    mode,
		Scope:   template.NewScope(trigger),
	}
}
