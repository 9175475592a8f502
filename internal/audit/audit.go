// Package audit keeps a trail of every successful resource mutation made
// through the BFF: who changed what, in which tenant, and when.
package audit

import (
	"context"
	"embed"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/grcbff/internal/store"
	"github.com/pitabwire/grcbff/model"
)

//go:embed schema/*.sql
var schemas embed.FS

// DefaultLimit caps List when the query sets no limit.
const DefaultLimit = 200

// Entry is one recorded mutation.
type Entry struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	Actor         string       `json:"actor"`
	Domain        string       `json:"domain"`
	ResourceID    string       `json:"resource_id"`
	Operation     string       `json:"operation"`
	Action        string       `json:"action,omitempty"`
	Status        string       `json:"status,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	Data          model.Record `json:"data,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Query selects entries. TenantID is required; empty Domain or ResourceID
// match everything.
type Query struct {
	TenantID   string
	Domain     string
	ResourceID string
	Limit      int
}

func (q Query) validate() error {
	if q.TenantID == "" {
		return model.NewBadRequestError("audit query requires a tenant")
	}
	return nil
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

// Store persists audit entries.
type Store interface {
	// Append adds an entry.
	Append(ctx context.Context, e Entry) error

	// List returns matching entries, oldest first. When more entries match
	// than the limit, the most recent ones are kept.
	List(ctx context.Context, q Query) ([]Entry, error)

	HealthCheck(ctx context.Context) error
}

// --- MemoryStore ---

// MemoryStore keeps entries in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.ContainsFunc(s.entries, func(x Entry) bool { return x.ID == e.ID }) {
		return model.NewConflictError(fmt.Sprintf("audit entry %q already exists", e.ID))
	}
	e.Data = e.Data.Clone()
	s.entries = append(s.entries, e)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, q Query) ([]Entry, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < q.limit(); i-- {
		e := s.entries[i]
		if e.TenantID != q.TenantID ||
			(q.Domain != "" && e.Domain != q.Domain) ||
			(q.ResourceID != "" && e.ResourceID != q.ResourceID) {
			continue
		}
		e.Data = e.Data.Clone()
		out = append(out, e)
	}
	slices.Reverse(out)
	return out, nil
}

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// --- Recorder ---

// Recorder writes an entry for every successful mutation it observes. It is
// registered on resource stores with store.WithObserver.
type Recorder struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder writing to s.
func NewRecorder(s Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: s, logger: logger, now: time.Now}
}

// Observe implements store.Observer. Reads, no-ops and failures are not
// recorded. A failed write is logged and never fails the mutation.
func (r *Recorder) Observe(ctx context.Context, ev store.Event) {
	if !ev.Mutation() {
		return
	}
	e := Entry{
		ID:         uuid.NewString(),
		Domain:     ev.Domain,
		ResourceID: ev.ResourceID,
		Operation:  ev.Operation,
		Action:     ev.Action,
		Status:     ev.Status,
		Data:       ev.Result.Clone(),
		Timestamp:  r.now().UTC(),
	}
	if rc := model.RequestContextFrom(ctx); rc != nil {
		e.TenantID = rc.TenantID
		e.Actor = rc.Actor()
		e.CorrelationID = rc.CorrelationID
	}
	if e.Actor == "" {
		e.Actor = "system"
	}

	if err := r.store.Append(context.WithoutCancel(ctx), e); err != nil {
		r.logger.Warn("audit: append failed",
			zap.String("domain", e.Domain),
			zap.String("resource_id", e.ResourceID),
			zap.String("operation", e.Operation),
			zap.Error(err),
		)
	}
}

// Trail returns the recorded history of one resource in the caller's tenant.
func (r *Recorder) Trail(ctx context.Context, domain, resourceID string, limit int) ([]Entry, error) {
	rc := model.RequestContextFrom(ctx)
	if rc == nil || rc.TenantID == "" {
		return nil, model.NewUnauthorizedError("audit trail requires a tenant")
	}
	return r.store.List(ctx, Query{TenantID: rc.TenantID, Domain: domain, ResourceID: resourceID, Limit: limit})
}

// HealthCheck checks the underlying store.
func (r *Recorder) HealthCheck(ctx context.Context) error {
	return r.store.HealthCheck(ctx)
}

func schema(name string) (string, error) {
	b, err := schemas.ReadFile("schema/" + name + ".sql")
	if err != nil {
		return "", fmt.Errorf("audit: read %s schema: %w", name, err)
	}
	return string(b), nil
}
