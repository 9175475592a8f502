package store

import (
	"context"
	"time"

	"github.com/pitabwire/grcbff/model"
)

// Store operation names used in events, metrics and notifications.
const (
	OpFetch           = "fetch"
	OpFetchDeleted    = "fetch_deleted"
	OpCreate          = "create"
	OpUpdate          = "update"
	OpDelete          = "delete"
	OpRestore         = "restore"
	OpPermanentDelete = "permanent_delete"
	OpAction          = "action"
)

// Metric outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeError        = "error"
	OutcomePrecondition = "precondition_failed"
	OutcomeNoop         = "noop"
	OutcomeStale        = "stale"
)

// Event describes one finished store operation.
type Event struct {
	Domain     string
	Operation  string
	ResourceID string
	Action     string
	// Status is the resource status after a successful mutation.
	Status   string
	Outcome  string
	Duration time.Duration
	Err      error
	// Result holds the resource fields after a successful create, update,
	// restore or action.
	Result model.Record
}

// Mutation reports whether the event records a successful change of state.
func (e Event) Mutation() bool {
	switch e.Operation {
	case OpFetch, OpFetchDeleted:
		return false
	}
	return e.Outcome == OutcomeSuccess
}

// Observer is notified after every store operation.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, ev Event)

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

// Metrics is the subset of observability.Metrics used by MetricsObserver.
type Metrics interface {
	RecordStoreOperation(domain, operation, outcome string, d time.Duration)
	RecordPreconditionFailure(domain, action string)
}

// MetricsObserver records store operations as Prometheus metrics.
func MetricsObserver(m Metrics) Observer {
	return ObserverFunc(func(_ context.Context, ev Event) {
		m.RecordStoreOperation(ev.Domain, ev.Operation, ev.Outcome, ev.Duration)
		if ev.Outcome == OutcomePrecondition {
			m.RecordPreconditionFailure(ev.Domain, ev.Action)
		}
	})
}
