// Package store holds per-domain resource collections. A Store keeps the
// active and soft-deleted lists of one collection in memory, forwards every
// operation to the backend, and applies the result locally only once the
// backend has confirmed it.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/grcbff/internal/lifecycle"
	"github.com/pitabwire/grcbff/internal/notify"
	"github.com/pitabwire/grcbff/internal/observability"
	"github.com/pitabwire/grcbff/model"
)

// Snapshot is a point-in-time copy of a store's state. The slices are owned
// by the caller; the resources in them must be treated as read-only.
type Snapshot[T model.Resource] struct {
	Items   []T
	Deleted []T
	Loading bool
	Err     error
}

// Option configures a Store.
type Option func(*options)

type options struct {
	notifier   notify.Notifier
	observers  []Observer
	logger     *zap.Logger
	now        func() time.Time
	softDelete bool
}

// WithNotifier sets the notifier that receives every caught error.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithObserver adds an observer of finished operations.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the clock used for deletion timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSoftDelete controls whether Delete moves resources to the deleted list
// (the default) or drops them.
func WithSoftDelete(enabled bool) Option {
	return func(o *options) { o.softDelete = enabled }
}

// Store is the state container of one resource collection. It is safe for
// concurrent use. Resources are never modified in place: every change
// replaces the list entry with a new value.
type Store[T model.Resource] struct {
	domain  string
	backend Backend[T]
	machine *lifecycle.Machine
	opts    options

	mu         sync.RWMutex
	items      []T
	deleted    []T
	inflight   int
	err        error
	fetchGen   uint64
	deletedGen uint64
	busy       map[string]string
}

// New creates a Store for domain backed by backend. machine validates domain
// actions; a nil machine rejects every action.
func New[T model.Resource](domain string, backend Backend[T], machine *lifecycle.Machine, opts ...Option) *Store[T] {
	o := options{
		notifier:   notify.Nop,
		logger:     zap.NewNop(),
		now:        time.Now,
		softDelete: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{
		domain:  domain,
		backend: backend,
		machine: machine,
		opts:    o,
		items:   []T{},
		deleted: []T{},
		busy:    make(map[string]string),
	}
}

// Domain returns the collection name.
func (s *Store[T]) Domain() string { return s.domain }

// Machine returns the lifecycle used to validate actions.
func (s *Store[T]) Machine() *lifecycle.Machine { return s.machine }

// Snapshot returns a copy of the current state.
func (s *Store[T]) Snapshot() Snapshot[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot[T]{
		Items:   slices.Clone(s.items),
		Deleted: slices.Clone(s.deleted),
		Loading: s.inflight > 0,
		Err:     s.err,
	}
}

// Items returns a copy of the active list.
func (s *Store[T]) Items() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.items)
}

// Deleted returns a copy of the soft-deleted list.
func (s *Store[T]) Deleted() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.deleted)
}

// Loading reports whether any operation is in flight.
func (s *Store[T]) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inflight > 0
}

// Err returns the error of the last failed fetch, or nil.
func (s *Store[T]) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Get returns the active resource with the given id.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexOf(s.items, id); i >= 0 {
		return s.items[i], true
	}
	var zero T
	return zero, false
}

// GetDeleted returns the soft-deleted resource with the given id.
func (s *Store[T]) GetDeleted(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexOf(s.deleted, id); i >= 0 {
		return s.deleted[i], true
	}
	var zero T
	return zero, false
}

// FetchAll replaces the active list with the backend's. A failure is kept in
// Err and the list is left as it was. A fetch superseded by a newer one does
// not touch the state.
func (s *Store[T]) FetchAll(ctx context.Context) error {
	return s.fetch(ctx, false)
}

// FetchDeleted replaces the soft-deleted list with the backend's.
func (s *Store[T]) FetchDeleted(ctx context.Context) error {
	return s.fetch(ctx, true)
}

func (s *Store[T]) fetch(ctx context.Context, deleted bool) error {
	op, gen := OpFetch, &s.fetchGen
	if deleted {
		op, gen = OpFetchDeleted, &s.deletedGen
	}
	ctx, span := s.startSpan(ctx, op, "")
	start := time.Now()

	s.mu.Lock()
	*gen++
	mine := *gen
	s.inflight++
	s.mu.Unlock()

	items, err := s.backend.List(ctx, deleted)

	s.mu.Lock()
	s.inflight--
	stale := mine != *gen
	if !stale {
		if err != nil {
			s.err = err
		} else {
			if deleted {
				s.deleted = items
			} else {
				s.items = items
			}
			s.err = nil
		}
	}
	s.mu.Unlock()

	ev := Event{Operation: op, Duration: time.Since(start), Err: err}
	switch {
	case stale:
		ev.Outcome = OutcomeStale
		s.opts.logger.Debug("discarded superseded fetch",
			zap.String("domain", s.domain),
			zap.String("operation", op),
		)
	case err != nil:
		ev.Outcome = OutcomeError
		notify.Report(ctx, s.opts.notifier, s.domain, op, err)
	default:
		ev.Outcome = OutcomeSuccess
	}
	s.emit(ctx, ev)
	observability.EndSpanWithError(span, err)
	if err != nil {
		return fmt.Errorf("store %s: %s: %w", s.domain, op, err)
	}
	return nil
}

// Create sends payload to the backend and appends the created resource to
// the active list once the backend confirms it.
func (s *Store[T]) Create(ctx context.Context, payload map[string]any) (T, error) {
	var zero T
	ctx, span := s.startSpan(ctx, OpCreate, "")
	defer span.End()
	done := s.begin()
	defer done()
	start := time.Now()

	created, err := s.backend.Create(ctx, payload)
	if err == nil && created == nil {
		err = model.NewBackendRejectedError("the backend did not return the created resource")
	}
	if err != nil {
		return zero, s.fail(ctx, Event{Operation: OpCreate, Duration: time.Since(start)}, err)
	}

	s.mu.Lock()
	s.items = append(s.items, *created)
	s.mu.Unlock()

	s.succeed(ctx, Event{Operation: OpCreate, ResourceID: (*created).ResourceID(), Duration: time.Since(start)}, *created)
	return *created, nil
}

// Update sends patch to the backend and merges the fields of the backend's
// answer into the matching active resource; fields the answer leaves out keep
// their value. When the backend answers without a resource the patch itself
// is merged. A nil value removes the field.
func (s *Store[T]) Update(ctx context.Context, id string, patch map[string]any) (T, error) {
	var zero T
	ev := Event{Operation: OpUpdate, ResourceID: id}
	ctx, span := s.startSpan(ctx, OpUpdate, id)
	defer span.End()
	release, err := s.claim(id, OpUpdate)
	if err != nil {
		return zero, s.fail(ctx, ev, err)
	}
	defer release()
	done := s.begin()
	defer done()
	start := time.Now()

	answer, err := s.backend.Update(ctx, id, patch)
	ev.Duration = time.Since(start)
	if err != nil {
		return zero, s.fail(ctx, ev, err)
	}

	changes := map[string]any(answer)
	if answer == nil {
		changes = patch
	}
	next, err := s.replace(id, changes)
	if err != nil {
		return zero, s.fail(ctx, ev, err)
	}
	if next == nil {
		// Not held locally; the backend's answer is all there is.
		if answer == nil {
			ev.Outcome = OutcomeSuccess
			s.emit(ctx, ev)
			return zero, nil
		}
		built, err := merge(zero, changes)
		if err != nil {
			return zero, s.fail(ctx, ev, err)
		}
		next = &built
	}
	s.succeed(ctx, ev, *next)
	return *next, nil
}

// Delete soft-deletes a resource: it leaves the active list and joins the
// deleted list stamped with deletedAt. Deleting a resource that is already
// in the deleted list succeeds without contacting the backend.
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	ev := Event{Operation: OpDelete, ResourceID: id}
	ctx, span := s.startSpan(ctx, OpDelete, id)
	defer span.End()

	s.mu.RLock()
	alreadyDeleted := indexOf(s.deleted, id) >= 0 && indexOf(s.items, id) < 0
	s.mu.RUnlock()
	if alreadyDeleted {
		ev.Outcome = OutcomeNoop
		s.emit(ctx, ev)
		return nil
	}

	release, err := s.claim(id, OpDelete)
	if err != nil {
		return s.fail(ctx, ev, err)
	}
	defer release()
	done := s.begin()
	defer done()
	start := time.Now()

	if err := s.backend.Delete(ctx, id); err != nil {
		ev.Duration = time.Since(start)
		return s.fail(ctx, ev, err)
	}
	ev.Duration = time.Since(start)

	s.mu.Lock()
	var moved *T
	if i := indexOf(s.items, id); i >= 0 {
		cur := s.items[i]
		s.items = slices.Delete(s.items, i, i+1)
		if s.opts.softDelete {
			stamped, err := merge(cur, map[string]any{
				model.FieldDeletedAt: s.opts.now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				stamped = cur
			}
			s.deleted = append(s.deleted, stamped)
			moved = &stamped
		}
	}
	s.mu.Unlock()

	if moved != nil {
		s.succeed(ctx, ev, *moved)
		return nil
	}
	ev.Outcome = OutcomeSuccess
	s.emit(ctx, ev)
	return nil
}

// Restore moves a soft-deleted resource back to the active list, merges the
// backend's answer into it and clears its deletedAt. Restoring a resource
// that is active and not in the deleted list succeeds without contacting the
// backend.
func (s *Store[T]) Restore(ctx context.Context, id string) (T, error) {
	var zero T
	ev := Event{Operation: OpRestore, ResourceID: id}
	ctx, span := s.startSpan(ctx, OpRestore, id)
	defer span.End()

	s.mu.RLock()
	ai, di := indexOf(s.items, id), indexOf(s.deleted, id)
	var active T
	if ai >= 0 {
		active = s.items[ai]
	}
	s.mu.RUnlock()
	if ai >= 0 && di < 0 {
		ev.Outcome = OutcomeNoop
		s.emit(ctx, ev)
		return active, nil
	}

	release, err := s.claim(id, OpRestore)
	if err != nil {
		return zero, s.fail(ctx, ev, err)
	}
	defer release()
	done := s.begin()
	defer done()
	start := time.Now()

	restored, err := s.backend.Restore(ctx, id)
	ev.Duration = time.Since(start)
	if err != nil {
		return zero, s.fail(ctx, ev, err)
	}

	changes := map[string]any(restored.Clone())
	if changes == nil {
		changes = map[string]any{}
	}
	changes[model.FieldDeletedAt] = nil

	s.mu.Lock()
	var base *T
	if i := indexOf(s.deleted, id); i >= 0 {
		cur := s.deleted[i]
		base = &cur
		s.deleted = slices.Delete(s.deleted, i, i+1)
	} else if restored != nil {
		base = &zero
	}
	var next T
	if base != nil {
		next, err = merge(*base, changes)
		if err == nil {
			if i := indexOf(s.items, id); i >= 0 {
				s.items[i] = next
			} else {
				s.items = append(s.items, next)
			}
		}
	}
	s.mu.Unlock()

	if err != nil {
		return zero, s.fail(ctx, ev, err)
	}
	if base == nil {
		ev.Outcome = OutcomeSuccess
		s.emit(ctx, ev)
		return zero, nil
	}
	s.succeed(ctx, ev, next)
	return next, nil
}

// PermanentDelete irreversibly removes a soft-deleted resource. It fails
// with PRECONDITION_FAILED while the resource is still active.
func (s *Store[T]) PermanentDelete(ctx context.Context, id string) error {
	ev := Event{Operation: OpPermanentDelete, ResourceID: id}
	ctx, span := s.startSpan(ctx, OpPermanentDelete, id)
	defer span.End()

	s.mu.RLock()
	active := indexOf(s.items, id) >= 0
	s.mu.RUnlock()
	if active {
		return s.fail(ctx, ev, model.NewPreconditionError(
			fmt.Sprintf("%s %s is still active; delete it before removing it permanently", s.domain, id),
		))
	}

	release, err := s.claim(id, OpPermanentDelete)
	if err != nil {
		return s.fail(ctx, ev, err)
	}
	defer release()
	done := s.begin()
	defer done()
	start := time.Now()

	err = s.backend.PermanentDelete(ctx, id)
	ev.Duration = time.Since(start)
	if err != nil {
		return s.fail(ctx, ev, err)
	}

	s.mu.Lock()
	if i := indexOf(s.deleted, id); i >= 0 {
		s.deleted = slices.Delete(s.deleted, i, i+1)
	}
	s.mu.Unlock()

	ev.Outcome = OutcomeSuccess
	s.emit(ctx, ev)
	return nil
}

// Perform runs a domain action such as approve or publish. The resource must
// be in the active list and its status must be one of the action's source
// statuses, otherwise the call fails with PRECONDITION_FAILED and the state
// is unchanged. On success the backend's answer is merged into the resource;
// if it carries no status the resource moves to the action's target status.
func (s *Store[T]) Perform(ctx context.Context, id, action string, body map[string]any) (T, error) {
	var zero T
	ev := Event{Operation: OpAction, ResourceID: id, Action: action}
	ctx, span := s.startSpan(ctx, OpAction, id, observability.AttrAction.String(action))
	defer span.End()

	cur, ok := s.Get(id)
	if !ok {
		return zero, s.fail(ctx, ev, model.NewNotFoundError(
			fmt.Sprintf("%s %s not found", s.domain, id),
		))
	}
	act, err := s.machine.Check(action, cur.ResourceStatus())
	if err != nil {
		return zero, s.fail(ctx, ev, err)
	}

	release, err := s.claim(id, action)
	if err != nil {
		return zero, s.fail(ctx, ev, err)
	}
	defer release()
	done := s.begin()
	defer done()
	start := time.Now()

	result, err := s.backend.Action(ctx, id, act.Path(), body)
	ev.Duration = time.Since(start)
	if err != nil {
		return zero, s.fail(ctx, ev, err)
	}

	changes := map[string]any(result.Clone())
	if changes == nil {
		changes = map[string]any{}
	}
	if model.ScalarString(changes[model.FieldStatus]) == "" {
		changes[model.FieldStatus] = act.To
	}
	next, err := s.replace(id, changes)
	if err != nil {
		return zero, s.fail(ctx, ev, err)
	}
	if next == nil {
		// Removed concurrently; still report the transition.
		merged, err := merge(cur, changes)
		if err != nil {
			return zero, s.fail(ctx, ev, err)
		}
		next = &merged
	}
	s.succeed(ctx, ev, *next)
	return *next, nil
}

// replace merges changes into the active resource with the given id and
// stores the result. It returns nil when the id is not in the active list.
func (s *Store[T]) replace(id string, changes map[string]any) (*T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOf(s.items, id)
	if i < 0 {
		return nil, nil
	}
	next, err := merge(s.items[i], changes)
	if err != nil {
		return nil, err
	}
	s.items[i] = next
	return &next, nil
}

// begin marks an operation in flight and returns the func that ends it.
func (s *Store[T]) begin() func() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}
}

// claim guards against a second mutation of the same resource while one is
// in flight.
func (s *Store[T]) claim(id, op string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if running, ok := s.busy[id]; ok {
		return nil, model.NewConflictError(
			fmt.Sprintf("%s %s: %s already in progress", s.domain, id, running),
		)
	}
	s.busy[id] = op
	return func() {
		s.mu.Lock()
		delete(s.busy, id)
		s.mu.Unlock()
	}, nil
}

func (s *Store[T]) fail(ctx context.Context, ev Event, err error) error {
	ev.Err = err
	ev.Outcome = OutcomeError
	if model.HasCode(err, model.ErrPreconditionFailed) {
		ev.Outcome = OutcomePrecondition
	}
	op := ev.Operation
	if ev.Action != "" {
		op = ev.Action
	}
	notify.Report(ctx, s.opts.notifier, s.domain, op, err)
	observability.MarkSpanError(ctx, err)
	s.emit(ctx, ev)
	return fmt.Errorf("store %s: %s: %w", s.domain, op, err)
}

func (s *Store[T]) succeed(ctx context.Context, ev Event, res T) {
	ev.Outcome = OutcomeSuccess
	ev.Status = res.ResourceStatus()
	if ev.ResourceID == "" {
		ev.ResourceID = res.ResourceID()
	}
	if fields, err := model.Fields(res); err == nil {
		ev.Result = fields
	}
	s.emit(ctx, ev)
}

func (s *Store[T]) emit(ctx context.Context, ev Event) {
	ev.Domain = s.domain
	for _, o := range s.opts.observers {
		o.Observe(ctx, ev)
	}
}

func (s *Store[T]) startSpan(ctx context.Context, op, id string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		observability.AttrDomain.String(s.domain),
		observability.AttrOperation.String(op),
	)
	if id != "" {
		attrs = append(attrs, observability.AttrResourceID.String(id))
	}
	return observability.StartSpan(ctx, "store."+op, attrs...)
}

func indexOf[T model.Resource](items []T, id string) int {
	return slices.IndexFunc(items, func(it T) bool { return it.ResourceID() == id })
}

// merge overlays changes on cur and returns a new T. A nil value removes the
// field.
func merge[T model.Resource](cur T, changes map[string]any) (T, error) {
	var out T
	fields, err := model.Fields(cur)
	if err != nil {
		return out, fmt.Errorf("merge: %w", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	for k, v := range changes {
		if v == nil {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return out, fmt.Errorf("merge: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("merge: %w", err)
	}
	return out, nil
}
