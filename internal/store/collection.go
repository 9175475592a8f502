package store

import (
	"context"

	"github.com/pitabwire/grcbff/internal/lifecycle"
	"github.com/pitabwire/grcbff/model"
)

// View is a snapshot of a collection with resources rendered as records.
type View struct {
	Items   []model.Record
	Deleted []model.Record
	Loading bool
	Err     error
}

// Collection is a Store seen through records, so stores of different
// resource types can sit side by side in a Workspace and be served by the
// same HTTP handlers.
type Collection interface {
	Domain() string
	Machine() *lifecycle.Machine
	View() View
	Get(id string) (model.Record, bool)
	FetchAll(ctx context.Context) error
	FetchDeleted(ctx context.Context) error
	Create(ctx context.Context, payload map[string]any) (model.Record, error)
	Update(ctx context.Context, id string, patch map[string]any) (model.Record, error)
	Delete(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) (model.Record, error)
	PermanentDelete(ctx context.Context, id string) error
	Perform(ctx context.Context, id, action string, body map[string]any) (model.Record, error)
}

// AsCollection exposes s as a Collection.
func AsCollection[T model.Resource](s *Store[T]) Collection {
	return collection[T]{s: s}
}

type collection[T model.Resource] struct {
	s *Store[T]
}

func (c collection[T]) Domain() string              { return c.s.Domain() }
func (c collection[T]) Machine() *lifecycle.Machine { return c.s.Machine() }

func (c collection[T]) View() View {
	snap := c.s.Snapshot()
	return View{
		Items:   toRecords(snap.Items),
		Deleted: toRecords(snap.Deleted),
		Loading: snap.Loading,
		Err:     snap.Err,
	}
}

func (c collection[T]) Get(id string) (model.Record, bool) {
	v, ok := c.s.Get(id)
	if !ok {
		return nil, false
	}
	return toRecord(v), true
}

func (c collection[T]) FetchAll(ctx context.Context) error     { return c.s.FetchAll(ctx) }
func (c collection[T]) FetchDeleted(ctx context.Context) error { return c.s.FetchDeleted(ctx) }

func (c collection[T]) Create(ctx context.Context, payload map[string]any) (model.Record, error) {
	return record(c.s.Create(ctx, payload))
}

func (c collection[T]) Update(ctx context.Context, id string, patch map[string]any) (model.Record, error) {
	return record(c.s.Update(ctx, id, patch))
}

func (c collection[T]) Delete(ctx context.Context, id string) error {
	return c.s.Delete(ctx, id)
}

func (c collection[T]) Restore(ctx context.Context, id string) (model.Record, error) {
	return record(c.s.Restore(ctx, id))
}

func (c collection[T]) PermanentDelete(ctx context.Context, id string) error {
	return c.s.PermanentDelete(ctx, id)
}

func (c collection[T]) Perform(ctx context.Context, id, action string, body map[string]any) (model.Record, error) {
	return record(c.s.Perform(ctx, id, action, body))
}

func record[T model.Resource](v T, err error) (model.Record, error) {
	if err != nil {
		return nil, err
	}
	return toRecord(v), nil
}

func toRecord[T model.Resource](v T) model.Record {
	if r, ok := any(v).(model.Record); ok {
		return r
	}
	fields, err := model.Fields(v)
	if err != nil || fields == nil {
		return nil
	}
	return fields
}

func toRecords[T model.Resource](items []T) []model.Record {
	out := make([]model.Record, 0, len(items))
	for _, it := range items {
		if r := toRecord(it); r != nil {
			out = append(out, r)
		}
	}
	return out
}
