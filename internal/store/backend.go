package store

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pitabwire/grcbff/internal/apiclient"
	"github.com/pitabwire/grcbff/model"
)

// Backend is the remote side of a resource collection. Create returns nil
// when the server answered successfully without a resource. Update, Restore
// and Action return only the fields the server sent, so a partial answer can
// be merged over the stored resource; nil means no resource.
type Backend[T model.Resource] interface {
	List(ctx context.Context, deleted bool) ([]T, error)
	Create(ctx context.Context, payload map[string]any) (*T, error)
	Update(ctx context.Context, id string, patch map[string]any) (model.Record, error)
	Delete(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) (model.Record, error)
	PermanentDelete(ctx context.Context, id string) error
	Action(ctx context.Context, id, route string, body map[string]any) (model.Record, error)
}

// Doer sends one request to the GRC backend. *apiclient.Client implements it.
type Doer interface {
	Do(ctx context.Context, method, path string, body any) (apiclient.Envelope, error)
}

// RemoteBackend maps collection operations onto the backend's REST routes:
//
//	GET    <endpoint>                 list active
//	GET    <endpoint>/deleted         list soft-deleted
//	POST   <endpoint>                 create
//	PUT    <endpoint>/{id}            update
//	DELETE <endpoint>/{id}            soft delete
//	POST   <endpoint>/{id}/restore    restore
//	DELETE <endpoint>/{id}/permanent  permanent delete
//	POST   <endpoint>/{id}/{action}   domain action
type RemoteBackend[T model.Resource] struct {
	client   Doer
	endpoint string
}

// NewRemoteBackend creates a backend for the collection at endpoint, for
// example "/api/dsr".
func NewRemoteBackend[T model.Resource](client Doer, endpoint string) *RemoteBackend[T] {
	return &RemoteBackend[T]{
		client:   client,
		endpoint: "/" + strings.Trim(endpoint, "/"),
	}
}

// Endpoint returns the collection path.
func (b *RemoteBackend[T]) Endpoint() string { return b.endpoint }

// List implements Backend.
func (b *RemoteBackend[T]) List(ctx context.Context, deleted bool) ([]T, error) {
	path := b.endpoint
	if deleted {
		path += "/deleted"
	}
	env, err := b.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	items, _, err := apiclient.Decode[[]T](env)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

// Create implements Backend.
func (b *RemoteBackend[T]) Create(ctx context.Context, payload map[string]any) (*T, error) {
	return b.resource(ctx, http.MethodPost, b.endpoint, payload)
}

// Update implements Backend.
func (b *RemoteBackend[T]) Update(ctx context.Context, id string, patch map[string]any) (model.Record, error) {
	return b.fields(ctx, http.MethodPut, b.item(id), patch)
}

// Delete implements Backend.
func (b *RemoteBackend[T]) Delete(ctx context.Context, id string) error {
	_, err := b.send(ctx, http.MethodDelete, b.item(id), nil)
	return err
}

// Restore implements Backend.
func (b *RemoteBackend[T]) Restore(ctx context.Context, id string) (model.Record, error) {
	return b.fields(ctx, http.MethodPost, b.item(id)+"/restore", nil)
}

// PermanentDelete implements Backend.
func (b *RemoteBackend[T]) PermanentDelete(ctx context.Context, id string) error {
	_, err := b.send(ctx, http.MethodDelete, b.item(id)+"/permanent", nil)
	return err
}

// Action implements Backend.
func (b *RemoteBackend[T]) Action(ctx context.Context, id, route string, body map[string]any) (model.Record, error) {
	var payload any
	if len(body) > 0 {
		payload = body
	}
	return b.fields(ctx, http.MethodPost, b.item(id)+"/"+url.PathEscape(route), payload)
}

func (b *RemoteBackend[T]) item(id string) string {
	return b.endpoint + "/" + url.PathEscape(id)
}

func (b *RemoteBackend[T]) resource(ctx context.Context, method, path string, body any) (*T, error) {
	env, err := b.send(ctx, method, path, body)
	if err != nil || !isObject(env) {
		return nil, err
	}
	out, ok, err := apiclient.Decode[T](env)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func (b *RemoteBackend[T]) fields(ctx context.Context, method, path string, body any) (model.Record, error) {
	env, err := b.send(ctx, method, path, body)
	if err != nil || !isObject(env) {
		return nil, err
	}
	out, _, err := apiclient.Decode[model.Record](env)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// isObject reports whether the envelope carries a resource. Some routes
// answer with a message instead.
func isObject(env apiclient.Envelope) bool {
	d := bytes.TrimSpace(env.Data)
	return len(d) > 0 && d[0] == '{'
}

// send performs the request and converts a failed envelope into an error
// carrying the server's message.
func (b *RemoteBackend[T]) send(ctx context.Context, method, path string, body any) (apiclient.Envelope, error) {
	env, err := b.client.Do(ctx, method, path, body)
	if err != nil {
		return apiclient.Envelope{}, err
	}
	if err := env.Err(); err != nil {
		return env, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return env, nil
}
