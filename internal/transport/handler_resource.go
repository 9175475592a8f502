package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/grcbff/internal/definition"
	"github.com/pitabwire/grcbff/internal/filter"
	"github.com/pitabwire/grcbff/internal/metadata"
	"github.com/pitabwire/grcbff/internal/notify"
	"github.com/pitabwire/grcbff/internal/openapi"
	"github.com/pitabwire/grcbff/internal/store"
	"github.com/pitabwire/grcbff/model"
)

const maxBodyBytes = 1 << 20

// resources resolves resource collections for the authenticated tenant.
type resources struct {
	registry   *definition.Registry
	workspaces *store.Workspaces
	index      *openapi.Index
	notifier   notify.Notifier
}

// target is the resource collection a request addresses.
type target struct {
	rctx   *model.RequestContext
	def    model.ResourceDefinition
	domain string
	col    store.Collection
}

// resolve looks up the {domain} URL parameter and the tenant's collection
// for it, writing the error response itself when it fails.
func (h *resources) resolve(w http.ResponseWriter, r *http.Request) (target, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return target{}, false
	}
	id := chi.URLParam(r, "domain")
	def, domain, ok := h.registry.GetResource(id)
	if !ok {
		WriteError(w, r, model.NewNotFoundError(fmt.Sprintf("resource %q not found", id)))
		return target{}, false
	}
	d, _ := h.registry.GetDomain(domain)
	if !metadata.Allowed(rctx, d.Navigation.Roles) || !metadata.Allowed(rctx, def.Roles) {
		WriteError(w, r, model.NewForbiddenError(fmt.Sprintf("access to %s denied", def.Label)))
		return target{}, false
	}
	ws, err := h.workspaces.For(rctx.TenantID)
	if err != nil {
		WriteError(w, r, err)
		return target{}, false
	}
	col, ok := ws.Collection(def.ID)
	if !ok {
		WriteError(w, r, model.NewNotFoundError(fmt.Sprintf("resource %q not found", id)))
		return target{}, false
	}
	return target{rctx: rctx, def: def, domain: domain, col: col}, true
}

func (h *resources) list(w http.ResponseWriter, r *http.Request) {
	t, ok := h.resolve(w, r)
	if !ok {
		return
	}
	if err := t.col.FetchAll(r.Context()); err != nil {
		WriteError(w, r, err)
		return
	}
	items := t.col.View().Items
	st := filterState(r)
	visible := filter.Apply(items, st, filter.SchemaFor(t.def))

	WriteJSON(w, http.StatusOK, model.ListResponse{
		Data: model.ListPayload{
			Items:      nonNil(visible),
			TotalCount: len(items),
			Stats:      filter.Stats(items, t.def.Stats),
			Resource:   metadata.Describe(t.rctx, t.domain, t.def, items),
		},
		Meta: map[string]any{
			"filtered_count": len(visible),
			"filtered":       !st.Empty(),
		},
	})
}

func (h *resources) deleted(w http.ResponseWriter, r *http.Request) {
	t, ok := h.resolve(w, r)
	if !ok || !requireSoftDelete(w, r, t) {
		return
	}
	if err := t.col.FetchDeleted(r.Context()); err != nil {
		WriteError(w, r, err)
		return
	}
	items := t.col.View().Deleted
	WriteJSON(w, http.StatusOK, model.ListResponse{
		Data: model.ListPayload{
			Items:      nonNil(items),
			TotalCount: len(items),
			Resource:   metadata.Describe(t.rctx, t.domain, t.def, items),
		},
	})
}

func (h *resources) get(w http.ResponseWriter, r *http.Request) {
	t, ok := h.resolve(w, r)
	if !ok {
		return
	}
	rec, err := loadRecord(r, t)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data":    rec,
		"actions": metadata.ResolveActions(t.rctx, t.def.Actions, rec.ResourceStatus()),
	})
}

func (h *resources) create(w http.ResponseWriter, r *http.Request) {
	t, ok := h.resolve(w, r)
	if !ok {
		return
	}
	body, err := decodeBody(w, r, true)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if details := h.validate(t.def, body); len(details) > 0 {
		WriteValidationError(w, r, details)
		return
	}
	rec, err := t.col.Create(r.Context(), body)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, r, t, http.StatusCreated, "create", fmt.Sprintf("%s created", describe(t.def, rec)), rec)
}

func (h *resources) update(w http.ResponseWriter, r *http.Request) {
	t, ok := h.resolve(w, r)
	if !ok {
		return
	}
	body, err := decodeBody(w, r, true)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := t.col.Update(r.Context(), id, body)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, r, t, http.StatusOK, "update", fmt.Sprintf("%s updated", describe(t.def, rec)), rec)
}

func (h *resources) remove(w http.ResponseWriter, r *http.Request) {
	t, ok := h.resolve(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := t.col.Delete(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, r, t, http.StatusOK, "delete", fmt.Sprintf("%s %s deleted", t.def.Label, id), nil)
}

func (h *resources) restore(w http.ResponseWriter, r *http.Request) {
	t, ok := h.resolve(w, r)
	if !ok || !requireSoftDelete(w, r, t) {
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := t.col.Restore(r.Context(), id)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, r, t, http.StatusOK, "restore", fmt.Sprintf("%s %s restored", t.def.Label, id), rec)
}

func (h *resources) permanent(w http.ResponseWriter, r *http.Request) {
	t, ok := h.resolve(w, r)
	if !ok || !requireSoftDelete(w, r, t) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := t.col.PermanentDelete(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, r, t, http.StatusOK, "permanent_delete", fmt.Sprintf("%s %s permanently deleted", t.def.Label, id), nil)
}

func (h *resources) action(w http.ResponseWriter, r *http.Request) {
	t, ok := h.resolve(w, r)
	if !ok {
		return
	}
	id, actionID := chi.URLParam(r, "id"), chi.URLParam(r, "action")
	act, found := t.def.FindAction(actionID)
	if !found {
		WriteError(w, r, model.NewNotFoundError(fmt.Sprintf("%s has no action %q", t.def.Label, actionID)))
		return
	}
	if !metadata.CanPerform(t.rctx, t.def, actionID) {
		WriteError(w, r, model.NewForbiddenError(fmt.Sprintf("%s is not permitted", act.Label)))
		return
	}
	body, err := decodeBody(w, r, false)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if _, err := loadRecord(r, t); err != nil {
		WriteError(w, r, err)
		return
	}
	rec, err := t.col.Perform(r.Context(), id, actionID, body)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, r, t, http.StatusOK, actionID, fmt.Sprintf("%s: %s", act.Label, describe(t.def, rec)), rec)
}

// validate checks the definition's required fields and, when the backend
// contract is indexed, the required properties of its create schema.
func (h *resources) validate(def model.ResourceDefinition, body map[string]any) []model.FieldError {
	var details []model.FieldError
	seen := make(map[string]bool)
	for _, f := range def.RequiredFields {
		if blank(body[f]) {
			seen[f] = true
			details = append(details, model.FieldError{
				Field:   f,
				Code:    "required",
				Message: fmt.Sprintf("%s is required", f),
			})
		}
	}
	for _, ve := range h.index.ValidateRequest(http.MethodPost, def.Endpoint, body) {
		if seen[ve.Field] {
			continue
		}
		details = append(details, model.FieldError{Field: ve.Field, Code: "required", Message: ve.Message})
	}
	return details
}

// respond writes a MutationResponse carrying the notifications raised while
// serving the request.
func (h *resources) respond(w http.ResponseWriter, r *http.Request, t target, status int, op, msg string, rec model.Record) {
	notify.Success(r.Context(), h.notifier, t.def.ID, op, msg)
	var notes []model.Notification
	if rc := notify.RecorderFrom(r.Context()); rc != nil {
		notes = rc.Notifications()
	}
	WriteJSON(w, status, model.MutationResponse{
		Success:       true,
		Message:       msg,
		Result:        rec,
		Notifications: notes,
	})
}

// loadRecord returns the active record named by the {id} URL parameter,
// fetching the collection first when the record is not held yet.
func loadRecord(r *http.Request, t target) (model.Record, error) {
	id := chi.URLParam(r, "id")
	if rec, ok := t.col.Get(id); ok {
		return rec, nil
	}
	if err := t.col.FetchAll(r.Context()); err != nil {
		return nil, err
	}
	if rec, ok := t.col.Get(id); ok {
		return rec, nil
	}
	return nil, model.NewNotFoundError(fmt.Sprintf("%s %s not found", t.def.Label, id))
}

func requireSoftDelete(w http.ResponseWriter, r *http.Request, t target) bool {
	if t.def.SoftDeletes() {
		return true
	}
	WriteError(w, r, model.NewNotFoundError(fmt.Sprintf("%s does not keep deleted items", t.def.Label)))
	return false
}

// filterState reads q, status, category and filter[field] query parameters.
func filterState(r *http.Request) filter.State {
	q := r.URL.Query()
	st := filter.State{
		Search:   q.Get("q"),
		Status:   q.Get("status"),
		Category: q.Get("category"),
	}
	for key, vals := range q {
		field, ok := strings.CutPrefix(key, "filter[")
		if !ok || len(vals) == 0 {
			continue
		}
		field, ok = strings.CutSuffix(field, "]")
		if !ok || field == "" {
			continue
		}
		if st.Fields == nil {
			st.Fields = make(map[string]string)
		}
		st.Fields[field] = vals[0]
	}
	return st
}

// decodeBody reads a JSON object body. An empty body is an error only when
// required is set.
func decodeBody(w http.ResponseWriter, r *http.Request, required bool) (map[string]any, error) {
	var body map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	err := dec.Decode(&body)
	switch {
	case errors.Is(err, io.EOF) && !required:
		return nil, nil
	case errors.Is(err, io.EOF):
		return nil, model.NewBadRequestError("request body is required")
	case err != nil:
		return nil, model.NewBadRequestError("invalid JSON body")
	case body == nil && required:
		return nil, model.NewBadRequestError("request body must be a JSON object")
	}
	return body, nil
}

func describe(def model.ResourceDefinition, rec model.Record) string {
	if name := rec.Name(); name != "" {
		return fmt.Sprintf("%s %q", def.Label, name)
	}
	if id := rec.ResourceID(); id != "" {
		return fmt.Sprintf("%s %s", def.Label, id)
	}
	return def.Label
}

func blank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func nonNil(items []model.Record) []model.Record {
	if items == nil {
		return []model.Record{}
	}
	return items
}
