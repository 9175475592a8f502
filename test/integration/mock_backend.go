package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"
)

// MockBackend simulates the GRC backend. It keeps per-tenant collections in
// memory and answers with {success, data, error} envelopes. Responses can be
// overridden per route to simulate failures, and every request is recorded
// for later assertion.
//
// Route keys have the form "<METHOD> <path template>", for example
// "GET /api/dsr", "POST /api/dsr/{id}/approve" or "POST /ai-documents/generate".
type MockBackend struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.RWMutex
	tenants   map[string]map[string]*mockCollection
	targets   map[string]string
	nextID    int
	overrides map[string]*routeConfig
	received  map[string][]*RecordedRequest
}

type mockCollection struct {
	active  []map[string]any
	deleted []map[string]any
}

// RecordedRequest captures the details of a request received by the mock backend.
type RecordedRequest struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     http.Header
	Body        map[string]any
	RawBody     []byte
	ReceivedAt  time.Time
}

// routeConfig holds the configured override responses for a single route.
type routeConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status     int
	body       any
	delay      time.Duration
	connError  bool
	passThru   bool
	headerFunc func(http.Header)
}

// RouteMock is a builder for configuring override responses for one route.
type RouteMock struct {
	backend *MockBackend
	key     string
}

// newMockBackend creates a new mock backend and starts the HTTP test server.
func newMockBackend(t *testing.T) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		t:         t,
		tenants:   make(map[string]map[string]*mockCollection),
		targets:   make(map[string]string),
		nextID:    1000,
		overrides: make(map[string]*routeConfig),
		received:  make(map[string][]*RecordedRequest),
	}

	collectionKey := func(suffix string) func(*http.Request) string {
		return func(r *http.Request) string {
			return r.Method + " /api/" + r.PathValue("collection") + suffix
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/{collection}", mb.serve(collectionKey(""), mb.list))
	mux.HandleFunc("GET /api/{collection}/deleted", mb.serve(collectionKey("/deleted"), mb.listDeleted))
	mux.HandleFunc("POST /api/{collection}", mb.serve(collectionKey(""), mb.create))
	mux.HandleFunc("PUT /api/{collection}/{id}", mb.serve(collectionKey("/{id}"), mb.update))
	mux.HandleFunc("DELETE /api/{collection}/{id}", mb.serve(collectionKey("/{id}"), mb.remove))
	mux.HandleFunc("POST /api/{collection}/{id}/restore", mb.serve(collectionKey("/{id}/restore"), mb.restore))
	mux.HandleFunc("DELETE /api/{collection}/{id}/permanent", mb.serve(collectionKey("/{id}/permanent"), mb.permanent))
	mux.HandleFunc("POST /api/{collection}/{id}/{action}", mb.serve(func(r *http.Request) string {
		return "POST /api/" + r.PathValue("collection") + "/{id}/" + r.PathValue("action")
	}, mb.action))
	mux.HandleFunc("POST /ai-documents/generate", mb.serve(func(*http.Request) string {
		return "POST /ai-documents/generate"
	}, mb.generate))

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)

	return mb
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// SetActionTarget declares the status a record moves to when the action
// route of a collection is called.
func (mb *MockBackend) SetActionTarget(collection, route, status string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.targets[collection+"/"+route] = status
}

// Seed adds active records to a tenant's collection. Records without an id
// get one assigned.
func (mb *MockBackend) Seed(tenant, collection string, items ...map[string]any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	col := mb.collection(tenant, collection)
	for _, item := range items {
		rec := maps.Clone(item)
		if _, ok := rec["id"]; !ok {
			rec["id"] = mb.allocateID()
		}
		col.active = append(col.active, rec)
	}
}

// Records returns a copy of a tenant's active records.
func (mb *MockBackend) Records(tenant, collection string) []map[string]any {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	c, ok := mb.tenants[tenant][collection]
	if !ok {
		return nil
	}
	out := make([]map[string]any, len(c.active))
	for i, rec := range c.active {
		out[i] = maps.Clone(rec)
	}
	return out
}

// --- Override builder ---

// OnRoute returns a builder for configuring override responses for a route.
func (mb *MockBackend) OnRoute(key string) *RouteMock {
	return &RouteMock{backend: mb, key: key}
}

// RespondWith configures the route to respond with the given status and body.
func (rm *RouteMock) RespondWith(status int, body any) *RouteMock {
	rm.backend.addResponse(rm.key, &mockResponse{status: status, body: body})
	return rm
}

// RespondWithError configures the route to respond with a failed envelope.
func (rm *RouteMock) RespondWithError(status int, message string) *RouteMock {
	rm.backend.addResponse(rm.key, &mockResponse{
		status: status,
		body:   map[string]any{"success": false, "error": message},
	})
	return rm
}

// RespondWithDelay configures a delayed response to simulate slow backends.
func (rm *RouteMock) RespondWithDelay(delay time.Duration, status int, body any) *RouteMock {
	rm.backend.addResponse(rm.key, &mockResponse{status: status, body: body, delay: delay})
	return rm
}

// RespondWithConnectionError configures the route to close the connection
// to simulate a backend failure.
func (rm *RouteMock) RespondWithConnectionError() *RouteMock {
	rm.backend.addResponse(rm.key, &mockResponse{connError: true})
	return rm
}

// RespondWithHeaders configures additional response headers.
func (rm *RouteMock) RespondWithHeaders(status int, body any, headerFunc func(http.Header)) *RouteMock {
	rm.backend.addResponse(rm.key, &mockResponse{status: status, body: body, headerFunc: headerFunc})
	return rm
}

// ThenServe lets later calls fall through to the stateful backend.
func (rm *RouteMock) ThenServe() *RouteMock {
	rm.backend.addResponse(rm.key, &mockResponse{passThru: true})
	return rm
}

func (mb *MockBackend) addResponse(key string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	cfg, ok := mb.overrides[key]
	if !ok {
		cfg = &routeConfig{}
		mb.overrides[key] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mb *MockBackend) nextResponse(key string) *mockResponse {
	mb.mu.RLock()
	cfg, ok := mb.overrides[key]
	mb.mu.RUnlock()
	if !ok || cfg == nil {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// --- Serving ---

type stateFunc func(r *http.Request, rec *RecordedRequest) (int, any)

func (mb *MockBackend) serve(key func(*http.Request) string, fn stateFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k := key(r)
		rec := &RecordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			QueryParams: make(map[string]string),
			Headers:     r.Header.Clone(),
			ReceivedAt:  time.Now(),
		}
		for name, values := range r.URL.Query() {
			if len(values) > 0 {
				rec.QueryParams[name] = values[0]
			}
		}
		if r.Body != nil {
			body, _ := io.ReadAll(r.Body)
			rec.RawBody = body
			if len(body) > 0 {
				var parsed map[string]any
				if err := json.Unmarshal(body, &parsed); err == nil {
					rec.Body = parsed
				}
			}
		}

		mb.mu.Lock()
		mb.received[k] = append(mb.received[k], rec)
		mb.mu.Unlock()

		resp := mb.nextResponse(k)
		if resp == nil || resp.passThru {
			status, body := fn(r, rec)
			writeJSON(w, status, body)
			return
		}

		if resp.connError {
			// Hijack the connection and close it to simulate a connection error.
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, _ := hj.Hijack(); conn != nil {
					conn.Close()
				}
			}
			return
		}
		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}
		if resp.headerFunc != nil {
			resp.headerFunc(w.Header())
		}
		writeJSON(w, resp.status, resp.body)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func success(data any) (int, any) {
	return http.StatusOK, map[string]any{"success": true, "data": data}
}

func failure(status int, format string, args ...any) (int, any) {
	return status, map[string]any{"success": false, "error": fmt.Sprintf(format, args...)}
}

func (mb *MockBackend) list(r *http.Request, _ *RecordedRequest) (int, any) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return success(cloneAll(mb.lookup(r).active))
}

func (mb *MockBackend) listDeleted(r *http.Request, _ *RecordedRequest) (int, any) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return success(cloneAll(mb.lookup(r).deleted))
}

func (mb *MockBackend) create(r *http.Request, rec *RecordedRequest) (int, any) {
	if rec.Body == nil {
		return failure(http.StatusBadRequest, "request body is required")
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	col := mb.collection(tenantOf(r), r.PathValue("collection"))
	item := maps.Clone(rec.Body)
	item["id"] = mb.allocateID()
	if _, ok := item["status"]; !ok {
		item["status"] = "pending"
	}
	item["createdAt"] = time.Now().UTC().Format(time.RFC3339)
	col.active = append(col.active, item)
	return http.StatusCreated, map[string]any{"success": true, "data": maps.Clone(item)}
}

func (mb *MockBackend) update(r *http.Request, rec *RecordedRequest) (int, any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	col := mb.collection(tenantOf(r), r.PathValue("collection"))
	i := indexOf(col.active, r.PathValue("id"))
	if i < 0 {
		return failure(http.StatusNotFound, "Record %s not found", r.PathValue("id"))
	}
	for k, v := range rec.Body {
		if k != "id" {
			col.active[i][k] = v
		}
	}
	return success(maps.Clone(col.active[i]))
}

func (mb *MockBackend) remove(r *http.Request, _ *RecordedRequest) (int, any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	col := mb.collection(tenantOf(r), r.PathValue("collection"))
	i := indexOf(col.active, r.PathValue("id"))
	if i < 0 {
		return failure(http.StatusNotFound, "Record %s not found", r.PathValue("id"))
	}
	item := col.active[i]
	col.active = slices.Delete(col.active, i, i+1)
	item["deletedAt"] = time.Now().UTC().Format(time.RFC3339)
	col.deleted = append(col.deleted, item)
	return http.StatusOK, map[string]any{"success": true, "message": "Record deleted"}
}

func (mb *MockBackend) restore(r *http.Request, _ *RecordedRequest) (int, any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	col := mb.collection(tenantOf(r), r.PathValue("collection"))
	i := indexOf(col.deleted, r.PathValue("id"))
	if i < 0 {
		return failure(http.StatusNotFound, "Deleted record %s not found", r.PathValue("id"))
	}
	item := col.deleted[i]
	col.deleted = slices.Delete(col.deleted, i, i+1)
	delete(item, "deletedAt")
	col.active = append(col.active, item)
	return success(maps.Clone(item))
}

func (mb *MockBackend) permanent(r *http.Request, _ *RecordedRequest) (int, any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	col := mb.collection(tenantOf(r), r.PathValue("collection"))
	i := indexOf(col.deleted, r.PathValue("id"))
	if i < 0 {
		return failure(http.StatusNotFound, "Deleted record %s not found", r.PathValue("id"))
	}
	col.deleted = slices.Delete(col.deleted, i, i+1)
	return http.StatusOK, map[string]any{"success": true, "message": "Record permanently deleted"}
}

func (mb *MockBackend) action(r *http.Request, rec *RecordedRequest) (int, any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	name := r.PathValue("collection")
	col := mb.collection(tenantOf(r), name)
	i := indexOf(col.active, r.PathValue("id"))
	if i < 0 {
		return failure(http.StatusNotFound, "Record %s not found", r.PathValue("id"))
	}
	to, known := mb.targets[name+"/"+r.PathValue("action")]
	if !known {
		return failure(http.StatusNotFound, "Unknown action %q", r.PathValue("action"))
	}
	for k, v := range rec.Body {
		if k != "id" && k != "status" {
			col.active[i][k] = v
		}
	}
	col.active[i]["status"] = to
	return success(maps.Clone(col.active[i]))
}

func (mb *MockBackend) generate(_ *http.Request, rec *RecordedRequest) (int, any) {
	docType, _ := rec.Body["documentType"].(string)
	name, _ := rec.Body["name"].(string)
	if docType == "" || name == "" {
		return failure(http.StatusBadRequest, "documentType and name are required")
	}
	return success(map[string]any{
		"content": fmt.Sprintf("# %s\n\nGenerated %s document.", name, docType),
	})
}

// collection returns the tenant's collection, creating it. Callers hold mu.
func (mb *MockBackend) collection(tenant, name string) *mockCollection {
	cols, ok := mb.tenants[tenant]
	if !ok {
		cols = make(map[string]*mockCollection)
		mb.tenants[tenant] = cols
	}
	c, ok := cols[name]
	if !ok {
		c = &mockCollection{}
		cols[name] = c
	}
	return c
}

// lookup returns the addressed collection without creating it. Callers hold
// at least a read lock.
func (mb *MockBackend) lookup(r *http.Request) *mockCollection {
	if c, ok := mb.tenants[tenantOf(r)][r.PathValue("collection")]; ok {
		return c
	}
	return &mockCollection{}
}

func (mb *MockBackend) allocateID() int {
	mb.nextID++
	return mb.nextID
}

func tenantOf(r *http.Request) string {
	return r.Header.Get("X-Tenant-Id")
}

func indexOf(items []map[string]any, id string) int {
	return slices.IndexFunc(items, func(item map[string]any) bool {
		return idString(item["id"]) == id
	})
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case int:
		return strconv.Itoa(id)
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func cloneAll(items []map[string]any) []map[string]any {
	out := make([]map[string]any, len(items))
	for i, item := range items {
		out[i] = maps.Clone(item)
	}
	return out
}

// --- Assertions ---

// Calls returns how many times a route was called.
func (mb *MockBackend) Calls(key string) int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.received[key])
}

// AssertCalled verifies that the route was called the expected number of times.
func (mb *MockBackend) AssertCalled(t *testing.T, key string, expectedCount int) {
	t.Helper()
	if actual := mb.Calls(key); actual != expectedCount {
		t.Errorf("mock backend: route %q called %d times, want %d", key, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the route was never called.
func (mb *MockBackend) AssertNotCalled(t *testing.T, key string) {
	t.Helper()
	mb.AssertCalled(t, key, 0)
}

// LastRequest returns the last request received for the given route.
// Returns nil if no requests were recorded.
func (mb *MockBackend) LastRequest(key string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.received[key]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns all requests received for the given route.
func (mb *MockBackend) AllRequests(key string) []*RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return slices.Clone(mb.received[key])
}

// Reset clears all recorded requests and configured overrides. Stored
// records are kept.
func (mb *MockBackend) Reset() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.overrides = make(map[string]*routeConfig)
	mb.received = make(map[string][]*RecordedRequest)
}

// ResetRoute clears recorded requests and configured overrides for one route.
func (mb *MockBackend) ResetRoute(key string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.overrides, key)
	delete(mb.received, key)
}
