package grc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/grcbff/internal/apiclient"
	"github.com/pitabwire/grcbff/internal/document"
	"github.com/pitabwire/grcbff/internal/filter"
	"github.com/pitabwire/grcbff/internal/lifecycle"
	"github.com/pitabwire/grcbff/model"
)

func TestEntities_decodeFlat(t *testing.T) {
	raw := `{"id":12,"name":"Erasure for J. Doe","status":"pending","requestType":"deletion","requesterEmail":"j@doe.test","owner":"dpo"}`
	var d DataSubjectRequest
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.ResourceID() != "12" || d.ResourceStatus() != StatusPending {
		t.Errorf("id/status = %q/%q", d.ResourceID(), d.ResourceStatus())
	}
	if d.RequestType != "deletion" || d.Owner != "dpo" {
		t.Errorf("decoded = %+v", d)
	}

	out, _ := json.Marshal(d)
	if !strings.Contains(string(out), `"id":12`) || !strings.Contains(string(out), `"requestType":"deletion"`) {
		t.Errorf("marshal = %s", out)
	}
}

func TestEntities_keepUndeclaredFields(t *testing.T) {
	raw := `{"id":7,"name":"Bob erasure","status":"pending","requestType":"erasure","notes":"","assignee":"dpo@x.io","verified":true,"history":[{"at":"2026-01-02"}]}`
	var d DataSubjectRequest
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Extra["assignee"] != "dpo@x.io" || d.Extra["verified"] != true {
		t.Errorf("extra = %v", d.Extra)
	}
	if _, ok := d.Extra["requestType"]; ok {
		t.Error("declared field kept as extra")
	}

	out, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var want, got map[string]any
	json.Unmarshal([]byte(raw), &want)
	json.Unmarshal(out, &got)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip = %s\nwant %s", out, raw)
	}

	// Decoding again starts from a clean value.
	if err := json.Unmarshal([]byte(`{"id":8,"name":"x","status":"pending","requestType":"access"}`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Extra != nil || d.Notes != "" {
		t.Errorf("stale fields after decode: %+v", d)
	}
}

func TestLifecycles_declaredInCode(t *testing.T) {
	tests := []struct {
		name    string
		m       *lifecycle.Machine
		action  string
		from    string
		wantErr bool
	}{
		{"dsr approve pending", DSRLifecycle(), "approve", StatusPending, false},
		{"dsr approve in progress", DSRLifecycle(), "approve", StatusInProgress, false},
		{"dsr approve approved", DSRLifecycle(), "approve", DSRApproved, true},
		{"dsr reject rejected", DSRLifecycle(), "reject", DSRRejected, true},
		{"test run failed", AuditTestLifecycle(), "run", TestFailed, false},
		{"test pass pending", AuditTestLifecycle(), "pass", StatusPending, true},
		{"policy publish review", PolicyLifecycle(), "publish", PolicyReview, false},
		{"policy archive draft", PolicyLifecycle(), "archive", PolicyDraft, true},
		{"gap resolve open", GapLifecycle(), "resolve", GapOpen, false},
		{"gap reopen open", GapLifecycle(), "reopen", GapOpen, true},
		{"vendor review inactive", VendorLifecycle(), "review", VendorInactive, true},
		{"vuln accept open", VulnerabilityLifecycle(), "accept", VulnOpen, false},
		{"obligation has no actions", ObligationLifecycle(), "approve", StatusPending, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.m.Check(tt.action, tt.from)
			if (err != nil) != tt.wantErr {
				t.Errorf("Check(%s, %s) error = %v, wantErr %v", tt.action, tt.from, err, tt.wantErr)
			}
		})
	}
}

func TestCheckDefinition(t *testing.T) {
	tests := []struct {
		name    string
		def     model.ResourceDefinition
		wantErr string
	}{
		{
			name: "matching dsr",
			def: model.ResourceDefinition{
				ID:       DSRs,
				Statuses: []string{"pending", "in_progress", "approved", "rejected"},
				Actions:  []model.ActionDefinition{{ID: "approve", From: []string{"pending"}, To: "approved"}},
			},
		},
		{
			name: "untyped resource",
			def:  model.ResourceDefinition{ID: "kris", Statuses: []string{"anything"}},
		},
		{
			name:    "unknown status",
			def:     model.ResourceDefinition{ID: DSRs, Statuses: []string{"closed"}},
			wantErr: `status "closed"`,
		},
		{
			name: "unknown action",
			def: model.ResourceDefinition{
				ID:      Vendors,
				Actions: []model.ActionDefinition{{ID: "terminate", To: "inactive"}},
			},
			wantErr: `action "terminate"`,
		},
		{
			name: "target mismatch",
			def: model.ResourceDefinition{
				ID:      Policies,
				Actions: []model.ActionDefinition{{ID: "publish", To: "archived"}},
			},
			wantErr: `targets "archived"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckDefinition(tt.def)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("CheckDefinition() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("CheckDefinition() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLookupAndIDs(t *testing.T) {
	ids := IDs()
	if len(ids) != 7 {
		t.Fatalf("IDs() = %v", ids)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] > ids[i] {
			t.Errorf("IDs() not sorted: %v", ids)
		}
	}
	if _, ok := Lookup("ropa"); ok {
		t.Error("ropa has no typed kind")
	}
	k, ok := Lookup(Gaps)
	if !ok || k.ID != Gaps {
		t.Fatalf("Lookup(gaps) = %+v, %v", k, ok)
	}
}

// mockBackend is a minimal GRC backend holding records per endpoint.
type mockBackend struct {
	mu    sync.Mutex
	items map[string][]map[string]any
}

func (m *mockBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	coll := parts[1]
	switch {
	case r.Method == http.MethodGet && len(parts) == 2:
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": m.items[coll]})
	case r.Method == http.MethodPost && len(parts) == 2:
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		body["id"] = len(m.items[coll]) + 1
		m.items[coll] = append(m.items[coll], body)
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": body})
	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "approve":
		for _, it := range m.items[coll] {
			if model.NormaliseID(it["id"]) == parts[2] {
				if it["status"] != StatusPending && it["status"] != StatusInProgress {
					w.WriteHeader(http.StatusConflict)
					io.WriteString(w, `{"success":false,"error":"request already decided"}`)
					return
				}
				it["status"] = DSRApproved
				json.NewEncoder(w).Encode(map[string]any{"success": true, "data": it})
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"success":false,"error":"not found"}`)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newClient(t *testing.T, h http.Handler) *apiclient.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := apiclient.New(apiclient.Options{BaseURL: srv.URL, Tokens: apiclient.StaticToken("t")})
	if err != nil {
		t.Fatalf("apiclient.New() error = %v", err)
	}
	return c
}

func TestDSRStore_approveThenApproveAgain(t *testing.T) {
	mb := &mockBackend{items: map[string][]map[string]any{
		"dsr": {{"id": 1, "name": "Access for A. Smith", "status": "pending", "requestType": "access"}},
	}}
	s := NewDSRStore(newClient(t, mb), "")
	ctx := context.Background()

	if err := s.FetchAll(ctx); err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	approved, err := s.Perform(ctx, "1", "approve", nil)
	if err != nil {
		t.Fatalf("approve error = %v", err)
	}
	if approved.Status != DSRApproved || approved.RequestType != "access" {
		t.Errorf("approved = %+v", approved)
	}

	if err := s.FetchAll(ctx); err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	got, _ := s.Get("1")
	if got.Status != DSRApproved {
		t.Errorf("status after fetch = %q", got.Status)
	}

	_, err = s.Perform(ctx, "1", "approve", nil)
	if !model.HasCode(err, model.ErrPreconditionFailed) {
		t.Errorf("second approve error = %v, want PRECONDITION_FAILED", err)
	}
}

func TestVendorStore_highRiskStat(t *testing.T) {
	mb := &mockBackend{items: map[string][]map[string]any{
		"vendors": {{"id": 1, "name": "Acme", "status": "active", "riskLevel": "low"}},
	}}
	k, _ := Lookup(Vendors)
	c := k.Open(newClient(t, mb), "/api/vendors")
	ctx := context.Background()
	c.FetchAll(ctx)

	stats := []model.StatDefinition{{ID: "high_risk", Label: "High Risk", Field: "riskLevel", Value: "high"}}
	if n := filter.Count(filter.Stats(c.View().Items, stats), "high_risk"); n != 0 {
		t.Fatalf("high risk before create = %d", n)
	}

	if _, err := c.Create(ctx, map[string]any{"name": "Globex", "status": "active", "riskLevel": "high"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if n := filter.Count(filter.Stats(c.View().Items, stats), "high_risk"); n != 1 {
		t.Errorf("high risk after create = %d, want 1 without refetch", n)
	}
}

// scriptedBackend lists one resource and answers every write with answer.
type scriptedBackend struct {
	list   string
	answer string
}

func (b scriptedBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodGet {
		io.WriteString(w, `{"success":true,"data":[`+b.list+`]}`)
		return
	}
	io.WriteString(w, `{"success":true,"data":`+b.answer+`}`)
}

const aliceDSR = `{"id":1,"name":"Alice access","status":"pending","requestType":"access","requesterEmail":"alice@acme.test","assignee":"dpo@acme.test"}`

func TestDSRStore_updateMergesAnswer(t *testing.T) {
	tests := []struct {
		name       string
		answer     string
		wantStatus string
		wantNotes  string
	}{
		{
			name:       "full resource",
			answer:     `{"id":1,"name":"Alice access","status":"in_progress","requestType":"access","requesterEmail":"alice@acme.test","assignee":"dpo@acme.test","notes":"done"}`,
			wantStatus: StatusInProgress,
			wantNotes:  "done",
		},
		{
			name:       "partial resource",
			answer:     `{"id":1,"notes":"done"}`,
			wantStatus: StatusPending,
			wantNotes:  "done",
		},
		{
			name:       "message only",
			answer:     `"Request updated"`,
			wantStatus: StatusPending,
			wantNotes:  "patched",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewDSRStore(newClient(t, scriptedBackend{list: aliceDSR, answer: tt.answer}), "")
			ctx := context.Background()
			if err := s.FetchAll(ctx); err != nil {
				t.Fatalf("FetchAll() error = %v", err)
			}

			got, err := s.Update(ctx, "1", map[string]any{"notes": "patched"})
			if err != nil {
				t.Fatalf("Update() error = %v", err)
			}
			if got.Status != tt.wantStatus || got.Notes != tt.wantNotes {
				t.Errorf("status/notes = %q/%q, want %q/%q", got.Status, got.Notes, tt.wantStatus, tt.wantNotes)
			}
			if got.Name != "Alice access" || got.RequestType != "access" || got.RequesterEmail != "alice@acme.test" {
				t.Errorf("fields lost in merge: %+v", got)
			}
			if got.Extra["assignee"] != "dpo@acme.test" {
				t.Errorf("extra = %v", got.Extra)
			}
			if stored, _ := s.Get("1"); !reflect.DeepEqual(stored, got) {
				t.Errorf("stored = %+v, want %+v", stored, got)
			}

			if _, err := s.Perform(ctx, "1", "approve", nil); err != nil {
				t.Errorf("approve after update error = %v", err)
			}
		})
	}
}

func TestDSRStore_performMergesAnswer(t *testing.T) {
	tests := []struct {
		name       string
		answer     string
		wantStatus string
		wantExtra  map[string]any
	}{
		{
			name:       "full resource",
			answer:     `{"id":1,"name":"Alice access","status":"approved","requestType":"access","requesterEmail":"alice@acme.test","assignee":"dpo@acme.test","approvedBy":"dpo"}`,
			wantStatus: DSRApproved,
			wantExtra:  map[string]any{"assignee": "dpo@acme.test", "approvedBy": "dpo"},
		},
		{
			name:       "partial resource",
			answer:     `{"id":1,"approvedBy":"dpo"}`,
			wantStatus: DSRApproved,
			wantExtra:  map[string]any{"assignee": "dpo@acme.test", "approvedBy": "dpo"},
		},
		{
			name:       "message only",
			answer:     `"Request approved"`,
			wantStatus: DSRApproved,
			wantExtra:  map[string]any{"assignee": "dpo@acme.test"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewDSRStore(newClient(t, scriptedBackend{list: aliceDSR, answer: tt.answer}), "")
			ctx := context.Background()
			if err := s.FetchAll(ctx); err != nil {
				t.Fatalf("FetchAll() error = %v", err)
			}

			got, err := s.Perform(ctx, "1", "approve", nil)
			if err != nil {
				t.Fatalf("approve error = %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			if got.Name != "Alice access" || got.RequestType != "access" {
				t.Errorf("fields lost in merge: %+v", got)
			}
			if !reflect.DeepEqual(got.Extra, tt.wantExtra) {
				t.Errorf("extra = %v, want %v", got.Extra, tt.wantExtra)
			}
		})
	}
}

func TestDSRCollection_exportKeepsBackendFields(t *testing.T) {
	listed := `{"id":7,"name":"Bob erasure","status":"pending","requestType":"erasure","assignee":"dpo@x.io","verified":true}`
	k, _ := Lookup(DSRs)
	c := k.Open(newClient(t, scriptedBackend{list: listed}), "/api/dsr")
	if err := c.FetchAll(context.Background()); err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}

	items := c.View().Items
	if len(items) != 1 {
		t.Fatalf("items = %v", items)
	}
	if items[0]["assignee"] != "dpo@x.io" || items[0]["verified"] != true {
		t.Errorf("item = %v", items[0])
	}

	r, err := document.NewRenderer("")
	if err != nil {
		t.Fatalf("NewRenderer() error = %v", err)
	}
	a, err := r.Export(document.ExportRequest{Data: items[0], TemplateType: "generic"}, document.FormatJSON, time.Now())
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	var got, want map[string]any
	json.Unmarshal(a.Body, &got)
	json.Unmarshal([]byte(listed), &want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("export = %s\nwant %s", a.Body, listed)
	}
}
