package integration

import (
	"net/http"
	"slices"
	"testing"

	"github.com/pitabwire/grcbff/internal/audit"
	"github.com/pitabwire/grcbff/model"
)

func stat(stats []model.StatResult, id string) int {
	for _, s := range stats {
		if s.ID == id {
			return s.Count
		}
	}
	return -1
}

func TestResource_DSRLifecycle(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DPOClaims())
	h.Backend().Seed("acme-corp", "dsr", DSRFixture(1, "Access for Jane", "access", "pending"))

	// Initial list.
	var list model.ListResponse
	h.AssertJSON(t, h.GET("/ui/resources/dsr", token), http.StatusOK, &list)
	if list.Data.TotalCount != 1 {
		t.Fatalf("total = %d, want 1", list.Data.TotalCount)
	}
	if got := stat(list.Data.Stats, "pending"); got != 1 {
		t.Errorf("pending stat = %d, want 1", got)
	}
	if list.Data.Resource.ID != "dsr" || !list.Data.Resource.SoftDelete {
		t.Errorf("resource descriptor = %+v", list.Data.Resource)
	}

	// Create.
	var created model.MutationResponse
	h.AssertJSON(t, h.POST("/ui/resources/dsr", map[string]any{
		"name":           "Erasure for John",
		"requestType":    "erasure",
		"requesterEmail": "john@example.com",
	}, token), http.StatusCreated, &created)
	if !created.Success || created.Result == nil {
		t.Fatalf("create response = %+v", created)
	}
	id := created.Result.ResourceID()
	if id == "" || created.Result.ResourceStatus() != "pending" {
		t.Fatalf("created = %v", created.Result)
	}
	if len(created.Notifications) == 0 || created.Notifications[0].Level != "success" {
		t.Errorf("notifications = %+v", created.Notifications)
	}

	h.AssertJSON(t, h.GET("/ui/resources/dsr", token), http.StatusOK, &list)
	if list.Data.TotalCount != 2 || stat(list.Data.Stats, "pending") != 2 {
		t.Errorf("after create: total = %d, stats = %+v", list.Data.TotalCount, list.Data.Stats)
	}

	// Start, then approve.
	var moved model.MutationResponse
	h.AssertJSON(t, h.POST("/ui/resources/dsr/"+id+"/actions/start", nil, token), http.StatusOK, &moved)
	if moved.Result.ResourceStatus() != "in_progress" {
		t.Errorf("after start status = %q", moved.Result.ResourceStatus())
	}
	h.AssertJSON(t, h.POST("/ui/resources/dsr/"+id+"/actions/approve", map[string]any{"notes": "Identity verified"}, token), http.StatusOK, &moved)
	if moved.Result.ResourceStatus() != "approved" {
		t.Errorf("after approve status = %q", moved.Result.ResourceStatus())
	}
	h.Backend().AssertCalled(t, "POST /api/dsr/{id}/approve", 1)
	if req := h.Backend().LastRequest("POST /api/dsr/{id}/approve"); req == nil || req.Body["notes"] != "Identity verified" {
		t.Errorf("approve body not forwarded: %+v", req)
	}

	// A second approve is refused locally.
	h.AssertError(t, h.POST("/ui/resources/dsr/"+id+"/actions/approve", nil, token), http.StatusConflict, model.ErrPreconditionFailed)
	h.Backend().AssertCalled(t, "POST /api/dsr/{id}/approve", 1)

	// Single record with allowed actions.
	var single struct {
		Data    model.Record             `json:"data"`
		Actions []model.ActionDescriptor `json:"actions"`
	}
	h.AssertJSON(t, h.GET("/ui/resources/dsr/"+id, token), http.StatusOK, &single)
	if single.Data.ResourceStatus() != "approved" || len(single.Actions) != 0 {
		t.Errorf("approved record = %v, actions = %+v", single.Data, single.Actions)
	}

	// Delete, restore, delete, purge.
	h.AssertStatus(t, h.DELETE("/ui/resources/dsr/"+id, token), http.StatusOK)

	var deleted model.ListResponse
	h.AssertJSON(t, h.GET("/ui/resources/dsr/deleted", token), http.StatusOK, &deleted)
	if deleted.Data.TotalCount != 1 || deleted.Data.Items[0].ResourceID() != id {
		t.Fatalf("deleted = %v", deleted.Data.Items)
	}

	h.AssertStatus(t, h.POST("/ui/resources/dsr/"+id+"/restore", nil, token), http.StatusOK)
	h.AssertJSON(t, h.GET("/ui/resources/dsr", token), http.StatusOK, &list)
	if list.Data.TotalCount != 2 {
		t.Errorf("after restore total = %d, want 2", list.Data.TotalCount)
	}

	h.AssertStatus(t, h.DELETE("/ui/resources/dsr/"+id, token), http.StatusOK)
	h.AssertStatus(t, h.DELETE("/ui/resources/dsr/"+id+"/permanent", token), http.StatusOK)
	h.AssertJSON(t, h.GET("/ui/resources/dsr/deleted", token), http.StatusOK, &deleted)
	if deleted.Data.TotalCount != 0 {
		t.Errorf("after purge deleted = %v", deleted.Data.Items)
	}
	h.Backend().AssertCalled(t, "DELETE /api/dsr/{id}/permanent", 1)
}

func TestResource_AuditTrail(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DPOClaims())

	var created model.MutationResponse
	h.AssertJSON(t, h.POST("/ui/resources/dsr", map[string]any{
		"name":        "Portability for Ann",
		"requestType": "portability",
	}, token), http.StatusCreated, &created)
	id := created.Result.ResourceID()

	h.AssertStatus(t, h.POST("/ui/resources/dsr/"+id+"/actions/reject", nil, token), http.StatusOK)

	var trail struct {
		Data []audit.Entry `json:"data"`
	}
	h.AssertJSON(t, h.GET("/ui/audit/dsr/"+id, token), http.StatusOK, &trail)

	var ops []string
	for _, e := range trail.Data {
		ops = append(ops, e.Operation+"/"+e.Action)
		if e.TenantID != "acme-corp" || e.Actor == "" {
			t.Errorf("entry = %+v", e)
		}
	}
	if !slices.Contains(ops, "create/") || !slices.Contains(ops, "action/reject") {
		t.Errorf("trail operations = %v", ops)
	}

	// Another tenant sees nothing for the same id.
	h.AssertJSON(t, h.GET("/ui/audit/dsr/"+id, h.GenerateToken(OtherTenantClaims())), http.StatusOK, &trail)
	if len(trail.Data) != 0 {
		t.Errorf("other tenant trail = %+v", trail.Data)
	}
}

func TestResource_ActionAuthorization(t *testing.T) {
	h := NewTestHarness(t)
	h.Backend().Seed("acme-corp", "dsr", DSRFixture(7, "Rectify Bob", "rectification", "pending"))

	t.Run("viewer cannot approve", func(t *testing.T) {
		resp := h.POST("/ui/resources/dsr/7/actions/approve", nil, h.GenerateToken(ViewerClaims()))
		h.AssertError(t, resp, http.StatusForbidden, model.ErrForbidden)
		h.Backend().AssertNotCalled(t, "POST /api/dsr/{id}/approve")
	})

	t.Run("viewer descriptor omits approve", func(t *testing.T) {
		var list model.ListResponse
		h.AssertJSON(t, h.GET("/ui/resources/dsr", h.GenerateToken(ViewerClaims())), http.StatusOK, &list)
		for _, a := range list.Data.Resource.Actions {
			if a.ID == "approve" || a.ID == "reject" {
				t.Errorf("viewer descriptor exposes %s", a.ID)
			}
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		resp := h.POST("/ui/resources/dsr/7/actions/explode", nil, h.GenerateToken(AdminClaims()))
		h.AssertError(t, resp, http.StatusNotFound, model.ErrNotFound)
	})

	t.Run("unknown record", func(t *testing.T) {
		resp := h.POST("/ui/resources/dsr/404/actions/start", nil, h.GenerateToken(AdminClaims()))
		h.AssertError(t, resp, http.StatusNotFound, model.ErrNotFound)
	})

	t.Run("unknown resource", func(t *testing.T) {
		resp := h.GET("/ui/resources/nope", h.GenerateToken(AdminClaims()))
		h.AssertError(t, resp, http.StatusNotFound, model.ErrNotFound)
	})

	t.Run("platform resource denied to viewer", func(t *testing.T) {
		resp := h.GET("/ui/resources/tenants", h.GenerateToken(ViewerClaims()))
		h.AssertError(t, resp, http.StatusForbidden, model.ErrForbidden)
		h.Backend().AssertNotCalled(t, "GET /api/tenants")
	})
}

func TestResource_CreateValidation(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DPOClaims())

	t.Run("missing required fields", func(t *testing.T) {
		env := h.AssertError(t, h.POST("/ui/resources/dsr", map[string]any{"name": "  "}, token),
			http.StatusUnprocessableEntity, model.ErrValidationError)
		var fields []string
		for _, d := range env.Details {
			fields = append(fields, d.Field)
		}
		if !slices.Contains(fields, "name") || !slices.Contains(fields, "requestType") {
			t.Errorf("details = %+v", env.Details)
		}
		h.Backend().AssertNotCalled(t, "POST /api/dsr")
	})

	t.Run("invalid JSON", func(t *testing.T) {
		resp := h.Do("POST", "/ui/resources/dsr", "not an object", token, nil)
		h.AssertError(t, resp, http.StatusBadRequest, model.ErrBadRequest)
	})

	t.Run("backend rejection keeps the server message", func(t *testing.T) {
		h.Backend().OnRoute("POST /api/dsr").RespondWithError(http.StatusBadRequest, "Requester email is invalid")
		env := h.AssertError(t, h.POST("/ui/resources/dsr", map[string]any{
			"name":        "Access for X",
			"requestType": "access",
		}, token), http.StatusBadGateway, model.ErrBackendRejected)
		if env.Message != "Requester email is invalid" {
			t.Errorf("message = %q", env.Message)
		}
	})
}

func TestResource_FiltersAndStats(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())
	h.Backend().Seed("acme-corp", "vendors",
		VendorFixture(1, "Acme Cloud", "high", "active"),
		VendorFixture(2, "Beta Payroll", "high", "under_review"),
		VendorFixture(3, "Gamma Print", "low", "active"),
	)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"no filter", "", []string{"1", "2", "3"}},
		{"field filter", "?filter%5BriskLevel%5D=high", []string{"1", "2"}},
		{"status", "?status=under_review", []string{"2"}},
		{"search", "?q=gamma", []string{"3"}},
		{"combined", "?q=a&filter%5BriskLevel%5D=high&status=active", []string{"1"}},
		{"no match", "?q=zzz", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var list model.ListResponse
			h.AssertJSON(t, h.GET("/ui/resources/vendors"+tt.query, token), http.StatusOK, &list)

			var ids []string
			for _, item := range list.Data.Items {
				ids = append(ids, item.ResourceID())
			}
			slices.Sort(ids)
			if !slices.Equal(ids, tt.want) {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}
			if list.Data.TotalCount != 3 {
				t.Errorf("total_count = %d, want 3", list.Data.TotalCount)
			}
			if got := stat(list.Data.Stats, "high_risk"); got != 2 {
				t.Errorf("high_risk = %d, want 2", got)
			}
			if got := stat(list.Data.Stats, "under_review"); got != 1 {
				t.Errorf("under_review = %d, want 1", got)
			}
		})
	}
}

func TestResource_DefinitionDrivenCollection(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DPOClaims())
	h.Backend().Seed("acme-corp", "dpia", map[string]any{
		"id": 5, "name": "CRM migration", "project": "crm", "status": "draft",
	})

	var updated model.MutationResponse
	h.AssertJSON(t, h.PUT("/ui/resources/dpia/5", map[string]any{"project": "crm-v2"}, token), http.StatusOK, &updated)
	if updated.Result.String("project") != "crm-v2" {
		t.Errorf("updated = %v", updated.Result)
	}
	if req := h.Backend().LastRequest("PUT /api/dpia/{id}"); req == nil || req.Body["project"] != "crm-v2" {
		t.Errorf("update body = %+v", req)
	}

	var moved model.MutationResponse
	h.AssertJSON(t, h.POST("/ui/resources/dpia/5/actions/submit", nil, token), http.StatusOK, &moved)
	if moved.Result.ResourceStatus() != "in_review" {
		t.Errorf("after submit = %q", moved.Result.ResourceStatus())
	}
	h.AssertJSON(t, h.POST("/ui/resources/dpia/5/actions/approve", nil, token), http.StatusOK, &moved)
	if moved.Result.ResourceStatus() != "approved" {
		t.Errorf("after approve = %q", moved.Result.ResourceStatus())
	}
}

func TestResource_CustomActionRoute(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())
	h.Backend().Seed("acme-corp", "invoices", map[string]any{
		"id": "inv-9", "name": "INV-0009", "status": "issued",
	})

	var moved model.MutationResponse
	h.AssertJSON(t, h.POST("/ui/resources/invoices/inv-9/actions/mark_paid", nil, token), http.StatusOK, &moved)
	if moved.Result.ResourceStatus() != "paid" {
		t.Errorf("status = %q, want paid", moved.Result.ResourceStatus())
	}
	h.Backend().AssertCalled(t, "POST /api/invoices/{id}/pay", 1)
}

func TestResource_WithoutSoftDelete(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())
	h.Backend().Seed("acme-corp", "tenants", map[string]any{"id": 1, "name": "Acme", "status": "active"})

	h.AssertError(t, h.GET("/ui/resources/tenants/deleted", token), http.StatusNotFound, model.ErrNotFound)
	h.AssertError(t, h.POST("/ui/resources/tenants/1/restore", nil, token), http.StatusNotFound, model.ErrNotFound)
	h.Backend().AssertNotCalled(t, "GET /api/tenants/deleted")

	h.AssertStatus(t, h.DELETE("/ui/resources/tenants/1", token), http.StatusOK)

	var list model.ListResponse
	h.AssertJSON(t, h.GET("/ui/resources/tenants", token), http.StatusOK, &list)
	if list.Data.TotalCount != 0 {
		t.Errorf("tenants after delete = %v", list.Data.Items)
	}
}
