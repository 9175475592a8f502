package integration

import (
	"net/http"
	"testing"

	"github.com/pitabwire/grcbff/model"
)

func TestHarness_Startup(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/ui/health", "")
	h.AssertStatus(t, resp, http.StatusOK)
}

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		resp := h.GET("/ui/health", "")

		var body map[string]any
		h.AssertJSON(t, resp, http.StatusOK, &body)
		if body["status"] != "ok" {
			t.Errorf("health status = %v, want ok", body["status"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		resp := h.GET("/ui/ready", "")

		var body struct {
			Status string                    `json:"status"`
			Checks map[string]map[string]any `json:"checks"`
		}
		h.AssertJSON(t, resp, http.StatusOK, &body)
		if body.Status != "ready" {
			t.Errorf("ready status = %q", body.Status)
		}
		for _, name := range []string{"definitions", "backend", "audit_store", "idempotency_store", "archive"} {
			if body.Checks[name]["status"] != "ok" {
				t.Errorf("check %s = %v, want ok", name, body.Checks[name])
			}
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp := h.GET("/metrics", "")
		h.AssertStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	})
}

func TestHarness_AuthenticationRequired(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("no token returns 401", func(t *testing.T) {
		resp := h.GET("/ui/navigation", "")
		h.AssertError(t, resp, http.StatusUnauthorized, model.ErrUnauthorized)
	})

	t.Run("expired token returns 401", func(t *testing.T) {
		token := h.GenerateExpiredToken(AdminClaims())
		resp := h.GET("/ui/navigation", token)
		h.AssertError(t, resp, http.StatusUnauthorized, model.ErrUnauthorized)
	})

	t.Run("invalid token returns 401", func(t *testing.T) {
		resp := h.GET("/ui/navigation", "invalid-token")
		h.AssertError(t, resp, http.StatusUnauthorized, model.ErrUnauthorized)
	})
}

func TestHarness_Navigation(t *testing.T) {
	h := NewTestHarness(t)

	domains := func(t *testing.T, claims TestClaims) map[string][]string {
		t.Helper()
		var tree model.NavigationTree
		h.AssertJSON(t, h.GET("/ui/navigation", h.GenerateToken(claims)), http.StatusOK, &tree)
		out := make(map[string][]string)
		for _, node := range tree.Items {
			for _, child := range node.Children {
				out[node.ID] = append(out[node.ID], child.ID)
			}
		}
		return out
	}

	t.Run("admin sees every domain", func(t *testing.T) {
		got := domains(t, AdminClaims())
		for _, d := range []string{"audit", "privacy", "regulatory", "risk", "platform"} {
			if len(got[d]) == 0 {
				t.Errorf("domain %s missing from admin navigation: %v", d, got)
			}
		}
	})

	t.Run("viewer does not see platform", func(t *testing.T) {
		got := domains(t, ViewerClaims())
		if _, ok := got["platform"]; ok {
			t.Errorf("platform visible to viewer: %v", got["platform"])
		}
		if len(got["privacy"]) == 0 {
			t.Error("privacy should be visible to every user")
		}
	})

	t.Run("resource routes", func(t *testing.T) {
		var tree model.NavigationTree
		h.AssertJSON(t, h.GET("/ui/navigation", h.GenerateToken(DPOClaims())), http.StatusOK, &tree)
		for _, node := range tree.Items {
			for _, child := range node.Children {
				if child.ID == "dsr" && child.Route == "" {
					t.Error("dsr navigation entry has no route")
				}
			}
		}
	})
}

func TestHarness_MockBackendRecording(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())

	h.Backend().Seed("acme-corp", "dsr", DSRFixture(1, "Access for Jane", "access", "pending"))

	resp := h.GETWithHeaders("/ui/resources/dsr", token, map[string]string{
		"X-Correlation-Id": "trace-recording-1",
	})
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	h.Backend().AssertCalled(t, "GET /api/dsr", 1)
	req := h.Backend().LastRequest("GET /api/dsr")
	if req == nil {
		t.Fatal("list not recorded")
	}
	if got := req.Headers.Get("Authorization"); got != "Bearer "+token {
		t.Errorf("Authorization forwarded = %q", got)
	}
	if got := req.Headers.Get("X-Tenant-Id"); got != "acme-corp" {
		t.Errorf("X-Tenant-Id = %q, want acme-corp", got)
	}
	if got := req.Headers.Get("X-Correlation-Id"); got != "trace-recording-1" {
		t.Errorf("X-Correlation-Id = %q, want trace-recording-1", got)
	}

	h.Backend().Reset()
	h.Backend().AssertNotCalled(t, "GET /api/dsr")
}

func TestHarness_CrossTenantIsolation(t *testing.T) {
	h := NewTestHarness(t)

	h.Backend().Seed("acme-corp", "vendors", VendorFixture(1, "Acme Cloud", "high", "active"))
	h.Backend().Seed("globex", "vendors",
		VendorFixture(2, "Globex Hosting", "low", "active"),
		VendorFixture(3, "Globex Mail", "medium", "active"),
	)

	var acme, globex model.ListResponse
	h.AssertJSON(t, h.GET("/ui/resources/vendors", h.GenerateToken(AdminClaims())), http.StatusOK, &acme)
	h.AssertJSON(t, h.GET("/ui/resources/vendors", h.GenerateToken(OtherTenantClaims())), http.StatusOK, &globex)

	if acme.Data.TotalCount != 1 || acme.Data.Items[0].Name() != "Acme Cloud" {
		t.Errorf("acme vendors = %v", acme.Data.Items)
	}
	if globex.Data.TotalCount != 2 {
		t.Errorf("globex vendors = %v", globex.Data.Items)
	}

	if n := h.Workspaces.Len(); n != 2 {
		t.Errorf("active workspaces = %d, want 2", n)
	}
}
