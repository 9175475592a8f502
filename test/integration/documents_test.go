package integration

import (
	"encoding/json"
	"mime"
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/pitabwire/grcbff/model"
)

const generateRoute = "POST /ai-documents/generate"

func TestDocuments_Templates(t *testing.T) {
	h := NewTestHarness(t)

	var body struct {
		Data []string `json:"data"`
	}
	h.AssertJSON(t, h.GET("/ui/templates", h.GenerateToken(ViewerClaims())), http.StatusOK, &body)

	for _, want := range []string{"audit_report", "dpia", "dsr_response", "gap_analysis", "generic", "policy", "ropa", "vendor_assessment"} {
		if !slices.Contains(body.Data, want) {
			t.Errorf("template %s missing from %v", want, body.Data)
		}
	}
	if slices.Contains(body.Data, "partials") {
		t.Error("partials should not be listed as a template")
	}
}

func TestDocuments_Preview(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DPOClaims())
	h.Backend().Seed("acme-corp", "dsr", DSRFixture(7, "Access for Jane", "access", "in_progress"))

	var body struct {
		Data struct {
			Template string `json:"template"`
			Name     string `json:"name"`
			Content  string `json:"content"`
		} `json:"data"`
	}
	h.AssertJSON(t, h.GET("/ui/resources/dsr/7/preview", token), http.StatusOK, &body)

	if body.Data.Template != "dsr_response" {
		t.Errorf("template = %q, want dsr_response", body.Data.Template)
	}
	if body.Data.Name != "Access for Jane" {
		t.Errorf("name = %q", body.Data.Name)
	}
	for _, want := range []string{"Jane Doe", "jane@example.com", "access"} {
		if !strings.Contains(body.Data.Content, want) {
			t.Errorf("preview content missing %q:\n%s", want, body.Data.Content)
		}
	}

	t.Run("template override", func(t *testing.T) {
		h.AssertJSON(t, h.GET("/ui/resources/dsr/7/preview?template=generic", token), http.StatusOK, &body)
		if body.Data.Template != "generic" {
			t.Errorf("template = %q, want generic", body.Data.Template)
		}
	})

	t.Run("unknown record", func(t *testing.T) {
		h.AssertError(t, h.GET("/ui/resources/dsr/999/preview", token), http.StatusNotFound, model.ErrNotFound)
	})
}

func TestDocuments_Export(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DPOClaims())
	h.Backend().Seed("acme-corp", "dsr", DSRFixture(7, "Access for Jane", "access", "approved"))

	tests := []struct {
		format      string
		ext         string
		contentType string
		contains    string
	}{
		{"txt", ".txt", "text/plain", "Jane Doe"},
		{"html", ".html", "text/html", "<html"},
		{"json", ".json", "application/json", `"requestType"`},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			resp := h.GET("/ui/resources/dsr/7/export?format="+tt.format, token)
			h.AssertStatus(t, resp, http.StatusOK)
			body := string(h.ReadBody(resp))

			disposition, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition"))
			if err != nil || disposition != "attachment" {
				t.Fatalf("Content-Disposition = %q", resp.Header.Get("Content-Disposition"))
			}
			filename := params["filename"]
			if !strings.HasPrefix(filename, "Access_for_Jane_") || !strings.HasSuffix(filename, tt.ext) {
				t.Errorf("filename = %q", filename)
			}
			if !strings.HasPrefix(resp.Header.Get("Content-Type"), tt.contentType) {
				t.Errorf("Content-Type = %q, want %s", resp.Header.Get("Content-Type"), tt.contentType)
			}
			if resp.Header.Get("X-Archive-Id") == "" {
				t.Error("export not archived")
			}
			if !strings.Contains(body, tt.contains) {
				t.Errorf("export body missing %q", tt.contains)
			}
		})
	}

	t.Run("unsupported format", func(t *testing.T) {
		h.AssertError(t, h.GET("/ui/resources/dsr/7/export?format=docx", token), http.StatusBadRequest, model.ErrBadRequest)
	})
}

func TestDocuments_ExportArchive(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DPOClaims())
	h.Backend().Seed("acme-corp", "dsr", DSRFixture(7, "Access for Jane", "access", "approved"))

	resp := h.GET("/ui/resources/dsr/7/export?format=txt", token)
	h.AssertStatus(t, resp, http.StatusOK)
	exported := h.ReadBody(resp)
	archiveID := resp.Header.Get("X-Archive-Id")
	if archiveID == "" {
		t.Fatal("export not archived")
	}

	var list struct {
		Data []struct {
			ID       string `json:"id"`
			Filename string `json:"filename"`
			Size     int64  `json:"size"`
		} `json:"data"`
	}
	h.AssertJSON(t, h.GET("/ui/exports", token), http.StatusOK, &list)
	if len(list.Data) != 1 || list.Data[0].ID != archiveID {
		t.Fatalf("archived exports = %+v, want one with id %s", list.Data, archiveID)
	}
	if list.Data[0].Size != int64(len(exported)) {
		t.Errorf("archived size = %d, want %d", list.Data[0].Size, len(exported))
	}

	t.Run("open", func(t *testing.T) {
		resp := h.GET("/ui/exports/"+archiveID, token)
		h.AssertStatus(t, resp, http.StatusOK)
		if got := h.ReadBody(resp); string(got) != string(exported) {
			t.Error("archived body differs from the export")
		}
		if !strings.HasPrefix(resp.Header.Get("Content-Disposition"), "attachment") {
			t.Errorf("Content-Disposition = %q", resp.Header.Get("Content-Disposition"))
		}
	})

	t.Run("other tenant", func(t *testing.T) {
		other := h.GenerateToken(OtherTenantClaims())
		h.AssertError(t, h.GET("/ui/exports/"+archiveID, other), http.StatusNotFound, model.ErrNotFound)

		var empty struct {
			Data []json.RawMessage `json:"data"`
		}
		h.AssertJSON(t, h.GET("/ui/exports", other), http.StatusOK, &empty)
		if len(empty.Data) != 0 {
			t.Errorf("other tenant sees %d exports", len(empty.Data))
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		h.AssertError(t, h.GET("/ui/exports/does-not-exist", token), http.StatusNotFound, model.ErrNotFound)
	})
}

func TestDocuments_ArchiveDisabled(t *testing.T) {
	h := NewTestHarness(t, WithoutArchive())
	token := h.GenerateToken(DPOClaims())
	h.Backend().Seed("acme-corp", "dsr", DSRFixture(7, "Access for Jane", "access", "approved"))

	resp := h.GET("/ui/resources/dsr/7/export?format=txt", token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if resp.Header.Get("X-Archive-Id") != "" {
		t.Error("export archived with the archive disabled")
	}

	h.AssertError(t, h.GET("/ui/exports", token), http.StatusNotFound, model.ErrNotFound)
}

// ==========================================================================
// Generation Tests
// ==========================================================================

type generateResponse struct {
	Data struct {
		Content      string `json:"content"`
		DocumentType string `json:"documentType"`
		Name         string `json:"name"`
		Replayed     bool   `json:"replayed"`
	} `json:"data"`
	Notifications []model.Notification `json:"notifications"`
}

func generateBody(name string) map[string]any {
	return map[string]any{
		"documentType": "policy",
		"templateType": "policy",
		"name":         name,
		"requirementsData": map[string]any{
			"scope": "All production systems",
		},
	}
}

func TestDocuments_Generate(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DPOClaims())

	resp := h.POST("/ui/documents/generate", generateBody("Access Control Policy"), token)
	if got := resp.Header.Get("X-Idempotent-Replayed"); got != "false" {
		t.Errorf("X-Idempotent-Replayed = %q, want false", got)
	}
	var out generateResponse
	h.AssertJSON(t, resp, http.StatusOK, &out)

	if !strings.Contains(out.Data.Content, "Access Control Policy") {
		t.Errorf("content = %q", out.Data.Content)
	}
	if out.Data.DocumentType != "policy" || out.Data.Name != "Access Control Policy" {
		t.Errorf("result = %+v", out.Data)
	}
	if len(out.Notifications) == 0 || out.Notifications[0].Level != model.LevelSuccess {
		t.Errorf("notifications = %+v, want a success", out.Notifications)
	}

	req := h.Backend().LastRequest(generateRoute)
	if req == nil {
		t.Fatal("generation not forwarded")
	}
	if req.Headers.Get("X-Tenant-Id") != "acme-corp" {
		t.Errorf("X-Tenant-Id = %q", req.Headers.Get("X-Tenant-Id"))
	}
	if data, _ := req.Body["requirementsData"].(map[string]any); data["scope"] != "All production systems" {
		t.Errorf("requirementsData forwarded = %v", req.Body["requirementsData"])
	}
}

func TestDocuments_GenerateIdempotentReplay(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DPOClaims())
	headers := map[string]string{"X-Idempotency-Key": "gen-key-1"}

	var first, second generateResponse
	h.AssertJSON(t, h.POSTWithHeaders("/ui/documents/generate", generateBody("Retention Policy"), token, headers), http.StatusOK, &first)

	resp := h.POSTWithHeaders("/ui/documents/generate", generateBody("Retention Policy"), token, headers)
	if got := resp.Header.Get("X-Idempotent-Replayed"); got != "true" {
		t.Errorf("X-Idempotent-Replayed = %q, want true", got)
	}
	h.AssertJSON(t, resp, http.StatusOK, &second)

	if !second.Data.Replayed || second.Data.Content != first.Data.Content {
		t.Errorf("replay = %+v, want the first result", second.Data)
	}
	h.Backend().AssertCalled(t, generateRoute, 1)

	t.Run("same key from another tenant is not replayed", func(t *testing.T) {
		other := h.GenerateToken(OtherTenantClaims())
		resp := h.POSTWithHeaders("/ui/documents/generate", generateBody("Retention Policy"), other, headers)
		if got := resp.Header.Get("X-Idempotent-Replayed"); got != "false" {
			t.Errorf("X-Idempotent-Replayed = %q, want false", got)
		}
		resp.Body.Close()
		h.Backend().AssertCalled(t, generateRoute, 2)
	})

	t.Run("same key with a different body conflicts", func(t *testing.T) {
		resp := h.POSTWithHeaders("/ui/documents/generate", generateBody("Another Policy"), token, headers)
		if resp.StatusCode < 400 {
			t.Errorf("status = %d, want an error for a reused key", resp.StatusCode)
		}
		resp.Body.Close()
		h.Backend().AssertCalled(t, generateRoute, 2)
	})
}

func TestDocuments_GenerateValidation(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DPOClaims())

	env := h.AssertError(t, h.POST("/ui/documents/generate", map[string]any{"documentType": "policy"}, token),
		http.StatusUnprocessableEntity, model.ErrValidationError)
	if len(env.Details) != 1 || env.Details[0].Field != "name" {
		t.Errorf("details = %+v, want name", env.Details)
	}
	h.Backend().AssertNotCalled(t, generateRoute)

	resp := h.Do("POST", "/ui/documents/generate", nil, token, nil)
	h.AssertError(t, resp, http.StatusBadRequest, model.ErrBadRequest)
}

func TestDocuments_GenerateRateLimited(t *testing.T) {
	h := NewTestHarness(t, WithAIRate(1, 1))
	token := h.GenerateToken(DPOClaims())

	resp := h.POST("/ui/documents/generate", generateBody("First"), token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	h.AssertError(t, h.POST("/ui/documents/generate", generateBody("Second"), token), http.StatusTooManyRequests, model.ErrRateLimited)
	h.Backend().AssertCalled(t, generateRoute, 1)

	// The bucket is per tenant.
	resp = h.POST("/ui/documents/generate", generateBody("Third"), h.GenerateToken(OtherTenantClaims()))
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestDocuments_GenerateBackendFailure(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DPOClaims())

	h.Backend().OnRoute(generateRoute).RespondWithError(http.StatusBadRequest, "Unsupported document type")

	env := h.AssertError(t, h.POST("/ui/documents/generate", generateBody("Policy"), token), http.StatusBadGateway, model.ErrBackendRejected)
	if env.Message != "Unsupported document type" {
		t.Errorf("message = %q, want the backend's", env.Message)
	}
}
