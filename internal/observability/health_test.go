package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubChecker struct {
	err error
}

func (s stubChecker) HealthCheck(context.Context) error { return s.err }

func ready(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ui/ready", nil))
	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode readiness: %v", err)
	}
	return rec.Code, resp
}

func TestHandleHealth(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version, Commit = "1.4.0", "9f2c1ab"
	t.Cleanup(func() { Version, Commit = origVersion, origCommit })

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ui/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp != (HealthResponse{Status: "ok", Version: "1.4.0", Commit: "9f2c1ab"}) {
		t.Errorf("health = %+v", resp)
	}
}

func TestHandleReady(t *testing.T) {
	yes := func() bool { return true }
	no := func() bool { return false }

	tests := []struct {
		name       string
		checks     ReadinessChecks
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "definitions only",
			checks:     ReadinessChecks{DefinitionsLoaded: yes},
			wantCode:   http.StatusOK,
			wantStatus: "ready",
			wantChecks: map[string]string{"definitions": "ok"},
		},
		{
			name: "every dependency healthy",
			checks: ReadinessChecks{
				DefinitionsLoaded: yes,
				OpenAPILoaded:     yes,
				Backend:           stubChecker{},
				AuditStore:        stubChecker{},
				IdempotencyStore:  stubChecker{},
				Archive:           stubChecker{},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ready",
			wantChecks: map[string]string{
				"definitions": "ok", "openapi_index": "ok", "backend": "ok",
				"audit_store": "ok", "idempotency_store": "ok", "archive": "ok",
			},
		},
		{
			name:       "no definitions",
			checks:     ReadinessChecks{DefinitionsLoaded: no},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"definitions": "error"},
		},
		{
			name:       "nothing configured",
			checks:     ReadinessChecks{},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"definitions": "error"},
		},
		{
			name:       "openapi index empty",
			checks:     ReadinessChecks{DefinitionsLoaded: yes, OpenAPILoaded: no},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"definitions": "ok", "openapi_index": "error"},
		},
		{
			name: "audit store down",
			checks: ReadinessChecks{
				DefinitionsLoaded: yes,
				AuditStore:        stubChecker{err: errors.New("pg down")},
				Archive:           stubChecker{},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"definitions": "ok", "audit_store": "error", "archive": "ok"},
		},
		{
			name: "several failures",
			checks: ReadinessChecks{
				DefinitionsLoaded: no,
				Backend:           stubChecker{err: errors.New("dial tcp: refused")},
				IdempotencyStore:  stubChecker{err: errors.New("redis timeout")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"definitions": "error", "backend": "error", "idempotency_store": "error"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := ready(t, tt.checks)
			if code != tt.wantCode || resp.Status != tt.wantStatus {
				t.Errorf("ready = %d %q, want %d %q", code, resp.Status, tt.wantCode, tt.wantStatus)
			}
			if len(resp.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %v", resp.Checks, tt.wantChecks)
			}
			for name, want := range tt.wantChecks {
				got := resp.Checks[name]
				if got.Status != want {
					t.Errorf("%s = %q, want %q", name, got.Status, want)
				}
				if want == "error" && got.Error == "" {
					t.Errorf("%s failed without a message", name)
				}
				if got.LatencyMs < 0 {
					t.Errorf("%s latency = %d", name, got.LatencyMs)
				}
			}
		})
	}
}

func TestHandleReady_reportsCheckerError(t *testing.T) {
	_, resp := ready(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		Archive:           stubChecker{err: errors.New("bucket grc-exports missing")},
	})
	if got := resp.Checks["archive"].Error; got != "bucket grc-exports missing" {
		t.Errorf("archive error = %q", got)
	}
}

type deadlineChecker struct{}

func (deadlineChecker) HealthCheck(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("probe ran without a deadline")
	}
	return nil
}

func TestHandleReady_probesAreBounded(t *testing.T) {
	_, resp := ready(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		Backend:           deadlineChecker{},
	})
	if resp.Checks["backend"].Status != "ok" {
		t.Errorf("backend = %+v", resp.Checks["backend"])
	}
}
