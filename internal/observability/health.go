package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Build metadata, set with -ldflags at release time.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency probe.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by stores and clients that can be probed.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists what /ui/ready probes. Definitions are always
// checked; the rest only when set.
type ReadinessChecks struct {
	DefinitionsLoaded func() bool
	// OpenAPILoaded is set when a backend OpenAPI file is configured.
	OpenAPILoaded func() bool

	Backend          HealthChecker
	AuditStore       HealthChecker
	IdempotencyStore HealthChecker
	Archive          HealthChecker
}

const checkTimeout = 2 * time.Second

type probe struct {
	name string
	run  func(context.Context) error
}

func loaded(fn func() bool, msg string) func(context.Context) error {
	return func(context.Context) error {
		if fn == nil || !fn() {
			return errors.New(msg)
		}
		return nil
	}
}

func (c ReadinessChecks) probes() []probe {
	probes := []probe{{"definitions", loaded(c.DefinitionsLoaded, "no definitions loaded")}}
	if c.OpenAPILoaded != nil {
		probes = append(probes, probe{"openapi_index", loaded(c.OpenAPILoaded, "backend OpenAPI spec not loaded")})
	}
	for _, opt := range []struct {
		name    string
		checker HealthChecker
	}{
		{"backend", c.Backend},
		{"audit_store", c.AuditStore},
		{"idempotency_store", c.IdempotencyStore},
		{"archive", c.Archive},
	} {
		if opt.checker != nil {
			probes = append(probes, probe{opt.name, opt.checker.HealthCheck})
		}
	}
	return probes
}

// HandleHealth serves the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady serves the readiness endpoint. Probes run concurrently, each
// bounded by its own timeout; any failure reports 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	probes := checks.probes()
	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]CheckResult, len(probes))
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for _, p := range probes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := runProbe(r.Context(), p.run)
				mu.Lock()
				results[p.name] = res
				mu.Unlock()
			}()
		}
		wg.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		status := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, status, resp)
	}
}

func runProbe(parent context.Context, run func(context.Context) error) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := run(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
