// Package integration provides a reusable test harness for end-to-end
// integration testing of the GRC console BFF. It starts a full HTTP server
// wired the same way as cmd/grcbff against a stateful mock GRC backend,
// in-memory stores, and an HS256 token issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/grcbff/internal/aigen"
	"github.com/pitabwire/grcbff/internal/apiclient"
	"github.com/pitabwire/grcbff/internal/archive"
	"github.com/pitabwire/grcbff/internal/audit"
	"github.com/pitabwire/grcbff/internal/config"
	"github.com/pitabwire/grcbff/internal/definition"
	"github.com/pitabwire/grcbff/internal/document"
	"github.com/pitabwire/grcbff/internal/grc"
	"github.com/pitabwire/grcbff/internal/idempotency"
	"github.com/pitabwire/grcbff/internal/lifecycle"
	"github.com/pitabwire/grcbff/internal/notify"
	"github.com/pitabwire/grcbff/internal/observability"
	"github.com/pitabwire/grcbff/internal/search"
	"github.com/pitabwire/grcbff/internal/store"
	"github.com/pitabwire/grcbff/internal/transport"
	"github.com/pitabwire/grcbff/model"
)

const testSecret = "integration-test-secret"

// TestHarness encapsulates a fully wired BFF instance with a mock backend
// for integration testing.
type TestHarness struct {
	t       *testing.T
	server  *httptest.Server
	issuer  *tokenIssuer
	backend *MockBackend

	// Internal components exposed for advanced test scenarios.
	Registry    *definition.Registry
	Client      *apiclient.Client
	Workspaces  *store.Workspaces
	AuditStore  *audit.MemoryStore
	Idempotency *idempotency.MemoryStore
	Archive     *archive.Archive

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	handlerTimeout time.Duration
	backendTimeout time.Duration
	breaker        *config.CircuitBreakerConfig
	retry          *config.RetryConfig
	archive        bool
	aiRate         int
	aiBurst        int
}

// WithDefinitions sets the definition directories to load. Relative paths
// are resolved from the repository root.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithBackendTimeout sets the backend client's per-call timeout.
func WithBackendTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.backendTimeout = d
	}
}

// WithCircuitBreaker overrides the backend circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = &cb
	}
}

// WithRetry overrides the backend retry settings.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = &r
	}
}

// WithoutArchive disables the export archive.
func WithoutArchive() HarnessOption {
	return func(c *harnessConfig) {
		c.archive = false
	}
}

// WithAIRate sets the per-tenant generation rate limit.
func WithAIRate(perMinute, burst int) HarnessOption {
	return func(c *harnessConfig) {
		c.aiRate = perMinute
		c.aiBurst = burst
	}
}

// NewTestHarness creates and starts a full BFF test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		backendTimeout: 5 * time.Second,
		archive:        true,
		aiRate:         60,
		aiBurst:        10,
	}
	for _, opt := range opts {
		opt(hc)
	}

	root := repoRoot()
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{"definitions"}
	}
	for i, dir := range hc.definitionDirs {
		if !filepath.IsAbs(dir) {
			hc.definitionDirs[i] = filepath.Join(root, dir)
		}
	}

	h := &TestHarness{
		t:       t,
		issuer:  newTokenIssuer(testSecret),
		backend: newMockBackend(t),
	}
	logger := zap.NewNop()

	// Config.
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Identity.HMACSecret = testSecret
	cfg.Identity.Issuer = h.issuer.issuer
	cfg.Identity.Audience = h.issuer.audience
	cfg.Backend.BaseURL = h.backend.URL()
	cfg.Backend.Timeout = hc.backendTimeout
	if hc.breaker != nil {
		cfg.Backend.CircuitBreaker = *hc.breaker
	}
	if hc.retry != nil {
		cfg.Backend.Retry = *hc.retry
	}
	cfg.Definitions.Directories = hc.definitionDirs
	cfg.AI.RatePerMinute = hc.aiRate
	cfg.AI.Burst = hc.aiBurst
	cfg.Observability.Tracing.Enabled = false
	h.cfg = cfg

	metrics := observability.InitMetrics(prometheus.NewRegistry())

	// Definitions.
	renderer, err := document.NewRenderer("")
	if err != nil {
		t.Fatalf("load document templates: %v", err)
	}
	defs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator(renderer.Has).Validate(defs, nil); len(verrs) > 0 {
		t.Fatalf("validate definitions: %v", verrs)
	}
	h.Registry = definition.NewRegistry(defs)
	h.declareActionTargets(t)

	// Backend client.
	clientOpts := apiclient.OptionsFromConfig(cfg.Backend)
	clientOpts.Logger = logger
	clientOpts.Metrics = metrics
	h.Client, err = apiclient.New(clientOpts)
	if err != nil {
		t.Fatalf("create backend client: %v", err)
	}

	// Stores.
	h.AuditStore = audit.NewMemoryStore()
	recorder := audit.NewRecorder(h.AuditStore, logger)
	h.Idempotency = idempotency.NewMemoryStore()
	if hc.archive {
		h.Archive = archive.New(archive.NewMemoryStore(), cfg.Archive.Prefix, metrics)
	}

	notifier := notify.ContextNotifier{}
	observers := []store.Observer{store.MetricsObserver(metrics), recorder}
	h.Workspaces = store.NewWorkspaces(func(tenant string) (*store.Workspace, error) {
		ws := store.NewWorkspace(tenant)
		for _, def := range h.Registry.AllResources() {
			opts := []store.Option{
				store.WithNotifier(notifier),
				store.WithLogger(logger),
				store.WithSoftDelete(def.SoftDeletes()),
			}
			for _, obs := range observers {
				opts = append(opts, store.WithObserver(obs))
			}
			col, err := grc.OpenDefinition(def, h.Client, opts...)
			if err != nil {
				return nil, err
			}
			if err := ws.Register(def.ID, col); err != nil {
				return nil, err
			}
		}
		return ws, nil
	}, metrics.SetActiveWorkspaces)

	gen := aigen.New(h.Client, aigen.Options{
		Endpoint:       cfg.AI.Endpoint,
		Timeout:        cfg.AI.Timeout,
		Idempotency:    h.Idempotency,
		IdempotencyTTL: cfg.AI.IdempotencyTTL,
		Limiter:        aigen.NewLimiter(cfg.AI.RatePerMinute, cfg.AI.Burst),
		Metrics:        metrics,
		Notifier:       notifier,
		Logger:         logger,
	})

	ready := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(h.Registry.AllResources()) > 0 },
		Backend:           h.Client,
		AuditStore:        recorder,
		IdempotencyStore:  h.Idempotency,
	}
	if h.Archive != nil {
		ready.Archive = h.Archive
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:     cfg,
		Logger:     logger,
		Registry:   h.Registry,
		Workspaces: h.Workspaces,
		Renderer:   renderer,
		Archive:    h.Archive,
		Generator:  gen,
		Audit:      recorder,
		Search:     search.New(h.Registry, h.Workspaces, cfg.Search.TimeoutPerResource, cfg.Search.MaxResultsPerResource),
		Metrics:    metrics,
		Ready:      ready,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// declareActionTargets tells the mock backend where each action moves a
// record, using the same lifecycle the BFF validates against.
func (h *TestHarness) declareActionTargets(t *testing.T) {
	t.Helper()
	for _, def := range h.Registry.AllResources() {
		var m *lifecycle.Machine
		if k, ok := grc.Lookup(def.ID); ok {
			m = k.Lifecycle()
		} else {
			var err error
			if m, err = lifecycle.FromDefinition(def); err != nil {
				t.Fatalf("lifecycle for %s: %v", def.ID, err)
			}
		}
		collection := path.Base(def.Endpoint)
		if def.Endpoint == "" {
			collection = def.ID
		}
		for _, a := range def.Actions {
			act, ok := m.Action(a.ID)
			if !ok {
				t.Fatalf("resource %s: action %s missing from lifecycle", def.ID, a.ID)
			}
			h.backend.SetActionTarget(collection, act.Path(), act.To)
		}
	}
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Backend returns the mock GRC backend.
func (h *TestHarness) Backend() *MockBackend {
	return h.backend
}

// Config returns the configuration the server was built with.
func (h *TestHarness) Config() *config.Config {
	return h.cfg
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForgedToken creates a JWT signed with the wrong secret.
func (h *TestHarness) GenerateForgedToken(claims TestClaims) string {
	return h.issuer.GenerateForgedToken(claims)
}

// GenerateUnsignedToken creates a JWT using the "none" algorithm.
func (h *TestHarness) GenerateUnsignedToken(claims TestClaims) string {
	return h.issuer.GenerateUnsignedToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

// Do performs a request with an arbitrary method.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 15 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and error code of a failed response and
// returns the error envelope.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}

// --- Default test claims ---

// AdminClaims returns TestClaims for a tenant administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		TenantID:  "acme-corp",
		Email:     "admin@acme.example.com",
		Roles:     []string{"admin"},
	}
}

// DPOClaims returns TestClaims for a data protection officer.
func DPOClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-dpo",
		TenantID:  "acme-corp",
		Email:     "dpo@acme.example.com",
		Roles:     []string{"dpo"},
	}
}

// ViewerClaims returns TestClaims for a user without elevated roles.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		TenantID:  "acme-corp",
		Email:     "viewer@acme.example.com",
		Roles:     []string{"viewer"},
	}
}

// OtherTenantClaims returns TestClaims for an administrator of another tenant.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-globex",
		TenantID:  "globex",
		Email:     "admin@globex.example.com",
		Roles:     []string{"admin"},
	}
}

// --- Fixtures ---

// DSRFixture returns a data subject request as the backend stores it.
func DSRFixture(id int, name, requestType, status string) map[string]any {
	return map[string]any{
		"id":             id,
		"name":           name,
		"requestType":    requestType,
		"requesterName":  "Jane Doe",
		"requesterEmail": "jane@example.com",
		"status":         status,
		"owner":          "dpo",
		"dueDate":        "2026-11-30",
	}
}

// VendorFixture returns a vendor as the backend stores it.
func VendorFixture(id int, name, riskLevel, status string) map[string]any {
	return map[string]any{
		"id":           id,
		"name":         name,
		"category":     "cloud",
		"riskLevel":    riskLevel,
		"contactEmail": "security@" + strings.ToLower(strings.ReplaceAll(name, " ", "")) + ".example.com",
		"status":       status,
	}
}

// --- Helpers ---

// repoRoot returns the absolute path to the repository root.
func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
