// Package apiclient issues authenticated JSON requests to the GRC backend and
// normalises every answer into a {success, data, error} envelope.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/grcbff/internal/config"
	"github.com/pitabwire/grcbff/internal/observability"
	"github.com/pitabwire/grcbff/model"
)

// maxResponseBytes caps how much of a backend response is read.
const maxResponseBytes = 10 << 20

// Metrics receives backend call measurements.
type Metrics interface {
	RecordBackendRequest(method, route string, status int, duration time.Duration)
	RecordBackendRetry(route string)
	SetBackendCircuitBreakerState(state float64)
}

// RetryPolicy configures retries. Only idempotent methods are retried, and
// only after transport failures or 502/503/504-class responses.
type RetryPolicy struct {
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	Breaker    BreakerSettings
	Retry      RetryPolicy
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    Metrics
	// Redactor masks payload fields in debug logs. Defaults to
	// observability.NewRedactor().
	Redactor *observability.Redactor
}

// OptionsFromConfig maps backend configuration to client options.
func OptionsFromConfig(cfg config.BackendConfig) Options {
	opts := Options{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Breaker: BreakerSettings{
			FailureThreshold:   cfg.CircuitBreaker.FailureThreshold,
			SuccessThreshold:   cfg.CircuitBreaker.SuccessThreshold,
			OpenTimeout:        cfg.CircuitBreaker.Timeout,
			ErrorRateThreshold: cfg.CircuitBreaker.ErrorRateThreshold,
			ErrorRateWindow:    cfg.CircuitBreaker.ErrorRateWindow,
		},
		Retry: RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			BackoffInitial:    cfg.Retry.BackoffInitial,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			BackoffMax:        cfg.Retry.BackoffMax,
		},
	}
	if cfg.TokenFile != "" {
		opts.Tokens = NewFileTokenStore(cfg.TokenFile)
	}
	return opts
}

// Envelope is the normalised backend answer.
type Envelope struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	StatusCode int             `json:"-"`
}

// HasData reports whether the envelope carries a non-null data payload.
func (e Envelope) HasData() bool {
	d := bytes.TrimSpace(e.Data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null"))
}

// Err converts a failed envelope into an error carrying the server's message
// verbatim. It returns nil for successful envelopes.
func (e Envelope) Err() error {
	if e.Success {
		return nil
	}
	msg := e.Error
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return model.NewUnauthorizedError(msg)
	case http.StatusForbidden:
		return model.NewForbiddenError(msg)
	case http.StatusNotFound:
		return model.NewNotFoundError(msg)
	case http.StatusConflict:
		return model.NewConflictError(msg)
	case http.StatusPreconditionFailed:
		return model.NewPreconditionError(msg)
	default:
		return model.NewBackendRejectedError(msg)
	}
}

// Decode unmarshals the data payload into T. The boolean is false when the
// envelope has no data.
func Decode[T any](env Envelope) (T, bool, error) {
	var out T
	if !env.HasData() {
		return out, false, nil
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, false, fmt.Errorf("apiclient: decode data: %w", err)
	}
	return out, true, nil
}

// Client talks to the GRC backend. It is safe for concurrent use.
type Client struct {
	baseURL  string
	http     *http.Client
	breaker  *CircuitBreaker
	retry    RetryPolicy
	tokens   TokenSource
	logger   *zap.Logger
	metrics  Metrics
	redactor *observability.Redactor
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("apiclient: base URL is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	redactor := opts.Redactor
	if redactor == nil {
		redactor = observability.NewRedactor()
	}

	c := &Client{
		baseURL:  base,
		http:     httpClient,
		retry:    opts.Retry,
		tokens:   opts.Tokens,
		logger:   logger,
		metrics:  opts.Metrics,
		redactor: redactor,
	}
	bs := opts.Breaker
	userHook := bs.OnStateChange
	bs.OnStateChange = func(s BreakerState) {
		c.logger.Warn("backend circuit breaker state changed", zap.String("state", s.String()))
		if c.metrics != nil {
			c.metrics.SetBackendCircuitBreakerState(float64(s))
		}
		if userHook != nil {
			userHook(s)
		}
	}
	c.breaker = NewCircuitBreaker(bs)
	return c, nil
}

// BaseURL returns the normalised backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// BreakerState returns the current circuit breaker state.
func (c *Client) BreakerState() BreakerState { return c.breaker.State() }

// HealthCheck fails while the circuit breaker is open.
func (c *Client) HealthCheck(context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return errBreakerOpen
	}
	return nil
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string) (Envelope, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (Envelope, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (Envelope, error) {
	return c.Do(ctx, http.MethodPut, path, body)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (Envelope, error) {
	return c.Do(ctx, http.MethodDelete, path, nil)
}

// Do sends one request to the backend. HTTP-level failures never produce an
// error: they come back as an Envelope with Success false. A non-nil error
// means the request could not be completed (no token, transport failure,
// timeout, or an open circuit breaker).
func (c *Client) Do(ctx context.Context, method, path string, body any) (Envelope, error) {
	route := routeLabel(path)
	ctx, span := observability.StartSpan(ctx, "backend "+method+" "+route,
		attribute.String("http.request.method", method),
		attribute.String("grc.route", route),
	)
	env, err := c.do(ctx, method, path, route, body)
	if err == nil && !env.Success {
		span.SetAttributes(attribute.Int("http.response.status_code", env.StatusCode))
	}
	observability.EndSpanWithError(span, err)
	return env, err
}

func (c *Client) do(ctx context.Context, method, path, route string, body any) (Envelope, error) {
	token, err := c.token(ctx)
	if err != nil {
		return Envelope{}, err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return Envelope{}, fmt.Errorf("apiclient: marshal body: %w", err)
		}
		if ce := c.logger.Check(zap.DebugLevel, "apiclient: request payload"); ce != nil {
			var logged any
			_ = json.Unmarshal(payload, &logged)
			ce.Write(
				zap.String("method", method),
				zap.String("route", route),
				c.redactor.Field("body", logged),
			)
		}
	}

	attempts := 1
	if isIdempotentMethod(method) {
		attempts = c.retry.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.RecordBackendRetry(route)
			}
			select {
			case <-ctx.Done():
				return Envelope{}, model.NewBackendTimeoutError()
			case <-time.After(c.backoff(attempt)):
			}
		}

		env, err := c.once(ctx, method, path, route, token, payload)
		if err != nil {
			lastErr = err
			if !isRetryableError(err) {
				return Envelope{}, err
			}
			c.logger.Debug("apiclient: retrying after error",
				zap.Int("attempt", attempt+1),
				zap.Int("max", attempts),
				zap.Error(err),
			)
			continue
		}
		if isRetryableStatus(env.StatusCode) && attempt < attempts-1 {
			c.logger.Debug("apiclient: retrying after status",
				zap.Int("attempt", attempt+1),
				zap.Int("status", env.StatusCode),
			)
			continue
		}
		return env, nil
	}
	return Envelope{}, lastErr
}

func (c *Client) once(ctx context.Context, method, path, route, token string, payload []byte) (Envelope, error) {
	if err := c.breaker.Allow(); err != nil {
		return Envelope{}, breakerOpenError{model.NewBackendUnavailableError()}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return Envelope{}, fmt.Errorf("apiclient: build request: %w", err)
	}
	c.setHeaders(ctx, req, token, payload != nil)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.record(method, route, 0, start)
		return Envelope{}, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.record(method, route, resp.StatusCode, start)
	if err != nil {
		c.breaker.RecordFailure()
		return Envelope{}, classifyTransportError(ctx, err)
	}

	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	return parseEnvelope(resp.StatusCode, raw), nil
}

func (c *Client) record(method, route string, status int, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordBackendRequest(method, route, status, time.Since(start))
	}
}

func (c *Client) token(ctx context.Context) (string, error) {
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.Token != "" {
		return rctx.Token, nil
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("apiclient: read token: %w", err)
		}
		if tok != "" {
			return tok, nil
		}
	}
	return "", model.NewUnauthorizedError("no bearer token available")
}

func (c *Client) url(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request, token string, hasBody bool) {
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+sanitizeHeader(token))
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if rctx.TenantID != "" {
			req.Header.Set("X-Tenant-Id", sanitizeHeader(rctx.TenantID))
		}
		if rctx.CorrelationID != "" {
			req.Header.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
	}
	observability.InjectTraceHeaders(ctx, req.Header)
}

func (c *Client) backoff(attempt int) time.Duration {
	initial := c.retry.BackoffInitial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	mult := c.retry.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	limit := c.retry.BackoffMax
	if limit <= 0 {
		limit = 2 * time.Second
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if delay > limit {
			return limit
		}
	}
	return delay
}

// parseEnvelope maps a raw backend response onto an Envelope. Bodies that
// already carry a "success" flag are taken as-is; bare 2xx bodies become the
// data payload.
func parseEnvelope(status int, raw []byte) Envelope {
	env := Envelope{StatusCode: status}
	ok := status >= 200 && status < 300

	var probe struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	trimmed := bytes.TrimSpace(raw)
	decoded := len(trimmed) > 0 && json.Unmarshal(trimmed, &probe) == nil

	switch {
	case decoded && probe.Success != nil:
		env.Success = *probe.Success && ok
		env.Data = probe.Data
		env.Error = errorText(probe.Error, probe.Message)
	case ok:
		env.Success = true
		if len(trimmed) > 0 && json.Valid(trimmed) {
			env.Data = json.RawMessage(trimmed)
		}
	case decoded:
		env.Error = errorText(probe.Error, probe.Message)
	default:
		env.Error = strings.TrimSpace(string(trimmed))
	}
	if !env.Success && env.Error == "" {
		env.Error = http.StatusText(status)
	}
	return env
}

// errorText extracts a message from an error field that may be a string or
// an object with a message.
func errorText(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return fallback
}

// routeLabel reduces a request path to its collection prefix so metric
// labels stay bounded.
func routeLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "api" {
		return "/api/" + parts[1]
	}
	if len(parts) >= 2 {
		return "/" + parts[0] + "/" + parts[1]
	}
	return "/" + parts[0]
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// breakerOpenError marks a request rejected by the open circuit breaker so it
// is not retried.
type breakerOpenError struct {
	*model.ErrorEnvelope
}

func (e breakerOpenError) Unwrap() error { return e.ErrorEnvelope }

func isRetryableError(err error) bool {
	var open breakerOpenError
	if errors.As(err, &open) {
		return false
	}
	ee, ok := model.AsEnvelope(err)
	if !ok {
		return false
	}
	return ee.Code == model.ErrBackendUnavailable || ee.Code == model.ErrBackendTimeout
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return model.NewBackendTimeoutError()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.NewBackendTimeoutError()
	}
	return model.NewBackendUnavailableError()
}
