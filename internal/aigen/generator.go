// Package aigen requests generated compliance documents from the backend's
// AI generation endpoint.
package aigen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/grcbff/internal/apiclient"
	"github.com/pitabwire/grcbff/internal/idempotency"
	"github.com/pitabwire/grcbff/internal/notify"
	"github.com/pitabwire/grcbff/internal/observability"
	"github.com/pitabwire/grcbff/model"
)

// DefaultEndpoint is the backend generation route.
const DefaultEndpoint = "/ai-documents/generate"

// domain labels notifications and idempotency keys.
const domain = "ai_documents"

// Outcomes recorded by Metrics.
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeReplayed    = "replayed"
	OutcomeRateLimited = "rate_limited"
	OutcomeInvalid     = "invalid"
)

// Doer sends a request to the backend.
type Doer interface {
	Do(ctx context.Context, method, path string, body any) (apiclient.Envelope, error)
}

// Metrics receives generation measurements.
type Metrics interface {
	RecordAIGeneration(documentType, outcome string, d time.Duration)
	RecordIdempotencyHit()
	RecordAIRateLimited()
}

// Request is the generation input sent to the backend.
type Request struct {
	DocumentType     string         `json:"documentType"`
	TemplateType     string         `json:"templateType"`
	Name             string         `json:"name"`
	RequirementsData map[string]any `json:"requirementsData"`
}

// Result is a generated document.
type Result struct {
	Content      string    `json:"content"`
	DocumentType string    `json:"documentType"`
	TemplateType string    `json:"templateType,omitempty"`
	Name         string    `json:"name"`
	GeneratedAt  time.Time `json:"generatedAt"`
	Replayed     bool      `json:"replayed"`
}

// generated is the backend's data payload. Older deployments answer with
// generatedContent.
type generated struct {
	Content          string `json:"content"`
	GeneratedContent string `json:"generatedContent"`
}

// Options configures a Generator. Zero values disable the optional parts.
type Options struct {
	Endpoint       string
	Timeout        time.Duration
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	Limiter        *Limiter
	Metrics        Metrics
	Notifier       notify.Notifier
	Logger         *zap.Logger
	Now            func() time.Time
}

// Generator calls the generation endpoint. It is safe for concurrent use.
type Generator struct {
	client Doer
	opts   Options
}

// New creates a Generator.
func New(client Doer, opts Options) *Generator {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Generator{client: client, opts: opts}
}

// Validate checks that a document type and a name were chosen.
func (r Request) Validate() error {
	var fields []model.FieldError
	if strings.TrimSpace(r.DocumentType) == "" {
		fields = append(fields, model.FieldError{Field: "documentType", Code: "required", Message: "Select a document type before generating"})
	}
	if strings.TrimSpace(r.Name) == "" {
		fields = append(fields, model.FieldError{Field: "name", Code: "required", Message: "Enter a document name before generating"})
	}
	if len(fields) > 0 {
		return model.NewValidationError(fields)
	}
	return nil
}

// Generate sends one generation request. When key is non-empty a repeated
// call with the same key and input returns the first result without calling
// the backend again; replays do not count against the rate limit.
func (g *Generator) Generate(ctx context.Context, req Request, key string) (Result, error) {
	start := time.Now()
	tenant := ""
	if rc := model.RequestContextFrom(ctx); rc != nil {
		tenant = rc.TenantID
	}
	ctx, span := observability.StartSpan(ctx, "aigen.generate",
		observability.AttrTemplate.String(req.TemplateType),
		observability.AttrTenantID.String(tenant),
		attribute.String("grc.document_type", req.DocumentType),
	)

	res, err := g.generate(ctx, req, tenant, key)
	observability.EndSpanWithError(span, err)

	outcome := OutcomeSuccess
	switch {
	case err == nil && res.Replayed:
		outcome = OutcomeReplayed
	case model.HasCode(err, model.ErrValidationError):
		outcome = OutcomeInvalid
	case model.HasCode(err, model.ErrRateLimited):
		outcome = OutcomeRateLimited
	case err != nil:
		outcome = OutcomeError
	}
	if g.opts.Metrics != nil {
		g.opts.Metrics.RecordAIGeneration(req.DocumentType, outcome, time.Since(start))
		switch outcome {
		case OutcomeReplayed:
			g.opts.Metrics.RecordIdempotencyHit()
		case OutcomeRateLimited:
			g.opts.Metrics.RecordAIRateLimited()
		}
	}

	if err != nil {
		notify.Report(ctx, g.opts.Notifier, domain, "generate", err)
		return Result{}, err
	}
	notify.Success(ctx, g.opts.Notifier, domain, "generate", fmt.Sprintf("Generated %q", res.Name))
	return res, nil
}

func (g *Generator) generate(ctx context.Context, req Request, tenant, key string) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	if key != "" {
		key = idempotency.FormatKey(domain, tenant, key)
	}

	res, replayed, err := idempotency.Do(ctx, g.opts.Idempotency, key, req, g.opts.IdempotencyTTL,
		func(ctx context.Context) (Result, error) {
			if !g.opts.Limiter.Allow(tenant) {
				return Result{}, model.NewRateLimitedError()
			}
			return g.call(ctx, req)
		})
	if errors.Is(err, idempotency.ErrNotSaved) {
		g.opts.Logger.Warn("aigen: generated document not stored for replay",
			zap.String("tenant_id", tenant),
			zap.Error(err),
		)
		err = nil
	}
	if err != nil {
		return Result{}, err
	}
	res.Replayed = replayed
	return res, nil
}

func (g *Generator) call(ctx context.Context, req Request) (Result, error) {
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}
	if req.RequirementsData == nil {
		req.RequirementsData = map[string]any{}
	}

	env, err := g.client.Do(ctx, http.MethodPost, g.opts.Endpoint, req)
	if err != nil {
		return Result{}, err
	}
	if err := env.Err(); err != nil {
		return Result{}, err
	}
	data, _, err := apiclient.Decode[generated](env)
	if err != nil {
		return Result{}, model.NewBackendRejectedError("The generation service returned an unreadable response")
	}
	content := data.Content
	if content == "" {
		content = data.GeneratedContent
	}
	if strings.TrimSpace(content) == "" {
		return Result{}, model.NewBackendRejectedError("The generation service returned no content")
	}

	return Result{
		Content:      content,
		DocumentType: req.DocumentType,
		TemplateType: req.TemplateType,
		Name:         req.Name,
		GeneratedAt:  g.opts.Now().UTC(),
	}, nil
}
