package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/grcbff/internal/config"
	"github.com/pitabwire/grcbff/model"
)

type loggerKey struct{}

// NewLogger builds the service's JSON logger on stdout. An unknown level
// falls back to info.
//
// Levels:
//   - error: infrastructure failures and 5xx responses
//   - warn:  backend rejections, breaker transitions, skipped archive writes
//   - info:  requests, mutations, exports, generations, definition loads
//   - debug: retries, idempotent replays, redacted backend payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.OutputPaths = []string{"stdout"}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller's tenant,
// subject and correlation id.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}
	fields := make([]zap.Field, 0, 4)
	fields = append(fields,
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	)
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

const redacted = "[REDACTED]"

// Field names masked by every Redactor. Matching ignores case.
var defaultRedactFields = []string{
	"password", "secret", "token", "access_token", "refresh_token",
	"api_key", "authorization", "ssn",
	// Data subject identifiers carried by DSR payloads.
	"requesterEmail", "requesterPhone", "nationalId", "dateOfBirth",
}

// Redactor masks sensitive fields in payloads before they are logged.
type Redactor struct {
	fields map[string]struct{}
}

// NewRedactor returns a Redactor for the default fields plus extra.
func NewRedactor(extra ...string) *Redactor {
	r := &Redactor{fields: make(map[string]struct{}, len(defaultRedactFields)+len(extra))}
	for _, f := range defaultRedactFields {
		r.fields[strings.ToLower(f)] = struct{}{}
	}
	for _, f := range extra {
		if f = strings.TrimSpace(f); f != "" {
			r.fields[strings.ToLower(f)] = struct{}{}
		}
	}
	return r
}

// Sensitive reports whether values under name are masked.
func (r *Redactor) Sensitive(name string) bool {
	_, ok := r.fields[strings.ToLower(name)]
	return ok
}

// Redact returns a copy of v with sensitive object fields replaced, at any
// depth. Values other than JSON objects and arrays are returned as-is.
func (r *Redactor) Redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if r.Sensitive(k) {
				out[k] = redacted
				continue
			}
			out[k] = r.Redact(val)
		}
		return out
	case model.Record:
		return r.Redact(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.Redact(val)
		}
		return out
	default:
		return v
	}
}

// Field returns a zap field holding the redacted form of v.
func (r *Redactor) Field(key string, v any) zap.Field {
	return zap.Any(key, r.Redact(v))
}
