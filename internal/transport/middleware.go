package transport

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/pitabwire/grcbff/internal/config"
	"github.com/pitabwire/grcbff/internal/notify"
	"github.com/pitabwire/grcbff/internal/observability"
	"github.com/pitabwire/grcbff/model"
)

// Headers read or written by the console API.
const (
	HeaderCorrelationID  = "X-Correlation-Id"
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderReplayed       = "X-Idempotent-Replayed"
	HeaderArchiveID      = "X-Archive-Id"
)

var nopLogger = zap.NewNop()

// Context keys for middleware-injected values.
type correlationIDKey struct{}
type credentialsKey struct{}

type credentials struct {
	claims map[string]any
	token  string
}

// CorrelationIDFrom extracts the correlation ID from the request context.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// WithClaims stores the bearer token and its claims in the context. Used by
// the auth middleware.
func WithClaims(ctx context.Context, claims map[string]any, token string) context.Context {
	return context.WithValue(ctx, credentialsKey{}, credentials{claims: claims, token: token})
}

// ClaimsFrom extracts the token claims from the context.
func ClaimsFrom(ctx context.Context) map[string]any {
	c, _ := ctx.Value(credentialsKey{}).(credentials)
	return c.claims
}

func tokenFrom(ctx context.Context) string {
	c, _ := ctx.Value(credentialsKey{}).(credentials)
	return c.token
}

// Recovery catches panics in downstream handlers, logs them, and returns
// a 500 JSON error response.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					observability.LoggerFrom(r.Context(), logger).Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					WriteError(w, r, model.NewInternalError())
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS returns middleware that handles Cross-Origin Resource Sharing based
// on the provided configuration.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		ExposedHeaders:   []string{HeaderCorrelationID, HeaderReplayed, HeaderArchiveID, "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           cfg.MaxAge,
	}).Handler
}

// RequestID reads X-Correlation-Id from the request header or generates a
// new one, then stores it in the context and sets the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderCorrelationID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithRequestLogger stores a logger tagged with the correlation id in the
// request context.
func WithRequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := logger.With(zap.String("correlation_id", CorrelationIDFrom(r.Context())))
			next.ServeHTTP(w, r.WithContext(observability.WithLogger(r.Context(), l)))
		})
	}
}

// SecurityHeaders sets standard security response headers on all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "0")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// BuildRequestContextMiddleware constructs a model.RequestContext from the
// token claims stored by the auth middleware. claimPaths maps the context
// fields subject_id, tenant_id, email and roles to claim names; nested
// claims use dot notation such as "realm_access.roles".
func BuildRequestContextMiddleware(claimPaths map[string]string) func(http.Handler) http.Handler {
	path := func(field, fallback string) string {
		if p := claimPaths[field]; p != "" {
			return p
		}
		return fallback
	}
	subjectPath := path("subject_id", "sub")
	tenantPath := path("tenant_id", "tenant_id")
	emailPath := path("email", "email")
	rolesPath := path("roles", "roles")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			rctx := &model.RequestContext{
				SubjectID:     claimString(extractClaim(claims, subjectPath)),
				Email:         claimString(extractClaim(claims, emailPath)),
				TenantID:      claimString(extractClaim(claims, tenantPath)),
				Roles:         claimStrings(extractClaim(claims, rolesPath)),
				Claims:        claims,
				Token:         tokenFrom(r.Context()),
				CorrelationID: CorrelationIDFrom(r.Context()),
				TraceID:       observability.TraceIDFromContext(r.Context()),
				Locale:        r.Header.Get("Accept-Language"),
			}
			if rctx.TenantID == "" {
				WriteError(w, r, model.NewUnauthorizedError("Token carries no tenant"))
				return
			}
			observability.TagRequest(r.Context(), rctx)
			ctx := model.WithRequestContext(r.Context(), rctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CollectNotifications attaches a notify.Recorder to each request so that
// handlers can return the notifications raised while serving it.
func CollectNotifications(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(notify.WithRecorder(r.Context(), &notify.Recorder{})))
	})
}

// HandlerTimeout returns middleware that sets a context deadline on requests.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging logs each request with method, route, status, and duration.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			l := observability.RequestLogger(r.Context(), logger)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("route", observability.RoutePattern(r)),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			}
			if ww.status >= http.StatusInternalServerError {
				l.Warn("request", fields...)
				return
			}
			l.Info("request", fields...)
		})
	}
}

// --- helpers ---

// statusWriter wraps http.ResponseWriter to capture the written status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

// extractClaim resolves a dot-separated path in claims.
func extractClaim(claims map[string]any, path string) any {
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func claimString(v any) string {
	return model.ScalarString(v)
}

// claimStrings accepts a JSON array of strings or a space-separated string.
func claimStrings(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	case string:
		return strings.Fields(t)
	}
	return nil
}
