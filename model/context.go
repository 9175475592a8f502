package model

import (
	"context"
	"slices"
)

// RequestContext is the authenticated caller of a console request. It is
// built once by the auth middleware and only read afterwards.
type RequestContext struct {
	SubjectID string
	Email     string
	TenantID  string
	Roles     []string
	// Claims holds the verified token claims; Token is the raw bearer token
	// forwarded to the backend.
	Claims        map[string]any
	Token         string
	CorrelationID string
	TraceID       string
	Locale        string
}

// HasRole reports whether the caller holds role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// HasAnyRole reports whether the caller holds at least one of roles. An
// empty list admits everyone.
func (rc *RequestContext) HasAnyRole(roles []string) bool {
	return len(roles) == 0 || slices.ContainsFunc(roles, rc.HasRole)
}

// Actor names the caller in audit entries: the email when the token has one.
func (rc *RequestContext) Actor() string {
	if rc.Email != "" {
		return rc.Email
	}
	return rc.SubjectID
}

type requestContextKey struct{}

// WithRequestContext returns a copy of ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the caller stored in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
