package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/grcbff/internal/aigen"
	"github.com/pitabwire/grcbff/internal/archive"
	"github.com/pitabwire/grcbff/internal/audit"
	"github.com/pitabwire/grcbff/internal/config"
	"github.com/pitabwire/grcbff/internal/definition"
	"github.com/pitabwire/grcbff/internal/document"
	"github.com/pitabwire/grcbff/internal/metadata"
	"github.com/pitabwire/grcbff/internal/notify"
	"github.com/pitabwire/grcbff/internal/observability"
	"github.com/pitabwire/grcbff/internal/openapi"
	"github.com/pitabwire/grcbff/internal/search"
	"github.com/pitabwire/grcbff/internal/store"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
// Archive, Generator, Audit, Search, Index and Metrics are optional.
type Dependencies struct {
	Config     *config.Config
	Logger     *zap.Logger
	Registry   *definition.Registry
	Workspaces *store.Workspaces
	Renderer   *document.Renderer
	Archive    *archive.Archive
	Generator  *aigen.Generator
	Audit      *audit.Recorder
	Search     *search.Searcher
	Index      *openapi.Index
	Metrics    *observability.Metrics
	Ready      observability.ReadinessChecks

	// Authenticate overrides the bearer token middleware built from
	// Config.Identity.
	Authenticate func(http.Handler) http.Handler
	// Now is the clock used for export file names.
	Now func() time.Time
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(WithRequestLogger(logger))
	r.Use(SecurityHeaders)
	if deps.Config.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Ready))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = Authenticator(deps.Config.Identity)
	}

	res := &resources{
		registry:   deps.Registry,
		workspaces: deps.Workspaces,
		index:      deps.Index,
		notifier:   notify.ContextNotifier{},
	}
	docs := &documents{
		res:      res,
		renderer: deps.Renderer,
		archive:  deps.Archive,
		logger:   logger,
		now:      now,
	}
	if deps.Metrics != nil {
		docs.metrics = deps.Metrics
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(CollectNotifications)
		r.Use(RequestLogging(logger))

		r.Get("/ui/navigation", handleNavigation(metadata.NewMenuProvider(deps.Registry)))
		if deps.Search != nil {
			r.Get("/ui/search", handleSearch(deps.Search))
		}

		r.Route("/ui/resources/{domain}", func(r chi.Router) {
			r.Get("/", res.list)
			r.Post("/", res.create)
			r.Get("/deleted", res.deleted)
			r.Get("/{id}", res.get)
			r.Put("/{id}", res.update)
			r.Delete("/{id}", res.remove)
			r.Post("/{id}/restore", res.restore)
			r.Delete("/{id}/permanent", res.permanent)
			r.Post("/{id}/actions/{action}", res.action)
			if deps.Renderer != nil {
				r.Get("/{id}/preview", docs.preview)
				r.Get("/{id}/export", docs.export)
			}
		})

		if deps.Renderer != nil {
			r.Get("/ui/templates", docs.templates)
		}
		r.Get("/ui/exports", docs.listExports)
		r.Get("/ui/exports/{id}", docs.openExport)

		if deps.Generator != nil {
			r.Post("/ui/documents/generate", handleGenerate(deps.Generator))
		}
		r.Get("/ui/audit/{domain}/{id}", handleAuditTrail(res, deps.Audit))
	})

	return r
}
