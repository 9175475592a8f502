// Package search runs a free-text query across every resource collection the
// caller may read.
package search

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pitabwire/grcbff/internal/definition"
	"github.com/pitabwire/grcbff/internal/filter"
	"github.com/pitabwire/grcbff/internal/metadata"
	"github.com/pitabwire/grcbff/internal/observability"
	"github.com/pitabwire/grcbff/internal/store"
	"github.com/pitabwire/grcbff/model"
)

// Per-resource outcomes reported in the response meta.
const (
	StatusOK      = "ok"
	StatusTimeout = "timeout"
	StatusError   = "error"
)

const minQueryLength = 2

// Searcher fans a query out to the tenant's collections.
type Searcher struct {
	registry       *definition.Registry
	workspaces     *store.Workspaces
	timeout        time.Duration
	maxPerResource int
}

// New creates a Searcher. Each collection is given timeout to refresh and
// contributes at most maxPerResource results.
func New(registry *definition.Registry, workspaces *store.Workspaces, timeout time.Duration, maxPerResource int) *Searcher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if maxPerResource <= 0 {
		maxPerResource = 50
	}
	return &Searcher{
		registry:       registry,
		workspaces:     workspaces,
		timeout:        timeout,
		maxPerResource: maxPerResource,
	}
}

// Query is a search request. Domain restricts the search to one console area.
type Query struct {
	Text     string
	Domain   string
	Page     int
	PageSize int
}

type outcome struct {
	resource string
	results  []model.SearchResult
	status   string
}

// Search returns one page of matching records ordered by score.
func (s *Searcher) Search(ctx context.Context, rctx *model.RequestContext, q Query) (model.SearchResponse, error) {
	text := strings.TrimSpace(q.Text)
	if utf8.RuneCountInString(text) < minQueryLength {
		return model.SearchResponse{}, model.NewBadRequestError("Search query must be at least 2 characters")
	}
	if rctx == nil {
		return model.SearchResponse{}, model.NewUnauthorizedError("missing request context")
	}
	if q.PageSize <= 0 {
		q.PageSize = 20
	}
	if q.PageSize > 50 {
		q.PageSize = 50
	}
	if q.Page <= 0 {
		q.Page = 1
	}

	ws, err := s.workspaces.For(rctx.TenantID)
	if err != nil {
		return model.SearchResponse{}, err
	}

	ctx, span := observability.StartSpan(ctx, "search.query",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrDomain.String(q.Domain),
	)
	defer span.End()

	start := time.Now()
	targets := s.eligible(rctx, ws, q.Domain)
	outcomes := s.run(ctx, targets, text)

	var merged []model.SearchResult
	statuses := make(map[string]string, len(outcomes))
	for _, o := range outcomes {
		statuses[o.resource] = o.status
		merged = append(merged, o.results...)
	}
	merged = deduplicate(merged)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Route < merged[j].Route
	})
	span.SetAttributes(attribute.Int("grc.search.results", len(merged)))

	total := len(merged)
	offset := (q.Page - 1) * q.PageSize
	if offset >= total {
		merged = []model.SearchResult{}
	} else {
		merged = merged[offset:min(offset+q.PageSize, total)]
	}

	return model.SearchResponse{
		Data: model.SearchPayload{
			Results:    merged,
			TotalCount: total,
			Query:      text,
		},
		Meta: map[string]any{
			"resources":     statuses,
			"query_time_ms": time.Since(start).Milliseconds(),
		},
	}, nil
}

type searchTarget struct {
	def    model.ResourceDefinition
	domain string
	col    store.Collection
}

// eligible lists the collections the caller may read, honouring both the
// domain and the resource role lists.
func (s *Searcher) eligible(rctx *model.RequestContext, ws *store.Workspace, domain string) []searchTarget {
	var out []searchTarget
	for _, d := range s.registry.AllDomains() {
		if domain != "" && d.Domain != domain {
			continue
		}
		if !metadata.Allowed(rctx, d.Navigation.Roles) {
			continue
		}
		for _, def := range d.Resources {
			if !metadata.Allowed(rctx, def.Roles) {
				continue
			}
			col, ok := ws.Collection(def.ID)
			if !ok {
				continue
			}
			out = append(out, searchTarget{def: def, domain: d.Domain, col: col})
		}
	}
	return out
}

func (s *Searcher) run(ctx context.Context, targets []searchTarget, text string) []outcome {
	if len(targets) == 0 {
		return nil
	}
	out := make([]outcome, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = s.searchOne(ctx, t, text)
		}()
	}
	wg.Wait()
	return out
}

func (s *Searcher) searchOne(ctx context.Context, t searchTarget, text string) outcome {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := t.col.FetchAll(ctx); err != nil {
		status := StatusError
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || model.HasCode(err, model.ErrBackendTimeout) {
			status = StatusTimeout
		}
		return outcome{resource: t.def.ID, status: status}
	}

	matches := filter.Apply(t.col.View().Items, filter.State{Search: text}, filter.SchemaFor(t.def))
	return outcome{
		resource: t.def.ID,
		results:  s.score(t, matches, text),
		status:   StatusOK,
	}
}

// score ranks matches by list position; a match on the record name counts
// double.
func (s *Searcher) score(t searchTarget, items []model.Record, text string) []model.SearchResult {
	if len(items) > s.maxPerResource {
		items = items[:s.maxPerResource]
	}
	term := strings.ToLower(text)
	total := len(items)
	results := make([]model.SearchResult, 0, total)
	for i, rec := range items {
		// Position score: 1.0 at top, 0.5 at bottom.
		position := 1.0
		if total > 1 {
			position = 1.0 - (float64(i) / float64(total) * 0.5)
		}
		weight := 1.0
		if strings.Contains(strings.ToLower(rec.Name()), term) {
			weight = 2
		}

		id := rec.ResourceID()
		title := rec.Name()
		if title == "" {
			title = t.def.Label + " " + id
		}
		results = append(results, model.SearchResult{
			ID:       id,
			Title:    title,
			Subtitle: t.def.Label,
			Resource: t.def.ID,
			Domain:   t.domain,
			Status:   rec.ResourceStatus(),
			Icon:     t.def.Icon,
			Route:    metadata.ResourceRoute + t.def.ID + "/" + id,
			Score:    weight * position,
		})
	}
	return results
}

// deduplicate removes results with the same route, keeping the highest score.
func deduplicate(results []model.SearchResult) []model.SearchResult {
	seen := make(map[string]int, len(results))
	var out []model.SearchResult
	for _, r := range results {
		if idx, ok := seen[r.Route]; ok {
			if r.Score > out[idx].Score {
				out[idx] = r
			}
			continue
		}
		seen[r.Route] = len(out)
		out = append(out, r)
	}
	return out
}
