// Package openapi loads the backend's OpenAPI document and indexes its
// operations by method and path so resource definitions can be checked
// against the routes the backend actually serves.
package openapi

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// Operation is one indexed backend operation.
type Operation struct {
	OperationID  string
	Method       string
	PathTemplate string
	RequestBody  *openapi3.RequestBody
}

// ValidationError describes a request body that does not satisfy the
// operation's schema.
type ValidationError struct {
	Field   string
	Message string
}

// Index is an in-memory index of backend operations keyed by method and path
// template. The zero value is not usable; call NewIndex.
type Index struct {
	operations map[string]Operation // key: "METHOD /path/template"
	ordered    []Operation
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{operations: make(map[string]Operation)}
}

func operationKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// Load parses and validates the OpenAPI document at path and indexes its
// operations.
func (idx *Index) Load(path string) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return fmt.Errorf("openapi: loading %s: %w", path, err)
	}
	return idx.add(doc, path)
}

// LoadData is Load for an in-memory document.
func (idx *Index) LoadData(data []byte) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return fmt.Errorf("openapi: parsing document: %w", err)
	}
	return idx.add(doc, "document")
}

func (idx *Index) add(doc *openapi3.T, source string) error {
	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("openapi: validating %s: %w", source, err)
	}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			var body *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				body = op.RequestBody.Value
			}
			o := Operation{
				OperationID:  op.OperationID,
				Method:       strings.ToUpper(method),
				PathTemplate: path,
				RequestBody:  body,
			}
			idx.operations[operationKey(o.Method, path)] = o
		}
	}
	idx.ordered = idx.ordered[:0]
	for _, o := range idx.operations {
		idx.ordered = append(idx.ordered, o)
	}
	// Literal segments sort before parameters so "/x/deleted" wins over "/x/{id}".
	sort.Slice(idx.ordered, func(i, j int) bool {
		pi, pj := strings.Count(idx.ordered[i].PathTemplate, "{"), strings.Count(idx.ordered[j].PathTemplate, "{")
		if pi != pj {
			return pi < pj
		}
		return operationKey(idx.ordered[i].Method, idx.ordered[i].PathTemplate) <
			operationKey(idx.ordered[j].Method, idx.ordered[j].PathTemplate)
	})
	return nil
}

// Len returns the number of indexed operations.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.operations)
}

// Find returns the operation serving method and path. Path segments in
// braces match any template segment, and template parameters match any
// concrete segment.
func (idx *Index) Find(method, path string) (Operation, bool) {
	if idx == nil {
		return Operation{}, false
	}
	method = strings.ToUpper(method)
	if op, ok := idx.operations[operationKey(method, path)]; ok {
		return op, true
	}
	want := splitPath(path)
	for _, op := range idx.ordered {
		if op.Method == method && segmentsMatch(splitPath(op.PathTemplate), want) {
			return op, true
		}
	}
	return Operation{}, false
}

// Has reports whether the backend serves method on path.
func (idx *Index) Has(method, path string) bool {
	_, ok := idx.Find(method, path)
	return ok
}

// Operations returns every indexed operation, sorted by path then method.
func (idx *Index) Operations() []Operation {
	if idx == nil {
		return nil
	}
	out := make([]Operation, 0, len(idx.operations))
	for _, o := range idx.operations {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PathTemplate != out[j].PathTemplate {
			return out[i].PathTemplate < out[j].PathTemplate
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// ValidateRequest checks body against the required properties of the JSON
// request schema of the operation serving method and path. Unknown
// operations and operations without a JSON body schema always pass.
func (idx *Index) ValidateRequest(method, path string, body map[string]any) []ValidationError {
	op, ok := idx.Find(method, path)
	if !ok || op.RequestBody == nil {
		return nil
	}
	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}

	var errs []ValidationError
	for _, req := range ct.Schema.Value.Required {
		v, exists := body[req]
		if !exists || v == nil || v == "" {
			errs = append(errs, ValidationError{
				Field:   req,
				Message: fmt.Sprintf("%s is required", req),
			})
		}
	}
	return errs
}

// Route is a method and path a resource definition relies on.
type Route struct {
	Method string
	Path   string
}

func (r Route) String() string { return r.Method + " " + r.Path }

// Missing returns the routes the index does not serve.
func (idx *Index) Missing(routes []Route) []Route {
	var out []Route
	for _, r := range routes {
		if !idx.Has(r.Method, r.Path) {
			out = append(out, r)
		}
	}
	return out
}

// CollectionRoutes lists the backend routes a resource collection at
// endpoint uses: list, create, update and delete, plus the trash routes when
// softDelete is set and one POST per action route.
func CollectionRoutes(endpoint string, softDelete bool, actionRoutes ...string) []Route {
	base := "/" + strings.Trim(endpoint, "/")
	item := base + "/{id}"
	routes := []Route{
		{http.MethodGet, base},
		{http.MethodPost, base},
		{http.MethodPut, item},
		{http.MethodDelete, item},
	}
	if softDelete {
		routes = append(routes,
			Route{http.MethodGet, base + "/deleted"},
			Route{http.MethodPost, item + "/restore"},
			Route{http.MethodDelete, item + "/permanent"},
		)
	}
	for _, a := range actionRoutes {
		routes = append(routes, Route{http.MethodPost, item + "/" + a})
	}
	return routes
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

func isParam(seg string) bool {
	return strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}")
}

func segmentsMatch(template, path []string) bool {
	if len(template) != len(path) {
		return false
	}
	for i := range template {
		if template[i] == path[i] || isParam(template[i]) || isParam(path[i]) {
			continue
		}
		return false
	}
	return true
}
