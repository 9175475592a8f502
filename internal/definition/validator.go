package definition

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pitabwire/grcbff/internal/grc"
	"github.com/pitabwire/grcbff/internal/lifecycle"
	"github.com/pitabwire/grcbff/internal/openapi"
	"github.com/pitabwire/grcbff/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates definitions structurally, against the lifecycles
// declared in code, and against the backend's OpenAPI document.
type Validator struct {
	hasTemplate func(string) bool
}

// NewValidator creates a Validator. hasTemplate reports whether a document
// template exists; nil skips template checks.
func NewValidator(hasTemplate func(string) bool) *Validator {
	return &Validator{hasTemplate: hasTemplate}
}

// Validate checks all definitions. The index may be nil to skip backend
// route checks.
func (v *Validator) Validate(defs []model.DomainDefinition, index *openapi.Index) []VError {
	var errs []VError
	domains := make(map[string]string)
	resources := make(map[string]string)

	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.SourceFile != "" {
			prefix = def.SourceFile
		}

		if def.Domain != "" {
			if first, dup := domains[def.Domain]; dup {
				errs = append(errs, VError{Path: prefix + ".domain", Code: "DUPLICATE_ID", Message: fmt.Sprintf("domain %q already declared in %s", def.Domain, first)})
			} else {
				domains[def.Domain] = prefix
			}
		}
		for j, res := range def.Resources {
			if res.ID == "" {
				continue
			}
			rp := fmt.Sprintf("%s.resources[%d]", prefix, j)
			if first, dup := resources[res.ID]; dup {
				errs = append(errs, VError{Path: rp + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("resource %q already declared at %s", res.ID, first)})
			} else {
				resources[res.ID] = rp
			}
		}

		errs = append(errs, v.validateDomain(prefix, def, index)...)
	}
	return errs
}

func (v *Validator) validateDomain(prefix string, def model.DomainDefinition, index *openapi.Index) []VError {
	var errs []VError

	if def.Domain == "" {
		errs = append(errs, VError{Path: prefix + ".domain", Code: "REQUIRED", Message: "domain is required"})
	}
	if def.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}
	if def.Navigation.Label == "" {
		errs = append(errs, VError{Path: prefix + ".navigation.label", Code: "REQUIRED", Message: "navigation.label is required"})
	}
	if len(def.Resources) == 0 {
		errs = append(errs, VError{Path: prefix + ".resources", Code: "REQUIRED", Message: "at least one resource is required"})
	}

	for i, res := range def.Resources {
		rp := fmt.Sprintf("%s.resources[%d]", prefix, i)
		errs = append(errs, v.validateResource(rp, res, index)...)
	}
	return errs
}

func (v *Validator) validateResource(prefix string, res model.ResourceDefinition, index *openapi.Index) []VError {
	var errs []VError

	if res.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if res.Label == "" {
		errs = append(errs, VError{Path: prefix + ".label", Code: "REQUIRED", Message: "label is required"})
	}
	if res.Endpoint == "" {
		errs = append(errs, VError{Path: prefix + ".endpoint", Code: "REQUIRED", Message: "endpoint is required"})
	} else if !strings.HasPrefix(res.Endpoint, "/") || strings.ContainsAny(res.Endpoint, "?#{}") {
		errs = append(errs, VError{Path: prefix + ".endpoint", Code: "INVALID_FORMAT", Message: fmt.Sprintf("endpoint %q must be an absolute path", res.Endpoint)})
	}

	if len(res.Statuses) == 0 {
		errs = append(errs, VError{Path: prefix + ".statuses", Code: "REQUIRED", Message: "at least one status is required"})
	}
	seen := make(map[string]bool, len(res.Statuses))
	for _, s := range res.Statuses {
		if seen[s] {
			errs = append(errs, VError{Path: prefix + ".statuses", Code: "DUPLICATE_ID", Message: fmt.Sprintf("status %q listed twice", s)})
		}
		seen[s] = true
	}

	for i, a := range res.Actions {
		if a.Label == "" {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.actions[%d].label", prefix, i), Code: "REQUIRED", Message: "label is required"})
		}
	}
	if _, err := lifecycle.FromDefinition(res); err != nil {
		errs = append(errs, VError{Path: prefix + ".actions", Code: "LIFECYCLE_INVALID", Message: err.Error()})
	}
	if err := grc.CheckDefinition(res); err != nil {
		errs = append(errs, VError{Path: prefix, Code: "LIFECYCLE_MISMATCH", Message: err.Error()})
	}

	for i, f := range res.Filters {
		fp := fmt.Sprintf("%s.filters[%d]", prefix, i)
		if f.Field == "" {
			errs = append(errs, VError{Path: fp + ".field", Code: "REQUIRED", Message: "field is required"})
		}
		for _, o := range f.Options {
			if o.Value == "" {
				errs = append(errs, VError{Path: fp + ".options", Code: "REQUIRED", Message: "option value is required"})
			} else if f.Field == "status" && !slices.Contains(res.Statuses, o.Value) {
				errs = append(errs, VError{Path: fp + ".options", Code: "INVALID_ENUM", Message: fmt.Sprintf("status %q is not declared", o.Value)})
			}
		}
	}

	statIDs := make(map[string]bool, len(res.Stats))
	for i, s := range res.Stats {
		sp := fmt.Sprintf("%s.stats[%d]", prefix, i)
		switch {
		case s.ID == "":
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "id is required"})
		case statIDs[s.ID]:
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("stat %q listed twice", s.ID)})
		}
		statIDs[s.ID] = true
		if s.Field != "" && s.Value == "" {
			errs = append(errs, VError{Path: sp + ".value", Code: "REQUIRED", Message: "value is required when field is set"})
		}
		if s.Field == "status" && s.Value != "" && !slices.Contains(res.Statuses, s.Value) {
			errs = append(errs, VError{Path: sp + ".value", Code: "INVALID_ENUM", Message: fmt.Sprintf("status %q is not declared", s.Value)})
		}
	}

	if d := res.Document; d != nil {
		switch {
		case d.Template == "":
			errs = append(errs, VError{Path: prefix + ".document.template", Code: "REQUIRED", Message: "template is required"})
		case v.hasTemplate != nil && !v.hasTemplate(d.Template):
			errs = append(errs, VError{Path: prefix + ".document.template", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("document template %q not found", d.Template)})
		}
	}

	if index != nil && res.Endpoint != "" {
		routes := make([]string, 0, len(res.Actions))
		for _, a := range res.Actions {
			if a.Route != "" {
				routes = append(routes, a.Route)
			} else {
				routes = append(routes, a.ID)
			}
		}
		for _, r := range index.Missing(openapi.CollectionRoutes(res.Endpoint, res.SoftDeletes(), routes...)) {
			errs = append(errs, VError{
				Path:    prefix + ".endpoint",
				Code:    "ROUTE_NOT_FOUND",
				Message: fmt.Sprintf("backend does not serve %s", r),
			})
		}
	}

	return errs
}
