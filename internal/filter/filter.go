// Package filter derives list views from resource collections. Every
// function here is pure: inputs are never modified and results are
// recomputed from scratch on each call.
package filter

import (
	"strings"

	"github.com/pitabwire/grcbff/model"
)

// All is the sentinel value meaning "no constraint" for status, category and
// field filters.
const All = "all"

// State is the per-view filter state.
type State struct {
	Search   string
	Status   string
	Category string
	Fields   map[string]string
}

// Empty reports whether the state imposes no constraint.
func (s State) Empty() bool {
	if strings.TrimSpace(s.Search) != "" || active(s.Status) || active(s.Category) {
		return false
	}
	for _, v := range s.Fields {
		if active(v) {
			return false
		}
	}
	return true
}

// Schema describes how a resource collection is searched.
type Schema struct {
	SearchFields  []string
	StatusField   string
	CategoryField string
}

// SchemaFor builds a Schema from a resource definition.
func SchemaFor(def model.ResourceDefinition) Schema {
	return Schema{
		SearchFields:  def.SearchFields,
		StatusField:   model.FieldStatus,
		CategoryField: def.CategoryField,
	}
}

func (sc Schema) statusField() string {
	if sc.StatusField == "" {
		return model.FieldStatus
	}
	return sc.StatusField
}

func (sc Schema) searchFields() []string {
	if len(sc.SearchFields) == 0 {
		return []string{model.FieldName}
	}
	return sc.SearchFields
}

// Apply returns the items matching st, keeping insertion order. The result is
// always a new slice.
func Apply[T model.Resource](items []T, st State, sc Schema) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if Matches(item, st, sc) {
			out = append(out, item)
		}
	}
	return out
}

// Matches reports whether a single resource satisfies every constraint in st.
// Search is a case-insensitive substring match over the schema's search
// fields; status, category and field filters are exact matches. All
// constraints compose with AND.
func Matches(item any, st State, sc Schema) bool {
	get := accessor(item)

	if active(st.Status) && get(sc.statusField()) != st.Status {
		return false
	}
	if active(st.Category) && sc.CategoryField != "" && get(sc.CategoryField) != st.Category {
		return false
	}
	for field, want := range st.Fields {
		if active(want) && get(field) != want {
			return false
		}
	}

	term := strings.ToLower(strings.TrimSpace(st.Search))
	if term == "" {
		return true
	}
	for _, f := range sc.searchFields() {
		if strings.Contains(strings.ToLower(get(f)), term) {
			return true
		}
	}
	return false
}

func active(v string) bool {
	return v != "" && v != All
}

// accessor returns a field lookup for item. Fielded resources are read
// directly; anything else is decoded once through JSON.
func accessor(item any) func(string) string {
	if f, ok := item.(model.Fielded); ok {
		return func(name string) string {
			v, _ := f.Field(name)
			return model.ScalarString(v)
		}
	}
	fields, err := model.Fields(item)
	if err != nil {
		return func(string) string { return "" }
	}
	return func(name string) string {
		return model.ScalarString(fields[name])
	}
}
