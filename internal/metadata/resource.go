package metadata

import (
	"slices"

	"github.com/pitabwire/grcbff/internal/document"
	"github.com/pitabwire/grcbff/model"
)

// Describe builds the list metadata of a resource for the caller. Filters
// without static options get them from the declared statuses when they
// filter on status, or from the distinct values present in items otherwise.
func Describe(rctx *model.RequestContext, domain string, def model.ResourceDefinition, items []model.Record) model.ResourceDescriptor {
	desc := model.ResourceDescriptor{
		ID:            def.ID,
		Domain:        domain,
		Label:         def.Label,
		Statuses:      slices.Clone(def.Statuses),
		SearchFields:  slices.Clone(def.SearchFields),
		CategoryField: def.CategoryField,
		Actions:       ResolveActions(rctx, def.Actions, ""),
		SoftDelete:    def.SoftDeletes(),
	}
	if def.Document != nil {
		desc.Template = def.Document.Template
	}

	for _, f := range def.Filters {
		fd := model.FilterDescriptor{Field: f.Field, Label: f.Label}
		if fd.Label == "" {
			fd.Label = document.Label(f.Field)
		}
		switch {
		case len(f.Options) > 0:
			for _, o := range f.Options {
				fd.Options = append(fd.Options, model.OptionDescriptor{Label: o.Label, Value: o.Value})
			}
		case f.Field == model.FieldStatus:
			fd.Options = labelled(def.Statuses)
		default:
			fd.Options = labelled(distinct(items, f.Field))
		}
		desc.Filters = append(desc.Filters, fd)
	}
	return desc
}

func labelled(values []string) []model.OptionDescriptor {
	out := make([]model.OptionDescriptor, 0, len(values))
	for _, v := range values {
		out = append(out, model.OptionDescriptor{Label: document.Label(v), Value: v})
	}
	return out
}

// distinct returns the sorted non-empty values of field across items.
func distinct(items []model.Record, field string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, it := range items {
		v := it.String(field)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
