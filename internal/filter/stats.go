package filter

import "github.com/pitabwire/grcbff/model"

// Stats computes dashboard counters over items. A stat with no field counts
// every item.
func Stats[T model.Resource](items []T, defs []model.StatDefinition) []model.StatResult {
	results := make([]model.StatResult, len(defs))
	for i, d := range defs {
		results[i] = model.StatResult{ID: d.ID, Label: d.Label}
	}
	for _, item := range items {
		get := accessor(item)
		for i, d := range defs {
			if d.Field == "" || get(d.Field) == d.Value {
				results[i].Count++
			}
		}
	}
	return results
}

// Count returns the value of the stat with the given id, or -1.
func Count(results []model.StatResult, id string) int {
	for _, r := range results {
		if r.ID == id {
			return r.Count
		}
	}
	return -1
}
