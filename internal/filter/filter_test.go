package filter

import (
	"reflect"
	"testing"

	"github.com/pitabwire/grcbff/model"
)

func auditTests() []model.Record {
	return []model.Record{
		{"id": float64(1), "name": "Access review", "controlName": "AC-2", "status": "pending", "category": "access"},
		{"id": float64(2), "name": "Backup restore", "controlName": "CP-9", "status": "passed", "category": "continuity"},
		{"id": float64(3), "name": "Firewall rules", "controlName": "SC-7 access", "status": "failed", "category": "network"},
		{"id": "t-4", "name": "Quarterly ACCESS audit", "controlName": "AC-6", "status": "passed", "category": "access"},
	}
}

var auditSchema = Schema{SearchFields: []string{"name", "controlName"}, CategoryField: "category"}

func ids(items []model.Record) []string {
	out := make([]string, 0, len(items))
	for _, r := range items {
		out = append(out, r.ResourceID())
	}
	return out
}

func TestApply(t *testing.T) {
	tests := []struct {
		name  string
		state State
		want  []string
	}{
		{"empty state keeps all", State{}, []string{"1", "2", "3", "t-4"}},
		{"all sentinel", State{Status: All, Category: All}, []string{"1", "2", "3", "t-4"}},
		{"search is case insensitive", State{Search: "access"}, []string{"1", "3", "t-4"}},
		{"search trims", State{Search: "  backup "}, []string{"2"}},
		{"search second field", State{Search: "cp-9"}, []string{"2"}},
		{"status", State{Status: "passed"}, []string{"2", "t-4"}},
		{"category", State{Category: "access"}, []string{"1", "t-4"}},
		{"and composition", State{Search: "access", Status: "passed", Category: "access"}, []string{"t-4"}},
		{"field filter", State{Fields: map[string]string{"controlName": "AC-2"}}, []string{"1"}},
		{"field filter all", State{Fields: map[string]string{"controlName": All}}, []string{"1", "2", "3", "t-4"}},
		{"no match", State{Search: "zzz"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(Apply(auditTests(), tt.state, auditSchema))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Apply() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApply_pure(t *testing.T) {
	items := auditTests()
	before := auditTests()
	st := State{Search: "access", Fields: map[string]string{"category": "access"}}

	first := Apply(items, st, auditSchema)
	second := Apply(items, st, auditSchema)

	if !reflect.DeepEqual(first, second) {
		t.Error("Apply() is not idempotent")
	}
	if !reflect.DeepEqual(items, before) {
		t.Error("Apply() mutated its input")
	}
	if len(st.Fields) != 1 || st.Fields["category"] != "access" {
		t.Error("Apply() mutated the filter state")
	}
}

func TestApply_defaultSearchField(t *testing.T) {
	got := ids(Apply(auditTests(), State{Search: "firewall"}, Schema{}))
	if !reflect.DeepEqual(got, []string{"3"}) {
		t.Errorf("Apply() = %v", got)
	}
}

type vendor struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	RiskLevel string `json:"riskLevel"`
}

func (v vendor) ResourceID() string     { return model.NormaliseID(v.ID) }
func (v vendor) ResourceStatus() string { return v.Status }

func TestApply_typedResources(t *testing.T) {
	vendors := []vendor{
		{ID: 1, Name: "Acme Cloud", Status: "active", RiskLevel: "high"},
		{ID: 2, Name: "Beta Mail", Status: "active", RiskLevel: "low"},
	}
	got := Apply(vendors, State{Fields: map[string]string{"riskLevel": "high"}}, Schema{})
	if len(got) != 1 || got[0].ID != 1 {
		t.Errorf("Apply() = %+v", got)
	}
}

func TestState_Empty(t *testing.T) {
	if !(State{Status: All, Search: " "}).Empty() {
		t.Error("Empty() = false for sentinel state")
	}
	if (State{Fields: map[string]string{"x": "y"}}).Empty() {
		t.Error("Empty() = true with field filter")
	}
}

func TestStats(t *testing.T) {
	vendors := []model.Record{
		{"id": 1, "riskLevel": "high", "status": "active"},
		{"id": 2, "riskLevel": "low", "status": "active"},
		{"id": 3, "riskLevel": "high", "status": "under_review"},
	}
	defs := []model.StatDefinition{
		{ID: "total", Label: "Total Vendors"},
		{ID: "high_risk", Label: "High Risk", Field: "riskLevel", Value: "high"},
		{ID: "review", Label: "Under Review", Field: "status", Value: "under_review"},
	}
	got := Stats(vendors, defs)
	want := map[string]int{"total": 3, "high_risk": 2, "review": 1}
	for id, n := range want {
		if c := Count(got, id); c != n {
			t.Errorf("Count(%s) = %d, want %d", id, c, n)
		}
	}
	if Count(got, "missing") != -1 {
		t.Error("Count() of unknown stat should be -1")
	}
}
