package metadata

import (
	"reflect"
	"testing"

	"github.com/pitabwire/grcbff/internal/definition"
	"github.com/pitabwire/grcbff/model"
)

func testDomains() []model.DomainDefinition {
	return []model.DomainDefinition{
		{
			Domain:     "privacy",
			Navigation: model.NavigationDefinition{Label: "Privacy", Icon: "shield", Order: 2},
			Resources: []model.ResourceDefinition{
				{ID: "dsr", Label: "Data Subject Requests", Icon: "person"},
				{ID: "dpia", Label: "DPIAs", Roles: []string{"dpo"}},
			},
		},
		{
			Domain:     "platform",
			Navigation: model.NavigationDefinition{Label: "Platform", Icon: "cloud", Order: 9, Roles: []string{"platform_admin"}},
			Resources: []model.ResourceDefinition{
				{ID: "tenants", Label: "Tenants"},
			},
		},
		{
			Domain:     "risk",
			Navigation: model.NavigationDefinition{Label: "Risk", Icon: "warning", Order: 1},
			Resources: []model.ResourceDefinition{
				{ID: "risks", Label: "Risk Register", Roles: []string{"risk_manager"}},
			},
		},
	}
}

func menuIDs(tree model.NavigationTree) map[string][]string {
	out := make(map[string][]string)
	var order []string
	for _, n := range tree.Items {
		order = append(order, n.ID)
		out[n.ID] = []string{}
		for _, c := range n.Children {
			out[n.ID] = append(out[n.ID], c.ID)
		}
	}
	out["_order"] = order
	return out
}

func TestMenuProvider_GetMenu(t *testing.T) {
	p := NewMenuProvider(definition.NewRegistry(testDomains()))

	tests := []struct {
		name  string
		roles []string
		want  map[string][]string
	}{
		{
			name:  "no roles",
			roles: nil,
			want: map[string][]string{
				"_order":  {"privacy"},
				"privacy": {"dsr"},
			},
		},
		{
			name:  "dpo and risk manager",
			roles: []string{"dpo", "risk_manager"},
			want: map[string][]string{
				"_order":  {"risk", "privacy"},
				"risk":    {"risks"},
				"privacy": {"dsr", "dpia"},
			},
		},
		{
			name:  "platform admin",
			roles: []string{"platform_admin"},
			want: map[string][]string{
				"_order":   {"privacy", "platform"},
				"privacy":  {"dsr"},
				"platform": {"tenants"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rctx := &model.RequestContext{SubjectID: "u1", TenantID: "acme", Roles: tt.roles}
			got := menuIDs(p.GetMenu(rctx))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("GetMenu() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMenuProvider_GetMenu_nodes(t *testing.T) {
	p := NewMenuProvider(definition.NewRegistry(testDomains()))
	tree := p.GetMenu(nil)
	if len(tree.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(tree.Items))
	}
	privacy := tree.Items[0]
	if privacy.Label != "Privacy" || privacy.Icon != "shield" {
		t.Errorf("privacy node = %+v", privacy)
	}
	dsr := privacy.Children[0]
	if dsr.Route != "/resources/dsr" || dsr.Icon != "person" || dsr.Label != "Data Subject Requests" {
		t.Errorf("dsr node = %+v", dsr)
	}
}

func TestMenuProvider_GetMenu_empty(t *testing.T) {
	tree := NewMenuProvider(definition.NewRegistry(nil)).GetMenu(nil)
	if tree.Items == nil || len(tree.Items) != 0 {
		t.Errorf("Items = %#v, want empty non-nil slice", tree.Items)
	}
}

func dsrDefinition() model.ResourceDefinition {
	return model.ResourceDefinition{
		ID:            "dsr",
		Label:         "Data Subject Requests",
		Statuses:      []string{"pending", "in_progress", "approved", "rejected"},
		SearchFields:  []string{"subjectName"},
		CategoryField: "requestType",
		Filters: []model.FilterDefinition{
			{Field: "status"},
			{Field: "requestType", Label: "Type"},
			{Field: "priority", Options: []model.StaticOption{{Label: "High", Value: "high"}}},
		},
		Actions: []model.ActionDefinition{
			{ID: "approve", Label: "Approve", From: []string{"pending", "in_progress"}, To: "approved", Style: "primary"},
			{ID: "reject", Label: "Reject", From: []string{"pending", "in_progress"}, To: "rejected", Roles: []string{"dpo"},
				Confirmation: &model.ConfirmationDefinition{Title: "Reject", Message: "Sure?", Confirm: "Reject"}},
			{ID: "start", Label: "Start", From: []string{"pending"}, To: "in_progress"},
		},
		Document: &model.DocumentBinding{Template: "dsr_response"},
	}
}

func TestResolveActions(t *testing.T) {
	def := dsrDefinition()
	ids := func(ds []model.ActionDescriptor) []string {
		var out []string
		for _, d := range ds {
			out = append(out, d.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		roles  []string
		status string
		want   []string
	}{
		{"all statuses without role", nil, "", []string{"approve", "start"}},
		{"all statuses with dpo", []string{"dpo"}, "", []string{"approve", "reject", "start"}},
		{"in progress with dpo", []string{"dpo"}, "in_progress", []string{"approve", "reject"}},
		{"terminal status", []string{"dpo"}, "approved", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rctx := &model.RequestContext{Roles: tt.roles}
			got := ids(ResolveActions(rctx, def.Actions, tt.status))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ResolveActions() = %v, want %v", got, tt.want)
			}
		})
	}

	all := ResolveActions(&model.RequestContext{Roles: []string{"dpo"}}, def.Actions, "")
	if all[1].Confirmation == nil || all[1].Confirmation.Confirm != "Reject" {
		t.Errorf("reject confirmation = %+v", all[1].Confirmation)
	}
	all[0].From[0] = "mutated"
	if def.Actions[0].From[0] != "pending" {
		t.Error("descriptors must not share slices with the definition")
	}
}

func TestCanPerform(t *testing.T) {
	def := dsrDefinition()
	if !CanPerform(nil, def, "approve") {
		t.Error("approve has no role restriction")
	}
	if CanPerform(&model.RequestContext{Roles: []string{"auditor"}}, def, "reject") {
		t.Error("reject requires dpo")
	}
	if !CanPerform(&model.RequestContext{Roles: []string{"dpo"}}, def, "reject") {
		t.Error("dpo may reject")
	}
	if CanPerform(nil, def, "escalate") {
		t.Error("unknown action must not be performable")
	}
}

func TestDescribe(t *testing.T) {
	items := []model.Record{
		{"id": "1", "requestType": "erasure"},
		{"id": "2", "requestType": "access"},
		{"id": "3", "requestType": "erasure"},
		{"id": "4"},
	}
	desc := Describe(nil, "privacy", dsrDefinition(), items)

	if desc.ID != "dsr" || desc.Domain != "privacy" || desc.Template != "dsr_response" || !desc.SoftDelete {
		t.Errorf("descriptor = %+v", desc)
	}
	if desc.CategoryField != "requestType" || !reflect.DeepEqual(desc.SearchFields, []string{"subjectName"}) {
		t.Errorf("search = %v / %q", desc.SearchFields, desc.CategoryField)
	}
	if len(desc.Actions) != 2 {
		t.Errorf("actions = %d, want 2 without dpo", len(desc.Actions))
	}
	if len(desc.Filters) != 3 {
		t.Fatalf("filters = %d, want 3", len(desc.Filters))
	}

	status := desc.Filters[0]
	if status.Label != "Status" || len(status.Options) != 4 || status.Options[1] != (model.OptionDescriptor{Label: "In Progress", Value: "in_progress"}) {
		t.Errorf("status filter = %+v", status)
	}
	kinds := desc.Filters[1]
	wantKinds := []model.OptionDescriptor{{Label: "Access", Value: "access"}, {Label: "Erasure", Value: "erasure"}}
	if kinds.Label != "Type" || !reflect.DeepEqual(kinds.Options, wantKinds) {
		t.Errorf("requestType filter = %+v", kinds)
	}
	if prio := desc.Filters[2]; len(prio.Options) != 1 || prio.Options[0].Value != "high" {
		t.Errorf("priority filter = %+v", prio)
	}
}
