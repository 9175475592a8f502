package document

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/grcbff/model"
)

var exportDay = time.Date(2026, 3, 14, 22, 5, 0, 0, time.UTC)

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer("")
	if err != nil {
		t.Fatalf("NewRenderer() error = %v", err)
	}
	return r
}

func TestRenderer_Templates(t *testing.T) {
	r := newTestRenderer(t)
	want := []string{"audit_report", "dpia", "dsr_response", "gap_analysis", "generic", "policy", "ropa", "vendor_assessment"}
	if got := r.Templates(); !reflect.DeepEqual(got, want) {
		t.Errorf("Templates() = %v, want %v", got, want)
	}
	if r.Has("partials") {
		t.Error("partials must not be a template type")
	}
}

func TestPreview_deterministicAndPure(t *testing.T) {
	r := newTestRenderer(t)
	data := map[string]any{
		"name":           "Customer analytics",
		"owner":          "dpo",
		"dataCategories": []any{"email", "purchase history"},
		"riskLevel":      "high",
	}
	before, _ := json.Marshal(data)

	first, err := r.Preview(data, "dpia")
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	second, _ := r.Preview(data, "dpia")
	if first != second {
		t.Error("Preview() is not deterministic")
	}
	after, _ := json.Marshal(data)
	if string(before) != string(after) {
		t.Errorf("Preview() modified data: %s -> %s", before, after)
	}

	for _, want := range []string{
		"DATA PROTECTION IMPACT ASSESSMENT",
		"Document: Customer analytics",
		"Assessment owner: dpo",
		"Data categories: email, purchase history",
		"Legal basis: Not specified",
	} {
		if !strings.Contains(first, want) {
			t.Errorf("preview missing %q:\n%s", want, first)
		}
	}
}

func TestPreview_unknownTypeFallsBackToGeneric(t *testing.T) {
	r := newTestRenderer(t)
	got, err := r.Preview(map[string]any{"name": "Q3 board pack", "status": "draft"}, "board_minutes")
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if !strings.HasPrefix(got, "BOARD MINUTES\n=============\n") {
		t.Errorf("generic header = %q", got)
	}
	if !strings.Contains(got, "Status: draft") {
		t.Errorf("generic body missing fields:\n%s", got)
	}
}

func TestPreview_fieldsSorted(t *testing.T) {
	r := newTestRenderer(t)
	got, err := r.Preview(map[string]any{"zeta": 1, "alpha": "a", "dueDate": "2026-04-01"}, "")
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	a, d, z := strings.Index(got, "Alpha: a"), strings.Index(got, "Due Date: 2026-04-01"), strings.Index(got, "Zeta: 1")
	if a < 0 || d < 0 || z < 0 || !(a < d && d < z) {
		t.Errorf("fields out of order (%d, %d, %d):\n%s", a, d, z, got)
	}
	if !strings.Contains(got, "Document: Untitled") {
		t.Errorf("missing untitled fallback:\n%s", got)
	}
}

func TestFilename(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		want string
	}{
		{"Vendor Review: Acme", "txt", "Vendor_Review_Acme_2026-03-14.txt"},
		{"  DPIA  analytics  ", "html", "DPIA_analytics_2026-03-14.html"},
		{"ropa-2026", "json", "ropa-2026_2026-03-14.json"},
		{"", "txt", "document_2026-03-14.txt"},
		{"../../etc", "txt", "etc_2026-03-14.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Filename(tt.name, exportDay, tt.ext); got != tt.want {
				t.Errorf("Filename(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestExport_json(t *testing.T) {
	r := newTestRenderer(t)
	data := map[string]any{"name": "Acme", "riskLevel": "high", "tags": []any{"cloud", "eu"}, "score": 7.5}
	a, err := r.Export(ExportRequest{Data: data, TemplateType: "vendor_assessment"}, FormatJSON, exportDay)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if a.Filename != "Acme_2026-03-14.json" || a.ContentType != "application/json" || a.Template != "" {
		t.Errorf("artifact = %+v", a)
	}
	var back map[string]any
	if err := json.Unmarshal(a.Body, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(back, data) {
		t.Errorf("json export = %v, want %v", back, data)
	}
}

func TestExport_textMatchesPreview(t *testing.T) {
	r := newTestRenderer(t)
	data := map[string]any{"name": "Retention policy", "version": "2.1"}
	preview, _ := r.Preview(data, "policy")
	a, err := r.Export(ExportRequest{Data: data, TemplateType: "policy", DocumentName: "Retention"}, FormatText, exportDay)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if a.Filename != "Retention_2026-03-14.txt" || a.Template != "policy" {
		t.Errorf("artifact = %+v", a)
	}
	if !strings.Contains(string(a.Body), "Document: Retention") {
		t.Errorf("document name not used as title:\n%s", a.Body)
	}
	if strings.Replace(preview, "Document: Retention policy", "Document: Retention", 1) != string(a.Body) {
		t.Error("text export differs from preview beyond the title")
	}
}

func TestExport_htmlEscapes(t *testing.T) {
	r := newTestRenderer(t)
	data := map[string]any{"name": "<script>alert(1)</script>", "notes": "a & b"}
	a, err := r.Export(ExportRequest{Data: data}, FormatHTML, exportDay)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	body := string(a.Body)
	if strings.Contains(body, "<script>") {
		t.Errorf("html export not escaped:\n%s", body)
	}
	if !strings.Contains(body, "&lt;script&gt;") || !strings.Contains(body, "a &amp; b") {
		t.Errorf("escaped content missing:\n%s", body)
	}
	if !strings.Contains(body, "2026-03-14") {
		t.Errorf("export date missing:\n%s", body)
	}
	if a.Template != Generic || a.ContentType != "text/html; charset=utf-8" {
		t.Errorf("artifact = %+v", a)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"txt", FormatText, false},
		{"HTML", FormatHTML, false},
		{" json ", FormatJSON, false},
		{"", FormatText, false},
		{"pdf", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				if !model.HasCode(err, model.ErrBadRequest) {
					t.Errorf("ParseFormat(%q) error = %v, want BAD_REQUEST", tt.in, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestLabel(t *testing.T) {
	tests := map[string]string{
		"requesterEmail": "Requester Email",
		"due_date":       "Due Date",
		"name":           "Name",
		"cvss":           "Cvss",
		"data-subjects":  "Data Subjects",
		"article30Basis": "Article30 Basis",
	}
	for in, want := range tests {
		if got := Label(in); got != want {
			t.Errorf("Label(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string", "x", "x"},
		{"list", []any{"a", "b"}, "a, b"},
		{"map", map[string]any{"k": "v"}, `{"k":"v"}`},
		{"nested list", []any{map[string]any{"k": 1}}, `[{"k":1}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatValue(tt.in); got != tt.want {
				t.Errorf("formatValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRenderer_overrides(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"dpia.tmpl":            "CUSTOM DPIA for {{.Title}}\n",
		"incident_report.tmpl": "{{template \"header\" .}}Severity: {{.Value \"severity\"}}\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	r, err := NewRenderer(dir)
	if err != nil {
		t.Fatalf("NewRenderer() error = %v", err)
	}

	got, _ := r.Preview(map[string]any{"name": "Analytics"}, "dpia")
	if got != "CUSTOM DPIA for Analytics\n" {
		t.Errorf("override = %q", got)
	}
	got, _ = r.Preview(map[string]any{"name": "Outage"}, "incident_report")
	if !strings.HasPrefix(got, "INCIDENT REPORT\n") || !strings.Contains(got, "Severity: Not specified") {
		t.Errorf("added template = %q", got)
	}
	if !r.Has("incident_report") {
		t.Error("Has(incident_report) = false")
	}
}

func TestNewRenderer_badOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.tmpl"), []byte("{{.Title"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewRenderer(dir); err == nil {
		t.Error("NewRenderer() accepted a malformed template")
	}
}
