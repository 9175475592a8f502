// Package document renders resources into human-readable documents and
// exports them as text, HTML or JSON files.
package document

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/template"
	"time"
	"unicode"

	"github.com/pitabwire/grcbff/model"
)

//go:embed templates/*.tmpl templates/html/page.tmpl
var builtin embed.FS

// Generic is the template used for unknown template types.
const Generic = "generic"

// Format is an export file format.
type Format string

// Export formats.
const (
	FormatText Format = "txt"
	FormatHTML Format = "html"
	FormatJSON Format = "json"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatHTML, FormatJSON:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", model.NewBadRequestError(fmt.Sprintf("unsupported export format %q; use txt, html or json", s))
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatJSON:
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}

// kinds maps template types to document titles.
var kinds = map[string]string{
	"dpia":              "Data Protection Impact Assessment",
	"ropa":              "Record of Processing Activities",
	"dsr_response":      "Data Subject Request Response",
	"policy":            "Policy Document",
	"audit_report":      "Audit Report",
	"gap_analysis":      "Gap Analysis Report",
	"vendor_assessment": "Vendor Risk Assessment",
	Generic:             "Document",
}

// ExportRequest is one export or preview of a resource.
type ExportRequest struct {
	Data         map[string]any
	TemplateType string
	DocumentName string
}

// Artifact is an exported file.
type Artifact struct {
	Filename    string
	ContentType string
	Format      Format
	Template    string
	Body        []byte
}

// Renderer renders documents from templates. It is safe for concurrent use.
type Renderer struct {
	text *template.Template
	html *htmltemplate.Template
}

// NewRenderer loads the built-in templates. Templates in dir, if given,
// override built-ins of the same file name (for example dpia.tmpl) or add
// new template types.
func NewRenderer(dir string) (*Renderer, error) {
	funcs := template.FuncMap{
		"upper":     strings.ToUpper,
		"underline": func(s string) string { return strings.Repeat("=", len([]rune(s))) },
	}
	text, err := template.New("documents").Funcs(funcs).ParseFS(builtin, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("document: parse built-in templates: %w", err)
	}
	if dir != "" {
		matches, err := filepath.Glob(filepath.Join(dir, "*.tmpl"))
		if err != nil {
			return nil, fmt.Errorf("document: scan %s: %w", dir, err)
		}
		if len(matches) > 0 {
			if text, err = text.ParseFS(os.DirFS(dir), "*.tmpl"); err != nil {
				return nil, fmt.Errorf("document: parse templates in %s: %w", dir, err)
			}
		}
	}
	html, err := htmltemplate.ParseFS(builtin, "templates/html/page.tmpl")
	if err != nil {
		return nil, fmt.Errorf("document: parse html page: %w", err)
	}
	return &Renderer{text: text, html: html}, nil
}

// Templates returns the available template types, sorted.
func (r *Renderer) Templates() []string {
	var out []string
	for _, t := range r.text.Templates() {
		if name, ok := strings.CutSuffix(t.Name(), ".tmpl"); ok && name != "partials" {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Has reports whether a template exists for the given type.
func (r *Renderer) Has(templateType string) bool {
	return r.text.Lookup(templateType+".tmpl") != nil
}

// Preview renders data with the template for templateType, falling back to
// the generic template. The output depends only on its inputs and data is
// never modified.
func (r *Renderer) Preview(data map[string]any, templateType string) (string, error) {
	return r.render(ExportRequest{Data: data, TemplateType: templateType})
}

func (r *Renderer) render(req ExportRequest) (string, error) {
	name := r.resolve(req.TemplateType)
	var buf bytes.Buffer
	if err := r.text.ExecuteTemplate(&buf, name+".tmpl", newPage(req, name)); err != nil {
		return "", fmt.Errorf("document: render %s: %w", name, err)
	}
	return buf.String(), nil
}

func (r *Renderer) resolve(templateType string) string {
	t := strings.ToLower(strings.TrimSpace(templateType))
	if t == "" || t == "partials" || !r.Has(t) {
		return Generic
	}
	return t
}

// Export produces a downloadable artifact. Text and HTML are derived from
// Preview; JSON is the data itself, without a template.
func (r *Renderer) Export(req ExportRequest, format Format, now time.Time) (Artifact, error) {
	name := req.DocumentName
	if strings.TrimSpace(name) == "" {
		name = model.ScalarString(req.Data[model.FieldName])
	}
	a := Artifact{
		Filename:    Filename(name, now, string(format)),
		ContentType: format.ContentType(),
		Format:      format,
		Template:    r.resolve(req.TemplateType),
	}

	switch format {
	case FormatJSON:
		body, err := json.MarshalIndent(req.Data, "", "  ")
		if err != nil {
			return Artifact{}, fmt.Errorf("document: encode json: %w", err)
		}
		a.Body = body
		a.Template = ""
	case FormatText:
		text, err := r.render(req)
		if err != nil {
			return Artifact{}, err
		}
		a.Body = []byte(text)
	case FormatHTML:
		text, err := r.render(req)
		if err != nil {
			return Artifact{}, err
		}
		p := newPage(req, a.Template)
		var buf bytes.Buffer
		err = r.html.Execute(&buf, struct {
			Title, Kind, Body, Date string
		}{p.Title, p.Kind, text, now.UTC().Format(time.DateOnly)})
		if err != nil {
			return Artifact{}, fmt.Errorf("document: render html: %w", err)
		}
		a.Body = buf.Bytes()
	default:
		return Artifact{}, model.NewBadRequestError(fmt.Sprintf("unsupported export format %q", format))
	}
	return a, nil
}

// Filename builds "<name>_<YYYY-MM-DD>.<ext>". The name keeps letters,
// digits, dashes and underscores; whitespace becomes an underscore.
func Filename(name string, now time.Time, ext string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, c := range strings.TrimSpace(name) {
		switch {
		case unicode.IsLetter(c) || unicode.IsDigit(c) || c == '-':
			b.WriteRune(c)
			lastUnderscore = false
		case (unicode.IsSpace(c) || c == '_') && !lastUnderscore && b.Len() > 0:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	base := strings.TrimRight(b.String(), "_")
	if base == "" {
		base = "document"
	}
	return fmt.Sprintf("%s_%s.%s", base, now.UTC().Format(time.DateOnly), ext)
}

// Field is one rendered field.
type Field struct {
	Key   string
	Label string
	Value string
}

// page is the template input.
type page struct {
	Title  string
	Kind   string
	Fields []Field
	data   map[string]any
}

func newPage(req ExportRequest, templateType string) page {
	p := page{data: req.Data}
	p.Title = strings.TrimSpace(req.DocumentName)
	if p.Title == "" {
		p.Title = model.ScalarString(req.Data[model.FieldName])
	}
	if p.Title == "" {
		p.Title = "Untitled"
	}
	p.Kind = kindOf(templateType, req.TemplateType)

	keys := make([]string, 0, len(req.Data))
	for k := range req.Data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		p.Fields = append(p.Fields, Field{Key: k, Label: Label(k), Value: formatValue(req.Data[k])})
	}
	return p
}

// Value returns the formatted field, or "Not specified".
func (p page) Value(key string) string {
	if v := formatValue(p.data[key]); v != "" {
		return v
	}
	return "Not specified"
}

func kindOf(resolved, requested string) string {
	if k, ok := kinds[resolved]; ok && resolved != Generic {
		return k
	}
	requested = strings.ToLower(strings.TrimSpace(requested))
	if k, ok := kinds[requested]; ok {
		return k
	}
	if requested != "" {
		return Label(requested)
	}
	return kinds[Generic]
}

// Label turns a field key such as "requesterEmail" or "due_date" into
// "Requester Email" or "Due Date".
func Label(key string) string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	prevLower := false
	for _, c := range key {
		switch {
		case c == '_' || c == '-' || unicode.IsSpace(c):
			flush()
			prevLower = false
			continue
		case unicode.IsUpper(c) && prevLower:
			flush()
		}
		if len(cur) == 0 {
			c = unicode.ToUpper(c)
		}
		cur = append(cur, c)
		prevLower = unicode.IsLower(c) || unicode.IsDigit(c)
	}
	flush()
	return strings.Join(words, " ")
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			s := model.ScalarString(item)
			if s == "" && item != nil {
				return compactJSON(t)
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(t, ", ")
	case map[string]any, model.Record:
		return compactJSON(t)
	default:
		if s := model.ScalarString(v); s != "" {
			return s
		}
		if _, ok := v.(string); ok {
			return ""
		}
		return compactJSON(v)
	}
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
