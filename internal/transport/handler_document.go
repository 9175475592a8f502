package transport

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/grcbff/internal/aigen"
	"github.com/pitabwire/grcbff/internal/archive"
	"github.com/pitabwire/grcbff/internal/audit"
	"github.com/pitabwire/grcbff/internal/document"
	"github.com/pitabwire/grcbff/internal/notify"
	"github.com/pitabwire/grcbff/internal/observability"
	"github.com/pitabwire/grcbff/model"
)

// ExportMetrics receives document export counts.
type ExportMetrics interface {
	RecordDocumentExport(template, format string)
}

// documents serves previews, exports, the export archive and generation.
type documents struct {
	res      *resources
	renderer *document.Renderer
	archive  *archive.Archive
	metrics  ExportMetrics
	logger   *zap.Logger
	now      func() time.Time
}

// exportRequest builds the render input for the record a request addresses.
func (h *documents) exportRequest(r *http.Request, t target, rec model.Record) document.ExportRequest {
	tmpl := strings.TrimSpace(r.URL.Query().Get("template"))
	name := ""
	if b := t.def.Document; b != nil {
		if tmpl == "" {
			tmpl = b.Template
		}
		if b.NameField != "" {
			name = rec.String(b.NameField)
		}
	}
	if tmpl == "" {
		tmpl = document.Generic
	}
	if name == "" {
		name = rec.Name()
	}
	if name == "" {
		name = t.def.Label + " " + rec.ResourceID()
	}
	return document.ExportRequest{Data: rec, TemplateType: tmpl, DocumentName: name}
}

func (h *documents) preview(w http.ResponseWriter, r *http.Request) {
	t, ok := h.res.resolve(w, r)
	if !ok {
		return
	}
	rec, err := loadRecord(r, t)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	req := h.exportRequest(r, t, rec)
	text, err := h.renderer.Preview(req.Data, req.TemplateType)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"template": req.TemplateType,
			"name":     req.DocumentName,
			"content":  text,
		},
	})
}

func (h *documents) export(w http.ResponseWriter, r *http.Request) {
	t, ok := h.res.resolve(w, r)
	if !ok {
		return
	}
	format, err := document.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	rec, err := loadRecord(r, t)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	art, err := h.renderer.Export(h.exportRequest(r, t, rec), format, h.now())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordDocumentExport(art.Template, string(art.Format))
	}

	if h.archive != nil {
		info, err := h.archive.Save(r.Context(), t.rctx.TenantID, art.Filename, art.ContentType, art.Body)
		if err != nil {
			observability.RequestLogger(r.Context(), h.logger).Warn("export not archived",
				zap.String("resource", t.def.ID),
				zap.String("filename", art.Filename),
				zap.Error(err),
			)
		} else {
			w.Header().Set(HeaderArchiveID, info.ID)
		}
	}
	writeAttachment(w, art.Filename, art.ContentType, art.Body)
}

func (h *documents) listExports(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.archiveContext(w, r)
	if !ok {
		return
	}
	infos, err := h.archive.List(r.Context(), rctx.TenantID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if infos == nil {
		infos = []archive.Info{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": infos})
}

func (h *documents) openExport(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.archiveContext(w, r)
	if !ok {
		return
	}
	info, body, err := h.archive.Open(r.Context(), rctx.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeAttachment(w, info.Filename, info.ContentType, body)
}

func (h *documents) archiveContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	if h.archive == nil {
		WriteError(w, r, model.NewNotFoundError("the export archive is disabled"))
		return nil, false
	}
	return rctx, true
}

func (h *documents) templates(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"data": h.renderer.Templates()})
}

func writeAttachment(w http.ResponseWriter, filename, contentType string, body []byte) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func handleGenerate(gen *aigen.Generator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if model.RequestContextFrom(r.Context()) == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}
		var req aigen.Request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))

		res, err := gen.Generate(r.Context(), req, key)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		w.Header().Set(HeaderReplayed, strconv.FormatBool(res.Replayed))
		var notes []model.Notification
		if rc := notify.RecorderFrom(r.Context()); rc != nil {
			notes = rc.Notifications()
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":          res,
			"notifications": notes,
		})
	}
}

func handleAuditTrail(res *resources, rec *audit.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := res.resolve(w, r)
		if !ok {
			return
		}
		if rec == nil {
			WriteError(w, r, model.NewNotFoundError("the audit trail is disabled"))
			return
		}
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				WriteError(w, r, model.NewBadRequestError(fmt.Sprintf("invalid limit %q", s)))
				return
			}
			limit = n
		}
		entries, err := rec.Trail(r.Context(), t.def.ID, chi.URLParam(r, "id"), limit)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if entries == nil {
			entries = []audit.Entry{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
	}
}
