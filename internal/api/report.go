package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/report"
)

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	doc, err := report.Load(r.Context(), s.store, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write([]byte(doc.Markdown())) //nolint:errcheck
		return
	}
	body, err := doc.HTML()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(body) //nolint:errcheck
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := report.Load(r.Context(), s.store, id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-`+id+`.xlsx"`)
	if err := doc.WriteXLSX(w); err != nil {
		zap.L().Error("export: write workbook", zap.String("audit_id", id), zap.Error(err))
	}
}
