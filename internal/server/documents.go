package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"stampd/internal/geometry"
	"stampd/internal/httpx"
	"stampd/internal/logging"
	"stampd/internal/store"
)

// documentBody is the registration payload. ID is optional; the server
// mints one when it is absent.
type documentBody struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Path      string `json:"path,omitempty"`
	PageCount int    `json:"pageCount"`
}

type documentResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path,omitempty"`
	PageCount int    `json:"pageCount"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

func toDocumentResponse(d *store.Document) documentResponse {
	return documentResponse{
		ID:        d.ID,
		Name:      d.Name,
		Path:      d.Path,
		PageCount: d.PageCount,
		Status:    d.Status,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var body documentBody
	if err := httpx.ReadJSON(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	if body.Name == "" {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_DOCUMENT", "name is required", nil)
		return
	}
	if body.PageCount < 0 {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_DOCUMENT", "pageCount cannot be negative", nil)
		return
	}

	id := body.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UnixNano()
	doc := &store.Document{
		ID:        id,
		Name:      body.Name,
		Path:      body.Path,
		PageCount: body.PageCount,
		Status:    store.DocumentStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertDocument(r.Context(), doc); err != nil {
		s.storeError(w, r, err)
		return
	}

	if s.audit != nil {
		s.audit.LogDocumentReceived(r.Context(), doc.ID, doc.Path, doc.PageCount)
	}
	if s.metrics != nil {
		s.metrics.RecordDocumentReceived(0)
	}

	httpx.WriteJSON(w, http.StatusCreated, toDocumentResponse(doc))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListDocuments(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	out := make([]documentResponse, 0, len(docs))
	for i := range docs {
		out = append(out, toDocumentResponse(&docs[i]))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.requireDocument(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.requireDocument(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteDocument(r.Context(), doc.ID); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.registry.Forget(doc.ID)

	if s.audit != nil {
		s.audit.LogDocumentDeleted(r.Context(), doc.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePutGeometry accepts a raw page report, resolves it and stores
// the result. Reports are idempotent; the latest one wins.
func (s *Server) handlePutGeometry(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.requireDocument(w, r)
	if !ok {
		return
	}
	page, ok := s.pageParam(w, r)
	if !ok {
		return
	}
	r, end := s.span(r, "geometry.resolve")
	defer end()

	var raw geometry.RawPageInfo
	if err := httpx.ReadJSON(r, &raw); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	raw.PageNumber = page

	resolved := s.resolver.Resolve(raw)
	if err := s.store.UpsertPageGeometry(r.Context(), doc.ID, resolved, raw.Source); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.registry.Put(doc.ID, resolved)

	s.appendAudit(r, &store.AuditEntry{
		DocumentID: doc.ID,
		Action:     store.AuditGeometryResolved,
		Detail:     geometryDetail(resolved),
	})
	if s.audit != nil {
		s.audit.LogGeometryResolved(r.Context(), doc.ID, page, resolved.CorrectionApplied)
		if resolved.CorrectionApplied {
			s.audit.LogDimensionCorrection(r.Context(), doc.ID, page, raw.ReportedWidth, raw.ReportedHeight)
		}
	}
	if s.metrics != nil {
		if resolved.CorrectionApplied {
			s.metrics.RecordDimensionCorrection()
		}
	}

	httpx.WriteJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleGetGeometry(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.requireDocument(w, r)
	if !ok {
		return
	}
	page, ok := s.pageParam(w, r)
	if !ok {
		return
	}

	g, err := s.store.GetPageGeometry(r.Context(), doc.ID, page)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if g == nil {
		httpx.WriteError(w, http.StatusNotFound, "MISSING_GEOMETRY",
			"no resolved geometry for page "+strconv.Itoa(page), nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, g)
}

func (s *Server) handleListGeometry(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.requireDocument(w, r)
	if !ok {
		return
	}

	pages, err := s.store.ListPageGeometry(r.Context(), doc.ID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.requireDocument(w, r)
	if !ok {
		return
	}
	if s.merge == nil {
		httpx.WriteError(w, http.StatusNotImplemented, "MERGE_UNAVAILABLE",
			"no merge provider configured", nil)
		return
	}
	r, end := s.span(r, "document.merge")
	defer end()

	anns, err := s.store.ListAnnotations(r.Context(), doc.ID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	receipt, err := s.merge(r.Context(), doc, anns)
	if err != nil {
		if receipt != nil {
			if _, rerr := s.store.InsertReceipt(r.Context(), receipt); rerr != nil {
				s.log.Error("record failed merge receipt", "error", rerr)
			}
		}
		httpx.WriteError(w, http.StatusBadGateway, "MERGE_FAILED", err.Error(), nil)
		return
	}

	if _, err := s.store.InsertReceipt(r.Context(), receipt); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.appendAudit(r, &store.AuditEntry{
		DocumentID: doc.ID,
		Action:     store.AuditDocumentMerged,
		Detail:     receipt.Provider,
	})

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"provider":   receipt.Provider,
		"status":     receipt.Status,
		"outputPath": receipt.OutputPath,
	})
}

func (s *Server) handleGetReceipts(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.requireDocument(w, r)
	if !ok {
		return
	}

	receipts, err := s.store.ListReceipts(r.Context(), doc.ID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.requireDocument(w, r)
	if !ok {
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httpx.WriteError(w, http.StatusBadRequest, "BAD_LIMIT", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	entries, err := s.store.ListAudit(r.Context(), doc.ID, limit)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// requireDocument loads the document named in the route or answers 404.
func (s *Server) requireDocument(w http.ResponseWriter, r *http.Request) (*store.Document, bool) {
	id := chi.URLParam(r, "documentID")
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return nil, false
	}
	if doc == nil {
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", "unknown document", nil)
		return nil, false
	}
	return doc, true
}

// pageParam parses the 1-based page number from the route.
func (s *Server) pageParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || page < 1 {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_PAGE", "page must be a positive integer", nil)
		return 0, false
	}
	return page, true
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.WithRequestID(logging.RequestIDFromContext(r.Context())).Error(
		"store operation failed", "error", err)
	httpx.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error(), nil)
}

func (s *Server) appendAudit(r *http.Request, e *store.AuditEntry) {
	e.TimestampNs = time.Now().UnixNano()
	if e.Actor == "" {
		e.Actor = "api"
	}
	if err := s.store.AppendAudit(r.Context(), e); err != nil {
		s.log.Error("append audit entry", "error", err)
	}
}

func geometryDetail(g geometry.PageGeometry) string {
	d := "page " + strconv.Itoa(g.PageNumber) +
		" " + strconv.FormatFloat(g.DisplayWidth, 'f', -1, 64) +
		"x" + strconv.FormatFloat(g.DisplayHeight, 'f', -1, 64) +
		" rot " + strconv.Itoa(g.Rotation)
	if g.CorrectionApplied {
		d += " (corrected)"
	}
	return d
}
