package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"stampd/internal/annotation"
	"stampd/internal/httpx"
	"stampd/internal/persist"
	"stampd/internal/store"
	"stampd/internal/transform"
)

// annotationsEnvelope is the shared GET/PUT body shape.
type annotationsEnvelope struct {
	Annotations []*annotation.Annotation `json:"annotations"`
}

// savedIDsResponse answers a save with the local-to-canonical id
// mapping for every annotation in the list.
type savedIDsResponse struct {
	Annotations []persist.SavedID `json:"annotations"`
}

func (s *Server) handleGetAnnotations(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.requireDocument(w, r)
	if !ok {
		return
	}

	anns, err := s.store.ListAnnotations(r.Context(), doc.ID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if anns == nil {
		anns = []*annotation.Annotation{}
	}
	httpx.WriteJSON(w, http.StatusOK, annotationsEnvelope{Annotations: anns})
}

// handlePutAnnotations replaces the document's annotation list. The
// editor always sends the complete list, so the previous save's rows
// are dropped wholesale; last write wins. A validation failure rejects
// the entire request and leaves the stored list untouched.
func (s *Server) handlePutAnnotations(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.requireDocument(w, r)
	if !ok {
		return
	}
	r, end := s.span(r, "annotations.save")
	defer end()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}

	var env annotationsEnvelope
	if err := httpx.DecodeJSON(raw, &env); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}

	for i, a := range env.Annotations {
		if err := validateAnnotation(a); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "INVALID_COORDINATE",
				fmt.Sprintf("annotation %d: %v", i, err), nil)
			return
		}
	}

	// The wire schema backstops the field checks: contract violations
	// they cannot see (missing required members, bad enum values, image
	// data that is not a data URL) fail here instead of landing in the
	// store half-formed.
	if err := s.checkAnnotationSchema(raw); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "SCHEMA_VIOLATION", err.Error(), nil)
		return
	}

	previous, err := s.store.ListAnnotations(r.Context(), doc.ID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	prior := make(map[string]*annotation.Annotation, len(previous))
	for _, a := range previous {
		prior[a.ID] = a
	}

	now := time.Now()
	saved := make([]persist.SavedID, 0, len(env.Annotations))
	for _, a := range env.Annotations {
		localID := a.ID
		if _, err := uuid.Parse(a.ID); err != nil {
			// Client-assigned placeholder; mint the canonical id.
			a.ID = uuid.NewString()
		}
		saved = append(saved, persist.SavedID{LocalID: localID, CanonicalID: a.ID})

		if old, existed := prior[a.ID]; existed {
			if a.CreatedAt.IsZero() {
				a.CreatedAt = old.CreatedAt
			}
		} else if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		a.UpdatedAt = now
	}

	if err := s.store.ReplaceAnnotations(r.Context(), doc.ID, env.Annotations); err != nil {
		s.storeError(w, r, err)
		return
	}

	s.auditSaveDiff(r, doc.ID, prior, env.Annotations)
	if s.metrics != nil {
		s.metrics.RecordSave(time.Since(now), len(env.Annotations))
	}
	if s.audit != nil {
		s.audit.LogAnnotationsSaved(r.Context(), doc.ID, len(env.Annotations))
	}

	httpx.WriteJSON(w, http.StatusOK, savedIDsResponse{Annotations: saved})
}

func (s *Server) handleDeleteAnnotation(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.requireDocument(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "annotationID")

	deleted, err := s.store.DeleteAnnotation(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if !deleted {
		// Placeholder ids that were never saved land here; the client
		// treats the 404 as a successful no-op.
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", "unknown annotation", nil)
		return
	}

	s.appendAudit(r, &store.AuditEntry{
		DocumentID:   doc.ID,
		AnnotationID: id,
		Action:       store.AuditAnnotationDeleted,
	})
	if s.audit != nil {
		s.audit.LogAnnotationDeleted(r.Context(), doc.ID, id)
	}
	if s.metrics != nil {
		s.metrics.RecordAnnotationDeleted()
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateAnnotation enforces the wire-level sanity rules. Coordinates
// may be negative (off-page placements are kept as-is) but must stay
// finite and inside the sanity window.
func validateAnnotation(a *annotation.Annotation) error {
	if a == nil {
		return fmt.Errorf("missing annotation object")
	}
	if !a.Type.Valid() {
		return fmt.Errorf("unknown type %q", a.Type)
	}
	if a.Page < 1 {
		return fmt.Errorf("page %d out of range", a.Page)
	}
	if err := transform.ValidateRect(a.Rect()); err != nil {
		return err
	}
	for _, v := range [4]float64{a.RelativeX, a.RelativeY, a.RelativeWidth, a.RelativeHeight} {
		if err := transform.ValidateValue(v); err != nil {
			return err
		}
	}
	return nil
}

// auditSaveDiff records created, updated and deleted entries by
// comparing the new list against the prior one.
func (s *Server) auditSaveDiff(r *http.Request, docID string, prior map[string]*annotation.Annotation, saved []*annotation.Annotation) {
	seen := make(map[string]bool, len(saved))
	for _, a := range saved {
		seen[a.ID] = true
		old, existed := prior[a.ID]
		switch {
		case !existed:
			s.appendAudit(r, &store.AuditEntry{
				DocumentID:   docID,
				AnnotationID: a.ID,
				Action:       store.AuditAnnotationCreated,
				Detail:       string(a.Type),
			})
			if s.audit != nil {
				s.audit.LogAnnotationCreated(r.Context(), docID, a.ID, a.Page)
			}
			if s.metrics != nil {
				s.metrics.RecordAnnotationCreated()
			}
		case annotationChanged(old, a):
			s.appendAudit(r, &store.AuditEntry{
				DocumentID:   docID,
				AnnotationID: a.ID,
				Action:       store.AuditAnnotationUpdated,
			})
		}
	}

	for id := range prior {
		if !seen[id] {
			s.appendAudit(r, &store.AuditEntry{
				DocumentID:   docID,
				AnnotationID: id,
				Action:       store.AuditAnnotationDeleted,
			})
			if s.metrics != nil {
				s.metrics.RecordAnnotationDeleted()
			}
		}
	}

	s.appendAudit(r, &store.AuditEntry{
		DocumentID: docID,
		Action:     store.AuditAnnotationsSaved,
		Detail:     fmt.Sprintf("%d annotations", len(saved)),
	})
}

func annotationChanged(old, cur *annotation.Annotation) bool {
	return old.Page != cur.Page ||
		old.X != cur.X || old.Y != cur.Y ||
		old.Width != cur.Width || old.Height != cur.Height ||
		old.RelativeX != cur.RelativeX || old.RelativeY != cur.RelativeY ||
		old.RelativeWidth != cur.RelativeWidth || old.RelativeHeight != cur.RelativeHeight ||
		old.Content != cur.Content || old.FontSize != cur.FontSize ||
		old.ImageData != cur.ImageData
}
