package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"stampd/internal/annotation"
	"stampd/internal/geometry"
)

// MemoryStore keeps everything in process memory. It backs tests and
// the --ephemeral daemon mode where nothing should touch disk.
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[string]Document
	geometry  map[string]map[int]pageGeometryRow
	anns      map[string]*annotation.Annotation // annotation id -> record
	annDoc    map[string]string                 // annotation id -> document id
	audit     []AuditEntry
	receipts  []DeliveryReceipt
	nextAudit int64
	nextRcpt  int64
}

type pageGeometryRow struct {
	g      geometry.PageGeometry
	source string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]Document),
		geometry:  make(map[string]map[int]pageGeometryRow),
		anns:      make(map[string]*annotation.Annotation),
		annDoc:    make(map[string]string),
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) UpsertDocument(_ context.Context, d *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.Status == "" {
		d.Status = DocumentStatusActive
	}
	now := time.Now().UnixNano()
	if d.CreatedAt == 0 {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	s.documents[d.ID] = *d
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.documents[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *MemoryStore) ListDocuments(_ context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make([]Document, 0, len(s.documents))
	for _, d := range s.documents {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].CreatedAt != docs[j].CreatedAt {
			return docs[i].CreatedAt > docs[j].CreatedAt
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.documents, id)
	delete(s.geometry, id)
	for annID, docID := range s.annDoc {
		if docID == id {
			delete(s.anns, annID)
			delete(s.annDoc, annID)
		}
	}
	return nil
}

func (s *MemoryStore) UpsertPageGeometry(_ context.Context, documentID string, g geometry.PageGeometry, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages, ok := s.geometry[documentID]
	if !ok {
		pages = make(map[int]pageGeometryRow)
		s.geometry[documentID] = pages
	}
	pages[g.PageNumber] = pageGeometryRow{g: g, source: source}
	return nil
}

func (s *MemoryStore) GetPageGeometry(_ context.Context, documentID string, page int) (*geometry.PageGeometry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.geometry[documentID][page]
	if !ok {
		return nil, nil
	}
	g := row.g
	return &g, nil
}

func (s *MemoryStore) ListPageGeometry(_ context.Context, documentID string) ([]geometry.PageGeometry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.geometry[documentID]
	pages := make([]geometry.PageGeometry, 0, len(rows))
	for _, row := range rows {
		pages = append(pages, row.g)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })
	return pages, nil
}

func (s *MemoryStore) ReplaceAnnotations(_ context.Context, documentID string, anns []*annotation.Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for annID, docID := range s.annDoc {
		if docID == documentID {
			delete(s.anns, annID)
			delete(s.annDoc, annID)
		}
	}
	for _, a := range anns {
		s.anns[a.ID] = a.Clone()
		s.annDoc[a.ID] = documentID
	}
	return nil
}

func (s *MemoryStore) UpsertAnnotation(_ context.Context, documentID string, a *annotation.Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.anns[a.ID] = a.Clone()
	s.annDoc[a.ID] = documentID
	return nil
}

func (s *MemoryStore) GetAnnotation(_ context.Context, id string) (*annotation.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.anns[id]
	if !ok {
		return nil, nil
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListAnnotations(_ context.Context, documentID string) ([]*annotation.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var anns []*annotation.Annotation
	for annID, docID := range s.annDoc {
		if docID == documentID {
			anns = append(anns, s.anns[annID].Clone())
		}
	}
	sort.Slice(anns, func(i, j int) bool {
		if !anns[i].CreatedAt.Equal(anns[j].CreatedAt) {
			return anns[i].CreatedAt.Before(anns[j].CreatedAt)
		}
		return anns[i].ID < anns[j].ID
	})
	return anns, nil
}

func (s *MemoryStore) DeleteAnnotation(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.anns[id]; !ok {
		return false, nil
	}
	delete(s.anns, id)
	delete(s.annDoc, id)
	return true, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAudit++
	e.ID = s.nextAudit
	if e.TimestampNs == 0 {
		e.TimestampNs = time.Now().UnixNano()
	}
	s.audit = append(s.audit, *e)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, documentID string, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var entries []AuditEntry
	for _, e := range s.audit {
		if e.DocumentID == documentID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TimestampNs != entries[j].TimestampNs {
			return entries[i].TimestampNs > entries[j].TimestampNs
		}
		return entries[i].ID > entries[j].ID
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *MemoryStore) InsertReceipt(_ context.Context, r *DeliveryReceipt) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRcpt++
	r.ID = s.nextRcpt
	if r.TimestampNs == 0 {
		r.TimestampNs = time.Now().UnixNano()
	}
	s.receipts = append(s.receipts, *r)
	return r.ID, nil
}

func (s *MemoryStore) ListReceipts(_ context.Context, documentID string) ([]DeliveryReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var receipts []DeliveryReceipt
	for _, r := range s.receipts {
		if r.DocumentID == documentID {
			receipts = append(receipts, r)
		}
	}
	sort.Slice(receipts, func(i, j int) bool {
		if receipts[i].TimestampNs != receipts[j].TimestampNs {
			return receipts[i].TimestampNs > receipts[j].TimestampNs
		}
		return receipts[i].ID > receipts[j].ID
	})
	return receipts, nil
}

// Verify that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
