package geometry

import (
	"sort"
	"sync"
)

// Registry is a concurrency-safe table of resolved page geometry, keyed by
// document and page. Pages arrive asynchronously and out of order as the
// rendering layer and the metadata reader report them; a page missing from
// the registry is simply not resolved yet.
type Registry struct {
	mu   sync.RWMutex
	docs map[string]map[int]PageGeometry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{docs: make(map[string]map[int]PageGeometry)}
}

// Put stores resolved geometry for a page, replacing any previous entry.
func (r *Registry) Put(docID string, g PageGeometry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pages, ok := r.docs[docID]
	if !ok {
		pages = make(map[int]PageGeometry)
		r.docs[docID] = pages
	}
	pages[g.PageNumber] = g
}

// Lookup returns the geometry for a page, if resolved.
func (r *Registry) Lookup(docID string, page int) (PageGeometry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.docs[docID][page]
	return g, ok
}

// Pages returns all resolved pages for a document, ordered by page number.
func (r *Registry) Pages(docID string) []PageGeometry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pages := make([]PageGeometry, 0, len(r.docs[docID]))
	for _, g := range r.docs[docID] {
		pages = append(pages, g)
	}
	sort.Slice(pages, func(i, j int) bool {
		return pages[i].PageNumber < pages[j].PageNumber
	})
	return pages
}

// Forget drops all geometry for a document.
func (r *Registry) Forget(docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, docID)
}

// LookupFunc returns a lookup closure bound to one document, in the shape
// the editor and the persistence adapter consume.
func (r *Registry) LookupFunc(docID string) LookupFunc {
	return func(page int) (PageGeometry, bool) {
		return r.Lookup(docID, page)
	}
}
