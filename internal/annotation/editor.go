package annotation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"stampd/internal/geometry"
	"stampd/internal/transform"
)

// EventKind classifies editor change events.
type EventKind string

const (
	// EventLoaded fires once per annotation brought in by a bulk load.
	EventLoaded EventKind = "loaded"
	// EventCreated fires for interactively placed annotations.
	EventCreated EventKind = "created"
	// EventUpdated fires for moves, resizes and content edits.
	EventUpdated EventKind = "updated"
	// EventDeleted fires when an annotation is removed.
	EventDeleted EventKind = "deleted"
)

// Event describes one change to the annotation table. The annotation is a
// snapshot copy; listeners may keep it.
type Event struct {
	Kind       EventKind
	DocumentID string
	Annotation *Annotation
}

// Editor is the single source of truth for one document's annotations.
//
// There are no shadow copies: gestures, persistence and the UI all read and
// mutate this table, and observe each other through the change
// subscription. The event-driven core is serialized behind the mutex; only
// persistence I/O runs off it.
type Editor struct {
	mu     sync.RWMutex
	docID  string
	lookup geometry.LookupFunc
	log    *slog.Logger

	annotations map[string]*Annotation
	order       []string
	selectedID  string

	listeners    map[int]func(Event)
	nextListener int
}

// NewEditor creates an editor for one document. The lookup resolves page
// geometry and may return misses while pages are still resolving. A nil
// logger falls back to slog.Default.
func NewEditor(docID string, lookup geometry.LookupFunc, log *slog.Logger) *Editor {
	if lookup == nil {
		lookup = func(int) (geometry.PageGeometry, bool) { return geometry.PageGeometry{}, false }
	}
	if log == nil {
		log = slog.Default()
	}
	return &Editor{
		docID:       docID,
		lookup:      lookup,
		log:         log,
		annotations: make(map[string]*Annotation),
		listeners:   make(map[int]func(Event)),
	}
}

// DocumentID returns the document this editor belongs to.
func (e *Editor) DocumentID() string { return e.docID }

// Geometry exposes the editor's page geometry lookup.
func (e *Editor) Geometry() geometry.LookupFunc { return e.lookup }

// OnAnnotationChanged registers a change listener and returns its
// unsubscribe function. Listeners run synchronously, outside the editor
// lock, in registration order.
func (e *Editor) OnAnnotationChanged(fn func(Event)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *Editor) emit(ev Event) {
	e.mu.RLock()
	fns := make([]func(Event), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Insert adds an interactively created annotation. A missing ID gets a
// fresh UUID; a missing page-dimension snapshot is frozen from the current
// geometry. The caller provides absolute coordinates; relatives are
// recomputed so the invariant holds.
func (e *Editor) Insert(a *Annotation) (*Annotation, error) {
	if a == nil {
		return nil, fmt.Errorf("nil annotation")
	}
	if !a.Type.Valid() {
		return nil, fmt.Errorf("unknown annotation type %q", a.Type)
	}
	if err := transform.ValidateRect(a.Rect()); err != nil {
		return nil, err
	}

	g, ok := e.lookup(a.Page)
	if !ok {
		return nil, fmt.Errorf("page %d: %w", a.Page, ErrMissingGeometry)
	}

	e.mu.Lock()
	stored := a.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Type == TypeText && stored.FontSize == 0 {
		stored.FontSize = DefaultFontSize
	}
	stored.RelativeX, stored.RelativeY, stored.RelativeWidth, stored.RelativeHeight =
		transform.AbsoluteToRelative(stored.Rect(), g)
	if stored.SourcePageDimensions == nil {
		stored.SourcePageDimensions = &PageDimensions{Width: g.DisplayWidth, Height: g.DisplayHeight}
	}
	now := time.Now()
	stored.CreatedAt, stored.UpdatedAt = now, now
	stored.Converted = true

	e.annotations[stored.ID] = stored
	e.order = append(e.order, stored.ID)
	if stored.Type == TypeSignature {
		// Signatures stay selected after placement; text does not.
		e.selectedID = stored.ID
	} else {
		e.selectedID = ""
	}
	snapshot := stored.Clone()
	e.mu.Unlock()

	e.emit(Event{Kind: EventCreated, DocumentID: e.docID, Annotation: snapshot})
	return snapshot, nil
}

// ApplyRect moves or resizes an annotation to the given absolute rect and
// restores the invariant. Invalid coordinates reject the update and keep
// the previous state; missing geometry leaves the annotation untouched so
// the caller can skip the frame.
func (e *Editor) ApplyRect(id string, r transform.Rect) (*Annotation, error) {
	if err := transform.ValidateRect(r); err != nil {
		e.log.Warn("rejecting annotation update",
			"annotation", id,
			"error", err)
		return nil, err
	}

	e.mu.Lock()
	a, ok := e.annotations[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if a.ReadOnly {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", id, ErrReadOnly)
	}
	g, ok := e.lookup(a.Page)
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("page %d: %w", a.Page, ErrMissingGeometry)
	}

	a.setRect(r)
	a.RelativeX, a.RelativeY, a.RelativeWidth, a.RelativeHeight =
		transform.AbsoluteToRelative(r, g)
	a.UpdatedAt = time.Now()
	snapshot := a.Clone()
	e.mu.Unlock()

	e.emit(Event{Kind: EventUpdated, DocumentID: e.docID, Annotation: snapshot})
	return snapshot, nil
}

// SetContent updates a text annotation's body.
func (e *Editor) SetContent(id, content string) (*Annotation, error) {
	return e.mutate(id, func(a *Annotation) error {
		a.Content = content
		return nil
	})
}

// SetFontSize updates a text annotation's font size, clamped into the
// legal window.
func (e *Editor) SetFontSize(id string, size int) (*Annotation, error) {
	return e.mutate(id, func(a *Annotation) error {
		if a.Type != TypeText {
			return fmt.Errorf("font size applies to text annotations only")
		}
		a.FontSize = ClampFontSize(size)
		return nil
	})
}

func (e *Editor) mutate(id string, fn func(*Annotation) error) (*Annotation, error) {
	e.mu.Lock()
	a, ok := e.annotations[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if a.ReadOnly {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", id, ErrReadOnly)
	}
	if err := fn(a); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	a.UpdatedAt = time.Now()
	snapshot := a.Clone()
	e.mu.Unlock()

	e.emit(Event{Kind: EventUpdated, DocumentID: e.docID, Annotation: snapshot})
	return snapshot, nil
}

// Delete removes an annotation. Unknown ids are a no-op.
func (e *Editor) Delete(id string) bool {
	e.mu.Lock()
	a, ok := e.annotations[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.annotations, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	if e.selectedID == id {
		e.selectedID = ""
	}
	snapshot := a.Clone()
	e.mu.Unlock()

	e.emit(Event{Kind: EventDeleted, DocumentID: e.docID, Annotation: snapshot})
	return true
}

// Get returns a copy of one annotation.
func (e *Editor) Get(id string) (*Annotation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.annotations[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// List returns copies of all annotations in insertion order.
func (e *Editor) List() []*Annotation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Annotation, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.annotations[id].Clone())
	}
	return out
}

// Len returns the number of annotations.
func (e *Editor) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.annotations)
}

// Select marks an annotation as selected. Unknown ids clear the selection.
func (e *Editor) Select(id string) {
	e.mu.Lock()
	if _, ok := e.annotations[id]; ok {
		e.selectedID = id
	} else {
		e.selectedID = ""
	}
	e.mu.Unlock()
}

// Deselect clears the selection.
func (e *Editor) Deselect() {
	e.mu.Lock()
	e.selectedID = ""
	e.mu.Unlock()
}

// Selected returns the selected annotation, if any.
func (e *Editor) Selected() (*Annotation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.selectedID == "" {
		return nil, false
	}
	a, ok := e.annotations[e.selectedID]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// HitTest returns the topmost annotation on the page containing the
// document-space point, preferring later placements.
func (e *Editor) HitTest(page int, p transform.Point) (*Annotation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := len(e.order) - 1; i >= 0; i-- {
		a := e.annotations[e.order[i]]
		if a.Page == page && a.Rect().Contains(p) {
			return a.Clone(), true
		}
	}
	return nil, false
}

// Load merges annotations coming back from persistence. Existing entries
// are replaced by id, new ones appended; nothing is duplicated, so loading
// the same payload twice is a no-op beyond refreshed events.
func (e *Editor) Load(batch []*Annotation) {
	for _, a := range batch {
		if a == nil || a.ID == "" {
			continue
		}
		e.mu.Lock()
		stored := a.Clone()
		if _, exists := e.annotations[stored.ID]; !exists {
			e.order = append(e.order, stored.ID)
		}
		e.annotations[stored.ID] = stored
		snapshot := stored.Clone()
		e.mu.Unlock()

		e.emit(Event{Kind: EventLoaded, DocumentID: e.docID, Annotation: snapshot})
	}
}

// ReconcileID swaps a locally assigned id for the canonical id the
// persistence layer returned. Selection and ordering follow the swap.
func (e *Editor) ReconcileID(oldID, newID string) error {
	if oldID == newID || newID == "" {
		return nil
	}

	e.mu.Lock()
	a, ok := e.annotations[oldID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", oldID, ErrNotFound)
	}
	if _, taken := e.annotations[newID]; taken {
		e.mu.Unlock()
		return errors.New("canonical id already present")
	}
	delete(e.annotations, oldID)
	a.ID = newID
	e.annotations[newID] = a
	for i, oid := range e.order {
		if oid == oldID {
			e.order[i] = newID
			break
		}
	}
	if e.selectedID == oldID {
		e.selectedID = newID
	}
	e.mu.Unlock()
	return nil
}
