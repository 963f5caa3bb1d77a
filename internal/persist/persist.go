// Package persist moves annotations between the editor and the merge
// backend.
//
// Saves are event-driven: the adapter subscribes to editor changes and
// coalesces bursts of edits behind a debounce timer, then ships the full
// current annotation list. A newer edit supersedes a pending save rather
// than queueing behind it; last-write-wins is sound because every save
// carries the complete list. Failures never roll back local state: the
// user's edit stays visible and a retry affordance is surfaced instead.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stampd/internal/annotation"
	"stampd/internal/geometry"
	"stampd/internal/transform"
)

// ErrUnknownID reports a delete for an id the backend has never seen.
// The adapter treats it as a successful no-op: placeholders that were
// never saved have nothing to remove.
var ErrUnknownID = errors.New("unknown annotation id")

// SavedID maps a client-assigned id to the canonical id the backend
// chose for it.
type SavedID struct {
	LocalID     string `json:"localId"`
	CanonicalID string `json:"id"`
}

// Backend is the external merge/storage collaborator.
type Backend interface {
	// FetchAnnotations returns the stored annotations for a document.
	FetchAnnotations(ctx context.Context, documentID string) ([]*annotation.Annotation, error)

	// SaveAnnotations stores the full annotation list and returns the
	// id assignments for any annotations the backend renamed.
	SaveAnnotations(ctx context.Context, documentID string, anns []*annotation.Annotation) ([]SavedID, error)

	// DeleteAnnotation removes one annotation. Unknown ids return
	// ErrUnknownID.
	DeleteAnnotation(ctx context.Context, documentID, id string) error
}

// Failure describes a backend call that did not succeed. Retry re-runs
// the same operation against current state.
type Failure struct {
	Op           string
	DocumentID   string
	AnnotationID string
	Err          error
	Retry        func()
}

// Config tunes adapter timing.
type Config struct {
	// SaveDebounce is how long after the last edit a save fires.
	// Zero means the 500ms default.
	SaveDebounce time.Duration

	// CallTimeout bounds each backend call. Zero means 10 seconds.
	CallTimeout time.Duration
}

// DefaultConfig returns the production timing: 500ms debounce, 10s
// call timeout.
func DefaultConfig() Config {
	return Config{
		SaveDebounce: 500 * time.Millisecond,
		CallTimeout:  10 * time.Second,
	}
}

// Adapter keeps one document's editor and backend in sync.
type Adapter struct {
	editor  *annotation.Editor
	backend Backend
	cfg     Config
	log     *slog.Logger

	mu          sync.Mutex
	timer       *time.Timer
	dirty       bool
	closed      bool
	unsubscribe func()
	onFailure   func(Failure)

	// wg tracks in-flight backend goroutines so Close can drain them.
	wg sync.WaitGroup
}

// New wires an adapter to an editor. The subscription starts
// immediately; Close releases it.
func New(editor *annotation.Editor, backend Backend, cfg Config, log *slog.Logger) *Adapter {
	if cfg.SaveDebounce <= 0 {
		cfg.SaveDebounce = 500 * time.Millisecond
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	ad := &Adapter{
		editor:  editor,
		backend: backend,
		cfg:     cfg,
		log:     log,
	}
	ad.unsubscribe = editor.OnAnnotationChanged(ad.handleEvent)
	return ad
}

// OnFailure registers the user-facing failure callback.
func (ad *Adapter) OnFailure(fn func(Failure)) {
	ad.mu.Lock()
	ad.onFailure = fn
	ad.mu.Unlock()
}

func (ad *Adapter) fail(f Failure) {
	ad.mu.Lock()
	fn := ad.onFailure
	ad.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

func (ad *Adapter) handleEvent(ev annotation.Event) {
	switch ev.Kind {
	case annotation.EventCreated, annotation.EventUpdated:
		ad.markDirty()
	case annotation.EventDeleted:
		// The local removal already happened in the editor; the backend
		// follows asynchronously, and the next full save no longer
		// carries the annotation either way.
		ad.deleteRemoteAsync(ev.Annotation.ID)
		ad.markDirty()
	case annotation.EventLoaded:
		// Loads come from the backend; echoing them back would save
		// forever.
	}
}

func (ad *Adapter) markDirty() {
	ad.mu.Lock()
	defer ad.mu.Unlock()
	if ad.closed {
		return
	}
	ad.dirty = true
	if ad.timer != nil {
		ad.timer.Stop()
	}
	ad.timer = time.AfterFunc(ad.cfg.SaveDebounce, ad.flushTimer)
}

func (ad *Adapter) flushTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), ad.cfg.CallTimeout)
	defer cancel()
	if err := ad.Flush(ctx); err != nil {
		ad.log.Warn("debounced save failed", "document", ad.editor.DocumentID(), "error", err)
	}
}

// Flush saves the full current annotation list immediately and
// reconciles any ids the backend reassigned. Edits made while the save
// is in flight re-arm the debounce timer and ship with the next save.
func (ad *Adapter) Flush(ctx context.Context) error {
	ad.mu.Lock()
	ad.dirty = false
	ad.mu.Unlock()

	docID := ad.editor.DocumentID()
	anns := ad.editor.List()

	ids, err := ad.backend.SaveAnnotations(ctx, docID, anns)
	if err != nil {
		err = fmt.Errorf("save annotations for %s: %w", docID, err)
		ad.fail(Failure{
			Op:         "save",
			DocumentID: docID,
			Err:        err,
			Retry:      func() { ad.markDirty() },
		})
		return err
	}

	for _, m := range ids {
		if m.CanonicalID == "" || m.CanonicalID == m.LocalID {
			continue
		}
		if err := ad.editor.ReconcileID(m.LocalID, m.CanonicalID); err != nil {
			// Deleted while the save was in flight; nothing to rename.
			ad.log.Debug("id reconcile skipped",
				"local", m.LocalID,
				"canonical", m.CanonicalID,
				"error", err)
		}
	}

	ad.log.Debug("annotations saved", "document", docID, "count", len(anns))
	return nil
}

// DeleteAnnotation removes an annotation locally. The backend removal
// follows through the change subscription; deleting an id the backend
// never stored is a no-op, not an error.
func (ad *Adapter) DeleteAnnotation(id string) bool {
	return ad.editor.Delete(id)
}

func (ad *Adapter) deleteRemoteAsync(id string) {
	ad.mu.Lock()
	if ad.closed {
		ad.mu.Unlock()
		return
	}
	ad.wg.Add(1)
	ad.mu.Unlock()

	go func() {
		defer ad.wg.Done()
		ad.deleteRemote(id)
	}()
}

func (ad *Adapter) deleteRemote(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), ad.cfg.CallTimeout)
	defer cancel()

	docID := ad.editor.DocumentID()
	err := ad.backend.DeleteAnnotation(ctx, docID, id)
	switch {
	case err == nil:
		ad.log.Debug("annotation deleted", "document", docID, "annotation", id)
	case errors.Is(err, ErrUnknownID):
		// A placeholder that was never saved; nothing to remove.
		ad.log.Debug("delete skipped, backend never saw id", "annotation", id)
	default:
		err = fmt.Errorf("delete annotation %s: %w", id, err)
		ad.log.Warn("annotation delete failed", "document", docID, "annotation", id, "error", err)
		ad.fail(Failure{
			Op:           "delete",
			DocumentID:   docID,
			AnnotationID: id,
			Err:          err,
			Retry:        func() { ad.deleteRemoteAsync(id) },
		})
	}
}

// LoadAnnotations fetches the document's stored annotations, converts
// them against current geometry and merges them into the editor. Records
// for pages that have not resolved yet come through with zeroed absolute
// fields; call Reconvert once more geometry arrives. Loading twice is
// safe; records merge by id, nothing accumulates.
func (ad *Adapter) LoadAnnotations(ctx context.Context) (int, error) {
	docID := ad.editor.DocumentID()
	records, err := ad.backend.FetchAnnotations(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("fetch annotations for %s: %w", docID, err)
	}

	converted := Convert(records, ad.editor.Geometry())
	ad.editor.Load(converted)

	ad.log.Info("annotations loaded", "document", docID, "count", len(converted))
	return len(converted), nil
}

// Reconvert reruns conversion over the editor's current contents,
// filling in absolute fields for annotations whose pages have resolved
// since the last load. Returns how many were newly converted.
func (ad *Adapter) Reconvert() int {
	before := ad.editor.List()
	converted := Convert(before, ad.editor.Geometry())

	newly := 0
	for i, a := range converted {
		if a.Converted && !before[i].Converted {
			newly++
		}
	}
	if newly > 0 {
		ad.editor.Load(converted)
		ad.log.Debug("annotations reconverted", "document", ad.editor.DocumentID(), "count", newly)
	}
	return newly
}

// Close stops the debounce timer, releases the editor subscription and
// drains in-flight backend calls. A dirty annotation list gets one final
// synchronous save.
func (ad *Adapter) Close() error {
	ad.mu.Lock()
	if ad.closed {
		ad.mu.Unlock()
		return nil
	}
	ad.closed = true
	if ad.timer != nil {
		ad.timer.Stop()
		ad.timer = nil
	}
	dirty := ad.dirty
	ad.mu.Unlock()

	if ad.unsubscribe != nil {
		ad.unsubscribe()
	}

	var err error
	if dirty {
		ctx, cancel := context.WithTimeout(context.Background(), ad.cfg.CallTimeout)
		err = ad.Flush(ctx)
		cancel()
	}

	ad.wg.Wait()
	return err
}

// Convert resolves serialized annotation records against page geometry.
//
// Records carrying relative fields are authoritative in relative space:
// their absolute fields are recomputed proportionally from the page's
// display dimensions. Records whose page has not resolved yet are passed
// through with zeroed absolute fields and left unconverted so a later
// pass can finish the job. Legacy records with only absolute fields get
// their relatives derived instead. Conversion is pure: the same records
// and geometry produce identical output on every call.
func Convert(records []*annotation.Annotation, lookup geometry.LookupFunc) []*annotation.Annotation {
	if lookup == nil {
		lookup = func(int) (geometry.PageGeometry, bool) { return geometry.PageGeometry{}, false }
	}

	out := make([]*annotation.Annotation, 0, len(records))
	for _, rec := range records {
		if rec == nil {
			continue
		}
		a := rec.Clone()
		g, ok := lookup(a.Page)

		switch {
		case !ok && hasRelative(a):
			// Page still resolving: zero the absolutes rather than
			// compute them with a guessed denominator.
			a.X, a.Y, a.Width, a.Height = 0, 0, 0, 0
			a.Converted = false

		case !ok:
			// Legacy record without relatives and no geometry to derive
			// them from; keep the stored absolutes as a best effort.
			a.Converted = false

		case hasRelative(a):
			r := transform.RelativeToAbsolute(a.RelativeX, a.RelativeY, a.RelativeWidth, a.RelativeHeight, g, transform.Proportional{})
			a.X, a.Y, a.Width, a.Height = r.X, r.Y, r.Width, r.Height
			a.Converted = true

		default:
			a.RelativeX, a.RelativeY, a.RelativeWidth, a.RelativeHeight =
				transform.AbsoluteToRelative(a.Rect(), g)
			a.Converted = true
		}

		if a.SourcePageDimensions == nil && ok {
			a.SourcePageDimensions = &annotation.PageDimensions{Width: g.DisplayWidth, Height: g.DisplayHeight}
		}
		out = append(out, a)
	}
	return out
}

func hasRelative(a *annotation.Annotation) bool {
	return a.RelativeWidth > 0 && a.RelativeHeight > 0
}
