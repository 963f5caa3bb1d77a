package gesture

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"stampd/internal/annotation"
	"stampd/internal/geometry"
	"stampd/internal/transform"
)

// geoTable is a mutable page geometry lookup for tests.
type geoTable struct {
	mu    sync.Mutex
	pages map[int]geometry.PageGeometry
}

func newGeoTable(pages ...geometry.PageGeometry) *geoTable {
	t := &geoTable{pages: make(map[int]geometry.PageGeometry)}
	for _, g := range pages {
		t.pages[g.PageNumber] = g
	}
	return t
}

func (t *geoTable) lookup(page int) (geometry.PageGeometry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.pages[page]
	return g, ok
}

func (t *geoTable) drop(page int) {
	t.mu.Lock()
	delete(t.pages, page)
	t.mu.Unlock()
}

func letterPage(page int) geometry.PageGeometry {
	return geometry.PageGeometry{
		PageNumber:     page,
		OriginalWidth:  612,
		OriginalHeight: 792,
		DisplayWidth:   612,
		DisplayHeight:  792,
	}
}

type env struct {
	geo    *geoTable
	editor *annotation.Editor
	ctrl   *Controller
	clock  time.Time
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	e := &env{
		geo:   newGeoTable(letterPage(1)),
		clock: time.Unix(1700000000, 0),
	}
	e.editor = annotation.NewEditor("doc-1", e.geo.lookup, nil)
	e.ctrl = NewController(e.editor, cfg, nil)
	e.ctrl.now = func() time.Time { return e.clock }
	return e
}

func (e *env) advance(d time.Duration) { e.clock = e.clock.Add(d) }

func (e *env) placeSignature(t *testing.T, page int, screen transform.Point) *annotation.Annotation {
	t.Helper()
	e.ctrl.ArmPlacement(Placement{Type: annotation.TypeSignature})
	a, err := e.ctrl.Click(page, screen)
	if err != nil {
		t.Fatalf("place click: %v", err)
	}
	e.ctrl.Disarm()
	return a
}

// ============================================================
// Placement
// ============================================================

func TestClickCentersElement(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.placeSignature(t, 1, transform.Point{X: 200, Y: 300})

	if a.Width != 150 || a.Height != 75 {
		t.Fatalf("placed size %vx%v, want fixed 150x75", a.Width, a.Height)
	}
	if a.X != 200-75 || a.Y != 300-37.5 {
		t.Errorf("placed at (%v,%v), want click-centered (125,262.5)", a.X, a.Y)
	}
}

func TestClickCentersUnderZoom(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	e.ctrl.SetScale(2.0)

	// Screen (400,600) at scale 2 is document (200,300), same as the
	// unzoomed test above.
	a := e.placeSignature(t, 1, transform.Point{X: 400, Y: 600})
	if a.X != 125 || a.Y != 262.5 {
		t.Errorf("placed at (%v,%v), want (125,262.5)", a.X, a.Y)
	}
}

func TestPlaceTextDefaults(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	e.ctrl.ArmPlacement(Placement{Type: annotation.TypeText, Content: "sign here"})
	a, err := e.ctrl.Click(1, transform.Point{X: 300, Y: 400})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if a.Width != annotation.DefaultTextWidth || a.Height != annotation.DefaultTextHeight {
		t.Errorf("text size %vx%v, want defaults %vx%v",
			a.Width, a.Height, annotation.DefaultTextWidth, annotation.DefaultTextHeight)
	}
	if a.Content != "sign here" {
		t.Errorf("content = %q", a.Content)
	}
	if a.FontSize != annotation.DefaultFontSize {
		t.Errorf("fontSize = %d, want %d", a.FontSize, annotation.DefaultFontSize)
	}
}

func TestPlacementBlockedWithoutGeometry(t *testing.T) {
	e := newEnv(t, DefaultConfig())

	var notices []Notice
	e.ctrl.OnNotice(func(n Notice) { notices = append(notices, n) })

	e.ctrl.ArmPlacement(Placement{Type: annotation.TypeSignature})
	_, err := e.ctrl.Click(7, transform.Point{X: 100, Y: 100})
	if !errors.Is(err, annotation.ErrMissingGeometry) {
		t.Fatalf("err = %v, want ErrMissingGeometry", err)
	}
	if e.editor.Len() != 0 {
		t.Errorf("annotation placed against unresolved geometry")
	}
	if len(notices) != 1 || notices[0].Page != 7 {
		t.Errorf("expected one user notice for page 7, got %+v", notices)
	}
}

func TestPlacementDebounce(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	e.ctrl.ArmPlacement(Placement{Type: annotation.TypeSignature})

	if _, err := e.ctrl.Click(1, transform.Point{X: 100, Y: 100}); err != nil {
		t.Fatalf("first click: %v", err)
	}

	// A second click 200ms later lands inside the 1s lock and is
	// dropped, not deferred.
	e.advance(200 * time.Millisecond)
	if _, err := e.ctrl.Click(1, transform.Point{X: 300, Y: 300}); !errors.Is(err, ErrLocked) {
		t.Fatalf("second click: err = %v, want ErrLocked", err)
	}
	if e.editor.Len() != 1 {
		t.Fatalf("two clicks 200ms apart produced %d annotations, want 1", e.editor.Len())
	}

	// Once the lock expires the tool places again.
	e.advance(900 * time.Millisecond)
	if _, err := e.ctrl.Click(1, transform.Point{X: 300, Y: 300}); err != nil {
		t.Fatalf("click after lock: %v", err)
	}
	if e.editor.Len() != 2 {
		t.Errorf("annotation count = %d, want 2", e.editor.Len())
	}
}

func TestDroppedClickDoesNotRefreshLock(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	e.ctrl.ArmPlacement(Placement{Type: annotation.TypeSignature})

	if _, err := e.ctrl.Click(1, transform.Point{X: 100, Y: 100}); err != nil {
		t.Fatalf("first click: %v", err)
	}
	e.advance(600 * time.Millisecond)
	if _, err := e.ctrl.Click(1, transform.Point{X: 200, Y: 200}); !errors.Is(err, ErrLocked) {
		t.Fatalf("locked click: err = %v", err)
	}
	// 1.1s after the placement, not 1.1s after the dropped click.
	e.advance(500 * time.Millisecond)
	if _, err := e.ctrl.Click(1, transform.Point{X: 200, Y: 200}); err != nil {
		t.Fatalf("click after lock expiry: %v", err)
	}
}

func TestPlacementBoundsEnforcement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnforcePageBounds = true
	e := newEnv(t, cfg)

	// Click near the corner would center the element off-page; with
	// bounds enforcement on, it lands flush against the edge.
	a := e.placeSignature(t, 1, transform.Point{X: 10, Y: 10})
	if a.X != 0 || a.Y != 0 {
		t.Errorf("placed at (%v,%v), want clamped (0,0)", a.X, a.Y)
	}
}

func TestPlacementOffPageByDefault(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.placeSignature(t, 1, transform.Point{X: 10, Y: 10})
	if a.X != -65 || a.Y != -27.5 {
		t.Errorf("placed at (%v,%v), want unclamped (-65,-27.5)", a.X, a.Y)
	}
}

// ============================================================
// Drag
// ============================================================

func TestDragComputesFromStartSnapshot(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.placeSignature(t, 1, transform.Point{X: 200, Y: 300})

	if err := e.ctrl.BeginDrag(a.ID, transform.Point{X: 200, Y: 300}); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	if e.ctrl.State() != StateDragging {
		t.Fatalf("state = %v, want dragging", e.ctrl.State())
	}

	// Two frames. Each is start+delta, never an accumulation, so the
	// second frame lands exactly at start + (50,80).
	e.ctrl.DragMove(transform.Point{X: 230, Y: 340})
	e.ctrl.DragMove(transform.Point{X: 250, Y: 380})
	e.ctrl.EndDrag()

	got, _ := e.editor.Get(a.ID)
	if got.X != a.X+50 || got.Y != a.Y+80 {
		t.Errorf("dragged to (%v,%v), want (%v,%v)", got.X, got.Y, a.X+50, a.Y+80)
	}
	if e.ctrl.State() != StateIdle {
		t.Errorf("state after EndDrag = %v", e.ctrl.State())
	}
}

func TestDragDividesByScale(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.placeSignature(t, 1, transform.Point{X: 200, Y: 300})

	e.ctrl.SetScale(2.0)
	if err := e.ctrl.BeginDrag(a.ID, transform.Point{X: 400, Y: 600}); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	// 100 screen pixels at scale 2 is 50 document points.
	e.ctrl.DragMove(transform.Point{X: 500, Y: 600})
	e.ctrl.EndDrag()

	got, _ := e.editor.Get(a.ID)
	if got.X != a.X+50 {
		t.Errorf("X moved by %v, want 50", got.X-a.X)
	}
	if got.Y != a.Y {
		t.Errorf("Y moved by %v, want 0", got.Y-a.Y)
	}
}

func TestDragOffPageIsNotClamped(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.placeSignature(t, 1, transform.Point{X: 200, Y: 300})

	if err := e.ctrl.BeginDrag(a.ID, transform.Point{X: 0, Y: 0}); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	e.ctrl.DragMove(transform.Point{X: -(a.X + 50), Y: -(a.Y + 50)})
	e.ctrl.EndDrag()

	got, _ := e.editor.Get(a.ID)
	if got.X != -50 || got.Y != -50 {
		t.Errorf("dragged to (%v,%v), want persisted (-50,-50)", got.X, got.Y)
	}
	// Relatives track the off-page position.
	if got.RelativeX >= 0 || got.RelativeY >= 0 {
		t.Errorf("relatives not negative: (%v,%v)", got.RelativeX, got.RelativeY)
	}
}

func TestDragFrameSkippedWithoutGeometry(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.placeSignature(t, 1, transform.Point{X: 200, Y: 300})

	if err := e.ctrl.BeginDrag(a.ID, transform.Point{X: 200, Y: 300}); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	e.geo.drop(1)
	e.ctrl.DragMove(transform.Point{X: 400, Y: 500})
	e.ctrl.EndDrag()

	got, _ := e.editor.Get(a.ID)
	if got.X != a.X || got.Y != a.Y {
		t.Errorf("annotation moved on a skipped frame: (%v,%v)", got.X, got.Y)
	}
}

func TestDragReadOnlyRejected(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	e.editor.Load([]*annotation.Annotation{{
		ID: "locked", Type: annotation.TypeSignature, Page: 1,
		X: 10, Y: 10, Width: 150, Height: 75, ReadOnly: true,
	}})

	if err := e.ctrl.BeginDrag("locked", transform.Point{}); !errors.Is(err, annotation.ErrReadOnly) {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
	if e.ctrl.State() != StateIdle {
		t.Errorf("state = %v after rejected drag", e.ctrl.State())
	}
}

func TestConcurrentGestureRejected(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.placeSignature(t, 1, transform.Point{X: 200, Y: 300})
	b := e.placeSignature(t, 1, transform.Point{X: 400, Y: 300})

	if err := e.ctrl.BeginDrag(a.ID, transform.Point{}); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	if err := e.ctrl.BeginDrag(b.ID, transform.Point{}); !errors.Is(err, ErrBusy) {
		t.Errorf("second BeginDrag: err = %v, want ErrBusy", err)
	}
	if err := e.ctrl.BeginResize(b.ID, transform.Point{}); !errors.Is(err, ErrBusy) {
		t.Errorf("BeginResize during drag: err = %v, want ErrBusy", err)
	}
}

// ============================================================
// Resize
// ============================================================

func TestResizeBottomRight(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.placeSignature(t, 1, transform.Point{X: 200, Y: 300})

	br := transform.Point{X: a.X + a.Width, Y: a.Y + a.Height}
	if err := e.ctrl.BeginResize(a.ID, br); err != nil {
		t.Fatalf("BeginResize: %v", err)
	}
	e.ctrl.ResizeMove(transform.Point{X: br.X + 30, Y: br.Y + 15})
	e.ctrl.EndResize()

	got, _ := e.editor.Get(a.ID)
	if got.Width != 180 || got.Height != 90 {
		t.Errorf("resized to %vx%v, want 180x90", got.Width, got.Height)
	}
	// Origin never moves in a bottom-right resize.
	if got.X != a.X || got.Y != a.Y {
		t.Errorf("origin moved to (%v,%v)", got.X, got.Y)
	}
}

func TestResizeDividesByScale(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.placeSignature(t, 1, transform.Point{X: 200, Y: 300})

	e.ctrl.SetScale(2.0)
	if err := e.ctrl.BeginResize(a.ID, transform.Point{X: 0, Y: 0}); err != nil {
		t.Fatalf("BeginResize: %v", err)
	}
	// 100 screen pixels at scale 2 grows the element by 50 points, so
	// the handle stays under the pointer at any zoom.
	e.ctrl.ResizeMove(transform.Point{X: 100, Y: 100})
	e.ctrl.EndResize()

	got, _ := e.editor.Get(a.ID)
	if got.Width != a.Width+50 || got.Height != a.Height+50 {
		t.Errorf("resized to %vx%v, want %vx%v", got.Width, got.Height, a.Width+50, a.Height+50)
	}
}

func TestResizeFloorSignature(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.placeSignature(t, 1, transform.Point{X: 200, Y: 300})

	if err := e.ctrl.BeginResize(a.ID, transform.Point{X: 0, Y: 0}); err != nil {
		t.Fatalf("BeginResize: %v", err)
	}
	// Collapsing toward 10x5 must stop at the 50x30 signature floor.
	e.ctrl.ResizeMove(transform.Point{X: -(a.Width - 10), Y: -(a.Height - 5)})
	e.ctrl.EndResize()

	got, _ := e.editor.Get(a.ID)
	if got.Width != transform.MinSignatureWidth || got.Height != transform.MinSignatureHeight {
		t.Errorf("resized to %vx%v, want floor %vx%v",
			got.Width, got.Height, transform.MinSignatureWidth, transform.MinSignatureHeight)
	}
}

func TestResizeFloorText(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	e.ctrl.ArmPlacement(Placement{Type: annotation.TypeText})
	a, err := e.ctrl.Click(1, transform.Point{X: 300, Y: 300})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	e.ctrl.Disarm()

	if err := e.ctrl.BeginResize(a.ID, transform.Point{X: 0, Y: 0}); err != nil {
		t.Fatalf("BeginResize: %v", err)
	}
	e.ctrl.ResizeMove(transform.Point{X: -1000, Y: -1000})
	e.ctrl.EndResize()

	got, _ := e.editor.Get(a.ID)
	if got.Width != transform.MinTextWidth || got.Height != transform.MinTextHeight {
		t.Errorf("resized to %vx%v, want floor %vx%v",
			got.Width, got.Height, transform.MinTextWidth, transform.MinTextHeight)
	}
}

func TestResizeCappedAtPageEdge(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.placeSignature(t, 1, transform.Point{X: 500+75, Y: 700+37.5}) // origin (500,700)

	if err := e.ctrl.BeginResize(a.ID, transform.Point{X: 0, Y: 0}); err != nil {
		t.Fatalf("BeginResize: %v", err)
	}
	e.ctrl.ResizeMove(transform.Point{X: 5000, Y: 5000})
	e.ctrl.EndResize()

	// Page is 612x792; from origin (500,700) there are 112x92 points left.
	got, _ := e.editor.Get(a.ID)
	if got.Width != 112 || got.Height != 92 {
		t.Errorf("resized to %vx%v, want page-capped 112x92", got.Width, got.Height)
	}
}

func TestResizeUncappedWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnforceResizeBounds = false
	e := newEnv(t, cfg)
	a := e.placeSignature(t, 1, transform.Point{X: 575, Y: 737.5})

	if err := e.ctrl.BeginResize(a.ID, transform.Point{X: 0, Y: 0}); err != nil {
		t.Fatalf("BeginResize: %v", err)
	}
	e.ctrl.ResizeMove(transform.Point{X: 500, Y: 500})
	e.ctrl.EndResize()

	got, _ := e.editor.Get(a.ID)
	if got.Width != a.Width+500 || got.Height != a.Height+500 {
		t.Errorf("resized to %vx%v, want unbounded %vx%v",
			got.Width, got.Height, a.Width+500, a.Height+500)
	}
}

// ============================================================
// Selection
// ============================================================

func TestClickSelectsSignatureOnly(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	sig := e.placeSignature(t, 1, transform.Point{X: 200, Y: 300})
	e.ctrl.ArmPlacement(Placement{Type: annotation.TypeText})
	e.advance(2 * time.Second)
	txt, err := e.ctrl.Click(1, transform.Point{X: 500, Y: 100})
	if err != nil {
		t.Fatalf("place text: %v", err)
	}
	e.ctrl.Disarm()

	// Clicking the signature gives it persistent selection.
	hit, err := e.ctrl.Click(1, transform.Point{X: 200, Y: 300})
	if err != nil || hit == nil || hit.ID != sig.ID {
		t.Fatalf("click on signature: hit=%v err=%v", hit, err)
	}
	if sel, ok := e.editor.Selected(); !ok || sel.ID != sig.ID {
		t.Errorf("signature not selected after click")
	}

	// Clicking the text returns it for focus but clears selection.
	hit, err = e.ctrl.Click(1, transform.Point{X: 500, Y: 100})
	if err != nil || hit == nil || hit.ID != txt.ID {
		t.Fatalf("click on text: hit=%v err=%v", hit, err)
	}
	if _, ok := e.editor.Selected(); ok {
		t.Errorf("text click left a persistent selection")
	}

	// Clicking empty space deselects.
	e.ctrl.Click(1, transform.Point{X: 200, Y: 300}) // reselect signature
	hit, _ = e.ctrl.Click(1, transform.Point{X: 10, Y: 700})
	if hit != nil {
		t.Fatalf("hit in empty space: %+v", hit)
	}
	if _, ok := e.editor.Selected(); ok {
		t.Errorf("empty-space click did not deselect")
	}
}

// ============================================================
// Cancel
// ============================================================

func TestCancelAbandonsGesture(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.placeSignature(t, 1, transform.Point{X: 200, Y: 300})

	if err := e.ctrl.BeginDrag(a.ID, transform.Point{X: 0, Y: 0}); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	e.ctrl.DragMove(transform.Point{X: 40, Y: 40})
	e.ctrl.Cancel()

	if e.ctrl.State() != StateIdle {
		t.Fatalf("state after cancel = %v", e.ctrl.State())
	}
	// The element stays where the last applied frame put it.
	got, _ := e.editor.Get(a.ID)
	if got.X != a.X+40 {
		t.Errorf("position after cancel = %v, want %v", got.X, a.X+40)
	}
	// Moves after cancel are ignored.
	e.ctrl.DragMove(transform.Point{X: 400, Y: 400})
	got, _ = e.editor.Get(a.ID)
	if got.X != a.X+40 {
		t.Errorf("DragMove applied after cancel")
	}
}

func TestScaleIgnoresGarbage(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	e.ctrl.SetScale(1.5)
	for _, bad := range []float64{0, -2, math.NaN(), math.Inf(1)} {
		e.ctrl.SetScale(bad)
	}
	if got := e.ctrl.Scale(); got != 1.5 {
		t.Errorf("scale = %v after garbage inputs, want 1.5", got)
	}
}

func BenchmarkDragMove(b *testing.B) {
	geo := newGeoTable(letterPage(1))
	editor := annotation.NewEditor("bench", geo.lookup, nil)
	ctrl := NewController(editor, DefaultConfig(), nil)
	ctrl.ArmPlacement(Placement{Type: annotation.TypeSignature})
	a, err := ctrl.Click(1, transform.Point{X: 200, Y: 300})
	if err != nil {
		b.Fatal(err)
	}
	ctrl.Disarm()
	if err := ctrl.BeginDrag(a.ID, transform.Point{}); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctrl.DragMove(transform.Point{X: float64(i % 200), Y: float64(i % 300)})
	}
}
