// Package gesture turns pointer input into annotation edits.
//
// The controller is a small state machine driven by the UI event loop:
//
//	Idle -> Placing -> Idle              (arm a tool, click to place)
//	Idle -> Dragging -> Idle             (press on an annotation, move, release)
//	Idle -> Resizing -> Idle             (press on the resize handle)
//
// All pointer coordinates arrive in screen space at the current zoom scale
// and are divided by the scale exactly once on the way into document space.
// Drag and resize frames are recomputed from a snapshot taken at gesture
// start, never accumulated, so repeated rounding cannot drift the element.
package gesture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stampd/internal/annotation"
	"stampd/internal/transform"
)

// State names the controller's current interaction.
type State int

const (
	StateIdle State = iota
	StatePlacing
	StateDragging
	StateResizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlacing:
		return "placing"
	case StateDragging:
		return "dragging"
	case StateResizing:
		return "resizing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrLocked reports a place click swallowed by the post-placement lock.
var ErrLocked = errors.New("placement locked")

// ErrBusy reports a gesture started while another is in progress.
var ErrBusy = errors.New("gesture in progress")

// Placement is the payload of an armed placement tool.
type Placement struct {
	Type            annotation.Type
	Content         string
	ImageData       string
	SignatureSource annotation.SignatureSource

	// Width and Height override the tool's fixed element size.
	// Zero means the per-type default.
	Width  float64
	Height float64
}

func (p Placement) size() (w, h float64) {
	w, h = p.Width, p.Height
	if w > 0 && h > 0 {
		return w, h
	}
	if p.Type == annotation.TypeText {
		return annotation.DefaultTextWidth, annotation.DefaultTextHeight
	}
	return transform.DefaultSignatureWidth, transform.DefaultSignatureHeight
}

// Notice is a transient, user-visible message about a blocked interaction.
type Notice struct {
	Page    int
	Message string
}

// Config tunes controller behavior.
type Config struct {
	// PlacementLock is how long place clicks are dropped after a
	// successful placement. Zero means the 1 second default.
	PlacementLock time.Duration

	// EnforcePageBounds clamps placement and drag results onto the page.
	// Off by default: elements may sit partially or fully off-page.
	EnforcePageBounds bool

	// EnforceResizeBounds caps resizes at the space remaining between the
	// element origin and the page edge.
	EnforceResizeBounds bool
}

// DefaultConfig returns the production defaults: a 1 second placement
// lock, free placement, bounded resize.
func DefaultConfig() Config {
	return Config{
		PlacementLock:       time.Second,
		EnforcePageBounds:   false,
		EnforceResizeBounds: true,
	}
}

// Controller mediates between pointer events and the annotation editor.
// It holds no annotation state of its own beyond the in-flight gesture
// snapshot; the editor remains the single source of truth.
type Controller struct {
	mu     sync.Mutex
	cfg    Config
	editor *annotation.Editor
	log    *slog.Logger

	state State
	scale float64

	pending       *Placement
	lastPlacement time.Time

	// In-flight gesture snapshot.
	activeID     string
	startRect    transform.Rect
	startPointer transform.Point

	notify func(Notice)
	now    func() time.Time
}

// NewController wires a controller to one document's editor. A nil logger
// falls back to slog.Default.
func NewController(editor *annotation.Editor, cfg Config, log *slog.Logger) *Controller {
	if cfg.PlacementLock <= 0 {
		cfg.PlacementLock = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		editor: editor,
		log:    log,
		state:  StateIdle,
		scale:  1.0,
		now:    time.Now,
	}
}

// OnNotice registers the callback for user-visible notices. Only one
// callback is held; the UI owns presentation.
func (c *Controller) OnNotice(fn func(Notice)) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

func (c *Controller) emitNotice(n Notice) {
	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// SetScale records the current zoom scale. Non-positive and non-finite
// values are ignored.
func (c *Controller) SetScale(scale float64) {
	if err := transform.ValidateValue(scale); err != nil || scale <= 0 {
		return
	}
	c.mu.Lock()
	c.scale = scale
	c.mu.Unlock()
}

// Scale returns the current zoom scale.
func (c *Controller) Scale() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scale
}

// State returns the current interaction state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ArmPlacement activates a placement tool. Any in-flight drag or resize
// is abandoned where it stands. The placement lock guards against
// double-clicks on one armed tool, so arming resets it.
func (c *Controller) ArmPlacement(p Placement) {
	c.mu.Lock()
	c.pending = &p
	c.state = StatePlacing
	c.activeID = ""
	c.lastPlacement = time.Time{}
	c.mu.Unlock()
}

// Disarm deactivates the placement tool and returns to idle.
func (c *Controller) Disarm() {
	c.mu.Lock()
	if c.state == StatePlacing {
		c.pending = nil
		c.state = StateIdle
	}
	c.mu.Unlock()
}

// Click handles a completed click on a page at the given screen point.
//
// With a tool armed it places a new element centered on the click, unless
// the placement lock is active (click dropped) or the page geometry is
// unresolved (blocked with a notice; interactive clicks never guess at
// dimensions). With no tool armed it resolves selection: signatures take
// persistent selection, text is returned for focus without selecting,
// empty space deselects.
func (c *Controller) Click(page int, screen transform.Point) (*annotation.Annotation, error) {
	c.mu.Lock()
	state := c.state
	scale := c.scale
	c.mu.Unlock()

	if state != StatePlacing {
		return c.selectAt(page, screen, scale), nil
	}
	return c.place(page, screen, scale)
}

func (c *Controller) selectAt(page int, screen transform.Point, scale float64) *annotation.Annotation {
	doc := transform.Point{X: screen.X / scale, Y: screen.Y / scale}
	hit, ok := c.editor.HitTest(page, doc)
	if !ok {
		c.editor.Deselect()
		return nil
	}
	if hit.Type == annotation.TypeSignature {
		c.editor.Select(hit.ID)
	} else {
		// Text focuses for editing but keeps no persistent selection.
		c.editor.Deselect()
	}
	return hit
}

func (c *Controller) place(page int, screen transform.Point, scale float64) (*annotation.Annotation, error) {
	c.mu.Lock()
	if c.state != StatePlacing || c.pending == nil {
		c.mu.Unlock()
		return nil, nil
	}
	if since := c.now().Sub(c.lastPlacement); since < c.cfg.PlacementLock {
		c.mu.Unlock()
		c.log.Debug("place click dropped by debounce lock",
			"page", page,
			"sinceLast", since)
		return nil, ErrLocked
	}
	pending := *c.pending
	c.mu.Unlock()

	g, ok := c.editor.Geometry()(page)
	if !ok {
		c.log.Info("placement blocked, page geometry unresolved", "page", page)
		c.emitNotice(Notice{
			Page:    page,
			Message: fmt.Sprintf("Page %d is still loading, try again in a moment", page),
		})
		return nil, fmt.Errorf("page %d: %w", page, annotation.ErrMissingGeometry)
	}

	w, h := pending.size()
	rect := transform.Rect{
		X:      screen.X/scale - w/2,
		Y:      screen.Y/scale - h/2,
		Width:  w,
		Height: h,
	}
	if c.cfg.EnforcePageBounds {
		rect, _ = transform.ConstrainToPage(rect, g)
	}

	placed, err := c.editor.Insert(&annotation.Annotation{
		Type:            pending.Type,
		Page:            page,
		X:               rect.X,
		Y:               rect.Y,
		Width:           rect.Width,
		Height:          rect.Height,
		Content:         pending.Content,
		ImageData:       pending.ImageData,
		SignatureSource: pending.SignatureSource,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastPlacement = c.now()
	c.mu.Unlock()

	c.log.Debug("annotation placed",
		"annotation", placed.ID,
		"type", placed.Type,
		"page", page,
		"x", placed.X,
		"y", placed.Y)
	return placed, nil
}

// BeginDrag starts dragging an annotation from the given screen pointer.
// The current rect is snapshotted; every subsequent frame is computed
// against it. Signatures become selected on press.
func (c *Controller) BeginDrag(id string, pointer transform.Point) error {
	a, ok := c.editor.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, annotation.ErrNotFound)
	}
	if a.ReadOnly {
		return fmt.Errorf("%s: %w", id, annotation.ErrReadOnly)
	}

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot drag while %s: %w", state, ErrBusy)
	}
	c.state = StateDragging
	c.activeID = id
	c.startRect = a.Rect()
	c.startPointer = pointer
	c.mu.Unlock()

	if a.Type == annotation.TypeSignature {
		c.editor.Select(id)
	}
	return nil
}

// DragMove processes one drag frame. The new position is the start
// snapshot plus the pointer delta divided by scale; there is no clamping
// unless page bounds enforcement is on. Frames that cannot be applied
// (geometry still resolving, coordinates out of sanity bounds) are
// skipped and the element simply does not move this frame.
func (c *Controller) DragMove(pointer transform.Point) {
	c.mu.Lock()
	if c.state != StateDragging {
		c.mu.Unlock()
		return
	}
	id := c.activeID
	start := c.startRect
	origin := c.startPointer
	scale := c.scale
	enforce := c.cfg.EnforcePageBounds
	c.mu.Unlock()

	rect := transform.Rect{
		X:      start.X + (pointer.X-origin.X)/scale,
		Y:      start.Y + (pointer.Y-origin.Y)/scale,
		Width:  start.Width,
		Height: start.Height,
	}
	if enforce {
		g, ok := c.editor.Geometry()(c.pageOf(id))
		if !ok {
			c.log.Debug("drag frame skipped, page geometry unresolved", "annotation", id)
			return
		}
		rect, _ = transform.ConstrainToPage(rect, g)
	}

	c.applyFrame(id, rect, "drag")
}

// EndDrag finishes the drag and returns to idle. The last applied frame
// stands; persistence observes it through the editor subscription.
func (c *Controller) EndDrag() {
	c.endGesture(StateDragging)
}

// BeginResize starts resizing an annotation from its bottom-right handle,
// the only handle offered.
func (c *Controller) BeginResize(id string, pointer transform.Point) error {
	a, ok := c.editor.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, annotation.ErrNotFound)
	}
	if a.ReadOnly {
		return fmt.Errorf("%s: %w", id, annotation.ErrReadOnly)
	}

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot resize while %s: %w", state, ErrBusy)
	}
	c.state = StateResizing
	c.activeID = id
	c.startRect = a.Rect()
	c.startPointer = pointer
	c.mu.Unlock()

	if a.Type == annotation.TypeSignature {
		c.editor.Select(id)
	}
	return nil
}

// ResizeMove processes one resize frame. Pointer deltas are divided by
// the zoom scale so the element edge tracks the pointer at every zoom
// level. Sizes are floored at the per-type minimum and, when resize
// bounds are enforced, capped at the space left between the element
// origin and the page edge.
func (c *Controller) ResizeMove(pointer transform.Point) {
	c.mu.Lock()
	if c.state != StateResizing {
		c.mu.Unlock()
		return
	}
	id := c.activeID
	start := c.startRect
	origin := c.startPointer
	scale := c.scale
	enforce := c.cfg.EnforceResizeBounds
	c.mu.Unlock()

	a, ok := c.editor.Get(id)
	if !ok {
		return
	}

	w := start.Width + (pointer.X-origin.X)/scale
	h := start.Height + (pointer.Y-origin.Y)/scale

	minW, minH := a.MinSize()
	if w < minW {
		w = minW
	}
	if h < minH {
		h = minH
	}

	if enforce {
		g, ok := c.editor.Geometry()(a.Page)
		if !ok {
			c.log.Debug("resize frame skipped, page geometry unresolved", "annotation", id)
			return
		}
		if maxW := g.DisplayWidth - start.X; maxW >= minW && w > maxW {
			w = maxW
		}
		if maxH := g.DisplayHeight - start.Y; maxH >= minH && h > maxH {
			h = maxH
		}
	}

	c.applyFrame(id, transform.Rect{X: start.X, Y: start.Y, Width: w, Height: h}, "resize")
}

// EndResize finishes the resize and returns to idle.
func (c *Controller) EndResize() {
	c.endGesture(StateResizing)
}

// Cancel abandons any in-flight gesture where it stands and disarms the
// placement tool.
func (c *Controller) Cancel() {
	c.mu.Lock()
	c.state = StateIdle
	c.pending = nil
	c.activeID = ""
	c.mu.Unlock()
}

func (c *Controller) endGesture(from State) {
	c.mu.Lock()
	if c.state == from {
		c.state = StateIdle
		c.activeID = ""
	}
	c.mu.Unlock()
}

func (c *Controller) applyFrame(id string, rect transform.Rect, op string) {
	_, err := c.editor.ApplyRect(id, rect)
	switch {
	case err == nil:
	case errors.Is(err, annotation.ErrMissingGeometry):
		// Transient while the page renders; the frame is skipped so a
		// wrong denominator can never corrupt the relative fields.
		c.log.Debug(op+" frame skipped, page geometry unresolved", "annotation", id)
	case errors.Is(err, transform.ErrInvalidCoordinate):
		c.log.Warn(op+" frame rejected", "annotation", id, "error", err)
	default:
		c.log.Warn(op+" frame failed", "annotation", id, "error", err)
	}
}

func (c *Controller) pageOf(id string) int {
	if a, ok := c.editor.Get(id); ok {
		return a.Page
	}
	return 0
}
