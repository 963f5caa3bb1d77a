package ui

import (
	"bytes"
	"encoding/base64"
	"image"
	"math"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	"gioui.org/f32"
	"gioui.org/io/event"
	"gioui.org/io/pointer"
	"gioui.org/layout"
	"gioui.org/op"
	"gioui.org/op/clip"
	"gioui.org/op/paint"
	"gioui.org/unit"
	"gioui.org/widget/material"

	"stampd/cmd/stampd-gui/internal/theme"
	"stampd/internal/annotation"
	"stampd/internal/gesture"
	"stampd/internal/pagesource"
	"stampd/internal/transform"
)

// Canvas renders one document page with its annotation overlays and turns
// pointer input into gesture controller calls. Pointer positions are page-
// local screen pixels; the controller divides by the scale it is handed
// each frame.
type Canvas struct {
	theme *theme.Theme
	src   pagesource.Source
	ctrl  *gesture.Controller
	ann   *annotation.Editor
	dpi   int

	page    int
	imgPage int
	imgOp   paint.ImageOp
	imgSize image.Point
	imgErr  error

	zoom float64

	// Press bookkeeping for the drag threshold. A press on an element
	// only becomes a drag once the pointer travels far enough; a press
	// that releases in place stays a plain click.
	pressed  bool
	pressID  string
	pressPos transform.Point

	dragThreshold float64
	handleRadius  float64

	sigImgs map[string]paint.ImageOp
}

// NewCanvas creates a canvas over src, starting on the given page.
func NewCanvas(t *theme.Theme, src pagesource.Source, ctrl *gesture.Controller, ann *annotation.Editor, dpi, page int) *Canvas {
	if dpi <= 0 {
		dpi = pagesource.DefaultRenderDPI
	}
	if page < 1 {
		page = 1
	}
	return &Canvas{
		theme:   t,
		src:     src,
		ctrl:    ctrl,
		ann:     ann,
		dpi:     dpi,
		page:    page,
		zoom:    1,
		sigImgs: make(map[string]paint.ImageOp),
	}
}

// Page returns the page currently shown.
func (cv *Canvas) Page() int { return cv.page }

// SetPage switches the shown page. The new page renders on the next frame.
func (cv *Canvas) SetPage(page int) {
	if page >= 1 && page <= cv.src.PageCount() {
		cv.page = page
	}
}

// ZoomIn enlarges the page a step beyond fit-to-window.
func (cv *Canvas) ZoomIn() { cv.zoom = math.Min(cv.zoom*1.25, 4) }

// ZoomOut shrinks the page a step below fit-to-window.
func (cv *Canvas) ZoomOut() { cv.zoom = math.Max(cv.zoom/1.25, 0.25) }

// ZoomPercent reports the zoom relative to fit-to-window.
func (cv *Canvas) ZoomPercent() int { return int(math.Round(cv.zoom * 100)) }

// Layout draws the page, its overlays and the input region.
func (cv *Canvas) Layout(gtx layout.Context) layout.Dimensions {
	// Keep the fill and any zoomed-in overdraw inside the canvas area.
	defer clip.Rect{Max: gtx.Constraints.Max}.Push(gtx.Ops).Pop()
	paint.Fill(gtx.Ops, cv.theme.Palette.Canvas)

	cv.ensurePage()
	if cv.imgErr != nil {
		return cv.drawMessage(gtx, "page render failed: "+cv.imgErr.Error())
	}
	if cv.imgSize.X == 0 || cv.imgSize.Y == 0 {
		return cv.drawMessage(gtx, "nothing to show")
	}

	avail := gtx.Constraints.Max
	margin := gtx.Dp(cv.theme.Config.Spacing)
	fit := math.Min(
		float64(avail.X-2*margin)/float64(cv.imgSize.X),
		float64(avail.Y-2*margin)/float64(cv.imgSize.Y),
	)
	if fit <= 0 {
		fit = 1
	}
	scale := fit * cv.zoom
	disp := image.Pt(
		int(math.Round(float64(cv.imgSize.X)*scale)),
		int(math.Round(float64(cv.imgSize.Y)*scale)),
	)

	// Screen pixels per PDF point. The render is dpi/72 pixels per point
	// before the display scale is applied on top.
	screenScale := scale * float64(cv.dpi) / 72
	cv.ctrl.SetScale(screenScale)

	cv.dragThreshold = float64(gtx.Dp(unit.Dp(4)))
	cv.handleRadius = float64(gtx.Dp(cv.theme.Config.HandleSize))
	for {
		ev, ok := gtx.Event(pointer.Filter{
			Target: cv,
			Kinds:  pointer.Press | pointer.Drag | pointer.Release | pointer.Cancel,
		})
		if !ok {
			break
		}
		pe, ok := ev.(pointer.Event)
		if !ok {
			continue
		}
		cv.handlePointer(pe, screenScale)
	}

	xoff := (avail.X - disp.X) / 2
	if xoff < margin {
		xoff = margin
	}
	off := op.Offset(image.Pt(xoff, margin)).Push(gtx.Ops)

	cv.drawPage(gtx, scale, disp)
	selected, _ := cv.ann.Selected()
	for _, a := range cv.ann.List() {
		if a.Page != cv.page {
			continue
		}
		cv.drawAnnotation(gtx, a, screenScale, selected != nil && a.ID == selected.ID)
	}

	cl := clip.Rect{Max: disp}.Push(gtx.Ops)
	event.Op(gtx.Ops, cv)
	cl.Pop()

	off.Pop()
	return layout.Dimensions{Size: avail}
}

func (cv *Canvas) ensurePage() {
	if cv.page == cv.imgPage {
		return
	}
	img, err := cv.src.Render(cv.page, cv.dpi)
	cv.imgPage = cv.page
	if err != nil {
		cv.imgErr = err
		cv.imgSize = image.Point{}
		return
	}
	cv.imgErr = nil
	cv.imgOp = paint.NewImageOp(img)
	cv.imgSize = img.Bounds().Size()
}

func (cv *Canvas) drawPage(gtx layout.Context, scale float64, disp image.Point) {
	aff := op.Affine(f32.Affine2D{}.Scale(f32.Point{}, f32.Pt(float32(scale), float32(scale)))).Push(gtx.Ops)
	cl := clip.Rect{Max: cv.imgSize}.Push(gtx.Ops)
	cv.imgOp.Add(gtx.Ops)
	paint.PaintOp{}.Add(gtx.Ops)
	cl.Pop()
	aff.Pop()

	border := clip.Stroke{
		Path:  clip.Rect{Max: disp}.Path(),
		Width: float32(gtx.Dp(unit.Dp(1))),
	}.Op()
	paint.FillShape(gtx.Ops, cv.theme.Palette.Border, border)
}

func (cv *Canvas) drawAnnotation(gtx layout.Context, a *annotation.Annotation, scale float64, selected bool) {
	r := a.Rect()
	rect := image.Rect(
		int(math.Round(r.X*scale)),
		int(math.Round(r.Y*scale)),
		int(math.Round((r.X+r.Width)*scale)),
		int(math.Round((r.Y+r.Height)*scale)),
	)
	if rect.Dx() <= 0 || rect.Dy() <= 0 {
		return
	}

	switch {
	case a.Type == annotation.TypeSignature && a.ImageData != "":
		if imgOp, ok := cv.signatureImage(a); ok {
			drawImageInRect(gtx.Ops, imgOp, rect)
		}
	case a.Type == annotation.TypeText && a.Content != "":
		cv.drawTextInRect(gtx, a, rect, scale)
	}

	outline := cv.theme.Palette.Overlay
	width := float32(gtx.Dp(unit.Dp(1)))
	switch {
	case a.ReadOnly:
		outline = cv.theme.Palette.TextMuted
	case selected:
		outline = cv.theme.Palette.Selection
		width = float32(gtx.Dp(unit.Dp(2)))
	}
	paint.FillShape(gtx.Ops, outline, clip.Stroke{
		Path:  clip.Rect(rect).Path(),
		Width: width,
	}.Op())

	if selected && !a.ReadOnly {
		hs := gtx.Dp(cv.theme.Config.HandleSize)
		handle := image.Rect(rect.Max.X-hs/2, rect.Max.Y-hs/2, rect.Max.X+hs/2, rect.Max.Y+hs/2)
		paint.FillShape(gtx.Ops, cv.theme.Palette.Selection, clip.Rect(handle).Op())
	}
}

func (cv *Canvas) drawTextInRect(gtx layout.Context, a *annotation.Annotation, rect image.Rectangle, scale float64) {
	fontSize := a.FontSize
	if fontSize <= 0 {
		fontSize = annotation.DefaultFontSize
	}
	sizePx := float32(float64(fontSize) * scale)

	off := op.Offset(rect.Min).Push(gtx.Ops)
	cl := clip.Rect{Max: rect.Size()}.Push(gtx.Ops)

	tgtx := gtx
	tgtx.Constraints = layout.Constraints{Max: rect.Size()}
	lbl := material.Label(cv.theme.Theme, unit.Sp(sizePx/gtx.Metric.PxPerSp), a.Content)
	lbl.Color = cv.theme.Palette.Text
	lbl.Layout(tgtx)

	cl.Pop()
	off.Pop()
}

func (cv *Canvas) signatureImage(a *annotation.Annotation) (paint.ImageOp, bool) {
	if imgOp, ok := cv.sigImgs[a.ID]; ok {
		return imgOp, imgOp.Size() != image.Point{}
	}
	img, err := decodeDataURL(a.ImageData)
	if err != nil {
		// Undecodable image data draws as an outline only.
		cv.sigImgs[a.ID] = paint.ImageOp{}
		return paint.ImageOp{}, false
	}
	imgOp := paint.NewImageOp(img)
	cv.sigImgs[a.ID] = imgOp
	return imgOp, true
}

func drawImageInRect(ops *op.Ops, img paint.ImageOp, rect image.Rectangle) {
	sz := img.Size()
	if sz.X == 0 || sz.Y == 0 {
		return
	}
	off := op.Offset(rect.Min).Push(ops)
	factor := f32.Pt(float32(rect.Dx())/float32(sz.X), float32(rect.Dy())/float32(sz.Y))
	aff := op.Affine(f32.Affine2D{}.Scale(f32.Point{}, factor)).Push(ops)
	cl := clip.Rect{Max: sz}.Push(ops)
	img.Add(ops)
	paint.PaintOp{}.Add(ops)
	cl.Pop()
	aff.Pop()
	off.Pop()
}

func (cv *Canvas) drawMessage(gtx layout.Context, msg string) layout.Dimensions {
	layout.Center.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		l := material.Body1(cv.theme.Theme, msg)
		l.Color = cv.theme.Palette.TextMuted
		return l.Layout(gtx)
	})
	return layout.Dimensions{Size: gtx.Constraints.Max}
}

func (cv *Canvas) handlePointer(e pointer.Event, scale float64) {
	pos := transform.Point{X: float64(e.Position.X), Y: float64(e.Position.Y)}

	switch e.Kind {
	case pointer.Press:
		cv.pressed = true
		cv.pressPos = pos
		cv.pressID = ""

		if cv.ctrl.State() == gesture.StatePlacing {
			// Blocked placements surface through the notice channel.
			cv.ctrl.Click(cv.page, pos)
			cv.pressed = false
			return
		}
		if sel, ok := cv.ann.Selected(); ok && sel.Page == cv.page && !sel.ReadOnly && cv.inHandle(sel, pos, scale) {
			if err := cv.ctrl.BeginResize(sel.ID, pos); err == nil {
				cv.pressed = false
			}
			return
		}
		hit, _ := cv.ctrl.Click(cv.page, pos)
		if hit != nil && !hit.ReadOnly {
			cv.pressID = hit.ID
		}

	case pointer.Drag:
		switch cv.ctrl.State() {
		case gesture.StateDragging:
			cv.ctrl.DragMove(pos)
		case gesture.StateResizing:
			cv.ctrl.ResizeMove(pos)
		default:
			if cv.pressed && cv.pressID != "" && dist(pos, cv.pressPos) > cv.dragThreshold {
				if err := cv.ctrl.BeginDrag(cv.pressID, cv.pressPos); err == nil {
					cv.ctrl.DragMove(pos)
				}
			}
		}

	case pointer.Release:
		cv.pressed = false
		cv.pressID = ""
		switch cv.ctrl.State() {
		case gesture.StateDragging:
			cv.ctrl.EndDrag()
		case gesture.StateResizing:
			cv.ctrl.EndResize()
		}

	case pointer.Cancel:
		cv.pressed = false
		cv.pressID = ""
		cv.ctrl.Cancel()
	}
}

// inHandle reports whether a page-local position falls on the resize
// handle at the element's bottom-right corner.
func (cv *Canvas) inHandle(a *annotation.Annotation, pos transform.Point, scale float64) bool {
	r := a.Rect()
	cx := (r.X + r.Width) * scale
	cy := (r.Y + r.Height) * scale
	reach := cv.handleRadius/2 + cv.dragThreshold
	return math.Abs(pos.X-cx) <= reach && math.Abs(pos.Y-cy) <= reach
}

func dist(a, b transform.Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

func decodeDataURL(data string) (image.Image, error) {
	raw := data
	if strings.HasPrefix(raw, "data:") {
		if i := strings.Index(raw, ","); i >= 0 {
			raw = raw[i+1:]
		}
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(decoded))
	return img, err
}
