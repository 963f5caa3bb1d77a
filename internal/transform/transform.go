// Package transform converts annotation coordinates between the spaces the
// editor works in.
//
// Three spaces exist:
//
//   - screen: what the pointer reports. Top-left origin, scaled by the
//     current zoom factor.
//   - absolute: screen space at scale 1.0, in PDF points, top-left origin.
//     This is what annotations carry in x/y/width/height.
//   - relative: fractions (0..1) of the page display dimensions. This is
//     the persisted source of truth and survives zoom and window changes.
//
// PDF-native space (bottom-left origin, unrotated page) is produced only at
// hand-off time via ToPDF.
//
// All conversions read display dimensions straight from PageGeometry; the
// rotation-aware swap lives in the geometry resolver and nowhere else.
// Conversions are pure and never touch I/O.
package transform

import (
	"errors"
	"fmt"
	"math"

	"stampd/internal/geometry"
)

// Coordinate sanity bounds. Values outside this window are rejected as
// corrupt input rather than clamped.
const (
	MaxCoordinate = 10000.0
	MinCoordinate = -1000.0
)

// Default element sizes and resize floors, in PDF points.
const (
	DefaultSignatureWidth  = 150.0
	DefaultSignatureHeight = 75.0

	MinSignatureWidth  = 50.0
	MinSignatureHeight = 30.0
	MinTextWidth       = 50.0
	MinTextHeight      = 20.0
)

// ErrInvalidCoordinate marks coordinate values that are NaN, infinite, or
// outside the sanity window. Updates carrying such values are rejected and
// the previous state kept.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a position in one of the coordinate spaces.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned box with a top-left anchor.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Contains reports whether p lies inside the rect (edges inclusive).
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X <= r.X+r.Width &&
		p.Y >= r.Y && p.Y <= r.Y+r.Height
}

// Center returns the rect's midpoint.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// BottomRight returns the rect's bottom-right corner, where the resize
// handle sits.
func (r Rect) BottomRight() Point {
	return Point{X: r.X + r.Width, Y: r.Y + r.Height}
}

// Translate returns the rect shifted by (dx, dy).
func (r Rect) Translate(dx, dy float64) Rect {
	return Rect{X: r.X + dx, Y: r.Y + dy, Width: r.Width, Height: r.Height}
}

// ScreenToRelative converts a pointer position into page-relative fractions:
// the screen position divided by the zoom scale, then by the display
// dimensions.
func ScreenToRelative(p Point, scale float64, g geometry.PageGeometry) (Point, error) {
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return Point{}, fmt.Errorf("%w: scale %g", ErrInvalidCoordinate, scale)
	}
	if err := ValidateValue(p.X); err != nil {
		return Point{}, err
	}
	if err := ValidateValue(p.Y); err != nil {
		return Point{}, err
	}
	dw, dh := g.DisplaySize()
	if dw <= 0 || dh <= 0 {
		return Point{}, fmt.Errorf("%w: display dimensions %gx%g", ErrInvalidCoordinate, dw, dh)
	}
	return Point{
		X: p.X / scale / dw,
		Y: p.Y / scale / dh,
	}, nil
}

// RelativeToAbsolute converts stored relative coordinates into absolute
// (scale-1.0 screen) space. Position always follows the relative fractions;
// size is decided by the strategy.
func RelativeToAbsolute(relX, relY, relW, relH float64, g geometry.PageGeometry, s SizeStrategy) Rect {
	dw, dh := g.DisplaySize()
	w, h := s.Size(relW, relH, dw, dh)
	return Rect{
		X:      relX * dw,
		Y:      relY * dh,
		Width:  w,
		Height: h,
	}
}

// AbsoluteToRelative converts an absolute rect back into relative fractions
// of the display dimensions.
func AbsoluteToRelative(r Rect, g geometry.PageGeometry) (relX, relY, relW, relH float64) {
	dw, dh := g.DisplaySize()
	return r.X / dw, r.Y / dh, r.Width / dw, r.Height / dh
}

// ToPDF converts relative coordinates into PDF-native space: points on the
// unrotated page with a bottom-left origin. The vertical flip anchors the
// element's bottom edge the way PDF stamping expects.
func ToPDF(relX, relY, w, h float64, g geometry.PageGeometry) Rect {
	dw, dh := g.DisplaySize()
	return Rect{
		X:      relX * dw,
		Y:      g.OriginalHeight - relY*dh - h,
		Width:  w,
		Height: h,
	}
}

// ConstrainToPage clamps a rect into the page display bounds and reports
// whether anything changed. This is the legacy bounds policy; it runs only
// when page-bounds enforcement is switched on.
func ConstrainToPage(r Rect, g geometry.PageGeometry) (Rect, bool) {
	dw, dh := g.DisplaySize()
	out := r
	clamped := false

	if out.Width > dw {
		out.Width = dw
		clamped = true
	}
	if out.Height > dh {
		out.Height = dh
		clamped = true
	}
	if out.X < 0 {
		out.X = 0
		clamped = true
	}
	if out.Y < 0 {
		out.Y = 0
		clamped = true
	}
	if out.X+out.Width > dw {
		out.X = dw - out.Width
		clamped = true
	}
	if out.Y+out.Height > dh {
		out.Y = dh - out.Height
		clamped = true
	}
	return out, clamped
}

// ValidateValue rejects NaN, infinities and values outside the sanity
// window.
func ValidateValue(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: not finite", ErrInvalidCoordinate)
	}
	if v > MaxCoordinate || v < MinCoordinate {
		return fmt.Errorf("%w: %g outside [%g, %g]", ErrInvalidCoordinate, v, MinCoordinate, MaxCoordinate)
	}
	return nil
}

// ValidateRect validates all four rect components.
func ValidateRect(r Rect) error {
	for _, v := range [4]float64{r.X, r.Y, r.Width, r.Height} {
		if err := ValidateValue(v); err != nil {
			return err
		}
	}
	return nil
}
