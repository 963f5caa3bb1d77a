// Package annotation holds the annotation model and the per-document editor
// state every gesture and persistence operation flows through.
//
// The relative coordinates are the source of truth: absolute x/y/width/
// height are scale-1.0 screen space derived from them and the resolved page
// geometry. After every mutation the pair satisfies
//
//	absolute == relative × displayDimension
//
// for each axis, as long as the page geometry is known.
package annotation

import (
	"errors"
	"time"

	"stampd/internal/transform"
)

// Type of a placed element.
type Type string

const (
	// TypeSignature is a signature stamp backed by image data.
	TypeSignature Type = "signature"
	// TypeText is a free-text annotation.
	TypeText Type = "text"
)

// Valid reports whether t is a known annotation type.
func (t Type) Valid() bool {
	return t == TypeSignature || t == TypeText
}

// SignatureSource records where signature image data came from.
type SignatureSource string

const (
	// SourceCanvas marks signatures drawn in the on-screen canvas.
	SourceCanvas SignatureSource = "canvas"
	// SourcePenDevice marks signatures captured on an external pen device.
	SourcePenDevice SignatureSource = "external-pen-device"
)

// Font size bounds for text annotations, in points. Values outside the
// window are clamped, not rejected.
const (
	MinFontSize     = 8
	MaxFontSize     = 19
	DefaultFontSize = 12
)

// Default initial extent of a text annotation at placement time.
const (
	DefaultTextWidth  = 200.0
	DefaultTextHeight = 50.0
)

// Package errors.
var (
	// ErrMissingGeometry means the page geometry needed for a conversion is
	// not resolved yet. Placement surfaces it to the user; drag and resize
	// frames skip it silently.
	ErrMissingGeometry = errors.New("page geometry not resolved")

	// ErrReadOnly rejects mutations of read-only annotations.
	ErrReadOnly = errors.New("annotation is read-only")

	// ErrNotFound means the annotation id is unknown to the editor.
	ErrNotFound = errors.New("annotation not found")
)

// PageDimensions is the display-dimension snapshot frozen when an
// annotation is created, kept so later loads can tell when a placement was
// made against geometry that has since been re-resolved.
type PageDimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Annotation is one placed element on a document page.
//
// The JSON shape is the external wire contract: absolute and relative
// fields are both always present.
type Annotation struct {
	ID   string `json:"id"`
	Type Type   `json:"type"`
	Page int    `json:"page"`

	// Absolute position and size in scale-1.0 screen space, top-left
	// origin, PDF points. Deliberately not clamped: negative and off-page
	// values are legal and persisted as-is.
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`

	// Relative position and size as fractions of the page display
	// dimensions. Source of truth.
	RelativeX      float64 `json:"relativeX"`
	RelativeY      float64 `json:"relativeY"`
	RelativeWidth  float64 `json:"relativeWidth"`
	RelativeHeight float64 `json:"relativeHeight"`

	// Content is the text body of text annotations.
	Content string `json:"content,omitempty"`

	// ImageData is the signature bitmap as a data URL.
	ImageData string `json:"imageData,omitempty"`

	SignatureSource SignatureSource `json:"signatureSource,omitempty"`

	// FontSize applies to text annotations only, clamped to
	// [MinFontSize, MaxFontSize].
	FontSize int `json:"fontSize,omitempty"`

	// ReadOnly blocks drag, resize and content edits.
	ReadOnly bool `json:"readOnly,omitempty"`

	// IsExistingSignature marks signatures that were already merged into
	// the document before this editing session.
	IsExistingSignature bool `json:"isExistingSignature,omitempty"`

	// SourcePageDimensions is the frozen snapshot taken at creation.
	SourcePageDimensions *PageDimensions `json:"sourcePageDimensions,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`

	// Converted reports whether absolute coordinates were computed from the
	// relatives for this load. Annotations on pages without resolved
	// geometry stay unconverted (zeroed absolute) until a later reload.
	Converted bool `json:"-"`
}

// Clone returns a deep copy.
func (a *Annotation) Clone() *Annotation {
	if a == nil {
		return nil
	}
	out := *a
	if a.SourcePageDimensions != nil {
		dims := *a.SourcePageDimensions
		out.SourcePageDimensions = &dims
	}
	return &out
}

// Rect returns the absolute rect.
func (a *Annotation) Rect() transform.Rect {
	return transform.Rect{X: a.X, Y: a.Y, Width: a.Width, Height: a.Height}
}

// setRect stores an absolute rect without touching the relatives; callers
// are responsible for restoring the invariant.
func (a *Annotation) setRect(r transform.Rect) {
	a.X, a.Y, a.Width, a.Height = r.X, r.Y, r.Width, r.Height
}

// MinSize returns the resize floor for the annotation type.
func (a *Annotation) MinSize() (w, h float64) {
	if a.Type == TypeText {
		return transform.MinTextWidth, transform.MinTextHeight
	}
	return transform.MinSignatureWidth, transform.MinSignatureHeight
}

// ClampFontSize folds a requested size into the legal window.
func ClampFontSize(size int) int {
	if size < MinFontSize {
		return MinFontSize
	}
	if size > MaxFontSize {
		return MaxFontSize
	}
	return size
}
