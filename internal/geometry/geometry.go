// Package geometry resolves authoritative page geometry for annotation
// placement.
//
// The rendering layer reports page dimensions as it lays pages out, but some
// renderers report width and height swapped for rotated pages. The resolver
// cross-checks reported dimensions against the true media box read by an
// independent PDF metadata reader, corrects inversions, and derives the
// display dimensions every coordinate conversion depends on.
//
// Resolution never blocks and never fails: when nothing at all is known
// about a page, US-Letter dimensions are assumed so that placement degrades
// instead of stalling.
package geometry

// US-Letter dimensions in PDF points, assumed when no page information is
// available from any source.
const (
	FallbackWidth  = 612.0
	FallbackHeight = 792.0
)

// RawPageInfo is the unresolved page description assembled from the
// rendering layer and, when available, the PDF metadata reader.
type RawPageInfo struct {
	// PageNumber is 1-based.
	PageNumber int `json:"pageNumber"`

	// ReportedWidth and ReportedHeight are the dimensions the rendering
	// layer observed, in PDF points. Zero when the page never rendered.
	ReportedWidth  float64 `json:"reportedWidth"`
	ReportedHeight float64 `json:"reportedHeight"`

	// Rotation is the page rotation in degrees as reported. Any integer is
	// accepted; it is normalized during resolution.
	Rotation int `json:"rotation"`

	// TrueWidth and TrueHeight are the media box dimensions from the
	// metadata reader, in PDF points. Zero when unknown.
	TrueWidth  float64 `json:"trueWidth,omitempty"`
	TrueHeight float64 `json:"trueHeight,omitempty"`

	// Source labels where the report came from, for logs.
	Source string `json:"source,omitempty"`
}

// PageGeometry is the resolved, authoritative geometry for one page.
type PageGeometry struct {
	// PageNumber is 1-based.
	PageNumber int `json:"pageNumber"`

	// OriginalWidth and OriginalHeight are the unrotated page dimensions in
	// PDF points.
	OriginalWidth  float64 `json:"originalWidth"`
	OriginalHeight float64 `json:"originalHeight"`

	// Rotation is normalized to 0, 90, 180 or 270.
	Rotation int `json:"rotation"`

	// DisplayWidth and DisplayHeight are the dimensions the page occupies on
	// screen at scale 1.0: the originals, swapped when the rotation turns
	// the page sideways.
	DisplayWidth  float64 `json:"displayWidth"`
	DisplayHeight float64 `json:"displayHeight"`

	// CorrectionApplied records that the reported dimensions arrived
	// inverted and were swapped back during resolution.
	CorrectionApplied bool `json:"correctionApplied"`
}

// LookupFunc resolves the geometry for a page of the current document.
// The second return is false while the page is still unresolved.
type LookupFunc func(page int) (PageGeometry, bool)

// DisplaySize returns the display dimensions as a pair.
func (g PageGeometry) DisplaySize() (w, h float64) {
	return g.DisplayWidth, g.DisplayHeight
}

// Sideways reports whether the rotation swaps the display dimensions.
func (g PageGeometry) Sideways() bool {
	return g.Rotation == 90 || g.Rotation == 270
}

// Fallback returns the US-Letter fallback geometry for a page.
func Fallback(pageNumber int) PageGeometry {
	return PageGeometry{
		PageNumber:     pageNumber,
		OriginalWidth:  FallbackWidth,
		OriginalHeight: FallbackHeight,
		DisplayWidth:   FallbackWidth,
		DisplayHeight:  FallbackHeight,
	}
}

// NormalizeRotation folds an arbitrary rotation in degrees onto
// {0, 90, 180, 270}, rounding to the nearest right angle.
func NormalizeRotation(deg int) int {
	r := deg % 360
	if r < 0 {
		r += 360
	}
	return (r + 45) / 90 * 90 % 360
}

// displayDims derives display dimensions from unrotated dimensions and a
// normalized rotation. This is the only place the sideways swap happens;
// every coordinate conversion inherits it through PageGeometry.
func displayDims(w, h float64, rotation int) (float64, float64) {
	if rotation == 90 || rotation == 270 {
		return h, w
	}
	return w, h
}
