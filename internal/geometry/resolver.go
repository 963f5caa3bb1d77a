package geometry

import (
	"log/slog"
	"math"
)

// Config holds the resolver settings.
type Config struct {
	// Tolerance is the maximum difference in points for two dimensions to
	// count as equal during inversion detection.
	Tolerance float64

	// FallbackWidth and FallbackHeight override the US-Letter fallback.
	FallbackWidth  float64
	FallbackHeight float64
}

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() Config {
	return Config{
		Tolerance:      1.0,
		FallbackWidth:  FallbackWidth,
		FallbackHeight: FallbackHeight,
	}
}

// Resolver turns raw page reports into authoritative page geometry.
type Resolver struct {
	cfg Config
	log *slog.Logger
}

// NewResolver creates a Resolver. A nil logger falls back to slog.Default.
func NewResolver(cfg Config, log *slog.Logger) *Resolver {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 1.0
	}
	if cfg.FallbackWidth <= 0 {
		cfg.FallbackWidth = FallbackWidth
	}
	if cfg.FallbackHeight <= 0 {
		cfg.FallbackHeight = FallbackHeight
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{cfg: cfg, log: log}
}

// Resolve derives the authoritative geometry for one page.
//
// Resolution is idempotent: feeding back a page whose dimensions are already
// correct never swaps them again. It never blocks and always returns usable
// display dimensions.
func (r *Resolver) Resolve(raw RawPageInfo) PageGeometry {
	rotation := NormalizeRotation(raw.Rotation)

	w, h := raw.ReportedWidth, raw.ReportedHeight
	trueW, trueH := raw.TrueWidth, raw.TrueHeight
	corrected := false

	switch {
	case !validDims(w, h) && validDims(trueW, trueH):
		// The rendering layer never reported; the metadata reader wins.
		w, h = trueW, trueH

	case !validDims(w, h):
		r.log.Debug("page geometry unknown, assuming US Letter",
			"page", raw.PageNumber,
			"source", raw.Source)
		w, h = r.cfg.FallbackWidth, r.cfg.FallbackHeight

	case validDims(trueW, trueH) && r.inverted(w, h, trueW, trueH):
		r.log.Warn("reported page dimensions inverted, correcting",
			"page", raw.PageNumber,
			"source", raw.Source,
			"reportedWidth", w,
			"reportedHeight", h,
			"trueWidth", trueW,
			"trueHeight", trueH)
		w, h = h, w
		corrected = true
	}

	dw, dh := displayDims(w, h, rotation)
	return PageGeometry{
		PageNumber:        raw.PageNumber,
		OriginalWidth:     w,
		OriginalHeight:    h,
		Rotation:          rotation,
		DisplayWidth:      dw,
		DisplayHeight:     dh,
		CorrectionApplied: corrected,
	}
}

// inverted reports whether the reported pair matches the true pair swapped
// but not straight. Near-square pages match both ways and are left alone.
func (r *Resolver) inverted(w, h, trueW, trueH float64) bool {
	straight := r.near(w, trueW) && r.near(h, trueH)
	swapped := r.near(w, trueH) && r.near(h, trueW)
	return swapped && !straight
}

func (r *Resolver) near(a, b float64) bool {
	return math.Abs(a-b) <= r.cfg.Tolerance
}

func validDims(w, h float64) bool {
	if math.IsNaN(w) || math.IsNaN(h) || math.IsInf(w, 0) || math.IsInf(h, 0) {
		return false
	}
	return w > 0 && h > 0
}
