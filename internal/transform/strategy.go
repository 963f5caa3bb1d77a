package transform

// SizeStrategy decides the absolute element size during relative→absolute
// conversion.
type SizeStrategy interface {
	// Size returns the element size in scale-1.0 screen points given the
	// stored relative extents and the page display dimensions.
	Size(relW, relH, displayW, displayH float64) (w, h float64)

	// Name identifies the strategy in logs.
	Name() string
}

// FixedSize places elements at a constant size regardless of the stored
// relative extents. Signature stamps use this so a signature looks the same
// on every page it lands on.
type FixedSize struct {
	Width  float64
	Height float64
}

// Size implements SizeStrategy. Unset dimensions fall back to the default
// signature stamp size.
func (s FixedSize) Size(_, _, _, _ float64) (float64, float64) {
	w, h := s.Width, s.Height
	if w <= 0 {
		w = DefaultSignatureWidth
	}
	if h <= 0 {
		h = DefaultSignatureHeight
	}
	return w, h
}

// Name implements SizeStrategy.
func (FixedSize) Name() string { return "fixed" }

// Proportional scales the element with the page, for text annotations whose
// footprint follows the display dimensions.
type Proportional struct{}

// Size implements SizeStrategy.
func (Proportional) Size(relW, relH, displayW, displayH float64) (float64, float64) {
	return relW * displayW, relH * displayH
}

// Name implements SizeStrategy.
func (Proportional) Name() string { return "proportional" }

// DefaultSignatureSize returns the fixed strategy with the stock signature
// stamp dimensions.
func DefaultSignatureSize() FixedSize {
	return FixedSize{Width: DefaultSignatureWidth, Height: DefaultSignatureHeight}
}
