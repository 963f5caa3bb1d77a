package theme

import (
	"image/color"
	"runtime"

	"gioui.org/unit"
	"gioui.org/widget/material"
)

// Palette defines the editor colors. Documents want a light theme: the
// rendered page is white, and chrome that fights it looks wrong.
type Palette struct {
	Background color.NRGBA
	Surface    color.NRGBA
	Canvas     color.NRGBA
	Primary    color.NRGBA
	Text       color.NRGBA
	TextMuted  color.NRGBA
	Border     color.NRGBA
	Selection  color.NRGBA
	Overlay    color.NRGBA
	Success    color.NRGBA
	Error      color.NRGBA
	Warning    color.NRGBA
}

// Config defines the editor metrics.
type Config struct {
	CornerRadius unit.Dp
	Spacing      unit.Dp
	Padding      unit.Dp
	HandleSize   unit.Dp
	FontTitle    unit.Sp
	FontBody     unit.Sp
	FontCaption  unit.Sp
}

// Theme wraps the material theme with editor-specific styling.
type Theme struct {
	*material.Theme
	Palette Palette
	Config  Config
}

// NewTheme creates a new theme based on the current OS.
func NewTheme(mtheme *material.Theme) *Theme {
	t := &Theme{
		Theme: mtheme,
	}

	if runtime.GOOS == "windows" {
		setupWindowsTheme(t)
	} else if runtime.GOOS == "darwin" {
		setupMacOSTheme(t)
	} else {
		setupDefaultTheme(t)
	}

	// Material widgets pick the accent up from the palette.
	t.Theme.Palette.Bg = t.Palette.Surface
	t.Theme.Palette.Fg = t.Palette.Text
	t.Theme.Palette.ContrastBg = t.Palette.Primary
	t.Theme.Palette.ContrastFg = color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}

	return t
}

func setupWindowsTheme(t *Theme) {
	// Fluent UI / Windows 11 inspired palette (Light Mode)
	t.Palette = Palette{
		Background: color.NRGBA{R: 0xF3, G: 0xF3, B: 0xF3, A: 0xFF}, // Mica-like
		Surface:    color.NRGBA{R: 0xFB, G: 0xFB, B: 0xFB, A: 0xFF},
		Canvas:     color.NRGBA{R: 0xE1, G: 0xE1, B: 0xE1, A: 0xFF},
		Primary:    color.NRGBA{R: 0x00, G: 0x67, B: 0xC0, A: 0xFF}, // Windows Blue
		Text:       color.NRGBA{R: 0x1B, G: 0x1B, B: 0x1B, A: 0xFF},
		TextMuted:  color.NRGBA{R: 0x61, G: 0x61, B: 0x61, A: 0xFF},
		Border:     color.NRGBA{R: 0xD1, G: 0xD1, B: 0xD1, A: 0xFF},
		Selection:  color.NRGBA{R: 0x00, G: 0x67, B: 0xC0, A: 0xFF},
		Overlay:    color.NRGBA{R: 0x00, G: 0x67, B: 0xC0, A: 0x66},
		Success:    color.NRGBA{R: 0x0F, G: 0x7B, B: 0x0F, A: 0xFF},
		Error:      color.NRGBA{R: 0xC4, G: 0x2B, B: 0x1C, A: 0xFF},
		Warning:    color.NRGBA{R: 0x9D, G: 0x5D, B: 0x00, A: 0xFF},
	}

	t.Config = Config{
		CornerRadius: unit.Dp(4), // Windows 11 rounded corners
		Spacing:      unit.Dp(8),
		Padding:      unit.Dp(16),
		HandleSize:   unit.Dp(10),
		FontTitle:    unit.Sp(20),
		FontBody:     unit.Sp(14),
		FontCaption:  unit.Sp(12),
	}
}

func setupMacOSTheme(t *Theme) {
	// macOS Ventura/Sonoma inspired palette (Light Mode)
	t.Palette = Palette{
		Background: color.NRGBA{R: 0xEC, G: 0xEC, B: 0xEC, A: 0xFF},
		Surface:    color.NRGBA{R: 0xF6, G: 0xF6, B: 0xF6, A: 0xFF},
		Canvas:     color.NRGBA{R: 0xDE, G: 0xDE, B: 0xDE, A: 0xFF},
		Primary:    color.NRGBA{R: 0x00, G: 0x7A, B: 0xFF, A: 0xFF}, // Apple Blue
		Text:       color.NRGBA{R: 0x1D, G: 0x1D, B: 0x1F, A: 0xFF},
		TextMuted:  color.NRGBA{R: 0x6E, G: 0x6E, B: 0x73, A: 0xFF},
		Border:     color.NRGBA{R: 0xD2, G: 0xD2, B: 0xD7, A: 0xFF},
		Selection:  color.NRGBA{R: 0x00, G: 0x7A, B: 0xFF, A: 0xFF},
		Overlay:    color.NRGBA{R: 0x00, G: 0x7A, B: 0xFF, A: 0x66},
		Success:    color.NRGBA{R: 0x28, G: 0xCD, B: 0x41, A: 0xFF},
		Error:      color.NRGBA{R: 0xFF, G: 0x3B, B: 0x30, A: 0xFF},
		Warning:    color.NRGBA{R: 0xFF, G: 0x95, B: 0x00, A: 0xFF},
	}

	t.Config = Config{
		CornerRadius: unit.Dp(10), // macOS rounded corners are larger
		Spacing:      unit.Dp(10),
		Padding:      unit.Dp(20),
		HandleSize:   unit.Dp(10),
		FontTitle:    unit.Sp(22),
		FontBody:     unit.Sp(13), // macOS system font is slightly smaller than Win
		FontCaption:  unit.Sp(11),
	}
}

func setupDefaultTheme(t *Theme) {
	setupWindowsTheme(t) // Default to Windows-like for Linux/Other for now
}
