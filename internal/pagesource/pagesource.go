// Package pagesource reads page dimensions from PDF files and renders
// pages for display.
//
// Two independent readers feed the geometry resolver. The rendering
// layer (MuPDF via go-fitz) reports the dimensions a page occupies on
// screen with any page rotation already applied; the metadata reader
// (pdfcpu) supplies the raw media box and the page's /Rotate value.
// For a sideways page the two width/height pairs disagree, which is
// exactly the signal the resolver reconciles, so Describe hands both
// through untouched instead of fixing anything here.
package pagesource

import (
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"stampd/internal/geometry"
	"stampd/internal/logging"
)

// DefaultRenderDPI is used when the caller does not pick a resolution.
const DefaultRenderDPI = 144

// Source is a document whose pages can be described and rendered.
type Source interface {
	// Path returns the backing file path.
	Path() string

	// PageCount returns the number of pages.
	PageCount() int

	// Describe assembles the raw geometry report for a 1-based page.
	Describe(page int) (geometry.RawPageInfo, error)

	// Render rasterizes a 1-based page at the given DPI.
	Render(page int, dpi int) (image.Image, error)

	// Close releases the underlying document handles.
	Close() error
}

// pageMeta is what the metadata reader knows about one page: the raw
// media box, before any rotation, and the /Rotate value itself.
type pageMeta struct {
	width    float64
	height   float64
	rotation int
}

// FileSource reads a PDF from disk.
type FileSource struct {
	path string

	mu  sync.Mutex
	doc *fitz.Document

	pageCount int
	meta      []pageMeta
}

// Open opens a PDF file. The media box dimensions are read once up
// front; a PDF whose metadata cannot be parsed still opens, it just
// reports without true dimensions.
func Open(path string) (*FileSource, error) {
	var doc *fitz.Document
	err := guard(path, 0, func() error {
		var oerr error
		doc, oerr = fitz.New(path)
		return oerr
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	s := &FileSource{
		path:      path,
		doc:       doc,
		pageCount: doc.NumPage(),
	}

	// Best effort; a file the metadata reader cannot parse still opens.
	// api.PageDimsFile would be the obvious call here, but it returns
	// dimensions with /Rotate already applied, which erases the signal
	// the resolver needs. The page boundaries carry the raw media box
	// and the rotation separately.
	_ = guard(path, 0, func() error {
		ctx, derr := api.ReadContextFile(path)
		if derr != nil {
			return derr
		}
		pbs, derr := ctx.PageBoundaries(nil)
		if derr != nil {
			return derr
		}
		meta := make([]pageMeta, len(pbs))
		for i, pb := range pbs {
			m := pageMeta{rotation: ((pb.Rot % 360) + 360) % 360}
			if r := pb.MediaBox(); r != nil {
				m.width = r.Width()
				m.height = r.Height()
			}
			meta[i] = m
		}
		s.meta = meta
		return nil
	})
	return s, nil
}

// Path implements Source.
func (s *FileSource) Path() string { return s.path }

// PageCount implements Source.
func (s *FileSource) PageCount() int { return s.pageCount }

// Describe implements Source. The rendering layer's bounds land in
// ReportedWidth/Height; the raw media box, when known, in
// TrueWidth/Height along with the page's /Rotate value. When the
// metadata carries no rotation but the renderer reports the media box
// swapped, the page inherited a rotation the reader missed and is
// treated as sideways.
func (s *FileSource) Describe(page int) (geometry.RawPageInfo, error) {
	if page < 1 || page > s.pageCount {
		return geometry.RawPageInfo{}, fmt.Errorf("page %d out of range [1, %d]", page, s.pageCount)
	}

	var bounds image.Rectangle
	err := guard(s.path, page, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		var berr error
		bounds, berr = s.doc.Bound(page - 1)
		return berr
	})
	if err != nil {
		return geometry.RawPageInfo{}, fmt.Errorf("bound page %d: %w", page, err)
	}

	info := geometry.RawPageInfo{
		PageNumber:     page,
		ReportedWidth:  float64(bounds.Dx()),
		ReportedHeight: float64(bounds.Dy()),
		Source:         "render",
	}
	if page <= len(s.meta) {
		m := s.meta[page-1]
		info.TrueWidth = m.width
		info.TrueHeight = m.height
		info.Rotation = m.rotation
		if m.rotation == 0 && sideways(info.ReportedWidth, info.ReportedHeight, m.width, m.height) {
			info.Rotation = 90
		}
	}
	return info, nil
}

// Render implements Source.
func (s *FileSource) Render(page int, dpi int) (image.Image, error) {
	if page < 1 || page > s.pageCount {
		return nil, fmt.Errorf("page %d out of range [1, %d]", page, s.pageCount)
	}
	if dpi <= 0 {
		dpi = DefaultRenderDPI
	}

	var img image.Image
	err := guard(s.path, page, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		var rerr error
		img, rerr = s.doc.ImageDPI(page-1, float64(dpi))
		return rerr
	})
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", page, err)
	}
	return img, nil
}

// Close implements Source.
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Close()
}

// guard runs fn and converts a panic in either PDF reader into an
// error. Malformed files can abort inside the parsing layers instead
// of failing cleanly; the crash dump records which file and page did
// it.
func guard(path string, page int, fn func() error) error {
	ctx := map[string]interface{}{"path": path}
	if page > 0 {
		ctx["page"] = page
	}
	return logging.WrapPanicWithContext(ctx, fn)
}

// sideways reports whether the rendered pair matches the media box
// swapped but not straight. Near-square pages match both ways and are
// treated as upright.
func sideways(w, h, trueW, trueH float64) bool {
	const tolerance = 1.0
	straight := near(w, trueW, tolerance) && near(h, trueH, tolerance)
	swapped := near(w, trueH, tolerance) && near(h, trueW, tolerance)
	return swapped && !straight
}

func near(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

var _ Source = (*FileSource)(nil)
