//go:build integration

package integration

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"stampd/internal/annotation"
	"stampd/internal/geometry"
	"stampd/internal/gesture"
	"stampd/internal/transform"
)

// TestDimensionCorrectionFlow submits a page report with width and height
// swapped against the media box and verifies the correction propagates
// everywhere: the resolved response, the stored geometry, and the
// coordinates of annotations placed on the corrected page.
func TestDimensionCorrectionFlow(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()

	docID := env.CreateDocument("scan-bundle.pdf", 2)

	t.Run("swapped_report_is_corrected", func(t *testing.T) {
		resolved := env.PutGeometry(docID, SwappedPage(1))

		AssertTrue(t, resolved.CorrectionApplied, "swapped dimensions should be corrected")
		AssertEqual(t, 612.0, resolved.OriginalWidth, "original width after correction")
		AssertEqual(t, 792.0, resolved.OriginalHeight, "original height after correction")
		AssertEqual(t, 612.0, resolved.DisplayWidth, "display width after correction")
		AssertEqual(t, 792.0, resolved.DisplayHeight, "display height after correction")
		AssertEqual(t, 0, resolved.Rotation, "no rotation was reported")
	})

	t.Run("straight_report_is_left_alone", func(t *testing.T) {
		resolved := env.PutGeometry(docID, LetterPage(2))
		AssertFalse(t, resolved.CorrectionApplied, "matching dimensions need no correction")
		AssertEqual(t, 612.0, resolved.DisplayWidth, "display width")
	})

	t.Run("stored_geometry_round_trips", func(t *testing.T) {
		var g geometry.PageGeometry
		env.getJSON("/api/v1/documents/"+docID+"/pages/1/geometry", &g)

		AssertTrue(t, g.CorrectionApplied, "stored geometry keeps the correction flag")
		AssertEqual(t, 612.0, g.DisplayWidth, "stored display width")
		AssertEqual(t, 792.0, g.DisplayHeight, "stored display height")

		var listing struct {
			Pages []geometry.PageGeometry `json:"pages"`
		}
		env.getJSON("/api/v1/documents/"+docID+"/geometry", &listing)
		AssertEqual(t, 2, len(listing.Pages), "both pages should be listed")
	})

	t.Run("placement_uses_corrected_display_dims", func(t *testing.T) {
		_, ad, ctrl := env.NewEditorSession(docID, time.Second)
		defer ad.Close()

		ctrl.ArmPlacement(gesture.Placement{
			Type:            annotation.TypeSignature,
			ImageData:       onePixelPNG,
			SignatureSource: annotation.SourceCanvas,
		})
		placed, err := ctrl.Click(1, transform.Point{X: 306, Y: 396})
		AssertNoError(t, err, "place on the corrected page")

		// Relatives divide by the corrected 612x792, not the swapped
		// report. A placement at the page center must come out at 50%.
		AssertNear(t, (306-placed.Width/2)/612, placed.RelativeX, 1e-9, "relative x against corrected width")
		AssertNear(t, (396-placed.Height/2)/792, placed.RelativeY, 1e-9, "relative y against corrected height")
		AssertNear(t, placed.Width/612, placed.RelativeWidth, 1e-9, "relative width against corrected width")

		dims := placed.SourcePageDimensions
		AssertTrue(t, dims != nil, "placement should snapshot its page dimensions")
		AssertEqual(t, 612.0, dims.Width, "snapshot width is the corrected display width")
		AssertEqual(t, 792.0, dims.Height, "snapshot height is the corrected display height")

		AssertNoError(t, ad.Flush(env.Ctx), "flush")
		stored := env.ServerAnnotations(docID)
		AssertEqual(t, 1, len(stored), "one stored annotation")
		AssertNear(t, placed.RelativeX, stored[0].RelativeX, 1e-9, "stored relative x")
	})
}

// TestRotationSwapsDisplayDims reports a legitimately rotated page and
// verifies display dimensions swap without tripping the inversion
// correction.
func TestRotationSwapsDisplayDims(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()

	docID := env.CreateDocument("landscape.pdf", 1)
	resolved := env.PutGeometry(docID, geometry.RawPageInfo{
		PageNumber:     1,
		ReportedWidth:  612,
		ReportedHeight: 792,
		Rotation:       90,
		TrueWidth:      612,
		TrueHeight:     792,
		Source:         "integration",
	})

	AssertFalse(t, resolved.CorrectionApplied, "a straight report with rotation is not an inversion")
	AssertEqual(t, 90, resolved.Rotation, "rotation is kept")
	AssertEqual(t, 612.0, resolved.OriginalWidth, "original width stays unrotated")
	AssertEqual(t, 792.0, resolved.OriginalHeight, "original height stays unrotated")
	AssertEqual(t, 792.0, resolved.DisplayWidth, "sideways display width is the original height")
	AssertEqual(t, 612.0, resolved.DisplayHeight, "sideways display height is the original width")
	AssertTrue(t, resolved.Sideways(), "90 degrees is sideways")

	// Placement on the sideways page divides by the swapped display dims.
	_, ad, ctrl := env.NewEditorSession(docID, time.Second)
	defer ad.Close()

	ctrl.ArmPlacement(gesture.Placement{Type: annotation.TypeText, Content: "rotated"})
	placed, err := ctrl.Click(1, transform.Point{X: 396, Y: 306})
	AssertNoError(t, err, "place on the sideways page")
	AssertNear(t, (396-placed.Width/2)/792, placed.RelativeX, 1e-9, "relative x against the sideways width")
	AssertNear(t, (306-placed.Height/2)/612, placed.RelativeY, 1e-9, "relative y against the sideways height")
}

// TestUnreportedPageAssumesLetter verifies a page with no dimensions from
// any source resolves to the US-Letter fallback instead of failing.
func TestUnreportedPageAssumesLetter(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()

	docID := env.CreateDocument("blind.pdf", 1)
	resolved := env.PutGeometry(docID, geometry.RawPageInfo{PageNumber: 1, Source: "integration"})

	AssertFalse(t, resolved.CorrectionApplied, "fallback is not a correction")
	AssertEqual(t, geometry.FallbackWidth, resolved.DisplayWidth, "fallback display width")
	AssertEqual(t, geometry.FallbackHeight, resolved.DisplayHeight, "fallback display height")
}

// TestPlacementBlockedUntilGeometryResolves clicks on a page whose
// geometry has not arrived yet and verifies nothing is inserted, the
// user sees a notice, and the placement succeeds once geometry lands.
func TestPlacementBlockedUntilGeometryResolves(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()

	docID := env.CreateDocument("slow-render.pdf", 2)
	env.PutGeometry(docID, LetterPage(1))

	ed, ad, ctrl := env.NewEditorSession(docID, time.Second)
	defer ad.Close()

	var mu sync.Mutex
	var notices []gesture.Notice
	ctrl.OnNotice(func(n gesture.Notice) {
		mu.Lock()
		notices = append(notices, n)
		mu.Unlock()
	})

	t.Run("click_on_unresolved_page_is_blocked", func(t *testing.T) {
		ctrl.ArmPlacement(gesture.Placement{Type: annotation.TypeText, Content: "too soon"})

		_, err := ctrl.Click(2, transform.Point{X: 100, Y: 100})
		AssertTrue(t, errors.Is(err, annotation.ErrMissingGeometry), "blocked placement reports missing geometry")
		AssertEqual(t, 0, ed.Len(), "blocked placement must not insert")
		AssertEqual(t, gesture.StatePlacing, ctrl.State(), "tool should stay armed for the retry")

		mu.Lock()
		defer mu.Unlock()
		AssertEqual(t, 1, len(notices), "one notice for the blocked click")
		AssertEqual(t, 2, notices[0].Page, "notice names the page")
		AssertTrue(t, strings.Contains(notices[0].Message, "still loading"), "notice explains the wait")
	})

	t.Run("unresolved_page_geometry_reads_404", func(t *testing.T) {
		status := env.StatusOf(http.MethodGet, "/api/v1/documents/"+docID+"/pages/2/geometry", nil)
		AssertEqual(t, http.StatusNotFound, status, "unresolved page has no stored geometry")
	})

	t.Run("placement_succeeds_once_geometry_lands", func(t *testing.T) {
		env.PutGeometry(docID, LetterPage(2))

		placed, err := ctrl.Click(2, transform.Point{X: 100, Y: 100})
		AssertNoError(t, err, "retry after geometry resolved")
		AssertEqual(t, 2, placed.Page, "placed on the requested page")
		AssertEqual(t, 1, ed.Len(), "retry inserts exactly once")
	})
}
