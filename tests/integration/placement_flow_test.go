//go:build integration

package integration

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"stampd/internal/annotation"
	"stampd/internal/gesture"
	"stampd/internal/store"
	"stampd/internal/transform"
)

// TestPlacementFlow walks the full editing lifecycle against a live API:
//
//  1. Register a document and resolve its page geometry.
//  2. Arm the signature tool and place by clicking.
//  3. Verify the placement debounce lock drops a rapid second click.
//  4. Place a text annotation after the lock expires.
//  5. Drag and resize at a non-unit zoom scale.
//  6. Flush, reload in a fresh session, and verify ids and coordinates
//     survive the round trip without drift.
func TestPlacementFlow(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()

	docID := env.CreateDocument("lease-agreement.pdf", 3)
	for page := 1; page <= 3; page++ {
		env.PutGeometry(docID, LetterPage(page))
	}

	ed, ad, ctrl := env.NewEditorSession(docID, 60*time.Millisecond)
	defer ad.Close()

	var sigID, textID string

	t.Run("armed_signature_click_places_centered", func(t *testing.T) {
		ctrl.ArmPlacement(gesture.Placement{
			Type:            annotation.TypeSignature,
			ImageData:       onePixelPNG,
			SignatureSource: annotation.SourceCanvas,
		})
		AssertEqual(t, gesture.StatePlacing, ctrl.State(), "arming should enter placing")

		placed, err := ctrl.Click(1, transform.Point{X: 300, Y: 400})
		AssertNoError(t, err, "place click")
		AssertTrue(t, placed != nil, "place click should return the annotation")

		_, err = uuid.Parse(placed.ID)
		AssertNoError(t, err, "placed annotation should carry a minted uuid")
		AssertNear(t, 300-transform.DefaultSignatureWidth/2, placed.X, 1e-9, "placement should center on the click x")
		AssertNear(t, 400-transform.DefaultSignatureHeight/2, placed.Y, 1e-9, "placement should center on the click y")
		AssertEqual(t, transform.DefaultSignatureWidth, placed.Width, "default signature width")
		AssertEqual(t, transform.DefaultSignatureHeight, placed.Height, "default signature height")

		// The tool stays armed for repeat stamping and the fresh
		// signature is left selected for immediate adjustment.
		AssertEqual(t, gesture.StatePlacing, ctrl.State(), "signature tool should stay armed")
		sel, ok := ed.Selected()
		AssertTrue(t, ok && sel.ID == placed.ID, "placed signature should be selected")

		sigID = placed.ID
	})

	t.Run("placement_lock_drops_rapid_second_click", func(t *testing.T) {
		_, err := ctrl.Click(1, transform.Point{X: 100, Y: 100})
		AssertTrue(t, errors.Is(err, gesture.ErrLocked), "second click inside the lock window should be dropped")
		AssertEqual(t, 1, ed.Len(), "dropped click must not insert")
	})

	t.Run("text_placement_after_lock_expires", func(t *testing.T) {
		time.Sleep(80 * time.Millisecond)

		ctrl.ArmPlacement(gesture.Placement{
			Type:    annotation.TypeText,
			Content: "Signed by R. Alvarez",
		})
		placed, err := ctrl.Click(2, transform.Point{X: 200, Y: 150})
		AssertNoError(t, err, "place after lock expiry")
		AssertEqual(t, annotation.DefaultTextWidth, placed.Width, "default text width")
		AssertEqual(t, annotation.DefaultTextHeight, placed.Height, "default text height")
		AssertEqual(t, annotation.DefaultFontSize, placed.FontSize, "text placement should get the default font size")

		// Text placements deselect; the next click edits nothing by accident.
		_, ok := ed.Selected()
		AssertFalse(t, ok, "text placement should not stay selected")

		textID = placed.ID
	})

	t.Run("drag_divides_screen_delta_by_scale", func(t *testing.T) {
		// Pin the placed state so the post-gesture save shows up as an
		// update in the audit diff.
		AssertNoError(t, ad.Flush(env.Ctx), "flush before dragging")

		ctrl.Disarm()
		ctrl.SetScale(2)
		defer ctrl.SetScale(1)

		before, ok := ed.Get(sigID)
		AssertTrue(t, ok, "signature should exist")

		AssertNoError(t, ctrl.BeginDrag(sigID, transform.Point{X: 600, Y: 800}), "begin drag")
		ctrl.DragMove(transform.Point{X: 650, Y: 830})
		ctrl.EndDrag()

		after, _ := ed.Get(sigID)
		AssertNear(t, before.X+25, after.X, 1e-9, "50px of screen travel at 2x is 25 points")
		AssertNear(t, before.Y+15, after.Y, 1e-9, "30px of screen travel at 2x is 15 points")
		AssertEqual(t, gesture.StateIdle, ctrl.State(), "drag end should return to idle")
	})

	t.Run("resize_grows_from_the_anchored_origin", func(t *testing.T) {
		before, _ := ed.Get(sigID)

		AssertNoError(t, ctrl.BeginResize(sigID, transform.Point{X: 400, Y: 440}), "begin resize")
		ctrl.ResizeMove(transform.Point{X: 430, Y: 460})
		ctrl.EndResize()

		after, _ := ed.Get(sigID)
		AssertNear(t, before.X, after.X, 1e-9, "resize must not move the origin")
		AssertNear(t, before.Y, after.Y, 1e-9, "resize must not move the origin")
		AssertNear(t, before.Width+30, after.Width, 1e-9, "width grows by the pointer delta")
		AssertNear(t, before.Height+20, after.Height, 1e-9, "height grows by the pointer delta")
	})

	t.Run("flush_persists_with_stable_ids", func(t *testing.T) {
		AssertNoError(t, ad.Flush(env.Ctx), "flush")

		stored := env.ServerAnnotations(docID)
		AssertEqual(t, 2, len(stored), "both annotations should be stored")

		byID := make(map[string]*annotation.Annotation, len(stored))
		for _, a := range stored {
			AssertStoredAnnotation(t, a)
			byID[a.ID] = a
		}

		sig, ok := byID[sigID]
		AssertTrue(t, ok, "signature uuid must survive the save unchanged")
		local, _ := ed.Get(sigID)
		AssertNear(t, local.X/612, sig.RelativeX, 1e-9, "stored relative x")
		AssertNear(t, local.Y/792, sig.RelativeY, 1e-9, "stored relative y")
		AssertNear(t, local.Width/612, sig.RelativeWidth, 1e-9, "stored relative width")
		AssertNear(t, local.Height/792, sig.RelativeHeight, 1e-9, "stored relative height")

		_, ok = byID[textID]
		AssertTrue(t, ok, "text uuid must survive the save unchanged")
	})

	t.Run("fresh_session_reloads_identical_coordinates", func(t *testing.T) {
		ed2, ad2, _ := env.NewEditorSession(docID, time.Second)
		defer ad2.Close()

		n, err := ad2.LoadAnnotations(env.Ctx)
		AssertNoError(t, err, "load annotations")
		AssertEqual(t, 2, n, "reload count")

		orig, _ := ed.Get(sigID)
		loaded, ok := ed2.Get(sigID)
		AssertTrue(t, ok, "signature should reload under the same id")
		AssertNear(t, orig.X, loaded.X, 1e-6, "reloaded x")
		AssertNear(t, orig.Y, loaded.Y, 1e-6, "reloaded y")
		AssertNear(t, orig.Width, loaded.Width, 1e-6, "reloaded width")
		AssertNear(t, orig.Height, loaded.Height, 1e-6, "reloaded height")

		// Loading already converted everything; a second pass over the
		// same batch must find nothing left to convert.
		AssertEqual(t, 0, ad2.Reconvert(), "reload must not reconvert")
		settled, _ := ed2.Get(sigID)
		AssertNear(t, loaded.X, settled.X, 1e-9, "reconvert pass must not move anything")
	})

	t.Run("audit_trail_records_the_changes", func(t *testing.T) {
		entries := env.AuditEntries(docID, 100)

		counts := make(map[string]int)
		for _, e := range entries {
			counts[e.Action]++
		}
		AssertEqual(t, 2, counts[store.AuditAnnotationCreated], "each annotation is created exactly once")
		AssertTrue(t, counts[store.AuditAnnotationUpdated] >= 1, "the gesture edits should audit as updates")
		AssertTrue(t, counts[store.AuditAnnotationsSaved] >= 1, "each save batch is audited")
	})

	t.Run("delete_removes_locally_and_remotely", func(t *testing.T) {
		AssertTrue(t, ad.DeleteAnnotation(textID), "delete known annotation")
		AssertEqual(t, 1, ed.Len(), "local list should shrink immediately")

		env.WaitFor("remote delete", 2*time.Second, func() bool {
			return len(env.ServerAnnotations(docID)) == 1
		})

		AssertFalse(t, ad.DeleteAnnotation("no-such-id"), "deleting an unknown id is a no-op")
	})
}

// TestDraftIDReconciliation saves an annotation under a client-assigned
// placeholder id and verifies the server-minted canonical id replaces it
// everywhere.
func TestDraftIDReconciliation(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()

	docID := env.CreateDocument("addendum.pdf", 1)
	env.PutGeometry(docID, LetterPage(1))

	ed, ad, _ := env.NewEditorSession(docID, time.Second)
	defer ad.Close()

	inserted, err := ed.Insert(&annotation.Annotation{
		ID:      "draft-1",
		Type:    annotation.TypeText,
		Page:    1,
		X:       40,
		Y:       60,
		Width:   120,
		Height:  30,
		Content: "initials",
	})
	AssertNoError(t, err, "insert draft")
	AssertEqual(t, "draft-1", inserted.ID, "editor keeps explicit ids until the save")

	AssertNoError(t, ad.Flush(env.Ctx), "flush draft")

	_, stillDraft := ed.Get("draft-1")
	AssertFalse(t, stillDraft, "placeholder id should be gone after reconciliation")

	list := ed.List()
	AssertEqual(t, 1, len(list), "one annotation")
	canonical := list[0].ID
	_, err = uuid.Parse(canonical)
	AssertNoError(t, err, "canonical id should be a uuid")

	stored := env.ServerAnnotations(docID)
	AssertEqual(t, 1, len(stored), "one stored annotation")
	AssertEqual(t, canonical, stored[0].ID, "local and stored ids should agree")

	// A second save round-trips the canonical id untouched.
	_, err = ed.SetContent(canonical, "initials: RA")
	AssertNoError(t, err, "edit under canonical id")
	AssertNoError(t, ad.Flush(env.Ctx), "second flush")

	stored = env.ServerAnnotations(docID)
	AssertEqual(t, 1, len(stored), "still one stored annotation")
	AssertEqual(t, canonical, stored[0].ID, "canonical id should be stable across saves")
}
