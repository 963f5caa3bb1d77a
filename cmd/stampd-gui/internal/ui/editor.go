// Package ui holds the stampd-gui components: the editor frame and the
// page canvas it wraps.
package ui

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"gioui.org/layout"
	"gioui.org/op"
	"gioui.org/op/clip"
	"gioui.org/op/paint"
	"gioui.org/unit"
	"gioui.org/widget"
	"gioui.org/widget/material"

	"stampd/cmd/stampd-gui/internal/theme"
	"stampd/internal/annotation"
	"stampd/internal/gesture"
	"stampd/internal/pagesource"
	"stampd/internal/persist"
)

// noticeTTL is how long a transient notice stays in the status bar.
const noticeTTL = 4 * time.Second

// Saver is the slice of the persistence adapter the editor drives.
type Saver interface {
	DeleteAnnotation(id string) bool
	Flush(ctx context.Context) error
}

// Config wires the editor view to its session collaborators.
type Config struct {
	Source         pagesource.Source
	Controller     *gesture.Controller
	Annotations    *annotation.Editor
	Saver          Saver
	DocumentName   string
	StartPage      int
	RenderDPI      int
	SignatureImage string
}

// Editor is the main UI component: toolbar, page canvas, status bar.
type Editor struct {
	theme  *theme.Theme
	ctrl   *gesture.Controller
	ann    *annotation.Editor
	saver  Saver
	canvas *Canvas

	docName   string
	pageCount int
	signature string

	signatureBtn widget.Clickable
	textBtn      widget.Clickable
	cancelBtn    widget.Clickable
	deleteBtn    widget.Clickable
	saveBtn      widget.Clickable
	prevBtn      widget.Clickable
	nextBtn      widget.Clickable
	zoomInBtn    widget.Clickable
	zoomOutBtn   widget.Clickable
	retryBtn     widget.Clickable
	dismissBtn   widget.Clickable
	contentField widget.Editor

	// Notices and save failures arrive from other goroutines.
	mu       sync.Mutex
	notice   string
	noticeAt time.Time
	failure  *persist.Failure
}

// NewEditor creates the editor view.
func NewEditor(t *theme.Theme, cfg Config) *Editor {
	v := &Editor{
		theme:     t,
		ctrl:      cfg.Controller,
		ann:       cfg.Annotations,
		saver:     cfg.Saver,
		docName:   cfg.DocumentName,
		pageCount: cfg.Source.PageCount(),
		signature: cfg.SignatureImage,
		canvas:    NewCanvas(t, cfg.Source, cfg.Controller, cfg.Annotations, cfg.RenderDPI, cfg.StartPage),
	}
	v.contentField.SingleLine = true
	return v
}

// ShowNotice puts a transient message in the status bar.
func (v *Editor) ShowNotice(msg string) {
	v.mu.Lock()
	v.notice = msg
	v.noticeAt = time.Now()
	v.mu.Unlock()
}

// ShowFailure puts a save failure with its retry in the status bar. It
// stays until retried or dismissed.
func (v *Editor) ShowFailure(f persist.Failure) {
	v.mu.Lock()
	v.failure = &f
	v.mu.Unlock()
}

// Layout renders the editor.
func (v *Editor) Layout(gtx layout.Context) layout.Dimensions {
	v.handleActions(gtx)

	paint.Fill(gtx.Ops, v.theme.Palette.Background)

	return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
		layout.Rigid(v.layoutToolbar),
		layout.Rigid(v.divider),
		layout.Flexed(1, v.canvas.Layout),
		layout.Rigid(v.divider),
		layout.Rigid(v.layoutStatus),
	)
}

func (v *Editor) handleActions(gtx layout.Context) {
	for v.signatureBtn.Clicked(gtx) {
		v.ctrl.ArmPlacement(gesture.Placement{
			Type:            annotation.TypeSignature,
			ImageData:       v.signature,
			SignatureSource: annotation.SourceCanvas,
		})
		v.ShowNotice("signature tool armed: click the page to place")
	}
	for v.textBtn.Clicked(gtx) {
		content := strings.TrimSpace(v.contentField.Text())
		if content == "" {
			v.ShowNotice("type the text before arming the text tool")
			continue
		}
		v.ctrl.ArmPlacement(gesture.Placement{
			Type:    annotation.TypeText,
			Content: content,
		})
		v.ShowNotice("text tool armed: click the page to place")
	}
	for v.cancelBtn.Clicked(gtx) {
		v.ctrl.Cancel()
	}
	for v.deleteBtn.Clicked(gtx) {
		if sel, ok := v.ann.Selected(); ok {
			v.saver.DeleteAnnotation(sel.ID)
		} else {
			v.ShowNotice("select an annotation to delete")
		}
	}
	for v.saveBtn.Clicked(gtx) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			// Failures come back through the failure subscription.
			_ = v.saver.Flush(ctx)
		}()
	}
	for v.prevBtn.Clicked(gtx) {
		v.canvas.SetPage(v.canvas.Page() - 1)
	}
	for v.nextBtn.Clicked(gtx) {
		v.canvas.SetPage(v.canvas.Page() + 1)
	}
	for v.zoomInBtn.Clicked(gtx) {
		v.canvas.ZoomIn()
	}
	for v.zoomOutBtn.Clicked(gtx) {
		v.canvas.ZoomOut()
	}
	for v.retryBtn.Clicked(gtx) {
		v.mu.Lock()
		f := v.failure
		v.failure = nil
		v.mu.Unlock()
		if f != nil && f.Retry != nil {
			go f.Retry()
		}
	}
	for v.dismissBtn.Clicked(gtx) {
		v.mu.Lock()
		v.failure = nil
		v.mu.Unlock()
	}
}

func (v *Editor) layoutToolbar(gtx layout.Context) layout.Dimensions {
	return layout.UniformInset(v.theme.Config.Spacing).Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Flex{Axis: layout.Horizontal, Alignment: layout.Middle}.Layout(gtx,
			v.button(&v.signatureBtn, "Signature"),
			v.gap(),
			v.button(&v.textBtn, "Text"),
			v.gap(),
			layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
				border := widget.Border{
					Color:        v.theme.Palette.Border,
					CornerRadius: v.theme.Config.CornerRadius,
					Width:        unit.Dp(1),
				}
				return border.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
					return layout.UniformInset(unit.Dp(6)).Layout(gtx, func(gtx layout.Context) layout.Dimensions {
						ed := material.Editor(v.theme.Theme, &v.contentField, "Text to place")
						ed.TextSize = v.theme.Config.FontBody
						return ed.Layout(gtx)
					})
				})
			}),
			v.gap(),
			v.button(&v.cancelBtn, "Cancel"),
			v.gap(),
			v.button(&v.deleteBtn, "Delete"),
			v.gap(),
			v.button(&v.saveBtn, "Save"),
		)
	})
}

func (v *Editor) layoutStatus(gtx layout.Context) layout.Dimensions {
	v.mu.Lock()
	notice := v.notice
	noticeAt := v.noticeAt
	failure := v.failure
	v.mu.Unlock()

	if notice != "" {
		if time.Since(noticeAt) >= noticeTTL {
			v.mu.Lock()
			if v.noticeAt.Equal(noticeAt) {
				v.notice = ""
			}
			v.mu.Unlock()
			notice = ""
		} else {
			gtx.Execute(op.InvalidateCmd{At: noticeAt.Add(noticeTTL)})
		}
	}

	return layout.UniformInset(v.theme.Config.Spacing).Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Flex{Axis: layout.Horizontal, Alignment: layout.Middle}.Layout(gtx,
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				info := fmt.Sprintf("%s · page %d of %d · %d annotations · %s",
					v.docName, v.canvas.Page(), v.pageCount, v.ann.Len(), v.ctrl.State())
				l := material.Label(v.theme.Theme, v.theme.Config.FontCaption, info)
				l.Color = v.theme.Palette.TextMuted
				return l.Layout(gtx)
			}),
			v.gap(),
			layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
				switch {
				case failure != nil:
					return v.layoutFailure(gtx, failure)
				case notice != "":
					l := material.Label(v.theme.Theme, v.theme.Config.FontCaption, notice)
					l.Color = v.theme.Palette.Warning
					return l.Layout(gtx)
				}
				return layout.Dimensions{}
			}),
			v.gap(),
			v.button(&v.prevBtn, "Prev"),
			v.gap(),
			v.button(&v.nextBtn, "Next"),
			v.gap(),
			v.button(&v.zoomOutBtn, "-"),
			v.gap(),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				l := material.Label(v.theme.Theme, v.theme.Config.FontCaption,
					fmt.Sprintf("%d%%", v.canvas.ZoomPercent()))
				l.Color = v.theme.Palette.TextMuted
				return l.Layout(gtx)
			}),
			v.gap(),
			v.button(&v.zoomInBtn, "+"),
		)
	})
}

func (v *Editor) layoutFailure(gtx layout.Context, f *persist.Failure) layout.Dimensions {
	msg := fmt.Sprintf("%s failed: %v", f.Op, f.Err)
	return layout.Flex{Axis: layout.Horizontal, Alignment: layout.Middle}.Layout(gtx,
		layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			l := material.Label(v.theme.Theme, v.theme.Config.FontCaption, msg)
			l.Color = v.theme.Palette.Error
			l.MaxLines = 1
			return l.Layout(gtx)
		}),
		v.gap(),
		v.button(&v.retryBtn, "Retry"),
		v.gap(),
		v.button(&v.dismissBtn, "Dismiss"),
	)
}

func (v *Editor) button(b *widget.Clickable, label string) layout.FlexChild {
	return layout.Rigid(func(gtx layout.Context) layout.Dimensions {
		bt := material.Button(v.theme.Theme, b, label)
		bt.TextSize = v.theme.Config.FontCaption
		bt.Inset = layout.UniformInset(unit.Dp(6))
		return bt.Layout(gtx)
	})
}

func (v *Editor) gap() layout.FlexChild {
	return layout.Rigid(layout.Spacer{Width: v.theme.Config.Spacing}.Layout)
}

func (v *Editor) divider(gtx layout.Context) layout.Dimensions {
	size := image.Pt(gtx.Constraints.Max.X, gtx.Dp(unit.Dp(1)))
	paint.FillShape(gtx.Ops, v.theme.Palette.Border, clip.Rect{Max: size}.Op())
	return layout.Dimensions{Size: size}
}
