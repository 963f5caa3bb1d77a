// stampd-gui is the desktop signature editor for stampd. It renders a
// PDF page, lets the user place, drag and resize signature and text
// elements on it, and saves placements to the stampd daemon as they
// settle.
//
// Usage:
//
//	stampd-gui [options] <document.pdf>
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"gioui.org/app"
	"gioui.org/op"
	"gioui.org/unit"
	"gioui.org/widget/material"

	"stampd/cmd/stampd-gui/internal/theme"
	"stampd/cmd/stampd-gui/internal/ui"
	"stampd/internal/gesture"
	"stampd/internal/logging"
	"stampd/internal/persist"
)

// Version is stamped at build time via -ldflags.
var Version = "0.4.0-dev"

var (
	configPath    = flag.String("config", "", "path to config file (default: auto-detect)")
	apiAddr       = flag.String("addr", "", "daemon API address (default: from config)")
	signatureFile = flag.String("signature", "", "PNG or JPEG image used by the signature tool")
	startPage     = flag.Int("page", 1, "page to open")
)

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	// Dumps go to the platform log directory. A panic in the frame loop
	// still kills the process, but leaves a report behind.
	crash := logging.NewCrashHandler("", Version, "stampd-gui")
	logging.SetGlobalCrashHandler(crash)

	sess, err := openSession(sessionOptions{
		path:          flag.Arg(0),
		configPath:    *configPath,
		addr:          *apiAddr,
		signaturePath: *signatureFile,
		page:          *startPage,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "stampd-gui: %v\n", err)
		os.Exit(1)
	}

	go func() {
		defer crash.RecoverWithContext(map[string]interface{}{
			"document": sess.docName,
		})

		w := new(app.Window)
		w.Option(app.Title("stampd - " + sess.docName))
		w.Option(app.Size(unit.Dp(1024), unit.Dp(768)))

		if err := loop(w, sess); err != nil {
			log.Fatal(err)
		}
		os.Exit(0)
	}()
	app.Main()
}

func usage() {
	fmt.Fprint(os.Stderr, `stampd-gui - desktop signature editor

USAGE:
    stampd-gui [options] <document.pdf>

OPTIONS:
    -config <path>     Config file (default: auto-detect)
    -addr <host:port>  Daemon API address (default: from config)
    -signature <path>  Image placed by the signature tool
    -page <n>          Page to open (default: 1)

The editor talks to a running stampd daemon. Placements save
automatically shortly after each change; without a daemon the
document can still be annotated, and the status bar offers a
retry once the daemon is back.
`)
}

func loop(w *app.Window, sess *session) error {
	t := theme.NewTheme(material.NewTheme())

	view := ui.NewEditor(t, ui.Config{
		Source:         sess.src,
		Controller:     sess.ctrl,
		Annotations:    sess.editor,
		Saver:          sess.adapter,
		DocumentName:   sess.docName,
		StartPage:      sess.page,
		RenderDPI:      sess.cfg.Geometry.RenderDPI,
		SignatureImage: sess.signature,
	})

	// Notices and save failures arrive on other goroutines; the window
	// repaints to show them.
	sess.ctrl.OnNotice(func(n gesture.Notice) {
		view.ShowNotice(n.Message)
		w.Invalidate()
	})
	sess.adapter.OnFailure(func(f persist.Failure) {
		view.ShowFailure(f)
		w.Invalidate()
	})

	var ops op.Ops
	for {
		switch e := w.Event().(type) {
		case app.DestroyEvent:
			sess.Close()
			return e.Err
		case app.FrameEvent:
			gtx := app.NewContext(&ops, e)

			view.Layout(gtx)

			e.Frame(gtx.Ops)
		}
	}
}
