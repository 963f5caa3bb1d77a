package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"stampd/internal/annotation"
	"stampd/internal/config"
	"stampd/internal/geometry"
	"stampd/internal/gesture"
	"stampd/internal/logging"
	"stampd/internal/pagesource"
	"stampd/internal/persist"
)

// session holds everything the window loop needs: the open document, the
// in-memory editor, the gesture controller and the save pipeline to the
// daemon.
type session struct {
	cfg     *config.Config
	log     *logging.Logger
	src     *pagesource.FileSource
	editor  *annotation.Editor
	adapter *persist.Adapter
	ctrl    *gesture.Controller

	docName   string
	page      int
	signature string
}

type sessionOptions struct {
	path          string
	configPath    string
	addr          string
	signaturePath string
	page          int
}

// openSession opens the PDF, resolves its page geometry, registers the
// document with the daemon and wires editor, save pipeline and gesture
// controller together. A missing daemon is not fatal: the document can
// still be annotated, and saves surface as retryable failures.
func openSession(opts sessionOptions) (*session, error) {
	cfgPath := opts.configPath
	if cfgPath == "" {
		cfgPath = config.FindConfigFile()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	lg, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	src, err := pagesource.Open(opts.path)
	if err != nil {
		lg.Close()
		return nil, err
	}

	addr := opts.addr
	if addr == "" {
		addr = cfg.Server.ListenAddr
	}
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	absPath, err := filepath.Abs(opts.path)
	if err != nil {
		absPath = opts.path
	}

	docID, docName, err := registerDocument(base, filepath.Base(opts.path), absPath, src.PageCount())
	registered := err == nil
	if !registered {
		// Local-only until the daemon comes back; saves will fail with
		// a retry in the status bar.
		lg.Warn("daemon unreachable, edits stay local", "error", err)
		docID = uuid.New().String()
		docName = filepath.Base(opts.path)
	}

	resolver := geometry.NewResolver(geometry.Config{
		Tolerance:      cfg.Geometry.InversionTolerancePt,
		FallbackWidth:  cfg.Geometry.FallbackWidth,
		FallbackHeight: cfg.Geometry.FallbackHeight,
	}, lg.Logger)
	registry := geometry.NewRegistry()

	raws := make([]geometry.RawPageInfo, 0, src.PageCount())
	corrected := 0
	for page := 1; page <= src.PageCount(); page++ {
		raw, derr := src.Describe(page)
		if derr != nil {
			lg.Warn("describe page failed", "page", page, "error", derr)
			raw = geometry.RawPageInfo{PageNumber: page, Source: "gui"}
		}
		g := resolver.Resolve(raw)
		registry.Put(docID, g)
		if g.CorrectionApplied {
			corrected++
		}
		raws = append(raws, raw)
	}
	if corrected > 0 {
		lg.Info("swapped page dimensions corrected", "document", docID, "pages", corrected)
	}
	if registered {
		pushGeometry(base, docID, raws, lg)
	}

	editor := annotation.NewEditor(docID, registry.LookupFunc(docID), lg.Logger)
	backend := persist.NewHTTPBackend(base, time.Duration(cfg.Save.CallTimeoutSec)*time.Second)
	adapter := persist.New(editor, backend, persist.Config{
		SaveDebounce: time.Duration(cfg.Save.DebounceMs) * time.Millisecond,
		CallTimeout:  time.Duration(cfg.Save.CallTimeoutSec) * time.Second,
	}, lg.Logger)

	if registered {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		n, lerr := adapter.LoadAnnotations(ctx)
		cancel()
		switch {
		case lerr != nil:
			lg.Warn("loading stored annotations failed", "error", lerr)
		case n > 0:
			lg.Info("annotations loaded", "count", n)
			if rc := adapter.Reconvert(); rc > 0 {
				lg.Info("stored coordinates reconverted", "count", rc)
			}
		}
	}

	ctrl := gesture.NewController(editor, gesture.Config{
		PlacementLock:       time.Duration(cfg.Editor.PlacementLockMs) * time.Millisecond,
		EnforcePageBounds:   cfg.Editor.EnforcePageBounds,
		EnforceResizeBounds: cfg.Editor.EnforceResizeBounds,
	}, lg.Logger)

	signature := ""
	if opts.signaturePath != "" {
		signature, err = loadImageData(opts.signaturePath)
		if err != nil {
			adapter.Close()
			src.Close()
			lg.Close()
			return nil, fmt.Errorf("load signature image: %w", err)
		}
	}

	page := opts.page
	if page < 1 {
		page = 1
	}
	if page > src.PageCount() {
		page = src.PageCount()
	}

	return &session{
		cfg:       cfg,
		log:       lg,
		src:       src,
		editor:    editor,
		adapter:   adapter,
		ctrl:      ctrl,
		docName:   docName,
		page:      page,
		signature: signature,
	}, nil
}

// Close flushes pending edits and releases the document.
func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.adapter.Flush(ctx); err != nil {
		s.log.Warn("final save failed", "error", err)
	}
	if err := s.adapter.Close(); err != nil {
		s.log.Warn("closing save pipeline failed", "error", err)
	}
	if err := s.src.Close(); err != nil {
		s.log.Warn("closing document failed", "error", err)
	}
	s.log.Close()
}

// buildLogger keeps the GUI on stderr: the daemon owns the configured
// log file, and two processes rotating one file ends badly.
func buildLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.New(&logging.Config{
		Level:     level,
		Format:    logging.FormatText,
		Output:    "stderr",
		Component: "stampd-gui",
	})
}

// Daemon API plumbing. The GUI only needs document registration and the
// geometry push; annotation traffic goes through the persist backend.

type documentInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	PageCount int    `json:"pageCount"`
}

var apiHTTP = &http.Client{Timeout: 5 * time.Second}

// registerDocument finds the document by path or creates it.
func registerDocument(base, name, path string, pages int) (id, docName string, err error) {
	var listing struct {
		Documents []documentInfo `json:"documents"`
	}
	if err := doJSON(http.MethodGet, base+"/api/v1/documents", nil, &listing); err != nil {
		return "", "", err
	}
	for _, d := range listing.Documents {
		if d.Path == path {
			return d.ID, d.Name, nil
		}
	}

	var created documentInfo
	body := documentInfo{Name: name, Path: path, PageCount: pages}
	if err := doJSON(http.MethodPost, base+"/api/v1/documents", body, &created); err != nil {
		return "", "", err
	}
	return created.ID, created.Name, nil
}

// pushGeometry hands the daemon the raw page reports so its resolved
// copy matches what the editor works against. Best effort: the first
// failure stops the push.
func pushGeometry(base, docID string, raws []geometry.RawPageInfo, lg *logging.Logger) {
	for _, raw := range raws {
		url := fmt.Sprintf("%s/api/v1/documents/%s/pages/%d/geometry", base, docID, raw.PageNumber)
		if err := doJSON(http.MethodPut, url, raw, nil); err != nil {
			lg.Warn("geometry push failed", "page", raw.PageNumber, "error", err)
			return
		}
	}
}

func doJSON(method, url string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiHTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// loadImageData reads an image file into the data URL form signature
// annotations carry.
func loadImageData(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	mime := "image/png"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(raw), nil
}
