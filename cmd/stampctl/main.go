// stampctl is the control CLI for stampd.
package main

import (
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"stampd/internal/annotation"
	"stampd/internal/config"
	"stampd/internal/geometry"
	"stampd/internal/logging"
	"stampd/internal/persist"
	"stampd/internal/store"
	"stampd/internal/transform"
)

var (
	configPath = flag.String("config", "", "path to config file")
	apiAddr    = flag.String("addr", "", "daemon API address (default: from config)")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)

	switch cmd {
	case "status":
		cmdStatus()
	case "health":
		cmdHealth()
	case "documents":
		cmdDocuments()
	case "pages":
		requireArgs(2, "Usage: stampctl pages <document>")
		cmdPages(flag.Arg(1))
	case "annotations":
		requireArgs(2, "Usage: stampctl annotations <document>")
		cmdAnnotations(flag.Arg(1))
	case "place":
		requireArgs(2, "Usage: stampctl place <document> [options]")
		cmdPlace(flag.Arg(1), flag.Args()[2:])
	case "move":
		requireArgs(3, "Usage: stampctl move <document> <annotation> -x <pt> -y <pt>")
		cmdMove(flag.Arg(1), flag.Arg(2), flag.Args()[3:])
	case "resize":
		requireArgs(3, "Usage: stampctl resize <document> <annotation> -w <pt> -h <pt>")
		cmdResize(flag.Arg(1), flag.Arg(2), flag.Args()[3:])
	case "rm":
		requireArgs(3, "Usage: stampctl rm <document> <annotation>")
		cmdRemove(flag.Arg(1), flag.Arg(2))
	case "merge":
		requireArgs(2, "Usage: stampctl merge <document>")
		cmdMerge(flag.Arg(1))
	case "receipts":
		requireArgs(2, "Usage: stampctl receipts <document>")
		cmdReceipts(flag.Arg(1))
	case "audit":
		requireArgs(2, "Usage: stampctl audit <document>")
		cmdAudit(flag.Arg(1))
	case "crashes":
		cmdCrashes(flag.Args()[1:])
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `stampctl - Control utility for stampd

Usage: stampctl [options] <command> [args]

Commands:
  status                          Show daemon status
  health                          Show per-component health
  documents [id]                  List documents, or show one
  pages <document>                Show resolved page geometry
  annotations <document>          List annotations
  place <document> [options]      Place a signature or text annotation
  move <document> <ann> -x -y     Move an annotation
  resize <document> <ann> -w -h   Resize an annotation
  rm <document> <ann>             Remove an annotation
  merge <document>                Stamp annotations into the PDF
  receipts <document>             Show delivery receipts
  audit <document>                Show the audit trail
  crashes [clear]                 List or clear local crash dumps
  help                            Show this help message

Place options:
  -page N        Page number, 1-based (default 1)
  -x, -y         Position in points, top-left origin (default 72, 72)
  -w, -h         Size in points (default: per-type)
  -text <s>      Place a text annotation with this content
  -font-size N   Font size for text annotations
  -image <file>  Signature image file (PNG or JPEG)

Options:
  -config <path>  Path to config file (default: ~/.stampd/config.toml)
  -addr <addr>    Daemon API address (default: from config)`)
}

func requireArgs(n int, usageLine string) {
	if flag.NArg() < n {
		fmt.Fprintln(os.Stderr, usageLine)
		os.Exit(1)
	}
}

func client() *apiClient {
	addr := *apiAddr
	if addr == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		addr = cfg.Server.ListenAddr
	}
	return newAPIClient(addr)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// document mirrors the API's document resource.
type document struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	PageCount int    `json:"pageCount"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

func cmdStatus() {
	c := client()

	var st map[string]interface{}
	if err := c.get("/status", &st); err != nil {
		fail(err)
	}

	fmt.Println("=== stampd Status ===")
	fmt.Println()
	if v, ok := st["version"].(string); ok {
		fmt.Printf("Version:   %s\n", v)
	}
	if up, ok := st["uptimeSeconds"].(float64); ok {
		fmt.Printf("Uptime:    %s\n", (time.Duration(up) * time.Second).String())
	}
	if docs, ok := st["documents"].(float64); ok {
		fmt.Printf("Documents: %d\n", int(docs))
	}
}

func cmdHealth() {
	c := client()

	var resp struct {
		Status     string `json:"status"`
		Ready      bool   `json:"ready"`
		Uptime     string `json:"uptime"`
		Components map[string]struct {
			Status  string `json:"status"`
			Message string `json:"message"`
			Error   string `json:"error"`
		} `json:"components"`
	}
	if err := c.health(&resp); err != nil {
		fail(err)
	}

	fmt.Printf("Status: %s\n", resp.Status)
	fmt.Printf("Ready:  %v\n", resp.Ready)
	fmt.Printf("Uptime: %s\n", resp.Uptime)

	if len(resp.Components) == 0 {
		return
	}
	fmt.Println()
	names := make([]string, 0, len(resp.Components))
	for name := range resp.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		comp := resp.Components[name]
		detail := comp.Message
		if comp.Error != "" {
			detail = comp.Error
		}
		if detail != "" {
			fmt.Printf("  %-18s %-10s %s\n", name, comp.Status, detail)
		} else {
			fmt.Printf("  %-18s %s\n", name, comp.Status)
		}
	}
}

func cmdDocuments() {
	c := client()

	if flag.NArg() >= 2 {
		var doc document
		if err := c.get("/documents/"+flag.Arg(1), &doc); err != nil {
			fail(err)
		}
		fmt.Printf("ID:       %s\n", doc.ID)
		fmt.Printf("Name:     %s\n", doc.Name)
		if doc.Path != "" {
			fmt.Printf("Path:     %s\n", doc.Path)
		}
		fmt.Printf("Pages:    %d\n", doc.PageCount)
		fmt.Printf("Status:   %s\n", doc.Status)
		fmt.Printf("Created:  %s\n", formatNs(doc.CreatedAt))
		fmt.Printf("Updated:  %s\n", formatNs(doc.UpdatedAt))
		return
	}

	var resp struct {
		Documents []document `json:"documents"`
	}
	if err := c.get("/documents", &resp); err != nil {
		fail(err)
	}

	if len(resp.Documents) == 0 {
		fmt.Println("No documents.")
		return
	}

	fmt.Printf("%-36s %-30s %-6s %-10s\n", "ID", "Name", "Pages", "Status")
	fmt.Println(strings.Repeat("-", 86))
	for _, d := range resp.Documents {
		fmt.Printf("%-36s %-30s %-6d %-10s\n", d.ID, truncate(d.Name, 30), d.PageCount, d.Status)
	}
}

func cmdPages(docID string) {
	c := client()

	var resp struct {
		Pages []geometry.PageGeometry `json:"pages"`
	}
	if err := c.get("/documents/"+docID+"/geometry", &resp); err != nil {
		fail(err)
	}

	if len(resp.Pages) == 0 {
		fmt.Println("No resolved pages yet.")
		return
	}

	fmt.Printf("%-6s %-18s %-10s %-18s %-10s\n", "Page", "Size (pt)", "Rotation", "Display (pt)", "Corrected")
	fmt.Println(strings.Repeat("-", 66))
	for _, g := range resp.Pages {
		corrected := ""
		if g.CorrectionApplied {
			corrected = "yes"
		}
		fmt.Printf("%-6d %-18s %-10d %-18s %-10s\n",
			g.PageNumber,
			fmt.Sprintf("%.1f x %.1f", g.OriginalWidth, g.OriginalHeight),
			g.Rotation,
			fmt.Sprintf("%.1f x %.1f", g.DisplayWidth, g.DisplayHeight),
			corrected)
	}
}

func cmdAnnotations(docID string) {
	anns := fetchAnnotations(client(), docID)

	if len(anns) == 0 {
		fmt.Println("No annotations.")
		return
	}

	fmt.Printf("%-36s %-10s %-5s %-24s %s\n", "ID", "Type", "Page", "Rect (pt)", "Content")
	fmt.Println(strings.Repeat("-", 100))
	for _, a := range anns {
		content := a.Content
		if a.Type == annotation.TypeSignature {
			content = "(" + string(a.SignatureSource) + ")"
			if a.IsExistingSignature {
				content = "(existing)"
			}
		}
		fmt.Printf("%-36s %-10s %-5d %-24s %s\n",
			a.ID, a.Type, a.Page,
			fmt.Sprintf("%.0f,%.0f %.0fx%.0f", a.X, a.Y, a.Width, a.Height),
			truncate(content, 30))
	}
}

func cmdPlace(docID string, args []string) {
	fs := flag.NewFlagSet("place", flag.ExitOnError)
	page := fs.Int("page", 1, "Page number (1-based)")
	x := fs.Float64("x", 72, "X position in points")
	y := fs.Float64("y", 72, "Y position in points")
	w := fs.Float64("w", 0, "Width in points (0 = type default)")
	h := fs.Float64("h", 0, "Height in points (0 = type default)")
	text := fs.String("text", "", "Place a text annotation with this content")
	fontSize := fs.Int("font-size", 0, "Font size for text annotations")
	imageFile := fs.String("image", "", "Signature image file (PNG or JPEG)")
	fs.Parse(args)

	c := client()

	g, err := fetchGeometry(c, docID, *page)
	if err != nil {
		fail(err)
	}

	a := &annotation.Annotation{
		ID:   fmt.Sprintf("local-%d", time.Now().UnixNano()),
		Page: *page,
		X:    *x,
		Y:    *y,
	}
	if *text != "" {
		a.Type = annotation.TypeText
		a.Content = *text
		if *fontSize > 0 {
			a.FontSize = annotation.ClampFontSize(*fontSize)
		}
		a.Width, a.Height = annotation.DefaultTextWidth, annotation.DefaultTextHeight
	} else {
		a.Type = annotation.TypeSignature
		a.SignatureSource = annotation.SourceCanvas
		a.Width, a.Height = transform.DefaultSignatureWidth, transform.DefaultSignatureHeight
		if *imageFile != "" {
			data, err := loadImageData(*imageFile)
			if err != nil {
				fail(err)
			}
			a.ImageData = data
		}
	}
	if *w > 0 {
		a.Width = *w
	}
	if *h > 0 {
		a.Height = *h
	}
	a.RelativeX, a.RelativeY, a.RelativeWidth, a.RelativeHeight = transform.AbsoluteToRelative(a.Rect(), *g)
	a.SourcePageDimensions = &annotation.PageDimensions{Width: g.DisplayWidth, Height: g.DisplayHeight}

	anns := fetchAnnotations(c, docID)
	anns = append(anns, a)

	saved := saveAnnotations(c, docID, anns)
	canonical := a.ID
	for _, s := range saved {
		if s.LocalID == a.ID {
			canonical = s.CanonicalID
			break
		}
	}

	fmt.Printf("Placed %s on page %d at %.1f, %.1f (%.0f x %.0f)\n", a.Type, a.Page, a.X, a.Y, a.Width, a.Height)
	fmt.Printf("  ID: %s\n", canonical)
}

func cmdMove(docID, annID string, args []string) {
	fs := flag.NewFlagSet("move", flag.ExitOnError)
	x := fs.Float64("x", 0, "New X position in points")
	y := fs.Float64("y", 0, "New Y position in points")
	fs.Parse(args)

	c := client()
	anns := fetchAnnotations(c, docID)

	a, err := findAnnotation(anns, annID)
	if err != nil {
		fail(err)
	}
	if a.ReadOnly {
		fail(fmt.Errorf("annotation %s is read-only", a.ID))
	}

	g, err := fetchGeometry(c, docID, a.Page)
	if err != nil {
		fail(err)
	}

	a.X, a.Y = *x, *y
	a.RelativeX, a.RelativeY, a.RelativeWidth, a.RelativeHeight = transform.AbsoluteToRelative(a.Rect(), *g)

	saveAnnotations(c, docID, anns)
	fmt.Printf("Moved %s to %.1f, %.1f\n", a.ID, a.X, a.Y)
}

func cmdResize(docID, annID string, args []string) {
	fs := flag.NewFlagSet("resize", flag.ExitOnError)
	w := fs.Float64("w", 0, "New width in points")
	h := fs.Float64("h", 0, "New height in points")
	fs.Parse(args)

	if *w <= 0 || *h <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: stampctl resize <document> <annotation> -w <pt> -h <pt>")
		os.Exit(1)
	}

	c := client()
	anns := fetchAnnotations(c, docID)

	a, err := findAnnotation(anns, annID)
	if err != nil {
		fail(err)
	}
	if a.ReadOnly {
		fail(fmt.Errorf("annotation %s is read-only", a.ID))
	}

	g, err := fetchGeometry(c, docID, a.Page)
	if err != nil {
		fail(err)
	}

	minW, minH := a.MinSize()
	a.Width, a.Height = math.Max(*w, minW), math.Max(*h, minH)
	a.RelativeX, a.RelativeY, a.RelativeWidth, a.RelativeHeight = transform.AbsoluteToRelative(a.Rect(), *g)

	saveAnnotations(c, docID, anns)
	fmt.Printf("Resized %s to %.1f x %.1f\n", a.ID, a.Width, a.Height)
}

func cmdRemove(docID, annID string) {
	c := client()
	anns := fetchAnnotations(c, docID)

	a, err := findAnnotation(anns, annID)
	if err != nil {
		fail(err)
	}

	if err := c.delete("/documents/" + docID + "/annotations/" + a.ID); err != nil {
		if errors.Is(err, errNotFound) {
			// Never saved; nothing to remove on the server.
			fmt.Printf("Annotation %s was not stored.\n", a.ID)
			return
		}
		fail(err)
	}
	fmt.Printf("Removed %s\n", a.ID)
}

func cmdMerge(docID string) {
	c := client()

	var resp struct {
		Provider   string `json:"provider"`
		Status     string `json:"status"`
		OutputPath string `json:"outputPath"`
	}
	if err := c.postJSON("/documents/"+docID+"/merge", struct{}{}, &resp); err != nil {
		fail(err)
	}

	fmt.Println("=== Merge Result ===")
	fmt.Printf("Provider: %s\n", resp.Provider)
	fmt.Printf("Status:   %s\n", resp.Status)
	if resp.OutputPath != "" {
		fmt.Printf("Output:   %s\n", resp.OutputPath)
	}
}

func cmdReceipts(docID string) {
	c := client()

	var resp struct {
		Receipts []store.DeliveryReceipt `json:"receipts"`
	}
	if err := c.get("/documents/"+docID+"/receipts", &resp); err != nil {
		fail(err)
	}

	if len(resp.Receipts) == 0 {
		fmt.Println("No delivery receipts.")
		return
	}

	fmt.Printf("%-12s %-10s %-21s %s\n", "Provider", "Status", "Time", "Output")
	fmt.Println(strings.Repeat("-", 80))
	for _, r := range resp.Receipts {
		out := r.OutputPath
		if out == "" {
			out = r.Detail
		}
		fmt.Printf("%-12s %-10s %-21s %s\n", r.Provider, r.Status, formatNs(r.TimestampNs), truncate(out, 34))
	}
}

// cmdCrashes reads the daemon's crash dump directory directly; a daemon
// that panicked its way down cannot be asked over the API.
func cmdCrashes(args []string) {
	h := logging.NewCrashHandler(filepath.Join(config.StampdDir(), "crashes"), "", "stampctl")

	if len(args) > 0 && args[0] == "clear" {
		if err := h.ClearCrashReports(); err != nil {
			fail(err)
		}
		fmt.Println("Crash dumps cleared.")
		return
	}

	reports, err := h.GetCrashReports()
	if err != nil {
		fail(err)
	}
	if len(reports) == 0 {
		fmt.Println("No crash dumps.")
		return
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Timestamp.After(reports[j].Timestamp)
	})

	fmt.Printf("%-21s %-12s %-12s %s\n", "Time", "Component", "Version", "Panic")
	fmt.Println(strings.Repeat("-", 80))
	for _, r := range reports {
		fmt.Printf("%-21s %-12s %-12s %s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			r.Component, r.Version, truncate(r.PanicValue, 34))
	}
}

func cmdAudit(docID string) {
	c := client()

	var resp struct {
		Entries []store.AuditEntry `json:"entries"`
	}
	if err := c.get("/documents/"+docID+"/audit", &resp); err != nil {
		fail(err)
	}

	if len(resp.Entries) == 0 {
		fmt.Println("No audit entries.")
		return
	}

	fmt.Printf("%-21s %-22s %-36s %s\n", "Time", "Action", "Annotation", "Detail")
	fmt.Println(strings.Repeat("-", 100))
	for _, e := range resp.Entries {
		fmt.Printf("%-21s %-22s %-36s %s\n", formatNs(e.TimestampNs), e.Action, e.AnnotationID, truncate(e.Detail, 20))
	}
}

// Helper functions

func fetchAnnotations(c *apiClient, docID string) []*annotation.Annotation {
	var resp struct {
		Annotations []*annotation.Annotation `json:"annotations"`
	}
	if err := c.get("/documents/"+docID+"/annotations", &resp); err != nil {
		fail(err)
	}
	return resp.Annotations
}

func fetchGeometry(c *apiClient, docID string, page int) (*geometry.PageGeometry, error) {
	var g geometry.PageGeometry
	err := c.get(fmt.Sprintf("/documents/%s/pages/%d/geometry", docID, page), &g)
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("page %d has no resolved geometry yet; wait for ingest to finish", page)
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func saveAnnotations(c *apiClient, docID string, anns []*annotation.Annotation) []persist.SavedID {
	body := struct {
		Annotations []*annotation.Annotation `json:"annotations"`
	}{Annotations: anns}

	var resp struct {
		Annotations []persist.SavedID `json:"annotations"`
	}
	if err := c.putJSON("/documents/"+docID+"/annotations", body, &resp); err != nil {
		fail(err)
	}
	return resp.Annotations
}

// findAnnotation matches an exact id or an unambiguous prefix.
func findAnnotation(anns []*annotation.Annotation, id string) (*annotation.Annotation, error) {
	var match *annotation.Annotation
	for _, a := range anns {
		if a.ID == id {
			return a, nil
		}
		if strings.HasPrefix(a.ID, id) {
			if match != nil {
				return nil, fmt.Errorf("ambiguous annotation id %q", id)
			}
			match = a
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no annotation with id %q", id)
	}
	return match, nil
}

func loadImageData(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	var mime string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		mime = "image/png"
	case ".jpg", ".jpeg":
		mime = "image/jpeg"
	default:
		return "", fmt.Errorf("unsupported image format %q (want .png or .jpg)", filepath.Ext(path))
	}

	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func formatNs(ns int64) string {
	if ns == 0 {
		return "-"
	}
	return time.Unix(0, ns).Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
