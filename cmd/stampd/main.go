// stampd - Signature placement daemon for PDF documents
//
// The daemon watches an inbox directory for PDFs, resolves their page
// geometry, and serves the annotation API the editor clients talk to:
//
//	stampd init             Initialize data directory and config
//	stampd run              Run the daemon (API server + inbox watcher)
//	stampd status           Show daemon status and configuration
//	stampd check-pdf <file> Diagnose page geometry for a PDF
//	stampd stop             Stop a running daemon
//	stampd version          Print the version
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"stampd/internal/config"
	"stampd/internal/geometry"
	"stampd/internal/pagesource"
)

// Version is stamped at build time via -ldflags.
var Version = "0.4.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "run":
		cmdRun()
	case "init":
		cmdInit()
	case "status":
		cmdStatus()
	case "check-pdf":
		cmdCheckPDF()
	case "stop":
		cmdStop()
	case "version":
		cmdVersion()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`stampd - Signature Placement for PDF Documents

USAGE:
    stampd <command> [options]

COMMANDS:
    init                Initialize the data directory and default config
    run                 Run the daemon (HTTP API + inbox watcher)
    status              Show daemon status and configuration
    check-pdf <file>    Print resolved page geometry for a PDF
    stop                Stop a running daemon
    version             Print the version
    help                Show this help message

BASIC WORKFLOW:
    1. stampd init                      # One-time setup
    2. stampd run                       # Start the daemon
    3. (drop PDFs into the inbox directory)
    4. stampctl documents               # List ingested documents
    5. stampd-gui                       # Place signatures and stamps
    6. stampctl merge <document>        # Stamp annotations into the PDF

GEOMETRY NOTE:
    Some PDF producers report rotated pages with width and height
    swapped, which used to land signatures in the wrong corner.
    'stampd check-pdf <file>' shows what each reader reported and how
    the daemon reconciled them.

Configuration is read from -config, $STAMPD_CONFIG, ./stampd.toml or
~/.stampd/config.toml, first match wins. Run 'stampd init' to create
the default.`)
}

func cmdInit() {
	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		os.Exit(1)
	}

	configPath := config.ConfigPath()
	_, created, err := config.LoadOrCreate(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
		os.Exit(1)
	}

	if created {
		fmt.Printf("Wrote default config: %s\n", configPath)
	} else {
		fmt.Printf("Config already exists: %s\n", configPath)
	}

	fmt.Println()
	fmt.Println("stampd initialized!")
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Review %s\n", configPath)
	fmt.Println("  2. Start the daemon with 'stampd run'")
	fmt.Printf("  3. Drop PDFs into %s\n", cfg.Inbox.Path)
}

func cmdStatus() {
	dir := config.StampdDir()

	fmt.Println("=== stampd Status ===")
	fmt.Println()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		fmt.Println("Not initialized. Run 'stampd init' first.")
		return
	}
	fmt.Printf("Data directory: %s\n", dir)

	configPath := config.FindConfigFile()
	if configPath == "" {
		fmt.Println("Config: built-in defaults (no file found)")
	} else {
		fmt.Printf("Config: %s\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Storage.Type == "postgres" {
		fmt.Println("Storage: postgres")
	} else {
		fmt.Printf("Storage: %s (%s)\n", cfg.Storage.Path, cfg.Storage.Type)
	}
	fmt.Printf("Inbox: %s\n", cfg.Inbox.Path)
	fmt.Printf("Listen address: %s\n", cfg.Server.ListenAddr)
	if cfg.Delivery.Enabled {
		fmt.Println("Delivery: enabled")
	} else {
		fmt.Println("Delivery: disabled")
	}

	fmt.Println()
	pidFile := pidFilePath()
	if !daemonRunning(pidFile) {
		fmt.Println("Daemon: not running")
		return
	}
	pid, _ := readPID(pidFile)
	fmt.Printf("Daemon: RUNNING (pid %d)\n", pid)

	st, err := fetchStatus(cfg.Server.ListenAddr)
	if err != nil {
		fmt.Printf("API: unreachable (%v)\n", err)
		return
	}
	if v, ok := st["version"].(string); ok {
		fmt.Printf("API version: %s\n", v)
	}
	if up, ok := st["uptimeSeconds"].(float64); ok {
		fmt.Printf("Uptime: %s\n", (time.Duration(up) * time.Second).String())
	}
	if docs, ok := st["documents"].(float64); ok {
		fmt.Printf("Documents: %d\n", int(docs))
	}
}

// fetchStatus asks a running daemon for its status over the local API.
func fetchStatus(addr string) (map[string]interface{}, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/api/v1/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var st map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return st, nil
}

func cmdCheckPDF() {
	fs := flag.NewFlagSet("check-pdf", flag.ExitOnError)
	pageFlag := fs.Int("page", 0, "Check a single page (default: all pages)")
	asJSON := fs.Bool("json", false, "Emit resolved geometry as JSON")
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: stampd check-pdf <file> [-page N] [-json]")
		os.Exit(1)
	}

	filePath := fs.Arg(0)
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "File not found: %s\n", filePath)
		os.Exit(1)
	}

	src, err := pagesource.Open(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening PDF: %v\n", err)
		os.Exit(1)
	}
	defer src.Close()

	// The command prints its own diagnosis; resolver logs would repeat it.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := geometry.NewResolver(geometry.DefaultConfig(), quiet)

	first, last := 1, src.PageCount()
	if *pageFlag > 0 {
		if *pageFlag > src.PageCount() {
			fmt.Fprintf(os.Stderr, "Page %d out of range: document has %d page(s)\n", *pageFlag, src.PageCount())
			os.Exit(1)
		}
		first, last = *pageFlag, *pageFlag
	}

	var resolved []geometry.PageGeometry
	corrected := 0
	for page := first; page <= last; page++ {
		raw, err := src.Describe(page)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error describing page %d: %v\n", page, err)
			os.Exit(1)
		}
		g := resolver.Resolve(raw)
		resolved = append(resolved, g)
		if g.CorrectionApplied {
			corrected++
		}
		if !*asJSON {
			printPageDiagnosis(raw, g)
		}
	}

	if *asJSON {
		data, _ := json.MarshalIndent(resolved, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Println()
	fmt.Printf("%d page(s) checked", last-first+1)
	if corrected > 0 {
		fmt.Printf(", %d corrected for swapped dimensions", corrected)
	}
	fmt.Println()
}

func printPageDiagnosis(raw geometry.RawPageInfo, g geometry.PageGeometry) {
	fmt.Printf("Page %d:\n", g.PageNumber)
	fmt.Printf("  Renderer:   %.1f x %.1f pt (rotation %d)\n", raw.ReportedWidth, raw.ReportedHeight, raw.Rotation)
	if raw.TrueWidth > 0 {
		fmt.Printf("  Media box:  %.1f x %.1f pt\n", raw.TrueWidth, raw.TrueHeight)
	} else {
		fmt.Println("  Media box:  unavailable")
	}
	fmt.Printf("  Resolved:   %.1f x %.1f pt, rotation %d, display %.1f x %.1f\n",
		g.OriginalWidth, g.OriginalHeight, g.Rotation, g.DisplayWidth, g.DisplayHeight)
	if g.CorrectionApplied {
		fmt.Println("  Corrected:  reported dimensions arrived swapped and were restored")
	}
}

func cmdStop() {
	pidFile := pidFilePath()
	if !daemonRunning(pidFile) {
		fmt.Println("Daemon is not running.")
		return
	}

	pid, _ := readPID(pidFile)
	if err := stopDaemon(pidFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Sent stop signal to pid %d\n", pid)
}

func cmdVersion() {
	fmt.Printf("stampd %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func pidFilePath() string {
	return filepath.Join(config.StampdDir(), "stampd.pid")
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// daemonRunning checks whether the process named by the PID file is alive.
func daemonRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds. Send signal 0 to check if process exists.
	return process.Signal(syscall.Signal(0)) == nil
}

// stopDaemon sends SIGTERM to the daemon named by the PID file.
func stopDaemon(pidFile string) error {
	pid, err := readPID(pidFile)
	if err != nil {
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	return process.Signal(syscall.SIGTERM)
}
