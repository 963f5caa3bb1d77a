// Package logging provides structured logging with slog for stampd.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// CrashReport represents information about a crash.
type CrashReport struct {
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version"`
	BuildInfo  *debug.BuildInfo       `json:"build_info,omitempty"`
	GOOS       string                 `json:"goos"`
	GOARCH     string                 `json:"goarch"`
	NumCPU     int                    `json:"num_cpu"`
	Goroutines int                    `json:"goroutines"`
	MemStats   *MemoryStats           `json:"mem_stats,omitempty"`
	PanicValue string                 `json:"panic_value"`
	StackTrace string                 `json:"stack_trace"`
	Component  string                 `json:"component,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// MemoryStats holds a snapshot of memory statistics.
type MemoryStats struct {
	Alloc        uint64 `json:"alloc"`
	TotalAlloc   uint64 `json:"total_alloc"`
	Sys          uint64 `json:"sys"`
	NumGC        uint32 `json:"num_gc"`
	HeapAlloc    uint64 `json:"heap_alloc"`
	HeapSys      uint64 `json:"heap_sys"`
	HeapObjects  uint64 `json:"heap_objects"`
	StackInuse   uint64 `json:"stack_inuse"`
	PauseTotalNs uint64 `json:"pause_total_ns"`
}

// CrashHandler handles panics and writes crash dumps.
type CrashHandler struct {
	crashDir  string
	version   string
	component string
	mu        sync.Mutex
	onCrash   func(*CrashReport)
}

// DefaultCrashDir returns the platform-specific crash dump directory.
func DefaultCrashDir() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "stampd", "crashes")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "stampd", "crashes")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "stampd", "crashes")
	}
}

// NewCrashHandler creates a new crash handler.
func NewCrashHandler(crashDir, version, component string) *CrashHandler {
	if crashDir == "" {
		crashDir = DefaultCrashDir()
	}
	return &CrashHandler{
		crashDir:  crashDir,
		version:   version,
		component: component,
	}
}

// SetOnCrash sets a callback invoked after a crash dump is written.
func (h *CrashHandler) SetOnCrash(fn func(*CrashReport)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCrash = fn
}

// Recover recovers from a panic, writes a crash dump, and re-panics.
// Use with defer.
func (h *CrashHandler) Recover() {
	if r := recover(); r != nil {
		h.HandlePanic(r, nil)
		panic(r)
	}
}

// RecoverGoroutine recovers from panics in goroutines without
// re-panicking. Use with defer.
func (h *CrashHandler) RecoverGoroutine() {
	if r := recover(); r != nil {
		h.HandlePanic(r, nil)
	}
}

// RecoverWithContext recovers from panics with additional context.
func (h *CrashHandler) RecoverWithContext(context map[string]interface{}) {
	if r := recover(); r != nil {
		h.HandlePanic(r, context)
		panic(r)
	}
}

// HandlePanic processes a panic and writes a crash dump.
func (h *CrashHandler) HandlePanic(panicValue interface{}, context map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := h.buildReport(panicValue, context)

	// Log the crash
	Error("panic recovered",
		"panic", report.PanicValue,
		"component", report.Component,
		"goroutines", report.Goroutines,
	)

	// Write crash dump
	if err := h.writeCrashDump(report); err != nil {
		Error("failed to write crash dump", "error", err)
	}

	if h.onCrash != nil {
		h.onCrash(report)
	}
}

// buildReport creates a crash report from a panic.
func (h *CrashHandler) buildReport(panicValue interface{}, context map[string]interface{}) *CrashReport {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	buildInfo, _ := debug.ReadBuildInfo()

	return &CrashReport{
		Timestamp:  time.Now().UTC(),
		Version:    h.version,
		BuildInfo:  buildInfo,
		GOOS:       runtime.GOOS,
		GOARCH:     runtime.GOARCH,
		NumCPU:     runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		MemStats: &MemoryStats{
			Alloc:        memStats.Alloc,
			TotalAlloc:   memStats.TotalAlloc,
			Sys:          memStats.Sys,
			NumGC:        memStats.NumGC,
			HeapAlloc:    memStats.HeapAlloc,
			HeapSys:      memStats.HeapSys,
			HeapObjects:  memStats.HeapObjects,
			StackInuse:   memStats.StackInuse,
			PauseTotalNs: memStats.PauseTotalNs,
		},
		PanicValue: fmt.Sprintf("%v", panicValue),
		StackTrace: string(debug.Stack()),
		Component:  h.component,
		Context:    context,
	}
}

// writeCrashDump writes a crash report to disk.
func (h *CrashHandler) writeCrashDump(report *CrashReport) error {
	if err := os.MkdirAll(h.crashDir, 0700); err != nil {
		return fmt.Errorf("create crash directory: %w", err)
	}

	// Nanosecond precision keeps rapid successive panics from colliding
	filename := fmt.Sprintf("crash-%s-%s.json",
		report.Component,
		report.Timestamp.Format("20060102-150405.000000000"),
	)
	path := filepath.Join(h.crashDir, filename)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal crash report: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write crash dump: %w", err)
	}

	Info("crash dump written", "path", path)
	return nil
}

// GetCrashReports returns all crash reports in the crash directory.
func (h *CrashHandler) GetCrashReports() ([]*CrashReport, error) {
	entries, err := os.ReadDir(h.crashDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read crash directory: %w", err)
	}

	var reports []*CrashReport
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		path := filepath.Join(h.crashDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}

		reports = append(reports, &report)
	}

	return reports, nil
}

// CleanupOldCrashReports removes crash reports older than maxAge.
func (h *CrashHandler) CleanupOldCrashReports(maxAge time.Duration) error {
	entries, err := os.ReadDir(h.crashDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read crash directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(h.crashDir, entry.Name()))
		}
	}

	return nil
}

// ClearCrashReports removes all crash reports.
func (h *CrashHandler) ClearCrashReports() error {
	entries, err := os.ReadDir(h.crashDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read crash directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		os.Remove(filepath.Join(h.crashDir, entry.Name()))
	}

	return nil
}

// Global crash handler functions.

var (
	globalCrashHandlerMu sync.Mutex
	globalCrashHandler   *CrashHandler
)

// GlobalCrashHandler returns the global crash handler, creating a
// default one on first use. A handler installed with
// SetGlobalCrashHandler is never replaced by the default.
func GlobalCrashHandler() *CrashHandler {
	globalCrashHandlerMu.Lock()
	defer globalCrashHandlerMu.Unlock()
	if globalCrashHandler == nil {
		globalCrashHandler = NewCrashHandler("", "unknown", "stampd")
	}
	return globalCrashHandler
}

// SetGlobalCrashHandler sets the global crash handler.
func SetGlobalCrashHandler(h *CrashHandler) {
	globalCrashHandlerMu.Lock()
	defer globalCrashHandlerMu.Unlock()
	globalCrashHandler = h
}

// WrapPanicWithContext runs fn and recovers from any panic, writing a
// crash dump through the global handler and returning the panic as an
// error. The context map lands in the dump.
func WrapPanicWithContext(context map[string]interface{}, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			GlobalCrashHandler().HandlePanic(r, context)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
