// Package config handles configuration loading and validation for stampd.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/stampd/
//   - Linux:   ~/.local/share/stampd/
//   - Windows: %APPDATA%\stampd\
//
// Falls back to ~/.stampd if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxDataDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformCacheDir returns the platform-specific cache directory.
//
// Platform paths:
//   - macOS:   ~/Library/Caches/stampd/
//   - Linux:   ~/.cache/stampd/
//   - Windows: %LOCALAPPDATA%\stampd\cache\
func PlatformCacheDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSCacheDir()
	case "linux":
		return linuxCacheDir()
	case "windows":
		return windowsCacheDir()
	default:
		return filepath.Join(fallbackDataDir(), "cache")
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/stampd/
//   - Linux:   ~/.config/stampd/
//   - Windows: %APPDATA%\stampd\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir() // macOS uses same dir for config and data
	case "linux":
		return linuxConfigDir()
	case "windows":
		return windowsDataDir() // Windows uses same dir for config and data
	default:
		return fallbackDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/stampd/
//   - Linux:   ~/.local/share/stampd/logs/
//   - Windows: %LOCALAPPDATA%\stampd\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSLogDir()
	case "linux":
		return filepath.Join(linuxDataDir(), "logs")
	case "windows":
		return windowsLogDir()
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

// PlatformRuntimeDir returns the platform-specific runtime directory for PID files.
//
// Platform paths:
//   - macOS:   /tmp/stampd-$UID/
//   - Linux:   $XDG_RUNTIME_DIR/stampd/ or /tmp/stampd-$UID/
//   - Windows: %LOCALAPPDATA%\stampd\run\
func PlatformRuntimeDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join("/tmp", "stampd-"+getUserID())
	case "linux":
		return linuxRuntimeDir()
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "stampd", "run")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Local", "stampd", "run")
	default:
		return filepath.Join("/tmp", "stampd-"+getUserID())
	}
}

// macOS-specific paths

func macOSDataDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, "Library", "Application Support", "stampd")
}

func macOSCacheDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, "Library", "Caches", "stampd")
}

func macOSLogDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, "Library", "Logs", "stampd")
}

// Linux-specific paths following XDG Base Directory Specification

func linuxDataDir() string {
	// XDG_DATA_HOME or ~/.local/share
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "stampd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "stampd")
}

func linuxConfigDir() string {
	// XDG_CONFIG_HOME or ~/.config
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "stampd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "stampd")
}

func linuxCacheDir() string {
	// XDG_CACHE_HOME or ~/.cache
	if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
		return filepath.Join(xdgCache, "stampd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cache", "stampd")
}

func linuxRuntimeDir() string {
	// XDG_RUNTIME_DIR (usually /run/user/$UID)
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, "stampd")
	}
	// Fallback to /tmp
	return filepath.Join("/tmp", "stampd-"+getUserID())
}

// Windows-specific paths

func windowsDataDir() string {
	// %APPDATA% (roaming)
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "stampd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", "Roaming", "stampd")
}

func windowsCacheDir() string {
	// %LOCALAPPDATA% (local)
	if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
		return filepath.Join(localAppData, "stampd", "cache")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", "Local", "stampd", "cache")
}

func windowsLogDir() string {
	// %LOCALAPPDATA% (local)
	if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
		return filepath.Join(localAppData, "stampd", "logs")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", "Local", "stampd", "logs")
}

// Fallback path (legacy compatibility)

func fallbackDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".stampd")
}

// Helper to get user ID as string
func getUserID() string {
	if uid := os.Getuid(); uid >= 0 {
		return strconv.Itoa(uid)
	}
	return "0"
}

// DefaultPaths returns all default paths for a platform.
type DefaultPaths struct {
	DataDir    string
	ConfigDir  string
	CacheDir   string
	LogDir     string
	RuntimeDir string

	// Specific file paths
	ConfigFile     string
	DatabaseFile   string
	AuditKeyFile   string
	InboxDir       string
	SpoolDir       string
	RenderCacheDir string
	PIDFile        string
}

// GetDefaultPaths returns all default paths for the current platform.
func GetDefaultPaths() *DefaultPaths {
	dataDir := PlatformDataDir()
	configDir := PlatformConfigDir()
	cacheDir := PlatformCacheDir()
	logDir := PlatformLogDir()
	runtimeDir := PlatformRuntimeDir()

	return &DefaultPaths{
		DataDir:    dataDir,
		ConfigDir:  configDir,
		CacheDir:   cacheDir,
		LogDir:     logDir,
		RuntimeDir: runtimeDir,

		ConfigFile:     filepath.Join(configDir, "config.toml"),
		DatabaseFile:   filepath.Join(dataDir, "stampd.db"),
		AuditKeyFile:   filepath.Join(dataDir, "audit_key"),
		InboxDir:       filepath.Join(dataDir, "inbox"),
		SpoolDir:       filepath.Join(dataDir, "outbox"),
		RenderCacheDir: filepath.Join(cacheDir, "renders"),
		PIDFile:        filepath.Join(runtimeDir, "stampd.pid"),
	}
}

// DefaultDocumentPatterns returns default include patterns for intake.
func DefaultDocumentPatterns() []string {
	return []string{
		"*.pdf",
		"*.PDF",
	}
}

// DefaultExcludePatterns returns default exclude patterns for intake.
func DefaultExcludePatterns() []string {
	return []string{
		// Hidden files
		".*",
		"*/.*",

		// Temporary and partial files
		"*~",
		"*.tmp",
		"*.temp",
		"*.part",
		"*.partial",
		"*.crdownload",
		"*.download",

		// macOS
		".DS_Store",
		"._*",

		// Windows
		"Thumbs.db",
		"desktop.ini",
	}
}

// Platform constants for feature detection
const (
	PlatformMacOS   = "darwin"
	PlatformLinux   = "linux"
	PlatformWindows = "windows"
)

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
func FindConfigFile() string {
	paths := GetDefaultPaths()

	// Search order:
	// 1. Current directory
	// 2. Config directory
	// 3. Data directory (legacy)
	searchDirs := []string{
		".",
		paths.ConfigDir,
		paths.DataDir,
	}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
