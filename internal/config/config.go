// Package config handles configuration loading, validation, and management for stampd.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Server configuration for the HTTP API.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Inbox configuration for document intake.
	Inbox InboxConfig `toml:"inbox" json:"inbox" yaml:"inbox"`

	// Geometry configuration for page-dimension resolution.
	Geometry GeometryConfig `toml:"geometry" json:"geometry" yaml:"geometry"`

	// Editor configuration for placement and gesture behavior.
	Editor EditorConfig `toml:"editor" json:"editor" yaml:"editor"`

	// Save configuration for the debounced persistence queue.
	Save SaveConfig `toml:"save" json:"save" yaml:"save"`

	// Delivery configuration for merge/delivery providers.
	Delivery DeliveryConfig `toml:"delivery" json:"delivery" yaml:"delivery"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Tracing configuration for span export.
	Tracing TracingConfig `toml:"tracing" json:"tracing" yaml:"tracing"`

	// Health configuration for probe thresholds.
	Health HealthConfig `toml:"health" json:"health" yaml:"health"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	// ListenAddr is the address the API listens on.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`

	// BaseURL is the externally visible base URL, used in links and
	// client configuration. Empty means derive from ListenAddr.
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`

	// ReadTimeoutSec is the request read timeout.
	ReadTimeoutSec int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`

	// WriteTimeoutSec is the response write timeout.
	WriteTimeoutSec int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`

	// ShutdownGraceSec is how long in-flight requests get on shutdown.
	ShutdownGraceSec int `toml:"shutdown_grace_sec" json:"shutdown_grace_sec" yaml:"shutdown_grace_sec"`

	// MaxBodyBytes caps request bodies. Signature image data rides in
	// annotation payloads, so this needs headroom beyond typical JSON.
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes" yaml:"max_body_bytes"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is the storage backend type: "sqlite", "postgres" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the path to the database file (for sqlite).
	Path string `toml:"path" json:"path" yaml:"path"`

	// PostgresDSN is the connection string (for postgres).
	PostgresDSN string `toml:"postgres_dsn" json:"postgres_dsn" yaml:"postgres_dsn"`

	// SecureAudit enables the tamper-evident HMAC-chained audit trail
	// (sqlite only).
	SecureAudit bool `toml:"secure_audit" json:"secure_audit" yaml:"secure_audit"`

	// AuditKeyPath is the path to the audit chain HMAC key file.
	AuditKeyPath string `toml:"audit_key_path" json:"audit_key_path" yaml:"audit_key_path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// InboxConfig holds document intake configuration.
type InboxConfig struct {
	// Path is the directory watched for incoming PDFs.
	Path string `toml:"path" json:"path" yaml:"path"`

	// IncludePatterns are glob patterns for files to pick up.
	IncludePatterns []string `toml:"include_patterns" json:"include_patterns" yaml:"include_patterns"`

	// ExcludePatterns are glob patterns for files to skip.
	ExcludePatterns []string `toml:"exclude_patterns" json:"exclude_patterns" yaml:"exclude_patterns"`

	// DebounceMs is how long a file must be stable before intake.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// MaxFileSize is the maximum PDF size to process in bytes.
	MaxFileSize int64 `toml:"max_file_size" json:"max_file_size" yaml:"max_file_size"`

	// Recursive determines whether to watch subdirectories.
	Recursive bool `toml:"recursive" json:"recursive" yaml:"recursive"`
}

// GeometryConfig holds page-dimension resolution configuration.
type GeometryConfig struct {
	// FallbackWidth is the page width assumed when geometry is unknown.
	FallbackWidth float64 `toml:"fallback_width" json:"fallback_width" yaml:"fallback_width"`

	// FallbackHeight is the page height assumed when geometry is unknown.
	FallbackHeight float64 `toml:"fallback_height" json:"fallback_height" yaml:"fallback_height"`

	// InversionTolerancePt is the slack, in points, when comparing
	// reported against actual dimensions for swap detection.
	InversionTolerancePt float64 `toml:"inversion_tolerance_pt" json:"inversion_tolerance_pt" yaml:"inversion_tolerance_pt"`

	// RenderDPI is the resolution used when rasterizing pages for display.
	RenderDPI int `toml:"render_dpi" json:"render_dpi" yaml:"render_dpi"`
}

// EditorConfig holds placement and gesture configuration.
type EditorConfig struct {
	// PlacementLockMs suppresses repeat placements from the same armed
	// tool for this window. Clicks inside it are dropped, not queued.
	PlacementLockMs int `toml:"placement_lock_ms" json:"placement_lock_ms" yaml:"placement_lock_ms"`

	// EnforcePageBounds clamps placement and drag positions onto the
	// page. Off by default: off-page coordinates are preserved.
	EnforcePageBounds bool `toml:"enforce_page_bounds" json:"enforce_page_bounds" yaml:"enforce_page_bounds"`

	// EnforceResizeBounds caps resize at the remaining page space.
	EnforceResizeBounds bool `toml:"enforce_resize_bounds" json:"enforce_resize_bounds" yaml:"enforce_resize_bounds"`
}

// SaveConfig holds the debounced save queue configuration.
type SaveConfig struct {
	// DebounceMs is the quiet period before pending edits are saved.
	// Must sit between 300 and 1000.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// CallTimeoutSec bounds a single backend save or delete call.
	CallTimeoutSec int `toml:"call_timeout_sec" json:"call_timeout_sec" yaml:"call_timeout_sec"`
}

// DeliveryConfig holds merge/delivery provider configuration.
type DeliveryConfig struct {
	// Enabled determines whether completed documents are delivered.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Providers is the list of enabled delivery providers.
	Providers []string `toml:"providers" json:"providers" yaml:"providers"`

	// RetryAttempts is the number of retry attempts for failed deliveries.
	RetryAttempts int `toml:"retry_attempts" json:"retry_attempts" yaml:"retry_attempts"`

	// RetryDelayMs is the delay between retry attempts.
	RetryDelayMs int `toml:"retry_delay_ms" json:"retry_delay_ms" yaml:"retry_delay_ms"`

	// Spool configuration.
	Spool SpoolConfig `toml:"spool" json:"spool" yaml:"spool"`

	// HTTPMerge configuration.
	HTTPMerge HTTPMergeConfig `toml:"httpmerge" json:"httpmerge" yaml:"httpmerge"`

	// DocuSign configuration.
	DocuSign DocuSignConfig `toml:"docusign" json:"docusign" yaml:"docusign"`

	// AdobeSign configuration.
	AdobeSign AdobeSignConfig `toml:"adobesign" json:"adobesign" yaml:"adobesign"`
}

// SpoolConfig holds local spool delivery configuration.
type SpoolConfig struct {
	// Enabled determines whether spool delivery is enabled.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Dir is the directory merged PDFs are written to.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`
}

// HTTPMergeConfig holds remote merge service configuration.
type HTTPMergeConfig struct {
	// Enabled determines whether the merge service is used.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// URL is the merge service endpoint.
	URL string `toml:"url" json:"url" yaml:"url"`

	// TimeoutSec is the timeout for merge requests.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// AuthToken authenticates against the merge service
	// (use env var STAMPD_MERGE_TOKEN).
	AuthToken string `toml:"auth_token" json:"auth_token" yaml:"auth_token"`
}

// DocuSignConfig holds DocuSign delivery configuration.
type DocuSignConfig struct {
	// Enabled determines whether DocuSign delivery is enabled.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// BaseURL is the DocuSign API base URL.
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`

	// IntegrationKey identifies this installation.
	IntegrationKey string `toml:"integration_key" json:"integration_key" yaml:"integration_key"`

	// AccountID is the DocuSign account to deliver into.
	AccountID string `toml:"account_id" json:"account_id" yaml:"account_id"`
}

// AdobeSignConfig holds Adobe Sign delivery configuration.
type AdobeSignConfig struct {
	// Enabled determines whether Adobe Sign delivery is enabled.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// BaseURL is the Adobe Sign API base URL.
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`

	// ClientID identifies this installation.
	ClientID string `toml:"client_id" json:"client_id" yaml:"client_id"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or a file path.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled determines whether metrics are collected and exposed.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// TracingConfig holds span-export configuration.
type TracingConfig struct {
	// Enabled determines whether spans are recorded and exported.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Exporter is the span destination: "stdout" or "file".
	Exporter string `toml:"exporter" json:"exporter" yaml:"exporter"`

	// Path is the JSONL file spans are appended to (when Exporter is "file").
	Path string `toml:"path" json:"path" yaml:"path"`

	// SampleRatio is the fraction of traces kept, 0.0 to 1.0.
	SampleRatio float64 `toml:"sample_ratio" json:"sample_ratio" yaml:"sample_ratio"`
}

// HealthConfig holds health-probe thresholds.
type HealthConfig struct {
	// MinFreeDiskMB is the free-space floor under the data directory
	// before the disk probe reports degraded.
	MinFreeDiskMB int `toml:"min_free_disk_mb" json:"min_free_disk_mb" yaml:"min_free_disk_mb"`

	// MaxHeapMB is the process heap ceiling before the memory probe
	// reports degraded.
	MaxHeapMB int `toml:"max_heap_mb" json:"max_heap_mb" yaml:"max_heap_mb"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := StampdDir()

	return &Config{
		Version: Version,
		Server: ServerConfig{
			ListenAddr:       "127.0.0.1:8421",
			BaseURL:          "",
			ReadTimeoutSec:   15,
			WriteTimeoutSec:  30,
			ShutdownGraceSec: 10,
			MaxBodyBytes:     32 * 1024 * 1024, // 32MB
		},
		Storage: StorageConfig{
			Type:          "sqlite",
			Path:          filepath.Join(dir, "stampd.db"),
			SecureAudit:   false,
			AuditKeyPath:  filepath.Join(dir, "audit_key"),
			BusyTimeoutMs: 5000,
		},
		Inbox: InboxConfig{
			Path:            filepath.Join(dir, "inbox"),
			IncludePatterns: []string{"*.pdf", "*.PDF"},
			ExcludePatterns: []string{".*", "*~", "*.tmp", "*.part"},
			DebounceMs:      500,
			MaxFileSize:     200 * 1024 * 1024, // 200MB
			Recursive:       false,
		},
		Geometry: GeometryConfig{
			FallbackWidth:        612,
			FallbackHeight:       792,
			InversionTolerancePt: 1.0,
			RenderDPI:            150,
		},
		Editor: EditorConfig{
			PlacementLockMs:     1000,
			EnforcePageBounds:   false,
			EnforceResizeBounds: true,
		},
		Save: SaveConfig{
			DebounceMs:     500,
			CallTimeoutSec: 10,
		},
		Delivery: DeliveryConfig{
			Enabled:       false,
			Providers:     []string{},
			RetryAttempts: 3,
			RetryDelayMs:  5000,
			Spool: SpoolConfig{
				Enabled: true,
				Dir:     filepath.Join(dir, "outbox"),
			},
			HTTPMerge: HTTPMergeConfig{
				Enabled:    false,
				URL:        "",
				TimeoutSec: 30,
			},
			DocuSign: DocuSignConfig{
				Enabled: false,
				BaseURL: "https://demo.docusign.net/restapi",
			},
			AdobeSign: AdobeSignConfig{
				Enabled: false,
				BaseURL: "https://api.na1.adobesign.com/api/rest/v6",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(dir, "stampd.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			Path:        filepath.Join(dir, "traces.jsonl"),
			SampleRatio: 1.0,
		},
		Health: HealthConfig{
			MinFreeDiskMB: 100,
			MaxHeapMB:     1024,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(StampdDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Determine format from extension
	ext := filepath.Ext(path)
	switch ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		// Try TOML by default
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode config (unknown format): %w", err)
		}
	}

	// Old config files simply lack newer sections; decoding over the
	// defaults already filled those in.
	if cfg.Version < Version {
		cfg.Version = Version
	}

	// Apply environment variable overrides
	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Storage.AuditKeyPath),
		filepath.Dir(c.Logging.FilePath),
		c.Inbox.Path,
	}
	if c.Delivery.Spool.Enabled {
		dirs = append(dirs, c.Delivery.Spool.Dir)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// StampdDir returns the base stampd directory.
// Uses platform-specific paths or STAMPD_DATA_DIR environment override.
func StampdDir() string {
	if envDir := os.Getenv("STAMPD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with STAMPD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Server overrides
	if v := os.Getenv("STAMPD_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("STAMPD_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}

	// Storage overrides
	if v := os.Getenv("STAMPD_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("STAMPD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("STAMPD_POSTGRES_DSN"); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := os.Getenv("STAMPD_AUDIT_KEY_PATH"); v != "" {
		c.Storage.AuditKeyPath = v
	}

	// Inbox overrides
	if v := os.Getenv("STAMPD_INBOX_PATH"); v != "" {
		c.Inbox.Path = v
	}

	// Logging overrides
	if v := os.Getenv("STAMPD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("STAMPD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// Merge service credentials from env (for security)
	if v := os.Getenv("STAMPD_MERGE_URL"); v != "" {
		c.Delivery.HTTPMerge.URL = v
	}
	if v := os.Getenv("STAMPD_MERGE_TOKEN"); v != "" {
		c.Delivery.HTTPMerge.AuthToken = v
	}

	// Tracing override: "stdout" or a file path turns span export on
	// without touching the config file.
	if v := os.Getenv("STAMPD_TRACE"); v != "" {
		c.Tracing.Enabled = true
		if v == "stdout" {
			c.Tracing.Exporter = "stdout"
		} else {
			c.Tracing.Exporter = "file"
			c.Tracing.Path = v
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := *c

	// Deep copy slices
	clone.Inbox.IncludePatterns = append([]string{}, c.Inbox.IncludePatterns...)
	clone.Inbox.ExcludePatterns = append([]string{}, c.Inbox.ExcludePatterns...)
	clone.Delivery.Providers = append([]string{}, c.Delivery.Providers...)

	return &clone
}
