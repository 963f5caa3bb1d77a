// Package config handles configuration loading and validation for stampd.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	// Validate version
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	// Validate server configuration
	if serverErrs := validateServer(&c.Server); len(serverErrs) > 0 {
		errs = append(errs, serverErrs...)
	}

	// Validate storage configuration
	if storageErrs := validateStorage(&c.Storage); len(storageErrs) > 0 {
		errs = append(errs, storageErrs...)
	}

	// Validate inbox configuration
	if inboxErrs := validateInbox(&c.Inbox); len(inboxErrs) > 0 {
		errs = append(errs, inboxErrs...)
	}

	// Validate geometry configuration
	if geoErrs := validateGeometry(&c.Geometry); len(geoErrs) > 0 {
		errs = append(errs, geoErrs...)
	}

	// Validate editor configuration
	if editorErrs := validateEditor(&c.Editor); len(editorErrs) > 0 {
		errs = append(errs, editorErrs...)
	}

	// Validate save configuration
	if saveErrs := validateSave(&c.Save); len(saveErrs) > 0 {
		errs = append(errs, saveErrs...)
	}

	// Validate delivery configuration
	if deliveryErrs := validateDelivery(&c.Delivery); len(deliveryErrs) > 0 {
		errs = append(errs, deliveryErrs...)
	}

	// Validate logging configuration
	if loggingErrs := validateLogging(&c.Logging); len(loggingErrs) > 0 {
		errs = append(errs, loggingErrs...)
	}

	// Validate tracing configuration
	if tracingErrs := validateTracing(&c.Tracing); len(tracingErrs) > 0 {
		errs = append(errs, tracingErrs...)
	}

	// Validate health configuration
	if healthErrs := validateHealth(&c.Health); len(healthErrs) > 0 {
		errs = append(errs, healthErrs...)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if s.ListenAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "server.listen_addr",
			Message: "listen address is required",
		})
	}

	if s.BaseURL != "" && !isValidURL(s.BaseURL) {
		errs = append(errs, ValidationError{
			Field:   "server.base_url",
			Message: fmt.Sprintf("invalid URL: %s", s.BaseURL),
		})
	}

	if s.ReadTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.read_timeout_sec",
			Message: "read timeout must be at least 1 second",
		})
	}

	if s.WriteTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.write_timeout_sec",
			Message: "write timeout must be at least 1 second",
		})
	}

	if s.ShutdownGraceSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.shutdown_grace_sec",
			Message: "shutdown grace cannot be negative",
		})
	}

	if s.MaxBodyBytes < 1024 {
		errs = append(errs, ValidationError{
			Field:   "server.max_body_bytes",
			Message: "max body size must be at least 1KB",
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	// Validate storage type
	switch s.Type {
	case "sqlite", "postgres", "memory":
		// Valid types
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("invalid storage type: %s (valid: sqlite, postgres, memory)", s.Type),
		})
	}

	// SQLite-specific validation
	if s.Type == "sqlite" {
		if s.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: "database path is required for sqlite storage",
			})
		}

		// Check parent directory exists or can be created
		dir := filepath.Dir(expandPath(s.Path))
		if dir != "" && dir != "." {
			if info, err := os.Stat(dir); err != nil {
				if !os.IsNotExist(err) {
					errs = append(errs, ValidationError{
						Field:   "storage.path",
						Message: fmt.Sprintf("cannot access directory: %v", err),
					})
				}
				// Directory doesn't exist yet - that's OK, it will be created
			} else if !info.IsDir() {
				errs = append(errs, ValidationError{
					Field:   "storage.path",
					Message: fmt.Sprintf("parent path is not a directory: %s", dir),
				})
			}
		}
	}

	// Postgres-specific validation
	if s.Type == "postgres" && s.PostgresDSN == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.postgres_dsn",
			Message: "connection string is required for postgres storage",
		})
	}

	// Secure audit requires an HMAC key and the sqlite backend
	if s.SecureAudit {
		if s.Type != "sqlite" {
			errs = append(errs, ValidationError{
				Field:   "storage.secure_audit",
				Message: "secure audit is only supported with sqlite storage",
			})
		}
		if s.AuditKeyPath == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.audit_key_path",
				Message: "audit key path is required when secure audit is enabled",
			})
		}
	}

	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateInbox(i *InboxConfig) ValidationErrors {
	var errs ValidationErrors

	// An empty path disables document intake; the daemon runs
	// API-only. Flagged as a warning so operators notice.
	if i.Path == "" {
		return ValidationErrors{{
			Field:   "inbox.path",
			Message: "inbox path is empty; document intake disabled",
		}}
	}

	// Validate debounce interval
	if i.DebounceMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "inbox.debounce_ms",
			Message: "debounce must be at least 100ms",
		})
	}
	if i.DebounceMs > 60000 {
		errs = append(errs, ValidationError{
			Field:   "inbox.debounce_ms",
			Message: "debounce cannot exceed 60000ms (1 minute)",
		})
	}

	// Validate max file size
	if i.MaxFileSize < 0 {
		errs = append(errs, ValidationError{
			Field:   "inbox.max_file_size",
			Message: "max file size cannot be negative",
		})
	}

	// Validate glob patterns are valid
	for n, pattern := range i.IncludePatterns {
		if !isValidGlobPattern(pattern) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("inbox.include_patterns[%d]", n),
				Message: fmt.Sprintf("invalid glob pattern: %s", pattern),
			})
		}
	}

	for n, pattern := range i.ExcludePatterns {
		if !isValidGlobPattern(pattern) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("inbox.exclude_patterns[%d]", n),
				Message: fmt.Sprintf("invalid glob pattern: %s", pattern),
			})
		}
	}

	return errs
}

func validateGeometry(g *GeometryConfig) ValidationErrors {
	var errs ValidationErrors

	if g.FallbackWidth <= 0 {
		errs = append(errs, ValidationError{
			Field:   "geometry.fallback_width",
			Message: "fallback width must be positive",
		})
	}

	if g.FallbackHeight <= 0 {
		errs = append(errs, ValidationError{
			Field:   "geometry.fallback_height",
			Message: "fallback height must be positive",
		})
	}

	if g.InversionTolerancePt < 0 {
		errs = append(errs, ValidationError{
			Field:   "geometry.inversion_tolerance_pt",
			Message: "inversion tolerance cannot be negative",
		})
	}

	if g.RenderDPI < 36 || g.RenderDPI > 600 {
		errs = append(errs, ValidationError{
			Field:   "geometry.render_dpi",
			Message: fmt.Sprintf("render DPI must be between 36 and 600, got %d", g.RenderDPI),
		})
	}

	return errs
}

func validateEditor(e *EditorConfig) ValidationErrors {
	var errs ValidationErrors

	if e.PlacementLockMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "editor.placement_lock_ms",
			Message: "placement lock cannot be negative",
		})
	}
	if e.PlacementLockMs > 60000 {
		errs = append(errs, ValidationError{
			Field:   "editor.placement_lock_ms",
			Message: "placement lock cannot exceed 60000ms (1 minute)",
		})
	}

	return errs
}

func validateSave(s *SaveConfig) ValidationErrors {
	var errs ValidationErrors

	// The debounce window has to be long enough to coalesce bursts of
	// edits but short enough that a closed tab doesn't lose work.
	if s.DebounceMs < 300 {
		errs = append(errs, ValidationError{
			Field:   "save.debounce_ms",
			Message: "save debounce must be at least 300ms",
		})
	}
	if s.DebounceMs > 1000 {
		errs = append(errs, ValidationError{
			Field:   "save.debounce_ms",
			Message: "save debounce cannot exceed 1000ms",
		})
	}

	if s.CallTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "save.call_timeout_sec",
			Message: "call timeout must be at least 1 second",
		})
	}

	return errs
}

func validateDelivery(d *DeliveryConfig) ValidationErrors {
	var errs ValidationErrors

	if !d.Enabled {
		return errs // Skip validation if delivery is disabled
	}

	// Validate enabled providers
	validProviders := map[string]bool{
		"spool":     true,
		"httpmerge": true,
		"docusign":  true,
		"adobesign": true,
	}

	for i, provider := range d.Providers {
		if !validProviders[provider] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("delivery.providers[%d]", i),
				Message: fmt.Sprintf("unknown provider: %s", provider),
			})
		}
	}

	// Validate spool config
	if d.Spool.Enabled && d.Spool.Dir == "" {
		errs = append(errs, ValidationError{
			Field:   "delivery.spool.dir",
			Message: "spool directory is required when spool is enabled",
		})
	}

	// Validate merge service config
	if d.HTTPMerge.Enabled {
		if d.HTTPMerge.URL == "" {
			errs = append(errs, ValidationError{
				Field:   "delivery.httpmerge.url",
				Message: "merge service URL is required when httpmerge is enabled",
			})
		} else if !isValidURL(d.HTTPMerge.URL) {
			errs = append(errs, ValidationError{
				Field:   "delivery.httpmerge.url",
				Message: fmt.Sprintf("invalid URL: %s", d.HTTPMerge.URL),
			})
		}
		if d.HTTPMerge.TimeoutSec < 1 {
			errs = append(errs, ValidationError{
				Field:   "delivery.httpmerge.timeout_sec",
				Message: "timeout must be at least 1 second",
			})
		}
	}

	// Validate DocuSign config
	if d.DocuSign.Enabled {
		if !isValidURL(d.DocuSign.BaseURL) {
			errs = append(errs, ValidationError{
				Field:   "delivery.docusign.base_url",
				Message: fmt.Sprintf("invalid URL: %s", d.DocuSign.BaseURL),
			})
		}
		if d.DocuSign.IntegrationKey == "" {
			errs = append(errs, ValidationError{
				Field:   "delivery.docusign.integration_key",
				Message: "integration key is required when docusign is enabled",
			})
		}
		if d.DocuSign.AccountID == "" {
			errs = append(errs, ValidationError{
				Field:   "delivery.docusign.account_id",
				Message: "account ID is required when docusign is enabled",
			})
		}
	}

	// Validate Adobe Sign config
	if d.AdobeSign.Enabled {
		if !isValidURL(d.AdobeSign.BaseURL) {
			errs = append(errs, ValidationError{
				Field:   "delivery.adobesign.base_url",
				Message: fmt.Sprintf("invalid URL: %s", d.AdobeSign.BaseURL),
			})
		}
		if d.AdobeSign.ClientID == "" {
			errs = append(errs, ValidationError{
				Field:   "delivery.adobesign.client_id",
				Message: "client ID is required when adobesign is enabled",
			})
		}
	}

	// Validate retry settings
	if d.RetryAttempts < 0 {
		errs = append(errs, ValidationError{
			Field:   "delivery.retry_attempts",
			Message: "retry attempts cannot be negative",
		})
	}
	if d.RetryDelayMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "delivery.retry_delay_ms",
			Message: "retry delay cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "file":
		// Valid outputs
		if l.Output == "file" && l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		// Assume it's a file path
		if l.Output == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: "log output is required",
			})
		}
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateTracing(t *TracingConfig) ValidationErrors {
	var errs ValidationErrors

	if !t.Enabled {
		return errs
	}

	switch t.Exporter {
	case "stdout":
		// Valid exporters
	case "file":
		if t.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "tracing.path",
				Message: "path is required when exporter is 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "tracing.exporter",
			Message: fmt.Sprintf("invalid exporter: %s (valid: stdout, file)", t.Exporter),
		})
	}

	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		errs = append(errs, ValidationError{
			Field:   "tracing.sample_ratio",
			Message: fmt.Sprintf("sample ratio must be between 0 and 1, got %g", t.SampleRatio),
		})
	}

	return errs
}

func validateHealth(h *HealthConfig) ValidationErrors {
	var errs ValidationErrors

	if h.MinFreeDiskMB < 0 {
		errs = append(errs, ValidationError{
			Field:   "health.min_free_disk_mb",
			Message: "free-disk floor cannot be negative",
		})
	}

	if h.MaxHeapMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "health.max_heap_mb",
			Message: "heap ceiling must be at least 1 MB",
		})
	}

	return errs
}

// Helper functions

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isValidGlobPattern(pattern string) bool {
	// Basic validation - check for invalid characters
	if pattern == "" {
		return false
	}
	// Try to compile the pattern
	_, err := filepath.Match(pattern, "test")
	return err == nil
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	// Some fields are warnings, not errors
	warningFields := []string{
		"inbox.path", // Empty path runs the daemon API-only
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}
