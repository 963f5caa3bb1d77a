// Package config handles configuration loading and validation for stampd.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
}

// NewLoader creates a new configuration loader.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		errChan: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Load reads and parses the configuration file.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}

	// Apply environment overrides
	cfg.ApplyEnvOverrides()

	// Older files just miss newer sections; defaults already cover them
	if cfg.Version < Version {
		cfg.Version = Version
	}

	// Validate; warning-class findings do not block loading
	if err := cfg.Validate(); err != nil && fatalValidation(err) {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	l.config = cfg
	return cfg, nil
}

// fatalValidation reports whether err carries anything beyond
// warning-class findings.
func fatalValidation(err error) bool {
	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		return verrs.HasErrors()
	}
	return true
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch starts watching the configuration file for changes.
// When changes are detected, the configuration is reloaded and
// registered callbacks are invoked.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher

	// Watch the directory containing the config file
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go l.watchLoop()

	return nil
}

// watchLoop handles file system events.
func (l *Loader) watchLoop() {
	// Debounce timer to avoid multiple reloads for rapid changes
	var debounceTimer *time.Timer
	debounceDelay := 100 * time.Millisecond

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}

			// Check if this event is for our config file
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}

			// Only reload on write/create events
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// Debounce
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				l.reload()
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			select {
			case l.errChan <- err:
			default:
			}
		}
	}
}

// reload attempts to reload the configuration.
func (l *Loader) reload() {
	newCfg, err := loadConfigFromFile(l.path)
	if err != nil {
		select {
		case l.errChan <- fmt.Errorf("reload config: %w", err):
		default:
		}
		return
	}

	// Apply environment overrides
	newCfg.ApplyEnvOverrides()

	if newCfg.Version < Version {
		newCfg.Version = Version
	}

	// Validate before applying; warnings pass
	if err := newCfg.Validate(); err != nil && fatalValidation(err) {
		select {
		case l.errChan <- fmt.Errorf("validate new config: %w", err):
		default:
		}
		return
	}

	// Update the config
	l.mu.Lock()
	l.config = newCfg
	l.mu.Unlock()

	// Notify listeners
	for _, cb := range l.onChange {
		cb(newCfg)
	}
}

// OnChange registers a callback to be invoked when the configuration changes.
func (l *Loader) OnChange(cb func(*Config)) {
	l.onChange = append(l.onChange, cb)
}

// Errors returns a channel for receiving errors that occur during watching.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if no config file exists
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()

	// Parse based on extension
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
		// Try to auto-detect format
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return cfg, nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte, cfg *Config) error {
	// Try TOML first (most common)
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}

	// Try JSON
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}

	// Try YAML
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}

	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// LoadFromEnv creates a configuration primarily from environment variables.
// This is useful for containerized deployments.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg
}

// LoadOrCreate loads the configuration from the specified path,
// creating a default configuration file if it doesn't exist.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Create default config
		cfg := DefaultConfig()
		if err := WriteConfigFile(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}

	// Load existing config
	loader := NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, false, err
	}

	return cfg, false, nil
}

// WriteConfigFile saves the configuration to a file, picking the
// encoding from the extension.
func WriteConfigFile(cfg *Config, path string) error {
	// Determine format from extension
	ext := filepath.Ext(path)

	var data []byte
	var err error

	switch ext {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		// Default to TOML
		data, err = encodeToTOML(cfg)
	}

	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	// Write with secure permissions
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// encodeToTOML encodes the config to TOML format with a short header.
func encodeToTOML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# stampd configuration\n# Version %d\n\n", cfg.Version)
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Merge merges two configurations, with src overriding dst for non-zero values.
func Merge(dst, src *Config) *Config {
	result := dst.Clone()

	// Version
	if src.Version > 0 {
		result.Version = src.Version
	}

	// Server
	if src.Server.ListenAddr != "" {
		result.Server.ListenAddr = src.Server.ListenAddr
	}
	if src.Server.BaseURL != "" {
		result.Server.BaseURL = src.Server.BaseURL
	}
	if src.Server.ReadTimeoutSec > 0 {
		result.Server.ReadTimeoutSec = src.Server.ReadTimeoutSec
	}
	if src.Server.WriteTimeoutSec > 0 {
		result.Server.WriteTimeoutSec = src.Server.WriteTimeoutSec
	}
	if src.Server.ShutdownGraceSec > 0 {
		result.Server.ShutdownGraceSec = src.Server.ShutdownGraceSec
	}
	if src.Server.MaxBodyBytes > 0 {
		result.Server.MaxBodyBytes = src.Server.MaxBodyBytes
	}
	// Note: booleans are tricky - we can't distinguish "not set" from "false"
	// For explicit false, user should use the full config

	// Storage
	if src.Storage.Type != "" {
		result.Storage.Type = src.Storage.Type
	}
	if src.Storage.Path != "" {
		result.Storage.Path = src.Storage.Path
	}
	if src.Storage.PostgresDSN != "" {
		result.Storage.PostgresDSN = src.Storage.PostgresDSN
	}
	if src.Storage.AuditKeyPath != "" {
		result.Storage.AuditKeyPath = src.Storage.AuditKeyPath
	}
	if src.Storage.BusyTimeoutMs > 0 {
		result.Storage.BusyTimeoutMs = src.Storage.BusyTimeoutMs
	}

	// Inbox
	if src.Inbox.Path != "" {
		result.Inbox.Path = src.Inbox.Path
	}
	if len(src.Inbox.IncludePatterns) > 0 {
		result.Inbox.IncludePatterns = src.Inbox.IncludePatterns
	}
	if len(src.Inbox.ExcludePatterns) > 0 {
		result.Inbox.ExcludePatterns = src.Inbox.ExcludePatterns
	}
	if src.Inbox.DebounceMs > 0 {
		result.Inbox.DebounceMs = src.Inbox.DebounceMs
	}
	if src.Inbox.MaxFileSize > 0 {
		result.Inbox.MaxFileSize = src.Inbox.MaxFileSize
	}

	// Geometry
	if src.Geometry.FallbackWidth > 0 {
		result.Geometry.FallbackWidth = src.Geometry.FallbackWidth
	}
	if src.Geometry.FallbackHeight > 0 {
		result.Geometry.FallbackHeight = src.Geometry.FallbackHeight
	}
	if src.Geometry.InversionTolerancePt > 0 {
		result.Geometry.InversionTolerancePt = src.Geometry.InversionTolerancePt
	}
	if src.Geometry.RenderDPI > 0 {
		result.Geometry.RenderDPI = src.Geometry.RenderDPI
	}

	// Editor
	if src.Editor.PlacementLockMs > 0 {
		result.Editor.PlacementLockMs = src.Editor.PlacementLockMs
	}

	// Save
	if src.Save.DebounceMs > 0 {
		result.Save.DebounceMs = src.Save.DebounceMs
	}
	if src.Save.CallTimeoutSec > 0 {
		result.Save.CallTimeoutSec = src.Save.CallTimeoutSec
	}

	// Delivery
	if len(src.Delivery.Providers) > 0 {
		result.Delivery.Providers = src.Delivery.Providers
	}
	if src.Delivery.RetryAttempts > 0 {
		result.Delivery.RetryAttempts = src.Delivery.RetryAttempts
	}
	if src.Delivery.RetryDelayMs > 0 {
		result.Delivery.RetryDelayMs = src.Delivery.RetryDelayMs
	}
	if src.Delivery.Spool.Dir != "" {
		result.Delivery.Spool.Dir = src.Delivery.Spool.Dir
	}
	if src.Delivery.HTTPMerge.URL != "" {
		result.Delivery.HTTPMerge.URL = src.Delivery.HTTPMerge.URL
	}
	if src.Delivery.HTTPMerge.TimeoutSec > 0 {
		result.Delivery.HTTPMerge.TimeoutSec = src.Delivery.HTTPMerge.TimeoutSec
	}
	if src.Delivery.HTTPMerge.AuthToken != "" {
		result.Delivery.HTTPMerge.AuthToken = src.Delivery.HTTPMerge.AuthToken
	}
	if src.Delivery.DocuSign.BaseURL != "" {
		result.Delivery.DocuSign.BaseURL = src.Delivery.DocuSign.BaseURL
	}
	if src.Delivery.DocuSign.IntegrationKey != "" {
		result.Delivery.DocuSign.IntegrationKey = src.Delivery.DocuSign.IntegrationKey
	}
	if src.Delivery.DocuSign.AccountID != "" {
		result.Delivery.DocuSign.AccountID = src.Delivery.DocuSign.AccountID
	}
	if src.Delivery.AdobeSign.BaseURL != "" {
		result.Delivery.AdobeSign.BaseURL = src.Delivery.AdobeSign.BaseURL
	}
	if src.Delivery.AdobeSign.ClientID != "" {
		result.Delivery.AdobeSign.ClientID = src.Delivery.AdobeSign.ClientID
	}

	// Logging
	if src.Logging.Level != "" {
		result.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		result.Logging.Format = src.Logging.Format
	}
	if src.Logging.Output != "" {
		result.Logging.Output = src.Logging.Output
	}
	if src.Logging.FilePath != "" {
		result.Logging.FilePath = src.Logging.FilePath
	}
	if src.Logging.MaxSizeMB > 0 {
		result.Logging.MaxSizeMB = src.Logging.MaxSizeMB
	}
	if src.Logging.MaxBackups > 0 {
		result.Logging.MaxBackups = src.Logging.MaxBackups
	}
	if src.Logging.MaxAgeDays > 0 {
		result.Logging.MaxAgeDays = src.Logging.MaxAgeDays
	}

	// Tracing
	if src.Tracing.Exporter != "" {
		result.Tracing.Exporter = src.Tracing.Exporter
	}
	if src.Tracing.Path != "" {
		result.Tracing.Path = src.Tracing.Path
	}
	if src.Tracing.SampleRatio > 0 {
		result.Tracing.SampleRatio = src.Tracing.SampleRatio
	}

	// Health
	if src.Health.MinFreeDiskMB > 0 {
		result.Health.MinFreeDiskMB = src.Health.MinFreeDiskMB
	}
	if src.Health.MaxHeapMB > 0 {
		result.Health.MaxHeapMB = src.Health.MaxHeapMB
	}

	return result
}

// ConfigWatcher provides a simple interface for watching config changes.
type ConfigWatcher struct {
	loader    *Loader
	callbacks []func(*Config, *Config) // old, new
}

// NewConfigWatcher creates a new config watcher.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		return nil, err
	}

	return &ConfigWatcher{
		loader: loader,
	}, nil
}

// Start begins watching for configuration changes.
func (w *ConfigWatcher) Start() error {
	// Track old config for diff callbacks
	oldCfg := w.loader.Config()

	w.loader.OnChange(func(newCfg *Config) {
		for _, cb := range w.callbacks {
			cb(oldCfg, newCfg)
		}
		oldCfg = newCfg
	})

	return w.loader.Watch()
}

// OnChange registers a callback for config changes.
// The callback receives both old and new configurations.
func (w *ConfigWatcher) OnChange(cb func(old, new *Config)) {
	w.callbacks = append(w.callbacks, cb)
}

// Config returns the current configuration.
func (w *ConfigWatcher) Config() *Config {
	return w.loader.Config()
}

// Stop stops watching for changes.
func (w *ConfigWatcher) Stop() error {
	return w.loader.Close()
}

// Reload forces a reload of the configuration.
func (w *ConfigWatcher) Reload() error {
	_, err := w.loader.Load()
	return err
}
