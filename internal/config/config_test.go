package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	// Verify defaults
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Server.ListenAddr == "" {
		t.Error("expected non-empty listen address")
	}
	if cfg.Storage.Type != "sqlite" {
		t.Errorf("expected sqlite storage, got %s", cfg.Storage.Type)
	}
	if cfg.Save.DebounceMs != 500 {
		t.Errorf("expected save debounce 500, got %d", cfg.Save.DebounceMs)
	}
	if cfg.Editor.PlacementLockMs != 1000 {
		t.Errorf("expected placement lock 1000, got %d", cfg.Editor.PlacementLockMs)
	}
	if cfg.Editor.EnforcePageBounds {
		t.Error("page bounds enforcement should default to off")
	}
	if !cfg.Editor.EnforceResizeBounds {
		t.Error("resize bounds enforcement should default to on")
	}
	if cfg.Geometry.FallbackWidth != 612 || cfg.Geometry.FallbackHeight != 792 {
		t.Errorf("expected 612x792 fallback, got %gx%g",
			cfg.Geometry.FallbackWidth, cfg.Geometry.FallbackHeight)
	}
	if cfg.Tracing.Enabled {
		t.Error("tracing should default to off")
	}
	if cfg.Tracing.SampleRatio != 1.0 {
		t.Errorf("expected sample ratio 1.0, got %g", cfg.Tracing.SampleRatio)
	}
	if cfg.Health.MinFreeDiskMB != 100 {
		t.Errorf("expected 100MB disk floor, got %d", cfg.Health.MinFreeDiskMB)
	}

	// Check paths contain stampd
	if !strings.Contains(cfg.Storage.Path, "stampd") {
		t.Errorf("database path should contain stampd: %s", cfg.Storage.Path)
	}
	if !strings.Contains(cfg.Logging.FilePath, "stampd") {
		t.Errorf("log path should contain stampd: %s", cfg.Logging.FilePath)
	}

	// Default config should validate
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if path == "" {
		t.Error("ConfigPath returned empty string")
	}
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
	if !strings.Contains(path, "stampd") {
		t.Errorf("config path should contain stampd: %s", path)
	}
}

func TestStampdDirEnvOverride(t *testing.T) {
	t.Setenv("STAMPD_DATA_DIR", "/custom/data")
	if dir := StampdDir(); dir != "/custom/data" {
		t.Errorf("expected /custom/data, got %s", dir)
	}
}

func TestLoadNonexistent(t *testing.T) {
	// Load from nonexistent path should return default config
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}

	// Should have defaults
	if cfg.Save.DebounceMs != 500 {
		t.Errorf("expected save debounce 500, got %d", cfg.Save.DebounceMs)
	}
}

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
version = 2

[server]
listen_addr = "0.0.0.0:9000"

[storage]
type = "sqlite"
path = "/custom/path/stampd.db"

[inbox]
path = "/custom/inbox"
include_patterns = ["*.pdf"]

[save]
debounce_ms = 750
call_timeout_sec = 5

[logging]
level = "debug"
file_path = "/custom/path/stampd.log"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("expected listen addr 0.0.0.0:9000, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Storage.Path != "/custom/path/stampd.db" {
		t.Errorf("expected database path /custom/path/stampd.db, got %s", cfg.Storage.Path)
	}
	if cfg.Inbox.Path != "/custom/inbox" {
		t.Errorf("expected inbox path /custom/inbox, got %s", cfg.Inbox.Path)
	}
	if len(cfg.Inbox.IncludePatterns) != 1 || cfg.Inbox.IncludePatterns[0] != "*.pdf" {
		t.Errorf("unexpected include patterns: %v", cfg.Inbox.IncludePatterns)
	}
	if cfg.Save.DebounceMs != 750 {
		t.Errorf("expected save debounce 750, got %d", cfg.Save.DebounceMs)
	}
	if cfg.Save.CallTimeoutSec != 5 {
		t.Errorf("expected call timeout 5, got %d", cfg.Save.CallTimeoutSec)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	// Only set some values, rest should come from defaults
	content := `
[save]
debounce_ms = 400
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Save.DebounceMs != 400 {
		t.Errorf("expected save debounce 400, got %d", cfg.Save.DebounceMs)
	}
	// Other fields should have defaults
	if cfg.Save.CallTimeoutSec != 10 {
		t.Errorf("call timeout should have default value, got %d", cfg.Save.CallTimeoutSec)
	}
	if !strings.Contains(cfg.Storage.Path, "stampd") {
		t.Error("database path should have default value")
	}
	if cfg.Version != Version {
		t.Errorf("version should be bumped to %d, got %d", Version, cfg.Version)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
this is not valid toml {{{
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestLoadJSONConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	content := `{"server": {"listen_addr": "127.0.0.1:7000"}, "save": {"debounce_ms": 600}}`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:7000" {
		t.Errorf("expected listen addr 127.0.0.1:7000, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Save.DebounceMs != 600 {
		t.Errorf("expected save debounce 600, got %d", cfg.Save.DebounceMs)
	}
}

func TestLoadYAMLConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
server:
  listen_addr: "127.0.0.1:7100"
geometry:
  render_dpi: 96
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:7100" {
		t.Errorf("expected listen addr 127.0.0.1:7100, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Geometry.RenderDPI != 96 {
		t.Errorf("expected render DPI 96, got %d", cfg.Geometry.RenderDPI)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("STAMPD_LISTEN_ADDR", "0.0.0.0:4321")
	t.Setenv("STAMPD_LOG_LEVEL", "debug")
	t.Setenv("STAMPD_MERGE_TOKEN", "secret-token")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	content := `
[server]
listen_addr = "127.0.0.1:8421"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.ListenAddr != "0.0.0.0:4321" {
		t.Errorf("env override should win, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Delivery.HTTPMerge.AuthToken != "secret-token" {
		t.Error("merge token should come from environment")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	if err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidateSaveDebounceBand(t *testing.T) {
	cfg := DefaultConfig()

	cfg.Save.DebounceMs = 299
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for save debounce below 300ms")
	}

	cfg.Save.DebounceMs = 1001
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for save debounce above 1000ms")
	}

	cfg.Save.DebounceMs = 300
	if err := cfg.Validate(); err != nil {
		t.Errorf("300ms should be valid: %v", err)
	}

	cfg.Save.DebounceMs = 1000
	if err := cfg.Validate(); err != nil {
		t.Errorf("1000ms should be valid: %v", err)
	}
}

func TestValidateInvalidStorageType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Type = "cassandra"
	err := cfg.Validate()
	if err == nil {
		t.Error("expected error for unknown storage type")
	}
	if !strings.Contains(err.Error(), "storage.type") {
		t.Errorf("error should name the field: %v", err)
	}
}

func TestValidatePostgresRequiresDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Type = "postgres"
	cfg.Storage.PostgresDSN = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for postgres without DSN")
	}

	cfg.Storage.PostgresDSN = "postgres://stampd@localhost/stampd"
	if err := cfg.Validate(); err != nil {
		t.Errorf("postgres with DSN should be valid: %v", err)
	}
}

func TestValidateSecureAudit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.SecureAudit = true
	cfg.Storage.AuditKeyPath = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for secure audit without key path")
	}

	cfg = DefaultConfig()
	cfg.Storage.Type = "memory"
	cfg.Storage.SecureAudit = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for secure audit on memory storage")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown log level")
	}
}

func TestValidateInboxDebounce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Inbox.DebounceMs = 50
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for inbox debounce below 100ms")
	}
}

func TestValidateEmptyInboxPathIsWarning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Inbox.Path = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected a finding for empty inbox path")
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if verrs.HasErrors() {
		t.Errorf("empty inbox path should be warning-only, got %v", verrs.Errors())
	}
	if warnings := verrs.Warnings(); len(warnings) != 1 {
		t.Errorf("expected one warning, got %v", warnings)
	}
}

func TestValidateDeliveryProviders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Delivery.Enabled = true
	cfg.Delivery.Providers = []string{"spool", "carrier-pigeon"}
	err := cfg.Validate()
	if err == nil {
		t.Error("expected error for unknown delivery provider")
	}
	if !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("error should name the provider: %v", err)
	}
}

func TestValidateTracing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown trace exporter")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "file"
	cfg.Tracing.Path = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for file exporter without path")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.SampleRatio = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for sample ratio above 1")
	}

	// Disabled tracing skips the checks entirely
	cfg = DefaultConfig()
	cfg.Tracing.Exporter = "jaeger"
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled tracing should not be validated: %v", err)
	}
}

func TestValidateHealthThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Health.MinFreeDiskMB = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative disk floor")
	}

	cfg = DefaultConfig()
	cfg.Health.MaxHeapMB = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero heap ceiling")
	}
}

func TestTraceEnvOverride(t *testing.T) {
	t.Setenv("STAMPD_TRACE", "stdout")
	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "stdout" {
		t.Errorf("STAMPD_TRACE=stdout should enable the stdout exporter, got %+v", cfg.Tracing)
	}

	t.Setenv("STAMPD_TRACE", "/tmp/spans.jsonl")
	cfg = DefaultConfig()
	cfg.ApplyEnvOverrides()
	if cfg.Tracing.Exporter != "file" || cfg.Tracing.Path != "/tmp/spans.jsonl" {
		t.Errorf("STAMPD_TRACE path should select the file exporter, got %+v", cfg.Tracing)
	}
}

func TestValidationErrorFormat(t *testing.T) {
	e := ValidationError{Field: "save.debounce_ms", Message: "out of range"}
	want := "config: save.debounce_ms: out of range"
	if e.Error() != want {
		t.Errorf("expected %q, got %q", want, e.Error())
	}
}

func TestEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.Path = filepath.Join(tmpDir, "data", "stampd.db")
	cfg.Storage.AuditKeyPath = filepath.Join(tmpDir, "data", "audit_key")
	cfg.Logging.FilePath = filepath.Join(tmpDir, "logs", "stampd.log")
	cfg.Inbox.Path = filepath.Join(tmpDir, "inbox")
	cfg.Delivery.Spool.Enabled = true
	cfg.Delivery.Spool.Dir = filepath.Join(tmpDir, "outbox")

	err := cfg.EnsureDirectories()
	if err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	// Verify directories were created
	for _, dir := range []string{
		filepath.Join(tmpDir, "data"),
		filepath.Join(tmpDir, "logs"),
		filepath.Join(tmpDir, "inbox"),
		filepath.Join(tmpDir, "outbox"),
	} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.Errorf("%s was not created", dir)
		}
	}
}

func TestCloneDeepCopies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Inbox.IncludePatterns = []string{"*.pdf"}
	cfg.Delivery.Providers = []string{"spool"}

	clone := cfg.Clone()
	clone.Inbox.IncludePatterns[0] = "*.docx"
	clone.Delivery.Providers = append(clone.Delivery.Providers, "httpmerge")
	clone.Save.DebounceMs = 900

	if cfg.Inbox.IncludePatterns[0] != "*.pdf" {
		t.Error("clone should not share include patterns with original")
	}
	if len(cfg.Delivery.Providers) != 1 {
		t.Error("clone should not share providers with original")
	}
	if cfg.Save.DebounceMs != 500 {
		t.Error("clone should not share scalar fields with original")
	}
}

func TestConfigWithComments(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
# This is a comment
[save]
debounce_ms = 700 # inline comment
# call_timeout_sec = 99
call_timeout_sec = 5
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Save.DebounceMs != 700 {
		t.Errorf("expected save debounce 700, got %d", cfg.Save.DebounceMs)
	}
	if cfg.Save.CallTimeoutSec != 5 {
		t.Errorf("expected call timeout 5, got %d", cfg.Save.CallTimeoutSec)
	}
}

func TestMergeNonZeroOverrides(t *testing.T) {
	dst := DefaultConfig()
	src := &Config{}
	src.Server.ListenAddr = "0.0.0.0:9999"
	src.Save.DebounceMs = 800

	merged := Merge(dst, src)

	if merged.Server.ListenAddr != "0.0.0.0:9999" {
		t.Errorf("expected merged listen addr, got %s", merged.Server.ListenAddr)
	}
	if merged.Save.DebounceMs != 800 {
		t.Errorf("expected merged save debounce, got %d", merged.Save.DebounceMs)
	}
	// Zero fields in src must not wipe dst values
	if merged.Storage.Type != "sqlite" {
		t.Errorf("storage type should survive merge, got %s", merged.Storage.Type)
	}
	if merged.Logging.Level != "info" {
		t.Errorf("log level should survive merge, got %s", merged.Logging.Level)
	}
	// Merge must not mutate dst
	if dst.Server.ListenAddr == "0.0.0.0:9999" {
		t.Error("Merge mutated the destination config")
	}
}

func TestWriteConfigFileRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	cfg := DefaultConfig()
	cfg.Server.ListenAddr = "127.0.0.1:9000"
	cfg.Save.DebounceMs = 700
	cfg.Inbox.IncludePatterns = []string{"*.pdf"}

	if err := WriteConfigFile(cfg, configPath); err != nil {
		t.Fatalf("WriteConfigFile failed: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Server.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("expected listen addr 127.0.0.1:9000, got %s", loaded.Server.ListenAddr)
	}
	if loaded.Save.DebounceMs != 700 {
		t.Errorf("expected save debounce 700, got %d", loaded.Save.DebounceMs)
	}
	if len(loaded.Inbox.IncludePatterns) != 1 || loaded.Inbox.IncludePatterns[0] != "*.pdf" {
		t.Errorf("unexpected include patterns: %v", loaded.Inbox.IncludePatterns)
	}
}

func TestLoadOrCreate(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	cfg, created, err := LoadOrCreate(configPath)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected config file to be created")
	}
	if cfg == nil {
		t.Fatal("LoadOrCreate returned nil config")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("config file was not written")
	}

	// Second call should load the existing file
	cfg2, created, err := LoadOrCreate(configPath)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if created {
		t.Error("existing config should not be recreated")
	}
	if cfg2.Save.DebounceMs != cfg.Save.DebounceMs {
		t.Error("loaded config should match the one that was written")
	}
}

func TestLoaderRejectsInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
[save]
debounce_ms = 100
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader(configPath)
	defer loader.Close()

	if _, err := loader.Load(); err == nil {
		t.Error("expected validation error for out-of-band save debounce")
	}
}

func TestLoaderAcceptsWarningOnlyConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	// Intake-disabled config: empty inbox path is a warning, not an error
	content := `
[inbox]
path = ""
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader(configPath)
	defer loader.Close()

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("warning-only config should load: %v", err)
	}
	if cfg.Inbox.Path != "" {
		t.Errorf("expected empty inbox path to survive, got %q", cfg.Inbox.Path)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STAMPD_STORAGE_TYPE", "memory")

	cfg := LoadFromEnv()
	if cfg.Storage.Type != "memory" {
		t.Errorf("expected memory storage from env, got %s", cfg.Storage.Type)
	}
}
