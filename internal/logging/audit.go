// Package logging provides structured logging with slog for stampd.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventDocumentReceived    AuditEventType = "document_received"
	AuditEventDocumentDeleted     AuditEventType = "document_deleted"
	AuditEventAnnotationCreated   AuditEventType = "annotation_created"
	AuditEventAnnotationUpdated   AuditEventType = "annotation_updated"
	AuditEventAnnotationDeleted   AuditEventType = "annotation_deleted"
	AuditEventAnnotationsSaved    AuditEventType = "annotations_saved"
	AuditEventGeometryResolved    AuditEventType = "geometry_resolved"
	AuditEventDimensionCorrection AuditEventType = "dimension_correction"
	AuditEventDelivery            AuditEventType = "delivery"
	AuditEventConfigChange        AuditEventType = "config_change"
	AuditEventError               AuditEventType = "error"
	AuditEventStartup             AuditEventType = "startup"
	AuditEventShutdown            AuditEventType = "shutdown"
)

// AuditEvent represents a workflow-relevant event.
type AuditEvent struct {
	Timestamp    time.Time              `json:"timestamp"`
	EventType    AuditEventType         `json:"event_type"`
	Component    string                 `json:"component"`
	DocumentID   string                 `json:"document_id,omitempty"`
	AnnotationID string                 `json:"annotation_id,omitempty"`
	PageNumber   int                    `json:"page_number,omitempty"`
	Actor        string                 `json:"actor,omitempty"`
	Action       string                 `json:"action"`
	Resource     string                 `json:"resource,omitempty"`
	Result       string                 `json:"result"` // "success", "failure", "denied"
	Details      map[string]interface{} `json:"details,omitempty"`
	SourceIP     string                 `json:"source_ip,omitempty"`
	SourceFile   string                 `json:"source_file,omitempty"`
	SourceLine   int                    `json:"source_line,omitempty"`
	Error        string                 `json:"error,omitempty"`
	RequestID    string                 `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   defaultAuditLogPath(),
		MaxSize:    50, // 50 MB
		MaxAge:     90, // 90 days
		MaxBackups: 10,
		Compress:   true,
		Component:  "stampd",
	}
}

// defaultAuditLogPath returns the platform-specific default audit log path.
func defaultAuditLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "stampd", "audit.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "stampd", "logs", "audit.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "stampd", "audit.log")
	}
}

// AuditLogger writes workflow audit events as JSON lines.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	logger  *slog.Logger
	mu      sync.Mutex
	actor   string
}

var (
	defaultAuditLogger *AuditLogger
	auditLoggerOnce    sync.Once
)

// DefaultAuditLogger returns the default global audit logger.
func DefaultAuditLogger() *AuditLogger {
	auditLoggerOnce.Do(func() {
		var err error
		defaultAuditLogger, err = NewAuditLogger(DefaultAuditConfig())
		if err != nil {
			// Create a fallback that writes to stderr
			defaultAuditLogger = &AuditLogger{
				config: DefaultAuditConfig(),
				logger: slog.Default(),
			}
		}
	})
	return defaultAuditLogger
}

// SetDefaultAuditLogger sets the default global audit logger.
func SetDefaultAuditLogger(l *AuditLogger) {
	defaultAuditLogger = l
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	// Create rotator config from audit config
	rotatorCfg := &Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Format:     FormatJSON,
		Level:      LevelInfo,
	}

	rotator, err := NewFileRotator(rotatorCfg)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level: LevelInfo,
	}

	handler := slog.NewJSONHandler(rotator, opts)
	logger := slog.New(handler)

	return &AuditLogger{
		config:  cfg,
		rotator: rotator,
		logger:  logger,
	}, nil
}

// SetActor sets the default actor attributed to audit events.
func (a *AuditLogger) SetActor(actor string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actor = actor
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Fill in defaults
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.Actor == "" {
		event.Actor = a.actor
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	// Get source location
	if event.SourceFile == "" {
		_, file, line, ok := runtime.Caller(1)
		if ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	// Convert to JSON and write directly
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// LogDocumentReceived logs the intake of a new document.
func (a *AuditLogger) LogDocumentReceived(ctx context.Context, docID, path string, pageCount int) error {
	return a.Log(ctx, AuditEvent{
		EventType:  AuditEventDocumentReceived,
		Action:     "document_received",
		DocumentID: docID,
		Resource:   path,
		Result:     "success",
		Details: map[string]interface{}{
			"page_count": pageCount,
		},
	})
}

// LogDocumentDeleted logs the removal of a document.
func (a *AuditLogger) LogDocumentDeleted(ctx context.Context, docID string) error {
	return a.Log(ctx, AuditEvent{
		EventType:  AuditEventDocumentDeleted,
		Action:     "document_deleted",
		DocumentID: docID,
		Result:     "success",
	})
}

// LogAnnotationCreated logs the creation of an annotation.
func (a *AuditLogger) LogAnnotationCreated(ctx context.Context, docID, annotationID string, page int) error {
	return a.Log(ctx, AuditEvent{
		EventType:    AuditEventAnnotationCreated,
		Action:       "annotation_created",
		DocumentID:   docID,
		AnnotationID: annotationID,
		PageNumber:   page,
		Result:       "success",
	})
}

// LogAnnotationUpdated logs a change to an annotation.
func (a *AuditLogger) LogAnnotationUpdated(ctx context.Context, docID, annotationID string, details map[string]interface{}) error {
	return a.Log(ctx, AuditEvent{
		EventType:    AuditEventAnnotationUpdated,
		Action:       "annotation_updated",
		DocumentID:   docID,
		AnnotationID: annotationID,
		Result:       "success",
		Details:      details,
	})
}

// LogAnnotationDeleted logs the removal of an annotation.
func (a *AuditLogger) LogAnnotationDeleted(ctx context.Context, docID, annotationID string) error {
	return a.Log(ctx, AuditEvent{
		EventType:    AuditEventAnnotationDeleted,
		Action:       "annotation_deleted",
		DocumentID:   docID,
		AnnotationID: annotationID,
		Result:       "success",
	})
}

// LogAnnotationsSaved logs a persisted batch of annotations.
func (a *AuditLogger) LogAnnotationsSaved(ctx context.Context, docID string, count int) error {
	return a.Log(ctx, AuditEvent{
		EventType:  AuditEventAnnotationsSaved,
		Action:     "annotations_saved",
		DocumentID: docID,
		Result:     "success",
		Details: map[string]interface{}{
			"count": count,
		},
	})
}

// LogGeometryResolved logs a page geometry resolution.
func (a *AuditLogger) LogGeometryResolved(ctx context.Context, docID string, page int, corrected bool) error {
	return a.Log(ctx, AuditEvent{
		EventType:  AuditEventGeometryResolved,
		Action:     "geometry_resolved",
		DocumentID: docID,
		PageNumber: page,
		Result:     "success",
		Details: map[string]interface{}{
			"correction_applied": corrected,
		},
	})
}

// LogDimensionCorrection logs a detected width/height inversion.
func (a *AuditLogger) LogDimensionCorrection(ctx context.Context, docID string, page int, reportedWidth, reportedHeight float64) error {
	return a.Log(ctx, AuditEvent{
		EventType:  AuditEventDimensionCorrection,
		Action:     "dimensions_swapped",
		DocumentID: docID,
		PageNumber: page,
		Result:     "success",
		Details: map[string]interface{}{
			"reported_width":  reportedWidth,
			"reported_height": reportedHeight,
		},
	})
}

// LogDelivery logs a delivery attempt.
func (a *AuditLogger) LogDelivery(ctx context.Context, provider, docID string, success bool, details map[string]interface{}) error {
	result := "success"
	if !success {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType:  AuditEventDelivery,
		Action:     "delivery_attempted",
		DocumentID: docID,
		Resource:   provider,
		Result:     result,
		Details:    details,
	})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Result:    "success",
		Details: map[string]interface{}{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogError logs an error event.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// LogStartup logs a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown logs a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    "success",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}

// Convenience functions for the default audit logger.

// Audit logs an audit event using the default audit logger.
func Audit(ctx context.Context, event AuditEvent) error {
	return DefaultAuditLogger().Log(ctx, event)
}

// AuditError logs an error using the default audit logger.
func AuditError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	return DefaultAuditLogger().LogError(ctx, operation, err, details)
}
