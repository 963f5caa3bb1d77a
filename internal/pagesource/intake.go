package pagesource

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"stampd/internal/geometry"
	"stampd/internal/logging"
	"stampd/internal/metrics"
	"stampd/internal/store"
	"stampd/internal/tracing"
)

// Intake turns inbox events into registered documents with resolved
// page geometry.
type Intake struct {
	store    store.Store
	resolver *geometry.Resolver
	registry *geometry.Registry

	log     *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.StampdMetrics

	// open is swappable so tests can ingest without a real PDF stack.
	open func(path string) (Source, error)
}

// IntakeConfig carries the intake collaborators. Store is required;
// Audit and Metrics may be nil.
type IntakeConfig struct {
	Store    store.Store
	Resolver *geometry.Resolver
	Registry *geometry.Registry
	Log      *logging.Logger
	Audit    *logging.AuditLogger
	Metrics  *metrics.StampdMetrics
}

// NewIntake creates an intake pipeline.
func NewIntake(cfg IntakeConfig) *Intake {
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("intake")

	resolver := cfg.Resolver
	if resolver == nil {
		resolver = geometry.NewResolver(geometry.DefaultConfig(), log.Logger)
	}
	registry := cfg.Registry
	if registry == nil {
		registry = geometry.NewRegistry()
	}

	return &Intake{
		store:    cfg.Store,
		resolver: resolver,
		registry: registry,
		log:      log,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		open: func(path string) (Source, error) {
			return Open(path)
		},
	}
}

// Run consumes inbox events until ctx is cancelled. Ingest failures
// are logged and do not stop the loop.
func (it *Intake) Run(ctx context.Context, inbox *Inbox) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-inbox.Events():
			if !ok {
				return
			}
			err := tracing.Trace(ctx, "intake.ingest", func(ctx context.Context) error {
				_, err := it.IngestFile(ctx, ev)
				return err
			})
			if err != nil {
				it.log.Error("ingest failed", "path", ev.Path, "error", err)
				if it.metrics != nil {
					it.metrics.RecordError()
				}
			}
		case err, ok := <-inbox.Errors():
			if !ok {
				return
			}
			it.log.Warn("inbox watch error", "error", err)
		}
	}
}

// IngestFile registers one stable file and resolves every page's
// geometry. The document id derives from the content hash, so
// re-dropping the same PDF updates the existing document instead of
// creating a duplicate.
func (it *Intake) IngestFile(ctx context.Context, ev IngestEvent) (*store.Document, error) {
	src, err := it.open(ev.Path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	id := DocumentIDFromHash(ev.Hash)
	now := time.Now().UnixNano()

	doc := &store.Document{
		ID:        id,
		Name:      filepath.Base(ev.Path),
		Path:      ev.Path,
		PageCount: src.PageCount(),
		Status:    store.DocumentStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing, err := it.store.GetDocument(ctx, id); err == nil && existing != nil {
		doc.CreatedAt = existing.CreatedAt
	}
	if err := it.store.UpsertDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("register document: %w", err)
	}

	log := it.log.WithDocument(id)

	corrections := 0
	for page := 1; page <= doc.PageCount; page++ {
		raw, err := src.Describe(page)
		if err != nil {
			log.Warn("describe page failed",
				"page", page,
				"error", err)
			continue
		}

		start := time.Now()
		resolved := it.resolver.Resolve(raw)
		if err := it.store.UpsertPageGeometry(ctx, id, resolved, raw.Source); err != nil {
			return nil, fmt.Errorf("store geometry for page %d: %w", page, err)
		}
		it.registry.Put(id, resolved)

		if it.metrics != nil {
			it.metrics.RecordGeometryResolve(time.Since(start))
			if resolved.CorrectionApplied {
				it.metrics.RecordDimensionCorrection()
			}
		}
		if resolved.CorrectionApplied {
			corrections++
			if it.audit != nil {
				it.audit.LogDimensionCorrection(ctx, id, page, raw.ReportedWidth, raw.ReportedHeight)
			}
		}
	}

	if it.audit != nil {
		it.audit.LogDocumentReceived(ctx, id, ev.Path, doc.PageCount)
	}
	if it.metrics != nil {
		it.metrics.RecordDocumentReceived(ev.Size)
	}

	log.Info("document ingested",
		"name", doc.Name,
		"pages", doc.PageCount,
		"corrections", corrections,
		"bytes", ev.Size)
	return doc, nil
}
