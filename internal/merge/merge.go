// Package merge turns a document's placed annotations into delivery jobs.
//
// It is the seam between the editing model, which thinks in relative
// coordinates on a displayed page, and the delivery providers, which want
// PDF points on the unrotated page. The conversion happens here, once,
// right before hand-off; nothing downstream of this package sees relative
// coordinates.
//
// When spooling is enabled a durable retry queue sits behind the provider
// registry, so a merge request survives provider outages and daemon
// restarts. Late settlement receipts from the queue are written to the
// store's receipt table by this package.
package merge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"stampd/internal/annotation"
	"stampd/internal/config"
	"stampd/internal/geometry"
	"stampd/internal/logging"
	"stampd/internal/metrics"
	"stampd/internal/store"
	"stampd/internal/tracing"
	"stampd/internal/transform"
	"stampd/pkg/delivery"
)

// receiptTimeout bounds store writes made from the queue worker, which has
// no request context to inherit.
const receiptTimeout = 10 * time.Second

// Config carries the Merger's collaborators. Store and Log are required;
// Audit and Metrics are optional and skipped when nil.
type Config struct {
	Delivery config.DeliveryConfig
	Store    store.Store
	Log      *logging.Logger
	Audit    *logging.AuditLogger
	Metrics  *metrics.StampdMetrics
}

// Merger converts annotations into stamps and hands them to the delivery
// registry. Safe for concurrent use.
type Merger struct {
	reg     *delivery.Registry
	queue   *delivery.Queue
	store   store.Store
	log     *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.StampdMetrics
}

// New builds a Merger from the delivery section of the daemon config.
//
// A provider is enabled when its own subsection says so or when it is
// named in the providers list; unknown names in the list are an error so
// config typos surface at startup instead of as silently absent
// deliveries. The retry queue lives under the spool directory and is only
// created when spooling is enabled.
func New(cfg Config) (*Merger, error) {
	if cfg.Store == nil {
		return nil, errors.New("merge: store is required")
	}
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}

	dc := cfg.Delivery
	want := map[string]bool{
		"spool":     dc.Spool.Enabled,
		"httpmerge": dc.HTTPMerge.Enabled,
		"docusign":  dc.DocuSign.Enabled,
		"adobesign": dc.AdobeSign.Enabled,
	}
	for _, name := range dc.Providers {
		if _, ok := want[name]; !ok {
			return nil, fmt.Errorf("unknown delivery provider %q", name)
		}
		want[name] = true
	}

	reg := delivery.NewRegistry()
	reg.RegisterDefaults()
	for name, on := range want {
		if !on {
			continue
		}
		if err := reg.Enable(name, providerSettings(dc, name)); err != nil {
			return nil, fmt.Errorf("enable delivery provider %s: %w", name, err)
		}
	}

	m := &Merger{
		reg:     reg,
		store:   cfg.Store,
		log:     log.WithComponent("merge"),
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
	}

	if dc.Spool.Enabled && dc.Spool.Dir != "" {
		q, err := delivery.NewQueue(reg, delivery.QueueConfig{
			Path:       filepath.Join(dc.Spool.Dir, ".queue", "deliveries.journal"),
			Attempts:   dc.RetryAttempts,
			RetryDelay: time.Duration(dc.RetryDelayMs) * time.Millisecond,
			OnReceipt:  m.recordQueueReceipt,
			OnError: func(err error) {
				m.log.Error("delivery queue", "error", err)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("open delivery queue: %w", err)
		}
		m.queue = q
	}

	return m, nil
}

// NewWithRegistry builds a Merger around an already-populated registry and
// no retry queue. Tests use it to inject fake providers.
func NewWithRegistry(reg *delivery.Registry, st store.Store, log *logging.Logger) *Merger {
	if log == nil {
		log = logging.Default()
	}
	return &Merger{reg: reg, store: st, log: log.WithComponent("merge")}
}

// providerSettings maps a provider's config subsection onto the settings
// map its Configure method expects.
func providerSettings(dc config.DeliveryConfig, name string) map[string]interface{} {
	switch name {
	case "spool":
		return map[string]interface{}{"dir": dc.Spool.Dir}
	case "httpmerge":
		return map[string]interface{}{
			"url":         dc.HTTPMerge.URL,
			"auth_token":  dc.HTTPMerge.AuthToken,
			"timeout_sec": dc.HTTPMerge.TimeoutSec,
		}
	case "docusign":
		return map[string]interface{}{
			"base_url":        dc.DocuSign.BaseURL,
			"integration_key": dc.DocuSign.IntegrationKey,
			"account_id":      dc.DocuSign.AccountID,
		}
	case "adobesign":
		return map[string]interface{}{
			"base_url":  dc.AdobeSign.BaseURL,
			"client_id": dc.AdobeSign.ClientID,
		}
	}
	return nil
}

// BuildRequest converts the document's annotations into a delivery request
// with PDF-native stamp coordinates.
//
// Signatures already flattened into the source file are skipped, as are
// signature annotations that never received image data. Every remaining
// annotation needs resolved geometry for its page; a page without it fails
// the whole request, because stamping with guessed dimensions would put
// ink in the wrong place on the one copy that leaves the system.
func (m *Merger) BuildRequest(ctx context.Context, doc *store.Document, anns []*annotation.Annotation) (*delivery.Request, error) {
	if doc.Path == "" {
		return nil, fmt.Errorf("document %s has no source file", doc.ID)
	}

	geoms := make(map[int]*geometry.PageGeometry)
	stamps := make([]delivery.Stamp, 0, len(anns))
	for _, a := range anns {
		if a.IsExistingSignature {
			continue
		}
		if a.Type == annotation.TypeSignature && a.ImageData == "" {
			m.log.Warn("skipping signature without image data",
				"annotation_id", a.ID, "page", a.Page)
			continue
		}

		g, ok := geoms[a.Page]
		if !ok {
			var err error
			g, err = m.store.GetPageGeometry(ctx, doc.ID, a.Page)
			if err != nil {
				return nil, fmt.Errorf("page %d geometry: %w", a.Page, err)
			}
			if g == nil {
				return nil, fmt.Errorf("page %d: %w", a.Page, annotation.ErrMissingGeometry)
			}
			geoms[a.Page] = g
		}

		// Annotations loaded before their page geometry resolved carry
		// zeroed absolute extents; rebuild them from the relatives now
		// that geometry is in hand.
		w, h := a.Width, a.Height
		if w <= 0 || h <= 0 {
			dw, dh := g.DisplaySize()
			w, h = transform.Proportional{}.Size(a.RelativeWidth, a.RelativeHeight, dw, dh)
		}

		rect := transform.ToPDF(a.RelativeX, a.RelativeY, w, h, *g)
		stamp := delivery.Stamp{
			Page:   a.Page,
			X:      rect.X,
			Y:      rect.Y,
			Width:  rect.Width,
			Height: rect.Height,
		}
		switch a.Type {
		case annotation.TypeText:
			stamp.Kind = delivery.KindText
			stamp.Text = a.Content
			stamp.FontSize = a.FontSize
		default:
			stamp.Kind = delivery.KindImage
			stamp.ImageData = a.ImageData
		}
		stamps = append(stamps, stamp)
	}

	return &delivery.Request{
		DocumentID:   doc.ID,
		DocumentName: doc.Name,
		SourcePath:   doc.Path,
		Stamps:       stamps,
	}, nil
}

// Merge delivers the document through every enabled provider. It satisfies
// the server's merge hook.
//
// The first receipt is returned to the caller, which records it; extra
// receipts from a multi-provider fan-out are written to the store here.
// When every provider fails and a retry queue exists, the request is
// journaled and a queued receipt is returned with no error, since the
// document will still go out. Without a queue the failure is final and
// reported as such.
func (m *Merger) Merge(ctx context.Context, doc *store.Document, anns []*annotation.Annotation) (*store.DeliveryReceipt, error) {
	req, err := m.BuildRequest(ctx, doc, anns)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "delivery.deliver",
		tracing.WithSpanKind(tracing.SpanKindClient),
		tracing.WithAttributes(
			tracing.Attribute{Key: "document.id", Value: doc.ID},
			tracing.Attribute{Key: "delivery.stamps", Value: len(req.Stamps)},
		))
	receipts, err := m.reg.Deliver(ctx, req)
	span.RecordError(err)
	span.End()
	if m.metrics != nil {
		m.metrics.RecordDelivery(time.Since(start), err == nil)
	}
	if err != nil {
		m.auditDelivery(ctx, "delivery", doc.ID, false, map[string]interface{}{
			"error": err.Error(),
		})
		if m.queue != nil {
			queued, qerr := m.queue.Enqueue(req)
			if qerr != nil {
				m.log.Error("delivery failed and could not be queued",
					"document_id", doc.ID, "error", err, "queue_error", qerr)
				return failedReceipt(doc.ID, err), err
			}
			m.log.Warn("delivery failed, queued for retry",
				"document_id", doc.ID, "error", err)
			m.updateQueueDepth()
			return toStoreReceipt(queued), nil
		}
		return failedReceipt(doc.ID, err), err
	}

	for _, r := range receipts[1:] {
		if _, ierr := m.store.InsertReceipt(ctx, toStoreReceipt(r)); ierr != nil {
			m.log.Error("record delivery receipt",
				"provider", r.Provider, "error", ierr)
		}
	}
	for _, r := range receipts {
		m.auditDelivery(ctx, r.Provider, doc.ID, r.IsDelivered(), map[string]interface{}{
			"output": r.OutputPath,
		})
	}
	return toStoreReceipt(receipts[0]), nil
}

// recordQueueReceipt persists a settlement receipt emitted by the retry
// queue's worker.
func (m *Merger) recordQueueReceipt(r *delivery.Receipt) {
	ctx, cancel := context.WithTimeout(context.Background(), receiptTimeout)
	defer cancel()

	if _, err := m.store.InsertReceipt(ctx, toStoreReceipt(r)); err != nil {
		m.log.Error("record queued delivery receipt",
			"provider", r.Provider, "document_id", r.DocumentID, "error", err)
	}
	m.auditDelivery(ctx, r.Provider, r.DocumentID, r.IsDelivered(), map[string]interface{}{
		"detail": r.Detail,
	})
	m.updateQueueDepth()
}

func (m *Merger) auditDelivery(ctx context.Context, provider, docID string, success bool, details map[string]interface{}) {
	if m.audit == nil {
		return
	}
	if err := m.audit.LogDelivery(ctx, provider, docID, success, details); err != nil {
		m.log.Error("audit delivery", "error", err)
	}
}

func (m *Merger) updateQueueDepth() {
	if m.metrics != nil && m.queue != nil {
		m.metrics.SetSpoolDepth(int64(m.queue.Pending()))
	}
}

// Registry exposes the provider registry for status reporting.
func (m *Merger) Registry() *delivery.Registry {
	return m.reg
}

// PendingDeliveries reports how many jobs the retry queue still holds.
func (m *Merger) PendingDeliveries() int {
	if m.queue == nil {
		return 0
	}
	return m.queue.Pending()
}

// Close shuts the retry queue down. Outstanding jobs stay journaled and
// resume on the next start.
func (m *Merger) Close() error {
	if m.queue == nil {
		return nil
	}
	return m.queue.Close()
}

func toStoreReceipt(r *delivery.Receipt) *store.DeliveryReceipt {
	return &store.DeliveryReceipt{
		DocumentID:  r.DocumentID,
		Provider:    r.Provider,
		Status:      string(r.Status),
		Detail:      r.Detail,
		OutputPath:  r.OutputPath,
		TimestampNs: r.Timestamp.UnixNano(),
	}
}

func failedReceipt(docID string, err error) *store.DeliveryReceipt {
	return &store.DeliveryReceipt{
		DocumentID:  docID,
		Provider:    "delivery",
		Status:      string(delivery.StatusFailed),
		Detail:      err.Error(),
		TimestampNs: time.Now().UnixNano(),
	}
}
