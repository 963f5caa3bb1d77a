// Package metrics provides Prometheus-compatible metrics for stampd.
package metrics

import (
	"time"
)

// StampdMetrics holds all stampd-specific metrics.
type StampdMetrics struct {
	registry *Registry

	// Counters
	DocumentsTotal            *Counter
	AnnotationsCreatedTotal   *Counter
	AnnotationsDeletedTotal   *Counter
	SavesTotal                *Counter
	SavesCoalescedTotal       *Counter
	ConversionsTotal          *Counter
	DimensionCorrectionsTotal *Counter
	GeometryFallbacksTotal    *Counter
	ClicksDroppedTotal        *Counter
	DeliveriesTotal           *Counter
	ErrorsTotal               *Counter

	// Gauges
	ActiveDocuments   *Gauge
	PendingSaves      *Gauge
	SpoolDepth        *Gauge
	DatabaseSizeBytes *Gauge
	UptimeSeconds     *Gauge
	LastSaveTs        *Gauge

	// Histograms
	SaveDuration            *Histogram
	RenderDuration          *Histogram
	GeometryResolveDuration *Histogram
	DeliveryDuration        *Histogram
	DatabaseQueryDuration   *Histogram
	AnnotationsPerSave      *Histogram
	DocumentSizeBytes       *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewStampdMetrics creates and registers all stampd metrics.
func NewStampdMetrics(registry *Registry) *StampdMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &StampdMetrics{
		registry: registry,

		// Counters
		DocumentsTotal: registry.RegisterCounter(
			"documents_total",
			"Total number of documents ingested",
			nil,
		),
		AnnotationsCreatedTotal: registry.RegisterCounter(
			"annotations_created_total",
			"Total number of annotations created",
			nil,
		),
		AnnotationsDeletedTotal: registry.RegisterCounter(
			"annotations_deleted_total",
			"Total number of annotations deleted",
			nil,
		),
		SavesTotal: registry.RegisterCounter(
			"saves_total",
			"Total number of annotation batches persisted",
			nil,
		),
		SavesCoalescedTotal: registry.RegisterCounter(
			"saves_coalesced_total",
			"Total number of save requests coalesced by debouncing",
			nil,
		),
		ConversionsTotal: registry.RegisterCounter(
			"conversions_total",
			"Total number of coordinate conversions performed",
			nil,
		),
		DimensionCorrectionsTotal: registry.RegisterCounter(
			"dimension_corrections_total",
			"Total number of page dimension inversions corrected",
			nil,
		),
		GeometryFallbacksTotal: registry.RegisterCounter(
			"geometry_fallbacks_total",
			"Total number of pages that fell back to default geometry",
			nil,
		),
		ClicksDroppedTotal: registry.RegisterCounter(
			"clicks_dropped_total",
			"Total number of placement clicks dropped by the debounce lock",
			nil,
		),
		DeliveriesTotal: registry.RegisterCounter(
			"deliveries_total",
			"Total number of delivery attempts",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors",
			nil,
		),

		// Gauges
		ActiveDocuments: registry.RegisterGauge(
			"active_documents",
			"Number of documents currently open for editing",
			nil,
		),
		PendingSaves: registry.RegisterGauge(
			"pending_saves",
			"Number of debounced saves waiting to fire",
			nil,
		),
		SpoolDepth: registry.RegisterGauge(
			"spool_depth",
			"Number of documents waiting in the delivery spool",
			nil,
		),
		DatabaseSizeBytes: registry.RegisterGauge(
			"database_size_bytes",
			"Size of the database in bytes",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),
		LastSaveTs: registry.RegisterGauge(
			"last_save_timestamp",
			"Unix timestamp of the last persisted save",
			nil,
		),

		// Histograms
		SaveDuration: registry.RegisterHistogram(
			"save_duration_seconds",
			"Duration of annotation save operations in seconds",
			nil,
			DurationBuckets,
		),
		RenderDuration: registry.RegisterHistogram(
			"render_duration_seconds",
			"Duration of page render operations in seconds",
			nil,
			DurationBuckets,
		),
		GeometryResolveDuration: registry.RegisterHistogram(
			"geometry_resolve_duration_seconds",
			"Duration of page geometry resolution in seconds",
			nil,
			[]float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		),
		DeliveryDuration: registry.RegisterHistogram(
			"delivery_duration_seconds",
			"Duration of delivery operations in seconds",
			nil,
			[]float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		),
		DatabaseQueryDuration: registry.RegisterHistogram(
			"database_query_duration_seconds",
			"Duration of database queries in seconds",
			nil,
			DurationBuckets,
		),
		AnnotationsPerSave: registry.RegisterHistogram(
			"annotations_per_save",
			"Number of annotations included in each save",
			nil,
			CountBuckets,
		),
		DocumentSizeBytes: registry.RegisterHistogram(
			"document_size_bytes",
			"Size of ingested documents in bytes",
			nil,
			SizeBuckets,
		),
	}

	return m
}

// Registry returns the underlying registry, for callers that register
// their own metrics alongside the stampd set or mount the export
// handler.
func (m *StampdMetrics) Registry() *Registry {
	return m.registry
}

// RecordDocumentReceived records an ingested document.
func (m *StampdMetrics) RecordDocumentReceived(sizeBytes int64) {
	m.DocumentsTotal.Inc()
	m.DocumentSizeBytes.Observe(float64(sizeBytes))
}

// RecordAnnotationCreated records an annotation creation.
func (m *StampdMetrics) RecordAnnotationCreated() {
	m.AnnotationsCreatedTotal.Inc()
}

// RecordAnnotationDeleted records an annotation deletion.
func (m *StampdMetrics) RecordAnnotationDeleted() {
	m.AnnotationsDeletedTotal.Inc()
}

// RecordSave records a persisted annotation batch.
func (m *StampdMetrics) RecordSave(duration time.Duration, count int) {
	m.SavesTotal.Inc()
	m.SaveDuration.ObserveDuration(duration)
	m.AnnotationsPerSave.Observe(float64(count))
	m.LastSaveTs.Set(time.Now().Unix())
}

// StartSaveTimer returns a timer for save operations.
func (m *StampdMetrics) StartSaveTimer() *HistogramTimer {
	return m.SaveDuration.Timer()
}

// RecordSaveCoalesced records a save request superseded by a newer one.
func (m *StampdMetrics) RecordSaveCoalesced() {
	m.SavesCoalescedTotal.Inc()
}

// RecordConversion records a coordinate conversion.
func (m *StampdMetrics) RecordConversion() {
	m.ConversionsTotal.Inc()
}

// RecordDimensionCorrection records a corrected dimension inversion.
func (m *StampdMetrics) RecordDimensionCorrection() {
	m.DimensionCorrectionsTotal.Inc()
}

// RecordGeometryFallback records a page geometry fallback.
func (m *StampdMetrics) RecordGeometryFallback() {
	m.GeometryFallbacksTotal.Inc()
}

// RecordGeometryResolve records a geometry resolution.
func (m *StampdMetrics) RecordGeometryResolve(duration time.Duration) {
	m.GeometryResolveDuration.ObserveDuration(duration)
}

// RecordRender records a page render.
func (m *StampdMetrics) RecordRender(duration time.Duration) {
	m.RenderDuration.ObserveDuration(duration)
}

// StartRenderTimer returns a timer for page render operations.
func (m *StampdMetrics) StartRenderTimer() *HistogramTimer {
	return m.RenderDuration.Timer()
}

// RecordClickDropped records a placement click dropped by the lock.
func (m *StampdMetrics) RecordClickDropped() {
	m.ClicksDroppedTotal.Inc()
}

// RecordDelivery records a delivery attempt.
func (m *StampdMetrics) RecordDelivery(duration time.Duration, success bool) {
	m.DeliveriesTotal.Inc()
	m.DeliveryDuration.ObserveDuration(duration)
	if !success {
		m.ErrorsTotal.Inc()
	}
}

// StartDeliveryTimer returns a timer for delivery operations.
func (m *StampdMetrics) StartDeliveryTimer() *HistogramTimer {
	return m.DeliveryDuration.Timer()
}

// RecordDatabaseQuery records a database query.
func (m *StampdMetrics) RecordDatabaseQuery(duration time.Duration) {
	m.DatabaseQueryDuration.ObserveDuration(duration)
}

// StartDatabaseQueryTimer returns a timer for database queries.
func (m *StampdMetrics) StartDatabaseQueryTimer() *HistogramTimer {
	return m.DatabaseQueryDuration.Timer()
}

// RecordError records an error.
func (m *StampdMetrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// DocumentOpened records a document opened for editing.
func (m *StampdMetrics) DocumentOpened() {
	m.ActiveDocuments.Inc()
}

// DocumentClosed records a document closed.
func (m *StampdMetrics) DocumentClosed() {
	m.ActiveDocuments.Dec()
}

// SetPendingSaves sets the number of debounced saves in flight.
func (m *StampdMetrics) SetPendingSaves(count int64) {
	m.PendingSaves.Set(count)
}

// SetSpoolDepth sets the delivery spool depth.
func (m *StampdMetrics) SetSpoolDepth(count int64) {
	m.SpoolDepth.Set(count)
}

// SetDatabaseSize sets the database size.
func (m *StampdMetrics) SetDatabaseSize(bytes int64) {
	m.DatabaseSizeBytes.Set(bytes)
}

// UpdateUptime updates the uptime metric.
func (m *StampdMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns a snapshot of key metrics.
func (m *StampdMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return map[string]interface{}{
		"documents_total":             m.DocumentsTotal.Value(),
		"annotations_created_total":   m.AnnotationsCreatedTotal.Value(),
		"annotations_deleted_total":   m.AnnotationsDeletedTotal.Value(),
		"saves_total":                 m.SavesTotal.Value(),
		"saves_coalesced_total":       m.SavesCoalescedTotal.Value(),
		"conversions_total":           m.ConversionsTotal.Value(),
		"dimension_corrections_total": m.DimensionCorrectionsTotal.Value(),
		"clicks_dropped_total":        m.ClicksDroppedTotal.Value(),
		"deliveries_total":            m.DeliveriesTotal.Value(),
		"errors_total":                m.ErrorsTotal.Value(),
		"active_documents":            m.ActiveDocuments.Value(),
		"pending_saves":               m.PendingSaves.Value(),
		"spool_depth":                 m.SpoolDepth.Value(),
		"database_size_bytes":         m.DatabaseSizeBytes.Value(),
		"uptime_seconds":              m.UptimeSeconds.Value(),
		"save_avg_seconds":            m.SaveDuration.Mean(),
		"annotations_per_save_avg":    m.AnnotationsPerSave.Mean(),
	}
}

// Global stampd metrics instance.
var defaultStampdMetrics *StampdMetrics

// GetMetrics returns the global stampd metrics instance.
func GetMetrics() *StampdMetrics {
	if defaultStampdMetrics == nil {
		defaultStampdMetrics = NewStampdMetrics(Default())
	}
	return defaultStampdMetrics
}

// InitMetrics initializes the global stampd metrics with a custom registry.
func InitMetrics(registry *Registry) *StampdMetrics {
	defaultStampdMetrics = NewStampdMetrics(registry)
	return defaultStampdMetrics
}
