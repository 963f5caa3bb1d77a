// Package tracing provides request tracing for stampd: spans with
// attributes and events, W3C traceparent propagation, configurable
// sampling, and exporters for stdout and JSONL files. It follows
// OpenTelemetry conventions without pulling in the SDK, which keeps
// the daemon's dependency surface small while staying compatible with
// OTLP-shaped tooling downstream.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TraceID is a unique identifier for a trace.
type TraceID [16]byte

// String returns the hex representation of the TraceID.
func (t TraceID) String() string {
	return hex.EncodeToString(t[:])
}

// IsValid reports whether the TraceID is non-zero.
func (t TraceID) IsValid() bool {
	return t != TraceID{}
}

// SpanID is a unique identifier for a span.
type SpanID [8]byte

// String returns the hex representation of the SpanID.
func (s SpanID) String() string {
	return hex.EncodeToString(s[:])
}

// IsValid reports whether the SpanID is non-zero.
func (s SpanID) IsValid() bool {
	return s != SpanID{}
}

// SpanKind represents the kind of span.
type SpanKind int

const (
	// SpanKindInternal is the default span kind.
	SpanKindInternal SpanKind = iota
	// SpanKindServer represents a server-side span.
	SpanKindServer
	// SpanKindClient represents a client-side span.
	SpanKindClient
	// SpanKindProducer represents a producer span.
	SpanKindProducer
	// SpanKindConsumer represents a consumer span.
	SpanKindConsumer
)

// String returns the string representation of SpanKind.
func (k SpanKind) String() string {
	switch k {
	case SpanKindServer:
		return "server"
	case SpanKindClient:
		return "client"
	case SpanKindProducer:
		return "producer"
	case SpanKindConsumer:
		return "consumer"
	default:
		return "internal"
	}
}

// StatusCode represents the status of a span.
type StatusCode int

const (
	// StatusUnset is the default status.
	StatusUnset StatusCode = iota
	// StatusOK indicates success.
	StatusOK
	// StatusError indicates an error occurred.
	StatusError
)

// String returns the string representation of StatusCode.
func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// Attribute represents a key-value pair attached to a span.
type Attribute struct {
	Key   string
	Value interface{}
}

// Event represents an event that occurred during a span.
type Event struct {
	Name       string
	Timestamp  time.Time
	Attributes []Attribute
}

// SpanContext contains the trace context information.
type SpanContext struct {
	TraceID    TraceID
	SpanID     SpanID
	TraceFlags byte
	TraceState string
	Remote     bool
}

// IsValid returns true if the SpanContext is valid.
func (sc SpanContext) IsValid() bool {
	return sc.TraceID.IsValid() && sc.SpanID.IsValid()
}

// IsSampled returns true if the span should be sampled.
func (sc SpanContext) IsSampled() bool {
	return sc.TraceFlags&0x01 != 0
}

// Span represents a unit of work or operation.
type Span struct {
	mu         sync.RWMutex
	tracer     *Tracer
	name       string
	context    SpanContext
	parent     SpanContext
	kind       SpanKind
	startTime  time.Time
	endTime    time.Time
	attributes []Attribute
	events     []Event
	status     StatusCode
	statusMsg  string
	ended      atomic.Bool
}

// Context returns the span's context.
func (s *Span) Context() SpanContext {
	return s.context
}

// SetAttribute sets an attribute on the span.
func (s *Span) SetAttribute(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attributes = append(s.attributes, Attribute{Key: key, Value: value})
}

// AddEvent adds an event to the span.
func (s *Span) AddEvent(name string, attrs ...Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{
		Name:       name,
		Timestamp:  time.Now(),
		Attributes: attrs,
	})
}

// SetStatus sets the span status.
func (s *Span) SetStatus(code StatusCode, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
	s.statusMsg = message
}

// RecordError records an error on the span.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.AddEvent("exception",
		Attribute{Key: "exception.type", Value: fmt.Sprintf("%T", err)},
		Attribute{Key: "exception.message", Value: err.Error()},
	)
	s.SetStatus(StatusError, err.Error())
}

// End ends the span.
func (s *Span) End() {
	if s.ended.Swap(true) {
		return // Already ended
	}

	s.mu.Lock()
	s.endTime = time.Now()
	s.mu.Unlock()

	// Unsampled spans are dropped at export
	if s.tracer != nil && s.tracer.exporter != nil && s.context.IsSampled() {
		s.tracer.exporter.ExportSpan(s)
	}
}

// Duration returns the span duration.
func (s *Span) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.endTime.IsZero() {
		return time.Since(s.startTime)
	}
	return s.endTime.Sub(s.startTime)
}

// SpanData returns a snapshot of the span data.
type SpanData struct {
	Name       string                 `json:"name"`
	TraceID    string                 `json:"trace_id"`
	SpanID     string                 `json:"span_id"`
	ParentID   string                 `json:"parent_id,omitempty"`
	Kind       string                 `json:"kind"`
	StartTime  time.Time              `json:"start_time"`
	EndTime    time.Time              `json:"end_time"`
	Duration   time.Duration          `json:"duration_ns"`
	Status     string                 `json:"status"`
	StatusMsg  string                 `json:"status_message,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Events     []EventData            `json:"events,omitempty"`
}

// EventData is a serializable event.
type EventData struct {
	Name       string                 `json:"name"`
	Timestamp  time.Time              `json:"timestamp"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

func attrMap(attrs []Attribute) map[string]interface{} {
	m := make(map[string]interface{}, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value
	}
	return m
}

// Data returns the span data as a SpanData struct.
func (s *Span) Data() SpanData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]EventData, len(s.events))
	for i, e := range s.events {
		events[i] = EventData{
			Name:       e.Name,
			Timestamp:  e.Timestamp,
			Attributes: attrMap(e.Attributes),
		}
	}

	d := SpanData{
		Name:       s.name,
		TraceID:    s.context.TraceID.String(),
		SpanID:     s.context.SpanID.String(),
		Kind:       s.kind.String(),
		StartTime:  s.startTime,
		EndTime:    s.endTime,
		Duration:   s.endTime.Sub(s.startTime),
		Status:     s.status.String(),
		StatusMsg:  s.statusMsg,
		Attributes: attrMap(s.attributes),
		Events:     events,
	}
	if s.parent.SpanID.IsValid() {
		d.ParentID = s.parent.SpanID.String()
	}
	return d
}

// Exporter exports spans.
type Exporter interface {
	ExportSpan(span *Span)
	Shutdown() error
}

// StdoutExporter exports spans to stdout, one JSON object per span.
type StdoutExporter struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

// NewStdoutExporter creates a new StdoutExporter.
func NewStdoutExporter(pretty bool) *StdoutExporter {
	enc := json.NewEncoder(os.Stdout)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return &StdoutExporter{encoder: enc}
}

// ExportSpan exports a span to stdout.
func (e *StdoutExporter) ExportSpan(span *Span) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.encoder.Encode(span.Data())
}

// Shutdown shuts down the exporter.
func (e *StdoutExporter) Shutdown() error {
	return nil
}

// FileExporter appends spans to a JSONL file, batching writes.
type FileExporter struct {
	buf  *BufferedExporter
	file *os.File
}

// NewFileExporter creates a new FileExporter.
func NewFileExporter(path string) (*FileExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, err
	}
	return &FileExporter{
		buf:  NewBufferedExporter(f, 16),
		file: f,
	}, nil
}

// ExportSpan exports a span to the file.
func (e *FileExporter) ExportSpan(span *Span) {
	e.buf.ExportSpan(span)
}

// Shutdown flushes buffered spans and closes the file.
func (e *FileExporter) Shutdown() error {
	flushErr := e.buf.Shutdown()
	if err := e.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// NoopExporter is an exporter that does nothing.
type NoopExporter struct{}

// ExportSpan does nothing.
func (e *NoopExporter) ExportSpan(span *Span) {}

// Shutdown does nothing.
func (e *NoopExporter) Shutdown() error { return nil }

// Sampler decides whether a span should be sampled.
type Sampler interface {
	ShouldSample(traceID TraceID, name string) bool
}

// AlwaysSample samples all spans.
type AlwaysSample struct{}

// ShouldSample always returns true.
func (s AlwaysSample) ShouldSample(traceID TraceID, name string) bool {
	return true
}

// NeverSample never samples spans.
type NeverSample struct{}

// ShouldSample always returns false.
func (s NeverSample) ShouldSample(traceID TraceID, name string) bool {
	return false
}

// RatioSampler samples a fraction of spans.
type RatioSampler struct {
	ratio float64
}

// NewRatioSampler creates a new RatioSampler.
func NewRatioSampler(ratio float64) *RatioSampler {
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}
	return &RatioSampler{ratio: ratio}
}

// ShouldSample returns true for the configured fraction of trace IDs,
// treating the high 8 bytes as a uniform random value.
func (s *RatioSampler) ShouldSample(traceID TraceID, name string) bool {
	h := binary.BigEndian.Uint64(traceID[:8])
	threshold := uint64(s.ratio * float64(^uint64(0)))
	return h < threshold
}

// TracerConfig configures a tracer.
type TracerConfig struct {
	ServiceName string
	Exporter    Exporter
	Sampler     Sampler
	Enabled     bool
}

// Tracer creates spans.
type Tracer struct {
	serviceName string
	exporter    Exporter
	sampler     Sampler
	enabled     bool
}

// NewTracer creates a new Tracer.
func NewTracer(cfg *TracerConfig) *Tracer {
	if cfg == nil {
		cfg = &TracerConfig{}
	}

	exporter := cfg.Exporter
	if exporter == nil {
		exporter = &NoopExporter{}
	}

	sampler := cfg.Sampler
	if sampler == nil {
		sampler = AlwaysSample{}
	}

	return &Tracer{
		serviceName: cfg.ServiceName,
		exporter:    exporter,
		sampler:     sampler,
		enabled:     cfg.Enabled,
	}
}

// Start starts a new span. A local parent in ctx wins over a
// propagated remote one; child spans inherit the parent's sampling
// decision while roots consult the sampler.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	if !t.enabled {
		return ctx, &Span{name: name}
	}

	parent := SpanContextFromContext(ctx)

	sc := SpanContext{TraceID: parent.TraceID}
	if !sc.TraceID.IsValid() {
		rand.Read(sc.TraceID[:])
	}
	rand.Read(sc.SpanID[:])

	sampled := t.sampler.ShouldSample(sc.TraceID, name)
	if parent.IsValid() {
		sampled = parent.IsSampled()
	}
	if sampled {
		sc.TraceFlags = 0x01
	}

	span := &Span{
		tracer:    t,
		name:      name,
		context:   sc,
		parent:    parent,
		kind:      SpanKindInternal,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(span)
	}
	if t.serviceName != "" {
		span.SetAttribute("service.name", t.serviceName)
	}

	return ContextWithSpan(ctx, span), span
}

// SpanOption configures a span.
type SpanOption func(*Span)

// WithSpanKind sets the span kind.
func WithSpanKind(kind SpanKind) SpanOption {
	return func(s *Span) {
		s.kind = kind
	}
}

// WithAttributes sets initial attributes.
func WithAttributes(attrs ...Attribute) SpanOption {
	return func(s *Span) {
		s.attributes = append(s.attributes, attrs...)
	}
}

// Context key for spans.
type spanContextKey struct{}

// Context key for remote span contexts extracted from headers.
type remoteContextKey struct{}

// ContextWithSpan returns a new context with the span.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanContextKey{}, span)
}

// SpanFromContext returns the span from the context.
func SpanFromContext(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	if span, ok := ctx.Value(spanContextKey{}).(*Span); ok {
		return span
	}
	return nil
}

// ContextWithRemoteSpanContext returns a context carrying a propagated
// SpanContext for which no local span exists.
func ContextWithRemoteSpanContext(ctx context.Context, sc SpanContext) context.Context {
	return context.WithValue(ctx, remoteContextKey{}, sc)
}

// SpanContextFromContext returns the effective parent SpanContext: the
// local span's if one exists, otherwise any propagated remote context.
func SpanContextFromContext(ctx context.Context) SpanContext {
	if span := SpanFromContext(ctx); span != nil {
		return span.Context()
	}
	if ctx == nil {
		return SpanContext{}
	}
	if sc, ok := ctx.Value(remoteContextKey{}).(SpanContext); ok {
		return sc
	}
	return SpanContext{}
}

// Global tracer.
var (
	globalTracer     *Tracer
	globalTracerOnce sync.Once
)

// GetTracer returns the global tracer.
func GetTracer() *Tracer {
	globalTracerOnce.Do(func() {
		globalTracer = NewTracer(&TracerConfig{
			ServiceName: "stampd",
			Enabled:     false, // Disabled by default
		})
	})
	return globalTracer
}

// SetTracer sets the global tracer.
func SetTracer(t *Tracer) {
	globalTracer = t
}

// Shutdown shuts down the global tracer.
func Shutdown() error {
	if globalTracer != nil && globalTracer.exporter != nil {
		return globalTracer.exporter.Shutdown()
	}
	return nil
}

// Convenience functions.

// StartSpan starts a span using the global tracer.
func StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	return GetTracer().Start(ctx, name, opts...)
}

// Trace is a convenience function for tracing a function.
func Trace(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := StartSpan(ctx, name)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetStatus(StatusOK, "")
	}
	return err
}

// W3C Trace Context parsing and formatting.

// ParseTraceParent parses a W3C traceparent header of the form
// version-traceid-spanid-flags, e.g.
// 00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01.
func ParseTraceParent(header string) (SpanContext, error) {
	if len(header) != 55 {
		return SpanContext{}, fmt.Errorf("invalid traceparent length %d", len(header))
	}

	parts := strings.Split(header, "-")
	if len(parts) != 4 || len(parts[0]) != 2 || len(parts[1]) != 32 || len(parts[2]) != 16 || len(parts[3]) != 2 {
		return SpanContext{}, fmt.Errorf("invalid traceparent format")
	}
	if parts[0] != "00" {
		return SpanContext{}, fmt.Errorf("unsupported traceparent version: %s", parts[0])
	}

	var sc SpanContext
	traceIDBytes, err := hex.DecodeString(parts[1])
	if err != nil {
		return SpanContext{}, fmt.Errorf("invalid trace ID: %w", err)
	}
	copy(sc.TraceID[:], traceIDBytes)

	spanIDBytes, err := hex.DecodeString(parts[2])
	if err != nil {
		return SpanContext{}, fmt.Errorf("invalid span ID: %w", err)
	}
	copy(sc.SpanID[:], spanIDBytes)

	if parts[3] == "01" {
		sc.TraceFlags = 0x01
	}
	sc.Remote = true
	return sc, nil
}

// FormatTraceParent formats a SpanContext as a W3C traceparent header.
func FormatTraceParent(sc SpanContext) string {
	flags := "00"
	if sc.IsSampled() {
		flags = "01"
	}
	return fmt.Sprintf("00-%s-%s-%s", sc.TraceID.String(), sc.SpanID.String(), flags)
}

// InjectTraceContext injects trace context into HTTP headers.
func InjectTraceContext(ctx context.Context, setter func(key, value string)) {
	span := SpanFromContext(ctx)
	if span == nil || !span.Context().IsValid() {
		return
	}
	setter("traceparent", FormatTraceParent(span.Context()))
	if span.Context().TraceState != "" {
		setter("tracestate", span.Context().TraceState)
	}
}

// ExtractTraceContext extracts trace context from HTTP headers.
func ExtractTraceContext(getter func(key string) string) SpanContext {
	traceparent := getter("traceparent")
	if traceparent == "" {
		return SpanContext{}
	}

	sc, err := ParseTraceParent(traceparent)
	if err != nil {
		return SpanContext{}
	}

	sc.TraceState = getter("tracestate")
	return sc
}

// HTTPMiddleware returns middleware that starts a server span for each
// request, continuing any trace propagated via the traceparent header.
// A nil tracer uses the global tracer.
func HTTPMiddleware(tracer *Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t := tracer
			if t == nil {
				t = GetTracer()
			}

			ctx := r.Context()
			if remote := ExtractTraceContext(r.Header.Get); remote.IsValid() {
				ctx = ContextWithRemoteSpanContext(ctx, remote)
			}

			ctx, span := t.Start(ctx, r.Method+" "+r.URL.Path, WithSpanKind(SpanKindServer))
			defer span.End()

			span.SetAttribute("http.method", r.Method)
			span.SetAttribute("http.path", r.URL.Path)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttribute("http.status_code", sw.status)
			if sw.status >= 500 {
				span.SetStatus(StatusError, http.StatusText(sw.status))
			} else {
				span.SetStatus(StatusOK, "")
			}
		})
	}
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// BufferedExporter buffers spans and exports them in batches.
type BufferedExporter struct {
	mu       sync.Mutex
	spans    []SpanData
	maxBatch int
	writer   io.Writer
}

// NewBufferedExporter creates a new BufferedExporter.
func NewBufferedExporter(w io.Writer, maxBatch int) *BufferedExporter {
	if maxBatch <= 0 {
		maxBatch = 100
	}
	return &BufferedExporter{
		spans:    make([]SpanData, 0, maxBatch),
		maxBatch: maxBatch,
		writer:   w,
	}
}

// ExportSpan adds a span to the buffer.
func (e *BufferedExporter) ExportSpan(span *Span) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.spans = append(e.spans, span.Data())
	if len(e.spans) >= e.maxBatch {
		e.flush()
	}
}

// flush writes buffered spans.
func (e *BufferedExporter) flush() {
	if len(e.spans) == 0 {
		return
	}

	enc := json.NewEncoder(e.writer)
	for _, s := range e.spans {
		enc.Encode(s)
	}
	e.spans = e.spans[:0]
}

// Shutdown flushes remaining spans and closes.
func (e *BufferedExporter) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flush()
	return nil
}
