//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"stampd/internal/health"
	"stampd/internal/metrics"
	"stampd/internal/server"
	"stampd/internal/store"
	"stampd/internal/tracing"
)

// spanRecorder captures exported spans so tests can assert on the
// trace the HTTP middleware produces.
type spanRecorder struct {
	mu    sync.Mutex
	spans []tracing.SpanData
}

func (r *spanRecorder) ExportSpan(s *tracing.Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, s.Data())
}

func (r *spanRecorder) Shutdown() error { return nil }

func (r *spanRecorder) get() []tracing.SpanData {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]tracing.SpanData, len(r.spans))
	copy(out, r.spans)
	return out
}

// TestObservabilityFlow wires the server with the same health,
// metrics, and tracing stack the daemon assembles, then walks the
// operational endpoints:
//
//  1. Liveness always answers, readiness gates on SetReady
//  2. A failing critical check flips readiness to 503
//  3. Request traffic shows up in the Prometheus text exposition
//  4. Request ids are minted and inbound ones are honored
//  5. Every API request leaves a server span in the exporter
func TestObservabilityFlow(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	lg := newTestLogger(t)
	defer lg.Close()

	stats := metrics.NewStampdMetrics(metrics.NewRegistry("stampd", ""))

	checker := health.NewChecker()
	checker.RegisterFunc("database", true, health.DatabaseCheck(func(ctx context.Context) error {
		_, err := st.ListDocuments(ctx)
		return err
	}))
	checker.RegisterFunc("spool", false, health.DirWritableCheck(t.TempDir()))

	exporter := &spanRecorder{}
	tracer := tracing.NewTracer(&tracing.TracerConfig{
		ServiceName: "stampd-test",
		Exporter:    exporter,
		Enabled:     true,
	})

	srv, err := server.New(server.Config{
		Store:   st,
		Log:     lg,
		Metrics: stats,
		Tracer:  tracer,
		Health:  checker,
		Version: "obs-test",
	})
	AssertNoError(t, err, "server should build with the full stack")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	client := ts.Client()

	get := func(t *testing.T, path string) (*http.Response, []byte) {
		t.Helper()
		resp, err := client.Get(ts.URL + path)
		AssertNoError(t, err, "GET "+path)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		AssertNoError(t, err, "read body of "+path)
		return resp, body
	}

	t.Run("liveness_always_answers", func(t *testing.T) {
		resp, body := get(t, "/healthz")
		AssertEqual(t, http.StatusOK, resp.StatusCode, "liveness status")

		var alive struct {
			Status string `json:"status"`
		}
		AssertNoError(t, json.Unmarshal(body, &alive), "decode liveness body")
		AssertEqual(t, "alive", alive.Status, "liveness reports alive")
	})

	t.Run("readiness_gates_on_set_ready", func(t *testing.T) {
		// The daemon flips readiness only once assembly finishes;
		// until then the probe answers 503.
		resp, _ := get(t, "/readyz")
		AssertEqual(t, http.StatusServiceUnavailable, resp.StatusCode, "not ready before SetReady")

		checker.SetReady(true)

		resp, body := get(t, "/readyz")
		AssertEqual(t, http.StatusOK, resp.StatusCode, "ready after SetReady")

		var ready struct {
			Status string `json:"status"`
			Ready  bool   `json:"ready"`
		}
		AssertNoError(t, json.Unmarshal(body, &ready), "decode readiness body")
		AssertTrue(t, ready.Ready, "readiness body says ready")
		AssertEqual(t, string(health.StatusHealthy), ready.Status, "all checks pass")
	})

	t.Run("failing_critical_check_degrades_readiness", func(t *testing.T) {
		checker.RegisterFunc("backend", true, func(ctx context.Context) health.CheckResult {
			return health.CheckResult{Status: health.StatusUnhealthy, Message: "simulated outage"}
		})
		defer checker.Unregister("backend")

		// OverallStatus reads cached results, so run the checks first.
		checker.Check(context.Background())

		resp, _ := get(t, "/readyz")
		AssertEqual(t, http.StatusServiceUnavailable, resp.StatusCode, "unhealthy critical check fails readiness")

		checker.Unregister("backend")
		checker.Check(context.Background())

		resp, _ = get(t, "/readyz")
		AssertEqual(t, http.StatusOK, resp.StatusCode, "readiness recovers once the check is removed")
	})

	t.Run("detailed_health_lists_components", func(t *testing.T) {
		resp, body := get(t, "/health?full=true")
		AssertEqual(t, http.StatusOK, resp.StatusCode, "detailed health endpoint")

		var report struct {
			Status     string `json:"status"`
			Ready      bool   `json:"ready"`
			Uptime     string `json:"uptime"`
			Components map[string]struct {
				Status string `json:"status"`
			} `json:"components"`
		}
		AssertNoError(t, json.Unmarshal(body, &report), "decode health report")
		AssertEqual(t, string(health.StatusHealthy), report.Status, "overall status")
		AssertTrue(t, report.Ready, "report says ready")
		AssertTrue(t, report.Uptime != "", "uptime present")

		db, ok := report.Components["database"]
		AssertTrue(t, ok, "database probe listed")
		AssertEqual(t, string(health.StatusHealthy), db.Status, "database probe healthy")
		_, ok = report.Components["spool"]
		AssertTrue(t, ok, "spool probe listed")
	})

	t.Run("status_reports_service_identity", func(t *testing.T) {
		resp, body := get(t, "/api/v1/status")
		AssertEqual(t, http.StatusOK, resp.StatusCode, "status endpoint")

		var status struct {
			Service       string  `json:"service"`
			Version       string  `json:"version"`
			UptimeSeconds float64 `json:"uptimeSeconds"`
			Documents     int     `json:"documents"`
		}
		AssertNoError(t, json.Unmarshal(body, &status), "decode status body")
		AssertEqual(t, "stampd", status.Service, "service name")
		AssertEqual(t, "obs-test", status.Version, "configured version")
		AssertEqual(t, 0, status.Documents, "empty store has no documents")
		AssertTrue(t, status.UptimeSeconds >= 0, "uptime is non-negative")
	})

	t.Run("request_ids_minted_and_honored", func(t *testing.T) {
		resp, _ := get(t, "/api/v1/status")
		minted := resp.Header.Get("X-Request-Id")
		AssertTrue(t, minted != "", "server mints a request id")

		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/status", nil)
		AssertNoError(t, err, "build request")
		req.Header.Set("X-Request-Id", "obs-flow-7f3a")
		resp, err = client.Do(req)
		AssertNoError(t, err, "GET with inbound request id")
		resp.Body.Close()
		AssertEqual(t, "obs-flow-7f3a", resp.Header.Get("X-Request-Id"), "inbound id echoed back")
	})

	t.Run("traffic_lands_in_metrics_exposition", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			resp, _ := get(t, "/api/v1/documents")
			AssertEqual(t, http.StatusOK, resp.StatusCode, "list documents")
		}
		// An unknown document produces an error-labeled sample too.
		resp, _ := get(t, "/api/v1/documents/00000000-0000-0000-0000-00000000dead")
		AssertEqual(t, http.StatusNotFound, resp.StatusCode, "unknown document")

		resp, body := get(t, "/metrics")
		AssertEqual(t, http.StatusOK, resp.StatusCode, "metrics endpoint")
		AssertTrue(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"), "prometheus text format")

		text := string(body)
		AssertTrue(t, strings.Contains(text, "# HELP stampd_http_requests_total"), "request counter help line")
		AssertTrue(t, strings.Contains(text, "# TYPE stampd_http_requests_total counter"), "request counter type line")
		AssertTrue(t, strings.Contains(text, "stampd_http_requests_total"), "request counter samples")
		AssertTrue(t, strings.Contains(text, "stampd_http_request_errors_total"), "error counter samples")
		AssertTrue(t, strings.Contains(text, "stampd_http_request_duration_seconds"), "duration histogram samples")
	})

	t.Run("api_requests_leave_server_spans", func(t *testing.T) {
		resp, _ := get(t, "/api/v1/status")
		AssertEqual(t, http.StatusOK, resp.StatusCode, "traced request")

		spans := exporter.get()
		AssertTrue(t, len(spans) > 0, "middleware exports spans")

		var found bool
		for _, s := range spans {
			if s.Name != "GET /api/v1/status" {
				continue
			}
			found = true
			AssertEqual(t, tracing.SpanKindServer.String(), s.Kind, "HTTP spans are server spans")
			AssertEqual(t, "GET", fmt.Sprint(s.Attributes["http.method"]), "method attribute")
			AssertTrue(t, s.TraceID != "", "span carries a trace id")
			break
		}
		AssertTrue(t, found, "status request produced a named span")
	})
}
