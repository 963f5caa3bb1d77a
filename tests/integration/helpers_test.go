//go:build integration

// Package integration provides end-to-end integration tests for stampd.
//
// These tests drive the daemon stack in process: the HTTP API over a real
// store, the client-side editor pipeline talking to that API, and document
// delivery through the merge service.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"encoding/json"

	"stampd/internal/annotation"
	"stampd/internal/geometry"
	"stampd/internal/gesture"
	"stampd/internal/logging"
	"stampd/internal/persist"
	"stampd/internal/server"
	"stampd/internal/store"
	"stampd/pkg/delivery"
)

// onePixelPNG is a 1x1 transparent PNG as a data URL.
const onePixelPNG = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg=="

// =============================================================================
// Test Environment Setup
// =============================================================================

// TestEnv holds the in-process daemon stack plus the client-side pieces
// the flows drive against it.
type TestEnv struct {
	T       *testing.T
	TempDir string

	Store    store.Store
	Resolver *geometry.Resolver
	Registry *geometry.Registry
	Server   *server.Server
	HTTP     *httptest.Server
	Backend  *persist.HTTPBackend
	Log      *logging.Logger

	Ctx    context.Context
	Cancel context.CancelFunc
}

// NewTestEnv creates an environment over an in-memory store.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	return newEnv(t, store.NewMemoryStore(), nil)
}

// NewSQLiteTestEnv creates an environment over a SQLite store in a temp
// directory, for flows that restart the daemon on the same data.
func NewSQLiteTestEnv(t *testing.T, path string) *TestEnv {
	t.Helper()

	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	return newEnv(t, st, nil)
}

// NewMergeTestEnv creates an environment whose server has the merge hook
// wired. The store is passed in so the merge service and the server can
// share it.
func NewMergeTestEnv(t *testing.T, st store.Store, merge server.MergeFunc) *TestEnv {
	t.Helper()
	return newEnv(t, st, merge)
}

// newTestLogger builds a quiet logger for test collaborators.
func newTestLogger(t *testing.T) *logging.Logger {
	t.Helper()

	lg, err := logging.New(&logging.Config{
		Level:     logging.LevelError,
		Format:    logging.FormatText,
		Output:    "stderr",
		Component: "integration",
	})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	return lg
}

func newEnv(t *testing.T, st store.Store, merge server.MergeFunc) *TestEnv {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	lg := newTestLogger(t)

	resolver := geometry.NewResolver(geometry.DefaultConfig(), lg.Logger)
	registry := geometry.NewRegistry()

	srv, err := server.New(server.Config{
		Store:    st,
		Resolver: resolver,
		Registry: registry,
		Log:      lg,
		Merge:    merge,
		Version:  "integration-test",
	})
	if err != nil {
		cancel()
		t.Fatalf("build server: %v", err)
	}

	ts := httptest.NewServer(srv.Router())

	env := &TestEnv{
		T:        t,
		TempDir:  t.TempDir(),
		Store:    st,
		Resolver: resolver,
		Registry: registry,
		Server:   srv,
		HTTP:     ts,
		Backend:  persist.NewHTTPBackend(ts.URL, 5*time.Second),
		Log:      lg,
		Ctx:      ctx,
		Cancel:   cancel,
	}
	return env
}

// Cleanup closes the server and the store.
func (env *TestEnv) Cleanup() {
	env.Cancel()
	env.HTTP.Close()
	if err := env.Store.Close(); err != nil {
		env.T.Errorf("close store: %v", err)
	}
	env.Log.Close()
}

// CreateDocument registers a document through the API and returns its id.
func (env *TestEnv) CreateDocument(name string, pages int) string {
	env.T.Helper()

	var created struct {
		ID string `json:"id"`
	}
	env.postJSON("/api/v1/documents", map[string]interface{}{
		"name":      name,
		"pageCount": pages,
	}, &created)
	if created.ID == "" {
		env.T.Fatal("document creation returned no id")
	}
	return created.ID
}

// CreateDocumentWithPath registers a document that points at a file on
// disk, as the inbox intake would.
func (env *TestEnv) CreateDocumentWithPath(name, path string, pages int) string {
	env.T.Helper()

	var created struct {
		ID string `json:"id"`
	}
	env.postJSON("/api/v1/documents", map[string]interface{}{
		"name":      name,
		"path":      path,
		"pageCount": pages,
	}, &created)
	if created.ID == "" {
		env.T.Fatal("document creation returned no id")
	}
	return created.ID
}

// PutGeometry submits a raw page report and returns the resolved result.
// The server also feeds its shared registry, so editors built via
// NewEditorSession see the page immediately.
func (env *TestEnv) PutGeometry(docID string, raw geometry.RawPageInfo) geometry.PageGeometry {
	env.T.Helper()

	var resolved geometry.PageGeometry
	env.putJSON(fmt.Sprintf("/api/v1/documents/%s/pages/%d/geometry", docID, raw.PageNumber), raw, &resolved)
	return resolved
}

// LetterPage is a straight 612x792 report for the given page.
func LetterPage(page int) geometry.RawPageInfo {
	return geometry.RawPageInfo{
		PageNumber:     page,
		ReportedWidth:  612,
		ReportedHeight: 792,
		TrueWidth:      612,
		TrueHeight:     792,
		Source:         "integration",
	}
}

// SwappedPage reports renderer dimensions with width and height swapped
// against the media box, the shape the dimension correction exists for.
func SwappedPage(page int) geometry.RawPageInfo {
	return geometry.RawPageInfo{
		PageNumber:     page,
		ReportedWidth:  792,
		ReportedHeight: 612,
		TrueWidth:      612,
		TrueHeight:     792,
		Source:         "integration",
	}
}

// LetterGeometry is resolved US-Letter geometry for tests that feed the
// store directly instead of going through the resolver.
func LetterGeometry(page int) geometry.PageGeometry {
	return geometry.PageGeometry{
		PageNumber:     page,
		OriginalWidth:  612,
		OriginalHeight: 792,
		DisplayWidth:   612,
		DisplayHeight:  792,
	}
}

// NewEditorSession builds the client-side pipeline for a document: an
// editor bound to the server-fed registry, a persistence adapter with a
// short debounce, and a gesture controller at scale 1.
func (env *TestEnv) NewEditorSession(docID string, placementLock time.Duration) (*annotation.Editor, *persist.Adapter, *gesture.Controller) {
	env.T.Helper()

	ed := annotation.NewEditor(docID, env.Registry.LookupFunc(docID), env.Log.Logger)
	ad := persist.New(ed, env.Backend, persist.Config{
		SaveDebounce: 50 * time.Millisecond,
		CallTimeout:  5 * time.Second,
	}, env.Log.Logger)
	ctrl := gesture.NewController(ed, gesture.Config{
		PlacementLock:       placementLock,
		EnforceResizeBounds: true,
	}, env.Log.Logger)
	return ed, ad, ctrl
}

// WaitFor polls cond until it returns true or the deadline passes.
func (env *TestEnv) WaitFor(what string, timeout time.Duration, cond func() bool) {
	env.T.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	env.T.Fatalf("timed out waiting for %s", what)
}

// ServerAnnotations fetches the stored annotation list straight from the
// API, bypassing any client-side state.
func (env *TestEnv) ServerAnnotations(docID string) []*annotation.Annotation {
	env.T.Helper()

	var listing struct {
		Annotations []*annotation.Annotation `json:"annotations"`
	}
	env.getJSON("/api/v1/documents/"+docID+"/annotations", &listing)
	return listing.Annotations
}

// AuditEntries fetches a document's audit trail from the API.
func (env *TestEnv) AuditEntries(docID string, limit int) []store.AuditEntry {
	env.T.Helper()

	var listing struct {
		Entries []store.AuditEntry `json:"entries"`
	}
	env.getJSON(fmt.Sprintf("/api/v1/documents/%s/audit?limit=%d", docID, limit), &listing)
	return listing.Entries
}

// =============================================================================
// HTTP Helpers
// =============================================================================

func (env *TestEnv) getJSON(path string, out interface{}) {
	env.T.Helper()
	env.doJSON(http.MethodGet, path, nil, out, http.StatusOK)
}

func (env *TestEnv) postJSON(path string, in, out interface{}) {
	env.T.Helper()
	env.doJSON(http.MethodPost, path, in, out, http.StatusCreated)
}

// postOKJSON posts to routes that answer 200 instead of 201, like merge.
func (env *TestEnv) postOKJSON(path string, in, out interface{}) {
	env.T.Helper()
	env.doJSON(http.MethodPost, path, in, out, http.StatusOK)
}

func (env *TestEnv) putJSON(path string, in, out interface{}) {
	env.T.Helper()
	env.doJSON(http.MethodPut, path, in, out, http.StatusOK)
}

func (env *TestEnv) doJSON(method, path string, in, out interface{}, wantStatus int) {
	env.T.Helper()

	var body *bytes.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			env.T.Fatalf("%s %s: encode body: %v", method, path, err)
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, env.HTTP.URL+path, body)
	if err != nil {
		env.T.Fatalf("%s %s: %v", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := env.HTTP.Client().Do(req)
	if err != nil {
		env.T.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		env.T.Fatalf("%s %s: status %d, want %d", method, path, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			env.T.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
}

// StatusOf performs a request and returns just the HTTP status code, for
// asserting error paths.
func (env *TestEnv) StatusOf(method, path string, in interface{}) int {
	env.T.Helper()

	var body *bytes.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			env.T.Fatalf("%s %s: encode body: %v", method, path, err)
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, env.HTTP.URL+path, body)
	if err != nil {
		env.T.Fatalf("%s %s: %v", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := env.HTTP.Client().Do(req)
	if err != nil {
		env.T.Fatalf("%s %s: %v", method, path, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

// =============================================================================
// Mock Implementations
// =============================================================================

// flakyProvider is a delivery provider that fails a configured number of
// attempts before succeeding, for retry-path tests.
type flakyProvider struct {
	failures  int
	attempts  int
	delivered []*delivery.Request
}

func (p *flakyProvider) Name() string                { return "mock" }
func (p *flakyProvider) DisplayName() string         { return "Mock delivery" }
func (p *flakyProvider) Type() delivery.ProviderType { return delivery.TypeLocal }
func (p *flakyProvider) RequiresNetwork() bool       { return false }
func (p *flakyProvider) RequiresCredentials() bool   { return false }

func (p *flakyProvider) Configure(config map[string]interface{}) error { return nil }

func (p *flakyProvider) Deliver(ctx context.Context, req *delivery.Request) (*delivery.Receipt, error) {
	p.attempts++
	if p.attempts <= p.failures {
		return nil, fmt.Errorf("mock delivery attempt %d failed", p.attempts)
	}
	p.delivered = append(p.delivered, req)
	return &delivery.Receipt{
		Provider:   "mock",
		DocumentID: req.DocumentID,
		Status:     delivery.StatusDelivered,
		OutputPath: "/mock/" + req.DocumentID + ".pdf",
		Timestamp:  time.Now(),
	}, nil
}

func (p *flakyProvider) Status(ctx context.Context) (*delivery.ProviderStatus, error) {
	return &delivery.ProviderStatus{Available: true, Configured: true}, nil
}

// =============================================================================
// Test Data Generators
// =============================================================================

// WriteTestPDF emits a minimal but valid PDF with the given number of
// letter-sized pages. Object offsets are tracked while writing so the
// xref table is exact.
func WriteTestPDF(t *testing.T, path string, pageCount int) {
	t.Helper()

	var buf bytes.Buffer
	var offsets []int

	buf.WriteString("%PDF-1.4\n")

	offsets = append(offsets, buf.Len())
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	kids := make([]string, pageCount)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", 3+i)
	}
	offsets = append(offsets, buf.Len())
	fmt.Fprintf(&buf, "2 0 obj\n<< /Type /Pages /Kids [%s] /Count %d >>\nendobj\n",
		strings.Join(kids, " "), pageCount)

	for i := 0; i < pageCount; i++ {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf,
			"%d 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>\nendobj\n",
			3+i)
	}

	xrefOffset := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		len(offsets)+1, xrefOffset)

	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatalf("write test pdf: %v", err)
	}
}

// =============================================================================
// Assertion Helpers
// =============================================================================

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected error but got nil", msg)
	}
}

// AssertEqual fails the test if expected != actual.
func AssertEqual[T comparable](t *testing.T, expected, actual T, msg string) {
	t.Helper()
	if expected != actual {
		t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// AssertNotEqual fails the test if expected == actual.
func AssertNotEqual[T comparable](t *testing.T, expected, actual T, msg string) {
	t.Helper()
	if expected == actual {
		t.Fatalf("%s: expected values to differ, both were %v", msg, actual)
	}
}

// AssertTrue fails the test if condition is false.
func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Fatalf("%s: expected true", msg)
	}
}

// AssertFalse fails the test if condition is true.
func AssertFalse(t *testing.T, condition bool, msg string) {
	t.Helper()
	if condition {
		t.Fatalf("%s: expected false", msg)
	}
}

// AssertNear fails the test if actual is not within eps of expected.
func AssertNear(t *testing.T, expected, actual, eps float64, msg string) {
	t.Helper()
	diff := expected - actual
	if diff < 0 {
		diff = -diff
	}
	if diff > eps {
		t.Fatalf("%s: expected %g, got %g (eps %g)", msg, expected, actual, eps)
	}
}

// AssertStoredAnnotation verifies the invariant every saved annotation
// carries: relative coordinates in range and a page dimension snapshot.
func AssertStoredAnnotation(t *testing.T, a *annotation.Annotation) {
	t.Helper()

	AssertTrue(t, a != nil, "annotation should not be nil")
	AssertNotEqual(t, "", a.ID, "annotation should have an id")
	AssertTrue(t, a.Page >= 1, "annotation should have a 1-based page")
	for _, v := range []float64{a.RelativeX, a.RelativeY, a.RelativeWidth, a.RelativeHeight} {
		AssertTrue(t, v >= -1 && v <= 2, "relative coordinate should be sane")
	}
	AssertTrue(t, a.RelativeWidth > 0, "relative width should be positive")
	AssertTrue(t, a.RelativeHeight > 0, "relative height should be positive")
	AssertTrue(t, a.SourcePageDimensions != nil, "annotation should carry its page dimension snapshot")
}
