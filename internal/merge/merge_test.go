package merge

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"stampd/internal/annotation"
	"stampd/internal/config"
	"stampd/internal/geometry"
	"stampd/internal/store"
	"stampd/pkg/delivery"
)

// captureProvider records every request it delivers and can be primed to
// fail a number of times first.
type captureProvider struct {
	mu        sync.Mutex
	name      string
	failsLeft int
	alwaysErr error
	requests  []*delivery.Request
}

func (p *captureProvider) Name() string                           { return p.name }
func (p *captureProvider) DisplayName() string                    { return p.name }
func (p *captureProvider) Type() delivery.ProviderType            { return delivery.TypeLocal }
func (p *captureProvider) RequiresNetwork() bool                  { return false }
func (p *captureProvider) RequiresCredentials() bool              { return false }
func (p *captureProvider) Configure(map[string]interface{}) error { return nil }

func (p *captureProvider) Deliver(_ context.Context, req *delivery.Request) (*delivery.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.alwaysErr != nil {
		return nil, p.alwaysErr
	}
	if p.failsLeft > 0 {
		p.failsLeft--
		return nil, errors.New("target is down")
	}
	p.requests = append(p.requests, req)
	return &delivery.Receipt{
		Provider:   p.name,
		DocumentID: req.DocumentID,
		Status:     delivery.StatusDelivered,
		OutputPath: "/out/" + req.DocumentID + ".pdf",
		Timestamp:  time.Now(),
	}, nil
}

func (p *captureProvider) Status(context.Context) (*delivery.ProviderStatus, error) {
	return &delivery.ProviderStatus{Available: true, Configured: true}, nil
}

func (p *captureProvider) lastRequest() *delivery.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

func newTestMerger(t *testing.T, providers ...delivery.Provider) (*Merger, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := delivery.NewRegistry()
	for _, p := range providers {
		reg.RegisterProvider(p)
		if err := reg.Enable(p.Name(), nil); err != nil {
			t.Fatalf("enable %s: %v", p.Name(), err)
		}
	}
	return NewWithRegistry(reg, st, nil), st
}

func seedDocument(t *testing.T, st *store.MemoryStore) *store.Document {
	t.Helper()
	doc := &store.Document{
		ID:        "doc-1",
		Name:      "lease.pdf",
		Path:      "/tmp/lease.pdf",
		PageCount: 2,
		Status:    store.DocumentStatusActive,
	}
	if err := st.UpsertDocument(context.Background(), doc); err != nil {
		t.Fatalf("upsert document: %v", err)
	}
	if err := st.UpsertPageGeometry(context.Background(), doc.ID, geometry.PageGeometry{
		PageNumber:     1,
		OriginalWidth:  612,
		OriginalHeight: 792,
		DisplayWidth:   612,
		DisplayHeight:  792,
	}, "test"); err != nil {
		t.Fatalf("upsert geometry: %v", err)
	}
	return doc
}

func sigAnnotation(id string, page int) *annotation.Annotation {
	return &annotation.Annotation{
		ID:             id,
		Type:           annotation.TypeSignature,
		Page:           page,
		X:              61.2,
		Y:              79.2,
		Width:          150,
		Height:         75,
		RelativeX:      0.1,
		RelativeY:      0.1,
		RelativeWidth:  150.0 / 612,
		RelativeHeight: 75.0 / 792,
		ImageData:      "data:image/png;base64,AAAA",
	}
}

func approx(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestMergeStampsCoordinates(t *testing.T) {
	p := &captureProvider{name: "capture"}
	m, st := newTestMerger(t, p)
	doc := seedDocument(t, st)

	receipt, err := m.Merge(context.Background(), doc, []*annotation.Annotation{
		sigAnnotation("ann-1", 1),
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if receipt.Provider != "capture" || receipt.Status != string(delivery.StatusDelivered) {
		t.Errorf("unexpected receipt: %+v", receipt)
	}
	if receipt.OutputPath != "/out/doc-1.pdf" {
		t.Errorf("unexpected output path %q", receipt.OutputPath)
	}
	if receipt.TimestampNs == 0 {
		t.Error("receipt timestamp not set")
	}

	req := p.lastRequest()
	if req == nil {
		t.Fatal("provider never saw the request")
	}
	if req.DocumentID != "doc-1" || req.SourcePath != "/tmp/lease.pdf" {
		t.Errorf("unexpected request: %+v", req)
	}
	if len(req.Stamps) != 1 {
		t.Fatalf("expected 1 stamp, got %d", len(req.Stamps))
	}

	// RelativeY 0.1 on a 792pt page flips to 792 - 79.2 - 75 from the
	// bottom-left origin.
	s := req.Stamps[0]
	if !approx(s.X, 61.2) || !approx(s.Y, 637.8) {
		t.Errorf("stamp position (%g, %g), want (61.2, 637.8)", s.X, s.Y)
	}
	if !approx(s.Width, 150) || !approx(s.Height, 75) {
		t.Errorf("stamp size %gx%g, want 150x75", s.Width, s.Height)
	}
	if s.Kind != delivery.KindImage || s.ImageData != "data:image/png;base64,AAAA" {
		t.Errorf("stamp payload not carried: %+v", s)
	}
}

func TestMergeTextAnnotation(t *testing.T) {
	p := &captureProvider{name: "capture"}
	m, st := newTestMerger(t, p)
	doc := seedDocument(t, st)

	_, err := m.Merge(context.Background(), doc, []*annotation.Annotation{{
		ID:             "txt-1",
		Type:           annotation.TypeText,
		Page:           1,
		Width:          200,
		Height:         50,
		RelativeX:      0.5,
		RelativeY:      0.25,
		RelativeWidth:  200.0 / 612,
		RelativeHeight: 50.0 / 792,
		Content:        "Approved",
		FontSize:       14,
	}})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	req := p.lastRequest()
	if len(req.Stamps) != 1 {
		t.Fatalf("expected 1 stamp, got %d", len(req.Stamps))
	}
	s := req.Stamps[0]
	if s.Kind != delivery.KindText || s.Text != "Approved" || s.FontSize != 14 {
		t.Errorf("text stamp not carried: %+v", s)
	}
	if s.ImageData != "" {
		t.Errorf("text stamp carries image data %q", s.ImageData)
	}
}

func TestMergeSkipsExistingAndEmptySignatures(t *testing.T) {
	p := &captureProvider{name: "capture"}
	m, st := newTestMerger(t, p)
	doc := seedDocument(t, st)

	existing := sigAnnotation("old-1", 1)
	existing.IsExistingSignature = true
	unsigned := sigAnnotation("empty-1", 1)
	unsigned.ImageData = ""

	_, err := m.Merge(context.Background(), doc, []*annotation.Annotation{
		existing, unsigned, sigAnnotation("ann-1", 1),
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	req := p.lastRequest()
	if len(req.Stamps) != 1 {
		t.Fatalf("expected only the signed annotation, got %d stamps", len(req.Stamps))
	}
}

func TestMergeMissingGeometry(t *testing.T) {
	p := &captureProvider{name: "capture"}
	m, st := newTestMerger(t, p)
	doc := seedDocument(t, st)

	receipt, err := m.Merge(context.Background(), doc, []*annotation.Annotation{
		sigAnnotation("ann-1", 2),
	})
	if !errors.Is(err, annotation.ErrMissingGeometry) {
		t.Fatalf("expected ErrMissingGeometry, got %v", err)
	}
	if !strings.Contains(err.Error(), "page 2") {
		t.Errorf("error %q does not name the page", err)
	}
	if receipt != nil {
		t.Errorf("expected no receipt, got %+v", receipt)
	}
	if p.lastRequest() != nil {
		t.Error("provider saw a request despite unresolved geometry")
	}
}

func TestMergeNoSourcePath(t *testing.T) {
	p := &captureProvider{name: "capture"}
	m, st := newTestMerger(t, p)
	doc := seedDocument(t, st)
	doc.Path = ""

	_, err := m.Merge(context.Background(), doc, nil)
	if err == nil || !strings.Contains(err.Error(), "no source file") {
		t.Errorf("expected source-file error, got %v", err)
	}
}

func TestMergeRebuildsZeroSizes(t *testing.T) {
	p := &captureProvider{name: "capture"}
	m, st := newTestMerger(t, p)
	doc := seedDocument(t, st)

	a := sigAnnotation("ann-1", 1)
	a.Width, a.Height = 0, 0

	if _, err := m.Merge(context.Background(), doc, []*annotation.Annotation{a}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	s := p.lastRequest().Stamps[0]
	if !approx(s.Width, 150) || !approx(s.Height, 75) {
		t.Errorf("sizes not rebuilt from relatives: %gx%g", s.Width, s.Height)
	}
}

func TestMergeRecordsExtraReceipts(t *testing.T) {
	first := &captureProvider{name: "alpha"}
	second := &captureProvider{name: "beta"}
	m, st := newTestMerger(t, first, second)
	doc := seedDocument(t, st)

	receipt, err := m.Merge(context.Background(), doc, []*annotation.Annotation{
		sigAnnotation("ann-1", 1),
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	// The caller records the returned receipt; the fan-out extra must
	// already be in the store.
	stored, err := st.ListReceipts(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("ListReceipts: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored receipt, got %d", len(stored))
	}
	if stored[0].Provider == receipt.Provider {
		t.Errorf("stored receipt duplicates the returned one: %q", receipt.Provider)
	}
}

func TestMergeFailureWithoutQueue(t *testing.T) {
	p := &captureProvider{name: "capture", alwaysErr: errors.New("disk full")}
	m, st := newTestMerger(t, p)
	doc := seedDocument(t, st)

	receipt, err := m.Merge(context.Background(), doc, []*annotation.Annotation{
		sigAnnotation("ann-1", 1),
	})
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if receipt == nil {
		t.Fatal("expected a failed receipt alongside the error")
	}
	if receipt.Status != string(delivery.StatusFailed) || receipt.Provider != "delivery" {
		t.Errorf("unexpected failed receipt: %+v", receipt)
	}
	if !strings.Contains(receipt.Detail, "disk full") {
		t.Errorf("receipt detail %q does not carry the cause", receipt.Detail)
	}
}

func TestMergeQueuesOnFailure(t *testing.T) {
	// Fail the direct attempt and the queue's first retry, then recover.
	p := &captureProvider{name: "capture", failsLeft: 2}
	m, st := newTestMerger(t, p)
	doc := seedDocument(t, st)

	q, err := delivery.NewQueue(m.reg, delivery.QueueConfig{
		Path:       filepath.Join(t.TempDir(), "deliveries.journal"),
		Attempts:   5,
		RetryDelay: 10 * time.Millisecond,
		OnReceipt:  m.recordQueueReceipt,
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	m.queue = q
	t.Cleanup(func() { q.Close() })

	receipt, err := m.Merge(context.Background(), doc, []*annotation.Annotation{
		sigAnnotation("ann-1", 1),
	})
	if err != nil {
		t.Fatalf("expected queued merge to report success, got %v", err)
	}
	if receipt.Status != string(delivery.StatusQueued) {
		t.Fatalf("expected queued receipt, got %+v", receipt)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		stored, lerr := st.ListReceipts(context.Background(), doc.ID)
		if lerr != nil {
			t.Fatalf("ListReceipts: %v", lerr)
		}
		delivered := false
		for _, r := range stored {
			if r.Provider == "capture" && r.Status == string(delivery.StatusDelivered) {
				delivered = true
			}
		}
		if delivered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued delivery never settled; receipts: %+v", stored)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewEnablesConfiguredProviders(t *testing.T) {
	st := store.NewMemoryStore()
	dir := t.TempDir()

	m, err := New(Config{
		Delivery: config.DeliveryConfig{
			RetryAttempts: 2,
			RetryDelayMs:  10,
			Spool:         config.SpoolConfig{Enabled: true, Dir: dir},
		},
		Store: st,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if !m.Registry().IsEnabled("spool") {
		t.Error("spool provider not enabled")
	}
	if m.Registry().IsEnabled("httpmerge") {
		t.Error("httpmerge enabled without config")
	}
	if m.queue == nil {
		t.Error("retry queue not created for enabled spool")
	}
	if n := m.PendingDeliveries(); n != 0 {
		t.Errorf("fresh queue reports %d pending deliveries", n)
	}
}

func TestNewProvidersList(t *testing.T) {
	st := store.NewMemoryStore()

	m, err := New(Config{
		Delivery: config.DeliveryConfig{
			Providers: []string{"httpmerge"},
			HTTPMerge: config.HTTPMergeConfig{URL: "http://merge.example"},
		},
		Store: st,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if !m.Registry().IsEnabled("httpmerge") {
		t.Error("listed provider not enabled")
	}
	if m.queue != nil {
		t.Error("queue created without spooling")
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(Config{
		Delivery: config.DeliveryConfig{Providers: []string{"pigeon"}},
		Store:    store.NewMemoryStore(),
	})
	if err == nil || !strings.Contains(err.Error(), "pigeon") {
		t.Errorf("expected unknown-provider error, got %v", err)
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for missing store")
	}
}
