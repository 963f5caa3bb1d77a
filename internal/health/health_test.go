package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func healthyCheck(ctx context.Context) CheckResult {
	return CheckResult{Status: StatusHealthy, Message: "ok"}
}

func unhealthyCheck(ctx context.Context) CheckResult {
	return CheckResult{Status: StatusUnhealthy, Message: "broken"}
}

func TestCheckerRegisterAndCheck(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthyCheck)
	c.RegisterFunc("inbox", false, healthyCheck)

	results := c.Check(context.Background())

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results["store"].Status != StatusHealthy {
		t.Errorf("expected store healthy, got %v", results["store"].Status)
	}
	if results["store"].LastChecked.IsZero() {
		t.Error("expected LastChecked to be set")
	}
}

func TestOverallStatusCriticalFailure(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, unhealthyCheck)
	c.RegisterFunc("inbox", false, healthyCheck)

	c.Check(context.Background())

	if status := c.OverallStatus(); status != StatusUnhealthy {
		t.Errorf("expected unhealthy when critical component fails, got %v", status)
	}
}

func TestOverallStatusNonCriticalFailure(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthyCheck)
	c.RegisterFunc("delivery", false, unhealthyCheck)

	c.Check(context.Background())

	if status := c.OverallStatus(); status != StatusDegraded {
		t.Errorf("expected degraded when non-critical component fails, got %v", status)
	}
}

func TestOverallStatusAllHealthy(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthyCheck)
	c.RegisterFunc("inbox", true, healthyCheck)

	c.Check(context.Background())

	if status := c.OverallStatus(); status != StatusHealthy {
		t.Errorf("expected healthy, got %v", status)
	}
}

func TestOverallStatusUncheckedCritical(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthyCheck)

	// Never run Check; the critical component is still unknown
	if status := c.OverallStatus(); status != StatusUnknown {
		t.Errorf("expected unknown before first check, got %v", status)
	}
}

func TestCheckTimeout(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:     "slow",
		Critical: true,
		Timeout:  50 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			select {
			case <-time.After(5 * time.Second):
				return CheckResult{Status: StatusHealthy}
			case <-ctx.Done():
				return CheckResult{Status: StatusUnhealthy}
			}
		},
	})

	results := c.Check(context.Background())

	if results["slow"].Status != StatusUnhealthy {
		t.Errorf("expected timed-out check to be unhealthy, got %v", results["slow"].Status)
	}
}

func TestCheckPanicRecovery(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("panicky", true, func(ctx context.Context) CheckResult {
		panic("check exploded")
	})

	results := c.Check(context.Background())

	if results["panicky"].Status != StatusUnhealthy {
		t.Errorf("expected panicking check to be unhealthy, got %v", results["panicky"].Status)
	}
	if results["panicky"].Error == "" {
		t.Error("expected panic value in error field")
	}
}

func TestUnregister(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("temp", false, healthyCheck)
	c.Unregister("temp")

	results := c.Check(context.Background())
	if len(results) != 0 {
		t.Errorf("expected no results after unregister, got %d", len(results))
	}
}

func TestReadiness(t *testing.T) {
	c := NewChecker()

	if c.IsReady() {
		t.Error("expected not ready initially")
	}

	c.SetReady(true)
	if !c.IsReady() {
		t.Error("expected ready after SetReady(true)")
	}
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()

	// Not ready yet
	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, req)

	if rec.Code != 503 {
		t.Errorf("expected 503 before ready, got %d", rec.Code)
	}

	// Ready and healthy
	c.SetReady(true)
	req = httptest.NewRequest("GET", "/readyz", nil)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Errorf("expected 200 when ready, got %d", rec.Code)
	}

	// Ready but critical component down
	c.RegisterFunc("store", true, unhealthyCheck)
	c.Check(context.Background())
	req = httptest.NewRequest("GET", "/readyz", nil)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, req)

	if rec.Code != 503 {
		t.Errorf("expected 503 when unhealthy, got %d", rec.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	c := NewChecker()

	req := httptest.NewRequest("GET", "/livez", nil)
	rec := httptest.NewRecorder()
	c.LivenessHandler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if body["status"] != "alive" {
		t.Errorf("expected alive status, got %v", body["status"])
	}
}

func TestHealthHandlerFull(t *testing.T) {
	c := NewChecker()
	c.SetReady(true)
	c.RegisterFunc("store", true, healthyCheck)

	req := httptest.NewRequest("GET", "/healthz?full=true", nil)
	rec := httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if resp.Status != StatusHealthy {
		t.Errorf("expected healthy, got %v", resp.Status)
	}
	if len(resp.Components) != 1 {
		t.Errorf("expected 1 component in full response, got %d", len(resp.Components))
	}
}

func TestDatabaseCheck(t *testing.T) {
	ok := DatabaseCheck(func(ctx context.Context) error { return nil })
	result := ok(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("expected healthy, got %v", result.Status)
	}

	bad := DatabaseCheck(func(ctx context.Context) error { return errors.New("connection refused") })
	result = bad(context.Background())
	if result.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %v", result.Status)
	}
	if result.Error != "connection refused" {
		t.Errorf("expected error message, got %q", result.Error)
	}
}

func TestFileExistsCheck(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "stampd.db")

	check := FileExistsCheck(path)
	result := check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy for missing file, got %v", result.Status)
	}

	if err := os.WriteFile(path, []byte("data"), 0600); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	result = check(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("expected healthy for existing file, got %v", result.Status)
	}
}

func TestDirWritableCheck(t *testing.T) {
	tmpDir := t.TempDir()

	check := DirWritableCheck(tmpDir)
	result := check(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("expected healthy for writable dir, got %v: %s", result.Status, result.Error)
	}

	missing := DirWritableCheck(filepath.Join(tmpDir, "nope"))
	result = missing(context.Background())
	if result.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy for missing dir, got %v", result.Status)
	}
}

func TestDiskSpaceCheck(t *testing.T) {
	tmpDir := t.TempDir()

	// One byte minimum should always pass
	check := DiskSpaceCheck(tmpDir, 1)
	result := check(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("expected healthy with 1-byte minimum, got %v: %s", result.Status, result.Error)
	}
	if result.Details["free_bytes"] == nil {
		t.Error("expected free_bytes detail")
	}
}

func TestMemoryCheck(t *testing.T) {
	// No threshold: always healthy with stats
	check := MemoryCheck(0)
	result := check(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("expected healthy, got %v", result.Status)
	}
	if result.Details["heap_alloc"] == nil {
		t.Error("expected heap_alloc detail")
	}

	// One byte threshold: always above it
	tight := MemoryCheck(1)
	result = tight(context.Background())
	if result.Status != StatusDegraded {
		t.Errorf("expected degraded above threshold, got %v", result.Status)
	}
}

func TestCustomCheck(t *testing.T) {
	ok := CustomCheck(func() error { return nil })
	if result := ok(context.Background()); result.Status != StatusHealthy {
		t.Errorf("expected healthy, got %v", result.Status)
	}

	bad := CustomCheck(func() error { return errors.New("spool full") })
	if result := bad(context.Background()); result.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %v", result.Status)
	}
}
