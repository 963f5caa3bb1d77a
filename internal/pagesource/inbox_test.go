package pagesource

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stampd/internal/config"
)

func newTestInbox(t *testing.T, cfg config.InboxConfig) *Inbox {
	t.Helper()
	in, err := NewInbox(cfg, nil)
	if err != nil {
		t.Fatalf("NewInbox: %v", err)
	}
	return in
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.pdf")
	content := []byte("not really a pdf")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	hash, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), size)
	}
	if hash != sha256.Sum256(content) {
		t.Error("hash does not match content")
	}
}

func TestHashFileNotFound(t *testing.T) {
	if _, _, err := HashFile("/nonexistent/file.pdf"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestDocumentIDFromHash(t *testing.T) {
	hash := sha256.Sum256([]byte("stable"))
	id := DocumentIDFromHash(hash)
	if len(id) != 32 {
		t.Errorf("expected 32 hex chars, got %d (%q)", len(id), id)
	}
	if id != DocumentIDFromHash(hash) {
		t.Error("expected deterministic id")
	}
	if id == DocumentIDFromHash(sha256.Sum256([]byte("other"))) {
		t.Error("expected distinct ids for distinct content")
	}
}

func TestInboxAccepts(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.InboxConfig
		path   string
		expect bool
	}{
		{"pdf by default", config.InboxConfig{}, "/inbox/a.pdf", true},
		{"uppercase extension", config.InboxConfig{}, "/inbox/a.PDF", true},
		{"non-pdf rejected", config.InboxConfig{}, "/inbox/a.txt", false},
		{"include pattern", config.InboxConfig{IncludePatterns: []string{"*.pdf", "*.PDF"}}, "/inbox/b.pdf", true},
		{"include pattern miss", config.InboxConfig{IncludePatterns: []string{"scan-*.pdf"}}, "/inbox/b.pdf", false},
		{"exclude wins", config.InboxConfig{ExcludePatterns: []string{".*"}}, "/inbox/.hidden.pdf", false},
		{"exclude partial download", config.InboxConfig{ExcludePatterns: []string{"*.part", "*.crdownload"}}, "/inbox/doc.pdf.part", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newTestInbox(t, tt.cfg)
			defer in.fsWatcher.Close()
			if got := in.accepts(tt.path); got != tt.expect {
				t.Errorf("accepts(%q) = %v, expected %v", tt.path, got, tt.expect)
			}
		})
	}
}

func TestInboxTracksExistingFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "existing.pdf"), []byte("pdf"), 0600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	in := newTestInbox(t, config.InboxConfig{Path: dir, DebounceMs: 200})
	if err := in.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer in.Stop()

	if in.TrackedFiles() != 1 {
		t.Errorf("expected 1 tracked file, got %d", in.TrackedFiles())
	}
}

func TestInboxEmitsStableFile(t *testing.T) {
	dir := t.TempDir()
	in := newTestInbox(t, config.InboxConfig{Path: dir, DebounceMs: 200})
	if err := in.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer in.Stop()

	path := filepath.Join(dir, "dropped.pdf")
	content := []byte("dropped pdf bytes")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	select {
	case ev := <-in.Events():
		if ev.Path != path {
			t.Errorf("expected path %s, got %s", path, ev.Path)
		}
		if ev.Size != int64(len(content)) {
			t.Errorf("expected size %d, got %d", len(content), ev.Size)
		}
		if ev.Hash != sha256.Sum256(content) {
			t.Error("event hash does not match content")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for ingest event")
	}

	if in.TrackedFiles() != 0 {
		t.Errorf("expected file untracked after emit, got %d", in.TrackedFiles())
	}
}

func TestInboxCoalescesRewrites(t *testing.T) {
	dir := t.TempDir()
	in := newTestInbox(t, config.InboxConfig{Path: dir, DebounceMs: 500})
	if err := in.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer in.Stop()

	path := filepath.Join(dir, "copying.pdf")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("chunk"+string(rune('0'+i))), 0600); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	count := 0
	timeout := time.After(3 * time.Second)
	for {
		select {
		case <-in.Events():
			count++
			if count > 1 {
				t.Fatal("expected a single event for a file written in bursts")
			}
		case <-timeout:
			if count != 1 {
				t.Errorf("expected 1 event, got %d", count)
			}
			return
		}
	}
}

func TestInboxSkipsOversizedFiles(t *testing.T) {
	dir := t.TempDir()
	in := newTestInbox(t, config.InboxConfig{Path: dir, DebounceMs: 100, MaxFileSize: 8})
	if err := in.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer in.Stop()

	path := filepath.Join(dir, "huge.pdf")
	if err := os.WriteFile(path, []byte("way more than eight bytes"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ev := <-in.Events():
		t.Errorf("expected no event for oversized file, got %v", ev.Path)
	case <-time.After(1 * time.Second):
	}

	if in.TrackedFiles() != 0 {
		t.Errorf("expected oversized file dropped from tracking, got %d", in.TrackedFiles())
	}
}

func TestInboxIgnoresNonPDF(t *testing.T) {
	dir := t.TempDir()
	in := newTestInbox(t, config.InboxConfig{Path: dir, DebounceMs: 100})
	if err := in.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer in.Stop()

	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("text"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ev := <-in.Events():
		t.Errorf("expected no event for non-pdf, got %v", ev.Path)
	case <-time.After(700 * time.Millisecond):
	}
}

func TestInboxCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox", "nested")
	in := newTestInbox(t, config.InboxConfig{Path: dir, DebounceMs: 100})
	if err := in.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer in.Stop()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected inbox directory created: %v", err)
	}
}
