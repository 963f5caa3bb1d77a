package persist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stampd/internal/annotation"
)

func TestHTTPBackendSave(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody annotationsEnvelope

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(saveResponse{
			Annotations: []SavedID{{LocalID: "local-1", CanonicalID: "srv-1"}},
		})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, time.Second)
	ids, err := b.SaveAnnotations(context.Background(), "doc 7", []*annotation.Annotation{
		{ID: "local-1", Type: annotation.TypeSignature, Page: 1, X: 10, Y: 20, Width: 150, Height: 75},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
	if gotPath != "/api/v1/documents/doc%207/annotations" && gotPath != "/api/v1/documents/doc 7/annotations" {
		t.Errorf("path = %q", gotPath)
	}
	if len(gotBody.Annotations) != 1 || gotBody.Annotations[0].ID != "local-1" {
		t.Errorf("request payload = %+v", gotBody.Annotations)
	}
	if len(ids) != 1 || ids[0].CanonicalID != "srv-1" {
		t.Errorf("assignments = %+v", ids)
	}
}

func TestHTTPBackendFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(annotationsEnvelope{Annotations: []*annotation.Annotation{
			{ID: "a1", Type: annotation.TypeText, Page: 1, RelativeX: 0.1, RelativeY: 0.2, RelativeWidth: 0.3, RelativeHeight: 0.06},
		}})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL+"/", time.Second) // trailing slash is trimmed
	anns, err := b.FetchAnnotations(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(anns) != 1 || anns[0].ID != "a1" {
		t.Errorf("fetched = %+v", anns)
	}
}

func TestHTTPBackendDeleteNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, time.Second)
	err := b.DeleteAnnotation(context.Background(), "doc-1", "ghost")
	if !errors.Is(err, ErrUnknownID) {
		t.Fatalf("err = %v, want ErrUnknownID", err)
	}
}

func TestHTTPBackendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "merge backend unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, time.Second)
	_, err := b.SaveAnnotations(context.Background(), "doc-1", nil)
	if err == nil {
		t.Fatalf("expected an error for a 502")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "merge backend unavailable") {
		t.Errorf("error lacks status context: %v", err)
	}
}
