package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stampd/internal/annotation"
)

// HTTPBackend talks to a stampd merge server over its JSON API.
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPBackend creates a backend for the given server base URL, e.g.
// "http://localhost:8421". A zero timeout means 30 seconds.
func NewHTTPBackend(baseURL string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type annotationsEnvelope struct {
	Annotations []*annotation.Annotation `json:"annotations"`
}

type saveResponse struct {
	Annotations []SavedID `json:"annotations"`
}

// FetchAnnotations implements Backend.
func (b *HTTPBackend) FetchAnnotations(ctx context.Context, documentID string) ([]*annotation.Annotation, error) {
	u := b.annotationsURL(documentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, b.statusError(resp)
	}

	var env annotationsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode annotations: %w", err)
	}
	return env.Annotations, nil
}

// SaveAnnotations implements Backend. The full list replaces the
// document's stored annotations.
func (b *HTTPBackend) SaveAnnotations(ctx context.Context, documentID string, anns []*annotation.Annotation) ([]SavedID, error) {
	body, err := json.Marshal(annotationsEnvelope{Annotations: anns})
	if err != nil {
		return nil, fmt.Errorf("encode annotations: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.annotationsURL(documentID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, b.statusError(resp)
	}

	var sr saveResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode save response: %w", err)
	}
	return sr.Annotations, nil
}

// DeleteAnnotation implements Backend. A 404 maps to ErrUnknownID so
// callers can treat it as a no-op.
func (b *HTTPBackend) DeleteAnnotation(ctx context.Context, documentID, id string) error {
	u := b.annotationsURL(documentID) + "/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrUnknownID
	default:
		return b.statusError(resp)
	}
}

func (b *HTTPBackend) annotationsURL(documentID string) string {
	return b.baseURL + "/api/v1/documents/" + url.PathEscape(documentID) + "/annotations"
}

func (b *HTTPBackend) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// Verify that HTTPBackend implements Backend.
var _ Backend = (*HTTPBackend)(nil)
