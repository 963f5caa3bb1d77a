// Remote merge service provider.
//
// The httpmerge provider uploads the source PDF together with a stamp
// manifest to an HTTP merge service and records the service's answer as
// the receipt. The wire contract is a single multipart POST:
//
//	POST <url>
//	  manifest  application/json  {documentId, documentName, stamps:[...]}
//	  document  the source PDF bytes
//
// and a JSON response:
//
//	{"status": "delivered", "outputUrl": "...", "detail": "..."}
//
// Any merge service speaking this shape works; the reference deployment
// runs the same pdfcpu flattening the spool provider uses, just on a
// central box with the fonts and CPU budget to handle large batches.

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"sync"
	"time"

	"stampd/internal/tracing"
)

// HTTPMergeProvider delivers documents to a remote merge service.
type HTTPMergeProvider struct {
	mu         sync.Mutex
	url        string
	authToken  string
	httpClient *http.Client
}

// HTTPMergeConfig holds configuration for the remote merge provider.
type HTTPMergeConfig struct {
	// URL is the merge service endpoint.
	URL string

	// AuthToken is sent as a bearer token when set.
	AuthToken string

	// Timeout for the whole upload-and-merge round trip.
	Timeout time.Duration
}

// NewHTTPMergeProvider creates a new remote merge provider.
func NewHTTPMergeProvider(config HTTPMergeConfig) *HTTPMergeProvider {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &HTTPMergeProvider{
		url:        config.URL,
		authToken:  config.AuthToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns the provider identifier.
func (p *HTTPMergeProvider) Name() string {
	return "httpmerge"
}

// DisplayName returns a human-readable name.
func (p *HTTPMergeProvider) DisplayName() string {
	return "Remote merge service"
}

// Type returns the provider category.
func (p *HTTPMergeProvider) Type() ProviderType {
	return TypeHTTP
}

// mergeManifest is the JSON part of the upload. The source path stays
// local; the service gets the bytes, not the location.
type mergeManifest struct {
	DocumentID   string  `json:"documentId"`
	DocumentName string  `json:"documentName,omitempty"`
	Stamps       []Stamp `json:"stamps"`
}

// mergeResponse is the service's answer.
type mergeResponse struct {
	Status    string `json:"status"`
	OutputURL string `json:"outputUrl,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Deliver uploads the document and manifest to the merge service.
func (p *HTTPMergeProvider) Deliver(ctx context.Context, req *Request) (*Receipt, error) {
	p.mu.Lock()
	url := p.url
	token := p.authToken
	client := p.httpClient
	p.mu.Unlock()

	if url == "" {
		return nil, fmt.Errorf("httpmerge: %w: no service URL set", ErrNotConfigured)
	}

	body, contentType, err := buildMergeUpload(req)
	if err != nil {
		return nil, fmt.Errorf("httpmerge: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("httpmerge: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	tracing.InjectTraceContext(ctx, httpReq.Header.Set)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("httpmerge: %w: %v", ErrNetworkRequired, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("httpmerge: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("httpmerge: %w: service answered %s", ErrCredentialsRequired, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("httpmerge: service answered %s: %s", resp.Status, truncate(raw, 200))
	}

	var mr mergeResponse
	if err := json.Unmarshal(raw, &mr); err != nil {
		return nil, fmt.Errorf("httpmerge: decode response: %w", err)
	}

	status := StatusDelivered
	if mr.Status != "" && mr.Status != string(StatusDelivered) {
		status = ReceiptStatus(mr.Status)
	}

	return &Receipt{
		Provider:   p.Name(),
		DocumentID: req.DocumentID,
		Status:     status,
		OutputPath: mr.OutputURL,
		Detail:     mr.Detail,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// buildMergeUpload assembles the multipart body.
func buildMergeUpload(req *Request) (*bytes.Buffer, string, error) {
	doc, err := os.ReadFile(req.SourcePath)
	if err != nil {
		return nil, "", fmt.Errorf("read source pdf: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	manifest, err := json.Marshal(mergeManifest{
		DocumentID:   req.DocumentID,
		DocumentName: req.DocumentName,
		Stamps:       req.Stamps,
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode manifest: %w", err)
	}

	field, err := w.CreateFormField("manifest")
	if err != nil {
		return nil, "", err
	}
	if _, err := field.Write(manifest); err != nil {
		return nil, "", err
	}

	file, err := w.CreateFormFile("document", "document.pdf")
	if err != nil {
		return nil, "", err
	}
	if _, err := file.Write(doc); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// truncate shortens a response body for error messages.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// RequiresNetwork returns true.
func (p *HTTPMergeProvider) RequiresNetwork() bool {
	return true
}

// RequiresCredentials returns false; the bearer token is optional and
// deployment-specific.
func (p *HTTPMergeProvider) RequiresCredentials() bool {
	return false
}

// Configure sets provider configuration.
func (p *HTTPMergeProvider) Configure(config map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if url, ok := config["url"].(string); ok {
		p.url = url
	}
	if token, ok := config["auth_token"].(string); ok {
		p.authToken = token
	}
	// JSON-decoded configs carry numbers as float64, Go-built maps as int.
	switch secs := config["timeout_sec"].(type) {
	case float64:
		if secs > 0 {
			p.httpClient = &http.Client{Timeout: time.Duration(secs) * time.Second}
		}
	case int:
		if secs > 0 {
			p.httpClient = &http.Client{Timeout: time.Duration(secs) * time.Second}
		}
	}
	if p.url == "" {
		return fmt.Errorf("httpmerge: %w: \"url\" is required", ErrNotConfigured)
	}
	return nil
}

// Status returns the provider status.
func (p *HTTPMergeProvider) Status(ctx context.Context) (*ProviderStatus, error) {
	p.mu.Lock()
	url := p.url
	p.mu.Unlock()

	status := &ProviderStatus{
		Configured: url != "",
		Available:  url != "",
		LastCheck:  time.Now(),
	}
	if url == "" {
		status.Message = "merge service URL not configured"
	}
	return status, nil
}

var _ Provider = (*HTTPMergeProvider)(nil)
