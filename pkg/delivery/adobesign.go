// Adobe Acrobat Sign delivery provider stub.
//
// STATUS: STUB - Not implemented
//
// Acrobat Sign (formerly EchoSign) is Adobe's e-signature platform,
// common in organizations standardized on Acrobat. Delivery means
// creating an agreement around the merged document and letting Adobe
// run the signing workflow.
//
// Key characteristics:
// - AGREEMENT MODEL: Documents become transient documents, then
//   agreements with participant sets
// - OAUTH: Authorization-code flow against a client id
// - SHARDED: API base URL is account-specific and must be discovered
//   via GET /baseUris
//
// API surface this stub targets:
// - POST /api/rest/v6/transientDocuments - upload the merged PDF
// - POST /api/rest/v6/agreements - create the agreement referencing it
// - Webhooks or polling for completion
//
// Implementation notes:
// - Transient documents expire after 7 days; upload and agreement
//   creation must happen in one delivery
// - The discovered base URI should be cached per token, not per call
//
// References:
// - https://opensource.adobe.com/acrobat-sign/developer_guide/
// - https://secure.na1.adobesign.com/public/docs/restapi/v6
//
// Interested contributors: Please open an issue to coordinate implementation.

package delivery

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// AdobeSignProvider implements Provider for Acrobat Sign agreement delivery.
type AdobeSignProvider struct {
	mu         sync.Mutex
	baseURL    string
	clientID   string
	httpClient *http.Client
}

// AdobeSignConfig holds configuration for the Acrobat Sign provider.
type AdobeSignConfig struct {
	// BaseURL is the account-specific API base URL.
	BaseURL string

	// ClientID identifies this installation to Adobe.
	ClientID string

	// Timeout for API calls.
	Timeout time.Duration
}

// NewAdobeSignProvider creates a new Acrobat Sign provider.
func NewAdobeSignProvider(config AdobeSignConfig) *AdobeSignProvider {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &AdobeSignProvider{
		baseURL:    config.BaseURL,
		clientID:   config.ClientID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns the provider identifier.
func (p *AdobeSignProvider) Name() string {
	return "adobesign"
}

// DisplayName returns a human-readable name.
func (p *AdobeSignProvider) DisplayName() string {
	return "Adobe Acrobat Sign"
}

// Type returns the provider category.
func (p *AdobeSignProvider) Type() ProviderType {
	return TypeESignature
}

// Deliver is not implemented.
func (p *AdobeSignProvider) Deliver(ctx context.Context, req *Request) (*Receipt, error) {
	p.mu.Lock()
	configured := p.baseURL != "" && p.clientID != ""
	p.mu.Unlock()

	if !configured {
		return nil, fmt.Errorf("adobesign: %w: base_url and client_id are required", ErrNotConfigured)
	}
	return nil, fmt.Errorf("adobesign: %w: agreement creation is not implemented", ErrNotImplemented)
}

// RequiresNetwork returns true.
func (p *AdobeSignProvider) RequiresNetwork() bool {
	return true
}

// RequiresCredentials returns true; Acrobat Sign needs a client id.
func (p *AdobeSignProvider) RequiresCredentials() bool {
	return true
}

// Configure sets provider configuration.
func (p *AdobeSignProvider) Configure(config map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := config["base_url"].(string); ok {
		p.baseURL = v
	}
	if v, ok := config["client_id"].(string); ok {
		p.clientID = v
	}
	return nil
}

// Status returns the provider status.
func (p *AdobeSignProvider) Status(ctx context.Context) (*ProviderStatus, error) {
	p.mu.Lock()
	configured := p.baseURL != "" && p.clientID != ""
	p.mu.Unlock()

	return &ProviderStatus{
		Available:  false,
		Configured: configured,
		LastCheck:  time.Now(),
		Message:    "stub: agreement delivery not implemented",
	}, nil
}

var _ Provider = (*AdobeSignProvider)(nil)
