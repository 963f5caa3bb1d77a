// DocuSign eSignature delivery provider stub.
//
// STATUS: STUB - Not implemented
//
// DocuSign is the dominant commercial e-signature platform in North
// America. Delivering through it means creating an envelope containing
// the merged document and routing it to recipients through DocuSign's
// own workflow, rather than dropping a flattened PDF somewhere.
//
// Key characteristics:
// - ENVELOPE MODEL: Documents travel inside envelopes with recipients,
//   routing order and tabs
// - OAUTH: JWT grant or authorization-code flow against an integration key
// - ACCOUNT SCOPED: Every API call is relative to an account id
// - AUDIT TRAIL: DocuSign maintains its own certificate of completion
//
// API surface this stub targets:
// - POST /v2.1/accounts/{accountId}/envelopes - create envelope with the
//   merged PDF as a document attachment
// - Envelope status polling or Connect webhooks for completion
//
// Base URLs:
// - Production: https://na3.docusign.net/restapi (region-specific)
// - Demo/sandbox: https://demo.docusign.net/restapi
//
// Implementation notes:
// - The merged PDF should be produced locally first (the spool provider's
//   flattening path) and attached base64-encoded to the envelope
// - JWT grant needs an RSA keypair registered with the integration key
// - Rate limits are per-account and bursty; a retry queue in front of
//   this provider is strongly recommended
//
// References:
// - https://developers.docusign.com/docs/esign-rest-api/
// - https://developers.docusign.com/platform/auth/jwt/
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

// DocuSignProvider implements Provider for DocuSign envelope delivery.
type DocuSignProvider struct {
	mu             sync.Mutex
	baseURL        string
	integrationKey string
	accountID      string
	httpClient     *http.Client
}

// DocuSignConfig holds configuration for the DocuSign provider.
type DocuSignConfig struct {
	// BaseURL is the account's REST API base URL.
	BaseURL string

	// IntegrationKey identifies this installation to DocuSign.
	IntegrationKey string

	// AccountID is the DocuSign account to deliver into.
	AccountID string

	// Timeout for API calls.
	Timeout time.Duration
}

// NewDocuSignProvider creates a new DocuSign provider.
func NewDocuSignProvider(config DocuSignConfig) *DocuSignProvider {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &DocuSignProvider{
		baseURL:        config.BaseURL,
		integrationKey: config.IntegrationKey,
		accountID:      config.AccountID,
		httpClient:     &http.Client{Timeout: timeout},
	}
}

// Name returns the provider identifier.
func (p *DocuSignProvider) Name() string {
	return "docusign"
}

// DisplayName returns a human-readable name.
func (p *DocuSignProvider) DisplayName() string {
	return "DocuSign eSignature"
}

// Type returns the provider category.
func (p *DocuSignProvider) Type() ProviderType {
	return TypeESignature
}

// Deliver is not implemented.
func (p *DocuSignProvider) Deliver(ctx context.Context, req *Request) (*Receipt, error) {
	p.mu.Lock()
	configured := p.baseURL != "" && p.integrationKey != "" && p.accountID != ""
	p.mu.Unlock()

	if !configured {
		return nil, fmt.Errorf("docusign: %w: base_url, integration_key and account_id are required", ErrNotConfigured)
	}
	return nil, fmt.Errorf("docusign: %w: envelope creation is not implemented", ErrNotImplemented)
}

// RequiresNetwork returns true.
func (p *DocuSignProvider) RequiresNetwork() bool {
	return true
}

// RequiresCredentials returns true; DocuSign needs an integration key.
func (p *DocuSignProvider) RequiresCredentials() bool {
	return true
}

// Configure sets provider configuration.
func (p *DocuSignProvider) Configure(config map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := config["base_url"].(string); ok {
		p.baseURL = v
	}
	if v, ok := config["integration_key"].(string); ok {
		p.integrationKey = v
	}
	if v, ok := config["account_id"].(string); ok {
		p.accountID = v
	}
	return nil
}

// Status returns the provider status.
func (p *DocuSignProvider) Status(ctx context.Context) (*ProviderStatus, error) {
	p.mu.Lock()
	configured := p.baseURL != "" && p.integrationKey != "" && p.accountID != ""
	p.mu.Unlock()

	return &ProviderStatus{
		Available:  false,
		Configured: configured,
		LastCheck:  time.Now(),
		Message:    "stub: envelope delivery not implemented",
	}, nil
}

var _ Provider = (*DocuSignProvider)(nil)
