// Local spool delivery provider.
//
// The spool provider merges the document on this machine and drops the
// flattened PDF into an outbox directory, the way a printer spool hands
// finished jobs to whatever watches the directory. It needs no network,
// no credentials and no third-party account, which makes it the default
// choice for self-hosted installations.

package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SpoolProvider flattens documents locally into a spool directory.
type SpoolProvider struct {
	mu        sync.Mutex
	dir       string
	delivered int

	// flatten is swappable so tests can exercise delivery without a
	// real PDF on disk.
	flatten func(src, dst string, stamps []Stamp) error
}

// SpoolConfig holds configuration for the spool provider.
type SpoolConfig struct {
	// Dir is the outbox directory merged PDFs are written to.
	Dir string
}

// NewSpoolProvider creates a new local spool provider.
func NewSpoolProvider(config SpoolConfig) *SpoolProvider {
	return &SpoolProvider{
		dir:     config.Dir,
		flatten: Flatten,
	}
}

// Name returns the provider identifier.
func (p *SpoolProvider) Name() string {
	return "spool"
}

// DisplayName returns a human-readable name.
func (p *SpoolProvider) DisplayName() string {
	return "Local spool directory"
}

// Type returns the provider category.
func (p *SpoolProvider) Type() ProviderType {
	return TypeLocal
}

// Deliver flattens the document and writes it into the spool directory.
// The output is written under a partial name and renamed once complete so
// directory watchers never see a half-written PDF.
func (p *SpoolProvider) Deliver(ctx context.Context, req *Request) (*Receipt, error) {
	p.mu.Lock()
	dir := p.dir
	flatten := p.flatten
	p.mu.Unlock()

	if dir == "" {
		return nil, fmt.Errorf("spool: %w: no directory set", ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("spool: create directory: %w", err)
	}

	out := filepath.Join(dir, outputName(req))
	partial := out + ".partial"
	if err := flatten(req.SourcePath, partial, req.Stamps); err != nil {
		os.Remove(partial)
		return nil, fmt.Errorf("spool: %w", err)
	}
	if err := os.Rename(partial, out); err != nil {
		os.Remove(partial)
		return nil, fmt.Errorf("spool: finalize output: %w", err)
	}

	p.mu.Lock()
	p.delivered++
	p.mu.Unlock()

	return &Receipt{
		Provider:   p.Name(),
		DocumentID: req.DocumentID,
		Status:     StatusDelivered,
		OutputPath: out,
		Detail:     fmt.Sprintf("%d stamps flattened", len(req.Stamps)),
		Timestamp:  time.Now().UTC(),
	}, nil
}

// outputName derives the spool file name from the document name, falling
// back to the document id.
func outputName(req *Request) string {
	base := req.DocumentName
	if base == "" {
		base = req.DocumentID
	}
	base = strings.TrimSuffix(filepath.Base(base), filepath.Ext(base))
	return base + "-signed.pdf"
}

// RequiresNetwork returns false; the spool is local.
func (p *SpoolProvider) RequiresNetwork() bool {
	return false
}

// RequiresCredentials returns false.
func (p *SpoolProvider) RequiresCredentials() bool {
	return false
}

// Configure sets provider configuration.
func (p *SpoolProvider) Configure(config map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if dir, ok := config["dir"].(string); ok {
		p.dir = dir
	}
	if p.dir == "" {
		return fmt.Errorf("spool: %w: \"dir\" is required", ErrNotConfigured)
	}
	return nil
}

// Status returns the provider status.
func (p *SpoolProvider) Status(ctx context.Context) (*ProviderStatus, error) {
	p.mu.Lock()
	dir := p.dir
	delivered := p.delivered
	p.mu.Unlock()

	status := &ProviderStatus{
		Configured: dir != "",
		LastCheck:  time.Now(),
	}
	if dir == "" {
		status.Message = "spool directory not configured"
		return status, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		status.Message = fmt.Sprintf("spool directory unusable: %v", err)
		return status, nil
	}

	status.Available = true
	status.Message = fmt.Sprintf("%d documents delivered", delivered)
	return status, nil
}

var _ Provider = (*SpoolProvider)(nil)
