// Registry manages delivery provider registration and configuration.
//
// The registry allows callers to enable/disable providers and configure
// them independently. Providers are opt-in and disabled by default.

package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Registry manages delivery providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	enabled   map[string]bool
	configs   map[string]map[string]interface{}
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		enabled:   make(map[string]bool),
		configs:   make(map[string]map[string]interface{}),
	}
}

// RegisterProvider adds a provider to the registry.
// Providers are disabled by default until explicitly enabled.
func (r *Registry) RegisterProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// RegisterDefaults registers all built-in providers.
func (r *Registry) RegisterDefaults() {
	// Fully implemented providers
	r.RegisterProvider(NewSpoolProvider(SpoolConfig{}))
	r.RegisterProvider(NewHTTPMergeProvider(HTTPMergeConfig{}))

	// Scaffolded providers (require configuration)
	r.RegisterProvider(NewDocuSignProvider(DocuSignConfig{}))
	r.RegisterProvider(NewAdobeSignProvider(AdobeSignConfig{}))
}

// Enable activates a provider with optional configuration.
func (r *Registry) Enable(name string, config map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[name]
	if !ok {
		return fmt.Errorf("unknown provider: %s", name)
	}

	if config != nil {
		if err := p.Configure(config); err != nil {
			return fmt.Errorf("failed to configure %s: %w", name, err)
		}
		r.configs[name] = config
	}

	r.enabled[name] = true
	return nil
}

// Disable deactivates a provider.
func (r *Registry) Disable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled[name] = false
}

// IsEnabled checks if a provider is enabled.
func (r *Registry) IsEnabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[name]
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// EnabledProviders returns all enabled providers.
func (r *Registry) EnabledProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Provider
	for name, enabled := range r.enabled {
		if enabled {
			if p, ok := r.providers[name]; ok {
				result = append(result, p)
			}
		}
	}
	return result
}

// AllProviders returns all registered providers.
func (r *Registry) AllProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}

// Deliver hands the document to all enabled providers.
//
// Partial success is success: the error is non-nil only when every enabled
// provider failed. Receipts for the providers that succeeded are returned
// either way.
func (r *Registry) Deliver(ctx context.Context, req *Request) ([]*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	providers := r.EnabledProviders()
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}

	var receipts []*Receipt
	var errs []error

	for _, p := range providers {
		receipt, err := invoke(ctx, p, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		receipts = append(receipts, receipt)
	}

	if len(receipts) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("all providers failed: %v", errs)
	}

	return receipts, nil
}

// invoke runs a single provider, converting a panic into an error. The
// PDF toolchain under the local providers can abort on malformed input;
// one bad document must not take the retry worker down with it.
func invoke(ctx context.Context, p Provider, req *Request) (receipt *Receipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			receipt = nil
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return p.Deliver(ctx, req)
}

// DeliverWith hands the document to a specific provider.
func (r *Registry) DeliverWith(ctx context.Context, providerName string, req *Request) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	p, ok := r.providers[providerName]
	enabled := r.enabled[providerName]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", providerName)
	}
	if !enabled {
		return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, providerName)
	}

	return invoke(ctx, p, req)
}

// Status returns the status of all providers.
func (r *Registry) Status(ctx context.Context) map[string]*ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ProviderStatus)
	for name, p := range r.providers {
		status, err := p.Status(ctx)
		if err != nil {
			status = &ProviderStatus{
				Available:  false,
				Configured: false,
				LastCheck:  time.Now(),
				Message:    err.Error(),
			}
		}
		result[name] = status
	}

	return result
}

// RegistryConfig is the serializable configuration.
type RegistryConfig struct {
	Enabled map[string]bool                   `json:"enabled"`
	Configs map[string]map[string]interface{} `json:"configs"`
}

// SaveConfig persists the registry configuration.
func (r *Registry) SaveConfig(path string) error {
	r.mu.RLock()
	config := RegistryConfig{
		Enabled: make(map[string]bool),
		Configs: make(map[string]map[string]interface{}),
	}
	for name, enabled := range r.enabled {
		config.Enabled[name] = enabled
	}
	for name, cfg := range r.configs {
		config.Configs[name] = cfg
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// LoadConfig restores the registry configuration.
func (r *Registry) LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No config file is OK
		}
		return err
	}

	var config RegistryConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, enabled := range config.Enabled {
		r.enabled[name] = enabled
	}

	for name, cfg := range config.Configs {
		if p, ok := r.providers[name]; ok {
			p.Configure(cfg)
			r.configs[name] = cfg
		}
	}

	return nil
}

// OfflineProviders returns providers that work without network access.
func (r *Registry) OfflineProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Provider
	for _, p := range r.providers {
		if !p.RequiresNetwork() {
			result = append(result, p)
		}
	}
	return result
}

// ProvidersByType returns providers of the given category.
func (r *Registry) ProvidersByType(t ProviderType) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Provider
	for _, p := range r.providers {
		if p.Type() == t {
			result = append(result, p)
		}
	}
	return result
}
