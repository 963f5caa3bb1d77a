// Package delivery provides pluggable backends for handing a finished
// document off to its destination.
//
// A delivery flattens the placed annotations into the PDF (or ships them to
// a service that does) and produces a receipt recording where the merged
// document ended up. Providers differ in where the work happens and what
// infrastructure they need.
//
// # Supported Providers
//
// Fully implemented:
//   - spool: Flattens annotations locally with pdfcpu and drops the merged
//     PDF into an outbox directory
//   - httpmerge: Uploads the document and a stamp manifest to a remote
//     merge service
//
// Scaffolded (community contributions welcome):
//   - docusign: DocuSign eSignature envelope delivery
//   - adobesign: Adobe Acrobat Sign agreement delivery
//
// # Usage
//
//	registry := delivery.NewRegistry()
//	registry.RegisterDefaults()
//	registry.Enable("spool", map[string]interface{}{"dir": "/var/spool/stampd"})
//
//	receipts, err := registry.Deliver(ctx, req)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Coordinates in a Request are PDF-native: points on the unrotated page
// with a bottom-left origin. Callers convert from whatever space their
// editor works in before building the request.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotImplemented      = errors.New("provider not implemented")
	ErrProviderDisabled    = errors.New("provider is disabled")
	ErrNotConfigured       = errors.New("provider is not configured")
	ErrNetworkRequired     = errors.New("network access required but unavailable")
	ErrCredentialsRequired = errors.New("provider requires credentials")
	ErrNoProviders         = errors.New("no providers enabled")
)

// ProviderType categorizes delivery providers by where the merge happens.
type ProviderType string

const (
	// TypeLocal merges the document on this machine.
	TypeLocal ProviderType = "local"

	// TypeHTTP ships the document to a remote merge service.
	TypeHTTP ProviderType = "http"

	// TypeESignature hands the document to a commercial e-signature platform.
	TypeESignature ProviderType = "esignature"
)

// StampKind discriminates what a stamp draws onto the page.
type StampKind string

const (
	// KindImage draws a bitmap, typically a captured signature.
	KindImage StampKind = "image"

	// KindText draws a line of text.
	KindText StampKind = "text"
)

// Stamp is one element to flatten onto a page.
//
// X and Y locate the bottom-left corner of the stamp in PDF points,
// measured from the bottom-left corner of the unrotated page.
type Stamp struct {
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`

	Kind StampKind `json:"kind"`

	// ImageData is a data URL ("data:image/png;base64,...") for image stamps.
	ImageData string `json:"imageData,omitempty"`

	// Text and FontSize apply to text stamps. A zero FontSize means the
	// provider picks its default.
	Text     string `json:"text,omitempty"`
	FontSize int    `json:"fontSize,omitempty"`
}

// Request describes one document delivery.
type Request struct {
	// DocumentID identifies the document to the caller's records.
	DocumentID string `json:"documentId"`

	// DocumentName is the human-facing name, used to derive output names.
	DocumentName string `json:"documentName,omitempty"`

	// SourcePath is the original PDF on local disk.
	SourcePath string `json:"sourcePath"`

	// Stamps are the elements to flatten, in PDF coordinates.
	Stamps []Stamp `json:"stamps"`

	// Metadata carries provider-agnostic extra fields.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks the request for structural problems before any provider
// sees it.
func (r *Request) Validate() error {
	if r.DocumentID == "" {
		return errors.New("delivery: request has no document id")
	}
	if r.SourcePath == "" {
		return errors.New("delivery: request has no source path")
	}
	for i, s := range r.Stamps {
		if s.Page < 1 {
			return fmt.Errorf("delivery: stamp %d has page %d, want >= 1", i, s.Page)
		}
		switch s.Kind {
		case KindImage:
			if s.ImageData == "" {
				return fmt.Errorf("delivery: stamp %d is an image stamp without image data", i)
			}
		case KindText:
		default:
			return fmt.Errorf("delivery: stamp %d has unknown kind %q", i, s.Kind)
		}
	}
	return nil
}

// ReceiptStatus indicates the outcome of a delivery.
type ReceiptStatus string

const (
	// StatusDelivered - the merged document reached its destination.
	StatusDelivered ReceiptStatus = "delivered"

	// StatusQueued - the delivery is journaled and will be retried.
	StatusQueued ReceiptStatus = "queued"

	// StatusFailed - the delivery failed permanently.
	StatusFailed ReceiptStatus = "failed"
)

// Receipt records the outcome of one delivery attempt.
type Receipt struct {
	// Provider identifier (e.g. "spool", "httpmerge").
	Provider string `json:"provider"`

	// DocumentID of the delivered document.
	DocumentID string `json:"documentId"`

	// Status of the delivery.
	Status ReceiptStatus `json:"status"`

	// OutputPath is where the merged document landed: a local path for
	// local providers, a URL for remote ones.
	OutputPath string `json:"outputPath,omitempty"`

	// Detail carries a human-readable note, usually the failure reason.
	Detail string `json:"detail,omitempty"`

	// Timestamp of the delivery attempt.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries provider-specific additional data.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Encode serializes the receipt to JSON.
func (r *Receipt) Encode() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// DecodeReceipt deserializes a receipt from JSON.
func DecodeReceipt(data []byte) (*Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// IsDelivered returns true if the delivery completed.
func (r *Receipt) IsDelivered() bool {
	return r.Status == StatusDelivered
}

// IsQueued returns true if the delivery is awaiting retry.
func (r *Receipt) IsQueued() bool {
	return r.Status == StatusQueued
}

// Provider defines the interface for delivery backends.
//
// Implementations for additional platforms are welcome as community
// contributions.
type Provider interface {
	// Name returns a unique identifier for this provider.
	// Examples: "spool", "httpmerge", "docusign"
	Name() string

	// DisplayName returns a human-readable name.
	// Examples: "Local spool directory", "DocuSign eSignature"
	DisplayName() string

	// Type returns the provider category.
	Type() ProviderType

	// Deliver merges the document and hands it to its destination.
	// The returned receipt records where the output ended up.
	Deliver(ctx context.Context, req *Request) (*Receipt, error)

	// RequiresNetwork indicates if this provider needs internet access.
	RequiresNetwork() bool

	// RequiresCredentials indicates if API keys or tokens are needed.
	RequiresCredentials() bool

	// Configure sets provider-specific configuration.
	// Returns an error if required configuration is missing or malformed.
	Configure(config map[string]interface{}) error

	// Status returns the current provider status.
	Status(ctx context.Context) (*ProviderStatus, error)
}

// ProviderStatus contains the current status of a provider.
type ProviderStatus struct {
	// Available indicates if the provider is currently usable.
	Available bool `json:"available"`

	// Configured indicates if required configuration is set.
	Configured bool `json:"configured"`

	// LastCheck when status was last verified.
	LastCheck time.Time `json:"last_check"`

	// Message provides additional status information.
	Message string `json:"message,omitempty"`

	// QueuedJobs counts deliveries awaiting retry, for providers that
	// queue work.
	QueuedJobs int `json:"queued_jobs,omitempty"`
}
