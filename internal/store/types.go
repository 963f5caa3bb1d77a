package store

import (
	"context"

	"stampd/internal/annotation"
	"stampd/internal/geometry"
)

// Document lifecycle states.
const (
	DocumentStatusActive    = "active"
	DocumentStatusCompleted = "completed"
)

// Document is a PDF registered with the daemon.
type Document struct {
	ID        string
	Name      string
	Path      string
	PageCount int
	Status    string
	CreatedAt int64
	UpdatedAt int64
}

// AuditEntry records one annotation-affecting action for the document's
// audit trail.
type AuditEntry struct {
	ID           int64
	DocumentID   string
	AnnotationID string
	Action       string
	Actor        string
	Detail       string
	TimestampNs  int64
}

// Audit actions.
const (
	AuditAnnotationCreated = "annotation.created"
	AuditAnnotationUpdated = "annotation.updated"
	AuditAnnotationDeleted = "annotation.deleted"
	AuditAnnotationsSaved  = "annotations.saved"
	AuditGeometryResolved  = "geometry.resolved"
	AuditDocumentMerged    = "document.merged"
)

// DeliveryReceipt records the outcome of handing a document to a
// delivery provider.
type DeliveryReceipt struct {
	ID          int64
	DocumentID  string
	Provider    string
	Status      string
	Detail      string
	OutputPath  string
	TimestampNs int64
}

// Store is the persistence contract shared by the SQLite, Postgres and
// in-memory backends. Lookups for missing rows return (nil, nil).
type Store interface {
	UpsertDocument(ctx context.Context, d *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	ListDocuments(ctx context.Context) ([]Document, error)
	DeleteDocument(ctx context.Context, id string) error

	UpsertPageGeometry(ctx context.Context, documentID string, g geometry.PageGeometry, source string) error
	GetPageGeometry(ctx context.Context, documentID string, page int) (*geometry.PageGeometry, error)
	ListPageGeometry(ctx context.Context, documentID string) ([]geometry.PageGeometry, error)

	// ReplaceAnnotations swaps in the full annotation list for a
	// document in one transaction. Saves always carry the complete
	// list, so replace-all keeps last-write-wins exact.
	ReplaceAnnotations(ctx context.Context, documentID string, anns []*annotation.Annotation) error
	UpsertAnnotation(ctx context.Context, documentID string, a *annotation.Annotation) error
	GetAnnotation(ctx context.Context, id string) (*annotation.Annotation, error)
	ListAnnotations(ctx context.Context, documentID string) ([]*annotation.Annotation, error)
	// DeleteAnnotation reports false for ids it never stored; callers
	// treat that as a successful no-op.
	DeleteAnnotation(ctx context.Context, id string) (bool, error)

	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, documentID string, limit int) ([]AuditEntry, error)

	InsertReceipt(ctx context.Context, r *DeliveryReceipt) (int64, error)
	ListReceipts(ctx context.Context, documentID string) ([]DeliveryReceipt, error)

	Close() error
}
