package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"stampd/internal/annotation"
	"stampd/internal/geometry"
)

// Schema for the stampd document store.
const schema = `
CREATE TABLE IF NOT EXISTS documents (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    path        TEXT NOT NULL,
    page_count  INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL DEFAULT 'active',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS page_geometry (
    document_id         TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    page_number         INTEGER NOT NULL,
    original_width      REAL NOT NULL,
    original_height     REAL NOT NULL,
    rotation            INTEGER NOT NULL DEFAULT 0,
    display_width       REAL NOT NULL,
    display_height      REAL NOT NULL,
    correction_applied  INTEGER NOT NULL DEFAULT 0,
    source              TEXT NOT NULL DEFAULT '',
    resolved_at         INTEGER NOT NULL,
    PRIMARY KEY (document_id, page_number)
);

CREATE TABLE IF NOT EXISTS annotations (
    id                  TEXT PRIMARY KEY,
    document_id         TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    type                TEXT NOT NULL,
    page                INTEGER NOT NULL,
    x                   REAL NOT NULL,
    y                   REAL NOT NULL,
    width               REAL NOT NULL,
    height              REAL NOT NULL,
    relative_x          REAL NOT NULL,
    relative_y          REAL NOT NULL,
    relative_width      REAL NOT NULL,
    relative_height     REAL NOT NULL,
    content             TEXT NOT NULL DEFAULT '',
    image_data          TEXT NOT NULL DEFAULT '',
    signature_source    TEXT NOT NULL DEFAULT '',
    font_size           INTEGER NOT NULL DEFAULT 0,
    read_only           INTEGER NOT NULL DEFAULT 0,
    is_existing         INTEGER NOT NULL DEFAULT 0,
    source_page_width   REAL,
    source_page_height  REAL,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_annotations_document ON annotations(document_id, page);

CREATE TABLE IF NOT EXISTS audit_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id     TEXT NOT NULL,
    annotation_id   TEXT NOT NULL DEFAULT '',
    action          TEXT NOT NULL,
    actor           TEXT NOT NULL DEFAULT '',
    detail          TEXT NOT NULL DEFAULT '',
    timestamp_ns    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_document ON audit_log(document_id, timestamp_ns);

CREATE TABLE IF NOT EXISTS delivery_receipts (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id     TEXT NOT NULL,
    provider        TEXT NOT NULL,
    status          TEXT NOT NULL,
    detail          TEXT NOT NULL DEFAULT '',
    output_path     TEXT NOT NULL DEFAULT '',
    timestamp_ns    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_receipts_document ON delivery_receipts(document_id, timestamp_ns);
`

// SQLiteStore is the file-backed default store.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and applies
// the schema.
func Open(path string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for migrations and health checks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// UpsertDocument inserts or refreshes a document record.
func (s *SQLiteStore) UpsertDocument(ctx context.Context, d *Document) error {
	if d.Status == "" {
		d.Status = DocumentStatusActive
	}
	now := time.Now().UnixNano()
	if d.CreatedAt == 0 {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, name, path, page_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			page_count = excluded.page_count,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		d.ID, d.Name, d.Path, d.PageCount, d.Status, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// GetDocument retrieves a document by ID.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	var d Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, page_count, status, created_at, updated_at
		FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &d.Path, &d.PageCount, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &d, nil
}

// ListDocuments returns all documents, newest first.
func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, path, page_count, status, created_at, updated_at
		FROM documents
		ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Name, &d.Path, &d.PageCount, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// DeleteDocument removes a document and, through foreign keys, its pages
// and annotations.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// UpsertPageGeometry stores resolved geometry for one page.
func (s *SQLiteStore) UpsertPageGeometry(ctx context.Context, documentID string, g geometry.PageGeometry, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO page_geometry (document_id, page_number, original_width, original_height, rotation, display_width, display_height, correction_applied, source, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, page_number) DO UPDATE SET
			original_width = excluded.original_width,
			original_height = excluded.original_height,
			rotation = excluded.rotation,
			display_width = excluded.display_width,
			display_height = excluded.display_height,
			correction_applied = excluded.correction_applied,
			source = excluded.source,
			resolved_at = excluded.resolved_at`,
		documentID, g.PageNumber, g.OriginalWidth, g.OriginalHeight, g.Rotation,
		g.DisplayWidth, g.DisplayHeight, boolToInt(g.CorrectionApplied), source, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert page geometry: %w", err)
	}
	return nil
}

// GetPageGeometry retrieves geometry for one page.
func (s *SQLiteStore) GetPageGeometry(ctx context.Context, documentID string, page int) (*geometry.PageGeometry, error) {
	var g geometry.PageGeometry
	var corrected int
	err := s.db.QueryRowContext(ctx, `
		SELECT page_number, original_width, original_height, rotation, display_width, display_height, correction_applied
		FROM page_geometry WHERE document_id = ? AND page_number = ?`, documentID, page,
	).Scan(&g.PageNumber, &g.OriginalWidth, &g.OriginalHeight, &g.Rotation, &g.DisplayWidth, &g.DisplayHeight, &corrected)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get page geometry: %w", err)
	}
	g.CorrectionApplied = corrected != 0
	return &g, nil
}

// ListPageGeometry returns all resolved pages for a document in page order.
func (s *SQLiteStore) ListPageGeometry(ctx context.Context, documentID string) ([]geometry.PageGeometry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_number, original_width, original_height, rotation, display_width, display_height, correction_applied
		FROM page_geometry
		WHERE document_id = ?
		ORDER BY page_number ASC`, documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query page geometry: %w", err)
	}
	defer rows.Close()

	var pages []geometry.PageGeometry
	for rows.Next() {
		var g geometry.PageGeometry
		var corrected int
		if err := rows.Scan(&g.PageNumber, &g.OriginalWidth, &g.OriginalHeight, &g.Rotation, &g.DisplayWidth, &g.DisplayHeight, &corrected); err != nil {
			return nil, fmt.Errorf("scan page geometry: %w", err)
		}
		g.CorrectionApplied = corrected != 0
		pages = append(pages, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page geometry: %w", err)
	}
	return pages, nil
}

const annotationColumns = `id, type, page, x, y, width, height, relative_x, relative_y, relative_width, relative_height, content, image_data, signature_source, font_size, read_only, is_existing, source_page_width, source_page_height, created_at, updated_at`

// ReplaceAnnotations swaps in the full annotation list for a document.
func (s *SQLiteStore) ReplaceAnnotations(ctx context.Context, documentID string, anns []*annotation.Annotation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("clear annotations: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO annotations (document_id, `+annotationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, a := range anns {
		if _, err := stmt.ExecContext(ctx, annotationArgs(documentID, a)...); err != nil {
			return fmt.Errorf("insert annotation %s: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpsertAnnotation inserts or refreshes a single annotation.
func (s *SQLiteStore) UpsertAnnotation(ctx context.Context, documentID string, a *annotation.Annotation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO annotations (document_id, `+annotationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		annotationArgs(documentID, a)...,
	)
	if err != nil {
		return fmt.Errorf("upsert annotation: %w", err)
	}
	return nil
}

// GetAnnotation retrieves an annotation by ID.
func (s *SQLiteStore) GetAnnotation(ctx context.Context, id string) (*annotation.Annotation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations WHERE id = ?`, id,
	)
	a, err := scanAnnotation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get annotation: %w", err)
	}
	return a, nil
}

// ListAnnotations returns a document's annotations in placement order.
func (s *SQLiteStore) ListAnnotations(ctx context.Context, documentID string) ([]*annotation.Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations
		WHERE document_id = ?
		ORDER BY created_at ASC, id ASC`, documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query annotations: %w", err)
	}
	defer rows.Close()

	var anns []*annotation.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		anns = append(anns, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return anns, nil
}

// DeleteAnnotation removes an annotation. Unknown ids report false.
func (s *SQLiteStore) DeleteAnnotation(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM annotations WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete annotation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n > 0, nil
}

// AppendAudit records an audit trail entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.TimestampNs == 0 {
		e.TimestampNs = time.Now().UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (document_id, annotation_id, action, actor, detail, timestamp_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.DocumentID, e.AnnotationID, e.Action, e.Actor, e.Detail, e.TimestampNs,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns a document's audit trail, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, documentID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, annotation_id, action, actor, detail, timestamp_ns
		FROM audit_log
		WHERE document_id = ?
		ORDER BY timestamp_ns DESC, id DESC
		LIMIT ?`, documentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.AnnotationID, &e.Action, &e.Actor, &e.Detail, &e.TimestampNs); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return entries, nil
}

// InsertReceipt records a delivery receipt and returns its ID.
func (s *SQLiteStore) InsertReceipt(ctx context.Context, r *DeliveryReceipt) (int64, error) {
	if r.TimestampNs == 0 {
		r.TimestampNs = time.Now().UnixNano()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_receipts (document_id, provider, status, detail, output_path, timestamp_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.DocumentID, r.Provider, r.Status, r.Detail, r.OutputPath, r.TimestampNs,
	)
	if err != nil {
		return 0, fmt.Errorf("insert receipt: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// ListReceipts returns a document's delivery receipts, newest first.
func (s *SQLiteStore) ListReceipts(ctx context.Context, documentID string) ([]DeliveryReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, provider, status, detail, output_path, timestamp_ns
		FROM delivery_receipts
		WHERE document_id = ?
		ORDER BY timestamp_ns DESC, id DESC`, documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []DeliveryReceipt
	for rows.Next() {
		var r DeliveryReceipt
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Provider, &r.Status, &r.Detail, &r.OutputPath, &r.TimestampNs); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}
	return receipts, nil
}

// annotationArgs flattens an annotation into the insert argument list,
// document_id first.
func annotationArgs(documentID string, a *annotation.Annotation) []interface{} {
	var spw, sph interface{}
	if a.SourcePageDimensions != nil {
		spw = a.SourcePageDimensions.Width
		sph = a.SourcePageDimensions.Height
	}
	var createdNs, updatedNs int64
	if !a.CreatedAt.IsZero() {
		createdNs = a.CreatedAt.UnixNano()
	}
	if !a.UpdatedAt.IsZero() {
		updatedNs = a.UpdatedAt.UnixNano()
	}
	return []interface{}{
		documentID,
		a.ID, string(a.Type), a.Page,
		a.X, a.Y, a.Width, a.Height,
		a.RelativeX, a.RelativeY, a.RelativeWidth, a.RelativeHeight,
		a.Content, a.ImageData, string(a.SignatureSource), a.FontSize,
		boolToInt(a.ReadOnly), boolToInt(a.IsExistingSignature),
		spw, sph,
		createdNs, updatedNs,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanAnnotation reads one annotation row in annotationColumns order.
func scanAnnotation(row rowScanner) (*annotation.Annotation, error) {
	var a annotation.Annotation
	var typ, sigSource string
	var readOnly, isExisting int
	var spw, sph sql.NullFloat64
	var createdNs, updatedNs int64

	err := row.Scan(
		&a.ID, &typ, &a.Page,
		&a.X, &a.Y, &a.Width, &a.Height,
		&a.RelativeX, &a.RelativeY, &a.RelativeWidth, &a.RelativeHeight,
		&a.Content, &a.ImageData, &sigSource, &a.FontSize,
		&readOnly, &isExisting,
		&spw, &sph,
		&createdNs, &updatedNs,
	)
	if err != nil {
		return nil, err
	}

	a.Type = annotation.Type(typ)
	a.SignatureSource = annotation.SignatureSource(sigSource)
	a.ReadOnly = readOnly != 0
	a.IsExistingSignature = isExisting != 0
	if spw.Valid && sph.Valid {
		a.SourcePageDimensions = &annotation.PageDimensions{Width: spw.Float64, Height: sph.Float64}
	}
	if createdNs != 0 {
		a.CreatedAt = time.Unix(0, createdNs).UTC()
	}
	if updatedNs != 0 {
		a.UpdatedAt = time.Unix(0, updatedNs).UTC()
	}
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Verify that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
