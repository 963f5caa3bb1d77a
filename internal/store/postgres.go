package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stampd/internal/annotation"
	"stampd/internal/geometry"
)

// Schema for the Postgres variant of the document store. Deployments
// that share one database across several stampd instances use this
// instead of per-host SQLite files.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    path        TEXT NOT NULL,
    page_count  INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL DEFAULT 'active',
    created_at  BIGINT NOT NULL,
    updated_at  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS page_geometry (
    document_id         TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    page_number         INTEGER NOT NULL,
    original_width      DOUBLE PRECISION NOT NULL,
    original_height     DOUBLE PRECISION NOT NULL,
    rotation            INTEGER NOT NULL DEFAULT 0,
    display_width       DOUBLE PRECISION NOT NULL,
    display_height      DOUBLE PRECISION NOT NULL,
    correction_applied  BOOLEAN NOT NULL DEFAULT FALSE,
    source              TEXT NOT NULL DEFAULT '',
    resolved_at         BIGINT NOT NULL,
    PRIMARY KEY (document_id, page_number)
);

CREATE TABLE IF NOT EXISTS annotations (
    id                  TEXT PRIMARY KEY,
    document_id         TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    type                TEXT NOT NULL,
    page                INTEGER NOT NULL,
    x                   DOUBLE PRECISION NOT NULL,
    y                   DOUBLE PRECISION NOT NULL,
    width               DOUBLE PRECISION NOT NULL,
    height              DOUBLE PRECISION NOT NULL,
    relative_x          DOUBLE PRECISION NOT NULL,
    relative_y          DOUBLE PRECISION NOT NULL,
    relative_width      DOUBLE PRECISION NOT NULL,
    relative_height     DOUBLE PRECISION NOT NULL,
    content             TEXT NOT NULL DEFAULT '',
    image_data          TEXT NOT NULL DEFAULT '',
    signature_source    TEXT NOT NULL DEFAULT '',
    font_size           INTEGER NOT NULL DEFAULT 0,
    read_only           BOOLEAN NOT NULL DEFAULT FALSE,
    is_existing         BOOLEAN NOT NULL DEFAULT FALSE,
    source_page_width   DOUBLE PRECISION,
    source_page_height  DOUBLE PRECISION,
    created_at          BIGINT NOT NULL,
    updated_at          BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_annotations_document ON annotations(document_id, page);

CREATE TABLE IF NOT EXISTS audit_log (
    id              BIGSERIAL PRIMARY KEY,
    document_id     TEXT NOT NULL,
    annotation_id   TEXT NOT NULL DEFAULT '',
    action          TEXT NOT NULL,
    actor           TEXT NOT NULL DEFAULT '',
    detail          TEXT NOT NULL DEFAULT '',
    timestamp_ns    BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_document ON audit_log(document_id, timestamp_ns);

CREATE TABLE IF NOT EXISTS delivery_receipts (
    id              BIGSERIAL PRIMARY KEY,
    document_id     TEXT NOT NULL,
    provider        TEXT NOT NULL,
    status          TEXT NOT NULL,
    detail          TEXT NOT NULL DEFAULT '',
    output_path     TEXT NOT NULL DEFAULT '',
    timestamp_ns    BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_receipts_document ON delivery_receipts(document_id, timestamp_ns);
`

// PostgresStore backs the document store with a shared Postgres database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to Postgres with the given DSN and applies the
// schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the connection pool for health checks.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// UpsertDocument inserts or refreshes a document record.
func (s *PostgresStore) UpsertDocument(ctx context.Context, d *Document) error {
	if d.Status == "" {
		d.Status = DocumentStatusActive
	}
	now := time.Now().UnixNano()
	if d.CreatedAt == 0 {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, name, path, page_count, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			path = EXCLUDED.path,
			page_count = EXCLUDED.page_count,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		d.ID, d.Name, d.Path, d.PageCount, d.Status, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// GetDocument retrieves a document by ID.
func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	var d Document
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, path, page_count, status, created_at, updated_at
		FROM documents WHERE id = $1`, id,
	).Scan(&d.ID, &d.Name, &d.Path, &d.PageCount, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &d, nil
}

// ListDocuments returns all documents, newest first.
func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.pool.Query(ctx, `
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

// DeleteDocument removes a document and its dependent rows.
func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// UpsertPageGeometry stores resolved geometry for one page.
func (s *PostgresStore) UpsertPageGeometry(ctx context.Context, documentID string, g geometry.PageGeometry, source string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO page_geometry (document_id, page_number, original_width, original_height, rotation, display_width, display_height, correction_applied, source, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (document_id, page_number) DO UPDATE SET
			original_width = EXCLUDED.original_width,
			original_height = EXCLUDED.original_height,
			rotation = EXCLUDED.rotation,
			display_width = EXCLUDED.display_width,
			display_height = EXCLUDED.display_height,
			correction_applied = EXCLUDED.correction_applied,
			source = EXCLUDED.source,
			resolved_at = EXCLUDED.resolved_at`,
		documentID, g.PageNumber, g.OriginalWidth, g.OriginalHeight, g.Rotation,
		g.DisplayWidth, g.DisplayHeight, g.CorrectionApplied, source, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert page geometry: %w", err)
	}
	return nil
}

// GetPageGeometry retrieves geometry for one page.
func (s *PostgresStore) GetPageGeometry(ctx context.Context, documentID string, page int) (*geometry.PageGeometry, error) {
	var g geometry.PageGeometry
	err := s.pool.QueryRow(ctx, `
		SELECT page_number, original_width, original_height, rotation, display_width, display_height, correction_applied
		FROM page_geometry WHERE document_id = $1 AND page_number = $2`, documentID, page,
	).Scan(&g.PageNumber, &g.OriginalWidth, &g.OriginalHeight, &g.Rotation, &g.DisplayWidth, &g.DisplayHeight, &g.CorrectionApplied)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get page geometry: %w", err)
	}
	return &g, nil
}

// ListPageGeometry returns all resolved pages for a document in page order.
func (s *PostgresStore) ListPageGeometry(ctx context.Context, documentID string) ([]geometry.PageGeometry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT page_number, original_width, original_height, rotation, display_width, display_height, correction_applied
		FROM page_geometry
		WHERE document_id = $1
		ORDER BY page_number ASC`, documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query page geometry: %w", err)
	}
	defer rows.Close()

	var pages []geometry.PageGeometry
	for rows.Next() {
		var g geometry.PageGeometry
		if err := rows.Scan(&g.PageNumber, &g.OriginalWidth, &g.OriginalHeight, &g.Rotation, &g.DisplayWidth, &g.DisplayHeight, &g.CorrectionApplied); err != nil {
			return nil, fmt.Errorf("scan page geometry: %w", err)
		}
		pages = append(pages, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page geometry: %w", err)
	}
	return pages, nil
}

const pgAnnotationInsert = `
	INSERT INTO annotations (document_id, id, type, page, x, y, width, height, relative_x, relative_y, relative_width, relative_height, content, image_data, signature_source, font_size, read_only, is_existing, source_page_width, source_page_height, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

const pgAnnotationSelect = `
	SELECT id, type, page, x, y, width, height, relative_x, relative_y, relative_width, relative_height, content, image_data, signature_source, font_size, read_only, is_existing, source_page_width, source_page_height, created_at, updated_at
	FROM annotations`

// ReplaceAnnotations swaps in the full annotation list for a document.
func (s *PostgresStore) ReplaceAnnotations(ctx context.Context, documentID string, anns []*annotation.Annotation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM annotations WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("clear annotations: %w", err)
	}

	for _, a := range anns {
		if _, err := tx.Exec(ctx, pgAnnotationInsert, pgAnnotationArgs(documentID, a)...); err != nil {
			return fmt.Errorf("insert annotation %s: %w", a.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpsertAnnotation inserts or refreshes a single annotation.
func (s *PostgresStore) UpsertAnnotation(ctx context.Context, documentID string, a *annotation.Annotation) error {
	_, err := s.pool.Exec(ctx, pgAnnotationInsert+`
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			page = EXCLUDED.page,
			x = EXCLUDED.x,
			y = EXCLUDED.y,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			relative_x = EXCLUDED.relative_x,
			relative_y = EXCLUDED.relative_y,
			relative_width = EXCLUDED.relative_width,
			relative_height = EXCLUDED.relative_height,
			content = EXCLUDED.content,
			image_data = EXCLUDED.image_data,
			signature_source = EXCLUDED.signature_source,
			font_size = EXCLUDED.font_size,
			read_only = EXCLUDED.read_only,
			is_existing = EXCLUDED.is_existing,
			source_page_width = EXCLUDED.source_page_width,
			source_page_height = EXCLUDED.source_page_height,
			updated_at = EXCLUDED.updated_at`,
		pgAnnotationArgs(documentID, a)...,
	)
	if err != nil {
		return fmt.Errorf("upsert annotation: %w", err)
	}
	return nil
}

// GetAnnotation retrieves an annotation by ID.
func (s *PostgresStore) GetAnnotation(ctx context.Context, id string) (*annotation.Annotation, error) {
	row := s.pool.QueryRow(ctx, pgAnnotationSelect+` WHERE id = $1`, id)
	a, err := scanPgAnnotation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get annotation: %w", err)
	}
	return a, nil
}

// ListAnnotations returns a document's annotations in placement order.
func (s *PostgresStore) ListAnnotations(ctx context.Context, documentID string) ([]*annotation.Annotation, error) {
	rows, err := s.pool.Query(ctx, pgAnnotationSelect+`
		WHERE document_id = $1
		ORDER BY created_at ASC, id ASC`, documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query annotations: %w", err)
	}
	defer rows.Close()

	var anns []*annotation.Annotation
	for rows.Next() {
		a, err := scanPgAnnotation(rows)
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
func (s *PostgresStore) DeleteAnnotation(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM annotations WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete annotation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendAudit records an audit trail entry.
func (s *PostgresStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.TimestampNs == 0 {
		e.TimestampNs = time.Now().UnixNano()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (document_id, annotation_id, action, actor, detail, timestamp_ns)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.DocumentID, e.AnnotationID, e.Action, e.Actor, e.Detail, e.TimestampNs,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns a document's audit trail, newest first.
func (s *PostgresStore) ListAudit(ctx context.Context, documentID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, annotation_id, action, actor, detail, timestamp_ns
		FROM audit_log
		WHERE document_id = $1
		ORDER BY timestamp_ns DESC, id DESC
		LIMIT $2`, documentID, limit,
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
func (s *PostgresStore) InsertReceipt(ctx context.Context, r *DeliveryReceipt) (int64, error) {
	if r.TimestampNs == 0 {
		r.TimestampNs = time.Now().UnixNano()
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO delivery_receipts (document_id, provider, status, detail, output_path, timestamp_ns)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		r.DocumentID, r.Provider, r.Status, r.Detail, r.OutputPath, r.TimestampNs,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert receipt: %w", err)
	}
	return id, nil
}

// ListReceipts returns a document's delivery receipts, newest first.
func (s *PostgresStore) ListReceipts(ctx context.Context, documentID string) ([]DeliveryReceipt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, provider, status, detail, output_path, timestamp_ns
		FROM delivery_receipts
		WHERE document_id = $1
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

// pgAnnotationArgs flattens an annotation into the insert argument list,
// document_id first.
func pgAnnotationArgs(documentID string, a *annotation.Annotation) []interface{} {
	var spw, sph *float64
	if a.SourcePageDimensions != nil {
		spw = &a.SourcePageDimensions.Width
		sph = &a.SourcePageDimensions.Height
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
		a.ReadOnly, a.IsExistingSignature,
		spw, sph,
		createdNs, updatedNs,
	}
}

// scanPgAnnotation reads one annotation row in select column order.
func scanPgAnnotation(row pgx.Row) (*annotation.Annotation, error) {
	var a annotation.Annotation
	var typ, sigSource string
	var spw, sph *float64
	var createdNs, updatedNs int64

	err := row.Scan(
		&a.ID, &typ, &a.Page,
		&a.X, &a.Y, &a.Width, &a.Height,
		&a.RelativeX, &a.RelativeY, &a.RelativeWidth, &a.RelativeHeight,
		&a.Content, &a.ImageData, &sigSource, &a.FontSize,
		&a.ReadOnly, &a.IsExistingSignature,
		&spw, &sph,
		&createdNs, &updatedNs,
	)
	if err != nil {
		return nil, err
	}

	a.Type = annotation.Type(typ)
	a.SignatureSource = annotation.SignatureSource(sigSource)
	if spw != nil && sph != nil {
		a.SourcePageDimensions = &annotation.PageDimensions{Width: *spw, Height: *sph}
	}
	if createdNs != 0 {
		a.CreatedAt = time.Unix(0, createdNs).UTC()
	}
	if updatedNs != 0 {
		a.UpdatedAt = time.Unix(0, updatedNs).UTC()
	}
	return &a, nil
}

// Verify that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
