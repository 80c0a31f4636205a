package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

const documentColumns = `checksum, filename, mime_type, size_bytes, source, raw_ref, canonical_ref, page_count,
	extracted_text, text_extracted, text_source, metadata, stored_name, status, task_id, failed_stage, last_error,
	created_at, updated_at`

type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// CreateOrGetDocument inserts the document unless its checksum is already known and
// returns the stored row. The boolean reports whether a new row was created.
func (r *DocumentRepository) CreateOrGetDocument(ctx context.Context, doc *domain.Document) (*domain.Document, bool, error) {
	metadataJSON, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return nil, false, err
	}

	result, err := r.db.ExecContext(ctx, `
INSERT INTO documents (`+documentColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
ON CONFLICT (checksum) DO NOTHING
`,
		doc.Checksum, doc.Filename, doc.MimeType, doc.SizeBytes, doc.Source, doc.RawRef, doc.CanonicalRef,
		doc.PageCount, doc.Text, doc.TextExtracted, string(doc.TextSource), metadataJSON, doc.StoredName,
		string(doc.Status), doc.TaskID, string(doc.FailedStage), doc.LastError, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert document: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 1 {
		created := *doc
		return &created, true, nil
	}

	existing, err := r.GetDocument(ctx, doc.Checksum)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *DocumentRepository) GetDocument(ctx context.Context, checksum string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE checksum = $1`, checksum)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, checksum)
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &doc, nil
}

// SaveDocument persists the mutable part of a document. The checksum and intake
// attributes are immutable once inserted.
func (r *DocumentRepository) SaveDocument(ctx context.Context, doc *domain.Document) error {
	metadataJSON, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	doc.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
UPDATE documents
SET canonical_ref = $2, page_count = $3, extracted_text = $4, text_extracted = $5, text_source = $6,
	metadata = $7, stored_name = $8, status = $9, task_id = $10, failed_stage = $11, last_error = $12, updated_at = $13
WHERE checksum = $1
`,
		doc.Checksum, doc.CanonicalRef, doc.PageCount, doc.Text, doc.TextExtracted, string(doc.TextSource),
		metadataJSON, doc.StoredName, string(doc.Status), doc.TaskID, string(doc.FailedStage), doc.LastError,
		doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return expectOneRow(result, domain.ErrDocumentNotFound, doc.Checksum)
}

// ListStalledDocuments returns non-terminal documents that nobody holds a live lease on.
func (r *DocumentRepository) ListStalledDocuments(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Document, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+documentColumns+`
FROM documents d
WHERE d.status NOT IN ('completed', 'failed')
	AND d.updated_at < $1
	AND NOT EXISTS (
		SELECT 1 FROM leases l WHERE l.key = 'document:' || d.checksum AND l.expires_at > NOW()
	)
ORDER BY d.updated_at
LIMIT $2
`, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query stalled documents: %w", err)
	}
	defer rows.Close()

	docs := make([]domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stalled document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stalled documents: %w", err)
	}
	return docs, nil
}

func (r *DocumentRepository) AppendEvent(ctx context.Context, event domain.ProcessingEvent) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO processing_events (checksum, task_id, stage, status, message, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, event.Checksum, event.TaskID, string(event.Stage), event.Status, event.Message, event.At)
	if err != nil {
		return fmt.Errorf("insert processing event: %w", err)
	}
	return nil
}

func (r *DocumentRepository) ListEvents(ctx context.Context, checksum string, limit int) ([]domain.ProcessingEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT checksum, task_id, stage, status, message, created_at
FROM processing_events
WHERE checksum = $1
ORDER BY id DESC
LIMIT $2
`, checksum, limit)
	if err != nil {
		return nil, fmt.Errorf("query processing events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.ProcessingEvent, 0)
	for rows.Next() {
		var ev domain.ProcessingEvent
		var stage string
		if err := rows.Scan(&ev.Checksum, &ev.TaskID, &stage, &ev.Status, &ev.Message, &ev.At); err != nil {
			return nil, fmt.Errorf("scan processing event: %w", err)
		}
		ev.Stage = domain.Stage(stage)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processing events: %w", err)
	}
	return events, nil
}

func scanDocument(row rowScanner) (domain.Document, error) {
	var doc domain.Document
	var textSource, status, failedStage string
	var metadataRaw []byte

	err := row.Scan(
		&doc.Checksum, &doc.Filename, &doc.MimeType, &doc.SizeBytes, &doc.Source, &doc.RawRef, &doc.CanonicalRef,
		&doc.PageCount, &doc.Text, &doc.TextExtracted, &textSource, &metadataRaw, &doc.StoredName, &status,
		&doc.TaskID, &failedStage, &doc.LastError, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return domain.Document{}, err
	}
	if len(metadataRaw) > 0 {
		var md domain.Metadata
		if err := json.Unmarshal(metadataRaw, &md); err != nil {
			return domain.Document{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
		doc.Metadata = &md
	}
	doc.TextSource = domain.TextSource(textSource)
	doc.Status = domain.DocumentStatus(status)
	doc.FailedStage = domain.Stage(failedStage)
	return doc, nil
}

// marshalMetadata returns an untyped nil for a missing payload so the column stays NULL.
func marshalMetadata(md *domain.Metadata) (any, error) {
	if md == nil {
		return nil, nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return raw, nil
}
