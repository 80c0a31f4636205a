package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schemaLockID = int64(2025030101)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the record store tables. Concurrent api/worker start-ups
// serialise on a transaction-scoped advisory lock.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS documents (
	checksum TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	source TEXT NOT NULL,
	raw_ref TEXT NOT NULL,
	canonical_ref TEXT NOT NULL DEFAULT '',
	page_count INTEGER NOT NULL DEFAULT 0,
	extracted_text TEXT NOT NULL DEFAULT '',
	text_extracted BOOLEAN NOT NULL DEFAULT FALSE,
	text_source TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	stored_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	failed_stage TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_status_updated ON documents(status, updated_at);

CREATE TABLE IF NOT EXISTS processing_attempts (
	checksum TEXT NOT NULL REFERENCES documents(checksum) ON DELETE CASCADE,
	stage TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	window_start INTEGER NOT NULL DEFAULT 0,
	last_error_class TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	next_eligible_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (checksum, stage)
);

CREATE TABLE IF NOT EXISTS deliveries (
	checksum TEXT NOT NULL REFERENCES documents(checksum) ON DELETE CASCADE,
	destination TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	remote_ref TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (checksum, destination)
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	checksum TEXT NOT NULL DEFAULT '',
	mailbox_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	revoked BOOLEAN NOT NULL DEFAULT FALSE,
	enqueued_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_checksum ON tasks(checksum, enqueued_at DESC);

CREATE TABLE IF NOT EXISTS leases (
	key TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS source_messages (
	mailbox_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	uid BIGINT NOT NULL DEFAULT 0,
	checksums JSONB NOT NULL DEFAULT '[]'::jsonb,
	delete_after_process BOOLEAN NOT NULL DEFAULT FALSE,
	state TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (mailbox_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_source_messages_state ON source_messages(mailbox_id, state);

CREATE TABLE IF NOT EXISTS processing_events (
	id BIGSERIAL PRIMARY KEY,
	checksum TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processing_events_checksum ON processing_events(checksum, id DESC);
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func expectOneRow(result sql.Result, notFound error, subject string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", notFound, subject)
	}
	return nil
}
