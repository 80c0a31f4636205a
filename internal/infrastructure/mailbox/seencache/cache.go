// Package seencache keeps the per-worker record of mail Message-IDs already handed to the pipeline.
package seencache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS seen_messages (
	mailbox_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	seen_at    INTEGER NOT NULL,
	PRIMARY KEY (mailbox_id, message_id)
);
CREATE INDEX IF NOT EXISTS seen_messages_seen_at ON seen_messages (seen_at);
`

type Cache struct {
	db *sql.DB
}

// Open opens (or creates) the cache database at path.
func Open(ctx context.Context, path string) (*Cache, error) {
	if path == "" {
		path = "./data/seen_messages.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create seen cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open seen cache: %w", err)
	}
	// Single writer; sqlite serialises anyway and this keeps busy errors away.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create seen cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) Seen(ctx context.Context, mailboxID, messageID string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM seen_messages WHERE mailbox_id = ? AND message_id = ?`,
		mailboxID, messageID,
	).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query seen message: %w", err)
	default:
		return true, nil
	}
}

func (c *Cache) MarkSeen(ctx context.Context, mailboxID, messageID string, at time.Time) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO seen_messages (mailbox_id, message_id, seen_at) VALUES (?, ?, ?)
		ON CONFLICT (mailbox_id, message_id) DO UPDATE SET seen_at = excluded.seen_at`,
		mailboxID, messageID, at.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("mark message seen: %w", err)
	}
	return nil
}

// Prune drops entries older than before and reports how many were removed.
func (c *Cache) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM seen_messages WHERE seen_at < ?`, before.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune seen messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}
