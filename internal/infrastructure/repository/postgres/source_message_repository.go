package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

type SourceMessageRepository struct {
	db *sql.DB
}

func NewSourceMessageRepository(db *sql.DB) *SourceMessageRepository {
	return &SourceMessageRepository{db: db}
}

// RecordSourceMessage stores the message once; a re-poll merges newly seen checksums.
// A kept message stays kept, and a pending one is demoted when the new state is kept.
func (r *SourceMessageRepository) RecordSourceMessage(ctx context.Context, msg domain.SourceMessage) error {
	checksums, err := json.Marshal(msg.Checksums)
	if err != nil {
		return fmt.Errorf("marshal checksums: %w", err)
	}
	now := time.Now().UTC()
	if msg.State == "" {
		msg.State = domain.SourcePending
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO source_messages (mailbox_id, message_id, uid, checksums, delete_after_process, state, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
ON CONFLICT (mailbox_id, message_id) DO UPDATE SET
	uid = EXCLUDED.uid,
	checksums = (
		SELECT COALESCE(jsonb_agg(DISTINCT merged.value), '[]'::jsonb)
		FROM jsonb_array_elements_text(source_messages.checksums || EXCLUDED.checksums) AS merged(value)
	),
	state = CASE
		WHEN source_messages.state = 'pending' AND EXCLUDED.state = 'kept' THEN 'kept'
		ELSE source_messages.state
	END,
	updated_at = EXCLUDED.updated_at
`, msg.MailboxID, msg.MessageID, int64(msg.UID), checksums, msg.DeleteAfterProcess, string(msg.State), now)
	if err != nil {
		return fmt.Errorf("upsert source message: %w", err)
	}
	return nil
}

func (r *SourceMessageRepository) ListPendingSourceMessages(ctx context.Context, mailboxID string) ([]domain.SourceMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT mailbox_id, message_id, uid, checksums, delete_after_process, state, created_at, updated_at
FROM source_messages
WHERE mailbox_id = $1 AND state = 'pending'
ORDER BY created_at
`, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("query source messages: %w", err)
	}
	defer rows.Close()

	out := make([]domain.SourceMessage, 0)
	for rows.Next() {
		var msg domain.SourceMessage
		var uid int64
		var checksums []byte
		var state string
		if err := rows.Scan(
			&msg.MailboxID, &msg.MessageID, &uid, &checksums, &msg.DeleteAfterProcess, &state, &msg.CreatedAt, &msg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan source message: %w", err)
		}
		if err := json.Unmarshal(checksums, &msg.Checksums); err != nil {
			return nil, fmt.Errorf("unmarshal checksums: %w", err)
		}
		msg.UID = uint32(uid)
		msg.State = domain.SourceMessageState(state)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source messages: %w", err)
	}
	return out, nil
}

func (r *SourceMessageRepository) MarkSourceMessage(ctx context.Context, mailboxID, messageID string, state domain.SourceMessageState) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE source_messages
SET state = $3, updated_at = $4
WHERE mailbox_id = $1 AND message_id = $2
`, mailboxID, messageID, string(state), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update source message: %w", err)
	}
	return expectOneRow(result, domain.ErrSourceNotFound, mailboxID+"/"+messageID)
}
