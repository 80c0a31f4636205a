package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

type AttemptRepository struct {
	db *sql.DB
}

func NewAttemptRepository(db *sql.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// GetAttempt returns a zero-count attempt when the stage never ran.
func (r *AttemptRepository) GetAttempt(ctx context.Context, checksum string, stage domain.Stage) (domain.ProcessingAttempt, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT checksum, stage, task_id, attempts, window_start, last_error_class, last_error, next_eligible_at, updated_at
FROM processing_attempts
WHERE checksum = $1 AND stage = $2
`, checksum, string(stage))

	attempt, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ProcessingAttempt{Checksum: checksum, Stage: stage}, nil
		}
		return domain.ProcessingAttempt{}, fmt.Errorf("scan attempt: %w", err)
	}
	return attempt, nil
}

// SaveAttempt upserts the attempt row. The stored count never decreases.
func (r *AttemptRepository) SaveAttempt(ctx context.Context, attempt domain.ProcessingAttempt) error {
	var nextEligible any
	if !attempt.NextEligibleAt.IsZero() {
		nextEligible = attempt.NextEligibleAt
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO processing_attempts (
	checksum, stage, task_id, attempts, window_start, last_error_class, last_error, next_eligible_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (checksum, stage) DO UPDATE SET
	task_id = EXCLUDED.task_id,
	attempts = GREATEST(processing_attempts.attempts, EXCLUDED.attempts),
	window_start = EXCLUDED.window_start,
	last_error_class = EXCLUDED.last_error_class,
	last_error = EXCLUDED.last_error,
	next_eligible_at = EXCLUDED.next_eligible_at,
	updated_at = EXCLUDED.updated_at
`,
		attempt.Checksum, string(attempt.Stage), attempt.TaskID, attempt.Attempts, attempt.WindowStart,
		string(attempt.LastErrorClass), attempt.LastError, nextEligible, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert attempt: %w", err)
	}
	return nil
}

func (r *AttemptRepository) ListAttempts(ctx context.Context, checksum string) ([]domain.ProcessingAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT checksum, stage, task_id, attempts, window_start, last_error_class, last_error, next_eligible_at, updated_at
FROM processing_attempts
WHERE checksum = $1
ORDER BY updated_at
`, checksum)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ProcessingAttempt, 0, len(domain.Stages))
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

func scanAttempt(row rowScanner) (domain.ProcessingAttempt, error) {
	var attempt domain.ProcessingAttempt
	var stage, class string
	var nextEligible sql.NullTime
	err := row.Scan(
		&attempt.Checksum,
		&stage,
		&attempt.TaskID,
		&attempt.Attempts,
		&attempt.WindowStart,
		&class,
		&attempt.LastError,
		&nextEligible,
		&attempt.UpdatedAt,
	)
	if err != nil {
		return domain.ProcessingAttempt{}, err
	}
	attempt.Stage = domain.Stage(stage)
	attempt.LastErrorClass = domain.ErrorClass(class)
	if nextEligible.Valid {
		attempt.NextEligibleAt = nextEligible.Time
	}
	return attempt, nil
}
