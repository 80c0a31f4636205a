package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

const taskColumns = `id, kind, checksum, mailbox_id, status, revoked, enqueued_at, updated_at`

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) CreateTask(ctx context.Context, task *domain.Task) error {
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.EnqueuedAt
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, task.ID, string(task.Kind), task.Checksum, task.MailboxID, string(task.Status), task.Revoked, task.EnqueuedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *TaskRepository) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &task, nil
}

func (r *TaskRepository) LatestTaskForChecksum(ctx context.Context, checksum string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE checksum = $1
ORDER BY enqueued_at DESC
LIMIT 1
`, checksum)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: checksum %s", domain.ErrTaskNotFound, checksum)
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &task, nil
}

func (r *TaskRepository) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET status = $2, updated_at = $3
WHERE id = $1
`, id, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return expectOneRow(result, domain.ErrTaskNotFound, id)
}

// RevokeTask flags the task; a queued task that was not picked up yet is marked revoked too.
func (r *TaskRepository) RevokeTask(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET revoked = TRUE,
	status = CASE WHEN status = 'queued' THEN 'revoked' ELSE status END,
	updated_at = $2
WHERE id = $1
`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("revoke task: %w", err)
	}
	return expectOneRow(result, domain.ErrTaskNotFound, id)
}

func (r *TaskRepository) IsTaskRevoked(ctx context.Context, id string) (bool, error) {
	var revoked bool
	err := r.db.QueryRowContext(ctx, `SELECT revoked FROM tasks WHERE id = $1`, id).Scan(&revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
		}
		return false, fmt.Errorf("query task revoked: %w", err)
	}
	return revoked, nil
}

func scanTask(row rowScanner) (domain.Task, error) {
	var task domain.Task
	var kind, status string
	err := row.Scan(
		&task.ID,
		&kind,
		&task.Checksum,
		&task.MailboxID,
		&status,
		&task.Revoked,
		&task.EnqueuedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return domain.Task{}, err
	}
	task.Kind = domain.TaskKind(kind)
	task.Status = domain.TaskStatus(status)
	return task, nil
}
