package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

func TestTaskRepositoryRevokeReturnsNotFoundWhenNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	repo := NewTaskRepository(db)
	mock.ExpectExec("UPDATE tasks").
		WithArgs("missing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.RevokeTask(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTaskRepositoryLatestTaskForChecksum(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	repo := NewTaskRepository(db)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "kind", "checksum", "mailbox_id", "status", "revoked", "enqueued_at", "updated_at"}).
		AddRow("t-2", "process_document", testChecksum, "", "running", false, now, now)
	mock.ExpectQuery("ORDER BY enqueued_at DESC").
		WithArgs(testChecksum).
		WillReturnRows(rows)

	task, err := repo.LatestTaskForChecksum(context.Background(), testChecksum)
	if err != nil {
		t.Fatalf("LatestTaskForChecksum() error = %v", err)
	}
	if task.ID != "t-2" || task.Kind != domain.TaskProcessDocument || task.Status != domain.TaskRunning {
		t.Fatalf("unexpected task: %+v", task)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTaskRepositoryIsTaskRevokedMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	repo := NewTaskRepository(db)
	mock.ExpectQuery("SELECT revoked FROM tasks").
		WithArgs("gone").
		WillReturnError(sql.ErrNoRows)

	if _, err := repo.IsTaskRevoked(context.Background(), "gone"); !domain.IsKind(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}
