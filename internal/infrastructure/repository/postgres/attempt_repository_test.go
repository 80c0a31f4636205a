package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

func TestGetAttemptReturnsZeroWhenStageNeverRan(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	repo := NewAttemptRepository(db)
	mock.ExpectQuery("FROM processing_attempts").
		WithArgs(testChecksum, string(domain.StageConvert)).
		WillReturnError(sql.ErrNoRows)

	attempt, err := repo.GetAttempt(context.Background(), testChecksum, domain.StageConvert)
	if err != nil {
		t.Fatalf("GetAttempt() error = %v", err)
	}
	if attempt.Attempts != 0 || attempt.Stage != domain.StageConvert || attempt.Checksum != testChecksum {
		t.Fatalf("unexpected attempt: %+v", attempt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveAttemptKeepsCountMonotonic(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	repo := NewAttemptRepository(db)
	next := time.Now().Add(time.Minute)
	mock.ExpectExec("GREATEST\\(processing_attempts.attempts, EXCLUDED.attempts\\)").
		WithArgs(testChecksum, string(domain.StageExtract), "task-1", 2, 0, "retryable", "ocr timeout", next, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.SaveAttempt(context.Background(), domain.ProcessingAttempt{
		Checksum:       testChecksum,
		Stage:          domain.StageExtract,
		TaskID:         "task-1",
		Attempts:       2,
		LastErrorClass: domain.ErrorClassRetryable,
		LastError:      "ocr timeout",
		NextEligibleAt: next,
	})
	if err != nil {
		t.Fatalf("SaveAttempt() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
