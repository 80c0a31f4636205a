package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

const (
	defaultStallAfter    = 30 * time.Minute
	defaultRecoveryBatch = 50
)

// TaskPublisher creates and publishes a task.
type TaskPublisher interface {
	Enqueue(ctx context.Context, kind domain.TaskKind, checksum, mailboxID string) (domain.Task, error)
}

// Recovery re-enqueues documents left in a non-terminal status by a crashed or restarted
// worker. The record store only reports documents whose lease has lapsed, and the new
// task resumes from the first stage without persisted output.
type Recovery struct {
	docs       ports.DocumentStore
	publisher  TaskPublisher
	logger     *slog.Logger
	stallAfter time.Duration
	batch      int
	now        func() time.Time
}

func NewRecovery(docs ports.DocumentStore, publisher TaskPublisher, logger *slog.Logger, stallAfter time.Duration) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	if stallAfter <= 0 {
		stallAfter = defaultStallAfter
	}
	return &Recovery{
		docs:       docs,
		publisher:  publisher,
		logger:     logger,
		stallAfter: stallAfter,
		batch:      defaultRecoveryBatch,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *Recovery) Recover(ctx context.Context) (int, error) {
	stalled, err := r.docs.ListStalledDocuments(ctx, r.now().Add(-r.stallAfter), r.batch)
	if err != nil {
		return 0, fmt.Errorf("list stalled documents: %w", err)
	}
	resumed := 0
	for _, doc := range stalled {
		task, err := r.publisher.Enqueue(ctx, domain.TaskProcessDocument, doc.Checksum, "")
		if err != nil {
			r.logger.Error("document_recovery_failed", "checksum", doc.Checksum, "error", err)
			continue
		}
		resumed++
		r.logger.Info("document_recovered",
			"checksum", doc.Checksum,
			"task_id", task.ID,
			"status", doc.Status,
			"stage", doc.NextStage(),
		)
	}
	return resumed, nil
}
