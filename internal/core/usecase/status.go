package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

const statusEventLimit = 50

type StatusUseCase struct {
	docs       ports.DocumentStore
	tasks      ports.TaskStore
	attempts   ports.AttemptStore
	deliveries ports.DeliveryStore
}

func NewStatusUseCase(
	docs ports.DocumentStore,
	tasks ports.TaskStore,
	attempts ports.AttemptStore,
	deliveries ports.DeliveryStore,
) *StatusUseCase {
	return &StatusUseCase{docs: docs, tasks: tasks, attempts: attempts, deliveries: deliveries}
}

// GetStatus accepts either a content checksum or a task id.
func (uc *StatusUseCase) GetStatus(ctx context.Context, ref string) (*domain.StatusView, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "get status", fmt.Errorf("empty reference"))
	}

	var task *domain.Task
	checksum := strings.ToLower(ref)
	if !domain.IsChecksum(checksum) {
		t, err := uc.tasks.GetTask(ctx, ref)
		if err != nil {
			return nil, err
		}
		if t.Checksum == "" {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get status", fmt.Errorf("task %s has no document", ref))
		}
		task = t
		checksum = t.Checksum
	}

	doc, err := uc.docs.GetDocument(ctx, checksum)
	if err != nil {
		return nil, err
	}
	if task == nil && doc.TaskID != "" {
		if t, err := uc.tasks.GetTask(ctx, doc.TaskID); err == nil {
			task = t
		}
	}

	deliveries, err := uc.deliveries.ListDeliveries(ctx, checksum)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	attempts, err := uc.attempts.ListAttempts(ctx, checksum)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	events, err := uc.docs.ListEvents(ctx, checksum, statusEventLimit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	view := &domain.StatusView{
		Checksum:     doc.Checksum,
		Filename:     doc.Filename,
		Status:       doc.Status,
		LastError:    doc.LastError,
		FailureCause: doc.FailureCause(),
		Metadata:     doc.Metadata,
		Destinations: deliveries,
		Attempts:     attempts,
		Events:       events,
	}
	if view.Destinations == nil {
		view.Destinations = []domain.DeliveryRecord{}
	}
	if doc.Metadata != nil {
		view.MetadataPartial = doc.Metadata.Partial
	}
	switch {
	case doc.Status == domain.StatusFailed:
		view.Stage = doc.FailedStage
	case doc.Status != domain.StatusCompleted:
		view.Stage = doc.NextStage()
	}
	if task != nil {
		view.TaskID = task.ID
		view.TaskStatus = task.Status
	}
	return view, nil
}
