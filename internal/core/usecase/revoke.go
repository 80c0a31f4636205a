package usecase

import (
	"context"
	"log/slog"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

type RevokeUseCase struct {
	tasks  ports.TaskStore
	logger *slog.Logger
}

func NewRevokeUseCase(tasks ports.TaskStore, logger *slog.Logger) *RevokeUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &RevokeUseCase{tasks: tasks, logger: logger}
}

// Revoke flags a task. A queued task is skipped when dequeued; a running one finishes its
// current external call and stops before the next stage. Finished tasks are left alone.
func (uc *RevokeUseCase) Revoke(ctx context.Context, taskID string) error {
	task, err := uc.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case domain.TaskSucceeded, domain.TaskFailed, domain.TaskDuplicate, domain.TaskRevoked:
		uc.logger.Info("task_revoke_ignored", "task_id", taskID, "status", task.Status)
		return nil
	}
	if err := uc.tasks.RevokeTask(ctx, taskID); err != nil {
		return err
	}
	uc.logger.Info("task_revoked", "task_id", taskID, "status", task.Status)
	return nil
}
