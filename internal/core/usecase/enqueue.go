package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

// TaskEnqueuer records a task before publishing it so status queries and revocation
// work from the moment an id is handed out.
type TaskEnqueuer struct {
	tasks ports.TaskStore
	queue ports.TaskQueue
	now   func() time.Time
}

func NewTaskEnqueuer(tasks ports.TaskStore, queue ports.TaskQueue) *TaskEnqueuer {
	return &TaskEnqueuer{
		tasks: tasks,
		queue: queue,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (e *TaskEnqueuer) Enqueue(ctx context.Context, kind domain.TaskKind, checksum, mailboxID string) (domain.Task, error) {
	task := domain.Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Checksum:   checksum,
		MailboxID:  mailboxID,
		Status:     domain.TaskQueued,
		EnqueuedAt: e.now(),
	}
	if err := e.tasks.CreateTask(ctx, &task); err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	if err := e.queue.Publish(ctx, task); err != nil {
		if markErr := e.tasks.UpdateTaskStatus(ctx, task.ID, domain.TaskFailed); markErr != nil {
			return domain.Task{}, fmt.Errorf("publish task: %w; mark failed: %v", err, markErr)
		}
		return domain.Task{}, fmt.Errorf("publish task: %w", err)
	}
	return task, nil
}

// record stores a task that is answered without running, such as a duplicate submission.
func (e *TaskEnqueuer) record(ctx context.Context, kind domain.TaskKind, checksum string, status domain.TaskStatus) (domain.Task, error) {
	task := domain.Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Checksum:   checksum,
		Status:     status,
		EnqueuedAt: e.now(),
	}
	if err := e.tasks.CreateTask(ctx, &task); err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}
