package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

type StalledRecoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Dispatcher routes dequeued tasks to their handler. Document tasks manage their own
// status; the dispatcher tracks status for the periodic kinds.
type Dispatcher struct {
	processor   ports.DocumentProcessor
	poller      ports.MailboxPoller
	recovery    StalledRecoverer
	tasks       ports.TaskStore
	observer    ports.PipelineObserver
	logger      *slog.Logger
	taskTimeout time.Duration
	now         func() time.Time
}

func NewDispatcher(
	processor ports.DocumentProcessor,
	poller ports.MailboxPoller,
	recovery StalledRecoverer,
	tasks ports.TaskStore,
	observer ports.PipelineObserver,
	logger *slog.Logger,
	taskTimeout time.Duration,
) *Dispatcher {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		processor:   processor,
		poller:      poller,
		recovery:    recovery,
		tasks:       tasks,
		observer:    observer,
		logger:      logger,
		taskTimeout: taskTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handle satisfies ports.TaskHandler.
func (d *Dispatcher) Handle(ctx context.Context, task domain.Task) error {
	started := d.now()
	if !task.EnqueuedAt.IsZero() {
		d.observer.TaskStarted(task.Kind, started.Sub(task.EnqueuedAt))
	} else {
		d.observer.TaskStarted(task.Kind, 0)
	}
	if d.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.taskTimeout)
		defer cancel()
	}

	err := d.dispatch(ctx, task)
	d.observer.TaskFinished(task.Kind, d.now().Sub(started), err)
	if err != nil {
		d.logger.Error("task_failed", "task_id", task.ID, "kind", task.Kind, "error", err)
	}
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, task domain.Task) error {
	if task.Kind == domain.TaskProcessDocument {
		return d.processor.Process(ctx, task)
	}

	revoked, err := d.tasks.IsTaskRevoked(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		d.setStatus(ctx, task.ID, domain.TaskRevoked)
		return nil
	}
	d.setStatus(ctx, task.ID, domain.TaskRunning)

	switch task.Kind {
	case domain.TaskPollMailbox:
		err = d.poller.Poll(ctx, task.MailboxID)
	case domain.TaskReleaseSource:
		err = d.poller.ReleaseSources(ctx, task.MailboxID)
	case domain.TaskRecoverStalled:
		_, err = d.recovery.Recover(ctx)
	default:
		err = domain.WrapError(domain.ErrInvalidInput, "dispatch", fmt.Errorf("unknown task kind %q", task.Kind))
	}

	status := domain.TaskSucceeded
	if err != nil {
		status = domain.TaskFailed
	}
	d.setStatus(context.WithoutCancel(ctx), task.ID, status)
	return err
}

func (d *Dispatcher) setStatus(ctx context.Context, taskID string, status domain.TaskStatus) {
	if err := d.tasks.UpdateTaskStatus(ctx, taskID, status); err != nil {
		d.logger.Warn("task_status_save_failed", "task_id", taskID, "status", status, "error", err)
	}
}
