// Package memory is an in-process task queue for single-binary deployments and tests.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

var ErrClosed = errors.New("memory queue closed")

type Queue struct {
	logger *slog.Logger
	size   int

	mu       sync.Mutex
	channels map[domain.QueueName]chan domain.Task
	closed   bool
}

type Option func(*Queue)

func WithQueueSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.size = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{
		logger:   slog.Default(),
		size:     256,
		channels: make(map[domain.QueueName]chan domain.Task),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) channel(name domain.QueueName) (chan domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	ch, ok := q.channels[name]
	if !ok {
		ch = make(chan domain.Task, q.size)
		q.channels[name] = ch
	}
	return ch, nil
}

// Publish blocks when the queue is full until space frees up or ctx is done.
func (q *Queue) Publish(ctx context.Context, task domain.Task) error {
	ch, err := q.channel(task.Kind.Queue())
	if err != nil {
		return err
	}
	select {
	case ch <- task:
		return nil
	default:
		q.logger.Warn("queue_full_backpressure", "task_id", task.ID, "kind", task.Kind)
	}
	select {
	case ch <- task:
		return nil
	case <-ctx.Done():
		return domain.WrapError(domain.ErrTemporary, "memory publish", ctx.Err())
	}
}

func (q *Queue) Consume(ctx context.Context, queue domain.QueueName, workers int, handler ports.TaskHandler) error {
	ch, err := q.channel(queue)
	if err != nil {
		return err
	}
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-ch:
					if err := handler(ctx, task); err != nil {
						q.logger.Error("task_handler_failed",
							"worker_id", workerID,
							"queue", queue,
							"task_id", task.ID,
							"error", err,
						)
					}
				}
			}
		}(i + 1)
	}
	wg.Wait()
	return nil
}

// Close rejects further publishes. Tasks still buffered are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
