package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
	"github.com/christianlouis/document-processor/internal/infrastructure/resilience"
	"github.com/nats-io/nats.go"
)

const queueGroup = "workers"

// Subjects maps logical queues onto NATS subjects.
type Subjects struct {
	Processing string
	Default    string
}

func (s Subjects) subject(queue domain.QueueName) (string, error) {
	switch queue {
	case domain.QueueProcessing:
		return s.Processing, nil
	case domain.QueueDefault:
		return s.Default, nil
	default:
		return "", fmt.Errorf("%w: unknown queue %q", domain.ErrInvalidInput, queue)
	}
}

type Queue struct {
	conn     *nats.Conn
	subjects Subjects
	executor *resilience.Executor
	logger   *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url string, subjects Subjects) (*Queue, error) {
	return NewWithOptions(url, subjects, Options{})
}

func NewWithOptions(url string, subjects Subjects, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("document-processor"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:     conn,
		subjects: subjects,
		executor: options.ResilienceExecutor,
		logger:   logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) Publish(ctx context.Context, task domain.Task) error {
	subject, err := q.subjects.subject(task.Kind.Queue())
	if err != nil {
		return err
	}
	payload, err := encodeTask(task)
	if err != nil {
		return err
	}

	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// Consume fans messages of one queue out to a fixed pool of workers and blocks until
// ctx is done, then drains the subscription.
func (q *Queue) Consume(ctx context.Context, queue domain.QueueName, workers int, handler ports.TaskHandler) error {
	subject, err := q.subjects.subject(queue)
	if err != nil {
		return err
	}
	if workers <= 0 {
		workers = 1
	}

	msgs := make(chan *nats.Msg, workers*4)
	sub, err := q.conn.ChanQueueSubscribe(subject, queueGroup, msgs)
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-msgs:
					q.dispatch(ctx, queue, msg, handler)
				}
			}
		}()
	}

	<-ctx.Done()
	drainErr := sub.Drain()
	wg.Wait()
	if drainErr != nil {
		return fmt.Errorf("nats drain subscription: %w", drainErr)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func (q *Queue) dispatch(ctx context.Context, queue domain.QueueName, msg *nats.Msg, handler ports.TaskHandler) {
	if msg == nil {
		return
	}
	task, err := decodeTask(msg.Data)
	if err != nil {
		q.logger.Error("task_decode_failed", "queue", queue, "error", err)
		return
	}
	if err := handler(ctx, task); err != nil {
		q.logger.Error("task_handler_failed",
			"queue", queue,
			"task_id", task.ID,
			"kind", task.Kind,
			"error", err,
		)
	}
}

func encodeTask(task domain.Task) ([]byte, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return payload, nil
}

func decodeTask(data []byte) (domain.Task, error) {
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return domain.Task{}, domain.WrapError(domain.ErrInvalidInput, "decode task", err)
	}
	if task.ID == "" || task.Kind == "" {
		return domain.Task{}, fmt.Errorf("%w: task without id or kind", domain.ErrInvalidInput)
	}
	return task, nil
}
