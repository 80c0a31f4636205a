package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

func TestConsumeDeliversTasksOfOneQueueOnly(t *testing.T) {
	q := New(WithQueueSize(4))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, domain.QueueProcessing, 2, func(_ context.Context, task domain.Task) error {
			mu.Lock()
			seen = append(seen, task.ID)
			if len(seen) == 2 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	for _, task := range []domain.Task{
		{ID: "a", Kind: domain.TaskProcessDocument},
		{ID: "poll", Kind: domain.TaskPollMailbox},
		{ID: "b", Kind: domain.TaskProcessDocument},
	} {
		if err := q.Publish(ctx, task); err != nil {
			t.Fatalf("publish %s: %v", task.ID, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for processing tasks")
	}
	mu.Lock()
	defer mu.Unlock()
	for _, id := range seen {
		if id == "poll" {
			t.Fatalf("poll task must stay on the default queue")
		}
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	q := New()
	q.Close()
	err := q.Publish(context.Background(), domain.Task{ID: "x", Kind: domain.TaskPollMailbox})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPublishFullQueueHonoursContext(t *testing.T) {
	q := New(WithQueueSize(1))
	task := domain.Task{ID: "x", Kind: domain.TaskPollMailbox}
	if err := q.Publish(context.Background(), task); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, task)
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error on full queue, got %v", err)
	}
}
